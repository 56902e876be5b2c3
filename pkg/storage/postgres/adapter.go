package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/porthorian/planauth/pkg/storage"
)

const DefaultNamespace = "default"

type Adapter struct {
	db        *sql.DB
	namespace string

	stmts preparedStatements
}

type preparedStatements struct {
	putEntry      *sql.Stmt
	getEntries    *sql.Stmt
	deleteEntries *sql.Stmt
}

type prepareStatementSpec struct {
	label  string
	query  string
	assign func(*preparedStatements, *sql.Stmt)
}

const (
	putEntryQuery = `
INSERT INTO planauth.session_entry (
  namespace, key, value, date_modified
) VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO UPDATE
SET
  value = EXCLUDED.value,
  date_modified = EXCLUDED.date_modified
`

	getEntriesQuery = `
SELECT
  key, value
FROM planauth.session_entry
WHERE namespace = $1 AND key = ANY($2)
`

	deleteEntriesQuery = `DELETE FROM planauth.session_entry WHERE namespace = $1 AND key = ANY($2)`
)

var fixedPrepareStatementSpecs = []prepareStatementSpec{
	{
		label: "put entry",
		query: putEntryQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) {
			ps.putEntry = stmt
		},
	},
	{
		label: "get entries",
		query: getEntriesQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) {
			ps.getEntries = stmt
		},
	},
	{
		label: "delete entries",
		query: deleteEntriesQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) {
			ps.deleteEntries = stmt
		},
	},
}

var (
	ErrNilDB                 = errors.New("postgres adapter: db is nil")
	ErrAdapterNotInitialized = errors.New("postgres adapter: adapter not initialized")
)

var _ storage.KeyValueStore = (*Adapter)(nil)

// NewAdapter prepares the adapter's statements against db. Entries are
// scoped by namespace so several profiles can share one table.
func NewAdapter(db *sql.DB, namespace string) (*Adapter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	adapter := &Adapter{
		db:        db,
		namespace: namespace,
	}

	if err := adapter.prepareStatements(); err != nil {
		_ = adapter.Close()
		return nil, err
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a == nil {
		return nil
	}

	return closeStatements(
		a.stmts.putEntry,
		a.stmts.getEntries,
		a.stmts.deleteEntries,
	)
}

func (a *Adapter) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	if err := a.requirePreparedStatements(); err != nil {
		return nil, err
	}

	values := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	rows, err := a.stmts.getEntries.QueryContext(ctx, a.namespace, keys)
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: get entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return values, nil
}

func (a *Adapter) ReplaceAll(ctx context.Context, values map[string]string) error {
	if err := storage.ValidateKeys(values); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	return a.withTx(ctx, func(tx *sql.Tx) error {
		stmt := tx.StmtContext(ctx, a.stmts.putEntry)
		defer stmt.Close()

		now := time.Now().UTC()
		for key, value := range values {
			if _, err := stmt.ExecContext(ctx, a.namespace, key, value, now); err != nil {
				return fmt.Errorf("postgres adapter: put entry %q: %w", key, err)
			}
		}
		return nil
	})
}

func (a *Adapter) DeleteAll(ctx context.Context, keys []string) error {
	if err := a.requirePreparedStatements(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if _, err := a.stmts.deleteEntries.ExecContext(ctx, a.namespace, keys); err != nil {
		return fmt.Errorf("postgres adapter: delete entries: %w", err)
	}
	return nil
}

func (a *Adapter) prepareStatements() (err error) {
	db, err := a.requireDB()
	if err != nil {
		return err
	}

	prepared := make([]*sql.Stmt, 0, len(fixedPrepareStatementSpecs))
	defer func() {
		if err != nil {
			_ = closeStatements(prepared...)
		}
	}()

	for _, spec := range fixedPrepareStatementSpecs {
		stmt, prepErr := db.Prepare(spec.query)
		if prepErr != nil {
			err = fmt.Errorf("postgres adapter: prepare %s statement: %w", spec.label, prepErr)
			return err
		}
		prepared = append(prepared, stmt)
		spec.assign(&a.stmts, stmt)
	}
	return nil
}

func (a *Adapter) requirePreparedStatements() error {
	if _, err := a.requireDB(); err != nil {
		return err
	}

	if a.stmts.putEntry == nil || a.stmts.getEntries == nil || a.stmts.deleteEntries == nil {
		return ErrAdapterNotInitialized
	}

	return nil
}

func (a *Adapter) requireDB() (*sql.DB, error) {
	if a == nil || a.db == nil {
		return nil, ErrNilDB
	}
	return a.db, nil
}

func closeStatements(stmts ...*sql.Stmt) error {
	var errs []error
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
