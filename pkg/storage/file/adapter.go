// Package file persists key-value entries in a single CBOR document on disk.
// Every write goes to a temporary file in the same directory and is renamed
// over the target, so readers see either the old or the new document.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/porthorian/planauth/pkg/storage"
)

var ErrEmptyPath = errors.New("file storage: path is required")

const filePerm = 0o600

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("file storage: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("file storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// document is the on-disk layout. Version leaves room for format changes.
type document struct {
	Version int               `cbor:"1,keyasint"`
	Entries map[string]string `cbor:"2,keyasint"`
}

type Adapter struct {
	path string
	mu   sync.RWMutex
}

var _ storage.KeyValueStore = (*Adapter)(nil)

func NewAdapter(path string) (*Adapter, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("file storage: create directory: %w", err)
	}
	return &Adapter{path: path}, nil
}

func (a *Adapter) Path() string {
	return a.path
}

func (a *Adapter) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	a.mu.RLock()
	entries, err := a.read()
	a.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := entries[key]; ok {
			values[key] = value
		}
	}
	return values, nil
}

func (a *Adapter) ReplaceAll(ctx context.Context, values map[string]string) error {
	if err := storage.ValidateKeys(values); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := a.read()
	if err != nil {
		return err
	}
	for key, value := range values {
		entries[key] = value
	}
	return a.write(entries)
}

func (a *Adapter) DeleteAll(ctx context.Context, keys []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := a.read()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for _, key := range keys {
		delete(entries, key)
	}
	if len(entries) == 0 {
		if err := os.Remove(a.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file storage: remove %s: %w", a.path, err)
		}
		return nil
	}
	return a.write(entries)
}

func (a *Adapter) read() (map[string]string, error) {
	raw, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file storage: read %s: %w", a.path, err)
	}

	var doc document
	if err := decMode.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("file storage: decode %s: %w", a.path, err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]string{}
	}
	return doc.Entries, nil
}

func (a *Adapter) write(entries map[string]string) error {
	raw, err := encMode.Marshal(document{Version: 1, Entries: entries})
	if err != nil {
		return fmt.Errorf("file storage: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.path), "."+filepath.Base(a.path)+".*")
	if err != nil {
		return fmt.Errorf("file storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: write temp file: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file storage: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, a.path); err != nil {
		return fmt.Errorf("file storage: rename into place: %w", err)
	}
	committed = true
	return nil
}
