// Package session holds the authenticated session of one client process:
// the short-lived access credential, the refresh credential used to renew
// it, and the user snapshot returned at login. A Session is replaced or
// cleared as a whole; readers never see fields from two different sessions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/porthorian/planauth/pkg/storage"
)

var (
	// ErrIncompleteSession is returned when a session is missing any of its fields.
	ErrIncompleteSession = errors.New("session: incomplete session")

	// ErrPartialPersistedSession is reported when persistence holds only some session keys.
	ErrPartialPersistedSession = errors.New("session: persisted session is partial")
)

// UserSnapshot is the user record returned by the API at login. Its
// contents are opaque to the client.
type UserSnapshot map[string]any

// String returns the value stored under key when it is a string.
func (u UserSnapshot) String(key string) string {
	value, _ := u[key].(string)
	return value
}

type Session struct {
	AccessCredential  string
	RefreshCredential string
	User              UserSnapshot
	IssuedAt          time.Time
}

// Complete reports whether every field is set.
func (s Session) Complete() bool {
	return s.AccessCredential != "" &&
		s.RefreshCredential != "" &&
		s.User != nil &&
		!s.IssuedAt.IsZero()
}

func (s Session) clone() Session {
	s.User = maps.Clone(s.User)
	return s
}

func (s Session) encode() (map[string]string, error) {
	user, err := json.Marshal(s.User)
	if err != nil {
		return nil, fmt.Errorf("session: encode user: %w", err)
	}

	return map[string]string{
		storage.KeyAccessToken:  s.AccessCredential,
		storage.KeyRefreshToken: s.RefreshCredential,
		storage.KeyUser:         string(user),
		storage.KeyIssuedAt:     s.IssuedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// decodeSession rebuilds a session from persisted values. ok is false when
// no session keys are present at all.
func decodeSession(values map[string]string) (s Session, ok bool, err error) {
	if len(values) == 0 {
		return Session{}, false, nil
	}
	for _, key := range storage.SessionKeys {
		if _, present := values[key]; !present {
			return Session{}, false, ErrPartialPersistedSession
		}
	}

	var user UserSnapshot
	if err := json.Unmarshal([]byte(values[storage.KeyUser]), &user); err != nil {
		return Session{}, false, fmt.Errorf("session: decode user: %w", err)
	}

	issuedAt, err := time.Parse(time.RFC3339Nano, values[storage.KeyIssuedAt])
	if err != nil {
		return Session{}, false, fmt.Errorf("session: decode issued_at: %w", err)
	}

	s = Session{
		AccessCredential:  values[storage.KeyAccessToken],
		RefreshCredential: values[storage.KeyRefreshToken],
		User:              user,
		IssuedAt:          issuedAt.UTC(),
	}
	if !s.Complete() {
		return Session{}, false, ErrIncompleteSession
	}
	return s, true, nil
}
