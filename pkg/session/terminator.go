package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/porthorian/planauth/pkg/metrics"
)

// EndedEvent tells the application that the session is gone and the user
// must authenticate again.
type EndedEvent struct {
	ID     string
	At     time.Time
	Reason error
}

type Listener func(EndedEvent)

// Terminator ends the session when it can no longer be renewed. A Terminate
// call names the session it failed with by refresh credential. Only the first
// call for that session clears the store and notifies listeners; later calls
// find the store empty or holding a newer session and do nothing.
type Terminator struct {
	mu        sync.Mutex
	store     *Store
	listeners []Listener

	logger  logr.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

func NewTerminator(store *Store, logger logr.Logger, recorder metrics.Recorder) *Terminator {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Terminator{
		store:   store,
		logger:  logger,
		metrics: metrics.OrNoop(recorder),
		now:     time.Now,
	}
}

// Subscribe registers l for every future EndedEvent.
func (t *Terminator) Subscribe(l Listener) {
	if l == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Terminate ends the session identified by refreshCredential and signals
// listeners. It returns false when that session is no longer held.
func (t *Terminator) Terminate(ctx context.Context, refreshCredential string, reason error) bool {
	t.mu.Lock()
	cleared, err := t.store.CompareAndClear(ctx, refreshCredential)
	if !cleared {
		t.mu.Unlock()
		t.logger.V(1).Info("ignoring termination of a session no longer held", "reason", errString(reason))
		return false
	}
	if err != nil {
		// Memory is already cleared; only persistence failed.
		t.logger.Error(err, "session terminated but persisted copy was not removed")
	}

	event := EndedEvent{
		ID:     uuid.NewString(),
		At:     t.now().UTC(),
		Reason: reason,
	}
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	t.metrics.SessionTerminated()
	t.logger.Info("session ended", "event_id", event.ID, "reason", errString(reason))

	for _, l := range listeners {
		l(event)
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
