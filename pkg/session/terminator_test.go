package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"

	"github.com/porthorian/planauth/pkg/storage/memory"
)

func testLogger() logr.Logger {
	return logr.Discard()
}

func TestTerminatorSignalsOncePerEvent(t *testing.T) {
	kv := memory.NewAdapter()
	store := NewStore(kv, testLogger())
	ctx := context.Background()
	if err := store.Replace(ctx, testSession(1)); err != nil {
		t.Fatalf("replace: %v", err)
	}

	terminator := NewTerminator(store, testLogger(), nil)
	var signals atomic.Int32
	var lastEvent atomic.Value
	terminator.Subscribe(func(e EndedEvent) {
		signals.Add(1)
		lastEvent.Store(e)
	})

	reason := errors.New("refresh credential rejected")
	const callers = 16
	var wg sync.WaitGroup
	var terminated atomic.Int32
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if terminator.Terminate(ctx, "refresh-1", reason) {
				terminated.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := signals.Load(); got != 1 {
		t.Fatalf("expected exactly one signal, got %d", got)
	}
	if got := terminated.Load(); got != 1 {
		t.Fatalf("expected exactly one Terminate call to report true, got %d", got)
	}
	if _, ok := store.Read(); ok {
		t.Fatal("expected store to be absent after termination")
	}
	if kv.Len() != 0 {
		t.Fatalf("expected persisted session to be removed, %d keys left", kv.Len())
	}

	event := lastEvent.Load().(EndedEvent)
	if event.ID == "" || event.At.IsZero() || !errors.Is(event.Reason, reason) {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestTerminatorSignalsAgainForNewSession(t *testing.T) {
	store := NewStore(nil, testLogger())
	terminator := NewTerminator(store, testLogger(), nil)
	ctx := context.Background()

	var ids []string
	terminator.Subscribe(func(e EndedEvent) { ids = append(ids, e.ID) })

	if terminator.Terminate(ctx, "refresh-1", nil) {
		t.Fatal("terminating an empty store must not signal")
	}

	for i := 1; i <= 2; i++ {
		next := testSession(i)
		if err := store.Replace(ctx, next); err != nil {
			t.Fatalf("replace: %v", err)
		}
		if !terminator.Terminate(ctx, next.RefreshCredential, nil) {
			t.Fatalf("expected termination %d to signal", i)
		}
	}

	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected two distinct events, got %v", ids)
	}
}

func TestTerminatorIgnoresStaleTermination(t *testing.T) {
	kv := memory.NewAdapter()
	store := NewStore(kv, testLogger())
	terminator := NewTerminator(store, testLogger(), nil)
	ctx := context.Background()

	if err := store.Replace(ctx, testSession(1)); err != nil {
		t.Fatalf("replace: %v", err)
	}

	// The listener signs in again, as an application would on EndedEvent.
	var signals int
	terminator.Subscribe(func(EndedEvent) {
		signals++
		if err := store.Replace(ctx, testSession(2)); err != nil {
			t.Errorf("re-login: %v", err)
		}
	})

	reason := errors.New("refresh credential rejected")
	if !terminator.Terminate(ctx, "refresh-1", reason) {
		t.Fatal("expected the first failure of session 1 to end it")
	}
	if terminator.Terminate(ctx, "refresh-1", reason) {
		t.Fatal("a late failure of session 1 must not end session 2")
	}

	if signals != 1 {
		t.Fatalf("expected exactly one signal, got %d", signals)
	}
	current, ok := store.Read()
	if !ok || current.RefreshCredential != "refresh-2" {
		t.Fatalf("expected the new session to survive, got %+v (present=%v)", current, ok)
	}
	if kv.Len() == 0 {
		t.Fatal("expected the new session to stay persisted")
	}
}
