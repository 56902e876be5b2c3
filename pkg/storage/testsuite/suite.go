// Package testsuite holds the conformance checks every storage.KeyValueStore
// backend must pass. Backend packages call Run from their own tests.
package testsuite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/porthorian/planauth/pkg/storage"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) storage.KeyValueStore

func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("GetManyMissing", func(t *testing.T) { testGetManyMissing(t, newStore(t)) })
	t.Run("ReplaceAllThenGet", func(t *testing.T) { testReplaceAllThenGet(t, newStore(t)) })
	t.Run("ReplaceAllOverwrites", func(t *testing.T) { testReplaceAllOverwrites(t, newStore(t)) })
	t.Run("DeleteAll", func(t *testing.T) { testDeleteAll(t, newStore(t)) })
	t.Run("EmptyKey", func(t *testing.T) { testEmptyKey(t, newStore(t)) })
	t.Run("ReplaceAllIsAtomic", func(t *testing.T) { testReplaceAllIsAtomic(t, newStore(t)) })
}

func testGetManyMissing(t *testing.T, store storage.KeyValueStore) {
	values, err := store.GetMany(context.Background(), storage.SessionKeys)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected no values, got %v", values)
	}

	if err := store.DeleteAll(context.Background(), storage.SessionKeys); err != nil {
		t.Fatalf("delete missing keys: %v", err)
	}
}

func testReplaceAllThenGet(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()
	want := map[string]string{
		storage.KeyAccessToken:  "access-1",
		storage.KeyRefreshToken: "refresh-1",
		storage.KeyUser:         `{"id":"1"}`,
		storage.KeyIssuedAt:     "2026-01-02T03:04:05Z",
	}

	if err := store.ReplaceAll(ctx, want); err != nil {
		t.Fatalf("replace all: %v", err)
	}

	got, err := store.GetMany(ctx, storage.SessionKeys)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	assertValues(t, got, want)
}

func testReplaceAllOverwrites(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()
	if err := store.ReplaceAll(ctx, map[string]string{storage.KeyAccessToken: "old", storage.KeyRefreshToken: "refresh"}); err != nil {
		t.Fatalf("replace all: %v", err)
	}
	if err := store.ReplaceAll(ctx, map[string]string{storage.KeyAccessToken: "new"}); err != nil {
		t.Fatalf("replace all: %v", err)
	}

	got, err := store.GetMany(ctx, []string{storage.KeyAccessToken, storage.KeyRefreshToken})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	assertValues(t, got, map[string]string{
		storage.KeyAccessToken:  "new",
		storage.KeyRefreshToken: "refresh",
	})
}

func testDeleteAll(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()
	if err := store.ReplaceAll(ctx, map[string]string{storage.KeyAccessToken: "a", storage.KeyUser: "u"}); err != nil {
		t.Fatalf("replace all: %v", err)
	}
	if err := store.DeleteAll(ctx, storage.SessionKeys); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	got, err := store.GetMany(ctx, storage.SessionKeys)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected store to be empty after delete, got %v", got)
	}
}

func testEmptyKey(t *testing.T, store storage.KeyValueStore) {
	err := store.ReplaceAll(context.Background(), map[string]string{"": "value"})
	if !errors.Is(err, storage.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func testReplaceAllIsAtomic(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()
	keys := []string{storage.KeyAccessToken, storage.KeyRefreshToken}
	generation := func(i int) map[string]string {
		value := fmt.Sprintf("gen-%d", i)
		return map[string]string{storage.KeyAccessToken: value, storage.KeyRefreshToken: value}
	}

	if err := store.ReplaceAll(ctx, generation(0)); err != nil {
		t.Fatalf("replace all: %v", err)
	}

	const generations = 50
	var wg sync.WaitGroup
	done := make(chan struct{})
	errs := make(chan error, 4)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				values, err := store.GetMany(ctx, keys)
				if err != nil {
					errs <- err
					return
				}
				if values[storage.KeyAccessToken] != values[storage.KeyRefreshToken] {
					errs <- fmt.Errorf("torn read: %v", values)
					return
				}
			}
		}()
	}

	for i := 1; i <= generations; i++ {
		if err := store.ReplaceAll(ctx, generation(i)); err != nil {
			close(done)
			wg.Wait()
			t.Fatalf("replace all: %v", err)
		}
	}
	close(done)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
}

func assertValues(t *testing.T, got map[string]string, want map[string]string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d (%v)", len(want), len(got), got)
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("expected %s=%q, got %q", key, value, got[key])
		}
	}
}
