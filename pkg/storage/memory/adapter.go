package memory

import (
	"context"
	"sync"

	"github.com/porthorian/planauth/pkg/storage"
)

type Adapter struct {
	mu      sync.RWMutex
	entries map[string]string
}

var _ storage.KeyValueStore = (*Adapter)(nil)

func NewAdapter() *Adapter {
	return &Adapter{
		entries: map[string]string{},
	}
}

func (a *Adapter) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))

	a.mu.RLock()
	for _, key := range keys {
		if value, ok := a.entries[key]; ok {
			values[key] = value
		}
	}
	a.mu.RUnlock()

	return values, nil
}

func (a *Adapter) ReplaceAll(ctx context.Context, values map[string]string) error {
	if err := storage.ValidateKeys(values); err != nil {
		return err
	}

	a.mu.Lock()
	for key, value := range values {
		a.entries[key] = value
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) DeleteAll(ctx context.Context, keys []string) error {
	a.mu.Lock()
	for _, key := range keys {
		delete(a.entries, key)
	}
	a.mu.Unlock()
	return nil
}

// Len reports how many keys are stored.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}
