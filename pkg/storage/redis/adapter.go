package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/porthorian/planauth/pkg/storage"
)

var ErrNilClient = errors.New("redis storage: client is nil")

// DefaultNamespace tags keys when Config.Namespace is empty.
const DefaultNamespace = "planauth"

type Config struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration
}

type Adapter struct {
	client    goredis.UniversalClient
	namespace string
	owned     bool
}

var _ storage.KeyValueStore = (*Adapter)(nil)

// NewAdapter dials a dedicated client for config. Close releases it.
func NewAdapter(config Config) *Adapter {
	client := goredis.NewClient(&goredis.Options{
		Addr:        config.Address,
		Username:    config.Username,
		Password:    config.Password,
		DB:          config.Database,
		DialTimeout: config.DialTimeout,
	})

	return &Adapter{
		client:    client,
		namespace: config.Namespace,
		owned:     true,
	}
}

// NewAdapterWithClient wraps an existing client. Close leaves it open.
func NewAdapterWithClient(client goredis.UniversalClient, namespace string) (*Adapter, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &Adapter{client: client, namespace: namespace}, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *Adapter) Close() error {
	if a == nil || !a.owned {
		return nil
	}
	return a.client.Close()
}

func (a *Adapter) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	raw, err := a.client.MGet(ctx, a.namespaced(keys)...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis storage: mget: %w", err)
	}

	for i, value := range raw {
		if value == nil {
			continue
		}
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("redis storage: unexpected value type %T for %q", value, keys[i])
		}
		values[keys[i]] = str
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

	pairs := make([]any, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, a.key(key), value)
	}

	// Every key shares the namespace hash tag, so a cluster routes MSET to one slot.
	if err := a.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("redis storage: mset: %w", err)
	}
	return nil
}

func (a *Adapter) DeleteAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := a.client.Del(ctx, a.namespaced(keys)...).Err(); err != nil {
		return fmt.Errorf("redis storage: del: %w", err)
	}
	return nil
}

// key places key under the hash tag {namespace}.
func (a *Adapter) key(key string) string {
	namespace := a.namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return "{" + namespace + "}:" + key
}

func (a *Adapter) namespaced(keys []string) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = a.key(key)
	}
	return out
}
