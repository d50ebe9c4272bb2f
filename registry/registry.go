// Package registry tracks which incarnation of each endpoint is alive.
//
// Every restart of an endpoint gets a fresh incarnation number. Peers
// validate the source incarnation baked into a rendezvous key against
// the registry before trusting an exchange, so envelopes from a dead
// incarnation are refused instead of pairing with a reborn endpoint.
package registry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/types"
)

// Config holds the redis connection settings of the registry.
type Config struct {
	// Addr is the redis host:port.
	Addr string `yaml:"addr" json:"addr"`

	// Password authenticates the connection, empty for none.
	Password string `yaml:"password" json:"-"`

	// DB selects the redis database number.
	DB int `yaml:"db" json:"db"`

	// KeyPrefix namespaces the registry's keys.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// TTL is how long a registration lives without a heartbeat. Zero
	// disables expiry.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// MaxRetries caps redis command retries.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// PoolSize is the connection pool size.
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// MinIdleConns keeps warm connections in the pool.
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "rendezvous:incarnation:",
		TTL:          30 * time.Second,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Registry is a redis-backed incarnation directory.
type Registry struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// New connects to redis and verifies the connection with a ping.
func New(config Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "rendezvous:incarnation:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrUnavailable, "failed to connect to redis").
			WithCause(err).WithRetryable(true)
	}

	r := &Registry{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "registry")),
	}

	r.logger.Info("registry connected",
		zap.String("addr", config.Addr),
		zap.Duration("ttl", config.TTL),
	)
	return r, nil
}

// Register claims endpoint for incarnation, replacing any previous
// registration. The claim expires after Config.TTL unless refreshed by
// Heartbeat.
func (r *Registry) Register(ctx context.Context, endpoint string, incarnation uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return errRegistryClosed()
	}
	err := r.redis.Set(ctx, r.key(endpoint), formatIncarnation(incarnation), r.config.TTL).Err()
	if err != nil {
		r.logger.Error("register failed", zap.String("endpoint", endpoint), zap.Error(err))
		return types.NewError(types.ErrUnavailable, "register failed").
			WithCause(err).WithRetryable(true)
	}

	r.logger.Info("endpoint registered",
		zap.String("endpoint", endpoint),
		zap.Uint64("incarnation", incarnation),
	)
	return nil
}

// Heartbeat refreshes the registration TTL. It fails with
// STALE_INCARNATION when another incarnation holds the endpoint and
// NOT_FOUND when the registration expired.
func (r *Registry) Heartbeat(ctx context.Context, endpoint string, incarnation uint64) error {
	current, err := r.Current(ctx, endpoint)
	if err != nil {
		return err
	}
	if current != incarnation {
		return types.Errorf(types.ErrStaleIncarnation,
			"endpoint %q is held by incarnation %d, not %d", endpoint, current, incarnation)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errRegistryClosed()
	}
	err = r.redis.Set(ctx, r.key(endpoint), formatIncarnation(incarnation), r.config.TTL).Err()
	if err != nil {
		return types.NewError(types.ErrUnavailable, "heartbeat failed").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

// Current returns the live incarnation of endpoint.
func (r *Registry) Current(ctx context.Context, endpoint string) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return 0, errRegistryClosed()
	}
	val, err := r.redis.Get(ctx, r.key(endpoint)).Result()
	if err == redis.Nil {
		return 0, types.Errorf(types.ErrNotFound, "endpoint %q is not registered", endpoint)
	}
	if err != nil {
		return 0, types.NewError(types.ErrUnavailable, "registry lookup failed").
			WithCause(err).WithRetryable(true)
	}

	incarnation, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, types.Errorf(types.ErrInternal, "corrupt registration for %q: %q", endpoint, val)
	}
	return incarnation, nil
}

// Deregister drops the endpoint's registration if it is still held by
// the given incarnation. Deregistering an endpoint someone else took
// over is a no-op.
func (r *Registry) Deregister(ctx context.Context, endpoint string, incarnation uint64) error {
	current, err := r.Current(ctx, endpoint)
	if types.IsCode(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != incarnation {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errRegistryClosed()
	}
	if err := r.redis.Del(ctx, r.key(endpoint)).Err(); err != nil {
		return types.NewError(types.ErrUnavailable, "deregister failed").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

// ValidateKey checks that the source incarnation baked into key is the
// endpoint's live one. A mismatch means the producer restarted since the
// key was formed; the exchange must not proceed.
func (r *Registry) ValidateKey(ctx context.Context, key rendezvous.ParsedKey) error {
	current, err := r.Current(ctx, key.SrcEndpoint())
	if err != nil {
		return err
	}
	if current != key.SrcIncarnation() {
		return types.Errorf(types.ErrStaleIncarnation,
			"key carries incarnation %d of %q, live is %d",
			key.SrcIncarnation(), key.SrcEndpoint(), current).
			WithKey(key.FullKey())
	}
	return nil
}

// Ping checks the redis connection.
func (r *Registry) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return errRegistryClosed()
	}
	return r.redis.Ping(ctx).Err()
}

// Close releases the redis client. Safe to call twice.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Info("closing registry")
	return r.redis.Close()
}

func (r *Registry) key(endpoint string) string {
	return r.config.KeyPrefix + endpoint
}

func formatIncarnation(incarnation uint64) string {
	return strconv.FormatUint(incarnation, 10)
}

func errRegistryClosed() error {
	return types.NewError(types.ErrUnavailable, "registry is closed")
}
