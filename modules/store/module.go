package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/go-monolith/mono"
	"github.com/redis/go-redis/v9"
)

// Supported backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds store configuration.
type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendRedis,
		RedisAddr: "localhost:6379",
		KeyPrefix: "",
	}
}

// Module provides the shared state store as a mono module.
type Module struct {
	config Config
	store  store.Store
	redis  *RedisStore
	memory *MemoryStore
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates the store module. The backend is built immediately so that
// Store() can be handed to other modules before the application starts; the
// connection itself is verified in Init.
func NewModule(cfg Config) (*Module, error) {
	m := &Module{config: cfg}

	switch cfg.Backend {
	case BackendRedis, "":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     50,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		m.redis = NewRedisStore(client, cfg.KeyPrefix)
		m.store = m.redis
	case BackendMemory:
		m.memory = NewMemoryStore()
		m.store = m.memory
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return "store"
}

// Init verifies the backend is reachable.
func (m *Module) Init(_ mono.ServiceContainer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}

	if m.redis != nil {
		log.Printf("[store] Connected to Redis at %s (prefix: %q)", m.config.RedisAddr, m.config.KeyPrefix)
	} else {
		log.Println("[store] Using in-memory backend (single instance only)")
	}
	return nil
}

// Start starts the module (no-op for this module).
func (m *Module) Start(_ context.Context) error {
	log.Println("[store] Module started")
	return nil
}

// Stop closes the Redis connection.
func (m *Module) Stop(_ context.Context) error {
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			log.Printf("[store] Error closing Redis connection: %v", err)
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}
	log.Println("[store] Module stopped")
	return nil
}

// Health reports backend reachability.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	details := map[string]any{"backend": m.Backend()}
	if m.redis != nil {
		stats := m.redis.GetStats()
		details["commands"] = stats.Commands
		details["errors"] = stats.Errors
	}

	if err := m.store.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: err.Error(),
			Details: details,
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: details,
	}
}

// Store returns the store shared by the other modules.
func (m *Module) Store() store.Store {
	return m.store
}

// Backend returns the active backend name.
func (m *Module) Backend() string {
	if m.redis != nil {
		return BackendRedis
	}
	return BackendMemory
}

// Config returns the module configuration.
func (m *Module) Config() Config {
	return m.config
}
