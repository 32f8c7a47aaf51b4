// Package gateway is the client-facing edge: a Fiber server carrying the
// signaling WebSocket and the read-only stats API.
package gateway

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/DeclanJeon/ponslink-signal/modules/presence"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis/v3"
	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// Config holds gateway settings.
type Config struct {
	Addr           string
	AllowedOrigins string
	// StatsRequestsPerMinute caps stats API calls per client IP.
	StatsRequestsPerMinute int
	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Addr:                   ":3000",
		AllowedOrigins:         "http://localhost:3000,http://localhost:8080",
		StatsRequestsPerMinute: 60,
		ReadBufferSize:         4096,
		WriteBufferSize:        4096,
	}
}

// Module serves the signaling WebSocket and the stats API.
type Module struct {
	config     Config
	app        *fiber.App
	handlers   *Handlers
	conns      *Connections
	dispatcher *Dispatcher
	storage    fiber.Storage
	logger     types.Logger
	instanceID string
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// Deps are the collaborators the gateway drives.
type Deps struct {
	Presence    *presence.Manager
	Guard       RateGuard
	Credentials CredentialService
	Usage       UsageRecorder
	Stats       StatsReader
	// Counters adds in-process metric counters to GET /metrics when set.
	Counters CounterSource
	// Health lists the modules reported by GET /health.
	Health map[string]HealthSource
	// LimiterStorage backs the stats API limiter. Nil keeps counters in memory.
	LimiterStorage fiber.Storage
}

// NewModule creates the gateway and registers it as the presence transport.
func NewModule(cfg Config, deps Deps, logger types.Logger) (*Module, error) {
	newID, err := nanoid.Standard(21)
	if err != nil {
		return nil, fmt.Errorf("connection id generator: %w", err)
	}

	m := &Module{
		config:     cfg,
		conns:      NewConnections(),
		storage:    deps.LimiterStorage,
		logger:     logger,
		instanceID: uuid.NewString(),
	}
	m.dispatcher = NewDispatcher(deps.Presence, m.conns, deps.Guard, deps.Credentials, deps.Usage, logger, m.instanceID)
	deps.Presence.SetTransport(m.conns)

	health := make(map[string]HealthSource, len(deps.Health)+1)
	for k, v := range deps.Health {
		health[k] = v
	}
	health[m.Name()] = m
	m.handlers = &Handlers{
		dispatcher: m.dispatcher,
		conns:      m.conns,
		stats:      deps.Stats,
		counters:   deps.Counters,
		health:     health,
		logger:     logger,
		newID:      newID,
		now:        time.Now,
	}

	m.app = m.newApp()
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return "gateway"
}

func (m *Module) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "ponslink-signal",
		DisableStartupMessage: true,
		ErrorHandler:          m.errorHandler,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: m.config.AllowedOrigins,
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))

	app.Get("/health", m.handlers.HealthCheck)

	app.Use("/ws", m.handlers.HandleUpgrade)
	app.Get("/ws", websocket.New(m.handlers.HandleWebSocket, websocket.Config{
		ReadBufferSize:  m.config.ReadBufferSize,
		WriteBufferSize: m.config.WriteBufferSize,
	}))

	limited := limiter.New(limiter.Config{
		Max:        m.config.StatsRequestsPerMinute,
		Expiration: time.Minute,
		Storage:    m.storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "stats:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"code":    "RATE_LIMITED",
				"error":   "Too many requests",
			})
		},
	})

	stats := app.Group("/stats", limited)
	stats.Get("/room/:roomId", m.handlers.GetRoomStats)
	stats.Get("/user/:userId", m.handlers.GetUserStats)
	stats.Get("/failures", m.handlers.GetFailures)
	app.Get("/metrics", limited, m.handlers.GetMetrics)

	return app
}

// Start starts the HTTP server.
func (m *Module) Start(_ context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(m.config.Addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.logger.Info("Gateway started", "addr", m.config.Addr, "instanceId", m.instanceID)
	return nil
}

// Stop closes every socket, which runs disconnect cleanup for each, then shuts
// the server down.
func (m *Module) Stop(ctx context.Context) error {
	m.conns.CloseAll()
	if err := m.handlers.wait(ctx); err != nil {
		m.logger.Warn("Connections still closing at shutdown", "error", err)
	}
	if err := m.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if m.storage != nil {
		if err := m.storage.Close(); err != nil {
			m.logger.Warn("Failed to close limiter storage", "error", err)
		}
	}
	m.logger.Info("Gateway stopped")
	return nil
}

// Health returns the health status.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"connections": m.conns.Count(),
			"instance_id": m.instanceID,
		},
	}
}

// App exposes the Fiber app for tests.
func (m *Module) App() *fiber.App {
	return m.app
}

func (m *Module) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	if code >= fiber.StatusInternalServerError {
		m.logger.Error("HTTP error", "code", code, "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// NewRedisLimiterStorage connects the stats API limiter to Redis so that every
// instance shares the same per-IP budget. It panics if Redis is unreachable.
func NewRedisLimiterStorage(addr, password string, db int) fiber.Storage {
	host, port := parseRedisAddr(addr)
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: db,
		PoolSize: 10,
	})
}

// parseRedisAddr splits host:port. Missing parts default to 127.0.0.1:6379.
func parseRedisAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", 6379
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 6379
	}
	return host, port
}
