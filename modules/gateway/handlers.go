package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/DeclanJeon/ponslink-signal/modules/monitor"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/singleflight"
)

const (
	localOrigin = "origin"
	localUserID = "userId"
)

// StatsReader is the read side of the usage monitor.
type StatsReader interface {
	RoomStats(ctx context.Context, roomID string) (monitor.RoomStats, error)
	UserStats(ctx context.Context, userID string) (*monitor.UserReport, error)
	GlobalStats(ctx context.Context) (map[string]int64, error)
	Failures(ctx context.Context, day string, limit int64) ([]monitor.Failure, error)
	RealtimeMetrics() monitor.RealtimeMetrics
}

// CounterSource snapshots the in-process metric counters.
type CounterSource interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// HealthSource is anything that reports its health.
type HealthSource interface {
	Health(ctx context.Context) mono.HealthStatus
}

// Handlers serves the WebSocket endpoint and the read-only HTTP API.
type Handlers struct {
	dispatcher *Dispatcher
	conns      *Connections
	stats      StatsReader
	counters   CounterSource
	health     map[string]HealthSource
	logger     types.Logger
	newID      func() string
	now        func() time.Time
	sf         singleflight.Group
	active     sync.WaitGroup
}

// HandleUpgrade accepts WebSocket upgrades and captures request data the
// socket handler cannot read afterwards.
func (h *Handlers) HandleUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(localOrigin, c.IP())
	c.Locals(localUserID, strings.TrimSpace(c.Query("userId")))
	return c.Next()
}

// HandleWebSocket runs one connection's read loop. Frames from a connection are
// handled in the order received.
func (h *Handlers) HandleWebSocket(c *websocket.Conn) {
	h.active.Add(1)
	defer h.active.Done()

	ctx := context.Background()
	connID := h.newID()
	origin, _ := c.Locals(localOrigin).(string)
	userID, _ := c.Locals(localUserID).(string)

	h.conns.Add(connID, c)
	h.dispatcher.Open(ctx, connID, userID, origin)

	defer func() {
		h.dispatcher.Close(ctx, connID)
		_ = h.conns.Close(ctx, connID)
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error", "connId", connID, "error", err)
			}
			break
		}
		h.dispatcher.Handle(ctx, connID, msg)
	}
}

// wait blocks until every read loop has finished its disconnect cleanup.
func (h *Handlers) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRoomStats handles GET /stats/room/:roomId.
func (h *Handlers) GetRoomStats(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	v, err, _ := h.sf.Do("room:"+roomID, func() (any, error) {
		return h.stats.RoomStats(c.UserContext(), roomID)
	})
	if err != nil {
		return h.statsError(c, "room stats", err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"roomId":    roomID,
		"stats":     v,
		"timestamp": h.now().UnixMilli(),
	})
}

// GetUserStats handles GET /stats/user/:userId.
func (h *Handlers) GetUserStats(c *fiber.Ctx) error {
	userID := c.Params("userId")
	v, err, _ := h.sf.Do("user:"+userID, func() (any, error) {
		return h.stats.UserStats(c.UserContext(), userID)
	})
	if err != nil {
		return h.statsError(c, "user stats", err)
	}
	report := v.(*monitor.UserReport)
	return c.JSON(fiber.Map{
		"success":     true,
		"userId":      userID,
		"stats":       report.Stats,
		"quota":       report.Quota,
		"connections": report.Connections,
		"timestamp":   h.now().UnixMilli(),
	})
}

// GetFailures handles GET /stats/failures?day=YYYY-MM-DD&limit=N.
func (h *Handlers) GetFailures(c *fiber.Ctx) error {
	day := c.Query("day", credential.DayKey(h.now()))
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"code":    "INVALID_PAYLOAD",
			"error":   "day must be formatted as YYYY-MM-DD",
		})
	}
	limit := int64(c.QueryInt("limit", 100))

	failures, err := h.stats.Failures(c.UserContext(), day, limit)
	if err != nil {
		return h.statsError(c, "failures", err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"day":       day,
		"failures":  failures,
		"timestamp": h.now().UnixMilli(),
	})
}

// GetMetrics handles GET /metrics.
func (h *Handlers) GetMetrics(c *fiber.Ctx) error {
	body := fiber.Map{
		"success":     true,
		"metrics":     h.stats.RealtimeMetrics(),
		"connections": h.conns.Count(),
		"timestamp":   h.now().UnixMilli(),
	}
	v, err, _ := h.sf.Do("global", func() (any, error) {
		return h.stats.GlobalStats(c.UserContext())
	})
	if err == nil {
		body["global"] = v
	}
	if h.counters != nil {
		if snap, err := h.counters.Snapshot(c.UserContext()); err == nil {
			body["counters"] = snap
		} else {
			h.logger.Warn("Failed to snapshot counters", "error", err)
		}
	}
	return c.JSON(body)
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	healthy := true
	modules := make(fiber.Map, len(h.health))
	for name, src := range h.health {
		status := src.Health(c.UserContext())
		if !status.Healthy {
			healthy = false
		}
		modules[name] = status
	}

	code := fiber.StatusOK
	state := "healthy"
	if !healthy {
		code = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return c.Status(code).JSON(fiber.Map{
		"status":      state,
		"connections": h.conns.Count(),
		"modules":     modules,
		"timestamp":   h.now().UnixMilli(),
	})
}

func (h *Handlers) statsError(c *fiber.Ctx, what string, err error) error {
	h.logger.Error("Failed to read statistics", "what", what, "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   "Failed to retrieve statistics",
	})
}
