// Package presence manages two-party rooms: joining, relaying negotiation
// messages between occupants, and cleaning up after leaves, disconnects and
// evictions. Room membership lives only in the shared store.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/signaling"
	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/DeclanJeon/ponslink-signal/events"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
)

// Leave reasons.
const (
	ReasonLeave      = "leave"
	ReasonDisconnect = "disconnect"
	ReasonForced     = "forced"
	ReasonZombie     = "zombie"
	ReasonSwitchRoom = "switch-room"
)

// DefaultRoomKeyPrefix namespaces room hashes in the store.
const DefaultRoomKeyPrefix = "room:"

const metadataSuffix = ":metadata"

// Transport delivers events to live connections. Emit returns
// signaling.ErrConnectionNotFound when the handle is not live on this instance.
type Transport interface {
	Emit(ctx context.Context, connID, event string, payload any) error
	Close(ctx context.Context, connID string) error
}

// CredentialReleaser gives back relay connections held by a user.
type CredentialReleaser interface {
	Release(ctx context.Context, userID string) error
}

// JoinResult is returned to the joining connection.
type JoinResult struct {
	RoomID string
	Others []signaling.Peer
}

// Manager implements the room presence operations.
type Manager struct {
	store     store.Store
	transport Transport
	releaser  CredentialReleaser
	logger    types.Logger
	now       func() time.Time
	prefix    string

	sessions sync.Map // connID -> *Session

	busMu sync.RWMutex
	bus   mono.EventBus
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for join and heartbeat stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRoomKeyPrefix sets the room hash key prefix.
func WithRoomKeyPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithReleaser sets the credential releaser used on leave.
func WithReleaser(r CredentialReleaser) Option {
	return func(m *Manager) {
		m.releaser = r
	}
}

// NewManager creates a presence manager.
func NewManager(s store.Store, transport Transport, logger types.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		prefix:    DefaultRoomKeyPrefix,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetTransport replaces the transport. The gateway registers itself after construction.
func (m *Manager) SetTransport(t Transport) {
	m.transport = t
}

// SetEventBus sets the bus used for presence events.
func (m *Manager) SetEventBus(bus mono.EventBus) {
	m.busMu.Lock()
	defer m.busMu.Unlock()
	m.bus = bus
}

func (m *Manager) roomKey(roomID string) string {
	return m.prefix + roomID
}

// Connect registers a live connection. userID may be empty until join.
func (m *Manager) Connect(connID, userID, origin string) *Session {
	sess := newSession(connID, userID, origin, m.now())
	m.sessions.Store(connID, sess)
	return sess
}

// Session returns the live session for a connection.
func (m *Manager) Session(connID string) (*Session, bool) {
	v, ok := m.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// SessionCount returns the number of live sessions on this instance.
func (m *Manager) SessionCount() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Join records the connection as an occupant of roomID. The capacity check and
// the write are a single atomic store operation.
func (m *Manager) Join(ctx context.Context, connID, roomID, userID, nickname string) (*JoinResult, error) {
	sess, ok := m.Session(connID)
	if !ok {
		return nil, signaling.NewError(signaling.KindValidation, signaling.CodeJoinFailed, "connection is not registered", signaling.ErrConnectionNotFound)
	}
	sess.SetUserID(userID)
	if sess.UserID() != userID {
		return nil, signaling.NewError(signaling.KindValidation, signaling.CodeJoinFailed, "user id does not match the connection", nil)
	}

	if prev := sess.RoomID(); prev != "" && prev != roomID && sess.State() == StateActive {
		if _, err := m.removeOccupant(ctx, prev, userID, connID); err != nil {
			m.logger.Warn("Failed to leave previous room", "roomId", prev, "userId", userID, "error", err)
		}
		sess.bind("", "", time.Time{})
		sess.transition(StateActive, StateIdle)
	}

	from := sess.State()
	if from != StateIdle && from != StateActive {
		return nil, signaling.NewError(signaling.KindValidation, signaling.CodeJoinFailed, "connection is closing", signaling.ErrAlreadyLeaving)
	}
	if !sess.transition(from, StateJoining) {
		return nil, signaling.NewError(signaling.KindValidation, signaling.CodeJoinFailed, "connection is closing", signaling.ErrAlreadyLeaving)
	}

	now := m.now()
	occupant := signaling.NewOccupant(userID, connID, nickname, now)
	raw, err := occupant.Encode()
	if err != nil {
		sess.transition(StateJoining, from)
		return nil, signaling.NewError(signaling.KindInternal, signaling.CodeJoinFailed, "", err)
	}

	key := m.roomKey(roomID)
	written, err := m.store.HSetCapped(ctx, key, userID, raw, signaling.RoomCapacity)
	if err != nil {
		m.rollbackJoin(ctx, key, userID, connID)
		sess.transition(StateJoining, from)
		return nil, m.joinFailed(ctx, connID, roomID, err)
	}
	if !written {
		sess.transition(StateJoining, from)
		m.emit(ctx, connID, signaling.EventRoomFull, map[string]string{"roomId": roomID})
		m.logger.Info("Room full", "roomId", roomID, "userId", userID)
		return nil, signaling.NewError(signaling.KindCapacity, signaling.CodeRoomFull, "room is full", signaling.ErrRoomFull)
	}

	all, err := m.store.HGetAll(ctx, key)
	if err != nil {
		m.rollbackJoin(ctx, key, userID, connID)
		sess.transition(StateJoining, from)
		return nil, m.joinFailed(ctx, connID, roomID, err)
	}

	sess.bind(roomID, nickname, now)
	sess.transition(StateJoining, StateActive)

	others := m.decodeOthers(roomID, all, userID)
	peers := make([]signaling.Peer, 0, len(others))
	for _, o := range others {
		peers = append(peers, o.Peer())
	}

	m.emit(ctx, connID, signaling.EventRoomUsers, peers)
	for _, o := range others {
		m.emit(ctx, o.ConnID, signaling.EventUserJoined, occupant.Peer())
	}

	m.publish(func(bus mono.EventBus) error {
		return events.PeerJoinedV1.Publish(bus, events.PeerJoinedEvent{
			RoomID:   roomID,
			UserID:   userID,
			ConnID:   connID,
			Nickname: nickname,
			JoinedAt: now,
		}, nil)
	})

	m.logger.Info("Joined room", "roomId", roomID, "userId", userID, "occupants", len(others)+1)
	return &JoinResult{RoomID: roomID, Others: peers}, nil
}

func (m *Manager) joinFailed(ctx context.Context, connID, roomID string, err error) error {
	m.logger.Error("Join failed", "roomId", roomID, "connId", connID, "error", err)
	serr := signaling.NewError(signaling.KindStoreUnavailable, signaling.CodeJoinFailed, "failed to join room", err)
	if !store.IsUnavailable(err) {
		serr.Kind = signaling.KindInternal
	}
	m.emit(ctx, connID, signaling.EventJoinError, serr.PublicPayload())
	return serr
}

// rollbackJoin removes a record this connection may have written. Failure is left
// to the reaper.
func (m *Manager) rollbackJoin(ctx context.Context, key, userID, connID string) {
	raw, ok, err := m.store.HGet(ctx, key, userID)
	if err != nil || !ok {
		return
	}
	if o, err := signaling.DecodeOccupant(userID, raw); err == nil && o.ConnID == connID {
		if _, err := m.store.HDel(ctx, key, userID); err != nil {
			m.logger.Warn("Join rollback failed", "key", key, "userId", userID, "error", err)
		}
	}
}

// Relay forwards a message from the connection's occupant. Messages that cannot
// be addressed are dropped with a warning; only store failures are returned.
func (m *Manager) Relay(ctx context.Context, connID string, kind signaling.RelayKind, to string, data json.RawMessage) error {
	sess, ok := m.Session(connID)
	if !ok || sess.State() != StateActive {
		m.logger.Warn("Relay from connection outside a room, dropping", "connId", connID, "type", string(kind))
		return nil
	}
	if !kind.Known() {
		m.logger.Warn("Unknown relay type, dropping", "connId", connID, "type", string(kind))
		return nil
	}

	userID, roomID, _, _ := sess.snapshot()
	msg := signaling.Outbound{Type: kind.OutboundType(), From: userID, Data: data}
	key := m.roomKey(roomID)

	if to != "" {
		raw, found, err := m.store.HGet(ctx, key, to)
		if err != nil {
			return fmt.Errorf("resolve relay target: %w", err)
		}
		if !found {
			m.logger.Warn("Relay target not in room, dropping", "roomId", roomID, "from", userID, "to", to, "type", string(kind))
			return nil
		}
		target, err := signaling.DecodeOccupant(to, raw)
		if err != nil {
			m.logger.Warn("Unreadable occupant record, dropping relay", "roomId", roomID, "to", to, "error", err)
			return nil
		}
		m.emit(ctx, target.ConnID, signaling.EventMessage, msg)
		return nil
	}

	if !kind.Broadcast() {
		m.logger.Warn("Relay without target, dropping", "roomId", roomID, "from", userID, "type", string(kind))
		return nil
	}

	all, err := m.store.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("list relay recipients: %w", err)
	}
	for _, o := range m.decodeOthers(roomID, all, userID) {
		m.emit(ctx, o.ConnID, signaling.EventMessage, msg)
	}
	return nil
}

// Heartbeat refreshes the occupant's liveness stamp. It never recreates a record
// removed by a concurrent leave.
func (m *Manager) Heartbeat(ctx context.Context, connID string) error {
	sess, ok := m.Session(connID)
	if !ok || sess.State() != StateActive {
		return nil
	}
	userID, roomID, _, _ := sess.snapshot()
	key := m.roomKey(roomID)

	raw, found, err := m.store.HGet(ctx, key, userID)
	if err != nil {
		return fmt.Errorf("heartbeat read: %w", err)
	}
	if !found {
		return nil
	}
	o, err := signaling.DecodeOccupant(userID, raw)
	if err != nil || o.ConnID != connID {
		return nil
	}
	o.LastHeartbeat = m.now().UnixMilli()
	updated, err := o.Encode()
	if err != nil {
		return err
	}
	// Capacity 0 only overwrites an existing field.
	if _, err := m.store.HSetCapped(ctx, key, userID, updated, 0); err != nil {
		return fmt.Errorf("heartbeat write: %w", err)
	}
	return nil
}

// Leave runs cleanup for a connection exactly once, whatever triggered it.
func (m *Manager) Leave(ctx context.Context, connID, reason string) error {
	sess, ok := m.Session(connID)
	if !ok {
		return nil
	}
	if !sess.beginLeave() {
		m.logger.Debug("Leave already in progress", "connId", connID, "reason", reason)
		return nil
	}
	defer m.sessions.Delete(connID)
	return m.finishLeave(ctx, sess, reason)
}

func (m *Manager) finishLeave(ctx context.Context, sess *Session, reason string) error {
	userID, roomID, joinedAt, _ := sess.snapshot()
	defer sess.state.Store(int32(StateGone))

	var cleanupErr error
	roomDeleted := false
	if roomID != "" {
		roomDeleted, cleanupErr = m.removeOccupant(ctx, roomID, userID, sess.ConnID)
	}

	m.releaseCredentials(ctx, userID, sess.takeCredentials())

	if roomID == "" {
		return nil
	}

	var duration time.Duration
	if !joinedAt.IsZero() {
		duration = m.now().Sub(joinedAt)
	}
	m.publish(func(bus mono.EventBus) error {
		return events.PeerLeftV1.Publish(bus, events.PeerLeftEvent{
			RoomID:      roomID,
			UserID:      userID,
			ConnID:      sess.ConnID,
			Reason:      reason,
			RoomDeleted: roomDeleted,
			Duration:    duration,
			LeftAt:      m.now(),
		}, nil)
	})

	m.logger.Info("Left room",
		"roomId", roomID,
		"userId", userID,
		"reason", reason,
		"roomDeleted", roomDeleted,
		"duration", duration.Round(100*time.Millisecond).String())
	return cleanupErr
}

func (m *Manager) releaseCredentials(ctx context.Context, userID string, n int) {
	if m.releaser == nil || userID == "" {
		return
	}
	for i := 0; i < n; i++ {
		if err := m.releaser.Release(ctx, userID); err != nil {
			m.logger.Warn("Failed to release relay connection", "userId", userID, "error", err)
			return
		}
	}
}

// ForceEvict removes targetUserID from roomID on behalf of someone other than the
// target and severs the target's connection when it is live on this instance.
func (m *Manager) ForceEvict(ctx context.Context, roomID, targetUserID, reason string) error {
	key := m.roomKey(roomID)
	raw, found, err := m.store.HGet(ctx, key, targetUserID)
	if err != nil {
		return fmt.Errorf("evict read: %w", err)
	}
	if !found {
		return signaling.ErrOccupantNotFound
	}
	occupant, err := signaling.DecodeOccupant(targetUserID, raw)
	if err != nil {
		// An unreadable record cannot be matched to a connection; drop it outright.
		if _, err := m.deleteWithRetry(ctx, key, targetUserID, ""); err != nil {
			return err
		}
		m.afterRemoval(ctx, roomID, targetUserID)
		return nil
	}

	sess, live := m.Session(occupant.ConnID)
	switch {
	case live && sess.RoomID() == roomID:
		if !sess.beginLeave() {
			return nil
		}
		err = m.finishLeave(ctx, sess, reason)
		m.sessions.Delete(occupant.ConnID)
	case live:
		// A leftover record from a room switch; the connection is healthy elsewhere.
		_, err = m.removeOccupant(ctx, roomID, targetUserID, occupant.ConnID)
	default:
		// The owning instance is gone and took its credential bookkeeping with it.
		if _, err = m.removeOccupant(ctx, roomID, targetUserID, occupant.ConnID); err == nil {
			m.releaseCredentials(ctx, targetUserID, 1)
		}
	}
	if err != nil {
		return err
	}

	if m.transport != nil && (!live || sess.State() == StateGone) {
		if cerr := m.transport.Close(ctx, occupant.ConnID); cerr != nil && !errors.Is(cerr, signaling.ErrConnectionNotFound) {
			m.logger.Warn("Failed to close evicted connection", "connId", occupant.ConnID, "error", cerr)
		}
	}

	m.publish(func(bus mono.EventBus) error {
		return events.OccupantEvictedV1.Publish(bus, events.OccupantEvictedEvent{
			RoomID:    roomID,
			UserID:    targetUserID,
			Reason:    reason,
			EvictedAt: m.now(),
		}, nil)
	})
	m.logger.Info("Occupant evicted", "roomId", roomID, "userId", targetUserID, "reason", reason)
	return nil
}

// removeOccupant deletes the record owned by connID, notifies the rest of the
// room, and drops room metadata when the room is empty. It reports whether the
// room is now gone.
func (m *Manager) removeOccupant(ctx context.Context, roomID, userID, connID string) (bool, error) {
	removed, err := m.deleteWithRetry(ctx, m.roomKey(roomID), userID, connID)
	if err != nil {
		m.logger.Error("Occupant cleanup abandoned", "roomId", roomID, "userId", userID, "error", err)
		return false, err
	}
	if !removed {
		return false, nil
	}
	return m.afterRemoval(ctx, roomID, userID), nil
}

// deleteWithRetry removes userID's record if it still belongs to connID (any
// owner when connID is empty). One retry, then give up.
func (m *Manager) deleteWithRetry(ctx context.Context, key, userID, connID string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		removed, err := m.deleteOwned(ctx, key, userID, connID)
		if err == nil {
			return removed, nil
		}
		lastErr = err
		m.logger.Warn("Occupant delete failed", "key", key, "userId", userID, "attempt", attempt+1, "error", err)
	}
	return false, lastErr
}

func (m *Manager) deleteOwned(ctx context.Context, key, userID, connID string) (bool, error) {
	if connID != "" {
		raw, found, err := m.store.HGet(ctx, key, userID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		if o, err := signaling.DecodeOccupant(userID, raw); err == nil && o.ConnID != connID {
			// A newer connection for the same user owns the record.
			return false, nil
		}
	}
	n, err := m.store.HDel(ctx, key, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *Manager) afterRemoval(ctx context.Context, roomID, userID string) bool {
	key := m.roomKey(roomID)
	remaining, err := m.store.HGetAll(ctx, key)
	if err != nil {
		m.logger.Warn("Could not list remaining occupants", "roomId", roomID, "error", err)
		return false
	}
	for _, o := range m.decodeOthers(roomID, remaining, userID) {
		m.emit(ctx, o.ConnID, signaling.EventUserLeft, userID)
	}
	if len(remaining) > 0 {
		return false
	}
	// The hash itself disappears with its last field.
	if err := m.store.Del(ctx, key, key+metadataSuffix); err != nil {
		m.logger.Warn("Failed to delete empty room", "roomId", roomID, "error", err)
	}
	m.logger.Debug("Room deleted", "roomId", roomID)
	return true
}

// Rooms lists rooms that currently have occupant records.
func (m *Manager) Rooms(ctx context.Context) ([]string, error) {
	keys, err := m.store.Scan(ctx, m.prefix)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasSuffix(k, metadataSuffix) {
			continue
		}
		rooms = append(rooms, strings.TrimPrefix(k, m.prefix))
	}
	return rooms, nil
}

// Occupants returns the decoded records of a room sorted by join time.
func (m *Manager) Occupants(ctx context.Context, roomID string) ([]signaling.Occupant, error) {
	all, err := m.store.HGetAll(ctx, m.roomKey(roomID))
	if err != nil {
		return nil, err
	}
	return m.decodeOthers(roomID, all, ""), nil
}

func (m *Manager) decodeOthers(roomID string, all map[string]string, exclude string) []signaling.Occupant {
	out := make([]signaling.Occupant, 0, len(all))
	for uid, raw := range all {
		if uid == exclude {
			continue
		}
		o, err := signaling.DecodeOccupant(uid, raw)
		if err != nil {
			m.logger.Warn("Skipping unreadable occupant record", "roomId", roomID, "userId", uid, "error", err)
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (m *Manager) emit(ctx context.Context, connID, event string, payload any) {
	if m.transport == nil {
		return
	}
	if err := m.transport.Emit(ctx, connID, event, payload); err != nil {
		if errors.Is(err, signaling.ErrConnectionNotFound) {
			m.logger.Debug("Connection not on this instance", "connId", connID, "event", event)
			return
		}
		m.logger.Warn("Emit failed", "connId", connID, "event", event, "error", err)
	}
}

func (m *Manager) publish(fn func(mono.EventBus) error) {
	m.busMu.RLock()
	bus := m.bus
	m.busMu.RUnlock()
	if bus == nil {
		return
	}
	if err := fn(bus); err != nil {
		m.logger.Warn("Failed to publish presence event", "error", err)
	}
}
