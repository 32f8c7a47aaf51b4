package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
	"github.com/DeclanJeon/ponslink-signal/domain/signaling"
	"github.com/DeclanJeon/ponslink-signal/modules/credentials"
	"github.com/DeclanJeon/ponslink-signal/modules/monitor"
	"github.com/DeclanJeon/ponslink-signal/modules/presence"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/pion/webrtc/v4"
)

// unassignedRoom stands in for the room of a credential requested before joining.
const unassignedRoom = "unassigned"

// RateGuard admits or rejects one inbound event.
type RateGuard interface {
	Check(ctx context.Context, origin, userID string) *ratelimit.Result
}

// CredentialService issues relay credentials and records relay usage.
type CredentialService interface {
	Issue(ctx context.Context, userID, roomID string) (*credentials.Grant, error)
	RecordUsage(ctx context.Context, userID string, bytes int64) (int64, error)
	FallbackICEServers() []webrtc.ICEServer
}

// UsageRecorder receives client usage reports.
type UsageRecorder interface {
	RecordConnection(ctx context.Context, userID, roomID string, kind monitor.Kind)
	RecordFailure(ctx context.Context, userID, roomID, reason string)
	RecordBandwidth(ctx context.Context, userID string, bytes int64, direction string)
}

// RateLimitPayload is sent when an event is rejected by the rate limiter.
type RateLimitPayload struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// CredentialsPayload is the turn-credentials body.
type CredentialsPayload struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	TTL        int64              `json:"ttl,omitempty"`
	Timestamp  int64              `json:"timestamp"`
	Quota      any                `json:"quota,omitempty"`
	Stats      *CredentialStats   `json:"stats,omitempty"`
	Fallback   bool               `json:"fallback,omitempty"`
	Error      string             `json:"error,omitempty"`
	Code       string             `json:"code,omitempty"`
}

// CredentialStats reports the caller's relay connection count.
type CredentialStats struct {
	ConnectionCount int64 `json:"connectionCount"`
	ConnectionLimit int64 `json:"connectionLimit"`
}

// CredentialErrorPayload is the turn-credentials-error body.
type CredentialErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Dispatcher routes inbound events of one instance's connections.
type Dispatcher struct {
	presence   *presence.Manager
	transport  presence.Transport
	guard      RateGuard
	creds      CredentialService
	usage      UsageRecorder
	logger     types.Logger
	instanceID string
	now        func() time.Time
}

// NewDispatcher creates a dispatcher. guard, creds and usage may be nil.
func NewDispatcher(pm *presence.Manager, transport presence.Transport, guard RateGuard, creds CredentialService, usage UsageRecorder, logger types.Logger, instanceID string) *Dispatcher {
	return &Dispatcher{
		presence:   pm,
		transport:  transport,
		guard:      guard,
		creds:      creds,
		usage:      usage,
		logger:     logger,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// Open registers a new connection and greets it.
func (d *Dispatcher) Open(ctx context.Context, connID, userID, origin string) *presence.Session {
	sess := d.presence.Connect(connID, userID, origin)
	d.emit(ctx, connID, signaling.EventConnected, map[string]string{
		"connId":     connID,
		"instanceId": d.instanceID,
	})
	d.logger.Debug("Connection opened", "connId", connID, "userId", userID, "origin", origin)
	return sess
}

// Close runs disconnect cleanup. Repeated calls are harmless.
func (d *Dispatcher) Close(ctx context.Context, connID string) {
	if err := d.presence.Leave(ctx, connID, presence.ReasonDisconnect); err != nil {
		d.logger.Warn("Disconnect cleanup incomplete", "connId", connID, "error", err)
	}
}

// Handle processes one raw frame. A panic is contained to this event.
func (d *Dispatcher) Handle(ctx context.Context, connID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event handler panicked", "connId", connID, "panic", fmt.Sprint(r))
			d.emitError(ctx, connID, signaling.CodeInternalError, "internal error")
		}
	}()

	sess, ok := d.presence.Session(connID)
	if !ok {
		return
	}

	var env signaling.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.emitError(ctx, connID, signaling.CodeInvalidPayload, "malformed frame")
		return
	}

	if d.guard != nil {
		if res := d.guard.Check(ctx, sess.Origin, sess.UserID()); !res.Allowed {
			d.emit(ctx, connID, signaling.EventError, RateLimitPayload{
				Type:       "rate_limit",
				Code:       signaling.CodeRateLimited,
				Message:    "Too many requests, slow down",
				RetryAfter: ratelimit.RetryAfterSeconds(res.RetryAfter),
			})
			return
		}
	}

	ev, err := signaling.ParseInbound(env)
	if err != nil {
		d.logger.Debug("Rejected inbound event", "connId", connID, "event", env.Event, "error", err)
		msg := "invalid payload"
		if errors.Is(err, signaling.ErrUnknownEvent) {
			msg = "unknown event"
		}
		d.emitError(ctx, connID, signaling.CodeInvalidPayload, msg)
		return
	}

	switch e := ev.(type) {
	case signaling.JoinRoom:
		d.handleJoin(ctx, connID, e)
	case signaling.Relay:
		if err := d.presence.Relay(ctx, connID, e.Kind, e.To, e.Data); err != nil {
			d.logger.Warn("Relay failed", "connId", connID, "type", string(e.Kind), "error", err)
			d.emitError(ctx, connID, signaling.CodeInternalError, "message could not be delivered")
		}
	case signaling.Heartbeat:
		if err := d.presence.Heartbeat(ctx, connID); err != nil {
			d.logger.Warn("Heartbeat failed", "connId", connID, "error", err)
		}
	case signaling.ForceLeave:
		d.handleForceLeave(ctx, connID, sess, e)
	case signaling.RequestTurnCredentials:
		d.handleCredentials(ctx, connID, sess)
	case signaling.ReportTurnUsage:
		d.handleUsage(ctx, sess, e)
	case signaling.ReportConnectionState:
		d.handleConnectionState(ctx, sess, e)
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, connID string, ev signaling.JoinRoom) {
	_, err := d.presence.Join(ctx, connID, ev.RoomID, ev.UserID, ev.Nickname)
	if err == nil {
		return
	}
	// Capacity and store failures were already reported to the caller.
	if signaling.IsKind(err, signaling.KindValidation) {
		d.emit(ctx, connID, signaling.EventJoinError, signaling.AsError(err).PublicPayload())
	}
	d.logger.Debug("Join rejected", "connId", connID, "roomId", ev.RoomID, "error", err)
}

func (d *Dispatcher) handleForceLeave(ctx context.Context, connID string, sess *presence.Session, ev signaling.ForceLeave) {
	if sess.State() != presence.StateActive {
		d.emitError(ctx, connID, signaling.CodeNotInRoom, "join a room first")
		return
	}
	if ev.TargetUserID == sess.UserID() {
		d.emitError(ctx, connID, signaling.CodeInvalidPayload, "cannot evict yourself")
		return
	}

	err := d.presence.ForceEvict(ctx, sess.RoomID(), ev.TargetUserID, presence.ReasonForced)
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrOccupantNotFound):
		d.emitError(ctx, connID, signaling.CodeNotInRoom, "target is not in the room")
	default:
		d.logger.Warn("Force leave failed", "connId", connID, "target", ev.TargetUserID, "error", err)
		d.emitError(ctx, connID, signaling.CodeInternalError, "eviction failed")
	}
}

func (d *Dispatcher) handleCredentials(ctx context.Context, connID string, sess *presence.Session) {
	if d.creds == nil {
		return
	}
	userID := sess.UserID()
	roomID := sess.RoomID()
	if roomID == "" {
		roomID = unassignedRoom
	}

	grant, err := d.creds.Issue(ctx, userID, roomID)
	if err != nil {
		serr := signaling.AsError(err)
		switch serr.Kind {
		case signaling.KindValidation, signaling.KindCapacity:
			d.emit(ctx, connID, signaling.EventTurnCredentialsErr, CredentialErrorPayload{
				Error: serr.PublicPayload().Message,
				Code:  serr.Code,
			})
		default:
			d.logger.Error("Credential issuance failed, sending STUN fallback", "userId", userID, "error", err)
			d.emit(ctx, connID, signaling.EventTurnCredentials, CredentialsPayload{
				ICEServers: d.creds.FallbackICEServers(),
				Timestamp:  d.now().UnixMilli(),
				Fallback:   true,
				Error:      serr.PublicPayload().Message,
				Code:       signaling.CodeInternalError,
			})
		}
		return
	}

	sess.AddCredential()
	payload := CredentialsPayload{
		ICEServers: grant.ICEServers,
		Timestamp:  d.now().UnixMilli(),
		Quota:      grant.Quota,
		Stats: &CredentialStats{
			ConnectionCount: grant.Connections.Current,
			ConnectionLimit: grant.Connections.Limit,
		},
	}
	if grant.Credential != nil {
		payload.TTL = grant.Credential.TTLSeconds
	}
	d.emit(ctx, connID, signaling.EventTurnCredentials, payload)
}

func (d *Dispatcher) handleUsage(ctx context.Context, sess *presence.Session, ev signaling.ReportTurnUsage) {
	userID := sess.UserID()
	if userID == "" {
		return
	}
	if d.creds != nil {
		if _, err := d.creds.RecordUsage(ctx, userID, ev.Bytes); err != nil {
			d.logger.Warn("Failed to record relay usage", "userId", userID, "error", err)
		}
	}
	if d.usage != nil {
		d.usage.RecordBandwidth(ctx, userID, ev.Bytes, ev.Direction)
	}
}

// Only settled ICE states are counted.
var countedStates = map[string]bool{
	"connected": true,
	"completed": true,
	"failed":    true,
}

func (d *Dispatcher) handleConnectionState(ctx context.Context, sess *presence.Session, ev signaling.ReportConnectionState) {
	if d.usage == nil || !countedStates[ev.State] {
		return
	}
	userID, roomID := sess.UserID(), sess.RoomID()
	kind := monitor.KindFromReport(ev.State, ev.CandidateType)
	if kind == monitor.KindFailed {
		d.usage.RecordFailure(ctx, userID, roomID, "ice-"+ev.State)
	}
	d.usage.RecordConnection(ctx, userID, roomID, kind)
}

func (d *Dispatcher) emit(ctx context.Context, connID, event string, payload any) {
	if err := d.transport.Emit(ctx, connID, event, payload); err != nil && !errors.Is(err, signaling.ErrConnectionNotFound) {
		d.logger.Warn("Emit failed", "connId", connID, "event", event, "error", err)
	}
}

func (d *Dispatcher) emitError(ctx context.Context, connID, code, message string) {
	d.emit(ctx, connID, signaling.EventError, signaling.ErrorPayload{Code: code, Message: message})
}
