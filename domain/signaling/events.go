package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the wire frame in both directions: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventJoinRoom              = "join-room"
	EventMessage               = "message"
	EventHeartbeat             = "heartbeat"
	EventForceLeave            = "force-leave"
	EventRequestTurnCredential = "request-turn-credentials"
	EventReportTurnUsage       = "report-turn-usage"
	EventReportConnectionState = "report-connection-state"
)

// Outbound event names.
const (
	EventRoomUsers          = "room-users"
	EventUserJoined         = "user-joined"
	EventUserLeft           = "user-left"
	EventRoomFull           = "room-full"
	EventJoinError          = "join-error"
	EventTurnCredentials    = "turn-credentials"
	EventError              = "error"
	EventConnected          = "connected"
	EventPeerStateUpdated   = "peer-state-updated"
	EventTurnCredentialsErr = "turn-credentials-error"
)

// RelayKind is a message type forwarded between occupants.
type RelayKind string

const (
	KindSignal           RelayKind = "signal"
	KindMediaStateUpdate RelayKind = "media-state-update"
	KindChat             RelayKind = "chat"
	KindFileMeta         RelayKind = "file-meta"
	KindFileAccept       RelayKind = "file-accept"
	KindFileDecline      RelayKind = "file-decline"
	KindFileCancel       RelayKind = "file-cancel"
	KindFileChunk        RelayKind = "file-chunk"
)

var relayKinds = map[RelayKind]struct{}{
	KindSignal:           {},
	KindMediaStateUpdate: {},
	KindChat:             {},
	KindFileMeta:         {},
	KindFileAccept:       {},
	KindFileDecline:      {},
	KindFileCancel:       {},
	KindFileChunk:        {},
}

// Known reports whether k is a relayable kind.
func (k RelayKind) Known() bool {
	_, ok := relayKinds[k]
	return ok
}

// Broadcast reports whether k may be sent to every other occupant when no target is named.
func (k RelayKind) Broadcast() bool {
	return k == KindChat || k == KindMediaStateUpdate
}

// OutboundType is the type recipients see in the relayed envelope.
func (k RelayKind) OutboundType() string {
	if k == KindMediaStateUpdate {
		return EventPeerStateUpdated
	}
	return string(k)
}

// Inbound is the closed set of events a client can send.
type Inbound interface {
	inbound()
}

// JoinRoom asks to join a room.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// Relay is a message for one or all other occupants.
type Relay struct {
	Kind RelayKind       `json:"type"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Heartbeat refreshes liveness.
type Heartbeat struct{}

// ForceLeave evicts another occupant of the caller's room.
type ForceLeave struct {
	TargetUserID string `json:"targetUserId"`
}

// RequestTurnCredentials asks for relay credentials.
type RequestTurnCredentials struct{}

// ReportTurnUsage reports relay bytes used by the client.
type ReportTurnUsage struct {
	Bytes     int64  `json:"bytes"`
	Direction string `json:"direction"`
}

// ReportConnectionState reports the outcome of ICE negotiation.
type ReportConnectionState struct {
	State         string `json:"state"`
	CandidateType string `json:"candidateType"`
}

func (JoinRoom) inbound()               {}
func (Relay) inbound()                  {}
func (Heartbeat) inbound()              {}
func (ForceLeave) inbound()             {}
func (RequestTurnCredentials) inbound() {}
func (ReportTurnUsage) inbound()        {}
func (ReportConnectionState) inbound()  {}

// Outbound is a relayed message as delivered to its recipient.
type Outbound struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseInbound decodes an envelope into its typed event. Unknown event names
// return ErrUnknownEvent; bad payloads return ErrInvalidPayload.
func ParseInbound(env Envelope) (Inbound, error) {
	switch env.Event {
	case EventJoinRoom:
		var ev JoinRoom
		if err := decode(env, &ev); err != nil {
			return nil, err
		}
		ev.RoomID = strings.TrimSpace(ev.RoomID)
		ev.UserID = strings.TrimSpace(ev.UserID)
		if ev.RoomID == "" || ev.UserID == "" {
			return nil, fmt.Errorf("%s: roomId and userId are required: %w", env.Event, ErrInvalidPayload)
		}
		return ev, nil

	case EventMessage:
		var ev Relay
		if err := decode(env, &ev); err != nil {
			return nil, err
		}
		if !ev.Kind.Known() {
			return nil, fmt.Errorf("message type %q: %w", ev.Kind, ErrUnknownEvent)
		}
		return ev, nil

	case EventHeartbeat:
		return Heartbeat{}, nil

	case EventForceLeave:
		var ev ForceLeave
		if err := decode(env, &ev); err != nil {
			return nil, err
		}
		if ev.TargetUserID == "" {
			return nil, fmt.Errorf("%s: targetUserId is required: %w", env.Event, ErrInvalidPayload)
		}
		return ev, nil

	case EventRequestTurnCredential:
		return RequestTurnCredentials{}, nil

	case EventReportTurnUsage:
		var raw struct {
			BytesUsed *int64 `json:"bytesUsed"`
			Bytes     *int64 `json:"bytes"`
			Direction string `json:"direction"`
		}
		if err := decode(env, &raw); err != nil {
			return nil, err
		}
		ev := ReportTurnUsage{Direction: raw.Direction}
		switch {
		case raw.BytesUsed != nil:
			ev.Bytes = *raw.BytesUsed
		case raw.Bytes != nil:
			ev.Bytes = *raw.Bytes
		}
		if ev.Bytes <= 0 {
			return nil, fmt.Errorf("%s: positive byte count is required: %w", env.Event, ErrInvalidPayload)
		}
		return ev, nil

	case EventReportConnectionState:
		var ev ReportConnectionState
		if err := decode(env, &ev); err != nil {
			return nil, err
		}
		if ev.State == "" {
			return nil, fmt.Errorf("%s: state is required: %w", env.Event, ErrInvalidPayload)
		}
		return ev, nil
	}

	// Relay kinds may also arrive as their own event names.
	if kind := RelayKind(env.Event); kind.Known() {
		var ev Relay
		if err := decode(env, &ev); err != nil {
			return nil, err
		}
		ev.Kind = kind
		return ev, nil
	}

	return nil, fmt.Errorf("%q: %w", env.Event, ErrUnknownEvent)
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w: %v", env.Event, ErrInvalidPayload, err)
	}
	return nil
}
