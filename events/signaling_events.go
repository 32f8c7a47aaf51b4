package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// PeerJoinedEvent is emitted when an occupant is recorded in a room.
type PeerJoinedEvent struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	ConnID   string    `json:"conn_id"`
	Nickname string    `json:"nickname"`
	JoinedAt time.Time `json:"joined_at"`
}

// PeerJoinedV1 is the typed event definition for room joins.
// Subject: events.presence.v1.peer-joined
var PeerJoinedV1 = helper.EventDefinition[PeerJoinedEvent](
	"presence", "PeerJoined", "v1",
)

// PeerLeftEvent is emitted when an occupant leaves or disconnects.
type PeerLeftEvent struct {
	RoomID      string        `json:"room_id"`
	UserID      string        `json:"user_id"`
	ConnID      string        `json:"conn_id"`
	Reason      string        `json:"reason"`
	RoomDeleted bool          `json:"room_deleted"`
	Duration    time.Duration `json:"duration"`
	LeftAt      time.Time     `json:"left_at"`
}

// PeerLeftV1 is the typed event definition for room leaves.
// Subject: events.presence.v1.peer-left
var PeerLeftV1 = helper.EventDefinition[PeerLeftEvent](
	"presence", "PeerLeft", "v1",
)

// OccupantEvictedEvent is emitted when an occupant is removed administratively
// or by the zombie sweep.
type OccupantEvictedEvent struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	EvictedAt time.Time `json:"evicted_at"`
}

// OccupantEvictedV1 is the typed event definition for evictions.
// Subject: events.presence.v1.occupant-evicted
var OccupantEvictedV1 = helper.EventDefinition[OccupantEvictedEvent](
	"presence", "OccupantEvicted", "v1",
)

// CredentialIssuedEvent is emitted when relay credentials are handed out.
type CredentialIssuedEvent struct {
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// CredentialIssuedV1 is the typed event definition for credential issuance.
// Subject: events.credentials.v1.credential-issued
var CredentialIssuedV1 = helper.EventDefinition[CredentialIssuedEvent](
	"credentials", "CredentialIssued", "v1",
)
