// Package signaling provides the domain types shared by the presence manager and
// the transport gateway: room occupants, the inbound event union and the error taxonomy.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// RoomCapacity is the maximum number of occupants in one room.
const RoomCapacity = 2

// Occupant is one user's presence record in a room. It is stored as a hash field
// keyed by user id, so UserID is not part of the encoded value.
type Occupant struct {
	UserID        string `json:"-"`
	ConnID        string `json:"connId"`
	Nickname      string `json:"nickname"`
	JoinedAt      int64  `json:"joinedAt"`
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

// NewOccupant creates an occupant record stamped at now.
func NewOccupant(userID, connID, nickname string, now time.Time) Occupant {
	ms := now.UnixMilli()
	return Occupant{
		UserID:        userID,
		ConnID:        connID,
		Nickname:      nickname,
		JoinedAt:      ms,
		LastHeartbeat: ms,
	}
}

// Encode serializes the occupant for storage.
func (o Occupant) Encode() (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode occupant %s: %w", o.UserID, err)
	}
	return string(b), nil
}

// DecodeOccupant parses a stored occupant record.
func DecodeOccupant(userID, raw string) (Occupant, error) {
	var o Occupant
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Occupant{}, fmt.Errorf("decode occupant %s: %w", userID, err)
	}
	o.UserID = userID
	return o, nil
}

// LastSeen returns the last heartbeat, or the join time if none was recorded.
func (o Occupant) LastSeen() time.Time {
	if o.LastHeartbeat > 0 {
		return time.UnixMilli(o.LastHeartbeat)
	}
	return time.UnixMilli(o.JoinedAt)
}

// Stale reports whether the occupant has been silent for longer than timeout.
func (o Occupant) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(o.LastSeen()) > timeout
}

// Peer is the public view of an occupant sent to other clients.
type Peer struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// Peer returns the public view of the occupant.
func (o Occupant) Peer() Peer {
	return Peer{ID: o.UserID, Nickname: o.Nickname}
}
