package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomFull indicates the room already holds its maximum number of occupants.
	ErrRoomFull = errors.New("room is full")
	// ErrNotInRoom indicates the connection has not joined a room.
	ErrNotInRoom = errors.New("connection is not in a room")
	// ErrOccupantNotFound indicates no occupant record exists for the user.
	ErrOccupantNotFound = errors.New("occupant not found")
	// ErrAlreadyLeaving indicates cleanup for the connection already started.
	ErrAlreadyLeaving = errors.New("connection already leaving")
	// ErrConnectionNotFound indicates the transport has no live connection for the handle.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrUnknownEvent indicates an inbound event name outside the known set.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload indicates a malformed or incomplete event payload.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Kind classifies failures by how callers must react to them.
type Kind int

const (
	// KindInternal is an unexpected failure; the caller gets a generic payload.
	KindInternal Kind = iota
	// KindValidation is a malformed or incomplete request.
	KindValidation
	// KindCapacity is an expected, user-facing limit (room full, connection cap, quota).
	KindCapacity
	// KindStoreUnavailable means the shared store could not be reached.
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Machine-readable codes sent to clients.
const (
	CodeNoUserID                = "NO_USER_ID"
	CodeConnectionLimitExceeded = "CONNECTION_LIMIT_EXCEEDED"
	CodeQuotaExceeded           = "QUOTA_EXCEEDED"
	CodeInternalError           = "INTERNAL_ERROR"
	CodeRateLimited             = "RATE_LIMITED"
	CodeJoinFailed              = "JOIN_FAILED"
	CodeRoomFull                = "ROOM_FULL"
	CodeInvalidPayload          = "INVALID_PAYLOAD"
	CodeNotInRoom               = "NOT_IN_ROOM"
)

// Error is a classified failure with a client-safe code and message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// NewError creates a classified error.
func NewError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorPayload is the structured body sent to clients on failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PublicPayload returns the client-facing view. Internal causes are never included.
func (e *Error) PublicPayload() ErrorPayload {
	msg := e.Message
	if e.Kind == KindInternal || msg == "" {
		msg = "internal error"
	}
	return ErrorPayload{Code: e.Code, Message: msg}
}

// AsError extracts a classified error, wrapping anything else as internal.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return NewError(KindInternal, CodeInternalError, "", err)
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
