package credentials

import "github.com/DeclanJeon/ponslink-signal/domain/credential"

// Service names registered in the service container.
const (
	ServiceVerifyCredential = "verify-turn-credential"
	ServiceGetQuota         = "get-turn-quota"
)

// VerifyCredentialRequest is sent by the relay server's auth hook.
type VerifyCredentialRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// VerifyCredentialResponse reports whether the pair is valid.
type VerifyCredentialResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id,omitempty"`
	RoomID string `json:"room_id,omitempty"`
}

// GetQuotaRequest asks for a user's quota and connection status.
type GetQuotaRequest struct {
	UserID string `json:"user_id"`
}

// GetQuotaResponse carries both limit views.
type GetQuotaResponse struct {
	Quota       credential.QuotaStatus      `json:"quota"`
	Connections credential.ConnectionStatus `json:"connections"`
}
