package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// CredentialPort is the read-only credential surface other modules call through
// the service container.
type CredentialPort interface {
	GetQuota(ctx context.Context, userID string) (credential.QuotaStatus, credential.ConnectionStatus, error)
}

// CredentialAdapter implements CredentialPort using the service container.
type CredentialAdapter struct {
	container mono.ServiceContainer
}

// NewCredentialAdapter creates a new CredentialAdapter.
func NewCredentialAdapter(container mono.ServiceContainer) CredentialPort {
	if container == nil {
		panic("credentials: ServiceContainer is nil")
	}
	return &CredentialAdapter{container: container}
}

// GetQuota returns the user's quota and connection status.
func (a *CredentialAdapter) GetQuota(ctx context.Context, userID string) (credential.QuotaStatus, credential.ConnectionStatus, error) {
	req := GetQuotaRequest{UserID: userID}
	var resp GetQuotaResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceGetQuota,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return credential.QuotaStatus{}, credential.ConnectionStatus{}, fmt.Errorf("failed to get quota: %w", err)
	}
	return resp.Quota, resp.Connections, nil
}
