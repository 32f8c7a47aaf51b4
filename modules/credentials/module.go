package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/DeclanJeon/ponslink-signal/events"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
)

// Module exposes the issuer as a mono module with request-reply services for
// out-of-band credential verification and quota lookups.
type Module struct {
	issuer   *Issuer
	eventBus mono.EventBus
	logger   types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.ServiceProviderModule = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new credentials module.
func NewModule(s store.Store, cfg credential.Config, logger types.Logger, opts ...IssuerOption) (*Module, error) {
	issuer, err := NewIssuer(s, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	m := &Module{
		issuer: issuer,
		logger: logger,
	}
	issuer.onIssued = m.publishIssued
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return "credentials"
}

// SetEventBus is called by the framework to inject the event bus.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module publishes.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.CredentialIssuedV1.ToBase(),
	}
}

// RegisterServices registers the credential services in the service container.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := container.RegisterRequestReplyService(ServiceVerifyCredential, m.handleVerify); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceVerifyCredential, err)
	}
	if err := container.RegisterRequestReplyService(ServiceGetQuota, m.handleGetQuota); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceGetQuota, err)
	}

	m.logger.Info("Registered credential services",
		"services", []string{ServiceVerifyCredential, ServiceGetQuota})
	return nil
}

// Start starts the module.
func (m *Module) Start(_ context.Context) error {
	cfg := m.issuer.Config()
	m.logger.Info("Credential issuer started",
		"relay", cfg.RelayConfigured(),
		"realm", cfg.Realm,
		"ttl", cfg.TTL.String(),
		"quota", cfg.EnableQuota,
		"connectionLimit", cfg.EnableConnectionLimit)
	return nil
}

// Stop stops the module.
func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("Credential issuer stopped")
	return nil
}

// Health reports whether relay credentials can be derived.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	cfg := m.issuer.Config()
	msg := "operational"
	if !cfg.RelayConfigured() {
		msg = "relay not configured, serving STUN only"
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: msg,
		Details: map[string]any{
			"relay":           cfg.RelayConfigured(),
			"quota_enabled":   cfg.EnableQuota,
			"limit_enabled":   cfg.EnableConnectionLimit,
			"max_connections": cfg.MaxConnectionsPerUser,
			"quota_bytes_day": cfg.QuotaBytesPerDay,
		},
	}
}

// Issuer returns the underlying issuer.
func (m *Module) Issuer() *Issuer {
	return m.issuer
}

func (m *Module) publishIssued(_ context.Context, userID, roomID string, cred *credential.Credential) {
	if m.eventBus == nil {
		return
	}
	ev := events.CredentialIssuedEvent{
		UserID:    userID,
		RoomID:    roomID,
		IssuedAt:  time.Unix(cred.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(cred.ExpiresAt, 0).UTC(),
	}
	if err := events.CredentialIssuedV1.Publish(m.eventBus, ev, nil); err != nil {
		m.logger.Warn("Failed to publish CredentialIssued event", "userId", userID, "error", err)
	}
}

// handleVerify handles verify-turn-credential service requests.
func (m *Module) handleVerify(_ context.Context, msg *mono.Msg) ([]byte, error) {
	var req VerifyCredentialRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	resp := VerifyCredentialResponse{Valid: m.issuer.Verify(req.Username, req.Password)}
	if resp.Valid {
		_, resp.UserID, resp.RoomID, _ = credential.ParseUsername(req.Username)
	}
	return json.Marshal(resp)
}

// handleGetQuota handles get-turn-quota service requests.
func (m *Module) handleGetQuota(ctx context.Context, msg *mono.Msg) ([]byte, error) {
	var req GetQuotaRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.UserID == "" {
		return nil, errors.New("user_id is required")
	}

	quota, conns, err := m.issuer.GetQuota(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(GetQuotaResponse{Quota: quota, Connections: conns})
}
