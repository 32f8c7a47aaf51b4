// Package credentials issues relay credentials under per-user connection and
// daily byte limits tracked in the shared store.
package credentials

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/DeclanJeon/ponslink-signal/domain/signaling"
	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/pion/webrtc/v4"
)

// QuotaRetention is how long a daily quota record is kept.
const QuotaRetention = 48 * time.Hour

// Grant is the result of a successful issuance.
type Grant struct {
	// Credential is nil when no relay is configured; ICEServers then holds STUN only.
	Credential  *credential.Credential
	ICEServers  []webrtc.ICEServer
	Quota       credential.QuotaStatus
	Connections credential.ConnectionStatus
}

// Issuer implements the relay-credential operations.
type Issuer struct {
	store     store.Store
	config    credential.Config
	generator *credential.Generator
	logger    types.Logger
	now       func() time.Time

	onIssued func(ctx context.Context, userID, roomID string, cred *credential.Credential)
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock sets the time source for quota days and credential expiry.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an issuer. Without a shared secret it still answers limit
// queries and hands out STUN-only server lists.
func NewIssuer(s store.Store, cfg credential.Config, logger types.Logger, opts ...IssuerOption) (*Issuer, error) {
	i := &Issuer{
		store:  s,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	if cfg.Secret != "" {
		g, err := credential.NewGenerator(cfg, credential.WithNow(i.now))
		if err != nil {
			return nil, fmt.Errorf("credential generator: %w", err)
		}
		i.generator = g
	}
	return i, nil
}

func connectionKey(userID string) string {
	return "turn:connections:" + userID
}

func quotaKey(userID string, day string) string {
	return "turn:quota:" + userID + ":" + day
}

// CheckConnectionLimit compares the user's connection counter to the cap.
func (i *Issuer) CheckConnectionLimit(ctx context.Context, userID string) (credential.ConnectionStatus, error) {
	if !i.config.EnableConnectionLimit {
		return credential.ConnectionStatus{
			Allowed:   true,
			Limit:     credential.Unbounded,
			Unlimited: true,
		}, nil
	}

	current, err := i.readInt(ctx, connectionKey(userID))
	if err != nil {
		return credential.ConnectionStatus{}, fmt.Errorf("read connection count: %w", err)
	}
	limit := int64(i.config.MaxConnectionsPerUser)
	return credential.ConnectionStatus{
		Allowed: current < limit,
		Current: current,
		Limit:   limit,
	}, nil
}

// CheckQuota reads today's usage against the daily budget.
func (i *Issuer) CheckQuota(ctx context.Context, userID string) (credential.QuotaStatus, error) {
	if !i.config.EnableQuota {
		return credential.QuotaStatus{
			Limit:     credential.Unbounded,
			Remaining: credential.Unbounded,
			Unlimited: true,
		}, nil
	}

	used, err := i.readInt(ctx, quotaKey(userID, credential.DayKey(i.now())))
	if err != nil {
		return credential.QuotaStatus{}, fmt.Errorf("read quota: %w", err)
	}
	limit := i.config.QuotaBytesPerDay
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	percentage := 0
	if limit > 0 {
		percentage = int(math.Round(float64(used) / float64(limit) * 100))
	}
	return credential.QuotaStatus{
		Used:       used,
		Limit:      limit,
		Remaining:  remaining,
		Percentage: percentage,
	}, nil
}

// Issue checks the connection limit, then the quota, then derives a credential and
// counts the connection. A denial leaves the counter untouched.
func (i *Issuer) Issue(ctx context.Context, userID, roomID string) (*Grant, error) {
	if userID == "" {
		return nil, signaling.NewError(signaling.KindValidation, signaling.CodeNoUserID, "user id is required", nil)
	}

	conns, err := i.CheckConnectionLimit(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if !conns.Allowed {
		i.logger.Warn("Connection limit exceeded", "userId", userID, "current", conns.Current, "limit", conns.Limit)
		return nil, signaling.NewError(signaling.KindCapacity, signaling.CodeConnectionLimitExceeded,
			fmt.Sprintf("maximum %d concurrent connections allowed", conns.Limit), nil)
	}

	quota, err := i.CheckQuota(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if quota.Exhausted() {
		i.logger.Warn("Daily quota exceeded", "userId", userID, "used", quota.Used, "limit", quota.Limit)
		return nil, signaling.NewError(signaling.KindCapacity, signaling.CodeQuotaExceeded,
			"daily relay quota exceeded", nil)
	}

	grant := &Grant{Quota: quota, Connections: conns}
	if i.generator != nil && i.config.ServerURL != "" {
		cred, err := i.generator.Generate(userID, roomID)
		if err != nil {
			return nil, signaling.NewError(signaling.KindValidation, signaling.CodeInternalError, "cannot derive credential", err)
		}
		grant.Credential = cred
		grant.ICEServers = i.config.ICEServers(cred.Username, cred.Password)
	} else {
		grant.ICEServers = i.config.STUNOnly()
	}

	current, err := i.store.IncrBy(ctx, connectionKey(userID), 1)
	if err != nil {
		return nil, storeError(fmt.Errorf("count connection: %w", err))
	}
	grant.Connections.Current = current

	if grant.Credential != nil && i.onIssued != nil {
		i.onIssued(ctx, userID, roomID, grant.Credential)
	}

	i.logger.Info("Relay credentials issued",
		"userId", userID,
		"roomId", roomID,
		"relay", grant.Credential != nil,
		"connections", current)
	return grant, nil
}

// GetQuota reads both limits for a user.
func (i *Issuer) GetQuota(ctx context.Context, userID string) (credential.QuotaStatus, credential.ConnectionStatus, error) {
	quota, err := i.CheckQuota(ctx, userID)
	if err != nil {
		return credential.QuotaStatus{}, credential.ConnectionStatus{}, err
	}
	conns, err := i.CheckConnectionLimit(ctx, userID)
	if err != nil {
		return credential.QuotaStatus{}, credential.ConnectionStatus{}, err
	}
	return quota, conns, nil
}

// RecordUsage adds bytes to today's quota record. It never fails the caller's
// connection: errors are returned for logging only.
func (i *Issuer) RecordUsage(ctx context.Context, userID string, bytes int64) (int64, error) {
	if !i.config.EnableQuota || bytes <= 0 {
		return 0, nil
	}

	key := quotaKey(userID, credential.DayKey(i.now()))
	total, err := i.store.IncrBy(ctx, key, bytes)
	if err != nil {
		return 0, fmt.Errorf("record usage: %w", err)
	}
	if err := i.store.Expire(ctx, key, QuotaRetention); err != nil {
		return total, fmt.Errorf("expire quota record: %w", err)
	}
	return total, nil
}

// Release gives back one connection. The counter is clamped at zero.
func (i *Issuer) Release(ctx context.Context, userID string) error {
	remaining, decremented, err := i.store.DecrFloor(ctx, connectionKey(userID))
	if err != nil {
		return fmt.Errorf("release connection: %w", err)
	}
	if !decremented {
		i.logger.Warn("Connection counter already at zero", "userId", userID)
		return nil
	}
	i.logger.Debug("Connection released", "userId", userID, "remaining", remaining)
	return nil
}

// Verify checks a relay username/password pair.
func (i *Issuer) Verify(username, password string) bool {
	if i.generator == nil {
		return false
	}
	return i.generator.Verify(username, password)
}

// FallbackICEServers is the discovery-only list returned when issuance fails.
func (i *Issuer) FallbackICEServers() []webrtc.ICEServer {
	return i.config.STUNOnly()
}

// Config returns the relay configuration.
func (i *Issuer) Config() credential.Config {
	return i.config
}

func (i *Issuer) readInt(ctx context.Context, key string) (int64, error) {
	raw, ok, err := i.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %s holds %q: %w", key, raw, err)
	}
	return n, nil
}

func storeError(err error) error {
	return signaling.NewError(signaling.KindStoreUnavailable, signaling.CodeInternalError,
		"relay credentials are temporarily unavailable", err)
}
