package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSecretRequired = errors.New("shared secret is required")
	ErrInvalidTTL     = errors.New("ttl must be positive")
	ErrInvalidID      = errors.New("user and room ids must be non-empty and must not contain ':'")
)

// Credential is a relay username/password pair.
//
//	username = <unix_expiry>:<userId>:<roomId>
//	password = base64(hmac_sha256(secret, username))
//
// Nothing is persisted: validity is recomputed from the username and the secret.
type Credential struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TTLSeconds int64  `json:"ttl"`
	IssuedAt   int64  `json:"timestamp"`
	ExpiresAt  int64  `json:"expiresAt"`
	Realm      string `json:"realm"`
}

// Generator derives and verifies credentials for one shared secret.
type Generator struct {
	secret []byte
	ttl    time.Duration
	realm  string
	now    func() time.Time
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithNow sets the clock used for expiry computation.
func WithNow(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a generator from the relay config.
func NewGenerator(cfg Config, opts ...GeneratorOption) (*Generator, error) {
	if cfg.Secret == "" {
		return nil, ErrSecretRequired
	}
	if cfg.TTL < time.Second {
		return nil, ErrInvalidTTL
	}
	g := &Generator{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		realm:  cfg.Realm,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate derives a credential for (userID, roomID).
func (g *Generator) Generate(userID, roomID string) (*Credential, error) {
	if !validID(userID) || !validID(roomID) {
		return nil, ErrInvalidID
	}

	issuedAt := g.now().UTC().Unix()
	ttl := int64(g.ttl / time.Second)
	expiry := issuedAt + ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, userID, roomID)

	return &Credential{
		Username:   username,
		Password:   g.sign(username),
		TTLSeconds: ttl,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiry,
		Realm:      g.realm,
	}, nil
}

// Verify reports whether password matches username and the encoded expiry is
// still in the future.
func (g *Generator) Verify(username, password string) bool {
	expiry, _, _, ok := ParseUsername(username)
	if !ok {
		return false
	}
	if g.now().UTC().Unix() >= expiry {
		return false
	}
	return hmac.Equal([]byte(g.sign(username)), []byte(password))
}

func (g *Generator) sign(username string) string {
	mac := hmac.New(sha256.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseUsername splits a credential username into its parts.
func ParseUsername(username string) (expiry int64, userID, roomID string, ok bool) {
	parts := strings.Split(username, ":")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return 0, "", "", false
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || expiry <= 0 {
		return 0, "", "", false
	}
	return expiry, parts[1], parts[2], true
}

func validID(s string) bool {
	return s != "" && !strings.Contains(s, ":")
}
