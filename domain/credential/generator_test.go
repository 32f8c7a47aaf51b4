package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"testing"
	"time"
)

func fixedClock(unix int64) (func() time.Time, *int64) {
	now := unix
	return func() time.Time { return time.Unix(now, 0).UTC() }, &now
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Secret = "shared-secret"
	cfg.TTL = time.Hour
	return cfg
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	clock, _ := fixedClock(1_700_000_000)
	g, err := NewGenerator(testConfig(), WithNow(clock))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	cred, err := g.Generate("alice", "room-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantUsername := "1700003600:alice:room-1"
	if cred.Username != wantUsername {
		t.Errorf("Username = %q, want %q", cred.Username, wantUsername)
	}
	if cred.ExpiresAt != 1_700_003_600 {
		t.Errorf("ExpiresAt = %d, want %d", cred.ExpiresAt, 1_700_003_600)
	}
	if cred.TTLSeconds != 3600 {
		t.Errorf("TTLSeconds = %d, want 3600", cred.TTLSeconds)
	}
	if cred.IssuedAt != 1_700_000_000 {
		t.Errorf("IssuedAt = %d, want %d", cred.IssuedAt, 1_700_000_000)
	}
	if cred.Realm != "ponslink.com" {
		t.Errorf("Realm = %q, want ponslink.com", cred.Realm)
	}

	mac := hmac.New(sha256.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if cred.Password != want {
		t.Errorf("Password = %q, want %q", cred.Password, want)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing secret", func(c *Config) { c.Secret = "" }, ErrSecretRequired},
		{"zero ttl", func(c *Config) { c.TTL = 0 }, ErrInvalidTTL},
		{"sub-second ttl", func(c *Config) { c.TTL = time.Millisecond }, ErrInvalidTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := NewGenerator(cfg); err != tt.wantErr {
				t.Errorf("NewGenerator() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerate_RejectsInvalidIDs(t *testing.T) {
	g, _ := NewGenerator(testConfig())

	tests := []struct {
		name   string
		userID string
		roomID string
	}{
		{"empty user", "", "room"},
		{"empty room", "alice", ""},
		{"colon in user", "a:b", "room"},
		{"colon in room", "alice", "r:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Generate(tt.userID, tt.roomID); err != ErrInvalidID {
				t.Errorf("Generate() error = %v, want %v", err, ErrInvalidID)
			}
		})
	}
}

// TestVerify checks that verification succeeds iff the expiry is in the future and
// the hash matches.
func TestVerify(t *testing.T) {
	clock, now := fixedClock(1_700_000_000)
	g, _ := NewGenerator(testConfig(), WithNow(clock))
	cred, _ := g.Generate("alice", "room-1")

	other, _ := NewGenerator(Config{Secret: "other-secret", TTL: time.Hour}, WithNow(clock))
	forged, _ := other.Generate("alice", "room-1")

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"valid", cred.Username, cred.Password, true},
		{"tampered password", cred.Username, cred.Password[:len(cred.Password)-2] + "AA", false},
		{"tampered user", "1700003600:mallory:room-1", cred.Password, false},
		{"tampered expiry", "1800000000:alice:room-1", cred.Password, false},
		{"wrong secret", forged.Username, forged.Password, false},
		{"malformed username", "alice:room-1", cred.Password, false},
		{"non-numeric expiry", "soon:alice:room-1", cred.Password, false},
		{"empty password", cred.Username, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Verify(tt.username, tt.password); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}

	*now = cred.ExpiresAt - 1
	if !g.Verify(cred.Username, cred.Password) {
		t.Error("Verify() one second before expiry = false, want true")
	}

	*now = cred.ExpiresAt
	if g.Verify(cred.Username, cred.Password) {
		t.Error("Verify() at expiry = true, want false")
	}
}

func TestParseUsername(t *testing.T) {
	expiry, user, room, ok := ParseUsername("1700003600:alice:room-1")
	if !ok {
		t.Fatal("ParseUsername() ok = false")
	}
	if strconv.FormatInt(expiry, 10) != "1700003600" || user != "alice" || room != "room-1" {
		t.Errorf("ParseUsername() = %d, %q, %q", expiry, user, room)
	}

	for _, bad := range []string{"", "1:2", "x:alice:room", "0:alice:room", "1::room", "1:alice:", "1:a:b:c"} {
		if _, _, _, ok := ParseUsername(bad); ok {
			t.Errorf("ParseUsername(%q) ok = true, want false", bad)
		}
	}
}
