package credential

import (
	"testing"
	"time"
)

func urlsOf(t *testing.T, cfg Config, username, password string) []string {
	t.Helper()
	var urls []string
	for _, s := range cfg.ICEServers(username, password) {
		urls = append(urls, s.URLs...)
	}
	return urls
}

func TestICEServers(t *testing.T) {
	relayed := DefaultConfig()
	relayed.ServerURL = "turn.example.com"
	relayed.Secret = "s3cret"

	tests := []struct {
		name     string
		mutate   func(*Config)
		username string
		wantURLs []string
	}{
		{
			name:     "stun only without relay",
			mutate:   func(c *Config) { c.ServerURL = "" },
			username: "u",
			wantURLs: DefaultSTUNServers,
		},
		{
			name:     "stun only without secret",
			mutate:   func(c *Config) { c.Secret = "" },
			username: "u",
			wantURLs: DefaultSTUNServers,
		},
		{
			name:     "stun only without credential",
			mutate:   func(c *Config) {},
			username: "",
			wantURLs: DefaultSTUNServers,
		},
		{
			name:     "udp and tcp by default",
			mutate:   func(c *Config) {},
			username: "u",
			wantURLs: append(append([]string{}, DefaultSTUNServers...),
				"turn:turn.example.com:3478?transport=udp",
				"turn:turn.example.com:3478?transport=tcp"),
		},
		{
			name: "tls only",
			mutate: func(c *Config) {
				c.EnableUDP = false
				c.EnableTCP = false
				c.EnableTLS = true
			},
			username: "u",
			wantURLs: append(append([]string{}, DefaultSTUNServers...),
				"turns:turn.example.com:5349?transport=tcp"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := relayed
			tt.mutate(&cfg)
			got := urlsOf(t, cfg, tt.username, "pw")
			if len(got) != len(tt.wantURLs) {
				t.Fatalf("ICEServers() urls = %v, want %v", got, tt.wantURLs)
			}
			for i := range got {
				if got[i] != tt.wantURLs[i] {
					t.Errorf("url[%d] = %q, want %q", i, got[i], tt.wantURLs[i])
				}
			}
		})
	}
}

func TestICEServers_RelayEntriesCarryCredential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerURL = "turn.example.com"
	cfg.Secret = "s3cret"

	servers := cfg.ICEServers("1700000000:alice:r1", "pw")
	for _, s := range servers[len(DefaultSTUNServers):] {
		if s.Username != "1700000000:alice:r1" {
			t.Errorf("Username = %q", s.Username)
		}
		if cred, _ := s.Credential.(string); cred != "pw" {
			t.Errorf("Credential = %v, want pw", s.Credential)
		}
	}
	for _, s := range servers[:len(DefaultSTUNServers)] {
		if s.Username != "" || s.Credential != nil {
			t.Errorf("STUN entry %v carries a credential", s.URLs)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TTL != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", cfg.TTL)
	}
	if cfg.QuotaBytesPerDay != GB {
		t.Errorf("QuotaBytesPerDay = %d, want %d", cfg.QuotaBytesPerDay, GB)
	}
	if cfg.EnableQuota || cfg.EnableConnectionLimit || cfg.EnableTLS {
		t.Error("quota, connection limit and TLS should be disabled by default")
	}
	if cfg.RelayConfigured() {
		t.Error("RelayConfigured() = true without server url and secret")
	}
}

func TestQuotaStatus_Exhausted(t *testing.T) {
	if (QuotaStatus{Unlimited: true}).Exhausted() {
		t.Error("unlimited quota reported exhausted")
	}
	if !(QuotaStatus{Limit: 10, Used: 10}).Exhausted() {
		t.Error("quota with nothing remaining not exhausted")
	}
	if (QuotaStatus{Limit: 10, Used: 5, Remaining: 5}).Exhausted() {
		t.Error("quota with bytes remaining reported exhausted")
	}
}

func TestDayKey(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	got := DayKey(time.Date(2026, 3, 2, 5, 0, 0, 0, loc))
	if got != "2026-03-01" {
		t.Errorf("DayKey() = %q, want 2026-03-01", got)
	}
}
