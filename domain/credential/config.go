// Package credential derives ephemeral relay (TURN) credentials and the ICE server
// list handed to clients alongside them.
package credential

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are the public discovery endpoints every ICE list starts with.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Ports holds the relay listener ports per transport.
type Ports struct {
	UDP int `yaml:"udp"`
	TCP int `yaml:"tcp"`
	TLS int `yaml:"tls"`
}

// Config holds relay server and limit settings.
type Config struct {
	// ServerURL is the relay host without scheme or port, e.g. "turn.ponslink.com".
	ServerURL string `yaml:"server_url"`
	// Secret is the shared secret configured on the relay server.
	Secret string `yaml:"secret"`
	Realm  string `yaml:"realm"`
	// TTL is how long an issued credential stays valid.
	TTL time.Duration `yaml:"ttl"`

	EnableQuota bool `yaml:"enable_quota"`
	// QuotaBytesPerDay is the daily relay budget per user.
	QuotaBytesPerDay int64 `yaml:"quota_bytes_per_day"`

	EnableConnectionLimit bool `yaml:"enable_connection_limit"`
	MaxConnectionsPerUser int  `yaml:"max_connections_per_user"`

	EnableUDP bool  `yaml:"enable_udp"`
	EnableTCP bool  `yaml:"enable_tcp"`
	EnableTLS bool  `yaml:"enable_tls"`
	Ports     Ports `yaml:"ports"`

	STUNServers []string `yaml:"stun_servers"`
}

// GB is the number of bytes in one quota gigabyte.
const GB int64 = 1024 * 1024 * 1024

// DefaultConfig returns relay defaults: one day TTL, 1 GB/day quota and five
// concurrent connections per user (both disabled until enabled), UDP and TCP on
// 3478, TLS on 5349 but off.
func DefaultConfig() Config {
	return Config{
		Realm:                 "ponslink.com",
		TTL:                   86400 * time.Second,
		QuotaBytesPerDay:      1 * GB,
		MaxConnectionsPerUser: 5,
		EnableUDP:             true,
		EnableTCP:             true,
		Ports: Ports{
			UDP: 3478,
			TCP: 3478,
			TLS: 5349,
		},
		STUNServers: DefaultSTUNServers,
	}
}

// RelayConfigured reports whether relay entries can be offered at all.
func (c Config) RelayConfigured() bool {
	return c.ServerURL != "" && c.Secret != ""
}

// STUNOnly returns the discovery-only ICE list used when issuance fails.
func (c Config) STUNOnly() []webrtc.ICEServer {
	stun := c.STUNServers
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}
	servers := make([]webrtc.ICEServer, 0, len(stun)+3)
	for _, u := range stun {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

// ICEServers builds the list sent to clients. STUN entries are always present;
// relay entries are added per enabled transport only when the relay is configured
// and a credential was derived.
func (c Config) ICEServers(username, password string) []webrtc.ICEServer {
	servers := c.STUNOnly()
	if !c.RelayConfigured() || username == "" || password == "" {
		return servers
	}

	relay := func(url string) webrtc.ICEServer {
		return webrtc.ICEServer{
			URLs:           []string{url},
			Username:       username,
			Credential:     password,
			CredentialType: webrtc.ICECredentialTypePassword,
		}
	}
	if c.EnableUDP {
		servers = append(servers, relay(fmt.Sprintf("turn:%s:%d?transport=udp", c.ServerURL, c.Ports.UDP)))
	}
	if c.EnableTCP {
		servers = append(servers, relay(fmt.Sprintf("turn:%s:%d?transport=tcp", c.ServerURL, c.Ports.TCP)))
	}
	if c.EnableTLS {
		servers = append(servers, relay(fmt.Sprintf("turns:%s:%d?transport=tcp", c.ServerURL, c.Ports.TLS)))
	}
	return servers
}
