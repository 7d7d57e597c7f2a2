// Package config holds the runtime configuration for the messaging service.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration for the messaging service. Values are bound
// from command-line flags and environment variables in cmd/api.
type Config struct {
	// HTTP façade
	Port       int
	TLSCert    string
	TLSKey     string
	RequireTLS bool

	// ManagementPort serves the gRPC health service. 0 disables it.
	ManagementPort int

	// Storage
	MongoURI      string
	MongoDatabase string
	// WriteTimeout bounds a mutation once it has been dispatched; writes are
	// detached from request cancellation.
	WriteTimeout time.Duration

	// Queue
	RedisURL       string
	SyncStream     string
	SyncGroup      string
	SyncDeadLetter string
	SyncBlock      time.Duration
	SyncClaimIdle  time.Duration
	SyncEnabled    bool
	// SyncConsumer names this process in the consumer group. Empty picks a
	// random name once per process.
	SyncConsumer string

	// Identity. Either JWTSecret or JWTKeys (kid:secret,kid2:secret2) must be set.
	JWTSecret    string
	JWTKeys      string
	JWTActiveKid string

	// Page tokens
	CursorSecret string
	CursorTTL    time.Duration

	// Rate limiting of mutation routes, per caller.
	RateLimitRPM   int
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		Port:           3001,
		ManagementPort: 50051,
		MongoDatabase:  "pixelchat_message",
		WriteTimeout:   10 * time.Second,
		SyncStream:     "user-update",
		SyncGroup:      "pixelchat-messaging",
		SyncDeadLetter: "user-update.dead",
		SyncBlock:      2 * time.Second,
		SyncClaimIdle:  30 * time.Second,
		SyncEnabled:    true,
		CursorTTL:      24 * time.Hour,
		RateLimitRPM:   120,
		RateLimitBurst: 20,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI must be set")
	}
	if c.JWTSecret == "" && c.JWTKeys == "" {
		return fmt.Errorf("either JWT_SECRET or JWT_KEYS must be set")
	}
	if c.SyncEnabled {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when profile sync is enabled")
		}
		if c.SyncBlock <= 0 {
			return fmt.Errorf("SYNC_BLOCK must be positive")
		}
		// Without it, events abandoned by a crashed replica are never picked up.
		if c.SyncClaimIdle <= 0 {
			return fmt.Errorf("SYNC_CLAIM_IDLE must be positive")
		}
	}
	if c.RequireTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	return nil
}

// ParseJWTKeys parses the "kid:secret,kid2:secret2" form of JWTKeys.
func ParseJWTKeys(s string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kid, secret, ok := strings.Cut(p, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %q", p)
		}
		keys[kid] = secret
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("JWT_KEYS contains no keys")
	}
	return keys, nil
}

// PageTokenSecret returns the secret used to sign page tokens, falling back
// to the identity secret when no dedicated one is configured.
func (c *Config) PageTokenSecret() string {
	if c.CursorSecret != "" {
		return c.CursorSecret
	}
	return c.JWTSecret
}
