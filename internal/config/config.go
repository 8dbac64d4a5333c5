// Package config loads the Manager's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full configuration surface recognized by the Manager.
type Config struct {
	// BindAddr is the HTTP listener address (MANAGER_BIND_ADDR).
	BindAddr string

	// DatabaseURL is the Postgres DSN for durable state (DATABASE_URL).
	DatabaseURL string

	// BrokerURL is the Redis URL for streams and transient runtime state
	// (BROKER_URL).
	BrokerURL string

	// PublicURL is the externally reachable base URL advertised in
	// transport hints and handshakes (MANAGER_PUBLIC_URL).
	PublicURL string

	// JWKSURL, Issuer, Audience configure user JWT verification
	// (BEACH_GATE_JWKS_URL, BEACH_GATE_ISSUER, BEACH_GATE_AUDIENCE).
	JWKSURL  string
	Issuer   string
	Audience string

	// AuthBypass disables user JWT verification for development. It
	// never bypasses publish-token verification (AUTH_BYPASS).
	AuthBypass bool

	// PublishTokenSecret is the HMAC secret for publish JWTs
	// (PUBLISH_TOKEN_SECRET).
	PublishTokenSecret string

	// StrictGating makes the Command Gate return its drops with typed
	// codes instead of silently succeeding (CONTROLLER_STRICT_GATING).
	StrictGating bool

	// StaleSessionMaxIdle marks sessions stale after this much silence
	// (STALE_SESSION_MAX_IDLE).
	StaleSessionMaxIdle time.Duration

	// HealthReportInterval is the expected harness heartbeat cadence
	// (VIEWER_HEALTH_REPORT_INTERVAL).
	HealthReportInterval time.Duration

	// ICEPublicIP and the port range are NAT hints for fast-path ICE
	// (BEACH_ICE_PUBLIC_IP, BEACH_ICE_PORT_START, BEACH_ICE_PORT_END).
	ICEPublicIP  string
	ICEPortStart uint16
	ICEPortEnd   uint16

	// DirectoryURL is the external session directory used for attach
	// verification (SESSION_DIRECTORY_URL).
	DirectoryURL string

	// StartupGrace bounds dependency probing at boot before exiting 2
	// (MANAGER_STARTUP_GRACE).
	StartupGrace time.Duration

	// LogLevel and LogPretty configure the logger (LOG_LEVEL, LOG_PRETTY).
	LogLevel  string
	LogPretty bool
}

// Load reads the environment into a Config, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		BindAddr:             getenv("MANAGER_BIND_ADDR", ":8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		BrokerURL:            getenv("BROKER_URL", "redis://localhost:6379/0"),
		PublicURL:            getenv("MANAGER_PUBLIC_URL", "http://localhost:8080"),
		JWKSURL:              os.Getenv("BEACH_GATE_JWKS_URL"),
		Issuer:               os.Getenv("BEACH_GATE_ISSUER"),
		Audience:             os.Getenv("BEACH_GATE_AUDIENCE"),
		AuthBypass:           boolenv("AUTH_BYPASS"),
		PublishTokenSecret:   os.Getenv("PUBLISH_TOKEN_SECRET"),
		StrictGating:         boolenv("CONTROLLER_STRICT_GATING"),
		StaleSessionMaxIdle:  durenv("STALE_SESSION_MAX_IDLE", 90*time.Second),
		HealthReportInterval: durenv("VIEWER_HEALTH_REPORT_INTERVAL", 15*time.Second),
		ICEPublicIP:          os.Getenv("BEACH_ICE_PUBLIC_IP"),
		DirectoryURL:         os.Getenv("SESSION_DIRECTORY_URL"),
		StartupGrace:         durenv("MANAGER_STARTUP_GRACE", 30*time.Second),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogPretty:            boolenv("LOG_PRETTY"),
	}

	start, err := portenv("BEACH_ICE_PORT_START", 0)
	if err != nil {
		return nil, err
	}
	end, err := portenv("BEACH_ICE_PORT_END", 0)
	if err != nil {
		return nil, err
	}
	cfg.ICEPortStart, cfg.ICEPortEnd = start, end

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PublishTokenSecret == "" {
		return fmt.Errorf("PUBLISH_TOKEN_SECRET is required")
	}
	if !c.AuthBypass {
		if c.JWKSURL == "" || c.Issuer == "" || c.Audience == "" {
			return fmt.Errorf("BEACH_GATE_JWKS_URL, BEACH_GATE_ISSUER and BEACH_GATE_AUDIENCE are required unless AUTH_BYPASS=1")
		}
	}
	if (c.ICEPortStart == 0) != (c.ICEPortEnd == 0) {
		return fmt.Errorf("BEACH_ICE_PORT_START and BEACH_ICE_PORT_END must be set together")
	}
	if c.ICEPortStart > c.ICEPortEnd {
		return fmt.Errorf("BEACH_ICE_PORT_START exceeds BEACH_ICE_PORT_END")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolenv(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func durenv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		return fallback
	}
	return d
}

func portenv(key string, fallback uint16) (uint16, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid port %q", key, v)
	}
	return uint16(n), nil
}
