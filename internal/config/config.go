/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	// JWTSecret signs bearer tokens. When the environment provides none a
	// random secret is generated at load time; JWTSecretGenerated records
	// that so the caller can warn (tokens then die with the process).
	JWTSecret          string
	JWTSecretGenerated bool
	TokenTTL           time.Duration

	// Session behaviour
	SessionCapacity int
	SessionIdleTTL  time.Duration
	DestroyGrace    time.Duration
	JoinCodeTTL     time.Duration

	// Admission gates
	CreateLimitPerHour int
	JoinLimitPerMinute int

	// UpdateCheckEnabled turns on the periodic GitHub release check.
	UpdateCheckEnabled bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"BRAGI_ENV", "ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"BRAGI_HTTP_BIND", "HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"BRAGI_HTTP_PORT", "PORT"}, 3000),

		JWTSecret: getEnvAny([]string{"BRAGI_JWT_SECRET", "JWT_SECRET"}, ""),
		TokenTTL:  time.Duration(getEnvIntAny([]string{"BRAGI_TOKEN_TTL_HOURS"}, 24)) * time.Hour,

		SessionCapacity: getEnvIntAny([]string{"BRAGI_SESSION_CAPACITY"}, 10),
		SessionIdleTTL:  time.Duration(getEnvIntAny([]string{"BRAGI_SESSION_IDLE_MINUTES"}, 30)) * time.Minute,
		DestroyGrace:    time.Duration(getEnvIntAny([]string{"BRAGI_DESTROY_GRACE_MINUTES"}, 5)) * time.Minute,
		JoinCodeTTL:     time.Duration(getEnvIntAny([]string{"BRAGI_JOIN_CODE_TTL_MINUTES"}, 60)) * time.Minute,

		CreateLimitPerHour: getEnvIntAny([]string{"BRAGI_CREATE_LIMIT_PER_HOUR"}, 5),
		JoinLimitPerMinute: getEnvIntAny([]string{"BRAGI_JOIN_LIMIT_PER_MINUTE"}, 10),

		UpdateCheckEnabled: getEnvBoolAny([]string{"BRAGI_UPDATE_CHECK", "UPDATE_CHECK"}, true),

		TracingEnabled:    getEnvBoolAny([]string{"BRAGI_TRACING_ENABLED", "TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"BRAGI_OTLP_ENDPOINT", "OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"BRAGI_TRACING_SAMPLE_RATE", "TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.HTTPPort)
	}

	if cfg.SessionCapacity < 2 {
		return nil, fmt.Errorf("session capacity must allow at least two members, got %d", cfg.SessionCapacity)
	}

	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}

	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("tracing sample rate must be within [0,1], got %f", cfg.TracingSampleRate)
	}

	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
		cfg.JWTSecretGenerated = true
	}

	return cfg, nil
}

// randomSecret returns 32 random bytes hex encoded.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
