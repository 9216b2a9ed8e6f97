package middleware

import (
	"strings"
	"time"

	"voicelink-backend/pkg/env"
)

// RateLimitConfig holds rate limit configuration for different endpoints
type RateLimitConfig struct {
	Endpoint string
	Requests int
	Window   time.Duration
}

// RateLimitConfigManager manages rate limit configurations
type RateLimitConfigManager struct {
	configs map[string]RateLimitConfig
}

// NewRateLimitConfigManager creates a new rate limit configuration manager
// Rate limits can be overridden via environment variables:
// - RATELIMIT_CALLS_INITIATE: Requests per minute for /v1/calls/initiate (default: 20)
// - RATELIMIT_CALLS_HISTORY: Requests per minute for /v1/calls (default: 60)
// - RATELIMIT_CALLS_GET: Requests per minute for /v1/calls/:id (default: 120)
func NewRateLimitConfigManager() *RateLimitConfigManager {
	return &RateLimitConfigManager{
		configs: map[string]RateLimitConfig{
			// Initiation creates records and can fire push notifications,
			// so it gets the tightest budget.
			"/v1/calls/initiate": {
				Requests: env.GetInt("RATELIMIT_CALLS_INITIATE", 20),
				Window:   time.Minute,
			},
			"/v1/calls": {
				Requests: env.GetInt("RATELIMIT_CALLS_HISTORY", 60),
				Window:   time.Minute,
			},
			"/v1/calls/:id": {
				Requests: env.GetInt("RATELIMIT_CALLS_GET", 120),
				Window:   time.Minute,
			},
		},
	}
}

// GetConfig returns rate limit configuration for a specific endpoint
func (m *RateLimitConfigManager) GetConfig(endpoint string) RateLimitConfig {
	if config, exists := m.configs[endpoint]; exists {
		return config
	}
	// Default for unlisted endpoints
	return RateLimitConfig{
		Requests: env.GetInt("RATELIMIT_DEFAULT", 100),
		Window:   time.Minute,
	}
}

// GetConfigForPath returns rate limit configuration based on path pattern matching
func (m *RateLimitConfigManager) GetConfigForPath(path string) RateLimitConfig {
	// Exact match first
	if config, exists := m.configs[path]; exists {
		return config
	}

	// Pattern match for parameterized paths
	for pattern, config := range m.configs {
		if isPathMatch(path, pattern) {
			return config
		}
	}

	return m.GetConfig(path)
}

// isPathMatch checks if a path matches a pattern (e.g., /v1/calls/:id matches /v1/calls/123)
func isPathMatch(path, pattern string) bool {
	pathParts := splitPath(path)
	patternParts := splitPath(pattern)

	if len(pathParts) != len(patternParts) {
		return false
	}

	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") {
			continue
		}
		if part != pathParts[i] {
			return false
		}
	}

	return true
}

// splitPath splits a path into parts
func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}
