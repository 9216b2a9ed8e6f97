package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Environment: "development"},
		Call: CallConfig{
			RingTimeout:       30 * time.Second,
			OfferWait:         8 * time.Second,
			MicRetries:        5,
			ReconnectAttempts: 5,
			PersistRetries:    3,
		},
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 8*time.Second, cfg.Call.OfferWait)
	assert.Greater(t, cfg.Call.RingTimeout, cfg.Call.OfferWait)
	assert.Equal(t, 26257, cfg.Database.Port)
}

func TestValidateAcceptsSaneConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsOfferWaitAboveRingTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Call.OfferWait = cfg.Call.RingTimeout + time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALL_RING_TIMEOUT")
}

func TestValidateRejectsZeroAttemptBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Call.MicRetries = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresJWTSecretInProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Environment = "production"
	cfg.JWT.Secret = ""
	assert.Error(t, cfg.Validate())

	cfg.JWT.Secret = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}
