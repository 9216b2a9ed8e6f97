package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRedisMetricsIsIdempotent(t *testing.T) {
	// A second call must be a no-op; a duplicate registration would panic.
	InitRedisMetrics()
	InitRedisMetrics()

	m := getRedisMetrics()
	require.NotNil(t, m)
	assert.NotNil(t, m.degradedMode)
	assert.NotNil(t, m.healthCheck)
}
