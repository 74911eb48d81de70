package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("AUTOQUAL_MAX_RETRIES", "7")
	t.Setenv("AUTOQUAL_DELIMITER", "|")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, "|", cfg.Delimiter)

	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff())
	assert.Equal(t, 3*time.Minute, cfg.StageTimeout())
}
