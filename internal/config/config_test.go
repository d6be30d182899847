package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chatpipe/chatpipe/internal/loadgen"
)

func TestLoadClientFromEnv(t *testing.T) {
	t.Setenv("FRONT_URL", "ws://front:9999")
	t.Setenv("LOAD_USERS", "50")
	t.Setenv("LOAD_MESSAGES", "5000")
	t.Setenv("RATE_LIMIT", "250")
	t.Setenv("ACK_TIMEOUT", "90s")

	cfg := LoadClient()
	assert.Equal(t, "ws://front:9999", cfg.FrontURL)
	assert.Equal(t, 50, cfg.Users)
	assert.Equal(t, int64(5000), cfg.Messages)
	assert.Equal(t, 250, cfg.RateLimit)
	assert.Equal(t, 90*time.Second, cfg.AckTimeout)

	// The rate limit feeds the runner config unconverted.
	rc := loadgen.RunnerConfig{RateLimit: cfg.RateLimit}
	assert.Equal(t, 250, rc.RateLimit)
}

func TestLoadClientRejectsGarbageValues(t *testing.T) {
	t.Setenv("LOAD_USERS", "many")
	t.Setenv("RATE_LIMIT", "2.5")
	t.Setenv("CONNECT_TIMEOUT", "soon")

	cfg := LoadClient()
	assert.Equal(t, 100, cfg.Users, "unparseable int falls back to the default")
	assert.Equal(t, 0, cfg.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}
