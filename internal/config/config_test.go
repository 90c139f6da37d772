package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	for _, name := range []string{envHeadless, envListen, envProbeTimeout, envSettleDelay, envSerializePerTab, envExecutorViaRelay, envLogLevel, envStartURL} {
		t.Setenv(name, "")
	}
	cfg := FromEnv()
	assert.False(t, cfg.Headless)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, "about:blank", cfg.StartURL)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 300*time.Millisecond, cfg.Relay.ProbeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.SettleDelay)
	assert.True(t, cfg.Relay.SerializePerTab)
	assert.True(t, cfg.Env.ExecutorViaRelay)
}

func TestOverrides(t *testing.T) {
	t.Setenv(envHeadless, "yes")
	t.Setenv(envListen, ":9000")
	t.Setenv(envProbeTimeout, "150")
	t.Setenv(envSettleDelay, "1s")
	t.Setenv(envSerializePerTab, "off")
	t.Setenv(envExecutorViaRelay, "0")
	t.Setenv(envLogLevel, "DEBUG")
	t.Setenv(envStartURL, "https://editor.test/")

	cfg := FromEnv()
	assert.True(t, cfg.Headless)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 150*time.Millisecond, cfg.Relay.ProbeTimeout)
	assert.Equal(t, time.Second, cfg.Relay.SettleDelay)
	assert.False(t, cfg.Relay.SerializePerTab)
	assert.False(t, cfg.Env.ExecutorViaRelay)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "https://editor.test/", cfg.StartURL)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv(envHeadless, "maybe")
	t.Setenv(envProbeTimeout, "soon")
	t.Setenv(envSettleDelay, "-5s")
	t.Setenv(envLogLevel, "loud")

	cfg := FromEnv()
	assert.False(t, cfg.Headless)
	assert.Equal(t, 300*time.Millisecond, cfg.Relay.ProbeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.SettleDelay)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}
