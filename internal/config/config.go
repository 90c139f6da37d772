// Package config reads process settings from the environment and an optional
// .env file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/envctx"
	"github.com/polzovatel/page-bridge/internal/relay"
)

const (
	envHeadless         = "BRIDGE_HEADLESS"
	envListen           = "BRIDGE_LISTEN"
	envProbeTimeout     = "BRIDGE_PROBE_TIMEOUT"
	envSettleDelay      = "BRIDGE_SETTLE_DELAY"
	envSerializePerTab  = "BRIDGE_SERIALIZE_PER_TAB"
	envExecutorViaRelay = "BRIDGE_EXECUTOR_VIA_RELAY"
	envLogLevel         = "BRIDGE_LOG_LEVEL"
	envStartURL         = "BRIDGE_START_URL"

	DefaultListen = "127.0.0.1:7331"
)

type Config struct {
	Headless bool
	Listen   string
	StartURL string
	LogLevel zerolog.Level
	Relay    relay.Config
	Env      envctx.Options
}

// Load reads .env when present, then the BRIDGE_* variables. Values that do
// not parse fall back to their defaults.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() Config {
	rc := relay.DefaultConfig()
	return Config{
		Headless: parseBoolEnv(envHeadless, false),
		Listen:   stringEnv(envListen, DefaultListen),
		StartURL: stringEnv(envStartURL, "about:blank"),
		LogLevel: levelEnv(envLogLevel, zerolog.InfoLevel),
		Relay: relay.Config{
			ProbeTimeout:    durationEnv(envProbeTimeout, rc.ProbeTimeout),
			SettleDelay:     durationEnv(envSettleDelay, rc.SettleDelay),
			SerializePerTab: parseBoolEnv(envSerializePerTab, rc.SerializePerTab),
		},
		Env: envctx.Options{
			ExecutorViaRelay: parseBoolEnv(envExecutorViaRelay, envctx.DefaultOptions().ExecutorViaRelay),
		},
	}
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func stringEnv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// durationEnv accepts Go durations ("300ms") and bare milliseconds ("300").
func durationEnv(name string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil && d >= 0 {
		return d
	}
	if d, err := time.ParseDuration(val + "ms"); err == nil && d >= 0 {
		return d
	}
	return def
}

func levelEnv(name string, def zerolog.Level) zerolog.Level {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(val))
	if err != nil {
		return def
	}
	return lvl
}
