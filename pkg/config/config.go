// Package config holds the tunables of the interposition layer. Values come
// from VTCP_* environment variables so that a preloaded process needs no
// extra files.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vtcp/pkg/bridge"
)

type Config struct {
	// Endpoint is the unix socket path of the external stack.
	Endpoint string
	// DialTimeout bounds reaching the stack and any reply beyond the wait a
	// request asked for.
	DialTimeout time.Duration
	// ConnectTimeout bounds a blocking connect with no SO_SNDTIMEO.
	ConnectTimeout time.Duration
	// CloseTimeout bounds the wait for the stack to acknowledge a close.
	CloseTimeout time.Duration
	// BlockSlice is the longest single wait of a blocking call before the
	// channel is released and the wait resumed.
	BlockSlice time.Duration
	// PollInterval is the slice used when polling native descriptors
	// together with virtual ones.
	PollInterval time.Duration
	// MaxPending caps the listen backlog and the connections buffered per
	// listener.
	MaxPending int
	// LogLevel enables logging to stderr; empty keeps the layer silent.
	LogLevel string
}

func Default() Config {
	return Config{
		Endpoint:       bridge.DefaultEndpoint,
		DialTimeout:    time.Second,
		ConnectTimeout: 30 * time.Second,
		CloseTimeout:   2 * time.Second,
		BlockSlice:     50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		MaxPending:     128,
	}
}

// FromEnv overlays the variables found by lookup on Default. Durations
// accept Go syntax ("250ms") or a bare number of milliseconds.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("VTCP_ENDPOINT"); ok {
		cfg.Endpoint = v
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"VTCP_DIAL_TIMEOUT", &cfg.DialTimeout},
		{"VTCP_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"VTCP_CLOSE_TIMEOUT", &cfg.CloseTimeout},
		{"VTCP_BLOCK_SLICE", &cfg.BlockSlice},
		{"VTCP_POLL_INTERVAL", &cfg.PollInterval},
	}
	for _, d := range durations {
		v, ok := get(d.name)
		if !ok {
			continue
		}
		dur, err := parseDuration(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "%s=%q", d.name, v)
		}
		*d.dst = dur
	}
	if v, ok := get("VTCP_MAX_PENDING"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "VTCP_MAX_PENDING=%q", v)
		}
		cfg.MaxPending = n
	}
	if v, ok := get("VTCP_LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
	return cfg, cfg.Validate()
}

func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"dial timeout":    c.DialTimeout,
		"connect timeout": c.ConnectTimeout,
		"close timeout":   c.CloseTimeout,
		"block slice":     c.BlockSlice,
		"poll interval":   c.PollInterval,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxPending < 1 {
		return errors.Errorf("max pending must be at least 1, got %d", c.MaxPending)
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return errors.Wrap(err, "log level")
		}
	}
	return nil
}

// NewLogger builds a stderr logger at level, or a no-op logger when level is
// empty.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "" {
		return zap.NewNop(), nil
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.Sampling = nil
	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return l, nil
}
