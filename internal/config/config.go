// Package config reads the bridge settings from PDFBRIDGE_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go-pdf-bridge/internal/bridge"
	"go-pdf-bridge/internal/session"
)

// TransportKind selects the transport constructed at startup.
type TransportKind string

const (
	TransportInProcess TransportKind = "inproc"
	TransportHTTP      TransportKind = "http"
	TransportWebsocket TransportKind = "ws"
)

// Config holds every setting the viewer and the engine daemon read.
type Config struct {
	Transport      TransportKind
	EngineURL      string
	EngineAddr     string
	ViewerAddr     string
	DialAttempts   int
	ProbeInterval  time.Duration
	RequestTimeout time.Duration
	FirstPage      int
	Watch          bool
}

// Default returns the settings used when no variable is set.
func Default() Config {
	return Config{
		Transport:      TransportInProcess,
		EngineURL:      "http://127.0.0.1:7778/rpc",
		EngineAddr:     "127.0.0.1:7778",
		ViewerAddr:     "127.0.0.1:7777",
		DialAttempts:   5,
		ProbeInterval:  bridge.DefaultProbeInterval,
		RequestTimeout: bridge.DefaultRequestTimeout,
		FirstPage:      session.DefaultFirstPage,
		Watch:          true,
	}
}

// FromEnv overlays the process environment on Default.
func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load overlays the variables returned by getenv on Default.
func Load(getenv func(string) string) (Config, error) {
	cfg := Default()

	if v := getenv("PDFBRIDGE_TRANSPORT"); v != "" {
		kind, err := ParseTransport(v)
		if err != nil {
			return Config{}, err
		}
		cfg.Transport = kind
	}
	if v := getenv("PDFBRIDGE_ENGINE_URL"); v != "" {
		cfg.EngineURL = v
	}
	if v := getenv("PDFBRIDGE_ENGINE_ADDR"); v != "" {
		cfg.EngineAddr = v
	}
	if v := getenv("PDFBRIDGE_VIEWER_ADDR"); v != "" {
		cfg.ViewerAddr = v
	}

	var err error
	if cfg.DialAttempts, err = intVar(getenv, "PDFBRIDGE_DIAL_ATTEMPTS", cfg.DialAttempts); err != nil {
		return Config{}, err
	}
	if cfg.FirstPage, err = intVar(getenv, "PDFBRIDGE_FIRST_PAGE", cfg.FirstPage); err != nil {
		return Config{}, err
	}
	if cfg.ProbeInterval, err = durationVar(getenv, "PDFBRIDGE_PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationVar(getenv, "PDFBRIDGE_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return Config{}, err
	}
	if v := getenv("PDFBRIDGE_WATCH"); v != "" {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("PDFBRIDGE_WATCH: %w", err)
		}
		cfg.Watch = watch
	}

	if cfg.ProbeInterval <= 0 {
		return Config{}, fmt.Errorf("PDFBRIDGE_PROBE_INTERVAL must be positive, got %v", cfg.ProbeInterval)
	}
	return cfg, nil
}

// ParseTransport accepts the transport names, case-insensitively.
func ParseTransport(v string) (TransportKind, error) {
	switch kind := TransportKind(strings.ToLower(strings.TrimSpace(v))); kind {
	case TransportInProcess, TransportHTTP, TransportWebsocket:
		return kind, nil
	case "websocket":
		return TransportWebsocket, nil
	}
	return "", fmt.Errorf("unknown transport %q (want inproc, http or ws)", v)
}

// WebsocketURL derives the engine's /ws address from EngineURL.
func (c Config) WebsocketURL() string {
	u := c.EngineURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(strings.TrimSuffix(u, "/"), "/rpc") + "/ws"
}

func intVar(getenv func(string) string, name string, def int) (int, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func durationVar(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
