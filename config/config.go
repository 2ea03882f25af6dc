// Package config defines the broker's CLI surface: flag parsing,
// defaulting, and validation.
package config

import (
	"errors"
	"flag"
)

// Backend names a session.Store implementation selectable at startup.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendPebble Backend = "pebble"
	BackendRedis  Backend = "redis"
)

// Opt holds the broker's fully-parsed configuration.
type Opt struct {
	Addr            string
	MaxConnection   int
	MaxSession      int
	LogFilter       string
	SessionBackend  Backend
	SessionPath     string
	RedisAddr       string
	KeepAliveGrace  float64
}

// Parse builds an Opt from args (typically os.Args[1:]), applying defaults
// for any flag not supplied.
func Parse(args []string) (*Opt, error) {
	fs := flag.NewFlagSet("kestreld", flag.ContinueOnError)

	addr := fs.String("addr", "127.0.0.1:18990", "listen address")
	maxConnection := fs.Int("max-connection", 40960, "maximum concurrent connections")
	maxSession := fs.Int("max-session", 0, "session store capacity (defaults to --max-connection)")
	logFilter := fs.String("log-filter", "info", "minimum log level (debug, info, warn, error)")
	sessionBackend := fs.String("session-backend", string(BackendMemory), "session store backend (memory, pebble, redis)")
	sessionPath := fs.String("session-path", "./data/sessions", "pebble session store data directory")
	redisAddr := fs.String("redis-addr", "127.0.0.1:6379", "redis session store address")
	keepAliveGrace := fs.Float64("keepalive-grace", 1.5, "multiplier applied to a client's keep-alive to derive its idle timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	o := &Opt{
		Addr:           *addr,
		MaxConnection:  *maxConnection,
		MaxSession:     *maxSession,
		LogFilter:      *logFilter,
		SessionBackend: Backend(*sessionBackend),
		SessionPath:    *sessionPath,
		RedisAddr:      *redisAddr,
		KeepAliveGrace: *keepAliveGrace,
	}
	if o.MaxSession <= 0 {
		o.MaxSession = o.MaxConnection
	}
	return o, o.Validate()
}

// Validate rejects configurations the broker cannot start with.
func (o *Opt) Validate() error {
	if o.Addr == "" {
		return errors.New("config: --addr must not be empty")
	}
	if o.MaxConnection <= 0 {
		return errors.New("config: --max-connection must be positive")
	}
	switch o.SessionBackend {
	case BackendMemory, BackendPebble, BackendRedis:
	default:
		return errors.New("config: --session-backend must be one of memory, pebble, redis")
	}
	if o.KeepAliveGrace <= 0 {
		return errors.New("config: --keepalive-grace must be positive")
	}
	return nil
}
