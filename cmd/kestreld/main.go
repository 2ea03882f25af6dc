// Command kestreld runs the broker: it parses configuration, wires the
// session backend, and serves MQTT 3.1.1 connections until terminated.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelmqtt/kestrel/config"
	"github.com/kestrelmqtt/kestrel/internal/auth"
	"github.com/kestrelmqtt/kestrel/internal/conn"
	"github.com/kestrelmqtt/kestrel/internal/pubsub"
	"github.com/kestrelmqtt/kestrel/internal/server"
	"github.com/kestrelmqtt/kestrel/internal/session"
	"github.com/kestrelmqtt/kestrel/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	opt, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "kestreld:", err)
		return 1
	}

	log := logger.New(opt.LogFilter)

	store, closeStore, err := openSessionStore(opt)
	if err != nil {
		log.Error("failed to initialize session backend", "backend", opt.SessionBackend, "error", err)
		return 1
	}
	if closeStore != nil {
		defer closeStore()
	}

	ln, err := net.Listen("tcp", opt.Addr)
	if err != nil {
		log.Error("failed to bind listener", "addr", opt.Addr, "error", err)
		return 1
	}

	shutdown := server.NewShutdown(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown signal received")
		shutdown.Trigger()
	}()

	handler := &conn.Handler{
		Registry:       pubsub.NewRegistry(),
		Sessions:       store,
		Auth:           auth.NoopAuthenticator{},
		Logger:         log,
		KeepAliveGrace: opt.KeepAliveGrace,
	}

	srv := &server.Server{
		Listener:       ln,
		Handler:        handler,
		Logger:         log,
		MaxConnections: int64(opt.MaxConnection),
	}

	log.Info("kestreld listening", "addr", opt.Addr, "max_connection", opt.MaxConnection, "session_backend", opt.SessionBackend)

	if err := srv.Serve(shutdown.Context()); err != nil {
		log.Error("accept loop failed", "error", err)
		return 1
	}
	log.Info("kestreld stopped")
	return 0
}

// openSessionStore builds the session.Store named by opt.SessionBackend. It
// returns an optional close function for backends that own a resource
// (pebble, redis).
func openSessionStore(opt *config.Opt) (session.Store, func(), error) {
	switch opt.SessionBackend {
	case config.BackendMemory:
		return session.NewMemoryStore(opt.MaxSession), nil, nil
	case config.BackendPebble:
		store, err := session.NewPebbleStore(opt.SessionPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.BackendRedis:
		store, err := session.NewRedisStore(opt.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", opt.SessionBackend)
	}
}
