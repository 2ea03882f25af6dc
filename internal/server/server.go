// Package server implements the broker's accept loop and shutdown
// coordination.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kestrelmqtt/kestrel/internal/conn"
	"github.com/kestrelmqtt/kestrel/pkg/logger"
)

// ErrAccept is returned by Serve when an accept error persists past the
// backoff ceiling.
var ErrAccept = errors.New("server: accept failed past backoff ceiling")

const maxBackoff = 60 * time.Second

// Server owns the listener, the admission semaphore, and the Handler every
// accepted connection is served by.
type Server struct {
	Listener net.Listener
	Handler  *conn.Handler
	Logger   logger.Logger

	// MaxConnections bounds how many connections may be handled
	// concurrently; it backs the admission semaphore.
	MaxConnections int64

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// Serve runs the accept loop until ctx is canceled or a fatal accept error
// occurs. Before returning it waits for every in-flight handler to finish;
// handlers are told to stop only through ctx's cancellation.
func (s *Server) Serve(ctx context.Context) error {
	s.sem = semaphore.NewWeighted(s.MaxConnections)
	defer s.wg.Wait()

	backoff := time.Second
	var lastDelay time.Duration
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil // context canceled: shutdown path
		}

		nc, err := s.acceptWithContext(ctx)
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if lastDelay >= maxBackoff {
				return ErrAccept
			}
			s.Logger.Warn("accept failed, backing off", "delay", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			lastDelay = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		lastDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.Handler.Serve(ctx, nc)
		}()
	}
}

// acceptWithContext runs Listener.Accept in its own goroutine and races it
// against ctx.Done. A canceled ctx interrupts a blocked accept by closing
// the listener; a connection that was accepted meanwhile is closed.
func (s *Server) acceptWithContext(ctx context.Context) (net.Conn, error) {
	type result struct {
		nc  net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := s.Listener.Accept()
		ch <- result{nc, err}
	}()

	select {
	case r := <-ch:
		return r.nc, r.err
	case <-ctx.Done():
		_ = s.Listener.Close()
		r := <-ch
		if r.nc != nil {
			_ = r.nc.Close()
		}
		return nil, ctx.Err()
	}
}
