// Package transport accepts client connections and drives the protocol
// loop: raw TCP with newline-delimited JSON, plus an optional WebSocket
// gateway speaking the same messages in text frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/collabd/internal/config"
	"github.com/adred-codev/collabd/internal/hub"
	"github.com/adred-codev/collabd/internal/limits"
	"github.com/adred-codev/collabd/internal/metrics"
	"github.com/adred-codev/collabd/internal/protocol"
)

const readBufferSize = 4096

// Server owns the listeners and one goroutine per connection.
type Server struct {
	cfg  *config.Config
	log  zerolog.Logger
	hub  *hub.Hub
	m    *metrics.Registry
	gate *limits.Gate

	listener   net.Listener
	wsListener net.Listener
	wg         sync.WaitGroup
}

func New(cfg *config.Config, logger zerolog.Logger, h *hub.Hub, reg *metrics.Registry, gate *limits.Gate) *Server {
	return &Server{cfg: cfg, log: logger, hub: h, m: reg, gate: gate}
}

// Start binds the listeners and launches the accept loops. A bind failure
// is returned so the caller can exit non-zero.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Int("backlog", s.cfg.Backlog).Msg("tcp listener started")
	s.wg.Add(1)
	go s.acceptLoop(ctx, ln, s.handleTCP)

	if wsAddr := s.cfg.WSAddr(); wsAddr != "" {
		wln, err := net.Listen("tcp", wsAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen on %s: %w", wsAddr, err)
		}
		s.wsListener = wln
		s.log.Info().Str("addr", wln.Addr().String()).Msg("websocket gateway started")
		s.wg.Add(1)
		go s.acceptLoop(ctx, wln, s.handleWS)
	}
	return nil
}

// Addr is the bound TCP address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WSAddr is the bound WebSocket address, nil when the gateway is off.
func (s *Server) WSAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// Stop closes the listeners so no new connections arrive. Existing
// connections keep running until the hub closes their sessions; Wait
// blocks until their goroutines exit.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.wsListener != nil {
		s.wsListener.Close()
	}
}

func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.log.Error().Err(err).Msg("accept failed")
			return
		}
		if !s.admit(conn) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.gate.Release()
			defer s.m.ConnectionsActive.Dec()
			handle(conn)
		}()
	}
}

// admit applies the connection gate. Capacity rejections get a final ERROR
// so a well-behaved client can back off; rate-limited peers are just cut.
func (s *Server) admit(conn net.Conn) bool {
	remote := conn.RemoteAddr().String()
	ok, reason := s.gate.Admit(remote)
	if ok {
		s.m.ConnectionsTotal.Inc()
		s.m.ConnectionsActive.Inc()
		return true
	}
	s.m.ConnectionsRejected.WithLabelValues(reason).Inc()
	s.log.Warn().Str("remote", remote).Str("reason", reason).Msg("connection refused")
	if reason == limits.ReasonCapacity {
		if line, err := protocol.EncodeLine(protocol.NewErrorHint(protocol.CodeServerError, "server at capacity")); err == nil {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.Write(line)
		}
	}
	conn.Close()
	return false
}

func (s *Server) handleTCP(conn net.Conn) {
	sess := s.hub.Register(&tcpWire{conn: conn}, conn.RemoteAddr().String())
	defer s.hub.Unregister(sess)

	framer := protocol.NewFramer(protocol.MaxMessageBytes)
	buf := make([]byte, readBufferSize)
	for sess.Alive() {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, ferr := framer.Feed(buf[:n])
			if s.dispatch(sess, msgs, ferr) {
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Str("session_id", sess.ID).Msg("read ended")
			}
			return
		}
	}
}

// dispatch routes decoded messages and reports whether the connection must
// close: a framing violation or an internal failure is fatal.
func (s *Server) dispatch(sess *hub.Session, msgs []map[string]any, ferr error) bool {
	for _, msg := range msgs {
		if err := s.routeSafely(sess, msg); err != nil {
			s.log.Error().Err(err).Str("session_id", sess.ID).Msg("route failed")
			_ = sess.Send(protocol.NewErrorHint(protocol.CodeServerError, err.Error()))
			return true
		}
	}
	if ferr != nil {
		s.log.Warn().Err(ferr).Str("session_id", sess.ID).Msg("protocol violation")
		_ = sess.Send(protocol.NewErrorHint(protocol.CodeBadJSON, ferr.Error()))
		return true
	}
	return false
}

// routeSafely converts a panic in the routing path into an error so one
// connection cannot take the process down.
func (s *Server) routeSafely(sess *hub.Session, msg map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route panic: %v", r)
		}
	}()
	return s.hub.Route(sess, msg)
}

type tcpWire struct {
	conn net.Conn
}

func (w *tcpWire) WriteLine(line []byte) error {
	_, err := w.conn.Write(line)
	return err
}

func (w *tcpWire) Close() error {
	return w.conn.Close()
}
