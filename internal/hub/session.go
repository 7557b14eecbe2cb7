package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/collabd/internal/protocol"
)

// Wire is the transport beneath a session. One WriteLine delivers one
// complete protocol line; implementations exist for raw TCP and for the
// WebSocket gateway.
type Wire interface {
	WriteLine(line []byte) error
	Close() error
}

var errSessionClosed = errors.New("session closed")

// Session is one connected client. The reader goroutine owns Route calls;
// sends may come from any goroutine and are serialized by writeMu so
// concurrent events never interleave on the wire.
type Session struct {
	ID         string
	RemoteAddr string

	wire    Wire
	writeMu sync.Mutex

	alive     atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	name     string
	ready    bool
	lastSeen time.Time
	subs     map[string]struct{}
}

func newSession(id string, w Wire, remoteAddr string) *Session {
	s := &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		wire:       w,
		name:       "anon",
		lastSeen:   time.Now(),
		subs:       make(map[string]struct{}),
	}
	s.alive.Store(true)
	return s
}

// touch records inbound activity for the heartbeat watchdog.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) markReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

// Ready reports whether HELLO has been received.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) Alive() bool { return s.alive.Load() }

func (s *Session) addSubscription(docID string) {
	s.mu.Lock()
	s.subs[docID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for docID := range s.subs {
		out = append(out, docID)
	}
	return out
}

// Send encodes v and writes it as one line. A write failure marks the
// session dead; the caller is expected to unregister it.
func (s *Session) Send(v any) error {
	if !s.Alive() {
		return errSessionClosed
	}
	line, err := protocol.EncodeLine(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.wire.WriteLine(line); err != nil {
		s.alive.Store(false)
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// Close marks the session dead and closes the wire. Safe to call more than
// once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		_ = s.wire.Close()
	})
}
