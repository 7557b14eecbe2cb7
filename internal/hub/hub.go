// Package hub routes client operations onto sessions and documents: the
// HELLO handshake, subscriptions, optimistic-concurrency edits with
// persistence, fan-out to subscribers and heartbeat-based eviction.
package hub

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/collabd/internal/doc"
	"github.com/adred-codev/collabd/internal/metrics"
	"github.com/adred-codev/collabd/internal/protocol"
	"github.com/adred-codev/collabd/internal/storage"
)

// EventSink receives every committed edit, e.g. the NATS tap. Calls happen
// after the commit and outside document locks; implementations must not
// block.
type EventSink interface {
	EditApplied(e storage.Entry)
}

// Options tune hub behavior. Zero values fall back to production defaults;
// tests shorten WatchdogInterval to exercise eviction quickly.
type Options struct {
	SnapshotInterval int
	HeartbeatTimeout time.Duration
	WatchdogInterval time.Duration
	Sink             EventSink
}

// Hub owns the sessions table and the loaded-documents table. Lock order is
// sessionsMu before per-session state, docsMu before per-document state;
// no send happens while either map lock is held.
type Hub struct {
	store *storage.Store
	m     *metrics.Registry
	log   zerolog.Logger

	snapshotInterval int
	heartbeatTimeout time.Duration
	watchdogInterval time.Duration
	sink             EventSink

	sessionsMu sync.Mutex
	sessions   map[string]*Session

	docsMu sync.Mutex
	docs   map[string]*document

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store *storage.Store, reg *metrics.Registry, logger zerolog.Logger, opts Options) *Hub {
	if opts.SnapshotInterval < 1 {
		opts.SnapshotInterval = 1
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 10 * time.Second
	}
	return &Hub{
		store:            store,
		m:                reg,
		log:              logger,
		snapshotInterval: opts.SnapshotInterval,
		heartbeatTimeout: opts.HeartbeatTimeout,
		watchdogInterval: opts.WatchdogInterval,
		sink:             opts.Sink,
		sessions:         make(map[string]*Session),
		docs:             make(map[string]*document),
		stop:             make(chan struct{}),
	}
}

// Start launches the heartbeat watchdog.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.watchdog()
}

// Stop halts the watchdog and unregisters every session. Documents are not
// snapshotted here: snapshot files appear only at interval multiples.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()

	h.sessionsMu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.sessionsMu.Unlock()
	for _, s := range all {
		h.Unregister(s)
	}
	h.log.Info().Msg("hub stopped")
}

// Register admits a new connection and returns its session.
func (h *Hub) Register(w Wire, remoteAddr string) *Session {
	id := newSessionID()
	s := newSession(id, w, remoteAddr)
	h.sessionsMu.Lock()
	h.sessions[id] = s
	h.sessionsMu.Unlock()
	h.m.SessionsActive.Inc()
	h.log.Info().Str("session_id", id).Str("remote", remoteAddr).Msg("session connected")
	return s
}

// Unregister removes the session from the table, scrubs it from every
// document it subscribed to and closes the wire. Idempotent; stragglers in
// subscriber sets are also cleaned lazily during broadcast.
func (h *Hub) Unregister(s *Session) {
	h.sessionsMu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.sessionsMu.Unlock()

	for _, docID := range s.subscriptions() {
		d := h.loadedDoc(docID)
		if d == nil {
			continue
		}
		d.mu.Lock()
		delete(d.subs, s.ID)
		d.mu.Unlock()
	}
	s.Close()

	if present {
		h.m.SessionsActive.Dec()
		h.log.Info().Str("session_id", s.ID).Msg("session closed")
	}
}

// Route dispatches one decoded client message. A non-nil return means an
// internal failure (persistence); the transport reports SERVER_ERROR and
// closes the connection.
func (h *Hub) Route(s *Session, msg map[string]any) error {
	s.touch()
	h.m.MessagesReceived.Inc()

	raw, _ := msg["op"].(string)
	op := strings.ToUpper(raw)
	if op == "" {
		h.safeSend(s, protocol.NewErrorHint(protocol.CodeInvalidOp, "missing op"))
		return nil
	}

	switch op {
	case protocol.OpHello:
		h.handleHello(s, msg)
	case protocol.OpSubscribe:
		h.handleSubscribe(s, msg)
	case protocol.OpGetSnapshot:
		h.handleGetSnapshot(s, msg)
	case protocol.OpInsert, protocol.OpDelete, protocol.OpReplace:
		return h.handleEdit(s, msg)
	case protocol.OpPing:
		h.safeSend(s, protocol.NewPong())
	default:
		h.safeSend(s, protocol.NewErrorHint(protocol.CodeUnknownOp, op))
	}
	return nil
}

func (h *Hub) handleHello(s *Session, msg map[string]any) {
	name, _ := msg["name"].(string)
	if name == "" {
		name = "anon"
	}
	s.setName(name)
	s.markReady()
	h.log.Debug().Str("session_id", s.ID).Str("name", name).Msg("hello received")
	h.safeSend(s, protocol.NewWelcome(s.ID, h.maxVersion()))
}

func (h *Hub) handleSubscribe(s *Session, msg map[string]any) {
	if !s.Ready() {
		h.safeSend(s, protocol.NewErrorHint(protocol.CodeNotReady, "send HELLO first"))
		return
	}
	docID, err := docIDArg(msg)
	if err != nil {
		h.safeSend(s, protocol.NewErrorHint(protocol.CodeInvalidDoc, err.Error()))
		return
	}

	// Snapshot and membership change in one critical section: the payload
	// reflects a version v such that every later commit reaches this
	// subscriber as a broadcast.
	d := h.getDoc(docID)
	d.mu.Lock()
	snap := d.snapshotLocked()
	d.subs[s.ID] = struct{}{}
	d.mu.Unlock()
	s.addSubscription(docID)

	h.log.Debug().Str("session_id", s.ID).Str("doc_id", docID).Int("version", snap.Version).Msg("subscribed")
	h.safeSend(s, snap)
}

func (h *Hub) handleGetSnapshot(s *Session, msg map[string]any) {
	docID, err := docIDArg(msg)
	if err != nil {
		h.safeSend(s, protocol.NewErrorHint(protocol.CodeInvalidDoc, err.Error()))
		return
	}
	d := h.getDoc(docID)
	d.mu.Lock()
	snap := d.snapshotLocked()
	d.mu.Unlock()
	h.safeSend(s, snap)
}

func (h *Hub) handleEdit(s *Session, msg map[string]any) error {
	if !s.Ready() {
		h.safeSend(s, protocol.NewErrorHint(protocol.CodeNotReady, "send HELLO first"))
		return nil
	}
	docID, err := docIDArg(msg)
	if err != nil {
		h.safeSend(s, protocol.NewErrorHint(protocol.CodeInvalidDoc, err.Error()))
		return nil
	}
	base := -1
	if b, ok := protocol.AsInt(msg["base"]); ok {
		base = b
	}

	d := h.getDoc(docID)
	start := time.Now()
	d.mu.Lock()
	if base != d.version {
		stale := protocol.NewOutOfDate(d.id, d.version)
		d.mu.Unlock()
		h.m.EditsRejected.WithLabelValues(protocol.CodeOutOfDate).Inc()
		h.safeSend(s, stale)
		return nil
	}

	updated, patch, aerr := doc.Apply(d.content, msg)
	if aerr != nil {
		d.mu.Unlock()
		code := doc.Code(aerr)
		h.m.EditsRejected.WithLabelValues(code).Inc()
		h.log.Debug().Err(aerr).Str("session_id", s.ID).Str("doc_id", docID).Msg("edit rejected")
		h.safeSend(s, protocol.NewError(code))
		return nil
	}

	d.content = updated
	d.version++
	version := d.version
	entry := storage.Entry{
		DocID:   d.id,
		Version: version,
		Patch:   patch,
		By:      s.ID,
		TS:      float64(time.Now().UnixNano()) / 1e9,
	}
	if err := h.store.AppendOplog(entry); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("oplog append for %s v%d: %w", d.id, version, err)
	}
	h.m.OplogAppends.Inc()
	if version%h.snapshotInterval == 0 {
		// Snapshot failures are not fatal: memory stays authoritative and a
		// later snapshot supersedes.
		if err := h.store.WriteSnapshot(d.id, version, updated); err != nil {
			h.log.Warn().Err(err).Str("doc_id", d.id).Int("version", version).Msg("snapshot write failed")
		} else {
			h.m.SnapshotsWritten.Inc()
		}
	}
	d.mu.Unlock()
	h.m.EditSeconds.Observe(time.Since(start).Seconds())

	h.m.EditsApplied.Inc()
	applied := protocol.NewApplied(d.id, version, patch, s.ID)
	h.safeSend(s, applied)
	h.broadcast(d, applied.AsBroadcast(), s.ID)
	if h.sink != nil {
		h.sink.EditApplied(entry)
	}
	return nil
}

// broadcast fans an event out to every subscriber except exclude. The
// subscriber set is copied under the document lock so sends happen without
// it; subscribers whose session vanished are dropped from the set here.
func (h *Hub) broadcast(d *document, ev protocol.EditEvent, exclude string) {
	d.mu.Lock()
	targets := make([]string, 0, len(d.subs))
	for sid := range d.subs {
		targets = append(targets, sid)
	}
	d.mu.Unlock()

	for _, sid := range targets {
		if sid == exclude {
			continue
		}
		peer := h.session(sid)
		if peer == nil {
			d.mu.Lock()
			delete(d.subs, sid)
			d.mu.Unlock()
			continue
		}
		if h.safeSend(peer, ev) {
			h.m.BroadcastsSent.Inc()
		}
	}
}

// safeSend delivers v to s, unregistering the session on write failure.
// Reports whether the send happened.
func (h *Hub) safeSend(s *Session, v any) bool {
	if !s.Alive() {
		return false
	}
	if err := s.Send(v); err != nil {
		if !errors.Is(err, errSessionClosed) {
			h.log.Warn().Err(err).Str("session_id", s.ID).Msg("send failed")
		}
		h.Unregister(s)
		return false
	}
	h.m.MessagesSent.Inc()
	return true
}

func (h *Hub) session(sid string) *Session {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	return h.sessions[sid]
}

func (h *Hub) loadedDoc(docID string) *document {
	h.docsMu.Lock()
	defer h.docsMu.Unlock()
	return h.docs[docID]
}

// getDoc returns the loaded document, reading it from storage on first
// access. Loading happens under docsMu so a document is loaded once.
func (h *Hub) getDoc(docID string) *document {
	if d := h.loadedDoc(docID); d != nil {
		return d
	}
	h.docsMu.Lock()
	defer h.docsMu.Unlock()
	if d, ok := h.docs[docID]; ok {
		return d
	}
	content, version := h.store.Load(docID)
	d := &document{id: docID, content: content, version: version, subs: make(map[string]struct{})}
	h.docs[docID] = d
	h.m.DocsLoaded.Inc()
	h.log.Info().Str("doc_id", docID).Int("version", version).Msg("document loaded")
	return d
}

// maxVersion is the highest version among loaded documents, reported in
// WELCOME.
func (h *Hub) maxVersion() int {
	h.docsMu.Lock()
	defer h.docsMu.Unlock()
	highest := 0
	for _, d := range h.docs {
		d.mu.Lock()
		if d.version > highest {
			highest = d.version
		}
		d.mu.Unlock()
	}
	return highest
}

// SessionCount reports registered sessions, for health and monitoring.
func (h *Hub) SessionCount() int {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	return len(h.sessions)
}

// DocCount reports loaded documents.
func (h *Hub) DocCount() int {
	h.docsMu.Lock()
	defer h.docsMu.Unlock()
	return len(h.docs)
}

func (h *Hub) watchdog() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.evictStale()
		}
	}
}

// evictStale drops sessions that died mid-send and, when a heartbeat
// timeout is configured, sessions idle past it. Unregistration happens
// outside sessionsMu.
func (h *Hub) evictStale() {
	now := time.Now()
	var stale []*Session
	h.sessionsMu.Lock()
	for _, s := range h.sessions {
		if !s.Alive() {
			stale = append(stale, s)
		} else if h.heartbeatTimeout > 0 && now.Sub(s.lastSeenAt()) > h.heartbeatTimeout {
			stale = append(stale, s)
		}
	}
	h.sessionsMu.Unlock()

	for _, s := range stale {
		h.log.Info().Str("session_id", s.ID).Msg("session timeout")
		h.Unregister(s)
		h.m.SessionsEvicted.Inc()
	}
}

func newSessionID() string {
	u := uuid.New()
	return fmt.Sprintf("S-%x", u[:4])
}

// docIDArg extracts and validates docId. IDs become file names, so path
// separators, dot-dot and NUL are rejected outright.
func docIDArg(msg map[string]any) (string, error) {
	raw, _ := msg["docId"].(string)
	docID := strings.TrimSpace(raw)
	if docID == "" {
		return "", errors.New("docId required")
	}
	if len(docID) > 128 || strings.Contains(docID, "..") || strings.ContainsAny(docID, "/\\\x00") {
		return "", errors.New("invalid docId")
	}
	return docID, nil
}
