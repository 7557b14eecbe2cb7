package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/collabd/internal/config"
	"github.com/adred-codev/collabd/internal/hub"
	"github.com/adred-codev/collabd/internal/limits"
	"github.com/adred-codev/collabd/internal/metrics"
	"github.com/adred-codev/collabd/internal/protocol"
	"github.com/adred-codev/collabd/internal/storage"
	"github.com/adred-codev/collabd/pkg/client"
)

type testEnv struct {
	cfg *config.Config
	srv *Server
	hub *hub.Hub
	st  *storage.Store
}

func (e *testEnv) addr() string { return e.srv.Addr().String() }

func (e *testEnv) shutdown() {
	e.srv.Stop()
	e.hub.Stop()
	e.srv.Wait()
}

// startTestServer brings up a full server on an ephemeral port. mutate
// adjusts the config before anything is built.
func startTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		Backlog:          128,
		SnapshotDir:      filepath.Join(dir, "snapshots"),
		OplogDir:         filepath.Join(dir, "oplogs"),
		SnapshotInterval: 50,
		ConnBurst:        10,
	}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := storage.New(cfg.SnapshotDir, cfg.OplogDir, zerolog.Nop())
	require.NoError(t, err)
	reg := metrics.New(prometheus.NewRegistry())
	h := hub.New(st, reg, zerolog.Nop(), hub.Options{
		SnapshotInterval: cfg.SnapshotInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	})
	h.Start()
	gate := limits.NewGate(cfg.MaxConns, cfg.ConnRate, cfg.ConnBurst)
	srv := New(cfg, zerolog.Nop(), h, reg, gate)
	require.NoError(t, srv.Start(context.Background()))

	env := &testEnv{cfg: cfg, srv: srv, hub: h, st: st}
	t.Cleanup(env.shutdown)
	return env
}

func dial(t *testing.T, env *testEnv) *client.Client {
	t.Helper()
	c, err := client.Dial(env.addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func hello(t *testing.T, c *client.Client, name string) *client.Event {
	t.Helper()
	ev, err := c.Hello(name)
	require.NoError(t, err)
	require.Equal(t, protocol.EvWelcome, ev.Ev)
	return ev
}

// awaitEvent skips events until one of the wanted types arrives.
func awaitEvent(c *client.Client, want ...string) (*client.Event, error) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := c.ReadEvent(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		for _, w := range want {
			if ev.Ev == w {
				return ev, nil
			}
		}
	}
	return nil, fmt.Errorf("timed out waiting for %v", want)
}

func readUntil(t *testing.T, c *client.Client, want ...string) *client.Event {
	t.Helper()
	ev, err := awaitEvent(c, want...)
	require.NoError(t, err)
	return ev
}

func TestHandshakeAndPing(t *testing.T) {
	env := startTestServer(t, nil)
	c := dial(t, env)

	ev := hello(t, c, "alice")
	assert.Regexp(t, `^S-[0-9a-f]{8}$`, ev.SessionID)
	require.NotNil(t, ev.ServerVersion)
	assert.Equal(t, 0, *ev.ServerVersion)
	assert.Equal(t, c.SessionID, ev.SessionID)

	require.NoError(t, c.Ping())
	pong, err := c.ReadEvent(0)
	require.NoError(t, err)
	assert.Equal(t, protocol.EvPong, pong.Ev)
}

func TestSingleEditorFlow(t *testing.T) {
	env := startTestServer(t, nil)
	c := dial(t, env)
	hello(t, c, "alice")

	require.NoError(t, c.Subscribe("doc1"))
	snap := readUntil(t, c, protocol.EvDocSnapshot)
	assert.Equal(t, "doc1", snap.DocID)
	assert.Equal(t, 0, snap.Version)
	assert.Equal(t, "", snap.Content)

	require.NoError(t, c.Insert("doc1", 0, 0, "Hello"))
	applied := readUntil(t, c, protocol.EvApplied)
	assert.Equal(t, 1, applied.Version)
	assert.Equal(t, c.SessionID, applied.By)
	require.NotNil(t, applied.Patch)
	assert.Equal(t, "INSERT", applied.Patch.Type)
	assert.Equal(t, "Hello", applied.Patch.TextValue())

	require.NoError(t, c.Insert("doc1", 1, 5, ", world"))
	applied = readUntil(t, c, protocol.EvApplied)
	assert.Equal(t, 2, applied.Version)

	require.NoError(t, c.GetSnapshot("doc1"))
	snap = readUntil(t, c, protocol.EvDocSnapshot)
	assert.Equal(t, "Hello, world", snap.Content)
	assert.Equal(t, 2, snap.Version)
}

// TestProtocolWalkthrough runs the canonical two-client session: handshake,
// first edit, mid-session subscribe, replace with broadcast, stale delete,
// range violation.
func TestProtocolWalkthrough(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env)
	welcome := hello(t, a, "alice")
	require.NotNil(t, welcome.ServerVersion)
	assert.Equal(t, 0, *welcome.ServerVersion)

	require.NoError(t, a.Subscribe("main"))
	snap := readUntil(t, a, protocol.EvDocSnapshot)
	assert.Equal(t, "main", snap.DocID)
	assert.Equal(t, 0, snap.Version)
	assert.Equal(t, "", snap.Content)

	// First edit: APPLIED only, no broadcast for a single subscriber.
	require.NoError(t, a.Insert("main", 0, 0, "hi"))
	applied := readUntil(t, a, protocol.EvApplied)
	assert.Equal(t, 1, applied.Version)
	assert.Equal(t, a.SessionID, applied.By)
	require.NotNil(t, applied.Patch)
	assert.Equal(t, "INSERT", applied.Patch.Type)
	assert.Equal(t, "hi", applied.Patch.TextValue())

	// A second subscriber sees the current state, then the next edit.
	b := dial(t, env)
	hello(t, b, "bob")
	require.NoError(t, b.Subscribe("main"))
	snap = readUntil(t, b, protocol.EvDocSnapshot)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, "hi", snap.Content)

	require.NoError(t, a.Replace("main", 1, 0, 2, "HI"))
	applied = readUntil(t, a, protocol.EvApplied)
	assert.Equal(t, 2, applied.Version)

	bcast := readUntil(t, b, protocol.EvBroadcast)
	assert.Equal(t, "main", bcast.DocID)
	assert.Equal(t, 2, bcast.Version)
	assert.Equal(t, a.SessionID, bcast.By)
	require.NotNil(t, bcast.Patch)
	assert.Equal(t, "REPLACE", bcast.Patch.Type)
	require.NotNil(t, bcast.Patch.Len)
	assert.Equal(t, 2, *bcast.Patch.Len)
	assert.Equal(t, "HI", bcast.Patch.TextValue())

	// Stale base: rejected with the server's version, no state change.
	require.NoError(t, b.Delete("main", 1, 0, 1))
	stale := readUntil(t, b, protocol.EvError)
	assert.Equal(t, protocol.CodeOutOfDate, stale.Code)
	assert.Equal(t, "main", stale.DocID)
	require.NotNil(t, stale.ServerVersion)
	assert.Equal(t, 2, *stale.ServerVersion)

	// Range violation: bare error, version still 2.
	require.NoError(t, a.Delete("main", 2, 0, 99))
	rangeErr := readUntil(t, a, protocol.EvError)
	assert.Equal(t, protocol.CodeInvalidRange, rangeErr.Code)
	assert.Equal(t, "", rangeErr.DocID)
	assert.Nil(t, rangeErr.ServerVersion)

	require.NoError(t, a.GetSnapshot("main"))
	snap = readUntil(t, a, protocol.EvDocSnapshot)
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, "HI", snap.Content)
}

func TestBroadcastBetweenClients(t *testing.T) {
	env := startTestServer(t, nil)
	author := dial(t, env)
	peer := dial(t, env)
	hello(t, author, "author")
	hello(t, peer, "peer")
	require.NoError(t, author.Subscribe("doc"))
	readUntil(t, author, protocol.EvDocSnapshot)
	require.NoError(t, peer.Subscribe("doc"))
	readUntil(t, peer, protocol.EvDocSnapshot)

	require.NoError(t, author.Insert("doc", 0, 0, "hi"))

	applied := readUntil(t, author, protocol.EvApplied)
	assert.Equal(t, 1, applied.Version)

	bcast := readUntil(t, peer, protocol.EvBroadcast)
	assert.Equal(t, "doc", bcast.DocID)
	assert.Equal(t, 1, bcast.Version)
	assert.Equal(t, author.SessionID, bcast.By)
	require.NotNil(t, bcast.Patch)
	assert.Equal(t, "hi", bcast.Patch.TextValue())

	// No broadcast echo for the author: the next event after a ping must be
	// the pong itself.
	require.NoError(t, author.Ping())
	next, err := author.ReadEvent(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.EvPong, next.Ev)
}

func TestStaleBaseThenResync(t *testing.T) {
	env := startTestServer(t, nil)
	editor := dial(t, env)
	straggler := dial(t, env)
	hello(t, editor, "editor")
	hello(t, straggler, "straggler")
	require.NoError(t, editor.Subscribe("doc"))
	readUntil(t, editor, protocol.EvDocSnapshot)

	require.NoError(t, editor.Insert("doc", 0, 0, "Hello"))
	readUntil(t, editor, protocol.EvApplied)

	require.NoError(t, straggler.Insert("doc", 0, 0, "world"))
	stale := readUntil(t, straggler, protocol.EvError)
	assert.Equal(t, protocol.CodeOutOfDate, stale.Code)
	assert.Equal(t, "doc", stale.DocID)
	require.NotNil(t, stale.ServerVersion)
	assert.Equal(t, 1, *stale.ServerVersion)

	require.NoError(t, straggler.GetSnapshot("doc"))
	snap := readUntil(t, straggler, protocol.EvDocSnapshot)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, "Hello", snap.Content)

	require.NoError(t, straggler.Insert("doc", snap.Version, 5, "!"))
	applied := readUntil(t, straggler, protocol.EvApplied)
	assert.Equal(t, 2, applied.Version)

	bcast := readUntil(t, editor, protocol.EvBroadcast)
	assert.Equal(t, 2, bcast.Version)
	assert.Equal(t, straggler.SessionID, bcast.By)
}

func TestSubscribeGatedUntilHello(t *testing.T) {
	env := startTestServer(t, nil)
	c := dial(t, env)

	require.NoError(t, c.Subscribe("doc"))
	ev, err := c.ReadEvent(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.EvError, ev.Ev)
	assert.Equal(t, protocol.CodeNotReady, ev.Code)
	assert.Equal(t, "send HELLO first", ev.Hint)

	hello(t, c, "late")
	require.NoError(t, c.Subscribe("doc"))
	snap := readUntil(t, c, protocol.EvDocSnapshot)
	assert.Equal(t, "doc", snap.DocID)
}

func TestBadJSONClosesConnection(t *testing.T) {
	env := startTestServer(t, nil)

	t.Run("malformed line", func(t *testing.T) {
		c := dial(t, env)
		require.NoError(t, c.SendRaw([]byte("{not json}\n")))

		ev, err := c.ReadEvent(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, protocol.EvError, ev.Ev)
		assert.Equal(t, protocol.CodeBadJSON, ev.Code)

		_, err = c.ReadEvent(5 * time.Second)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("non-object line", func(t *testing.T) {
		c := dial(t, env)
		require.NoError(t, c.SendRaw([]byte("[1,2,3]\n")))

		ev, err := c.ReadEvent(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, protocol.CodeBadJSON, ev.Code)
		assert.Contains(t, ev.Hint, "must be an object")

		_, err = c.ReadEvent(5 * time.Second)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestOversizeMessageClosesConnection(t *testing.T) {
	env := startTestServer(t, nil)
	c := dial(t, env)

	blob := make([]byte, protocol.MaxMessageBytes+1)
	for i := range blob {
		blob[i] = 'a'
	}
	require.NoError(t, c.SendRaw(blob))

	ev, err := c.ReadEvent(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.EvError, ev.Ev)
	assert.Equal(t, protocol.CodeBadJSON, ev.Code)
	assert.Contains(t, ev.Hint, "too large")

	_, err = c.ReadEvent(5 * time.Second)
	assert.Error(t, err)
}

func TestSplitAndBatchedMessages(t *testing.T) {
	env := startTestServer(t, nil)
	c := dial(t, env)

	require.NoError(t, c.SendRaw([]byte(`{"op":"PI`)))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.SendRaw([]byte("NG\"}\n")))
	ev, err := c.ReadEvent(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.EvPong, ev.Ev)

	require.NoError(t, c.SendRaw([]byte("{\"op\":\"PING\"}\n{\"op\":\"PING\"}\n")))
	for i := 0; i < 2; i++ {
		ev, err := c.ReadEvent(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, protocol.EvPong, ev.Ev)
	}
}

func TestRecoveryAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	oplogDir := filepath.Join(dir, "oplogs")
	place := func(c *config.Config) {
		c.SnapshotDir = snapDir
		c.OplogDir = oplogDir
		c.SnapshotInterval = 2
	}

	env1 := startTestServer(t, place)
	c := dial(t, env1)
	hello(t, c, "alice")
	for i, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Insert("doc", i, i, text))
		readUntil(t, c, protocol.EvApplied)
	}
	c.Close()
	env1.shutdown()

	// Four edits at interval 2: snapshot current at v4, four oplog records.
	data, err := os.ReadFile(env1.st.SnapshotPath("doc"))
	require.NoError(t, err)
	var snap struct {
		Version int    `json:"version"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 4, snap.Version)
	assert.Equal(t, "abcd", snap.Content)

	oplog, err := os.ReadFile(env1.st.OplogPath("doc"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimRight(string(oplog), "\n"), "\n"), 4)

	env2 := startTestServer(t, place)
	c2 := dial(t, env2)
	hello(t, c2, "bob")
	require.NoError(t, c2.GetSnapshot("doc"))
	got := readUntil(t, c2, protocol.EvDocSnapshot)
	assert.Equal(t, 4, got.Version)
	assert.Equal(t, "abcd", got.Content)

	// Editing picks up where the old process stopped.
	require.NoError(t, c2.Insert("doc", 4, 4, "e"))
	applied := readUntil(t, c2, protocol.EvApplied)
	assert.Equal(t, 5, applied.Version)
}

func TestCapacityRejection(t *testing.T) {
	env := startTestServer(t, func(c *config.Config) { c.MaxConns = 1 })

	first := dial(t, env)
	hello(t, first, "first")

	second := dial(t, env)
	ev, err := second.ReadEvent(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.EvError, ev.Ev)
	assert.Equal(t, protocol.CodeServerError, ev.Code)
	assert.Equal(t, "server at capacity", ev.Hint)
	_, err = second.ReadEvent(5 * time.Second)
	assert.Error(t, err)

	// Closing the admitted connection frees the slot.
	first.Close()
	require.Eventually(t, func() bool {
		c, err := client.Dial(env.addr())
		if err != nil {
			return false
		}
		defer c.Close()
		ev, err := c.Hello("third")
		return err == nil && ev.Ev == protocol.EvWelcome
	}, 5*time.Second, 50*time.Millisecond)
}

func TestShutdownDisconnectsClients(t *testing.T) {
	env := startTestServer(t, nil)
	c := dial(t, env)
	hello(t, c, "alice")

	env.shutdown()

	_, err := c.ReadEvent(2 * time.Second)
	assert.Error(t, err)
}

func TestConcurrentEditorsConverge(t *testing.T) {
	env := startTestServer(t, nil)
	const editsPerClient = 5

	editOnce := func(c *client.Client) error {
		for attempt := 0; attempt < 50; attempt++ {
			if err := c.GetSnapshot("doc"); err != nil {
				return err
			}
			snap, err := awaitEvent(c, protocol.EvDocSnapshot)
			if err != nil {
				return err
			}
			if err := c.Insert("doc", snap.Version, 0, "x"); err != nil {
				return err
			}
			ev, err := awaitEvent(c, protocol.EvApplied, protocol.EvError)
			if err != nil {
				return err
			}
			if ev.Ev == protocol.EvApplied {
				return nil
			}
			if ev.Code != protocol.CodeOutOfDate {
				return fmt.Errorf("unexpected rejection %s", ev.Code)
			}
		}
		return fmt.Errorf("edit never applied")
	}

	worker := func(i int) error {
		c, err := client.Dial(env.addr())
		if err != nil {
			return err
		}
		defer c.Close()
		if _, err := c.Hello(fmt.Sprintf("editor-%d", i)); err != nil {
			return err
		}
		for n := 0; n < editsPerClient; n++ {
			if err := editOnce(c); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) { errs <- worker(i) }(i)
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("editors did not finish")
		}
	}

	c := dial(t, env)
	hello(t, c, "reader")
	require.NoError(t, c.GetSnapshot("doc"))
	snap := readUntil(t, c, protocol.EvDocSnapshot)
	assert.Equal(t, 2*editsPerClient, snap.Version)
	assert.Equal(t, strings.Repeat("x", 2*editsPerClient), snap.Content)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func wsReadEvent(t *testing.T, rw io.ReadWriter) map[string]any {
	t.Helper()
	data, op, err := wsutil.ReadServerData(rw)
	require.NoError(t, err)
	require.Equal(t, ws.OpText, op)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestWebSocketGateway(t *testing.T) {
	port := freePort(t)
	env := startTestServer(t, func(c *config.Config) { c.WSPort = port })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port))
	require.NoError(t, err)
	defer conn.Close()

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	rw := struct {
		io.Reader
		io.Writer
	}{r, conn}

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(`{"op":"HELLO","name":"ws"}`)))
	welcome := wsReadEvent(t, rw)
	assert.Equal(t, "WELCOME", welcome["ev"])

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(`{"op":"SUBSCRIBE","docId":"shared"}`)))
	snap := wsReadEvent(t, rw)
	assert.Equal(t, "DOC_SNAPSHOT", snap["ev"])
	assert.Equal(t, float64(0), snap["version"])

	// A TCP edit reaches the WebSocket subscriber.
	tc := dial(t, env)
	hello(t, tc, "tcp")
	require.NoError(t, tc.Subscribe("shared"))
	readUntil(t, tc, protocol.EvDocSnapshot)
	require.NoError(t, tc.Insert("shared", 0, 0, "a"))
	readUntil(t, tc, protocol.EvApplied)

	bcast := wsReadEvent(t, rw)
	assert.Equal(t, "BROADCAST", bcast["ev"])
	assert.Equal(t, float64(1), bcast["version"])

	// And a WebSocket edit reaches the TCP subscriber.
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(`{"op":"INSERT","docId":"shared","base":1,"pos":1,"text":"b"}`)))
	applied := wsReadEvent(t, rw)
	assert.Equal(t, "APPLIED", applied["ev"])
	assert.Equal(t, float64(2), applied["version"])

	ev := readUntil(t, tc, protocol.EvBroadcast)
	assert.Equal(t, 2, ev.Version)
	require.NotNil(t, ev.Patch)
	assert.Equal(t, "b", ev.Patch.TextValue())
}
