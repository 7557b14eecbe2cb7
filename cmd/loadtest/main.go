// loadtest drives a collabd server with concurrent editors: each connection
// subscribes to a document, sends random edits against its tracked version
// and follows broadcasts, resyncing with a snapshot whenever it loses a
// race. Counters report throughput and conflict rates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/collabd/internal/doc"
	"github.com/adred-codev/collabd/internal/protocol"
	"github.com/adred-codev/collabd/pkg/client"
)

type Config struct {
	Addr              string
	Connections       int
	Docs              int
	DurationSec       int
	EditIntervalMs    int
	ReportIntervalSec int
	RampRate          int // connections started per second
}

type State struct {
	connected    int64
	connectFails int64
	editsSent    int64
	editsApplied int64
	staleRejects int64
	protocolErrs int64
	broadcasts   int64
	resyncs      int64
}

func main() {
	cfg := parseFlags()
	log.Printf("load test: addr=%s conns=%d docs=%d duration=%ds interval=%dms",
		cfg.Addr, cfg.Connections, cfg.Docs, cfg.DurationSec, cfg.EditIntervalMs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DurationSec)*time.Second)
	defer cancel()

	st := &State{}
	var wg sync.WaitGroup
	for i := 0; i < cfg.Connections; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(ctx, id, cfg, st)
		}(i)
		if cfg.RampRate > 0 {
			time.Sleep(time.Second / time.Duration(cfg.RampRate))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(time.Duration(cfg.ReportIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report(st)
		case <-done:
			report(st)
			log.Printf("load test finished")
			return
		}
	}
}

func report(st *State) {
	log.Printf("connected=%d fails=%d sent=%d applied=%d stale=%d errs=%d broadcasts=%d resyncs=%d",
		atomic.LoadInt64(&st.connected),
		atomic.LoadInt64(&st.connectFails),
		atomic.LoadInt64(&st.editsSent),
		atomic.LoadInt64(&st.editsApplied),
		atomic.LoadInt64(&st.staleRejects),
		atomic.LoadInt64(&st.protocolErrs),
		atomic.LoadInt64(&st.broadcasts),
		atomic.LoadInt64(&st.resyncs))
}

func worker(ctx context.Context, id int, cfg Config, st *State) {
	c, err := client.Dial(cfg.Addr)
	if err != nil {
		atomic.AddInt64(&st.connectFails, 1)
		return
	}
	defer c.Close()

	if _, err := c.Hello(fmt.Sprintf("load-%d", id)); err != nil {
		atomic.AddInt64(&st.connectFails, 1)
		return
	}
	docID := fmt.Sprintf("load-doc-%d", id%cfg.Docs)
	if err := c.Subscribe(docID); err != nil {
		atomic.AddInt64(&st.connectFails, 1)
		return
	}
	ev, err := c.ReadEvent(5 * time.Second)
	if err != nil || ev.Ev != protocol.EvDocSnapshot {
		atomic.AddInt64(&st.connectFails, 1)
		return
	}
	content, version := ev.Content, ev.Version

	atomic.AddInt64(&st.connected, 1)
	defer atomic.AddInt64(&st.connected, -1)

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	interval := time.Duration(cfg.EditIntervalMs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + time.Duration(rng.Intn(50))*time.Millisecond):
		}

		op := randomEdit(rng, content)
		if err := c.Edit(docID, version, op); err != nil {
			atomic.AddInt64(&st.protocolErrs, 1)
			return
		}
		atomic.AddInt64(&st.editsSent, 1)

		var ok bool
		content, version, ok = awaitOutcome(c, docID, content, version, st)
		if !ok {
			return
		}
	}
}

// awaitOutcome reads events until this worker's edit resolves: APPLIED
// commits it, a non-stale ERROR rejects it, and OUT_OF_DATE triggers a
// snapshot resync that counts as resolution once the snapshot lands.
// Broadcasts from other workers are folded into the tracked content.
func awaitOutcome(c *client.Client, docID, content string, version int, st *State) (string, int, bool) {
	for {
		ev, err := c.ReadEvent(5 * time.Second)
		if err != nil {
			atomic.AddInt64(&st.protocolErrs, 1)
			return content, version, false
		}
		switch ev.Ev {
		case protocol.EvApplied:
			atomic.AddInt64(&st.editsApplied, 1)
			if ev.Patch != nil {
				if updated, aerr := doc.ApplyPatch(content, *ev.Patch); aerr == nil {
					return updated, ev.Version, true
				}
			}
			atomic.AddInt64(&st.protocolErrs, 1)
			return content, version, false

		case protocol.EvBroadcast:
			atomic.AddInt64(&st.broadcasts, 1)
			if ev.Patch != nil && ev.Version == version+1 {
				if updated, aerr := doc.ApplyPatch(content, *ev.Patch); aerr == nil {
					content, version = updated, ev.Version
				}
			}

		case protocol.EvDocSnapshot:
			atomic.AddInt64(&st.resyncs, 1)
			return ev.Content, ev.Version, true

		case protocol.EvError:
			if ev.Code == protocol.CodeOutOfDate {
				atomic.AddInt64(&st.staleRejects, 1)
				if err := c.GetSnapshot(docID); err != nil {
					return content, version, false
				}
				continue
			}
			atomic.AddInt64(&st.protocolErrs, 1)
			return content, version, true
		}
	}
}

const editAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789 가나다λμ"

func randText(rng *rand.Rand, n int) string {
	runes := []rune(editAlphabet)
	out := make([]rune, n)
	for i := range out {
		out[i] = runes[rng.Intn(len(runes))]
	}
	return string(out)
}

// randomEdit builds a valid edit against content, biased toward deletes
// once the document grows so it stays bounded.
func randomEdit(rng *rand.Rand, content string) client.EditOp {
	runes := []rune(content)
	length := len(runes)
	if length == 0 {
		return client.EditOp{Type: protocol.OpInsert, Pos: 0, Text: randText(rng, 1+rng.Intn(8))}
	}

	roll := rng.Intn(10)
	if length > 4000 {
		roll = 9
	}
	switch {
	case roll < 5:
		return client.EditOp{Type: protocol.OpInsert, Pos: rng.Intn(length + 1), Text: randText(rng, 1+rng.Intn(8))}
	case roll < 8:
		pos := rng.Intn(length)
		span := 1 + rng.Intn(minInt(8, length-pos))
		return client.EditOp{Type: protocol.OpReplace, Pos: pos, Len: span, Text: randText(rng, 1+rng.Intn(8))}
	default:
		pos := rng.Intn(length)
		span := 1 + rng.Intn(minInt(8, length-pos))
		return client.EditOp{Type: protocol.OpDelete, Pos: pos, Len: span}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.Addr, "addr", getEnv("COLLAB_ADDR", "127.0.0.1:5055"), "server address")
	flag.IntVar(&cfg.Connections, "conns", getEnvInt("LOAD_CONNECTIONS", 50), "concurrent connections")
	flag.IntVar(&cfg.Docs, "docs", getEnvInt("LOAD_DOCS", 5), "documents shared across connections")
	flag.IntVar(&cfg.DurationSec, "duration", getEnvInt("LOAD_DURATION_SEC", 30), "test duration in seconds")
	flag.IntVar(&cfg.EditIntervalMs, "edit-interval", getEnvInt("LOAD_EDIT_INTERVAL_MS", 200), "delay between edits per connection in ms")
	flag.IntVar(&cfg.ReportIntervalSec, "report", getEnvInt("LOAD_REPORT_SEC", 5), "report interval in seconds")
	flag.IntVar(&cfg.RampRate, "ramp", getEnvInt("LOAD_RAMP_RATE", 25), "connections started per second, 0 for all at once")
	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
