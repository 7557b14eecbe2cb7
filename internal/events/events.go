// Package events publishes committed edits to NATS so external consumers
// (indexers, audit trails) can follow document changes without speaking the
// client protocol.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/collabd/internal/storage"
)

// SubjectEditsApplied carries one message per committed edit, encoded as
// the oplog record.
const SubjectEditsApplied = "collab.edits.applied"

// Tap is a fire-and-forget publisher: a NATS outage is logged, never
// surfaced to the editing path.
type Tap struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func Connect(url string, log zerolog.Logger) (*Tap, error) {
	conn, err := nats.Connect(url,
		nats.Name("collabd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", url, err)
	}
	return &Tap{conn: conn, log: log}, nil
}

// EditApplied implements hub.EventSink.
func (t *Tap) EditApplied(e storage.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		t.log.Error().Err(err).Str("doc_id", e.DocID).Msg("encode edit event")
		return
	}
	if err := t.conn.Publish(SubjectEditsApplied, data); err != nil {
		t.log.Warn().Err(err).Str("doc_id", e.DocID).Msg("publish edit event")
	}
}

// Close drains buffered publishes before closing the connection.
func (t *Tap) Close() {
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
	}
}
