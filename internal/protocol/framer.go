package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageBytes caps how much unterminated input a peer may buffer.
// A line of exactly this size is still accepted; one more byte is not.
const MaxMessageBytes = 1_000_000

var (
	// ErrOversize means the peer buffered more than MaxMessageBytes without
	// completing a line.
	ErrOversize = errors.New("message too large")
	// ErrBadJSON means a completed line was not a JSON object.
	ErrBadJSON = errors.New("bad json")
)

// Framer splits a raw byte stream into newline-delimited JSON objects.
// It carries exactly one piece of state between calls: the unterminated
// tail of the stream. Records may arrive split across any number of
// chunks, or several per chunk.
type Framer struct {
	buf []byte
	max int
}

// NewFramer returns a framer that rejects buffered input above maxBytes.
// Pass MaxMessageBytes for wire connections; tests may use smaller caps.
func NewFramer(maxBytes int) *Framer {
	if maxBytes <= 0 {
		maxBytes = MaxMessageBytes
	}
	return &Framer{max: maxBytes}
}

// Feed appends chunk to the buffer and returns every completed message.
// The size check runs after appending, so the limit bounds total buffered
// bytes, not line length alone. On ErrBadJSON earlier messages from the
// same chunk are dropped; the connection is expected to close anyway.
func (f *Framer) Feed(chunk []byte) ([]map[string]any, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	f.buf = append(f.buf, chunk...)
	if len(f.buf) > f.max {
		return nil, fmt.Errorf("%w: %d buffered bytes exceed limit %d", ErrOversize, len(f.buf), f.max)
	}

	var msgs []map[string]any
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return msgs, nil
		}
		line := bytes.TrimSpace(f.buf[:i])

		var msg map[string]any
		var perr error
		if len(line) > 0 {
			if err := json.Unmarshal(line, &msg); err != nil {
				perr = fmt.Errorf("%w: %v", ErrBadJSON, err)
			} else if msg == nil {
				perr = fmt.Errorf("%w: message must be an object", ErrBadJSON)
			}
		}

		// Drop the consumed line only after parsing: line aliases the
		// front of buf and compaction overwrites it.
		n := copy(f.buf, f.buf[i+1:])
		f.buf = f.buf[:n]

		if perr != nil {
			return nil, perr
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
}

// Buffered reports how many unterminated bytes the framer is holding.
func (f *Framer) Buffered() int { return len(f.buf) }
