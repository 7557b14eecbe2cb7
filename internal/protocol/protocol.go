// Package protocol defines the newline-delimited JSON wire contract shared
// by the server, the client library and the persistence layer: client
// operations, server events, error codes and the patch descriptor.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// Client operations.
const (
	OpHello       = "HELLO"
	OpSubscribe   = "SUBSCRIBE"
	OpGetSnapshot = "GET_SNAPSHOT"
	OpInsert      = "INSERT"
	OpDelete      = "DELETE"
	OpReplace     = "REPLACE"
	OpPing        = "PING"
)

// Server events. Every server payload carries its event name in "ev".
const (
	EvWelcome     = "WELCOME"
	EvDocSnapshot = "DOC_SNAPSHOT"
	EvApplied     = "APPLIED"
	EvBroadcast   = "BROADCAST"
	EvError       = "ERROR"
	EvPong        = "PONG"
)

// Error codes carried by ERROR events.
const (
	CodeInvalidOp      = "INVALID_OP"
	CodeUnknownOp      = "UNKNOWN_OP"
	CodeInvalidDoc     = "INVALID_DOC"
	CodeInvalidRange   = "INVALID_RANGE"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeNotReady       = "NOT_READY"
	CodeOutOfDate      = "OUT_OF_DATE"
	CodeBadJSON        = "BAD_JSON"
	CodeServerError    = "SERVER_ERROR"
)

// Patch describes one applied edit in canonical key form. Len is present for
// DELETE/REPLACE, Text for INSERT/REPLACE; pointers keep empty values on the
// wire ("text":"" is a valid insert) while omitting fields that do not apply.
type Patch struct {
	Type string  `json:"type"`
	Pos  int     `json:"pos"`
	Len  *int    `json:"len,omitempty"`
	Text *string `json:"text,omitempty"`
}

func InsertPatch(pos int, text string) Patch {
	return Patch{Type: OpInsert, Pos: pos, Text: &text}
}

func DeletePatch(pos, length int) Patch {
	return Patch{Type: OpDelete, Pos: pos, Len: &length}
}

func ReplacePatch(pos, length int, text string) Patch {
	return Patch{Type: OpReplace, Pos: pos, Len: &length, Text: &text}
}

// TextValue returns the patch text, or "" when absent.
func (p Patch) TextValue() string {
	if p.Text == nil {
		return ""
	}
	return *p.Text
}

// Welcome acknowledges a HELLO. ServerVersion is the highest version among
// currently loaded documents.
type Welcome struct {
	Ev            string `json:"ev"`
	SessionID     string `json:"sessionId"`
	ServerVersion int    `json:"serverVersion"`
}

func NewWelcome(sessionID string, serverVersion int) Welcome {
	return Welcome{Ev: EvWelcome, SessionID: sessionID, ServerVersion: serverVersion}
}

// DocSnapshot carries full document state at one version.
type DocSnapshot struct {
	Ev      string `json:"ev"`
	DocID   string `json:"docId"`
	Version int    `json:"version"`
	Content string `json:"content"`
}

func NewDocSnapshot(docID string, version int, content string) DocSnapshot {
	return DocSnapshot{Ev: EvDocSnapshot, DocID: docID, Version: version, Content: content}
}

// EditEvent is the shared shape of APPLIED (to the author) and BROADCAST
// (to every other subscriber).
type EditEvent struct {
	Ev      string `json:"ev"`
	DocID   string `json:"docId"`
	Version int    `json:"version"`
	Patch   Patch  `json:"patch"`
	By      string `json:"by"`
}

func NewApplied(docID string, version int, patch Patch, by string) EditEvent {
	return EditEvent{Ev: EvApplied, DocID: docID, Version: version, Patch: patch, By: by}
}

// AsBroadcast returns the same edit re-labelled for other subscribers.
func (e EditEvent) AsBroadcast() EditEvent {
	e.Ev = EvBroadcast
	return e
}

// ErrorEvent reports a rejected request or protocol failure. OUT_OF_DATE
// always carries DocID and ServerVersion; ServerVersion is a pointer so
// version 0 survives omitempty.
type ErrorEvent struct {
	Ev            string `json:"ev"`
	Code          string `json:"code"`
	DocID         string `json:"docId,omitempty"`
	ServerVersion *int   `json:"serverVersion,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

func NewError(code string) ErrorEvent {
	return ErrorEvent{Ev: EvError, Code: code}
}

func NewErrorHint(code, hint string) ErrorEvent {
	return ErrorEvent{Ev: EvError, Code: code, Hint: hint}
}

func NewOutOfDate(docID string, serverVersion int) ErrorEvent {
	return ErrorEvent{Ev: EvError, Code: CodeOutOfDate, DocID: docID, ServerVersion: &serverVersion}
}

type Pong struct {
	Ev string `json:"ev"`
}

func NewPong() Pong { return Pong{Ev: EvPong} }

// Client request shapes, used by pkg/client and round-trip tests.

type HelloRequest struct {
	Op   string `json:"op"`
	Name string `json:"name,omitempty"`
}

type DocRequest struct {
	Op    string `json:"op"`
	DocID string `json:"docId"`
}

type EditRequest struct {
	Op    string  `json:"op"`
	DocID string  `json:"docId"`
	Base  int     `json:"base"`
	Pos   int     `json:"pos"`
	Len   *int    `json:"len,omitempty"`
	Text  *string `json:"text,omitempty"`
}

type PingRequest struct {
	Op string `json:"op"`
}

// EncodeLine serializes v as a single protocol line, newline included.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// AsInt reports v as an int when it is a JSON number with an integral value.
// json.Unmarshal delivers every wire number as float64; anything else, and
// any fractional or absurdly large number, does not coerce.
func AsInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
