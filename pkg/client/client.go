// Package client is a small synchronous client for the collabd protocol,
// used by the load generator and integration tests. Writes are serialized;
// reads return one decoded server event at a time.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/collabd/internal/protocol"
)

const defaultTimeout = 5 * time.Second

// Event is one decoded server message; fields are meaningful according to
// Ev. ServerVersion is a pointer so version 0 is distinguishable from
// absent.
type Event struct {
	Ev            string          `json:"ev"`
	SessionID     string          `json:"sessionId"`
	ServerVersion *int            `json:"serverVersion"`
	DocID         string          `json:"docId"`
	Version       int             `json:"version"`
	Content       string          `json:"content"`
	Patch         *protocol.Patch `json:"patch"`
	By            string          `json:"by"`
	Code          string          `json:"code"`
	Hint          string          `json:"hint"`
}

type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	// SessionID is set by Hello from the WELCOME reply.
	SessionID string
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Hello sends the handshake and waits for the reply, normally WELCOME.
func (c *Client) Hello(name string) (*Event, error) {
	if err := c.send(protocol.HelloRequest{Op: protocol.OpHello, Name: name}); err != nil {
		return nil, err
	}
	ev, err := c.ReadEvent(defaultTimeout)
	if err != nil {
		return nil, err
	}
	if ev.Ev == protocol.EvWelcome {
		c.SessionID = ev.SessionID
	}
	return ev, nil
}

func (c *Client) Subscribe(docID string) error {
	return c.send(protocol.DocRequest{Op: protocol.OpSubscribe, DocID: docID})
}

func (c *Client) GetSnapshot(docID string) error {
	return c.send(protocol.DocRequest{Op: protocol.OpGetSnapshot, DocID: docID})
}

func (c *Client) Insert(docID string, base, pos int, text string) error {
	return c.send(protocol.EditRequest{Op: protocol.OpInsert, DocID: docID, Base: base, Pos: pos, Text: &text})
}

func (c *Client) Delete(docID string, base, pos, length int) error {
	return c.send(protocol.EditRequest{Op: protocol.OpDelete, DocID: docID, Base: base, Pos: pos, Len: &length})
}

func (c *Client) Replace(docID string, base, pos, length int, text string) error {
	return c.send(protocol.EditRequest{Op: protocol.OpReplace, DocID: docID, Base: base, Pos: pos, Len: &length, Text: &text})
}

// Edit sends the edit described by op against base.
func (c *Client) Edit(docID string, base int, op EditOp) error {
	switch op.Type {
	case protocol.OpInsert:
		return c.Insert(docID, base, op.Pos, op.Text)
	case protocol.OpDelete:
		return c.Delete(docID, base, op.Pos, op.Len)
	case protocol.OpReplace:
		return c.Replace(docID, base, op.Pos, op.Len, op.Text)
	default:
		return fmt.Errorf("unknown edit type %q", op.Type)
	}
}

func (c *Client) Ping() error {
	return c.send(protocol.PingRequest{Op: protocol.OpPing})
}

// SendRaw writes bytes verbatim, for exercising protocol violations.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// ReadEvent returns the next server event. A timeout of zero waits
// indefinitely.
func (c *Client) ReadEvent(timeout time.Duration) (*Event, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func (c *Client) send(v any) error {
	line, err := protocol.EncodeLine(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(line)
	return err
}
