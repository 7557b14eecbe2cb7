package transport

import (
	"bytes"
	"errors"
	"io"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/collabd/internal/protocol"
)

// handleWS upgrades the raw connection and then speaks the same protocol
// with one JSON message per text frame. Frames run through the shared
// framer so multi-message frames and the size limit behave exactly as on
// TCP.
func (s *Server) handleWS(conn net.Conn) {
	if _, err := ws.Upgrade(conn); err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("websocket upgrade failed")
		conn.Close()
		return
	}

	sess := s.hub.Register(&wsWire{conn: conn}, conn.RemoteAddr().String())
	defer s.hub.Unregister(sess)

	framer := protocol.NewFramer(protocol.MaxMessageBytes)
	for sess.Alive() {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Str("session_id", sess.ID).Msg("websocket read ended")
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		msgs, ferr := framer.Feed(append(data, '\n'))
		if s.dispatch(sess, msgs, ferr) {
			return
		}
	}
}

// wsWire sends one protocol line per text frame, newline stripped.
type wsWire struct {
	conn net.Conn
}

func (w *wsWire) WriteLine(line []byte) error {
	return wsutil.WriteServerMessage(w.conn, ws.OpText, bytes.TrimRight(line, "\n"))
}

func (w *wsWire) Close() error {
	return w.conn.Close()
}
