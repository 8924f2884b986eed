package devicenet

import (
	"errors"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// WSDevice treats a single already-upgraded WebSocket connection as the
// opaque byte-stream device. The core never interprets payload bytes, so
// framing is incidental here: WSDevice strips the WebSocket frame and
// hands the core raw payload bytes.
type WSDevice struct {
	conn   net.Conn
	logger zerolog.Logger
}

// NewWSDevice wraps an already-upgraded WebSocket connection (e.g. from
// ws.Upgrade or ws.DefaultUpgrader.Upgrade).
func NewWSDevice(conn net.Conn, logger zerolog.Logger) *WSDevice {
	return &WSDevice{conn: conn, logger: logger.With().Str("component", "wsdevice").Logger()}
}

// Read strips one WebSocket frame and returns its payload. Text and binary
// frames yield their payload; a close frame yields errClosed; any other
// opcode yields (nil, nil), so the core only ever sees data payloads.
func (w *WSDevice) Read() ([]byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	msg, op, err := wsutil.ReadClientData(w.conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	switch op {
	case ws.OpText, ws.OpBinary:
		return msg, nil
	case ws.OpClose:
		return nil, errClosed
	default:
		return nil, nil
	}
}

// Write wraps buf in a single binary WebSocket frame. A write-deadline
// timeout reports n=0 rather than an error, which the write pump treats as
// a stall and retries.
func (w *WSDevice) Write(buf []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(pollTimeout))
	if err := wsutil.WriteServerMessage(w.conn, ws.OpBinary, buf); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	return len(buf), nil
}

func (w *WSDevice) State(up bool) {
	w.logger.Info().Bool("up", up).Msg("device state")
}

// NotifyWritable is false for the same reason as NetDevice: gobwas/ws
// exposes no writable-ready event, only blocking/deadline writes.
func (w *WSDevice) NotifyWritable() bool { return false }

func (w *WSDevice) Close() error { return w.conn.Close() }

var errClosed = closeErr{}

type closeErr struct{}

func (closeErr) Error() string { return "devicenet: client sent close frame" }
