// Package devicenet provides core.DeviceIO implementations: a plain
// net.Conn adapter and a WebSocket adapter, both treating their
// connection as an opaque, non-blocking byte-stream device.
package devicenet

import (
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// pollTimeout bounds how long a single Read/Write deadline-based poll may
// block; short enough that the core's loop goroutine never stalls waiting
// on an idle connection, long enough to avoid a hot spin.
const pollTimeout = 10 * time.Millisecond

// NetDevice adapts a net.Conn (TCP, unix socket, serial-over-TCP, …) to
// core.DeviceIO using per-call read/write deadlines to approximate
// non-blocking I/O.
type NetDevice struct {
	conn   net.Conn
	buf    []byte
	logger zerolog.Logger
}

// NewNetDevice wraps conn. bufSize bounds the largest single Read chunk
// handed to the core as one opaque message.
func NewNetDevice(conn net.Conn, bufSize int, logger zerolog.Logger) *NetDevice {
	return &NetDevice{
		conn:   conn,
		buf:    make([]byte, bufSize),
		logger: logger.With().Str("component", "netdevice").Logger(),
	}
}

// Read returns (nil, nil) when no data arrived within pollTimeout — the
// core's "nothing to offer right now" case — rather than surfacing a
// deadline timeout as an error.
func (n *NetDevice) Read() ([]byte, error) {
	n.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	count, err := n.conn.Read(n.buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	out := make([]byte, count)
	copy(out, n.buf[:count])
	return out, nil
}

// Write attempts to flush buf, returning n<=0 (no error) when the deadline
// elapsed before anything was accepted — the device-stalled case the write
// pump's retry timer handles.
func (n *NetDevice) Write(buf []byte) (int, error) {
	n.conn.SetWriteDeadline(time.Now().Add(pollTimeout))
	count, err := n.conn.Write(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return count, nil
		}
		return count, err
	}
	return count, nil
}

// State logs transport-level up/down transitions; net.Conn has no separate
// notion of "up" beyond being open, so this is purely informational.
func (n *NetDevice) State(up bool) {
	n.logger.Info().Bool("up", up).Msg("device state")
}

// NotifyWritable is always false: plain net.Conn gives no writable-ready
// callback, so the core must fall back to its own write-retry timer.
func (n *NetDevice) NotifyWritable() bool { return false }

// Close releases the underlying connection.
func (n *NetDevice) Close() error { return n.conn.Close() }
