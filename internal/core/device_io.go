package core

// DeviceIO is the non-blocking byte-stream primitive the core bridges to
// clients. Implementations never block: Read/Write return immediately with
// whatever progress was possible, treating the connection as a
// deadline-bounded, non-blocking byte stream rather than issuing blocking
// syscalls from the hot path.
type DeviceIO interface {
	// Read returns a message (nil, nil on no data available yet — not an
	// error). Implementations that frame at a lower layer (wsdevice) strip
	// the framing and hand back raw payload bytes; the core never
	// interprets them.
	Read() ([]byte, error)

	// Write attempts to write buf, returning the number of leading bytes
	// actually written. n<=0 with a nil error means the device is
	// momentarily blocked (EAGAIN-equivalent), not a failure.
	Write(buf []byte) (n int, err error)

	// State reports transport-level up/down transitions. It is purely
	// informational; an implementation with nothing to do may leave it
	// empty.
	State(up bool)

	// NotifyWritable reports whether the driver will proactively signal
	// the core when it becomes writable again. When true, the core skips
	// arming its own write-retry timer.
	NotifyWritable() bool
}
