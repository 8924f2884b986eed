package core

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// fakeDeviceIO is a deterministic DeviceIO double: reads drain a
// preloaded queue, writes accept everything unless an optional per-call
// limit (maxPerCall) or the blocked flag holds them back, which is how
// tests exercise the write-retry path.
type fakeDeviceIO struct {
	readQueue [][]byte
	readIdx   int

	written []byte

	// maxPerCall caps a single Write call's accepted bytes; once a short
	// write happens the device goes "blocked" (every further Write
	// returns 0,nil, modeling sustained backpressure) until the test
	// calls unblock to simulate the retry condition clearing.
	maxPerCall     int
	blocked        bool
	notifyWritable bool
	readErr        error
}

func (f *fakeDeviceIO) unblock() { f.blocked = false }

func (f *fakeDeviceIO) Read() ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.readIdx >= len(f.readQueue) {
		return nil, nil
	}
	m := f.readQueue[f.readIdx]
	f.readIdx++
	return m, nil
}

func (f *fakeDeviceIO) Write(buf []byte) (int, error) {
	if f.blocked {
		return 0, nil
	}
	n := len(buf)
	if f.maxPerCall > 0 && n > f.maxPerCall {
		n = f.maxPerCall
		f.blocked = true
	}
	f.written = append(f.written, buf[:n]...)
	return n, nil
}

func (f *fakeDeviceIO) State(up bool) {}

func (f *fakeDeviceIO) NotifyWritable() bool { return f.notifyWritable }

// fakeTimer is a manually-driven Timer: Start/Cancel just flip the armed
// flag, and tests fire it explicitly via fire() rather than waiting on a
// wall clock.
type fakeTimer struct {
	fn    func()
	armed bool
	dur   time.Duration
}

func (t *fakeTimer) Start(d time.Duration) { t.armed = true; t.dur = d }
func (t *fakeTimer) Cancel()               { t.armed = false }
func (t *fakeTimer) Armed() bool           { return t.armed }

// fire disarms an armed fake timer and then invokes its callback on dev's
// loop goroutine, the way a real timer's post-wrapped callback would.
func fire(dev *DeviceRecord, t *fakeTimer) {
	if t == nil || !t.armed {
		return
	}
	t.armed = false
	dev.call(t.fn)
}

type fakeTimerService struct {
	created []*fakeTimer
}

func (s *fakeTimerService) NewTimer(fn func()) Timer {
	t := &fakeTimer{fn: fn}
	s.created = append(s.created, t)
	return t
}

// refCounts tallies total Ref/Unref calls across a test (message payloads
// here are byte slices, not map-key-safe, so this counts calls rather than
// tracking per-message balance).
type refCounts struct {
	refs   int
	unrefs int
}

func newRefCounts() *refCounts { return &refCounts{} }

func (r *refCounts) ref(msg any)   { r.refs++ }
func (r *refCounts) unref(msg any) { r.unrefs++ }

// testCallbacks builds a Callbacks wired to a fakeDeviceIO's read queue and
// a slice recording every delivered (msg, clientID) pair, with Ref/Unref
// tracked via refs.
func testCallbacks(io *fakeDeviceIO, refs *refCounts, delivered *[]string) Callbacks {
	return Callbacks{
		ReadOneMsgFromDevice: func(dev *DeviceRecord) (any, error) {
			// An empty read must come back as a nil interface, not a nil
			// []byte boxed into a non-nil any.
			b, err := io.Read()
			if len(b) == 0 {
				return nil, err
			}
			return b, nil
		},
		RefMsgToClient:   refs.ref,
		UnrefMsgToClient: refs.unref,
		SendMsgToClient: func(msg any, c *ClientRecord) {
			*delivered = append(*delivered, c.id)
		},
	}
}

// ioOnlyCallbacks wires just the read path to io, for tests that drive
// Start/Wakeup but don't care about message fan-out.
func ioOnlyCallbacks(io *fakeDeviceIO) Callbacks {
	return Callbacks{
		ReadOneMsgFromDevice: func(dev *DeviceRecord) (any, error) {
			b, err := io.Read()
			if len(b) == 0 {
				return nil, err
			}
			return b, nil
		},
	}
}

func newTestDevice(devIO *fakeDeviceIO, cbs Callbacks, timers *fakeTimerService, interval, selfTokens uint32) *DeviceRecord {
	return Create(Config{
		IO:                   devIO,
		Timers:               timers,
		ClientTokensInterval: interval,
		SelfTokens:           selfTokens,
		Callbacks:            cbs,
		Logger:               zerolog.New(io.Discard),
	})
}
