package core

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Tunable constants governing pool size and retry/timeout intervals.
const (
	MaxPoolSize  = 10 * 64 * 1024 // 640 KiB
	WriteRetryMS = 100 * time.Millisecond
	WaitTokensMS = 30 * time.Second
)

// Observer receives point-in-time signals for metrics/audit wiring. A nil
// Observer is safe; DeviceRecord guards every call site.
type Observer interface {
	PoolBytes(n int)
	QueueDepth(n int)
	Overflow(clientID string)
	TokenViolation(clientID string)
	DeviceStalled()
	WriteRetryFired()
	ClientCredits(clientID string, sendTokens, clientTokens uint32)
	SelfTokens(n uint32)
}

// DeviceRecord is the aggregate unit — the device side of
// the bridge, its write queue, its buffer pool, and the set of attached
// clients.
type DeviceRecord struct {
	io      DeviceIO
	running bool
	active  bool

	waitForMigrateData bool
	refs               int32

	writeQueue   *ring
	writeBufPool *ring
	curPoolSize  int

	curWriteBuf    *WriteBuffer
	curWriteBufPos int

	writeRetryTimer Timer

	selfTokens uint32

	clients map[string]*ClientRecord

	clientTokensInterval uint32

	duringRead  int
	duringWrite int

	cbs      Callbacks
	opaque   any
	logger   zerolog.Logger
	timers   TimerService
	observer Observer

	cmds     chan loopCmd
	loopDone chan struct{}
	loopGID  uint64
}

// Config bundles Create's parameters.
type Config struct {
	IO                   DeviceIO
	Timers               TimerService
	ClientTokensInterval uint32
	SelfTokens           uint32
	Callbacks            Callbacks
	Opaque               any
	Logger               zerolog.Logger
	Observer             Observer
}

// Create builds a DeviceRecord and starts its event loop. The device is not
// yet running — call Start to begin pumping.
func Create(cfg Config) *DeviceRecord {
	d := &DeviceRecord{
		io:                   cfg.IO,
		writeQueue:           newRing(),
		writeBufPool:         newRing(),
		selfTokens:           cfg.SelfTokens,
		clients:              make(map[string]*ClientRecord),
		clientTokensInterval: cfg.ClientTokensInterval,
		cbs:                  cfg.Callbacks,
		opaque:               cfg.Opaque,
		logger:               cfg.Logger,
		timers:               cfg.Timers,
		observer:             cfg.Observer,
		refs:                 1,
	}
	if d.timers == nil {
		// No external TimerService was supplied: fall back to a
		// time.AfterFunc-backed one routed through this device's own loop
		// goroutine. Built here rather than asked of the caller, since
		// NewStdTimerService needs a post hook that can only be formed
		// once d exists.
		d.timers = NewStdTimerService(d.post)
	}
	d.startLoop()
	d.call(d.ensureWriteRetryTimer)
	return d
}

// Destroy stops dev, drops the caller's reference, and tears down the
// event loop once the command in progress has returned. The loop is torn
// down whatever the remaining reference count.
func (d *DeviceRecord) Destroy() {
	d.call(func() {
		d.stop()
		d.unref()
	})
	if atomic.LoadUint64(&d.loopGID) == curGID() {
		// Destroy was issued from inside a callback, on the loop
		// goroutine itself; the loop cannot wait for its own exit.
		// Closing the queue lets runLoop finish once this command
		// returns.
		close(d.cmds)
		return
	}
	d.stopLoop()
}

func (d *DeviceRecord) ref()   { d.refs++ }
func (d *DeviceRecord) unref() { d.refs-- }

// Start begins processing, draining any backlog synchronously: loop
// writeToDevice/readFromDevice until both report no progress.
func (d *DeviceRecord) Start() {
	d.call(func() {
		d.running = true
		for {
			wrote := d.writeToDeviceLocked() > 0
			read := d.readFromDeviceLocked()
			if !wrote && !read {
				break
			}
		}
	})
}

// Stop halts the pumps and cancels the write-retry timer.
func (d *DeviceRecord) Stop() {
	d.call(d.stop)
}

func (d *DeviceRecord) stop() {
	d.running = false
	d.active = false
	if d.writeRetryTimer != nil {
		d.writeRetryTimer.Cancel()
	}
}

// Wakeup drives both pumps once, write-then-read.
func (d *DeviceRecord) Wakeup() {
	d.call(d.wakeupLocked)
}

func (d *DeviceRecord) wakeupLocked() {
	d.writeToDeviceLocked()
	d.readFromDeviceLocked()
}

// Reset stops the device, releases every in-flight buffer (credits flow
// back through the normal release path), drains client send queues, and
// nils the device instance so a later ResetDevInstance can reattach.
func (d *DeviceRecord) Reset() {
	d.call(func() {
		d.stop()
		d.waitForMigrateData = false

		d.writeQueue.foreachSafe(func(n *ringNode) {
			buf := n.owner.(*WriteBuffer)
			d.writeQueue.remove(n)
			d.releaseBuffer(buf)
		})
		if d.curWriteBuf != nil {
			buf := d.curWriteBuf
			d.curWriteBuf = nil
			d.curWriteBufPos = 0
			d.releaseBuffer(buf)
		}
		for _, c := range d.clients {
			d.drainSendQueue(c)
		}
		d.io = nil
	})
}

// ResetDevInstance reattaches a (possibly new) DeviceIO after Reset.
func (d *DeviceRecord) ResetDevInstance(io DeviceIO) {
	d.call(func() {
		d.io = io
	})
}

func (d *DeviceRecord) obs() Observer {
	if d.observer == nil {
		return noopObserver{}
	}
	return d.observer
}

type noopObserver struct{}

func (noopObserver) PoolBytes(int)                        {}
func (noopObserver) QueueDepth(int)                       {}
func (noopObserver) Overflow(string)                      {}
func (noopObserver) TokenViolation(string)                {}
func (noopObserver) DeviceStalled()                       {}
func (noopObserver) WriteRetryFired()                     {}
func (noopObserver) ClientCredits(string, uint32, uint32) {}
func (noopObserver) SelfTokens(uint32)                    {}

// Stats is the read-only snapshot surfaced to metrics collection.
type Stats struct {
	PoolBytes       int
	PoolBuffers     int
	WriteQueueDepth int
	SelfTokens      uint32
	ClientCount     int
	Active          bool
	Running         bool
}

// Snapshot reads DeviceRecord state by hopping onto the loop goroutine —
// the one sanctioned way to observe the core from outside its own thread.
func (d *DeviceRecord) Snapshot() Stats {
	var s Stats
	d.call(func() {
		s = Stats{
			PoolBytes:       d.curPoolSize,
			PoolBuffers:     d.writeBufPool.len,
			WriteQueueDepth: d.writeQueue.len,
			SelfTokens:      d.selfTokens,
			ClientCount:     len(d.clients),
			Active:          d.active,
			Running:         d.running,
		}
	})
	return s
}
