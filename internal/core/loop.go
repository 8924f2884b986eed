package core

// Go has no built-in single-threaded event loop, so the cooperative,
// lock-free core is realized here as one private
// goroutine per DeviceRecord draining a command queue. External callers
// (a NATS message handler, a Kafka poll loop, a fired timer) never touch
// core state directly — they call a public method, which posts a closure
// onto dev.cmds and blocks until the loop goroutine has run it. Code that
// is already running *on* the loop goroutine (a callback that calls
// dev.Wakeup, the read pump's nested device-read) calls straight through
// with an ordinary Go call — no channel round-trip — which is exactly the
// re-entrancy the during_read/during_write counters in pump_read.go and
// pump_write.go are built to detect and coalesce.

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

type loopCmd struct {
	fn   func()
	done chan struct{}
}

// curGID returns the current goroutine's id, parsed from the
// "goroutine N [running]:" header runtime.Stack emits. call/post compare
// it against the loop goroutine's id to decide between running inline and
// posting to the queue; a shared boolean cannot answer "am I on the loop
// goroutine" for a caller that isn't.
func curGID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (d *DeviceRecord) startLoop() {
	d.cmds = make(chan loopCmd, 64)
	d.loopDone = make(chan struct{})
	go d.runLoop()
}

func (d *DeviceRecord) runLoop() {
	atomic.StoreUint64(&d.loopGID, curGID())
	defer close(d.loopDone)
	for cmd := range d.cmds {
		cmd.fn()
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

// call runs fn synchronously on the device's loop goroutine and waits for
// it to finish. If the caller is already on the loop goroutine (a
// re-entrant call from within a callback), fn runs inline instead of
// deadlocking against a loop that is blocked waiting for itself.
func (d *DeviceRecord) call(fn func()) {
	if atomic.LoadUint64(&d.loopGID) == curGID() {
		fn()
		return
	}
	done := make(chan struct{})
	select {
	case d.cmds <- loopCmd{fn: fn, done: done}:
		<-done
	case <-d.loopDone:
	}
}

// post is like call but does not wait for completion; used by timer fires
// and other purely-asynchronous wakeups.
func (d *DeviceRecord) post(fn func()) {
	if atomic.LoadUint64(&d.loopGID) == curGID() {
		fn()
		return
	}
	select {
	case d.cmds <- loopCmd{fn: fn}:
	case <-d.loopDone:
	}
}

// stopLoop closes the command channel so runLoop exits once drained.
func (d *DeviceRecord) stopLoop() {
	close(d.cmds)
	<-d.loopDone
}
