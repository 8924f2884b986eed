package core

import "testing"

func TestClientAdd_RejectsMigrateWaitWithExistingClients(t *testing.T) {
	io := &fakeDeviceIO{notifyWritable: true}
	dev := newTestDevice(io, Callbacks{}, &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	dev.ClientAdd("c1", true, 8, 5, 5, false)
	_, err := dev.ClientAdd("c2", true, 8, 5, 5, true)
	ce, ok := err.(*CoreError)
	if !ok || ce.Kind != KindMigrateRejected {
		t.Fatalf("err = %v, want KindMigrateRejected", err)
	}
}

func TestReadPump_FansOutToEveryClient(t *testing.T) {
	io := &fakeDeviceIO{readQueue: [][]byte{[]byte("m1")}, notifyWritable: true}
	refs := newRefCounts()
	var delivered []string
	cbs := testCallbacks(io, refs, &delivered)
	dev := newTestDevice(io, cbs, &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	dev.ClientAdd("a", true, 8, 5, 5, false)
	dev.ClientAdd("b", true, 8, 5, 5, false)
	dev.Start()

	if len(delivered) != 2 {
		t.Fatalf("delivered to %d clients, want 2: %v", len(delivered), delivered)
	}
}

func TestReadPump_QueuesForStarvedClient(t *testing.T) {
	msg := []byte("payload")
	io := &fakeDeviceIO{readQueue: [][]byte{msg}, notifyWritable: true}
	refs := newRefCounts()
	var delivered []string
	cbs := testCallbacks(io, refs, &delivered)
	dev := newTestDevice(io, cbs, &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	// "a" has credit and receives immediately; "b" has none and so the
	// message must be queued, ref'd once for that queue slot.
	dev.ClientAdd("a", true, 8, 5, 5, false)
	dev.ClientAdd("b", true, 8, 0, 0, false)
	dev.Start()

	if len(delivered) != 1 || delivered[0] != "a" {
		t.Fatalf("delivered = %v, want exactly [a]", delivered)
	}
	var queueLen int
	dev.call(func() { queueLen = dev.clients["b"].sendQueue.len })
	if queueLen != 1 {
		t.Fatalf("b's send queue len = %d, want 1", queueLen)
	}
}

func TestSendTokensAdd_DeliversToPreviouslyStarvedClient(t *testing.T) {
	msg := "payload"
	io := &fakeDeviceIO{readQueue: [][]byte{[]byte(msg)}, notifyWritable: true}
	refs := newRefCounts()
	var delivered []string
	cbs := testCallbacks(io, refs, &delivered)
	dev := newTestDevice(io, cbs, &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	dev.ClientAdd("starved", true, 8, 0, 0, false)
	dev.Start()
	if len(delivered) != 0 {
		t.Fatalf("delivered = %v before any credit, want none", delivered)
	}

	dev.SendTokensAdd("starved", 3)

	if len(delivered) != 1 || delivered[0] != "starved" {
		t.Fatalf("delivered after SendTokensAdd = %v, want [starved]", delivered)
	}
	var armed bool
	dev.call(func() { armed = dev.clients["starved"].overflowTimerArmed })
	if armed {
		t.Error("overflow timer should be disarmed once the client can receive")
	}
}

func TestOverflow_QueueFull(t *testing.T) {
	io := &fakeDeviceIO{readQueue: [][]byte{[]byte("1"), []byte("2")}, notifyWritable: true}
	refs := newRefCounts()
	var delivered []string
	cbs := testCallbacks(io, refs, &delivered)
	dev := newTestDevice(io, cbs, &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	// "fast" drives the read loop's token budget; "slow" has a one-slot
	// queue and no credit, so its second message overflows it.
	dev.ClientAdd("fast", true, 16, 5, 5, false)
	dev.ClientAdd("slow", true, 1, 0, 0, false)
	dev.Start()

	if dev.ClientExists("slow") {
		t.Error("slow client should have been removed on queue overflow")
	}
	if !dev.ClientExists("fast") {
		t.Error("fast client should be unaffected by slow's overflow")
	}
}

func TestOverflow_Timeout(t *testing.T) {
	io := &fakeDeviceIO{readQueue: [][]byte{[]byte("1")}, notifyWritable: true}
	refs := newRefCounts()
	var delivered []string
	cbs := testCallbacks(io, refs, &delivered)
	timers := &fakeTimerService{}
	dev := newTestDevice(io, cbs, timers, 100, 0)
	defer dev.Destroy()

	// A starved client alone never unlocks the read loop (no one could
	// receive the message); pairing it with a credited client lets the
	// device read, deliver to "fast", and queue for "slow".
	dev.ClientAdd("fast", true, 8, 5, 5, false)
	dev.ClientAdd("slow", true, 8, 0, 0, false)
	dev.Start()

	if !dev.ClientExists("slow") {
		t.Fatal("slow client removed too early")
	}
	var timer *fakeTimer
	dev.call(func() { timer = dev.clients["slow"].overflowTimer.(*fakeTimer) })
	if !timer.armed {
		t.Fatal("overflow timer should be armed while the client is starved with a queued message")
	}

	fire(dev, timer)

	if dev.ClientExists("slow") {
		t.Error("slow client should have been removed once the overflow timer fired")
	}
}

func TestReset_RefundsQueuedSendTokens(t *testing.T) {
	io := &fakeDeviceIO{readQueue: [][]byte{[]byte("1")}, notifyWritable: true}
	refs := newRefCounts()
	var delivered []string
	cbs := testCallbacks(io, refs, &delivered)
	dev := newTestDevice(io, cbs, &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	// "fast" unlocks the read loop; "slow" has no credit, so the message
	// lands on its send queue.
	dev.ClientAdd("fast", true, 8, 5, 5, false)
	dev.ClientAdd("slow", true, 8, 0, 0, false)
	dev.Start()

	var queued int
	dev.call(func() { queued = dev.clients["slow"].sendQueue.len })
	if queued != 1 {
		t.Fatalf("slow's send queue len = %d, want 1", queued)
	}

	dev.Reset()

	var tokens uint32
	dev.call(func() {
		queued = dev.clients["slow"].sendQueue.len
		tokens = dev.clients["slow"].sendTokens
	})
	if queued != 0 {
		t.Errorf("send queue len after Reset = %d, want 0", queued)
	}
	if tokens != 1 {
		t.Errorf("sendTokens after Reset = %d, want 1 (refund for the dropped message)", tokens)
	}
}

func TestClientRemove_DemotesInFlightBuffer(t *testing.T) {
	io := &fakeDeviceIO{notifyWritable: true, maxPerCall: 1} // stall the write so the buffer stays in flight
	dev := newTestDevice(io, ioOnlyCallbacks(io), &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	dev.ClientAdd("c1", true, 8, 5, 5, false)
	dev.Start()
	buf, err := dev.WriteBufferGet(OriginClient, "c1", 4, 0)
	if err != nil {
		t.Fatalf("WriteBufferGet: %v", err)
	}
	buf.Fill([]byte("abcd"))
	dev.WriteBufferAdd(buf)

	var queuedOrCurrent bool
	dev.call(func() {
		queuedOrCurrent = dev.writeQueue.len > 0 || dev.curWriteBuf != nil
	})
	if !queuedOrCurrent {
		t.Fatal("expected the partially written buffer to still be in flight")
	}

	dev.ClientRemove("c1")

	dev.call(func() {
		if dev.curWriteBuf != nil && dev.curWriteBuf.origin != OriginNone {
			t.Error("in-flight buffer should be demoted to OriginNone after its client detaches")
		}
	})
}
