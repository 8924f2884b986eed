package core

import (
	"testing"

	"github.com/adred-codev/chardev/internal/wiresnap"
)

func TestMigrate_EmptyMarshallRoundTrip(t *testing.T) {
	io := &fakeDeviceIO{notifyWritable: true}
	dev := newTestDevice(io, ioOnlyCallbacks(io), &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	data := dev.MigrateDataMarshallEmpty()
	rd, err := decodeSnapshot(data)
	if err != nil {
		t.Fatalf("decodeSnapshot: %v", err)
	}
	if rd.connected {
		t.Error("empty snapshot should report connected=false")
	}
	if rd.version != CharDeviceVersion {
		t.Errorf("version = %d, want %d", rd.version, CharDeviceVersion)
	}
}

func TestMigrate_RejectsWithoutExactlyOneClient(t *testing.T) {
	io := &fakeDeviceIO{notifyWritable: true}
	dev := newTestDevice(io, ioOnlyCallbacks(io), &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	if _, err := dev.MigrateDataMarshall(); err == nil {
		t.Fatal("expected an error marshalling with zero clients")
	}

	dev.ClientAdd("a", true, 8, 5, 5, false)
	dev.ClientAdd("b", true, 8, 5, 5, false)
	_, err := dev.MigrateDataMarshall()
	ce, ok := err.(*CoreError)
	if !ok || ce.Kind != KindMigrateRejected {
		t.Fatalf("err = %v, want KindMigrateRejected", err)
	}
}

func TestMigrate_RejectsNonEmptySendQueue(t *testing.T) {
	io := &fakeDeviceIO{notifyWritable: true}
	dev := newTestDevice(io, ioOnlyCallbacks(io), &fakeTimerService{}, 100, 0)
	defer dev.Destroy()

	dev.ClientAdd("c1", true, 8, 5, 0, false) // no send tokens: anything queued stays queued
	dev.call(func() {
		e := &sendQueueEntry{msg: "x"}
		e.node.owner = e
		dev.clients["c1"].sendQueue.addHead(&e.node)
	})

	_, err := dev.MigrateDataMarshall()
	ce, ok := err.(*CoreError)
	if !ok || ce.Kind != KindMigrateRejected {
		t.Fatalf("err = %v, want KindMigrateRejected", err)
	}
}

func TestMigrate_RoundTripPreservesCreditsAndWriteData(t *testing.T) {
	srcIO := &fakeDeviceIO{notifyWritable: true, maxPerCall: 1} // stall so the buffer stays in flight
	src := newTestDevice(srcIO, ioOnlyCallbacks(srcIO), &fakeTimerService{}, 100, 0)
	defer src.Destroy()
	src.Start()

	src.ClientAdd("c1", true, 8, 10, 5, false)

	buf, err := src.WriteBufferGet(OriginClient, "c1", 6, 0)
	if err != nil {
		t.Fatalf("WriteBufferGet: %v", err)
	}
	buf.Fill([]byte("abcdef"))
	src.WriteBufferAdd(buf) // stalls after 1 byte because of maxPerCall

	var clientTokensAfterAcquire uint32
	src.call(func() { clientTokensAfterAcquire = src.clients["c1"].clientTokens })
	if clientTokensAfterAcquire != 9 {
		t.Fatalf("clientTokens after acquiring one buffer = %d, want 9", clientTokensAfterAcquire)
	}

	snap, err := src.MigrateDataMarshall()
	if err != nil {
		t.Fatalf("MigrateDataMarshall: %v", err)
	}

	dstIO := &fakeDeviceIO{notifyWritable: false, maxPerCall: 1}
	dst := newTestDevice(dstIO, ioOnlyCallbacks(dstIO), &fakeTimerService{}, 100, 0)
	defer dst.Destroy()
	dst.Start()

	// The restore target attaches with the bootstrap window it is willing
	// to extend; Restore reconciles that against the snapshot's remainder.
	if _, err := dst.ClientAdd("c1", true, 8, 10, 5, true); err != nil {
		t.Fatalf("ClientAdd on restore target: %v", err)
	}

	if err := dst.Restore("c1", snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	var tokens, sendTokens uint32
	var writeLen int
	dst.call(func() {
		tokens = dst.clients["c1"].clientTokens
		sendTokens = dst.clients["c1"].sendTokens
		if dst.curWriteBuf != nil {
			writeLen = len(dst.curWriteBuf.Bytes())
		}
	})
	if tokens != 9 {
		t.Errorf("restored clientTokens = %d, want 9", tokens)
	}
	if sendTokens != 5 {
		t.Errorf("restored sendTokens = %d, want 5", sendTokens)
	}
	if writeLen != 5 {
		t.Errorf("restored in-flight write data len = %d, want 5 (abcdef minus the 1 byte already written)", writeLen)
	}

	if string(dstIO.written) != "b" {
		t.Fatalf("dst wrote %q before the retry fires, want %q", dstIO.written, "b")
	}

	// Draining the restored device should finish writing the remaining
	// bytes once the backpressure clears and the retry timer fires.
	dstIO.maxPerCall = 0
	dstIO.unblock()
	fire(dst, dst.writeRetryTimer.(*fakeTimer))
	if string(dstIO.written) != "bcdef" {
		t.Errorf("dst wrote %q, want %q", dstIO.written, "bcdef")
	}
}

func TestRestore_RejectsNewerVersion(t *testing.T) {
	io := &fakeDeviceIO{notifyWritable: true}
	dev := newTestDevice(io, ioOnlyCallbacks(io), &fakeTimerService{}, 100, 0)
	defer dev.Destroy()
	dev.Start()
	dev.ClientAdd("c1", true, 8, 5, 5, true)

	a := wiresnap.New()
	a.PutUint32(CharDeviceVersion + 1)
	a.PutUint8(1)
	a.PutUint32(0)
	a.PutUint32(0)
	a.PutUint32(0)
	a.PutUint32(0)

	err := dev.Restore("c1", a.Finish())
	ce, ok := err.(*CoreError)
	if !ok || ce.Kind != KindMigrateVersion {
		t.Fatalf("err = %v, want KindMigrateVersion", err)
	}
}
