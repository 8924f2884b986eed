package devicenet

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNetDevice_ReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dev := NewNetDevice(server, 4096, zerolog.Nop())
	data, err := dev.Read()
	if err != nil {
		t.Fatalf("Read: unexpected error %v", err)
	}
	if data != nil {
		t.Fatalf("Read: got %q, want nil on timeout", data)
	}
}

func TestNetDevice_ReadDelivers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte("hello"))

	dev := NewNetDevice(server, 4096, zerolog.Nop())
	// The pipe write blocks until this Read consumes it, so it lands
	// inside the poll window.
	data, err := dev.Read()
	if err != nil {
		t.Fatalf("Read: unexpected error %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("Read: got %q, want %q", data, "hello")
	}
}

func TestNetDevice_WriteTimeoutWithNoReader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dev := NewNetDevice(server, 4096, zerolog.Nop())
	n, err := dev.Write([]byte("stalled"))
	if err != nil {
		t.Fatalf("Write: unexpected error %v", err)
	}
	if n != 0 {
		t.Fatalf("Write: got n=%d, want 0 when the deadline elapses untouched", n)
	}
}

func TestNetDevice_WriteDelivers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	dev := NewNetDevice(server, 4096, zerolog.Nop())
	n, err := dev.Write([]byte("payload"))
	if err != nil {
		t.Fatalf("Write: unexpected error %v", err)
	}
	if n != len("payload") {
		t.Fatalf("Write: got n=%d, want %d", n, len("payload"))
	}

	select {
	case got := <-done:
		if string(got) != "payload" {
			t.Fatalf("client read %q, want %q", got, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client read")
	}
}

func TestNetDevice_NotifyWritableIsAlwaysFalse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dev := NewNetDevice(server, 4096, zerolog.Nop())
	if dev.NotifyWritable() {
		t.Fatal("NotifyWritable: want false, a plain net.Conn has no writable-ready signal")
	}
}
