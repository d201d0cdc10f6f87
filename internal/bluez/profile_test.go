//go:build linux

package bluez

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const speakerPath = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

func newTestProfile() *profile {
	return &profile{waiters: make(map[dbus.ObjectPath]chan *os.File)}
}

// handOver simulates bluetoothd passing a socket: it returns a pipe read end
// and a duplicate of the write end for NewConnection.
func handOver(t *testing.T) (*os.File, dbus.UnixFD) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	fd, err := unix.Dup(int(w.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	w.Close()
	t.Cleanup(func() { r.Close() })
	return r, dbus.UnixFD(fd)
}

// assertWriterClosed fails unless every write end of r has been closed.
func assertWriterClosed(t *testing.T, r *os.File) {
	t.Helper()
	if err := r.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, err := r.Read(make([]byte, 1))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("read = %v, want io.EOF (handed-over fd still open)", err)
	}
}

func TestProfileHandsOverConnection(t *testing.T) {
	pr := newTestProfile()
	r, fd := handOver(t)

	ch := pr.wait(speakerPath)
	defer pr.forget(speakerPath, ch)
	if derr := pr.NewConnection(speakerPath, fd, nil); derr != nil {
		t.Fatalf("NewConnection: %v", derr)
	}

	f, err := pr.await(context.Background(), speakerPath, ch)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if _, err := f.Write([]byte{0x01}); err != nil {
		t.Fatalf("write to handed-over file: %v", err)
	}
	f.Close()
	assertWriterClosed(t, r)
}

func TestProfileClosesUnsolicitedConnection(t *testing.T) {
	pr := newTestProfile()
	r, fd := handOver(t)

	if derr := pr.NewConnection(speakerPath, fd, nil); derr != nil {
		t.Fatalf("NewConnection: %v", derr)
	}
	assertWriterClosed(t, r)
}

func TestProfileClosesConnectionDeliveredAfterCancel(t *testing.T) {
	pr := newTestProfile()
	r, fd := handOver(t)

	// The socket arrives just as the dial gives up: it is already buffered
	// when the waiter is dropped.
	ch := pr.wait(speakerPath)
	if derr := pr.NewConnection(speakerPath, fd, nil); derr != nil {
		t.Fatalf("NewConnection: %v", derr)
	}
	pr.forget(speakerPath, ch)

	assertWriterClosed(t, r)
	if len(pr.waiters) != 0 {
		t.Errorf("waiters = %d, want 0", len(pr.waiters))
	}
}

func TestProfileClosesConnectionArrivingAfterCancel(t *testing.T) {
	pr := newTestProfile()
	r, fd := handOver(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := pr.wait(speakerPath)
	if _, err := pr.await(ctx, speakerPath, ch); !errors.Is(err, context.Canceled) {
		t.Fatalf("await = %v, want context.Canceled", err)
	}

	if derr := pr.NewConnection(speakerPath, fd, nil); derr != nil {
		t.Fatalf("NewConnection: %v", derr)
	}
	assertWriterClosed(t, r)
}
