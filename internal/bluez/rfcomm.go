//go:build linux

package bluez

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/chaz8081/peerlink/internal/radio"
)

// DialChannel opens a raw RFCOMM socket to a fixed channel, bypassing the
// service record lookup.
func (p *Platform) DialChannel(ctx context.Context, peer string, channel uint8) (radio.Stream, error) {
	addr, err := bdaddr(peer)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	// connect(2) blocks; shutting the socket down unblocks it on cancel.
	var (
		mu       sync.Mutex
		finished bool
	)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			if !finished {
				unix.Shutdown(fd, unix.SHUT_RDWR)
			}
			mu.Unlock()
		case <-stop:
		}
	}()

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})

	mu.Lock()
	finished = true
	mu.Unlock()
	close(stop)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		unix.Close(fd)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rfcomm connect %s channel %d: %w", peer, channel, ctx.Err())
		}
		return nil, fmt.Errorf("rfcomm connect %s channel %d: %w", peer, channel, err)
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm:%s:%d", peer, channel)), nil
}
