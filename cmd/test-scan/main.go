// Command test-scan is a manual test for the LE platform. It powers the
// radio, scans for one window and prints every peer the platform reports.
// Press Ctrl+C to stop early.
//
// Usage:
//
//	go run ./cmd/test-scan [--window 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/peerlink/internal/ble"
	"github.com/chaz8081/peerlink/internal/radio"
)

// printer writes notifications to stdout and signals when the scan ends.
type printer struct {
	finished chan struct{}
}

func (p printer) Notify(n radio.Notification) {
	switch n.Kind {
	case radio.NotifyDeviceFound:
		name := n.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("  %-20s %s\n", n.Address, name)
	case radio.NotifyDiscoveryStarted:
		fmt.Println(">>> scan started")
	case radio.NotifyDiscoveryFinished:
		fmt.Println("<<< scan finished")
		close(p.finished)
	case radio.NotifyPowerChanged:
		fmt.Printf("radio powered: %v\n", n.Powered)
	}
}

func main() {
	window := flag.Duration("window", 10*time.Second, "how long to scan")
	flag.Parse()

	platform := ble.NewPlatform(ble.NewTinyGoAdapter(), ble.Options{ScanWindow: *window})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := printer{finished: make(chan struct{})}
	watching := make(chan struct{})
	go func() {
		close(watching)
		platform.Watch(ctx, out)
	}()
	<-watching
	// Give Watch a moment to attach the sink before the first notification.
	time.Sleep(50 * time.Millisecond)

	if err := platform.RequestEnable(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "enable: %v\n", err)
		os.Exit(1)
	}
	if err := platform.StartDiscovery(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-out.finished:
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		platform.StopDiscovery(stopCtx)
	}
	fmt.Println("Done.")
}
