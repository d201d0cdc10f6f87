package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/peerlink/internal/radio"
)

// DefaultScanWindow matches the length of a classic inquiry. LE scanning
// has no natural end, so each scan is bounded by this window.
const DefaultScanWindow = 12 * time.Second

// Options configures the LE platform.
type Options struct {
	TXChar     string        // characteristic the stream writes to
	RXChar     string        // characteristic the stream reads notifications from
	ScanWindow time.Duration // default DefaultScanWindow
	MaxChunk   int           // write size per GATT operation, default 20
}

// Platform adapts an Adapter to radio.Platform.
type Platform struct {
	adapter Adapter
	opts    Options

	mu       sync.Mutex
	enabled  bool
	sink     radio.NotificationSink
	stopScan context.CancelFunc
	scanDone chan struct{}
	bonded   map[string]bool
}

// Compile-time check that Platform implements radio.Platform.
var _ radio.Platform = (*Platform)(nil)

// NewPlatform wraps adapter. The radio is not powered until RequestEnable.
func NewPlatform(adapter Adapter, opts Options) *Platform {
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultScanWindow
	}
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = defaultMaxChunk
	}
	return &Platform{
		adapter: adapter,
		opts:    opts,
		bonded:  make(map[string]bool),
	}
}

func (p *Platform) Present() bool { return p.adapter != nil }

func (p *Platform) Enabled(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled, nil
}

func (p *Platform) RequestEnable(context.Context) error {
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
	p.emit(radio.Notification{Kind: radio.NotifyPowerChanged, Powered: true})
	return nil
}

// StartDiscovery scans for one window in the background. Each address is
// reported once per scan.
func (p *Platform) StartDiscovery(context.Context) error {
	p.mu.Lock()
	if p.stopScan != nil {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ScanWindow)
	done := make(chan struct{})
	p.stopScan = cancel
	p.scanDone = done
	p.mu.Unlock()

	p.emit(radio.Notification{Kind: radio.NotifyDiscoveryStarted})
	go func() {
		defer close(done)
		defer cancel()

		seen := make(map[string]bool)
		var seenMu sync.Mutex
		err := p.adapter.Scan(ctx, func(ad Advertisement) {
			id := radio.NormalizeID(ad.Address)
			seenMu.Lock()
			dup := seen[id]
			seen[id] = true
			seenMu.Unlock()
			if dup || id == "" {
				return
			}
			p.emit(radio.Notification{
				Kind:    radio.NotifyDeviceFound,
				Address: id,
				Name:    ad.Name,
				Bond:    p.bondState(id),
			})
		})
		if err != nil {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}

		p.mu.Lock()
		p.stopScan = nil
		p.scanDone = nil
		p.mu.Unlock()
		p.emit(radio.Notification{Kind: radio.NotifyDiscoveryFinished})
	}()
	return nil
}

// StopDiscovery ends the current scan and waits for it to wind down.
func (p *Platform) StopDiscovery(ctx context.Context) error {
	p.mu.Lock()
	stop, done := p.stopScan, p.scanDone
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Platform) bondState(id string) radio.BondState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bonded[id] {
		return radio.BondBonded
	}
	return radio.BondNone
}

// Bond records the peer as bonded. LE pairing is negotiated by the OS on
// the first encrypted GATT access, so there is no separate exchange here.
func (p *Platform) Bond(_ context.Context, peer string) error {
	id := radio.NormalizeID(peer)
	p.emit(radio.Notification{Kind: radio.NotifyBondChanged, Address: id, Bond: radio.BondBonding})
	p.mu.Lock()
	p.bonded[id] = true
	p.mu.Unlock()
	slog.Info("[BLE] peer marked bonded", "peer", id)
	p.emit(radio.Notification{Kind: radio.NotifyBondChanged, Address: id, Bond: radio.BondBonded})
	return nil
}

func (p *Platform) Watch(ctx context.Context, sink radio.NotificationSink) error {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	p.sink = nil
	p.mu.Unlock()
	return nil
}

func (p *Platform) emit(n radio.Notification) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.Notify(n)
	}
}

// DialService connects and opens the configured TX/RX characteristics of
// service as a stream.
func (p *Platform) DialService(ctx context.Context, peer string, service uuid.UUID) (radio.Stream, error) {
	conn, err := p.adapter.Connect(ctx, peer)
	if err != nil {
		return nil, err
	}

	tx, err := conn.DiscoverCharacteristic(service.String(), p.opts.TXChar)
	if err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("ble: discover TX characteristic: %w", err)
	}
	rx, err := conn.DiscoverCharacteristic(service.String(), p.opts.RXChar)
	if err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("ble: discover RX characteristic: %w", err)
	}

	s, err := newGATTStream(conn, tx, rx, p.opts.MaxChunk)
	if err != nil {
		conn.Disconnect()
		return nil, err
	}
	if ctx.Err() != nil {
		s.Close()
		return nil, ctx.Err()
	}
	slog.Info("[BLE] connected", "peer", peer)
	return s, nil
}

func (p *Platform) DialChannel(context.Context, string, uint8) (radio.Stream, error) {
	return nil, ErrUnsupported
}
