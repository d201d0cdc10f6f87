//go:build linux

package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/chaz8081/peerlink/internal/radio"
)

// profile is an exported org.bluez.Profile1 object. bluetoothd resolves the
// service record and hands the connected RFCOMM socket to NewConnection.
type profile struct {
	path    dbus.ObjectPath
	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan *os.File
}

func (pr *profile) wait(dev dbus.ObjectPath) chan *os.File {
	ch := make(chan *os.File, 1)
	pr.mu.Lock()
	pr.waiters[dev] = ch
	pr.mu.Unlock()
	return ch
}

// forget drops the waiter for dev. A connection handed over after the
// caller stopped waiting is closed.
func (pr *profile) forget(dev dbus.ObjectPath, ch chan *os.File) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.waiters[dev] == ch {
		delete(pr.waiters, dev)
	}
	select {
	case f := <-ch:
		slog.Debug("[BLUEZ] closing abandoned profile connection", "device", dev)
		f.Close()
	default:
	}
}

// NewConnection is called by bluetoothd on the system bus.
func (pr *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), string(dev))
	// Handing over under the lock lets forget see either the waiter or the
	// delivered file, never neither.
	pr.mu.Lock()
	defer pr.mu.Unlock()
	ch, ok := pr.waiters[dev]
	if !ok {
		slog.Debug("[BLUEZ] unsolicited profile connection", "device", dev)
		f.Close()
		return nil
	}
	delete(pr.waiters, dev)
	ch <- f
	return nil
}

func (pr *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	slog.Debug("[BLUEZ] profile disconnection requested", "device", dev)
	return nil
}

func (pr *profile) Release() *dbus.Error {
	return nil
}

// profileFor exports and registers a client profile for service once.
func (p *Platform) profileFor(service uuid.UUID) (*profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.profiles[service]; ok {
		return pr, nil
	}

	pr := &profile{
		path:    dbus.ObjectPath("/peerlink/profile/" + strings.ReplaceAll(service.String(), "-", "_")),
		waiters: make(map[dbus.ObjectPath]chan *os.File),
	}
	if err := p.conn.Export(pr, pr.path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"AutoConnect":           dbus.MakeVariant(false),
		"RequireAuthentication": dbus.MakeVariant(true),
	}
	err := p.conn.Object(bluezDest, "/org/bluez").
		Call(profileManager+".RegisterProfile", 0, pr.path, service.String(), opts).Err
	if err != nil && errorName(err) != "org.bluez.Error.AlreadyExists" {
		p.conn.Export(nil, pr.path, profileIface)
		return nil, fmt.Errorf("bluez: register profile %s: %w", service, err)
	}
	p.profiles[service] = pr
	return pr, nil
}

// DialService opens an RFCOMM stream to the peer's service record.
func (p *Platform) DialService(ctx context.Context, peer string, service uuid.UUID) (radio.Stream, error) {
	pr, err := p.profileFor(service)
	if err != nil {
		return nil, err
	}

	dev := PathFromAddr(p.adapterPath, peer)
	ch := pr.wait(dev)
	defer pr.forget(dev, ch)

	err = p.conn.Object(bluezDest, dev).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String()).Err
	if err != nil && errorName(err) != "org.bluez.Error.AlreadyConnected" {
		return nil, fmt.Errorf("connect %s to %s: %w", service, peer, err)
	}

	f, err := pr.await(ctx, dev, ch)
	if err != nil {
		return nil, err
	}
	slog.Debug("[BLUEZ] service stream open", "peer", peer, "service", service)
	return f, nil
}

// await waits for bluetoothd to hand over the socket for dev.
func (pr *profile) await(ctx context.Context, dev dbus.ObjectPath, ch chan *os.File) (*os.File, error) {
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		pr.forget(dev, ch)
		return nil, ctx.Err()
	}
}
