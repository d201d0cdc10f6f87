//go:build linux

package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/chaz8081/peerlink/internal/radio"
)

// pairTimeout bounds Device1.Pair, which may wait on user confirmation.
const pairTimeout = 60 * time.Second

// Platform talks to bluetoothd over the system bus.
type Platform struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	present     bool

	// mu protects sink and profiles.
	mu       sync.Mutex
	sink     radio.NotificationSink
	profiles map[uuid.UUID]*profile
}

// Compile-time check that Platform implements radio.Platform.
var _ radio.Platform = (*Platform)(nil)

// New connects to the system bus and binds to the named adapter (hci0).
// A missing adapter is not an error; Present reports it.
func New(adapter string) (*Platform, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	p := &Platform{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		profiles:    make(map[uuid.UUID]*profile),
	}

	objects, err := p.managedObjects()
	if err != nil {
		slog.Warn("[BLUEZ] could not list objects, assuming no adapter", "error", err)
		return p, nil
	}
	_, p.present = objects[p.adapterPath][adapterIface]
	if !p.present {
		slog.Warn("[BLUEZ] adapter not found", "adapter", adapter, "error", ErrNoAdapter)
	}
	return p, nil
}

func (p *Platform) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := p.conn.Object(bluezDest, "/").Call(objectManager+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("bluez: get managed objects: %w", err)
	}
	return objects, nil
}

func (p *Platform) adapter() dbus.BusObject {
	return p.conn.Object(bluezDest, p.adapterPath)
}

func (p *Platform) Present() bool { return p.present }

func (p *Platform) Enabled(ctx context.Context) (bool, error) {
	if !p.present {
		return false, ErrNoAdapter
	}
	var v dbus.Variant
	err := p.adapter().CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered").Store(&v)
	if err != nil {
		return false, fmt.Errorf("bluez: read Powered: %w", err)
	}
	powered, _ := v.Value().(bool)
	return powered, nil
}

// RequestEnable sets Powered. bluetoothd answers with a PropertiesChanged
// signal that Watch turns into the power notification.
func (p *Platform) RequestEnable(ctx context.Context) error {
	call := p.adapter().CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("bluez: set Powered: %w", call.Err)
	}
	return nil
}

func (p *Platform) StartDiscovery(ctx context.Context) error {
	filter := map[string]interface{}{"Transport": "bredr"}
	if err := p.adapter().CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		slog.Debug("[BLUEZ] discovery filter rejected", "error", err)
	}
	err := p.adapter().CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err
	if err != nil && errorName(err) != "org.bluez.Error.InProgress" {
		return fmt.Errorf("bluez: start discovery: %w", err)
	}
	return nil
}

func (p *Platform) StopDiscovery(ctx context.Context) error {
	err := p.adapter().CallWithContext(ctx, adapterIface+".StopDiscovery", 0).Err
	if err == nil {
		return nil
	}
	switch errorName(err) {
	case "org.bluez.Error.Failed", "org.bluez.Error.NotReady":
		// "No discovery started" or adapter off: nothing to stop.
		return nil
	}
	return fmt.Errorf("bluez: stop discovery: %w", err)
}

// Bond calls Device1.Pair in the background. Completion is observed
// through the Paired property.
func (p *Platform) Bond(_ context.Context, peer string) error {
	path := PathFromAddr(p.adapterPath, peer)
	p.emit(radio.Notification{Kind: radio.NotifyBondChanged, Address: peer, Bond: radio.BondBonding})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pairTimeout)
		defer cancel()
		err := p.conn.Object(bluezDest, path).CallWithContext(ctx, deviceIface+".Pair", 0).Err
		if err != nil && errorName(err) != "org.bluez.Error.AlreadyExists" {
			slog.Warn("[BLUEZ] pairing failed", "peer", peer, "error", err)
			p.emit(radio.Notification{Kind: radio.NotifyBondChanged, Address: peer, Bond: radio.BondNone})
			return
		}
		p.emit(radio.Notification{Kind: radio.NotifyBondChanged, Address: peer, Bond: radio.BondBonded})
	}()
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

// Watch forwards adapter and device signals to sink until ctx is done.
func (p *Platform) Watch(ctx context.Context, sink radio.NotificationSink) error {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.sink = nil
		p.mu.Unlock()
	}()

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(bluezDest), dbus.WithMatchInterface(objectManager), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchSender(bluezDest), dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := p.conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: add match: %w", err)
		}
		defer p.conn.RemoveMatchSignal(m...)
	}

	signals := make(chan *dbus.Signal, 64)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	// Report the starting adapter state; later changes arrive as signals.
	var props map[string]dbus.Variant
	if err := p.adapter().CallWithContext(ctx, propsIface+".GetAll", 0, adapterIface).Store(&props); err == nil {
		for _, n := range adapterChanges(props) {
			sink.Notify(n)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("bluez: signal channel closed")
			}
			p.handleSignal(ctx, sink, sig)
		}
	}
}

func (p *Platform) handleSignal(ctx context.Context, sink radio.NotificationSink, sig *dbus.Signal) {
	switch sig.Name {
	case objectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok || !isDevicePath(p.adapterPath, path) {
			return
		}
		if n, ok := deviceFound(path, props); ok {
			sink.Notify(n)
		}

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch {
		case iface == adapterIface && sig.Path == p.adapterPath:
			for _, n := range adapterChanges(changed) {
				sink.Notify(n)
			}
		case iface == deviceIface && isDevicePath(p.adapterPath, sig.Path):
			notes, seen := deviceChanges(sig.Path, changed)
			for _, n := range notes {
				sink.Notify(n)
			}
			if seen {
				// A cached device answered the inquiry; it has no
				// InterfacesAdded, so report it as found.
				var props map[string]dbus.Variant
				err := p.conn.Object(bluezDest, sig.Path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface).Store(&props)
				if err != nil {
					slog.Debug("[BLUEZ] could not read device properties", "path", sig.Path, "error", err)
					return
				}
				if n, ok := deviceFound(sig.Path, props); ok {
					sink.Notify(n)
				}
			}
		}
	}
}

// Close unregisters profiles and closes the bus connection.
func (p *Platform) Close() error {
	p.mu.Lock()
	profiles := p.profiles
	p.profiles = make(map[uuid.UUID]*profile)
	p.mu.Unlock()

	manager := p.conn.Object(bluezDest, "/org/bluez")
	for _, pr := range profiles {
		if err := manager.Call(profileManager+".UnregisterProfile", 0, pr.path).Err; err != nil {
			slog.Debug("[BLUEZ] unregister profile", "path", pr.path, "error", err)
		}
	}
	return p.conn.Close()
}
