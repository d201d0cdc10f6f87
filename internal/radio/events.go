package radio

import (
	"log/slog"
	"sync"
)

// NotificationKind identifies a raw platform notification.
type NotificationKind int

const (
	NotifyDeviceFound NotificationKind = iota + 1
	NotifyDiscoveryStarted
	NotifyDiscoveryFinished
	NotifyBondChanged
	NotifyPowerChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyDeviceFound:
		return "device_found"
	case NotifyDiscoveryStarted:
		return "discovery_started"
	case NotifyDiscoveryFinished:
		return "discovery_finished"
	case NotifyBondChanged:
		return "bond_changed"
	case NotifyPowerChanged:
		return "power_changed"
	default:
		return "unknown"
	}
}

// Notification is what a platform backend reports. Which fields are set
// depends on Kind.
type Notification struct {
	Kind    NotificationKind
	Address string
	Name    string
	Bond    BondState
	Powered bool
}

// Event is a normalized notification consumed by the coordinator.
type Event interface {
	isEvent()
}

type PeerFound struct{ Peer Peer }

type DiscoveryStarted struct{}

type DiscoveryFinished struct{}

type BondStateChanged struct {
	ID    string
	State BondState
}

type AdapterPowerChanged struct{ Enabled bool }

func (PeerFound) isEvent()           {}
func (DiscoveryStarted) isEvent()    {}
func (DiscoveryFinished) isEvent()   {}
func (BondStateChanged) isEvent()    {}
func (AdapterPowerChanged) isEvent() {}

// Normalize converts a notification into an Event. It returns false for
// notifications that carry no usable identity or have an unknown kind.
func Normalize(n Notification) (Event, bool) {
	switch n.Kind {
	case NotifyDeviceFound:
		id := NormalizeID(n.Address)
		if id == "" {
			return nil, false
		}
		return PeerFound{Peer: Peer{ID: id, Name: n.Name, Bond: n.Bond}}, true
	case NotifyDiscoveryStarted:
		return DiscoveryStarted{}, true
	case NotifyDiscoveryFinished:
		return DiscoveryFinished{}, true
	case NotifyBondChanged:
		id := NormalizeID(n.Address)
		if id == "" {
			return nil, false
		}
		switch n.Bond {
		case BondNone, BondBonding, BondBonded:
		default:
			return nil, false
		}
		return BondStateChanged{ID: id, State: n.Bond}, true
	case NotifyPowerChanged:
		return AdapterPowerChanged{Enabled: n.Powered}, true
	}
	return nil, false
}

// EventBus queues normalized events for a single consumer. Notify may be
// called from any goroutine.
type EventBus struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time interface satisfaction check.
var _ NotificationSink = (*EventBus)(nil)

// NewEventBus creates a bus with the given queue depth.
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 64
	}
	return &EventBus{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Notify normalizes n and queues it, blocking while the queue is full.
// Notifications after Close are dropped.
func (b *EventBus) Notify(n Notification) {
	ev, ok := Normalize(n)
	if !ok {
		slog.Debug("[RADIO] dropping malformed notification", "kind", n.Kind, "address", n.Address)
		return
	}
	b.Publish(ev)
}

// Publish queues an already normalized event.
func (b *EventBus) Publish(ev Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Events is the consumer side of the bus.
func (b *EventBus) Events() <-chan Event {
	return b.events
}

// Done is closed when the bus is closed.
func (b *EventBus) Done() <-chan struct{} {
	return b.done
}

// Close stops accepting notifications and unblocks pending producers.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
