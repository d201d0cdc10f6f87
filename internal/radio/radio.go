// Package radio tracks a Bluetooth adapter, the peers it discovers and the
// connection sessions opened to them. It is platform independent: a
// Platform implementation (BlueZ, tinygo LE, or a test double) supplies the
// radio primitives and feeds asynchronous notifications into an EventBus.
package radio

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
)

// BondState is the pairing state of a peer.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "NONE"
	case BondBonding:
		return "BONDING"
	case BondBonded:
		return "BONDED"
	default:
		return "UNKNOWN"
	}
}

// Peer is a discovered remote device.
type Peer struct {
	ID   string // stable address, upper case
	Name string // may be empty
	Bond BondState
}

// Label returns the name, or the ID when the peer did not advertise one.
func (p Peer) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// NormalizeID canonicalizes a peer address so that the same physical device
// always maps to one registry entry.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Stream is the bidirectional transport handed to the data-exchange layer
// once a session connects.
type Stream = io.ReadWriteCloser

// Dialer opens streams to a peer. Both calls block until the connection is
// established, fails, or ctx is done.
type Dialer interface {
	// DialService connects through a service record lookup for the given UUID.
	DialService(ctx context.Context, peer string, service uuid.UUID) (Stream, error)
	// DialChannel connects to a fixed channel, bypassing service lookup.
	DialChannel(ctx context.Context, peer string, channel uint8) (Stream, error)
}

// NotificationSink receives raw platform notifications.
type NotificationSink interface {
	Notify(n Notification)
}

// Platform abstracts the radio stack for the coordinator.
type Platform interface {
	Dialer

	// Present reports whether radio hardware exists.
	Present() bool
	// Enabled reports whether the adapter is powered.
	Enabled(ctx context.Context) (bool, error)
	// RequestEnable asks the platform to power the adapter. The outcome is
	// delivered later as a PowerChanged notification.
	RequestEnable(ctx context.Context) error
	// StartDiscovery begins an inquiry. Progress arrives as notifications.
	StartDiscovery(ctx context.Context) error
	// StopDiscovery cancels an inquiry. Stopping an idle adapter is not an error.
	StopDiscovery(ctx context.Context) error
	// Bond initiates pairing without waiting for it to complete.
	Bond(ctx context.Context, peer string) error
	// Watch delivers notifications to sink until ctx is done.
	Watch(ctx context.Context, sink NotificationSink) error
}
