package radio

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DefaultFallbackChannel is the reserved RFCOMM channel tried when the
// service record lookup fails.
const DefaultFallbackChannel uint8 = 1

// ConnectStrategy is one way of opening a stream to a peer.
type ConnectStrategy interface {
	Name() string
	Connect(ctx context.Context, peer string) (Stream, error)
}

// ServiceRecordConnect dials by service UUID.
type ServiceRecordConnect struct {
	Dialer  Dialer
	Service uuid.UUID
}

func (s ServiceRecordConnect) Name() string { return "service-record" }

func (s ServiceRecordConnect) Connect(ctx context.Context, peer string) (Stream, error) {
	return s.Dialer.DialService(ctx, peer, s.Service)
}

// FixedChannelConnect dials a hardcoded channel number.
type FixedChannelConnect struct {
	Dialer  Dialer
	Channel uint8
}

func (s FixedChannelConnect) Name() string { return fmt.Sprintf("fixed-channel-%d", s.Channel) }

func (s FixedChannelConnect) Connect(ctx context.Context, peer string) (Stream, error) {
	return s.Dialer.DialChannel(ctx, peer, s.Channel)
}

// ConnectPlan is the fallback policy for a session: Primary first, then
// Fallback if Primary fails for any reason. Fallback may be nil.
type ConnectPlan struct {
	Primary  ConnectStrategy
	Fallback ConnectStrategy
}

// DefaultPlan is service record lookup with a fixed channel fallback.
func DefaultPlan(d Dialer, service uuid.UUID, channel uint8) ConnectPlan {
	if channel == 0 {
		channel = DefaultFallbackChannel
	}
	return ConnectPlan{
		Primary:  ServiceRecordConnect{Dialer: d, Service: service},
		Fallback: FixedChannelConnect{Dialer: d, Channel: channel},
	}
}
