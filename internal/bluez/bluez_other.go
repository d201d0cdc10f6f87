//go:build !linux

package bluez

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/chaz8081/peerlink/internal/radio"
)

var errNotLinux = errors.New("bluez: only available on linux")

// Platform is a placeholder on systems without BlueZ.
type Platform struct{}

var _ radio.Platform = (*Platform)(nil)

// New always fails off Linux; use the le backend instead.
func New(adapter string) (*Platform, error) {
	return nil, errNotLinux
}

func (p *Platform) Present() bool                         { return false }
func (p *Platform) Enabled(context.Context) (bool, error) { return false, ErrNoAdapter }
func (p *Platform) RequestEnable(context.Context) error   { return errNotLinux }
func (p *Platform) StartDiscovery(context.Context) error  { return errNotLinux }
func (p *Platform) StopDiscovery(context.Context) error   { return nil }
func (p *Platform) Bond(context.Context, string) error    { return errNotLinux }
func (p *Platform) Close() error                          { return nil }
func (p *Platform) Watch(ctx context.Context, _ radio.NotificationSink) error {
	<-ctx.Done()
	return nil
}

func (p *Platform) DialService(context.Context, string, uuid.UUID) (radio.Stream, error) {
	return nil, errNotLinux
}

func (p *Platform) DialChannel(context.Context, string, uint8) (radio.Stream, error) {
	return nil, errNotLinux
}
