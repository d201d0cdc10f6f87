package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// AdapterState tracks whether the radio exists, is powered and is scanning.
// Safe for concurrent use.
type AdapterState struct {
	mu       sync.Mutex
	present  bool
	enabled  bool
	scanning bool
}

// NewAdapterState returns the state observed at startup.
func NewAdapterState(present, enabled bool) *AdapterState {
	return &AdapterState{present: present, enabled: present && enabled}
}

func (a *AdapterState) Present() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.present
}

func (a *AdapterState) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *AdapterState) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// RequestEnable asks p to power the adapter. It does not change the state;
// the result is observed through OnPowerChanged.
func (a *AdapterState) RequestEnable(ctx context.Context, p Platform) error {
	if !a.Present() {
		return ErrAdapterAbsent
	}
	if a.Enabled() {
		return nil
	}
	if err := p.RequestEnable(ctx); err != nil {
		return fmt.Errorf("radio: request enable: %w", err)
	}
	return nil
}

// OnDiscoveryStarted records a discovery start. Ignored while disabled.
// Returns true if the state changed.
func (a *AdapterState) OnDiscoveryStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		slog.Debug("[RADIO] discovery started while adapter disabled, ignoring")
		return false
	}
	if a.scanning {
		return false
	}
	a.scanning = true
	return true
}

// OnDiscoveryFinished records the end of discovery.
func (a *AdapterState) OnDiscoveryFinished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.scanning {
		return false
	}
	a.scanning = false
	return true
}

// OnPowerChanged records an adapter power transition. Powering off also
// ends any scan.
func (a *AdapterState) OnPowerChanged(enabled bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.present || a.enabled == enabled {
		return false
	}
	a.enabled = enabled
	if !enabled {
		a.scanning = false
	}
	return true
}

// AdapterSnapshot is a copy of the adapter flags.
type AdapterSnapshot struct {
	Present  bool
	Enabled  bool
	Scanning bool
}

func (a *AdapterState) Snapshot() AdapterSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AdapterSnapshot{Present: a.present, Enabled: a.enabled, Scanning: a.scanning}
}

// check returns the error an intent should fail with, if any.
func (a *AdapterState) check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.present:
		return ErrAdapterAbsent
	case !a.enabled:
		return ErrAdapterDisabled
	}
	return nil
}
