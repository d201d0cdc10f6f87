package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the immutable view handed to the presentation layer.
type Snapshot struct {
	AdapterPresent bool
	AdapterEnabled bool
	Scanning       bool
	Peers          []Peer
	Connections    []ConnectionStatus
}

// History receives a record of notable changes. Implementations must not
// block for long; they are called on the event loop and session workers.
type History interface {
	PeerSeen(p Peer)
	BondChanged(id string, state BondState)
	SessionFinished(st ConnectionStatus)
}

// Options configures a Coordinator.
type Options struct {
	Service         uuid.UUID
	FallbackChannel uint8
	ConnectTimeout  time.Duration
	// ClearOnRescan forgets previously discovered peers when a new scan is
	// started by the user.
	ClearOnRescan bool
	QueueSize     int
	History       History
}

// Coordinator owns adapter state, the peer registry and connection
// sessions, and turns platform events and user intents into snapshots.
type Coordinator struct {
	platform Platform
	opts     Options
	bus      *EventBus
	adapter  *AdapterState
	registry *PeerRegistry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string

	subMu  sync.Mutex
	subs   []chan Snapshot
	last   Snapshot
	closed bool
}

// New queries the platform and returns a coordinator. An absent adapter is
// not an error: it is reported through the snapshot and every intent fails
// with ErrAdapterAbsent.
func New(ctx context.Context, p Platform, opts Options) *Coordinator {
	if opts.FallbackChannel == 0 {
		opts.FallbackChannel = DefaultFallbackChannel
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	present := p.Present()
	enabled := false
	if present {
		var err error
		enabled, err = p.Enabled(ctx)
		if err != nil {
			slog.Warn("[RADIO] could not read adapter power state", "error", err)
		}
	} else {
		slog.Error("[RADIO] no Bluetooth adapter present")
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		platform: p,
		opts:     opts,
		bus:      NewEventBus(opts.QueueSize),
		adapter:  NewAdapterState(present, enabled),
		registry: NewPeerRegistry(),
		ctx:      cctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	c.last = c.buildSnapshot()
	return c
}

// Bus returns the event bus platform notifications are delivered to.
func (c *Coordinator) Bus() *EventBus { return c.bus }

// Registry exposes the peer registry for read access.
func (c *Coordinator) Registry() *PeerRegistry { return c.registry }

// Run watches the platform and applies events until ctx is done or Close
// is called. The bus is closed when Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	// Nothing drains the bus once Run returns; release blocked producers.
	defer c.bus.Close()

	if !c.adapter.Present() {
		<-ctx.Done()
		return nil
	}

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- c.platform.Watch(ctx, c.bus)
	}()

	for {
		select {
		case ev := <-c.bus.Events():
			c.apply(ev)
		case err := <-watchErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("radio: watch platform: %w", err)
			}
			watchErr = nil
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) apply(ev Event) {
	changed := false
	switch e := ev.(type) {
	case PeerFound:
		changed = c.registry.Record(e.Peer)
		if changed && c.opts.History != nil {
			if p, ok := c.registry.Get(e.Peer.ID); ok {
				c.opts.History.PeerSeen(p)
			}
		}
	case DiscoveryStarted:
		changed = c.adapter.OnDiscoveryStarted()
	case DiscoveryFinished:
		changed = c.adapter.OnDiscoveryFinished()
	case BondStateChanged:
		changed = c.registry.UpdateBond(e.ID, e.State)
		if changed {
			slog.Info("[RADIO] bond state changed", "peer", e.ID, "state", e.State)
			if c.opts.History != nil {
				c.opts.History.BondChanged(e.ID, e.State)
			}
		}
	case AdapterPowerChanged:
		changed = c.adapter.OnPowerChanged(e.Enabled)
		if changed {
			slog.Info("[RADIO] adapter power changed", "enabled", e.Enabled)
		}
	}
	if changed {
		c.publish()
	}
}

// Activate is the start signal from the host: refresh the power state and
// begin discovery if the adapter is on and idle.
func (c *Coordinator) Activate(ctx context.Context) error {
	if !c.adapter.Present() {
		return ErrAdapterAbsent
	}
	enabled, err := c.platform.Enabled(ctx)
	if err != nil {
		return fmt.Errorf("radio: read adapter power: %w", err)
	}
	if c.adapter.OnPowerChanged(enabled) {
		c.publish()
	}
	if !enabled {
		slog.Info("[RADIO] adapter disabled, waiting for enable request")
		return nil
	}
	if c.adapter.Scanning() {
		return nil
	}
	if err := c.platform.StartDiscovery(ctx); err != nil {
		return fmt.Errorf("radio: start discovery: %w", err)
	}
	return nil
}

// Deactivate is the stop signal from the host. Discovery is cancelled; peers
// and sessions are kept.
func (c *Coordinator) Deactivate(ctx context.Context) error {
	if !c.adapter.Present() || !c.adapter.Enabled() {
		return nil
	}
	if err := c.platform.StopDiscovery(ctx); err != nil {
		return fmt.Errorf("radio: stop discovery: %w", err)
	}
	return nil
}

// StartScan starts discovery unless it is already running.
func (c *Coordinator) StartScan(ctx context.Context) error {
	if err := c.adapter.check(); err != nil {
		return err
	}
	if c.adapter.Scanning() {
		slog.Debug("[RADIO] scan already running")
		return nil
	}
	if c.opts.ClearOnRescan && c.registry.Len() > 0 {
		c.registry.Clear()
		c.publish()
	}
	if err := c.platform.StartDiscovery(ctx); err != nil {
		return fmt.Errorf("radio: start discovery: %w", err)
	}
	slog.Info("[RADIO] discovery requested")
	return nil
}

// RequestEnable asks the platform to power on the adapter.
func (c *Coordinator) RequestEnable(ctx context.Context) error {
	return c.adapter.RequestEnable(ctx, c.platform)
}

// RequestBond starts pairing with a discovered peer.
func (c *Coordinator) RequestBond(ctx context.Context, id string) error {
	if err := c.adapter.check(); err != nil {
		return err
	}
	p, ok := c.registry.Get(id)
	if !ok {
		return &Error{Kind: UnknownPeer, Peer: NormalizeID(id)}
	}
	if p.Bond != BondNone {
		slog.Debug("[RADIO] bond already in progress or complete", "peer", p.ID, "state", p.Bond)
		return nil
	}
	if err := c.platform.Bond(ctx, p.ID); err != nil {
		return fmt.Errorf("radio: bond with %s: %w", p.ID, err)
	}
	slog.Info("[RADIO] bonding requested", "peer", p.ID)
	return nil
}

// Connect opens a session to a bonded peer. If a session for the peer is
// not yet finished it is returned unchanged.
func (c *Coordinator) Connect(ctx context.Context, id string) (*Session, error) {
	if err := c.adapter.check(); err != nil {
		return nil, err
	}
	p, ok := c.registry.Get(id)
	if !ok {
		return nil, &Error{Kind: UnknownPeer, Peer: NormalizeID(id)}
	}
	if p.Bond != BondBonded {
		return nil, &Error{Kind: NotBonded, Peer: p.ID}
	}

	c.mu.Lock()
	// A session that is still IDLE has been handed out but not started yet.
	if s, ok := c.sessions[p.ID]; ok && !s.State().Terminal() {
		c.mu.Unlock()
		return s, nil
	}
	s := NewSession(p.ID, SessionOptions{
		Plan:          DefaultPlan(c.platform, c.opts.Service, c.opts.FallbackChannel),
		Timeout:       c.opts.ConnectTimeout,
		StopDiscovery: c.platform.StopDiscovery,
		OnChange:      c.sessionChanged,
	})
	if _, exists := c.sessions[p.ID]; !exists {
		c.order = append(c.order, p.ID)
	}
	c.sessions[p.ID] = s
	c.mu.Unlock()

	if err := s.Start(c.ctx); err != nil {
		c.mu.Lock()
		if c.sessions[p.ID] == s {
			delete(c.sessions, p.ID)
			c.order = removeID(c.order, p.ID)
		}
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// CancelConnect aborts a session that is still dialing, or closes one that
// is connected.
func (c *Coordinator) CancelConnect(id string) error {
	s, ok := c.Session(id)
	if !ok {
		return &Error{Kind: UnknownPeer, Peer: NormalizeID(id)}
	}
	if s.Cancel() {
		return nil
	}
	return s.Close()
}

// Session returns the latest session for a peer.
func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[NormalizeID(id)]
	return s, ok
}

func (c *Coordinator) sessionChanged(s *Session) {
	st := s.Status()
	if (st.State.Terminal() || st.State == StateConnected) && c.opts.History != nil {
		c.opts.History.SessionFinished(st)
	}
	if st.State == StateClosed {
		c.mu.Lock()
		if c.sessions[st.Peer] == s {
			delete(c.sessions, st.Peer)
			c.order = removeID(c.order, st.Peer)
		}
		c.mu.Unlock()
	}
	c.publish()
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Snapshot returns the most recently published snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.last
}

// Subscribe returns a channel that always holds the newest snapshot. Stale
// snapshots are replaced rather than queued. After Close the channel
// yields the final snapshot and is closed.
func (c *Coordinator) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch <- c.last
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Coordinator) buildSnapshot() Snapshot {
	a := c.adapter.Snapshot()
	snap := Snapshot{
		AdapterPresent: a.Present,
		AdapterEnabled: a.Enabled,
		Scanning:       a.Scanning,
		Peers:          c.registry.List(),
	}
	c.mu.Lock()
	for _, id := range c.order {
		snap.Connections = append(snap.Connections, c.sessions[id].Status())
	}
	c.mu.Unlock()
	return snap
}

func (c *Coordinator) publish() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	snap := c.buildSnapshot()
	c.last = snap
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Close cancels all sessions, closes connected streams and stops the bus.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if s.Cancel() {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.cancel()
	c.bus.Close()

	c.subMu.Lock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.closed = true
	c.subMu.Unlock()
	return firstErr
}
