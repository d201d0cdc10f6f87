package radio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const speakerID = "00:11:22:33:44:55"

// mockHistory records history callbacks.
type mockHistory struct {
	mu       sync.Mutex
	seen     []Peer
	bonds    []BondState
	sessions []ConnectionStatus
}

func (h *mockHistory) PeerSeen(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, p)
}

func (h *mockHistory) BondChanged(_ string, state BondState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bonds = append(h.bonds, state)
}

func (h *mockHistory) SessionFinished(st ConnectionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = append(h.sessions, st)
}

func newTestCoordinator(t *testing.T, p *mockPlatform, opts Options) *Coordinator {
	t.Helper()
	opts.Service = testService
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	c := New(context.Background(), p, opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func discoverSpeaker(c *Coordinator, bond BondState) {
	c.apply(PeerFound{Peer: Peer{ID: speakerID, Name: "Speaker"}})
	if bond != BondNone {
		c.apply(BondStateChanged{ID: speakerID, State: bond})
	}
}

func TestAdapterAbsentRejectsIntents(t *testing.T) {
	p := newMockPlatform(false, false)
	c := newTestCoordinator(t, p, Options{})
	ctx := context.Background()

	snap := c.Snapshot()
	if snap.AdapterPresent {
		t.Error("AdapterPresent = true, want false")
	}

	if err := c.StartScan(ctx); !errors.Is(err, ErrAdapterAbsent) {
		t.Errorf("StartScan() error = %v, want ErrAdapterAbsent", err)
	}
	if _, err := c.Connect(ctx, speakerID); !errors.Is(err, ErrAdapterAbsent) {
		t.Errorf("Connect() error = %v, want ErrAdapterAbsent", err)
	}
	if err := c.RequestBond(ctx, speakerID); !errors.Is(err, ErrAdapterAbsent) {
		t.Errorf("RequestBond() error = %v, want ErrAdapterAbsent", err)
	}
	if err := c.RequestEnable(ctx); !errors.Is(err, ErrAdapterAbsent) {
		t.Errorf("RequestEnable() error = %v, want ErrAdapterAbsent", err)
	}
	if err := c.Activate(ctx); !errors.Is(err, ErrAdapterAbsent) {
		t.Errorf("Activate() error = %v, want ErrAdapterAbsent", err)
	}
	if c.Registry().Len() != 0 {
		t.Errorf("registry size = %d, want 0", c.Registry().Len())
	}
	if len(p.callLog()) != 0 {
		t.Errorf("platform calls = %v, want none", p.callLog())
	}
}

func TestAdapterDisabledRejectsScan(t *testing.T) {
	p := newMockPlatform(true, false)
	c := newTestCoordinator(t, p, Options{})

	if err := c.StartScan(context.Background()); !errors.Is(err, ErrAdapterDisabled) {
		t.Errorf("StartScan() error = %v, want ErrAdapterDisabled", err)
	}
	if err := c.RequestEnable(context.Background()); err != nil {
		t.Fatalf("RequestEnable() error = %v", err)
	}
	if p.called("enable") != 1 {
		t.Error("RequestEnable() did not reach the platform")
	}

	c.apply(AdapterPowerChanged{Enabled: true})
	if !c.Snapshot().AdapterEnabled {
		t.Error("snapshot should show the adapter enabled")
	}
	if err := c.StartScan(context.Background()); err != nil {
		t.Errorf("StartScan() error = %v after enable", err)
	}
}

func TestBondedPeerCanConnect(t *testing.T) {
	p := newMockPlatform(true, true)
	c := newTestCoordinator(t, p, Options{})

	discoverSpeaker(c, BondBonded)

	snap := c.Snapshot()
	if len(snap.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(snap.Peers))
	}
	if snap.Peers[0].Bond != BondBonded || snap.Peers[0].Name != "Speaker" {
		t.Errorf("peer = %+v, want Speaker BONDED", snap.Peers[0])
	}

	s, err := c.Connect(context.Background(), speakerID)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitDone(t, s)

	snap = c.Snapshot()
	if len(snap.Connections) != 1 {
		t.Fatalf("len(Connections) = %d, want 1", len(snap.Connections))
	}
	if snap.Connections[0].State != StateConnected {
		t.Errorf("connection state = %v, want CONNECTED", snap.Connections[0].State)
	}
}

func TestConnectNotBondedSpawnsNoWorker(t *testing.T) {
	p := newMockPlatform(true, true)
	c := newTestCoordinator(t, p, Options{})
	discoverSpeaker(c, BondNone)

	s, err := c.Connect(context.Background(), speakerID)
	if !errors.Is(err, ErrNotBonded) {
		t.Fatalf("Connect() error = %v, want ErrNotBonded", err)
	}
	if s != nil {
		t.Error("Connect() returned a session for an unbonded peer")
	}
	if _, ok := c.Session(speakerID); ok {
		t.Error("a session was registered for an unbonded peer")
	}
	time.Sleep(20 * time.Millisecond)
	if len(p.callLog()) != 0 {
		t.Errorf("platform calls = %v, want none", p.callLog())
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	p := newMockPlatform(true, true)
	c := newTestCoordinator(t, p, Options{})

	if _, err := c.Connect(context.Background(), "DE:AD:BE:EF:00:00"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Connect() error = %v, want ErrUnknownPeer", err)
	}
}

func TestConnectWhileActiveReturnsSameSession(t *testing.T) {
	p := newMockPlatform(true, true)
	opened := make(chan *mockStream, 1)
	p.dialService = blockingDial(opened)
	c := newTestCoordinator(t, p, Options{})
	discoverSpeaker(c, BondBonded)

	first, err := c.Connect(context.Background(), speakerID)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	<-opened
	second, err := c.Connect(context.Background(), speakerID)
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if first != second {
		t.Error("second Connect() created a new session while the first was dialing")
	}
}

func TestCancelConnectMidConnecting(t *testing.T) {
	p := newMockPlatform(true, true)
	opened := make(chan *mockStream, 1)
	p.dialService = blockingDial(opened)
	h := &mockHistory{}
	c := newTestCoordinator(t, p, Options{History: h})
	discoverSpeaker(c, BondBonded)

	s, err := c.Connect(context.Background(), speakerID)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	stream := <-opened

	if err := c.CancelConnect(speakerID); err != nil {
		t.Fatalf("CancelConnect() error = %v", err)
	}
	waitDone(t, s)

	snap := c.Snapshot()
	if len(snap.Connections) != 1 {
		t.Fatalf("len(Connections) = %d, want 1", len(snap.Connections))
	}
	conn := snap.Connections[0]
	if conn.State != StateFailed || conn.LastError != "" {
		t.Errorf("connection = %+v, want FAILED with empty error", conn)
	}
	if !stream.isClosed() {
		t.Error("stream resource was not released")
	}

	// A fresh intent creates a fresh session.
	p.dialService = nil
	next, err := c.Connect(context.Background(), speakerID)
	if err != nil {
		t.Fatalf("Connect() after cancel error = %v", err)
	}
	if next == s {
		t.Error("Connect() reused a terminated session")
	}
	waitDone(t, next)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) != 2 {
		t.Fatalf("history sessions = %d, want 2", len(h.sessions))
	}
	if h.sessions[0].State != StateFailed || h.sessions[1].State != StateConnected {
		t.Errorf("history = %+v", h.sessions)
	}
}

func TestCancelConnectClosesConnectedSession(t *testing.T) {
	p := newMockPlatform(true, true)
	stream := &mockStream{}
	p.dialService = func(context.Context, string) (Stream, error) { return stream, nil }
	c := newTestCoordinator(t, p, Options{})
	discoverSpeaker(c, BondBonded)

	s, _ := c.Connect(context.Background(), speakerID)
	waitDone(t, s)

	if err := c.CancelConnect(speakerID); err != nil {
		t.Fatalf("CancelConnect() error = %v", err)
	}
	if !stream.isClosed() {
		t.Error("stream not closed")
	}
	if _, ok := c.Session(speakerID); ok {
		t.Error("closed session should be forgotten")
	}
	if n := len(c.Snapshot().Connections); n != 0 {
		t.Errorf("len(Connections) = %d, want 0", n)
	}
}

func TestConnectFailureSurfacesPrimaryError(t *testing.T) {
	p := newMockPlatform(true, true)
	p.dialService = func(context.Context, string) (Stream, error) { return nil, errRefused }
	p.dialChannel = func(context.Context, string, uint8) (Stream, error) {
		return nil, errors.New("host is down")
	}
	c := newTestCoordinator(t, p, Options{})
	discoverSpeaker(c, BondBonded)

	s, _ := c.Connect(context.Background(), speakerID)
	waitDone(t, s)

	conn := c.Snapshot().Connections[0]
	if conn.State != StateFailed || conn.LastError != errRefused.Error() {
		t.Errorf("connection = %+v, want FAILED with %q", conn, errRefused.Error())
	}
}

func TestActivateStartsDiscovery(t *testing.T) {
	p := newMockPlatform(true, true)
	c := newTestCoordinator(t, p, Options{})

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if p.called("start_discovery") != 1 {
		t.Errorf("start_discovery calls = %d, want 1", p.called("start_discovery"))
	}

	c.apply(DiscoveryStarted{})
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if p.called("start_discovery") != 1 {
		t.Error("Activate() restarted discovery that was already running")
	}

	discoverSpeaker(c, BondNone)
	if err := c.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if p.called("stop_discovery") != 1 {
		t.Errorf("stop_discovery calls = %d, want 1", p.called("stop_discovery"))
	}
	if c.Registry().Len() != 1 {
		t.Error("Deactivate() must keep discovered peers")
	}
}

func TestActivateWithAdapterDisabled(t *testing.T) {
	p := newMockPlatform(true, false)
	c := newTestCoordinator(t, p, Options{})

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if p.called("start_discovery") != 0 {
		t.Error("Activate() started discovery on a disabled adapter")
	}
	if c.Snapshot().AdapterEnabled {
		t.Error("snapshot should expose the disabled adapter")
	}
}

func TestStartScanRegistryPolicy(t *testing.T) {
	tests := []struct {
		name          string
		clearOnRescan bool
		wantPeers     int
	}{
		{"accumulate", false, 1},
		{"clear", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMockPlatform(true, true)
			c := newTestCoordinator(t, p, Options{ClearOnRescan: tt.clearOnRescan})
			discoverSpeaker(c, BondNone)

			if err := c.StartScan(context.Background()); err != nil {
				t.Fatalf("StartScan() error = %v", err)
			}
			if got := len(c.Snapshot().Peers); got != tt.wantPeers {
				t.Errorf("len(Peers) = %d, want %d", got, tt.wantPeers)
			}
		})
	}
}

func TestRequestBond(t *testing.T) {
	p := newMockPlatform(true, true)
	c := newTestCoordinator(t, p, Options{})

	if err := c.RequestBond(context.Background(), speakerID); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("RequestBond() error = %v, want ErrUnknownPeer", err)
	}

	discoverSpeaker(c, BondNone)
	if err := c.RequestBond(context.Background(), speakerID); err != nil {
		t.Fatalf("RequestBond() error = %v", err)
	}
	if p.called("bond "+speakerID) != 1 {
		t.Errorf("calls = %v, want bond request", p.callLog())
	}

	c.apply(BondStateChanged{ID: speakerID, State: BondBonding})
	if err := c.RequestBond(context.Background(), speakerID); err != nil {
		t.Fatalf("RequestBond() error = %v", err)
	}
	if p.called("bond "+speakerID) != 1 {
		t.Error("RequestBond() while bonding should not re-initiate")
	}
}

func TestRunAppliesPlatformNotifications(t *testing.T) {
	p := newMockPlatform(true, true)
	h := &mockHistory{}
	c := newTestCoordinator(t, p, Options{History: h})
	updates := c.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	<-p.watched

	p.SimulateNotification(Notification{Kind: NotifyDiscoveryStarted})
	p.SimulateNotification(Notification{Kind: NotifyDeviceFound, Address: "00:11:22:33:44:55", Name: "Speaker"})
	p.SimulateNotification(Notification{Kind: NotifyBondChanged, Address: "de:ad:be:ef:00:00", Bond: BondBonded})
	p.SimulateNotification(Notification{Kind: NotifyBondChanged, Address: "00:11:22:33:44:55", Bond: BondBonded})
	p.SimulateNotification(Notification{Kind: NotifyDiscoveryFinished})

	deadline := time.After(2 * time.Second)
	for {
		var snap Snapshot
		select {
		case snap = <-updates:
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot, last = %+v", c.Snapshot())
		}
		if !snap.Scanning && len(snap.Peers) == 1 && snap.Peers[0].Bond == BondBonded {
			break
		}
	}

	if c.Registry().Len() != 1 {
		t.Errorf("registry size = %d, want 1 (unknown bond event must not add peers)", c.Registry().Len())
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) != 1 || len(h.bonds) != 1 {
		t.Errorf("history seen = %d bonds = %d, want 1 and 1", len(h.seen), len(h.bonds))
	}
}

func TestCloseCancelsSessions(t *testing.T) {
	p := newMockPlatform(true, true)
	opened := make(chan *mockStream, 1)
	p.dialService = blockingDial(opened)
	c := New(context.Background(), p, Options{Service: testService})
	discoverSpeaker(c, BondBonded)

	s, err := c.Connect(context.Background(), speakerID)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	<-opened
	updates := c.Subscribe()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitDone(t, s)
	if s.State() != StateFailed {
		t.Errorf("State() = %v, want FAILED", s.State())
	}
	waitFor(t, "subscription to close", func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	})
}

func TestConcurrentConnectSharesOneSession(t *testing.T) {
	const callers = 8

	for round := 0; round < 50; round++ {
		p := newMockPlatform(true, true)
		opened := make(chan *mockStream, callers)
		p.dialService = blockingDial(opened)
		c := newTestCoordinator(t, p, Options{})
		discoverSpeaker(c, BondBonded)

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			sessions = make([]*Session, callers)
			errs     = make([]error, callers)
		)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				sessions[i], errs[i] = c.Connect(context.Background(), speakerID)
			}()
		}
		close(start)
		wg.Wait()

		for i := range callers {
			if errs[i] != nil {
				t.Fatalf("round %d: Connect() error = %v", round, errs[i])
			}
			if sessions[i] != sessions[0] {
				t.Fatalf("round %d: caller %d got a different session", round, i)
			}
		}
		<-opened
		if tracked, _ := c.Session(speakerID); tracked != sessions[0] {
			t.Fatalf("round %d: coordinator tracks a different session", round)
		}
		if n := p.called("dial_service"); n != 1 {
			t.Fatalf("round %d: dial_service calls = %d, want 1", round, n)
		}
		c.Close()
	}
}

func TestRunClosesBusOnExit(t *testing.T) {
	p := newMockPlatform(true, true)
	c := newTestCoordinator(t, p, Options{QueueSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	<-p.watched

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// With no consumer left, a producer must not block on a full queue.
	published := make(chan struct{})
	go func() {
		c.Bus().Publish(DiscoveryStarted{})
		c.Bus().Publish(DiscoveryStarted{})
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish() blocked after Run returned")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	p := newMockPlatform(true, true)
	c := New(context.Background(), p, Options{Service: testService})
	discoverSpeaker(c, BondNone)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	updates := c.Subscribe()
	snap, ok := <-updates
	if !ok {
		t.Fatal("Subscribe() after Close should still yield the last snapshot")
	}
	if len(snap.Peers) != 1 {
		t.Errorf("last snapshot peers = %d, want 1", len(snap.Peers))
	}
	select {
	case _, ok := <-updates:
		if ok {
			t.Error("subscription after Close should be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription after Close was never closed")
	}
}
