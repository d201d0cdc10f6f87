package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the state of a connection session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateFallbackConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateFallbackConnecting:
		return "FALLBACK_CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the session is dialing or connected.
func (s SessionState) Active() bool {
	return s == StateConnecting || s == StateFallbackConnecting || s == StateConnected
}

// Terminal reports whether the session can no longer change state.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 12 * time.Second

var errSessionSpent = errors.New("radio: session already terminated")

// SessionOptions configures a Session.
type SessionOptions struct {
	Plan ConnectPlan
	// Timeout bounds each dial attempt separately.
	Timeout time.Duration
	// StopDiscovery runs on the worker before the first dial. The radio
	// cannot inquire and page reliably at the same time.
	StopDiscovery func(ctx context.Context) error
	// OnChange is called after every state transition, outside any lock.
	OnChange func(*Session)
}

// ConnectionStatus is a copy of a session's observable state.
type ConnectionStatus struct {
	SessionID string
	Peer      string
	State     SessionState
	Strategy  string // strategy that produced the stream, if connected
	LastError string // set only when a connect attempt definitively failed
}

// Session is a single-use connect attempt to one peer. Once it fails or
// its stream is closed a new Session must be created.
type Session struct {
	id   string
	peer string
	opts SessionOptions

	mu        sync.Mutex
	state     SessionState
	stream    Stream
	strategy  string
	lastErr   string
	err       error
	cancelled bool
	started   bool
	cancel    context.CancelFunc

	done chan struct{}
}

// NewSession creates an idle session for peer.
func NewSession(peer string, opts SessionOptions) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	return &Session{
		id:   uuid.NewString(),
		peer: NormalizeID(peer),
		opts: opts,
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Peer() string { return s.peer }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError is the user-facing failure message. It is empty unless both
// connect strategies failed, and holds the primary strategy's message.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Err returns the terminal cause: a ConnectFailedFinal or Cancelled
// *Error, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stream returns the connected stream. The caller becomes responsible for
// serializing reads and writes on it.
func (s *Session) Stream() (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream, s.state == StateConnected && s.stream != nil
}

// Done is closed when the connect attempt has finished, successfully or not.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the attempt finishes and returns the terminal cause.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionStatus{
		SessionID: s.id,
		Peer:      s.peer,
		State:     s.state,
		Strategy:  s.strategy,
		LastError: s.lastErr,
	}
}

// Start moves the session to CONNECTING and dials on a new goroutine.
// Calling Start on a session that is already dialing or connected is a
// no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state.Active():
		s.mu.Unlock()
		slog.Debug("[RADIO] session already active", "peer", s.peer, "state", s.state)
		return nil
	case s.state.Terminal():
		s.mu.Unlock()
		return errSessionSpent
	}
	if s.opts.Plan.Primary == nil {
		s.mu.Unlock()
		return fmt.Errorf("radio: session for %s has no connect strategy", s.peer)
	}
	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.state = StateConnecting
	s.mu.Unlock()

	s.changed()
	go s.run(wctx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	if s.opts.StopDiscovery != nil {
		if err := s.opts.StopDiscovery(ctx); err != nil {
			slog.Warn("[RADIO] failed to stop discovery before connect", "peer", s.peer, "error", err)
		}
	}

	primary := s.opts.Plan.Primary
	stream, primaryErr := s.dial(ctx, primary)
	if primaryErr == nil {
		s.connected(stream, primary)
		return
	}
	if s.isCancelled() {
		return
	}

	fallback := s.opts.Plan.Fallback
	if fallback == nil {
		slog.Warn("[RADIO] connect failed", "peer", s.peer, "strategy", primary.Name(), "error", primaryErr)
		s.fail(primaryErr)
		return
	}

	slog.Info("[RADIO] primary connect failed, trying fallback",
		"peer", s.peer, "strategy", primary.Name(), "fallback", fallback.Name(), "error", primaryErr)
	if !s.transition(StateConnecting, StateFallbackConnecting) {
		return
	}
	s.changed()

	stream, fallbackErr := s.dial(ctx, fallback)
	if fallbackErr == nil {
		s.connected(stream, fallback)
		return
	}
	if s.isCancelled() {
		return
	}

	// The primary error is the more useful one to show: fixed channel dials
	// usually fail with a generic refusal.
	slog.Warn("[RADIO] fallback connect failed", "peer", s.peer, "strategy", fallback.Name(), "error", fallbackErr)
	s.fail(primaryErr)
}

// dial runs one strategy under the per-attempt timeout.
func (s *Session) dial(ctx context.Context, strategy ConnectStrategy) (Stream, error) {
	actx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	stream, err := strategy.Connect(actx, s.peer)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, fmt.Errorf("radio: %s returned no stream", strategy.Name())
	}
	return stream, nil
}

func (s *Session) connected(stream Stream, strategy ConnectStrategy) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		// Cancel won the race against a dial that completed anyway.
		if err := stream.Close(); err != nil {
			slog.Warn("[RADIO] could not close stream after cancel", "peer", s.peer, "error", err)
		}
		return
	}
	s.state = StateConnected
	s.stream = stream
	s.strategy = strategy.Name()
	s.lastErr = ""
	s.mu.Unlock()

	slog.Info("[RADIO] connected", "peer", s.peer, "strategy", strategy.Name(), "session", s.id)
	s.changed()
}

func (s *Session) fail(primaryErr error) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.lastErr = primaryErr.Error()
	s.err = &Error{Kind: ConnectFailedFinal, Peer: s.peer, Err: primaryErr}
	s.mu.Unlock()

	s.changed()
}

func (s *Session) transition(from, to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Cancel aborts a session that has not connected yet. The session ends in
// FAILED with no user-visible message. Reports whether anything was
// cancelled.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateConnecting, StateFallbackConnecting:
	default:
		s.mu.Unlock()
		return false
	}
	started := s.started
	s.cancelled = true
	s.state = StateFailed
	s.lastErr = ""
	s.err = &Error{Kind: Cancelled, Peer: s.peer}
	cancel := s.cancel
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("[RADIO] could not close stream", "peer", s.peer, "error", err)
		}
	}
	if !started {
		close(s.done)
	}

	slog.Info("[RADIO] connect cancelled", "peer", s.peer, "session", s.id)
	s.changed()
	return true
}

// Close releases the stream of a connected session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	stream := s.stream
	s.stream = nil
	s.state = StateClosed
	s.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	slog.Info("[RADIO] connection closed", "peer", s.peer, "session", s.id)
	s.changed()
	if err != nil {
		return fmt.Errorf("radio: close stream to %s: %w", s.peer, err)
	}
	return nil
}

func (s *Session) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange(s)
	}
}
