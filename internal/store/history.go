package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/peerlink/internal/radio"
)

// PeerRecord is a peer as last seen.
type PeerRecord struct {
	ID        string
	Name      string
	Bond      radio.BondState
	FirstSeen time.Time
	LastSeen  time.Time
}

// BondEvent is one recorded bond transition.
type BondEvent struct {
	PeerID string
	Bond   radio.BondState
	At     time.Time
}

// SessionRecord is the latest known outcome of a connection session.
type SessionRecord struct {
	SessionID string
	PeerID    string
	State     string
	Strategy  string
	LastError string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Compile-time check that Store can back the coordinator's history.
var _ radio.History = (*Store)(nil)

func parseBond(s string) radio.BondState {
	switch s {
	case "BONDING":
		return radio.BondBonding
	case "BONDED":
		return radio.BondBonded
	default:
		return radio.BondNone
	}
}

// PeerSeen records or refreshes a peer. An empty name never overwrites a
// stored one.
func (s *Store) PeerSeen(p radio.Peer) {
	if err := s.upsertPeer(p); err != nil {
		slog.Warn("[STORE] failed to record peer", "peer", p.ID, "error", err)
	}
}

func (s *Store) upsertPeer(p radio.Peer) error {
	if p.ID == "" {
		return errors.New("peer id is required")
	}
	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, name, bond, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE peers.name END,
			bond = excluded.bond,
			last_seen = excluded.last_seen`,
		p.ID, p.Name, p.Bond.String(), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", p.ID, err)
	}
	return nil
}

// BondChanged logs the transition and updates the peer row if present.
func (s *Store) BondChanged(id string, state radio.BondState) {
	if err := s.recordBond(id, state); err != nil {
		slog.Warn("[STORE] failed to record bond change", "peer", id, "error", err)
	}
}

func (s *Store) recordBond(id string, state radio.BondState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin bond transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := nowUnixMilli()
	if _, err := tx.Exec(
		`INSERT INTO bond_events (peer_id, bond, timestamp) VALUES (?, ?, ?)`,
		id, state.String(), now,
	); err != nil {
		return fmt.Errorf("insert bond event: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE peers SET bond = ?, last_seen = ? WHERE peer_id = ?`,
		state.String(), now, id,
	); err != nil {
		return fmt.Errorf("update peer bond: %w", err)
	}
	return tx.Commit()
}

// SessionFinished stores the latest status of a session, keyed by its ID.
func (s *Store) SessionFinished(st radio.ConnectionStatus) {
	if err := s.upsertSession(st); err != nil {
		slog.Warn("[STORE] failed to record session", "session", st.SessionID, "error", err)
	}
}

func (s *Store) upsertSession(st radio.ConnectionStatus) error {
	if st.SessionID == "" {
		return errors.New("session id is required")
	}
	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, peer_id, state, strategy, last_error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			strategy = CASE WHEN excluded.strategy != '' THEN excluded.strategy ELSE sessions.strategy END,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.SessionID, st.Peer, st.State.String(), st.Strategy, st.LastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert session %q: %w", st.SessionID, err)
	}
	return nil
}

// GetPeer fetches a peer by ID.
func (s *Store) GetPeer(id string) (*PeerRecord, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, name, bond, first_seen, last_seen FROM peers WHERE peer_id = ?`,
		id,
	)
	p, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", id, err)
	}
	return p, nil
}

// ListPeers returns all known peers, most recently seen first.
func (s *Store) ListPeers() ([]PeerRecord, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, name, bond, first_seen, last_seen
		FROM peers
		ORDER BY last_seen DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]PeerRecord, 0)
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *p)
	}
	return peers, rows.Err()
}

// BondHistory returns the bond transitions of a peer, oldest first.
func (s *Store) BondHistory(id string) ([]BondEvent, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, bond, timestamp FROM bond_events
		WHERE peer_id = ?
		ORDER BY timestamp, id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list bond events: %w", err)
	}
	defer rows.Close()

	events := make([]BondEvent, 0)
	for rows.Next() {
		var (
			e    BondEvent
			bond string
			ts   int64
		)
		if err := rows.Scan(&e.PeerID, &bond, &ts); err != nil {
			return nil, fmt.Errorf("scan bond event: %w", err)
		}
		e.Bond = parseBond(bond)
		e.At = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentSessions returns up to limit sessions, most recently updated first.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT session_id, peer_id, state, strategy, last_error, started_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC, rowid DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]SessionRecord, 0)
	for rows.Next() {
		var (
			r                SessionRecord
			started, updated int64
		)
		if err := rows.Scan(&r.SessionID, &r.PeerID, &r.State, &r.Strategy, &r.LastError, &started, &updated); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.UpdatedAt = time.UnixMilli(updated)
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*PeerRecord, error) {
	var (
		p                   PeerRecord
		bond                string
		firstSeen, lastSeen int64
	)
	if err := row.Scan(&p.ID, &p.Name, &bond, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	p.Bond = parseBond(bond)
	p.FirstSeen = time.UnixMilli(firstSeen)
	p.LastSeen = time.UnixMilli(lastSeen)
	return &p, nil
}
