package ble

import (
	"io"
	"log/slog"
	"slices"
	"sync"
)

// defaultMaxChunk is the ATT payload of the minimum 23-byte MTU.
const defaultMaxChunk = 20

// rxBacklog bounds notifications buffered ahead of Read.
const rxBacklog = 64

// gattStream presents a write characteristic and a notify characteristic
// as an io.ReadWriteCloser. Writes are split into maxChunk pieces; each
// notification is one read chunk.
type gattStream struct {
	conn     Connection
	tx       Characteristic
	maxChunk int

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

func newGATTStream(conn Connection, tx, rx Characteristic, maxChunk int) (*gattStream, error) {
	s := &gattStream{
		conn:     conn,
		tx:       tx,
		maxChunk: maxChunk,
		incoming: make(chan []byte, rxBacklog),
		closed:   make(chan struct{}),
	}
	if err := rx.Subscribe(s.deliver); err != nil {
		return nil, err
	}
	conn.OnDisconnect(func() {
		slog.Warn("[BLE] peer disconnected")
		s.shutdown()
	})
	return s, nil
}

func (s *gattStream) deliver(data []byte) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.incoming <- slices.Clone(data):
	default:
		slog.Warn("[BLE] receive backlog full, dropping notification", "bytes", len(data))
	}
}

func (s *gattStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.pending) == 0 {
		select {
		case b := <-s.incoming:
			s.pending = b
		case <-s.closed:
			// Drain what arrived before the close.
			select {
			case b := <-s.incoming:
				s.pending = b
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *gattStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for chunk := range slices.Chunk(p, s.maxChunk) {
		select {
		case <-s.closed:
			return written, io.ErrClosedPipe
		default:
		}
		if err := s.tx.Write(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *gattStream) shutdown() bool {
	first := false
	s.closeOnce.Do(func() {
		close(s.closed)
		first = true
	})
	return first
}

func (s *gattStream) Close() error {
	if !s.shutdown() {
		return nil
	}
	return s.conn.Disconnect()
}
