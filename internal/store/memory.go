package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"possum/internal/detector"
)

// Memory keeps session values in memory. It is used when persistence
// is disabled and in tests.
type Memory struct {
	mu        sync.Mutex
	sessionID string
	keys      *keyring
	rows      []Row
	index     map[string]map[int]bool
	nextID    int64
	closed    bool
}

// NewMemory returns an empty in-memory store with a fresh session.
func NewMemory() *Memory {
	return &Memory{
		sessionID: uuid.NewString(),
		keys:      newKeyring(),
		index:     make(map[string]map[int]bool),
	}
}

// SessionID returns the session id of the store.
func (m *Memory) SessionID() string { return m.sessionID }

func (m *Memory) Persist(_ context.Context, b detector.Batch) error {
	if len(b.Values) == 0 {
		return nil
	}
	key, err := m.keys.key(b.SecretKeyHash, b.DetectorID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	seen := m.index[b.DetectorID]
	if seen == nil {
		seen = make(map[int]bool)
		m.index[b.DetectorID] = seen
	}
	created := time.Now().UnixNano()
	for i, v := range b.Values {
		seq := b.FirstSeq + i
		if seen[seq] {
			continue
		}
		seen[seq] = true
		m.nextID++
		m.rows = append(m.rows, Row{
			ID:         m.nextID,
			SessionID:  m.sessionID,
			DetectorID: b.DetectorID,
			Type:       b.Type,
			Seq:        seq,
			Value:      v,
			HMAC:       rowHMAC(key, m.sessionID, b.DetectorID, seq, v),
			CreatedNs:  created,
		})
	}
	return nil
}

func (m *Memory) Pending(_ context.Context, detectorID string, limit int) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Row
	for _, r := range m.rows {
		if r.DetectorID != detectorID || r.Uploaded {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkUploaded(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range m.rows {
		if want[m.rows[i].ID] {
			m.rows[i].Uploaded = true
		}
	}
	return nil
}

func (m *Memory) Verify(_ context.Context, detectorID, secretKeyHash string) ([]int64, error) {
	key, err := m.keys.key(secretKeyHash, detectorID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var rows []Row
	for _, r := range m.rows {
		if r.DetectorID == detectorID {
			rows = append(rows, r)
		}
	}
	return corruptedRows(key, rows), nil
}

func (m *Memory) Count(_ context.Context, detectorID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, r := range m.rows {
		if r.DetectorID == detectorID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	st := &Stats{SessionID: m.sessionID, Rows: int64(len(m.rows)), Detectors: int64(len(m.index))}
	for _, r := range m.rows {
		if !r.Uploaded {
			st.Pending++
		}
	}
	return st, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var (
	_ SessionStore = (*SQLite)(nil)
	_ SessionStore = (*Memory)(nil)
)
