package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"possum/internal/detector"
)

// DefaultBusyTimeout is used when Open is given a non-positive timeout.
const DefaultBusyTimeout = 5 * time.Second

// SQLite stores session values in a SQLite database. Every Open starts
// a new session.
type SQLite struct {
	db        *sql.DB
	sessionID string
	keys      *keyring
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database at path and starts a session.
func Open(path string, busyTimeout time.Duration) (*SQLite, error) {
	return open(path, busyTimeout, true)
}

// Inspect opens the database at path without starting a session.
// Persist fails with ErrReadOnly on the returned store.
func Inspect(path string, busyTimeout time.Duration) (*SQLite, error) {
	return open(path, busyTimeout, false)
}

func open(path string, busyTimeout time.Duration, startSession bool) (*SQLite, error) {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps WAL checkpoints simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &SQLite{
		db:   db,
		keys: newKeyring(),
		now:  time.Now,
	}
	if !startSession {
		return s, nil
	}
	s.sessionID = uuid.NewString()
	if _, err := db.Exec(
		"INSERT INTO sessions (session_id, started_ns) VALUES (?, ?)",
		s.sessionID, s.now().UnixNano(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// SessionID returns the id of the session started by Open. It is
// empty for stores returned by Inspect.
func (s *SQLite) SessionID() string { return s.sessionID }

// DB exposes the underlying database.
func (s *SQLite) DB() *sql.DB { return s.db }

// Persist writes a batch in one transaction. Values already stored at
// the same position are left untouched, so retried batches are safe.
func (s *SQLite) Persist(ctx context.Context, b detector.Batch) error {
	if len(b.Values) == 0 {
		return nil
	}
	key, err := s.keys.key(b.SecretKeyHash, b.DetectorID)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.sessionID == "" {
		return ErrReadOnly
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO session_values
			(session_id, detector_id, detector_type, seq, value, hmac, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	created := s.now().UnixNano()
	for i, v := range b.Values {
		seq := b.FirstSeq + i
		mac := rowHMAC(key, s.sessionID, b.DetectorID, seq, v)
		if _, err := stmt.ExecContext(ctx,
			s.sessionID, b.DetectorID, int(b.Type), seq, v, mac, created,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert value %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Pending returns up to limit values of detectorID not yet uploaded,
// oldest first. A non-positive limit returns all of them.
func (s *SQLite) Pending(ctx context.Context, detectorID string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `
		SELECT id, session_id, detector_id, detector_type, seq, value, hmac, created_ns, uploaded
		FROM session_values
		WHERE detector_id = ? AND uploaded = 0
		ORDER BY id
		LIMIT ?`, detectorID, limit)
}

// MarkUploaded flags the rows with the given ids as uploaded.
func (s *SQLite) MarkUploaded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.now().UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE session_values SET uploaded = 1, uploaded_ns = ? WHERE id IN ("+placeholders+")",
		args...)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// Verify recomputes the MAC of every stored value of detectorID and
// returns the ids of rows that do not match.
func (s *SQLite) Verify(ctx context.Context, detectorID, secretKeyHash string) ([]int64, error) {
	key, err := s.keys.key(secretKeyHash, detectorID)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `
		SELECT id, session_id, detector_id, detector_type, seq, value, hmac, created_ns, uploaded
		FROM session_values
		WHERE detector_id = ?
		ORDER BY id`, detectorID)
	if err != nil {
		return nil, err
	}
	return corruptedRows(key, rows), nil
}

// Count returns the number of stored values of detectorID.
func (s *SQLite) Count(ctx context.Context, detectorID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_values WHERE detector_id = ?", detectorID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count values: %w", err)
	}
	return n, nil
}

// Stats summarizes the whole database.
func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	st := &Stats{SessionID: s.sessionID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN uploaded = 0 THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT detector_id)
		FROM session_values`,
	).Scan(&st.Rows, &st.Pending, &st.Detectors)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query values: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var typ int
		if err := rows.Scan(&r.ID, &r.SessionID, &r.DetectorID, &typ, &r.Seq,
			&r.Value, &r.HMAC, &r.CreatedNs, &r.Uploaded); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		r.Type = detector.Type(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

func corruptedRows(key []byte, rows []Row) []int64 {
	var bad []int64
	for _, r := range rows {
		if !verifyRow(key, r) {
			bad = append(bad, r.ID)
		}
	}
	return bad
}
