package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"possum/internal/detector"
)

const testSecret = "0123456789abcdef"

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func batch(id string, first int, values ...string) detector.Batch {
	return detector.Batch{
		DetectorID:    id,
		Type:          detector.Position,
		SecretKeyHash: testSecret,
		FirstSeq:      first,
		Values:        values,
	}
}

// backends runs fn against every store implementation.
func backends(t *testing.T, fn func(t *testing.T, s SessionStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, openTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)

	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema: %v", err)
	}
	if s.SessionID() == "" {
		t.Error("session id should be set")
	}

	var version int
	if err := s.DB().QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestOpenSetsFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.db")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestReopenStartsNewSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	s1, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s1.Persist(context.Background(), batch("pos", 0, "a")); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	first := s1.SessionID()
	s1.Close()

	s2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if s2.SessionID() == first {
		t.Error("reopen should start a new session")
	}
	n, err := s2.Count(context.Background(), "pos")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count after reopen = %d, want 1", n)
	}
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration: %v", err)
	}
	var version int
	if err := s.DB().QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != len(migrations)-1 {
		t.Errorf("version after rollback = %d, want %d", version, len(migrations)-1)
	}

	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}

func TestPersistAndPending(t *testing.T) {
	backends(t, func(t *testing.T, s SessionStore) {
		ctx := context.Background()
		if err := s.Persist(ctx, batch("pos", 0, "a", "b")); err != nil {
			t.Fatalf("Persist: %v", err)
		}
		if err := s.Persist(ctx, batch("pos", 2, "c")); err != nil {
			t.Fatalf("Persist: %v", err)
		}
		if err := s.Persist(ctx, batch("sat", 0, "x")); err != nil {
			t.Fatalf("Persist: %v", err)
		}

		rows, err := s.Pending(ctx, "pos", 0)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("pending = %d, want 3", len(rows))
		}
		for i, want := range []string{"a", "b", "c"} {
			if rows[i].Value != want || rows[i].Seq != i {
				t.Errorf("row %d = %q/%d, want %q/%d", i, rows[i].Value, rows[i].Seq, want, i)
			}
			if rows[i].Type != detector.Position {
				t.Errorf("row %d type = %v", i, rows[i].Type)
			}
		}

		limited, err := s.Pending(ctx, "pos", 2)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("limited pending = %d, want 2", len(limited))
		}
	})
}

func TestPersistIgnoresRetriedBatch(t *testing.T) {
	backends(t, func(t *testing.T, s SessionStore) {
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if err := s.Persist(ctx, batch("pos", 0, "a", "b")); err != nil {
				t.Fatalf("Persist #%d: %v", i, err)
			}
		}
		n, err := s.Count(ctx, "pos")
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 2 {
			t.Errorf("count = %d, want 2", n)
		}
	})
}

func TestPersistEmptyBatch(t *testing.T) {
	backends(t, func(t *testing.T, s SessionStore) {
		b := batch("pos", 0)
		b.SecretKeyHash = ""
		if err := s.Persist(context.Background(), b); err != nil {
			t.Errorf("empty batch should be a no-op, got %v", err)
		}
	})
}

func TestPersistRequiresSecret(t *testing.T) {
	backends(t, func(t *testing.T, s SessionStore) {
		b := batch("pos", 0, "a")
		b.SecretKeyHash = ""
		if err := s.Persist(context.Background(), b); !errors.Is(err, ErrNoSecret) {
			t.Errorf("Persist error = %v, want ErrNoSecret", err)
		}
	})
}

func TestMarkUploaded(t *testing.T) {
	backends(t, func(t *testing.T, s SessionStore) {
		ctx := context.Background()
		if err := s.Persist(ctx, batch("pos", 0, "a", "b", "c")); err != nil {
			t.Fatalf("Persist: %v", err)
		}
		rows, _ := s.Pending(ctx, "pos", 2)
		if err := s.MarkUploaded(ctx, []int64{rows[0].ID, rows[1].ID}); err != nil {
			t.Fatalf("MarkUploaded: %v", err)
		}

		rest, err := s.Pending(ctx, "pos", 0)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(rest) != 1 || rest[0].Value != "c" {
			t.Errorf("pending after upload = %+v, want only c", rest)
		}

		st, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Rows != 3 || st.Pending != 1 || st.Detectors != 1 {
			t.Errorf("stats = %+v", st)
		}
		if err := s.MarkUploaded(ctx, nil); err != nil {
			t.Errorf("MarkUploaded(nil) = %v", err)
		}
	})
}

func TestVerifyIntact(t *testing.T) {
	backends(t, func(t *testing.T, s SessionStore) {
		ctx := context.Background()
		if err := s.Persist(ctx, batch("pos", 0, "a", "b")); err != nil {
			t.Fatalf("Persist: %v", err)
		}
		bad, err := s.Verify(ctx, "pos", testSecret)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if len(bad) != 0 {
			t.Errorf("corrupted = %v, want none", bad)
		}

		bad, err = s.Verify(ctx, "pos", "another secret")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if len(bad) != 2 {
			t.Errorf("wrong secret should fail every row, got %v", bad)
		}
	})
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Persist(ctx, batch("pos", 0, "a", "b")); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	rows, _ := s.Pending(ctx, "pos", 0)
	if _, err := s.DB().Exec("UPDATE session_values SET value = 'z' WHERE id = ?", rows[1].ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	bad, err := s.Verify(ctx, "pos", testSecret)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(bad) != 1 || bad[0] != rows[1].ID {
		t.Errorf("corrupted = %v, want [%d]", bad, rows[1].ID)
	}
}

func TestKeysDifferPerDetector(t *testing.T) {
	k := newKeyring()
	a, err := k.key(testSecret, "pos")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	b, err := k.key(testSecret, "sat")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if string(a) == string(b) {
		t.Error("detectors should get distinct keys")
	}
	again, _ := k.key(testSecret, "pos")
	if string(again) != string(a) {
		t.Error("key derivation should be stable")
	}
}

func TestClosedStore(t *testing.T) {
	backends(t, func(t *testing.T, s SessionStore) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := s.Persist(context.Background(), batch("pos", 0, "a")); !errors.Is(err, ErrClosed) {
			t.Errorf("Persist after close = %v, want ErrClosed", err)
		}
		if _, err := s.Pending(context.Background(), "pos", 0); !errors.Is(err, ErrClosed) {
			t.Errorf("Pending after close = %v, want ErrClosed", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close = %v", err)
		}
	})
}

func TestInspectIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Persist(context.Background(), batch("pos", 0, "a")); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	s.Close()

	ro, err := Inspect(path, 0)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	defer ro.Close()

	if ro.SessionID() != "" {
		t.Errorf("inspected store should have no session, got %q", ro.SessionID())
	}
	if err := ro.Persist(context.Background(), batch("pos", 1, "b")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Persist = %v, want ErrReadOnly", err)
	}
	bad, err := ro.Verify(context.Background(), "pos", testSecret)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("corrupted = %v, want none", bad)
	}
}
