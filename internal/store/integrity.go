package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	keySalt    = "possum-session-values-v1"
	rowContext = "possum-row-v1"
)

// keyring caches per-detector MAC keys.
type keyring struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func newKeyring() *keyring {
	return &keyring{keys: make(map[string][]byte)}
}

// key derives the MAC key of detectorID from secretKeyHash with
// HKDF-SHA256, using the detector id as info.
func (k *keyring) key(secretKeyHash, detectorID string) ([]byte, error) {
	if secretKeyHash == "" {
		return nil, ErrNoSecret
	}
	cacheKey := secretKeyHash + "\x00" + detectorID

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[cacheKey]; ok {
		return key, nil
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secretKeyHash), []byte(keySalt), []byte(detectorID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	k.keys[cacheKey] = key
	return key, nil
}

// rowHMAC binds a value to its session, detector and position.
func rowHMAC(key []byte, sessionID, detectorID string, seq int, value string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(rowContext))
	writeField(h, []byte(sessionID))
	writeField(h, []byte(detectorID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	h.Write(buf[:])
	writeField(h, []byte(value))
	return h.Sum(nil)
}

// writeField writes a length-prefixed field.
func writeField(w io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}

func verifyRow(key []byte, r Row) bool {
	return hmac.Equal(r.HMAC, rowHMAC(key, r.SessionID, r.DetectorID, r.Seq, r.Value))
}
