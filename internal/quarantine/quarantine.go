// Package quarantine implements the filesystem quarantine store the
// antivirus module writes to on a detected threat (spec.md §3.1
// QuarantineEntry, §4.3.4 step 4). Bytes are optionally encrypted at rest
// with Fernet (github.com/fernet/fernet-go), grounded in the teacher's use
// of Fernet to protect card numbers in icap-server-go/main.go and
// unified-tokenizer/main.go — here protecting quarantined malware samples
// instead of payment data.
package quarantine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
)

// Entry records one quarantined sample (spec.md §3.1).
type Entry struct {
	ID            string
	OriginalPath  string
	OnDiskPath    string
	ThreatName    string
	ScannedAt     time.Time
	Size          int64
	Metadata      map[string]any
	EncryptedAtRest bool
}

// Store writes quarantined bytes to Dir and keeps an in-memory index of
// entries keyed by ID, per spec.md's "Non-goals: persistent storage of
// quarantined files beyond a filesystem write" — the index itself is
// in-memory only, not persisted to a database.
type Store struct {
	Dir string
	Key *fernet.Key // nil disables at-rest encryption

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStore builds a Store rooted at dir. key may be nil.
func NewStore(dir string, key *fernet.Key) *Store {
	return &Store{Dir: dir, Key: key, entries: make(map[string]Entry)}
}

// Write quarantines data, returning the created Entry. originalPath may be
// empty if the logical source path isn't known (spec.md: "optional
// logical path").
func (s *Store) Write(data []byte, threatName, originalPath string, metadata map[string]any) (Entry, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return Entry{}, fmt.Errorf("quarantine: create dir: %w", err)
	}

	id := uuid.NewString()
	onDisk := filepath.Join(s.Dir, id+".quarantine")

	payload := data
	encrypted := false
	if s.Key != nil {
		tok, err := fernet.EncryptAndSign(data, s.Key)
		if err != nil {
			return Entry{}, fmt.Errorf("quarantine: encrypt: %w", err)
		}
		payload = tok
		encrypted = true
	}

	if err := os.WriteFile(onDisk, payload, 0o600); err != nil {
		return Entry{}, fmt.Errorf("quarantine: write file: %w", err)
	}

	entry := Entry{
		ID: id, OriginalPath: originalPath, OnDiskPath: onDisk, ThreatName: threatName,
		ScannedAt: time.Now(), Size: int64(len(data)), Metadata: metadata, EncryptedAtRest: encrypted,
	}
	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	return entry, nil
}

// Get returns the in-memory entry for id, if present.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// List returns every known entry, for the admin surface's read-only
// interface (spec.md §6.3).
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Read decrypts (if needed) and returns the quarantined bytes for id.
func (s *Store) Read(id string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("quarantine: unknown entry %s", id)
	}
	raw, err := os.ReadFile(entry.OnDiskPath)
	if err != nil {
		return nil, fmt.Errorf("quarantine: read file: %w", err)
	}
	if !entry.EncryptedAtRest {
		return raw, nil
	}
	if s.Key == nil {
		return nil, fmt.Errorf("quarantine: entry is encrypted but no key configured")
	}
	out := fernet.VerifyAndDecrypt(raw, 0, []*fernet.Key{s.Key})
	if out == nil {
		return nil, fmt.Errorf("quarantine: decrypt failed for %s", id)
	}
	return out, nil
}
