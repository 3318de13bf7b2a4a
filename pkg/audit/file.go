package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ransomeye/pkg/models"
)

// FileSink is a JSONL ledger, one sealed entry per line, fsynced on every
// append. The host agent keeps its local audit here.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	head Head
	now  func() time.Time
}

// OpenFileSink opens (or creates) path and recovers the chain head. A file
// whose existing chain does not verify is refused.
func OpenFileSink(path string) (*FileSink, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	// #nosec G304 -- path is operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	entries, err := ReadEntries(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := VerifyChain(Head{}, entries); err != nil {
		_ = f.Close()
		return nil, err
	}
	s := &FileSink{f: f, now: time.Now}
	if n := len(entries); n > 0 {
		s.head = Head{Seq: entries[n-1].Seq, Hash: entries[n-1].EntryHash}
	}
	return s, nil
}

func (s *FileSink) Append(_ context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return models.AuditEntry{}, errors.New("audit ledger closed")
	}
	sealed, err := Seal(s.head, e, s.now())
	if err != nil {
		return models.AuditEntry{}, err
	}
	line, err := json.Marshal(sealed)
	if err != nil {
		return models.AuditEntry{}, err
	}
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit write: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit fsync: %w", err)
	}
	s.head = Head{Seq: sealed.Seq, Hash: sealed.EntryHash}
	return sealed, nil
}

func (s *FileSink) Head() Head {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadEntries decodes a JSONL ledger from the start of r.
func ReadEntries(r io.Reader) ([]models.AuditEntry, error) {
	if seeker, ok := r.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}
	var out []models.AuditEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("audit ledger line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// VerifyFile verifies a whole JSONL ledger and returns the entry count.
func VerifyFile(path string) (int, error) {
	// #nosec G304 -- operator supplied path.
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	entries, err := ReadEntries(f)
	if err != nil {
		return 0, err
	}
	return len(entries), VerifyChain(Head{}, entries)
}
