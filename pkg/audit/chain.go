// Package audit is the append-only, hash-chained record of every gate
// decision. Each entry carries the hash of its predecessor; rewriting any
// entry breaks every hash after it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ransomeye/pkg/models"

	"github.com/google/uuid"
)

// GenesisHash is the prev_entry_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Sink appends entries and returns them sealed (seq, prev hash, entry hash).
type Sink interface {
	Append(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error)
}

// Lister can page through a sink in seq order.
type Lister interface {
	List(ctx context.Context, afterSeq int64, limit int) ([]models.AuditEntry, error)
}

// Publisher receives sealed entries, e.g. a live stream hub.
type Publisher interface {
	Publish(e models.AuditEntry)
}

// Head is the tip of a chain.
type Head struct {
	Seq  int64
	Hash string
}

// Seal fills the chain fields of e on top of head.
func Seal(head Head, e models.AuditEntry, now time.Time) (models.AuditEntry, error) {
	if e.Stage == "" {
		return models.AuditEntry{}, errors.New("audit entry stage required")
	}
	if e.Outcome != models.OutcomeAllow && e.Outcome != models.OutcomeDeny {
		return models.AuditEntry{}, fmt.Errorf("audit entry outcome %q invalid", e.Outcome)
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if head.Hash == "" {
		head.Hash = GenesisHash
	}
	e.Seq = head.Seq + 1
	e.PrevEntryHash = head.Hash
	raw, err := models.AuditHashBytes(e)
	if err != nil {
		return models.AuditEntry{}, err
	}
	e.EntryHash = models.SHA256Hex(raw)
	return e, nil
}

// ChainError identifies the first entry that does not link.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// VerifyChain checks entries (in seq order, starting anywhere) against
// their own hashes and links. prev is the head before entries[0]; pass a
// zero Head when entries start at seq 1.
func VerifyChain(prev Head, entries []models.AuditEntry) error {
	if prev.Hash == "" {
		prev.Hash = GenesisHash
	}
	for _, e := range entries {
		if e.Seq != prev.Seq+1 {
			return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", prev.Seq+1)}
		}
		if e.PrevEntryHash != prev.Hash {
			return &ChainError{Seq: e.Seq, Reason: "prev_entry_hash mismatch"}
		}
		raw, err := models.AuditHashBytes(e)
		if err != nil {
			return &ChainError{Seq: e.Seq, Reason: err.Error()}
		}
		if models.SHA256Hex(raw) != e.EntryHash {
			return &ChainError{Seq: e.Seq, Reason: "entry_hash mismatch"}
		}
		prev = Head{Seq: e.Seq, Hash: e.EntryHash}
	}
	return nil
}

// Tee appends to the primary sink then publishes the sealed entry.
type Tee struct {
	Sink      Sink
	Publisher Publisher
}

func (t Tee) Append(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	sealed, err := t.Sink.Append(ctx, e)
	if err != nil {
		return sealed, err
	}
	if t.Publisher != nil {
		t.Publisher.Publish(sealed)
	}
	return sealed, nil
}
