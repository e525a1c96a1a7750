package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/something1703/Nexus-Zero/internal/store"
)

// ChainError describes the first broken link found by VerifyChain.
type ChainError struct {
	EntryID uuid.UUID
	Seq     int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %s (seq %d): %s", e.EntryID, e.Seq, e.Reason)
}

// VerifyChain re-walks the ledger in append order and checks every hash and
// prev-hash link. It returns the number of entries verified.
func (l *Ledger) VerifyChain(ctx context.Context) (int, error) {
	entries, err := Collect(l.Query(ctx, Filter{PageSize: 500}))
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return i, &ChainError{EntryID: e.ID, Seq: e.Seq, Reason: "prev_hash does not match the preceding entry"}
		}
		sum, err := store.HashEntry(e, e.PrevHash)
		if err != nil {
			return i, fmt.Errorf("hash entry %s: %w", e.ID, err)
		}
		if sum != e.Hash {
			return i, &ChainError{EntryID: e.ID, Seq: e.Seq, Reason: fmt.Sprintf("computed %s, stored %s", sum, e.Hash)}
		}
		prev = e.Hash
	}
	return len(entries), nil
}
