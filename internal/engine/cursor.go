package engine

import (
	"context"
	"fmt"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

// Phase is where an attempt stands relative to its journal.
type Phase int

const (
	// PhaseFresh is an attempt that has not loaded its journal yet.
	PhaseFresh Phase = iota
	// PhaseReplaying consumes recorded entries instead of re-running effects.
	PhaseReplaying
	// PhaseLive appends new entries; every recorded entry has been consumed.
	PhaseLive
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseReplaying:
		return "replaying"
	case PhaseLive:
		return "live"
	}
	return "unknown"
}

// cursor walks an invocation's journal during one attempt.
//
// Each durable call site asks the cursor for the next entry. While recorded
// entries remain, the entry at the current position must have the kind and
// identity the call site issues, or the attempt diverged from the recorded
// execution. Once the recorded entries are exhausted the cursor is live and
// call sites append.
type cursor struct {
	backend      store.Backend
	invocationID string
	records      []ir.Record
	pos          int64
}

func loadCursor(ctx context.Context, b store.Backend, invocationID string) (*cursor, error) {
	records, err := b.ReadJournal(ctx, invocationID)
	if err != nil {
		return nil, fmt.Errorf("read journal of %s: %w", invocationID, err)
	}
	return &cursor{backend: b, invocationID: invocationID, records: records}, nil
}

// Phase reports whether recorded entries remain.
func (c *cursor) Phase() Phase {
	if c.pos < int64(len(c.records)) {
		return PhaseReplaying
	}
	return PhaseLive
}

// Pos is the journal position the next operation will occupy.
func (c *cursor) Pos() int64 {
	return c.pos
}

// Next consumes the recorded entry for an operation of the given kind and
// identity. It returns false when live. A recorded entry of another kind or
// identity is reported as ir.ErrNonDeterminism.
func (c *cursor) Next(kind ir.EntryKind, identity string) (ir.Entry, bool, error) {
	if c.Phase() == PhaseLive {
		return ir.Entry{}, false, nil
	}
	rec := c.records[c.pos]
	if rec.Entry.Kind != kind || rec.Entry.Identity() != identity {
		return ir.Entry{}, false, ir.NonDeterminismError(
			c.invocationID,
			rec.Seq,
			describe(rec.Entry.Kind, rec.Entry.Identity()),
			describe(kind, identity),
		)
	}
	c.pos++
	return rec.Entry, true, nil
}

// Peek returns the next recorded entry without consuming it.
func (c *cursor) Peek() (ir.Entry, bool) {
	if c.Phase() == PhaseLive {
		return ir.Entry{}, false
	}
	return c.records[c.pos].Entry, true
}

// Append durably records e at the current position. The cursor must be
// live.
func (c *cursor) Append(ctx context.Context, e ir.Entry) error {
	if c.Phase() != PhaseLive {
		return fmt.Errorf("append to %s at %d while replaying", c.invocationID, c.pos)
	}
	seq, err := c.backend.Append(ctx, c.invocationID, e)
	if err != nil {
		return err
	}
	if seq != c.pos {
		// Another writer appended to this journal: a second attempt of the
		// same invocation is running somewhere.
		return ir.Errorf(ir.CodeStorageUnavailable, "journal of %s advanced to %d, expected %d", c.invocationID, seq, c.pos)
	}
	c.records = append(c.records, ir.Record{Seq: seq, Entry: e})
	c.pos++
	return nil
}

func describe(kind ir.EntryKind, identity string) string {
	if identity == "" {
		return string(kind)
	}
	return fmt.Sprintf("%s(%s)", kind, identity)
}
