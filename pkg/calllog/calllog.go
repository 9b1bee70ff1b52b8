// Package calllog defines the persistence interface for call records: the
// per-turn conversation log and the final benefit snapshot written when a
// call ends.
package calllog

import (
	"context"
	"time"

	"github.com/spikeclinical/spikebot/pkg/callstate"
)

// TurnEntry is one logged conversation turn.
type TurnEntry struct {
	// CallID identifies the call session this turn belongs to.
	CallID string

	// Role is "user" or "assistant".
	Role string

	// Content is the turn text.
	Content string

	// At is when the turn was dispatched or completed.
	At time.Time
}

// Record is the final snapshot of a finished call.
type Record struct {
	// CallID identifies the call session.
	CallID string

	// StartedAt is when the client session was admitted.
	StartedAt time.Time

	// EndedAt is when the session was torn down.
	EndedAt time.Time

	// State holds every benefit fact learned during the call.
	State callstate.State

	// Turns is the number of conversation turns logged for this call.
	Turns int
}

// Store persists call turns and final call records.
//
// Implementations must be safe for concurrent use. Write failures should be
// treated as non-fatal by callers: losing a log row must never interrupt a
// live call.
type Store interface {
	// WriteTurn appends one conversation turn.
	WriteTurn(ctx context.Context, entry TurnEntry) error

	// WriteRecord stores the final snapshot of a finished call.
	WriteRecord(ctx context.Context, rec Record) error

	// Close releases the underlying resources.
	Close()
}

// Nop is a Store that discards everything. Used when call logging is not
// configured.
type Nop struct{}

// WriteTurn implements Store.
func (Nop) WriteTurn(context.Context, TurnEntry) error { return nil }

// WriteRecord implements Store.
func (Nop) WriteRecord(context.Context, Record) error { return nil }

// Close implements Store.
func (Nop) Close() {}

// Ensure Nop implements Store at compile time.
var _ Store = Nop{}
