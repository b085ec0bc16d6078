package audit

import "context"

// Store persists audit records.
// This interface is defined in the domain to avoid circular imports.
// Implementations: JSONL file store (prod), in-memory (test).
type Store interface {
	// Record stores one audit record. Implementations may buffer; a
	// failure to persist must never fail the hub operation that
	// produced the record.
	Record(ctx context.Context, rec Record)

	// Flush forces buffered records to stable storage.
	Flush(ctx context.Context) error

	// Close flushes and releases resources.
	Close() error
}

// Nop is a Store that discards everything. Used when auditing is
// disabled.
type Nop struct{}

func (Nop) Record(context.Context, Record) {}
func (Nop) Flush(context.Context) error    { return nil }
func (Nop) Close() error                   { return nil }
