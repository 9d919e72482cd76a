package audit

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary the core depends on. Implementations
// must enforce immutability independently of application code: the only
// permitted update is the single null-to-value transition on the external
// proof hash, and deletes must be rejected unconditionally.
type Store interface {
	// InsertBatch appends a batch of records atomically.
	InsertBatch(ctx context.Context, records []EventRecord) error

	// List returns matching records ordered by creation time descending,
	// plus the total match count before limit/offset.
	List(ctx context.Context, f Filters, limit, offset int) ([]EventRecord, int, error)

	// Get returns a single record by ID, or sentinel.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (EventRecord, error)

	// Anchor sets the external proof hash if and only if it is currently
	// unset. Returns sentinel.ErrAlreadyAnchored when a hash is present and
	// sentinel.ErrNotFound when the record does not exist.
	Anchor(ctx context.Context, id uuid.UUID, proofHash string) error

	// ActionCounts returns per-action record counts for one subject.
	ActionCounts(ctx context.Context, subjectID string) (map[Action]int, error)

	// Unanchored returns up to limit records that do not yet carry an
	// external proof hash, oldest first, for the anchoring collaborator.
	Unanchored(ctx context.Context, limit int) ([]EventRecord, error)
}

// Sink receives successfully flushed batches for best-effort fan-out (for
// example to a Kafka topic). Publish must never block the flush path on
// delivery and must never return an error to it.
type Sink interface {
	Publish(ctx context.Context, records []EventRecord)
}
