package audit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"careledger/internal/platform/metrics"
	"careledger/pkg/platform/sentinel"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	exportRowCap = 10000
	recentLimit  = 10
)

// StatsCache caches subject statistics. Implementations must be safe for
// concurrent use; a nil cache disables caching entirely.
type StatsCache interface {
	GetSubjectStats(ctx context.Context, subjectID string) (SubjectStats, bool)
	SetSubjectStats(ctx context.Context, stats SubjectStats)
}

// Service is the audit subsystem's entry point: fire-and-forget logging on
// the write side, role-gated queries, CSV export, subject statistics, and
// the one-shot anchoring hook on the read/compliance side.
type Service struct {
	store   Store
	buffer  *Buffer
	logger  *slog.Logger
	metrics *metrics.Metrics
	stats   StatsCache
	tracer  trace.Tracer
}

// ServiceOption configures optional service collaborators.
type ServiceOption func(*Service)

// WithStatsCache attaches a subject-statistics cache.
func WithStatsCache(cache StatsCache) ServiceOption {
	return func(s *Service) { s.stats = cache }
}

// NewService wires the audit service. The buffer owns the write path; the
// store serves reads and the anchoring transition.
func NewService(store Store, buffer *Buffer, logger *slog.Logger, m *metrics.Metrics, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		buffer:  buffer,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("careledger/audit"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log accepts an event descriptor and submits it to the write buffer.
// Fire-and-forget: it never returns an error and never performs I/O, so a
// logging problem can never fail or slow the business operation observed.
func (s *Service) Log(ctx context.Context, e Entry) EventRecord {
	rec := NewRecord(e)
	s.buffer.Submit(rec)
	return rec
}

// authorize implements the strict allow-list. Only two roles may query at
// all; a patient is confined to their own subject rows. The returned filters
// carry any forced subject scope. Rejection happens before any store access.
func authorize(f Filters, actorID string, role Role) (Filters, error) {
	switch role {
	case RoleAdmin:
		return f, nil
	case RolePatient:
		if f.SubjectID == "" {
			f.SubjectID = actorID
			return f, nil
		}
		if f.SubjectID != actorID {
			return f, fmt.Errorf("subject scope mismatch: %w", sentinel.ErrForbidden)
		}
		return f, nil
	default:
		return f, fmt.Errorf("role %q may not query audit logs: %w", role, sentinel.ErrForbidden)
	}
}

// Query returns one page of matching records under the requester's role
// constraints, ordered by creation time descending.
func (s *Service) Query(ctx context.Context, f Filters, page, limit int, actorID string, role Role) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Query")
	defer span.End()

	f, err := authorize(f, actorID, role)
	if err != nil {
		return Result{}, err
	}

	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	records, total, err := s.store.List(ctx, f, limit, (page-1)*limit)
	if err != nil {
		return Result{}, fmt.Errorf("list audit records: %w", err)
	}

	return Result{
		Data:       records,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: int(math.Ceil(float64(total) / float64(limit))),
	}, nil
}

// Export serializes the matching rows as CSV under the same authorization
// and filter logic as Query, with an elevated row cap. Every successful
// export emits its own audit record describing what left the system.
func (s *Service) Export(ctx context.Context, f Filters, actorID string, role Role) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Export")
	defer span.End()

	f, err := authorize(f, actorID, role)
	if err != nil {
		return nil, err
	}

	records, _, err := s.store.List(ctx, f, exportRowCap, 0)
	if err != nil {
		return nil, fmt.Errorf("list audit records for export: %w", err)
	}

	out, err := marshalCSV(records)
	if err != nil {
		return nil, fmt.Errorf("serialize export: %w", err)
	}

	s.metrics.ExportsTotal.Inc()
	s.Log(ctx, Entry{
		ActorID:      actorID,
		Action:       ActionRecordExport,
		ResourceID:   "audit-log",
		ResourceType: ResourceSystem,
		Metadata: Metadata{
			"rowCount": len(records),
			"filters":  exportScope(f),
		},
	})

	return out, nil
}

// exportScope captures every filter an export ran under, so compliance can
// reconstruct exactly which slice of the log left the system.
func exportScope(f Filters) Metadata {
	scope := Metadata{
		"subjectId":    f.SubjectID,
		"actorId":      f.ActorID,
		"resourceId":   f.ResourceID,
		"action":       string(f.Action),
		"resourceType": string(f.ResourceType),
	}
	if !f.From.IsZero() {
		scope["fromDate"] = f.From.UTC().Format(time.RFC3339Nano)
	}
	if !f.To.IsZero() {
		scope["toDate"] = f.To.UTC().Format(time.RFC3339Nano)
	}
	return scope
}

// SubjectStats aggregates one subject's access history: total count,
// per-action breakdown, and the most recent records.
func (s *Service) SubjectStats(ctx context.Context, subjectID, actorID string, role Role) (SubjectStats, error) {
	ctx, span := s.tracer.Start(ctx, "audit.SubjectStats")
	defer span.End()

	if _, err := authorize(Filters{SubjectID: subjectID}, actorID, role); err != nil {
		return SubjectStats{}, err
	}

	if s.stats != nil {
		if cached, ok := s.stats.GetSubjectStats(ctx, subjectID); ok {
			return cached, nil
		}
	}

	recent, total, err := s.store.List(ctx, Filters{SubjectID: subjectID}, recentLimit, 0)
	if err != nil {
		return SubjectStats{}, fmt.Errorf("list recent subject records: %w", err)
	}

	breakdown, err := s.store.ActionCounts(ctx, subjectID)
	if err != nil {
		return SubjectStats{}, fmt.Errorf("count subject actions: %w", err)
	}

	stats := SubjectStats{
		SubjectID:       subjectID,
		TotalAccesses:   total,
		ActionBreakdown: breakdown,
		RecentAccesses:  recent,
	}

	if s.stats != nil {
		s.stats.SetSubjectStats(ctx, stats)
	}

	return stats, nil
}

// Anchor attaches an external immutability proof to a stored record.
// First-writer-wins: a second attempt with a different hash is rejected by
// the store's conditional update, never silently overwritten. No automatic
// retry; the anchoring collaborator owns its own retry policy.
func (s *Service) Anchor(ctx context.Context, recordID uuid.UUID, proofHash string) error {
	ctx, span := s.tracer.Start(ctx, "audit.Anchor")
	defer span.End()

	if proofHash == "" {
		return fmt.Errorf("empty proof hash: %w", sentinel.ErrImmutable)
	}

	if err := s.store.Anchor(ctx, recordID, proofHash); err != nil {
		return fmt.Errorf("anchor record %s: %w", recordID, err)
	}

	s.logger.InfoContext(ctx, "audit record anchored",
		"record_id", recordID.String(),
	)
	return nil
}

// Verify recomputes a stored record's integrity hash and reports whether it
// still matches. A mismatch is detective evidence of tampering; it does not
// block reads.
func (s *Service) Verify(ctx context.Context, recordID uuid.UUID) (bool, EventRecord, error) {
	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return false, EventRecord{}, fmt.Errorf("load record %s: %w", recordID, err)
	}

	ok := rec.VerifyIntegrity()
	if !ok {
		s.logger.ErrorContext(ctx, "audit record integrity mismatch",
			"record_id", recordID.String(),
		)
	}
	return ok, rec, nil
}

// Unanchored lists records awaiting an external proof, oldest first, so the
// anchoring collaborator can find work.
func (s *Service) Unanchored(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	records, err := s.store.Unanchored(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unanchored records: %w", err)
	}
	return records, nil
}
