package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"careledger/internal/audit"
	"careledger/pkg/platform/sentinel"
)

// Store persists audit records in PostgreSQL. The audit_events table carries
// row-level triggers (see schema.sql) that reject every delete and every
// update except the single null-to-value anchoring transition, so the
// immutability contract holds even against application-tier bugs.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const insertColumns = `id, actor_id, action, resource_id, resource_type, subject_id,
	source_address, agent_string, external_proof_hash, metadata, integrity_hash, created_at`

const selectColumns = `id, actor_id, action, resource_id, resource_type, subject_id,
	source_address, agent_string, external_proof_hash, metadata, integrity_hash, created_at`

// InsertBatch appends a batch of records as a single multi-row INSERT, which
// Postgres executes atomically.
func (s *Store) InsertBatch(ctx context.Context, records []audit.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	const fieldCount = 12
	placeholders := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*fieldCount)

	for i, rec := range records {
		metadata, err := marshalMetadata(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", rec.ID, err)
		}

		base := i * fieldCount
		row := make([]string, fieldCount)
		for j := range row {
			row[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(row, ", ")+")")

		args = append(args,
			rec.ID,
			rec.ActorID,
			string(rec.Action),
			rec.ResourceID,
			string(rec.ResourceType),
			nullString(rec.SubjectID),
			nullString(rec.SourceAddress),
			nullString(rec.AgentString),
			nullString(rec.ExternalProofHash),
			metadata,
			rec.IntegrityHash,
			rec.CreatedAt,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_events (%s) VALUES %s",
		insertColumns, strings.Join(placeholders, ", "),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit batch: %w", err)
	}
	return nil
}

// List returns matching records ordered by creation time descending, plus
// the total match count. Filters are conjunctive; each maps onto an indexed
// column so every supported combination stays efficient.
func (s *Store) List(ctx context.Context, f audit.Filters, limit, offset int) ([]audit.EventRecord, int, error) {
	where, args := buildWhere(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM audit_events%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		selectColumns, where, len(args)+1, len(args)+2,
	)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Get returns a single record by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (audit.EventRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM audit_events WHERE id = $1", selectColumns)
	row := s.db.QueryRowContext(ctx, query, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.EventRecord{}, sentinel.ErrNotFound
		}
		return audit.EventRecord{}, fmt.Errorf("get audit event: %w", err)
	}
	return rec, nil
}

// Anchor performs the conditional null-to-value proof hash update. The WHERE
// clause makes first-writer-wins a single-statement guarantee; the trigger
// backs it up against any other mutation path.
func (s *Store) Anchor(ctx context.Context, id uuid.UUID, proofHash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE audit_events SET external_proof_hash = $2 WHERE id = $1 AND external_proof_hash IS NULL`,
		id, proofHash,
	)
	if err != nil {
		return fmt.Errorf("anchor audit event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("anchor rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish "missing" from "already anchored".
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_events WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check audit event existence: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrAlreadyAnchored
}

// ActionCounts returns per-action record counts for one subject.
func (s *Store) ActionCounts(ctx context.Context, subjectID string) (map[audit.Action]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM audit_events WHERE subject_id = $1 GROUP BY action`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("count subject actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[audit.Action]int)
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		counts[audit.Action(action)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action counts: %w", err)
	}
	return counts, nil
}

// Unanchored returns records awaiting an external proof, oldest first.
func (s *Store) Unanchored(ctx context.Context, limit int) ([]audit.EventRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM audit_events WHERE external_proof_hash IS NULL ORDER BY created_at ASC LIMIT $1",
		selectColumns,
	)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unanchored events: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// IsImmutabilityViolation reports whether an error came from the storage
// triggers guarding the audit table. Callers log these loudly: reaching the
// trigger means an application-tier mutation path slipped through.
func IsImmutabilityViolation(err error) bool {
	var pqErr *pq.Error
	// P0001 is raise_exception, the class our triggers use.
	return errors.As(err, &pqErr) && pqErr.Code == "P0001"
}

func buildWhere(f audit.Filters) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", string(f.ResourceType))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (audit.EventRecord, error) {
	var (
		rec           audit.EventRecord
		action        string
		resourceType  string
		subjectID     sql.NullString
		sourceAddress sql.NullString
		agentString   sql.NullString
		proofHash     sql.NullString
		metadata      []byte
	)

	err := row.Scan(
		&rec.ID,
		&rec.ActorID,
		&action,
		&rec.ResourceID,
		&resourceType,
		&subjectID,
		&sourceAddress,
		&agentString,
		&proofHash,
		&metadata,
		&rec.IntegrityHash,
		&rec.CreatedAt,
	)
	if err != nil {
		return audit.EventRecord{}, err
	}

	rec.Action = audit.Action(action)
	rec.ResourceType = audit.ResourceType(resourceType)
	rec.SubjectID = subjectID.String
	rec.SourceAddress = sourceAddress.String
	rec.AgentString = agentString.String
	rec.ExternalProofHash = proofHash.String

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return audit.EventRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]audit.EventRecord, error) {
	var records []audit.EventRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return records, nil
}

func marshalMetadata(m audit.Metadata) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
