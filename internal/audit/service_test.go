package audit_test

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careledger/internal/audit"
	"careledger/internal/audit/store/memory"
	"careledger/pkg/platform/sentinel"
)

func newTestService(t *testing.T, store audit.Store, opts ...audit.ServiceOption) (*audit.Service, *audit.Buffer) {
	t.Helper()
	m := testMetrics()
	buf := audit.NewBuffer(store, testLogger(), m, audit.BufferConfig{FlushInterval: time.Hour})
	return audit.NewService(store, buf, testLogger(), m, opts...), buf
}

// countingStore records every store access so tests can prove that
// authorization rejects before any storage work happens.
type countingStore struct {
	calls int
}

func (s *countingStore) InsertBatch(context.Context, []audit.EventRecord) error {
	s.calls++
	return nil
}
func (s *countingStore) List(context.Context, audit.Filters, int, int) ([]audit.EventRecord, int, error) {
	s.calls++
	return nil, 0, nil
}
func (s *countingStore) Get(context.Context, uuid.UUID) (audit.EventRecord, error) {
	s.calls++
	return audit.EventRecord{}, nil
}
func (s *countingStore) Anchor(context.Context, uuid.UUID, string) error {
	s.calls++
	return nil
}
func (s *countingStore) ActionCounts(context.Context, string) (map[audit.Action]int, error) {
	s.calls++
	return nil, nil
}
func (s *countingStore) Unanchored(context.Context, int) ([]audit.EventRecord, error) {
	s.calls++
	return nil, nil
}

func seedRecords(t *testing.T, store *memory.Store, n int, entry audit.Entry) []audit.EventRecord {
	t.Helper()
	records := make([]audit.EventRecord, 0, n)
	base := time.Now().Add(-time.Duration(n) * time.Second)
	for i := 0; i < n; i++ {
		e := entry
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		records = append(records, audit.NewRecord(e))
	}
	require.NoError(t, store.InsertBatch(context.Background(), records))
	return records
}

func TestService_LogAndQueryRoundTrip(t *testing.T) {
	store := memory.New()
	svc, buf := newTestService(t, store)
	ctx := context.Background()

	rec := svc.Log(ctx, audit.Entry{
		ActorID:       "clinician-7",
		Action:        audit.ActionRecordRead,
		ResourceID:    "rec-42",
		ResourceType:  audit.ResourceRecord,
		SubjectID:     "patient-9",
		SourceAddress: "10.0.0.5",
	})
	require.Equal(t, 0, store.InsertCalls(), "logging must not touch the store")

	buf.Flush(ctx)

	res, err := svc.Query(ctx, audit.Filters{ActorID: "clinician-7"}, 1, 50, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)

	got := res.Data[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "clinician-7", got.ActorID)
	assert.Equal(t, audit.ActionRecordRead, got.Action)
	assert.Equal(t, "patient-9", got.SubjectID)
	assert.True(t, got.VerifyIntegrity(), "stored record must verify against its own hash")
}

func TestService_QueryPagination(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	seedRecords(t, store, 150, audit.Entry{
		ActorID:      "u1",
		Action:       audit.ActionRecordRead,
		ResourceID:   "rec-1",
		ResourceType: audit.ResourceRecord,
	})

	page1, err := svc.Query(ctx, audit.Filters{}, 1, 50, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Len(t, page1.Data, 50)
	assert.Equal(t, 150, page1.Total)
	assert.Equal(t, 3, page1.TotalPages)

	page3, err := svc.Query(ctx, audit.Filters{}, 3, 50, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Len(t, page3.Data, 50)

	page4, err := svc.Query(ctx, audit.Filters{}, 4, 50, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, page4.Data)
	assert.Equal(t, 150, page4.Total, "total stays stable beyond the last page")

	// Newest first within a page.
	require.True(t, page1.Data[0].CreatedAt.After(page1.Data[49].CreatedAt))
}

func TestService_QueryClampsLimit(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	res, err := svc.Query(ctx, audit.Filters{}, 0, 0, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 50, res.Limit)

	res, err = svc.Query(ctx, audit.Filters{}, 1, 5000, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Limit)
}

func TestService_QueryPatientScope(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	seedRecords(t, store, 2, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
		SubjectID: "patient-9",
	})
	seedRecords(t, store, 3, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-2", ResourceType: audit.ResourceRecord,
		SubjectID: "patient-other",
	})

	t.Run("no filter is scoped to own subject", func(t *testing.T) {
		res, err := svc.Query(ctx, audit.Filters{}, 1, 50, "patient-9", audit.RolePatient)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Total)
		for _, rec := range res.Data {
			assert.Equal(t, "patient-9", rec.SubjectID)
		}
	})

	t.Run("matching filter is allowed", func(t *testing.T) {
		res, err := svc.Query(ctx, audit.Filters{SubjectID: "patient-9"}, 1, 50, "patient-9", audit.RolePatient)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Total)
	})

	t.Run("foreign subject is forbidden", func(t *testing.T) {
		_, err := svc.Query(ctx, audit.Filters{SubjectID: "patient-other"}, 1, 50, "patient-9", audit.RolePatient)
		require.ErrorIs(t, err, sentinel.ErrForbidden)
	})
}

func TestService_QueryUnknownRoleNeverReachesStore(t *testing.T) {
	store := &countingStore{}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Query(ctx, audit.Filters{}, 1, 50, "clin-1", audit.Role("CLINICIAN"))
	require.ErrorIs(t, err, sentinel.ErrForbidden)

	_, err = svc.Export(ctx, audit.Filters{}, "clin-1", audit.Role("CLINICIAN"))
	require.ErrorIs(t, err, sentinel.ErrForbidden)

	_, err = svc.SubjectStats(ctx, "patient-9", "clin-1", audit.Role("CLINICIAN"))
	require.ErrorIs(t, err, sentinel.ErrForbidden)

	assert.Equal(t, 0, store.calls, "rejection must happen before any store access")
}

func TestService_ExportProducesCSVAndSelfAudits(t *testing.T) {
	store := memory.New()
	svc, buf := newTestService(t, store)
	ctx := context.Background()

	seedRecords(t, store, 3, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
		SubjectID: "patient-9",
	})

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out, err := svc.Export(ctx, audit.Filters{
		SubjectID: "patient-9",
		Action:    audit.ActionRecordRead,
		From:      from,
	}, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus one row per record")
	assert.Equal(t, "id", rows[0][0])

	// The export itself must land in the log.
	buf.Flush(ctx)
	res, err := svc.Query(ctx, audit.Filters{Action: audit.ActionRecordExport}, 1, 50, "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)

	selfAudit := res.Data[0]
	assert.Equal(t, "admin-1", selfAudit.ActorID)
	assert.Equal(t, audit.ResourceSystem, selfAudit.ResourceType)
	assert.EqualValues(t, 3, selfAudit.Metadata["rowCount"])

	scope, ok := selfAudit.Metadata["filters"].(audit.Metadata)
	require.True(t, ok, "self-audit carries the export's filter scope")
	assert.Equal(t, "patient-9", scope["subjectId"])
	assert.Equal(t, string(audit.ActionRecordRead), scope["action"])
	assert.Equal(t, from.Format(time.RFC3339Nano), scope["fromDate"])
	assert.NotContains(t, scope, "toDate")
}

func TestService_SubjectStats(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	seedRecords(t, store, 12, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
		SubjectID: "patient-9",
	})
	seedRecords(t, store, 2, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordUpdate,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
		SubjectID: "patient-9",
	})
	seedRecords(t, store, 5, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-2", ResourceType: audit.ResourceRecord,
		SubjectID: "patient-other",
	})

	stats, err := svc.SubjectStats(ctx, "patient-9", "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "patient-9", stats.SubjectID)
	assert.Equal(t, 14, stats.TotalAccesses)
	assert.Equal(t, 12, stats.ActionBreakdown[audit.ActionRecordRead])
	assert.Equal(t, 2, stats.ActionBreakdown[audit.ActionRecordUpdate])
	assert.Len(t, stats.RecentAccesses, 10, "recent list is capped")
}

// fakeStatsCache is a trivial in-process StatsCache.
type fakeStatsCache struct {
	stats map[string]audit.SubjectStats
	hits  int
	sets  int
}

func (c *fakeStatsCache) GetSubjectStats(_ context.Context, subjectID string) (audit.SubjectStats, bool) {
	s, ok := c.stats[subjectID]
	if ok {
		c.hits++
	}
	return s, ok
}

func (c *fakeStatsCache) SetSubjectStats(_ context.Context, s audit.SubjectStats) {
	c.sets++
	c.stats[s.SubjectID] = s
}

func TestService_SubjectStatsUsesCache(t *testing.T) {
	store := memory.New()
	cache := &fakeStatsCache{stats: make(map[string]audit.SubjectStats)}
	svc, _ := newTestService(t, store, audit.WithStatsCache(cache))
	ctx := context.Background()

	seedRecords(t, store, 3, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
		SubjectID: "patient-9",
	})

	first, err := svc.SubjectStats(ctx, "patient-9", "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, 0, cache.hits)

	second, err := svc.SubjectStats(ctx, "patient-9", "admin-1", audit.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, first, second)
}

func TestService_AnchorFirstWriterWins(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	recs := seedRecords(t, store, 1, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
	})
	id := recs[0].ID

	require.NoError(t, svc.Anchor(ctx, id, "proof-aaa"))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "proof-aaa", got.ExternalProofHash)

	err = svc.Anchor(ctx, id, "proof-bbb")
	require.ErrorIs(t, err, sentinel.ErrAlreadyAnchored)

	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "proof-aaa", got.ExternalProofHash, "first proof is never overwritten")
}

func TestService_AnchorRejectsEmptyHash(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)

	err := svc.Anchor(context.Background(), uuid.New(), "")
	require.ErrorIs(t, err, sentinel.ErrImmutable)
}

func TestService_AnchorUnknownRecord(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)

	err := svc.Anchor(context.Background(), uuid.New(), "proof-aaa")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestService_Verify(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	good := audit.NewRecord(audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
	})
	tampered := audit.NewRecord(audit.Entry{
		ActorID: "u2", Action: audit.ActionRecordRead,
		ResourceID: "rec-2", ResourceType: audit.ResourceRecord,
	})
	tampered.ActorID = "someone-else"
	require.NoError(t, store.InsertBatch(ctx, []audit.EventRecord{good, tampered}))

	ok, rec, err := svc.Verify(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, good.ID, rec.ID)

	ok, _, err = svc.Verify(ctx, tampered.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a rewritten field must break verification")

	_, _, err = svc.Verify(ctx, uuid.New())
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestService_Unanchored(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	recs := seedRecords(t, store, 3, audit.Entry{
		ActorID: "u1", Action: audit.ActionRecordRead,
		ResourceID: "rec-1", ResourceType: audit.ResourceRecord,
	})
	require.NoError(t, store.Anchor(ctx, recs[1].ID, "proof-aaa"))

	pending, err := svc.Unanchored(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, recs[0].ID, pending[0].ID, "oldest first")
	assert.Equal(t, recs[2].ID, pending[1].ID)
}
