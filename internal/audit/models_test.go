package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_DefaultsSentinels(t *testing.T) {
	rec := NewRecord(Entry{Action: ActionRecordRead})

	assert.Equal(t, ActorAnonymous, rec.ActorID)
	assert.Equal(t, ResourceUnknown, rec.ResourceID)
	assert.Equal(t, ResourceRecord, rec.ResourceType)
	assert.NotEqual(t, uuid.Nil, rec.ID, "id is assigned at construction, before buffering")
	assert.Empty(t, rec.ExternalProofHash)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NotEmpty(t, rec.IntegrityHash)
}

func TestNewRecord_PreservesExplicitTimestamp(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := NewRecord(Entry{
		ActorID:      "u1",
		Action:       ActionRecordCreate,
		ResourceID:   "r1",
		ResourceType: ResourceRecord,
		Timestamp:    ts,
	})

	assert.Equal(t, ts, rec.CreatedAt)
	assert.Equal(t,
		IntegrityHash("u1", ActionRecordCreate, "r1", ResourceRecord, ts),
		rec.IntegrityHash,
		"hash covers the supplied timestamp, not wall clock",
	)
}

func TestNewRecord_TimestampSurvivesStorePrecision(t *testing.T) {
	// Postgres stores created_at at microsecond resolution. A record built
	// from a nanosecond wall-clock reading must verify after that loss.
	ts := time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.UTC)

	rec := NewRecord(Entry{
		ActorID:      "u1",
		Action:       ActionRecordRead,
		ResourceID:   "r1",
		ResourceType: ResourceRecord,
		Timestamp:    ts,
	})

	assert.Zero(t, rec.CreatedAt.Nanosecond()%1000,
		"timestamp carries no sub-microsecond digits")

	stored := rec
	stored.CreatedAt = rec.CreatedAt.Round(time.Microsecond)
	assert.True(t, stored.VerifyIntegrity(),
		"record read back at microsecond resolution still verifies")
}

func TestNewRecord_PromotesSubjectFromMetadata(t *testing.T) {
	rec := NewRecord(Entry{
		ActorID:      "doc-1",
		Action:       ActionPHIAccess,
		ResourceID:   "r1",
		ResourceType: ResourceRecord,
		Metadata:     Metadata{MetadataKeySubjectID: "patient-9"},
	})

	assert.Equal(t, "patient-9", rec.SubjectID)
}

func TestNewRecord_ExplicitSubjectWinsOverMetadata(t *testing.T) {
	rec := NewRecord(Entry{
		ActorID:      "doc-1",
		Action:       ActionPHIAccess,
		ResourceID:   "r1",
		ResourceType: ResourceRecord,
		SubjectID:    "patient-1",
		Metadata:     Metadata{MetadataKeySubjectID: "patient-9"},
	})

	assert.Equal(t, "patient-1", rec.SubjectID)
}

func TestNewRecord_UniqueIDs(t *testing.T) {
	a := NewRecord(Entry{Action: ActionRecordRead})
	b := NewRecord(Entry{Action: ActionRecordRead})
	require.NotEqual(t, a.ID, b.ID)
}
