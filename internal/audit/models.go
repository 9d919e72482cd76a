package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action is the closed set of auditable actions. Grouped by concern so
// compliance reviews can reason about coverage.
type Action string

const (
	// Record operations
	ActionRecordRead     Action = "RECORD_READ"
	ActionRecordCreate   Action = "RECORD_CREATE"
	ActionRecordUpdate   Action = "RECORD_UPDATE"
	ActionRecordDelete   Action = "RECORD_DELETE"
	ActionRecordDownload Action = "RECORD_DOWNLOAD"
	ActionRecordExport   Action = "RECORD_EXPORT"

	// Access-control operations
	ActionAccessGranted   Action = "ACCESS_GRANTED"
	ActionAccessRevoked   Action = "ACCESS_REVOKED"
	ActionAccessRequested Action = "ACCESS_REQUESTED"
	ActionAccessDenied    Action = "ACCESS_DENIED"

	// Authentication operations
	ActionLoginSuccess Action = "LOGIN_SUCCESS"
	ActionLoginFailure Action = "LOGIN_FAILURE"
	ActionLogout       Action = "LOGOUT"

	// PHI operations
	ActionPHIAccess Action = "PHI_ACCESS"
	ActionPHIModify Action = "PHI_MODIFY"
	ActionPHIExport Action = "PHI_EXPORT"
	ActionPHIPrint  Action = "PHI_PRINT"

	// Administrative operations
	ActionUserCreated  Action = "USER_CREATED"
	ActionUserUpdated  Action = "USER_UPDATED"
	ActionUserDeleted  Action = "USER_DELETED"
	ActionRoleAssigned Action = "ROLE_ASSIGNED"
	ActionRoleRevoked  Action = "ROLE_REVOKED"

	// Security events
	ActionSecurityViolation  Action = "SECURITY_VIOLATION"
	ActionSuspiciousActivity Action = "SUSPICIOUS_ACTIVITY"
	ActionRateLimitExceeded  Action = "RATE_LIMIT_EXCEEDED"
)

// ResourceType is the closed set of resource kinds an action can target.
type ResourceType string

const (
	ResourceRecord       ResourceType = "RECORD"
	ResourcePatient      ResourceType = "PATIENT"
	ResourceUser         ResourceType = "USER"
	ResourceAccessGrant  ResourceType = "ACCESS_GRANT"
	ResourceAppointment  ResourceType = "APPOINTMENT"
	ResourcePrescription ResourceType = "PRESCRIPTION"
	ResourceLabResult    ResourceType = "LAB_RESULT"
	ResourceImaging      ResourceType = "IMAGING"
	ResourceSystem       ResourceType = "SYSTEM"
)

// Role is the closed set of roles the query engine recognizes. Anything
// outside this set is rejected before any store access.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RolePatient Role = "PATIENT"
)

// Sentinels for unresolved fields. Explicit values, not empty strings, so a
// missing principal is distinguishable from a bug in extraction.
const (
	ActorAnonymous  = "anonymous"
	ResourceUnknown = "unknown"
)

// MetadataKeySubjectID is the conventional metadata key callers have
// historically used to convey the data subject. Promoted to the first-class
// SubjectID field at record construction.
const MetadataKeySubjectID = "patientId"

// Metadata is an open key-value payload attached to a record. Never
// interpreted by the core, only stored and returned verbatim.
type Metadata map[string]any

// EventRecord is one immutable fact about who did what to which resource.
// Once stored, the only permitted mutation is the single null-to-value
// transition on ExternalProofHash performed by the anchoring hook.
type EventRecord struct {
	ID                uuid.UUID    `json:"id"`
	ActorID           string       `json:"actorId"`
	Action            Action       `json:"action"`
	ResourceID        string       `json:"resourceId"`
	ResourceType      ResourceType `json:"resourceType"`
	SubjectID         string       `json:"subjectId,omitempty"`
	SourceAddress     string       `json:"sourceAddress,omitempty"`
	AgentString       string       `json:"agentString,omitempty"`
	ExternalProofHash string       `json:"externalProofHash,omitempty"`
	Metadata          Metadata     `json:"metadata,omitempty"`
	IntegrityHash     string       `json:"integrityHash"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// Entry is the event descriptor accepted by the logging entry point. Only
// ActorID, Action, ResourceID, and ResourceType are semantically required;
// missing values are defaulted to sentinels rather than rejected so a logging
// call can never throw back into business logic.
type Entry struct {
	ActorID           string
	Action            Action
	ResourceID        string
	ResourceType      ResourceType
	SubjectID         string
	SourceAddress     string
	AgentString       string
	Timestamp         time.Time
	ExternalProofHash string
	Metadata          Metadata
}

// NewRecord builds a fully-populated EventRecord from an event descriptor.
// The ID is assigned here, before buffering, so callers can reference the
// record while it is still in flight. Construction never fails.
func NewRecord(e Entry) EventRecord {
	if e.ActorID == "" {
		e.ActorID = ActorAnonymous
	}
	if e.ResourceID == "" {
		e.ResourceID = ResourceUnknown
	}
	if e.ResourceType == "" {
		e.ResourceType = ResourceRecord
	}

	createdAt := e.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	// created_at is a TIMESTAMPTZ with microsecond resolution. The hash
	// covers this timestamp, so it must already carry the precision the
	// store will hand back, or verification breaks on every read.
	createdAt = createdAt.Round(time.Microsecond)

	subjectID := e.SubjectID
	if subjectID == "" {
		if v, ok := e.Metadata[MetadataKeySubjectID].(string); ok {
			subjectID = v
		}
	}

	return EventRecord{
		ID:                uuid.New(),
		ActorID:           e.ActorID,
		Action:            e.Action,
		ResourceID:        e.ResourceID,
		ResourceType:      e.ResourceType,
		SubjectID:         subjectID,
		SourceAddress:     e.SourceAddress,
		AgentString:       e.AgentString,
		ExternalProofHash: e.ExternalProofHash,
		Metadata:          e.Metadata,
		IntegrityHash:     IntegrityHash(e.ActorID, e.Action, e.ResourceID, e.ResourceType, createdAt),
		CreatedAt:         createdAt,
	}
}

// Filters narrows a query. All fields are optional and conjunctive.
type Filters struct {
	SubjectID    string
	ActorID      string
	ResourceID   string
	Action       Action
	ResourceType ResourceType
	From         time.Time
	To           time.Time
}

// Result is one page of query output.
type Result struct {
	Data       []EventRecord `json:"data"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	TotalPages int           `json:"totalPages"`
}

// SubjectStats aggregates access history for one data subject.
type SubjectStats struct {
	SubjectID       string         `json:"subjectId"`
	TotalAccesses   int            `json:"totalAccesses"`
	ActionBreakdown map[Action]int `json:"actionBreakdown"`
	RecentAccesses  []EventRecord  `json:"recentAccesses"`
}
