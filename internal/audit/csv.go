package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// csvHeader is the fixed export column set.
var csvHeader = []string{
	"id", "actorId", "action", "resourceType", "resourceId",
	"subjectId", "sourceAddress", "agentString", "externalProofHash",
	"timestamp", "metadata",
}

// marshalCSV serializes records for export. encoding/csv applies RFC 4180
// quoting: embedded quotes are doubled and the field wrapped in quotes.
// Metadata is rendered as its JSON text, verbatim.
func marshalCSV(records []EventRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, rec := range records {
		metadata := ""
		if len(rec.Metadata) > 0 {
			raw, err := json.Marshal(rec.Metadata)
			if err != nil {
				return nil, fmt.Errorf("marshal metadata for %s: %w", rec.ID, err)
			}
			metadata = string(raw)
		}

		row := []string{
			rec.ID.String(),
			rec.ActorID,
			string(rec.Action),
			string(rec.ResourceType),
			rec.ResourceID,
			rec.SubjectID,
			rec.SourceAddress,
			rec.AgentString,
			rec.ExternalProofHash,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			metadata,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row for %s: %w", rec.ID, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
