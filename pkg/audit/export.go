package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat selects the export encoding
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"
)

// ContentType returns the HTTP content type of the format
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Export encodes records in the given format
func Export(records []*Record, format ExportFormat) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		if records == nil {
			records = []*Record{}
		}
		return json.MarshalIndent(records, "", "  ")
	case FormatNDJSON:
		return exportNDJSON(records)
	case FormatCSV:
		return exportCSV(records)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func exportNDJSON(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{"ID", "TenantID", "EventType", "OccurredAt", "Payload"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.ID,
			r.TenantID,
			string(r.EventType),
			r.OccurredAt.UTC().Format(time.RFC3339),
			string(r.Payload),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}
