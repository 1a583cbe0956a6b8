package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// jsonValue serializes a JSON column value for storage.
func jsonValue(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// jsonScan deserializes a JSON column value read from the database.
func jsonScan(dst any, src any) error {
	if src == nil {
		return nil
	}
	switch data := src.(type) {
	case []byte:
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, dst)
	case string:
		if data == "" {
			return nil
		}
		return json.Unmarshal([]byte(data), dst)
	default:
		return fmt.Errorf("unsupported JSON column source type %T", src)
	}
}

// JobProgress tracks per-stage counters and the weighted overall percentage.
type JobProgress struct {
	TotalRows               int        `json:"total_rows"`
	ProcessedRows           int        `json:"processed_rows"`
	GeocodedAddresses       int        `json:"geocoded_addresses"`
	FailedAddresses         int        `json:"failed_addresses"`
	CreatedEvents           int        `json:"created_events"`
	SkippedEvents           int        `json:"skipped_events"`
	UpdatedEvents           int        `json:"updated_events"`
	OverallPercent          float64    `json:"overall_percent"`
	EstimatedCompletionTime *time.Time `json:"estimated_completion_time,omitempty"`
}

func (p JobProgress) Value() (driver.Value, error) { return jsonValue(p) }
func (p *JobProgress) Scan(src any) error          { return jsonScan(p, src) }

// SchemaValidation records the result of comparing the detected schema
// against the dataset's last approved schema version.
type SchemaValidation struct {
	IsCompatible     bool         `json:"is_compatible"`
	BreakingChanges  []FieldDelta `json:"breaking_changes,omitempty"`
	NewFields        []string     `json:"new_fields,omitempty"`
	EnumChanges      []FieldDelta `json:"enum_changes,omitempty"`
	RequiresApproval bool         `json:"requires_approval"`
	Approved         bool         `json:"approved"`
	ApprovedBy       string       `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time   `json:"approved_at,omitempty"`
}

func (v SchemaValidation) Value() (driver.Value, error) { return jsonValue(v) }
func (v *SchemaValidation) Scan(src any) error          { return jsonScan(v, src) }

// FieldDelta describes a single schema change for one field path.
type FieldDelta struct {
	Path     string   `json:"path"`
	Kind     string   `json:"kind"` // "type-change", "removed-required", "locked-change", "enum-added", "enum-removed"
	Previous string   `json:"previous,omitempty"`
	Current  string   `json:"current,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// DuplicateRow identifies one row flagged by duplicate analysis.
type DuplicateRow struct {
	RowNumber int    `json:"row_number"`
	UniqueKey string `json:"unique_key"`
}

// DuplicateSummary holds cumulative counts across every batch of one job.
type DuplicateSummary struct {
	TotalRows          int `json:"total_rows"`
	UniqueRows         int `json:"unique_rows"`
	InternalDuplicates int `json:"internal_duplicates"`
	ExternalDuplicates int `json:"external_duplicates"`
}

// DuplicateReport is the persisted output of the analyze-duplicates stage.
type DuplicateReport struct {
	Strategy string           `json:"strategy"`
	Internal []DuplicateRow   `json:"internal,omitempty"`
	External []DuplicateRow   `json:"external,omitempty"`
	Summary  DuplicateSummary `json:"summary"`
	SeenKeys []string         `json:"seen_keys,omitempty"`
}

func (r DuplicateReport) Value() (driver.Value, error) { return jsonValue(r) }
func (r *DuplicateReport) Scan(src any) error          { return jsonScan(r, src) }

// GeocodeResult is one resolved address as stored on the job.
type GeocodeResult struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
	FromCache  bool    `json:"from_cache"`
	Error      string  `json:"error,omitempty"`
}

// GeocodingResults maps raw location strings to their resolution outcome.
type GeocodingResults map[string]GeocodeResult

func (g GeocodingResults) Value() (driver.Value, error) { return jsonValue(g) }
func (g *GeocodingResults) Scan(src any) error          { return jsonScan(g, src) }

// RowError records a per-row failure with the row number it occurred on.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// RowErrorList is the errors[] column of an import job.
type RowErrorList []RowError

func (l RowErrorList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *RowErrorList) Scan(src any) error          { return jsonScan(l, src) }

// JobResults holds the terminal statistics of a completed job.
type JobResults struct {
	TotalRows     int `json:"total_rows"`
	CreatedEvents int `json:"created_events"`
	UpdatedEvents int `json:"updated_events"`
	SkippedRows   int `json:"skipped_rows"`
	FailedRows    int `json:"failed_rows"`
}

func (r JobResults) Value() (driver.Value, error) { return jsonValue(r) }
func (r *JobResults) Scan(src any) error          { return jsonScan(r, src) }

// StageLogEntry is one audited stage transition.
type StageLogEntry struct {
	FromStage string    `json:"from_stage"`
	ToStage   string    `json:"to_stage"`
	Actor     string    `json:"actor,omitempty"` // empty means automated
	Override  bool      `json:"override,omitempty"`
	At        time.Time `json:"at"`
}

// StageLog is the audit trail of stage transitions for one job.
type StageLog []StageLogEntry

func (l StageLog) Value() (driver.Value, error) { return jsonValue(l) }
func (l *StageLog) Scan(src any) error          { return jsonScan(l, src) }

// StringList is a JSON-encoded list of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *StringList) Scan(src any) error          { return jsonScan(l, src) }

// JSONMap is a generic JSON object column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) { return jsonValue(m) }
func (m *JSONMap) Scan(src any) error          { return jsonScan(m, src) }
