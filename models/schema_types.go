package models

import "database/sql/driver"

// Value kinds recognised by schema inference. Rows are JSON-shaped, so every
// cell resolves to exactly one of these.
const (
	KindNull    = "null"
	KindBool    = "boolean"
	KindNumber  = "number"
	KindString  = "string"
	KindArray   = "array"
	KindObject  = "object"
	KindUnknown = "unknown"
)

// FieldStats accumulates per-field observations across batches so a
// multi-batch import never re-scans earlier rows.
type FieldStats struct {
	TypeCounts   map[string]int `json:"type_counts"`
	Presence     int            `json:"presence"` // rows in which the field appeared
	EnumCounts   map[string]int `json:"enum_counts,omitempty"`
	EnumOverflow bool           `json:"enum_overflow,omitempty"` // distinct values exceeded the threshold
	Depth        int            `json:"depth"`
}

// SchemaBuilderState is the progressive inference state carried on the job.
type SchemaBuilderState struct {
	Fields   map[string]*FieldStats `json:"fields,omitempty"`
	RowCount int                    `json:"row_count"`
}

func (s SchemaBuilderState) Value() (driver.Value, error) { return jsonValue(s) }
func (s *SchemaBuilderState) Scan(src any) error          { return jsonScan(s, src) }

// SchemaField is the finalized description of one field path.
type SchemaField struct {
	Path       string   `json:"path"`
	Types      []string `json:"types"`
	Required   bool     `json:"required"` // present in every observed row
	EnumValues []string `json:"enum_values,omitempty"`
	Depth      int      `json:"depth"`
}

// SchemaDocument is the JSON-schema-like structure detected from rows.
type SchemaDocument struct {
	Fields   map[string]SchemaField `json:"fields,omitempty"`
	RowCount int                    `json:"row_count"`
}

func (s SchemaDocument) Value() (driver.Value, error) { return jsonValue(s) }
func (s *SchemaDocument) Scan(src any) error          { return jsonScan(s, src) }

// FieldMetadata carries display hints for approved schema fields.
type FieldMetadata map[string]map[string]string

func (m FieldMetadata) Value() (driver.Value, error) { return jsonValue(m) }
func (m *FieldMetadata) Scan(src any) error          { return jsonScan(m, src) }
