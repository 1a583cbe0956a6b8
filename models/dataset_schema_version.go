package models

import "time"

// DatasetSchemaVersion is an immutable, versioned snapshot of a dataset's
// approved schema. Created only when a schema change is accepted; later
// versions supersede but never delete earlier ones.
type DatasetSchemaVersion struct {
	ID            uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	DatasetID     string         `json:"dataset_id" gorm:"type:varchar(36);not null;index:idx_dataset_version,unique,priority:1"`
	VersionNumber int            `json:"version_number" gorm:"not null;index:idx_dataset_version,unique,priority:2"`
	Schema        SchemaDocument `json:"schema" gorm:"column:schema_document;type:json"`
	FieldMetadata FieldMetadata  `json:"field_metadata,omitempty" gorm:"type:json"`
	SchemaSummary string         `json:"schema_summary,omitempty" gorm:"type:text"`
	ImportSources StringList     `json:"import_sources,omitempty" gorm:"type:json"`

	ApprovalRequired bool    `json:"approval_required" gorm:"not null;default:false"`
	ApprovedBy       string  `json:"approved_by,omitempty" gorm:"type:varchar(255)"`
	Conflicts        JSONMap `json:"conflicts,omitempty" gorm:"type:json"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (DatasetSchemaVersion) TableName() string { return "dataset_schema_versions" }
