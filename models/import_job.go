package models

import "time"

// Pipeline stages. Transitions follow the directed graph enforced by
// services.NextStage; completed is terminal.
const (
	StageAnalyzeDuplicates   = "analyze-duplicates"
	StageDetectSchema        = "detect-schema"
	StageValidateSchema      = "validate-schema"
	StageAwaitApproval       = "await-approval"
	StageCreateSchemaVersion = "create-schema-version"
	StageGeocodeBatch        = "geocode-batch"
	StageCreateEvents        = "create-events"
	StageCompleted           = "completed"
	StageFailed              = "failed"
)

// ImportJob is one unit of pipeline work transforming a sheet or batch of an
// import source into stored events. Mutated exclusively by the pipeline
// service, one mutation per stage completion; retained for audit, never
// deleted by the pipeline.
type ImportJob struct {
	ID             string `json:"id" gorm:"type:varchar(36);primaryKey"`
	ImportSourceID string `json:"import_source_id" gorm:"type:varchar(36);not null;index"`
	DatasetID      string `json:"dataset_id" gorm:"type:varchar(36);not null;index"`
	SheetIndex     int    `json:"sheet_index" gorm:"not null;default:0"`

	Stage string `json:"stage" gorm:"type:varchar(32);not null;index"`

	Progress           JobProgress        `json:"progress" gorm:"type:json"`
	Schema             SchemaDocument     `json:"schema" gorm:"column:detected_schema;type:json"`
	SchemaBuilderState SchemaBuilderState `json:"schema_builder_state" gorm:"type:json"`
	SchemaValidation   SchemaValidation   `json:"schema_validation" gorm:"type:json"`
	Duplicates         DuplicateReport    `json:"duplicates" gorm:"type:json"`
	GeocodingResults   GeocodingResults   `json:"geocoding_results" gorm:"type:json"`
	Results            JobResults         `json:"results" gorm:"type:json"`
	Errors             RowErrorList       `json:"errors" gorm:"type:json"`
	StageHistory       StageLog           `json:"stage_history" gorm:"type:json"`

	RetryAttempts       int        `json:"retry_attempts" gorm:"not null;default:0"`
	LastRetryAt         *time.Time `json:"last_retry_at,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	LastSuccessfulStage string     `json:"last_successful_stage,omitempty" gorm:"type:varchar(32)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (ImportJob) TableName() string { return "import_jobs" }

// IsTerminal reports whether the job can no longer progress.
func (j *ImportJob) IsTerminal() bool {
	return j.Stage == StageCompleted || j.Stage == StageFailed
}
