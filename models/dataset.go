package models

import "time"

// Unique-key strategies for duplicate analysis.
const (
	IDStrategyExternal = "external-id"
	IDStrategyComputed = "computed-hash"
	IDStrategyAuto     = "auto-detect"
	IDStrategyHybrid   = "hybrid"
)

// Dedup strategies applied at event-creation time.
const (
	DedupSkip    = "skip"
	DedupUpdate  = "update"
	DedupVersion = "version"
)

// Enum collection modes for schema inference.
const (
	EnumModeCount   = "count"
	EnumModePercent = "percent"
)

// Dataset is the target collection of an import, carrying the id-strategy,
// schema and geocoding configuration the pipeline reads. Read-only to the
// pipeline itself.
type Dataset struct {
	ID   string `json:"id" gorm:"type:varchar(36);primaryKey"`
	Name string `json:"name" gorm:"type:varchar(255);not null"`

	IDStrategy         string     `json:"id_strategy" gorm:"type:varchar(16);not null;default:'auto-detect'"`
	ExternalIDPath     string     `json:"external_id_path,omitempty" gorm:"type:varchar(255)"`
	ComputedHashPaths  StringList `json:"computed_hash_paths,omitempty" gorm:"type:json"`
	DedupStrategy      string     `json:"dedup_strategy" gorm:"type:varchar(16);not null;default:'skip'"`

	SchemaEnabled         bool    `json:"schema_enabled" gorm:"not null;default:true"`
	SchemaLocked          bool    `json:"schema_locked" gorm:"not null;default:false"`
	AutoGrow              bool    `json:"auto_grow" gorm:"not null;default:true"`
	AutoApproveNonBreaking bool   `json:"auto_approve_non_breaking" gorm:"not null;default:true"`
	StrictValidation      bool    `json:"strict_validation" gorm:"not null;default:false"`
	MaxSchemaDepth        int     `json:"max_schema_depth" gorm:"not null;default:3"`
	EnumThreshold         float64 `json:"enum_threshold" gorm:"not null;default:20"`
	EnumMode              string  `json:"enum_mode" gorm:"type:varchar(8);not null;default:'count'"`

	AddressFieldPath   string `json:"address_field_path,omitempty" gorm:"type:varchar(255)"`
	LatitudeFieldPath  string `json:"latitude_field_path,omitempty" gorm:"type:varchar(255)"`
	LongitudeFieldPath string `json:"longitude_field_path,omitempty" gorm:"type:varchar(255)"`

	OwnerEmail string `json:"owner_email,omitempty" gorm:"type:varchar(255)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Dataset) TableName() string { return "datasets" }
