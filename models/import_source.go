package models

import "time"

const (
	ImportOriginFileUpload = "file-upload"
	ImportOriginURLFetch   = "url-fetch"
)

const (
	ImportSourceStatusProcessing = "processing"
	ImportSourceStatusCompleted  = "completed"
	ImportSourceStatusFailed     = "failed"
)

// ImportSource is one uploaded file or scheduled URL fetch. It fans out into
// one ImportJob per sheet; its status is aggregated from the terminal states
// of those jobs.
type ImportSource struct {
	ID        string `json:"id" gorm:"type:varchar(36);primaryKey"`
	DatasetID string `json:"dataset_id" gorm:"type:varchar(36);not null;index"`
	Origin    string `json:"origin" gorm:"type:varchar(16);not null"`

	OriginalName string `json:"original_name,omitempty" gorm:"type:varchar(255)"`
	StoredPath   string `json:"stored_path,omitempty" gorm:"type:varchar(512)"`
	SourceURL    string `json:"source_url,omitempty" gorm:"type:varchar(1024)"`
	MimeType     string `json:"mime_type,omitempty" gorm:"type:varchar(100)"`
	FileSize     int64  `json:"file_size" gorm:"not null;default:0"`
	SheetCount   int    `json:"sheet_count" gorm:"not null;default:1"`

	Status     string `json:"status" gorm:"type:varchar(16);not null;default:'processing'"`
	UploadedBy int    `json:"uploaded_by,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (ImportSource) TableName() string { return "import_sources" }
