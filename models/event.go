package models

import "time"

// Event is one materialized, geocoded event record. The unique key is the
// lookup target for external duplicate detection on later imports.
type Event struct {
	ID        uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	DatasetID string `json:"dataset_id" gorm:"type:varchar(36);not null;index:idx_event_key,priority:1"`
	UniqueKey string `json:"unique_key" gorm:"type:varchar(128);not null;index:idx_event_key,priority:2"`
	Version   int    `json:"version" gorm:"not null;default:1"`

	Payload JSONMap `json:"payload" gorm:"type:json"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	ImportJobID string `json:"import_job_id" gorm:"type:varchar(36);not null;index"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Event) TableName() string { return "events" }
