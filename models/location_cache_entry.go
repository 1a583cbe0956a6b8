package models

import "time"

// LocationCacheEntry stores a previously resolved address. Lookups key on the
// normalized address; multiple raw strings may normalize to the same value,
// so only the original address is unique.
type LocationCacheEntry struct {
	ID                uint    `json:"id" gorm:"primaryKey;autoIncrement"`
	OriginalAddress   string  `json:"original_address" gorm:"type:varchar(512);not null;uniqueIndex"`
	NormalizedAddress string  `json:"normalized_address" gorm:"type:varchar(512);not null;index"`
	Latitude          float64 `json:"latitude" gorm:"not null"`
	Longitude         float64 `json:"longitude" gorm:"not null"`
	Provider          string  `json:"provider" gorm:"type:varchar(32);not null"`
	Confidence        float64 `json:"confidence" gorm:"not null"`

	Street     string `json:"street,omitempty" gorm:"type:varchar(255)"`
	City       string `json:"city,omitempty" gorm:"type:varchar(255)"`
	Region     string `json:"region,omitempty" gorm:"type:varchar(255)"`
	PostalCode string `json:"postal_code,omitempty" gorm:"type:varchar(32)"`
	Country    string `json:"country,omitempty" gorm:"type:varchar(100)"`

	Metadata JSONMap `json:"metadata,omitempty" gorm:"type:json"`

	HitCount int       `json:"hit_count" gorm:"not null;default:0"`
	LastUsed time.Time `json:"last_used" gorm:"not null;index"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (LocationCacheEntry) TableName() string { return "location_cache" }
