package services

import (
	"log"
	"time"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"
	"github.com/jfilter/timetiles-sub003/utils"

	"gorm.io/gorm"
)

// LocationCacheService stores previously resolved addresses keyed by their
// normalized form. Cache failures are never fatal to a geocoding request.
type LocationCacheService struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewLocationCacheService(db *gorm.DB, ttl time.Duration) *LocationCacheService {
	if db == nil {
		db = config.DB
	}
	return &LocationCacheService{db: db, ttl: ttl}
}

// Lookup returns the cached entry for an address, or nil on a miss. Entries
// older than the TTL count as misses and are evicted. A hit bumps the usage
// counters best-effort.
func (s *LocationCacheService) Lookup(address string) *models.LocationCacheEntry {
	normalized := utils.NormalizeAddress(address)
	if normalized == "" {
		return nil
	}

	var entry models.LocationCacheEntry
	err := s.db.Where("normalized_address = ?", normalized).First(&entry).Error
	if err != nil {
		return nil
	}

	if s.ttl > 0 && time.Since(entry.CreatedAt) > s.ttl {
		if err := s.db.Delete(&entry).Error; err != nil {
			log.Printf("Failed to evict expired cache entry %d: %v", entry.ID, err)
		}
		return nil
	}

	err = s.db.Model(&entry).Updates(map[string]interface{}{
		"hit_count": gorm.Expr("hit_count + 1"),
		"last_used": time.Now(),
	}).Error
	if err != nil {
		log.Printf("Failed to update cache counters for entry %d: %v", entry.ID, err)
	}
	return &entry
}

// Store saves a freshly resolved address. An existing entry for the same
// normalized address is overwritten with the newer resolution.
func (s *LocationCacheService) Store(address string, result *ProviderResult, provider string) {
	normalized := utils.NormalizeAddress(address)
	if normalized == "" {
		return
	}

	var existing models.LocationCacheEntry
	err := s.db.Where("normalized_address = ?", normalized).First(&existing).Error
	if err == nil {
		err = s.db.Model(&existing).Updates(map[string]interface{}{
			"latitude":    result.Latitude,
			"longitude":   result.Longitude,
			"provider":    provider,
			"confidence":  result.Confidence,
			"street":      result.Street,
			"city":        result.City,
			"region":      result.Region,
			"postal_code": result.PostalCode,
			"country":     result.Country,
			"metadata":    result.Metadata,
			"last_used":   time.Now(),
		}).Error
		if err != nil {
			log.Printf("Failed to refresh cache entry %d: %v", existing.ID, err)
		}
		return
	}

	entry := models.LocationCacheEntry{
		OriginalAddress:   address,
		NormalizedAddress: normalized,
		Latitude:          result.Latitude,
		Longitude:         result.Longitude,
		Provider:          provider,
		Confidence:        result.Confidence,
		Street:            result.Street,
		City:              result.City,
		Region:            result.Region,
		PostalCode:        result.PostalCode,
		Country:           result.Country,
		Metadata:          result.Metadata,
		LastUsed:          time.Now(),
	}
	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("Failed to store cache entry for %q: %v", normalized, err)
	}
}

// CleanupExpired removes entries past the TTL. Called from the worker's
// maintenance loop.
func (s *LocationCacheService) CleanupExpired() (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.ttl)
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.LocationCacheEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("Removed %d expired location cache entries", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
