package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"
	"github.com/jfilter/timetiles-sub003/utils"

	"gorm.io/gorm"
)

var (
	ErrEmptyAddress       = errors.New("address is empty after normalization")
	ErrAllProvidersFailed = errors.New("all geocoding providers failed")
)

// GeocodingService resolves addresses to coordinates through a cache and a
// prioritized provider pool.
type GeocodingService struct {
	cache    *LocationCacheService
	pool     []providerEntry
	settings config.GeocodingSettings
}

func NewGeocodingService(db *gorm.DB, settings config.GeocodingSettings) *GeocodingService {
	if db == nil {
		db = config.DB
	}
	return &GeocodingService{
		cache:    NewLocationCacheService(db, settings.CacheTTL),
		pool:     BuildProviderPool(settings),
		settings: settings,
	}
}

// Geocode resolves a single address: cache first, then providers in priority
// order. A provider answer is accepted only when its coordinates are in valid
// ranges, inside the provider's bounding box, and at or above the confidence
// floor. Accepted results are cached for later requests.
func (s *GeocodingService) Geocode(ctx context.Context, address string) (*models.GeocodeResult, error) {
	if utils.NormalizeAddress(address) == "" {
		return nil, ErrEmptyAddress
	}

	if entry := s.cache.Lookup(address); entry != nil {
		return &models.GeocodeResult{
			Latitude:   entry.Latitude,
			Longitude:  entry.Longitude,
			Provider:   entry.Provider,
			Confidence: entry.Confidence,
			FromCache:  true,
		}, nil
	}

	var lastErr error
	for i := range s.pool {
		entry := &s.pool[i]
		name := entry.provider.Name()

		if err := entry.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := entry.provider.Geocode(ctx, address)
		if err == nil {
			err = s.acceptResult(entry, result)
		}
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			if !errors.Is(err, errNoMatch) {
				log.Printf("Geocoding provider %s failed for %q: %v", name, address, err)
			}
			if !s.settings.FallbackEnabled {
				return nil, lastErr
			}
			continue
		}

		s.cache.Store(address, result, name)
		return &models.GeocodeResult{
			Latitude:   result.Latitude,
			Longitude:  result.Longitude,
			Provider:   name,
			Confidence: result.Confidence,
			FromCache:  false,
		}, nil
	}

	if lastErr == nil {
		lastErr = errNoMatch
	}
	return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// acceptResult applies the acceptance checks to a raw provider answer.
func (s *GeocodingService) acceptResult(entry *providerEntry, result *ProviderResult) error {
	lat, lng := result.Latitude, result.Longitude
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("coordinates out of range: %f, %f", lat, lng)
	}
	// Null Island is a failed lookup dressed up as a coordinate pair.
	if lat == 0 && lng == 0 {
		return errNoMatch
	}
	if !entry.withinBounds(lat, lng) {
		return fmt.Errorf("coordinates outside provider bounds: %f, %f", lat, lng)
	}
	if result.Confidence < s.settings.MinConfidence {
		return fmt.Errorf("confidence %.2f below floor %.2f", result.Confidence, s.settings.MinConfidence)
	}
	return nil
}

// BatchGeocode resolves many addresses. Addresses within one batch run
// concurrently; batches run sequentially with a pause in between so provider
// rate limits recover. Per-address failures land in the result map rather
// than aborting the batch.
func (s *GeocodingService) BatchGeocode(ctx context.Context, addresses []string) models.GeocodingResults {
	results := make(models.GeocodingResults, len(addresses))

	// Repeated addresses resolve once.
	seen := make(map[string]bool, len(addresses))
	unique := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if !seen[address] {
			seen[address] = true
			unique = append(unique, address)
		}
	}

	batchSize := s.settings.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	var mu sync.Mutex
	for start := 0; start < len(unique); start += batchSize {
		end := start + batchSize
		if end > len(unique) {
			end = len(unique)
		}

		var wg sync.WaitGroup
		for _, address := range unique[start:end] {
			wg.Add(1)
			go func(address string) {
				defer wg.Done()
				result, err := s.Geocode(ctx, address)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					results[address] = models.GeocodeResult{Error: err.Error()}
					return
				}
				results[address] = *result
			}(address)
		}
		wg.Wait()

		if end < len(unique) && s.settings.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(s.settings.InterBatchDelay):
			}
		}
	}
	return results
}
