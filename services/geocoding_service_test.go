package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type stubProvider struct {
	name   string
	result *ProviderResult
	err    error
	calls  int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Geocode(ctx context.Context, address string) (*ProviderResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := *p.result
	return &out, nil
}

func stubGeocodingService(db *gorm.DB, settings config.GeocodingSettings, providers ...*stubProvider) *GeocodingService {
	pool := make([]providerEntry, 0, len(providers))
	for i, p := range providers {
		pool = append(pool, providerEntry{
			provider: p,
			priority: i + 1,
			limiter:  rate.NewLimiter(rate.Inf, 1),
		})
	}
	return &GeocodingService{
		cache:    NewLocationCacheService(db, settings.CacheTTL),
		pool:     pool,
		settings: settings,
	}
}

func geocodingTestSettings() config.GeocodingSettings {
	return config.GeocodingSettings{
		MinConfidence:   0.5,
		CacheTTL:        time.Hour,
		BatchSize:       10,
		FallbackEnabled: true,
	}
}

func TestGeocodeResolvesAndCaches(t *testing.T) {
	db := newTestDB(t)
	provider := &stubProvider{name: "stub", result: &ProviderResult{
		Latitude: 52.52, Longitude: 13.405, Confidence: 0.9, City: "Berlin",
	}}
	svc := stubGeocodingService(db, geocodingTestSettings(), provider)

	result, err := svc.Geocode(context.Background(), "Unter den Linden 1, Berlin")
	require.NoError(t, err)
	assert.Equal(t, 52.52, result.Latitude)
	assert.Equal(t, "stub", result.Provider)
	assert.False(t, result.FromCache)
	assert.Equal(t, 1, provider.calls)

	// Second lookup is served from the cache.
	result, err = svc.Geocode(context.Background(), "Unter den Linden 1, Berlin")
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, 1, provider.calls)

	// Different raw spelling of the same address still hits.
	result, err = svc.Geocode(context.Background(), "unter den linden 1,  berlin")
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, 1, provider.calls)
}

func TestGeocodeCacheTracksHitCount(t *testing.T) {
	db := newTestDB(t)
	provider := &stubProvider{name: "stub", result: &ProviderResult{
		Latitude: 48.8566, Longitude: 2.3522, Confidence: 0.8,
	}}
	svc := stubGeocodingService(db, geocodingTestSettings(), provider)

	_, err := svc.Geocode(context.Background(), "Paris")
	require.NoError(t, err)
	_, err = svc.Geocode(context.Background(), "Paris")
	require.NoError(t, err)
	_, err = svc.Geocode(context.Background(), "Paris")
	require.NoError(t, err)

	var entry models.LocationCacheEntry
	require.NoError(t, db.Where("normalized_address = ?", "paris").First(&entry).Error)
	assert.Equal(t, 2, entry.HitCount)
}

func TestGeocodeConfidenceFloor(t *testing.T) {
	db := newTestDB(t)
	provider := &stubProvider{name: "stub", result: &ProviderResult{
		Latitude: 40.0, Longitude: -74.0, Confidence: 0.3,
	}}
	svc := stubGeocodingService(db, geocodingTestSettings(), provider)

	_, err := svc.Geocode(context.Background(), "somewhere vague")
	assert.ErrorIs(t, err, ErrAllProvidersFailed)

	// Rejected results never reach the cache.
	var count int64
	require.NoError(t, db.Model(&models.LocationCacheEntry{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestGeocodeRejectsNullIslandAndOutOfRange(t *testing.T) {
	db := newTestDB(t)

	nullIsland := &stubProvider{name: "null-island", result: &ProviderResult{Confidence: 0.9}}
	svc := stubGeocodingService(db, geocodingTestSettings(), nullIsland)
	_, err := svc.Geocode(context.Background(), "the gulf of guinea buoy")
	assert.ErrorIs(t, err, ErrAllProvidersFailed)

	outOfRange := &stubProvider{name: "broken", result: &ProviderResult{
		Latitude: 91.0, Longitude: 10.0, Confidence: 0.9,
	}}
	svc = stubGeocodingService(db, geocodingTestSettings(), outOfRange)
	_, err = svc.Geocode(context.Background(), "nonsense latitude")
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestGeocodeFallsBackAcrossProviders(t *testing.T) {
	db := newTestDB(t)
	failing := &stubProvider{name: "primary", err: errors.New("quota exhausted")}
	working := &stubProvider{name: "secondary", result: &ProviderResult{
		Latitude: 51.5, Longitude: -0.12, Confidence: 0.7,
	}}
	svc := stubGeocodingService(db, geocodingTestSettings(), failing, working)

	result, err := svc.Geocode(context.Background(), "London")
	require.NoError(t, err)
	assert.Equal(t, "secondary", result.Provider)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, working.calls)
}

func TestGeocodeFallbackDisabledStopsAtFirstError(t *testing.T) {
	db := newTestDB(t)
	settings := geocodingTestSettings()
	settings.FallbackEnabled = false

	failing := &stubProvider{name: "primary", err: errors.New("quota exhausted")}
	working := &stubProvider{name: "secondary", result: &ProviderResult{
		Latitude: 51.5, Longitude: -0.12, Confidence: 0.7,
	}}
	svc := stubGeocodingService(db, settings, failing, working)

	_, err := svc.Geocode(context.Background(), "London")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 0, working.calls)
}

func TestGeocodeEmptyAddress(t *testing.T) {
	db := newTestDB(t)
	svc := stubGeocodingService(db, geocodingTestSettings(), &stubProvider{name: "stub"})

	_, err := svc.Geocode(context.Background(), "   !!! ")
	assert.ErrorIs(t, err, ErrEmptyAddress)
}

func TestGeocodeExpiredCacheEntryIsAMiss(t *testing.T) {
	db := newTestDB(t)
	settings := geocodingTestSettings()
	provider := &stubProvider{name: "stub", result: &ProviderResult{
		Latitude: 52.52, Longitude: 13.405, Confidence: 0.9,
	}}
	svc := stubGeocodingService(db, settings, provider)

	_, err := svc.Geocode(context.Background(), "Berlin")
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	// Age the entry past the TTL.
	require.NoError(t, db.Model(&models.LocationCacheEntry{}).
		Where("normalized_address = ?", "berlin").
		Update("created_at", time.Now().Add(-2*time.Hour)).Error)

	_, err = svc.Geocode(context.Background(), "Berlin")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestBatchGeocodeCollectsPerAddressFailures(t *testing.T) {
	db := newTestDB(t)
	provider := &stubProvider{name: "stub", result: &ProviderResult{
		Latitude: 52.52, Longitude: 13.405, Confidence: 0.9,
	}}
	svc := stubGeocodingService(db, geocodingTestSettings(), provider)

	results := svc.BatchGeocode(context.Background(), []string{"Berlin", "Berlin", "  "})
	require.Len(t, results, 2)

	assert.Empty(t, results["Berlin"].Error)
	assert.Equal(t, 52.52, results["Berlin"].Latitude)
	assert.NotEmpty(t, results["  "].Error)

	// The duplicate address resolves once.
	assert.Equal(t, 1, provider.calls)
}

func TestLocationCacheCleanupExpired(t *testing.T) {
	db := newTestDB(t)
	cache := NewLocationCacheService(db, time.Hour)

	cache.Store("Old Town", &ProviderResult{Latitude: 1, Longitude: 2, Confidence: 0.9}, "stub")
	cache.Store("New Town", &ProviderResult{Latitude: 3, Longitude: 4, Confidence: 0.9}, "stub")

	require.NoError(t, db.Model(&models.LocationCacheEntry{}).
		Where("normalized_address = ?", "old town").
		Update("created_at", time.Now().Add(-2*time.Hour)).Error)

	removed, err := cache.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	assert.Nil(t, cache.Lookup("Old Town"))
	assert.NotNil(t, cache.Lookup("New Town"))
}
