package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig describes one geocoding backend loaded from the environment.
type ProviderConfig struct {
	Type      string  // "google", "nominatim", "opencage"
	Enabled   bool
	Priority  int     // ascending order of attempts
	RateLimit float64 // requests per second directed at this provider
	APIKey    string
	BaseURL   string

	// Optional region bias and bounding box (min/max latitude, longitude).
	RegionBias string
	BoundsSW   [2]float64
	BoundsNE   [2]float64
	HasBounds  bool
}

// GeocodingSettings groups the service-level geocoding tunables.
type GeocodingSettings struct {
	Providers       []ProviderConfig
	MinConfidence   float64
	RequestTimeout  time.Duration
	CacheTTL        time.Duration
	BatchSize       int
	InterBatchDelay time.Duration
	// FallbackEnabled false makes the first provider error propagate instead
	// of trying the next provider.
	FallbackEnabled bool
}

// LoadGeocodingSettings reads the geocoding configuration from environment
// variables. Providers are declared by comma-separated type names in
// GEOCODING_PROVIDERS, with per-provider settings in GEOCODING_<TYPE>_*
// variables. If nothing is configured, the caller is expected to synthesize
// a default pool.
func LoadGeocodingSettings() GeocodingSettings {
	settings := GeocodingSettings{
		MinConfidence:   envFloat("GEOCODING_MIN_CONFIDENCE", 0.3),
		RequestTimeout:  envDuration("GEOCODING_REQUEST_TIMEOUT", 10*time.Second),
		CacheTTL:        envDuration("GEOCODING_CACHE_TTL", 90*24*time.Hour),
		BatchSize:       envInt("GEOCODING_BATCH_SIZE", 10),
		InterBatchDelay: envDuration("GEOCODING_BATCH_DELAY", time.Second),
		FallbackEnabled: os.Getenv("GEOCODING_FALLBACK_DISABLED") != "1",
	}

	names := strings.Split(os.Getenv("GEOCODING_PROVIDERS"), ",")
	priority := 1
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		prefix := "GEOCODING_" + strings.ToUpper(name) + "_"
		pc := ProviderConfig{
			Type:      name,
			Enabled:   os.Getenv(prefix+"DISABLED") != "1",
			Priority:  envInt(prefix+"PRIORITY", priority),
			RateLimit: envFloat(prefix+"RATE_LIMIT", 1),
			APIKey:    os.Getenv(prefix + "API_KEY"),
			BaseURL:   os.Getenv(prefix + "BASE_URL"),

			RegionBias: os.Getenv(prefix + "REGION"),
		}
		if bounds := os.Getenv(prefix + "BOUNDS"); bounds != "" {
			// Format: "swLat,swLng,neLat,neLng"
			parts := strings.Split(bounds, ",")
			if len(parts) == 4 {
				swLat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
				swLng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
				neLat, err3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
				neLng, err4 := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
				if err1 == nil && err2 == nil && err3 == nil && err4 == nil {
					pc.BoundsSW = [2]float64{swLat, swLng}
					pc.BoundsNE = [2]float64{neLat, neLng}
					pc.HasBounds = true
				}
			}
		}
		settings.Providers = append(settings.Providers, pc)
		priority++
	}

	return settings
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
