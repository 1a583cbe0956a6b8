package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/golang/geo/s2"
	"golang.org/x/time/rate"
)

// Provider type names.
const (
	ProviderGoogle    = "google"
	ProviderNominatim = "nominatim"
	ProviderOpenCage  = "opencage"
)

var errNoMatch = errors.New("no geocoding match")

// ProviderResult is one backend's raw answer before acceptance checks.
type ProviderResult struct {
	Latitude   float64
	Longitude  float64
	Confidence float64
	Street     string
	City       string
	Region     string
	PostalCode string
	Country    string
	Metadata   models.JSONMap
}

// GeocodingProvider is one external geocoding backend.
type GeocodingProvider interface {
	Name() string
	Geocode(ctx context.Context, address string) (*ProviderResult, error)
}

// providerEntry pairs a provider with its pool bookkeeping: attempt order,
// per-provider request rate, and an optional accepted-coordinates bounding
// box.
type providerEntry struct {
	provider GeocodingProvider
	priority int
	limiter  *rate.Limiter
	bounds   *s2.Rect
}

// BuildProviderPool instantiates the configured providers in ascending
// priority order. With nothing configured, a minimal default pool (free
// Nominatim) is synthesized so the service never runs with zero providers.
func BuildProviderPool(settings config.GeocodingSettings) []providerEntry {
	client := &http.Client{Timeout: settings.RequestTimeout}

	var pool []providerEntry
	for _, pc := range settings.Providers {
		if !pc.Enabled {
			continue
		}
		var provider GeocodingProvider
		switch pc.Type {
		case ProviderGoogle:
			provider = &googleProvider{client: client, apiKey: pc.APIKey, region: pc.RegionBias, baseURL: pc.BaseURL}
		case ProviderNominatim:
			provider = &nominatimProvider{client: client, baseURL: pc.BaseURL}
		case ProviderOpenCage:
			provider = &opencageProvider{client: client, apiKey: pc.APIKey, baseURL: pc.BaseURL}
		default:
			continue
		}

		entry := providerEntry{
			provider: provider,
			priority: pc.Priority,
			limiter:  rate.NewLimiter(rate.Limit(pc.RateLimit), 1),
		}
		if pc.HasBounds {
			rect := s2.RectFromLatLng(s2.LatLngFromDegrees(pc.BoundsSW[0], pc.BoundsSW[1]))
			rect = rect.AddPoint(s2.LatLngFromDegrees(pc.BoundsNE[0], pc.BoundsNE[1]))
			entry.bounds = &rect
		}
		pool = append(pool, entry)
	}

	if len(pool) == 0 {
		pool = append(pool, providerEntry{
			provider: &nominatimProvider{client: client},
			priority: 1,
			limiter:  rate.NewLimiter(rate.Limit(1), 1),
		})
	}

	sort.SliceStable(pool, func(i, j int) bool { return pool[i].priority < pool[j].priority })
	return pool
}

// withinBounds checks the provider's bounding box, when configured.
func (e *providerEntry) withinBounds(lat, lng float64) bool {
	if e.bounds == nil {
		return true
	}
	return e.bounds.ContainsLatLng(s2.LatLngFromDegrees(lat, lng))
}

// --- Nominatim (OpenStreetMap) ---

type nominatimProvider struct {
	client  *http.Client
	baseURL string
}

type nominatimResult struct {
	Lat        string  `json:"lat"`
	Lon        string  `json:"lon"`
	Importance float64 `json:"importance"`
	Class      string  `json:"class"`
	Type       string  `json:"type"`
	Address    struct {
		HouseNumber string `json:"house_number"`
		Road        string `json:"road"`
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		State       string `json:"state"`
		Postcode    string `json:"postcode"`
		Country     string `json:"country"`
	} `json:"address"`
}

func (p *nominatimProvider) Name() string { return ProviderNominatim }

func (p *nominatimProvider) Geocode(ctx context.Context, address string) (*ProviderResult, error) {
	base := p.baseURL
	if base == "" {
		base = "https://nominatim.openstreetmap.org"
	}
	params := url.Values{}
	params.Set("q", address)
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("addressdetails", "1")

	var results []nominatimResult
	if err := getJSON(ctx, p.client, base+"/search?"+params.Encode(), &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errNoMatch
	}

	r := results[0]
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim longitude: %w", err)
	}

	city := r.Address.City
	if city == "" {
		city = r.Address.Town
	}
	if city == "" {
		city = r.Address.Village
	}

	street := r.Address.Road
	if r.Address.HouseNumber != "" && street != "" {
		street = r.Address.HouseNumber + " " + street
	}

	// Importance gives a base score; street-level detail adjusts upward.
	confidence := clamp01(r.Importance)
	if r.Address.Road != "" {
		confidence += 0.2
	}
	if r.Address.HouseNumber != "" {
		confidence += 0.15
	}
	if city != "" {
		confidence += 0.1
	}
	if r.Address.Country != "" {
		confidence += 0.05
	}

	return &ProviderResult{
		Latitude:   lat,
		Longitude:  lng,
		Confidence: clamp01(confidence),
		Street:     street,
		City:       city,
		Region:     r.Address.State,
		PostalCode: r.Address.Postcode,
		Country:    r.Address.Country,
		Metadata:   models.JSONMap{"class": r.Class, "type": r.Type, "importance": r.Importance},
	}, nil
}

// --- Google Maps ---

type googleProvider struct {
	client  *http.Client
	apiKey  string
	region  string
	baseURL string
}

type googleResponse struct {
	Status  string `json:"status"`
	Results []struct {
		PlaceID  string `json:"place_id"`
		Partial  bool   `json:"partial_match"`
		Geometry struct {
			Location     struct{ Lat, Lng float64 } `json:"location"`
			LocationType string                     `json:"location_type"`
		} `json:"geometry"`
		AddressComponents []struct {
			LongName string   `json:"long_name"`
			Types    []string `json:"types"`
		} `json:"address_components"`
	} `json:"results"`
}

func (p *googleProvider) Name() string { return ProviderGoogle }

func (p *googleProvider) Geocode(ctx context.Context, address string) (*ProviderResult, error) {
	if p.apiKey == "" {
		return nil, errors.New("google geocoding api key not configured")
	}
	base := p.baseURL
	if base == "" {
		base = "https://maps.googleapis.com/maps/api/geocode"
	}
	params := url.Values{}
	params.Set("address", address)
	params.Set("key", p.apiKey)
	if p.region != "" {
		params.Set("region", p.region)
	}

	var resp googleResponse
	if err := getJSON(ctx, p.client, base+"/json?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Status == "ZERO_RESULTS" || len(resp.Results) == 0 {
		return nil, errNoMatch
	}
	if resp.Status != "OK" {
		return nil, fmt.Errorf("google geocoding status %s", resp.Status)
	}

	r := resp.Results[0]

	// Location type is Google's own precision annotation.
	var confidence float64
	switch r.Geometry.LocationType {
	case "ROOFTOP":
		confidence = 0.95
	case "RANGE_INTERPOLATED":
		confidence = 0.8
	case "GEOMETRIC_CENTER":
		confidence = 0.6
	default:
		confidence = 0.4
	}
	if r.PlaceID != "" {
		confidence += 0.05
	}
	if r.Partial {
		confidence -= 0.3
	}

	result := &ProviderResult{
		Latitude:   r.Geometry.Location.Lat,
		Longitude:  r.Geometry.Location.Lng,
		Confidence: clamp01(confidence),
		Metadata:   models.JSONMap{"place_id": r.PlaceID, "location_type": r.Geometry.LocationType},
	}
	var streetNumber, route string
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			switch t {
			case "street_number":
				streetNumber = c.LongName
			case "route":
				route = c.LongName
			case "locality":
				result.City = c.LongName
			case "administrative_area_level_1":
				result.Region = c.LongName
			case "postal_code":
				result.PostalCode = c.LongName
			case "country":
				result.Country = c.LongName
			}
		}
	}
	result.Street = route
	if streetNumber != "" && route != "" {
		result.Street = streetNumber + " " + route
	}
	return result, nil
}

// --- OpenCage ---

type opencageProvider struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

type opencageResponse struct {
	Results []struct {
		Confidence int `json:"confidence"` // 0 (unknown) to 10 (house-level)
		Geometry   struct{ Lat, Lng float64 } `json:"geometry"`
		Components struct {
			HouseNumber string `json:"house_number"`
			Road        string `json:"road"`
			City        string `json:"city"`
			State       string `json:"state"`
			Postcode    string `json:"postcode"`
			Country     string `json:"country"`
		} `json:"components"`
	} `json:"results"`
}

func (p *opencageProvider) Name() string { return ProviderOpenCage }

func (p *opencageProvider) Geocode(ctx context.Context, address string) (*ProviderResult, error) {
	if p.apiKey == "" {
		return nil, errors.New("opencage api key not configured")
	}
	base := p.baseURL
	if base == "" {
		base = "https://api.opencagedata.com/geocode/v1"
	}
	params := url.Values{}
	params.Set("q", address)
	params.Set("key", p.apiKey)
	params.Set("limit", "1")

	var resp opencageResponse
	if err := getJSON(ctx, p.client, base+"/json?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, errNoMatch
	}

	r := resp.Results[0]
	confidence := float64(r.Confidence) / 10
	if r.Components.Road == "" {
		// City-level match at best; cap below street-level results.
		confidence = minFloat(confidence, 0.6)
	}

	street := r.Components.Road
	if r.Components.HouseNumber != "" && street != "" {
		street = r.Components.HouseNumber + " " + street
	}

	return &ProviderResult{
		Latitude:   r.Geometry.Lat,
		Longitude:  r.Geometry.Lng,
		Confidence: clamp01(confidence),
		Street:     street,
		City:       r.Components.City,
		Region:     r.Components.State,
		PostalCode: r.Components.Postcode,
		Country:    r.Components.Country,
		Metadata:   models.JSONMap{"opencage_confidence": r.Confidence},
	}, nil
}

// --- shared helpers ---

func getJSON(ctx context.Context, client *http.Client, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "timetiles-importer/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
