package services

import (
	"errors"
	"fmt"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"gorm.io/gorm"
)

// EventCreationService materializes rows into event records. It runs at the
// end of the pipeline, after duplicate analysis, schema approval, and
// geocoding have all settled.
type EventCreationService struct {
	db         *gorm.DB
	duplicates *DuplicateAnalysisService
}

func NewEventCreationService(db *gorm.DB) *EventCreationService {
	if db == nil {
		db = config.DB
	}
	return &EventCreationService{
		db:         db,
		duplicates: NewDuplicateAnalysisService(db),
	}
}

// CreateEvents writes events for a job's rows, applying the dataset's dedup
// strategy to rows that collide with already stored events. Rows were
// validated upstream; only row-level write failures are collected here.
func (s *EventCreationService) CreateEvents(job *models.ImportJob, dataset *models.Dataset, rows []Row) (models.JobResults, models.RowErrorList, error) {
	results := models.JobResults{TotalRows: len(rows)}
	var rowErrors models.RowErrorList

	seen := make(map[string]bool)
	for i, row := range rows {
		rowNumber := i + 1

		key, err := s.duplicates.UniqueKey(dataset, row)
		if err != nil {
			results.FailedRows++
			rowErrors = append(rowErrors, models.RowError{Row: rowNumber, Error: err.Error()})
			continue
		}

		if seen[key] {
			results.SkippedRows++
			continue
		}
		seen[key] = true

		outcome, err := s.writeEvent(job, dataset, row, key)
		if err != nil {
			results.FailedRows++
			rowErrors = append(rowErrors, models.RowError{Row: rowNumber, Error: err.Error()})
			continue
		}
		switch outcome {
		case eventCreated:
			results.CreatedEvents++
		case eventUpdated:
			results.UpdatedEvents++
		case eventSkipped:
			results.SkippedRows++
		}
	}

	return results, rowErrors, nil
}

type eventOutcome int

const (
	eventCreated eventOutcome = iota
	eventUpdated
	eventSkipped
)

func (s *EventCreationService) writeEvent(job *models.ImportJob, dataset *models.Dataset, row Row, key string) (eventOutcome, error) {
	lat, lng := s.coordinates(job, dataset, row)

	var existing models.Event
	err := s.db.Where("dataset_id = ? AND unique_key = ?", dataset.ID, key).
		Order("version DESC").
		First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return eventSkipped, fmt.Errorf("failed to look up event: %w", err)
	}

	if found {
		switch dataset.DedupStrategy {
		case models.DedupSkip:
			return eventSkipped, nil
		case models.DedupUpdate:
			updates := map[string]interface{}{
				"payload":       models.JSONMap(row),
				"import_job_id": job.ID,
			}
			if lat != nil && lng != nil {
				updates["latitude"] = *lat
				updates["longitude"] = *lng
			}
			if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
				return eventSkipped, fmt.Errorf("failed to update event: %w", err)
			}
			return eventUpdated, nil
		case models.DedupVersion:
			event := models.Event{
				DatasetID:   dataset.ID,
				UniqueKey:   key,
				Version:     existing.Version + 1,
				Payload:     models.JSONMap(row),
				Latitude:    lat,
				Longitude:   lng,
				ImportJobID: job.ID,
			}
			if err := s.db.Create(&event).Error; err != nil {
				return eventSkipped, fmt.Errorf("failed to create event version: %w", err)
			}
			return eventCreated, nil
		default:
			return eventSkipped, fmt.Errorf("unknown dedup strategy %q", dataset.DedupStrategy)
		}
	}

	event := models.Event{
		DatasetID:   dataset.ID,
		UniqueKey:   key,
		Version:     1,
		Payload:     models.JSONMap(row),
		Latitude:    lat,
		Longitude:   lng,
		ImportJobID: job.ID,
	}
	if err := s.db.Create(&event).Error; err != nil {
		return eventSkipped, fmt.Errorf("failed to create event: %w", err)
	}
	return eventCreated, nil
}

// coordinates resolves an event's position. Explicit latitude/longitude
// columns win over geocoded addresses; rows with neither stay unlocated.
func (s *EventCreationService) coordinates(job *models.ImportJob, dataset *models.Dataset, row Row) (*float64, *float64) {
	if dataset.LatitudeFieldPath != "" && dataset.LongitudeFieldPath != "" {
		lat, latOK := floatAtPath(row, dataset.LatitudeFieldPath)
		lng, lngOK := floatAtPath(row, dataset.LongitudeFieldPath)
		if latOK && lngOK && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 && !(lat == 0 && lng == 0) {
			return &lat, &lng
		}
	}

	if dataset.AddressFieldPath == "" || job.GeocodingResults == nil {
		return nil, nil
	}
	address := stringAtPath(row, dataset.AddressFieldPath)
	if address == "" {
		return nil, nil
	}
	result, ok := job.GeocodingResults[address]
	if !ok || result.Error != "" {
		return nil, nil
	}
	return &result.Latitude, &result.Longitude
}
