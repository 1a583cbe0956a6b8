package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"gorm.io/gorm"
)

// ErrExternalIDMissing rejects a row whose configured external id path is
// absent under the external-id strategy.
var ErrExternalIDMissing = errors.New("external id path missing from row")

// Row classifications produced by duplicate analysis.
const (
	RowUnique            = "unique"
	RowInternalDuplicate = "internal-duplicate"
	RowExternalDuplicate = "external-duplicate"
)

// RowClassification is the per-row output of duplicate analysis.
type RowClassification struct {
	RowNumber int
	UniqueKey string
	Class     string
	Err       error
}

// DuplicateAnalysisService computes per-row unique keys and classifies rows
// against both the current import (internal duplicates) and previously stored
// events (external duplicates).
type DuplicateAnalysisService struct {
	db *gorm.DB
}

func NewDuplicateAnalysisService(db *gorm.DB) *DuplicateAnalysisService {
	if db == nil {
		db = config.DB
	}
	return &DuplicateAnalysisService{db: db}
}

// UniqueKey derives the row's unique key under the dataset's id strategy.
func (s *DuplicateAnalysisService) UniqueKey(dataset *models.Dataset, row Row) (string, error) {
	switch dataset.IDStrategy {
	case models.IDStrategyExternal:
		id := stringAtPath(row, dataset.ExternalIDPath)
		if id == "" {
			return "", fmt.Errorf("%w: %q", ErrExternalIDMissing, dataset.ExternalIDPath)
		}
		return "ext:" + id, nil
	case models.IDStrategyComputed:
		h, err := hashFields(row, dataset.ComputedHashPaths)
		if err != nil {
			return "", err
		}
		return "hash:" + h, nil
	case models.IDStrategyHybrid:
		if id := stringAtPath(row, dataset.ExternalIDPath); id != "" {
			return "ext:" + id, nil
		}
		h, err := hashFields(row, dataset.ComputedHashPaths)
		if err != nil {
			return "", err
		}
		return "hash:" + h, nil
	default: // auto-detect: content hash over the whole normalized row
		h, err := contentHash(row)
		if err != nil {
			return "", err
		}
		return "auto:" + h, nil
	}
}

// AnalyzeBatch classifies one batch of rows and folds the counts into the
// report. The report carries the keys seen so far, so summary counts stay
// cumulative across all batches of one job rather than per-batch.
func (s *DuplicateAnalysisService) AnalyzeBatch(ctx context.Context, dataset *models.Dataset, report *models.DuplicateReport, rows []Row, startRow int) ([]RowClassification, error) {
	if report.Strategy == "" {
		report.Strategy = dataset.IDStrategy
	}

	seen := make(map[string]bool, len(report.SeenKeys))
	for _, k := range report.SeenKeys {
		seen[k] = true
	}

	classifications := make([]RowClassification, 0, len(rows))
	batchKeys := make([]string, 0, len(rows))
	for i, row := range rows {
		rc := RowClassification{RowNumber: startRow + i}
		key, err := s.UniqueKey(dataset, row)
		if err != nil {
			rc.Err = err
			classifications = append(classifications, rc)
			continue
		}
		rc.UniqueKey = key
		classifications = append(classifications, rc)
		batchKeys = append(batchKeys, key)
	}

	existing, err := s.existingKeys(ctx, dataset.ID, batchKeys)
	if err != nil {
		return nil, err
	}

	for i := range classifications {
		rc := &classifications[i]
		report.Summary.TotalRows++
		if rc.Err != nil {
			continue
		}
		switch {
		case seen[rc.UniqueKey]:
			rc.Class = RowInternalDuplicate
			report.Summary.InternalDuplicates++
			report.Internal = append(report.Internal, models.DuplicateRow{RowNumber: rc.RowNumber, UniqueKey: rc.UniqueKey})
		case existing[rc.UniqueKey]:
			rc.Class = RowExternalDuplicate
			report.Summary.ExternalDuplicates++
			report.External = append(report.External, models.DuplicateRow{RowNumber: rc.RowNumber, UniqueKey: rc.UniqueKey})
			seen[rc.UniqueKey] = true
			report.SeenKeys = append(report.SeenKeys, rc.UniqueKey)
		default:
			rc.Class = RowUnique
			report.Summary.UniqueRows++
			seen[rc.UniqueKey] = true
			report.SeenKeys = append(report.SeenKeys, rc.UniqueKey)
		}
	}

	return classifications, nil
}

// existingKeys looks up which of the batch's keys already exist as stored
// events of the dataset.
func (s *DuplicateAnalysisService) existingKeys(ctx context.Context, datasetID string, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(keys) == 0 {
		return existing, nil
	}
	var found []string
	err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("dataset_id = ? AND unique_key IN ?", datasetID, keys).
		Pluck("unique_key", &found).Error
	if err != nil {
		return nil, err
	}
	for _, k := range found {
		existing[k] = true
	}
	return existing, nil
}
