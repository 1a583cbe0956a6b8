package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"gorm.io/gorm"
)

// ErrSchemaIncompatible marks a strict-validation failure: a row does not
// conform to the approved schema, so the whole import fails instead of
// accumulating row errors.
var ErrSchemaIncompatible = errors.New("data is not compatible with the approved schema")

// SchemaValidationService compares a detected schema to the dataset's last
// approved schema version and decides whether the change needs approval.
type SchemaValidationService struct {
	db *gorm.DB
}

func NewSchemaValidationService(db *gorm.DB) *SchemaValidationService {
	if db == nil {
		db = config.DB
	}
	return &SchemaValidationService{db: db}
}

// LatestApproved returns the highest approved schema version of a dataset,
// or nil when none exists yet.
func (s *SchemaValidationService) LatestApproved(ctx context.Context, datasetID string) (*models.DatasetSchemaVersion, error) {
	var version models.DatasetSchemaVersion
	err := s.db.WithContext(ctx).
		Where("dataset_id = ?", datasetID).
		Order("version_number DESC").
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// Validate classifies the delta between detected and approved schemas.
// New fields are safe only when autoGrow is enabled; type changes and removed
// required fields are breaking; under a locked schema every delta is
// breaking. Approval is required when the schema is locked, when anything
// breaks, or when autoApproveNonBreaking is off and any delta exists.
func (s *SchemaValidationService) Validate(ctx context.Context, dataset *models.Dataset, detected models.SchemaDocument) (models.SchemaValidation, error) {
	validation := models.SchemaValidation{IsCompatible: true}

	approved, err := s.LatestApproved(ctx, dataset.ID)
	if err != nil {
		return validation, err
	}

	var approvedFields map[string]models.SchemaField
	if approved != nil {
		approvedFields = approved.Schema.Fields
	}

	for path, field := range detected.Fields {
		prev, known := approvedFields[path]
		if !known {
			validation.NewFields = append(validation.NewFields, path)
			if !dataset.AutoGrow || dataset.SchemaLocked {
				validation.BreakingChanges = append(validation.BreakingChanges, models.FieldDelta{
					Path: path, Kind: "new-field", Current: strings.Join(field.Types, "|"),
				})
			}
			continue
		}

		if delta, changed := typeDelta(prev, field); changed {
			if dataset.SchemaLocked {
				delta.Kind = "locked-change"
			}
			validation.BreakingChanges = append(validation.BreakingChanges, delta)
		}
		validation.EnumChanges = append(validation.EnumChanges, enumDeltas(prev, field)...)
	}

	for path, prev := range approvedFields {
		if _, still := detected.Fields[path]; !still && prev.Required {
			validation.BreakingChanges = append(validation.BreakingChanges, models.FieldDelta{
				Path: path, Kind: "removed-required", Previous: strings.Join(prev.Types, "|"),
			})
		}
	}

	validation.IsCompatible = len(validation.BreakingChanges) == 0
	anyDelta := len(validation.BreakingChanges) > 0 ||
		len(validation.NewFields) > 0 ||
		len(validation.EnumChanges) > 0

	switch {
	case dataset.SchemaLocked && anyDelta:
		validation.RequiresApproval = true
	case !validation.IsCompatible:
		validation.RequiresApproval = true
	case anyDelta && !dataset.AutoApproveNonBreaking:
		validation.RequiresApproval = true
	}

	return validation, nil
}

// typeDelta reports a breaking type change: the detected field observes a
// type the approved schema never allowed.
func typeDelta(prev, current models.SchemaField) (models.FieldDelta, bool) {
	allowed := make(map[string]bool, len(prev.Types))
	for _, t := range prev.Types {
		allowed[t] = true
	}
	for _, t := range current.Types {
		if !allowed[t] {
			return models.FieldDelta{
				Path:     current.Path,
				Kind:     "type-change",
				Previous: strings.Join(prev.Types, "|"),
				Current:  strings.Join(current.Types, "|"),
			}, true
		}
	}
	return models.FieldDelta{}, false
}

// enumDeltas reports enum values added or removed relative to the approved
// field. Non-breaking.
func enumDeltas(prev, current models.SchemaField) []models.FieldDelta {
	if len(prev.EnumValues) == 0 {
		return nil
	}
	prevSet := make(map[string]bool, len(prev.EnumValues))
	for _, v := range prev.EnumValues {
		prevSet[v] = true
	}
	currentSet := make(map[string]bool, len(current.EnumValues))
	for _, v := range current.EnumValues {
		currentSet[v] = true
	}

	var added, removed []string
	for _, v := range current.EnumValues {
		if !prevSet[v] {
			added = append(added, v)
		}
	}
	for _, v := range prev.EnumValues {
		if !currentSet[v] {
			removed = append(removed, v)
		}
	}

	var deltas []models.FieldDelta
	if len(added) > 0 {
		deltas = append(deltas, models.FieldDelta{Path: current.Path, Kind: "enum-added", Values: added})
	}
	if len(removed) > 0 {
		deltas = append(deltas, models.FieldDelta{Path: current.Path, Kind: "enum-removed", Values: removed})
	}
	return deltas
}

// ValidateRows checks each row's fields against the approved schema's types.
// Returns per-row errors; under strictValidation the first failing row blocks
// the whole import instead.
func (s *SchemaValidationService) ValidateRows(dataset *models.Dataset, approved *models.DatasetSchemaVersion, rows []Row, startRow int) ([]models.RowError, error) {
	if approved == nil {
		return nil, nil
	}

	var rowErrors []models.RowError
	for i, row := range rows {
		if err := validateRow(approved.Schema, row); err != nil {
			if dataset.StrictValidation {
				return nil, fmt.Errorf("%w: row %d: %v", ErrSchemaIncompatible, startRow+i, err)
			}
			rowErrors = append(rowErrors, models.RowError{Row: startRow + i, Error: err.Error()})
		}
	}
	return rowErrors, nil
}

func validateRow(schema models.SchemaDocument, row Row) error {
	for path, field := range schema.Fields {
		v, present := valueAtPath(row, path)
		if !present {
			if field.Required {
				return fmt.Errorf("missing required field %q", path)
			}
			continue
		}
		kind := kindOf(v)
		if kind == models.KindNull {
			continue
		}
		ok := false
		for _, t := range field.Types {
			if t == kind {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("field %q has type %s, expected %s", path, kind, strings.Join(field.Types, "|"))
		}
	}
	return nil
}

// CreateVersion snapshots the detected schema as the next immutable schema
// version. When nothing changed relative to the latest approved version, the
// existing version is returned instead of creating a redundant one.
func (s *SchemaValidationService) CreateVersion(ctx context.Context, dataset *models.Dataset, detected models.SchemaDocument, validation models.SchemaValidation, importSourceID string) (*models.DatasetSchemaVersion, error) {
	latest, err := s.LatestApproved(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}

	anyDelta := len(validation.BreakingChanges) > 0 ||
		len(validation.NewFields) > 0 ||
		len(validation.EnumChanges) > 0
	if latest != nil && !anyDelta {
		return latest, nil
	}

	next := 1
	if latest != nil {
		next = latest.VersionNumber + 1
	}

	version := &models.DatasetSchemaVersion{
		DatasetID:        dataset.ID,
		VersionNumber:    next,
		Schema:           detected,
		SchemaSummary:    summarize(detected, validation),
		ImportSources:    models.StringList{importSourceID},
		ApprovalRequired: validation.RequiresApproval,
		ApprovedBy:       validation.ApprovedBy,
	}
	if err := s.db.WithContext(ctx).Create(version).Error; err != nil {
		return nil, err
	}
	return version, nil
}

func summarize(detected models.SchemaDocument, validation models.SchemaValidation) string {
	return fmt.Sprintf("%d fields, %d new, %d breaking changes, %d enum changes",
		len(detected.Fields),
		len(validation.NewFields),
		len(validation.BreakingChanges),
		len(validation.EnumChanges))
}
