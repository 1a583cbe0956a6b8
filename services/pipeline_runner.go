package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"gorm.io/gorm"
)

// rowBatchSize bounds how many rows a stage handler processes per pass, so
// duplicate lookups and schema inference work in chunks on large files.
const rowBatchSize = 500

// StageRunner executes the work stage named by a claimed pipeline task and
// hands the result to the pipeline service. It owns no job state transitions
// itself.
type StageRunner struct {
	db         *gorm.DB
	pipeline   *PipelineService
	parser     *SourceParserService
	duplicates *DuplicateAnalysisService
	validation *SchemaValidationService
	events     *EventCreationService
	geocoding  *GeocodingService
	cache      *LocationCacheService
}

func NewStageRunner(db *gorm.DB, pipeline *PipelineService, parser *SourceParserService, geocoding *GeocodingService, cache *LocationCacheService) *StageRunner {
	if db == nil {
		db = config.DB
	}
	return &StageRunner{
		db:         db,
		pipeline:   pipeline,
		parser:     parser,
		duplicates: NewDuplicateAnalysisService(db),
		validation: NewSchemaValidationService(db),
		events:     NewEventCreationService(db),
		geocoding:  geocoding,
		cache:      cache,
	}
}

// ProcessTask runs one claimed task. A returned error means the stage failed
// and the job has been driven to failed; the task itself is still consumed.
func (r *StageRunner) ProcessTask(ctx context.Context, task *models.PipelineTask) error {
	switch task.TaskName {
	case models.TaskCleanupApprovalLocks:
		_, err := r.pipeline.CleanupApprovalLocks(ctx)
		return err
	case models.TaskCleanupLocationCache:
		_, err := r.cache.CleanupExpired()
		return err
	}

	err := r.runStage(ctx, task)
	if err != nil {
		if failErr := r.pipeline.FailJob(ctx, task.ImportJobID, err); failErr != nil {
			log.Printf("runner: failed to mark job %s failed: %v", task.ImportJobID, failErr)
		}
	}
	return err
}

func (r *StageRunner) runStage(ctx context.Context, task *models.PipelineTask) error {
	job, err := r.pipeline.GetJob(ctx, task.ImportJobID)
	if err != nil {
		return err
	}
	if job.Stage != task.TaskName {
		// Redelivered task for a stage the job already left.
		log.Printf("runner: job %s skipping stale task %s (current stage %s)", job.ID, task.TaskName, job.Stage)
		return nil
	}

	dataset, source, err := r.loadContext(ctx, job)
	if err != nil {
		return err
	}

	var output *StageOutput
	switch job.Stage {
	case models.StageAnalyzeDuplicates:
		output, err = r.analyzeDuplicates(ctx, job, dataset, source)
	case models.StageDetectSchema:
		output, err = r.detectSchema(job, dataset, source)
	case models.StageValidateSchema:
		output, err = r.validateSchema(ctx, job, dataset, source)
	case models.StageCreateSchemaVersion:
		output, err = r.createSchemaVersion(ctx, job, dataset)
	case models.StageGeocodeBatch:
		output, err = r.geocodeBatch(ctx, job, dataset, source)
	case models.StageCreateEvents:
		output, err = r.createEvents(job, dataset, source)
	default:
		return fmt.Errorf("%w: %q is not a work stage", ErrUnknownStage, job.Stage)
	}
	if err != nil {
		return err
	}

	return r.pipeline.Advance(ctx, job.ID, output)
}

func (r *StageRunner) loadContext(ctx context.Context, job *models.ImportJob) (*models.Dataset, *models.ImportSource, error) {
	var dataset models.Dataset
	if err := r.db.WithContext(ctx).Where("id = ?", job.DatasetID).First(&dataset).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load dataset %s: %w", job.DatasetID, err)
	}
	var source models.ImportSource
	if err := r.db.WithContext(ctx).Where("id = ?", job.ImportSourceID).First(&source).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load import source %s: %w", job.ImportSourceID, err)
	}
	return &dataset, &source, nil
}

func (r *StageRunner) rows(job *models.ImportJob, source *models.ImportSource) ([]Row, error) {
	if source.StoredPath == "" {
		return nil, errors.New("import source has no stored file")
	}
	rows, err := r.parser.ParseSheet(source.StoredPath, job.SheetIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sheet %d: %w", job.SheetIndex, err)
	}
	return rows, nil
}

// analyzeDuplicates classifies every row, accumulating a single report across
// batches. A recovery into this stage starts the report from scratch. Rows
// whose unique key cannot be derived surface as job errors here instead of
// waiting until event creation rejects them.
func (r *StageRunner) analyzeDuplicates(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, source *models.ImportSource) (*StageOutput, error) {
	rows, err := r.rows(job, source)
	if err != nil {
		return nil, err
	}

	report := models.DuplicateReport{Strategy: dataset.IDStrategy}
	var rowErrors models.RowErrorList
	for start := 0; start < len(rows); start += rowBatchSize {
		end := start + rowBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		classifications, err := r.duplicates.AnalyzeBatch(ctx, dataset, &report, rows[start:end], start+1)
		if err != nil {
			return nil, err
		}
		for _, rc := range classifications {
			if rc.Err != nil {
				rowErrors = append(rowErrors, models.RowError{Row: rc.RowNumber, Error: rc.Err.Error()})
			}
		}
	}

	progress := job.Progress
	progress.TotalRows = len(rows)
	progress.ProcessedRows = len(rows)

	return &StageOutput{
		Stage:      models.StageAnalyzeDuplicates,
		Duplicates: &report,
		Progress:   &progress,
		Errors:     rowErrors,
	}, nil
}

// detectSchema infers the schema progressively over row batches. With schema
// tracking disabled the stage emits an empty document and passes through.
func (r *StageRunner) detectSchema(job *models.ImportJob, dataset *models.Dataset, source *models.ImportSource) (*StageOutput, error) {
	output := &StageOutput{Stage: models.StageDetectSchema}
	if !dataset.SchemaEnabled {
		empty := models.SchemaDocument{Fields: map[string]models.SchemaField{}}
		output.Schema = &empty
		return output, nil
	}

	rows, err := r.rows(job, source)
	if err != nil {
		return nil, err
	}

	builder := NewSchemaBuilder(dataset)
	state := models.SchemaBuilderState{Fields: map[string]*models.FieldStats{}}
	for start := 0; start < len(rows); start += rowBatchSize {
		end := start + rowBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		builder.ObserveBatch(&state, rows[start:end])
	}

	schema := builder.Finalize(&state)
	output.Schema = &schema
	output.SchemaBuilderState = &state
	return output, nil
}

// validateSchema compares the detected schema with the approved one and
// checks rows against the approved schema. Under strict validation a failing
// row fails the stage; otherwise row problems accumulate as job errors.
func (r *StageRunner) validateSchema(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, source *models.ImportSource) (*StageOutput, error) {
	validation, err := r.validation.Validate(ctx, dataset, job.Schema)
	if err != nil {
		return nil, err
	}

	output := &StageOutput{
		Stage:            models.StageValidateSchema,
		SchemaValidation: &validation,
	}

	approved, err := r.validation.LatestApproved(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}
	if approved == nil {
		return output, nil
	}

	rows, err := r.rows(job, source)
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(rows); start += rowBatchSize {
		end := start + rowBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		rowErrors, err := r.validation.ValidateRows(dataset, approved, rows[start:end], start+1)
		if err != nil {
			return nil, err
		}
		output.Errors = append(output.Errors, rowErrors...)
	}
	return output, nil
}

func (r *StageRunner) createSchemaVersion(ctx context.Context, job *models.ImportJob, dataset *models.Dataset) (*StageOutput, error) {
	if dataset.SchemaEnabled {
		if _, err := r.validation.CreateVersion(ctx, dataset, job.Schema, job.SchemaValidation, job.ImportSourceID); err != nil {
			return nil, err
		}
	}
	return &StageOutput{Stage: models.StageCreateSchemaVersion}, nil
}

// geocodeBatch resolves the address column of every row. Rows that already
// carry valid coordinates, and datasets without an address field, skip the
// providers entirely. Per-address failures stay in the result map; only an
// empty dataset-wide configuration error fails the stage.
func (r *StageRunner) geocodeBatch(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, source *models.ImportSource) (*StageOutput, error) {
	output := &StageOutput{Stage: models.StageGeocodeBatch}
	if dataset.AddressFieldPath == "" {
		output.GeocodingResults = models.GeocodingResults{}
		return output, nil
	}

	rows, err := r.rows(job, source)
	if err != nil {
		return nil, err
	}

	var addresses []string
	for _, row := range rows {
		if r.hasExplicitCoordinates(dataset, row) {
			continue
		}
		if address := stringAtPath(row, dataset.AddressFieldPath); address != "" {
			addresses = append(addresses, address)
		}
	}

	results := r.geocoding.BatchGeocode(ctx, addresses)

	progress := job.Progress
	for _, result := range results {
		if result.Error == "" {
			progress.GeocodedAddresses++
		} else {
			progress.FailedAddresses++
		}
	}

	output.GeocodingResults = results
	output.Progress = &progress
	return output, nil
}

func (r *StageRunner) hasExplicitCoordinates(dataset *models.Dataset, row Row) bool {
	if dataset.LatitudeFieldPath == "" || dataset.LongitudeFieldPath == "" {
		return false
	}
	lat, latOK := floatAtPath(row, dataset.LatitudeFieldPath)
	lng, lngOK := floatAtPath(row, dataset.LongitudeFieldPath)
	return latOK && lngOK &&
		lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 &&
		!(lat == 0 && lng == 0)
}

func (r *StageRunner) createEvents(job *models.ImportJob, dataset *models.Dataset, source *models.ImportSource) (*StageOutput, error) {
	rows, err := r.rows(job, source)
	if err != nil {
		return nil, err
	}

	results, rowErrors, err := r.events.CreateEvents(job, dataset, rows)
	if err != nil {
		return nil, err
	}

	progress := job.Progress
	progress.CreatedEvents = results.CreatedEvents
	progress.UpdatedEvents = results.UpdatedEvents
	progress.SkippedEvents = results.SkippedRows

	return &StageOutput{
		Stage:    models.StageCreateEvents,
		Results:  &results,
		Errors:   rowErrors,
		Progress: &progress,
	}, nil
}
