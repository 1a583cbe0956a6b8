package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound         = errors.New("import job not found")
	ErrJobNotFailed        = errors.New("job is not in the failed stage")
	ErrNotAwaitingApproval = errors.New("job is not awaiting approval")
	ErrApprovalConflict    = errors.New("job advanced concurrently during approval")
)

// StageOutput carries the results of one completed stage into the job record.
// Only the fields produced by that stage are set.
type StageOutput struct {
	Stage string // the stage that just completed

	Progress           *models.JobProgress
	Duplicates         *models.DuplicateReport
	Schema             *models.SchemaDocument
	SchemaBuilderState *models.SchemaBuilderState
	SchemaValidation   *models.SchemaValidation
	GeocodingResults   models.GeocodingResults
	Results            *models.JobResults
	Errors             models.RowErrorList // appended to the job's errors
}

// PipelineService is the single writer of import job state. It sequences the
// pipeline stages, persists stage outputs, and enqueues exactly one task per
// transition.
type PipelineService struct {
	db       *gorm.DB
	queue    *TaskQueueService
	notify   *NotificationService
	settings config.PipelineSettings
}

func NewPipelineService(db *gorm.DB, queue *TaskQueueService, notify *NotificationService, settings config.PipelineSettings) *PipelineService {
	if db == nil {
		db = config.DB
	}
	if queue == nil {
		queue = NewTaskQueueService(db)
	}
	return &PipelineService{db: db, queue: queue, notify: notify, settings: settings}
}

// CreateJobsForSource fans an import source out into one job per sheet, each
// starting at analyze-duplicates, and enqueues their first tasks.
func (s *PipelineService) CreateJobsForSource(ctx context.Context, source *models.ImportSource) ([]*models.ImportJob, error) {
	if source == nil {
		return nil, errors.New("import source is nil")
	}
	sheets := source.SheetCount
	if sheets < 1 {
		sheets = 1
	}

	jobs := make([]*models.ImportJob, 0, sheets)
	for i := 0; i < sheets; i++ {
		job := &models.ImportJob{
			ID:             uuid.NewString(),
			ImportSourceID: source.ID,
			DatasetID:      source.DatasetID,
			SheetIndex:     i,
			Stage:          models.StageAnalyzeDuplicates,
			StageHistory: models.StageLog{{
				ToStage: models.StageAnalyzeDuplicates,
				At:      time.Now(),
			}},
		}
		if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, err
		}
		if err := s.queue.Enqueue(ctx, models.StageAnalyzeDuplicates, job.ID, nil); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetJob loads one import job.
func (s *PipelineService) GetJob(ctx context.Context, jobID string) (*models.ImportJob, error) {
	var job models.ImportJob
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Advance persists a stage's output and moves the job to the next stage,
// enqueueing exactly one task for it. Idempotent under at-least-once task
// delivery: a re-delivered completion for a stage the job already left is a
// no-op, and the guarded update makes concurrent deliveries race safely.
func (s *PipelineService) Advance(ctx context.Context, jobID string, output *StageOutput) error {
	if output == nil || output.Stage == "" {
		return errors.New("stage output is required")
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Stage != output.Stage {
		// Stage already advanced past this completion; nothing to do.
		log.Printf("pipeline: job %s ignored stale completion for stage %s (current %s)",
			jobID, output.Stage, job.Stage)
		return nil
	}

	validation := job.SchemaValidation
	if output.SchemaValidation != nil {
		validation = *output.SchemaValidation
	}

	next, err := NextStage(job.Stage, validation)
	if err != nil {
		return err
	}

	updates := s.stageUpdates(job, output, next)
	res := s.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND stage = ?", jobID, job.Stage).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// A concurrent delivery advanced the job first.
		return nil
	}

	return s.afterTransition(ctx, job, next)
}

func (s *PipelineService) stageUpdates(job *models.ImportJob, output *StageOutput, next string) map[string]any {
	now := time.Now()

	progress := job.Progress
	if output.Progress != nil {
		progress = *output.Progress
	}
	progress.OverallPercent = StageProgress(next)
	estimateCompletion(&progress, job.CreatedAt, now)

	history := append(job.StageHistory, models.StageLogEntry{
		FromStage: job.Stage,
		ToStage:   next,
		At:        now,
	})

	updates := map[string]any{
		"stage":                 next,
		"last_successful_stage": job.Stage,
		"progress":              progress,
		"stage_history":         history,
	}
	if output.Duplicates != nil {
		updates["duplicates"] = *output.Duplicates
	}
	if output.Schema != nil {
		updates["detected_schema"] = *output.Schema
	}
	if output.SchemaBuilderState != nil {
		updates["schema_builder_state"] = *output.SchemaBuilderState
	}
	if output.SchemaValidation != nil {
		updates["schema_validation"] = *output.SchemaValidation
	}
	if output.GeocodingResults != nil {
		updates["geocoding_results"] = output.GeocodingResults
	}
	if output.Results != nil {
		updates["results"] = *output.Results
	}
	if len(output.Errors) > 0 {
		updates["errors"] = append(job.Errors, output.Errors...)
	}
	return updates
}

// estimateCompletion projects the finish time from the job's elapsed runtime
// and its weighted percentage. No projection exists before any progress or
// after a terminal percentage, so the field clears there.
func estimateCompletion(progress *models.JobProgress, startedAt, now time.Time) {
	p := progress.OverallPercent
	elapsed := now.Sub(startedAt)
	if p <= 0 || p >= 100 || elapsed <= 0 {
		progress.EstimatedCompletionTime = nil
		return
	}
	remaining := time.Duration(float64(elapsed) * (100 - p) / p)
	eta := now.Add(remaining)
	progress.EstimatedCompletionTime = &eta
}

func (s *PipelineService) afterTransition(ctx context.Context, job *models.ImportJob, next string) error {
	switch {
	case IsWorkStage(next):
		return s.queue.Enqueue(ctx, next, job.ID, nil)
	case next == models.StageAwaitApproval:
		if s.notify != nil {
			s.notify.SchemaApprovalPending(ctx, job)
		}
		return nil
	case next == models.StageCompleted || next == models.StageFailed:
		return s.aggregateImportSource(ctx, job.ImportSourceID)
	default:
		return nil
	}
}

// FailJob drives a job to failed, recording the cause and scheduling an
// automated retry when attempts remain.
func (s *PipelineService) FailJob(ctx context.Context, jobID string, cause error) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Stage == models.StageCompleted {
		return ErrTerminalStateViolation
	}
	if job.Stage == models.StageFailed {
		return nil
	}

	now := time.Now()
	history := append(job.StageHistory, models.StageLogEntry{
		FromStage: job.Stage,
		ToStage:   models.StageFailed,
		At:        now,
	})

	progress := job.Progress
	progress.OverallPercent = StageProgress(models.StageFailed)
	estimateCompletion(&progress, job.CreatedAt, now)

	updates := map[string]any{
		"stage":         models.StageFailed,
		"stage_history": history,
		"progress":      progress,
	}
	if cause != nil {
		updates["errors"] = append(job.Errors, models.RowError{Row: -1, Error: cause.Error()})
	}
	if job.RetryAttempts < s.settings.MaxRetryAttempts {
		delay := s.settings.RetryBaseDelay << uint(job.RetryAttempts)
		next := now.Add(delay)
		updates["next_retry_at"] = next
	}

	res := s.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND stage = ?", jobID, job.Stage).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	log.Printf("pipeline: job %s failed in stage %s: %v", jobID, job.Stage, cause)
	return s.aggregateImportSource(ctx, job.ImportSourceID)
}

// ApproveSchema marks the pending schema change approved and advances the job
// to create-schema-version in the same update, so no read can observe
// approved=true while the stage is still await-approval.
func (s *PipelineService) ApproveSchema(ctx context.Context, jobID, actor string) (*models.ImportJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage != models.StageAwaitApproval {
		if job.Stage == models.StageCompleted {
			return nil, ErrTerminalStateViolation
		}
		return nil, ErrNotAwaitingApproval
	}

	now := time.Now()
	validation := job.SchemaValidation
	validation.Approved = true
	validation.ApprovedBy = actor
	validation.ApprovedAt = &now

	history := append(job.StageHistory, models.StageLogEntry{
		FromStage: models.StageAwaitApproval,
		ToStage:   models.StageCreateSchemaVersion,
		Actor:     actor,
		At:        now,
	})

	progress := job.Progress
	progress.OverallPercent = StageProgress(models.StageCreateSchemaVersion)
	estimateCompletion(&progress, job.CreatedAt, now)

	res := s.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND stage = ?", jobID, models.StageAwaitApproval).
		Updates(map[string]any{
			"stage":             models.StageCreateSchemaVersion,
			"schema_validation": validation,
			"stage_history":     history,
			"progress":          progress,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrApprovalConflict
	}

	if err := s.queue.Enqueue(ctx, models.StageCreateSchemaVersion, jobID, nil); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// RecoverJob transitions a failed job back into one of the allowed recovery
// stages. An empty actor denotes an automated retry.
func (s *PipelineService) RecoverJob(ctx context.Context, jobID, targetStage, actor string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Stage == models.StageCompleted {
		return ErrTerminalStateViolation
	}
	if job.Stage != models.StageFailed {
		return ErrJobNotFailed
	}
	if !IsRecoveryStage(targetStage) {
		return fmt.Errorf("%w: %q", ErrInvalidRecoveryStage, targetStage)
	}

	now := time.Now()
	history := append(job.StageHistory, models.StageLogEntry{
		FromStage: models.StageFailed,
		ToStage:   targetStage,
		Actor:     actor,
		At:        now,
	})

	progress := job.Progress
	progress.OverallPercent = StageProgress(targetStage)
	estimateCompletion(&progress, job.CreatedAt, now)

	updates := map[string]any{
		"stage":         targetStage,
		"stage_history": history,
		"progress":      progress,
		"next_retry_at": nil,
	}
	if actor == "" {
		updates["retry_attempts"] = job.RetryAttempts + 1
		updates["last_retry_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND stage = ?", jobID, models.StageFailed).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	if actor == "" {
		log.Printf("pipeline: job %s automated retry %d into %s", jobID, job.RetryAttempts+1, targetStage)
	} else {
		log.Printf("pipeline: job %s recovered into %s by %s", jobID, targetStage, actor)
	}
	return s.queue.Enqueue(ctx, targetStage, jobID, nil)
}

// OverrideStage is the audited administrative escape hatch. It may move a job
// to any stage of the graph, including out of completed.
func (s *PipelineService) OverrideStage(ctx context.Context, jobID, targetStage, actor string) error {
	if actor == "" {
		return errors.New("override requires an actor")
	}
	if _, ok := stageWeights[targetStage]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, targetStage)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	history := append(job.StageHistory, models.StageLogEntry{
		FromStage: job.Stage,
		ToStage:   targetStage,
		Actor:     actor,
		Override:  true,
		At:        now,
	})

	res := s.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND stage = ?", jobID, job.Stage).
		Updates(map[string]any{
			"stage":         targetStage,
			"stage_history": history,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("job changed concurrently, retry the override")
	}

	log.Printf("pipeline: job %s stage override %s -> %s by %s", jobID, job.Stage, targetStage, actor)
	if IsWorkStage(targetStage) {
		return s.queue.Enqueue(ctx, targetStage, jobID, nil)
	}
	return nil
}

// ScheduleRetries performs automated recovery for failed jobs whose backoff
// window has elapsed. Returns the number of jobs retried.
func (s *PipelineService) ScheduleRetries(ctx context.Context) (int, error) {
	var jobs []models.ImportJob
	err := s.db.WithContext(ctx).
		Where("stage = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_attempts < ?",
			models.StageFailed, time.Now(), s.settings.MaxRetryAttempts).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}

	retried := 0
	for i := range jobs {
		target := retryTarget(&jobs[i])
		if err := s.RecoverJob(ctx, jobs[i].ID, target, ""); err != nil {
			log.Printf("pipeline: automated retry of job %s failed: %v", jobs[i].ID, err)
			continue
		}
		retried++
	}
	return retried, nil
}

// retryTarget picks the stage an automated retry re-enters: the stage the job
// failed from when that is a valid recovery target, otherwise the closest
// earlier recovery stage.
func retryTarget(job *models.ImportJob) string {
	failedFrom := ""
	for i := len(job.StageHistory) - 1; i >= 0; i-- {
		if job.StageHistory[i].ToStage == models.StageFailed {
			failedFrom = job.StageHistory[i].FromStage
			break
		}
	}
	if IsRecoveryStage(failedFrom) {
		return failedFrom
	}
	switch failedFrom {
	case models.StageCreateSchemaVersion:
		return models.StageValidateSchema
	case models.StageCreateEvents:
		return models.StageGeocodeBatch
	default:
		return models.StageAnalyzeDuplicates
	}
}

// CleanupApprovalLocks fails jobs stuck in await-approval beyond the timeout.
// Best-effort maintenance, not a correctness-critical lock.
func (s *PipelineService) CleanupApprovalLocks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.settings.ApprovalTimeout)
	var jobs []models.ImportJob
	err := s.db.WithContext(ctx).
		Where("stage = ? AND updated_at < ?", models.StageAwaitApproval, cutoff).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for i := range jobs {
		err := s.FailJob(ctx, jobs[i].ID, fmt.Errorf("approval not granted within %s", s.settings.ApprovalTimeout))
		if err != nil {
			log.Printf("pipeline: stale approval cleanup of job %s failed: %v", jobs[i].ID, err)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// aggregateImportSource re-queries every sibling job of the import source and,
// once all are terminal, marks the source completed or failed. Re-querying on
// every terminal transition (rather than counting in memory) keeps concurrent
// sibling completions from missing the aggregation; the guarded update makes
// the final write idempotent.
func (s *PipelineService) aggregateImportSource(ctx context.Context, sourceID string) error {
	var jobs []models.ImportJob
	err := s.db.WithContext(ctx).
		Select("id", "stage").
		Where("import_source_id = ?", sourceID).
		Find(&jobs).Error
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	anyFailed := false
	for i := range jobs {
		switch jobs[i].Stage {
		case models.StageFailed:
			anyFailed = true
		case models.StageCompleted:
		default:
			return nil // at least one sibling still in flight
		}
	}

	status := models.ImportSourceStatusCompleted
	if anyFailed {
		status = models.ImportSourceStatusFailed
	}
	return s.db.WithContext(ctx).Model(&models.ImportSource{}).
		Where("id = ? AND status = ?", sourceID, models.ImportSourceStatusProcessing).
		Update("status", status).Error
}
