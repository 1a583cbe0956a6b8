package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jfilter/timetiles-sub003/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJobsForSourceFansOutPerSheet(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 3)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	for i, job := range jobs {
		assert.Equal(t, i, job.SheetIndex)
		assert.Equal(t, models.StageAnalyzeDuplicates, job.Stage)
	}

	var tasks []models.PipelineTask
	require.NoError(t, db.Find(&tasks).Error)
	assert.Len(t, tasks, 3)
}

func TestAdvanceMovesJobAndEnqueuesNextTask(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	report := models.DuplicateReport{Strategy: models.IDStrategyAuto}
	err = pipeline.Advance(context.Background(), job.ID, &StageOutput{
		Stage:      models.StageAnalyzeDuplicates,
		Duplicates: &report,
	})
	require.NoError(t, err)

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageDetectSchema, got.Stage)
	assert.Equal(t, models.StageAnalyzeDuplicates, got.LastSuccessfulStage)
	assert.Equal(t, StageProgress(models.StageDetectSchema), got.Progress.OverallPercent)

	last := got.StageHistory[len(got.StageHistory)-1]
	assert.Equal(t, models.StageAnalyzeDuplicates, last.FromStage)
	assert.Equal(t, models.StageDetectSchema, last.ToStage)

	var count int64
	require.NoError(t, db.Model(&models.PipelineTask{}).
		Where("task_name = ? AND import_job_id = ?", models.StageDetectSchema, job.ID).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAdvanceIsIdempotentUnderRedelivery(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	output := &StageOutput{Stage: models.StageAnalyzeDuplicates}
	require.NoError(t, pipeline.Advance(context.Background(), job.ID, output))

	// A second delivery of the same completion is a no-op.
	require.NoError(t, pipeline.Advance(context.Background(), job.ID, output))

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageDetectSchema, got.Stage)

	var count int64
	require.NoError(t, db.Model(&models.PipelineTask{}).
		Where("task_name = ?", models.StageDetectSchema).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAdvanceHaltsInAwaitApproval(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, db.Model(job).Update("stage", models.StageValidateSchema).Error)

	validation := models.SchemaValidation{RequiresApproval: true}
	err = pipeline.Advance(context.Background(), job.ID, &StageOutput{
		Stage:            models.StageValidateSchema,
		SchemaValidation: &validation,
	})
	require.NoError(t, err)

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageAwaitApproval, got.Stage)
	assert.True(t, got.SchemaValidation.RequiresApproval)
	assert.False(t, got.SchemaValidation.Approved)

	// No task is scheduled while the job waits for a human.
	var count int64
	require.NoError(t, db.Model(&models.PipelineTask{}).
		Where("import_job_id = ? AND status = ?", job.ID, models.TaskStatusPending).
		Where("task_name <> ?", models.StageAnalyzeDuplicates).
		Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestApproveSchemaIsAtomic(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, db.Model(job).Updates(map[string]any{
		"stage":             models.StageAwaitApproval,
		"schema_validation": models.SchemaValidation{RequiresApproval: true},
	}).Error)

	approved, err := pipeline.ApproveSchema(context.Background(), job.ID, "admin@example.org")
	require.NoError(t, err)

	// Approval flag and stage change land in the same write.
	assert.Equal(t, models.StageCreateSchemaVersion, approved.Stage)
	assert.True(t, approved.SchemaValidation.Approved)
	assert.Equal(t, "admin@example.org", approved.SchemaValidation.ApprovedBy)
	require.NotNil(t, approved.SchemaValidation.ApprovedAt)

	// A second approval finds the job past await-approval.
	_, err = pipeline.ApproveSchema(context.Background(), job.ID, "admin@example.org")
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)
}

func TestApproveSchemaRejectsWrongStage(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	_, err = pipeline.ApproveSchema(context.Background(), job.ID, "admin@example.org")
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)

	require.NoError(t, db.Model(job).Update("stage", models.StageCompleted).Error)
	_, err = pipeline.ApproveSchema(context.Background(), job.ID, "admin@example.org")
	assert.ErrorIs(t, err, ErrTerminalStateViolation)
}

func TestFailJobRecordsCauseAndSchedulesRetry(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, pipeline.FailJob(context.Background(), job.ID, errors.New("parse exploded")))

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageFailed, got.Stage)
	require.NotEmpty(t, got.Errors)
	assert.Equal(t, -1, got.Errors[len(got.Errors)-1].Row)
	assert.Contains(t, got.Errors[len(got.Errors)-1].Error, "parse exploded")
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()))
}

func TestFailJobFromCompletedIsRejected(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, db.Model(job).Update("stage", models.StageCompleted).Error)

	err = pipeline.FailJob(context.Background(), job.ID, errors.New("late failure"))
	assert.ErrorIs(t, err, ErrTerminalStateViolation)
}

func TestRecoverJobValidation(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	// Not failed yet.
	err = pipeline.RecoverJob(context.Background(), job.ID, models.StageDetectSchema, "ops@example.org")
	assert.ErrorIs(t, err, ErrJobNotFailed)

	require.NoError(t, pipeline.FailJob(context.Background(), job.ID, errors.New("boom")))

	// create-events is not a recovery target.
	err = pipeline.RecoverJob(context.Background(), job.ID, models.StageCreateEvents, "ops@example.org")
	assert.ErrorIs(t, err, ErrInvalidRecoveryStage)

	require.NoError(t, pipeline.RecoverJob(context.Background(), job.ID, models.StageDetectSchema, "ops@example.org"))

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageDetectSchema, got.Stage)
	assert.Nil(t, got.NextRetryAt)
	// Manual recovery does not consume a retry attempt.
	assert.Equal(t, 0, got.RetryAttempts)

	last := got.StageHistory[len(got.StageHistory)-1]
	assert.Equal(t, "ops@example.org", last.Actor)
}

func TestAutomatedRetryCountsAttempts(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, pipeline.FailJob(context.Background(), job.ID, errors.New("boom")))

	// Backoff already elapsed.
	require.NoError(t, db.Model(&models.ImportJob{}).
		Where("id = ?", job.ID).
		Update("next_retry_at", time.Now().Add(-time.Second)).Error)

	retried, err := pipeline.ScheduleRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageAnalyzeDuplicates, got.Stage)
	assert.Equal(t, 1, got.RetryAttempts)
	require.NotNil(t, got.LastRetryAt)
}

func TestOverrideStageRequiresActorAndAudits(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	err = pipeline.OverrideStage(context.Background(), job.ID, models.StageGeocodeBatch, "")
	assert.Error(t, err)

	err = pipeline.OverrideStage(context.Background(), job.ID, "nonsense", "admin@example.org")
	assert.ErrorIs(t, err, ErrUnknownStage)

	require.NoError(t, db.Model(job).Update("stage", models.StageCompleted).Error)

	// Override is the one path out of completed.
	require.NoError(t, pipeline.OverrideStage(context.Background(), job.ID, models.StageGeocodeBatch, "admin@example.org"))

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageGeocodeBatch, got.Stage)
	last := got.StageHistory[len(got.StageHistory)-1]
	assert.True(t, last.Override)
	assert.Equal(t, "admin@example.org", last.Actor)
}

func TestImportSourceAggregation(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 2)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)

	require.NoError(t, db.Model(jobs[0]).Update("stage", models.StageCreateEvents).Error)
	require.NoError(t, pipeline.Advance(context.Background(), jobs[0].ID, &StageOutput{Stage: models.StageCreateEvents}))

	// One sibling still in flight keeps the source processing.
	var got models.ImportSource
	require.NoError(t, db.Where("id = ?", source.ID).First(&got).Error)
	assert.Equal(t, models.ImportSourceStatusProcessing, got.Status)

	require.NoError(t, pipeline.FailJob(context.Background(), jobs[1].ID, errors.New("sheet is garbage")))

	require.NoError(t, db.Where("id = ?", source.ID).First(&got).Error)
	assert.Equal(t, models.ImportSourceStatusFailed, got.Status)
}

func TestImportSourceAggregationAllCompleted(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 2)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)

	for _, job := range jobs {
		require.NoError(t, db.Model(job).Update("stage", models.StageCreateEvents).Error)
		require.NoError(t, pipeline.Advance(context.Background(), job.ID, &StageOutput{Stage: models.StageCreateEvents}))
	}

	var got models.ImportSource
	require.NoError(t, db.Where("id = ?", source.ID).First(&got).Error)
	assert.Equal(t, models.ImportSourceStatusCompleted, got.Status)
}

func TestCleanupApprovalLocks(t *testing.T) {
	db := newTestDB(t)
	pipeline := newTestPipeline(t, db)
	dataset := createTestDataset(t, db)
	source := createTestSource(t, db, dataset.ID, 1)

	jobs, err := pipeline.CreateJobsForSource(context.Background(), source)
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, db.Model(job).Updates(map[string]any{
		"stage":      models.StageAwaitApproval,
		"updated_at": time.Now().Add(-2 * time.Hour),
	}).Error)

	cleaned, err := pipeline.CleanupApprovalLocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	got := reloadJob(t, db, job.ID)
	assert.Equal(t, models.StageFailed, got.Stage)
}

func TestEstimateCompletionProjectsFromElapsedTime(t *testing.T) {
	now := time.Now()

	// 40% done after two minutes projects three more minutes of work.
	progress := models.JobProgress{OverallPercent: 40}
	estimateCompletion(&progress, now.Add(-2*time.Minute), now)
	require.NotNil(t, progress.EstimatedCompletionTime)
	assert.WithinDuration(t, now.Add(3*time.Minute), *progress.EstimatedCompletionTime, time.Second)

	// Terminal percentage clears the estimate.
	progress.OverallPercent = 100
	estimateCompletion(&progress, now.Add(-2*time.Minute), now)
	assert.Nil(t, progress.EstimatedCompletionTime)

	// No progress yet means nothing to extrapolate from.
	progress = models.JobProgress{OverallPercent: 0, EstimatedCompletionTime: &now}
	estimateCompletion(&progress, now.Add(-2*time.Minute), now)
	assert.Nil(t, progress.EstimatedCompletionTime)
}
