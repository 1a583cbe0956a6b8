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

func TestEnqueueAndClaim(t *testing.T) {
	db := newTestDB(t)
	queue := NewTaskQueueService(db)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, models.StageAnalyzeDuplicates, "job-1", nil))

	task, err := queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, models.StageAnalyzeDuplicates, task.TaskName)
	assert.Equal(t, "job-1", task.ImportJobID)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.ClaimedAt)

	// Queue is now empty.
	task, err = queue.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestEnqueueDeduplicatesPendingTasks(t *testing.T) {
	db := newTestDB(t)
	queue := NewTaskQueueService(db)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, models.StageDetectSchema, "job-1", nil))
	require.NoError(t, queue.Enqueue(ctx, models.StageDetectSchema, "job-1", nil))
	// Different stage or job still enqueues.
	require.NoError(t, queue.Enqueue(ctx, models.StageGeocodeBatch, "job-1", nil))
	require.NoError(t, queue.Enqueue(ctx, models.StageDetectSchema, "job-2", nil))

	var count int64
	require.NoError(t, db.Model(&models.PipelineTask{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestCompleteAndFail(t *testing.T) {
	db := newTestDB(t)
	queue := NewTaskQueueService(db)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, models.StageCreateEvents, "job-1", nil))
	task, err := queue.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, queue.Complete(ctx, task.ID))
	var got models.PipelineTask
	require.NoError(t, db.Where("id = ?", task.ID).First(&got).Error)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	// Completion clears the dedup window; the same task may run again.
	require.NoError(t, queue.Enqueue(ctx, models.StageCreateEvents, "job-1", nil))
	task, err = queue.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, queue.Fail(ctx, task.ID, errors.New("sheet vanished"), false))
	got = models.PipelineTask{}
	require.NoError(t, db.Where("id = ?", task.ID).First(&got).Error)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "sheet vanished")
}

func TestFailWithRequeue(t *testing.T) {
	db := newTestDB(t)
	queue := NewTaskQueueService(db)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, models.StageGeocodeBatch, "job-1", nil))
	task, err := queue.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, queue.Fail(ctx, task.ID, errors.New("transient"), true))

	again, err := queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestRequeueStale(t *testing.T) {
	db := newTestDB(t)
	queue := NewTaskQueueService(db)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, models.StageValidateSchema, "job-1", nil))
	task, err := queue.Claim(ctx)
	require.NoError(t, err)

	// Fresh claims are untouched.
	n, err := queue.RequeueStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, db.Model(&models.PipelineTask{}).
		Where("id = ?", task.ID).
		Update("claimed_at", time.Now().Add(-time.Hour)).Error)

	n, err = queue.RequeueStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
}
