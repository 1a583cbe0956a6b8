package services

import (
	"context"
	"errors"
	"time"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskQueueService is a database-backed work queue with at-least-once
// delivery. A claim that is not completed within the claim timeout is
// requeued, so every handler must tolerate re-delivery.
type TaskQueueService struct {
	db *gorm.DB
}

func NewTaskQueueService(db *gorm.DB) *TaskQueueService {
	if db == nil {
		db = config.DB
	}
	return &TaskQueueService{db: db}
}

// Enqueue schedules one task. An identical task already pending or running
// for the same job is left alone so stage re-delivery cannot fan out.
func (s *TaskQueueService) Enqueue(ctx context.Context, taskName, jobID string, payload models.JSONMap) error {
	if taskName == "" {
		return errors.New("task name is required")
	}

	if jobID != "" {
		var existing int64
		err := s.db.WithContext(ctx).Model(&models.PipelineTask{}).
			Where("task_name = ? AND import_job_id = ? AND status IN ?",
				taskName, jobID, []string{models.TaskStatusPending, models.TaskStatusRunning}).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
	}

	task := &models.PipelineTask{
		ID:          uuid.NewString(),
		TaskName:    taskName,
		ImportJobID: jobID,
		Payload:     payload,
		Status:      models.TaskStatusPending,
	}
	return s.db.WithContext(ctx).Create(task).Error
}

// Claim atomically takes the oldest pending task. Returns nil when the queue
// is empty.
func (s *TaskQueueService) Claim(ctx context.Context) (*models.PipelineTask, error) {
	for {
		var task models.PipelineTask
		err := s.db.WithContext(ctx).
			Where("status = ?", models.TaskStatusPending).
			Order("created_at ASC").
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res := s.db.WithContext(ctx).Model(&models.PipelineTask{}).
			Where("id = ? AND status = ?", task.ID, models.TaskStatusPending).
			Updates(map[string]any{
				"status":     models.TaskStatusRunning,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker claimed it first; try the next one.
			continue
		}

		task.Status = models.TaskStatusRunning
		task.ClaimedAt = &now
		task.Attempts++
		return &task, nil
	}
}

// Complete marks a claimed task as done.
func (s *TaskQueueService) Complete(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).Model(&models.PipelineTask{}).
		Where("id = ?", taskID).
		Update("status", models.TaskStatusCompleted).Error
}

// Fail records the task error. With requeue, the task returns to pending for
// another delivery attempt.
func (s *TaskQueueService) Fail(ctx context.Context, taskID string, taskErr error, requeue bool) error {
	status := models.TaskStatusFailed
	if requeue {
		status = models.TaskStatusPending
	}
	updates := map[string]any{"status": status}
	if taskErr != nil {
		updates["error"] = taskErr.Error()
	}
	return s.db.WithContext(ctx).Model(&models.PipelineTask{}).
		Where("id = ?", taskID).
		Updates(updates).Error
}

// RequeueStale returns running tasks whose claim expired back to pending.
func (s *TaskQueueService) RequeueStale(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	res := s.db.WithContext(ctx).Model(&models.PipelineTask{}).
		Where("status = ? AND claimed_at < ?", models.TaskStatusRunning, cutoff).
		Updates(map[string]any{"status": models.TaskStatusPending, "claimed_at": nil})
	return res.RowsAffected, res.Error
}
