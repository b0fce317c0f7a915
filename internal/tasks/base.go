package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cwcr_console/internal/models"
)

// TaskQueue stores tasks for the worker to pick up
type TaskQueue interface {
	Enqueue(ctx context.Context, task *models.ScheduledTask) error
}

// GormTaskQueue writes tasks to the scheduled_tasks table
type GormTaskQueue struct {
	db *gorm.DB
}

func NewGormTaskQueue(db *gorm.DB) *GormTaskQueue {
	return &GormTaskQueue{db: db}
}

func (q *GormTaskQueue) Enqueue(ctx context.Context, task *models.ScheduledTask) error {
	return q.db.WithContext(ctx).Create(task).Error
}

// BuildScheduledTask is a helper to build ScheduledTask records generically
func BuildScheduledTask(taskName string, args interface{}, due time.Time, recurringInterval *string, taskType models.ScheduledTaskType, maxAttempt int) (*models.ScheduledTask, error) {
	argsBytes, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}

	var mapArgs map[string]interface{}
	if err := json.Unmarshal(argsBytes, &mapArgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into map: %w", err)
	}

	return &models.ScheduledTask{
		TaskName:          taskName,
		Arguments:         mapArgs,
		Due:               due,
		RecurringInterval: recurringInterval,
		Status:            models.ScheduledTaskStatusActive,
		TaskType:          taskType,
		MaxAttempt:        maxAttempt,
	}, nil
}

// decodeArgs converts the stored argument map into a typed struct
func decodeArgs[T any](task models.ScheduledTask) (T, error) {
	var args T
	argsBytes, err := json.Marshal(task.Arguments)
	if err != nil {
		return args, fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(argsBytes, &args); err != nil {
		return args, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return args, nil
}
