package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/database"
)

// TaskRunner fans user-visible sub-steps out into task rows. Every task ends
// in a terminal status, including when the step panics.
type TaskRunner struct {
	repo *database.Repository
}

// NewTaskRunner creates a runner over the repository.
func NewTaskRunner(repo *database.Repository) *TaskRunner {
	return &TaskRunner{repo: repo}
}

// UpdateFunc lets a step publish progress and a log line mid-flight.
type UpdateFunc func(progress int, logLine string)

// Run creates a task row, executes fn and writes the terminal status. A panic
// inside fn converts to a failed task and a returned error instead of taking
// the executor down.
func (t *TaskRunner) Run(ctx context.Context, jobID string, serverID *string, name string, fn func(ctx context.Context, update UpdateFunc) error) (retErr error) {
	taskID, err := t.repo.CreateTask(ctx, &database.Task{
		JobID:    jobID,
		ServerID: serverID,
		Name:     name,
	})
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			retErr = fmt.Errorf("panic in task %s: %v", name, r)
			log.WithFields(log.Fields{
				"job_id": jobID,
				"task":   name,
				"panic":  fmt.Sprintf("%v", r),
				"stack":  stack,
			}).Error("Recovered panic in task")
		}

		status := database.JobStatusCompleted
		line := "done"
		if retErr != nil {
			status = database.JobStatusFailed
			line = retErr.Error()
		}
		if err := t.repo.CompleteTask(context.WithoutCancel(ctx), taskID, status, line); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"job_id": jobID,
				"task":   name,
			}).Warn("Failed to write terminal task status")
		}
	}()

	update := func(progress int, logLine string) {
		if err := t.repo.UpdateTask(ctx, taskID, progress, logLine); err != nil {
			log.WithError(err).WithField("task", name).Debug("Task progress update failed")
		}
	}

	return fn(ctx, update)
}
