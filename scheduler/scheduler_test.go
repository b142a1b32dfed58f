package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsm-platform/dsm-executor/database"
)

func pendingJob(t *testing.T, h *queueHarness, id, jobType string) {
	t.Helper()
	h.add(t, "jobs", database.Job{
		ID:        id,
		JobType:   jobType,
		Status:    database.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	})
}

func runScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func jobStatus(h *queueHarness, id string) string {
	row := h.row("jobs", "id", id)
	if row == nil {
		return ""
	}
	s, _ := row["status"].(string)
	return s
}

func TestSchedulerRunsJobToCompletion(t *testing.T) {
	h := newQueueHarness(t)
	pendingJob(t, h, "job-1", "noop")

	s := New(h.repo(), 10*time.Millisecond, 2)
	s.Register("noop", func(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": 42}, nil
	})
	runScheduler(t, s)

	require.Eventually(t, func() bool {
		return jobStatus(h, "job-1") == database.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	row := h.row("jobs", "id", "job-1")
	assert.NotEmpty(t, row["started_at"])
	assert.NotEmpty(t, row["completed_at"])
	assert.NotEmpty(t, row["claimed_by"])
	details, _ := row["details"].(map[string]interface{})
	assert.EqualValues(t, 42, details["answer"])
}

func TestSchedulerLeavesUnknownJobTypesPending(t *testing.T) {
	h := newQueueHarness(t)
	pendingJob(t, h, "job-1", "mystery")

	s := New(h.repo(), 10*time.Millisecond, 2)
	runScheduler(t, s)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, database.JobStatusPending, jobStatus(h, "job-1"))
}

func TestSchedulerFailsJobOnHandlerError(t *testing.T) {
	h := newQueueHarness(t)
	pendingJob(t, h, "job-1", "boom")

	s := New(h.repo(), 10*time.Millisecond, 2)
	s.Register("boom", func(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
		return nil, errors.New("the disk is on fire")
	})
	runScheduler(t, s)

	require.Eventually(t, func() bool {
		return jobStatus(h, "job-1") == database.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	row := h.row("jobs", "id", "job-1")
	assert.Contains(t, row["error_message"], "on fire")
}

func TestSchedulerContainsHandlerPanic(t *testing.T) {
	h := newQueueHarness(t)
	pendingJob(t, h, "job-1", "panicky")
	pendingJob(t, h, "job-2", "noop")

	s := New(h.repo(), 10*time.Millisecond, 2)
	s.Register("panicky", func(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
		panic("unexpected nil")
	})
	s.Register("noop", func(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
		return nil, nil
	})
	runScheduler(t, s)

	require.Eventually(t, func() bool {
		return jobStatus(h, "job-1") == database.JobStatusFailed &&
			jobStatus(h, "job-2") == database.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	row := h.row("jobs", "id", "job-1")
	assert.Contains(t, row["error_message"], "panic")
}

func TestSchedulerHonorsScheduleAt(t *testing.T) {
	h := newQueueHarness(t)
	future := time.Now().UTC().Add(time.Hour)
	h.add(t, "jobs", database.Job{
		ID:         "job-later",
		JobType:    "noop",
		Status:     database.JobStatusPending,
		ScheduleAt: &future,
		CreatedAt:  time.Now().UTC(),
	})

	s := New(h.repo(), 10*time.Millisecond, 2)
	s.Register("noop", func(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
		return nil, nil
	})
	runScheduler(t, s)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, database.JobStatusPending, jobStatus(h, "job-later"))
}

// A handler that watches Cancelled finishes as cancelled with its running
// tasks closed out.
func TestSchedulerCooperativeCancellation(t *testing.T) {
	h := newQueueHarness(t)
	pendingJob(t, h, "job-1", "slow")

	started := make(chan struct{})
	s := New(h.repo(), 10*time.Millisecond, 2)
	s.Register("slow", func(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
		if _, err := rt.Repo.CreateTask(ctx, &database.Task{JobID: job.ID, Name: "long step"}); err != nil {
			return nil, err
		}
		close(started)
		for !rt.Cancelled(ctx) {
			time.Sleep(10 * time.Millisecond)
		}
		return nil, context.Canceled
	})
	runScheduler(t, s)

	<-started
	// Operator cancels the job out from under the handler.
	h.mu.Lock()
	for _, row := range h.tables["jobs"] {
		if row["id"] == "job-1" {
			row["status"] = database.JobStatusCancelled
		}
	}
	h.mu.Unlock()

	require.Eventually(t, func() bool {
		task := h.row("tasks", "job_id", "job-1")
		return task != nil && task["status"] == database.JobStatusCancelled
	}, 3*time.Second, 10*time.Millisecond)

	row := h.row("jobs", "id", "job-1")
	assert.NotEmpty(t, row["completed_at"])
}

func TestTaskRunnerWritesTerminalStatusOnPanic(t *testing.T) {
	h := newQueueHarness(t)
	runner := NewTaskRunner(h.repo())

	err := runner.Run(context.Background(), "job-1", nil, "explodes", func(ctx context.Context, update UpdateFunc) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	task := h.row("tasks", "job_id", "job-1")
	require.NotNil(t, task)
	assert.Equal(t, database.JobStatusFailed, task["status"])
	assert.NotEmpty(t, task["completed_at"])
}

func TestTaskRunnerCompletesWithProgress(t *testing.T) {
	h := newQueueHarness(t)
	runner := NewTaskRunner(h.repo())

	err := runner.Run(context.Background(), "job-1", nil, "copies things", func(ctx context.Context, update UpdateFunc) error {
		update(50, "halfway")
		return nil
	})
	require.NoError(t, err)

	task := h.row("tasks", "job_id", "job-1")
	require.NotNil(t, task)
	assert.Equal(t, database.JobStatusCompleted, task["status"])
	assert.EqualValues(t, 100, task["progress"])
}
