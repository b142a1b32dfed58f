// Package scheduler drains the database-backed job queue. The jobs table is
// the queue: executors poll for pending rows, claim them with a conditional
// status transition and run the registered handler. Cancellation is
// cooperative; handlers observe it between sub-steps, in-flight remote calls
// are never aborted mid-request.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/dsm-platform/dsm-executor/database"
)

const (
	heartbeatInterval   = 5 * time.Second
	cancellationPoll    = 5 * time.Second
	staleRecoveryCutoff = 30 * time.Minute
)

// Runtime is what a handler gets to work with while its job runs.
type Runtime struct {
	Repo  *database.Repository
	Tasks *TaskRunner
	JobID string

	mu      sync.Mutex
	details map[string]interface{}
}

// SetDetails replaces the live details bag; the heartbeat mirrors it into the
// job row so the UI sees movement during long work.
func (rt *Runtime) SetDetails(details map[string]interface{}) {
	rt.mu.Lock()
	rt.details = details
	rt.mu.Unlock()
}

// SetDetail updates one key of the live details bag.
func (rt *Runtime) SetDetail(key string, value interface{}) {
	rt.mu.Lock()
	if rt.details == nil {
		rt.details = map[string]interface{}{}
	}
	rt.details[key] = value
	rt.mu.Unlock()
}

func (rt *Runtime) snapshotDetails() map[string]interface{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(rt.details))
	for k, v := range rt.details {
		out[k] = v
	}
	return out
}

// Cancelled reports whether the job has been cancelled externally. Handlers
// check between sub-steps.
func (rt *Runtime) Cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || rt.Repo.IsJobCancelled(ctx, rt.JobID)
}

// HandlerFunc runs one job type. The returned details land in the terminal
// job row.
type HandlerFunc func(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error)

// Scheduler polls the queue and dispatches claimed jobs to handlers.
type Scheduler struct {
	repo          *database.Repository
	tasks         *TaskRunner
	executorID    string
	pollInterval  time.Duration
	maxConcurrent int64

	handlers map[string]HandlerFunc
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

// New creates a scheduler identified by hostname+pid for advisory claims.
func New(repo *database.Repository, pollInterval time.Duration, maxConcurrent int) *Scheduler {
	hostname, _ := os.Hostname()
	return &Scheduler{
		repo:          repo,
		tasks:         NewTaskRunner(repo),
		executorID:    fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		pollInterval:  pollInterval,
		maxConcurrent: int64(maxConcurrent),
		handlers:      map[string]HandlerFunc{},
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Register binds a handler to a job type. Unknown job types stay pending for
// another executor build that knows them.
func (s *Scheduler) Register(jobType string, handler HandlerFunc) {
	s.handlers[jobType] = handler
}

// Run polls until the context ends, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	if n, err := s.repo.RecoverStaleJobs(ctx, s.executorID, staleRecoveryCutoff); err != nil {
		log.WithError(err).Warn("Stale job recovery failed")
	} else if n > 0 {
		log.WithField("count", n).Info("Recovered stale jobs at startup")
	}

	log.WithFields(log.Fields{
		"executor":       s.executorID,
		"poll_interval":  s.pollInterval,
		"max_concurrent": s.maxConcurrent,
	}).Info("🚀 Job scheduler started")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info("Job scheduler stopped")
			return
		case <-ticker.C:
			s.dispatchPending(ctx)
		}
	}
}

func (s *Scheduler) dispatchPending(ctx context.Context) {
	jobs, err := s.repo.PendingJobs(ctx)
	if err != nil {
		log.WithError(err).Warn("Pending job poll failed")
		return
	}

	for i := range jobs {
		job := jobs[i]
		if _, ok := s.handlers[job.JobType]; !ok {
			continue
		}
		if !s.sem.TryAcquire(1) {
			return
		}

		claimed, err := s.repo.ClaimJob(ctx, job.ID, s.executorID)
		if err != nil || !claimed {
			s.sem.Release(1)
			if err != nil {
				log.WithError(err).WithField("job_id", job.ID).Warn("Job claim failed")
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.runJob(ctx, &job)
		}()
	}
}

// runJob executes one claimed job with heartbeat, cancellation watch and
// panic containment.
func (s *Scheduler) runJob(ctx context.Context, job *database.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt := &Runtime{Repo: s.repo, Tasks: s.tasks, JobID: job.ID}

	logger := log.WithFields(log.Fields{"job_id": job.ID, "job_type": job.JobType})
	logger.Info("📋 Job started")

	stopWatch := make(chan struct{})
	var watchers sync.WaitGroup
	watchers.Add(2)
	go func() {
		defer watchers.Done()
		s.watchCancellation(jobCtx, job.ID, cancel, stopWatch)
	}()
	go func() {
		defer watchers.Done()
		s.heartbeat(jobCtx, rt, stopWatch)
	}()

	details, err := s.invoke(jobCtx, job, rt)

	close(stopWatch)
	watchers.Wait()

	// Terminal writes must land even when the process is shutting down.
	finalCtx := context.WithoutCancel(ctx)

	if s.repo.IsJobCancelled(finalCtx, job.ID) {
		if err := s.repo.CancelRunningTasks(finalCtx, job.ID); err != nil {
			logger.WithError(err).Warn("Failed to cancel running tasks")
		}
		if err := s.repo.CompleteJob(finalCtx, job.ID, database.JobStatusCancelled, details, nil); err != nil {
			logger.WithError(err).Warn("Failed to finalize cancelled job")
		}
		logger.Info("Job cancelled by operator")
		return
	}

	status := database.JobStatusCompleted
	if err != nil {
		status = database.JobStatusFailed
		logger.WithError(err).Error("Job failed")
	}
	if details == nil {
		details = rt.snapshotDetails()
	}
	if finalErr := s.repo.CompleteJob(finalCtx, job.ID, status, details, err); finalErr != nil {
		logger.WithError(finalErr).Warn("Failed to finalize job")
	}
	if err == nil {
		logger.Info("✅ Job completed")
	}
}

func (s *Scheduler) invoke(ctx context.Context, job *database.Job, rt *Runtime) (details map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", job.JobType, r)
			log.WithFields(log.Fields{
				"job_id": job.ID,
				"panic":  fmt.Sprintf("%v", r),
				"stack":  string(debug.Stack()),
			}).Error("Recovered panic in job handler")
		}
	}()
	return s.handlers[job.JobType](ctx, job, rt)
}

func (s *Scheduler) watchCancellation(ctx context.Context, jobID string, cancel context.CancelFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(cancellationPoll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.repo.IsJobCancelled(ctx, jobID) {
				log.WithField("job_id", jobID).Info("Cancellation observed, signalling handler")
				cancel()
				return
			}
		}
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, rt *Runtime, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			details := rt.snapshotDetails()
			if details == nil {
				details = map[string]interface{}{}
			}
			if err := rt.Repo.UpdateJobDetails(ctx, rt.JobID, details); err != nil {
				log.WithError(err).WithField("job_id", rt.JobID).Debug("Heartbeat update failed")
			}
		}
	}
}
