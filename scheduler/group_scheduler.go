package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/database"
)

// JobTypeReplication is the queue job type group schedules enqueue.
const JobTypeReplication = "replication"

// reconcileInterval controls how often group rows are re-read so edits in
// the UI take effect without a restart.
const reconcileInterval = time.Minute

// GroupScheduler turns protection-group cron expressions into pending
// replication jobs. It never runs replication itself; the queue does.
type GroupScheduler struct {
	repo *database.Repository
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]groupEntry
}

type groupEntry struct {
	entryID cron.EntryID
	spec    string
}

// NewGroupScheduler builds a scheduler over the protection-group table.
func NewGroupScheduler(repo *database.Repository) *GroupScheduler {
	return &GroupScheduler{
		repo:    repo,
		cron:    cron.New(),
		entries: map[string]groupEntry{},
	}
}

// Run registers enabled groups, starts the cron loop and reconciles group
// rows until the context ends.
func (g *GroupScheduler) Run(ctx context.Context) {
	g.reconcile(ctx)
	g.cron.Start()
	log.Info("Protection group scheduler started")

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx := g.cron.Stop()
			select {
			case <-stopCtx.Done():
			case <-time.After(30 * time.Second):
				log.Warn("Timed out waiting for in-flight cron triggers")
			}
			return
		case <-ticker.C:
			g.reconcile(ctx)
		}
	}
}

// reconcile syncs cron entries with the current protection-group rows:
// new and re-scheduled groups register, disabled and deleted ones drop out.
func (g *GroupScheduler) reconcile(ctx context.Context) {
	groups, err := g.repo.ListProtectionGroups(ctx, true)
	if err != nil {
		log.WithError(err).Warn("Protection group poll failed")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := map[string]bool{}
	for _, group := range groups {
		if group.ScheduleCron == "" {
			continue
		}
		seen[group.ID] = true

		if existing, ok := g.entries[group.ID]; ok {
			if existing.spec == group.ScheduleCron {
				continue
			}
			g.cron.Remove(existing.entryID)
		}

		group := group
		entryID, err := g.cron.AddFunc(group.ScheduleCron, func() {
			g.trigger(context.Background(), &group)
		})
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"group": group.Name,
				"cron":  group.ScheduleCron,
			}).Warn("Rejected protection group cron expression")
			continue
		}
		g.entries[group.ID] = groupEntry{entryID: entryID, spec: group.ScheduleCron}
		log.WithFields(log.Fields{
			"group": group.Name,
			"cron":  group.ScheduleCron,
		}).Info("Registered protection group schedule")
	}

	for id, entry := range g.entries {
		if !seen[id] {
			g.cron.Remove(entry.entryID)
			delete(g.entries, id)
			log.WithField("group_id", id).Info("Unregistered protection group schedule")
		}
	}
}

// trigger enqueues one replication job for the group, honoring skip_if_running.
func (g *GroupScheduler) trigger(ctx context.Context, group *database.ProtectionGroup) {
	if group.SkipIfRunning {
		active, err := g.hasActiveJob(ctx, group.ID)
		if err != nil {
			log.WithError(err).WithField("group", group.Name).Warn("Active-job check failed, skipping trigger")
			return
		}
		if active {
			log.WithField("group", group.Name).Info("Previous replication still active, skipping this trigger")
			return
		}
	}

	jobID, err := g.repo.InsertJob(ctx, &database.Job{
		JobType: JobTypeReplication,
		TargetScope: map[string]interface{}{
			"protection_group_id": group.ID,
		},
	})
	if err != nil {
		log.WithError(err).WithField("group", group.Name).Error("Failed to enqueue replication job")
		return
	}
	log.WithFields(log.Fields{
		"group":  group.Name,
		"job_id": jobID,
	}).Info("Enqueued scheduled replication")
}

func (g *GroupScheduler) hasActiveJob(ctx context.Context, groupID string) (bool, error) {
	jobs, err := g.repo.ActiveJobsByType(ctx, JobTypeReplication)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if id, _ := j.TargetScope["protection_group_id"].(string); id == groupID {
			return true, nil
		}
	}
	return false, nil
}
