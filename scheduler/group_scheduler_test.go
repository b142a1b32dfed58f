package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsm-platform/dsm-executor/database"
)

func TestGroupTriggerEnqueuesReplicationJob(t *testing.T) {
	h := newQueueHarness(t)
	g := NewGroupScheduler(h.repo())

	g.trigger(context.Background(), &database.ProtectionGroup{
		ID:   "pg-1",
		Name: "tier-1",
	})

	require.Equal(t, 1, h.count("jobs"))
	job := h.row("jobs", "job_type", JobTypeReplication)
	require.NotNil(t, job)
	assert.Equal(t, database.JobStatusPending, job["status"])
	scope, _ := job["target_scope"].(map[string]interface{})
	assert.Equal(t, "pg-1", scope["protection_group_id"])
}

func TestGroupTriggerSkipsWhileActive(t *testing.T) {
	h := newQueueHarness(t)
	h.add(t, "jobs", database.Job{
		ID:      "job-running",
		JobType: JobTypeReplication,
		Status:  database.JobStatusRunning,
		TargetScope: map[string]interface{}{
			"protection_group_id": "pg-1",
		},
		CreatedAt: time.Now().UTC(),
	})

	g := NewGroupScheduler(h.repo())
	g.trigger(context.Background(), &database.ProtectionGroup{
		ID:            "pg-1",
		Name:          "tier-1",
		SkipIfRunning: true,
	})

	assert.Equal(t, 1, h.count("jobs"))
}

func TestGroupTriggerRunsDespiteOtherGroupsActive(t *testing.T) {
	h := newQueueHarness(t)
	h.add(t, "jobs", database.Job{
		ID:      "job-running",
		JobType: JobTypeReplication,
		Status:  database.JobStatusRunning,
		TargetScope: map[string]interface{}{
			"protection_group_id": "pg-other",
		},
		CreatedAt: time.Now().UTC(),
	})

	g := NewGroupScheduler(h.repo())
	g.trigger(context.Background(), &database.ProtectionGroup{
		ID:            "pg-1",
		Name:          "tier-1",
		SkipIfRunning: true,
	})

	assert.Equal(t, 2, h.count("jobs"))
}

func TestReconcileRegistersAndDropsGroups(t *testing.T) {
	h := newQueueHarness(t)
	h.add(t, "protection_groups", database.ProtectionGroup{
		ID:           "pg-1",
		Name:         "tier-1",
		ScheduleCron: "0 2 * * *",
		Enabled:      true,
	})

	g := NewGroupScheduler(h.repo())
	g.reconcile(context.Background())
	assert.Len(t, g.entries, 1)

	// Group disappears; the entry must drop on the next pass.
	h.mu.Lock()
	h.tables["protection_groups"] = nil
	h.mu.Unlock()

	g.reconcile(context.Background())
	assert.Empty(t, g.entries)
}

func TestReconcileRejectsBadCron(t *testing.T) {
	h := newQueueHarness(t)
	h.add(t, "protection_groups", database.ProtectionGroup{
		ID:           "pg-1",
		Name:         "tier-1",
		ScheduleCron: "not a cron line",
		Enabled:      true,
	})

	g := NewGroupScheduler(h.repo())
	g.reconcile(context.Background())
	assert.Empty(t, g.entries)
}
