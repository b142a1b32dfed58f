package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/config"
	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/discovery"
	"github.com/dsm-platform/dsm-executor/replication"
	"github.com/dsm-platform/dsm-executor/vcenter"
)

// Queue job types.
const (
	JobTypeDiscovery        = "discovery"
	JobTypePreflight        = "preflight"
	JobTypeInventoryRefresh = "inventory_refresh"
	JobTypeMaintenance      = "maintenance"
)

const defaultRefreshInterval = 15 * time.Minute

// Handlers wires the domain engines into queue job types.
type Handlers struct {
	cfg        *config.Config
	repo       *database.Repository
	resolver   *credentials.Resolver
	sshManager *credentials.SSHManager
	sessions   *vcenter.SessionManager
	discovery  *discovery.Engine
	preflight  *discovery.PreflightChecker
	activity   *logging.ActivityLogger
}

// NewHandlers builds the handler set over the shared components.
func NewHandlers(cfg *config.Config, repo *database.Repository, resolver *credentials.Resolver,
	sshManager *credentials.SSHManager, sessions *vcenter.SessionManager,
	discoveryEngine *discovery.Engine, preflight *discovery.PreflightChecker,
	activity *logging.ActivityLogger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		repo:       repo,
		resolver:   resolver,
		sshManager: sshManager,
		sessions:   sessions,
		discovery:  discoveryEngine,
		preflight:  preflight,
		activity:   activity,
	}
}

// RegisterAll binds every handler to its job type.
func (h *Handlers) RegisterAll(s *Scheduler) {
	s.Register(JobTypeDiscovery, h.HandleDiscovery)
	s.Register(JobTypePreflight, h.HandlePreflight)
	s.Register(JobTypeInventoryRefresh, h.HandleInventoryRefresh)
	s.Register(JobTypeMaintenance, h.HandleMaintenance)
	s.Register(JobTypeReplication, h.HandleReplication)
}

// asDetails flattens any JSON-encodable value into a details bag.
func asDetails(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"encoding_error": err.Error()}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"encoding_error": err.Error()}
	}
	return out
}

func scopeStrings(scope map[string]interface{}, key string) []string {
	var out []string
	switch v := scope[key].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = v
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func scopeString(scope map[string]interface{}, key string) string {
	s, _ := scope[key].(string)
	return s
}

// HandleDiscovery runs an IP-range scan and, when anything new turned up,
// enqueues an inventory refresh so the vCenter link closes automatically.
func (h *Handlers) HandleDiscovery(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
	ips := scopeStrings(job.TargetScope, "ips")

	result, err := h.discovery.Discover(ctx, ips, job.CredentialSetIDs, func(completed, total int) {
		rt.SetDetail("progress", map[string]int{"completed": completed, "total": total})
	})
	if err != nil {
		return nil, err
	}

	if result.DiscoveredCount > 0 {
		if _, err := h.repo.InsertJob(ctx, &database.Job{JobType: JobTypeInventoryRefresh}); err != nil {
			log.WithError(err).Warn("Failed to enqueue post-discovery inventory refresh")
		} else {
			result.AutoRefreshTriggered = true
		}
	}
	return asDetails(result), nil
}

// HandlePreflight runs a batch preflight over the selected servers.
func (h *Handlers) HandlePreflight(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
	serverIDs := scopeStrings(job.TargetScope, "server_ids")

	report, err := h.preflight.CheckServers(ctx, serverIDs, func(event string, payload interface{}) {
		if event == "server_result" || event == "progress" {
			rt.SetDetail(event, payload)
		}
	})
	if err != nil {
		return nil, err
	}
	return asDetails(report), nil
}

// HandleInventoryRefresh pulls inventory from one or all vCenters and
// reschedules itself so the tables stay current.
func (h *Handlers) HandleInventoryRefresh(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
	defer h.rescheduleRefresh(ctx, job)

	var targets []database.VCenter
	if id := scopeString(job.TargetScope, "vcenter_id"); id != "" {
		vc, err := h.repo.GetVCenter(ctx, id)
		if err != nil {
			return nil, err
		}
		if vc == nil {
			return nil, fmt.Errorf("vcenter %s not found", id)
		}
		targets = []database.VCenter{*vc}
	} else {
		var err error
		targets, err = h.repo.ListVCenters(ctx)
		if err != nil {
			return nil, err
		}
	}

	details := map[string]interface{}{}
	var firstErr error
	for _, vc := range targets {
		if rt.Cancelled(ctx) {
			return details, context.Canceled
		}

		vc := vc
		err := rt.Tasks.Run(ctx, job.ID, nil, "refresh "+vc.Host, func(ctx context.Context, update UpdateFunc) error {
			session, err := h.sessions.EnsureSession(ctx, vc.ID)
			if err != nil {
				return err
			}
			update(20, "connected")

			snapshot, err := vcenter.NewFetcher(vc.ID, session).FetchAll(ctx)
			if err != nil {
				return err
			}
			update(60, fmt.Sprintf("fetched %d VMs", len(snapshot.VMs)))

			result, err := vcenter.NewUpserter(h.repo, vc.ID).UpsertAll(ctx, snapshot)
			if err != nil {
				return err
			}
			details[vc.Host] = asDetails(result)
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
		rt.SetDetails(details)
	}
	return details, firstErr
}

// rescheduleRefresh inserts the next refresh run. Failed refreshes reschedule
// too; a broken vCenter must not stall the loop forever.
func (h *Handlers) rescheduleRefresh(ctx context.Context, job *database.Job) {
	interval := defaultRefreshInterval
	if minutes, ok := job.TargetScope["interval_minutes"].(float64); ok && minutes > 0 {
		interval = time.Duration(minutes) * time.Minute
	}

	next := time.Now().UTC().Add(interval)
	_, err := h.repo.InsertJob(context.WithoutCancel(ctx), &database.Job{
		JobType:     JobTypeInventoryRefresh,
		TargetScope: job.TargetScope,
		ScheduleAt:  &next,
	})
	if err != nil {
		log.WithError(err).Error("Failed to reschedule inventory refresh")
		return
	}
	log.WithField("next_run", next.Format(time.RFC3339)).Debug("Inventory refresh rescheduled")
}

// HandleMaintenance drives one ESXi host into maintenance mode. A stalled
// evacuation fails the job with the blocker inventory in details and parks a
// retry after the operator wait window.
func (h *Handlers) HandleMaintenance(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
	vcenterID := scopeString(job.TargetScope, "vcenter_id")
	hostName := scopeString(job.TargetScope, "host_name")
	if vcenterID == "" || hostName == "" {
		return nil, fmt.Errorf("maintenance job requires vcenter_id and host_name")
	}

	opts := vcenter.DefaultEvacuationOptions()
	evacuator := vcenter.NewEvacuator(h.sessions, vcenterID)

	err := evacuator.EnterMaintenanceMode(ctx, hostName, opts, func(poweredOn, vmsBefore, activeTasks int) {
		rt.SetDetails(map[string]interface{}{
			"powered_on_vms": poweredOn,
			"vms_before":     vmsBefore,
			"active_tasks":   activeTasks,
		})
	})

	var stall *vcenter.StallError
	if errors.As(err, &stall) {
		details := asDetails(stall)
		if _, retry := job.TargetScope["no_retry"]; !retry {
			next := time.Now().UTC().Add(opts.OperatorWaitTimeout)
			scope := map[string]interface{}{
				"vcenter_id": vcenterID,
				"host_name":  hostName,
				"no_retry":   true,
			}
			if _, insertErr := h.repo.InsertJob(context.WithoutCancel(ctx), &database.Job{
				JobType:     JobTypeMaintenance,
				TargetScope: scope,
				ScheduleAt:  &next,
			}); insertErr != nil {
				log.WithError(insertErr).Warn("Failed to park maintenance retry")
			} else {
				details["retry_scheduled_at"] = next.Format(time.RFC3339)
			}
		}
		return details, err
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"host": hostName, "in_maintenance": true}, nil
}

// HandleReplication replicates every VM of a protection group to its target.
func (h *Handlers) HandleReplication(ctx context.Context, job *database.Job, rt *Runtime) (map[string]interface{}, error) {
	groupID := scopeString(job.TargetScope, "protection_group_id")
	if groupID == "" {
		return nil, fmt.Errorf("replication job requires protection_group_id")
	}

	group, err := h.repo.GetProtectionGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("protection group %s not found", groupID)
	}
	target, err := h.repo.GetReplicationTarget(ctx, group.ReplicationTargetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("replication target %s not found", group.ReplicationTargetID)
	}
	vms, err := h.repo.ListProtectedVMs(ctx, groupID)
	if err != nil {
		return nil, err
	}

	sshCreds, err := h.sshManager.GetCredentials(ctx, target, "")
	if err != nil {
		return nil, fmt.Errorf("no SSH path to replication appliance: %w", err)
	}
	engine := replication.NewEngine(replication.NewSSHRunner(sshCreds))

	succeeded, failed := 0, 0
	for i := range vms {
		if rt.Cancelled(ctx) {
			break
		}
		pv := &vms[i]

		err := rt.Tasks.Run(ctx, job.ID, nil, "replicate "+pv.VMName, func(ctx context.Context, update UpdateFunc) error {
			return h.replicateVM(ctx, engine, target, pv, update)
		})
		if err != nil {
			failed++
			msg := err.Error()
			h.patchProtectedVM(ctx, pv.ID, map[string]interface{}{"last_error": msg})
		} else {
			succeeded++
		}
		rt.SetDetails(map[string]interface{}{
			"vms_total":  len(vms),
			"succeeded":  succeeded,
			"failed":     failed,
			"current_vm": pv.VMName,
		})
	}

	details := map[string]interface{}{
		"vms_total": len(vms),
		"succeeded": succeeded,
		"failed":    failed,
	}
	if failed > 0 {
		return details, fmt.Errorf("%d of %d VMs failed to replicate", failed, len(vms))
	}
	return details, nil
}

// replicateVM runs one snapshot-send-verify cycle, recovering from a broken
// incremental chain by falling back to the newest common snapshot and, when
// none exists, re-seeding with a full send.
func (h *Handlers) replicateVM(ctx context.Context, engine *replication.Engine,
	target *database.ReplicationTarget, pv *database.ProtectedVM, update UpdateFunc) error {

	snapName := replication.NewSnapshotName(time.Now())
	if err := engine.CreateSnapshot(ctx, pv.SourceDataset, snapName); err != nil {
		return err
	}
	update(20, "snapshot "+snapName)

	// An incremental base is only usable when both ends still hold it; a
	// base the target lost would make zfs receive reject the stream.
	base := pv.LastSnapshot
	if base != "" {
		onSource, err := engine.CheckSnapshotExists(ctx, pv.SourceDataset, base, "")
		if err != nil {
			return err
		}
		onTarget := false
		if onSource {
			onTarget, err = engine.CheckSnapshotExists(ctx, pv.TargetDataset, base, target.Hostname)
			if err != nil {
				return err
			}
		}
		if !onSource || !onTarget {
			common, err := engine.FindCommonSnapshot(ctx, pv.SourceDataset, target.Hostname, pv.TargetDataset)
			if err != nil {
				return err
			}
			if common != "" {
				log.WithFields(log.Fields{
					"vm":     pv.VMName,
					"lost":   base,
					"common": common,
				}).Warn("Recorded base snapshot gone, recovering from newest common snapshot")
				base = common
			} else {
				log.WithField("vm", pv.VMName).Warn("No common snapshot remains, re-seeding target with a full send")
				if err := engine.DeleteAllSnapshots(ctx, pv.TargetDataset, target.Hostname); err != nil {
					return err
				}
				base = ""
			}
		}
	}
	update(40, "sending")

	result, err := engine.Replicate(ctx, pv.SourceDataset, snapName, target.Hostname, pv.TargetDataset, base, 0)
	if err != nil {
		return err
	}
	update(80, "verifying")

	if err := engine.VerifyOnTarget(ctx, target.Hostname, pv.TargetDataset, snapName, result.ExpectedBytes); err != nil {
		return err
	}

	h.patchProtectedVM(ctx, pv.ID, map[string]interface{}{
		"last_snapshot":      snapName,
		"last_replicated_at": time.Now().UTC(),
		"last_error":         nil,
	})
	return nil
}

func (h *Handlers) patchProtectedVM(ctx context.Context, id string, patch map[string]interface{}) {
	if err := h.repo.PatchProtectedVM(context.WithoutCancel(ctx), id, patch); err != nil {
		log.WithError(err).WithField("protected_vm", id).Warn("Failed to update protected VM state")
	}
}
