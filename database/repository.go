package database

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Repository wraps the REST gateway with typed row access for the tables the
// executor reads and writes. Lookups the hot paths need are kept to single
// round trips.
type Repository struct {
	client *Client
}

// NewRepository creates a typed repository over the persistence gateway.
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// Client exposes the underlying gateway for callers that need raw access
// (activity logger, upserter bulk paths).
func (r *Repository) Client() *Client {
	return r.client
}

func filterEq(column, value string) url.Values {
	q := url.Values{}
	q.Set(column, "eq."+value)
	return q
}

func selectRows[T any](ctx context.Context, c *Client, table string, query url.Values) ([]T, error) {
	raw, err := c.Select(ctx, table, query)
	if err != nil {
		return nil, err
	}
	rows, err := RawRows[T](raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

func selectOne[T any](ctx context.Context, c *Client, table string, query url.Values) (*T, error) {
	query.Set("limit", "1")
	rows, err := selectRows[T](ctx, c, table, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// PendingJobs returns pending jobs whose schedule_at is unset or due, oldest
// first.
func (r *Repository) PendingJobs(ctx context.Context) ([]Job, error) {
	q := url.Values{}
	q.Set("status", "eq."+JobStatusPending)
	q.Set("order", "created_at")
	jobs, err := selectRows[Job](ctx, r.client, "jobs", q)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	due := jobs[:0]
	for _, j := range jobs {
		if j.ScheduleAt == nil || !j.ScheduleAt.After(now) {
			due = append(due, j)
		}
	}
	return due, nil
}

// ActiveJobsByType returns pending and running jobs of one type. Used by
// skip-if-running schedule triggers.
func (r *Repository) ActiveJobsByType(ctx context.Context, jobType string) ([]Job, error) {
	q := url.Values{}
	q.Set("job_type", "eq."+jobType)
	q.Set("status", "in.("+JobStatusPending+","+JobStatusRunning+")")
	return selectRows[Job](ctx, r.client, "jobs", q)
}

// ClaimJob transitions a pending job to running with an advisory claim. The
// patch filters on status=pending so two executors cannot both win; the
// returned flag reports whether this process took the job.
func (r *Repository) ClaimJob(ctx context.Context, jobID, claimedBy string) (bool, error) {
	now := time.Now().UTC()
	filter := filterEq("id", jobID)
	filter.Set("status", "eq."+JobStatusPending)

	raw, err := r.client.Patch(ctx, "jobs", filter, map[string]interface{}{
		"status":     JobStatusRunning,
		"started_at": now,
		"claimed_by": claimedBy,
		"claimed_at": now,
	})
	if err != nil {
		return false, err
	}

	rows, err := RawRows[Job](raw)
	if err != nil {
		return false, fmt.Errorf("failed to decode claim result: %w", err)
	}
	return len(rows) == 1, nil
}

// GetJob fetches one job row.
func (r *Repository) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return selectOne[Job](ctx, r.client, "jobs", filterEq("id", jobID))
}

// IsJobCancelled reports whether the job has been cancelled externally.
// Handlers call this between sub-steps; a read failure is treated as
// not-cancelled so transient database blips do not abort long work.
func (r *Repository) IsJobCancelled(ctx context.Context, jobID string) bool {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		logQueryFailure("jobs", err)
		return false
	}
	return job != nil && job.Status == JobStatusCancelled
}

// CompleteJob writes a terminal status with completed_at and the final
// details bag.
func (r *Repository) CompleteJob(ctx context.Context, jobID, status string, details map[string]interface{}, jobErr error) error {
	if !IsTerminalJobStatus(status) {
		return fmt.Errorf("status %s is not terminal", status)
	}

	patch := map[string]interface{}{
		"status":       status,
		"completed_at": time.Now().UTC(),
	}
	if details != nil {
		patch["details"] = details
	}
	if jobErr != nil {
		patch["error_message"] = jobErr.Error()
	}

	_, err := r.client.Patch(ctx, "jobs", filterEq("id", jobID), patch)
	return err
}

// UpdateJobDetails mirrors handler progress into the job row so the UI sees
// movement during long operations.
func (r *Repository) UpdateJobDetails(ctx context.Context, jobID string, details map[string]interface{}) error {
	_, err := r.client.Patch(ctx, "jobs", filterEq("id", jobID), map[string]interface{}{
		"details":    details,
		"updated_at": time.Now().UTC(),
	})
	return err
}

// InsertJob creates a fresh job row. Used by self-rescheduling handlers and
// the group scheduler.
func (r *Repository) InsertJob(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	job.CreatedAt = time.Now().UTC()

	_, err := r.client.Insert(ctx, "jobs", job, false)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// RecoverStaleJobs marks running jobs with no update inside the cutoff as
// failed. Called once at startup so a crashed executor does not leave
// phantom running rows behind.
func (r *Repository) RecoverStaleJobs(ctx context.Context, claimedBy string, cutoff time.Duration) (int, error) {
	threshold := time.Now().UTC().Add(-cutoff)

	filter := url.Values{}
	filter.Set("status", "eq."+JobStatusRunning)
	filter.Set("updated_at", "lt."+threshold.Format(time.RFC3339))

	raw, err := r.client.Patch(ctx, "jobs", filter, map[string]interface{}{
		"status":        JobStatusFailed,
		"completed_at":  time.Now().UTC(),
		"error_message": fmt.Sprintf("recovered as stale by %s: no progress for %s", claimedBy, cutoff),
	})
	if err != nil {
		return 0, err
	}

	rows, err := RawRows[Job](raw)
	if err != nil {
		return 0, err
	}
	for _, j := range rows {
		log.WithFields(log.Fields{"job_id": j.ID, "job_type": j.JobType}).Warn("Recovered stale running job")
	}
	return len(rows), nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask fans out a new task row under a job.
func (r *Repository) CreateTask(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = JobStatusRunning
	}
	task.CreatedAt = time.Now().UTC()

	_, err := r.client.Insert(ctx, "tasks", task, false)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// UpdateTask patches task progress and the most recent log line.
func (r *Repository) UpdateTask(ctx context.Context, taskID string, progress int, logLine string) error {
	_, err := r.client.Patch(ctx, "tasks", filterEq("id", taskID), map[string]interface{}{
		"progress": progress,
		"log":      logLine,
	})
	return err
}

// CompleteTask writes a terminal task status with a final log line.
func (r *Repository) CompleteTask(ctx context.Context, taskID, status, logLine string) error {
	patch := map[string]interface{}{
		"status":       status,
		"log":          logLine,
		"completed_at": time.Now().UTC(),
	}
	if status == JobStatusCompleted {
		patch["progress"] = 100
	}
	_, err := r.client.Patch(ctx, "tasks", filterEq("id", taskID), patch)
	return err
}

// CancelRunningTasks marks every running task of a job cancelled with a
// terminal log line. Used when a handler observes external cancellation.
func (r *Repository) CancelRunningTasks(ctx context.Context, jobID string) error {
	filter := filterEq("job_id", jobID)
	filter.Set("status", "eq."+JobStatusRunning)
	_, err := r.client.Patch(ctx, "tasks", filter, map[string]interface{}{
		"status":       JobStatusCancelled,
		"log":          "cancelled by operator",
		"completed_at": time.Now().UTC(),
	})
	return err
}

// ---------------------------------------------------------------------------
// Servers
// ---------------------------------------------------------------------------

// GetServer fetches one server row by id.
func (r *Repository) GetServer(ctx context.Context, serverID string) (*Server, error) {
	return selectOne[Server](ctx, r.client, "servers", filterEq("id", serverID))
}

// GetServerByIP fetches a server row by its iDRAC IP.
func (r *Repository) GetServerByIP(ctx context.Context, ip string) (*Server, error) {
	return selectOne[Server](ctx, r.client, "servers", filterEq("ip_address", ip))
}

// ListServers returns servers matching the given ids, or all servers when ids
// is empty.
func (r *Repository) ListServers(ctx context.Context, ids []string) ([]Server, error) {
	q := url.Values{}
	if len(ids) > 0 {
		q.Set("id", "in.("+joinCSV(ids)+")")
	}
	q.Set("order", "ip_address")
	return selectRows[Server](ctx, r.client, "servers", q)
}

// ListServersByVCenter returns servers already linked to a vCenter host.
func (r *Repository) ListServersByVCenter(ctx context.Context, vcenterID string) ([]Server, error) {
	return selectRows[Server](ctx, r.client, "servers", filterEq("vcenter_host_id", vcenterID))
}

// UpsertServer writes a server row keyed on ip_address.
func (r *Repository) UpsertServer(ctx context.Context, server *Server) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	return r.client.Upsert(ctx, "servers", []*Server{server}, "ip_address")
}

// PatchServer applies a partial update to one server row.
func (r *Repository) PatchServer(ctx context.Context, serverID string, patch map[string]interface{}) error {
	_, err := r.client.Patch(ctx, "servers", filterEq("id", serverID), patch)
	return err
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// GetCredentialSet fetches one credential set by id.
func (r *Repository) GetCredentialSet(ctx context.Context, id string) (*CredentialSet, error) {
	return selectOne[CredentialSet](ctx, r.client, "credential_sets", filterEq("id", id))
}

// ListCredentialSets returns sets of a type ordered by priority ascending.
func (r *Repository) ListCredentialSets(ctx context.Context, credentialType string) ([]CredentialSet, error) {
	q := url.Values{}
	if credentialType != "" {
		q.Set("credential_type", "eq."+credentialType)
	}
	q.Set("order", "priority")
	return selectRows[CredentialSet](ctx, r.client, "credential_sets", q)
}

// ListCredentialSetsByIDs fetches specific sets preserving priority order.
func (r *Repository) ListCredentialSetsByIDs(ctx context.Context, ids []string) ([]CredentialSet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("id", "in.("+joinCSV(ids)+")")
	q.Set("order", "priority")
	return selectRows[CredentialSet](ctx, r.client, "credential_sets", q)
}

// ListCredentialIPRanges returns IP-range mappings ordered by priority.
func (r *Repository) ListCredentialIPRanges(ctx context.Context) ([]CredentialIPRange, error) {
	q := url.Values{}
	q.Set("order", "priority")
	return selectRows[CredentialIPRange](ctx, r.client, "credential_ip_ranges", q)
}

// GetActivitySettings reads the runtime-tunables row.
func (r *Repository) GetActivitySettings(ctx context.Context) (*ActivitySettings, error) {
	return selectOne[ActivitySettings](ctx, r.client, "activity_settings", url.Values{})
}

// GetGlobalSSHSettings reads the process-wide SSH fallback row.
func (r *Repository) GetGlobalSSHSettings(ctx context.Context) (*GlobalSSHSettings, error) {
	return selectOne[GlobalSSHSettings](ctx, r.client, "ssh_settings", url.Values{})
}

// GetSSHKey fetches one stored SSH key.
func (r *Repository) GetSSHKey(ctx context.Context, id string) (*SSHKey, error) {
	return selectOne[SSHKey](ctx, r.client, "ssh_keys", filterEq("id", id))
}

// ListSSHDeployments returns deployment rows for a target, any status.
func (r *Repository) ListSSHDeployments(ctx context.Context, targetID string) ([]SSHDeployment, error) {
	return selectRows[SSHDeployment](ctx, r.client, "ssh_deployments", filterEq("target_id", targetID))
}

// GetVMTemplate fetches one template row.
func (r *Repository) GetVMTemplate(ctx context.Context, id string) (*VMTemplate, error) {
	return selectOne[VMTemplate](ctx, r.client, "vm_templates", filterEq("id", id))
}

// ListVMTemplates returns templates, optionally scoped to a source vCenter.
func (r *Repository) ListVMTemplates(ctx context.Context, vcenterID string) ([]VMTemplate, error) {
	q := url.Values{}
	if vcenterID != "" {
		q.Set("vcenter_host_id", "eq."+vcenterID)
	}
	return selectRows[VMTemplate](ctx, r.client, "vm_templates", q)
}

// ---------------------------------------------------------------------------
// vCenters and inventory
// ---------------------------------------------------------------------------

// GetVCenter fetches one vCenter settings row.
func (r *Repository) GetVCenter(ctx context.Context, id string) (*VCenter, error) {
	return selectOne[VCenter](ctx, r.client, "vcenter_hosts", filterEq("id", id))
}

// ListVCenters returns all registered vCenters.
func (r *Repository) ListVCenters(ctx context.Context) ([]VCenter, error) {
	return selectRows[VCenter](ctx, r.client, "vcenter_hosts", url.Values{})
}

// GetInventoryVM fetches one VM inventory row by local id.
func (r *Repository) GetInventoryVM(ctx context.Context, id string) (*VirtualMachine, error) {
	return selectOne[VirtualMachine](ctx, r.client, "vms", filterEq("id", id))
}

// ListInventoryVMs returns the VM rows for a source vCenter.
func (r *Repository) ListInventoryVMs(ctx context.Context, vcenterID string) ([]VirtualMachine, error) {
	return selectRows[VirtualMachine](ctx, r.client, "vms", filterEq("vcenter_host_id", vcenterID))
}

// ListInventoryHosts returns the host rows for a source vCenter.
func (r *Repository) ListInventoryHosts(ctx context.Context, vcenterID string) ([]Host, error) {
	return selectRows[Host](ctx, r.client, "hosts", filterEq("vcenter_host_id", vcenterID))
}

// GetInventoryHost fetches one host inventory row by local id.
func (r *Repository) GetInventoryHost(ctx context.Context, id string) (*Host, error) {
	return selectOne[Host](ctx, r.client, "hosts", filterEq("id", id))
}

// ---------------------------------------------------------------------------
// Replication entities
// ---------------------------------------------------------------------------

// GetReplicationTarget fetches one replication target.
func (r *Repository) GetReplicationTarget(ctx context.Context, id string) (*ReplicationTarget, error) {
	return selectOne[ReplicationTarget](ctx, r.client, "replication_targets", filterEq("id", id))
}

// ListReplicationTargets returns all replication targets.
func (r *Repository) ListReplicationTargets(ctx context.Context) ([]ReplicationTarget, error) {
	return selectRows[ReplicationTarget](ctx, r.client, "replication_targets", url.Values{})
}

// InsertReplicationTarget creates a target row.
func (r *Repository) InsertReplicationTarget(ctx context.Context, t *ReplicationTarget) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := r.client.Insert(ctx, "replication_targets", t, false)
	return t.ID, err
}

// DeleteReplicationTarget removes a target row.
func (r *Repository) DeleteReplicationTarget(ctx context.Context, id string) error {
	return r.client.Delete(ctx, "replication_targets", filterEq("id", id))
}

// GetProtectionGroup fetches one protection group.
func (r *Repository) GetProtectionGroup(ctx context.Context, id string) (*ProtectionGroup, error) {
	return selectOne[ProtectionGroup](ctx, r.client, "protection_groups", filterEq("id", id))
}

// ListProtectionGroups returns groups, optionally only enabled ones.
func (r *Repository) ListProtectionGroups(ctx context.Context, enabledOnly bool) ([]ProtectionGroup, error) {
	q := url.Values{}
	if enabledOnly {
		q.Set("enabled", "eq.true")
	}
	return selectRows[ProtectionGroup](ctx, r.client, "protection_groups", q)
}

// InsertProtectionGroup creates a group row.
func (r *Repository) InsertProtectionGroup(ctx context.Context, g *ProtectionGroup) (string, error) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	_, err := r.client.Insert(ctx, "protection_groups", g, false)
	return g.ID, err
}

// PatchProtectionGroup applies a partial update to a group row.
func (r *Repository) PatchProtectionGroup(ctx context.Context, id string, patch map[string]interface{}) error {
	_, err := r.client.Patch(ctx, "protection_groups", filterEq("id", id), patch)
	return err
}

// DeleteProtectionGroup removes a group row.
func (r *Repository) DeleteProtectionGroup(ctx context.Context, id string) error {
	return r.client.Delete(ctx, "protection_groups", filterEq("id", id))
}

// GetProtectedVM fetches one protected VM row.
func (r *Repository) GetProtectedVM(ctx context.Context, id string) (*ProtectedVM, error) {
	return selectOne[ProtectedVM](ctx, r.client, "protected_vms", filterEq("id", id))
}

// ListProtectedVMs returns the protected VMs of a group.
func (r *Repository) ListProtectedVMs(ctx context.Context, groupID string) ([]ProtectedVM, error) {
	return selectRows[ProtectedVM](ctx, r.client, "protected_vms", filterEq("protection_group_id", groupID))
}

// InsertProtectedVM creates a protected VM row.
func (r *Repository) InsertProtectedVM(ctx context.Context, pv *ProtectedVM) (string, error) {
	if pv.ID == "" {
		pv.ID = uuid.New().String()
	}
	_, err := r.client.Insert(ctx, "protected_vms", pv, false)
	return pv.ID, err
}

// PatchProtectedVM applies a partial update to a protected VM row.
func (r *Repository) PatchProtectedVM(ctx context.Context, id string, patch map[string]interface{}) error {
	_, err := r.client.Patch(ctx, "protected_vms", filterEq("id", id), patch)
	return err
}

// DeleteProtectedVM removes a protected VM row.
func (r *Repository) DeleteProtectedVM(ctx context.Context, id string) error {
	return r.client.Delete(ctx, "protected_vms", filterEq("id", id))
}

// ---------------------------------------------------------------------------

func joinCSV(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// DetailsFrom converts a typed details payload into the open map shape the
// jobs table stores. Handlers keep typed structs internally and mirror them
// out through this helper.
func DetailsFrom(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
