// Package database provides all access to the external database service.
// Rows are exchanged as JSON over the service's REST surface; no SQL is
// spoken from this process.
package database

import (
	"encoding/json"
	"time"
)

// Job statuses. Transitions are monotonic: pending -> running -> terminal.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// IsTerminalJobStatus reports whether a job status admits no further transitions.
func IsTerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// Job is one work item in the jobs queue table.
type Job struct {
	ID               string                 `json:"id"`
	JobType          string                 `json:"job_type"`
	Status           string                 `json:"status"`
	TargetScope      map[string]interface{} `json:"target_scope,omitempty"`
	Details          map[string]interface{} `json:"details,omitempty"`
	CredentialSetIDs []string               `json:"credential_set_ids,omitempty"`
	ScheduleAt       *time.Time             `json:"schedule_at,omitempty"`
	ClaimedBy        *string                `json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time             `json:"claimed_at,omitempty"`
	ErrorMessage     *string                `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt        *time.Time             `json:"updated_at,omitempty"`
}

// Task is a user-visible sub-step of a job. Tasks are advisory for the UI and
// never gate job-level correctness.
type Task struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	ServerID    *string    `json:"server_id,omitempty"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Log         string     `json:"log,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Server is one managed iDRAC endpoint.
type Server struct {
	ID                          string     `json:"id"`
	IPAddress                   string     `json:"ip_address"`
	Hostname                    string     `json:"hostname,omitempty"`
	Model                       string     `json:"model,omitempty"`
	ServiceTag                  string     `json:"service_tag,omitempty"`
	CredentialSetID             *string    `json:"credential_set_id,omitempty"`
	DiscoveredByCredentialSetID *string    `json:"discovered_by_credential_set_id,omitempty"`
	IdracUsername               string     `json:"idrac_username,omitempty"`
	IdracPasswordEncrypted      string     `json:"idrac_password_encrypted,omitempty"`
	VCenterHostID               *string    `json:"vcenter_host_id,omitempty"`
	PowerState                  string     `json:"power_state,omitempty"`
	HealthStatus                string     `json:"health_status,omitempty"`
	LastSeenAt                  *time.Time `json:"last_seen_at,omitempty"`
}

// CredentialSet is a named iDRAC/ESXi credential with a chain priority.
type CredentialSet struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Username          string `json:"username"`
	PasswordEncrypted string `json:"password_encrypted"`
	Priority          int    `json:"priority"`
	CredentialType    string `json:"credential_type"`
	IsDefault         bool   `json:"is_default"`
}

// CredentialIPRange binds a credential set to a CIDR, an A-B inclusive range,
// or a single IP.
type CredentialIPRange struct {
	ID              string `json:"id"`
	CredentialSetID string `json:"credential_set_id"`
	Range           string `json:"ip_range"`
	Priority        int    `json:"priority"`
}

// VCenter is one registered vCenter endpoint with its service credentials.
type VCenter struct {
	ID                string `json:"id"`
	Host              string `json:"host"`
	Username          string `json:"username"`
	PasswordEncrypted string `json:"password_encrypted,omitempty"`
	Datacenter        string `json:"datacenter,omitempty"`
}

// ReplicationTarget names a remote ZFS pool reachable over SSH.
type ReplicationTarget struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Hostname         string  `json:"hostname"`
	Port             int     `json:"port,omitempty"`
	Username         string  `json:"username,omitempty"`
	Pool             string  `json:"pool"`
	SSHKeyEncrypted  string  `json:"ssh_key_encrypted,omitempty"`
	SSHKeyID         *string `json:"ssh_key_id,omitempty"`
	HostingVMID      *string `json:"hosting_vm_id,omitempty"`
	SourceTemplateID *string `json:"source_template_id,omitempty"`
	VCenterHostID    *string `json:"vcenter_host_id,omitempty"`
	DRVCenterHostID  *string `json:"dr_vcenter_host_id,omitempty"`
	DRDatastore      string  `json:"dr_datastore,omitempty"`
}

// ProtectionGroup binds a replication target to a set of VMs and a schedule.
type ProtectionGroup struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	ReplicationTargetID string `json:"replication_target_id"`
	ScheduleCron        string `json:"schedule_cron,omitempty"`
	Enabled             bool   `json:"enabled"`
	SkipIfRunning       bool   `json:"skip_if_running"`
}

// ProtectedVM tracks replication state for one VM in a protection group.
type ProtectedVM struct {
	ID                string     `json:"id"`
	ProtectionGroupID string     `json:"protection_group_id"`
	VMID              string     `json:"vm_id"`
	VMName            string     `json:"vm_name"`
	SourceDataset     string     `json:"source_dataset"`
	TargetDataset     string     `json:"target_dataset"`
	CurrentDatastore  string     `json:"current_datastore,omitempty"`
	LastSnapshot      string     `json:"last_snapshot,omitempty"`
	LastReplicatedAt  *time.Time `json:"last_replicated_at,omitempty"`
	DRShellCreated    bool       `json:"dr_shell_created"`
	DRShellVMName     string     `json:"dr_shell_vm_name,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
}

// SSHKey is a stored SSH private key usable for ZFS host access.
type SSHKey struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	PrivateKeyEncrypted string `json:"private_key_encrypted"`
	Status              string `json:"status"`
}

// SSHDeployment records a key deployed to a target host.
type SSHDeployment struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	SSHKeyID string `json:"ssh_key_id"`
	Status   string `json:"status"`
}

// VMTemplate is an appliance template that may carry an SSH key.
type VMTemplate struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	VMName        string  `json:"vm_name,omitempty"`
	SSHKeyID      *string `json:"ssh_key_id,omitempty"`
	VCenterHostID *string `json:"vcenter_host_id,omitempty"`
}

// Inventory rows (C9 upsert targets). Each carries both its vendor-assigned
// managed-object id and a stable local id; upserts key on the MoRef scoped by
// source vCenter.

// Cluster is a vSphere compute cluster inventory row.
type Cluster struct {
	ID            string `json:"id,omitempty"`
	VCenterHostID string `json:"vcenter_host_id"`
	MoRef         string `json:"moref"`
	Name          string `json:"name"`
	HostCount     int    `json:"host_count"`
	DRSEnabled    bool   `json:"drs_enabled"`
	HAEnabled     bool   `json:"ha_enabled"`
}

// Host is an ESXi host inventory row.
type Host struct {
	ID                string  `json:"id,omitempty"`
	VCenterHostID     string  `json:"vcenter_host_id"`
	MoRef             string  `json:"moref"`
	Name              string  `json:"name"`
	ClusterName       string  `json:"cluster_name,omitempty"`
	SerialNumber      string  `json:"serial_number,omitempty"`
	ConnectionState   string  `json:"connection_state,omitempty"`
	PowerState        string  `json:"power_state,omitempty"`
	InMaintenanceMode bool    `json:"in_maintenance_mode"`
	ServerID          *string `json:"server_id,omitempty"`
	CPUCores          int     `json:"cpu_cores,omitempty"`
	MemoryMB          int64   `json:"memory_mb,omitempty"`
	Version           string  `json:"version,omitempty"`
}

// VirtualMachine is a VM inventory row.
type VirtualMachine struct {
	ID            string `json:"id,omitempty"`
	VCenterHostID string `json:"vcenter_host_id"`
	MoRef         string `json:"moref"`
	Name          string `json:"name"`
	HostName      string `json:"host_name,omitempty"`
	ClusterName   string `json:"cluster_name,omitempty"`
	PowerState    string `json:"power_state,omitempty"`
	GuestOS       string `json:"guest_os,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	NumCPU        int    `json:"num_cpu,omitempty"`
	MemoryMB      int    `json:"memory_mb,omitempty"`
	Datastore     string `json:"datastore,omitempty"`
	ToolsStatus   string `json:"tools_status,omitempty"`
}

// Datastore is a datastore inventory row.
type Datastore struct {
	ID            string `json:"id,omitempty"`
	VCenterHostID string `json:"vcenter_host_id"`
	MoRef         string `json:"moref"`
	Name          string `json:"name"`
	Type          string `json:"type,omitempty"`
	CapacityGB    int64  `json:"capacity_gb"`
	FreeGB        int64  `json:"free_gb"`
	Accessible    bool   `json:"accessible"`
	HostCount     int    `json:"host_count"`
}

// Network types stored on network inventory rows.
const (
	NetworkTypeStandard    = "StandardNetwork"
	NetworkTypeDistributed = "DistributedVirtualPortgroup"
)

// Network is a network inventory row covering both standard port groups and
// distributed virtual portgroups.
type Network struct {
	ID              string `json:"id,omitempty"`
	VCenterHostID   string `json:"vcenter_host_id"`
	MoRef           string `json:"moref"`
	Name            string `json:"name"`
	NetworkType     string `json:"network_type"`
	VlanID          int    `json:"vlan_id,omitempty"`
	VlanType        string `json:"vlan_type,omitempty"`
	VlanRange       string `json:"vlan_range,omitempty"`
	UplinkPortGroup bool   `json:"uplink_port_group"`
	SwitchName      string `json:"switch_name,omitempty"`
	HostCount       int    `json:"host_count"`
	VMCount         int    `json:"vm_count"`
}

// Alarm is a triggered-alarm inventory row.
type Alarm struct {
	ID            string    `json:"id,omitempty"`
	VCenterHostID string    `json:"vcenter_host_id"`
	EntityMoRef   string    `json:"entity_moref"`
	EntityName    string    `json:"entity_name,omitempty"`
	AlarmName     string    `json:"alarm_name"`
	Status        string    `json:"status"`
	TriggeredAt   time.Time `json:"triggered_at"`
}

// Operation types recorded on command-history rows.
const (
	OperationTypeIdracAPI   = "idrac_api"
	OperationTypeVCenterAPI = "vcenter_api"
	OperationTypeIDMAPI     = "idm_api"
)

// IdracCommandLog is one row per observable external call. Request and
// response bodies must never contain raw credentials; senders pass
// placeholders.
type IdracCommandLog struct {
	ID            string     `json:"id,omitempty"`
	Endpoint      string     `json:"endpoint"`
	Method        string     `json:"method"`
	RequestBody   string     `json:"request_body,omitempty"`
	ResponseBody  string     `json:"response_body,omitempty"`
	StatusCode    int        `json:"status_code"`
	ElapsedMs     int64      `json:"elapsed_ms"`
	OperationType string     `json:"operation_type"`
	Success       bool       `json:"success"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	JobID         *string    `json:"job_id,omitempty"`
	TaskID        *string    `json:"task_id,omitempty"`
	ServerID      *string    `json:"server_id,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// ActivitySettings is the runtime-tunables row read at startup and before
// discovery runs.
type ActivitySettings struct {
	ID                  string `json:"id,omitempty"`
	DiscoveryMaxThreads int    `json:"discovery_max_threads,omitempty"`
	EncryptionKey       string `json:"encryption_key,omitempty"`
}

// GlobalSSHSettings is the process-wide SSH fallback row (step 6 of the SSH
// credential chain).
type GlobalSSHSettings struct {
	ID                string `json:"id,omitempty"`
	Username          string `json:"username,omitempty"`
	Port              int    `json:"port,omitempty"`
	KeyDataEncrypted  string `json:"key_data_encrypted,omitempty"`
	KeyPath           string `json:"key_path,omitempty"`
	PasswordEncrypted string `json:"password_encrypted,omitempty"`
}

// RawRows decodes a raw REST payload into a slice of the given row type.
func RawRows[T any](raw json.RawMessage) ([]T, error) {
	var rows []T
	if len(raw) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
