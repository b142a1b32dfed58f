package idrac

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// SystemInfo is the attribute set discovery and preflight read off one server.
type SystemInfo struct {
	Model        string  `json:"model"`
	Manufacturer string  `json:"manufacturer"`
	ServiceTag   string  `json:"service_tag"`
	SerialNumber string  `json:"serial_number"`
	BIOSVersion  string  `json:"bios_version"`
	Hostname     string  `json:"hostname"`
	PowerState   string  `json:"power_state"`
	Health       string  `json:"health"`
	MemoryGiB    float64 `json:"memory_gib"`
	CPUCount     int     `json:"cpu_count"`
	CPUModel     string  `json:"cpu_model"`
}

// GetSystemInfo reads the ComputerSystem resource. Success proves both
// connectivity and credentials, so preflight leans on this call first.
func (c *Client) GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	doc, err := c.get(ctx, systemPath)
	if err != nil {
		return nil, err
	}

	info := &SystemInfo{
		Model:        str(doc, "Model"),
		Manufacturer: str(doc, "Manufacturer"),
		ServiceTag:   str(doc, "SKU"),
		SerialNumber: str(doc, "SerialNumber"),
		BIOSVersion:  str(doc, "BiosVersion"),
		Hostname:     str(doc, "HostName"),
		PowerState:   str(doc, "PowerState"),
	}
	if status, ok := doc["Status"].(map[string]interface{}); ok {
		info.Health = str(status, "Health")
	}
	if mem, ok := doc["MemorySummary"].(map[string]interface{}); ok {
		if gib, ok := mem["TotalSystemMemoryGiB"].(float64); ok {
			info.MemoryGiB = gib
		}
	}
	if cpu, ok := doc["ProcessorSummary"].(map[string]interface{}); ok {
		if count, ok := cpu["Count"].(float64); ok {
			info.CPUCount = int(count)
		}
		info.CPUModel = str(cpu, "Model")
	}
	return info, nil
}

// GetHealth returns the rollup health of the system resource.
func (c *Client) GetHealth(ctx context.Context) (string, error) {
	info, err := c.GetSystemInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.Health == "" {
		return "Unknown", nil
	}
	return info.Health, nil
}

// LCStatus is the Lifecycle Controller remote-services readiness report.
type LCStatus struct {
	LCStatus     string `json:"lc_status"`
	Status       string `json:"status"`
	ServerStatus string `json:"server_status"`
	Ready        bool   `json:"ready"`
}

// GetLifecycleControllerStatus invokes the DellLCService readiness action.
func (c *Client) GetLifecycleControllerStatus(ctx context.Context) (*LCStatus, error) {
	const action = "/redfish/v1/Dell/Managers/iDRAC.Embedded.1/DellLCService/Actions/DellLCService.GetRemoteServicesAPIStatus"

	res, err := c.do(ctx, http.MethodPost, action, map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	doc := map[string]interface{}{}
	if err := decode(res.Body, &doc); err != nil {
		return nil, &ProtocolError{Endpoint: c.ip + action, Detail: "unreadable LC status reply"}
	}

	status := &LCStatus{
		LCStatus:     str(doc, "LCStatus"),
		Status:       str(doc, "Status"),
		ServerStatus: str(doc, "ServerStatus"),
	}
	status.Ready = strings.EqualFold(status.LCStatus, "Ready")
	return status, nil
}

// RedfishJob is one entry in the iDRAC job queue.
type RedfishJob struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	JobState        string `json:"job_state"`
	JobType         string `json:"job_type"`
	PercentComplete int    `json:"percent_complete"`
	Message         string `json:"message"`
}

// Job states that count as pending for preflight blocking.
var pendingJobStates = map[string]bool{
	"Scheduled":   true,
	"Running":     true,
	"New":         true,
	"Starting":    true,
	"Downloading": true,
	"Waiting":     true,
	"Pending":     true,
}

// GetJobQueue lists the iDRAC job queue.
func (c *Client) GetJobQueue(ctx context.Context) ([]RedfishJob, error) {
	doc, err := c.get(ctx, managerPath+"/Oem/Dell/Jobs?$expand=*($levels=1)")
	if err != nil {
		return nil, err
	}

	members, _ := doc["Members"].([]interface{})
	jobs := make([]RedfishJob, 0, len(members))
	for _, m := range members {
		entry, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		job := RedfishJob{
			ID:       str(entry, "Id"),
			Name:     str(entry, "Name"),
			JobState: str(entry, "JobState"),
			JobType:  str(entry, "JobType"),
			Message:  str(entry, "Message"),
		}
		if pct, ok := entry["PercentComplete"].(float64); ok {
			job.PercentComplete = int(pct)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PendingJobs filters the queue down to jobs that block maintenance work.
func (c *Client) PendingJobs(ctx context.Context) ([]RedfishJob, error) {
	jobs, err := c.GetJobQueue(ctx)
	if err != nil {
		return nil, err
	}
	pending := jobs[:0]
	for _, j := range jobs {
		if pendingJobStates[j.JobState] {
			pending = append(pending, j)
		}
	}
	return pending, nil
}

// Power reset types accepted by SetPowerState.
const (
	PowerOn               = "On"
	PowerForceOff         = "ForceOff"
	PowerGracefulShutdown = "GracefulShutdown"
	PowerGracefulRestart  = "GracefulRestart"
	PowerForceRestart     = "ForceRestart"
	PowerNmi              = "Nmi"
)

// SetPowerState issues a ComputerSystem.Reset action.
func (c *Client) SetPowerState(ctx context.Context, resetType string) error {
	_, err := c.do(ctx, http.MethodPost,
		systemPath+"/Actions/ComputerSystem.Reset",
		map[string]string{"ResetType": resetType})
	return err
}

// GetNetworkSettings reads the iDRAC NIC attribute registry entries.
func (c *Client) GetNetworkSettings(ctx context.Context) (map[string]interface{}, error) {
	doc, err := c.get(ctx, managerPath+"/Attributes")
	if err != nil {
		return nil, err
	}
	attrs, ok := doc["Attributes"].(map[string]interface{})
	if !ok {
		return nil, &ProtocolError{Endpoint: c.ip, Detail: "attribute registry missing Attributes"}
	}

	network := map[string]interface{}{}
	for k, v := range attrs {
		if strings.HasPrefix(k, "NIC.") || strings.HasPrefix(k, "IPv4.") ||
			strings.HasPrefix(k, "IPv6.") || strings.HasPrefix(k, "NICStatic.") ||
			strings.HasPrefix(k, "IPv4Static.") {
			network[k] = v
		}
	}
	return network, nil
}

// SetNetworkSettings patches iDRAC NIC attributes. The caller supplies the
// registry-keyed attribute map verbatim.
func (c *Client) SetNetworkSettings(ctx context.Context, attrs map[string]interface{}) error {
	if len(attrs) == 0 {
		return fmt.Errorf("no attributes to set")
	}
	_, err := c.do(ctx, http.MethodPatch, managerPath+"/Attributes",
		map[string]interface{}{"Attributes": attrs})
	return err
}

// GetBIOSAttributes reads the BIOS attribute registry.
func (c *Client) GetBIOSAttributes(ctx context.Context) (map[string]interface{}, error) {
	doc, err := c.get(ctx, systemPath+"/Bios")
	if err != nil {
		return nil, err
	}
	attrs, ok := doc["Attributes"].(map[string]interface{})
	if !ok {
		return nil, &ProtocolError{Endpoint: c.ip, Detail: "BIOS resource missing Attributes"}
	}
	return attrs, nil
}

// FirmwareComponent is one installed firmware image.
type FirmwareComponent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Updatable bool   `json:"updatable"`
}

// GetFirmwareInventory lists installed firmware versions.
func (c *Client) GetFirmwareInventory(ctx context.Context) ([]FirmwareComponent, error) {
	doc, err := c.get(ctx, "/redfish/v1/UpdateService/FirmwareInventory?$expand=*($levels=1)")
	if err != nil {
		return nil, err
	}

	members, _ := doc["Members"].([]interface{})
	var components []FirmwareComponent
	for _, m := range members {
		entry, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		id := str(entry, "Id")
		// Previous-bank images are noise for the UI.
		if strings.HasPrefix(id, "Previous") {
			continue
		}
		updatable, _ := entry["Updateable"].(bool)
		components = append(components, FirmwareComponent{
			ID:        id,
			Name:      str(entry, "Name"),
			Version:   str(entry, "Version"),
			Updatable: updatable,
		})
	}
	return components, nil
}

// BootEntry is one BIOS boot option in boot order.
type BootEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
	Index       int    `json:"index"`
}

// GetBootOrder lists boot options in configured order.
func (c *Client) GetBootOrder(ctx context.Context) ([]BootEntry, error) {
	doc, err := c.get(ctx, systemPath+"/BootOptions?$expand=*($levels=1)")
	if err != nil {
		return nil, err
	}

	members, _ := doc["Members"].([]interface{})
	entries := make([]BootEntry, 0, len(members))
	for i, m := range members {
		entry, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		enabled, _ := entry["BootOptionEnabled"].(bool)
		entries = append(entries, BootEntry{
			ID:          str(entry, "Id"),
			DisplayName: str(entry, "DisplayName"),
			Enabled:     enabled,
			Index:       i,
		})
	}
	return entries, nil
}

// KVMLaunchInfo carries what a browser needs to open the virtual console.
type KVMLaunchInfo struct {
	URL          string `json:"url"`
	TempUsername string `json:"temp_username,omitempty"`
	TempPassword string `json:"temp_password,omitempty"`
}

// GetKVMLaunchInfo requests a temporary console session from the iDRAC card
// service. Older firmware without the action still gets a plain console URL.
func (c *Client) GetKVMLaunchInfo(ctx context.Context) (*KVMLaunchInfo, error) {
	const action = "/redfish/v1/Dell/Managers/iDRAC.Embedded.1/DelliDRACCardService/Actions/DelliDRACCardService.GetKVMSession"

	res, err := c.do(ctx, http.MethodPost, action, map[string]interface{}{"SessionTypeName": "console"})
	if err != nil {
		if IsAuthError(err) || IsConnectivityError(err) {
			return nil, err
		}
		// Action unsupported; fall back to the bare console URL.
		return &KVMLaunchInfo{URL: "https://" + c.ip + "/console"}, nil
	}

	doc := map[string]interface{}{}
	if err := decode(res.Body, &doc); err != nil {
		return nil, &ProtocolError{Endpoint: c.ip + action, Detail: "unreadable KVM session reply"}
	}

	return &KVMLaunchInfo{
		URL:          "https://" + c.ip + "/console",
		TempUsername: str(doc, "TempUsername"),
		TempPassword: str(doc, "TempPassword"),
	}, nil
}

// TestRepoReach asks the software-installation service whether a firmware
// repository share is reachable from the iDRAC.
func (c *Client) TestRepoReach(ctx context.Context, shareType, ipAddress, shareName string) error {
	const action = "/redfish/v1/Dell/Systems/System.Embedded.1/DellSoftwareInstallationService/Actions/DellSoftwareInstallationService.TestNetworkShare"

	_, err := c.do(ctx, http.MethodPost, action, map[string]string{
		"ShareType": shareType,
		"IPAddress": ipAddress,
		"ShareName": shareName,
	})
	return err
}

// EventLogEntry is one SEL record.
type EventLogEntry struct {
	ID       string `json:"id"`
	Created  string `json:"created"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// GetEventLogs reads the system event log, newest first as iDRAC returns it.
func (c *Client) GetEventLogs(ctx context.Context) ([]EventLogEntry, error) {
	doc, err := c.get(ctx, managerPath+"/LogServices/Sel/Entries")
	if err != nil {
		return nil, err
	}

	members, _ := doc["Members"].([]interface{})
	entries := make([]EventLogEntry, 0, len(members))
	for _, m := range members {
		entry, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		entries = append(entries, EventLogEntry{
			ID:       str(entry, "Id"),
			Created:  str(entry, "Created"),
			Severity: str(entry, "Severity"),
			Message:  str(entry, "Message"),
		})
	}
	return entries, nil
}

func str(doc map[string]interface{}, key string) string {
	s, _ := doc[key].(string)
	return s
}
