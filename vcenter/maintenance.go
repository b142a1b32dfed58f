package vcenter

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// Evacuation tunables. The absolute timeout is a moving fence: every observed
// progress pushes it out again, so only a genuinely dead evacuation hits it.
type EvacuationOptions struct {
	ProgressCheckInterval time.Duration
	StallTimeout          time.Duration
	OperatorWaitTimeout   time.Duration
	Timeout               time.Duration
}

// DefaultEvacuationOptions returns the production tunables.
func DefaultEvacuationOptions() EvacuationOptions {
	return EvacuationOptions{
		ProgressCheckInterval: 30 * time.Second,
		StallTimeout:          5 * time.Minute,
		OperatorWaitTimeout:   15 * time.Minute,
		Timeout:               60 * time.Minute,
	}
}

// EvacuationSample is one observation of the host during evacuation.
type EvacuationSample struct {
	PoweredOnVMs      int
	MigrationTaskIDs  []string
	InMaintenanceMode bool
}

// Blocker explains why a VM cannot leave the host.
type Blocker struct {
	VMName string `json:"vm_name"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Blocker types recognised by the inspection pass.
const (
	BlockerVCSA         = "vcsa"
	BlockerLocalStorage = "local_storage"
	BlockerPassthrough  = "passthrough"
	BlockerRemovable    = "removable_media"
	BlockerCPUAffinity  = "cpu_affinity"
	BlockerAntiAffinity = "anti_affinity"
	BlockerHeadroom     = "insufficient_headroom"
)

// StallError reports an evacuation that stopped making progress, with the
// per-VM blockers captured before failing.
type StallError struct {
	Host         string    `json:"host"`
	RemainingVMs int       `json:"remaining_vms"`
	Blockers     []Blocker `json:"blockers"`
}

func (e *StallError) Error() string {
	return fmt.Sprintf("evacuation of %s stalled with %d VMs remaining (%d blockers identified)",
		e.Host, e.RemainingVMs, len(e.Blockers))
}

// evacuationTracker is the progress bookkeeping: two clocks, one for stall
// detection and one absolute, the latter extended on every progress event.
type evacuationTracker struct {
	opts EvacuationOptions

	vmsBefore        int
	lastVMCount      int
	lastProgressTime time.Time
	lastTasks        map[string]struct{}
	deadline         time.Time
}

func newEvacuationTracker(opts EvacuationOptions, initialVMs int, now time.Time) *evacuationTracker {
	return &evacuationTracker{
		opts:             opts,
		vmsBefore:        initialVMs,
		lastVMCount:      initialVMs,
		lastProgressTime: now,
		lastTasks:        map[string]struct{}{},
		deadline:         now.Add(opts.Timeout),
	}
}

// evacuationVerdict is the outcome of one observation.
type evacuationVerdict int

const (
	verdictContinue evacuationVerdict = iota
	verdictDone
	verdictStalled
	verdictTimedOut
)

// observe folds one sample into the tracker. Entering maintenance mode
// short-circuits to done regardless of any stall bookkeeping.
func (t *evacuationTracker) observe(s EvacuationSample, now time.Time) evacuationVerdict {
	if s.InMaintenanceMode {
		return verdictDone
	}

	progressed := false
	if s.PoweredOnVMs < t.lastVMCount {
		progressed = true
	}
	if len(s.MigrationTaskIDs) > 0 {
		progressed = true
	}

	tasks := make(map[string]struct{}, len(s.MigrationTaskIDs))
	for _, id := range s.MigrationTaskIDs {
		tasks[id] = struct{}{}
	}
	t.lastTasks = tasks
	t.lastVMCount = s.PoweredOnVMs

	if progressed {
		t.lastProgressTime = now
		t.deadline = now.Add(t.opts.Timeout)
	}

	if now.After(t.deadline) {
		return verdictTimedOut
	}

	if now.Sub(t.lastProgressTime) > t.opts.StallTimeout &&
		len(s.MigrationTaskIDs) == 0 &&
		t.lastVMCount > 0 {
		return verdictStalled
	}
	return verdictContinue
}

// evacuationSampler abstracts the vCenter observation for the drive loop.
type evacuationSampler interface {
	Sample(ctx context.Context) (*EvacuationSample, error)
}

// Evacuator drives ESXi hosts in and out of maintenance mode.
type Evacuator struct {
	sessions  *SessionManager
	vcenterID string
}

// NewEvacuator creates an evacuator for one vCenter.
func NewEvacuator(sessions *SessionManager, vcenterID string) *Evacuator {
	return &Evacuator{sessions: sessions, vcenterID: vcenterID}
}

// ProgressFunc receives the tracker's view after every sample.
type ProgressFunc func(poweredOn, vmsBefore int, activeTasks int)

// EnterMaintenanceMode evacuates a host and waits for maintenance mode.
// NotAuthenticated faults retry through a fresh session up to two times.
func (e *Evacuator) EnterMaintenanceMode(ctx context.Context, hostName string, opts EvacuationOptions, progress ProgressFunc) error {
	return e.sessions.WithSessionRetry(ctx, e.vcenterID, func(session *Session) error {
		host, err := findHost(ctx, session, hostName)
		if err != nil {
			return err
		}

		sampler := &vsphereSampler{session: session, host: host}
		first, err := sampler.Sample(ctx)
		if err != nil {
			return err
		}
		if first.InMaintenanceMode {
			log.WithField("host", hostName).Info("Host already in maintenance mode")
			return nil
		}

		log.WithFields(log.Fields{
			"host":       hostName,
			"powered_on": first.PoweredOnVMs,
		}).Info("🔧 Starting host evacuation")

		// Fire the vSphere task; completion is observed through sampling so a
		// DRS-driven drain reports progress on the way.
		task, err := host.EnterMaintenanceMode(ctx, 0, true, nil)
		if err != nil {
			return fmt.Errorf("failed to start maintenance mode on %s: %w", hostName, err)
		}
		go func() {
			if err := task.Wait(context.Background()); err != nil {
				log.WithError(err).WithField("host", hostName).Debug("Maintenance task wait ended")
			}
		}()

		return e.drive(ctx, sampler, hostName, first.PoweredOnVMs, opts, progress)
	})
}

func (e *Evacuator) drive(ctx context.Context, sampler evacuationSampler, hostName string, initialVMs int, opts EvacuationOptions, progress ProgressFunc) error {
	tracker := newEvacuationTracker(opts, initialVMs, time.Now())

	ticker := time.NewTicker(opts.ProgressCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sample, err := sampler.Sample(ctx)
		if err != nil {
			return err
		}

		verdict := tracker.observe(*sample, time.Now())
		if progress != nil {
			progress(sample.PoweredOnVMs, tracker.vmsBefore, len(sample.MigrationTaskIDs))
		}

		switch verdict {
		case verdictDone:
			log.WithField("host", hostName).Info("✅ Host entered maintenance mode")
			return nil
		case verdictStalled, verdictTimedOut:
			blockers := e.inspectBlockers(ctx, sampler)
			if verdict == verdictTimedOut {
				log.WithField("host", hostName).Error("Evacuation hit absolute timeout")
			} else {
				log.WithFields(log.Fields{
					"host":       hostName,
					"powered_on": sample.PoweredOnVMs,
					"blockers":   len(blockers),
				}).Warn("Evacuation stalled")
			}
			return &StallError{
				Host:         hostName,
				RemainingVMs: sample.PoweredOnVMs,
				Blockers:     blockers,
			}
		}
	}
}

func (e *Evacuator) inspectBlockers(ctx context.Context, sampler evacuationSampler) []Blocker {
	vs, ok := sampler.(*vsphereSampler)
	if !ok {
		return nil
	}
	blockers, err := vs.inspectBlockers(ctx)
	if err != nil {
		log.WithError(err).Warn("Blocker inspection failed")
		return nil
	}
	return blockers
}

// ExitMaintenanceMode brings a host back, with the same session retry policy.
func (e *Evacuator) ExitMaintenanceMode(ctx context.Context, hostName string, timeout time.Duration) error {
	return e.sessions.WithSessionRetry(ctx, e.vcenterID, func(session *Session) error {
		host, err := findHost(ctx, session, hostName)
		if err != nil {
			return err
		}

		task, err := host.ExitMaintenanceMode(ctx, int32(timeout.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to start maintenance exit on %s: %w", hostName, err)
		}
		if err := task.Wait(ctx); err != nil {
			return fmt.Errorf("maintenance exit failed on %s: %w", hostName, err)
		}

		log.WithField("host", hostName).Info("✅ Host exited maintenance mode")
		return nil
	})
}

// findHost locates a host by name or moref.
func findHost(ctx context.Context, session *Session, hostName string) (*object.HostSystem, error) {
	m := view.NewManager(session.Client.Client)
	v, err := m.CreateContainerView(ctx, session.Client.Client.ServiceContent.RootFolder,
		[]string{"HostSystem"}, true)
	if err != nil {
		return nil, err
	}
	defer v.Destroy(ctx)

	var hosts []mo.HostSystem
	if err := v.Retrieve(ctx, []string{"HostSystem"}, []string{"name"}, &hosts); err != nil {
		return nil, err
	}

	for _, h := range hosts {
		if strings.EqualFold(h.Name, hostName) || h.Self.Value == hostName {
			return object.NewHostSystem(session.Client.Client, h.Self), nil
		}
	}
	return nil, fmt.Errorf("host %s not found", hostName)
}

// vsphereSampler observes one host: powered-on VM count, active migration
// tasks and the maintenance flag.
type vsphereSampler struct {
	session *Session
	host    *object.HostSystem
}

// Migration task names counted as evacuation progress.
var migrationTaskMarkers = []string{"relocate", "migrate", "drs", "vmotion"}

func (s *vsphereSampler) Sample(ctx context.Context) (*EvacuationSample, error) {
	pc := property.DefaultCollector(s.session.Client.Client)

	var host mo.HostSystem
	err := pc.RetrieveOne(ctx, s.host.Reference(), []string{"runtime", "vm", "recentTask"}, &host)
	if err != nil {
		return nil, err
	}

	sample := &EvacuationSample{InMaintenanceMode: host.Runtime.InMaintenanceMode}
	if sample.InMaintenanceMode {
		return sample, nil
	}

	if len(host.Vm) > 0 {
		var vms []mo.VirtualMachine
		if err := pc.Retrieve(ctx, host.Vm, []string{"runtime.powerState"}, &vms); err != nil {
			return nil, err
		}
		for _, vm := range vms {
			if vm.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn {
				sample.PoweredOnVMs++
			}
		}
	}

	if len(host.RecentTask) > 0 {
		var tasks []mo.Task
		if err := pc.Retrieve(ctx, host.RecentTask, []string{"info"}, &tasks); err == nil {
			for _, t := range tasks {
				if isActiveMigrationTask(t.Info) {
					sample.MigrationTaskIDs = append(sample.MigrationTaskIDs, t.Info.Key)
				}
			}
		}
	}

	return sample, nil
}

func isActiveMigrationTask(info types.TaskInfo) bool {
	if info.State != types.TaskInfoStateRunning && info.State != types.TaskInfoStateQueued {
		return false
	}
	name := strings.ToLower(info.DescriptionId + " " + info.Name)
	for _, marker := range migrationTaskMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// inspectBlockers examines each still-powered-on VM for the known reasons an
// evacuation cannot complete.
func (s *vsphereSampler) inspectBlockers(ctx context.Context) ([]Blocker, error) {
	pc := property.DefaultCollector(s.session.Client.Client)

	var host mo.HostSystem
	if err := pc.RetrieveOne(ctx, s.host.Reference(), []string{"vm", "name"}, &host); err != nil {
		return nil, err
	}
	if len(host.Vm) == 0 {
		return nil, nil
	}

	var vms []mo.VirtualMachine
	err := pc.Retrieve(ctx, host.Vm,
		[]string{"name", "runtime.powerState", "config", "datastore", "summary.config"}, &vms)
	if err != nil {
		return nil, err
	}

	sharedDS := s.sharedDatastores(ctx, pc, vms)
	antiAffinity, headroom := s.clusterConstraints(ctx, pc)

	var blockers []Blocker
	for _, vm := range vms {
		if vm.Runtime.PowerState != types.VirtualMachinePowerStatePoweredOn {
			continue
		}
		blockers = append(blockers, inspectVM(vm)...)

		if len(vm.Datastore) > 0 && !anyShared(vm.Datastore, sharedDS) {
			blockers = append(blockers, Blocker{
				VMName: vm.Name, Type: BlockerLocalStorage,
				Detail: "all VM datastores are local to this host",
			})
		}
		if antiAffinity[vm.Self.Value] {
			blockers = append(blockers, Blocker{
				VMName: vm.Name, Type: BlockerAntiAffinity,
				Detail: "DRS anti-affinity rule conflicts with every remaining host",
			})
		}
		if headroom {
			blockers = append(blockers, Blocker{
				VMName: vm.Name, Type: BlockerHeadroom,
				Detail: "no other available host in the cluster has capacity",
			})
		}
	}
	return blockers, nil
}

// sharedDatastores resolves which of the VMs' datastores more than one host
// can reach.
func (s *vsphereSampler) sharedDatastores(ctx context.Context, pc *property.Collector, vms []mo.VirtualMachine) map[string]bool {
	seen := map[string]bool{}
	var refs []types.ManagedObjectReference
	for _, vm := range vms {
		for _, ds := range vm.Datastore {
			if !seen[ds.Value] {
				seen[ds.Value] = true
				refs = append(refs, ds)
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}

	var datastores []mo.Datastore
	if err := pc.Retrieve(ctx, refs, []string{"summary"}, &datastores); err != nil {
		log.WithError(err).Debug("Datastore inspection failed")
		return nil
	}

	shared := map[string]bool{}
	for _, ds := range datastores {
		if ds.Summary.MultipleHostAccess != nil && *ds.Summary.MultipleHostAccess {
			shared[ds.Self.Value] = true
		}
	}
	return shared
}

// clusterConstraints reports which VMs sit in anti-affinity rules, and
// whether the cluster has any other available host to take load at all.
func (s *vsphereSampler) clusterConstraints(ctx context.Context, pc *property.Collector) (map[string]bool, bool) {
	var host mo.HostSystem
	if err := pc.RetrieveOne(ctx, s.host.Reference(), []string{"parent"}, &host); err != nil || host.Parent == nil {
		return nil, false
	}
	if host.Parent.Type != "ClusterComputeResource" {
		return nil, true
	}

	var cluster mo.ClusterComputeResource
	if err := pc.RetrieveOne(ctx, *host.Parent, []string{"configurationEx", "host"}, &cluster); err != nil {
		return nil, false
	}

	antiAffinity := map[string]bool{}
	if cfg, ok := cluster.ConfigurationEx.(*types.ClusterConfigInfoEx); ok {
		for _, rule := range cfg.Rule {
			anti, ok := rule.(*types.ClusterAntiAffinityRuleSpec)
			if !ok {
				continue
			}
			// An anti-affinity group as large as the remaining host count has
			// nowhere to move to.
			if len(anti.Vm) >= len(cluster.Host)-1 {
				for _, vm := range anti.Vm {
					antiAffinity[vm.Value] = true
				}
			}
		}
	}

	availableOthers := 0
	var hosts []mo.HostSystem
	if err := pc.Retrieve(ctx, cluster.Host, []string{"runtime"}, &hosts); err == nil {
		for _, h := range hosts {
			if h.Self == s.host.Reference() {
				continue
			}
			if h.Runtime.ConnectionState == types.HostSystemConnectionStateConnected &&
				!h.Runtime.InMaintenanceMode {
				availableOthers++
			}
		}
	}
	return antiAffinity, availableOthers == 0
}

func anyShared(refs []types.ManagedObjectReference, shared map[string]bool) bool {
	for _, r := range refs {
		if shared[r.Value] {
			return true
		}
	}
	return false
}

// inspectVM checks one VM for evacuation blockers.
func inspectVM(vm mo.VirtualMachine) []Blocker {
	var blockers []Blocker

	name := strings.ToLower(vm.Name)
	guest := strings.ToLower(vm.Summary.Config.GuestFullName)
	if strings.Contains(name, "vcsa") || strings.Contains(name, "vcenter") ||
		strings.Contains(name, "vcs") || strings.Contains(guest, "photon") {
		blockers = append(blockers, Blocker{
			VMName: vm.Name,
			Type:   BlockerVCSA,
			Detail: "VM appears to be the vCenter Server Appliance; it cannot evacuate its own management plane",
		})
	}

	if vm.Config == nil {
		return blockers
	}

	for _, dev := range vm.Config.Hardware.Device {
		switch d := dev.(type) {
		case *types.VirtualPCIPassthrough:
			blockers = append(blockers, Blocker{
				VMName: vm.Name, Type: BlockerPassthrough,
				Detail: "PCI passthrough device pins the VM to this host",
			})
		case *types.VirtualUSB:
			blockers = append(blockers, Blocker{
				VMName: vm.Name, Type: BlockerPassthrough,
				Detail: "USB device pins the VM to this host",
			})
		case *types.VirtualCdrom:
			if connected(d.Connectable) && clientBacked(d.Backing) {
				blockers = append(blockers, Blocker{
					VMName: vm.Name, Type: BlockerRemovable,
					Detail: "client-connected CD-ROM blocks migration",
				})
			}
		case *types.VirtualFloppy:
			if connected(d.Connectable) && clientBacked(d.Backing) {
				blockers = append(blockers, Blocker{
					VMName: vm.Name, Type: BlockerRemovable,
					Detail: "client-connected floppy blocks migration",
				})
			}
		}
	}

	if vm.Config.CpuAffinity != nil && len(vm.Config.CpuAffinity.AffinitySet) > 0 {
		blockers = append(blockers, Blocker{
			VMName: vm.Name, Type: BlockerCPUAffinity,
			Detail: "CPU affinity restricts scheduling to this host's cores",
		})
	}
	if vm.Config.MemoryAffinity != nil && len(vm.Config.MemoryAffinity.AffinitySet) > 0 {
		blockers = append(blockers, Blocker{
			VMName: vm.Name, Type: BlockerCPUAffinity,
			Detail: "memory affinity restricts scheduling to this host",
		})
	}

	return blockers
}

func connected(c *types.VirtualDeviceConnectInfo) bool {
	return c != nil && c.Connected
}

func clientBacked(backing types.BaseVirtualDeviceBackingInfo) bool {
	switch backing.(type) {
	case *types.VirtualCdromRemoteAtapiBackingInfo,
		*types.VirtualCdromRemotePassthroughBackingInfo,
		*types.VirtualFloppyRemoteDeviceBackingInfo:
		return true
	}
	return false
}
