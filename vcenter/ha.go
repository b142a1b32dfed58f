package vcenter

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// HAController reconfigures cluster availability settings. Every mutation is
// the same discipline: reconfigure the compute resource, wait for the task.
type HAController struct {
	sessions  *SessionManager
	vcenterID string
}

// NewHAController creates an HA controller for one vCenter.
func NewHAController(sessions *SessionManager, vcenterID string) *HAController {
	return &HAController{sessions: sessions, vcenterID: vcenterID}
}

// DisableClusterHA turns vSphere HA off. It refuses when any VM in the
// cluster carries Fault Tolerance in an active state: disabling HA under FT
// orphans the secondary.
func (h *HAController) DisableClusterHA(ctx context.Context, clusterName string) error {
	return h.sessions.WithSessionRetry(ctx, h.vcenterID, func(session *Session) error {
		cluster, moCluster, err := findCluster(ctx, session, clusterName)
		if err != nil {
			return err
		}

		if err := rejectActiveFT(ctx, session, moCluster); err != nil {
			return err
		}

		enabled := false
		return reconfigureCluster(ctx, cluster, types.ClusterConfigSpecEx{
			DasConfig: &types.ClusterDasConfigInfo{Enabled: &enabled},
		}, "disable HA on "+clusterName)
	})
}

// EnableClusterHA turns vSphere HA back on.
func (h *HAController) EnableClusterHA(ctx context.Context, clusterName string) error {
	return h.sessions.WithSessionRetry(ctx, h.vcenterID, func(session *Session) error {
		cluster, _, err := findCluster(ctx, session, clusterName)
		if err != nil {
			return err
		}

		enabled := true
		return reconfigureCluster(ctx, cluster, types.ClusterConfigSpecEx{
			DasConfig: &types.ClusterDasConfigInfo{Enabled: &enabled},
		}, "enable HA on "+clusterName)
	})
}

// DisableHostMonitoring keeps HA on but stops host-failure responses, the
// stance used while a host reboots on purpose.
func (h *HAController) DisableHostMonitoring(ctx context.Context, clusterName string) error {
	return h.setHostMonitoring(ctx, clusterName, string(types.ClusterDasConfigInfoServiceStateDisabled))
}

// EnableHostMonitoring restores host-failure responses.
func (h *HAController) EnableHostMonitoring(ctx context.Context, clusterName string) error {
	return h.setHostMonitoring(ctx, clusterName, string(types.ClusterDasConfigInfoServiceStateEnabled))
}

func (h *HAController) setHostMonitoring(ctx context.Context, clusterName, state string) error {
	return h.sessions.WithSessionRetry(ctx, h.vcenterID, func(session *Session) error {
		cluster, _, err := findCluster(ctx, session, clusterName)
		if err != nil {
			return err
		}

		return reconfigureCluster(ctx, cluster, types.ClusterConfigSpecEx{
			DasConfig: &types.ClusterDasConfigInfo{HostMonitoring: state},
		}, fmt.Sprintf("set host monitoring to %s on %s", state, clusterName))
	})
}

func reconfigureCluster(ctx context.Context, cluster *object.ClusterComputeResource, spec types.ClusterConfigSpecEx, what string) error {
	task, err := cluster.Reconfigure(ctx, &spec, true)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	log.WithField("operation", what).Info("✅ Cluster reconfiguration complete")
	return nil
}

// rejectActiveFT fails when any VM in the cluster has Fault Tolerance in a
// state other than notConfigured or disabled.
func rejectActiveFT(ctx context.Context, session *Session, cluster *mo.ClusterComputeResource) error {
	if len(cluster.Host) == 0 {
		return nil
	}

	pc := property.DefaultCollector(session.Client.Client)
	var hosts []mo.HostSystem
	if err := pc.Retrieve(ctx, cluster.Host, []string{"vm"}, &hosts); err != nil {
		return fmt.Errorf("failed to list cluster hosts: %w", err)
	}

	var vmRefs []types.ManagedObjectReference
	for _, h := range hosts {
		vmRefs = append(vmRefs, h.Vm...)
	}
	if len(vmRefs) == 0 {
		return nil
	}

	var vms []mo.VirtualMachine
	if err := pc.Retrieve(ctx, vmRefs, []string{"name", "runtime.faultToleranceState"}, &vms); err != nil {
		return fmt.Errorf("failed to inspect fault tolerance state: %w", err)
	}

	for _, vm := range vms {
		switch vm.Runtime.FaultToleranceState {
		case "", types.VirtualMachineFaultToleranceStateNotConfigured,
			types.VirtualMachineFaultToleranceStateDisabled:
		default:
			return fmt.Errorf("cannot disable HA: VM %s has Fault Tolerance in state %s",
				vm.Name, vm.Runtime.FaultToleranceState)
		}
	}
	return nil
}

// findCluster resolves a cluster by name, returning both the object handle
// and its collected properties.
func findCluster(ctx context.Context, session *Session, clusterName string) (*object.ClusterComputeResource, *mo.ClusterComputeResource, error) {
	m := view.NewManager(session.Client.Client)
	v, err := m.CreateContainerView(ctx, session.Client.Client.ServiceContent.RootFolder,
		[]string{"ClusterComputeResource"}, true)
	if err != nil {
		return nil, nil, err
	}
	defer v.Destroy(ctx)

	var clusters []mo.ClusterComputeResource
	if err := v.Retrieve(ctx, []string{"ClusterComputeResource"}, []string{"name", "host"}, &clusters); err != nil {
		return nil, nil, err
	}

	for i := range clusters {
		if clusters[i].Name == clusterName || clusters[i].Self.Value == clusterName {
			obj := object.NewClusterComputeResource(session.Client.Client, clusters[i].Self)
			return obj, &clusters[i], nil
		}
	}
	return nil, nil, fmt.Errorf("cluster %s not found", clusterName)
}
