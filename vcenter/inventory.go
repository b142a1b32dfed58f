package vcenter

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/dsm-platform/dsm-executor/database"
)

// InventorySnapshot is one single-pass collection result. Rows carry their
// managed-object ids and parent names; the upserter assigns local ids.
type InventorySnapshot struct {
	Clusters   []database.Cluster
	Hosts      []database.Host
	VMs        []database.VirtualMachine
	Datastores []database.Datastore
	Networks   []database.Network
}

// Fetcher reads the full inventory of one vCenter through container views
// and the property collector. It never writes to the database.
type Fetcher struct {
	vcenterID string
	client    *vim25.Client
}

// NewFetcher creates a fetcher bound to one live session.
func NewFetcher(vcenterID string, session *Session) *Fetcher {
	return &Fetcher{vcenterID: vcenterID, client: session.Client.Client}
}

// FetchAll collects clusters, hosts, VMs, datastores and networks in one
// pass: one container view and one property retrieval per type.
func (f *Fetcher) FetchAll(ctx context.Context) (*InventorySnapshot, error) {
	snapshot := &InventorySnapshot{}

	clusters, clusterNames, err := f.fetchClusters(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Clusters = clusters

	hosts, hostClusters, err := f.fetchHosts(ctx, clusterNames)
	if err != nil {
		return nil, err
	}
	snapshot.Hosts = hosts

	vms, err := f.fetchVMs(ctx, hostClusters)
	if err != nil {
		return nil, err
	}
	snapshot.VMs = vms

	snapshot.Datastores, err = f.fetchDatastores(ctx)
	if err != nil {
		return nil, err
	}

	snapshot.Networks, err = f.fetchNetworks(ctx)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"vcenter_id": f.vcenterID,
		"clusters":   len(snapshot.Clusters),
		"hosts":      len(snapshot.Hosts),
		"vms":        len(snapshot.VMs),
		"datastores": len(snapshot.Datastores),
		"networks":   len(snapshot.Networks),
	}).Info("📊 Inventory collection complete")

	return snapshot, nil
}

// retrieve runs one container view plus one property collection.
func (f *Fetcher) retrieve(ctx context.Context, kind string, props []string, out interface{}) error {
	m := view.NewManager(f.client)
	v, err := m.CreateContainerView(ctx, f.client.ServiceContent.RootFolder, []string{kind}, true)
	if err != nil {
		return fmt.Errorf("failed to create %s view: %w", kind, err)
	}
	defer v.Destroy(ctx)

	if err := v.Retrieve(ctx, []string{kind}, props, out); err != nil {
		return fmt.Errorf("failed to retrieve %s properties: %w", kind, err)
	}
	return nil
}

func (f *Fetcher) fetchClusters(ctx context.Context) ([]database.Cluster, map[string]string, error) {
	var mos []mo.ClusterComputeResource
	err := f.retrieve(ctx, "ClusterComputeResource",
		[]string{"name", "host", "configurationEx"}, &mos)
	if err != nil {
		return nil, nil, err
	}

	clusterNames := map[string]string{}
	rows := make([]database.Cluster, 0, len(mos))
	for _, c := range mos {
		row := database.Cluster{
			VCenterHostID: f.vcenterID,
			MoRef:         c.Self.Value,
			Name:          c.Name,
			HostCount:     len(c.Host),
		}
		if cfg, ok := c.ConfigurationEx.(*types.ClusterConfigInfoEx); ok {
			if cfg.DrsConfig.Enabled != nil {
				row.DRSEnabled = *cfg.DrsConfig.Enabled
			}
			if cfg.DasConfig.Enabled != nil {
				row.HAEnabled = *cfg.DasConfig.Enabled
			}
		}
		rows = append(rows, row)
		clusterNames[c.Self.Value] = c.Name
	}
	return rows, clusterNames, nil
}

// fetchHosts returns host rows plus a host-moref to cluster-name map the VM
// pass reuses.
func (f *Fetcher) fetchHosts(ctx context.Context, clusterNames map[string]string) ([]database.Host, map[string]string, error) {
	var mos []mo.HostSystem
	err := f.retrieve(ctx, "HostSystem",
		[]string{"name", "parent", "runtime", "summary", "hardware.systemInfo", "config.product"}, &mos)
	if err != nil {
		return nil, nil, err
	}

	hostClusters := map[string]string{}
	rows := make([]database.Host, 0, len(mos))
	for _, h := range mos {
		row := database.Host{
			VCenterHostID:     f.vcenterID,
			MoRef:             h.Self.Value,
			Name:              h.Name,
			ConnectionState:   string(h.Runtime.ConnectionState),
			PowerState:        string(h.Runtime.PowerState),
			InMaintenanceMode: h.Runtime.InMaintenanceMode,
		}
		if h.Parent != nil {
			row.ClusterName = clusterNames[h.Parent.Value]
		}
		if h.Hardware != nil {
			row.SerialNumber = h.Hardware.SystemInfo.SerialNumber
		}
		if h.Summary.Hardware != nil {
			row.CPUCores = int(h.Summary.Hardware.NumCpuCores)
			row.MemoryMB = h.Summary.Hardware.MemorySize / (1024 * 1024)
		}
		if h.Config != nil {
			row.Version = h.Config.Product.Version
		}
		rows = append(rows, row)
		hostClusters[h.Self.Value] = row.ClusterName
	}
	return rows, hostClusters, nil
}

func (f *Fetcher) fetchVMs(ctx context.Context, hostClusters map[string]string) ([]database.VirtualMachine, error) {
	var mos []mo.VirtualMachine
	err := f.retrieve(ctx, "VirtualMachine",
		[]string{"name", "runtime", "guest", "summary.config", "summary.runtime"}, &mos)
	if err != nil {
		return nil, err
	}

	// Host names resolve through a second cheap pass over the already-known
	// morefs; runtime.host only carries the reference.
	hostNames := map[string]string{}
	var hostMos []mo.HostSystem
	if err := f.retrieve(ctx, "HostSystem", []string{"name"}, &hostMos); err == nil {
		for _, h := range hostMos {
			hostNames[h.Self.Value] = h.Name
		}
	}

	rows := make([]database.VirtualMachine, 0, len(mos))
	for _, v := range mos {
		row := database.VirtualMachine{
			VCenterHostID: f.vcenterID,
			MoRef:         v.Self.Value,
			Name:          v.Name,
			PowerState:    string(v.Runtime.PowerState),
			GuestOS:       v.Summary.Config.GuestFullName,
			NumCPU:        int(v.Summary.Config.NumCpu),
			MemoryMB:      int(v.Summary.Config.MemorySizeMB),
		}
		if v.Runtime.Host != nil {
			row.HostName = hostNames[v.Runtime.Host.Value]
			row.ClusterName = hostClusters[v.Runtime.Host.Value]
		}
		if v.Guest != nil {
			row.IPAddress = v.Guest.IpAddress
			row.ToolsStatus = string(v.Guest.ToolsStatus)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *Fetcher) fetchDatastores(ctx context.Context) ([]database.Datastore, error) {
	var mos []mo.Datastore
	err := f.retrieve(ctx, "Datastore", []string{"name", "summary"}, &mos)
	if err != nil {
		return nil, err
	}

	rows := make([]database.Datastore, 0, len(mos))
	for _, d := range mos {
		rows = append(rows, database.Datastore{
			VCenterHostID: f.vcenterID,
			MoRef:         d.Self.Value,
			Name:          d.Name,
			Type:          d.Summary.Type,
			CapacityGB:    d.Summary.Capacity / (1024 * 1024 * 1024),
			FreeGB:        d.Summary.FreeSpace / (1024 * 1024 * 1024),
			Accessible:    d.Summary.Accessible,
		})
	}
	return rows, nil
}

// fetchNetworks collects standard networks, distributed portgroups and the
// switches behind them.
func (f *Fetcher) fetchNetworks(ctx context.Context) ([]database.Network, error) {
	switchNames := map[string]string{}
	uplinkPGs := map[string]bool{}

	var dvsMos []mo.DistributedVirtualSwitch
	if err := f.retrieve(ctx, "DistributedVirtualSwitch", []string{"name", "uuid", "config"}, &dvsMos); err == nil {
		for _, s := range dvsMos {
			switchNames[s.Self.Value] = s.Name
			if cfg := s.Config.GetDVSConfigInfo(); cfg != nil && cfg.UplinkPortgroup != nil {
				for _, pg := range cfg.UplinkPortgroup {
					uplinkPGs[pg.Value] = true
				}
			}
		}
	}

	var rows []database.Network

	var pgMos []mo.DistributedVirtualPortgroup
	err := f.retrieve(ctx, "DistributedVirtualPortgroup",
		[]string{"name", "config", "host", "vm"}, &pgMos)
	if err != nil {
		return nil, err
	}
	for _, pg := range pgMos {
		row := database.Network{
			VCenterHostID:   f.vcenterID,
			MoRef:           pg.Self.Value,
			Name:            pg.Name,
			NetworkType:     database.NetworkTypeDistributed,
			UplinkPortGroup: uplinkPGs[pg.Self.Value],
			HostCount:       len(pg.Host),
			VMCount:         len(pg.Vm),
		}
		if pg.Config.DistributedVirtualSwitch != nil {
			row.SwitchName = switchNames[pg.Config.DistributedVirtualSwitch.Value]
		}
		applyVlan(&row, pg.Config.DefaultPortConfig)
		rows = append(rows, row)
	}

	var netMos []mo.Network
	err = f.retrieve(ctx, "Network", []string{"name", "host", "vm"}, &netMos)
	if err != nil {
		return nil, err
	}
	for _, n := range netMos {
		// Container views for Network also yield DVPGs; keep only the plain ones.
		if n.Self.Type != "Network" {
			continue
		}
		rows = append(rows, database.Network{
			VCenterHostID: f.vcenterID,
			MoRef:         n.Self.Value,
			Name:          n.Name,
			NetworkType:   database.NetworkTypeStandard,
			HostCount:     len(n.Host),
			VMCount:       len(n.Vm),
		})
	}

	return rows, nil
}

// applyVlan decodes the three DVS VLAN flavours into row fields.
func applyVlan(row *database.Network, portConfig types.BaseDVPortSetting) {
	setting, ok := portConfig.(*types.VMwareDVSPortSetting)
	if !ok || setting.Vlan == nil {
		return
	}

	switch vlan := setting.Vlan.(type) {
	case *types.VmwareDistributedVirtualSwitchVlanIdSpec:
		row.VlanID = int(vlan.VlanId)
		row.VlanType = "vlan"
	case *types.VmwareDistributedVirtualSwitchTrunkVlanSpec:
		row.VlanType = "trunk"
		ranges := make([]string, 0, len(vlan.VlanId))
		for _, r := range vlan.VlanId {
			if r.Start == r.End {
				ranges = append(ranges, fmt.Sprintf("%d", r.Start))
			} else {
				ranges = append(ranges, fmt.Sprintf("%d-%d", r.Start, r.End))
			}
		}
		row.VlanRange = strings.Join(ranges, ",")
	case *types.VmwareDistributedVirtualSwitchPvlanSpec:
		row.VlanID = int(vlan.PvlanId)
		row.VlanType = "pvlan"
	}
}
