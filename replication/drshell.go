package replication

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/dsm-platform/dsm-executor/vcenter"
)

// DrShellSpec describes the placeholder VM built at the DR site around
// already-replicated VMDKs.
type DrShellSpec struct {
	Name         string
	SourceVMName string
	Datastore    string
	// VMDKPaths are full datastore paths, e.g. "[dr-ds01] vm1/vm1.vmdk".
	VMDKPaths   []string
	NumCPU      int32
	MemoryMB    int64
	GuestID     string
	NetworkName string
}

// DrShellBuilder creates DR shell VMs on a target vCenter.
type DrShellBuilder struct {
	session *vcenter.Session
}

// NewDrShellBuilder creates a builder over one DR-site session.
func NewDrShellBuilder(session *vcenter.Session) *DrShellBuilder {
	return &DrShellBuilder{session: session}
}

// CreateDrShellVM builds the shell VM, attaching the existing VMDKs. Before
// creating it clears powered-off lock holders out of the target folder; a
// powered-on VM already carrying the shell name aborts, and a powered-on
// source copy only warns.
func (b *DrShellBuilder) CreateDrShellVM(ctx context.Context, spec DrShellSpec) (string, error) {
	if spec.Name == "" || spec.Datastore == "" || len(spec.VMDKPaths) == 0 {
		return "", fmt.Errorf("shell spec requires name, datastore and at least one VMDK path")
	}
	if spec.GuestID == "" {
		spec.GuestID = "otherGuest64"
	}
	if spec.NumCPU == 0 {
		spec.NumCPU = 2
	}
	if spec.MemoryMB == 0 {
		spec.MemoryMB = 4096
	}

	if err := b.checkExistingVMs(ctx, spec); err != nil {
		return "", err
	}

	finder := find.NewFinder(b.session.Client.Client, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve DR datacenter: %w", err)
	}
	finder.SetDatacenter(dc)

	folders, err := dc.Folders(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve DR VM folder: %w", err)
	}
	pool, err := finder.DefaultResourcePool(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve DR resource pool: %w", err)
	}

	configSpec, err := b.buildConfigSpec(ctx, finder, spec)
	if err != nil {
		return "", err
	}

	task, err := folders.VmFolder.CreateVM(ctx, *configSpec, pool, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start shell VM creation for %s: %w", spec.Name, err)
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("shell VM creation for %s failed: %w", spec.Name, err)
	}

	moref := info.Result.(types.ManagedObjectReference)
	log.WithFields(log.Fields{
		"vm":    spec.Name,
		"moref": moref.Value,
		"disks": len(spec.VMDKPaths),
	}).Info("🏗️ DR shell VM created")
	return moref.Value, nil
}

// checkExistingVMs enforces the pre-create rules against the DR inventory.
func (b *DrShellBuilder) checkExistingVMs(ctx context.Context, spec DrShellSpec) error {
	m := view.NewManager(b.session.Client.Client)
	v, err := m.CreateContainerView(ctx, b.session.Client.Client.ServiceContent.RootFolder,
		[]string{"VirtualMachine"}, true)
	if err != nil {
		return err
	}
	defer v.Destroy(ctx)

	var vms []mo.VirtualMachine
	if err := v.Retrieve(ctx, []string{"VirtualMachine"},
		[]string{"name", "runtime.powerState", "config.files"}, &vms); err != nil {
		return err
	}

	folderPrefix := fmt.Sprintf("[%s] %s/", spec.Datastore, spec.Name)

	for _, vm := range vms {
		poweredOn := vm.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn

		if strings.EqualFold(vm.Name, spec.Name) && poweredOn {
			return fmt.Errorf("a powered-on VM named %s already exists at the DR site", spec.Name)
		}
		if spec.SourceVMName != "" && strings.EqualFold(vm.Name, spec.SourceVMName) && poweredOn {
			log.WithField("vm", vm.Name).Warn("Powered-on source copy present at DR site, continuing")
			continue
		}

		// A powered-off VM registered out of the target folder holds file
		// locks the shell needs; unregister it.
		if !poweredOn && vm.Config != nil &&
			strings.HasPrefix(vm.Config.Files.VmPathName, folderPrefix) {
			obj := object.NewVirtualMachine(b.session.Client.Client, vm.Self)
			if err := obj.Unregister(ctx); err != nil {
				return fmt.Errorf("failed to unregister lock holder %s: %w", vm.Name, err)
			}
			log.WithField("vm", vm.Name).Info("Unregistered powered-off lock holder")
		}
	}
	return nil
}

func (b *DrShellBuilder) buildConfigSpec(ctx context.Context, finder *find.Finder, spec DrShellSpec) (*types.VirtualMachineConfigSpec, error) {
	configSpec := &types.VirtualMachineConfigSpec{
		Name:     spec.Name,
		GuestId:  spec.GuestID,
		NumCPUs:  spec.NumCPU,
		MemoryMB: spec.MemoryMB,
		Files: &types.VirtualMachineFileInfo{
			VmPathName: fmt.Sprintf("[%s] %s", spec.Datastore, spec.Name),
		},
	}

	scsi := &types.ParaVirtualSCSIController{
		VirtualSCSIController: types.VirtualSCSIController{
			SharedBus: types.VirtualSCSISharingNoSharing,
			VirtualController: types.VirtualController{
				BusNumber:     0,
				VirtualDevice: types.VirtualDevice{Key: 1000},
			},
		},
	}
	configSpec.DeviceChange = append(configSpec.DeviceChange, &types.VirtualDeviceConfigSpec{
		Operation: types.VirtualDeviceConfigSpecOperationAdd,
		Device:    scsi,
	})

	for i, vmdk := range spec.VMDKPaths {
		disk := &types.VirtualDisk{
			VirtualDevice: types.VirtualDevice{
				Key:           int32(2000 + i),
				ControllerKey: 1000,
				UnitNumber:    unit(int32(i)),
				Backing: &types.VirtualDiskFlatVer2BackingInfo{
					VirtualDeviceFileBackingInfo: types.VirtualDeviceFileBackingInfo{
						FileName: vmdk,
					},
					DiskMode: string(types.VirtualDiskModePersistent),
				},
			},
		}
		configSpec.DeviceChange = append(configSpec.DeviceChange, &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationAdd,
			Device:    disk,
		})
	}

	if spec.NetworkName != "" {
		network, err := finder.Network(ctx, spec.NetworkName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DR network %s: %w", spec.NetworkName, err)
		}
		backing, err := network.EthernetCardBackingInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build network backing for %s: %w", spec.NetworkName, err)
		}
		nic := &types.VirtualVmxnet3{
			VirtualVmxnet: types.VirtualVmxnet{
				VirtualEthernetCard: types.VirtualEthernetCard{
					VirtualDevice: types.VirtualDevice{
						Key:     4000,
						Backing: backing,
					},
				},
			},
		}
		configSpec.DeviceChange = append(configSpec.DeviceChange, &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationAdd,
			Device:    nic,
		})
	}

	return configSpec, nil
}

func unit(i int32) *int32 {
	// Unit 7 is the SCSI controller itself.
	if i >= 7 {
		i++
	}
	return &i
}
