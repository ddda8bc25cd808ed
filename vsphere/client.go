package vsphere

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// Client drives the virtual machines of one datacenter.
type Client struct {
	session    *govmomi.Client
	vim        *vim25.Client
	finder     *find.Finder
	datacenter *object.Datacenter
}

// NewClient logs in to vCenter and selects datacenter.
func NewClient(ctx context.Context, vcenter, username, password, datacenter string, insecure bool) (*Client, error) {
	u, err := url.Parse(fmt.Sprintf("https://%s/sdk", vcenter))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vCenter URL: %w", err)
	}
	u.User = url.UserPassword(username, password)

	session, err := govmomi.NewClient(ctx, u, insecure)
	if err != nil {
		return nil, fmt.Errorf("failed to log in to %s: %w", vcenter, err)
	}
	c, err := NewClientFromVim(ctx, session.Client, datacenter)
	if err != nil {
		_ = session.Logout(ctx)
		return nil, err
	}
	c.session = session
	return c, nil
}

// NewClientFromVim wraps an already authenticated connection.
func NewClientFromVim(ctx context.Context, vc *vim25.Client, datacenter string) (*Client, error) {
	finder := find.NewFinder(vc, true)
	dc, err := finder.Datacenter(ctx, datacenter)
	if err != nil {
		return nil, fmt.Errorf("failed to find datacenter %q: %w", datacenter, err)
	}
	finder.SetDatacenter(dc)

	return &Client{
		vim:        vc,
		finder:     finder,
		datacenter: dc,
	}, nil
}

// Logout ends the vCenter session when this client opened it.
func (c *Client) Logout(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	return c.session.Logout(ctx)
}

// FindVM looks a virtual machine up by name or inventory path.
func (c *Client) FindVM(ctx context.Context, name string) (*object.VirtualMachine, error) {
	vm, err := c.finder.VirtualMachine(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find VM %q: %w", name, err)
	}
	return vm, nil
}

// PowerState returns the runtime power state of a VM.
func (c *Client) PowerState(ctx context.Context, vm *object.VirtualMachine) (types.VirtualMachinePowerState, error) {
	var o mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"runtime.powerState"}, &o); err != nil {
		return "", fmt.Errorf("failed to get VM power state: %w", err)
	}
	return o.Runtime.PowerState, nil
}

func wait(ctx context.Context, op string, task *object.Task, err error) error {
	if err != nil {
		return fmt.Errorf("failed to %s VM: %w", op, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("failed to %s VM: %w", op, err)
	}
	return nil
}

// PowerOn powers on a VM
func (c *Client) PowerOn(ctx context.Context, vm *object.VirtualMachine) error {
	task, err := vm.PowerOn(ctx)
	return wait(ctx, "power on", task, err)
}

// PowerOff powers off a VM
func (c *Client) PowerOff(ctx context.Context, vm *object.VirtualMachine) error {
	task, err := vm.PowerOff(ctx)
	return wait(ctx, "power off", task, err)
}

// Reset hard resets a VM
func (c *Client) Reset(ctx context.Context, vm *object.VirtualMachine) error {
	task, err := vm.Reset(ctx)
	return wait(ctx, "reset", task, err)
}

// BootDevice is the device a VM boots from next.
type BootDevice string

const (
	BootDeviceHDD    BootDevice = "hdd"
	BootDeviceCDROM  BootDevice = "cdrom"
	BootDevicePXE    BootDevice = "pxe"
	BootDeviceFloppy BootDevice = "floppy"
)

func (d BootDevice) bootable() (types.BaseVirtualMachineBootOptionsBootableDevice, error) {
	switch d {
	case BootDeviceHDD:
		return &types.VirtualMachineBootOptionsBootableDiskDevice{}, nil
	case BootDeviceCDROM:
		return &types.VirtualMachineBootOptionsBootableCdromDevice{}, nil
	case BootDevicePXE:
		return &types.VirtualMachineBootOptionsBootableEthernetDevice{}, nil
	case BootDeviceFloppy:
		return &types.VirtualMachineBootOptionsBootableFloppyDevice{}, nil
	default:
		return nil, fmt.Errorf("unsupported boot device: %s", d)
	}
}

// SetNextBoot puts device first in the boot order of a VM.
func (c *Client) SetNextBoot(ctx context.Context, vm *object.VirtualMachine, device BootDevice) error {
	bootable, err := device.bootable()
	if err != nil {
		return err
	}

	var o mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config.bootOptions"}, &o); err != nil {
		return fmt.Errorf("failed to get VM boot options: %w", err)
	}
	bootOptions := &types.VirtualMachineBootOptions{}
	if o.Config != nil && o.Config.BootOptions != nil {
		bootOptions = o.Config.BootOptions
	}
	bootOptions.BootOrder = []types.BaseVirtualMachineBootOptionsBootableDevice{bootable}

	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{BootOptions: bootOptions})
	return wait(ctx, "reconfigure", task, err)
}

// BootOrder returns the configured boot order of a VM.
func (c *Client) BootOrder(ctx context.Context, vm *object.VirtualMachine) ([]types.BaseVirtualMachineBootOptionsBootableDevice, error) {
	var o mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config.bootOptions"}, &o); err != nil {
		return nil, fmt.Errorf("failed to get VM boot options: %w", err)
	}
	if o.Config == nil || o.Config.BootOptions == nil {
		return nil, nil
	}
	return o.Config.BootOptions.BootOrder, nil
}
