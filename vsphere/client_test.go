package vsphere

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/types"
)

func TestClientPower(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c, err := NewClientFromVim(ctx, vc, "DC0")
		require.NoError(t, err)
		assert.NoError(t, c.Logout(ctx))

		vm, err := c.FindVM(ctx, "DC0_H0_VM0")
		require.NoError(t, err)

		state, err := c.PowerState(ctx, vm)
		require.NoError(t, err)
		assert.Equal(t, types.VirtualMachinePowerStatePoweredOn, state)

		require.NoError(t, c.Reset(ctx, vm))
		require.NoError(t, c.PowerOff(ctx, vm))
		state, err = c.PowerState(ctx, vm)
		require.NoError(t, err)
		assert.Equal(t, types.VirtualMachinePowerStatePoweredOff, state)

		require.NoError(t, c.PowerOn(ctx, vm))
		state, err = c.PowerState(ctx, vm)
		require.NoError(t, err)
		assert.Equal(t, types.VirtualMachinePowerStatePoweredOn, state)
	})
}

func TestClientNotFound(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		_, err := NewClientFromVim(ctx, vc, "nope")
		assert.Error(t, err)

		c, err := NewClientFromVim(ctx, vc, "DC0")
		require.NoError(t, err)
		_, err = c.FindVM(ctx, "missing-vm")
		assert.Error(t, err)
	})
}

func TestClientBootOrder(t *testing.T) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		c, err := NewClientFromVim(ctx, vc, "DC0")
		require.NoError(t, err)
		vm, err := c.FindVM(ctx, "DC0_H0_VM0")
		require.NoError(t, err)

		require.NoError(t, c.SetNextBoot(ctx, vm, BootDevicePXE))
		order, err := c.BootOrder(ctx, vm)
		require.NoError(t, err)
		require.Len(t, order, 1)
		assert.IsType(t, &types.VirtualMachineBootOptionsBootableEthernetDevice{}, order[0])

		assert.Error(t, c.SetNextBoot(ctx, vm, BootDevice("usb")))
	})
}
