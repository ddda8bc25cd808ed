package ipmi

import (
	"context"
	"fmt"
	"sync"

	goipmi "github.com/ooneko/goipmi"
	"github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/ipmi-lanplus/pkg/rmcpplus"
	"github.com/ipmi-lanplus/vsphere"
)

// TransportVSphere is the registry name of the vSphere chassis transport.
const TransportVSphere = "vsphere"

// handler serves one IPMI command against the VM.
type handler func(ctx context.Context, req *Request) goipmi.Response

type command struct {
	netfn goipmi.NetworkFunction
	cmd   goipmi.Command
}

// VSphere answers chassis commands for a virtual machine through vCenter
// instead of a BMC. It has no RMCP+ session and no SOL.
type VSphere struct {
	client *vsphere.Client
	name   string
	log    *logrus.Entry

	mu       sync.Mutex
	vm       *object.VirtualMachine
	handlers map[command]handler
	abort    chan struct{}
}

func newVSphere(o *Options) (Interface, error) {
	v, err := setupVSphere(o)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewVSphere creates a vSphere interface for the VM set with WithVM.
func NewVSphere(opts ...Option) (*VSphere, error) {
	return setupVSphere(newOptions(opts...))
}

func setupVSphere(o *Options) (*VSphere, error) {
	if o.VSphere == nil || o.VM == "" {
		return nil, fmt.Errorf("%w: vsphere interface needs a vCenter client and a VM", rmcpplus.ErrInvalidConfig)
	}
	v := &VSphere{
		client: o.VSphere,
		name:   o.VM,
		log: o.Log.WithFields(logrus.Fields{
			"interface": TransportVSphere,
			"vm":        o.VM,
		}),
		abort: make(chan struct{}),
	}
	v.handlers = map[command]handler{
		{goipmi.NetworkFunctionApp, goipmi.CommandGetDeviceID}:              v.handleGetDeviceID,
		{goipmi.NetworkFunctionChassis, goipmi.CommandChassisStatus}:        v.handleGetChassisStatus,
		{goipmi.NetworkFunctionChassis, goipmi.CommandChassisControl}:       v.handleChassisControl,
		{goipmi.NetworkFunctionChassis, goipmi.CommandSetSystemBootOptions}: v.handleSetSystemBootOptions,
	}
	return v, nil
}

func (v *VSphere) Name() string {
	return TransportVSphere
}

// Open looks the VM up.
func (v *VSphere) Open(ctx context.Context) error {
	vm, err := v.client.FindVM(ctx, v.name)
	if err != nil {
		return fmt.Errorf("%w: %v", rmcpplus.ErrTransport, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vm = vm
	v.abort = make(chan struct{})
	v.log.Info("opened")
	return nil
}

func (v *VSphere) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vm = nil
	return nil
}

func (v *VSphere) Opened() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vm != nil
}

func (v *VSphere) Session() *rmcpplus.Session {
	return nil
}

func (v *VSphere) Abort() {
	v.mu.Lock()
	defer v.mu.Unlock()
	select {
	case <-v.abort:
	default:
		close(v.abort)
	}
}

func (v *VSphere) SendSOL(context.Context, []byte) (*rmcpplus.SOLPacket, error) {
	return nil, fmt.Errorf("%w: SOL over %s", rmcpplus.ErrNotSupported, TransportVSphere)
}

func (v *VSphere) RecvSOL(context.Context) (*rmcpplus.SOLPacket, error) {
	return nil, fmt.Errorf("%w: SOL over %s", rmcpplus.ErrNotSupported, TransportVSphere)
}

// SendRecv runs the command against the VM. Unknown commands complete with
// the invalid command code, as a BMC would answer them.
func (v *VSphere) SendRecv(ctx context.Context, req *Request) (*Response, error) {
	v.mu.Lock()
	vm, abort := v.vm, v.abort
	v.mu.Unlock()
	if vm == nil {
		return nil, fmt.Errorf("%w: interface not open", rmcpplus.ErrNotActive)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	h, ok := v.handlers[command{req.NetworkFunction, req.Command}]
	if !ok {
		v.log.Warnf("Unsupported IPMI command: %v", req)
		return EncodeResponse(goipmi.ErrInvalidCommand)
	}
	rsp := h(ctx, req)
	select {
	case <-abort:
		return nil, rmcpplus.ErrAborted
	default:
	}
	return EncodeResponse(rsp)
}

func (v *VSphere) target() *object.VirtualMachine {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vm
}

func (v *VSphere) handleGetDeviceID(ctx context.Context, req *Request) goipmi.Response {
	return &goipmi.DeviceIDResponse{
		CompletionCode: goipmi.CommandCompleted,
		DeviceID:       0x20,
		IPMIVersion:    0x51,
	}
}

// handleGetChassisStatus handles IPMI get chassis status commands
func (v *VSphere) handleGetChassisStatus(ctx context.Context, req *Request) goipmi.Response {
	v.log.Debug("Getting chassis status")

	powerState, err := v.client.PowerState(ctx, v.target())
	if err != nil {
		v.log.Errorf("Failed to get power state: %v", err)
		return goipmi.ErrUnspecified
	}

	var powerStateByte byte
	if powerState == types.VirtualMachinePowerStatePoweredOn {
		powerStateByte = goipmi.SystemPower
	}

	return &goipmi.ChassisStatusResponse{
		CompletionCode: goipmi.CommandCompleted,
		PowerState:     powerStateByte,
	}
}

// handleChassisControl handles IPMI chassis control commands
func (v *VSphere) handleChassisControl(ctx context.Context, req *Request) goipmi.Response {
	if len(req.Data) < 1 {
		return goipmi.ErrInvalidCommand
	}
	vm := v.target()

	switch req.Data[0] & 0x0f {
	case uint8(goipmi.ControlPowerDown):
		v.log.Info("Power down command received")
		if err := v.client.PowerOff(ctx, vm); err != nil {
			v.log.Errorf("Failed to power off VM: %v", err)
			return goipmi.ErrUnspecified
		}
	case uint8(goipmi.ControlPowerUp):
		v.log.Info("Power up command received")
		if err := v.client.PowerOn(ctx, vm); err != nil {
			v.log.Errorf("Failed to power on VM: %v", err)
			return goipmi.ErrUnspecified
		}
	case uint8(goipmi.ControlPowerHardReset):
		v.log.Info("Reset command received")
		if err := v.client.Reset(ctx, vm); err != nil {
			v.log.Errorf("Failed to reset VM: %v", err)
			return goipmi.ErrUnspecified
		}
	case uint8(goipmi.ControlPowerCycle):
		v.log.Info("Power cycle command received")
		if err := v.client.PowerOff(ctx, vm); err != nil {
			v.log.Errorf("Failed to power off VM during cycle: %v", err)
			return goipmi.ErrUnspecified
		}
		if err := v.client.PowerOn(ctx, vm); err != nil {
			v.log.Errorf("Failed to power on VM during cycle: %v", err)
			return goipmi.ErrUnspecified
		}
	default:
		v.log.Warnf("Unsupported chassis control command: %#x", req.Data[0])
		return goipmi.ErrInvalidCommand
	}

	return goipmi.CommandCompleted
}

// handleSetSystemBootOptions maps the boot flags parameter to the VM boot
// order. Other parameters are accepted and ignored.
func (v *VSphere) handleSetSystemBootOptions(ctx context.Context, req *Request) goipmi.Response {
	if len(req.Data) < 1 {
		return goipmi.ErrInvalidCommand
	}
	if req.Data[0]&0x7f != uint8(goipmi.BootParamBootFlags) {
		return goipmi.CommandCompleted
	}
	if len(req.Data) < 3 {
		return goipmi.ErrInvalidCommand
	}

	var bootDevice vsphere.BootDevice
	switch goipmi.BootDevice(req.Data[2] & 0x3c) {
	case goipmi.BootDeviceNone:
		return goipmi.CommandCompleted
	case goipmi.BootDeviceDisk:
		bootDevice = vsphere.BootDeviceHDD
	case goipmi.BootDeviceCdrom:
		bootDevice = vsphere.BootDeviceCDROM
	case goipmi.BootDevicePxe:
		bootDevice = vsphere.BootDevicePXE
	case goipmi.BootDeviceFloppy:
		bootDevice = vsphere.BootDeviceFloppy
	default:
		v.log.Warnf("Unsupported boot device: %#x", req.Data[2])
		return goipmi.ErrInvalidObjCommand
	}

	if err := v.client.SetNextBoot(ctx, v.target(), bootDevice); err != nil {
		v.log.Errorf("Failed to set boot device: %v", err)
		return goipmi.ErrUnspecified
	}
	return goipmi.CommandCompleted
}
