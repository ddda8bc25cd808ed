package bmc

import (
	goipmi "github.com/ooneko/goipmi"

	"github.com/ipmi-lanplus/ipmi"
)

func (s *Server) handleGetDeviceID(m *ipmi.Message) goipmi.Response {
	return &goipmi.DeviceIDResponse{
		CompletionCode: goipmi.CommandCompleted,
		DeviceID:       0x20,
		IPMIVersion:    0x51,
	}
}

// handleGetChassisStatus handles IPMI get chassis status commands
func (s *Server) handleGetChassisStatus(m *ipmi.Message) goipmi.Response {
	var powerState byte
	if s.power {
		powerState = goipmi.SystemPower
	}
	return &goipmi.ChassisStatusResponse{
		CompletionCode: goipmi.CommandCompleted,
		PowerState:     powerState,
	}
}

// handleChassisControl handles IPMI chassis control commands
func (s *Server) handleChassisControl(m *ipmi.Message) goipmi.Response {
	if len(m.Data) < 1 {
		return goipmi.ErrInvalidCommand
	}
	switch m.Data[0] & 0x0f {
	case uint8(goipmi.ControlPowerDown):
		s.log.Info("Power down command received")
		s.power = false
	case uint8(goipmi.ControlPowerUp):
		s.log.Info("Power up command received")
		s.power = true
	case uint8(goipmi.ControlPowerHardReset), uint8(goipmi.ControlPowerCycle):
		s.log.Info("Reset command received")
		s.power = true
	default:
		s.log.Warnf("Unsupported chassis control command: %#x", m.Data[0])
		return goipmi.ErrInvalidCommand
	}
	return goipmi.CommandCompleted
}

// handleSetSystemBootOptions records the boot device of the boot flags
// parameter.
func (s *Server) handleSetSystemBootOptions(m *ipmi.Message) goipmi.Response {
	if len(m.Data) < 1 {
		return goipmi.ErrInvalidCommand
	}
	if m.Data[0]&0x7f != uint8(goipmi.BootParamBootFlags) {
		return goipmi.CommandCompleted
	}
	if len(m.Data) < 3 {
		return goipmi.ErrInvalidCommand
	}
	switch goipmi.BootDevice(m.Data[2] & 0x3c) {
	case goipmi.BootDeviceNone, goipmi.BootDeviceDisk, goipmi.BootDeviceCdrom, goipmi.BootDevicePxe, goipmi.BootDeviceFloppy:
		s.bootDevice = m.Data[2] & 0x3c
		return goipmi.CommandCompleted
	default:
		s.log.Warnf("Unsupported boot device: %#x", m.Data[2])
		return goipmi.ErrInvalidObjCommand
	}
}

// BootDevice returns the boot device selector last set.
func (s *Server) BootDevice() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootDevice
}
