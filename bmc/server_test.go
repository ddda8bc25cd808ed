package bmc

import (
	"context"
	"testing"
	"time"

	goipmi "github.com/ooneko/goipmi"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipmi-lanplus/ipmi"
)

func startServer(t *testing.T) (*Server, *ipmi.LANPlus) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	s := NewServer(logrus.NewEntry(log))
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Stop)

	addr := s.Addr()
	l, err := ipmi.NewLANPlus(
		ipmi.WithHost(addr.IP.String(), addr.Port),
		ipmi.WithCredentials("admin", "password"),
		ipmi.WithTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return s, l
}

func TestServerAddUser(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.AddUser("operator", "secret"))
	assert.Error(t, s.AddUser("admin", "other"))
}

func TestServerSetHandler(t *testing.T) {
	s, l := startServer(t)
	ctx := context.Background()
	require.NoError(t, l.Open(ctx))

	s.SetHandler(goipmi.NetworkFunctionApp, goipmi.CommandGetDeviceID, func(m *ipmi.Message) goipmi.Response {
		return &ipmi.Response{CompletionCode: goipmi.CommandCompleted, Data: []byte{0xaa, 0xbb}}
	})
	rsp, err := l.SendRecv(ctx, &ipmi.Request{
		NetworkFunction: goipmi.NetworkFunctionApp,
		Command:         goipmi.CommandGetDeviceID,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, rsp.Data)
}

func TestServerBootDevice(t *testing.T) {
	s, l := startServer(t)
	ctx := context.Background()
	require.NoError(t, l.Open(ctx))

	rsp, err := l.SendRecv(ctx, &ipmi.Request{
		NetworkFunction: goipmi.NetworkFunctionChassis,
		Command:         goipmi.CommandSetSystemBootOptions,
		Data:            []byte{uint8(goipmi.BootParamBootFlags), 0x80, uint8(goipmi.BootDevicePxe), 0, 0},
	})
	require.NoError(t, err)
	require.NoError(t, rsp.Err())
	assert.Equal(t, uint8(goipmi.BootDevicePxe), s.BootDevice())

	rsp, err = l.SendRecv(ctx, &ipmi.Request{
		NetworkFunction: goipmi.NetworkFunctionChassis,
		Command:         goipmi.CommandSetSystemBootOptions,
		Data:            []byte{uint8(goipmi.BootParamBootFlags), 0x80, 0x18, 0, 0},
	})
	require.NoError(t, err)
	assert.Error(t, rsp.Err())
}

func TestServerActivatePayloadTwice(t *testing.T) {
	_, l := startServer(t)
	ctx := context.Background()
	require.NoError(t, l.Open(ctx))
	require.NoError(t, l.ActivateSOL(ctx))

	rsp, err := l.SendRecv(ctx, &ipmi.Request{
		NetworkFunction: goipmi.NetworkFunctionApp,
		Command:         ipmi.CommandActivatePayload,
		Data:            []byte{0x01, 0x01, 0xc6, 0, 0, 0},
	})
	require.NoError(t, err)
	var ce *ipmi.CompletionError
	require.ErrorAs(t, rsp.Err(), &ce)
	assert.Equal(t, uint8(0x80), uint8(ce.Code))
}

func TestServerCloseOtherSession(t *testing.T) {
	s, l := startServer(t)
	ctx := context.Background()
	require.NoError(t, l.Open(ctx))

	addr := s.Addr()
	other, err := ipmi.NewLANPlus(ipmi.WithHost(addr.IP.String(), addr.Port), ipmi.WithCredentials("admin", "password"))
	require.NoError(t, err)
	require.NoError(t, other.Open(ctx))
	assert.Equal(t, 2, s.Sessions())

	var id [4]byte
	sid := other.Session().V2().ControllerID
	id[0], id[1], id[2], id[3] = byte(sid), byte(sid>>8), byte(sid>>16), byte(sid>>24)
	rsp, err := l.SendRecv(ctx, &ipmi.Request{
		NetworkFunction: goipmi.NetworkFunctionApp,
		Command:         goipmi.CommandCloseSession,
		Data:            id[:],
	})
	require.NoError(t, err)
	require.NoError(t, rsp.Err())
	assert.Equal(t, 1, s.Sessions())

	other.Abort()
	assert.NoError(t, other.Close())
}
