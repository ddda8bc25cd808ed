package rmcpplus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSOL(t *testing.T) (*Session, *SOLSession) {
	s := testSession(t, 3)
	activate(t, s)
	sol := s.SOL()
	require.NoError(t, sol.Activate(64, 32, 623))
	return s, sol
}

func TestSOLActivateRequiresActiveSession(t *testing.T) {
	s := testSession(t, 3)
	assert.ErrorIs(t, s.SOL().Activate(64, 64, 623), ErrNotActive)
	assert.False(t, s.SOL().Active())

	_, err := s.SOL().NextPacket([]byte("x"), 0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestSOLActivate(t *testing.T) {
	_, sol := activeSOL(t)
	assert.True(t, sol.Active())
	assert.Equal(t, 64, sol.MaxInbound())
	assert.Equal(t, 32, sol.MaxOutbound())
	assert.Equal(t, uint16(623), sol.Port())
}

func TestSOLSequenceWraps(t *testing.T) {
	_, sol := activeSOL(t)
	for i := 0; i < 40; i++ {
		p, err := sol.NextPacket([]byte{'a'}, 0)
		require.NoError(t, err)
		assert.Equal(t, uint8(i%15+1), p.Sequence)
		assert.Equal(t, p.Sequence, sol.Outstanding())
	}
}

func TestSOLAckOnlyHasNoSequence(t *testing.T) {
	_, sol := activeSOL(t)
	p, err := sol.NextPacket(nil, 0)
	require.NoError(t, err)
	assert.Zero(t, p.Sequence)
	assert.Zero(t, sol.Outstanding())
}

func TestSOLPayloadLimits(t *testing.T) {
	_, sol := activeSOL(t)

	_, err := sol.NextPacket(make([]byte, 28), 0)
	require.NoError(t, err)
	_, err = sol.NextPacket(make([]byte, 29), 0)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = sol.Receive(&SOLPacket{Sequence: 1, Data: make([]byte, 61)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.False(t, sol.AckPending())
}

func TestSOLActivateCapsSizes(t *testing.T) {
	s := testSession(t, 3)
	activate(t, s)
	sol := s.SOL()
	require.NoError(t, sol.Activate(1024, 1024, 623))
	assert.Equal(t, 259, sol.MaxInbound())
	assert.Equal(t, 259, sol.MaxOutbound())

	_, err := sol.Receive(&SOLPacket{Sequence: 1, Data: make([]byte, 300)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	_, err = sol.NextPacket(make([]byte, 300), 0)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = sol.Receive(&SOLPacket{Sequence: 1, Data: make([]byte, 255)})
	require.NoError(t, err)
	ack, err := sol.AckPacket()
	require.NoError(t, err)
	assert.Equal(t, uint8(255), ack.AcceptedCount)
}

func TestSOLActivateAfterClose(t *testing.T) {
	s := testSession(t, 3)
	h, _ := activate(t, s)
	require.NoError(t, h.Close())
	assert.ErrorIs(t, s.SOL().Activate(64, 32, 623), ErrNotActive)
	assert.False(t, s.SOL().Active())
}

func TestSOLCumulativeAck(t *testing.T) {
	_, sol := activeSOL(t)
	var got []byte
	sol.SetHandler(func(data []byte) { got = append(got, data...) })

	out, err := sol.NextPacket([]byte("ls\r"), 0)
	require.NoError(t, err)

	acked, err := sol.Receive(&SOLPacket{Sequence: 1, AckSequence: out.Sequence, AcceptedCount: 3, Data: []byte("ls\r\n")})
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Zero(t, sol.Outstanding())

	acked, err = sol.Receive(&SOLPacket{Sequence: 2, Data: []byte("bin")})
	require.NoError(t, err)
	assert.False(t, acked)
	assert.Equal(t, "ls\r\nbin", string(got))

	// the next outbound packet acknowledges the last received one
	next, err := sol.NextPacket([]byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), next.AckSequence)
	assert.Equal(t, uint8(3), next.AcceptedCount)
	assert.False(t, sol.AckPending())

	// nothing new to acknowledge
	next, err = sol.NextPacket([]byte("y"), 0)
	require.NoError(t, err)
	assert.Zero(t, next.AckSequence)
}

func TestSOLNackDoesNotAck(t *testing.T) {
	_, sol := activeSOL(t)
	out, err := sol.NextPacket([]byte("a"), 0)
	require.NoError(t, err)

	acked, err := sol.Receive(&SOLPacket{AckSequence: out.Sequence, Operation: SOLStatusNack})
	require.NoError(t, err)
	assert.False(t, acked)
	assert.Equal(t, out.Sequence, sol.Outstanding())
}

func TestSOLRetransmissionDeliveredOnce(t *testing.T) {
	_, sol := activeSOL(t)
	calls := 0
	sol.SetHandler(func([]byte) { calls++ })

	p := &SOLPacket{Sequence: 5, Data: []byte("boot")}
	_, err := sol.Receive(p)
	require.NoError(t, err)
	ack, err := sol.AckPacket()
	require.NoError(t, err)
	assert.Equal(t, uint8(5), ack.AckSequence)
	assert.Equal(t, uint8(4), ack.AcceptedCount)
	assert.Zero(t, ack.Sequence)

	// our ack was lost and the controller re-sent
	_, err = sol.Receive(p)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, sol.AckPending())
}

func TestSOLAckPacketWithoutData(t *testing.T) {
	_, sol := activeSOL(t)
	_, err := sol.AckPacket()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSOLWithoutHandler(t *testing.T) {
	s, sol := activeSOL(t)
	in, out := s.InSeq(), s.OutSeq()

	acked, err := sol.Receive(&SOLPacket{Sequence: 1, Data: []byte("console output")})
	require.NoError(t, err)
	assert.False(t, acked)
	assert.True(t, sol.AckPending())

	assert.Equal(t, in, s.InSeq())
	assert.Equal(t, out, s.OutSeq())
	assert.True(t, s.Active())
}

func TestSOLDeactivate(t *testing.T) {
	_, sol := activeSOL(t)
	sol.Deactivate()
	assert.False(t, sol.Active())
	_, err := sol.Receive(&SOLPacket{Sequence: 1, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrNotActive)
}
