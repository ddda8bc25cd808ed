package rmcpplus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionDefaults(t *testing.T) {
	s := NewSession()
	assert.Equal(t, PrivilegeAdministrator, s.PrivilegeLevel())
	assert.Equal(t, DefaultPort, s.Port())
	assert.Equal(t, uint8(AuthTypeRMCPPlus), s.AuthType())
	assert.Equal(t, DefaultTimeout, s.Timeout())
	assert.Equal(t, DefaultRetries, s.Retries())
	assert.Equal(t, DefaultCipherSuite, s.CipherSuite())
	assert.Equal(t, DefaultSequenceWindow, s.SequenceWindow())
	assert.Equal(t, StatePresession, s.State())
	assert.False(t, s.Active())
	assert.Panics(t, func() { s.Keys() })
}

func TestSessionSetters(t *testing.T) {
	s := NewSession()

	assert.ErrorIs(t, s.SetHostname(""), ErrInvalidConfig)
	assert.ErrorIs(t, s.SetHostname(strings.Repeat("h", MaxHostnameLength+1)), ErrInvalidConfig)
	require.NoError(t, s.SetHostname(strings.Repeat("h", MaxHostnameLength)))
	require.NoError(t, s.SetHostname("10.0.0.1"))
	assert.Equal(t, "10.0.0.1", s.Hostname())

	assert.ErrorIs(t, s.SetUsername(strings.Repeat("u", MaxUsernameLength+1)), ErrInvalidConfig)
	require.NoError(t, s.SetUsername(strings.Repeat("u", MaxUsernameLength)))
	require.NoError(t, s.SetUsername(""))

	assert.ErrorIs(t, s.SetPassword(strings.Repeat("p", MaxPasswordLength+1)), ErrInvalidConfig)
	require.NoError(t, s.SetPassword(strings.Repeat("p", MaxPasswordLength)))

	assert.ErrorIs(t, s.SetKg(make([]byte, KeySize+1)), ErrInvalidConfig)
	require.NoError(t, s.SetKg(make([]byte, KeySize)))

	for _, level := range []PrivilegeLevel{0, 6, 0x0f} {
		assert.ErrorIs(t, s.SetPrivilegeLevel(level), ErrInvalidConfig)
	}
	require.NoError(t, s.SetPrivilegeLevel(PrivilegeOperator))
	assert.Equal(t, PrivilegeOperator, s.PrivilegeLevel())

	for _, port := range []int{0, -1, 65536} {
		assert.ErrorIs(t, s.SetPort(port), ErrInvalidConfig)
	}
	require.NoError(t, s.SetPort(6230))
	assert.Equal(t, "10.0.0.1:6230", s.Address())

	assert.ErrorIs(t, s.SetCipherSuite(17), ErrInvalidConfig)
	assert.ErrorIs(t, s.SetCipherSuite(4), ErrInvalidConfig)
	require.NoError(t, s.SetCipherSuite(8))

	assert.ErrorIs(t, s.SetTimeout(0), ErrInvalidConfig)
	require.NoError(t, s.SetTimeout(time.Second))
	assert.ErrorIs(t, s.SetRetries(-1), ErrInvalidConfig)
	require.NoError(t, s.SetRetries(0))
	assert.ErrorIs(t, s.SetSequenceWindow(64), ErrInvalidConfig)
	require.NoError(t, s.SetSequenceWindow(0))
	assert.Equal(t, 0, s.SequenceWindow())
}

func TestSessionSettersRejectedWhileInUse(t *testing.T) {
	s := testSession(t, 3)
	activate(t, s)

	assert.ErrorIs(t, s.SetUsername("other"), ErrInvalidConfig)
	assert.ErrorIs(t, s.SetPassword("other"), ErrInvalidConfig)
	assert.ErrorIs(t, s.SetCipherSuite(1), ErrInvalidConfig)
	assert.Equal(t, "admin", s.Username())
}

func TestParsePrivilegeLevel(t *testing.T) {
	for in, want := range map[string]PrivilegeLevel{
		"callback":      PrivilegeCallback,
		"USER":          PrivilegeUser,
		"Operator":      PrivilegeOperator,
		"administrator": PrivilegeAdministrator,
		"admin":         PrivilegeAdministrator,
		"oem":           PrivilegeOEM,
	} {
		got, err := ParsePrivilegeLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePrivilegeLevel("root")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSessionSealRequiresActive(t *testing.T) {
	s := testSession(t, 3)
	_, _, err := s.Seal(PayloadTypeIPMI, []byte{1})
	assert.ErrorIs(t, err, ErrNotActive)
	_, _, err = s.Unseal([]byte{0x06, 0x00, 0xff, 0x07, 0x06, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestSessionSealSequence(t *testing.T) {
	s := testSession(t, 3)
	_, c := activate(t, s)
	p := c.protection(s)

	for want := uint32(1); want <= 3; want++ {
		raw, seq, err := s.Seal(PayloadTypeIPMI, []byte{0x20, 0x18})
		require.NoError(t, err)
		assert.Equal(t, want, seq)

		pkt, err := DecodePacket(raw)
		require.NoError(t, err)
		assert.Equal(t, c.id, pkt.Session.SessionID)
		assert.Equal(t, want, pkt.Session.Sequence)
		require.NoError(t, p.Verify(pkt))
		payload, err := p.Decrypt(pkt)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x20, 0x18}, payload)
	}
	assert.Equal(t, uint32(4), s.OutSeq())

	_, _, err := s.Seal(PayloadTypeRAKPMessage1, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSessionOutSeqSkipsZero(t *testing.T) {
	s := testSession(t, 3)
	activate(t, s)
	s.mu.Lock()
	s.outSeq = 0xffffffff
	s.mu.Unlock()

	_, seq, err := s.Seal(PayloadTypeIPMI, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffffff), seq)
	assert.Equal(t, uint32(1), s.OutSeq())
}

func TestSessionUnseal(t *testing.T) {
	s := testSession(t, 3)
	_, c := activate(t, s)
	p := c.protection(s)
	consoleID := s.V2().ConsoleID

	seal := func(seq uint32, sessionID uint32) []byte {
		raw, err := p.Seal(PayloadTypeIPMI, sessionID, seq, []byte{0x81, 0x1c, 0x63, 0x20, 0x04, 0x01, 0x00, 0xdb})
		require.NoError(t, err)
		return raw
	}

	_, payload, err := s.Unseal(seal(1, consoleID))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x1c, 0x63, 0x20, 0x04, 0x01, 0x00, 0xdb}, payload)
	assert.Equal(t, uint32(1), s.InSeq())

	_, _, err = s.Unseal(seal(1, consoleID))
	assert.ErrorIs(t, err, ErrReplay)

	_, _, err = s.Unseal(seal(2, consoleID+1))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	// a forged packet ahead of the window does not advance it
	forged := seal(50, consoleID)
	forged[len(forged)-1] ^= 0xff
	_, _, err = s.Unseal(forged)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, uint32(1), s.InSeq())

	_, _, err = s.Unseal(seal(3, consoleID))
	require.NoError(t, err)
	_, _, err = s.Unseal(seal(2, consoleID))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), s.InSeq())

	_, _, err = s.Unseal(seal(3+DefaultSequenceWindow+1, consoleID))
	require.NoError(t, err)
	_, _, err = s.Unseal(seal(3, consoleID))
	assert.ErrorIs(t, err, ErrOutOfWindow)
}
