package rmcpplus

import (
	"crypto/hmac"
	"testing"

	"github.com/google/gopacket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testController answers the console side of RAKP the way a controller does.
type testController struct {
	t *testing.T

	username []byte
	password []byte
	id       uint32
	random   Nonce
	guid     GUID

	ks   KeySchedule
	keys SessionKeys
}

func newTestController(t *testing.T) *testController {
	return &testController{
		t:        t,
		username: []byte("admin"),
		password: []byte("password"),
		id:       0x0badf00d,
		random:   sequence(0x80),
		guid:     sequence(0x90),
	}
}

func (c *testController) openSessionResponse(req *OpenSessionRequest) *OpenSessionResponse {
	c.ks = KeySchedule{
		Algorithm:           req.Authentication,
		Password:            c.password,
		Username:            c.username,
		ConsoleSessionID:    req.ConsoleSessionID,
		ControllerSessionID: c.id,
		ControllerRandom:    c.random,
		ControllerGUID:      c.guid,
	}
	return &OpenSessionResponse{
		Tag:                 req.Tag,
		MaxPrivilegeLevel:   req.MaxPrivilegeLevel,
		ConsoleSessionID:    req.ConsoleSessionID,
		ControllerSessionID: c.id,
		Authentication:      req.Authentication,
		Integrity:           req.Integrity,
		Confidentiality:     req.Confidentiality,
	}
}

func (c *testController) rakp2(m *RAKPMessage1) *RAKPMessage2 {
	require.Equal(c.t, c.id, m.ControllerSessionID)
	c.ks.ConsoleRandom = m.ConsoleRandom
	c.ks.Role = m.Role
	code, err := c.ks.RAKP2Code()
	require.NoError(c.t, err)
	return &RAKPMessage2{
		Tag:              m.Tag,
		ConsoleSessionID: c.ks.ConsoleSessionID,
		ControllerRandom: c.random,
		ControllerGUID:   c.guid,
		KeyExchangeCode:  code,
	}
}

func (c *testController) rakp4(m *RAKPMessage3) *RAKPMessage4 {
	expected, err := c.ks.RAKP3Code()
	require.NoError(c.t, err)
	require.True(c.t, hmac.Equal(expected, m.KeyExchangeCode), "RAKP 3 code mismatch")
	c.keys, err = c.ks.SessionKeys()
	require.NoError(c.t, err)
	icv, err := c.ks.RAKP4ICV(&c.keys)
	require.NoError(c.t, err)
	return &RAKPMessage4{
		Tag:                 m.Tag,
		ConsoleSessionID:    c.ks.ConsoleSessionID,
		IntegrityCheckValue: icv,
	}
}

func (c *testController) protection(s *Session) *Protection {
	v2 := s.V2()
	return &Protection{Integrity: v2.IntegrityAlg, Confidentiality: v2.CryptAlg, Keys: c.keys}
}

func testSession(t *testing.T, suite CipherSuiteID) *Session {
	s := NewSession()
	require.NoError(t, s.SetHostname("bmc.example.com"))
	require.NoError(t, s.SetUsername("admin"))
	require.NoError(t, s.SetPassword("password"))
	require.NoError(t, s.SetCipherSuite(suite))
	return s
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(log)
}

// activate runs a complete handshake and returns the controller used.
func activate(t *testing.T, s *Session) (*Handshake, *testController) {
	h := NewHandshake(s, testLogger())
	c := newTestController(t)

	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	m1, err := h.RAKPMessage1()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.rakp2(m1)))
	m3, err := h.RAKPMessage3()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.rakp4(m3)))
	return h, c
}

func TestHandshakeActivates(t *testing.T) {
	for _, suite := range []CipherSuiteID{0, 1, 2, 3, 6, 7, 8} {
		t.Run(cipherSuites[suite].String(), func(t *testing.T) {
			s := testSession(t, suite)
			_, c := activate(t, s)

			assert.Equal(t, StateActive, s.State())
			assert.True(t, s.Active())
			assert.Equal(t, uint32(1), s.OutSeq())

			v2 := s.V2()
			assert.Equal(t, suite, v2.CipherSuite)
			assert.Equal(t, c.id, v2.ControllerID)
			assert.NotZero(t, v2.ConsoleID)
			assert.Equal(t, c.guid, v2.ControllerGUID)
			assert.Equal(t, uint8(PrivilegeAdministrator)|roleNameOnlyLookup, v2.RequestedRole)
			assert.Equal(t, c.keys, s.Keys())
			if suite != 0 {
				assert.NotEqual(t, Key{}, s.Keys().SIK)
				assert.NotEqual(t, Key{}, s.Keys().K1)
				assert.NotEqual(t, Key{}, s.Keys().K2)
			}
		})
	}
}

func TestHandshakeRejectsBadRAKP2(t *testing.T) {
	s := testSession(t, 3)
	h := NewHandshake(s, testLogger())
	c := newTestController(t)

	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	m1, err := h.RAKPMessage1()
	require.NoError(t, err)
	m2 := c.rakp2(m1)
	m2.KeyExchangeCode[0] ^= 0x01

	err = h.Receive(m2)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.True(t, IsAuthError(err))
	assert.True(t, Fatal(err))
	assert.Equal(t, StatePresession, s.State())
	assert.False(t, s.Active())
	assert.Panics(t, func() { s.Keys() })
}

func TestHandshakeWrongPassword(t *testing.T) {
	s := testSession(t, 3)
	require.NoError(t, s.SetPassword("letmein"))
	h := NewHandshake(s, testLogger())
	c := newTestController(t)

	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	m1, err := h.RAKPMessage1()
	require.NoError(t, err)
	assert.ErrorIs(t, h.Receive(c.rakp2(m1)), ErrAuthentication)
	assert.Equal(t, StatePresession, s.State())
}

func TestHandshakeRejectsBadRAKP4(t *testing.T) {
	s := testSession(t, 3)
	h := NewHandshake(s, testLogger())
	c := newTestController(t)

	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	m1, err := h.RAKPMessage1()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.rakp2(m1)))
	m3, err := h.RAKPMessage3()
	require.NoError(t, err)
	m4 := c.rakp4(m3)
	m4.IntegrityCheckValue[11] ^= 0x80

	assert.ErrorIs(t, h.Receive(m4), ErrAuthentication)
	assert.Equal(t, StatePresession, s.State())
}

func TestHandshakeStatusCodes(t *testing.T) {
	t.Run("open session response", func(t *testing.T) {
		s := testSession(t, 3)
		h := NewHandshake(s, testLogger())
		req, err := h.OpenSessionRequest()
		require.NoError(t, err)

		err = h.Receive(&OpenSessionResponse{
			Tag:              req.Tag,
			Status:           StatusNoCipherSuiteMatch,
			ConsoleSessionID: req.ConsoleSessionID,
		})
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, StatusNoCipherSuiteMatch, statusErr.Code)
		assert.False(t, IsAuthError(err))
		assert.Equal(t, StatePresession, s.State())
	})

	t.Run("RAKP message 2", func(t *testing.T) {
		s := testSession(t, 3)
		h := NewHandshake(s, testLogger())
		c := newTestController(t)
		req, err := h.OpenSessionRequest()
		require.NoError(t, err)
		require.NoError(t, h.Receive(c.openSessionResponse(req)))
		m1, err := h.RAKPMessage1()
		require.NoError(t, err)

		err = h.Receive(&RAKPMessage2{
			Tag:              m1.Tag,
			Status:           StatusInsufficientResources,
			ConsoleSessionID: req.ConsoleSessionID,
		})
		assert.True(t, IsAuthError(err))
		assert.Equal(t, StatePresession, s.State())
		assert.Equal(t, StatusInsufficientResources, s.V2().RAKP2ReturnCode)
	})
}

func TestHandshakeOpenSessionResponseChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OpenSessionResponse)
		err    error
	}{
		{"console id", func(m *OpenSessionResponse) { m.ConsoleSessionID++ }, ErrSessionID},
		{"zero controller id", func(m *OpenSessionResponse) { m.ControllerSessionID = 0 }, ErrSessionID},
		{"sha256", func(m *OpenSessionResponse) { m.Authentication = AuthenticationAlgorithmHMACSHA256 }, ErrUnsupportedAlgorithm},
		{"xrc4", func(m *OpenSessionResponse) { m.Confidentiality = ConfidentialityAlgorithmXRC4128 }, ErrUnsupportedAlgorithm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(t, 3)
			h := NewHandshake(s, testLogger())
			req, err := h.OpenSessionRequest()
			require.NoError(t, err)
			m := newTestController(t).openSessionResponse(req)
			tt.mutate(m)

			assert.ErrorIs(t, h.Receive(m), tt.err)
			assert.Equal(t, StatePresession, s.State())
		})
	}
}

func TestHandshakePedantic(t *testing.T) {
	s := testSession(t, 3)
	h := NewHandshake(s, testLogger())
	h.Pedantic = true
	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	m := newTestController(t).openSessionResponse(req)
	m.Confidentiality = ConfidentialityAlgorithmNone

	assert.ErrorIs(t, h.Receive(m), ErrUnsupportedAlgorithm)
	assert.Equal(t, StatePresession, s.State())

	// the same answer is accepted when not pedantic
	h = NewHandshake(s, testLogger())
	req, err = h.OpenSessionRequest()
	require.NoError(t, err)
	m = newTestController(t).openSessionResponse(req)
	m.Confidentiality = ConfidentialityAlgorithmNone
	require.NoError(t, h.Receive(m))
	assert.Equal(t, ConfidentialityAlgorithmNone, s.V2().CryptAlg)
}

func TestHandshakePedanticLengths(t *testing.T) {
	s := testSession(t, 3)

	// trailing bytes after the open session response
	h := NewHandshake(s, testLogger())
	h.Pedantic = true
	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	m := newTestController(t).openSessionResponse(req)
	m.Payload = []byte{0xde, 0xad, 0xbe, 0xef}
	assert.ErrorIs(t, h.Receive(m), ErrMalformed)
	assert.Equal(t, StatePresession, s.State())

	// an oversized RAKP 2 key exchange code
	h = NewHandshake(s, testLogger())
	h.Pedantic = true
	c := newTestController(t)
	req, err = h.OpenSessionRequest()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	m1, err := h.RAKPMessage1()
	require.NoError(t, err)
	m2 := c.rakp2(m1)
	m2.KeyExchangeCode = append(m2.KeyExchangeCode, 0x00)
	assert.ErrorIs(t, h.Receive(m2), ErrMalformed)
	assert.Equal(t, StatePresession, s.State())

	// a RAKP 4 integrity check value of the wrong length
	h = NewHandshake(s, testLogger())
	h.Pedantic = true
	c = newTestController(t)
	req, err = h.OpenSessionRequest()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	m1, err = h.RAKPMessage1()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.rakp2(m1)))
	m3, err := h.RAKPMessage3()
	require.NoError(t, err)
	m4 := c.rakp4(m3)
	m4.IntegrityCheckValue = append(m4.IntegrityCheckValue, 0x00)
	assert.ErrorIs(t, h.Receive(m4), ErrMalformed)
	assert.Equal(t, StatePresession, s.State())

	// trailing bytes are tolerated when not pedantic
	h = NewHandshake(s, testLogger())
	req, err = h.OpenSessionRequest()
	require.NoError(t, err)
	m = newTestController(t).openSessionResponse(req)
	m.Payload = []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, h.Receive(m))
	assert.Equal(t, StateOpenSessionReceived, s.State())
}

func TestHandshakeIllegalTransitions(t *testing.T) {
	s := testSession(t, 3)
	h := NewHandshake(s, testLogger())
	c := newTestController(t)

	// nothing but the open session request can be sent first
	_, err := h.RAKPMessage1()
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.RAKPMessage3()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, h.Close(), ErrInvalidState)
	assert.Equal(t, StatePresession, s.State())

	unexpected := []gopacket.Layer{
		&OpenSessionResponse{},
		&RAKPMessage2{},
		&RAKPMessage4{},
		&RAKPMessage1{},
		&OpenSessionRequest{},
	}
	check := func(want HandshakeState, allowed gopacket.LayerType) {
		t.Helper()
		before := s.V2()
		for _, m := range unexpected {
			if m.LayerType() == allowed {
				continue
			}
			err := h.Receive(m)
			assert.ErrorIs(t, err, ErrUnexpectedMessage, "%v in %v", m.LayerType(), want)
			assert.False(t, Fatal(err))
		}
		assert.Equal(t, want, s.State())
		assert.Equal(t, before, s.V2())
	}

	check(StatePresession, gopacket.LayerTypeZero)

	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	check(StateOpenSessionSent, LayerTypeOpenSessionResponse)

	// a response to some other request is dropped
	stale := c.openSessionResponse(req)
	stale.Tag++
	assert.ErrorIs(t, h.Receive(stale), ErrUnexpectedMessage)
	assert.Equal(t, StateOpenSessionSent, s.State())

	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	check(StateOpenSessionReceived, gopacket.LayerTypeZero)

	m1, err := h.RAKPMessage1()
	require.NoError(t, err)
	check(StateRAKP1Sent, LayerTypeRAKPMessage2)

	// a RAKP 2 for another console session is dropped
	m2 := c.rakp2(m1)
	m2.ConsoleSessionID++
	assert.ErrorIs(t, h.Receive(m2), ErrUnexpectedMessage)
	assert.Equal(t, StateRAKP1Sent, s.State())

	require.NoError(t, h.Receive(c.rakp2(m1)))
	check(StateRAKP2Received, gopacket.LayerTypeZero)

	m3, err := h.RAKPMessage3()
	require.NoError(t, err)
	check(StateRAKP3Sent, LayerTypeRAKPMessage4)

	require.NoError(t, h.Receive(c.rakp4(m3)))
	check(StateActive, gopacket.LayerTypeZero)
	_, err = h.OpenSessionRequest()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, h.Close())
	check(StateCloseSent, gopacket.LayerTypeZero)
	assert.False(t, s.Active())
	assert.ErrorIs(t, h.Close(), ErrInvalidState)
}

func TestHandshakeCloseEndsSOL(t *testing.T) {
	s := testSession(t, 3)
	h, _ := activate(t, s)
	require.NoError(t, s.SOL().Activate(255, 255, 623))
	assert.True(t, s.SOL().Active())

	require.NoError(t, h.Close())
	assert.False(t, s.SOL().Active())
	assert.False(t, s.Active())
}

func TestHandshakeUsesKg(t *testing.T) {
	s := testSession(t, 3)
	kg := []byte("0123456789abcdefghij")
	require.NoError(t, s.SetKg(kg))

	h := NewHandshake(s, testLogger())
	c := newTestController(t)
	req, err := h.OpenSessionRequest()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.openSessionResponse(req)))
	copy(c.ks.Kg[:], kg)
	m1, err := h.RAKPMessage1()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.rakp2(m1)))
	m3, err := h.RAKPMessage3()
	require.NoError(t, err)
	require.NoError(t, h.Receive(c.rakp4(m3)))

	assert.Equal(t, c.keys, s.Keys())
}
