package rmcpplus

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/sirupsen/logrus"
)

// roleNameOnlyLookup selects username-only lookup on the controller.
const roleNameOnlyLookup = 0x10

// Handshake drives the console side of RAKP over a Session. It builds the
// messages to send and validates the ones received; moving bytes is left to
// the transport. Re-sending the last message on timeout is not a transition.
type Handshake struct {
	// Pedantic rejects controller answers that deviate from the proposal:
	// different algorithms, a lower privilege, or key exchange material on
	// RAKP-none.
	Pedantic bool

	s   *Session
	log *logrus.Entry
}

// NewHandshake returns a handshake bound to s.
func NewHandshake(s *Session, log *logrus.Entry) *Handshake {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handshake{s: s, log: log.WithField("component", "rakp")}
}

func (h *Handshake) expect(state HandshakeState, unexpected error) error {
	if h.s.v2.State != state {
		return fmt.Errorf("%w: handshake is %v, expected %v", unexpected, h.s.v2.State, state)
	}
	return nil
}

func (h *Handshake) transition(to HandshakeState) {
	h.log.WithFields(logrus.Fields{
		"from": h.s.v2.State,
		"to":   to,
	}).Debug("handshake transition")
	h.s.v2.State = to
}

// fail resets the session to PRESESSION. The caller holds s.mu.
func (h *Handshake) fail(err error) error {
	h.log.WithError(err).WithField("state", h.s.v2.State).Error("handshake failed")
	h.s.reset()
	return err
}

// Fail aborts the handshake with err, for checks made outside the state
// machine such as controller GUID pinning.
func (h *Handshake) Fail(err error) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.fail(err)
}

// Reset returns the session to PRESESSION, discarding any keys.
func (h *Handshake) Reset() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.reset()
}

func randomSessionID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if id := binary.LittleEndian.Uint32(b[:]); id != 0 {
			return id, nil
		}
	}
}

func randomNonce() (Nonce, error) {
	var n Nonce
	for n == (Nonce{}) {
		if _, err := rand.Read(n[:]); err != nil {
			return n, err
		}
	}
	return n, nil
}

// OpenSessionRequest starts the handshake: PRESESSION to OPEN_SESSION_SENT.
func (h *Handshake) OpenSessionRequest() (*OpenSessionRequest, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.expect(StatePresession, ErrInvalidState); err != nil {
		return nil, err
	}
	suite, err := LookupCipherSuite(h.s.cipherSuite)
	if err != nil {
		return nil, err
	}
	consoleID, err := randomSessionID()
	if err != nil {
		return nil, err
	}
	tag := h.s.v2.Tag + 1
	msg := &OpenSessionRequest{
		Tag:               tag,
		MaxPrivilegeLevel: h.s.privLevel,
		ConsoleSessionID:  consoleID,
		Authentication:    suite.Authentication,
		Integrity:         suite.Integrity,
		Confidentiality:   suite.Confidentiality,
	}

	h.s.v2 = HandshakeContext{
		State:        h.s.v2.State,
		CipherSuite:  suite.ID,
		AuthAlg:      suite.Authentication,
		IntegrityAlg: suite.Integrity,
		CryptAlg:     suite.Confidentiality,
		MaxPrivLevel: h.s.privLevel,
		ConsoleID:    consoleID,
		Tag:          tag,
	}
	h.transition(StateOpenSessionSent)
	return msg, nil
}

// HandleOpenSessionResponse accepts the controller's algorithm choice and
// session id: OPEN_SESSION_SENT to OPEN_SESSION_RECEIVED.
func (h *Handshake) HandleOpenSessionResponse(m *OpenSessionResponse) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.expect(StateOpenSessionSent, ErrUnexpectedMessage); err != nil {
		return err
	}
	if m.Tag != h.s.v2.Tag {
		return fmt.Errorf("%w: open session response tag %v, expected %v", ErrUnexpectedMessage, m.Tag, h.s.v2.Tag)
	}
	if m.Status != StatusNoErrors {
		return h.fail(&StatusError{Message: "open session response", Code: m.Status})
	}
	if m.ConsoleSessionID != h.s.v2.ConsoleID {
		return h.fail(fmt.Errorf("%w: open session response for console session %#x, expected %#x",
			ErrSessionID, m.ConsoleSessionID, h.s.v2.ConsoleID))
	}
	if m.ControllerSessionID == 0 {
		return h.fail(fmt.Errorf("%w: controller assigned session id 0", ErrSessionID))
	}
	if err := supported(m.Authentication, m.Integrity, m.Confidentiality); err != nil {
		return h.fail(err)
	}
	if h.Pedantic {
		if len(m.Payload) != 0 {
			return h.fail(fmt.Errorf("%w: %v trailing bytes after open session response", ErrMalformed, len(m.Payload)))
		}
		if m.Authentication != h.s.v2.AuthAlg || m.Integrity != h.s.v2.IntegrityAlg || m.Confidentiality != h.s.v2.CryptAlg {
			return h.fail(fmt.Errorf("%w: controller chose %v/%v/%v, proposed %v/%v/%v", ErrUnsupportedAlgorithm,
				m.Authentication, m.Integrity, m.Confidentiality,
				h.s.v2.AuthAlg, h.s.v2.IntegrityAlg, h.s.v2.CryptAlg))
		}
		if m.MaxPrivilegeLevel < h.s.privLevel {
			return h.fail(fmt.Errorf("%w: controller granted %v, requested %v", ErrAuthentication, m.MaxPrivilegeLevel, h.s.privLevel))
		}
	}

	h.s.v2.ControllerID = m.ControllerSessionID
	h.s.v2.AuthAlg = m.Authentication
	h.s.v2.IntegrityAlg = m.Integrity
	h.s.v2.CryptAlg = m.Confidentiality
	if m.MaxPrivilegeLevel.valid() {
		h.s.v2.MaxPrivLevel = m.MaxPrivilegeLevel
	}
	h.log = h.log.WithFields(logrus.Fields{
		"console_id":    fmt.Sprintf("%#08x", h.s.v2.ConsoleID),
		"controller_id": fmt.Sprintf("%#08x", h.s.v2.ControllerID),
	})
	h.transition(StateOpenSessionReceived)
	return nil
}

// RAKPMessage1 sends the console random and requested role: to RAKP_1_SENT.
func (h *Handshake) RAKPMessage1() (*RAKPMessage1, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.expect(StateOpenSessionReceived, ErrInvalidState); err != nil {
		return nil, err
	}
	rm, err := randomNonce()
	if err != nil {
		return nil, err
	}
	tag := h.s.v2.Tag + 1
	role := uint8(h.s.privLevel) | roleNameOnlyLookup
	msg := &RAKPMessage1{
		Tag:                 tag,
		ControllerSessionID: h.s.v2.ControllerID,
		ConsoleRandom:       rm,
		Role:                role,
		Username:            append([]byte(nil), h.s.username...),
	}
	h.s.v2.Tag = tag
	h.s.v2.ConsoleRandom = rm
	h.s.v2.RequestedRole = role
	h.transition(StateRAKP1Sent)
	return msg, nil
}

// HandleRAKPMessage2 authenticates the controller and derives the session
// keys: RAKP_1_SENT to RAKP_2_RECEIVED.
func (h *Handshake) HandleRAKPMessage2(m *RAKPMessage2) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.expect(StateRAKP1Sent, ErrUnexpectedMessage); err != nil {
		return err
	}
	if m.Tag != h.s.v2.Tag {
		return fmt.Errorf("%w: RAKP message 2 tag %v, expected %v", ErrUnexpectedMessage, m.Tag, h.s.v2.Tag)
	}
	if m.ConsoleSessionID != h.s.v2.ConsoleID {
		return fmt.Errorf("%w: RAKP message 2 for console session %#x", ErrUnexpectedMessage, m.ConsoleSessionID)
	}
	if m.Status != StatusNoErrors {
		err := h.fail(&StatusError{Message: "RAKP message 2", Code: m.Status, rakp: true})
		h.s.v2.RAKP2ReturnCode = m.Status
		return err
	}
	if n := h.s.v2.AuthAlg.keyExchangeCodeLength(); h.Pedantic && len(m.KeyExchangeCode) != n {
		return h.fail(fmt.Errorf("%w: RAKP message 2 key exchange code is %v bytes, expected %v", ErrMalformed, len(m.KeyExchangeCode), n))
	}

	ks := h.s.keySchedule()
	ks.ControllerRandom = m.ControllerRandom
	ks.ControllerGUID = m.ControllerGUID
	expected, err := ks.RAKP2Code()
	if err != nil {
		return h.fail(err)
	}
	if h.s.v2.AuthAlg != AuthenticationAlgorithmNone || h.Pedantic {
		if !hmac.Equal(expected, m.KeyExchangeCode) {
			return h.fail(fmt.Errorf("%w: RAKP message 2 key exchange code mismatch", ErrAuthentication))
		}
	}
	keys, err := ks.SessionKeys()
	if err != nil {
		return h.fail(err)
	}

	h.s.v2.ControllerRandom = m.ControllerRandom
	h.s.v2.ControllerGUID = m.ControllerGUID
	h.s.v2.RAKP2ReturnCode = m.Status
	h.s.v2.keys = keys
	h.s.v2.keysDerived = true
	h.transition(StateRAKP2Received)
	return nil
}

// RAKPMessage3 proves knowledge of the password to the controller: to
// RAKP_3_SENT.
func (h *Handshake) RAKPMessage3() (*RAKPMessage3, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.expect(StateRAKP2Received, ErrInvalidState); err != nil {
		return nil, err
	}
	code, err := h.s.keySchedule().RAKP3Code()
	if err != nil {
		return nil, err
	}
	tag := h.s.v2.Tag + 1
	msg := &RAKPMessage3{
		Tag:                 tag,
		Status:              StatusNoErrors,
		ControllerSessionID: h.s.v2.ControllerID,
		KeyExchangeCode:     code,
	}
	h.s.v2.Tag = tag
	h.transition(StateRAKP3Sent)
	return msg, nil
}

// HandleRAKPMessage4 checks the controller's integrity check value and
// activates the session: RAKP_3_SENT to ACTIVE.
func (h *Handshake) HandleRAKPMessage4(m *RAKPMessage4) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.expect(StateRAKP3Sent, ErrUnexpectedMessage); err != nil {
		return err
	}
	if m.Tag != h.s.v2.Tag {
		return fmt.Errorf("%w: RAKP message 4 tag %v, expected %v", ErrUnexpectedMessage, m.Tag, h.s.v2.Tag)
	}
	if m.ConsoleSessionID != h.s.v2.ConsoleID {
		return fmt.Errorf("%w: RAKP message 4 for console session %#x", ErrUnexpectedMessage, m.ConsoleSessionID)
	}
	if m.Status != StatusNoErrors {
		return h.fail(&StatusError{Message: "RAKP message 4", Code: m.Status, rakp: true})
	}
	if n := h.s.v2.AuthAlg.icvLength(); h.Pedantic && len(m.IntegrityCheckValue) != n {
		return h.fail(fmt.Errorf("%w: RAKP message 4 integrity check value is %v bytes, expected %v", ErrMalformed, len(m.IntegrityCheckValue), n))
	}
	icv, err := h.s.keySchedule().RAKP4ICV(&h.s.v2.keys)
	if err != nil {
		return h.fail(err)
	}
	if h.s.v2.AuthAlg != AuthenticationAlgorithmNone || h.Pedantic {
		if !hmac.Equal(icv, m.IntegrityCheckValue) {
			return h.fail(fmt.Errorf("%w: RAKP message 4 integrity check value mismatch", ErrAuthentication))
		}
	}

	h.s.outSeq = 1
	h.s.window.Reset()
	h.transition(StateActive)
	h.log.WithFields(logrus.Fields{
		"cipher_suite": h.s.v2.CipherSuite,
		"privilege":    h.s.v2.MaxPrivLevel,
	}).Info("session activated")
	return nil
}

// Close moves an active session to CLOSE_SENT once the Close Session request
// has been sent. Any SOL sub-session ends with it.
func (h *Handshake) Close() error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.expect(StateActive, ErrInvalidState); err != nil {
		return err
	}
	h.s.sol.Deactivate()
	h.transition(StateCloseSent)
	return nil
}

// Receive dispatches a decoded handshake message. Messages the console never
// receives, or that do not fit the current state, are rejected with
// ErrUnexpectedMessage and change nothing.
func (h *Handshake) Receive(l gopacket.Layer) error {
	switch m := l.(type) {
	case *OpenSessionResponse:
		return h.HandleOpenSessionResponse(m)
	case *RAKPMessage2:
		return h.HandleRAKPMessage2(m)
	case *RAKPMessage4:
		return h.HandleRAKPMessage4(m)
	default:
		return fmt.Errorf("%w: %v", ErrUnexpectedMessage, l.LayerType())
	}
}

// Fatal reports whether err ended the handshake, as opposed to a message that
// was dropped.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrUnexpectedMessage)
}
