package rmcpplus

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PrivilegeLevel is the requested maximum privilege of a session.
type PrivilegeLevel uint8

const (
	PrivilegeCallback      PrivilegeLevel = 0x01
	PrivilegeUser          PrivilegeLevel = 0x02
	PrivilegeOperator      PrivilegeLevel = 0x03
	PrivilegeAdministrator PrivilegeLevel = 0x04
	PrivilegeOEM           PrivilegeLevel = 0x05
)

func (p PrivilegeLevel) String() string {
	switch p {
	case PrivilegeCallback:
		return "CALLBACK"
	case PrivilegeUser:
		return "USER"
	case PrivilegeOperator:
		return "OPERATOR"
	case PrivilegeAdministrator:
		return "ADMINISTRATOR"
	case PrivilegeOEM:
		return "OEM"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint8(p))
	}
}

func (p PrivilegeLevel) valid() bool {
	return p >= PrivilegeCallback && p <= PrivilegeOEM
}

// ParsePrivilegeLevel accepts the level names used on the command line of
// most IPMI tools, case insensitively.
func ParsePrivilegeLevel(s string) (PrivilegeLevel, error) {
	switch strings.ToLower(s) {
	case "callback":
		return PrivilegeCallback, nil
	case "user":
		return PrivilegeUser, nil
	case "operator":
		return PrivilegeOperator, nil
	case "administrator", "admin":
		return PrivilegeAdministrator, nil
	case "oem":
		return PrivilegeOEM, nil
	}
	return 0, fmt.Errorf("%w: unknown privilege level %q", ErrInvalidConfig, s)
}

// HandshakeState is the progress of the RAKP handshake.
type HandshakeState uint8

const (
	StatePresession HandshakeState = iota
	StateOpenSessionSent
	StateOpenSessionReceived
	StateRAKP1Sent
	StateRAKP2Received
	StateRAKP3Sent
	StateActive
	StateCloseSent
)

func (s HandshakeState) String() string {
	switch s {
	case StatePresession:
		return "PRESESSION"
	case StateOpenSessionSent:
		return "OPEN_SESSION_SENT"
	case StateOpenSessionReceived:
		return "OPEN_SESSION_RECEIVED"
	case StateRAKP1Sent:
		return "RAKP_1_SENT"
	case StateRAKP2Received:
		return "RAKP_2_RECEIVED"
	case StateRAKP3Sent:
		return "RAKP_3_SENT"
	case StateActive:
		return "ACTIVE"
	case StateCloseSent:
		return "CLOSE_SENT"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// HandshakeContext is the IPMI v2.0 specific part of a session. Only the
// Handshake writes it.
type HandshakeContext struct {
	State HandshakeState

	CipherSuite      CipherSuiteID
	AuthAlg          AuthenticationAlgorithm
	IntegrityAlg     IntegrityAlgorithm
	CryptAlg         ConfidentialityAlgorithm
	MaxPrivLevel     PrivilegeLevel
	ConsoleID        uint32
	ControllerID     uint32
	ConsoleRandom    Nonce
	ControllerRandom Nonce
	ControllerGUID   GUID
	RequestedRole    uint8
	RAKP2ReturnCode  StatusCode

	// Tag is the message tag of the last handshake request sent.
	Tag uint8

	keys        SessionKeys
	keysDerived bool
}

const (
	// DefaultPort is the RMCP port.
	DefaultPort = 623

	// DefaultTimeout is the per-round response timeout.
	DefaultTimeout = 2 * time.Second

	// DefaultRetries is the number of re-sends after the first attempt.
	DefaultRetries = 4

	// MaxHostnameLength leaves room for the terminator of the 64-byte field.
	MaxHostnameLength = 63
)

// Session is the state of one logical connection to a controller.
type Session struct {
	mu sync.Mutex

	hostname    string
	username    []byte
	password    []byte
	kg          [KgBufferSize]byte
	privLevel   PrivilegeLevel
	port        int
	authType    uint8
	timeout     time.Duration
	retries     int
	cipherSuite CipherSuiteID

	window *SequenceWindow
	outSeq uint32

	v2  HandshakeContext
	sol *SOLSession
}

// NewSession returns a session configured with the defaults: administrator
// privilege, port 623, cipher suite 3.
func NewSession() *Session {
	s := &Session{
		privLevel:   PrivilegeAdministrator,
		port:        DefaultPort,
		authType:    AuthTypeRMCPPlus,
		timeout:     DefaultTimeout,
		retries:     DefaultRetries,
		cipherSuite: DefaultCipherSuite,
		window:      &SequenceWindow{size: DefaultSequenceWindow},
	}
	s.sol = &SOLSession{parent: s}
	return s
}

func (s *Session) configurable() error {
	if s.v2.State != StatePresession && s.v2.State != StateCloseSent {
		return fmt.Errorf("%w: session is %v", ErrInvalidConfig, s.v2.State)
	}
	return nil
}

// SetHostname sets the controller address.
func (s *Session) SetHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("%w: empty hostname", ErrInvalidConfig)
	}
	if len(hostname) > MaxHostnameLength {
		return fmt.Errorf("%w: hostname is %v bytes, maximum %v", ErrInvalidConfig, len(hostname), MaxHostnameLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.hostname = hostname
	return nil
}

// SetUsername sets the user name sent in RAKP message 1. An empty name selects
// the anonymous user.
func (s *Session) SetUsername(username string) error {
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("%w: username is %v bytes, maximum %v", ErrInvalidConfig, len(username), MaxUsernameLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.username = []byte(username)
	return nil
}

// SetPassword sets the user password. It is copied and never modified.
func (s *Session) SetPassword(password string) error {
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password is %v bytes, maximum %v", ErrInvalidConfig, len(password), MaxPasswordLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.password = []byte(password)
	return nil
}

// SetKg sets the controller key. An all-zero or empty key means the password
// is used to derive the SIK.
func (s *Session) SetKg(kg []byte) error {
	if len(kg) > KeySize {
		return fmt.Errorf("%w: Kg is %v bytes, maximum %v", ErrInvalidConfig, len(kg), KeySize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.kg = [KgBufferSize]byte{}
	copy(s.kg[:], kg)
	return nil
}

// SetPrivilegeLevel sets the requested maximum privilege.
func (s *Session) SetPrivilegeLevel(level PrivilegeLevel) error {
	if !level.valid() {
		return fmt.Errorf("%w: privilege level %v", ErrInvalidConfig, level)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.privLevel = level
	return nil
}

// SetPort sets the controller UDP port.
func (s *Session) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %v", ErrInvalidConfig, port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.port = port
	return nil
}

// SetCipherSuite selects the algorithms proposed in the Open Session Request.
func (s *Session) SetCipherSuite(id CipherSuiteID) error {
	if _, err := LookupCipherSuite(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.cipherSuite = id
	return nil
}

// SetTimeout sets the response timeout of each round.
func (s *Session) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout %v", ErrInvalidConfig, timeout)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	return nil
}

// SetRetries sets how many times a round is re-sent after the first attempt.
func (s *Session) SetRetries(retries int) error {
	if retries < 0 {
		return fmt.Errorf("%w: retries %v", ErrInvalidConfig, retries)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = retries
	return nil
}

// SetSequenceWindow sets how far behind the highest inbound sequence number
// a packet may arrive and still be accepted.
func (s *Session) SetSequenceWindow(size int) error {
	w, err := NewSequenceWindow(size)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.window = w
	return nil
}

func (s *Session) Hostname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostname
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.username)
}

func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Address returns the host:port of the controller.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return net.JoinHostPort(s.hostname, strconv.Itoa(s.port))
}

func (s *Session) PrivilegeLevel() PrivilegeLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privLevel
}

func (s *Session) AuthType() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authType
}

func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *Session) CipherSuite() CipherSuiteID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cipherSuite
}

func (s *Session) SequenceWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Size()
}

// V2 returns a copy of the handshake context.
func (s *Session) V2() HandshakeContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v2
}

// State returns the handshake state.
func (s *Session) State() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v2.State
}

// Active reports whether the handshake completed or the SOL sub-session is
// in use.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v2.State == StateActive || s.sol.Active()
}

// InSeq returns the highest inbound sequence number accepted.
func (s *Session) InSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Highest()
}

// OutSeq returns the sequence number the next outbound packet will carry.
func (s *Session) OutSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outSeq
}

// Keys returns the derived session keys. Calling it before RAKP message 2 was
// accepted is a programming error.
func (s *Session) Keys() SessionKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.v2.keysDerived {
		panic("rmcpplus: session keys requested before they were derived")
	}
	return s.v2.keys
}

// SOL returns the serial-over-LAN sub-session.
func (s *Session) SOL() *SOLSession {
	return s.sol
}

func (s *Session) protection() Protection {
	return Protection{
		Integrity:       s.v2.IntegrityAlg,
		Confidentiality: s.v2.CryptAlg,
		Keys:            s.v2.keys,
	}
}

// Seal frames payload for the controller with the next outbound sequence
// number, which is returned so the caller can re-send the same bytes.
func (s *Session) Seal(pt PayloadType, payload []byte) ([]byte, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v2.State != StateActive {
		return nil, 0, fmt.Errorf("%w: handshake is %v", ErrNotActive, s.v2.State)
	}
	if pt.handshake() {
		return nil, 0, fmt.Errorf("%w: %v inside a session", ErrInvalidState, pt)
	}
	p := s.protection()
	seq := s.outSeq
	raw, err := p.Seal(pt, s.v2.ControllerID, seq, payload)
	if err != nil {
		return nil, 0, err
	}
	s.outSeq++
	if s.outSeq == 0 {
		s.outSeq = 1
	}
	return raw, seq, nil
}

// Unseal validates an inbound session packet and returns it with its
// plaintext payload. The sequence number is checked before any cryptographic
// work and only recorded once the packet verified.
func (s *Session) Unseal(raw []byte) (*Packet, []byte, error) {
	pkt, err := DecodePacket(raw)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v2.State != StateActive {
		return nil, nil, fmt.Errorf("%w: handshake is %v", ErrNotActive, s.v2.State)
	}
	if pkt.Session.PayloadType.handshake() {
		return nil, nil, fmt.Errorf("%w: %v inside a session", ErrUnexpectedMessage, pkt.Session.PayloadType)
	}
	if pkt.Session.SessionID != s.v2.ConsoleID {
		return nil, nil, fmt.Errorf("%w: session id %#x, expected %#x", ErrUnexpectedMessage, pkt.Session.SessionID, s.v2.ConsoleID)
	}
	if err := s.window.Check(pkt.Session.Sequence); err != nil {
		return nil, nil, err
	}
	p := s.protection()
	if err := p.Verify(pkt); err != nil {
		return nil, nil, err
	}
	payload, err := p.Decrypt(pkt)
	if err != nil {
		return nil, nil, err
	}
	s.window.Commit(pkt.Session.Sequence)
	return pkt, payload, nil
}

// keySchedule assembles the key schedule inputs. The caller holds s.mu.
func (s *Session) keySchedule() *KeySchedule {
	return &KeySchedule{
		Algorithm:           s.v2.AuthAlg,
		Kg:                  s.kg,
		Password:            s.password,
		Username:            s.username,
		Role:                s.v2.RequestedRole,
		ConsoleSessionID:    s.v2.ConsoleID,
		ControllerSessionID: s.v2.ControllerID,
		ConsoleRandom:       s.v2.ConsoleRandom,
		ControllerRandom:    s.v2.ControllerRandom,
		ControllerGUID:      s.v2.ControllerGUID,
	}
}

// reset drops all handshake progress and keys. The caller holds s.mu.
func (s *Session) reset() {
	s.v2 = HandshakeContext{CipherSuite: s.cipherSuite}
	s.outSeq = 0
	s.window.Reset()
	s.sol.Deactivate()
}
