package rmcpplus

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	LayerTypeRMCP                = registerLayer(1500, "RMCP", func() decodingLayer { return &RMCPHeader{} })
	LayerTypeSessionHeader       = registerLayer(1501, "RMCPPlusSession", func() decodingLayer { return &SessionHeader{} })
	LayerTypeOpenSessionRequest  = registerLayer(1502, "OpenSessionRequest", func() decodingLayer { return &OpenSessionRequest{} })
	LayerTypeOpenSessionResponse = registerLayer(1503, "OpenSessionResponse", func() decodingLayer { return &OpenSessionResponse{} })
	LayerTypeRAKPMessage1        = registerLayer(1504, "RAKPMessage1", func() decodingLayer { return &RAKPMessage1{} })
	LayerTypeRAKPMessage2        = registerLayer(1505, "RAKPMessage2", func() decodingLayer { return &RAKPMessage2{} })
	LayerTypeRAKPMessage3        = registerLayer(1506, "RAKPMessage3", func() decodingLayer { return &RAKPMessage3{} })
	LayerTypeRAKPMessage4        = registerLayer(1507, "RAKPMessage4", func() decodingLayer { return &RAKPMessage4{} })
	LayerTypeSOL                 = registerLayer(1508, "SOL", func() decodingLayer { return &SOLPacket{} })
)

type decodingLayer interface {
	gopacket.Layer
	gopacket.DecodingLayer
}

func registerLayer(num int, name string, newLayer func() decodingLayer) gopacket.LayerType {
	return gopacket.RegisterLayerType(num, gopacket.LayerTypeMetadata{
		Name: name,
		Decoder: gopacket.DecodeFunc(func(data []byte, p gopacket.PacketBuilder) error {
			l := newLayer()
			if err := l.DecodeFromBytes(data, p); err != nil {
				return err
			}
			p.AddLayer(l)
			return p.NextDecoder(l.NextLayerType())
		}),
	})
}

// Serialize encodes a single layer into a new byte slice.
func Serialize(l gopacket.SerializableLayer) ([]byte, error) {
	b := gopacket.NewSerializeBuffer()
	if err := l.SerializeTo(b, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// PayloadType is the 6-bit payload type of an RMCP+ session header, section
// 13.27.3 of IPMI v2.0.
type PayloadType uint8

const (
	PayloadTypeIPMI                PayloadType = 0x00
	PayloadTypeSOL                 PayloadType = 0x01
	PayloadTypeOEM                 PayloadType = 0x02
	PayloadTypeOpenSessionRequest  PayloadType = 0x10
	PayloadTypeOpenSessionResponse PayloadType = 0x11
	PayloadTypeRAKPMessage1        PayloadType = 0x12
	PayloadTypeRAKPMessage2        PayloadType = 0x13
	PayloadTypeRAKPMessage3        PayloadType = 0x14
	PayloadTypeRAKPMessage4        PayloadType = 0x15
)

const (
	payloadEncrypted     = 0x80
	payloadAuthenticated = 0x40
	payloadTypeMask      = 0x3f
)

func (p PayloadType) String() string {
	switch p {
	case PayloadTypeIPMI:
		return "IPMI"
	case PayloadTypeSOL:
		return "SOL"
	case PayloadTypeOEM:
		return "OEM"
	case PayloadTypeOpenSessionRequest:
		return "RMCP+ Open Session Request"
	case PayloadTypeOpenSessionResponse:
		return "RMCP+ Open Session Response"
	case PayloadTypeRAKPMessage1:
		return "RAKP Message 1"
	case PayloadTypeRAKPMessage2:
		return "RAKP Message 2"
	case PayloadTypeRAKPMessage3:
		return "RAKP Message 3"
	case PayloadTypeRAKPMessage4:
		return "RAKP Message 4"
	default:
		return fmt.Sprintf("Reserved(%#x)", uint8(p))
	}
}

// handshake reports whether the payload type belongs to session setup. These
// are always sent outside a session, unauthenticated and unencrypted.
func (p PayloadType) handshake() bool {
	return p >= PayloadTypeOpenSessionRequest && p <= PayloadTypeRAKPMessage4
}

func (p PayloadType) layerType() gopacket.LayerType {
	switch p {
	case PayloadTypeOpenSessionRequest:
		return LayerTypeOpenSessionRequest
	case PayloadTypeOpenSessionResponse:
		return LayerTypeOpenSessionResponse
	case PayloadTypeRAKPMessage1:
		return LayerTypeRAKPMessage1
	case PayloadTypeRAKPMessage2:
		return LayerTypeRAKPMessage2
	case PayloadTypeRAKPMessage3:
		return LayerTypeRAKPMessage3
	case PayloadTypeRAKPMessage4:
		return LayerTypeRAKPMessage4
	case PayloadTypeSOL:
		return LayerTypeSOL
	default:
		return gopacket.LayerTypePayload
	}
}

const (
	rmcpVersion1   = 0x06
	rmcpNoAck      = 0xff
	rmcpClassIPMI  = 0x07
	rmcpHeaderSize = 4

	// AuthTypeRMCPPlus is the session header auth type of IPMI v2.0 packets.
	AuthTypeRMCPPlus = 0x06

	sessionHeaderSize = 12
)

// RMCPHeader is the 4-byte RMCP header preceding every packet.
type RMCPHeader struct {
	layers.BaseLayer

	Version  uint8
	Sequence uint8
	Class    uint8
}

func (*RMCPHeader) LayerType() gopacket.LayerType {
	return LayerTypeRMCP
}

func (h *RMCPHeader) CanDecode() gopacket.LayerClass {
	return h.LayerType()
}

func (*RMCPHeader) NextLayerType() gopacket.LayerType {
	return LayerTypeSessionHeader
}

func (h *RMCPHeader) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < rmcpHeaderSize {
		df.SetTruncated()
		return fmt.Errorf("%w: RMCP header must be %v bytes, got %v", ErrMalformed, rmcpHeaderSize, len(data))
	}
	h.BaseLayer.Contents = data[:rmcpHeaderSize]
	h.BaseLayer.Payload = data[rmcpHeaderSize:]
	h.Version = data[0]
	h.Sequence = data[2]
	h.Class = data[3]
	if h.Version != rmcpVersion1 {
		return fmt.Errorf("%w: unsupported RMCP version %#x", ErrMalformed, h.Version)
	}
	if h.Class&0x1f != rmcpClassIPMI {
		return fmt.Errorf("%w: unsupported RMCP class %#x", ErrMalformed, h.Class)
	}
	return nil
}

func (h *RMCPHeader) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	d, err := b.PrependBytes(rmcpHeaderSize)
	if err != nil {
		return err
	}
	d[0] = rmcpVersion1
	d[1] = 0x00 // reserved
	d[2] = rmcpNoAck
	d[3] = rmcpClassIPMI
	return nil
}

// SessionHeader is the IPMI v2.0 RMCP+ session header. Payload holds the
// (possibly encrypted) payload; Trailer holds the integrity pad, pad length,
// next header and AuthCode when the packet is authenticated.
type SessionHeader struct {
	layers.BaseLayer

	AuthType      uint8
	PayloadType   PayloadType
	Encrypted     bool
	Authenticated bool
	SessionID     uint32
	Sequence      uint32
	PayloadLength uint16

	Trailer []byte
}

func (*SessionHeader) LayerType() gopacket.LayerType {
	return LayerTypeSessionHeader
}

func (h *SessionHeader) CanDecode() gopacket.LayerClass {
	return h.LayerType()
}

func (h *SessionHeader) NextLayerType() gopacket.LayerType {
	if h.Encrypted {
		return gopacket.LayerTypePayload
	}
	return h.PayloadType.layerType()
}

func (h *SessionHeader) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < sessionHeaderSize {
		df.SetTruncated()
		return fmt.Errorf("%w: session header must be at least %v bytes, got %v", ErrMalformed, sessionHeaderSize, len(data))
	}
	h.AuthType = data[0]
	if h.AuthType != AuthTypeRMCPPlus {
		return fmt.Errorf("%w: auth type %#x is not RMCP+", ErrMalformed, h.AuthType)
	}
	h.Encrypted = data[1]&payloadEncrypted != 0
	h.Authenticated = data[1]&payloadAuthenticated != 0
	h.PayloadType = PayloadType(data[1] & payloadTypeMask)
	if h.PayloadType == PayloadTypeOEM {
		return fmt.Errorf("%w: OEM payloads are not supported", ErrNotSupported)
	}
	h.SessionID = binary.LittleEndian.Uint32(data[2:6])
	h.Sequence = binary.LittleEndian.Uint32(data[6:10])
	h.PayloadLength = binary.LittleEndian.Uint16(data[10:12])
	end := sessionHeaderSize + int(h.PayloadLength)
	if len(data) < end {
		df.SetTruncated()
		return fmt.Errorf("%w: payload length %v exceeds remaining %v bytes", ErrMalformed, h.PayloadLength, len(data)-sessionHeaderSize)
	}
	h.BaseLayer.Contents = data[:sessionHeaderSize]
	h.BaseLayer.Payload = data[sessionHeaderSize:end]
	h.Trailer = data[end:]
	return nil
}

func (h *SessionHeader) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if opts.FixLengths {
		h.PayloadLength = uint16(len(b.Bytes()))
	}
	d, err := b.PrependBytes(sessionHeaderSize)
	if err != nil {
		return err
	}
	d[0] = h.AuthType
	d[1] = uint8(h.PayloadType) & payloadTypeMask
	if h.Encrypted {
		d[1] |= payloadEncrypted
	}
	if h.Authenticated {
		d[1] |= payloadAuthenticated
	}
	binary.LittleEndian.PutUint32(d[2:6], h.SessionID)
	binary.LittleEndian.PutUint32(d[6:10], h.Sequence)
	binary.LittleEndian.PutUint16(d[10:12], h.PayloadLength)
	return nil
}

// algorithm payload types inside open session messages
const (
	algorithmPayloadAuthentication  = 0x00
	algorithmPayloadIntegrity       = 0x01
	algorithmPayloadConfidentiality = 0x02
	algorithmPayloadSize            = 8
)

func putAlgorithmPayload(d []byte, typ uint8, alg uint8) {
	d[0] = typ
	d[1] = 0x00
	d[2] = 0x00
	d[3] = algorithmPayloadSize
	d[4] = alg & payloadTypeMask
	d[5] = 0x00
	d[6] = 0x00
	d[7] = 0x00
}

func algorithmPayload(d []byte, typ uint8) (uint8, error) {
	if d[0] != typ {
		return 0, fmt.Errorf("%w: expected algorithm payload type %#x, got %#x", ErrMalformed, typ, d[0])
	}
	return d[4] & payloadTypeMask, nil
}

// OpenSessionRequest is the RMCP+ Open Session Request, section 13.17.
type OpenSessionRequest struct {
	layers.BaseLayer

	Tag               uint8
	MaxPrivilegeLevel PrivilegeLevel
	ConsoleSessionID  uint32
	Authentication    AuthenticationAlgorithm
	Integrity         IntegrityAlgorithm
	Confidentiality   ConfidentialityAlgorithm
}

const openSessionRequestSize = 32

func (*OpenSessionRequest) LayerType() gopacket.LayerType {
	return LayerTypeOpenSessionRequest
}

func (m *OpenSessionRequest) CanDecode() gopacket.LayerClass {
	return m.LayerType()
}

func (*OpenSessionRequest) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (m *OpenSessionRequest) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	d, err := b.PrependBytes(openSessionRequestSize)
	if err != nil {
		return err
	}
	d[0] = m.Tag
	d[1] = uint8(m.MaxPrivilegeLevel) & 0x0f
	d[2] = 0x00
	d[3] = 0x00
	binary.LittleEndian.PutUint32(d[4:8], m.ConsoleSessionID)
	putAlgorithmPayload(d[8:16], algorithmPayloadAuthentication, uint8(m.Authentication))
	putAlgorithmPayload(d[16:24], algorithmPayloadIntegrity, uint8(m.Integrity))
	putAlgorithmPayload(d[24:32], algorithmPayloadConfidentiality, uint8(m.Confidentiality))
	return nil
}

func (m *OpenSessionRequest) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < openSessionRequestSize {
		df.SetTruncated()
		return fmt.Errorf("%w: open session request must be %v bytes, got %v", ErrMalformed, openSessionRequestSize, len(data))
	}
	m.BaseLayer.Contents = data[:openSessionRequestSize]
	m.BaseLayer.Payload = data[openSessionRequestSize:]
	m.Tag = data[0]
	m.MaxPrivilegeLevel = PrivilegeLevel(data[1] & 0x0f)
	m.ConsoleSessionID = binary.LittleEndian.Uint32(data[4:8])
	auth, err := algorithmPayload(data[8:16], algorithmPayloadAuthentication)
	if err != nil {
		return err
	}
	integ, err := algorithmPayload(data[16:24], algorithmPayloadIntegrity)
	if err != nil {
		return err
	}
	conf, err := algorithmPayload(data[24:32], algorithmPayloadConfidentiality)
	if err != nil {
		return err
	}
	m.Authentication = AuthenticationAlgorithm(auth)
	m.Integrity = IntegrityAlgorithm(integ)
	m.Confidentiality = ConfidentialityAlgorithm(conf)
	return nil
}

// OpenSessionResponse is the RMCP+ Open Session Response, section 13.18. When
// Status is non-zero the controller may truncate the message after the
// console session ID.
type OpenSessionResponse struct {
	layers.BaseLayer

	Tag                 uint8
	Status              StatusCode
	MaxPrivilegeLevel   PrivilegeLevel
	ConsoleSessionID    uint32
	ControllerSessionID uint32
	Authentication      AuthenticationAlgorithm
	Integrity           IntegrityAlgorithm
	Confidentiality     ConfidentialityAlgorithm
}

const (
	openSessionResponseErrorSize = 8
	openSessionResponseSize      = 36
)

func (*OpenSessionResponse) LayerType() gopacket.LayerType {
	return LayerTypeOpenSessionResponse
}

func (m *OpenSessionResponse) CanDecode() gopacket.LayerClass {
	return m.LayerType()
}

func (*OpenSessionResponse) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (m *OpenSessionResponse) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	size := openSessionResponseSize
	if m.Status != StatusNoErrors {
		size = openSessionResponseErrorSize
	}
	d, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	d[0] = m.Tag
	d[1] = uint8(m.Status)
	d[2] = uint8(m.MaxPrivilegeLevel) & 0x0f
	d[3] = 0x00
	binary.LittleEndian.PutUint32(d[4:8], m.ConsoleSessionID)
	if m.Status != StatusNoErrors {
		return nil
	}
	binary.LittleEndian.PutUint32(d[8:12], m.ControllerSessionID)
	putAlgorithmPayload(d[12:20], algorithmPayloadAuthentication, uint8(m.Authentication))
	putAlgorithmPayload(d[20:28], algorithmPayloadIntegrity, uint8(m.Integrity))
	putAlgorithmPayload(d[28:36], algorithmPayloadConfidentiality, uint8(m.Confidentiality))
	return nil
}

func (m *OpenSessionResponse) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < openSessionResponseErrorSize {
		df.SetTruncated()
		return fmt.Errorf("%w: open session response must be at least %v bytes, got %v", ErrMalformed, openSessionResponseErrorSize, len(data))
	}
	m.Tag = data[0]
	m.Status = StatusCode(data[1])
	m.MaxPrivilegeLevel = PrivilegeLevel(data[2] & 0x0f)
	m.ConsoleSessionID = binary.LittleEndian.Uint32(data[4:8])
	if m.Status != StatusNoErrors {
		m.BaseLayer.Contents = data
		m.BaseLayer.Payload = nil
		return nil
	}
	if len(data) < openSessionResponseSize {
		df.SetTruncated()
		return fmt.Errorf("%w: open session response must be %v bytes, got %v", ErrMalformed, openSessionResponseSize, len(data))
	}
	m.BaseLayer.Contents = data[:openSessionResponseSize]
	m.BaseLayer.Payload = data[openSessionResponseSize:]
	m.ControllerSessionID = binary.LittleEndian.Uint32(data[8:12])
	auth, err := algorithmPayload(data[12:20], algorithmPayloadAuthentication)
	if err != nil {
		return err
	}
	integ, err := algorithmPayload(data[20:28], algorithmPayloadIntegrity)
	if err != nil {
		return err
	}
	conf, err := algorithmPayload(data[28:36], algorithmPayloadConfidentiality)
	if err != nil {
		return err
	}
	m.Authentication = AuthenticationAlgorithm(auth)
	m.Integrity = IntegrityAlgorithm(integ)
	m.Confidentiality = ConfidentialityAlgorithm(conf)
	return nil
}

// RAKPMessage1 is sent by the console, section 13.20.
type RAKPMessage1 struct {
	layers.BaseLayer

	Tag                 uint8
	ControllerSessionID uint32
	ConsoleRandom       Nonce

	// Role is the requested maximum privilege in the low nibble plus the
	// name-only lookup bit.
	Role     uint8
	Username []byte
}

const rakpMessage1MinSize = 28

func (*RAKPMessage1) LayerType() gopacket.LayerType {
	return LayerTypeRAKPMessage1
}

func (m *RAKPMessage1) CanDecode() gopacket.LayerClass {
	return m.LayerType()
}

func (*RAKPMessage1) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (m *RAKPMessage1) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	if len(m.Username) > MaxUsernameLength {
		return fmt.Errorf("%w: username is %v bytes, maximum %v", ErrInvalidConfig, len(m.Username), MaxUsernameLength)
	}
	d, err := b.PrependBytes(rakpMessage1MinSize + len(m.Username))
	if err != nil {
		return err
	}
	d[0] = m.Tag
	d[1] = 0x00
	d[2] = 0x00
	d[3] = 0x00
	binary.LittleEndian.PutUint32(d[4:8], m.ControllerSessionID)
	copy(d[8:24], m.ConsoleRandom[:])
	d[24] = m.Role
	d[25] = 0x00
	d[26] = 0x00
	d[27] = uint8(len(m.Username))
	copy(d[28:], m.Username)
	return nil
}

func (m *RAKPMessage1) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < rakpMessage1MinSize {
		df.SetTruncated()
		return fmt.Errorf("%w: RAKP message 1 must be at least %v bytes, got %v", ErrMalformed, rakpMessage1MinSize, len(data))
	}
	length := int(data[27])
	if length > MaxUsernameLength {
		return fmt.Errorf("%w: username length %v exceeds %v", ErrMalformed, length, MaxUsernameLength)
	}
	if len(data) < rakpMessage1MinSize+length {
		df.SetTruncated()
		return fmt.Errorf("%w: RAKP message 1 username truncated", ErrMalformed)
	}
	end := rakpMessage1MinSize + length
	m.BaseLayer.Contents = data[:end]
	m.BaseLayer.Payload = data[end:]
	m.Tag = data[0]
	m.ControllerSessionID = binary.LittleEndian.Uint32(data[4:8])
	copy(m.ConsoleRandom[:], data[8:24])
	m.Role = data[24]
	m.Username = append([]byte(nil), data[28:end]...)
	return nil
}

// RAKPMessage2 is sent by the controller, section 13.21. KeyExchangeCode is
// variable length, depending on the authentication algorithm.
type RAKPMessage2 struct {
	layers.BaseLayer

	Tag              uint8
	Status           StatusCode
	ConsoleSessionID uint32
	ControllerRandom Nonce
	ControllerGUID   GUID
	KeyExchangeCode  []byte
}

const (
	rakpStatusOnlySize  = 8
	rakpMessage2MinSize = 40
)

func (*RAKPMessage2) LayerType() gopacket.LayerType {
	return LayerTypeRAKPMessage2
}

func (m *RAKPMessage2) CanDecode() gopacket.LayerClass {
	return m.LayerType()
}

func (*RAKPMessage2) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (m *RAKPMessage2) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	size := rakpMessage2MinSize + len(m.KeyExchangeCode)
	if m.Status != StatusNoErrors {
		size = rakpStatusOnlySize
	}
	d, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	d[0] = m.Tag
	d[1] = uint8(m.Status)
	d[2] = 0x00
	d[3] = 0x00
	binary.LittleEndian.PutUint32(d[4:8], m.ConsoleSessionID)
	if m.Status != StatusNoErrors {
		return nil
	}
	copy(d[8:24], m.ControllerRandom[:])
	copy(d[24:40], m.ControllerGUID[:])
	copy(d[40:], m.KeyExchangeCode)
	return nil
}

func (m *RAKPMessage2) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < rakpStatusOnlySize {
		df.SetTruncated()
		return fmt.Errorf("%w: RAKP message 2 must be at least %v bytes, got %v", ErrMalformed, rakpStatusOnlySize, len(data))
	}
	m.Tag = data[0]
	m.Status = StatusCode(data[1])
	m.ConsoleSessionID = binary.LittleEndian.Uint32(data[4:8])
	m.BaseLayer.Contents = data
	m.BaseLayer.Payload = nil
	if m.Status != StatusNoErrors {
		return nil
	}
	if len(data) < rakpMessage2MinSize {
		df.SetTruncated()
		return fmt.Errorf("%w: RAKP message 2 must be at least %v bytes, got %v", ErrMalformed, rakpMessage2MinSize, len(data))
	}
	copy(m.ControllerRandom[:], data[8:24])
	copy(m.ControllerGUID[:], data[24:40])
	m.KeyExchangeCode = append([]byte(nil), data[40:]...)
	return nil
}

// RAKPMessage3 is sent by the console, section 13.22.
type RAKPMessage3 struct {
	layers.BaseLayer

	Tag                 uint8
	Status              StatusCode
	ControllerSessionID uint32
	KeyExchangeCode     []byte
}

func (*RAKPMessage3) LayerType() gopacket.LayerType {
	return LayerTypeRAKPMessage3
}

func (m *RAKPMessage3) CanDecode() gopacket.LayerClass {
	return m.LayerType()
}

func (*RAKPMessage3) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (m *RAKPMessage3) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	d, err := b.PrependBytes(rakpStatusOnlySize + len(m.KeyExchangeCode))
	if err != nil {
		return err
	}
	d[0] = m.Tag
	d[1] = uint8(m.Status)
	d[2] = 0x00
	d[3] = 0x00
	binary.LittleEndian.PutUint32(d[4:8], m.ControllerSessionID)
	copy(d[8:], m.KeyExchangeCode)
	return nil
}

func (m *RAKPMessage3) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < rakpStatusOnlySize {
		df.SetTruncated()
		return fmt.Errorf("%w: RAKP message 3 must be at least %v bytes, got %v", ErrMalformed, rakpStatusOnlySize, len(data))
	}
	m.BaseLayer.Contents = data
	m.BaseLayer.Payload = nil
	m.Tag = data[0]
	m.Status = StatusCode(data[1])
	m.ControllerSessionID = binary.LittleEndian.Uint32(data[4:8])
	m.KeyExchangeCode = append([]byte(nil), data[8:]...)
	return nil
}

// RAKPMessage4 is sent by the controller, section 13.23.
type RAKPMessage4 struct {
	layers.BaseLayer

	Tag                 uint8
	Status              StatusCode
	ConsoleSessionID    uint32
	IntegrityCheckValue []byte
}

func (*RAKPMessage4) LayerType() gopacket.LayerType {
	return LayerTypeRAKPMessage4
}

func (m *RAKPMessage4) CanDecode() gopacket.LayerClass {
	return m.LayerType()
}

func (*RAKPMessage4) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (m *RAKPMessage4) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	d, err := b.PrependBytes(rakpStatusOnlySize + len(m.IntegrityCheckValue))
	if err != nil {
		return err
	}
	d[0] = m.Tag
	d[1] = uint8(m.Status)
	d[2] = 0x00
	d[3] = 0x00
	binary.LittleEndian.PutUint32(d[4:8], m.ConsoleSessionID)
	copy(d[8:], m.IntegrityCheckValue)
	return nil
}

func (m *RAKPMessage4) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < rakpStatusOnlySize {
		df.SetTruncated()
		return fmt.Errorf("%w: RAKP message 4 must be at least %v bytes, got %v", ErrMalformed, rakpStatusOnlySize, len(data))
	}
	m.BaseLayer.Contents = data
	m.BaseLayer.Payload = nil
	m.Tag = data[0]
	m.Status = StatusCode(data[1])
	m.ConsoleSessionID = binary.LittleEndian.Uint32(data[4:8])
	m.IntegrityCheckValue = append([]byte(nil), data[8:]...)
	return nil
}
