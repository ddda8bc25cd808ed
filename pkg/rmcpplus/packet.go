package rmcpplus

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"github.com/google/gopacket"
)

const nextHeaderIPMI = 0x07

// Packet is a decoded RMCP+ datagram. Decoding performs no cryptographic
// work; Payload is still encrypted when Session.Encrypted is set.
type Packet struct {
	RMCP    RMCPHeader
	Session SessionHeader

	raw []byte
}

// DecodePacket parses the RMCP and session headers of a datagram.
func DecodePacket(data []byte) (*Packet, error) {
	p := &Packet{raw: data}
	if err := p.RMCP.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	if err := p.Session.DecodeFromBytes(p.RMCP.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return p, nil
}

// Payload returns the payload bytes as carried on the wire.
func (p *Packet) Payload() []byte {
	return p.Session.Payload
}

// Layer decodes an unencrypted handshake or SOL payload into its layer.
func (p *Packet) Layer() (gopacket.Layer, error) {
	if p.Session.Encrypted {
		return nil, fmt.Errorf("%w: payload is encrypted", ErrMalformed)
	}
	return DecodePayload(p.Session.PayloadType, p.Session.Payload)
}

// DecodePayload decodes a plaintext payload of the given type.
func DecodePayload(pt PayloadType, payload []byte) (gopacket.Layer, error) {
	var l decodingLayer
	switch pt {
	case PayloadTypeOpenSessionRequest:
		l = &OpenSessionRequest{}
	case PayloadTypeOpenSessionResponse:
		l = &OpenSessionResponse{}
	case PayloadTypeRAKPMessage1:
		l = &RAKPMessage1{}
	case PayloadTypeRAKPMessage2:
		l = &RAKPMessage2{}
	case PayloadTypeRAKPMessage3:
		l = &RAKPMessage3{}
	case PayloadTypeRAKPMessage4:
		l = &RAKPMessage4{}
	case PayloadTypeSOL:
		l = &SOLPacket{}
	default:
		p := gopacket.Payload(payload)
		return &p, nil
	}
	if err := l.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return l, nil
}

// EncodeHandshake frames a session-setup message. These travel outside any
// session: session ID and sequence number are zero and nothing is protected.
func EncodeHandshake(pt PayloadType, msg gopacket.SerializableLayer) ([]byte, error) {
	if !pt.handshake() {
		return nil, fmt.Errorf("%v is not a session setup payload", pt)
	}
	hdr := &SessionHeader{AuthType: AuthTypeRMCPPlus, PayloadType: pt}
	b := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(b, gopacket.SerializeOptions{FixLengths: true},
		&RMCPHeader{}, hdr, msg); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Protection applies the negotiated integrity and confidentiality algorithms
// to session packets. It is shared by both ends of a session.
type Protection struct {
	Integrity       IntegrityAlgorithm
	Confidentiality ConfidentialityAlgorithm
	Keys            SessionKeys
}

func (p *Protection) k1() []byte {
	if p.Keys.Length == 0 {
		panic("rmcpplus: K1 used before the key schedule produced it")
	}
	return p.Keys.K1[:p.Keys.Length]
}

func (p *Protection) k2() []byte {
	if p.Keys.Length == 0 {
		panic("rmcpplus: K2 used before the key schedule produced it")
	}
	return p.Keys.AESKey()
}

// Seal frames payload into an in-session datagram, encrypting and appending
// the AuthCode trailer as negotiated.
func (p *Protection) Seal(pt PayloadType, sessionID, seq uint32, payload []byte) ([]byte, error) {
	hdr := &SessionHeader{
		AuthType:    AuthTypeRMCPPlus,
		PayloadType: pt,
		SessionID:   sessionID,
		Sequence:    seq,
	}
	if p.Confidentiality != ConfidentialityAlgorithmNone {
		enc, err := p.encrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = enc
		hdr.Encrypted = true
	}
	hdr.Authenticated = p.Integrity != IntegrityAlgorithmNone

	b := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(b, gopacket.SerializeOptions{FixLengths: true},
		&RMCPHeader{}, hdr, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	if !hdr.Authenticated {
		return b.Bytes(), nil
	}

	// pad so that everything from the auth type through the next header
	// field is a multiple of 4 bytes
	covered := len(b.Bytes()) - rmcpHeaderSize
	pad := (4 - (covered+2)%4) % 4
	d, err := b.AppendBytes(pad + 2)
	if err != nil {
		return nil, err
	}
	for i := 0; i < pad; i++ {
		d[i] = 0xff
	}
	d[pad] = uint8(pad)
	d[pad+1] = nextHeaderIPMI

	code, err := p.Integrity.mac(p.k1(), b.Bytes()[rmcpHeaderSize:])
	if err != nil {
		return nil, err
	}
	d, err = b.AppendBytes(len(code))
	if err != nil {
		return nil, err
	}
	copy(d, code)
	return b.Bytes(), nil
}

// Verify checks the AuthCode trailer of an in-session packet.
func (p *Protection) Verify(pkt *Packet) error {
	if p.Integrity == IntegrityAlgorithmNone {
		return nil
	}
	if !pkt.Session.Authenticated {
		return fmt.Errorf("%w: unauthenticated packet on an authenticated session", ErrAuthentication)
	}
	n := p.Integrity.authCodeLength()
	trailer := pkt.Session.Trailer
	if len(trailer) < n+2 {
		return fmt.Errorf("%w: integrity trailer is %v bytes", ErrMalformed, len(trailer))
	}
	codeStart := len(pkt.raw) - n
	if pkt.raw[codeStart-1] != nextHeaderIPMI {
		return fmt.Errorf("%w: next header %#x", ErrMalformed, pkt.raw[codeStart-1])
	}
	pad := int(pkt.raw[codeStart-2])
	if pad+2+n != len(trailer) {
		return fmt.Errorf("%w: integrity pad length %v does not match trailer", ErrMalformed, pad)
	}
	expected, err := p.Integrity.mac(p.k1(), pkt.raw[rmcpHeaderSize:codeStart])
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, pkt.raw[codeStart:]) {
		return fmt.Errorf("%w: AuthCode mismatch", ErrAuthentication)
	}
	return nil
}

// Decrypt returns the plaintext payload of pkt.
func (p *Protection) Decrypt(pkt *Packet) ([]byte, error) {
	if !pkt.Session.Encrypted {
		if p.Confidentiality != ConfidentialityAlgorithmNone {
			return nil, fmt.Errorf("%w: unencrypted payload on a confidential session", ErrMalformed)
		}
		return pkt.Session.Payload, nil
	}
	if p.Confidentiality != ConfidentialityAlgorithmAESCBC128 {
		return nil, fmt.Errorf("%w: confidentiality algorithm %v", ErrUnsupportedAlgorithm, p.Confidentiality)
	}
	return p.decrypt(pkt.Session.Payload)
}

// encrypt implements AES-CBC-128 as in section 13.29: a random IV, then the
// payload followed by pad bytes 1, 2, ... n and the pad length.
func (p *Protection) encrypt(payload []byte) ([]byte, error) {
	if p.Confidentiality != ConfidentialityAlgorithmAESCBC128 {
		return nil, fmt.Errorf("%w: confidentiality algorithm %v", ErrUnsupportedAlgorithm, p.Confidentiality)
	}
	block, err := aes.NewCipher(p.k2())
	if err != nil {
		return nil, err
	}
	pad := (aes.BlockSize - (len(payload)+1)%aes.BlockSize) % aes.BlockSize
	plain := make([]byte, 0, len(payload)+pad+1)
	plain = append(plain, payload...)
	for i := 1; i <= pad; i++ {
		plain = append(plain, uint8(i))
	}
	plain = append(plain, uint8(pad))

	out := make([]byte, aes.BlockSize+len(plain))
	if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], plain)
	return out, nil
}

func (p *Protection) decrypt(data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: encrypted payload is %v bytes", ErrMalformed, len(data))
	}
	block, err := aes.NewCipher(p.k2())
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, data[:aes.BlockSize]).CryptBlocks(plain, data[aes.BlockSize:])
	pad := int(plain[len(plain)-1])
	if pad >= aes.BlockSize || pad+1 > len(plain) {
		return nil, fmt.Errorf("%w: confidentiality pad length %v", ErrMalformed, pad)
	}
	end := len(plain) - 1 - pad
	for i := 0; i < pad; i++ {
		if plain[end+i] != uint8(i+1) {
			return nil, fmt.Errorf("%w: confidentiality pad byte %v", ErrMalformed, i)
		}
	}
	return plain[:end], nil
}
