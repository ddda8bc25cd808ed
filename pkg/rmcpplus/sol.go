package rmcpplus

import (
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// SOL operation bits, console to controller.
const (
	SOLOperationNack          = 0x40
	SOLOperationRingWOR       = 0x20
	SOLOperationGenerateBreak = 0x10
	SOLOperationCTSPause      = 0x08
	SOLOperationDropDCDDSR    = 0x04
	SOLOperationFlushInbound  = 0x02
	SOLOperationFlushOutbound = 0x01
)

// SOL status bits, controller to console.
const (
	SOLStatusNack            = 0x40
	SOLStatusUnavailable     = 0x20
	SOLStatusDeactivated     = 0x10
	SOLStatusTransmitOverrun = 0x08
	SOLStatusBreak           = 0x04
)

const (
	solHeaderSize = 4
	solMaxSeq     = 0x0f

	// solMaxData is the most character data one packet can carry, bounded by
	// the single byte accepted character count.
	solMaxData = 0xff
)

// SOLPacket is a serial-over-LAN payload, section 15.9 of IPMI v2.0. A zero
// Sequence marks an ack-only packet.
type SOLPacket struct {
	layers.BaseLayer

	Sequence      uint8
	AckSequence   uint8
	AcceptedCount uint8

	// Operation holds operation bits from the console and status bits from
	// the controller.
	Operation uint8
	Data      []byte
}

func (*SOLPacket) LayerType() gopacket.LayerType {
	return LayerTypeSOL
}

func (p *SOLPacket) CanDecode() gopacket.LayerClass {
	return p.LayerType()
}

func (*SOLPacket) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (p *SOLPacket) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	d, err := b.PrependBytes(solHeaderSize + len(p.Data))
	if err != nil {
		return err
	}
	d[0] = p.Sequence & solMaxSeq
	d[1] = p.AckSequence & solMaxSeq
	d[2] = p.AcceptedCount
	d[3] = p.Operation
	copy(d[solHeaderSize:], p.Data)
	return nil
}

func (p *SOLPacket) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < solHeaderSize {
		df.SetTruncated()
		return fmt.Errorf("%w: SOL payload must be at least %v bytes, got %v", ErrMalformed, solHeaderSize, len(data))
	}
	p.BaseLayer.Contents = data
	p.BaseLayer.Payload = nil
	p.Sequence = data[0] & solMaxSeq
	p.AckSequence = data[1] & solMaxSeq
	p.AcceptedCount = data[2]
	p.Operation = data[3]
	p.Data = append([]byte(nil), data[solHeaderSize:]...)
	return nil
}

// Nack reports whether the packet refuses the acknowledged packet.
func (p *SOLPacket) Nack() bool {
	return p.Operation&SOLOperationNack != 0
}

// SOLHandler receives console bytes in the order they arrived.
type SOLHandler func(data []byte)

// SOLSession tracks the SOL sequence and acknowledgement state of an active
// session. Its sequence space is independent of the session sequence numbers.
type SOLSession struct {
	parent *Session

	mu sync.Mutex

	active      bool
	port        uint16
	maxInbound  int
	maxOutbound int

	seq            uint8
	outstanding    uint8
	outstandingLen int

	lastReceivedSeq   uint8
	lastReceivedCount uint8
	ackPending        bool

	handler SOLHandler
}

// Activate starts the sub-session with the payload sizes from the Activate
// Payload response. Sizes include the SOL header and are capped at what the
// accepted character count can acknowledge.
func (s *SOLSession) Activate(inbound, outbound int, port uint16) error {
	if inbound <= solHeaderSize || outbound <= solHeaderSize {
		return fmt.Errorf("%w: SOL payload sizes %v/%v", ErrMalformed, inbound, outbound)
	}
	if inbound > solHeaderSize+solMaxData {
		inbound = solHeaderSize + solMaxData
	}
	if outbound > solHeaderSize+solMaxData {
		outbound = solHeaderSize + solMaxData
	}
	// lock order matches Session.Active
	if s.parent != nil {
		s.parent.mu.Lock()
		defer s.parent.mu.Unlock()
		if s.parent.v2.State != StateActive {
			return fmt.Errorf("%w: SOL requires an active session", ErrNotActive)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.port = port
	s.maxInbound = inbound
	s.maxOutbound = outbound
	s.seq = 0
	s.outstanding = 0
	s.outstandingLen = 0
	s.lastReceivedSeq = 0
	s.lastReceivedCount = 0
	s.ackPending = false
	return nil
}

// Deactivate ends the sub-session. The handler stays registered.
func (s *SOLSession) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.outstanding = 0
	s.ackPending = false
}

func (s *SOLSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *SOLSession) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *SOLSession) MaxInbound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInbound
}

func (s *SOLSession) MaxOutbound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOutbound
}

// SetHandler registers the receiver of inbound console bytes. A nil handler
// discards them.
func (s *SOLSession) SetHandler(h SOLHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Outstanding returns the sequence number of the last data packet sent and
// not yet acknowledged, or 0.
func (s *SOLSession) Outstanding() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

func (s *SOLSession) nextSeq() uint8 {
	s.seq++
	if s.seq > solMaxSeq {
		s.seq = 1
	}
	return s.seq
}

func (s *SOLSession) takeAck(p *SOLPacket) {
	if !s.ackPending {
		return
	}
	p.AckSequence = s.lastReceivedSeq
	p.AcceptedCount = s.lastReceivedCount
	s.ackPending = false
}

// NextPacket builds the next outbound packet carrying data and operation
// bits, piggybacking the acknowledgement of the last received packet.
func (s *SOLSession) NextPacket(data []byte, operation uint8) (*SOLPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, fmt.Errorf("%w: SOL not activated", ErrNotActive)
	}
	if solHeaderSize+len(data) > s.maxOutbound {
		return nil, fmt.Errorf("%w: %v bytes, outbound limit %v", ErrPayloadTooLarge, solHeaderSize+len(data), s.maxOutbound)
	}
	p := &SOLPacket{
		Operation: operation,
		Data:      append([]byte(nil), data...),
	}
	if len(data) > 0 || operation != 0 {
		p.Sequence = s.nextSeq()
		s.outstanding = p.Sequence
		s.outstandingLen = len(data)
	}
	s.takeAck(p)
	return p, nil
}

// AckPacket builds an ack-only packet for the last received data.
func (s *SOLSession) AckPacket() (*SOLPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, fmt.Errorf("%w: SOL not activated", ErrNotActive)
	}
	if s.lastReceivedSeq == 0 {
		return nil, fmt.Errorf("%w: no SOL data to acknowledge", ErrInvalidState)
	}
	p := &SOLPacket{
		AckSequence:   s.lastReceivedSeq,
		AcceptedCount: s.lastReceivedCount,
	}
	s.ackPending = false
	return p, nil
}

// Receive processes an inbound packet. It reports whether the packet
// acknowledged our outstanding data packet and hands new data to the handler,
// outside the lock, before returning. Retransmissions of the last received
// packet are acknowledged again but not delivered twice.
func (s *SOLSession) Receive(p *SOLPacket) (acked bool, err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: SOL not activated", ErrNotActive)
	}
	if solHeaderSize+len(p.Data) > s.maxInbound {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %v bytes, inbound limit %v", ErrPayloadTooLarge, solHeaderSize+len(p.Data), s.maxInbound)
	}
	if p.AckSequence != 0 && p.AckSequence == s.outstanding && !p.Nack() {
		acked = true
		s.outstanding = 0
		s.outstandingLen = 0
	}
	var deliver []byte
	handler := s.handler
	if p.Sequence != 0 && len(p.Data) > 0 {
		if p.Sequence != s.lastReceivedSeq {
			deliver = p.Data
		}
		s.lastReceivedSeq = p.Sequence
		s.lastReceivedCount = uint8(len(p.Data))
		s.ackPending = true
	}
	s.mu.Unlock()

	if deliver != nil && handler != nil {
		handler(deliver)
	}
	return acked, nil
}

// AckPending reports whether received data has not been acknowledged yet.
func (s *SOLSession) AckPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackPending
}
