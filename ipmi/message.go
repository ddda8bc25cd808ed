package ipmi

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"

	goipmi "github.com/ooneko/goipmi"

	"github.com/ipmi-lanplus/pkg/rmcpplus"
)

// IPMI addresses
const (
	AddrBMC      = 0x20
	AddrSoftware = 0x81
)

// Commands not covered by goipmi
var (
	CommandActivatePayload   = goipmi.Command(0x48)
	CommandDeactivatePayload = goipmi.Command(0x49)
)

const messageMinSize = 7

// Message is an IPMI LAN message, section 13.8 of IPMI v2.0. Requests and
// responses share the layout; a response carries the completion code as the
// first data byte and the requester fields in the address slots.
type Message struct {
	RsAddr  uint8
	NetFn   goipmi.NetworkFunction
	RsLUN   uint8
	RqAddr  uint8
	RqSeq   uint8
	RqLUN   uint8
	Command goipmi.Command
	Data    []byte
}

func checksum(b ...uint8) uint8 {
	var c uint8
	for _, x := range b {
		c += x
	}
	return -c
}

// Pack converts the Message into a byte slice for transmission
func (m *Message) Pack() []byte {
	b := make([]byte, 0, messageMinSize+len(m.Data))
	b = append(b, m.RsAddr, uint8(m.NetFn)<<2|m.RsLUN&0x03)
	b = append(b, checksum(b[0:2]...))
	b = append(b, m.RqAddr, m.RqSeq<<2|m.RqLUN&0x03, uint8(m.Command))
	b = append(b, m.Data...)
	return append(b, checksum(b[3:]...))
}

// Unpack parses a byte slice into a Message
func (m *Message) Unpack(data []byte) error {
	if len(data) < messageMinSize {
		return fmt.Errorf("%w: IPMI message is %v bytes", rmcpplus.ErrMalformed, len(data))
	}
	if checksum(data[0:2]...) != data[2] {
		return fmt.Errorf("%w: IPMI header checksum", rmcpplus.ErrMalformed)
	}
	if checksum(data[3:len(data)-1]...) != data[len(data)-1] {
		return fmt.Errorf("%w: IPMI data checksum", rmcpplus.ErrMalformed)
	}
	m.RsAddr = data[0]
	m.NetFn = goipmi.NetworkFunction(data[1] >> 2)
	m.RsLUN = data[1] & 0x03
	m.RqAddr = data[3]
	m.RqSeq = data[4] >> 2
	m.RqLUN = data[4] & 0x03
	m.Command = goipmi.Command(data[5])
	m.Data = append([]byte(nil), data[6:len(data)-1]...)
	return nil
}

// Request is one IPMI command sent through an Interface.
type Request struct {
	NetworkFunction goipmi.NetworkFunction
	Command         goipmi.Command
	LUN             uint8
	Data            []byte
}

func (r *Request) String() string {
	return fmt.Sprintf("netfn=%#02x cmd=%#02x", uint8(r.NetworkFunction), uint8(r.Command))
}

// message frames r as a request from remote console software.
func (r *Request) message(rqSeq uint8) *Message {
	return &Message{
		RsAddr:  AddrBMC,
		NetFn:   r.NetworkFunction,
		RsLUN:   r.LUN,
		RqAddr:  AddrSoftware,
		RqSeq:   rqSeq,
		Command: r.Command,
		Data:    r.Data,
	}
}

// Response is the answer to a Request.
type Response struct {
	CompletionCode goipmi.CompletionCode
	Data           []byte
}

var _ goipmi.Response = (*Response)(nil)

// Code returns the completion code as uint8
func (r *Response) Code() uint8 {
	return uint8(r.CompletionCode)
}

// Err returns nil when the command completed.
func (r *Response) Err() error {
	if r.CompletionCode == goipmi.CommandCompleted {
		return nil
	}
	return &CompletionError{Code: r.CompletionCode}
}

// CompletionError is a non-zero completion code returned by the controller.
type CompletionError struct {
	Code goipmi.CompletionCode
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion code %#02x", uint8(e.Code))
}

// isResponseTo reports whether m answers a request sent with rqSeq.
func (m *Message) isResponseTo(r *Request, rqSeq uint8) bool {
	return m.NetFn == r.NetworkFunction+1 && m.Command == r.Command && m.RqSeq == rqSeq
}

// response returns the completion code and data of a response message.
func (m *Message) response() (*Response, error) {
	if len(m.Data) < 1 {
		return nil, fmt.Errorf("%w: response without completion code", rmcpplus.ErrMalformed)
	}
	return &Response{
		CompletionCode: goipmi.CompletionCode(m.Data[0]),
		Data:           append([]byte(nil), m.Data[1:]...),
	}, nil
}

// EncodeResponse converts a goipmi response value to its wire bytes. Types
// implementing encoding.BinaryMarshaler are asked directly; fixed-size
// structs are written little endian.
func EncodeResponse(r goipmi.Response) (*Response, error) {
	switch v := r.(type) {
	case *Response:
		return v, nil
	case goipmi.CompletionCode:
		return &Response{CompletionCode: v}, nil
	}
	var b []byte
	if m, ok := r.(encoding.BinaryMarshaler); ok {
		var err error
		if b, err = m.MarshalBinary(); err != nil {
			return nil, err
		}
	} else {
		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
			return nil, fmt.Errorf("encoding %T: %w", r, err)
		}
		b = buf.Bytes()
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty response", rmcpplus.ErrMalformed)
	}
	return &Response{CompletionCode: goipmi.CompletionCode(b[0]), Data: b[1:]}, nil
}
