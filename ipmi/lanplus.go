package ipmi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/gopacket"
	"github.com/google/uuid"
	goipmi "github.com/ooneko/goipmi"
	"github.com/sirupsen/logrus"

	"github.com/ipmi-lanplus/pkg/rmcpplus"
)

// TransportLANPlus is the registry name of the RMCP+ UDP transport.
const TransportLANPlus = "lanplus"

const maxPacketSize = 1500

var errRoundTimeout = errors.New("no response within timeout")

// link is one open UDP association and its receive loop.
type link struct {
	conn net.Conn
	done chan struct{}
}

// LANPlus implements the IPMI 2.0 RMCP+ protocol
type LANPlus struct {
	opts    *Options
	s       *rmcpplus.Session
	hs      *rmcpplus.Handshake
	log     *logrus.Entry
	metrics *Metrics

	// mu serialises Open, Close and the command path. SOL sends take solMu.
	mu    sync.Mutex
	solMu sync.Mutex
	rqSeq uint8

	linkMu sync.Mutex
	link   *link
	abort  chan struct{}

	hsIn     chan gopacket.Layer
	rspIn    chan *Message
	solIn    chan *rmcpplus.SOLPacket
	solAckIn chan *rmcpplus.SOLPacket

	// solRecv is the SOL packet being handled by the receive loop. Only that
	// goroutine touches it.
	solRecv *rmcpplus.SOLPacket
}

// NewLANPlus creates a new IPMI 2.0 LAN+ interface
func NewLANPlus(opts ...Option) (*LANPlus, error) {
	return setupLANPlus(newOptions(opts...))
}

func newLANPlus(o *Options) (Interface, error) {
	l, err := setupLANPlus(o)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func setupLANPlus(o *Options) (*LANPlus, error) {
	s, err := o.session()
	if err != nil {
		return nil, err
	}
	log := o.Log.WithFields(logrus.Fields{
		"interface": TransportLANPlus,
		"host":      s.Address(),
	})
	hs := rmcpplus.NewHandshake(s, log)
	hs.Pedantic = o.Pedantic

	l := &LANPlus{
		opts:     o,
		s:        s,
		hs:       hs,
		log:      log,
		metrics:  o.Metrics,
		abort:    make(chan struct{}),
		hsIn:     make(chan gopacket.Layer, 4),
		rspIn:    make(chan *Message, 4),
		solIn:    make(chan *rmcpplus.SOLPacket, 64),
		solAckIn: make(chan *rmcpplus.SOLPacket, 4),
	}
	s.SOL().SetHandler(l.deliverSOL)
	return l, nil
}

func (l *LANPlus) Name() string {
	return TransportLANPlus
}

func (l *LANPlus) Session() *rmcpplus.Session {
	return l.s
}

// Opened reports whether the transport is set up and the session active.
func (l *LANPlus) Opened() bool {
	lk, _ := l.current()
	return lk != nil && l.s.Active()
}

// Abort makes blocked calls return ErrAborted until the next Open.
func (l *LANPlus) Abort() {
	l.linkMu.Lock()
	defer l.linkMu.Unlock()
	select {
	case <-l.abort:
	default:
		close(l.abort)
		l.log.Debug("aborted")
	}
}

func (l *LANPlus) current() (*link, chan struct{}) {
	l.linkMu.Lock()
	defer l.linkMu.Unlock()
	return l.link, l.abort
}

// Open dials the controller and runs the handshake to an active session.
func (l *LANPlus) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, _ := l.current(); lk != nil {
		return fmt.Errorf("%w: interface already open", rmcpplus.ErrInvalidState)
	}

	conn, err := net.Dial("udp", l.s.Address())
	if err != nil {
		return fmt.Errorf("%w: %v", rmcpplus.ErrTransport, err)
	}
	lk := &link{conn: conn, done: make(chan struct{})}
	drain(l.hsIn)
	drain(l.rspIn)
	drain(l.solIn)
	drain(l.solAckIn)
	l.linkMu.Lock()
	l.link = lk
	l.abort = make(chan struct{})
	l.linkMu.Unlock()
	go l.readLoop(lk)

	err = l.handshake(ctx)
	l.metrics.handshake(TransportLANPlus, err)
	if err != nil {
		if l.s.State() != rmcpplus.StatePresession {
			l.hs.Reset()
		}
		l.release()
		return err
	}
	return nil
}

func (l *LANPlus) handshake(ctx context.Context) error {
	if l.s.State() == rmcpplus.StateCloseSent {
		l.hs.Reset()
	}

	req, err := l.hs.OpenSessionRequest()
	if err != nil {
		return err
	}
	if err := l.exchange(ctx, rmcpplus.PayloadTypeOpenSessionRequest, req); err != nil {
		return err
	}

	m1, err := l.hs.RAKPMessage1()
	if err != nil {
		return err
	}
	if err := l.exchange(ctx, rmcpplus.PayloadTypeRAKPMessage1, m1); err != nil {
		return err
	}

	guid := uuid.UUID(l.s.V2().ControllerGUID)
	known, err := l.checkGUID(guid)
	if err != nil {
		return l.hs.Fail(err)
	}

	m3, err := l.hs.RAKPMessage3()
	if err != nil {
		return err
	}
	if err := l.exchange(ctx, rmcpplus.PayloadTypeRAKPMessage3, m3); err != nil {
		return err
	}

	if !known {
		if err := l.opts.GUIDStore.PinGUID(l.s.Hostname(), guid); err != nil {
			l.log.WithError(err).Warn("failed to pin controller GUID")
		}
	}
	return nil
}

// checkGUID compares the controller GUID with the one pinned for this host.
// known is false when the GUID still has to be pinned.
func (l *LANPlus) checkGUID(guid uuid.UUID) (known bool, err error) {
	store := l.opts.GUIDStore
	if store == nil {
		return true, nil
	}
	pinned, ok, err := store.LookupGUID(l.s.Hostname())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if pinned != guid {
		return true, fmt.Errorf("%w: controller GUID %v, pinned %v", rmcpplus.ErrAuthentication, guid, pinned)
	}
	return true, nil
}

// exchange sends a handshake message and feeds answers to the state machine
// until one is accepted. Stale or foreign answers are dropped.
func (l *LANPlus) exchange(ctx context.Context, pt rmcpplus.PayloadType, msg gopacket.SerializableLayer) error {
	raw, err := rmcpplus.EncodeHandshake(pt, msg)
	if err != nil {
		return err
	}
	return l.roundTrip(ctx, raw, func(ctx context.Context) error {
		for {
			layer, err := recv(ctx, l, l.hsIn)
			if err != nil {
				return err
			}
			err = l.hs.Receive(layer)
			if rmcpplus.Fatal(err) {
				return err
			}
			if err == nil {
				return nil
			}
			l.drop("unexpected", err)
		}
	})
}

// roundTrip writes raw and waits for wait to succeed, re-sending the same
// bytes after each timeout until the retries are used up.
func (l *LANPlus) roundTrip(ctx context.Context, raw []byte, wait func(ctx context.Context) error) error {
	lk, _ := l.current()
	if lk == nil {
		return fmt.Errorf("%w: interface not open", rmcpplus.ErrNotActive)
	}

	attempts := 0
	op := func() error {
		if attempts > 0 {
			l.metrics.retry(TransportLANPlus)
			l.log.WithField("attempt", attempts+1).Warn("no response, re-sending")
		}
		attempts++
		if _, err := lk.conn.Write(raw); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", rmcpplus.ErrTransport, err))
		}
		rctx, cancel := context.WithTimeout(ctx, l.s.Timeout())
		defer cancel()
		err := wait(rctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			return errRoundTimeout
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(l.s.Retries())), ctx)
	err := backoff.Retry(op, b)
	if errors.Is(err, errRoundTimeout) {
		return fmt.Errorf("%w: no response after %d attempts", rmcpplus.ErrTimeout, attempts)
	}
	return err
}

// recv waits for the next value on in, giving up on cancellation, abort or
// a closed connection.
func recv[T any](ctx context.Context, l *LANPlus, in <-chan T) (T, error) {
	var zero T
	lk, abort := l.current()
	if lk == nil {
		return zero, fmt.Errorf("%w: interface not open", rmcpplus.ErrNotActive)
	}
	select {
	case v := <-in:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-abort:
		return zero, rmcpplus.ErrAborted
	case <-lk.done:
		return zero, fmt.Errorf("%w: connection closed", rmcpplus.ErrTransport)
	}
}

func drain[T any](in chan T) {
	for {
		select {
		case <-in:
		default:
			return
		}
	}
}

// SendRecv sends an IPMI request inside the session and waits for the
// response with the same netfn, command and request sequence number.
func (l *LANPlus) SendRecv(ctx context.Context, req *Request) (*Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendRecv(ctx, req)
}

func (l *LANPlus) sendRecv(ctx context.Context, req *Request) (*Response, error) {
	if !l.s.Active() {
		return nil, fmt.Errorf("%w: session is %v", rmcpplus.ErrNotActive, l.s.State())
	}
	l.rqSeq = (l.rqSeq + 1) & 0x3f
	rqSeq := l.rqSeq

	raw, seq, err := l.s.Seal(rmcpplus.PayloadTypeIPMI, req.message(rqSeq).Pack())
	if err != nil {
		return nil, err
	}
	log := l.log.WithFields(logrus.Fields{
		"request": req.String(),
		"rq_seq":  rqSeq,
		"seq":     seq,
	})
	log.Debug("sending request")

	drain(l.rspIn)
	var rsp *Response
	err = l.roundTrip(ctx, raw, func(ctx context.Context) error {
		for {
			m, err := recv(ctx, l, l.rspIn)
			if err != nil {
				return err
			}
			if !m.isResponseTo(req, rqSeq) {
				l.drop("unexpected", fmt.Errorf("%w: response netfn %#02x cmd %#02x rq_seq %v",
					rmcpplus.ErrUnexpectedMessage, uint8(m.NetFn), uint8(m.Command), m.RqSeq))
				continue
			}
			rsp, err = m.response()
			return err
		}
	})
	if err != nil {
		log.WithError(err).Error("request failed")
		return nil, err
	}
	return rsp, nil
}

// ActivateSOL activates the SOL payload on instance 1 and starts the SOL
// sub-session with the negotiated payload sizes.
func (l *LANPlus) ActivateSOL(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rsp, err := l.sendRecv(ctx, &Request{
		NetworkFunction: goipmi.NetworkFunctionApp,
		Command:         CommandActivatePayload,
		Data:            []byte{uint8(rmcpplus.PayloadTypeSOL), 0x01, 0xc6, 0x00, 0x00, 0x00},
	})
	if err != nil {
		return err
	}
	if err := rsp.Err(); err != nil {
		return fmt.Errorf("activate SOL payload: %w", err)
	}
	if len(rsp.Data) < 10 {
		return fmt.Errorf("%w: activate payload response is %v bytes", rmcpplus.ErrMalformed, len(rsp.Data))
	}
	// sizes are from the controller's point of view
	toController := int(binary.LittleEndian.Uint16(rsp.Data[4:6]))
	fromController := int(binary.LittleEndian.Uint16(rsp.Data[6:8]))
	port := binary.LittleEndian.Uint16(rsp.Data[8:10])
	if int(port) != l.s.Port() {
		l.log.WithField("port", port).Warn("controller asked for SOL on another port, staying on the session port")
	}
	if err := l.s.SOL().Activate(fromController, toController, port); err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{
		"inbound":  fromController,
		"outbound": toController,
	}).Info("SOL activated")
	return nil
}

// DeactivateSOL ends the SOL payload.
func (l *LANPlus) DeactivateSOL(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deactivateSOL(ctx)
}

func (l *LANPlus) deactivateSOL(ctx context.Context) error {
	sol := l.s.SOL()
	if !sol.Active() {
		return nil
	}
	sol.Deactivate()
	rsp, err := l.sendRecv(ctx, &Request{
		NetworkFunction: goipmi.NetworkFunctionApp,
		Command:         CommandDeactivatePayload,
		Data:            []byte{uint8(rmcpplus.PayloadTypeSOL), 0x01, 0x00, 0x00, 0x00, 0x00},
	})
	if err != nil {
		return err
	}
	return rsp.Err()
}

// SendSOL sends console data and waits for the controller to acknowledge it.
// An empty data slice sends a bare acknowledgement and does not wait.
func (l *LANPlus) SendSOL(ctx context.Context, data []byte) (*rmcpplus.SOLPacket, error) {
	l.solMu.Lock()
	defer l.solMu.Unlock()

	p, err := l.s.SOL().NextPacket(data, 0)
	if err != nil {
		return nil, err
	}
	b, err := rmcpplus.Serialize(p)
	if err != nil {
		return nil, err
	}
	raw, _, err := l.s.Seal(rmcpplus.PayloadTypeSOL, b)
	if err != nil {
		return nil, err
	}

	if p.Sequence == 0 {
		lk, _ := l.current()
		if lk == nil {
			return nil, fmt.Errorf("%w: interface not open", rmcpplus.ErrNotActive)
		}
		if _, err := lk.conn.Write(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", rmcpplus.ErrTransport, err)
		}
		return p, nil
	}

	drain(l.solAckIn)
	err = l.roundTrip(ctx, raw, func(ctx context.Context) error {
		_, err := recv(ctx, l, l.solAckIn)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.metrics.solBytes("out", len(data))
	return p, nil
}

// RecvSOL returns the next SOL packet carrying new console data.
func (l *LANPlus) RecvSOL(ctx context.Context) (*rmcpplus.SOLPacket, error) {
	if !l.s.SOL().Active() {
		return nil, fmt.Errorf("%w: SOL not activated", rmcpplus.ErrNotActive)
	}
	return recv(ctx, l, l.solIn)
}

// Close ends the session and releases the socket. Calling it again, or on an
// interface that never opened, does nothing.
func (l *LANPlus) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, _ := l.current()
	if lk == nil {
		return nil
	}
	defer l.release()
	if !l.s.Active() {
		return nil
	}

	// after Abort every wait below returns at once, so each request goes out
	// a single time without waiting for an answer
	ctx, cancel := context.WithTimeout(context.Background(), l.s.Timeout()*time.Duration(l.s.Retries()+1))
	defer cancel()
	if err := l.deactivateSOL(ctx); err != nil {
		l.log.WithError(err).Debug("deactivate SOL on close")
	}
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], l.s.V2().ControllerID)
	_, err := l.sendRecv(ctx, &Request{
		NetworkFunction: goipmi.NetworkFunctionApp,
		Command:         goipmi.CommandCloseSession,
		Data:            id[:],
	})
	if err != nil {
		l.log.WithError(err).Debug("close session")
	}
	if err := l.hs.Close(); err != nil {
		return err
	}
	l.log.Info("session closed")
	return nil
}

func (l *LANPlus) release() {
	l.linkMu.Lock()
	lk := l.link
	l.link = nil
	l.linkMu.Unlock()
	if lk == nil {
		return
	}
	lk.conn.Close()
	<-lk.done
}

func (l *LANPlus) readLoop(lk *link) {
	defer close(lk.done)
	buf := make([]byte, maxPacketSize)
	for {
		n, err := lk.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.WithError(err).Debug("read failed")
			continue
		}
		l.dispatch(lk, append([]byte(nil), buf[:n]...))
	}
}

func (l *LANPlus) dispatch(lk *link, raw []byte) {
	pkt, err := rmcpplus.DecodePacket(raw)
	if err != nil {
		l.drop("malformed", err)
		return
	}
	switch pt := pkt.Session.PayloadType; pt {
	case rmcpplus.PayloadTypeOpenSessionResponse, rmcpplus.PayloadTypeRAKPMessage2, rmcpplus.PayloadTypeRAKPMessage4:
		layer, err := pkt.Layer()
		if err != nil {
			l.drop("malformed", err)
			return
		}
		select {
		case l.hsIn <- layer:
		default:
			l.drop("overflow", fmt.Errorf("handshake queue full, dropping %v", pt))
		}
	case rmcpplus.PayloadTypeIPMI:
		_, payload, err := l.s.Unseal(raw)
		if err != nil {
			l.drop(dropReason(err), err)
			return
		}
		m := &Message{}
		if err := m.Unpack(payload); err != nil {
			l.drop("malformed", err)
			return
		}
		select {
		case l.rspIn <- m:
		default:
			l.drop("overflow", errors.New("response queue full"))
		}
	case rmcpplus.PayloadTypeSOL:
		l.receiveSOL(lk, raw)
	default:
		l.drop("unexpected", fmt.Errorf("%w: payload type %v", rmcpplus.ErrUnexpectedMessage, pt))
	}
}

func (l *LANPlus) receiveSOL(lk *link, raw []byte) {
	_, payload, err := l.s.Unseal(raw)
	if err != nil {
		l.drop(dropReason(err), err)
		return
	}
	layer, err := rmcpplus.DecodePayload(rmcpplus.PayloadTypeSOL, payload)
	if err != nil {
		l.drop("malformed", err)
		return
	}
	p, ok := layer.(*rmcpplus.SOLPacket)
	if !ok {
		l.drop("malformed", fmt.Errorf("%w: SOL payload decoded as %v", rmcpplus.ErrMalformed, layer.LayerType()))
		return
	}

	sol := l.s.SOL()
	l.solRecv = p
	acked, err := sol.Receive(p)
	l.solRecv = nil
	if err != nil {
		l.drop(dropReason(err), err)
		return
	}
	if acked {
		select {
		case l.solAckIn <- p:
		default:
		}
	}
	if p.Sequence != 0 && len(p.Data) > 0 {
		l.ackSOL(lk)
	}
}

// ackSOL acknowledges received console data right away.
func (l *LANPlus) ackSOL(lk *link) {
	ack, err := l.s.SOL().AckPacket()
	if err != nil {
		return
	}
	b, err := rmcpplus.Serialize(ack)
	if err != nil {
		l.log.WithError(err).Error("failed to encode SOL ack")
		return
	}
	raw, _, err := l.s.Seal(rmcpplus.PayloadTypeSOL, b)
	if err != nil {
		l.log.WithError(err).Debug("failed to seal SOL ack")
		return
	}
	if _, err := lk.conn.Write(raw); err != nil {
		l.log.WithError(err).Debug("failed to send SOL ack")
	}
}

// deliverSOL is the SOL handler; it runs on the receive loop.
func (l *LANPlus) deliverSOL(data []byte) {
	p := l.solRecv
	if p == nil {
		return
	}
	l.metrics.solBytes("in", len(data))
	select {
	case l.solIn <- p:
	default:
		l.drop("overflow", errors.New("SOL queue full"))
	}
}

func (l *LANPlus) drop(reason string, err error) {
	l.metrics.dropped(reason)
	l.log.WithError(err).WithField("reason", reason).Debug("dropped packet")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, rmcpplus.ErrReplay):
		return "replay"
	case errors.Is(err, rmcpplus.ErrOutOfWindow):
		return "out_of_window"
	case errors.Is(err, rmcpplus.ErrAuthentication):
		return "authentication"
	case errors.Is(err, rmcpplus.ErrUnexpectedMessage):
		return "unexpected"
	case errors.Is(err, rmcpplus.ErrNotActive):
		return "not_active"
	case errors.Is(err, rmcpplus.ErrPayloadTooLarge):
		return "too_large"
	default:
		return "malformed"
	}
}
