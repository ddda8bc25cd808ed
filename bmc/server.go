package bmc

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/gopacket"
	goipmi "github.com/ooneko/goipmi"
	"github.com/sirupsen/logrus"

	"github.com/ipmi-lanplus/ipmi"
	"github.com/ipmi-lanplus/pkg/rmcpplus"
)

// Handler answers one IPMI command. Handlers run with the server lock held.
type Handler func(m *ipmi.Message) goipmi.Response

type command struct {
	netfn goipmi.NetworkFunction
	cmd   goipmi.Command
}

type session struct {
	consoleID  uint32
	id         uint32
	addr       *net.UDPAddr
	ks         rmcpplus.KeySchedule
	suite      rmcpplus.CipherSuite
	protection *rmcpplus.Protection
	window     *rmcpplus.SequenceWindow
	outSeq     uint32

	lastSeq      uint32
	lastResponse []byte

	solActive  bool
	solSeq     uint8
	solLastSeq uint8
	solAcked   uint8
}

func (sess *session) seal(pt rmcpplus.PayloadType, payload []byte) ([]byte, error) {
	raw, err := sess.protection.Seal(pt, sess.consoleID, sess.outSeq, payload)
	if err != nil {
		return nil, err
	}
	sess.outSeq++
	if sess.outSeq == 0 {
		sess.outSeq = 1
	}
	return raw, nil
}

func (sess *session) nextSOLSeq() uint8 {
	sess.solSeq++
	if sess.solSeq > 0x0f {
		sess.solSeq = 1
	}
	return sess.solSeq
}

// Server is a simulated BMC answering RMCP+ sessions on UDP. It is meant for
// exercising consoles without hardware.
type Server struct {
	log  *logrus.Entry
	conn *net.UDPConn
	done chan struct{}

	mu       sync.Mutex
	users    map[string]string
	kg       [rmcpplus.KgBufferSize]byte
	guid     rmcpplus.GUID
	nextID   uint32
	sessions map[uint32]*session
	handlers map[command]Handler

	power      bool
	bootDevice uint8

	solInbound  int
	solOutbound int
	solReceived []byte

	corruptRAKP2 bool
	rejectSuites bool
	dropRequests int
	requests     []uint32
}

// NewServer creates a simulated BMC with the user admin/password.
func NewServer(log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		log:         log.WithField("component", "bmc"),
		users:       map[string]string{"admin": "password"},
		nextID:      0x1000,
		sessions:    make(map[uint32]*session),
		handlers:    make(map[command]Handler),
		solInbound:  256,
		solOutbound: 256,
	}
	if _, err := rand.Read(s.guid[:]); err != nil {
		panic(err)
	}

	s.SetHandler(goipmi.NetworkFunctionApp, goipmi.CommandGetDeviceID, s.handleGetDeviceID)
	s.SetHandler(goipmi.NetworkFunctionChassis, goipmi.CommandChassisStatus, s.handleGetChassisStatus)
	s.SetHandler(goipmi.NetworkFunctionChassis, goipmi.CommandChassisControl, s.handleChassisControl)
	s.SetHandler(goipmi.NetworkFunctionChassis, goipmi.CommandSetSystemBootOptions, s.handleSetSystemBootOptions)
	return s
}

// SetHandler registers the handler for a command, replacing the default.
func (s *Server) SetHandler(netfn goipmi.NetworkFunction, cmd goipmi.Command, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command{netfn, cmd}] = h
}

// AddUser adds a new user to the simulator
func (s *Server) AddUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %s already exists", username)
	}
	s.users[username] = password
	return nil
}

// SetKg sets the BMC key; sessions then derive SIK from it.
func (s *Server) SetKg(kg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kg = [rmcpplus.KgBufferSize]byte{}
	copy(s.kg[:], kg)
}

func (s *Server) SetGUID(guid rmcpplus.GUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guid = guid
}

func (s *Server) GUID() rmcpplus.GUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guid
}

// CorruptRAKP2 makes the server send a wrong key exchange code in RAKP
// message 2.
func (s *Server) CorruptRAKP2(corrupt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptRAKP2 = corrupt
}

// RejectCipherSuites makes Open Session fail with no matching cipher suite.
func (s *Server) RejectCipherSuites(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSuites = reject
}

// DropRequests ignores the next n in-session IPMI requests.
func (s *Server) DropRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRequests = n
}

// Requests returns the session sequence numbers of every in-session IPMI
// request received, dropped ones included.
func (s *Server) Requests() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.requests...)
}

// Sessions returns the number of sessions not yet closed.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) PowerState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// SetSOLPayloadSizes sets the sizes returned by Activate Payload, seen from
// the BMC: inbound is the largest packet it accepts.
func (s *Server) SetSOLPayloadSizes(inbound, outbound int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solInbound = inbound
	s.solOutbound = outbound
}

// SOLReceived returns the console bytes received over SOL.
func (s *Server) SOLReceived() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.solReceived...)
}

// Start starts the simulator on addr, for example 127.0.0.1:0.
func (s *Server) Start(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.conn = conn
	s.done = make(chan struct{})
	s.log = s.log.WithField("addr", conn.LocalAddr().String())
	s.log.Info("BMC simulator listening")
	go s.serve()
	return nil
}

// Addr returns the address the simulator listens on.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stop stops the simulator
func (s *Server) Stop() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	<-s.done
	s.log.Info("BMC simulator stopped")
}

func (s *Server) serve() {
	defer close(s.done)
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorf("Failed to read from UDP: %v", err)
			continue
		}
		s.handle(append([]byte(nil), buf[:n]...), addr)
	}
}

func (s *Server) handle(raw []byte, addr *net.UDPAddr) {
	pkt, err := rmcpplus.DecodePacket(raw)
	if err != nil {
		s.log.WithError(err).Debug("ignoring packet")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch pkt.Session.PayloadType {
	case rmcpplus.PayloadTypeIPMI, rmcpplus.PayloadTypeSOL:
		s.sessionPacket(pkt, addr)
		return
	}

	layer, err := pkt.Layer()
	if err != nil {
		s.log.WithError(err).Debug("ignoring packet")
		return
	}
	switch m := layer.(type) {
	case *rmcpplus.OpenSessionRequest:
		s.openSession(m, addr)
	case *rmcpplus.RAKPMessage1:
		s.rakp1(m, addr)
	case *rmcpplus.RAKPMessage3:
		s.rakp3(m, addr)
	default:
		s.log.Debugf("ignoring %v", pkt.Session.PayloadType)
	}
}

func (s *Server) write(raw []byte, addr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(raw, addr); err != nil {
		s.log.Errorf("Failed to send response: %v", err)
	}
}

func (s *Server) reply(pt rmcpplus.PayloadType, msg gopacket.SerializableLayer, addr *net.UDPAddr) {
	raw, err := rmcpplus.EncodeHandshake(pt, msg)
	if err != nil {
		s.log.WithError(err).Errorf("Failed to encode %v", pt)
		return
	}
	s.write(raw, addr)
}

func (s *Server) suite(m *rmcpplus.OpenSessionRequest) (rmcpplus.CipherSuite, bool) {
	if s.rejectSuites {
		return rmcpplus.CipherSuite{}, false
	}
	for _, id := range []rmcpplus.CipherSuiteID{0, 1, 2, 3, 6, 7, 8} {
		cs, err := rmcpplus.LookupCipherSuite(id)
		if err != nil {
			continue
		}
		if cs.Authentication == m.Authentication && cs.Integrity == m.Integrity && cs.Confidentiality == m.Confidentiality {
			return cs, true
		}
	}
	return rmcpplus.CipherSuite{}, false
}

func (s *Server) openSession(m *rmcpplus.OpenSessionRequest, addr *net.UDPAddr) {
	rsp := &rmcpplus.OpenSessionResponse{
		Tag:              m.Tag,
		ConsoleSessionID: m.ConsoleSessionID,
	}
	cs, ok := s.suite(m)
	if !ok {
		rsp.Status = rmcpplus.StatusNoCipherSuiteMatch
		s.reply(rmcpplus.PayloadTypeOpenSessionResponse, rsp, addr)
		return
	}

	s.nextID++
	window, err := rmcpplus.NewSequenceWindow(rmcpplus.DefaultSequenceWindow)
	if err != nil {
		panic(err)
	}
	sess := &session{
		consoleID: m.ConsoleSessionID,
		id:        s.nextID,
		addr:      addr,
		suite:     cs,
		window:    window,
		ks: rmcpplus.KeySchedule{
			Algorithm:           cs.Authentication,
			Kg:                  s.kg,
			ConsoleSessionID:    m.ConsoleSessionID,
			ControllerSessionID: s.nextID,
			ControllerGUID:      s.guid,
		},
	}
	s.sessions[sess.id] = sess
	s.log.WithField("session", sess.id).Debugf("open session with %v", cs)

	priv := m.MaxPrivilegeLevel
	if priv == 0 {
		priv = rmcpplus.PrivilegeAdministrator
	}
	rsp.MaxPrivilegeLevel = priv
	rsp.ControllerSessionID = sess.id
	rsp.Authentication = cs.Authentication
	rsp.Integrity = cs.Integrity
	rsp.Confidentiality = cs.Confidentiality
	s.reply(rmcpplus.PayloadTypeOpenSessionResponse, rsp, addr)
}

func (s *Server) rakp1(m *rmcpplus.RAKPMessage1, addr *net.UDPAddr) {
	sess, ok := s.sessions[m.ControllerSessionID]
	if !ok {
		s.log.Debugf("RAKP message 1 for unknown session %#x", m.ControllerSessionID)
		return
	}
	rsp := &rmcpplus.RAKPMessage2{
		Tag:              m.Tag,
		ConsoleSessionID: sess.consoleID,
	}
	password, ok := s.users[string(m.Username)]
	if !ok {
		rsp.Status = rmcpplus.StatusUnauthorizedName
		delete(s.sessions, sess.id)
		s.reply(rmcpplus.PayloadTypeRAKPMessage2, rsp, addr)
		return
	}

	if _, err := rand.Read(sess.ks.ControllerRandom[:]); err != nil {
		panic(err)
	}
	sess.ks.ConsoleRandom = m.ConsoleRandom
	sess.ks.Role = m.Role
	sess.ks.Username = append([]byte(nil), m.Username...)
	sess.ks.Password = []byte(password)
	code, err := sess.ks.RAKP2Code()
	if err != nil {
		s.log.WithError(err).Error("Failed to compute RAKP 2 code")
		return
	}
	if s.corruptRAKP2 && len(code) > 0 {
		code[0] ^= 0xff
	}
	rsp.ControllerRandom = sess.ks.ControllerRandom
	rsp.ControllerGUID = sess.ks.ControllerGUID
	rsp.KeyExchangeCode = code
	s.reply(rmcpplus.PayloadTypeRAKPMessage2, rsp, addr)
}

func (s *Server) rakp3(m *rmcpplus.RAKPMessage3, addr *net.UDPAddr) {
	sess, ok := s.sessions[m.ControllerSessionID]
	if !ok {
		s.log.Debugf("RAKP message 3 for unknown session %#x", m.ControllerSessionID)
		return
	}
	rsp := &rmcpplus.RAKPMessage4{
		Tag:              m.Tag,
		ConsoleSessionID: sess.consoleID,
	}
	expected, err := sess.ks.RAKP3Code()
	if err != nil || m.Status != rmcpplus.StatusNoErrors || !hmac.Equal(expected, m.KeyExchangeCode) {
		rsp.Status = rmcpplus.StatusInvalidIntegrityCheckValue
		delete(s.sessions, sess.id)
		s.reply(rmcpplus.PayloadTypeRAKPMessage4, rsp, addr)
		return
	}
	keys, err := sess.ks.SessionKeys()
	if err != nil {
		s.log.WithError(err).Error("Failed to derive session keys")
		return
	}
	icv, err := sess.ks.RAKP4ICV(&keys)
	if err != nil {
		s.log.WithError(err).Error("Failed to compute RAKP 4 ICV")
		return
	}
	sess.protection = &rmcpplus.Protection{
		Integrity:       sess.suite.Integrity,
		Confidentiality: sess.suite.Confidentiality,
		Keys:            keys,
	}
	sess.outSeq = 1
	sess.addr = addr
	rsp.IntegrityCheckValue = icv
	s.log.WithField("session", sess.id).Info("session activated")
	s.reply(rmcpplus.PayloadTypeRAKPMessage4, rsp, addr)
}

func (s *Server) sessionPacket(pkt *rmcpplus.Packet, addr *net.UDPAddr) {
	sess, ok := s.sessions[pkt.Session.SessionID]
	if !ok || sess.protection == nil {
		s.log.Debugf("packet for inactive session %#x", pkt.Session.SessionID)
		return
	}
	if err := sess.protection.Verify(pkt); err != nil {
		s.log.WithError(err).Debug("dropping packet")
		return
	}
	seq := pkt.Session.Sequence
	if pkt.Session.PayloadType == rmcpplus.PayloadTypeIPMI {
		s.requests = append(s.requests, seq)
		if s.dropRequests > 0 {
			s.dropRequests--
			s.log.WithField("seq", seq).Debug("dropping request on purpose")
			return
		}
	}
	if err := sess.window.Check(seq); err != nil {
		if seq == sess.lastSeq && sess.lastResponse != nil {
			s.write(sess.lastResponse, addr)
		}
		return
	}
	payload, err := sess.protection.Decrypt(pkt)
	if err != nil {
		s.log.WithError(err).Debug("dropping packet")
		return
	}
	sess.window.Commit(seq)

	switch pkt.Session.PayloadType {
	case rmcpplus.PayloadTypeIPMI:
		s.request(sess, seq, payload, addr)
	case rmcpplus.PayloadTypeSOL:
		s.sol(sess, payload, addr)
	}
}

func (s *Server) request(sess *session, seq uint32, payload []byte, addr *net.UDPAddr) {
	m := &ipmi.Message{}
	if err := m.Unpack(payload); err != nil {
		s.log.WithError(err).Debug("dropping request")
		return
	}

	closing := false
	var r goipmi.Response
	switch {
	case m.NetFn == goipmi.NetworkFunctionApp && m.Command == goipmi.CommandCloseSession:
		r, closing = s.handleCloseSession(sess, m)
	case m.NetFn == goipmi.NetworkFunctionApp && m.Command == ipmi.CommandActivatePayload:
		r = s.handleActivatePayload(sess, m)
	case m.NetFn == goipmi.NetworkFunctionApp && m.Command == ipmi.CommandDeactivatePayload:
		r = s.handleDeactivatePayload(sess, m)
	default:
		h, ok := s.handlers[command{m.NetFn, m.Command}]
		if !ok {
			s.log.Warnf("Unsupported IPMI command: netfn=%#02x cmd=%#02x", uint8(m.NetFn), uint8(m.Command))
			r = goipmi.ErrInvalidCommand
		} else {
			r = h(m)
		}
	}

	rsp, err := ipmi.EncodeResponse(r)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode response")
		return
	}
	out := &ipmi.Message{
		RsAddr:  m.RqAddr,
		NetFn:   m.NetFn + 1,
		RsLUN:   m.RqLUN,
		RqAddr:  m.RsAddr,
		RqSeq:   m.RqSeq,
		RqLUN:   m.RsLUN,
		Command: m.Command,
		Data:    append([]byte{uint8(rsp.CompletionCode)}, rsp.Data...),
	}
	raw, err := sess.seal(rmcpplus.PayloadTypeIPMI, out.Pack())
	if err != nil {
		s.log.WithError(err).Error("Failed to seal response")
		return
	}
	sess.lastSeq = seq
	sess.lastResponse = raw
	s.write(raw, addr)
	if closing {
		delete(s.sessions, sess.id)
		s.log.WithField("session", sess.id).Info("session closed")
	}
}

func (s *Server) sol(sess *session, payload []byte, addr *net.UDPAddr) {
	layer, err := rmcpplus.DecodePayload(rmcpplus.PayloadTypeSOL, payload)
	if err != nil {
		s.log.WithError(err).Debug("dropping SOL packet")
		return
	}
	p, ok := layer.(*rmcpplus.SOLPacket)
	if !ok || !sess.solActive {
		return
	}
	if p.AckSequence != 0 {
		sess.solAcked = p.AckSequence
	}
	if p.Sequence == 0 {
		return
	}

	rsp := &rmcpplus.SOLPacket{
		AckSequence:   p.Sequence,
		AcceptedCount: uint8(len(p.Data)),
	}
	if p.Sequence != sess.solLastSeq {
		sess.solLastSeq = p.Sequence
		s.solReceived = append(s.solReceived, p.Data...)
		if len(p.Data) > 0 {
			// echo like a terminal would
			rsp.Sequence = sess.nextSOLSeq()
			rsp.Data = append([]byte(nil), p.Data...)
		}
	}
	s.sendSOL(sess, rsp, addr)
}

func (s *Server) sendSOL(sess *session, p *rmcpplus.SOLPacket, addr *net.UDPAddr) {
	b, err := rmcpplus.Serialize(p)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode SOL packet")
		return
	}
	raw, err := sess.seal(rmcpplus.PayloadTypeSOL, b)
	if err != nil {
		s.log.WithError(err).Error("Failed to seal SOL packet")
		return
	}
	s.write(raw, addr)
}

// Console sends data to every console with SOL active, as if the host had
// written it to its serial port.
func (s *Server) Console(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := false
	for _, sess := range s.sessions {
		if !sess.solActive {
			continue
		}
		s.sendSOL(sess, &rmcpplus.SOLPacket{Sequence: sess.nextSOLSeq(), Data: data}, sess.addr)
		sent = true
	}
	if !sent {
		return errors.New("no SOL session active")
	}
	return nil
}

// SOLAcked returns the last SOL sequence number a console acknowledged.
func (s *Server) SOLAcked() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var acked uint8
	for _, sess := range s.sessions {
		if sess.solAcked != 0 {
			acked = sess.solAcked
		}
	}
	return acked
}

func (s *Server) handleCloseSession(sess *session, m *ipmi.Message) (goipmi.Response, bool) {
	if len(m.Data) < 4 {
		return goipmi.ErrInvalidCommand, false
	}
	id := binary.LittleEndian.Uint32(m.Data[0:4])
	if id != sess.id {
		if _, ok := s.sessions[id]; !ok {
			return goipmi.CompletionCode(0x87), false
		}
		delete(s.sessions, id)
		return goipmi.CommandCompleted, false
	}
	return goipmi.CommandCompleted, true
}

func (s *Server) handleActivatePayload(sess *session, m *ipmi.Message) goipmi.Response {
	if len(m.Data) < 2 || m.Data[0] != uint8(rmcpplus.PayloadTypeSOL) {
		return goipmi.ErrInvalidCommand
	}
	if sess.solActive {
		return goipmi.CompletionCode(0x80)
	}
	sess.solActive = true
	sess.solSeq = 0
	sess.solLastSeq = 0
	data := make([]byte, 12)
	binary.LittleEndian.PutUint16(data[4:6], uint16(s.solInbound))
	binary.LittleEndian.PutUint16(data[6:8], uint16(s.solOutbound))
	binary.LittleEndian.PutUint16(data[8:10], uint16(s.Addr().Port))
	binary.LittleEndian.PutUint16(data[10:12], 0xffff)
	s.log.WithField("session", sess.id).Info("SOL activated")
	return &ipmi.Response{CompletionCode: goipmi.CommandCompleted, Data: data}
}

func (s *Server) handleDeactivatePayload(sess *session, m *ipmi.Message) goipmi.Response {
	if len(m.Data) < 2 || m.Data[0] != uint8(rmcpplus.PayloadTypeSOL) {
		return goipmi.ErrInvalidCommand
	}
	if !sess.solActive {
		return goipmi.CompletionCode(0x80)
	}
	sess.solActive = false
	return goipmi.CommandCompleted
}
