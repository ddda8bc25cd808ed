package ipmi

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ipmi-lanplus/pkg/rmcpplus"
	"github.com/ipmi-lanplus/vsphere"
)

// Options collects the settings a transport is loaded with. Zero values
// leave the session defaults in place.
type Options struct {
	Hostname       string
	Port           int
	Username       string
	Password       string
	Kg             []byte
	PrivilegeLevel rmcpplus.PrivilegeLevel
	CipherSuite    *rmcpplus.CipherSuiteID
	Timeout        time.Duration
	Retries        *int
	SequenceWindow *int
	Pedantic       bool

	Log       *logrus.Entry
	Metrics   *Metrics
	GUIDStore GUIDStore

	VSphere *vsphere.Client
	VM      string
}

// Option defines a function type for setting transport options
type Option func(*Options)

func newOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// WithHost sets the BMC hostname and UDP port; a port of 0 keeps 623.
func WithHost(hostname string, port int) Option {
	return func(o *Options) {
		o.Hostname = hostname
		o.Port = port
	}
}

// WithCredentials sets the username and password
func WithCredentials(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// WithKg sets the BMC key used in place of the password for key derivation.
func WithKg(kg []byte) Option {
	return func(o *Options) {
		o.Kg = kg
	}
}

// WithPrivilegeLevel sets the privilege level
func WithPrivilegeLevel(priv rmcpplus.PrivilegeLevel) Option {
	return func(o *Options) {
		o.PrivilegeLevel = priv
	}
}

// WithCipherSuite selects the cipher suite proposed in Open Session.
func WithCipherSuite(id rmcpplus.CipherSuiteID) Option {
	return func(o *Options) {
		o.CipherSuite = &id
	}
}

// WithTimeout sets the time to wait for each response
func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

// WithRetries sets how often an unanswered request is re-sent.
func WithRetries(retries int) Option {
	return func(o *Options) {
		o.Retries = &retries
	}
}

// WithSequenceWindow sets the inbound replay window size.
func WithSequenceWindow(size int) Option {
	return func(o *Options) {
		o.SequenceWindow = &size
	}
}

// WithPedantic rejects controller answers that differ from what was proposed.
func WithPedantic() Option {
	return func(o *Options) {
		o.Pedantic = true
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *Options) {
		o.Log = log
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithGUIDStore pins controller GUIDs per host across sessions.
func WithGUIDStore(store GUIDStore) Option {
	return func(o *Options) {
		o.GUIDStore = store
	}
}

// WithVM selects the virtual machine served by the vsphere transport.
func WithVM(client *vsphere.Client, vm string) Option {
	return func(o *Options) {
		o.VSphere = client
		o.VM = vm
	}
}

// session builds an RMCP+ session from the options.
func (o *Options) session() (*rmcpplus.Session, error) {
	s := rmcpplus.NewSession()
	if err := s.SetHostname(o.Hostname); err != nil {
		return nil, err
	}
	if o.Port != 0 {
		if err := s.SetPort(o.Port); err != nil {
			return nil, err
		}
	}
	if err := s.SetUsername(o.Username); err != nil {
		return nil, err
	}
	if err := s.SetPassword(o.Password); err != nil {
		return nil, err
	}
	if o.Kg != nil {
		if err := s.SetKg(o.Kg); err != nil {
			return nil, err
		}
	}
	if o.PrivilegeLevel != 0 {
		if err := s.SetPrivilegeLevel(o.PrivilegeLevel); err != nil {
			return nil, err
		}
	}
	if o.CipherSuite != nil {
		if err := s.SetCipherSuite(*o.CipherSuite); err != nil {
			return nil, err
		}
	}
	if o.Timeout != 0 {
		if err := s.SetTimeout(o.Timeout); err != nil {
			return nil, err
		}
	}
	if o.Retries != nil {
		if err := s.SetRetries(*o.Retries); err != nil {
			return nil, err
		}
	}
	if o.SequenceWindow != nil {
		if err := s.SetSequenceWindow(*o.SequenceWindow); err != nil {
			return nil, err
		}
	}
	return s, nil
}
