package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ipmi-lanplus/ipmi"
	"github.com/ipmi-lanplus/pkg/rmcpplus"
)

// SessionConfig holds the RMCP+ session settings of the lanplus interface
type SessionConfig struct {
	Hostname       string `json:"hostname"`
	Port           int    `json:"port,omitempty"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Kg             string `json:"kg,omitempty"` // hex encoded BMC key
	Privilege      string `json:"privilege,omitempty"`
	CipherSuite    *int   `json:"cipher_suite,omitempty"`
	Timeout        string `json:"timeout,omitempty"` // Go duration, e.g. "2s"
	Retries        *int   `json:"retries,omitempty"`
	SequenceWindow *int   `json:"sequence_window,omitempty"`
	Pedantic       bool   `json:"pedantic,omitempty"`
}

// VCenterConfig holds the vCenter specific configuration
type VCenterConfig struct {
	IP         string `json:"ip"`
	User       string `json:"user"`
	Password   string `json:"password"`
	Datacenter string `json:"datacenter"`
	Insecure   bool   `json:"insecure,omitempty"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// Config holds the complete configuration of the console
type Config struct {
	Interface string        `json:"interface"` // lanplus or vsphere
	Session   SessionConfig `json:"session"`
	VCenter   VCenterConfig `json:"vcenter,omitempty"`
	VM        string        `json:"vm,omitempty"`
	GUIDDB    string        `json:"guid_db,omitempty"` // Optional, pins controller GUIDs
	Logging   LogConfig     `json:"logging,omitempty"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Interface: ipmi.TransportLANPlus,
		Session: SessionConfig{
			Privilege: "administrator",
		},
		Logging: LogConfig{
			Level: "info", // default log level
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := NewConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// GetLogLevel returns the log level as a logrus.Level
func (c *Config) GetLogLevel() logrus.Level {
	switch c.Logging.Level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", rmcpplus.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Interface {
	case ipmi.TransportLANPlus:
		return c.validateSession()
	case ipmi.TransportVSphere:
		return c.validateVSphere()
	default:
		return invalid("unknown interface %q", c.Interface)
	}
}

func (c *Config) validateSession() error {
	s := c.Session
	if s.Hostname == "" {
		return invalid("session.hostname is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return invalid("session.port %d out of range", s.Port)
	}
	if len(s.Username) > rmcpplus.MaxUsernameLength {
		return invalid("session.username longer than %d bytes", rmcpplus.MaxUsernameLength)
	}
	if len(s.Password) > rmcpplus.MaxPasswordLength {
		return invalid("session.password longer than %d bytes", rmcpplus.MaxPasswordLength)
	}
	if _, err := c.KgBytes(); err != nil {
		return err
	}
	if _, err := c.PrivilegeLevel(); err != nil {
		return err
	}
	if s.CipherSuite != nil {
		if _, err := rmcpplus.LookupCipherSuite(rmcpplus.CipherSuiteID(*s.CipherSuite)); err != nil {
			return invalid("session.cipher_suite: %v", err)
		}
	}
	if _, err := c.TimeoutDuration(); err != nil {
		return err
	}
	if s.Retries != nil && *s.Retries < 0 {
		return invalid("session.retries must not be negative")
	}
	if s.SequenceWindow != nil && (*s.SequenceWindow < 0 || *s.SequenceWindow > rmcpplus.MaxSequenceWindow) {
		return invalid("session.sequence_window must be between 0 and %d", rmcpplus.MaxSequenceWindow)
	}
	return nil
}

func (c *Config) validateVSphere() error {
	if c.VCenter.IP == "" {
		return invalid("vcenter.ip is required")
	}
	if c.VCenter.User == "" {
		return invalid("vcenter.user is required")
	}
	if c.VCenter.Password == "" {
		return invalid("vcenter.password is required")
	}
	if c.VCenter.Datacenter == "" {
		return invalid("vcenter.datacenter is required")
	}
	if c.VM == "" {
		return invalid("vm is required")
	}
	return nil
}

// KgBytes decodes the BMC key; nil when none is configured.
func (c *Config) KgBytes() ([]byte, error) {
	if c.Session.Kg == "" {
		return nil, nil
	}
	kg, err := hex.DecodeString(c.Session.Kg)
	if err != nil {
		return nil, invalid("session.kg: %v", err)
	}
	if len(kg) > rmcpplus.KeySize {
		return nil, invalid("session.kg longer than %d bytes", rmcpplus.KeySize)
	}
	return kg, nil
}

func (c *Config) PrivilegeLevel() (rmcpplus.PrivilegeLevel, error) {
	if c.Session.Privilege == "" {
		return rmcpplus.PrivilegeAdministrator, nil
	}
	return rmcpplus.ParsePrivilegeLevel(c.Session.Privilege)
}

// TimeoutDuration returns the per-request timeout, zero for the default.
func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Session.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Session.Timeout)
	if err != nil {
		return 0, invalid("session.timeout: %v", err)
	}
	if d <= 0 {
		return 0, invalid("session.timeout must be positive")
	}
	return d, nil
}

// SessionOptions translates the session section into interface options.
func (c *Config) SessionOptions() ([]ipmi.Option, error) {
	s := c.Session
	kg, err := c.KgBytes()
	if err != nil {
		return nil, err
	}
	priv, err := c.PrivilegeLevel()
	if err != nil {
		return nil, err
	}
	timeout, err := c.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	opts := []ipmi.Option{
		ipmi.WithHost(s.Hostname, s.Port),
		ipmi.WithCredentials(s.Username, s.Password),
		ipmi.WithPrivilegeLevel(priv),
	}
	if kg != nil {
		opts = append(opts, ipmi.WithKg(kg))
	}
	if s.CipherSuite != nil {
		opts = append(opts, ipmi.WithCipherSuite(rmcpplus.CipherSuiteID(*s.CipherSuite)))
	}
	if timeout != 0 {
		opts = append(opts, ipmi.WithTimeout(timeout))
	}
	if s.Retries != nil {
		opts = append(opts, ipmi.WithRetries(*s.Retries))
	}
	if s.SequenceWindow != nil {
		opts = append(opts, ipmi.WithSequenceWindow(*s.SequenceWindow))
	}
	if s.Pedantic {
		opts = append(opts, ipmi.WithPedantic())
	}
	return opts, nil
}
