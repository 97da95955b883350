// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config provides the rtcsync configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

// RTCKind selects the clock being synchronized.
type RTCKind string

// RTC kinds.
const (
	RTCHardware RTCKind = "hardware"
	RTCSystem   RTCKind = "system"
)

// Defaults.
const (
	DefaultServer = "pool.ntp.org"
	DefaultListen = "0.0.0.0:0"

	dnsPort = "53"

	// maxTimezoneOffset covers every zone in use (UTC-12 .. UTC+14).
	maxTimezoneOffset = 14 * time.Hour
)

// Validation errors.
var (
	ErrRequired = errors.New("required value")
	ErrInvalid  = errors.New("invalid value")
	ErrRange    = errors.New("value out of range")
)

// Config is the rtcsync configuration.
type Config struct {
	Server      string   `yaml:"server"`
	Interface   string   `yaml:"interface"`
	Listen      string   `yaml:"listen"`
	Nameservers []string `yaml:"nameservers"`
	RTC         RTCKind  `yaml:"rtc"`

	ResyncInterval   time.Duration `yaml:"resyncInterval"`
	LinkPollInterval time.Duration `yaml:"linkPollInterval"`
	ResolveAttempts  int           `yaml:"resolveAttempts"`
	ResolveDelay     time.Duration `yaml:"resolveDelay"`
	ResponseTimeout  time.Duration `yaml:"responseTimeout"`
	MaxRetryInterval time.Duration `yaml:"maxRetryInterval"`
	ReresolveAfter   int           `yaml:"reresolveAfter"`
	Monotonic        bool          `yaml:"monotonic"`
	MonotonicWindow  time.Duration `yaml:"monotonicWindow"`
	TimezoneOffset   time.Duration `yaml:"timezoneOffset"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: DefaultServer,
		Listen: DefaultListen,
		RTC:    RTCHardware,

		ResyncInterval:   ntp.DefaultResyncInterval,
		LinkPollInterval: ntp.DefaultLinkPollInterval,
		ResolveAttempts:  ntp.DefaultResolveAttempts,
		ResolveDelay:     ntp.DefaultResolveDelay,
		ResponseTimeout:  ntp.DefaultResponseTimeout,
		MaxRetryInterval: ntp.DefaultMaxRetryInterval,
		ReresolveAfter:   ntp.DefaultReresolveAfter,
		Monotonic:        true,
		MonotonicWindow:  ntp.DefaultMonotonicWindow,

		LogLevel: zapcore.InfoLevel.String(),
	}
}

// Load reads the configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config: %w", err)
	}

	defer f.Close() //nolint:errcheck

	return Parse(f)
}

// Parse decodes the configuration on top of the defaults.
//
// Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration.
//
//nolint:gocyclo
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server == "" {
		result = multierror.Append(result, fmt.Errorf("%q: %w", "server", ErrRequired))
	}

	if _, err := netip.ParseAddrPort(c.Listen); err != nil {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %w", "listen", ErrInvalid, err))
	}

	for _, nameserver := range c.Nameservers {
		if _, err := parseNameserver(nameserver); err != nil {
			result = multierror.Append(result, fmt.Errorf("%q: %w: %w", "nameservers", ErrInvalid, err))
		}
	}

	switch c.RTC {
	case RTCHardware, RTCSystem:
	default:
		result = multierror.Append(result, fmt.Errorf("%q: %w: %q", "rtc", ErrInvalid, c.RTC))
	}

	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"resyncInterval", c.ResyncInterval},
		{"linkPollInterval", c.LinkPollInterval},
		{"resolveDelay", c.ResolveDelay},
	} {
		if d.value <= 0 {
			result = multierror.Append(result, fmt.Errorf("%q: %w: %s", d.key, ErrRange, d.value))
		}
	}

	if c.ResolveAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %d", "resolveAttempts", ErrRange, c.ResolveAttempts))
	}

	if c.ResponseTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %s", "responseTimeout", ErrRange, c.ResponseTimeout))
	}

	if c.ResponseTimeout > 0 && c.MaxRetryInterval < c.ResponseTimeout {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %s is less than responseTimeout", "maxRetryInterval", ErrRange, c.MaxRetryInterval))
	}

	if c.MonotonicWindow < 0 {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %s", "monotonicWindow", ErrRange, c.MonotonicWindow))
	}

	if c.ReresolveAfter < 0 {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %d", "reresolveAfter", ErrRange, c.ReresolveAfter))
	}

	if c.TimezoneOffset%time.Minute != 0 || c.TimezoneOffset < -maxTimezoneOffset || c.TimezoneOffset > maxTimezoneOffset {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %s", "timezoneOffset", ErrRange, c.TimezoneOffset))
	}

	if c.RTC == RTCSystem && c.TimezoneOffset != 0 {
		result = multierror.Append(result, fmt.Errorf("%q: %w: system clock is always kept in UTC", "timezoneOffset", ErrInvalid))
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("%q: %w: %w", "logLevel", ErrInvalid, err))
	}

	return result.ErrorOrNil()
}

// Level returns the parsed log level.
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}

	return level
}

// ListenNetwork returns the UDP network matching the listen address family.
func (c *Config) ListenNetwork() string {
	addr, err := netip.ParseAddrPort(c.Listen)
	if err == nil && addr.Addr().Is6() && !addr.Addr().Is4In6() {
		return "udp6"
	}

	return "udp4"
}

// NameserverAddrs returns nameservers as host:port pairs.
func (c *Config) NameserverAddrs() ([]string, error) {
	addrs := make([]string, 0, len(c.Nameservers))

	for _, nameserver := range c.Nameservers {
		addr, err := parseNameserver(nameserver)
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, addr.String())
	}

	return addrs, nil
}

// Apply copies the sync policy to the syncer.
func (c *Config) Apply(syncer *ntp.Syncer) {
	syncer.ResyncInterval = c.ResyncInterval
	syncer.ResolveAttempts = c.ResolveAttempts
	syncer.ResolveDelay = c.ResolveDelay
	syncer.ResponseTimeout = c.ResponseTimeout
	syncer.MaxRetryInterval = c.MaxRetryInterval
	syncer.ReresolveAfter = c.ReresolveAfter
	syncer.Monotonic = c.Monotonic
	syncer.MonotonicWindow = c.MonotonicWindow
	syncer.TimezoneOffset = c.TimezoneOffset
}

// parseNameserver accepts an address with or without port.
func parseNameserver(s string) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(s); err == nil {
		s = net.JoinHostPort(addr.String(), dnsPort)
	}

	return netip.ParseAddrPort(s)
}
