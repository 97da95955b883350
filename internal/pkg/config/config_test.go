// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/rtcsync/internal/pkg/config"
	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

func TestDefault(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, "pool.ntp.org", cfg.Server)
	assert.Equal(t, config.RTCHardware, cfg.RTC)
	assert.Equal(t, 30*time.Second, cfg.ResyncInterval)
	assert.Equal(t, 5, cfg.ResolveAttempts)
	assert.True(t, cfg.Monotonic)
	assert.Equal(t, time.Hour, cfg.MonotonicWindow)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level())
	assert.Equal(t, "udp4", cfg.ListenNetwork())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcsync.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`server: time.example.com
interface: wlan0
listen: "[::]:0"
nameservers:
  - 192.0.2.53
  - "[2001:db8::53]:5353"
rtc: system
resyncInterval: 1m
responseTimeout: 0s
monotonic: false
monotonicWindow: 10m
logLevel: debug
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "time.example.com", cfg.Server)
	assert.Equal(t, "wlan0", cfg.Interface)
	assert.Equal(t, config.RTCSystem, cfg.RTC)
	assert.Equal(t, time.Minute, cfg.ResyncInterval)
	assert.Zero(t, cfg.ResponseTimeout)
	assert.False(t, cfg.Monotonic)
	assert.Equal(t, 10*time.Minute, cfg.MonotonicWindow)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level())
	assert.Equal(t, "udp6", cfg.ListenNetwork())

	// untouched keys keep defaults
	assert.Equal(t, ntp.DefaultResolveDelay, cfg.ResolveDelay)

	nameservers, err := cfg.NameserverAddrs()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.53:53", "[2001:db8::53]:5353"}, nameservers)

	syncer := ntp.NewSyncer(zaptest.NewLogger(t), cfg.Server, ntp.Platform{Endpoint: nopEndpoint{}})
	cfg.Apply(syncer)

	assert.Equal(t, time.Minute, syncer.ResyncInterval)
	assert.Zero(t, syncer.ResponseTimeout)
	assert.False(t, syncer.Monotonic)
	assert.Equal(t, 10*time.Minute, syncer.MonotonicWindow)
}

func TestParseUnknownKey(t *testing.T) {
	_, err := config.Parse(strings.NewReader("servr: pool.ntp.org\n"))
	require.Error(t, err)
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name        string
		modify      func(*config.Config)
		expectedErr error
		contains    string
	}{
		{
			name:        "empty server",
			modify:      func(c *config.Config) { c.Server = "" },
			expectedErr: config.ErrRequired,
			contains:    `"server"`,
		},
		{
			name:        "bad listen",
			modify:      func(c *config.Config) { c.Listen = "localhost:123" },
			expectedErr: config.ErrInvalid,
			contains:    `"listen"`,
		},
		{
			name:        "bad nameserver",
			modify:      func(c *config.Config) { c.Nameservers = []string{"dns.example"} },
			expectedErr: config.ErrInvalid,
			contains:    `"nameservers"`,
		},
		{
			name:        "bad rtc",
			modify:      func(c *config.Config) { c.RTC = "cmos" },
			expectedErr: config.ErrInvalid,
			contains:    `"rtc"`,
		},
		{
			name:        "zero resync",
			modify:      func(c *config.Config) { c.ResyncInterval = 0 },
			expectedErr: config.ErrRange,
			contains:    `"resyncInterval"`,
		},
		{
			name:        "zero attempts",
			modify:      func(c *config.Config) { c.ResolveAttempts = 0 },
			expectedErr: config.ErrRange,
			contains:    `"resolveAttempts"`,
		},
		{
			name:        "negative timeout",
			modify:      func(c *config.Config) { c.ResponseTimeout = -time.Second },
			expectedErr: config.ErrRange,
			contains:    `"responseTimeout"`,
		},
		{
			name:        "retry cap below timeout",
			modify:      func(c *config.Config) { c.MaxRetryInterval = time.Second },
			expectedErr: config.ErrRange,
			contains:    `"maxRetryInterval"`,
		},
		{
			name:        "negative monotonic window",
			modify:      func(c *config.Config) { c.MonotonicWindow = -time.Minute },
			expectedErr: config.ErrRange,
			contains:    `"monotonicWindow"`,
		},
		{
			name:        "negative reresolve",
			modify:      func(c *config.Config) { c.ReresolveAfter = -1 },
			expectedErr: config.ErrRange,
			contains:    `"reresolveAfter"`,
		},
		{
			name:        "odd timezone",
			modify:      func(c *config.Config) { c.TimezoneOffset = 90 * time.Second },
			expectedErr: config.ErrRange,
			contains:    `"timezoneOffset"`,
		},
		{
			name: "timezone with system clock",
			modify: func(c *config.Config) {
				c.RTC = config.RTCSystem
				c.TimezoneOffset = time.Hour
			},
			expectedErr: config.ErrInvalid,
			contains:    "system clock is always kept in UTC",
		},
		{
			name:        "bad log level",
			modify:      func(c *config.Config) { c.LogLevel = "verbose" },
			expectedErr: config.ErrInvalid,
			contains:    `"logLevel"`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := config.Default()
			test.modify(cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, test.expectedErr)
			assert.Contains(t, err.Error(), test.contains)
		})
	}
}

func TestValidateAggregates(t *testing.T) {
	cfg := config.Default()
	cfg.Server = ""
	cfg.RTC = "cmos"

	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrRequired)
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

type nopEndpoint struct{}

func (nopEndpoint) SetReceiveHandler(ntp.ReceiveFunc) {}

func (nopEndpoint) SendTo([]byte, netip.AddrPort) error { return nil }
