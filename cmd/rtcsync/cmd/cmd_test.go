// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"strings"
	"testing"
	"time"

	beevikntp "github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

func TestDrift(t *testing.T) {
	now := time.Date(2024, time.January, 1, 12, 0, 0, 400_000_000, time.UTC)

	assert.Equal(t, "none", drift(now.Truncate(time.Second), now))
	assert.Equal(t, "3 seconds behind", drift(now.Truncate(time.Second).Add(-3*time.Second), now))
	assert.Equal(t, "2 minutes ahead", drift(now.Truncate(time.Second).Add(2*time.Minute), now))
}

func TestPrintRTC(t *testing.T) {
	var sb strings.Builder

	now := time.Date(2024, time.January, 1, 0, 0, 5, 0, time.UTC)
	dt := ntp.Datetime{Year: 2024, Month: time.January, Day: 1, Weekday: time.Monday, Hour: 2}

	require.NoError(t, printRTC(&sb, dt, 2*time.Hour, now))

	assert.Equal(t, "RTC:     2024-01-01 02:00:00 Monday\nSystem:  2024-01-01 02:00:05 Monday\nDrift:   5 seconds behind\n", sb.String())
}

func TestPrintQuery(t *testing.T) {
	var sb strings.Builder

	require.NoError(t, printQuery(&sb, "time.example.com", &beevikntp.Response{
		Time:        ntp.SecondsToTime(3913056000),
		Stratum:     2,
		ClockOffset: 15 * time.Millisecond,
		RTT:         30 * time.Millisecond,
	}, 0))

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 2)

	assert.Equal(t, []string{"SERVER", "STRATUM", "LEAP", "OFFSET", "RTT", "RTC-DATETIME"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"time.example.com", "2", "0", "15ms", "30ms", "2024-01-01", "00:00:00", "Monday"}, strings.Fields(lines[1]))
}

func TestLoadConfigFlags(t *testing.T) {
	require.NoError(t, rtcCmd.ParseFlags([]string{"--server", "time.example.com", "--rtc", "system"}))

	cfg, err := loadConfig(rtcCmd)
	require.NoError(t, err)

	assert.Equal(t, "time.example.com", cfg.Server)
	assert.EqualValues(t, "system", cfg.RTC)
	assert.Equal(t, "info", cfg.LogLevel)
}
