// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

// rtcCmd represents the rtc command.
var rtcCmd = &cobra.Command{
	Use:   "rtc",
	Short: "Print the RTC datetime and its drift from the system clock",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		rtc, err := openRTC(cfg, newLogger(cfg.Level()))
		if err != nil {
			return err
		}

		dt, err := rtc.ReadDatetime()
		if err != nil {
			return fmt.Errorf("error reading RTC: %w", err)
		}

		return printRTC(os.Stdout, dt, cfg.TimezoneOffset, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(rtcCmd)
}

func printRTC(w io.Writer, dt ntp.Datetime, zoneOffset time.Duration, now time.Time) error {
	rtcTime := dt.Time().Add(-zoneOffset)

	_, err := fmt.Fprintf(w, "RTC:     %s\nSystem:  %s\nDrift:   %s\n",
		dt,
		ntp.DatetimeFromTime(now.UTC().Add(zoneOffset)),
		drift(rtcTime, now),
	)

	return err
}

func drift(rtcTime, now time.Time) string {
	now = now.Truncate(time.Second)

	if rtcTime.Equal(now) {
		return "none"
	}

	return humanize.RelTime(rtcTime, now, "behind", "ahead")
}
