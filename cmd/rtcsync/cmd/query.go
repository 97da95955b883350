// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	beevikntp "github.com/beevik/ntp"
	"github.com/siderolabs/go-retry/retry"
	"github.com/spf13/cobra"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

var queryCmdFlags struct {
	timeout  time.Duration
	deadline time.Duration
}

// queryCmd represents the query command.
var queryCmd = &cobra.Command{
	Use:   "query [server]",
	Short: "Query a time server once and print the reply",
	Long: `Query performs a full NTP round trip and prints the clock offset and the
datetime the RTC would be set to. It does not modify any clock.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		server := cfg.Server
		if len(args) > 0 {
			server = args[0]
		}

		resp, err := query(cmd.Context(), server, queryCmdFlags.timeout, queryCmdFlags.deadline)
		if err != nil {
			return err
		}

		return printQuery(os.Stdout, server, resp, cfg.TimezoneOffset)
	},
}

func init() {
	queryCmd.Flags().DurationVar(&queryCmdFlags.timeout, "timeout", ntp.DefaultResponseTimeout, "timeout of a single query")
	queryCmd.Flags().DurationVar(&queryCmdFlags.deadline, "retry-for", 30*time.Second, "keep retrying failed queries for this long")
	rootCmd.AddCommand(queryCmd)
}

func query(ctx context.Context, server string, timeout, deadline time.Duration) (*beevikntp.Response, error) {
	var resp *beevikntp.Response

	err := retry.Constant(deadline, retry.WithUnits(time.Second)).RetryWithContext(ctx, func(context.Context) error {
		var err error

		resp, err = beevikntp.QueryWithOptions(server, beevikntp.QueryOptions{Timeout: timeout})
		if err != nil {
			return retry.ExpectedError(err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error querying NTP server %q: %w", server, err)
	}

	if err = resp.Validate(); err != nil {
		return nil, fmt.Errorf("error validating NTP response: %w", err)
	}

	return resp, nil
}

func printQuery(out io.Writer, server string, resp *beevikntp.Response, zoneOffset time.Duration) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTRATUM\tLEAP\tOFFSET\tRTT\tRTC-DATETIME")

	dt := ntp.DatetimeFromTime(resp.Time.UTC().Add(zoneOffset))

	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n", server, resp.Stratum, resp.Leap, resp.ClockOffset, resp.RTT, dt)

	return w.Flush()
}
