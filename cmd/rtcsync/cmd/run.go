// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/rtcsync/internal/pkg/config"
	"github.com/siderolabs/rtcsync/internal/pkg/dispatch"
	"github.com/siderolabs/rtcsync/internal/pkg/dns"
	"github.com/siderolabs/rtcsync/internal/pkg/endpoint"
	"github.com/siderolabs/rtcsync/internal/pkg/linkstatus"
	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
	"github.com/siderolabs/rtcsync/internal/version"
	"github.com/siderolabs/rtcsync/pkg/logging"
)

// dispatchQueueDepth bounds the events waiting for the syncer.
const dispatchQueueDepth = 64

var runCmdFlags struct {
	iface       string
	listen      string
	nameservers []string
}

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the RTC sync daemon",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		flags := cmd.Flags()

		if flags.Changed("interface") {
			cfg.Interface = runCmdFlags.iface
		}

		if flags.Changed("listen") {
			cfg.Listen = runCmdFlags.listen
		}

		if flags.Changed("nameserver") {
			cfg.Nameservers = runCmdFlags.nameservers
		}

		if err = cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := newLogger(cfg.Level())

		// route the standard library logger through zap
		log.SetFlags(0)
		log.SetOutput(logging.NewWriter(logger, zapcore.InfoLevel))

		return run(ctx, cfg, logger)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCmdFlags.iface, "interface", "i", "", "network interface to watch, the link is assumed up if empty")
	runCmd.Flags().StringVar(&runCmdFlags.listen, "listen", config.DefaultListen, "local UDP address")
	runCmd.Flags().StringSliceVar(&runCmdFlags.nameservers, "nameserver", nil, "DNS servers, defaults to /etc/resolv.conf")
	rootCmd.AddCommand(runCmd)
}

//nolint:gocyclo
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting rtcsync", zap.String("version", version.Tag), zap.String("sha", version.SHA))

	clk := clock.New()
	loop := dispatch.NewLoop(dispatchQueueDepth)

	alarms := dispatch.NewAlarms(loop, clk)
	defer alarms.Stop()

	udp, err := endpoint.Listen(cfg.ListenNetwork(), cfg.Listen, loop, logger.With(logging.Component("endpoint")))
	if err != nil {
		return err
	}

	defer udp.Close() //nolint:errcheck

	nameservers, err := cfg.NameserverAddrs()
	if err != nil {
		return err
	}

	resolver, err := dns.NewResolver(loop, dns.Options{
		Nameservers: nameservers,
		Clock:       clk,
		Logger:      logger.With(logging.Component("dns")),
	})
	if err != nil {
		return err
	}

	defer resolver.Close()

	rtc, err := openRTC(cfg, logger.With(logging.Component("rtc")))
	if err != nil {
		return err
	}

	syncer := ntp.NewSyncer(logger.With(logging.Component("ntp")), cfg.Server, ntp.Platform{
		Resolver: resolver,
		Endpoint: udp,
		Alarms:   alarms,
		RTC:      rtc,
	})
	syncer.Clock = clk
	cfg.Apply(syncer)

	var source ntp.LinkStatusSource = linkstatus.AlwaysUp{}

	if cfg.Interface != "" {
		netlinkSource := linkstatus.NewNetlink(cfg.Interface)
		defer netlinkSource.Close() //nolint:errcheck

		source = netlinkSource
	}

	monitor := &ntp.LinkMonitor{
		Source:   source,
		Interval: cfg.LinkPollInterval,
		Clock:    clk,
		Handle: func(ctx context.Context, state ntp.LinkState) error {
			return loop.Do(ctx, func() { syncer.OnLinkState(state) })
		},
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return loop.Run(ctx)
	})

	eg.Go(func() error {
		return udp.Run(ctx)
	})

	eg.Go(func() error {
		return monitor.Run(ctx, logger.With(logging.Component("link")))
	})

	eg.Go(func() error {
		select {
		case <-syncer.Synced():
			if result, ok := syncer.LastSync(); ok {
				logger.Info("initial time sync complete",
					zap.Stringer("server", result.Server),
					zap.Stringer("datetime", result.Datetime),
				)
			}
		case <-ctx.Done():
		}

		return nil
	})

	loop.Post(syncer.Start)

	err = eg.Wait()

	// the loop is stopped, the syncer is owned by this goroutine now
	syncer.Stop()

	logger.Info("rtcsync stopped")

	return err
}
