// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the rtcsync command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/rtcsync/internal/pkg/config"
	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
	"github.com/siderolabs/rtcsync/pkg/logging"
)

var rootCmdFlags struct {
	configPath string
	logLevel   string
	server     string
	rtc        string
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:               "rtcsync",
	Short:             "Keep a real-time clock in sync with an NTP server",
	Long:              ``,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}

	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootCmdFlags.configPath, "config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&rootCmdFlags.server, "server", "s", "", "time server hostname or address")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.rtc, "rtc", "", "clock to synchronize (hardware, system)")
}

// loadConfig reads the configuration file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()

	if rootCmdFlags.configPath != "" {
		var err error

		cfg, err = config.Load(rootCmdFlags.configPath)
		if err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()

	if flags.Changed("log-level") {
		cfg.LogLevel = rootCmdFlags.logLevel
	}

	if flags.Changed("server") {
		cfg.Server = rootCmdFlags.server
	}

	if flags.Changed("rtc") {
		cfg.RTC = config.RTCKind(rootCmdFlags.rtc)
	}

	return cfg, nil
}

func newLogger(level zapcore.Level) *zap.Logger {
	return logging.ZapLogger(logging.NewLogDestination(os.Stderr, level))
}

func openRTC(cfg *config.Config, logger *zap.Logger) (ntp.RTC, error) {
	switch cfg.RTC {
	case config.RTCSystem:
		return ntp.NewSystemClock(logger), nil
	case config.RTCHardware:
		rtc, err := ntp.OpenHardwareRTC()
		if err != nil {
			return nil, err
		}

		return rtc, nil
	default:
		return nil, fmt.Errorf("unsupported rtc %q", cfg.RTC)
	}
}
