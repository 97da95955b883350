// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ntp

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// LinkState is the state of the network link carrying NTP traffic.
type LinkState int

// Link states.
const (
	LinkDown LinkState = iota
	LinkJoining
	LinkUp
	LinkFailed
	LinkBadAuth
)

func (state LinkState) String() string {
	switch state {
	case LinkDown:
		return "down"
	case LinkJoining:
		return "joining"
	case LinkUp:
		return "up"
	case LinkFailed:
		return "failed"
	case LinkBadAuth:
		return "badauth"
	default:
		return "unknown"
	}
}

// LinkStatusSource polls the link state.
type LinkStatusSource interface {
	LinkStatus(ctx context.Context) (LinkState, error)
}

// LinkMonitor polls a LinkStatusSource on a fixed interval.
type LinkMonitor struct {
	Source   LinkStatusSource
	Interval time.Duration
	Clock    clock.Clock

	// Handle receives every polled state; it should hand the state over to the dispatcher.
	Handle func(ctx context.Context, state LinkState) error
}

// Run polls the link until the context is canceled.
//
// A failing poll is reported as LinkDown.
func (monitor *LinkMonitor) Run(ctx context.Context, logger *zap.Logger) error {
	if monitor.Clock == nil {
		monitor.Clock = clock.New()
	}

	interval := monitor.Interval
	if interval <= 0 {
		interval = DefaultLinkPollInterval
	}

	ticker := monitor.Clock.Ticker(interval)
	defer ticker.Stop()

	failing := false
	firstIteration := true

	for {
		if !firstIteration {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		} else {
			firstIteration = false
		}

		state, err := monitor.Source.LinkStatus(ctx)
		if err != nil {
			if !failing {
				logger.Warn("error polling link status", zap.Error(err))
			}

			failing = true
			state = LinkDown
		} else {
			failing = false
		}

		if err = monitor.Handle(ctx, state); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}
