// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ntp

import (
	"fmt"
	"sync"
	"time"

	"github.com/u-root/u-root/pkg/rtc"
	"go.uber.org/zap"

	"github.com/siderolabs/rtcsync/internal/pkg/timex"
)

// RTC is the clock being synchronized.
type RTC interface {
	WriteDatetime(dt Datetime) error
	ReadDatetime() (Datetime, error)
}

// Global instance of RTC clock because `rtc` doesn't support closing.
var (
	hardwareClock     *rtc.RTC
	hardwareClockErr  error
	hardwareClockOnce sync.Once
)

// HardwareRTC is the RTC exposed by the kernel as /dev/rtc.
type HardwareRTC struct {
	clock *rtc.RTC
}

// OpenHardwareRTC opens the first available RTC device.
func OpenHardwareRTC() (*HardwareRTC, error) {
	hardwareClockOnce.Do(func() {
		hardwareClock, hardwareClockErr = rtc.OpenRTC()
	})

	if hardwareClockErr != nil {
		return nil, fmt.Errorf("error opening RTC: %w", hardwareClockErr)
	}

	return &HardwareRTC{clock: hardwareClock}, nil
}

// WriteDatetime implements RTC.
func (h *HardwareRTC) WriteDatetime(dt Datetime) error {
	return h.clock.Set(dt.Time())
}

// ReadDatetime implements RTC.
func (h *HardwareRTC) ReadDatetime() (Datetime, error) {
	t, err := h.clock.Read()
	if err != nil {
		return Datetime{}, err
	}

	return DatetimeFromTime(t.UTC()), nil
}

// SystemClock uses the kernel clock as the RTC, for boards without a battery backed clock.
type SystemClock struct {
	logger *zap.Logger

	// these functions are overridden in tests for mocking support
	CurrentTime func() time.Time
	StepTime    func(offset time.Duration) (timex.State, timex.Status, error)
}

// NewSystemClock creates SystemClock stepping the clock via adjtimex.
func NewSystemClock(logger *zap.Logger) *SystemClock {
	return &SystemClock{
		logger:      logger,
		CurrentTime: time.Now,
		StepTime:    timex.Step,
	}
}

// WriteDatetime implements RTC.
func (s *SystemClock) WriteDatetime(dt Datetime) error {
	offset := dt.Time().Sub(s.CurrentTime())

	state, status, err := s.StepTime(offset)
	if err != nil {
		return fmt.Errorf("error stepping system clock by %s: %w", offset, err)
	}

	s.logger.Debug("stepped system clock",
		zap.Duration("offset", offset),
		zap.Stringer("state", state),
		zap.Stringer("status", status),
	)

	return nil
}

// ReadDatetime implements RTC.
func (s *SystemClock) ReadDatetime() (Datetime, error) {
	return DatetimeFromTime(s.CurrentTime().UTC()), nil
}
