// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package timex provides a simple wrapper around adjtimex syscall.
package timex

import (
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Status is bitmask field of statuses.
type Status int32

var statusLabels = []struct {
	bit   Status
	label string
}{
	{unix.STA_PLL, "STA_PLL"},
	{unix.STA_PPSFREQ, "STA_PPSFREQ"},
	{unix.STA_PPSTIME, "STA_PPSTIME"},
	{unix.STA_FLL, "STA_FLL"},
	{unix.STA_INS, "STA_INS"},
	{unix.STA_DEL, "STA_DEL"},
	{unix.STA_UNSYNC, "STA_UNSYNC"},
	{unix.STA_FREQHOLD, "STA_FREQHOLD"},
	{unix.STA_PPSSIGNAL, "STA_PPSSIGNAL"},
	{unix.STA_PPSJITTER, "STA_PPSJITTER"},
	{unix.STA_PPSWANDER, "STA_PPSWANDER"},
	{unix.STA_PPSERROR, "STA_PPSERROR"},
	{unix.STA_CLOCKERR, "STA_CLOCKERR"},
	{unix.STA_NANO, "STA_NANO"},
	{unix.STA_MODE, "STA_MODE"},
	{unix.STA_CLK, "STA_CLK"},
}

func (status Status) String() string {
	var labels []string

	for _, l := range statusLabels {
		if status&l.bit == l.bit {
			labels = append(labels, l.label)
		}
	}

	return strings.Join(labels, " | ")
}

// State is clock state.
type State int

// Clock states.
//
//nolint:golint,stylecheck,revive
const (
	TIME_OK State = iota
	TIME_INS
	TIME_DEL
	TIME_OOP
	TIME_WAIT
	TIME_ERROR
)

func (state State) String() string {
	if state < TIME_OK || state > TIME_ERROR {
		return "TIME_UNKNOWN"
	}

	return [...]string{"TIME_OK", "TIME_INS", "TIME_DEL", "TIME_OOP", "TIME_WAIT", "TIME_ERROR"}[int(state)]
}

// Adjtimex provides a wrapper around unix.Adjtimex.
func Adjtimex(buf *unix.Timex) (state State, err error) {
	st, err := unix.Adjtimex(buf)

	return State(st), err
}

// Step jumps the system clock by offset.
//
// Step also clears the kernel error estimates, as the clock was just set from a
// reference.
func Step(offset time.Duration) (State, Status, error) {
	req := unix.Timex{
		Modes: unix.ADJ_SETOFFSET | unix.ADJ_MAXERROR | unix.ADJ_ESTERROR,
		Time:  unix.NsecToTimeval(offset.Nanoseconds()),
	}

	state, err := Adjtimex(&req)

	return state, Status(req.Status), err
}
