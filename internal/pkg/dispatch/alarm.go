// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dispatch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

// Alarms implements ntp.Alarms, delivering expirations through the loop.
type Alarms struct {
	loop  *Loop
	clock clock.Clock

	mu     sync.Mutex
	nextID ntp.AlarmID
	timers map[ntp.AlarmID]*clock.Timer
}

// NewAlarms creates Alarms on top of the loop.
func NewAlarms(loop *Loop, clk clock.Clock) *Alarms {
	if clk == nil {
		clk = clock.New()
	}

	return &Alarms{
		loop:   loop,
		clock:  clk,
		timers: map[ntp.AlarmID]*clock.Timer{},
	}
}

// ArmAt implements ntp.Alarms.
func (alarms *Alarms) ArmAt(deadline time.Time, fn ntp.AlarmFunc) ntp.AlarmID {
	alarms.mu.Lock()
	defer alarms.mu.Unlock()

	alarms.nextID++
	id := alarms.nextID

	alarms.timers[id] = alarms.clock.AfterFunc(deadline.Sub(alarms.clock.Now()), func() {
		alarms.loop.Post(func() {
			// the alarm might have been canceled while queued
			if !alarms.take(id) {
				return
			}

			fn(id)
		})
	})

	return id
}

// Cancel implements ntp.Alarms.
func (alarms *Alarms) Cancel(id ntp.AlarmID) bool {
	alarms.mu.Lock()
	defer alarms.mu.Unlock()

	timer, ok := alarms.timers[id]
	if !ok {
		return false
	}

	delete(alarms.timers, id)
	timer.Stop()

	return true
}

// Pending returns the number of armed alarms.
func (alarms *Alarms) Pending() int {
	alarms.mu.Lock()
	defer alarms.mu.Unlock()

	return len(alarms.timers)
}

// Stop cancels all alarms.
func (alarms *Alarms) Stop() {
	alarms.mu.Lock()
	defer alarms.mu.Unlock()

	for id, timer := range alarms.timers {
		timer.Stop()
		delete(alarms.timers, id)
	}
}

func (alarms *Alarms) take(id ntp.AlarmID) bool {
	alarms.mu.Lock()
	defer alarms.mu.Unlock()

	_, ok := alarms.timers[id]
	delete(alarms.timers, id)

	return ok
}
