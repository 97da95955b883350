// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ntp_test

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"slices"
	"time"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

var errLookupFailed = errors.New("lookup failed")

// resolveOutcome is a scripted answer of fakeResolver.
type resolveOutcome struct {
	addr  netip.Addr
	err   error
	async bool
}

type fakeResolver struct {
	outcomes []resolveOutcome
	calls    []string
	pending  []func()
}

func (r *fakeResolver) Resolve(host string, done ntp.ResolveFunc) (netip.Addr, error) {
	r.calls = append(r.calls, host)

	outcome := resolveOutcome{err: errLookupFailed}

	if len(r.outcomes) > 0 {
		outcome, r.outcomes = r.outcomes[0], r.outcomes[1:]
	}

	if outcome.async {
		r.pending = append(r.pending, func() { done(outcome.addr, outcome.err) })

		return netip.Addr{}, ntp.ErrResolveInProgress
	}

	return outcome.addr, outcome.err
}

// complete delivers all pending asynchronous results.
func (r *fakeResolver) complete() {
	pending := r.pending
	r.pending = nil

	for _, done := range pending {
		done()
	}
}

type sent struct {
	payload     []byte
	destination netip.AddrPort
}

type fakeEndpoint struct {
	handler ntp.ReceiveFunc
	sent    []sent
	err     error
}

func (e *fakeEndpoint) SetReceiveHandler(handler ntp.ReceiveFunc) {
	e.handler = handler
}

func (e *fakeEndpoint) SendTo(payload []byte, destination netip.AddrPort) error {
	if e.err != nil {
		return e.err
	}

	e.sent = append(e.sent, sent{payload: slices.Clone(payload), destination: destination})

	return nil
}

type alarm struct {
	deadline time.Time
	fn       ntp.AlarmFunc
}

// fakeAlarms only fires alarms on request.
type fakeAlarms struct {
	nextID ntp.AlarmID
	armed  map[ntp.AlarmID]alarm
}

func newFakeAlarms() *fakeAlarms {
	return &fakeAlarms{armed: map[ntp.AlarmID]alarm{}}
}

func (a *fakeAlarms) ArmAt(deadline time.Time, fn ntp.AlarmFunc) ntp.AlarmID {
	a.nextID++
	a.armed[a.nextID] = alarm{deadline: deadline, fn: fn}

	return a.nextID
}

func (a *fakeAlarms) Cancel(id ntp.AlarmID) bool {
	_, ok := a.armed[id]
	delete(a.armed, id)

	return ok
}

// next returns the earliest armed alarm.
func (a *fakeAlarms) next() (ntp.AlarmID, alarm, bool) {
	var (
		nextID ntp.AlarmID
		next   alarm
	)

	for id, al := range a.armed {
		if nextID == 0 || al.deadline.Before(next.deadline) {
			nextID, next = id, al
		}
	}

	return nextID, next, nextID != 0
}

// fireNext fires the earliest armed alarm.
func (a *fakeAlarms) fireNext() bool {
	id, al, ok := a.next()
	if !ok {
		return false
	}

	delete(a.armed, id)
	al.fn(id)

	return true
}

type fakeRTC struct {
	writes []ntp.Datetime
	err    error
}

func (r *fakeRTC) WriteDatetime(dt ntp.Datetime) error {
	r.writes = append(r.writes, dt)

	return r.err
}

func (r *fakeRTC) ReadDatetime() (ntp.Datetime, error) {
	if len(r.writes) == 0 {
		return ntp.Datetime{}, nil
	}

	return r.writes[len(r.writes)-1], nil
}

// serverReply builds a server reply with the given transmit seconds.
func serverReply(mode, stratum byte, transmit uint32) []byte {
	b := make([]byte, ntp.PacketSize)
	b[0] = 4<<3 | mode
	b[1] = stratum
	binary.BigEndian.PutUint32(b[40:], transmit)

	return b
}
