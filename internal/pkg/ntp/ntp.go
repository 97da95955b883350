// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ntp provides an event driven SNTP client which keeps an RTC in sync.
//
// All Syncer methods must be called from a single goroutine (the dispatcher):
// collaborators deliver their completions back through it.
package ntp

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Default sync policy.
const (
	DefaultResyncInterval   = 30 * time.Second
	DefaultLinkPollInterval = 5 * time.Second
	DefaultResolveAttempts  = 5
	DefaultResolveDelay     = time.Second
	DefaultResponseTimeout  = 5 * time.Second
	DefaultMaxRetryInterval = time.Minute
	DefaultReresolveAfter   = 3
	DefaultMonotonicWindow  = time.Hour
)

// Syncer errors.
var (
	ErrNotResolved       = errors.New("time server address is not resolved")
	ErrResolveInProgress = errors.New("resolution in progress")
	ErrResolveExhausted  = errors.New("time server resolution attempts exhausted")
	ErrUnexpectedSource  = errors.New("datagram from unexpected source")
	ErrStaleTimestamp    = errors.New("transmit timestamp older than last accepted")
)

// ResolveFunc receives an asynchronous resolution result.
type ResolveFunc func(addr netip.Addr, err error)

// Resolver resolves host names.
//
// Resolve returns the address immediately if it is known, ErrResolveInProgress if
// done will be called later (on the dispatcher), or any other error on failure.
type Resolver interface {
	Resolve(host string, done ResolveFunc) (netip.Addr, error)
}

// ReceiveFunc handles an inbound datagram.
type ReceiveFunc func(payload []byte, source netip.AddrPort)

// Endpoint is a bound datagram socket.
type Endpoint interface {
	SetReceiveHandler(handler ReceiveFunc)
	SendTo(payload []byte, destination netip.AddrPort) error
}

// AlarmID identifies an armed alarm, zero is never used.
type AlarmID uint64

// AlarmFunc is called (on the dispatcher) when the alarm expires.
type AlarmFunc func(id AlarmID)

// Alarms schedules single-shot timers.
type Alarms interface {
	ArmAt(deadline time.Time, fn AlarmFunc) AlarmID
	Cancel(id AlarmID) bool
}

// Platform bundles the network stack and hardware primitives the syncer drives.
type Platform struct {
	Resolver Resolver
	Endpoint Endpoint
	Alarms   Alarms
	RTC      RTC
}

// SchedulerState is the state of the resync scheduler.
type SchedulerState int

// Scheduler states.
const (
	SchedulerIdle SchedulerState = iota
	SchedulerArmed
	SchedulerAwaitingResponse
)

func (state SchedulerState) String() string {
	switch state {
	case SchedulerIdle:
		return "idle"
	case SchedulerArmed:
		return "armed"
	case SchedulerAwaitingResponse:
		return "awaiting-response"
	default:
		return "unknown"
	}
}

// SyncResult describes an accepted server reply.
type SyncResult struct {
	Server   netip.Addr
	Transmit time.Time
	Datetime Datetime
	Stratum  uint8
	Leap     ntp.LeapIndicator
	RTCError error
	At       time.Time
}

// Syncer keeps the RTC in sync with a single time server.
type Syncer struct {
	logger   *zap.Logger
	server   string
	platform Platform

	serverAddr     netip.Addr
	serverResolved bool

	resolving      bool
	resolveAttempt int
	resolveCycle   uint64
	resolveBackoff backoff.BackOff
	resolveAlarmID AlarmID

	nextUpdate time.Time
	linkState  LinkState

	scheduler    SchedulerState
	alarmID      AlarmID
	retryBackoff *backoff.ExponentialBackOff
	unanswered   int

	lastTransmit     uint32
	lastAcceptedAt   time.Time
	haveLastTransmit bool
	staleReplies     int

	firstSync        bool
	timeSyncNotified bool
	timeSynced       chan struct{}

	lastSyncMu sync.Mutex
	lastSync   *SyncResult

	ResyncInterval   time.Duration
	ResolveAttempts  int
	ResolveDelay     time.Duration
	ResponseTimeout  time.Duration
	MaxRetryInterval time.Duration
	ReresolveAfter   int
	Monotonic        bool
	MonotonicWindow  time.Duration
	TimezoneOffset   time.Duration

	Clock clock.Clock
}

// NewSyncer creates new Syncer with default configuration.
//
// The receive handler is registered with the endpoint right away, so the endpoint
// must not deliver datagrams before the dispatcher is running.
func NewSyncer(logger *zap.Logger, server string, platform Platform) *Syncer {
	syncer := &Syncer{
		logger:   logger,
		server:   server,
		platform: platform,

		linkState: LinkDown,

		firstSync:  true,
		timeSynced: make(chan struct{}),

		ResyncInterval:   DefaultResyncInterval,
		ResolveAttempts:  DefaultResolveAttempts,
		ResolveDelay:     DefaultResolveDelay,
		ResponseTimeout:  DefaultResponseTimeout,
		MaxRetryInterval: DefaultMaxRetryInterval,
		ReresolveAfter:   DefaultReresolveAfter,
		Monotonic:        true,
		MonotonicWindow:  DefaultMonotonicWindow,

		Clock: clock.New(),
	}

	platform.Endpoint.SetReceiveHandler(syncer.HandleDatagram)

	return syncer
}

// Synced returns a channel which is closed when the RTC was written for the first time.
func (syncer *Syncer) Synced() <-chan struct{} {
	return syncer.timeSynced
}

// LastSync returns the last accepted reply, safe to call from any goroutine.
func (syncer *Syncer) LastSync() (SyncResult, bool) {
	syncer.lastSyncMu.Lock()
	defer syncer.lastSyncMu.Unlock()

	if syncer.lastSync == nil {
		return SyncResult{}, false
	}

	return *syncer.lastSync, true
}

// ServerAddr returns the resolved time server address.
func (syncer *Syncer) ServerAddr() (netip.Addr, bool) {
	return syncer.serverAddr, syncer.serverResolved
}

// NextUpdate returns the deadline of the next scheduled resync.
func (syncer *Syncer) NextUpdate() time.Time {
	return syncer.nextUpdate
}

// SchedulerState returns the current scheduler state.
func (syncer *Syncer) SchedulerState() SchedulerState {
	return syncer.scheduler
}

// LinkState returns the last recorded link state.
func (syncer *Syncer) LinkState() LinkState {
	return syncer.linkState
}

// Start kicks off the first resolution.
func (syncer *Syncer) Start() {
	syncer.logger.Info("starting time sync", zap.String("server", syncer.server))

	syncer.Resolve()
}

// Stop cancels any pending alarm.
func (syncer *Syncer) Stop() {
	syncer.cancelAlarm()
	syncer.cancelResolveAlarm()

	syncer.scheduler = SchedulerIdle
	syncer.resolveCycle++
	syncer.resolving = false
}

// Resolve starts a resolution cycle unless one is already running.
func (syncer *Syncer) Resolve() {
	if syncer.resolving {
		return
	}

	syncer.resolving = true
	syncer.resolveCycle++
	syncer.resolveAttempt = 0

	retries := 0
	if syncer.ResolveAttempts > 1 {
		retries = syncer.ResolveAttempts - 1
	}

	syncer.resolveBackoff = backoff.WithMaxRetries(backoff.NewConstantBackOff(syncer.ResolveDelay), uint64(retries))

	syncer.resolveOnce()
}

func (syncer *Syncer) resolveOnce() {
	syncer.resolveAttempt++

	cycle, attempt := syncer.resolveCycle, syncer.resolveAttempt

	addr, err := syncer.platform.Resolver.Resolve(syncer.server, func(addr netip.Addr, err error) {
		if cycle != syncer.resolveCycle || attempt != syncer.resolveAttempt || !syncer.resolving {
			// result of an abandoned attempt
			return
		}

		syncer.resolveDone(addr, err)
	})

	switch {
	case err == nil:
		syncer.resolveDone(addr, nil)
	case errors.Is(err, ErrResolveInProgress):
	default:
		syncer.resolveFailed(err)
	}
}

func (syncer *Syncer) resolveFailed(err error) {
	delay := syncer.resolveBackoff.NextBackOff()
	if delay == backoff.Stop {
		syncer.resolving = false

		syncer.logger.Warn("giving up resolving time server",
			zap.String("server", syncer.server),
			zap.Int("attempts", syncer.resolveAttempt),
			zap.Error(errors.Join(ErrResolveExhausted, err)),
		)

		return
	}

	syncer.logger.Debug("time server resolution failed, retrying",
		zap.String("server", syncer.server),
		zap.Int("attempt", syncer.resolveAttempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)

	cycle := syncer.resolveCycle

	syncer.cancelResolveAlarm()

	syncer.resolveAlarmID = syncer.platform.Alarms.ArmAt(syncer.Clock.Now().Add(delay), func(id AlarmID) {
		if id != syncer.resolveAlarmID || cycle != syncer.resolveCycle || !syncer.resolving {
			return
		}

		syncer.resolveAlarmID = 0

		syncer.resolveOnce()
	})
}

func (syncer *Syncer) cancelResolveAlarm() {
	if syncer.resolveAlarmID != 0 {
		syncer.platform.Alarms.Cancel(syncer.resolveAlarmID)
		syncer.resolveAlarmID = 0
	}
}

func (syncer *Syncer) resolveDone(addr netip.Addr, err error) {
	if err != nil {
		syncer.resolveFailed(err)

		return
	}

	addr = addr.Unmap()

	syncer.cancelResolveAlarm()
	syncer.resolving = false

	if addr != syncer.serverAddr {
		// replies of the previous server are not comparable
		syncer.haveLastTransmit = false
		syncer.staleReplies = 0
	}

	syncer.serverAddr = addr
	syncer.serverResolved = true
	syncer.unanswered = 0

	syncer.logger.Info("resolved time server",
		zap.String("server", syncer.server),
		zap.Stringer("address", addr),
		zap.Int("attempts", syncer.resolveAttempt),
	)

	syncer.requestAndAwait()
}

// SendRequest sends a single request to the resolved server.
//
// SendRequest never waits for the reply and never retries.
func (syncer *Syncer) SendRequest() error {
	if !syncer.serverResolved || syncer.platform.Endpoint == nil {
		return ErrNotResolved
	}

	destination := netip.AddrPortFrom(syncer.serverAddr, Port)

	req, err := NewRequest()
	if err != nil {
		return err
	}

	if err = syncer.platform.Endpoint.SendTo(req, destination); err != nil {
		syncer.logger.Warn("error sending ntp request", zap.Stringer("destination", destination), zap.Error(err))

		return err
	}

	syncer.logger.Debug("sent ntp request", zap.Stringer("destination", destination))

	return nil
}

// requestAndAwait sends a request on behalf of the scheduler and waits for the reply.
func (syncer *Syncer) requestAndAwait() {
	if err := syncer.SendRequest(); errors.Is(err, ErrNotResolved) {
		syncer.scheduler = SchedulerIdle

		return
	}

	syncer.scheduler = SchedulerAwaitingResponse

	if syncer.ResponseTimeout <= 0 {
		return
	}

	if syncer.retryBackoff == nil {
		syncer.resetRetry()
	}

	syncer.armAlarm(syncer.Clock.Now().Add(syncer.retryBackoff.NextBackOff()), syncer.responseTimedOut)
}

func (syncer *Syncer) resetRetry() {
	syncer.retryBackoff = backoff.NewExponentialBackOff()
	syncer.retryBackoff.InitialInterval = syncer.ResponseTimeout
	syncer.retryBackoff.MaxInterval = max(syncer.MaxRetryInterval, syncer.ResponseTimeout)
	syncer.retryBackoff.Multiplier = 2
	syncer.retryBackoff.RandomizationFactor = 0
	syncer.retryBackoff.MaxElapsedTime = 0
	syncer.retryBackoff.Reset()
}

func (syncer *Syncer) armAlarm(deadline time.Time, fn AlarmFunc) {
	syncer.cancelAlarm()

	syncer.alarmID = syncer.platform.Alarms.ArmAt(deadline, fn)
}

func (syncer *Syncer) cancelAlarm() {
	if syncer.alarmID != 0 {
		syncer.platform.Alarms.Cancel(syncer.alarmID)
		syncer.alarmID = 0
	}
}

// resync fires when the next update deadline is reached.
func (syncer *Syncer) resync(id AlarmID) {
	if id != syncer.alarmID {
		return
	}

	syncer.alarmID = 0
	syncer.scheduler = SchedulerIdle

	syncer.logger.Debug("resync deadline reached", zap.Time("deadline", syncer.nextUpdate))

	syncer.requestAndAwait()
}

func (syncer *Syncer) responseTimedOut(id AlarmID) {
	if id != syncer.alarmID || syncer.scheduler != SchedulerAwaitingResponse {
		return
	}

	syncer.alarmID = 0
	syncer.unanswered++

	if syncer.ReresolveAfter > 0 && syncer.unanswered >= syncer.ReresolveAfter {
		syncer.logger.Warn("time server is not responding, resolving again",
			zap.Stringer("address", syncer.serverAddr),
			zap.Int("unanswered", syncer.unanswered),
		)

		// guard starts over even if the name resolves to the same address
		syncer.serverResolved = false
		syncer.haveLastTransmit = false
		syncer.staleReplies = 0
		syncer.scheduler = SchedulerIdle
		syncer.retryBackoff = nil

		syncer.Resolve()

		return
	}

	syncer.logger.Debug("ntp response timed out, retrying", zap.Int("unanswered", syncer.unanswered))

	syncer.requestAndAwait()
}

// HandleDatagram validates an inbound datagram and syncs the RTC from it.
//
// Invalid datagrams are dropped silently.
func (syncer *Syncer) HandleDatagram(payload []byte, source netip.AddrPort) {
	resp, err := syncer.validate(payload, source)
	if errors.Is(err, ErrKissOfDeath) {
		syncer.logger.Warn("time server sent kiss-of-death", zap.Stringer("source", source), zap.String("code", resp.KissCode()))

		return
	}

	if err != nil {
		syncer.logger.Debug("dropping datagram", zap.Stringer("source", source), zap.Int("size", len(payload)), zap.Error(err))

		return
	}

	syncer.apply(resp)
}

func (syncer *Syncer) validate(payload []byte, source netip.AddrPort) (Response, error) {
	if source.Port() != Port || !syncer.serverResolved || source.Addr().Unmap() != syncer.serverAddr {
		return Response{}, ErrUnexpectedSource
	}

	resp, err := ParseResponse(payload)
	if err != nil {
		return resp, err
	}

	if syncer.stale(resp) {
		return resp, ErrStaleTimestamp
	}

	return resp, nil
}

// stale reports whether the reply goes back in time and must be dropped.
//
// The guard only holds for MonotonicWindow after the last accepted reply, and gives
// way after ReresolveAfter consecutive stale replies.
func (syncer *Syncer) stale(resp Response) bool {
	if !syncer.Monotonic || !syncer.haveLastTransmit {
		return false
	}

	// serial number arithmetic keeps the comparison valid across the era rollover
	if int32(resp.TransmitSeconds-syncer.lastTransmit) >= 0 {
		return false
	}

	if syncer.MonotonicWindow > 0 && syncer.Clock.Since(syncer.lastAcceptedAt) >= syncer.MonotonicWindow {
		syncer.logger.Debug("last accepted reply is too old, ignoring stale timestamp", zap.Time("accepted_at", syncer.lastAcceptedAt))

		return false
	}

	limit := syncer.ReresolveAfter
	if limit <= 0 {
		limit = DefaultReresolveAfter
	}

	syncer.staleReplies++

	if syncer.staleReplies >= limit {
		syncer.logger.Warn("time server went back in time, accepting its timestamps again",
			zap.Stringer("address", syncer.serverAddr),
			zap.Time("last", SecondsToTime(syncer.lastTransmit)),
			zap.Time("transmit", resp.Time()),
			zap.Int("stale_replies", syncer.staleReplies),
		)

		return false
	}

	return true
}

func (syncer *Syncer) apply(resp Response) {
	now := syncer.Clock.Now()
	transmit := resp.Time()
	dt := DatetimeFromTime(transmit.Add(syncer.TimezoneOffset))

	rtcErr := syncer.platform.RTC.WriteDatetime(dt)
	if rtcErr != nil {
		syncer.logger.Error("error writing RTC", zap.Stringer("datetime", dt), zap.Error(rtcErr))
	} else {
		logLevel := zapcore.DebugLevel

		if syncer.firstSync {
			// promote first sync to info level
			syncer.firstSync = false

			logLevel = zapcore.InfoLevel
		}

		if ce := syncer.logger.Check(logLevel, "synchronized RTC"); ce != nil {
			ce.Write(
				zap.Stringer("datetime", dt),
				zap.Stringer("server", syncer.serverAddr),
				zap.Uint8("stratum", resp.Stratum),
				zap.Uint8("leap", uint8(resp.Leap)),
			)
		}
	}

	syncer.lastTransmit = resp.TransmitSeconds
	syncer.lastAcceptedAt = now
	syncer.haveLastTransmit = true
	syncer.staleReplies = 0
	syncer.unanswered = 0
	syncer.retryBackoff = nil

	syncer.nextUpdate = now.Add(syncer.ResyncInterval)
	syncer.armAlarm(syncer.nextUpdate, syncer.resync)
	syncer.scheduler = SchedulerArmed

	syncer.lastSyncMu.Lock()
	syncer.lastSync = &SyncResult{
		Server:   syncer.serverAddr,
		Transmit: transmit,
		Datetime: dt,
		Stratum:  resp.Stratum,
		Leap:     resp.Leap,
		RTCError: rtcErr,
		At:       now,
	}
	syncer.lastSyncMu.Unlock()

	if rtcErr == nil && !syncer.timeSyncNotified {
		close(syncer.timeSynced)

		syncer.timeSyncNotified = true
	}
}

// OnLinkState records a polled link state, sending a request while the link is up.
func (syncer *Syncer) OnLinkState(state LinkState) {
	if state != syncer.linkState {
		syncer.logger.Info("link state changed", zap.Stringer("from", syncer.linkState), zap.Stringer("to", state))
	}

	syncer.linkState = state

	if state != LinkUp {
		return
	}

	if !syncer.serverResolved {
		syncer.Resolve()

		return
	}

	syncer.SendRequest() //nolint:errcheck
}
