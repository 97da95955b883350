// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dns provides an asynchronous caching stub resolver.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

// DefaultResolvConf is the resolver configuration used when no nameservers are given.
const DefaultResolvConf = "/etc/resolv.conf"

// DefaultTimeout is the per nameserver query timeout.
const DefaultTimeout = 2 * time.Second

// Lookup errors.
var (
	ErrNoNameservers = errors.New("no nameservers configured")
	ErrNoAddress     = errors.New("no IPv4 address in dns response")
	ErrRcode         = errors.New("dns query failed")
)

// Dispatcher runs completions on the syncer goroutine.
type Dispatcher interface {
	Post(fn func()) bool
}

// Options configure the Resolver.
type Options struct {
	// Nameservers are host:port pairs, tried in order.
	Nameservers []string
	Timeout     time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

type cacheEntry struct {
	addr    netip.Addr
	expires time.Time
}

// Resolver implements ntp.Resolver over miekg/dns.
//
// Literal addresses and cached answers are returned synchronously, everything else
// is looked up in the background and delivered through the Dispatcher.
type Resolver struct {
	dispatcher  Dispatcher
	client      *dns.Client
	nameservers []string
	clock       clock.Clock
	logger      *zap.Logger

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight map[string][]ntp.ResolveFunc
}

// NewResolver creates a Resolver, reading nameservers from resolv.conf if none are given.
func NewResolver(dispatcher Dispatcher, opts Options) (*Resolver, error) {
	if len(opts.Nameservers) == 0 {
		nameservers, err := NameserversFromResolvConf(DefaultResolvConf)
		if err != nil {
			return nil, err
		}

		opts.Nameservers = nameservers
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Resolver{
		dispatcher:  dispatcher,
		client:      &dns.Client{Net: "udp", Timeout: opts.Timeout},
		nameservers: opts.Nameservers,
		clock:       opts.Clock,
		logger:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
		cache:       map[string]cacheEntry{},
		inflight:    map[string][]ntp.ResolveFunc{},
	}, nil
}

// NameserversFromResolvConf reads nameserver addresses from a resolv.conf file.
func NameserversFromResolvConf(path string) ([]string, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %q: %w", path, err)
	}

	if len(conf.Servers) == 0 {
		return nil, fmt.Errorf("%w in %q", ErrNoNameservers, path)
	}

	nameservers := make([]string, 0, len(conf.Servers))

	for _, server := range conf.Servers {
		nameservers = append(nameservers, net.JoinHostPort(server, conf.Port))
	}

	return nameservers, nil
}

// Resolve implements ntp.Resolver.
func (r *Resolver) Resolve(host string, done ntp.ResolveFunc) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	name := dns.Fqdn(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[name]; ok {
		if r.clock.Now().Before(entry.expires) {
			return entry.addr, nil
		}

		delete(r.cache, name)
	}

	if waiters, ok := r.inflight[name]; ok {
		r.inflight[name] = append(waiters, done)

		return netip.Addr{}, ntp.ErrResolveInProgress
	}

	if r.ctx.Err() != nil {
		return netip.Addr{}, r.ctx.Err()
	}

	r.inflight[name] = []ntp.ResolveFunc{done}

	r.wg.Add(1)

	go r.run(name)

	return netip.Addr{}, ntp.ErrResolveInProgress
}

// Close aborts queries in flight and waits for them to finish.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Resolver) run(name string) {
	defer r.wg.Done()

	addr, ttl, err := r.lookup(r.ctx, name)

	r.mu.Lock()

	waiters := r.inflight[name]
	delete(r.inflight, name)

	if err == nil && ttl > 0 {
		r.cache[name] = cacheEntry{addr: addr, expires: r.clock.Now().Add(ttl)}
	}

	r.mu.Unlock()

	if err != nil {
		r.logger.Debug("dns lookup failed", zap.String("name", name), zap.Error(err))
	} else {
		r.logger.Debug("dns lookup", zap.String("name", name), zap.Stringer("address", addr), zap.Duration("ttl", ttl))
	}

	if !r.dispatcher.Post(func() {
		for _, done := range waiters {
			done(addr, err)
		}
	}) {
		r.logger.Debug("dispatcher stopped, dropping dns result", zap.String("name", name))
	}
}

// lookup queries the nameservers in order and returns the first A record.
func (r *Resolver) lookup(ctx context.Context, name string) (netip.Addr, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)

	var errs *multierror.Error

	for _, nameserver := range r.nameservers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, nameserver)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", nameserver, err))

			if ctx.Err() != nil {
				break
			}

			continue
		}

		if resp.Rcode != dns.RcodeSuccess {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w: %s", nameserver, ErrRcode, dns.RcodeToString[resp.Rcode]))

			continue
		}

		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				addr, ok := netip.AddrFromSlice(a.A)
				if !ok {
					continue
				}

				return addr.Unmap(), time.Duration(a.Hdr.Ttl) * time.Second, nil
			}
		}

		errs = multierror.Append(errs, fmt.Errorf("%s: %w", nameserver, ErrNoAddress))
	}

	if errs == nil {
		return netip.Addr{}, 0, ErrNoNameservers
	}

	return netip.Addr{}, 0, fmt.Errorf("error resolving %q: %w", name, errs.ErrorOrNil())
}
