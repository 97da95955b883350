// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dns_test

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	dnssrv "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/rtcsync/internal/pkg/dns"
	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

type chanDispatcher chan func()

func (d chanDispatcher) Post(fn func()) bool {
	d <- fn

	return true
}

// next runs the next posted completion.
func (d chanDispatcher) next(t *testing.T) {
	t.Helper()

	select {
	case fn := <-d:
		fn()
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no completion posted")
	}
}

type result struct {
	addr netip.Addr
	err  error
}

// newServer starts a dns server, answers are held back until release is closed.
func newServer(t *testing.T, queries *atomic.Int32, release <-chan struct{}) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dnssrv.HandlerFunc(func(w dnssrv.ResponseWriter, req *dnssrv.Msg) {
		queries.Add(1)

		<-release

		resp := new(dnssrv.Msg)
		resp.SetReply(req)

		q := req.Question[0]

		switch q.Name {
		case "ntp.example.":
			resp.Answer = append(resp.Answer,
				&dnssrv.CNAME{
					Hdr:    dnssrv.RR_Header{Name: q.Name, Rrtype: dnssrv.TypeCNAME, Class: dnssrv.ClassINET, Ttl: 300},
					Target: "pool.ntp.example.",
				},
				&dnssrv.A{
					Hdr: dnssrv.RR_Header{Name: "pool.ntp.example.", Rrtype: dnssrv.TypeA, Class: dnssrv.ClassINET, Ttl: 60},
					A:   net.ParseIP("192.0.2.123"),
				},
			)
		case "nottl.example.":
			resp.Answer = append(resp.Answer, &dnssrv.A{
				Hdr: dnssrv.RR_Header{Name: q.Name, Rrtype: dnssrv.TypeA, Class: dnssrv.ClassINET, Ttl: 0},
				A:   net.ParseIP("198.51.100.7"),
			})
		case "empty.example.":
		default:
			resp.SetRcode(req, dnssrv.RcodeNameError)
		}

		w.WriteMsg(resp) //nolint:errcheck
	})

	started := make(chan struct{})
	done := make(chan error, 1)

	srv := &dnssrv.Server{
		PacketConn:        pc,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}

	go func() {
		done <- srv.ActivateAndServe()
	}()

	<-started

	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown())
		<-done
	})

	return pc.LocalAddr().String()
}

func newResolver(t *testing.T, mock *clock.Mock, release <-chan struct{}) (*dns.Resolver, chanDispatcher, *atomic.Int32) {
	t.Helper()

	var queries atomic.Int32

	if release == nil {
		ch := make(chan struct{})
		close(ch)

		release = ch
	}

	addr := newServer(t, &queries, release)
	dispatcher := make(chanDispatcher, 4)

	resolver, err := dns.NewResolver(dispatcher, dns.Options{
		Nameservers: []string{addr},
		Timeout:     time.Second,
		Clock:       mock,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(resolver.Close)

	return resolver, dispatcher, &queries
}

func TestResolveLiteral(t *testing.T) {
	resolver, _, queries := newResolver(t, clock.NewMock(), nil)

	for _, literal := range []string{"192.0.2.1", "2001:db8::1"} {
		addr, err := resolver.Resolve(literal, func(netip.Addr, error) {
			assert.Fail(t, "unexpected asynchronous completion")
		})
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr(literal), addr)
	}

	assert.Zero(t, queries.Load())
}

func TestResolveCache(t *testing.T) {
	mock := clock.NewMock()
	release := make(chan struct{})
	resolver, dispatcher, queries := newResolver(t, mock, release)

	var results []result

	record := func(addr netip.Addr, err error) { results = append(results, result{addr, err}) }

	_, err := resolver.Resolve("ntp.example", record)
	require.ErrorIs(t, err, ntp.ErrResolveInProgress)

	// second caller joins the lookup in flight
	_, err = resolver.Resolve("ntp.example.", record)
	require.ErrorIs(t, err, ntp.ErrResolveInProgress)

	close(release)
	dispatcher.next(t)

	require.Len(t, results, 2)

	for _, res := range results {
		require.NoError(t, res.err)
		assert.Equal(t, netip.MustParseAddr("192.0.2.123"), res.addr)
	}

	assert.EqualValues(t, 1, queries.Load())

	addr, err := resolver.Resolve("ntp.example", record)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.123"), addr)

	assert.EqualValues(t, 1, queries.Load())

	mock.Add(time.Minute)

	_, err = resolver.Resolve("ntp.example", record)
	require.ErrorIs(t, err, ntp.ErrResolveInProgress)

	dispatcher.next(t)

	assert.Len(t, results, 3)
	assert.EqualValues(t, 2, queries.Load())
}

func TestResolveZeroTTL(t *testing.T) {
	resolver, dispatcher, queries := newResolver(t, clock.NewMock(), nil)

	for range 2 {
		var res result

		_, err := resolver.Resolve("nottl.example", func(addr netip.Addr, err error) { res = result{addr, err} })
		require.ErrorIs(t, err, ntp.ErrResolveInProgress)

		dispatcher.next(t)

		require.NoError(t, res.err)
		assert.Equal(t, netip.MustParseAddr("198.51.100.7"), res.addr)
	}

	assert.EqualValues(t, 2, queries.Load())
}

func TestResolveFailure(t *testing.T) {
	resolver, dispatcher, _ := newResolver(t, clock.NewMock(), nil)

	for _, test := range []struct {
		host        string
		expectedErr error
	}{
		{host: "missing.example", expectedErr: dns.ErrRcode},
		{host: "empty.example", expectedErr: dns.ErrNoAddress},
	} {
		t.Run(test.host, func(t *testing.T) {
			var res result

			_, err := resolver.Resolve(test.host, func(addr netip.Addr, err error) { res = result{addr, err} })
			require.ErrorIs(t, err, ntp.ErrResolveInProgress)

			dispatcher.next(t)

			require.ErrorIs(t, res.err, test.expectedErr)
			assert.False(t, res.addr.IsValid())
		})
	}
}

func TestResolveClosed(t *testing.T) {
	resolver, _, _ := newResolver(t, clock.NewMock(), nil)

	resolver.Close()

	_, err := resolver.Resolve("ntp.example", func(netip.Addr, error) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ntp.ErrResolveInProgress)
}

func TestNameserversFromResolvConf(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("search example.com\nnameserver 10.0.0.1\nnameserver 2001:db8::53\n"), 0o644))

	nameservers, err := dns.NameserversFromResolvConf(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:53", "[2001:db8::53]:53"}, nameservers)

	empty := filepath.Join(dir, "empty.conf")
	require.NoError(t, os.WriteFile(empty, []byte("search example.com\n"), 0o644))

	_, err = dns.NameserversFromResolvConf(empty)
	require.ErrorIs(t, err, dns.ErrNoNameservers)

	_, err = dns.NameserversFromResolvConf(filepath.Join(dir, "missing.conf"))
	require.Error(t, err)
}
