// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package endpoint provides the UDP socket used to talk to the time server.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

// readBufferSize is larger than any valid reply, so oversized datagrams are seen with their real size.
const readBufferSize = 1500

// Dispatcher runs received datagrams on the syncer goroutine.
type Dispatcher interface {
	Post(fn func()) bool
}

// UDP implements ntp.Endpoint.
type UDP struct {
	conn       *net.UDPConn
	dispatcher Dispatcher
	logger     *zap.Logger

	mu      sync.Mutex
	handler ntp.ReceiveFunc

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a UDP socket.
func Listen(network, addr string, dispatcher Dispatcher, logger *zap.Logger) (*UDP, error) {
	var opts []controlOptions

	switch network {
	case "udp", "udp4":
		network = "udp4"
		opts = udpOptions

	case "udp6":
		opts = udpOptionsV6

	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	lc := net.ListenConfig{
		Control: makeControl(opts),
	}

	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("error binding %s %s: %w", network, addr, err)
	}

	return &UDP{
		conn:       pc.(*net.UDPConn),
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// SetReceiveHandler implements ntp.Endpoint.
func (u *UDP) SetReceiveHandler(handler ntp.ReceiveFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.handler = handler
}

// SendTo implements ntp.Endpoint.
func (u *UDP) SendTo(payload []byte, destination netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(payload, destination)

	return err
}

// Run reads datagrams until the context is canceled or the socket is closed.
func (u *UDP) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		u.Close() //nolint:errcheck
	})
	defer stop()

	buf := make([]byte, readBufferSize)

	for {
		n, source, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("error reading datagram: %w", err)
		}

		payload := slices.Clone(buf[:n])

		if !u.dispatcher.Post(func() { u.deliver(payload, source) }) {
			return nil
		}
	}
}

func (u *UDP) deliver(payload []byte, source netip.AddrPort) {
	u.mu.Lock()
	handler := u.handler
	u.mu.Unlock()

	if handler == nil {
		u.logger.Debug("no receive handler, dropping datagram", zap.Stringer("source", source))

		return
	}

	handler(payload, source)
}

// Close closes the socket.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.conn.Close()
	})

	return u.closeErr
}

var (
	udpOptions = []controlOptions{
		{unix.SOL_SOCKET, unix.SO_REUSEADDR, 1, "failed to set SO_REUSEADDR"},
		{unix.IPPROTO_IP, unix.IP_TOS, lowDelayTOS, "failed to set IP_TOS"},
	}

	udpOptionsV6 = []controlOptions{
		{unix.SOL_SOCKET, unix.SO_REUSEADDR, 1, "failed to set SO_REUSEADDR"},
		{unix.IPPROTO_IPV6, unix.IPV6_TCLASS, lowDelayTOS, "failed to set IPV6_TCLASS"},
	}
)

// lowDelayTOS is the IPTOS_LOWDELAY traffic class.
const lowDelayTOS = 0x10

type controlOptions struct {
	level        int
	opt          int
	val          int
	errorMessage string
}

func makeControl(opts []controlOptions) func(string, string, syscall.RawConn) error {
	return func(_ string, _ string, c syscall.RawConn) error {
		var resErr error

		err := c.Control(func(fd uintptr) {
			for _, opt := range opts {
				opErr := unix.SetsockoptInt(int(fd), opt.level, opt.opt, opt.val)
				if opErr != nil {
					resErr = fmt.Errorf(opt.errorMessage+": %w", opErr)

					return
				}
			}
		})
		if err != nil {
			return fmt.Errorf("failed in control call: %w", err)
		}

		if resErr != nil {
			return fmt.Errorf("failed to set socket options: %w", resErr)
		}

		return nil
	}
}
