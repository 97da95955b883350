// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package linkstatus reports the state of a network link via rtnetlink.
package linkstatus

import (
	"context"
	"fmt"
	"sync"

	"github.com/jsimonetti/rtnetlink/v2"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/rtcsync/internal/pkg/ntp"
)

// AlwaysUp reports the link as up, used when no interface is watched.
type AlwaysUp struct{}

// LinkStatus implements ntp.LinkStatusSource.
func (AlwaysUp) LinkStatus(context.Context) (ntp.LinkState, error) {
	return ntp.LinkUp, nil
}

// Netlink polls a named link over rtnetlink.
type Netlink struct {
	name string

	mu   sync.Mutex
	conn *rtnetlink.Conn
}

// NewNetlink creates a source for the named link.
func NewNetlink(name string) *Netlink {
	return &Netlink{name: name}
}

// LinkStatus implements ntp.LinkStatusSource.
//
// A link which does not exist is reported as failed.
func (n *Netlink) LinkStatus(ctx context.Context) (ntp.LinkState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ntp.LinkDown, err
	}

	if n.conn == nil {
		conn, err := rtnetlink.Dial(&netlink.Config{Strict: true})
		if err != nil {
			return ntp.LinkDown, fmt.Errorf("error dialing rtnetlink: %w", err)
		}

		n.conn = conn
	}

	links, err := n.conn.Link.List()
	if err != nil {
		// the socket might be unusable, redial on the next poll
		n.conn.Close() //nolint:errcheck
		n.conn = nil

		return ntp.LinkDown, fmt.Errorf("error listing links: %w", err)
	}

	for i := range links {
		if links[i].Attributes != nil && links[i].Attributes.Name == n.name {
			return State(&links[i]), nil
		}
	}

	return ntp.LinkFailed, nil
}

// Close releases the netlink socket.
func (n *Netlink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil
	}

	err := n.conn.Close()
	n.conn = nil

	return err
}

// State maps a link message to the link state.
func State(link *rtnetlink.LinkMessage) ntp.LinkState {
	if link.Flags&unix.IFF_UP == 0 || link.Attributes == nil {
		return ntp.LinkDown
	}

	switch link.Attributes.OperationalState {
	case rtnetlink.OperStateUp:
		return ntp.LinkUp
	case rtnetlink.OperStateDormant, rtnetlink.OperStateTesting:
		// associating or authenticating
		return ntp.LinkJoining
	case rtnetlink.OperStateNotPresent:
		return ntp.LinkFailed
	case rtnetlink.OperStateUnknown:
		// drivers without operstate support
		if link.Flags&unix.IFF_RUNNING != 0 {
			return ntp.LinkUp
		}

		return ntp.LinkDown
	default:
		return ntp.LinkDown
	}
}
