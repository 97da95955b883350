// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ntp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/ntp"
	"github.com/facebook/time/ntp/protocol"
)

// Wire format constants.
const (
	// Port is the well-known NTP server port.
	Port = 123

	// PacketSize is the size of the NTP header without extensions or authenticator.
	PacketSize = 48

	// Version is the protocol version announced in requests.
	Version = 3

	// ModeClient and ModeServer are the association modes used by SNTP.
	ModeClient = 3
	ModeServer = 4
)

// Packet validation errors.
var (
	ErrPacketLength  = errors.New("ntp packet length mismatch")
	ErrNotServerMode = errors.New("ntp packet is not a server reply")
	ErrKissOfDeath   = errors.New("ntp kiss-of-death reply")
)

// NewRequest builds a client request.
//
// Only the first byte is populated: no originate timestamp is sent, the reply
// transmit timestamp is used verbatim.
func NewRequest() ([]byte, error) {
	req := protocol.Packet{
		Settings: uint8(ntp.LeapNoWarning)<<6 | Version<<3 | ModeClient,
	}

	b, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("error encoding ntp request: %w", err)
	}

	return b, nil
}

// Response is the decoded subset of a server reply.
type Response struct {
	Leap            ntp.LeapIndicator
	Mode            uint8
	Stratum         uint8
	ReferenceID     uint32
	TransmitSeconds uint32
}

// ParseResponse validates and decodes a server reply.
func ParseResponse(b []byte) (Response, error) {
	if len(b) != PacketSize {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrPacketLength, len(b))
	}

	packet, err := protocol.BytesToPacket(b)
	if err != nil {
		return Response{}, fmt.Errorf("error decoding ntp packet: %w", err)
	}

	resp := Response{
		Leap:            ntp.LeapIndicator(packet.Settings >> 6),
		Mode:            packet.Settings & 0x7,
		Stratum:         packet.Stratum,
		ReferenceID:     packet.ReferenceID,
		TransmitSeconds: packet.TxTimeSec,
	}

	if resp.Mode != ModeServer {
		return resp, fmt.Errorf("%w: mode %d", ErrNotServerMode, resp.Mode)
	}

	if resp.Stratum == 0 {
		return resp, fmt.Errorf("%w: %q", ErrKissOfDeath, resp.KissCode())
	}

	return resp, nil
}

// KissCode returns the ASCII kiss code carried in the reference ID of stratum 0 replies.
func (resp Response) KissCode() string {
	return strings.TrimRight(string(binary.BigEndian.AppendUint32(nil, resp.ReferenceID)), "\x00")
}

// Time returns the transmit timestamp as UTC time.
func (resp Response) Time() time.Time {
	return SecondsToTime(resp.TransmitSeconds)
}

// SecondsToTime converts NTP era 0 seconds to UTC time, the fraction is ignored.
func SecondsToTime(seconds uint32) time.Time {
	return protocol.Unix(seconds, 0).UTC()
}
