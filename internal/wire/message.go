// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire is the external BGP message codec collaborator: it turns raw
// bytes into typed messages and back, delegating the actual wire format to
// github.com/osrg/gobgp/v3/pkg/packet/bgp. Nothing in this package blocks or
// starts a timer; callers own framing (see FramedReader) and I/O.
package wire

import (
	"fmt"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// HeaderLen is the length in bytes of a BGP message header.
const HeaderLen = bgp.BGP_HEADER_LENGTH

// MaxMessageLen is the largest permitted BGP message, header included.
const MaxMessageLen = bgp.BGP_MAX_MESSAGE_LENGTH

// Message is a decoded BGP message. It is an alias for gobgp's own message
// type so that Serialize/Header.Type remain available without a redundant
// wrapper struct.
type Message = bgp.BGPMessage

// ParseError wraps a codec failure, tagging whether it happened while
// decoding the fixed header or the variable-length body, per RFC 4271
// section 6.
type ParseError struct {
	Header bool
	Code   uint8
	Sub    uint8
	Err    error
}

func (e *ParseError) Error() string {
	where := "body"
	if e.Header {
		where = "header"
	}
	return fmt.Sprintf("bgp: %s parse error: %v", where, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(header bool, err error) *ParseError {
	pe := &ParseError{Header: header, Err: err}
	var me *bgp.MessageError
	if e, ok := err.(*bgp.MessageError); ok {
		me = e
	}
	if me != nil {
		pe.Code = me.TypeCode
		pe.Sub = me.SubTypeCode
	}
	return pe
}

func isValidMarker(marker []byte) bool {
	if len(marker) != 16 {
		return false
	}
	for _, b := range marker {
		if b != 0xff {
			return false
		}
	}
	return true
}

// DecodeHeader parses a HeaderLen-byte header and returns the total message
// length it announces (header included).
func DecodeHeader(buf []byte) (uint16, error) {
	if len(buf) < HeaderLen {
		return 0, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	if !isValidMarker(buf[:16]) {
		return 0, newParseError(true, bgp.NewMessageError(
			bgp.BGP_ERROR_MESSAGE_HEADER_ERROR,
			bgp.BGP_ERROR_SUB_CONNECTION_NOT_SYNCHRONIZED,
			nil, "connection not synchronized"))
	}
	var h bgp.BGPHeader
	if err := h.DecodeFromBytes(buf[:HeaderLen]); err != nil {
		return 0, newParseError(true, err)
	}
	if h.Len > MaxMessageLen {
		return 0, newParseError(true, bgp.NewMessageError(
			bgp.BGP_ERROR_MESSAGE_HEADER_ERROR,
			bgp.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH,
			nil, "received message is too long"))
	}
	if h.Len < HeaderLen {
		return 0, newParseError(true, bgp.NewMessageError(
			bgp.BGP_ERROR_MESSAGE_HEADER_ERROR,
			bgp.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH,
			nil, "received message is too short"))
	}
	return h.Len, nil
}

// Parse decodes a full message (header and body) from buf, whose length must
// equal the value previously returned by DecodeHeader for the same bytes.
func Parse(buf []byte) (*Message, error) {
	var h bgp.BGPHeader
	if err := h.DecodeFromBytes(buf[:HeaderLen]); err != nil {
		return nil, newParseError(true, err)
	}
	msg, err := bgp.ParseBGPBody(&h, buf[HeaderLen:])
	if err != nil {
		return nil, newParseError(false, err)
	}
	return msg, nil
}

// Encode serializes m to wire format.
func Encode(m *Message) ([]byte, error) {
	return m.Serialize()
}

// NewOpen builds an OPEN message. asn is the local AS number; it is placed in
// the 2-byte legacy field when it fits, otherwise AS_TRANS is used there. A
// four-octet ASN capability carrying the full asn is always attached. No
// other capabilities are negotiated.
func NewOpen(asn uint32, holdTime uint16, routerID string) *Message {
	as := uint16(asn)
	if asn > 0xffff {
		as = bgp.AS_TRANS
	}
	caps := []bgp.ParameterCapabilityInterface{
		bgp.NewCapFourOctetASNumber(asn),
	}
	return bgp.NewBGPOpenMessage(as, holdTime, routerID, []bgp.OptionParameterInterface{
		bgp.NewOptionParameterCapability(caps),
	})
}

// NewKeepalive builds a KEEPALIVE message.
func NewKeepalive() *Message {
	return bgp.NewBGPKeepAliveMessage()
}

// NewNotification builds a NOTIFICATION message.
func NewNotification(code, subcode uint8, data []byte) *Message {
	return bgp.NewBGPNotificationMessage(code, subcode, data)
}

// OpenFields extracts the fields the FSM cares about out of a parsed OPEN
// message body.
func OpenFields(m *Message) (version uint8, holdTime uint16, bgpID uint32, ok bool) {
	o, ok := m.Body.(*bgp.BGPOpen)
	if !ok {
		return 0, 0, 0, false
	}
	id := o.ID.To4()
	var idv uint32
	if len(id) == 4 {
		idv = uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	}
	return o.Version, o.HoldTime, idv, true
}

// AsMessageError extracts a *bgp.MessageError from err when err is one, or
// when err is a *ParseError directly wrapping one. Deeper wrapping is not
// searched.
func AsMessageError(err error) (*bgp.MessageError, bool) {
	me, ok := err.(*bgp.MessageError)
	if ok {
		return me, true
	}
	var pe *ParseError
	if e, ok := err.(*ParseError); ok {
		pe = e
		if inner, ok := pe.Err.(*bgp.MessageError); ok {
			return inner, true
		}
	}
	return nil, false
}
