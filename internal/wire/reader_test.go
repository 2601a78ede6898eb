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

package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// chunkedReader delivers the bytes of buf in the fixed-size pieces given by
// sizes, regardless of how framing lines up with message boundaries.
type chunkedReader struct {
	buf   []byte
	sizes []int
	pos   int
	i     int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.i >= len(c.sizes) {
		return 0, io.EOF
	}
	n := c.sizes[c.i]
	c.i++
	if c.pos+n > len(c.buf) {
		n = len(c.buf) - c.pos
	}
	copy(p, c.buf[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func TestFramedReaderAcrossChunkBoundaries(t *testing.T) {
	ka := NewKeepalive()
	up := bgp.NewBGPUpdateMessage(nil, nil, nil)
	kaBytes, err := Encode(ka)
	if err != nil {
		t.Fatal(err)
	}
	upBytes, err := Encode(up)
	if err != nil {
		t.Fatal(err)
	}
	var all []byte
	all = append(all, kaBytes...)
	all = append(all, upBytes...)

	// Deliver in chunks that do not line up with message boundaries: 7, 12,
	// then up to 100 bytes, which covers the 23-byte UPDATE that remains.
	cr := &chunkedReader{buf: all, sizes: []int{7, 12, 100}}
	fr := NewFramedReader(cr)

	m1, err := fr.Read()
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if _, ok := m1.Body.(*bgp.BGPKeepAlive); !ok {
		t.Errorf("first message = %T, want *bgp.BGPKeepAlive", m1.Body)
	}

	m2, err := fr.Read()
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if _, ok := m2.Body.(*bgp.BGPUpdate); !ok {
		t.Errorf("second message = %T, want *bgp.BGPUpdate", m2.Body)
	}

	if _, err := fr.Read(); err == nil {
		t.Error("third Read should have failed once the stream is exhausted")
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	msgs := []*Message{
		NewOpen(65001, 90, "192.0.2.1"),
		NewKeepalive(),
		NewNotification(6, 2, nil),
	}
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		length, err := DecodeHeader(b)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if int(length) != len(b) {
			t.Fatalf("DecodeHeader length = %d, want %d", length, len(b))
		}
		got, err := Parse(b)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got.Header.Type != m.Header.Type {
			t.Errorf("round trip changed message type: got %v, want %v", got.Header.Type, m.Header.Type)
		}
	}
}

func TestFramedReaderPropagatesParseError(t *testing.T) {
	bad := bytes.Repeat([]byte{0x00}, 19) // all-zero marker is invalid
	fr := NewFramedReader(bytes.NewReader(bad))
	_, err := fr.Read()
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var pe *ParseError
	if !asParseError(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if !pe.Header {
		t.Errorf("ParseError.Header = false, want true for a bad marker")
	}
}

func asParseError(err error, target **ParseError) bool {
	if pe, ok := err.(*ParseError); ok {
		*target = pe
		return true
	}
	return false
}
