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
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Sentinel transport errors surfaced by FramedReader/FramedWriter, mirroring
// the taxonomy used across the codebase for classifying net.Conn failures.
var (
	ErrClosed   = errors.New("wire: connection closed")
	ErrRefused  = errors.New("wire: connection refused")
	ErrTimeout  = errors.New("wire: i/o timeout")
)

// classify maps a transport-level error into one of the sentinel errors
// above, or returns it unchanged if it doesn't match a known case.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrRefused, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// FramedReader delivers exactly one Message per call to Read, reconstructing
// message boundaries out of a byte-stream transport that may deliver more or
// less than one message per underlying read.
type FramedReader struct {
	r        io.Reader
	residual []byte
}

// NewFramedReader wraps r.
func NewFramedReader(r io.Reader) *FramedReader {
	return &FramedReader{r: r}
}

// Read blocks until a full message has been received, then returns it. On
// failure it returns one of ErrClosed, ErrRefused, ErrTimeout (each possibly
// wrapped, check with errors.Is), a *ParseError, or another transport error.
func (fr *FramedReader) Read() (*Message, error) {
	for {
		if len(fr.residual) >= HeaderLen {
			msgLen, err := DecodeHeader(fr.residual)
			if err != nil {
				fr.residual = nil
				return nil, err
			}
			if len(fr.residual) >= int(msgLen) {
				buf := fr.residual[:msgLen]
				rest := fr.residual[msgLen:]
				if len(rest) == 0 {
					fr.residual = nil
				} else {
					fr.residual = append([]byte(nil), rest...)
				}
				m, err := Parse(buf)
				if err != nil {
					return nil, err
				}
				return m, nil
			}
		}
		chunk := make([]byte, 4096)
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.residual = append(fr.residual, chunk[:n]...)
		}
		if err != nil {
			if n > 0 {
				// Give the caller a chance to consume what arrived before the
				// transport failed; a later Read call will observe the error.
				continue
			}
			return nil, classify(err)
		}
	}
}
