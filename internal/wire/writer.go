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
	"io"
	"time"
)

// deadlineWriter is satisfied by net.Conn; kept as a narrow interface so
// tests can substitute a plain io.Writer without a deadline.
type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(time.Time) error
}

// FramedWriter serializes and writes messages, applying a per-write deadline
// when the underlying transport supports one.
type FramedWriter struct {
	w io.Writer
}

// NewFramedWriter wraps w.
func NewFramedWriter(w io.Writer) *FramedWriter {
	return &FramedWriter{w: w}
}

// Write encodes and transmits m, honoring timeout if the transport supports
// deadlines.
func (fw *FramedWriter) Write(m *Message, timeout time.Duration) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	if dw, ok := fw.w.(deadlineWriter); ok && timeout > 0 {
		if err := dw.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return classify(err)
		}
	}
	_, err = fw.w.Write(b)
	return classify(err)
}
