// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protoerr holds the sentinel and structured error values shared by
// the wire codec, dispatcher and trace file codec.
package protoerr

import "fmt"

// Error kinds that terminate ingestion early but leave the trace queryable,
// per spec §7.
var (
	ErrProtocolViolation = fmt.Errorf("tracy: protocol violation")
	ErrLZ4Decode         = fmt.Errorf("tracy: lz4 decode failure")
	ErrNotTracyDump      = fmt.Errorf("tracy: not a trace dump")
)

// Violation wraps ErrProtocolViolation with the offending detail so callers
// can log it without losing errors.Is(err, ErrProtocolViolation).
type Violation struct {
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", ErrProtocolViolation, v.Reason)
}

func (v *Violation) Unwrap() error { return ErrProtocolViolation }

// NewViolation builds a protocol Violation with a formatted reason.
func NewViolation(format string, args ...any) error {
	return &Violation{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedVersion is returned by the file codec when a trace file's
// major version exceeds what this reader understands.
type UnsupportedVersion struct {
	Version uint8
}

func (e *UnsupportedVersion) Error() string {
	return fmt.Sprintf("tracy: unsupported trace file version %d", e.Version)
}
