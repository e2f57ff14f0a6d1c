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

// Package wire implements the framed, optionally LZ4-compressed byte
// stream codec described in spec §4.1: handshake parsing, frame
// boundaries, and decompression into a fixed-size working buffer.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// pollTimeout bounds every blocking read so a shutdown request is observed
// promptly (spec §4.1 "bounded poll timeout (≈10 ms)").
const pollTimeout = 10 * time.Millisecond

// ReadResult is the three-way outcome of a bounded socket read (spec §4.1).
type ReadResult int

const (
	ReadOK ReadResult = iota
	ReadTimeout
	ReadClosed
)

// RecordSource abstracts a live TCP connection and a replayed trace file
// behind the same bounded-read contract, so the dispatcher never special
// cases live vs. replay ingestion (spec §4.1 generalized per SPEC_FULL §4.1).
type RecordSource interface {
	// ReadFull reads exactly len(buf) bytes, honoring shouldExit between
	// poll attempts. Returns ReadOK, ReadTimeout (caller should retry) or
	// ReadClosed (peer closed / EOF).
	ReadFull(buf []byte, shouldExit func() bool) (ReadResult, error)
	Close() error
}

// Handshake is the fixed preamble sent once per connection (spec §4.1).
type Handshake struct {
	TimerDelay      int64
	TimerResolution int64
	TimerMul        float64
	CaptureName     string
	LZ4Enabled      bool
}

// ReadHandshake parses the handshake fields in the fixed order spec §4.1
// defines: timer_delay, timer_resolution, timer_mul, capture_name_len,
// capture_name, lz4_enabled.
func ReadHandshake(src RecordSource, shouldExit func() bool) (*Handshake, error) {
	var hs Handshake

	var fixed [8 + 8 + 8 + 2]byte
	if res, err := src.ReadFull(fixed[:], shouldExit); res != ReadOK {
		return nil, readErr(res, err)
	}
	hs.TimerDelay = int64(binary.LittleEndian.Uint64(fixed[0:8]))
	hs.TimerResolution = int64(binary.LittleEndian.Uint64(fixed[8:16]))
	hs.TimerMul = math.Float64frombits(binary.LittleEndian.Uint64(fixed[16:24]))
	nameLen := binary.LittleEndian.Uint16(fixed[24:26])

	if nameLen > 0 {
		name := make([]byte, nameLen)
		if res, err := src.ReadFull(name, shouldExit); res != ReadOK {
			return nil, readErr(res, err)
		}
		hs.CaptureName = string(name)
	}

	var lz4 [1]byte
	if res, err := src.ReadFull(lz4[:], shouldExit); res != ReadOK {
		return nil, readErr(res, err)
	}
	hs.LZ4Enabled = lz4[0] != 0

	return &hs, nil
}

func readErr(res ReadResult, err error) error {
	if res == ReadClosed {
		if err != nil {
			return fmt.Errorf("wire: connection closed during handshake: %w", err)
		}
		return io.ErrClosedPipe
	}
	return err
}
