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

package wire

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/kyapp69/tracy/internal/protoerr"
)

// targetFrameSize bounds a single decompressed frame; frames larger than
// this are rejected as malformed (spec §4.1 "work buffer sized ≥
// max-target-frame"). 256KiB comfortably covers Tracy's real client frame
// sizes (typically tens of KiB).
const targetFrameSize = 256 * 1024

// dictWindow is how much of the trailing decompressed output is kept as
// the LZ4 streaming dictionary for the next frame, mirroring
// LZ4_decompress_safe_continue's internal window (spec §4.1 "streaming
// state across frames (dictionary continuity)").
const dictWindow = 64 * 1024

// Lz4Decoder decompresses a sequence of raw LZ4 blocks sharing a rolling
// dictionary, the same framing Tracy's client/server protocol uses (a
// streaming LZ4_decompress_safe_continue, not the self-framed LZ4 frame
// format github.com/pierrec/lz4/v4's Reader expects — so we drive the
// block API directly and manage the dictionary ourselves).
type Lz4Decoder struct {
	dict []byte
	buf  []byte
}

func NewLz4Decoder() *Lz4Decoder {
	return &Lz4Decoder{buf: make([]byte, targetFrameSize)}
}

// DecodeFrame reads a u16 length-prefixed LZ4 block from src and returns
// the decompressed bytes, valid until the next call to DecodeFrame.
func (d *Lz4Decoder) DecodeFrame(src RecordSource, shouldExit func() bool) ([]byte, ReadResult, error) {
	var lenBuf [2]byte
	if res, err := src.ReadFull(lenBuf[:], shouldExit); res != ReadOK {
		return nil, res, err
	}
	compSize := binary.LittleEndian.Uint16(lenBuf[:])
	if compSize == 0 {
		return nil, ReadClosed, protoerr.ErrLZ4Decode
	}

	comp := make([]byte, compSize)
	if res, err := src.ReadFull(comp, shouldExit); res != ReadOK {
		return nil, res, err
	}

	n, err := lz4.UncompressBlock(comp, d.buf, d.dict)
	if err != nil {
		return nil, ReadClosed, protoerr.ErrLZ4Decode
	}
	out := d.buf[:n]

	// Feed this frame's trailing bytes back in as the dict for the next
	// call, so a later block's back-references into the previous frame's
	// output resolve correctly (spec §4.1 "dictionary continuity").
	d.updateDict(out)
	return out, ReadOK, nil
}

func (d *Lz4Decoder) updateDict(out []byte) {
	if len(out) >= dictWindow {
		d.dict = append(d.dict[:0], out[len(out)-dictWindow:]...)
		return
	}
	combined := append(d.dict, out...)
	if len(combined) > dictWindow {
		combined = combined[len(combined)-dictWindow:]
	}
	d.dict = combined
}
