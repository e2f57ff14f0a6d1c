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
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
)

// bufSource is an unbounded, non-blocking RecordSource over an in-memory
// byte slice, for feeding hand-built frames to Lz4Decoder.
type bufSource struct {
	r *bytes.Reader
}

func (s *bufSource) ReadFull(buf []byte, shouldExit func() bool) (ReadResult, error) {
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return ReadClosed, nil
	}
	return ReadOK, nil
}

func (s *bufSource) Close() error { return nil }

func compressBlock(t *testing.T, src, dict []byte) []byte {
	t.Helper()
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var n int
	var err error
	if len(dict) > 0 {
		n, err = lz4.CompressBlock(src, dst, nil, dict)
	} else {
		n, err = lz4.CompressBlock(src, dst, nil)
	}
	require.NoError(t, err)
	require.Greater(t, n, 0)
	return dst[:n]
}

func framedStream(blocks ...[]byte) []byte {
	var buf bytes.Buffer
	for _, b := range blocks {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	return buf.Bytes()
}

// TestDecodeFrame_DictionaryContinuity builds two LZ4 blocks where the
// second is compressed against a dictionary equal to the first block's
// decompressed output, mirroring Tracy's streaming LZ4_decompress_safe_continue
// framing (spec §2 item 1, §4.1 "dictionary continuity"). If the decoder
// doesn't feed the previous frame's bytes back in as the next frame's dict,
// the second frame's back-references resolve against garbage (or the decode
// call errors outright via protoerr.ErrLZ4Decode).
func TestDecodeFrame_DictionaryContinuity(t *testing.T) {
	first := bytes.Repeat([]byte("tracy-streaming-dict-window-"), 200)
	// second reuses first's content verbatim, so a dict-aware compressor
	// encodes it almost entirely as back-references into first.
	second := append([]byte(nil), first...)

	comp1 := compressBlock(t, first, nil)
	comp2 := compressBlock(t, second, first)

	stream := framedStream(comp1, comp2)
	src := &bufSource{r: bytes.NewReader(stream)}

	dec := NewLz4Decoder()

	out1, res, err := dec.DecodeFrame(src, nil)
	require.NoError(t, err)
	require.Equal(t, ReadOK, res)
	require.Equal(t, first, append([]byte(nil), out1...))

	out2, res, err := dec.DecodeFrame(src, nil)
	require.NoError(t, err)
	require.Equal(t, ReadOK, res)
	require.Equal(t, second, append([]byte(nil), out2...))
}

func TestDecodeFrame_ZeroLengthBlockIsLZ4Error(t *testing.T) {
	stream := framedStream(nil)
	src := &bufSource{r: bytes.NewReader(stream)}
	dec := NewLz4Decoder()

	_, _, err := dec.DecodeFrame(src, nil)
	require.Error(t, err)
}
