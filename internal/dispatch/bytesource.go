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

package dispatch

import (
	"github.com/kyapp69/tracy/internal/protoerr"
	"github.com/kyapp69/tracy/internal/wire"
)

// byteSource abstracts where a record's bytes come from. For LZ4-compressed
// traffic, a record's trailer (spec §4.2) is read from the same
// already-decompressed frame buffer as its fixed header/payload. For
// uncompressed traffic, every read — including a trailer's length prefix
// and bytes — is an independent socket read. This single abstraction lets
// Decoder.dispatchOne implement both without special-casing event types,
// resolving spec §9 Open Question 2.
type byteSource interface {
	next(n int) ([]byte, error)
}

// bufferSource reads from an already-decompressed in-memory frame.
type bufferSource struct {
	buf []byte
	pos int
}

func (b *bufferSource) next(n int) ([]byte, error) {
	if b.pos+n > len(b.buf) {
		return nil, protoerr.NewViolation("frame truncated: need %d bytes, have %d", n, len(b.buf)-b.pos)
	}
	out := b.buf[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// socketSource reads directly from the wire, one record at a time, as the
// legacy uncompressed path does (original_source/server/TracyView.cpp).
type socketSource struct {
	src        wire.RecordSource
	shouldExit func() bool
	scratch    []byte
}

func newSocketSource(src wire.RecordSource, shouldExit func() bool) *socketSource {
	return &socketSource{src: src, shouldExit: shouldExit}
}

func (s *socketSource) next(n int) ([]byte, error) {
	if cap(s.scratch) < n {
		s.scratch = make([]byte, n)
	}
	buf := s.scratch[:n]
	res, err := s.src.ReadFull(buf, s.shouldExit)
	if res != wire.ReadOK {
		if err != nil {
			return nil, err
		}
		return nil, errConnectionClosed
	}
	return buf, nil
}

var errConnectionClosed = protoerr.NewViolation("connection closed mid-record")
