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

package controller

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyapp69/tracy/internal/model"
	"github.com/kyapp69/tracy/internal/proto"
	"github.com/kyapp69/tracy/internal/wire"
)

// memSource is a RecordSource over an in-memory buffer, mirroring
// wire.FileSource's "EOF means clean close" contract for replay tests.
type memSource struct {
	r *bytes.Reader
}

func (m *memSource) ReadFull(buf []byte, shouldExit func() bool) (wire.ReadResult, error) {
	if shouldExit != nil && shouldExit() {
		return wire.ReadClosed, nil
	}
	_, err := io.ReadFull(m.r, buf)
	if err != nil {
		return wire.ReadClosed, nil
	}
	return wire.ReadOK, nil
}

func (m *memSource) Close() error { return nil }

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func buildHandshake(name string, lz4 bool) []byte {
	var buf bytes.Buffer
	buf.Write(u64(0))                                 // timer_delay
	buf.Write(u64(0))                                 // timer_resolution
	buf.Write(u64(math.Float64bits(1.0)))              // timer_mul
	buf.Write(u16(uint16(len(name))))                  // capture_name_len
	buf.WriteString(name)
	if lz4 {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func zoneBeginBytes(tid uint64, srcLoc uint64, tscTime int64) []byte {
	var buf bytes.Buffer
	buf.Write(u64(tid))
	buf.WriteByte(byte(proto.QueueZoneBegin))
	buf.Write(u64(uint64(tscTime)))
	buf.Write(u64(srcLoc))
	return buf.Bytes()
}

func zoneEndBytes(tid uint64, tscTime int64) []byte {
	var buf bytes.Buffer
	buf.Write(u64(tid))
	buf.WriteByte(byte(proto.QueueZoneEnd))
	buf.Write(u64(uint64(tscTime)))
	return buf.Bytes()
}

// TestRunReplay_UncompressedStream ingests a handshake followed by a single
// begin/end pair over an uncompressed in-memory stream, verifying the
// controller reaches Terminated with HasData set and the trace populated.
func TestRunReplay_UncompressedStream(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(buildHandshake("unit-test", false))
	stream.Write(zoneBeginBytes(7, 1, 100))
	stream.Write(zoneEndBytes(7, 200))

	trace := model.New("", 0, 0, 1.0)
	ctrl := New(trace, zap.NewNop())

	err := ctrl.RunReplay(context.Background(), &memSource{r: bytes.NewReader(stream.Bytes())})
	require.NoError(t, err)

	assert.Equal(t, Terminated, ctrl.State())
	assert.True(t, ctrl.HasData())
	assert.Equal(t, "unit-test", trace.CaptureName)

	trace.RLock()
	defer trace.RUnlock()
	require.Equal(t, 1, trace.ThreadCount())
	require.Len(t, trace.Thread(model.ThreadIdx(0)).Root, 1)
}

// TestRunReplay_EmptyStreamStillHasData covers spec §8's "Empty stream
// after handshake: ... has_data = true once handshake completes" boundary
// case: a stream with no records at all after the handshake must still
// report HasData, not only once the first record is dispatched.
func TestRunReplay_EmptyStreamStillHasData(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(buildHandshake("empty-capture", false))

	trace := model.New("", 0, 0, 1.0)
	ctrl := New(trace, zap.NewNop())

	err := ctrl.RunReplay(context.Background(), &memSource{r: bytes.NewReader(stream.Bytes())})
	require.NoError(t, err)

	assert.Equal(t, Terminated, ctrl.State())
	assert.True(t, ctrl.HasData())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Running", Running.String())
	assert.Equal(t, "Unknown", ConnState(99).String())
}

func TestMbpsRing_AveragesFilledSamples(t *testing.T) {
	var r mbpsRing
	assert.Equal(t, 0.0, r.Mbps())

	r.started = time.Now().Add(-mbpsWindow)
	r.addBytes(1000)
	assert.Greater(t, r.Mbps(), 0.0)
}
