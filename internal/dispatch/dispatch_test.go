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
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyapp69/tracy/internal/intern"
	"github.com/kyapp69/tracy/internal/model"
	"github.com/kyapp69/tracy/internal/proto"
)

func newTestDecoder() (*Decoder, *model.Trace) {
	tr := model.New("test", 0, 0, 1.0)
	tracker := intern.NewTracker(16)
	return New(tr, tracker, zap.NewNop()), tr
}

func putHeader(buf []byte, id uint64, typ proto.QueueType) {
	binary.LittleEndian.PutUint64(buf[0:8], id)
	buf[8] = byte(typ)
}

func zoneBeginRecord(tid uint64, srcLoc uint64, tscTime int64) []byte {
	rec := make([]byte, proto.HeaderSize+16)
	putHeader(rec, tid, proto.QueueZoneBegin)
	binary.LittleEndian.PutUint64(rec[9:17], uint64(tscTime))
	binary.LittleEndian.PutUint64(rec[17:25], srcLoc)
	return rec
}

func zoneEndRecord(tid uint64, tscTime int64) []byte {
	rec := make([]byte, proto.HeaderSize+8)
	putHeader(rec, tid, proto.QueueZoneEnd)
	binary.LittleEndian.PutUint64(rec[9:17], uint64(tscTime))
	return rec
}

// TestNestedZones_S1 mirrors spec §8 S1: thread 7 gets two nested begins and
// two ends producing one root zone [100,300] with one child [150,200].
func TestNestedZones_S1(t *testing.T) {
	d, tr := newTestDecoder()

	var frame []byte
	frame = append(frame, zoneBeginRecord(7, 1, 100)...)
	frame = append(frame, zoneBeginRecord(7, 2, 150)...)
	frame = append(frame, zoneEndRecord(7, 200)...)
	frame = append(frame, zoneEndRecord(7, 300)...)

	require.NoError(t, d.DispatchFrame(frame))

	tr.RLock()
	defer tr.RUnlock()

	threadIdx, ok := func() (model.ThreadIdx, bool) {
		for i := 0; i < tr.ThreadCount(); i++ {
			if tr.Thread(model.ThreadIdx(i)).ID == 7 {
				return model.ThreadIdx(i), true
			}
		}
		return 0, false
	}()
	require.True(t, ok)

	thread := tr.Thread(threadIdx)
	require.Len(t, thread.Root, 1)

	root := tr.Zone(thread.Root[0])
	assert.Equal(t, int64(100), root.Start)
	assert.Equal(t, int64(300), root.End)
	require.Len(t, root.Children, 1)

	child := tr.Zone(root.Children[0])
	assert.Equal(t, int64(150), child.Start)
	assert.Equal(t, int64(200), child.End)

	assert.Equal(t, uint64(2), tr.ZonesCnt)
	assert.Equal(t, int64(300), tr.LastTime)
}

// TestLateSourceLocationResolution_S2 mirrors spec §8 S2: a zone references
// an unresolved source-location pointer; until the reply arrives, its shrunk
// id resolves to an empty placeholder record, and exactly one query is
// requested.
func TestLateSourceLocationResolution_S2(t *testing.T) {
	d, tr := newTestDecoder()

	require.NoError(t, d.DispatchFrame(zoneBeginRecord(1, 0xAA, 10)))

	tr.RLock()
	assert.False(t, tr.HasSourceLocation(0xAA))
	loc := tr.GetSourceLocation(0) // first shrunk id
	assert.Equal(t, "", loc.Function)
	tr.RUnlock()

	assert.True(t, d.tracker.IsPending(0xAA))
	// requesting again while still pending must not enqueue a duplicate
	assert.False(t, d.tracker.Request(proto.QuerySourceLocation, 0xAA))

	tr.Lock()
	tr.AddSourceLocation(0xAA, model.SourceLocation{File: "f.c", Function: "foo", Line: 42})
	tr.Unlock()
	d.tracker.Resolve(0xAA)

	tr.RLock()
	defer tr.RUnlock()
	loc = tr.GetSourceLocation(0)
	assert.Equal(t, "f.c", loc.File)
	assert.Equal(t, "foo", loc.Function)
	assert.Equal(t, uint32(42), loc.Line)
}

func lockAnnounceRecord(lockID uint32, srcLoc uint32, time int64, typ proto.LockType) []byte {
	rec := make([]byte, proto.HeaderSize+13)
	putHeader(rec, uint64(lockID), proto.QueueLockAnnounce)
	binary.LittleEndian.PutUint64(rec[9:17], uint64(time))
	binary.LittleEndian.PutUint32(rec[17:21], srcLoc)
	rec[21] = byte(typ)
	return rec
}

func lockEventRecord(typ proto.QueueType, lockID uint32, tid uint64, time int64) []byte {
	rec := make([]byte, proto.HeaderSize+16)
	putHeader(rec, uint64(lockID), typ)
	binary.LittleEndian.PutUint64(rec[9:17], uint64(time))
	binary.LittleEndian.PutUint64(rec[17:25], tid)
	return rec
}

// TestLockWaitObtain_S3 mirrors spec §8 S3: lock 5's timeline ends up
// exactly as the five wait/obtain/release events, in order, with
// participants {1,2}.
func TestLockWaitObtain_S3(t *testing.T) {
	d, _ := newTestDecoder()

	var frame []byte
	frame = append(frame, lockAnnounceRecord(5, 0, 0, proto.LockExclusive)...)
	frame = append(frame, lockEventRecord(proto.QueueLockWait, 5, 1, 100)...)
	frame = append(frame, lockEventRecord(proto.QueueLockWait, 5, 2, 110)...)
	frame = append(frame, lockEventRecord(proto.QueueLockObtain, 5, 1, 120)...)
	frame = append(frame, lockEventRecord(proto.QueueLockRelease, 5, 1, 200)...)
	frame = append(frame, lockEventRecord(proto.QueueLockObtain, 5, 2, 201)...)

	require.NoError(t, d.DispatchFrame(frame))

	d.trace.RLock()
	defer d.trace.RUnlock()

	lm, ok := d.trace.FindLock(5)
	require.True(t, ok)
	require.Len(t, lm.Events, 5)

	wantTimes := []int64{100, 110, 120, 200, 201}
	wantStates := []model.LockEventState{
		model.LockWaitExclusive, model.LockWaitExclusive,
		model.LockObtain, model.LockRelease, model.LockObtain,
	}
	for i, idx := range lm.Events {
		ev := d.trace.LockEvent(idx)
		assert.Equal(t, wantTimes[i], ev.Time, "event %d time", i)
		assert.Equal(t, wantStates[i], ev.State, "event %d state", i)
	}
	assert.ElementsMatch(t, []uint64{1, 2}, lm.Threads)
}

func plotRecord(namePtr uint64, time int64, value float64) []byte {
	rec := make([]byte, proto.HeaderSize+16)
	putHeader(rec, namePtr, proto.QueuePlotData)
	binary.LittleEndian.PutUint64(rec[9:17], uint64(time))
	binary.LittleEndian.PutUint64(rec[17:25], math.Float64bits(value))
	return rec
}

func stringDataRecord(ptr uint64, s string) []byte {
	rec := make([]byte, proto.HeaderSize+2+len(s))
	putHeader(rec, ptr, proto.QueueStringData)
	binary.LittleEndian.PutUint16(rec[9:11], uint16(len(s)))
	copy(rec[11:], s)
	return rec
}

// TestPlotLateName_S4 mirrors spec §8 S4: two samples arrive referencing an
// unresolved name pointer; once the name resolves, both are visible under
// the resolved plot with correct min/max.
func TestPlotLateName_S4(t *testing.T) {
	d, tr := newTestDecoder()

	var frame []byte
	frame = append(frame, plotRecord(0xBB, 50, 1.0)...)
	frame = append(frame, plotRecord(0xBB, 60, 2.0)...)
	frame = append(frame, stringDataRecord(0xBB, "fps")...)

	require.NoError(t, d.DispatchFrame(frame))

	tr.RLock()
	defer tr.RUnlock()

	idx := tr.PlotByName("fps")
	plot := tr.Plot(idx)
	require.Len(t, plot.Samples, 2)
	assert.Equal(t, int64(50), plot.Samples[0].Time)
	assert.Equal(t, 1.0, plot.Samples[0].Value)
	assert.Equal(t, int64(60), plot.Samples[1].Time)
	assert.Equal(t, 2.0, plot.Samples[1].Value)
	assert.Equal(t, 1.0, plot.Min)
	assert.Equal(t, 2.0, plot.Max)
}

// TestUnannouncedLock is a protocol-violation edge case: a wait/obtain for a
// lock id that was never announced must fail fast rather than silently
// create one.
func TestUnannouncedLock(t *testing.T) {
	d, _ := newTestDecoder()
	err := d.DispatchFrame(lockEventRecord(proto.QueueLockWait, 99, 1, 10))
	assert.Error(t, err)
}

// TestZoneEndEmptyStack is a protocol-violation edge case: an End with no
// matching Begin on that thread must fail fast.
func TestZoneEndEmptyStack(t *testing.T) {
	d, _ := newTestDecoder()
	err := d.DispatchFrame(zoneEndRecord(42, 100))
	assert.Error(t, err)
}
