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

package reconstruct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyapp69/tracy/internal/model"
)

func newTrace() *model.Trace {
	return model.New("test", 0, 0, 1.0)
}

func TestZoneBeginEnd_NestsUnderOpenStack(t *testing.T) {
	tr := newTrace()
	r := New()

	require.NoError(t, r.ZoneBegin(tr, 7, 1, 100))
	require.NoError(t, r.ZoneBegin(tr, 7, 2, 150))
	require.NoError(t, r.ZoneEnd(tr, 7, 200))
	require.NoError(t, r.ZoneEnd(tr, 7, 300))

	threadIdx := tr.NoticeThread(7)
	thread := tr.Thread(threadIdx)
	require.Len(t, thread.Root, 1)

	root := tr.Zone(thread.Root[0])
	assert.Equal(t, int64(100), root.Start)
	assert.Equal(t, int64(300), root.End)
	require.Len(t, root.Children, 1)
	assert.Equal(t, int64(150), tr.Zone(root.Children[0]).Start)
	assert.Equal(t, int64(200), tr.Zone(root.Children[0]).End)
}

// TestZoneBegin_NestsUnderCurrentlyOpenZone exercises Open Question 1's
// resolution: a Begin arriving while the first top-level zone is still open
// nests under it (the non-empty-stack branch) rather than starting a new
// root entry.
func TestZoneBegin_NestsUnderCurrentlyOpenZone(t *testing.T) {
	tr := newTrace()
	r := New()

	require.NoError(t, r.ZoneBegin(tr, 1, 1, 100))
	// a second "top-level" begin while zone 1 is still open must nest, not
	// fail and not create a second root entry.
	require.NoError(t, r.ZoneBegin(tr, 1, 2, 110))
	require.NoError(t, r.ZoneEnd(tr, 1, 120))
	require.NoError(t, r.ZoneEnd(tr, 1, 200))

	threadIdx := tr.NoticeThread(1)
	thread := tr.Thread(threadIdx)
	require.Len(t, thread.Root, 1)
	root := tr.Zone(thread.Root[0])
	require.Len(t, root.Children, 1)
	assert.Equal(t, int64(110), tr.Zone(root.Children[0]).Start)
	assert.Equal(t, int64(120), tr.Zone(root.Children[0]).End)
}

// TestOverlappingTopLevelWithNoOpenZone_IsFatal: a top-level Begin that
// starts before the previous (already-closed) top-level zone's start, with
// nothing open to nest under, is a protocol violation.
func TestOverlappingTopLevelWithNoOpenZone_IsFatal(t *testing.T) {
	tr := newTrace()
	r := New()

	require.NoError(t, r.ZoneBegin(tr, 1, 1, 100))
	require.NoError(t, r.ZoneEnd(tr, 1, 200))

	err := r.ZoneBegin(tr, 1, 2, 50)
	assert.Error(t, err)
}

// TestOverlappingTopLevelBetweenPrevStartAndEnd_IsFatal covers the case
// Open Question 1's original comparison against prev.Start missed: a begin
// strictly between the previous (closed) top-level zone's start and end,
// with nothing open to nest under, must still be rejected (spec §8
// invariant 1).
func TestOverlappingTopLevelBetweenPrevStartAndEnd_IsFatal(t *testing.T) {
	tr := newTrace()
	r := New()

	require.NoError(t, r.ZoneBegin(tr, 1, 1, 100))
	require.NoError(t, r.ZoneEnd(tr, 1, 200))

	err := r.ZoneBegin(tr, 1, 2, 150)
	assert.Error(t, err)
}

func TestZoneEnd_EmptyStackIsFatal(t *testing.T) {
	tr := newTrace()
	r := New()
	assert.Error(t, r.ZoneEnd(tr, 1, 100))
}

func TestZoneEnd_BeforeStartIsFatal(t *testing.T) {
	tr := newTrace()
	r := New()
	require.NoError(t, r.ZoneBegin(tr, 1, 1, 100))
	assert.Error(t, r.ZoneEnd(tr, 1, 50))
}

func TestInsertLockEvent_LateArrivalSortsIntoPlace(t *testing.T) {
	tr := newTrace()
	lm := tr.AnnounceLock(5, 0, 0)

	InsertLockEvent(tr, lm, 100, 1, model.LockWaitExclusive)
	InsertLockEvent(tr, lm, 300, 1, model.LockObtain)
	// late arrival: should be inserted between the two above, not appended.
	InsertLockEvent(tr, lm, 200, 2, model.LockWaitExclusive)

	require.Len(t, lm.Events, 3)
	var times []int64
	for _, idx := range lm.Events {
		times = append(times, tr.LockEvent(idx).Time)
	}
	assert.Equal(t, []int64{100, 200, 300}, times)
}

func TestGpuTimeline_CalibrationOffsetApplied(t *testing.T) {
	tr := newTrace()
	r := New()
	ctx := tr.NewGpuContext(1.0)

	r.GpuResync(tr, ctx, 1000)
	r.GpuZoneBegin(tr, ctx, 1, 1, 10, 7)
	require.NoError(t, r.GpuTime(tr, ctx, 7, 100))
	require.NoError(t, r.GpuTime(tr, ctx, 7, 200))

	ev := tr.GpuEvent(tr.GpuContext(ctx).Timeline[0])
	assert.Equal(t, int64(1100), ev.GpuStart)
	assert.Equal(t, int64(1200), ev.GpuEnd)
}

func TestGpuTime_UnmatchedQueryIsFatal(t *testing.T) {
	tr := newTrace()
	r := New()
	ctx := tr.NewGpuContext(1.0)
	assert.Error(t, r.GpuTime(tr, ctx, 42, 100))
}
