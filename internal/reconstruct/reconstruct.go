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

// Package reconstruct rebuilds per-thread zone trees, GPU timelines and
// lock timelines from the linear, unordered event stream the dispatcher
// hands it (spec §4.4, §4.5). It holds the transient stack/ring state the
// model package deliberately keeps out of its pure data records.
package reconstruct

import (
	"sort"

	"github.com/kyapp69/tracy/internal/model"
	"github.com/kyapp69/tracy/internal/protoerr"
)

// Reconstructor owns the open-zone stacks (one per thread) and GPU pending
// query rings used while replaying a single trace's event stream. It is not
// safe for concurrent use; the caller already serializes ingestion through
// Trace's write lock (spec §5).
type Reconstructor struct {
	stacks map[model.ThreadIdx][]model.Idx
	gpuRing map[model.GpuCtxIdx]map[uint16]model.Idx
}

// New returns a Reconstructor for a freshly created Trace.
func New() *Reconstructor {
	return &Reconstructor{
		stacks:  make(map[model.ThreadIdx][]model.Idx),
		gpuRing: make(map[model.GpuCtxIdx]map[uint16]model.Idx),
	}
}

// ZoneBegin pushes a new open ZoneEvent onto thread's stack, nesting it
// under the current top (or the thread's root timeline if nothing is
// open). Resolves Open Question 1 (spec §9): a Begin arriving while a zone
// is still open on the thread always nests under it, via the non-empty
// stack branch below — the stack can only be empty once every previously
// opened zone on the thread has already closed, so a new top-level Begin
// that starts before the previous (closed) top-level zone's end has
// nothing open left to nest under and is rejected as a protocol violation
// instead (spec §8 invariant 1: zone[i].end <= zone[i+1].start).
func (r *Reconstructor) ZoneBegin(t *model.Trace, tid uint64, srcLocPtr uint64, time int64) error {
	threadIdx := t.NoticeThread(tid)
	stack := r.stacks[threadIdx]

	zoneIdx, zone := t.AllocZone()
	zone.Start = time
	zone.End = model.ZoneSentinel
	zone.SrcLoc = t.ShrinkSourceLocation(srcLocPtr)

	thread := t.Thread(threadIdx)
	if len(stack) == 0 {
		if n := len(thread.Root); n > 0 {
			prev := t.Zone(thread.Root[n-1])
			if time < prev.End {
				return protoerr.NewViolation(
					"zone begin@%d overlaps previous top-level zone ending@%d on thread %d",
					time, prev.End, tid)
			}
		}
		thread.Root = append(thread.Root, zoneIdx)
	} else {
		parent := t.Zone(stack[len(stack)-1])
		parent.Children = append(parent.Children, zoneIdx)
	}

	r.stacks[threadIdx] = append(stack, zoneIdx)
	t.IncZoneCount()
	return nil
}

// ZoneEnd closes the top of tid's stack. A ZoneEnd on an empty stack, or
// with time before the zone's start, is a protocol violation (spec §4.4).
func (r *Reconstructor) ZoneEnd(t *model.Trace, tid uint64, time int64) error {
	threadIdx := t.NoticeThread(tid)
	stack := r.stacks[threadIdx]
	if len(stack) == 0 {
		return protoerr.NewViolation("zone end@%d on empty stack for thread %d", time, tid)
	}

	top := stack[len(stack)-1]
	zone := t.Zone(top)
	if time < zone.Start {
		return protoerr.NewViolation(
			"zone end@%d precedes zone start@%d for thread %d", time, zone.Start, tid)
	}
	zone.End = time
	t.TouchLastTime(time)

	r.stacks[threadIdx] = stack[:len(stack)-1]
	return nil
}

// ZoneText attaches text to the currently open zone on tid's stack.
func (r *Reconstructor) ZoneText(t *model.Trace, tid uint64, text string) error {
	threadIdx := t.NoticeThread(tid)
	stack := r.stacks[threadIdx]
	if len(stack) == 0 {
		return protoerr.NewViolation("zone text with no open zone on thread %d", tid)
	}
	t.Zone(stack[len(stack)-1]).Text = text
	return nil
}

// OpenDepth reports how many zones are currently open on tid (test/debug
// helper mirroring the stack-discipline invariant, spec §8 property 2).
func (r *Reconstructor) OpenDepth(t *model.Trace, tid uint64) int {
	threadIdx := t.NoticeThread(tid)
	return len(r.stacks[threadIdx])
}

// --- GPU timeline ---

// GpuZoneBegin records the CPU-side submission time for a GPU zone; the GPU
// begin/end times are filled independently by GpuTime (spec §4.4).
func (r *Reconstructor) GpuZoneBegin(t *model.Trace, ctx model.GpuCtxIdx, tid uint64, srcLocPtr uint64, cpuTime int64, queryID uint16) {
	idx, ev := t.AllocGpuEvent()
	ev.CpuStart = cpuTime
	ev.GpuStart = model.ZoneSentinel
	ev.GpuEnd = model.ZoneSentinel
	ev.SrcLoc = t.ShrinkSourceLocation(srcLocPtr)
	ev.Thread = t.NoticeThread(tid)

	gc := t.GpuContext(ctx)
	gc.Timeline = append(gc.Timeline, idx)

	ring, ok := r.gpuRing[ctx]
	if !ok {
		ring = make(map[uint16]model.Idx)
		r.gpuRing[ctx] = ring
	}
	ring[queryID] = idx
}

// GpuTime fills gpu_begin (if unset) or gpu_end for the query matching
// queryID, applying the context's calibration offset.
func (r *Reconstructor) GpuTime(t *model.Trace, ctx model.GpuCtxIdx, queryID uint16, gpuTime int64) error {
	ring, ok := r.gpuRing[ctx]
	if !ok {
		return protoerr.NewViolation("gpu time for unknown context %d", ctx)
	}
	idx, ok := ring[queryID]
	if !ok {
		return protoerr.NewViolation("gpu time for unmatched query id %d", queryID)
	}
	ev := t.GpuEvent(idx)
	gc := t.GpuContext(ctx)
	calibrated := gpuTime + gc.CalibOffset
	if ev.GpuStart == model.ZoneSentinel {
		ev.GpuStart = calibrated
		return nil
	}
	ev.GpuEnd = calibrated
	t.TouchLastTime(calibrated)
	delete(ring, queryID)
	return nil
}

// GpuResync updates the context's CPU/GPU clock calibration offset.
func (r *Reconstructor) GpuResync(t *model.Trace, ctx model.GpuCtxIdx, offset int64) {
	t.GpuContext(ctx).CalibOffset = offset
}

// --- Lock timeline ---

// InsertLockEvent inserts ev into lm's timeline in strict time order,
// binary-searching for the position of late arrivals (spec §4.5); an event
// whose time equals existing ones goes after them. Wait-before-Obtain
// ordering for the same (lock, thread) pair is not validated, here or in
// package dispatch.
func InsertLockEvent(t *model.Trace, lm *model.LockMap, time int64, tid uint64, state model.LockEventState) {
	idx, ev := t.AllocLockEvent()
	ev.Time = time
	ev.Thread = lm.ThreadBit(tid)
	ev.State = state

	n := len(lm.Events)
	pos := sort.Search(n, func(i int) bool { return t.LockEvent(lm.Events[i]).Time > time })
	lm.Events = append(lm.Events, model.NilIdx)
	copy(lm.Events[pos+1:], lm.Events[pos:n])
	lm.Events[pos] = idx

	t.TouchLastTime(time)
}

// --- Plots ---

// InsertPlotSample appends (time, value) to an already-resolved plot.
func InsertPlotSample(t *model.Trace, plotIdx model.PlotIdx, time int64, value float64) {
	t.Plot(plotIdx).Insert(time, value)
	t.TouchLastTime(time)
}
