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

package model

import (
	"sort"
	"sync"

	"github.com/kyapp69/tracy/internal/proto"
)

// Trace is the root of the reconstructed model (spec §3 "Trace" row). A
// single coarse sync.RWMutex protects every field below it; the ingestion
// goroutine holds the writer for the duration of one event's mutation and
// the query/UI side holds the reader for the duration of a frame's reads
// (spec §5). Accessors such as Zone and Thread return pointers that are
// only safe to use while the caller holds the lock; every cross-reference
// stored between entities is a stable Idx/ThreadIdx/... handle.
type Trace struct {
	mu sync.RWMutex

	CaptureName string
	Delay       int64
	Resolution  int64
	TimerMul    float64

	ZonesCnt uint64
	LastTime int64

	Threads  []Thread
	GpuCtxs  []GpuCtx
	Plots    []PlotData
	Messages []MessageData
	Frames   []int64
	Locks    map[uint32]*LockMap

	zones     Slab[ZoneEvent]
	gpuEvents Slab[GpuEvent]
	lockEv    Slab[LockEvent]

	strings    map[StringPtr]string
	threadStr  map[StringPtr]string
	srcLocs    map[StringPtr]SourceLocation
	srcShrink  map[StringPtr]SrcLocIdx
	srcExpand  []StringPtr
	threadByID map[uint64]ThreadIdx
}

// MissingString is returned by GetString for a pointer with no reply yet
// (spec §4.3, §8 property 4).
const MissingString = "???"

// New builds an empty Trace ready to receive events, as it would be right
// after handshake completion (spec §8 "Empty stream after handshake").
func New(captureName string, delay, resolution int64, timerMul float64) *Trace {
	return &Trace{
		CaptureName: captureName,
		Delay:       delay,
		Resolution:  resolution,
		TimerMul:    timerMul,
		Locks:       make(map[uint32]*LockMap),
		strings:     make(map[StringPtr]string),
		threadStr:   make(map[StringPtr]string),
		srcLocs:     make(map[StringPtr]SourceLocation),
		srcShrink:   make(map[StringPtr]SrcLocIdx),
		threadByID:  make(map[uint64]ThreadIdx),
	}
}

// ReplaceWith overwrites t's contents with other's, field by field, for a
// watched trace file replacing an already-constructed Trace (spec §4.6
// "auto-replay"). Callers hold t's write lock; other must not be shared
// afterward. This never copies the mutex itself, unlike a bare struct
// assignment.
func (t *Trace) ReplaceWith(other *Trace) {
	t.CaptureName = other.CaptureName
	t.Delay = other.Delay
	t.Resolution = other.Resolution
	t.TimerMul = other.TimerMul
	t.ZonesCnt = other.ZonesCnt
	t.LastTime = other.LastTime
	t.Threads = other.Threads
	t.GpuCtxs = other.GpuCtxs
	t.Plots = other.Plots
	t.Messages = other.Messages
	t.Frames = other.Frames
	t.Locks = other.Locks
	t.zones = other.zones
	t.gpuEvents = other.gpuEvents
	t.lockEv = other.lockEv
	t.strings = other.strings
	t.threadStr = other.threadStr
	t.srcLocs = other.srcLocs
	t.srcShrink = other.srcShrink
	t.srcExpand = other.srcExpand
	t.threadByID = other.threadByID
}

// Lock/Unlock/RLock/RUnlock expose the coarse lock directly: the ingestion
// goroutine wraps each event's mutation in Lock/Unlock, the query side
// wraps a frame's reads in RLock/RUnlock (spec §5).
func (t *Trace) Lock()    { t.mu.Lock() }
func (t *Trace) Unlock()  { t.mu.Unlock() }
func (t *Trace) RLock()   { t.mu.RLock() }
func (t *Trace) RUnlock() { t.mu.RUnlock() }

// TscTime converts a raw client TSC timestamp to nanoseconds (spec §4.4).
func (t *Trace) TscTime(tsc int64) int64 { return int64(float64(tsc) * t.TimerMul) }

// touchLastTime keeps last_time equal to the maximum end time observed
// across any timeline (spec §3 invariant).
func (t *Trace) touchLastTime(end int64) {
	if end > t.LastTime {
		t.LastTime = end
	}
}

// --- Threads ---

// NoticeThread returns the existing ThreadIdx for tid, creating one on
// first sight (spec §4.4: "created on first sight of a thread-id").
func (t *Trace) NoticeThread(tid uint64) ThreadIdx {
	if idx, ok := t.threadByID[tid]; ok {
		return idx
	}
	idx := ThreadIdx(len(t.Threads))
	t.Threads = append(t.Threads, Thread{ID: tid})
	t.threadByID[tid] = idx
	return idx
}

func (t *Trace) Thread(idx ThreadIdx) *Thread { return &t.Threads[idx] }

func (t *Trace) SetThreadName(tid uint64, name string) {
	if idx, ok := t.threadByID[tid]; ok {
		t.Threads[idx].Name = name
	}
}

// --- Zone slab access (used by package reconstruct) ---

func (t *Trace) AllocZone() (Idx, *ZoneEvent) { return t.zones.Alloc() }
func (t *Trace) Zone(idx Idx) *ZoneEvent      { return t.zones.Get(idx) }
func (t *Trace) IncZoneCount()                { t.ZonesCnt++ }
func (t *Trace) TouchLastTime(end int64)      { t.touchLastTime(end) }

func (t *Trace) AllocGpuEvent() (Idx, *GpuEvent) { return t.gpuEvents.Alloc() }
func (t *Trace) GpuEvent(idx Idx) *GpuEvent      { return t.gpuEvents.Get(idx) }

func (t *Trace) AllocLockEvent() (Idx, *LockEvent) { return t.lockEv.Alloc() }
func (t *Trace) LockEvent(idx Idx) *LockEvent      { return t.lockEv.Get(idx) }

// --- GPU contexts ---

func (t *Trace) NewGpuContext(period float64) GpuCtxIdx {
	idx := GpuCtxIdx(len(t.GpuCtxs))
	t.GpuCtxs = append(t.GpuCtxs, GpuCtx{Period: period})
	return idx
}

func (t *Trace) GpuContext(idx GpuCtxIdx) *GpuCtx { return &t.GpuCtxs[idx] }

// --- Locks ---

func (t *Trace) AnnounceLock(id uint32, srcLoc SrcLocIdx, typ proto.LockType) *LockMap {
	lm := &LockMap{LockID: id, Type: typ, SrcLoc: srcLoc}
	t.Locks[id] = lm
	return lm
}

func (t *Trace) FindLock(id uint32) (*LockMap, bool) {
	lm, ok := t.Locks[id]
	return lm, ok
}

// --- Plots ---

// PlotByName finds or creates a plot. Spec §4.5: samples arriving before
// the plot's name resolves are parked elsewhere (package dispatch); once
// the name is known this always returns the same PlotIdx for it.
func (t *Trace) PlotByName(name string) PlotIdx {
	for i := range t.Plots {
		if t.Plots[i].Name == name {
			return PlotIdx(i)
		}
	}
	idx := PlotIdx(len(t.Plots))
	t.Plots = append(t.Plots, PlotData{Name: name})
	return idx
}

func (t *Trace) Plot(idx PlotIdx) *PlotData { return &t.Plots[idx] }

// --- Messages ---

func (t *Trace) AppendMessage(time int64, thread uint64, text string) {
	t.Messages = append(t.Messages, MessageData{Time: time, Thread: thread, Text: text})
	t.touchLastTime(time)
}

// --- Frames ---

func (t *Trace) AppendFrame(time int64) {
	t.Frames = append(t.Frames, time)
	t.touchLastTime(time)
}

// GetFrameTime returns frames[idx+1]-frames[idx], or false when idx has no
// following mark (spec §4.5 "the last frame has no duration until the
// next mark").
func (t *Trace) GetFrameTime(idx int) (int64, bool) {
	if idx < 0 || idx+1 >= len(t.Frames) {
		return 0, false
	}
	return t.Frames[idx+1] - t.Frames[idx], true
}

// GetFrameRange returns the binary-searched [i0, i1) frame index pair
// covering [t0, t1) (spec §4.5).
func (t *Trace) GetFrameRange(t0, t1 int64) (int, int) {
	i0 := sort.Search(len(t.Frames), func(i int) bool { return t.Frames[i] >= t0 })
	i1 := sort.Search(len(t.Frames), func(i int) bool { return t.Frames[i] >= t1 })
	return i0, i1
}

// --- Strings & source locations ---

func (t *Trace) HasString(ptr StringPtr) bool      { _, ok := t.strings[ptr]; return ok }
func (t *Trace) AddString(ptr StringPtr, s string) { t.strings[ptr] = s }

// GetString returns the interned string for ptr, or the sentinel "???" if
// no reply has arrived yet (spec §4.3, §6.3, §8 property 4).
func (t *Trace) GetString(ptr StringPtr) string {
	if s, ok := t.strings[ptr]; ok {
		return s
	}
	return MissingString
}

func (t *Trace) AddThreadString(ptr StringPtr, s string) { t.threadStr[ptr] = s }
func (t *Trace) GetThreadString(ptr StringPtr) string {
	if s, ok := t.threadStr[ptr]; ok {
		return s
	}
	return MissingString
}

func (t *Trace) HasSourceLocation(ptr StringPtr) bool {
	_, ok := t.srcLocs[ptr]
	return ok
}

func (t *Trace) AddSourceLocation(ptr StringPtr, sl SourceLocation) {
	t.srcLocs[ptr] = sl
}

// ShrinkSourceLocation maps a full client pointer to a dense 32-bit id,
// assigning a new one on first reference (spec §4.3 "Source-location
// shrinking").
func (t *Trace) ShrinkSourceLocation(ptr StringPtr) SrcLocIdx {
	if idx, ok := t.srcShrink[ptr]; ok {
		return idx
	}
	idx := SrcLocIdx(len(t.srcExpand))
	t.srcExpand = append(t.srcExpand, ptr)
	t.srcShrink[ptr] = idx
	return idx
}

// GetSourceLocation resolves a shrunk id back to its full record. If the
// pointer's SourceLocation reply has not yet arrived, a zero-value
// placeholder (empty function/file) is returned — callers project it
// through GetString-style "???" semantics at render time.
func (t *Trace) GetSourceLocation(idx SrcLocIdx) SourceLocation {
	if int(idx) >= len(t.srcExpand) {
		return SourceLocation{}
	}
	ptr := t.srcExpand[idx]
	return t.srcLocs[ptr]
}

// AllStrings returns the full string-pointer table, for the file codec to
// serialize whole (spec §4.7).
func (t *Trace) AllStrings() map[StringPtr]string { return t.strings }

// AllThreadStrings returns the full thread-name pointer table, for the file
// codec to serialize whole (spec §4.7).
func (t *Trace) AllThreadStrings() map[StringPtr]string { return t.threadStr }

// SourceLocationEntry pairs a client pointer with its resolved record, in
// shrunk-id order.
type SourceLocationEntry struct {
	Ptr StringPtr
	Loc SourceLocation
}

// AllSourceLocations returns every shrunk source location in dense-id order
// (spec §4.7).
func (t *Trace) AllSourceLocations() []SourceLocationEntry {
	out := make([]SourceLocationEntry, len(t.srcExpand))
	for i, ptr := range t.srcExpand {
		out[i] = SourceLocationEntry{Ptr: ptr, Loc: t.srcLocs[ptr]}
	}
	return out
}

// --- Query-side iterators (spec §6.3) ---

func (t *Trace) FrameCount() int       { return len(t.Frames) }
func (t *Trace) ThreadCount() int      { return len(t.Threads) }
func (t *Trace) GpuCtxCount() int      { return len(t.GpuCtxs) }
func (t *Trace) PlotCount() int        { return len(t.Plots) }
func (t *Trace) MessageCount() int     { return len(t.Messages) }

// GetZoneEnd returns z.End if set; otherwise, for a zone still open when
// the capture ended, the start of its next sibling, or else parentEnd —
// the caller-supplied effective end of the enclosing zone, or the thread's
// last_time at the root — per spec §6.3 "returns start-of-next-sibling or
// parent-end if still open" and §8 "Abrupt disconnect mid-zone". Callers
// walking the zone tree pass down each level's own (possibly also
// fallback-resolved) effective end as parentEnd for its children.
func (t *Trace) GetZoneEnd(siblings []Idx, pos int, z *ZoneEvent, parentEnd int64) int64 {
	if z.End != ZoneSentinel {
		return z.End
	}
	if pos+1 < len(siblings) {
		return t.Zone(siblings[pos+1]).Start
	}
	return parentEnd
}
