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

import "github.com/kyapp69/tracy/internal/proto"

// ZoneSentinel marks an open (not-yet-ended) zone or GPU event, per spec §3
// ("end = sentinel while open").
const ZoneSentinel int64 = -1

// ThreadIdx, GpuCtxIdx, ... are stable 32-bit handles into Trace's
// top-level vectors (spec §9: "cross-references between entities use
// indices, never back-pointers").
type (
	ThreadIdx uint32
	GpuCtxIdx uint32
	PlotIdx   uint32
	SrcLocIdx uint32
	StringPtr = uint64 // client pointer identity, not a Go pointer
)

// ZoneEvent is a scoped interval on a thread (spec §3). Start/End are
// nanoseconds post TSC→ns conversion. Children are indices into the
// ZoneEvent slab, appended in arrival order (which, within a thread, is
// also time order per the ingestion invariant).
type ZoneEvent struct {
	Start    int64
	End      int64
	SrcLoc   SrcLocIdx
	Text     string // "" if none; ZoneText sets this after ZoneBegin
	Children []Idx
}

func (z *ZoneEvent) IsOpen() bool { return z.End == ZoneSentinel }

// Thread is a single instrumented thread of the traced process. The
// open-zone reconstruction stack is transient ingestion state and lives in
// package reconstruct, not here, so the model stays a pure data record.
type Thread struct {
	ID   uint64
	Name string // "" until a ThreadName reply resolves it
	Root []Idx  // top-level zones, in start-time order
}

// GpuEvent mirrors ZoneEvent but on a GPU context's timeline; GPU times are
// filled independently of CPU submission time (spec §4.4).
type GpuEvent struct {
	CpuStart int64
	GpuStart int64
	GpuEnd   int64
	SrcLoc   SrcLocIdx
	Thread   ThreadIdx
}

// GpuCtx is a logical GPU submission queue with its own clock (spec §3).
// The ring of pending (begun-but-not-timed) queries is reconstruction-only
// state and lives in package reconstruct.
type GpuCtx struct {
	Period      float64
	CalibOffset int64
	Timeline    []Idx
}

// LockEvent is a single point on a lock's timeline (spec §3, Glossary).
type LockEventState uint8

const (
	LockWaitShared LockEventState = iota
	LockWaitExclusive
	LockObtain
	LockRelease
	LockMark
)

type LockEvent struct {
	Time   int64
	Thread uint8 // dense bit index into LockMap.Threads, not the raw thread id
	State  LockEventState
}

// LockMap is the timeline and metadata for one announced lock (spec §3).
type LockMap struct {
	LockID  uint32
	Type    proto.LockType
	SrcLoc  SrcLocIdx
	Threads []uint64 // participating thread ids; position is the bit index
	Events  []Idx    // time-sorted LockEvent handles
}

// ThreadBit returns the dense bit index for thread id tid, registering it
// if not already present.
func (l *LockMap) ThreadBit(tid uint64) uint8 {
	for i, t := range l.Threads {
		if t == tid {
			return uint8(i)
		}
	}
	l.Threads = append(l.Threads, tid)
	return uint8(len(l.Threads) - 1)
}

// PlotSample is one (time, value) point of a Plot's series.
type PlotSample struct {
	Time  int64
	Value float64
}

// PlotData is a named time series (spec §3, §4.5).
type PlotData struct {
	Name    string
	Samples []PlotSample
	Min     float64
	Max     float64
}

// Insert adds a sample in its correct sorted position (late arrivals are
// placed by scanning back from the tail) and updates Min/Max.
func (p *PlotData) Insert(t int64, v float64) {
	i := len(p.Samples)
	for i > 0 && p.Samples[i-1].Time > t {
		i--
	}
	p.Samples = append(p.Samples, PlotSample{})
	copy(p.Samples[i+1:], p.Samples[i:])
	p.Samples[i] = PlotSample{Time: t, Value: v}

	if len(p.Samples) == 1 {
		p.Min, p.Max = v, v
	} else {
		if v < p.Min {
			p.Min = v
		}
		if v > p.Max {
			p.Max = v
		}
	}
}

// MessageData is a free-form, time-ordered log entry (spec §3).
type MessageData struct {
	Time   int64
	Thread uint64
	Text   string
}

// SourceLocation identifies a program point (spec §3, Glossary).
type SourceLocation struct {
	Function string
	File     string
	Line     uint32
	Color    uint32
}
