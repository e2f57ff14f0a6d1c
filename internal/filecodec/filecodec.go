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

// Package filecodec reads and writes the versioned trace file format (spec
// §4.7, §6.2): a fixed magic and version triple followed by sections in a
// fixed order. Open/Create take a gofrs/flock lock for the duration of the
// operation, since this module owns file I/O end to end rather than
// delegating it to an external GUI layer.
package filecodec

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"

	"github.com/kyapp69/tracy/internal/model"
	"github.com/kyapp69/tracy/internal/proto"
	"github.com/kyapp69/tracy/internal/protoerr"
)

// magic is the fixed 5-byte signature identifying a trace dump (spec §6.2).
var magic = [5]byte{'T', 'R', 'A', 'C', 'Y'}

// Current format version written by Create. Readers accept any minor/patch
// for this major (spec §6.2 "minor/patch bumps are forward-compatible
// reads").
const (
	versionMajor uint8 = 1
	versionMinor uint8 = 0
	versionPatch uint8 = 0
)

// Open reads a trace file at path, taking a shared lock for the duration of
// the read (spec §4.7 additions).
func Open(path string) (*model.Trace, error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(bufio.NewReader(f))
}

// Create writes trace to path, taking an exclusive lock for the duration of
// the write. Atomic replacement (temp file + rename) is the caller's
// responsibility per spec §6.2 ("not part of the core").
func Create(path string, trace *model.Trace) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	writeErr := Write(w, trace)
	flushErr := w.Flush()
	closeErr := f.Close()
	return multierr.Combine(writeErr, flushErr, closeErr)
}

// Read parses a trace dump from r. An unrecognized magic yields
// ErrNotTracyDump; a major version this reader doesn't understand yields
// UnsupportedVersion (spec §6.2, §8 S6).
func Read(r io.Reader) (*model.Trace, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if [5]byte(hdr[0:5]) != magic {
		return nil, protoerr.ErrNotTracyDump
	}
	major := hdr[5]
	if major != versionMajor {
		return nil, &protoerr.UnsupportedVersion{Version: major}
	}

	dec := &decoder{r: r}
	return dec.readTrace()
}

// Write serializes trace in the fixed section order of spec §4.7.
func Write(w io.Writer, trace *model.Trace) error {
	enc := &encoder{w: w}
	if err := enc.writeHeader(); err != nil {
		return err
	}
	return enc.writeTrace(trace)
}

// --- encoder ---

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) writeHeader() error {
	var hdr [8]byte
	copy(hdr[0:5], magic[:])
	hdr[5], hdr[6], hdr[7] = versionMajor, versionMinor, versionPatch
	_, err := e.w.Write(hdr[:])
	return err
}

func (e *encoder) u8(v uint8) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write([]byte{v})
}

func (e *encoder) u32(v uint32) {
	if e.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, e.err = e.w.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	if e.err != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, e.err = e.w.Write(b[:])
}

func (e *encoder) i64(v int64) { e.u64(uint64(v)) }
func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) str(s string) {
	if e.err != nil {
		return
	}
	e.u32(uint32(len(s)))
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

func (e *encoder) writeTrace(t *model.Trace) error {
	t.RLock()
	defer t.RUnlock()

	e.str(t.CaptureName)
	e.i64(t.Delay)
	e.i64(t.Resolution)
	e.f64(t.TimerMul)
	e.u64(t.ZonesCnt)
	e.i64(t.LastTime)

	e.writeStrings(t)
	e.writeThreadNames(t)
	e.writeSourceLocations(t)
	e.writeFrames(t)
	e.writeLocks(t)
	e.writePlots(t)
	e.writeMessages(t)
	e.writeGpuContexts(t)
	e.writeThreads(t)

	return e.err
}

func (e *encoder) writeStrings(t *model.Trace) {
	strs := t.AllStrings()
	e.u32(uint32(len(strs)))
	for _, ptr := range sortedPtrs(strs) {
		e.u64(ptr)
		e.str(strs[ptr])
	}
}

func (e *encoder) writeThreadNames(t *model.Trace) {
	names := t.AllThreadStrings()
	e.u32(uint32(len(names)))
	for _, ptr := range sortedPtrs(names) {
		e.u64(ptr)
		e.str(names[ptr])
	}
}

// sortedPtrs returns a map's keys in ascending order, so writing a
// map-backed table produces the same bytes on every call (spec §8 S5
// "byte-level equality of a second write") despite Go's randomized map
// iteration order.
func sortedPtrs(m map[model.StringPtr]string) []model.StringPtr {
	out := make([]model.StringPtr, 0, len(m))
	for ptr := range m {
		out = append(out, ptr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *encoder) writeSourceLocations(t *model.Trace) {
	srcLocs := t.AllSourceLocations()
	e.u32(uint32(len(srcLocs)))
	for _, sl := range srcLocs {
		e.str(sl.Loc.Function)
		e.str(sl.Loc.File)
		e.u32(sl.Loc.Line)
		e.u32(sl.Loc.Color)
		e.u64(sl.Ptr)
	}
}

func (e *encoder) writeFrames(t *model.Trace) {
	e.u32(uint32(t.FrameCount()))
	for i := 0; i < t.FrameCount(); i++ {
		e.i64(t.Frames[i])
	}
}

func (e *encoder) writeLocks(t *model.Trace) {
	ids := make([]uint32, 0, len(t.Locks))
	for id := range t.Locks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	e.u32(uint32(len(t.Locks)))
	for _, id := range ids {
		lm := t.Locks[id]
		e.u32(lm.LockID)
		e.u8(uint8(lm.Type))
		e.u32(uint32(lm.SrcLoc))
		e.u32(uint32(len(lm.Threads)))
		for _, tid := range lm.Threads {
			e.u64(tid)
		}
		e.u32(uint32(len(lm.Events)))
		for _, idx := range lm.Events {
			ev := t.LockEvent(idx)
			e.i64(ev.Time)
			e.u8(ev.Thread)
			e.u8(uint8(ev.State))
		}
	}
}

func (e *encoder) writePlots(t *model.Trace) {
	e.u32(uint32(t.PlotCount()))
	for i := 0; i < t.PlotCount(); i++ {
		p := t.Plot(model.PlotIdx(i))
		e.str(p.Name)
		e.u32(uint32(len(p.Samples)))
		for _, s := range p.Samples {
			e.i64(s.Time)
			e.f64(s.Value)
		}
	}
}

func (e *encoder) writeMessages(t *model.Trace) {
	e.u32(uint32(t.MessageCount()))
	for i := 0; i < t.MessageCount(); i++ {
		m := t.Messages[i]
		e.i64(m.Time)
		e.u64(m.Thread)
		e.str(m.Text)
	}
}

func (e *encoder) writeGpuContexts(t *model.Trace) {
	e.u32(uint32(t.GpuCtxCount()))
	for i := 0; i < t.GpuCtxCount(); i++ {
		gc := t.GpuContext(model.GpuCtxIdx(i))
		e.f64(gc.Period)
		e.i64(gc.CalibOffset)
		e.writeGpuTimeline(t, gc.Timeline)
	}
}

func (e *encoder) writeGpuTimeline(t *model.Trace, timeline []model.Idx) {
	e.u32(uint32(len(timeline)))
	for _, idx := range timeline {
		ev := t.GpuEvent(idx)
		e.i64(ev.CpuStart)
		e.i64(ev.GpuStart)
		e.i64(ev.GpuEnd)
		e.u32(uint32(ev.SrcLoc))
		e.u32(uint32(ev.Thread))
	}
}

func (e *encoder) writeThreads(t *model.Trace) {
	e.u32(uint32(t.ThreadCount()))
	for i := 0; i < t.ThreadCount(); i++ {
		th := t.Thread(model.ThreadIdx(i))
		e.u64(th.ID)
		e.str(th.Name)
		e.writeZoneTimeline(t, th.Root)
	}
}

// writeZoneTimeline recurses over the zone tree below each thread root:
// every node's child list is length-prefixed (spec §4.7).
func (e *encoder) writeZoneTimeline(t *model.Trace, zones []model.Idx) {
	e.u32(uint32(len(zones)))
	for _, idx := range zones {
		z := t.Zone(idx)
		e.i64(z.Start)
		e.i64(z.End)
		e.u32(uint32(z.SrcLoc))
		e.str(z.Text)
		e.writeZoneTimeline(t, z.Children)
	}
}

// --- decoder ---

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	var b [1]byte
	_, d.err = io.ReadFull(d.r, b[:])
	return b[0]
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	_, d.err = io.ReadFull(d.r, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	var b [8]byte
	_, d.err = io.ReadFull(d.r, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) i64() int64    { return int64(d.u64()) }
func (d *decoder) f64() float64  { return math.Float64frombits(d.u64()) }

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	n := d.u32()
	if d.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	_, d.err = io.ReadFull(d.r, buf)
	return string(buf)
}

func (d *decoder) readTrace() (*model.Trace, error) {
	captureName := d.str()
	delay := d.i64()
	resolution := d.i64()
	timerMul := d.f64()

	t := model.New(captureName, delay, resolution, timerMul)
	t.ZonesCnt = d.u64()
	t.LastTime = d.i64()

	d.readStrings(t)
	d.readThreadNames(t)
	d.readSourceLocations(t)
	d.readFrames(t)
	d.readLocks(t)
	d.readPlots(t)
	d.readMessages(t)
	d.readGpuContexts(t)
	d.readThreads(t)

	if d.err != nil {
		return nil, d.err
	}
	return t, nil
}

func (d *decoder) readStrings(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		ptr := d.u64()
		s := d.str()
		t.AddString(ptr, s)
	}
}

func (d *decoder) readThreadNames(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		ptr := d.u64()
		s := d.str()
		t.AddThreadString(ptr, s)
	}
}

func (d *decoder) readSourceLocations(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		function := d.str()
		file := d.str()
		line := d.u32()
		color := d.u32()
		ptr := d.u64()
		t.AddSourceLocation(ptr, model.SourceLocation{Function: function, File: file, Line: line, Color: color})
		t.ShrinkSourceLocation(ptr)
	}
}

func (d *decoder) readFrames(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		t.AppendFrame(d.i64())
	}
}

func (d *decoder) readLocks(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		id := d.u32()
		typ := proto.LockType(d.u8())
		srcLoc := model.SrcLocIdx(d.u32())
		lm := t.AnnounceLock(id, srcLoc, typ)

		threadCount := d.u32()
		for j := uint32(0); j < threadCount && d.err == nil; j++ {
			lm.ThreadBit(d.u64())
		}

		eventCount := d.u32()
		for j := uint32(0); j < eventCount && d.err == nil; j++ {
			time := d.i64()
			thread := d.u8()
			state := model.LockEventState(d.u8())
			idx, ev := t.AllocLockEvent()
			ev.Time, ev.Thread, ev.State = time, thread, state
			lm.Events = append(lm.Events, idx)
		}
	}
}

func (d *decoder) readPlots(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		name := d.str()
		idx := t.PlotByName(name)
		p := t.Plot(idx)
		sampleCount := d.u32()
		for j := uint32(0); j < sampleCount && d.err == nil; j++ {
			time := d.i64()
			value := d.f64()
			p.Insert(time, value)
		}
	}
}

func (d *decoder) readMessages(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		time := d.i64()
		thread := d.u64()
		text := d.str()
		t.AppendMessage(time, thread, text)
	}
}

func (d *decoder) readGpuContexts(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		period := d.f64()
		calib := d.i64()
		ctx := t.NewGpuContext(period)
		t.GpuContext(ctx).CalibOffset = calib
		d.readGpuTimeline(t, ctx)
	}
}

func (d *decoder) readGpuTimeline(t *model.Trace, ctx model.GpuCtxIdx) {
	n := d.u32()
	gc := t.GpuContext(ctx)
	for i := uint32(0); i < n && d.err == nil; i++ {
		idx, ev := t.AllocGpuEvent()
		ev.CpuStart = d.i64()
		ev.GpuStart = d.i64()
		ev.GpuEnd = d.i64()
		ev.SrcLoc = model.SrcLocIdx(d.u32())
		ev.Thread = model.ThreadIdx(d.u32())
		gc.Timeline = append(gc.Timeline, idx)
	}
}

func (d *decoder) readThreads(t *model.Trace) {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		id := d.u64()
		name := d.str()
		idx := t.NoticeThread(id)
		t.SetThreadName(id, name)
		th := t.Thread(idx)
		th.Root = d.readZoneTimeline(t)
	}
}

// readZoneTimeline recurses over the zone tree below each thread root,
// mirroring writeZoneTimeline (spec §4.7).
func (d *decoder) readZoneTimeline(t *model.Trace) []model.Idx {
	n := d.u32()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]model.Idx, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		idx, z := t.AllocZone()
		z.Start = d.i64()
		z.End = d.i64()
		z.SrcLoc = model.SrcLocIdx(d.u32())
		z.Text = d.str()
		z.Children = d.readZoneTimeline(t)
		out[i] = idx
	}
	return out
}
