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

// Package dispatch decodes the fixed per-record header and type-keyed
// payload off the wire and routes each record to the model/reconstruct
// packages (spec §4.2). A single Decoder is built once per connection and
// fed records from either an LZ4-decompressed frame buffer or, for an
// uncompressed stream, directly off the socket.
package dispatch

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/kyapp69/tracy/internal/intern"
	"github.com/kyapp69/tracy/internal/model"
	"github.com/kyapp69/tracy/internal/proto"
	"github.com/kyapp69/tracy/internal/protoerr"
	"github.com/kyapp69/tracy/internal/reconstruct"
	"github.com/kyapp69/tracy/internal/wire"
)

// pendingPlotSample is a plot point that arrived before its name pointer
// resolved (spec §4.5 "Plot late-name-resolution via pending queues").
type pendingPlotSample struct {
	time  int64
	value float64
}

// Decoder owns the mutable ingestion-time state for a single connection:
// the trace being built, the reconstruction bookkeeping, the in-flight
// query tracker and a small amount of protocol-local bridging state (GPU
// context id remapping, plot samples awaiting their name string).
type Decoder struct {
	trace   *model.Trace
	recon   *reconstruct.Reconstructor
	tracker *intern.Tracker
	log     *zap.Logger

	gpuCtxByWire map[uint8]model.GpuCtxIdx
	pendingPlot  map[uint64][]pendingPlotSample
}

// New builds a Decoder writing into trace, using tracker to request
// unresolved strings/source locations from the client.
func New(trace *model.Trace, tracker *intern.Tracker, log *zap.Logger) *Decoder {
	return &Decoder{
		trace:        trace,
		recon:        reconstruct.New(),
		tracker:      tracker,
		log:          log,
		gpuCtxByWire: make(map[uint8]model.GpuCtxIdx),
		pendingPlot:  make(map[uint64][]pendingPlotSample),
	}
}

// DispatchFrame decodes every record in an already-decompressed LZ4 frame.
// Trailer bytes for variable-length records are read from the same buffer
// (spec §9 Open Question 2, compressed path).
func (d *Decoder) DispatchFrame(frame []byte) error {
	bs := &bufferSource{buf: frame}
	for bs.pos < len(bs.buf) {
		if err := d.dispatchOne(bs); err != nil {
			return err
		}
	}
	return nil
}

// DispatchDirect decodes one record straight off src, for an uncompressed
// connection. A record's trailer, if any, is read as an independent socket
// read (spec §9 Open Question 2, uncompressed path — matches
// TracyView.cpp's no-LZ4 DispatchProcess overload).
func (d *Decoder) DispatchDirect(src wire.RecordSource, shouldExit func() bool) error {
	return d.dispatchOne(newSocketSource(src, shouldExit))
}

// dispatchOne decodes a single record. A clean close observed at the start
// of a record (nothing read yet) is the normal end of a stream and is
// reported as io.EOF; a close observed after a record has already begun is
// a mid-record truncation and is reported as a protocol violation (spec §7
// "Connection closed" vs. a malformed stream).
func (d *Decoder) dispatchOne(bs byteSource) error {
	hdrBuf, err := bs.next(proto.HeaderSize)
	if err != nil {
		if errors.Is(err, errConnectionClosed) {
			return io.EOF
		}
		return err
	}
	hdr := proto.Header{
		ID:   binary.LittleEndian.Uint64(hdrBuf[0:8]),
		Type: proto.QueueType(hdrBuf[8]),
	}

	size, ok := proto.PayloadSize(hdr.Type)
	if !ok {
		return protoerr.NewViolation("unknown wire type %d", hdr.Type)
	}

	var payload []byte
	if size > 0 {
		payload, err = bs.next(size)
		if err != nil {
			return midRecordErr(err, hdr.Type)
		}
	}

	var trailer []byte
	if hdr.Type.HasTrailer() {
		lenBuf, err := bs.next(2)
		if err != nil {
			return midRecordErr(err, hdr.Type)
		}
		trailerLen := int(binary.LittleEndian.Uint16(lenBuf))
		if trailerLen > 0 {
			trailer, err = bs.next(trailerLen)
			if err != nil {
				return midRecordErr(err, hdr.Type)
			}
		}
	}

	return d.apply(hdr, payload, trailer)
}

func midRecordErr(err error, typ proto.QueueType) error {
	if errors.Is(err, errConnectionClosed) {
		return protoerr.NewViolation("connection closed mid-record (type %s)", typ)
	}
	return err
}

func (d *Decoder) apply(hdr proto.Header, payload, trailer []byte) error {
	d.trace.Lock()
	defer d.trace.Unlock()

	switch hdr.Type {
	case proto.QueueZoneBegin, proto.QueueZoneBeginAllocSrcLoc:
		return d.zoneBegin(hdr, payload)
	case proto.QueueZoneEnd:
		return d.zoneEnd(hdr, payload)
	case proto.QueueZoneText:
		return d.recon.ZoneText(d.trace, hdr.ID, string(trailer))
	case proto.QueueFrameMark:
		d.trace.AppendFrame(d.trace.TscTime(int64(binary.LittleEndian.Uint64(payload))))
		return nil
	case proto.QueueLockAnnounce:
		return d.lockAnnounce(hdr, payload)
	case proto.QueueLockWait, proto.QueueLockSharedWait:
		return d.lockEvent(hdr, payload, lockWaitState(hdr.Type))
	case proto.QueueLockObtain, proto.QueueLockSharedObtain:
		return d.lockEvent(hdr, payload, model.LockObtain)
	case proto.QueueLockRelease, proto.QueueLockSharedRelease:
		return d.lockEvent(hdr, payload, model.LockRelease)
	case proto.QueueLockMark:
		return d.lockEvent(hdr, payload, model.LockMark)
	case proto.QueuePlotData:
		return d.plotData(hdr, payload)
	case proto.QueueMessage:
		return d.message(hdr, payload)
	case proto.QueueMessageLiteral:
		return d.messageLiteral(hdr, payload, string(trailer))
	case proto.QueueGpuNewContext:
		return d.gpuNewContext(hdr, payload)
	case proto.QueueGpuZoneBegin:
		return d.gpuZoneBegin(hdr, payload)
	case proto.QueueGpuZoneEnd, proto.QueueGpuTime:
		return d.gpuTime(hdr, payload)
	case proto.QueueGpuResync:
		return d.gpuResync(hdr, payload)
	case proto.QueueStringData:
		return d.stringData(hdr, trailer)
	case proto.QueueThreadName:
		return d.threadName(hdr, trailer)
	case proto.QueueSourceLocation:
		return d.sourceLocation(hdr, payload)
	case proto.QueueSourceLocationPayload:
		return d.sourceLocationPayload(hdr, trailer)
	default:
		return protoerr.NewViolation("unhandled wire type %s", hdr.Type)
	}
}

func lockWaitState(t proto.QueueType) model.LockEventState {
	if t == proto.QueueLockSharedWait {
		return model.LockWaitShared
	}
	return model.LockWaitExclusive
}

func (d *Decoder) zoneBegin(hdr proto.Header, payload []byte) error {
	time := d.trace.TscTime(int64(binary.LittleEndian.Uint64(payload[0:8])))
	srcLocPtr := binary.LittleEndian.Uint64(payload[8:16])
	d.requestSourceLocation(srcLocPtr)
	return d.recon.ZoneBegin(d.trace, hdr.ID, srcLocPtr, time)
}

// requestSourceLocation asks the client to resolve ptr the first time it's
// referenced, so it renders as more than the "???" sentinel once the reply
// arrives (spec §4.3).
func (d *Decoder) requestSourceLocation(ptr uint64) {
	if !d.trace.HasSourceLocation(ptr) {
		d.tracker.Request(proto.QuerySourceLocation, ptr)
	}
}

func (d *Decoder) zoneEnd(hdr proto.Header, payload []byte) error {
	time := d.trace.TscTime(int64(binary.LittleEndian.Uint64(payload[0:8])))
	return d.recon.ZoneEnd(d.trace, hdr.ID, time)
}

func (d *Decoder) lockAnnounce(hdr proto.Header, payload []byte) error {
	time := int64(binary.LittleEndian.Uint64(payload[0:8]))
	srcLocPtr := binary.LittleEndian.Uint32(payload[8:12])
	lockType := proto.LockType(payload[12])
	d.requestSourceLocation(uint64(srcLocPtr))
	srcLoc := d.trace.ShrinkSourceLocation(uint64(srcLocPtr))
	d.trace.AnnounceLock(uint32(hdr.ID), srcLoc, lockType)
	d.trace.TouchLastTime(time)
	return nil
}

func (d *Decoder) lockEvent(hdr proto.Header, payload []byte, state model.LockEventState) error {
	lm, ok := d.trace.FindLock(uint32(hdr.ID))
	if !ok {
		return protoerr.NewViolation("lock event for unannounced lock %d", hdr.ID)
	}
	time := int64(binary.LittleEndian.Uint64(payload[0:8]))
	tid := binary.LittleEndian.Uint64(payload[8:16])
	reconstruct.InsertLockEvent(d.trace, lm, time, tid, state)
	return nil
}

func (d *Decoder) plotData(hdr proto.Header, payload []byte) error {
	time := int64(binary.LittleEndian.Uint64(payload[0:8]))
	value := math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))

	name := d.trace.GetString(hdr.ID)
	if name == model.MissingString {
		d.pendingPlot[hdr.ID] = append(d.pendingPlot[hdr.ID], pendingPlotSample{time: time, value: value})
		d.tracker.Request(proto.QueryString, hdr.ID)
		return nil
	}
	reconstruct.InsertPlotSample(d.trace, d.trace.PlotByName(name), time, value)
	return nil
}

// message handles Message, whose text travels by pointer (payload's second
// field) rather than inline, requesting a resolve if the string hasn't
// arrived yet (spec §4.3).
func (d *Decoder) message(hdr proto.Header, payload []byte) error {
	time := int64(binary.LittleEndian.Uint64(payload[0:8]))
	textPtr := binary.LittleEndian.Uint64(payload[8:16])
	text := d.trace.GetString(textPtr)
	if text == model.MissingString {
		d.tracker.Request(proto.QueryString, textPtr)
	}
	d.trace.AppendMessage(time, hdr.ID, text)
	return nil
}

func (d *Decoder) messageLiteral(hdr proto.Header, payload []byte, text string) error {
	time := int64(binary.LittleEndian.Uint64(payload[0:8]))
	d.trace.AppendMessage(time, hdr.ID, text)
	return nil
}

func (d *Decoder) gpuNewContext(hdr proto.Header, payload []byte) error {
	period := math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
	wireCtx := payload[16]
	d.gpuCtxByWire[wireCtx] = d.trace.NewGpuContext(period)
	return nil
}

func (d *Decoder) gpuContext(wireCtx uint8) (model.GpuCtxIdx, error) {
	idx, ok := d.gpuCtxByWire[wireCtx]
	if !ok {
		return 0, protoerr.NewViolation("gpu event for unknown context %d", wireCtx)
	}
	return idx, nil
}

func (d *Decoder) gpuZoneBegin(hdr proto.Header, payload []byte) error {
	cpuTime := d.trace.TscTime(int64(binary.LittleEndian.Uint64(payload[0:8])))
	srcLocPtr := binary.LittleEndian.Uint32(payload[8:12])
	queryID := binary.LittleEndian.Uint16(payload[12:14])
	tid := binary.LittleEndian.Uint64(payload[14:22])

	ctx, err := d.gpuContext(uint8(hdr.ID))
	if err != nil {
		return err
	}
	d.requestSourceLocation(uint64(srcLocPtr))
	d.recon.GpuZoneBegin(d.trace, ctx, tid, uint64(srcLocPtr), cpuTime, queryID)
	return nil
}

func (d *Decoder) gpuTime(hdr proto.Header, payload []byte) error {
	queryID := binary.LittleEndian.Uint16(payload[8:10])
	gpuTime := int64(binary.LittleEndian.Uint64(payload[0:8]))

	ctx, err := d.gpuContext(uint8(hdr.ID))
	if err != nil {
		return err
	}
	return d.recon.GpuTime(d.trace, ctx, queryID, gpuTime)
}

func (d *Decoder) gpuResync(hdr proto.Header, payload []byte) error {
	offset := int64(binary.LittleEndian.Uint64(payload[8:16]))
	ctx, err := d.gpuContext(uint8(hdr.ID))
	if err != nil {
		return err
	}
	d.recon.GpuResync(d.trace, ctx, offset)
	return nil
}

func (d *Decoder) stringData(hdr proto.Header, trailer []byte) error {
	d.trace.AddString(hdr.ID, string(trailer))
	d.tracker.Resolve(hdr.ID)

	if samples, ok := d.pendingPlot[hdr.ID]; ok {
		plotIdx := d.trace.PlotByName(string(trailer))
		for _, s := range samples {
			reconstruct.InsertPlotSample(d.trace, plotIdx, s.time, s.value)
		}
		delete(d.pendingPlot, hdr.ID)
	}
	return nil
}

func (d *Decoder) threadName(hdr proto.Header, trailer []byte) error {
	d.trace.AddThreadString(hdr.ID, string(trailer))
	d.trace.SetThreadName(hdr.ID, string(trailer))
	d.tracker.Resolve(hdr.ID)
	return nil
}

func (d *Decoder) sourceLocation(hdr proto.Header, payload []byte) error {
	fileID := binary.LittleEndian.Uint32(payload[0:4])
	funcID := binary.LittleEndian.Uint32(payload[4:8])
	line := binary.LittleEndian.Uint32(payload[8:12])

	d.trace.AddSourceLocation(hdr.ID, model.SourceLocation{
		File:     d.trace.GetString(uint64(fileID)),
		Function: d.trace.GetString(uint64(funcID)),
		Line:     line,
	})
	d.tracker.Resolve(hdr.ID)
	return nil
}

// sourceLocationPayload handles the literal encoding used when the client
// sends a source location's file/function text inline rather than by
// previously-interned string id: trailer is nul-separated
// "function\x00file\x00" followed by a 4-byte line and 4-byte color.
func (d *Decoder) sourceLocationPayload(hdr proto.Header, trailer []byte) error {
	if len(trailer) < 8 {
		return protoerr.NewViolation("source location payload too short (%d bytes)", len(trailer))
	}
	tail := trailer[len(trailer)-8:]
	line := binary.LittleEndian.Uint32(tail[0:4])
	color := binary.LittleEndian.Uint32(tail[4:8])

	strs := trailer[:len(trailer)-8]
	if n := len(strs); n > 0 && strs[n-1] == 0 {
		strs = strs[:n-1]
	}
	function, file := splitNul(strs)

	d.trace.AddSourceLocation(hdr.ID, model.SourceLocation{
		Function: function,
		File:     file,
		Line:     line,
		Color:    color,
	})
	d.tracker.Resolve(hdr.ID)
	return nil
}

func splitNul(b []byte) (first, second string) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), string(b[i+1:])
		}
	}
	return string(b), ""
}
