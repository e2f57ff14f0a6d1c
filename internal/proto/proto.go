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

// Package proto holds the wire-level constants shared by the codec and the
// dispatcher: the per-type event header, the fixed payload size table and
// the server→client query frame shape (spec §4.1, §4.2, §6.1).
package proto

// QueueType identifies the wire type of an event record. Values match the
// order events are listed in spec §3/§4 and are stable across a protocol
// version; an id outside [0, QueueTypeCount) is a protocol violation.
type QueueType uint8

const (
	QueueZoneBegin QueueType = iota
	QueueZoneBeginAllocSrcLoc
	QueueZoneEnd
	QueueZoneText
	QueueFrameMark
	QueueLockAnnounce
	QueueLockWait
	QueueLockObtain
	QueueLockRelease
	QueueLockSharedWait
	QueueLockSharedObtain
	QueueLockSharedRelease
	QueueLockMark
	QueuePlotData
	QueueMessage
	QueueMessageLiteral
	QueueGpuNewContext
	QueueGpuZoneBegin
	QueueGpuZoneEnd
	QueueGpuTime
	QueueGpuResync
	QueueGpuTime_
	QueueStringData
	QueueThreadName
	QueueSourceLocation
	QueueSourceLocationPayload
	QueueTypeCount
)

// HasTrailer reports whether a record of this type is followed, in the same
// frame, by a length-prefixed variable-size payload (spec §4.2).
func (t QueueType) HasTrailer() bool {
	switch t {
	case QueueZoneText, QueueMessageLiteral,
		QueueStringData, QueueThreadName, QueueSourceLocationPayload:
		return true
	default:
		return false
	}
}

func (t QueueType) String() string {
	if int(t) < len(queueTypeNames) {
		return queueTypeNames[t]
	}
	return "Unknown"
}

var queueTypeNames = [...]string{
	"ZoneBegin", "ZoneBeginAllocSrcLoc", "ZoneEnd", "ZoneText", "FrameMark",
	"LockAnnounce", "LockWait", "LockObtain", "LockRelease",
	"LockSharedWait", "LockSharedObtain", "LockSharedRelease", "LockMark",
	"PlotData", "Message", "MessageLiteral",
	"GpuNewContext", "GpuZoneBegin", "GpuZoneEnd", "GpuTime", "GpuResync", "GpuTime_",
	"StringData", "ThreadName", "SourceLocation", "SourceLocationPayload",
}

// Header is the fixed 9-byte record header preceding every event's payload:
// an id (pointer, thread id or lock id depending on type) and the type byte.
type Header struct {
	ID   uint64
	Type QueueType
}

const HeaderSize = 9 // 8 (id) + 1 (type)

// payloadSize is the fixed payload size *following* the header, agreed by
// protocol version (spec §4.1/§6.1). Trailer bytes are not included; they
// are length-prefixed separately (spec §4.2).
var payloadSize = [QueueTypeCount]int{
	QueueZoneBegin:             8 + 8,     // time, srcloc ptr (Header.ID carries the thread id)
	QueueZoneBeginAllocSrcLoc:  8 + 8,
	QueueZoneEnd:               8,         // time (Header.ID carries the thread id)
	QueueZoneText:              0,         // trailer only
	QueueFrameMark:             8,
	QueueLockAnnounce:          8 + 4 + 1, // time, srcloc, lock type (Header.ID carries the lock id)
	QueueLockWait:              8 + 8,     // time, thread id (Header.ID carries the lock id)
	QueueLockObtain:            8 + 8,
	QueueLockRelease:           8 + 8,
	QueueLockSharedWait:        8 + 8,
	QueueLockSharedObtain:      8 + 8,
	QueueLockSharedRelease:     8 + 8,
	QueueLockMark:              8 + 8,
	QueuePlotData:              8 + 8, // time, float64 value (Header.ID carries the plot name ptr)
	QueueMessage:               8 + 8, // time, text ptr (Header.ID carries the thread id)
	QueueMessageLiteral:        8,     // time (Header.ID carries the thread id; text is the trailer)
	QueueGpuNewContext:         8 + 8 + 1,     // cputime, period, wire context id
	QueueGpuZoneBegin:          8 + 4 + 2 + 8, // cputime, srcloc, queryid, thread id (Header.ID carries the wire context id)
	QueueGpuZoneEnd:            8 + 2,         // gputime, queryid (Header.ID carries the wire context id)
	QueueGpuTime:               8 + 2,
	QueueGpuResync:             8 + 8, // time, calibration offset (Header.ID carries the wire context id)
	QueueGpuTime_:              0,
	QueueStringData:            0,
	QueueThreadName:            0,
	QueueSourceLocation:        4 + 4 + 4, // file, func, line
	QueueSourceLocationPayload: 0,
}

// PayloadSize returns the fixed payload size following the header for t, or
// false if t is unknown to this protocol version.
func PayloadSize(t QueueType) (int, bool) {
	if t >= QueueTypeCount {
		return 0, false
	}
	return payloadSize[t], true
}

// QueryType identifies a server→client query frame kind (spec §4.3, §6.1).
type QueryType uint8

const (
	QueryString QueryType = iota
	QueryThreadName
	QuerySourceLocation
	QueryTerminate
)

// Query is the {kind, ptr} frame the controller writes back to the client.
type Query struct {
	Kind QueryType
	Ptr  uint64
}

const QuerySize = 1 + 8

// LockType distinguishes exclusive from shared-mutex locks (spec Data Model).
type LockType uint8

const (
	LockExclusive LockType = iota
	LockShared
)
