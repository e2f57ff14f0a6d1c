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

// Package intern tracks in-flight string/source-location queries: pointer
// keys the dispatcher has asked the client to resolve but hasn't heard back
// on yet (spec §4.3). This bookkeeping is deliberately kept outside the
// model's coarse lock — it is touched by both the dispatcher goroutine
// (marking pending, checking duplicates) and the controller's query-writer
// goroutine (draining the outgoing queue) and is not part of the queryable
// model itself, so a concurrent map is the right tool rather than widening
// the Trace lock's critical section. Grounded on the teacher's
// (gchux-pcap-sidecar) use of github.com/alphadose/haxmap for the same
// kind of side-table bookkeeping (flowMutex.MutexMap).
package intern

import (
	"github.com/alphadose/haxmap"
	"github.com/kyapp69/tracy/internal/proto"
)

// Tracker records at most one pending query per pointer key, satisfying
// spec §3's invariant "at most one pending query per pointer key at any
// time" and §8 property 6 ("idempotent queries").
type Tracker struct {
	pending *haxmap.Map[uint64, proto.QueryType]
	out     chan proto.Query
}

// NewTracker builds a Tracker whose outgoing queries are delivered on a
// buffered channel the controller drains onto the socket.
func NewTracker(queueDepth int) *Tracker {
	return &Tracker{
		pending: haxmap.New[uint64, proto.QueryType](),
		out:     make(chan proto.Query, queueDepth),
	}
}

// Queries returns the channel of queries produced by Request; the
// controller is the sole reader.
func (tr *Tracker) Queries() <-chan proto.Query { return tr.out }

// Request enqueues a query for ptr unless one is already pending. Returns
// true if a new query was enqueued (spec §4.3 steps 2-3).
func (tr *Tracker) Request(kind proto.QueryType, ptr uint64) bool {
	if _, already := tr.pending.Get(ptr); already {
		return false
	}
	tr.pending.Set(ptr, kind)
	select {
	case tr.out <- proto.Query{Kind: kind, Ptr: ptr}:
		return true
	default:
		// backpressure: drop the pending marker so a retry can be
		// requested once the queue drains; the event itself still
		// resolves to "???" in the meantime (spec §4.3).
		tr.pending.Del(ptr)
		return false
	}
}

// Resolve clears ptr's pending marker once the client's reply has been
// applied to the model. A ptr with no pending marker (e.g. shutdown raced
// the reply) is a harmless no-op.
func (tr *Tracker) Resolve(ptr uint64) {
	tr.pending.Del(ptr)
}

// IsPending reports whether ptr currently has an outstanding query.
func (tr *Tracker) IsPending(ptr uint64) bool {
	_, ok := tr.pending.Get(ptr)
	return ok
}

// Close closes the outgoing channel; queries already buffered can still be
// read from it. Pending markers are left in place (pending entities remain
// safe to read, resolving to "???", spec §5 "Cancellation").
func (tr *Tracker) Close() {
	close(tr.out)
}
