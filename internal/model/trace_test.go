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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetZoneEnd_ClosedZoneReturnsItsOwnEnd(t *testing.T) {
	tr := New("t", 0, 0, 1.0)
	idx, z := tr.AllocZone()
	z.Start, z.End = 10, 50

	siblings := []Idx{idx}
	assert.Equal(t, int64(50), tr.GetZoneEnd(siblings, 0, z, 999))
}

func TestGetZoneEnd_OpenZoneFallsBackToNextSiblingStart(t *testing.T) {
	tr := New("t", 0, 0, 1.0)
	idx1, z1 := tr.AllocZone()
	z1.Start, z1.End = 10, ZoneSentinel
	idx2, z2 := tr.AllocZone()
	z2.Start, z2.End = 40, 60

	siblings := []Idx{idx1, idx2}
	assert.Equal(t, int64(40), tr.GetZoneEnd(siblings, 0, z1, 999))
}

// TestGetZoneEnd_LastOpenChildFallsBackToParentEnd covers the case the
// earlier implementation got wrong: the last child of an already-closed
// parent, itself still open, must resolve to the parent's own effective
// end — not the trace's global last_time (spec §6.3).
func TestGetZoneEnd_LastOpenChildFallsBackToParentEnd(t *testing.T) {
	tr := New("t", 0, 0, 1.0)
	tr.LastTime = 10_000 // far beyond the parent's end; must not leak in

	childIdx, child := tr.AllocZone()
	child.Start, child.End = 120, ZoneSentinel

	siblings := []Idx{childIdx}
	const parentEnd int64 = 300
	assert.Equal(t, parentEnd, tr.GetZoneEnd(siblings, 0, child, parentEnd))
}
