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

package intern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyapp69/tracy/internal/proto"
)

func TestRequest_DedupsPendingPointer(t *testing.T) {
	tr := NewTracker(8)

	assert.True(t, tr.Request(proto.QuerySourceLocation, 0xAA))
	assert.True(t, tr.IsPending(0xAA))
	assert.False(t, tr.Request(proto.QuerySourceLocation, 0xAA))

	q := <-tr.Queries()
	assert.Equal(t, proto.QuerySourceLocation, q.Kind)
	assert.Equal(t, uint64(0xAA), q.Ptr)
}

func TestResolve_ClearsPendingMarker(t *testing.T) {
	tr := NewTracker(8)
	require.True(t, tr.Request(proto.QueryString, 1))
	tr.Resolve(1)
	assert.False(t, tr.IsPending(1))

	// resolving an already-resolved (or never-pending) pointer is a no-op.
	tr.Resolve(1)
	assert.False(t, tr.IsPending(1))
}

func TestRequest_BackpressureDropsPendingMarker(t *testing.T) {
	tr := NewTracker(1)
	require.True(t, tr.Request(proto.QueryString, 1))
	// the single slot is now occupied and unread; a second distinct
	// pointer cannot enqueue and must not be left marked pending.
	assert.False(t, tr.Request(proto.QueryString, 2))
	assert.False(t, tr.IsPending(2))
}
