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

// Package controller drives a single capture connection's lifecycle: the
// Disconnected → Connecting → Handshaking → Running → Closing → Terminated
// state machine, bandwidth sampling, and outgoing query batching (spec
// §4.6). It generalizes the teacher's PcapEngine.Start/IsActive shape
// (pcap-cli/pkg/pcap/pcap.go) to a protocol whose ingestion loop is driven
// by a RecordSource rather than a packet capture handle.
package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kyapp69/tracy/internal/dispatch"
	"github.com/kyapp69/tracy/internal/intern"
	"github.com/kyapp69/tracy/internal/model"
	"github.com/kyapp69/tracy/internal/proto"
	"github.com/kyapp69/tracy/internal/wire"
)

// ConnState is a connection's position in the ingestion lifecycle (spec
// §4.6).
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Handshaking
	Running
	Closing
	Terminated
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Running:
		return "Running"
	case Closing:
		return "Closing"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// mbpsWindow is the sampling window (spec §4.6: "200ms-window/64-sample
// Mbps ring").
const (
	mbpsWindow  = 200 * time.Millisecond
	mbpsSamples = 64
)

// mbpsRing tracks recent bytes-per-window samples behind its own lock,
// independent of the model's coarse lock (spec §5).
type mbpsRing struct {
	mu      sync.Mutex
	samples [mbpsSamples]float64
	pos     int
	filled  int
	cur     int64
	started time.Time
}

func (r *mbpsRing) addBytes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		r.started = time.Now()
	}
	r.cur += int64(n)
	if time.Since(r.started) >= mbpsWindow {
		r.samples[r.pos] = float64(r.cur*8) / 1e6 / mbpsWindow.Seconds()
		r.pos = (r.pos + 1) % mbpsSamples
		if r.filled < mbpsSamples {
			r.filled++
		}
		r.cur = 0
		r.started = time.Now()
	}
}

// Mbps returns the mean of the filled window samples, 0 if none yet.
func (r *mbpsRing) Mbps() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return sum / float64(r.filled)
}

// Controller owns one capture connection: dialing, handshake,
// the ingestion read loop and the query write-back loop.
type Controller struct {
	log   *zap.Logger
	trace *model.Trace

	shutdown  atomic.Bool
	connected atomic.Bool
	hasData   atomic.Bool // acquire/release published once the handshake completes

	state atomic.Int32

	mbps    mbpsRing
	tracker *intern.Tracker

	mu      sync.Mutex
	lastErr error
}

// New builds a Controller around an already-constructed, empty Trace.
func New(trace *model.Trace, log *zap.Logger) *Controller {
	c := &Controller{
		log:     log,
		trace:   trace,
		tracker: intern.NewTracker(256),
	}
	c.state.Store(int32(Disconnected))
	return c
}

func (c *Controller) State() ConnState { return ConnState(c.state.Load()) }
func (c *Controller) setState(s ConnState) {
	c.state.Store(int32(s))
	c.log.Debug("controller state transition", zap.String("state", s.String()))
}

func (c *Controller) Connected() bool { return c.connected.Load() }

// HasData reports whether the trace is ready to query: set once a handshake
// completes (even if no record follows) or a watched file is loaded; readers
// should acquire-load this before taking Trace.RLock for a query, matching
// spec §5's acquire/release discipline around first data.
func (c *Controller) HasData() bool { return c.hasData.Load() }

func (c *Controller) markHasData() {
	if !c.hasData.Load() {
		c.hasData.Store(true)
	}
}

// Shutdown requests a graceful stop; the ingestion goroutine observes it on
// its next bounded poll (spec §4.1, §5).
func (c *Controller) Shutdown() { c.shutdown.Store(true) }

func (c *Controller) shouldExit() bool { return c.shutdown.Load() }

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.lastErr = multierr.Append(c.lastErr, err)
	c.mu.Unlock()
}

// RunLive dials addr and drives the connection's full lifecycle until the
// peer disconnects or Shutdown is called. Connecting retries with capped
// exponential backoff via retry-go, honoring ctx and the shutdown flag
// between attempts (spec §4.6).
func (c *Controller) RunLive(ctx context.Context, addr string) error {
	c.setState(Connecting)

	var conn net.Conn
	err := retry.Do(
		func() error {
			if c.shouldExit() {
				return retry.Unrecoverable(context.Canceled)
			}
			d := net.Dialer{Timeout: 2 * time.Second}
			dialed, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			conn = dialed
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0), // unlimited; bounded by ctx/shutdown instead
		retry.MaxDelay(5*time.Second),
	)
	if err != nil {
		c.setState(Terminated)
		return err
	}

	return c.run(ctx, wire.NewTCPSource(conn))
}

// RunReplay ingests a RecordSource representing a whole prior capture (a
// trace file, or a watched file dropped into a directory) through the same
// handshake+dispatch path as a live connection (spec §6.2).
func (c *Controller) RunReplay(ctx context.Context, src wire.RecordSource) error {
	return c.run(ctx, src)
}

func (c *Controller) run(ctx context.Context, src wire.RecordSource) error {
	defer func() {
		if err := src.Close(); err != nil {
			c.setErr(err)
		}
	}()

	c.setState(Handshaking)
	hs, err := wire.ReadHandshake(src, c.shouldExit)
	if err != nil {
		c.setState(Terminated)
		return err
	}

	c.trace.CaptureName = hs.CaptureName
	c.trace.Delay = hs.TimerDelay
	c.trace.Resolution = hs.TimerResolution
	c.trace.TimerMul = hs.TimerMul

	c.connected.Store(true)
	c.setState(Running)
	defer c.connected.Store(false)

	// Empty stream after handshake still counts as having data (spec §8
	// "Empty stream after handshake: ... has_data = true once handshake
	// completes"), not only once the first record is dispatched.
	c.markHasData()

	dec := dispatch.New(c.trace, c.tracker, c.log)

	if hs.LZ4Enabled {
		err = c.runCompressed(src, dec)
	} else {
		err = c.runUncompressed(ctx, src, dec)
	}

	if err != nil {
		c.setErr(err)
		c.setState(Terminated)
		return err
	}
	c.setState(Closing)
	c.setState(Terminated)
	return nil
}

func (c *Controller) runCompressed(src wire.RecordSource, dec *dispatch.Decoder) error {
	lz4dec := wire.NewLz4Decoder()
	for !c.shouldExit() {
		frame, res, err := lz4dec.DecodeFrame(src, c.shouldExit)
		if err != nil {
			return err
		}
		if res != wire.ReadOK {
			return nil // peer closed cleanly
		}
		c.mbps.addBytes(len(frame))
		if err := dec.DispatchFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) runUncompressed(ctx context.Context, src wire.RecordSource, dec *dispatch.Decoder) error {
	for !c.shouldExit() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := dec.DispatchDirect(src, c.shouldExit); err != nil {
			if errors.Is(err, io.EOF) {
				return nil // peer closed cleanly at a record boundary
			}
			return err
		}
	}
	return nil
}

// Mbps reports the current bandwidth estimate over the sampling window
// (spec §4.6).
func (c *Controller) Mbps() float64 { return c.mbps.Mbps() }

// WriteQueries drains the tracker's outgoing query queue onto conn until
// the channel closes or shutdown is requested (spec §4.3, §4.6 "query
// batching").
func (c *Controller) WriteQueries(conn net.Conn) error {
	for q := range c.tracker.Queries() {
		if c.shouldExit() {
			return nil
		}
		var buf [proto.QuerySize]byte
		buf[0] = byte(q.Kind)
		binary.LittleEndian.PutUint64(buf[1:9], q.Ptr)
		if _, err := conn.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}
