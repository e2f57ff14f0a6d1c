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

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kyapp69/tracy/internal/filecodec"
	"github.com/kyapp69/tracy/internal/model"
)

// newReplayCmd loads a saved trace file through the file codec and prints a
// summary via the same query-side accessors the live path uses (spec §6.2,
// §6.3).
func newReplayCmd(logger func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file>",
		Short: "Load a saved trace file and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()

			trace, err := filecodec.Open(args[0])
			if err != nil {
				return err
			}

			trace.RLock()
			defer trace.RUnlock()

			cmd.Printf("capture: %s\n", trace.CaptureName)
			cmd.Printf("threads: %d\n", trace.ThreadCount())
			cmd.Printf("zones:   %d\n", trace.ZonesCnt)
			cmd.Printf("frames:  %d\n", trace.FrameCount())
			cmd.Printf("plots:   %d\n", trace.PlotCount())
			cmd.Printf("gpu ctx: %d\n", trace.GpuCtxCount())
			cmd.Printf("last time: %s\n", fmt.Sprintf("%dns", trace.LastTime))

			var openZones int
			for i := 0; i < trace.ThreadCount(); i++ {
				th := trace.Thread(model.ThreadIdx(i))
				openZones += countOpenZones(trace, th.Root, trace.LastTime)
			}
			cmd.Printf("open zones: %d\n", openZones)
			return nil
		},
	}
}

// countOpenZones walks a zone subtree resolving each zone's effective end
// via Trace.GetZoneEnd — mirroring how a viewer renders a capture that
// ended mid-zone (spec §6.3, §8 "Abrupt disconnect mid-zone") — and counts
// how many zones never received a ZoneEnd before the trace finalized.
func countOpenZones(trace *model.Trace, siblings []model.Idx, parentEnd int64) int {
	open := 0
	for i, idx := range siblings {
		z := trace.Zone(idx)
		if z.End == model.ZoneSentinel {
			open++
		}
		end := trace.GetZoneEnd(siblings, i, z, parentEnd)
		open += countOpenZones(trace, z.Children, end)
	}
	return open
}

func saveTrace(trace *model.Trace, path string, log *zap.Logger) error {
	log.Info("saving trace", zap.String("path", path))
	return filecodec.Create(path, trace)
}
