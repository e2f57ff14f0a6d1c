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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kyapp69/tracy/internal/controller"
	"github.com/kyapp69/tracy/internal/model"
)

// newWatchCmd builds the auto-replay command: watch a directory for dropped
// ".tracy" files and ingest each one as it appears (spec §4.6, SPEC_FULL
// §2.11).
func newWatchCmd(logger func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a directory and auto-replay dropped trace files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()

			trace := model.New("", 0, 0, 1.0)
			ctrl := controller.New(trace, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctrl.WatchDirectory(ctx, args[0])
		},
	}
}
