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

// newServeCmd builds the live-capture command: it dials the profiled
// application's listen port and ingests its event stream until shutdown
// (spec §4.6: "Connecting -> Handshaking on successful TCP connect to the
// client's listen port (default 8086)").
func newServeCmd(logger func() *zap.Logger) *cobra.Command {
	var addr string
	var save string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to a profiled application and ingest its trace stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()

			trace := model.New("", 0, 0, 1.0)
			ctrl := controller.New(trace, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				ctrl.Shutdown()
			}()

			err := ctrl.RunLive(ctx, addr)
			if err != nil && ctx.Err() == nil {
				return err
			}

			if save != "" {
				return saveTrace(trace, save, log)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8086", "profiled application's listen address")
	cmd.Flags().StringVar(&save, "save", "", "write the captured trace to this path on exit")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server core version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println("tracecored (tracy server core)")
			return nil
		},
	}
}
