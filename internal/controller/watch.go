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

package controller

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kyapp69/tracy/internal/filecodec"
)

// WatchDirectory watches dir for dropped ".tracy" files and loads each one
// through filecodec.Open into the controller's trace as it appears,
// recording errors through Err as a live connection does (spec §4.6). It
// returns once ctx is done, or when Shutdown has been called and the next
// watch event or error arrives; replay errors for one file are logged and
// do not stop the watch loop.
func (c *Controller) WatchDirectory(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	c.log.Info("watching directory for trace drops", zap.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(ev.Name) != ".tracy" {
				continue
			}
			c.replayDropped(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("watch error", zap.Error(err))
		}
		if c.shouldExit() {
			return nil
		}
	}
}

// replayDropped loads a watched file's trace data directly into the
// controller's existing trace, bypassing the handshake/dispatch path since
// filecodec.Open already reconstructs a complete model (spec §6.2).
func (c *Controller) replayDropped(path string) {
	loaded, err := filecodec.Open(path)
	if err != nil {
		c.log.Error("failed to replay dropped trace file", zap.String("path", path), zap.Error(err))
		c.setErr(err)
		return
	}

	c.trace.Lock()
	c.trace.ReplaceWith(loaded)
	c.trace.Unlock()

	c.markHasData()
	c.log.Info("replayed dropped trace file", zap.String("path", path))
}
