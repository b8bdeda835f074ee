package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cursorflow/cursorflow/internal/cflog"
	"github.com/cursorflow/cursorflow/internal/pathutil"
	"github.com/cursorflow/cursorflow/internal/state"
)

// watchProgress logs each lane's status on a fixed poll interval, plus
// immediately whenever fsnotify observes a lane state.json write. It never
// blocks Orchestrate's errgroup; the returned stop func just tears the
// goroutine down once every lane has finished.
func watchProgress(runRoot string, laneNames []string, interval time.Duration, log *cflog.Logger) (stop func()) {
	done := make(chan struct{})

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		for _, name := range laneNames {
			dir := pathutil.LaneDir(runRoot, name)
			_ = pathutil.EnsureDir(dir)
			_ = watcher.Add(dir)
		}
	}

	report := func() {
		for _, name := range laneNames {
			st, err := state.Load(pathutil.LaneStatePath(runRoot, name))
			if err != nil || st == nil {
				continue
			}
			log.Info("lane status", "lane", name, "status", st.Status, "task", st.CurrentTaskIndex, "of", st.TotalTasks)
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		for {
			select {
			case <-done:
				if watcher != nil {
					watcher.Close()
				}
				return
			case <-ticker.C:
				report()
			case ev := <-events:
				if filepath.Base(ev.Name) == "state.json" {
					report()
				}
			}
		}
	}()

	return func() { close(done) }
}
