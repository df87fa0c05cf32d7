package cron

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// Watcher reschedules jobs whose files change on disk, so hand edits to
// the cron directory take effect without a restart.
type Watcher struct {
	watcher   *fsnotify.Watcher
	scheduler *Scheduler
}

// NewWatcher watches the scheduler's cron directory
func NewWatcher(scheduler *Scheduler) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(scheduler.Store().Dir()); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Watcher{watcher: watcher, scheduler: scheduler}, nil
}

// Start processes file events until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Error("Cron watcher error")
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	id, ok := idFromPath(event.Name)
	if !ok {
		return
	}
	log.WithField("job_id", id).Debugf("fsnotify event: op=%v", event.Op)

	job, exists := w.scheduler.Store().Get(id)
	if !exists {
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.scheduler.Unschedule(id)
		}
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		w.scheduler.ScheduleJob(job)
	}
}

// Close stops the watcher
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
