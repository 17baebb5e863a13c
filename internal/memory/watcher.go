package memory

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watcher re-ingests markdown files in the memory directory as they change.
type Watcher struct {
	system *System

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over the system's memory directory.
func NewWatcher(system *System) *Watcher {
	return &Watcher{
		system: system,
		timers: make(map[string]*time.Timer),
	}
}

// Start begins watching. Changed files are re-ingested after a short quiet
// period; removed files are forgotten.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.mu.Unlock()

	if err := watcher.Add(w.system.Dir()); err != nil {
		w.system.logger.Warn("memory dir not watchable", "dir", w.system.Dir(), "error", err)
	}

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Stop closes the watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isMarkdown(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if err := w.system.Forget(ctx, event.Name); err != nil {
					w.system.logger.Warn("memory forget failed", "path", event.Name, "error", err)
				}
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.scheduleReingest(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.system.logger.Warn("memory watch error", "error", err)
		}
	}
}

// scheduleReingest debounces bursts of writes to the same file.
func (w *Watcher) scheduleReingest(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := w.system.ReingestFile(ctx, path); err != nil {
			w.system.logger.Warn("memory reingest failed", "path", path, "error", err)
		}
	})
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}
