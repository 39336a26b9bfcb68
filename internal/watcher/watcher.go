// Package watcher re-indexes a folder when its files change. Change
// bursts are debounced into a single additive indexing job; the queue's
// dedupe key suppresses storms while a job is already active.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agent-brain/agent-brain/internal/errors"
	"github.com/agent-brain/agent-brain/internal/gitignore"
	"github.com/agent-brain/agent-brain/internal/jobs"
	"github.com/agent-brain/agent-brain/internal/loader"
)

// DefaultDebounce is the quiet period required before enqueueing.
const DefaultDebounce = 2 * time.Second

// Enqueuer submits indexing jobs; satisfied by the job queue.
type Enqueuer interface {
	Enqueue(req jobs.Request) (*jobs.Job, bool, error)
}

// Options configures one watched folder.
type Options struct {
	Folder      string
	Recursive   bool
	IncludeCode bool
	Debounce    time.Duration
}

// Watcher owns one fsnotify watch over a folder tree.
type Watcher struct {
	queue Enqueuer
	opts  Options

	fsw    *fsnotify.Watcher
	ign    *gitignore.Matcher
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	stopped bool
}

// New validates the folder and registers the watch tree.
func New(queue Enqueuer, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if err := loader.ValidateFolder(opts.Folder); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "create file watcher", err)
	}

	w := &Watcher{
		queue:  queue,
		opts:   opts,
		fsw:    fsw,
		ign:    gitignore.ForRoot(opts.Folder),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := w.addTree(opts.Folder); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers the folder and, when recursive, its subdirectories,
// skipping the ignore set.
func (w *Watcher) addTree(root string) error {
	if err := w.fsw.Add(root); err != nil {
		return errors.New(errors.ErrCodeInternal, "watch "+root, err)
	}
	if !w.opts.Recursive {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == root {
			return nil
		}
		if loader.IsIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		if rel, relErr := filepath.Rel(w.opts.Folder, path); relErr == nil &&
			w.ign.Match(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("watch_add_failed", "path", path, "error", err)
		}
		return nil
	})
}

// Start launches the event loop.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	// The timer is armed by the first relevant event and pushed back by
	// each following one; firing means the burst went quiet.
	timer := time.NewTimer(w.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				w.maybeWatchNewDir(event.Name)
			}
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = true
			timer.Reset(w.opts.Debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watch_error", "folder", w.opts.Folder, "error", err)

		case <-timer.C:
			armed = false
			w.enqueue()
		}
	}
}

// relevant filters events down to content changes on non-ignored paths.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	if loader.IsIgnoredDir(filepath.Base(event.Name)) {
		return false
	}
	if rel, err := filepath.Rel(w.opts.Folder, event.Name); err == nil &&
		w.ign.Match(filepath.ToSlash(rel), false) {
		return false
	}
	return true
}

func (w *Watcher) maybeWatchNewDir(path string) {
	if !w.opts.Recursive {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(path); err != nil {
		slog.Warn("watch_add_failed", "path", path, "error", err)
	}
}

func (w *Watcher) enqueue() {
	job, created, err := w.queue.Enqueue(jobs.Request{
		Operation:   jobs.OpIndexAdd,
		FolderPath:  w.opts.Folder,
		Recursive:   w.opts.Recursive,
		IncludeCode: w.opts.IncludeCode,
	})
	if err != nil {
		slog.Warn("watch_enqueue_failed", "folder", w.opts.Folder, "error", err)
		return
	}
	if created {
		slog.Info("watch_reindex_enqueued", "folder", w.opts.Folder, "job_id", job.ID)
	} else {
		slog.Debug("watch_reindex_deduped", "folder", w.opts.Folder, "job_id", job.ID)
	}
}
