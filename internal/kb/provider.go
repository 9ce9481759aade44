// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kb

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/logging"
)

// Provider owns the active KB snapshot and swaps it atomically on
// reload. Classifications in flight keep the snapshot they started
// with; readers never observe a partial update.
type Provider struct {
	log  *logging.Logger
	path string

	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProvider loads the initial snapshot. An empty path uses the
// built-in tracker set.
func NewProvider(path string, log *logging.Logger) (*Provider, error) {
	if log == nil {
		log = logging.Default()
	}
	p := &Provider{
		log:  log.WithComponent("kb"),
		path: path,
	}

	var snap *Snapshot
	var err error
	if path == "" {
		snap, err = LoadDefault()
	} else {
		snap, err = Load(path)
	}
	if err != nil {
		return nil, err
	}
	p.snap.Store(snap)
	p.log.Info("knowledge base loaded",
		"version", snap.Version(), "entities", snap.Len())
	return p, nil
}

// Snapshot returns the active snapshot. The returned value is
// immutable and safe to hold across a reload.
func (p *Provider) Snapshot() *Snapshot {
	return p.snap.Load()
}

// Reload re-reads the KB file and swaps the snapshot in. On failure
// the previous snapshot stays active.
func (p *Provider) Reload() error {
	if p.path == "" {
		return errors.New(errors.KindValidation, "built-in knowledge base cannot be reloaded")
	}
	snap, err := Load(p.path)
	if err != nil {
		p.log.Error("KB reload failed, keeping previous snapshot", "error", err)
		return err
	}
	old := p.snap.Swap(snap)
	p.log.Info("knowledge base reloaded",
		"version", snap.Version(), "entities", snap.Len(), "previous", old.Version())
	return nil
}

// Watch reloads the snapshot whenever the KB file changes on disk.
// Editors replace files by rename, so the parent directory is watched
// rather than the file itself.
func (p *Provider) Watch() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.path == "" {
		return errors.New(errors.KindValidation, "built-in knowledge base cannot be watched")
	}
	if p.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "creating KB watcher")
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return errors.Wrapf(err, errors.KindInternal, "watching %s", filepath.Dir(p.path))
	}

	p.watcher = w
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.watchLoop(w, p.stopCh)
	p.log.Info("watching knowledge base", "path", p.path)
	return nil
}

func (p *Provider) watchLoop(w *fsnotify.Watcher, stopCh chan struct{}) {
	defer p.wg.Done()

	// Debounce: editors emit several events per save.
	var timer *time.Timer
	var timerCh <-chan time.Time

	target := filepath.Clean(p.path)
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(250 * time.Millisecond)
				timerCh = timer.C
			} else {
				timer.Reset(250 * time.Millisecond)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := p.Reload(); err != nil {
				// Logged in Reload; stale snapshot remains active.
				continue
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.log.Warn("KB watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	close(p.stopCh)
	err := p.watcher.Close()
	p.wg.Wait()
	p.watcher = nil
	return err
}
