package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk and
// delivers each successfully parsed revision to the registered callback.
// Parse or validation failures keep the previous revision in force and are
// reported through the error callback.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher

	onChange func(*KernelConfig)
	onError  func(error)
}

// NewWatcher builds a watcher for the configuration file at path. The
// watch is installed on the parent directory so editors that replace the
// file via rename are still observed.
func NewWatcher(path string, onChange func(*KernelConfig), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watcher requires an onChange callback")
	}
	if onError == nil {
		onError = func(error) {}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	return &Watcher{
		path:     path,
		fw:       fw,
		onChange: onChange,
		onError:  onError,
	}, nil
}

// Run watches until the context is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.onError(err)
				continue
			}
			w.onChange(cfg)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error { return w.fw.Close() }
