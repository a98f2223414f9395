// Package hotreload watches a DEFAULT_BACKENDS file on disk and hands the
// re-parsed seeds to a callback without a process restart — a supplement
// to spec §6's environment-variable-only configuration story. The serve
// command's callback (lb.Proxy.LoadSeeds) swaps the hostname pattern table
// only: service instances that already exist keep the config they have,
// and new seeds take effect for instances created after the reload. Adapted almost directly from the teacher's
// internal/watcher/watcher.go XyWatcher (an fsnotify.Watcher behind a
// typed WatchEvent callback), generalized from a generic "file changed"
// callback to re-parsing and re-seeding the service registry.
package hotreload

import (
	"log"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/flowmesh/lbcore/internal/config"
)

// EventType classifies an fsnotify event the way XyWatcher did.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
	EventRenamed  EventType = "renamed"
)

// Event is one filesystem change on the watched DEFAULT_BACKENDS file.
type Event struct {
	Type EventType
	Path string
}

// Watcher wraps fsnotify.Watcher for a single watched path.
type Watcher struct {
	watcher *fsnotify.Watcher
}

// New builds a Watcher. Callers must call Watch to actually start
// watching a path.
func New() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: w}, nil
}

// Watch adds path to the watch set and invokes callback on every
// create/write/remove/rename event, until Close is called.
func (w *Watcher) Watch(path string, callback func(Event)) error {
	if err := w.watcher.Add(path); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				var et EventType
				switch {
				case event.Has(fsnotify.Write):
					et = EventModified
				case event.Has(fsnotify.Create):
					et = EventCreated
				case event.Has(fsnotify.Remove):
					et = EventDeleted
				case event.Has(fsnotify.Rename):
					et = EventRenamed
				default:
					continue
				}
				callback(Event{Type: et, Path: event.Name})
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[hotreload] watcher error: %v", err)
			}
		}
	}()

	return nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// ReloadFunc is invoked with the freshly re-parsed seed list whenever the
// watched file changes and parses cleanly. Parse failures are logged and
// do not call back, leaving the previous configuration in place — a
// malformed in-flight edit must never tear down a running service.
type ReloadFunc func(seeds []config.ServiceSeed)

// WatchDefaultBackendsFile is the supplement's entry point: watch path for
// changes, re-parse it as a DEFAULT_BACKENDS document on every write, and
// call onReload with the normalised seeds.
func WatchDefaultBackendsFile(path string, onReload ReloadFunc) (*Watcher, error) {
	w, err := New()
	if err != nil {
		return nil, err
	}

	reload := func() {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[hotreload] read %s: %v", path, err)
			return
		}
		seeds, err := config.ParseDefaultBackends(string(raw))
		if err != nil {
			log.Printf("[hotreload] %s: %v (keeping previous config)", path, err)
			return
		}
		onReload(seeds)
	}

	err = w.Watch(path, func(ev Event) {
		if ev.Type == EventModified || ev.Type == EventCreated {
			reload()
		}
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	reload()
	return w, nil
}
