package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific config files
// change, for hot-reload without restarting the proxy.
type WatchTargets struct {
	// OnUpstreamsChange fires when upstreams.json is written or created.
	// Typically triggers the proxy manager's DiscoverAll to pick up
	// added/removed upstreams.
	OnUpstreamsChange func()

	// OnPolicyChange fires when policy.yaml is written or created.
	// Typically proposes and activates a new policy document.
	OnPolicyChange func()

	// OnRateLimitsChange fires when ratelimits.yaml is written or
	// created, for reloading rate limit policies in place.
	OnRateLimitsChange func()
}

// Watcher monitors the mcpgate config directory for file changes using
// fsnotify, firing the appropriate callback when a watched file changes.
//
// Runs a background goroutine that processes fsnotify events. Call
// Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory,
// watching for changes to upstreams.json, policy.yaml, and
// ratelimits.yaml.
//
// Starts processing events immediately in a background goroutine.
// Events are not debounced: every write or create event on a watched
// file fires its callback, so rapid successive writes can fire it
// several times.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events matter — not remove/rename,
			// which indicate the file going away rather than a new
			// version landing.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			switch name {
			case "upstreams.json":
				slog.Info("upstreams.json changed, triggering discovery")
				if targets.OnUpstreamsChange != nil {
					targets.OnUpstreamsChange()
				}
			case "policy.yaml":
				slog.Info("policy.yaml changed, triggering reload")
				if targets.OnPolicyChange != nil {
					targets.OnPolicyChange()
				}
			case "ratelimits.yaml":
				slog.Info("ratelimits.yaml changed, triggering reload")
				if targets.OnRateLimitsChange != nil {
					targets.OnRateLimitsChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
