package supervisor

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// runDevWatch watches cfg.Dev.Watch globs (relative to cfg.Dev.Cwd) and
// calls reconnect on a debounced change, until ctx is cancelled (spec
// §4.5 "Dev mode"). `**`-aware matching is delegated to doublestar,
// grounded on the same dependency tomtom215-cartographus' tree carries
// indirectly.
func runDevWatch(ctx context.Context, cwd string, patterns []string, reconnect func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()

	if err := addTree(watcher, cwd); err != nil {
		return
	}

	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(cwd, ev.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !matchesAny(patterns, rel) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		case <-fire:
			reconnect()
		}
	}
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
