package conf

import (
	"context"
	"time"

	"mcroute/internal/flog"
	"mcroute/internal/router"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// Sync loads the config file and reconciles the route table against it:
// absent routes are inserted, changed routes overwritten, and routes no
// longer desired removed. A file that fails to load leaves the table
// untouched.
func (l *Loader) Sync(rt *router.Router) (*Conf, error) {
	conf, err := l.Load()
	if err != nil {
		return nil, err
	}

	desired := l.desiredRoutes(conf)
	current := rt.Snapshot()

	for name, route := range desired {
		existing, ok := current[name]
		switch {
		case !ok:
			rt.Insert(route)
			flog.Infof("route '%s': added tcp=%s udp=%s", name, route.TCP, route.UDP)
		case existing != route:
			rt.Insert(route)
			flog.Infof("route '%s': updated tcp=%s udp=%s", name, route.TCP, route.UDP)
		default:
			flog.Infof("route '%s': unchanged", name)
		}
	}

	for name := range current {
		if _, ok := desired[name]; !ok {
			rt.Remove(name)
			flog.Infof("route '%s': removed", name)
		}
	}

	return conf, nil
}

// Watch re-runs Sync whenever the config file is rewritten. Returns when
// the context is cancelled or the watcher cannot be established.
func (l *Loader) Watch(ctx context.Context, rt *router.Router) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		flog.Errorf("config watch unavailable: %v", err)
		return
	}
	defer w.Close()

	if err := w.Add(l.Path); err != nil {
		flog.Warnf("config watch disabled for %s: %v", l.Path, err)
		return
	}
	flog.Infof("watching %s for changes", l.Path)

	reload := time.NewTimer(time.Hour)
	if !reload.Stop() {
		<-reload.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				reload.Reset(reloadDebounce)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Editors replace files on save; re-arm the watch on the
				// new inode when the file reappears.
				if err := w.Add(l.Path); err == nil {
					reload.Reset(reloadDebounce)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			flog.Warnf("config watch: %v", err)
		case <-reload.C:
			if _, err := l.Sync(rt); err != nil {
				flog.Errorf("config reload failed, keeping current routes: %v", err)
			}
		}
	}
}
