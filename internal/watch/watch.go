// Package watch drops cache entries as soon as their inputs change on
// disk, instead of waiting for the next lookup to notice.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/arch-stack/scancache/internal/cache"
	"github.com/arch-stack/scancache/internal/config"
	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/scope"
)

// Event describes one invalidation.
type Event struct {
	Path string
	// Namespaces lists namespaces cleared because Path is one of their
	// triggers.
	Namespaces []string
	Removed    int
}

// Watcher maps file changes under Root to cache invalidations.
type Watcher struct {
	root     string
	cache    *cache.Manager
	elig     *scope.Eligibility
	triggers map[string][]string

	// OnEvent, if set, is called after every change that removed entries
	// or matched a trigger.
	OnEvent func(Event)
}

// New creates a watcher using the trigger lists of the settings' profiles.
func New(mgr *cache.Manager, settings *config.Settings) (*Watcher, error) {
	elig, err := scope.NewEligibility(settings.Root, nil, nil, settings.MaxFileBytes)
	if err != nil {
		return nil, err
	}
	triggers := make(map[string][]string)
	for _, ns := range settings.Namespaces() {
		p := settings.Profile(ns)
		for _, t := range p.Triggers {
			if !doublestar.ValidatePattern(t) {
				return nil, errors.Errorf("profile %s: invalid trigger pattern %q", ns, t)
			}
		}
		if len(p.Triggers) > 0 {
			triggers[ns] = p.Triggers
		}
	}
	return &Watcher{root: settings.Root, cache: mgr, elig: elig, triggers: triggers}, nil
}

func matchTrigger(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		// A bare file name matches at any depth.
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, path.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}

// Handle invalidates everything affected by a change to the root-relative
// file rel.
func (w *Watcher) Handle(ctx context.Context, rel string) (Event, error) {
	rel = filepath.ToSlash(rel)
	ev := Event{Path: rel}
	var result *multierror.Error

	for _, ns := range sortedKeys(w.triggers) {
		if !matchTrigger(w.triggers[ns], rel) {
			continue
		}
		ev.Namespaces = append(ev.Namespaces, ns)
		repo, err := w.cache.Namespace(ns)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		n, err := repo.InvalidateAll(ctx)
		ev.Removed += n
		if err != nil {
			result = multierror.Append(result, err)
		}
		logger.G(ctx).WithField("namespace", ns).WithField("trigger", rel).WithField("removed", n).Info("trigger changed, namespace cleared")
	}

	if !strings.HasPrefix(path.Base(rel), ".") && !w.elig.SkipDirOf(rel) {
		n, err := w.cache.InvalidateMember(ctx, rel)
		ev.Removed += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if ev.Removed > 0 || len(ev.Namespaces) > 0 {
		logger.G(ctx).WithField("path", rel).WithField("removed", ev.Removed).Debug("cache invalidated")
		if w.OnEvent != nil {
			w.OnEvent(ev)
		}
	}
	return ev, result.ErrorOrNil()
}

// addTree watches dir and every non-skipped directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return nil
		}
		if w.elig.SkipDir(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return errors.Wrapf(err, "watching %s", p)
		}
		return nil
	})
}

// Run watches the repository until ctx is done.
func (w *Watcher) Run(ctx context.Context, ready func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	logger.G(ctx).WithField("root", w.root).Info("watching repository for changes")
	if ready != nil {
		ready()
	}

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						logger.G(ctx).WithError(err).Warn("failed to watch new directory")
					}
					continue
				}
			}
			if _, err := w.Handle(ctx, rel); err != nil {
				logger.G(ctx).WithError(err).WithField("path", rel).Warn("invalidation failed")
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Error("watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
