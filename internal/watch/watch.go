// Package watch monitors a repository's git directory for ref movement, so
// watch mode can re-run derivation when new commits land. It observes the
// loose ref files under refs/heads plus packed-refs, which together cover
// every way git advances a branch.
package watch

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RefChange reports that a branch ref moved.
type RefChange struct {
	// Ref is the full ref name when it could be derived from a loose ref
	// file; empty for packed-refs updates.
	Ref  string
	File string
}

// Watcher monitors a git directory for branch updates using fsnotify.
type Watcher struct {
	GitDir  string
	Changes <-chan RefChange

	changes chan RefChange
	done    chan struct{}
	watcher *fsnotify.Watcher
}

// New creates a watcher over the given git directory.
func New(gitDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ch := make(chan RefChange, 16)
	return &Watcher{
		GitDir:  gitDir,
		Changes: ch,
		changes: ch,
		done:    make(chan struct{}),
		watcher: fw,
	}, nil
}

// Start begins watching. The heads directory may not exist in a repository
// whose refs are all packed; only the git dir itself is required.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.GitDir); err != nil {
		return err
	}
	heads := filepath.Join(w.GitDir, "refs", "heads")
	if err := w.watcher.Add(heads); err == nil {
		_ = w.addBranchDirs(heads)
	}

	go w.loop()
	return nil
}

// addBranchDirs registers nested branch namespaces (refs/heads/feature/...)
// so renames inside them are seen. Best effort.
func (w *Watcher) addBranchDirs(heads string) error {
	matches, err := filepath.Glob(filepath.Join(heads, "*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		_ = w.watcher.Add(m)
	}
	return nil
}

// Stop closes the watcher and channels.
func (w *Watcher) Stop() {
	w.watcher.Close()
	<-w.done
	close(w.changes)
}

func (w *Watcher) loop() {
	defer close(w.done)

	// Debounce: git writes ref.lock, the ref, then removes the lock; a
	// single update fires several events in quick succession.
	const debounce = 200 * time.Millisecond
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				for file := range pending {
					w.emit(file)
				}
				return
			}

			if !w.isRefFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending[event.Name] = time.Now()
			}

		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			now := time.Now()
			for file, t := range pending {
				if now.Sub(t) >= debounce {
					w.emit(file)
					delete(pending, file)
				}
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal.
		}
	}
}

func (w *Watcher) isRefFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasSuffix(base, ".lock") {
		return false
	}
	if base == "packed-refs" {
		return true
	}
	rel, err := filepath.Rel(w.GitDir, name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return strings.HasPrefix(rel, "refs/heads/")
}

func (w *Watcher) emit(file string) {
	change := RefChange{File: file}
	if rel, err := filepath.Rel(w.GitDir, file); err == nil {
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "refs/heads/") {
			change.Ref = rel
		}
	}
	// Never block: Stop drains pending changes after the consumer has
	// stopped reading, and one coalesced change is enough to trigger a
	// re-run anyway.
	select {
	case w.changes <- change:
	default:
	}
}
