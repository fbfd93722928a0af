// Package watcher notices credential changes made outside the server, such
// as a CLI login in another terminal, and asks for a fresh auth probe.
package watcher

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce = time.Second
	maxTreeDepth    = 3
)

// Config configures a Watcher.
type Config struct {
	// Dir is the credential directory. It need not exist yet.
	Dir string
	// Files names the credential entries under Dir. When set, only events
	// on those entries, on anything below them, or on Dir itself and its
	// ancestors count as changes. Empty means every event counts.
	Files    []string
	Debounce time.Duration
	// OnChange runs once per burst of filesystem events.
	OnChange func()
	Logger   *slog.Logger
}

// Watcher monitors a credential directory, falling back to its nearest
// existing parent until the directory is created.
type Watcher struct {
	dir      string
	files    []string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	watched map[string]bool
	timer   *time.Timer
}

// New creates a watcher. Call Start to begin watching.
func New(cfg Config) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		dir:      filepath.Clean(cfg.Dir),
		files:    cfg.Files,
		debounce: debounce,
		onChange: cfg.OnChange,
		logger:   logger.With("component", "watcher"),
		watched:  make(map[string]bool),
	}
}

// Start begins watching.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})

	if err := w.attach(); err != nil {
		fsW.Close()
		return err
	}

	go w.watchLoop()
	return nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() {
	if w.fsWatcher == nil {
		return
	}
	close(w.cancel)
	w.fsWatcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// nearestExisting walks up from dir to the first path that exists.
func nearestExisting(dir string) (string, error) {
	for p := dir; ; {
		info, err := os.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return "", errors.New(p + " is not a directory")
			}
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		p = parent
	}
}

// attach watches the credential tree when it exists, otherwise its nearest
// existing ancestor.
func (w *Watcher) attach() error {
	target, err := nearestExisting(w.dir)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if target != w.dir {
		if !w.watched[target] {
			if err := w.fsWatcher.Add(target); err != nil {
				return err
			}
			w.watched[target] = true
			w.logger.Info("credential dir missing, watching parent", "dir", w.dir, "parent", target)
		}
		return nil
	}
	return w.addDirsRecursive(w.dir)
}

// addDirsRecursive adds dir and its subdirectories. Caller holds w.mu.
func (w *Watcher) addDirsRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(dir, path); depth(rel) >= maxTreeDepth {
			return filepath.SkipDir
		}
		if w.watched[path] {
			return nil
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return err
		}
		w.watched[path] = true
		return nil
	})
}

func depth(rel string) int {
	if rel == "." {
		return 0
	}
	n := 1
	for _, c := range rel {
		if c == filepath.Separator {
			n++
		}
	}
	return n
}

// forget drops bookkeeping for a removed path so it is re-added if it
// comes back.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, path)
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer close(w.done)

	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.forget(event.Name)
			}
			if !w.relevant(event.Name) {
				w.logger.Debug("ignoring non-credential change", "path", event.Name)
				continue
			}
			w.schedule()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "dir", w.dir, "error", err)
		}
	}
}

// relevant reports whether a change to path can affect authentication.
// Backends rewrite their own state files while being probed, so those
// must not trigger another probe.
func (w *Watcher) relevant(path string) bool {
	if len(w.files) == 0 {
		return true
	}
	path = filepath.Clean(path)
	if path == w.dir || within(w.dir, path) {
		return true
	}
	if !within(path, w.dir) {
		return false
	}
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if slices.Contains(w.files, part) {
			return true
		}
	}
	return false
}

// within reports whether path lies strictly below root.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// schedule resets the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	select {
	case <-w.cancel:
		return
	default:
	}

	// The credential dir may have appeared or vanished since the last burst.
	if err := w.attach(); err != nil {
		w.logger.Warn("re-attach credential watch", "dir", w.dir, "error", err)
	}
	w.logger.Debug("credential change detected", "dir", w.dir)
	if w.onChange != nil {
		w.onChange()
	}
}
