// Package listwatch delivers the complete contents of small list files to a
// handler whenever they change on disk.
package listwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/you/dankchat-api/internal/logging"
)

const DefaultDebounce = 250 * time.Millisecond

// ErrUnknownList is returned by Reload for a name no watched file carries.
var ErrUnknownList = errors.New("listwatch: unknown list")

// Handler receives the whole file. A missing file is delivered as nil data.
type Handler func(data []byte) error

type File struct {
	Name   string
	Path   string
	Handle Handler
}

type Options struct {
	Debounce time.Duration
}

type Watcher struct {
	files    map[string]File // by cleaned absolute path
	debounce time.Duration

	mu sync.Mutex // serializes deliveries
}

// New ignores files with an empty path.
func New(files []File, opts Options) *Watcher {
	w := &Watcher{
		files:    make(map[string]File, len(files)),
		debounce: opts.Debounce,
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	for _, f := range files {
		if f.Path == "" || f.Handle == nil {
			continue
		}
		abs, err := filepath.Abs(f.Path)
		if err != nil {
			abs = filepath.Clean(f.Path)
		}
		w.files[abs] = f
	}
	return w
}

// LoadAll delivers every file once.
func (w *Watcher) LoadAll() error {
	var firstErr error
	for _, path := range w.paths() {
		if err := w.load(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reload delivers the named file, or every file when name is empty.
func (w *Watcher) Reload(name string) error {
	found := false
	var firstErr error
	for _, path := range w.paths() {
		if name != "" && w.files[path].Name != name {
			continue
		}
		found = true
		if err := w.load(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !found && name != "" {
		return errors.WithMessagef(ErrUnknownList, "%q", name)
	}
	return firstErr
}

func (w *Watcher) paths() []string {
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) load(path string) error {
	f := w.files[path]
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Error().Err(err).Str("list", f.Name).Str("path", path).Msg("listwatch: read failed")
			return errors.Wrapf(err, "read %s", path)
		}
		data = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := f.Handle(data); err != nil {
		logging.Error().Err(err).Str("list", f.Name).Str("path", path).Msg("listwatch: list rejected, keeping previous")
		return errors.Wrapf(err, "apply %s", f.Name)
	}
	logging.Info().Str("list", f.Name).Str("path", path).Int("bytes", len(data)).Msg("listwatch: list loaded")
	return nil
}

// Serve delivers every file, then redelivers files after they change until
// ctx ends. Parent directories are watched so editors that replace files by
// rename are seen too. It satisfies suture.Service.
func (w *Watcher) Serve(ctx context.Context) error {
	if len(w.files) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "listwatch: new watcher")
	}
	defer fw.Close()

	dirs := make(map[string]struct{})
	for path := range w.files {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	added := 0
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			logging.Error().Err(err).Str("dir", dir).Msg("listwatch: watch add")
			continue
		}
		added++
	}

	_ = w.LoadAll()
	if added == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("listwatch: event channel closed")
			}
			path := filepath.Clean(ev.Name)
			if _, watched := w.files[path]; !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[path] = struct{}{}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.debounce)
		case <-debounce.C:
			for path := range pending {
				_ = w.load(path)
				delete(pending, path)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("listwatch: error channel closed")
			}
			logging.Error().Err(err).Msg("listwatch: watch error")
		}
	}
}

func (w *Watcher) String() string {
	return fmt.Sprintf("listwatch(%d files)", len(w.files))
}
