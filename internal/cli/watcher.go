package cli

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// EventType represents the type of file change event.
type EventType int

const (
	EventCreated EventType = iota
	EventModified
	EventDeleted
	EventRenamed
)

// FileEvent represents a file change event.
type FileEvent struct {
	Type EventType
	Path string
	Name string
}

// String returns a human-readable string for the event type.
func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	case EventRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Watcher watches files and directories for changes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	handlers  map[string][]WatchHandler
	mu        sync.RWMutex
	wg        sync.WaitGroup
	events    chan FileEvent
	done      chan struct{}
	pendingMu sync.Mutex
	pending   map[string]*time.Timer
}

// WatchHandler is called when a file change is detected.
type WatchHandler func(event FileEvent)

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration for file events.
// Multiple events for the same file within this duration will be coalesced.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a new file watcher.
func NewWatcher(opts ...WatcherOption) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		debounce: 100 * time.Millisecond,
		handlers: make(map[string][]WatchHandler),
		events:   make(chan FileEvent, 100),
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// WatchDir watches a directory with an optional handler.
func (w *Watcher) WatchDir(dir string, handler WatchHandler) error {
	w.mu.Lock()
	w.handlers[dir] = append(w.handlers[dir], handler)
	w.mu.Unlock()

	return w.watcher.Add(dir)
}

// AddPath watches an additional directory without registering its own
// handler; events dispatch through whichever registered directory
// prefixes them.
func (w *Watcher) AddPath(dir string) error {
	return w.watcher.Add(dir)
}

// Start begins watching for file changes.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(2)

	go func() {
		defer w.wg.Done()
		w.processLoop(ctx)
	}()

	go func() {
		defer w.wg.Done()
		w.dispatchLoop(ctx)
	}()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	return w.watcher.Close()
}

// processLoop reads fsnotify events and converts them to FileEvents.
func (w *Watcher) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// handleFSEvent converts an fsnotify event to a FileEvent and debounces it.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	var eventType EventType
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = EventCreated
	case event.Op&fsnotify.Write != 0:
		eventType = EventModified
	case event.Op&fsnotify.Remove != 0:
		eventType = EventDeleted
	case event.Op&fsnotify.Rename != 0:
		eventType = EventRenamed
	default:
		return
	}

	fileEvent := FileEvent{
		Type: eventType,
		Path: event.Name,
		Name: filepath.Base(event.Name),
	}

	// Debounce the event
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	// Cancel any pending event for this file
	if timer, exists := w.pending[event.Name]; exists {
		timer.Stop()
	}

	// Schedule a new event
	w.pending[event.Name] = time.AfterFunc(w.debounce, func() {
		w.pendingMu.Lock()
		delete(w.pending, event.Name)
		w.pendingMu.Unlock()

		select {
		case w.events <- fileEvent:
		default:
			log.Warn().Str("path", event.Name).Msg("Event channel full, dropping event")
		}
	})
}

// dispatchLoop dispatches file events to registered handlers.
func (w *Watcher) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event := <-w.events:
			w.dispatchEvent(event)
		}
	}
}

// dispatchEvent finds matching handlers and calls them.
func (w *Watcher) dispatchEvent(event FileEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for dir, handlers := range w.handlers {
		if withinDir(event.Path, dir) {
			for _, handler := range handlers {
				handler(event)
			}
		}
	}
}

// withinDir checks whether a path sits under a watched directory.
func withinDir(path, dir string) bool {
	if path == dir {
		return true
	}
	if strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return true
	}
	return filepath.Dir(path) == dir
}

// HandlerWatcher watches the handler directory tree for source changes.
type HandlerWatcher struct {
	watcher  *Watcher
	dir      string
	onChange func(path string, eventType EventType)
}

const watchDebounce = 200 * time.Millisecond

// NewHandlerWatcher creates a watcher over the handler directory. Every
// subdirectory present at creation time is watched too; fsnotify does
// not recurse on its own.
func NewHandlerWatcher(dir string, onChange func(path string, eventType EventType)) (*HandlerWatcher, error) {
	w, err := NewWatcher(WithDebounce(watchDebounce))
	if err != nil {
		return nil, err
	}

	hw := &HandlerWatcher{
		watcher:  w,
		dir:      dir,
		onChange: onChange,
	}

	handle := func(event FileEvent) {
		if !isHandlerFile(event.Path) {
			return
		}
		log.Debug().
			Str("event", event.Type.String()).
			Str("path", event.Path).
			Msg("Handler file changed")
		if hw.onChange != nil {
			hw.onChange(event.Path, event.Type)
		}
	}

	if err := w.WatchDir(dir, handle); err != nil {
		_ = w.Stop()
		return nil, err
	}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules" {
			return filepath.SkipDir
		}
		if addErr := w.AddPath(path); addErr != nil {
			log.Debug().Err(addErr).Str("path", path).Msg("Failed to watch subdirectory")
		}
		return nil
	})
	if walkErr != nil {
		_ = w.Stop()
		return nil, walkErr
	}

	return hw, nil
}

// Start begins watching for handler changes.
func (hw *HandlerWatcher) Start(ctx context.Context) {
	hw.watcher.Start(ctx)
}

// Stop stops the handler watcher.
func (hw *HandlerWatcher) Stop() error {
	return hw.watcher.Stop()
}

// isHandlerFile returns true if the path is a runnable handler source file.
func isHandlerFile(path string) bool {
	switch filepath.Ext(path) {
	case ".js", ".mjs", ".cjs", ".ts", ".mts":
		return true
	case ".py":
		return true
	case ".go":
		return true
	default:
		return false
	}
}
