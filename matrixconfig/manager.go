package matrixconfig

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fleetwire/inspector/engine/inspection"
	"github.com/fleetwire/inspector/engine/logging"
)

// ConfigValidator is a pluggable check run against a decoded Document
// before it is converted to an inspection.Matrix: structural YAML
// mistakes (an expression node with no variant set, an unknown type
// tag) are caught here; the engine's own invariants (condition count,
// expression depth, memory budget) are left to
// inspection.Engine.SetInspectionMatrix.
type ConfigValidator interface {
	Validate(doc *Document) error
}

// Sink is the subset of inspection.Engine a Manager pushes matrices
// into. Defined narrowly so tests can substitute a recording fake.
type Sink interface {
	SetInspectionMatrix(m *inspection.Matrix) error
}

// Manager owns the on-disk matrix file: it loads and validates a
// Document, remembers a content checksum so a Watcher can skip
// re-applying an unchanged file, and converts on demand.
type Manager struct {
	path string

	mu         sync.RWMutex
	current    *Document
	checksum   string
	validators []ConfigValidator

	log logging.Logger
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithLogger overrides the default slog-backed logger.
func WithLogger(l logging.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithValidator registers an additional ConfigValidator.
func WithValidator(v ConfigValidator) ManagerOption {
	return func(m *Manager) { m.validators = append(m.validators, v) }
}

// NewManager returns a Manager reading from path. The file need not
// exist yet; Load returns an error only once actually called.
func NewManager(path string, opts ...ManagerOption) *Manager {
	m := &Manager{path: path, log: logging.New(nil), validators: []ConfigValidator{DefaultValidator{}}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads, decodes, and validates the matrix file, caching the
// result and its checksum. It always re-reads from disk; callers that
// only want to react to an actual content change compare the file's
// checksum against Checksum before calling ApplyTo, as Watcher.Run
// does.
func (m *Manager) Load() (*Document, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read matrix file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse matrix file: %w", err)
	}

	m.mu.RLock()
	validators := append([]ConfigValidator(nil), m.validators...)
	m.mu.RUnlock()
	for _, v := range validators {
		if err := v.Validate(&doc); err != nil {
			return nil, fmt.Errorf("validate matrix file: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	m.mu.Lock()
	m.current = &doc
	m.checksum = fmt.Sprintf("%x", sum)
	m.mu.Unlock()
	return &doc, nil
}

// Current returns the most recently loaded Document, or nil if Load has
// never succeeded.
func (m *Manager) Current() *Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Checksum returns the content hash of the most recently loaded file.
func (m *Manager) Checksum() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checksum
}

// ApplyTo loads the matrix file, converts it, and pushes it to sink. It
// returns the MatrixRejected error from SetInspectionMatrix unchanged
// so a caller can tell a bad file from a bad matrix.
func (m *Manager) ApplyTo(sink Sink) error {
	doc, err := m.Load()
	if err != nil {
		return err
	}
	matrix, err := ToMatrix(*doc)
	if err != nil {
		return fmt.Errorf("convert matrix document: %w", err)
	}
	return sink.SetInspectionMatrix(matrix)
}

// Watcher drives hot-reload: it watches the directory containing the
// matrix file and re-applies it on every write, skipping a reload when
// the file's content checksum is unchanged (the same edit-save-resave
// dance a text editor produces).
type Watcher struct {
	manager *Manager
	sink    Sink
	watcher *fsnotify.Watcher
	log     logging.Logger
}

// NewWatcher opens an fsnotify watch on the directory containing
// manager's file. Call Run to start reacting to changes.
func NewWatcher(manager *Manager, sink Sink, opts ...ManagerOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(manager.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch dir %s: %w", dir, err)
	}
	w := &Watcher{manager: manager, sink: sink, watcher: fw, log: manager.log}
	return w, nil
}

// Run blocks, applying the matrix file once immediately and again on
// every subsequent write to it, until ctx is cancelled. Errors (a
// temporarily-invalid file, a transient read failure) are logged and
// do not stop the watch; the last good matrix stays active.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.manager.ApplyTo(w.sink); err != nil {
		w.log.ErrorCtx(ctx, "initial matrix load failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return w.watcher.Close()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.manager.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if data, err := os.ReadFile(w.manager.path); err == nil && fmt.Sprintf("%x", sha256.Sum256(data)) == w.manager.Checksum() {
				continue
			}
			before := w.manager.Checksum()
			if err := w.manager.ApplyTo(w.sink); err != nil {
				w.log.ErrorCtx(ctx, "matrix reload failed", "error", err)
				continue
			}
			if w.manager.Checksum() != before {
				w.log.InfoCtx(ctx, "matrix reloaded", "path", w.manager.path, "checksum", w.manager.Checksum())
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.ErrorCtx(ctx, "matrix watcher error", "error", err)
		}
	}
}

// Close stops watching without waiting for Run to observe ctx
// cancellation, for callers that never started Run.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
