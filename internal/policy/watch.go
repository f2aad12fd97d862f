package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher hot-reloads a policy file. When a reload fails to parse or
// validate, the previously loaded policy stays active and the error is
// surfaced through the logger and the OnError hook.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	// OnReload is called with the new policy after a successful reload.
	OnReload func(*Policy)
	// OnError is called when a reload fails. Optional.
	OnError func(error)

	mu      sync.RWMutex
	current *Policy
}

// NewWatcher loads the policy at path and starts watching it for changes.
// A missing file yields the default policy and is still watched so that
// creating the file later triggers a load.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: watcher: %w", err)
	}
	// Watch the parent directory so that editors replacing the file, and
	// the file being created after startup, both raise events.
	if werr := fw.Add(filepath.Dir(path)); werr != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", path, werr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, watcher: fw, logger: logger, current: p}, nil
}

// Current returns the active policy.
func (w *Watcher) Current() *Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches for file changes and reloads. Blocks until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close() //nolint:errcheck

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous policy",
			zap.String("path", w.path), zap.Error(err))
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	w.mu.Lock()
	prev := w.current
	w.current = p
	w.mu.Unlock()
	w.logger.Info("policy reloaded",
		zap.String("path", w.path),
		zap.String("hash", p.Hash),
		zap.Int("rules", len(p.Rules)))
	if prev.Hash != p.Hash && w.OnReload != nil {
		w.OnReload(p)
	}
}
