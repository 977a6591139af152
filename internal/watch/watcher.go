// Package watch hot-reloads the filter vocabulary and processing defaults
// when the config file changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/logging"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
)

// Rules are the immutable lookup tables derived from the config.
type Rules struct {
	Vocabulary *metadata.Vocabulary
	Defaults   *metadata.ProcessingDefaults
	LoadedAt   time.Time
}

// LoadRules builds Rules from cfg.
func LoadRules(cfg *config.Config) (*Rules, error) {
	vocab, err := cfg.BuildVocabulary()
	if err != nil {
		return nil, err
	}
	defaults, err := cfg.BuildDefaults(vocab)
	if err != nil {
		return nil, err
	}
	return &Rules{Vocabulary: vocab, Defaults: defaults, LoadedAt: time.Now()}, nil
}

type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	logger   logging.Logger
	onReload func(*Rules)

	debounceMs atomic.Int64
	current    atomic.Pointer[Rules]

	mu       sync.Mutex
	queuedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type Config struct {
	// Path is the config file to watch. Required.
	Path    string
	Initial *Rules
	Logger  logging.Logger
	// OnReload is called after every successful reload.
	OnReload   func(*Rules)
	DebounceMs int
}

func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("watch: config path is required")
	}
	if cfg.Initial == nil {
		return nil, errors.New("watch: initial rules are required")
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Path, err)
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	debounceMs := cfg.DebounceMs
	if debounceMs <= 0 {
		debounceMs = 250
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	w := &Watcher{
		watcher:  fsWatcher,
		path:     path,
		logger:   logger,
		onReload: cfg.OnReload,
		stopCh:   make(chan struct{}),
	}
	w.debounceMs.Store(int64(debounceMs))
	w.current.Store(cfg.Initial)
	return w, nil
}

// Current returns the rules in effect. It is safe for concurrent use.
func (w *Watcher) Current() *Rules {
	return w.current.Load()
}

// Watch blocks until ctx is done or Stop is called. The parent directory is
// watched so editors that replace the file by rename are seen.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.InfoCtx(ctx, "watching config", "path", w.path)

	go w.processDebounced(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnCtx(ctx, "watcher error", "error", err)
		}
	}
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.queuedAt = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	interval := time.Duration(w.debounceMs.Load()) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			due := !w.queuedAt.IsZero() && time.Since(w.queuedAt) >= interval
			if due {
				w.queuedAt = time.Time{}
			}
			w.mu.Unlock()
			if due {
				if err := w.Reload(); err != nil {
					w.logger.WarnCtx(ctx, "config reload failed, keeping previous rules", "path", w.path, "error", err)
				}
			}
		}
	}
}

// Reload reads the config file now. On error the current rules are kept.
func (w *Watcher) Reload() error {
	cfg, err := config.Load(w.path)
	if err != nil {
		return err
	}
	rules, err := LoadRules(cfg)
	if err != nil {
		return err
	}
	w.current.Store(rules)
	w.logger.Info("config reloaded", "path", w.path, "processing_kinds", len(rules.Defaults.Kinds()))
	if w.onReload != nil {
		w.onReload(rules)
	}
	return nil
}
