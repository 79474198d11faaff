package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const defaultWatchInterval = 5 * time.Second

// Watcher reloads a config file when its content changes. Each reload goes
// through the same env overrides and validation as [Load]; a reload that
// fails keeps the previous config and is only logged.
type Watcher struct {
	path     string
	interval time.Duration
	lookuper envconfig.Lookuper
	adjust   func(*Config) error
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	cancel context.CancelFunc
	done   chan struct{}
}

// fingerprint identifies one version of the file on disk.
type fingerprint struct {
	mod time.Time
	sum [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookuper replaces the process environment as override source.
func WithLookuper(l envconfig.Lookuper) WatcherOption {
	return func(w *Watcher) { w.lookuper = l }
}

// WithAdjust runs fn on every loaded config before it is accepted, e.g. to
// reapply command-line overrides. An error rejects the load.
func WithAdjust(fn func(*Config) error) WatcherOption {
	return func(w *Watcher) { w.adjust = fn }
}

// NewWatcher loads path and polls it until ctx ends or Stop is called.
// onChange runs on the polling goroutine and may be nil.
func NewWatcher(ctx context.Context, path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		lookuper: envconfig.OsLookuper(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, fp, err := w.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight reload. Safe to call more
// than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mod)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, fp, err := w.load(ctx)
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen = fp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) load(ctx context.Context) (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := parse(ctx, data, w.lookuper)
	if err != nil {
		return nil, fingerprint{}, err
	}
	if w.adjust != nil {
		if err := w.adjust(cfg); err != nil {
			return nil, fingerprint{}, err
		}
	}
	return cfg, fingerprint{mod: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
