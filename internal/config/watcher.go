package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// sameMeta reports whether fi matches the stamp's size and mtime. Editors
// that rewrite a file in place within one mtime tick still change the sum,
// so a matching stamp is only a hint.
func (s fileStamp) sameMeta(fi os.FileInfo) bool {
	return fi.Size() == s.size && fi.ModTime().Equal(s.modTime)
}

// Watcher reloads the config file when it changes on disk, or when Reload
// is called (cmd/hark wires SIGHUP to it). A new config reaches onChange
// only when it parses and validates; a broken edit is logged and the last
// good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, next *Config)
	log      *slog.Logger

	// reloadMu serialises checks from the poll loop and Reload.
	reloadMu sync.Mutex
	mu       sync.Mutex
	current  *Config
	seen     fileStamp
	applied  [sha256.Size]byte

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval (default 5s). Zero disables
// polling; the file is then only re-read on Reload.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and starts watching it. The initial load must
// succeed.
func NewWatcher(path string, onChange func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen, w.applied = cfg, stamp, stamp.sum

	if w.interval > 0 {
		go w.loop()
	} else {
		close(w.stopped)
	}
	return w, nil
}

// Current returns the last config that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file regardless of its metadata and reports whether
// a new config was applied. A broken file is returned as an error and is
// not logged.
func (w *Watcher) Reload() (bool, error) {
	return w.check(true)
}

// Stop ends polling and waits for an in-flight check to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, err := w.check(false); err != nil {
				w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) check(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	seen, applied := w.seen, w.applied
	w.mu.Unlock()

	if !force {
		fi, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if seen.sameMeta(fi) {
			return false, nil
		}
	}

	cfg, stamp, err := w.read()
	w.mu.Lock()
	if !stamp.modTime.IsZero() {
		// A broken file is reported once per edit, not once per tick.
		w.seen = stamp
	}
	if err != nil || stamp.sum == applied {
		w.mu.Unlock()
		return false, err
	}
	old := w.current
	w.current, w.applied = cfg, stamp.sum
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path, "restart_required", Diff(old, cfg).RestartRequired)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// read parses and validates the file. The returned stamp describes the
// bytes read even when they fail to parse.
func (w *Watcher) read() (*Config, fileStamp, error) {
	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := fileStamp{modTime: fi.ModTime(), size: fi.Size(), sum: sha256.Sum256(data)}
	cfg, err := readBytes(data)
	if err != nil {
		return nil, stamp, err
	}
	return cfg, stamp, nil
}
