package configwatch

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls files and invokes a callback when their content changes.
// A touched file whose bytes are unchanged does not trigger the callback.
type Watcher struct {
	interval time.Duration
	logger   *slog.Logger
	readFile func(string) ([]byte, error)

	mu    sync.Mutex
	files map[string]*watched
}

type watched struct {
	modTime  time.Time
	size     int64
	digest   [sha256.Size]byte
	onChange func(path string)
}

// New creates a Watcher that polls at the given interval.
func New(interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		interval: interval,
		logger:   logger,
		readFile: os.ReadFile,
		files:    make(map[string]*watched),
	}
}

// Watch registers path. The file does not need to exist yet; its first
// appearance counts as a change. Watching a path again replaces the callback.
func (w *Watcher) Watch(path string, onChange func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f := &watched{onChange: onChange}
	if info, err := os.Stat(path); err == nil {
		f.modTime = info.ModTime()
		f.size = info.Size()
		f.digest, _ = w.readDigest(path)
	}
	w.files[path] = f
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	w.mu.Lock()
	var changed []func()
	for path, f := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			// Missing or mid-save; try again next tick.
			continue
		}
		if info.ModTime().Equal(f.modTime) && info.Size() == f.size {
			continue
		}
		digest, err := w.readDigest(path)
		if err != nil {
			// Keep the old stat so the next tick retries the read.
			continue
		}
		f.modTime = info.ModTime()
		f.size = info.Size()
		if digest == f.digest {
			continue
		}
		f.digest = digest

		w.logger.Info("config file changed", "path", path)
		cb, p := f.onChange, path
		changed = append(changed, func() { cb(p) })
	}
	w.mu.Unlock()

	for _, fn := range changed {
		fn()
	}
}

func (w *Watcher) readDigest(path string) ([sha256.Size]byte, error) {
	data, err := w.readFile(path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
