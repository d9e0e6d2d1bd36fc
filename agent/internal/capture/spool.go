package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

var frameExts = map[string]struct{}{".jpg": {}, ".jpeg": {}, ".png": {}}

// SpoolCamera serves frames that a camera daemon drops into a directory. The
// newest frame is handed out once and removed; older pending frames are
// discarded with it.
type SpoolCamera struct {
	dir     string
	watcher *fsnotify.Watcher
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewSpoolCamera(dir string, log zerolog.Logger) (*SpoolCamera, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("spool dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("spool dir %s is not a directory", abs)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(abs); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	c := &SpoolCamera{
		dir:     abs,
		watcher: watcher,
		log:     log,
		pending: make(map[string]time.Time),
		stop:    make(chan struct{}),
	}
	c.scan()

	c.wg.Add(1)
	go c.processEvents()
	log.Info().Str("dir", abs).Msg("watching spool directory")
	return c, nil
}

// scan picks up frames written before the watch started.
func (c *SpoolCamera) scan() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn().Err(err).Str("dir", c.dir).Msg("spool scan failed")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isFrame(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		c.mark(filepath.Join(c.dir, e.Name()), info.ModTime())
	}
}

func (c *SpoolCamera) processEvents() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case evt, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(evt)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Error().Err(err).Msg("spool watcher error")
		}
	}
}

func (c *SpoolCamera) handleEvent(evt fsnotify.Event) {
	path := filepath.Clean(evt.Name)
	if !isFrame(path) {
		return
	}
	switch {
	case evt.Op&(fsnotify.Create|fsnotify.Write) != 0:
		c.mark(path, time.Now())
	case evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		c.mu.Lock()
		delete(c.pending, path)
		c.mu.Unlock()
	}
}

func (c *SpoolCamera) mark(path string, at time.Time) {
	c.mu.Lock()
	c.pending[path] = at
	c.mu.Unlock()
}

// Pending returns the number of frames not yet consumed.
func (c *SpoolCamera) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *SpoolCamera) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	var newest string
	var newestAt time.Time
	for p, at := range c.pending {
		if newest == "" || at.After(newestAt) || (at.Equal(newestAt) && p > newest) {
			newest, newestAt = p, at
		}
	}
	stale := make([]string, 0, len(c.pending))
	for p := range c.pending {
		if p != newest {
			stale = append(stale, p)
		}
	}
	c.pending = make(map[string]time.Time)
	c.mu.Unlock()

	for _, p := range stale {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Err(err).Str("path", p).Msg("remove stale frame failed")
		}
	}
	if newest == "" {
		return nil, ErrNoNewFrame
	}

	data, err := os.ReadFile(newest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoNewFrame
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if err := os.Remove(newest); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn().Err(err).Str("path", newest).Msg("remove consumed frame failed")
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	return data, nil
}

func (c *SpoolCamera) Close() error {
	var closeErr error
	c.once.Do(func() {
		close(c.stop)
		closeErr = c.watcher.Close()
	})
	c.wg.Wait()
	return closeErr
}

func isFrame(name string) bool {
	_, ok := frameExts[strings.ToLower(filepath.Ext(name))]
	return ok
}
