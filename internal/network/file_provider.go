package network

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileProvider reads connectivity from a flag file maintained by the
// platform shim. The file holds "online" or "offline"; a missing file
// means offline. Changes are picked up through fsnotify on the parent
// directory so the file may be replaced atomically.
type FileProvider struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	subs    subscribers

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileProvider watches path. Call Close when done.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve connectivity file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	p := &FileProvider{
		path:    abs,
		logger:  logger,
		watcher: watcher,
		running: true,
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.processEvents()
	return p, nil
}

// Current reads the flag file.
func (p *FileProvider) Current(context.Context) (bool, error) {
	return readFlag(p.path)
}

// Subscribe registers fn for changes to the flag file.
func (p *FileProvider) Subscribe(fn func(online bool)) func() {
	return p.subs.add(fn)
}

// Close stops the watcher and waits for the event loop to exit.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.done)
	err := p.watcher.Close()
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (p *FileProvider) processEvents() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			online, err := readFlag(p.path)
			if err != nil {
				p.logger.Warn("read connectivity file", "path", p.path, "error", err)
				continue
			}
			p.subs.notify(online)

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("connectivity watcher error", "error", err)
		}
	}
}

func readFlag(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "online", "up", "true", "1":
		return true, nil
	default:
		return false, nil
	}
}
