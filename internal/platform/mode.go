package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"possum/internal/location"
	"possum/internal/logging"
)

// ErrModeUnset is returned when the mode file does not exist.
var ErrModeUnset = errors.New("platform: location mode not set")

const modeDebounce = 100 * time.Millisecond

// ModeSetting is the consolidated location mode, kept in a file that
// holds one of high_accuracy, off, sensors_only or battery_saving. Edits
// to the file are reported as provider changes.
type ModeSetting struct {
	path   string
	logger *logging.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	subs    map[uint64]func()
	nextID  uint64
	done    chan struct{}
}

var (
	_ location.Settings         = (*ModeSetting)(nil)
	_ location.ProvidersChanged = (*ModeSetting)(nil)
)

// NewModeSetting creates a setting backed by path. An empty path means
// the host has no consolidated mode.
func NewModeSetting(path string, logger *logging.Logger) *ModeSetting {
	if logger == nil {
		logger = logging.Default()
	}
	return &ModeSetting{
		path:   path,
		logger: logger.WithComponent("location-mode"),
		subs:   make(map[uint64]func()),
	}
}

// ModeSupported reports whether a mode file is configured.
func (m *ModeSetting) ModeSupported() bool { return m.path != "" }

// LocationMode reads the current mode.
func (m *ModeSetting) LocationMode() (location.Mode, error) {
	if m.path == "" {
		return 0, ErrModeUnset
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrModeUnset, m.path)
		}
		return 0, fmt.Errorf("read location mode: %w", err)
	}
	return location.ParseMode(string(data))
}

// SetLocationMode writes mode to the file.
func (m *ModeSetting) SetLocationMode(mode location.Mode) error {
	if m.path == "" {
		return ErrModeUnset
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("create mode dir: %w", err)
	}
	return os.WriteFile(m.path, []byte(mode.String()+"\n"), 0600)
}

// SubscribeProvidersChanged calls fn after every change to the mode
// file. The watcher starts with the first subscription.
func (m *ModeSetting) SubscribeProvidersChanged(fn func()) (func(), error) {
	if m.path == "" {
		return nil, ErrModeUnset
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		// Editors replace files by rename, so watch the directory.
		if err := watcher.Add(filepath.Dir(m.path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch mode dir: %w", err)
		}
		m.watcher = watcher
		m.done = make(chan struct{})
		go m.watchLoop(watcher, m.done)
	}

	m.nextID++
	id := m.nextID
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

func (m *ModeSetting) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(m.path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(modeDebounce, m.notify)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("mode watcher", "error", err)
		}
	}
}

func (m *ModeSetting) notify() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close stops the watcher.
func (m *ModeSetting) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return nil
	}
	close(m.done)
	err := m.watcher.Close()
	m.watcher = nil
	return err
}
