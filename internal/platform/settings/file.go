package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/validation/internal/domain/validation"
)

const reloadDebounce = 100 * time.Millisecond

// FileStore serves settings from a YAML file and reloads them when the file
// changes on disk. A file that fails to parse or validate is logged and the
// previous settings stay in force.
type FileStore struct {
	*state
	path    string
	watcher *fsnotify.Watcher

	writeMu sync.Mutex
}

// OpenFileStore loads path and starts watching its directory. A missing
// file starts the store with default settings.
func OpenFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve settings path: %w", err)
	}
	logger = logger.With().Str("component", "settings").Str("path", abs).Logger()

	initial, err := LoadFile(abs)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn().Msg("settings file not found, using defaults")
		initial = validation.DefaultSettings()
	default:
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create settings watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch settings directory: %w", err)
	}

	return &FileStore{
		state:   newState(initial, logger),
		path:    abs,
		watcher: w,
	}, nil
}

// Watch reloads the file on write events until ctx is done.
func (f *FileStore) Watch(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, f.reload)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

func (f *FileStore) reload() {
	s, err := LoadFile(f.path)
	if err != nil {
		f.logger.Error().Err(err).Msg("settings reload rejected, keeping current settings")
		return
	}
	f.apply(s)
}

// Update validates s, writes it to the file and applies it immediately.
// The reload triggered by the write finds the hash unchanged and does nothing.
func (f *FileStore) Update(_ context.Context, s *validation.Settings) (*validation.Settings, error) {
	s = s.Clone()
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".settings-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("replace settings file: %w", err)
	}
	return f.apply(s), nil
}

// Close stops the watcher; Watch returns once its event channel closes.
func (f *FileStore) Close() error {
	return f.watcher.Close()
}
