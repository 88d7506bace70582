package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SettingsFileName is the default settings document name.
const SettingsFileName = "mcp_settings.json"

// EnvSettingPath overrides settings file resolution; it may point at the file
// itself or at a directory containing it.
const EnvSettingPath = "MCPHUB_SETTING_PATH"

// Store owns the settings document: loading with environment expansion,
// validated atomic persistence, and change notification. Writes are
// serialized; readers take immutable snapshots.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex // serializes Save and subscriber bookkeeping
	subs    map[int]func(*Settings)
	nextSub int

	current atomic.Pointer[Settings]

	watcher *fsnotify.Watcher
}

// NewStore resolves the settings path and returns a store. No file access
// happens until Load or Save.
func NewStore(explicitPath string, logger *zap.Logger) *Store {
	return &Store{
		path:   ResolvePath(explicitPath),
		logger: logger.Named("settings"),
		subs:   map[int]func(*Settings){},
	}
}

// ResolvePath resolves the settings file location: explicit path, then
// MCPHUB_SETTING_PATH (file or directory), then the working directory, then
// the executable's directory. When nothing exists yet the working-directory
// path is returned so a first Save creates it there.
func ResolvePath(explicit string) string {
	candidate := func(p string) string {
		if p == "" {
			return ""
		}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return filepath.Join(p, SettingsFileName)
		}
		return p
	}

	if p := candidate(explicit); p != "" {
		return p
	}
	if p := candidate(os.Getenv(EnvSettingPath)); p != "" {
		return p
	}
	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, SettingsFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		if exe, err := os.Executable(); err == nil {
			exePath := filepath.Join(filepath.Dir(exe), SettingsFileName)
			if _, err := os.Stat(exePath); err == nil {
				return exePath
			}
		}
		return p
	}
	return SettingsFileName
}

// Path returns the resolved settings file location.
func (st *Store) Path() string {
	return st.path
}

// Current returns the last loaded snapshot, loading once when none exists.
func (st *Store) Current() *Settings {
	if s := st.current.Load(); s != nil {
		return s
	}
	s, err := st.Load()
	if err != nil {
		return DefaultSettings()
	}
	return s
}

// Load reads and parses the document, then expands environment references in
// every string field. A missing file synthesizes the default document.
func (st *Store) Load() (*Settings, error) {
	s, err := st.load(true)
	if err != nil {
		return nil, err
	}
	st.current.Store(s)
	return s, nil
}

// LoadOriginal reads the document without environment expansion; used for
// export and round-tripping.
func (st *Store) LoadOriginal() (*Settings, error) {
	return st.load(false)
}

func (st *Store) load(expand bool) (*Settings, error) {
	raw, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			st.logger.Info("Settings file not found, using defaults",
				zap.String("path", st.path))
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read settings %s: %w", st.path, err)
	}

	if expand {
		raw, err = expandDocument(raw, os.Getenv)
		if err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", st.path, err)
		}
	}

	s := &Settings{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", st.path, err)
	}
	if s.MCPServers == nil {
		s.MCPServers = map[string]*ServerConfig{}
	}
	return s, nil
}

// Save validates the document, writes it atomically (temp file + rename) and
// notifies subscribers. A validation or write failure leaves the on-disk file
// unchanged.
func (st *Store) Save(s *Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".mcp_settings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace settings file: %w", err)
	}

	st.logger.Debug("Settings persisted", zap.String("path", st.path))

	// Re-expand the freshly written document so subscribers see the same view
	// Load would produce.
	expanded, err := st.load(true)
	if err != nil {
		return err
	}
	st.current.Store(expanded)
	st.notifyLocked(expanded)
	return nil
}

// Mutate loads the unexpanded document, applies fn, and saves the result.
// OAuth credential persistence goes through here so that the on-disk file
// stays authoritative.
func (st *Store) Mutate(fn func(*Settings) error) error {
	original, err := st.LoadOriginal()
	if err != nil {
		return err
	}
	if err := fn(original); err != nil {
		return err
	}
	return st.Save(original)
}

// Subscribe registers a callback invoked with each new expanded snapshot.
// The returned function unsubscribes.
func (st *Store) Subscribe(fn func(*Settings)) func() {
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.nextSub
	st.nextSub++
	st.subs[id] = fn
	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		delete(st.subs, id)
	}
}

func (st *Store) notifyLocked(s *Settings) {
	for _, fn := range st.subs {
		go fn(s)
	}
}

// Watch follows external edits of the settings file and broadcasts reloads
// until the watcher is closed. Editors replace files with rename, so the
// parent directory is watched rather than the file itself.
func (st *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(st.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch settings directory: %w", err)
	}
	st.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(st.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				s, err := st.load(true)
				if err != nil {
					st.logger.Warn("Ignoring unreadable settings edit",
						zap.String("path", st.path), zap.Error(err))
					continue
				}
				st.logger.Info("Settings file changed on disk, reloading",
					zap.String("path", st.path))
				st.current.Store(s)
				st.mu.Lock()
				st.notifyLocked(s)
				st.mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				st.logger.Warn("Settings watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (st *Store) Close() error {
	if st.watcher != nil {
		return st.watcher.Close()
	}
	return nil
}
