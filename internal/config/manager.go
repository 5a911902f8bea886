package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Event describes one observed configuration change.
type Event struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete, manual_reload
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler is called when a watched file changes. Handlers run on their own
// goroutines; they must not assume ordering across events.
type Handler func(event Event) error

// Validator rejects a parsed config before it replaces the current one.
type Validator func(config map[string]interface{}) error

// Manager watches a directory of JSON/YAML files and hot-reloads them,
// notifying registered handlers. Used for the runtime-tunable knobs; the
// static portion of configuration is read once at boot.
type Manager struct {
	dir      string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopCh   chan struct{}
	started  bool
	interval time.Duration // polling fallback; 0 disables

	mu         sync.RWMutex
	configs    map[string]map[string]interface{}
	handlers   map[string][]Handler
	validators map[string]Validator
}

// NewManager creates a manager for the given directory, creating it when
// absent so first deploys can ship without a config volume.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Manager{
		dir:        dir,
		watcher:    watcher,
		logger:     logger,
		stopCh:     make(chan struct{}),
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]Handler),
		validators: make(map[string]Validator),
	}, nil
}

// EnablePolling turns on a modtime polling fallback for filesystems where
// inotify is unreliable (some network mounts).
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = interval
}

// Start loads all config files and begins watching for changes.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := m.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	m.mu.Lock()
	m.started = true
	loaded := len(m.configs)
	interval := m.interval
	m.mu.Unlock()

	go m.watchLoop()
	if interval > 0 {
		go m.pollLoop(interval)
	}

	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.dir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling", interval > 0),
	)
	return nil
}

// Stop shuts the watcher down.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	return nil
}

// RegisterHandler subscribes to changes of one file (by base name).
func (m *Manager) RegisterHandler(filename string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator installs a pre-apply check for one file.
func (m *Manager) RegisterValidator(filename string, validator Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = validator
}

// Get returns a copy of the current config of one file.
func (m *Manager) Get(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[filename]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// Set applies a config programmatically, running validators and handlers as
// if the file had changed. Used by tests.
func (m *Manager) Set(filename string, config map[string]interface{}) error {
	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	m.mu.Lock()
	m.configs[filename] = config
	m.mu.Unlock()

	m.notify(filename, "programmatic_set", config)
	return nil
}

// Reload re-reads one file by base name.
func (m *Manager) Reload(filename string) error {
	return m.loadFile(filepath.Join(m.dir, filename), "manual_reload")
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	modTimes := make(map[string]time.Time)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(modTimes)
		}
	}
}

func (m *Manager) pollOnce(modTimes map[string]time.Time) {
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isConfigFile(path) {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if info.ModTime().After(modTimes[name]) {
			modTimes[name] = info.ModTime()
			return m.loadFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	switch {
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		return
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		m.handleRemoval(filename)
	default:
		// Editors often emit several writes in quick succession.
		time.Sleep(50 * time.Millisecond)
		action := "modify"
		if event.Op&fsnotify.Create == fsnotify.Create {
			action = "create"
		}
		if err := m.loadFile(event.Name, action); err != nil {
			m.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) loadAll() error {
	return filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isConfigFile(path) {
			return err
		}
		return m.loadFile(path, "initial_load")
	})
}

func (m *Manager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	filename := filepath.Base(path)
	config := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	default: // .yaml, .yml
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}

	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	m.mu.Lock()
	m.configs[filename] = config
	m.mu.Unlock()

	m.notify(filename, action, config)

	m.logger.Info("Configuration loaded",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (m *Manager) handleRemoval(filename string) {
	m.mu.Lock()
	last := m.configs[filename]
	delete(m.configs, filename)
	m.mu.Unlock()

	m.notify(filename, "delete", last)
	m.logger.Info("Configuration file removed", zap.String("file", filename))
}

// notify fans an event out to the file's handlers. The config map is copied
// per event so handlers cannot race on shared state.
func (m *Manager) notify(filename, action string, config map[string]interface{}) {
	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers[filename]))
	copy(handlers, m.handlers[filename])
	m.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	configCopy := make(map[string]interface{}, len(config))
	for k, v := range config {
		configCopy[k] = v
	}
	event := Event{
		File:      filename,
		Action:    action,
		Config:    configCopy,
		Timestamp: time.Now(),
	}

	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				m.logger.Error("Configuration handler error",
					zap.String("file", filename),
					zap.String("action", action),
					zap.Error(err),
				)
			}
		}()
	}
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
