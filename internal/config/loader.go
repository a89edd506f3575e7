package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${NAME} and ${NAME:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR} and ${VAR:-default} references in raw
// YAML text with values from the process environment, so operators can
// keep secrets out of the committed config file.
func substituteEnvVars(raw string) string {
	return envVarPattern.ReplaceAllStringFunc(raw, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		name, def := parts[1], parts[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}

// Loader holds the current configuration and the file it was loaded from,
// supporting hot-reload the way the teacher's deleted policy loader
// watched its config directory for changes.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewLoader returns a Loader pre-populated with DefaultConfig, so a
// gateway can start with zero configuration present on disk.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads and parses the YAML file at path, substituting environment
// variables before unmarshalling, and replaces the current config on
// success.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	expanded := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file previously passed to Load. It returns an error
// if Load has not yet succeeded once.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: Reload called before Load")
	}
	return l.Load(path)
}

// Get returns the current configuration snapshot.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path last passed to Load, or "" if Load has not
// been called.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Watch starts an fsnotify watch on the directory containing the
// currently loaded file and reloads on every write, the way the deleted
// policy loader watched its config directory rather than the file
// itself (editors replace files atomically on save, which shows up as a
// rename+create rather than a write to the original path). log receives
// a warning on any reload failure; a bad edit never crashes the
// gateway, it just keeps serving the last good config.
func (l *Loader) Watch(log *slog.Logger) error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: Watch called before Load")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch dir: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop(log, filepath.Base(path))
	return nil
}

func (l *Loader) watchLoop(log *slog.Logger, fileName string) {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != fileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				log.Warn("config reload failed", "error", err)
			} else {
				log.Info("config reloaded", "path", ev.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", "error", err)
		}
	}
}

// Close stops the file watch started by Watch. It is a no-op if Watch was
// never called.
func (l *Loader) Close() error {
	if l.done != nil {
		close(l.done)
	}
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// GenerateDefault writes DefaultConfig as YAML to path, for `toolgated
// policy init`-style scaffolding.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
