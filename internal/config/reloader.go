package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the new configuration
// after a successful reload.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file on change or SIGHUP. Only
// settings that do not affect stored data may change; storage, key and
// algorithm settings are fixed for the life of the process.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for path. An empty path disables file
// watching; SIGHUP is still handled.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.New()
	}
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: copyConfig(initial),
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function called after each successful reload.
func (r *ConfigReloader) SetOnReloadCallback(fn ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyConfig(r.current)
}

// Start processes file events and signals until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.stop:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reloadAndLog()
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.WithField("op", event.Op.String()).Debug("Configuration file changed")
			r.reloadAndLog()
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop ends Start and releases the watcher and signal handler.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		signal.Stop(r.signals)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reloadAndLog() {
	if err := r.Reload(); err != nil {
		r.logger.WithError(err).Error("Configuration reload rejected")
		return
	}
	r.logger.Info("Configuration reloaded")
}

// Reload reads the configuration file, checks that only reloadable settings
// changed and applies it.
func (r *ConfigReloader) Reload() error {
	if r.path == "" {
		return fmt.Errorf("no configuration file to reload")
	}
	next, err := LoadConfig(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateReloadSafety(r.current, next); err != nil {
		return err
	}
	if r.onReload != nil {
		if err := r.onReload(copyConfig(r.current), copyConfig(next)); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}
	r.current = next
	return nil
}

// validateReloadSafety rejects changes to settings that determine where and
// how data is stored.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	checks := []struct {
		name    string
		changed bool
	}{
		{"data_dir", old.DataDir != new.DataDir},
		{"keystore.protector", old.KeyStore.Protector != new.KeyStore.Protector},
		{"keystore.path", old.KeyStore.Path != new.KeyStore.Path},
		{"keystore.passphrase_env", old.KeyStore.PassphraseEnv != new.KeyStore.PassphraseEnv},
		{"keystore.argon2", old.KeyStore.Argon2 != new.KeyStore.Argon2},
		{"kv.backend", old.KV.Backend != new.KV.Backend},
		{"kv.path", old.KV.Path != new.KV.Path},
		{"kv.algorithm", old.KV.Algorithm != new.KV.Algorithm},
		{"blob.backend", old.Blob.Backend != new.Blob.Backend},
		{"blob.dir", old.Blob.Dir != new.Blob.Dir},
		{"blob.chunk_size", old.Blob.ChunkSize != new.Blob.ChunkSize},
		{"blob.algorithm", old.Blob.Algorithm != new.Blob.Algorithm},
		{"blob.compression.enabled", old.Blob.Compression.Enabled != new.Blob.Compression.Enabled},
		{"backend.provider", old.Backend.Provider != new.Backend.Provider},
		{"backend.endpoint", old.Backend.Endpoint != new.Backend.Endpoint},
		{"backend.bucket", old.Backend.Bucket != new.Backend.Bucket},
		{"backend.prefix", old.Backend.Prefix != new.Backend.Prefix},
	}
	for _, c := range checks {
		if c.changed {
			return fmt.Errorf("%s cannot be changed during hot reload", c.name)
		}
	}
	return nil
}

func copyConfig(c *Config) *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	cp.Blob.Compression.ContentTypes = append([]string(nil), c.Blob.Compression.ContentTypes...)
	return &cp
}
