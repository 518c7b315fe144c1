package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/slidequeue/scheduler/pkg/common/logging"
)

// Watcher reloads Config from its source file whenever it changes on
// disk, handing each successfully-validated reload to onChange. A
// reload that fails validation (or fails to parse) is logged and
// ignored; the previous configuration keeps serving, so a config change
// takes effect only once it is fully formed, never partially.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *logging.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	current *Config
}

// NewWatcher starts watching path for changes, invoking onChange with
// each successfully reloaded Config. initial is the config already in
// effect (normally the result of LoadConfig(path)).
func NewWatcher(path string, initial *Config, onChange func(*Config), logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, onChange: onChange, logger: logger, fsw: fsw, current: initial}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("config reload failed, keeping previous configuration", map[string]interface{}{
				"path": w.path, "error": err.Error(),
			})
		}
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Current returns the most recently, successfully loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
