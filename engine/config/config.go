// Package config loads the mesh repository's tunables from a TOML file and
// hot-reloads them on change, adapted from the teacher's asset-watcher
// watch-loop shape (engine/assets/assets.go) but pointed at a single
// config file instead of an asset tree.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// Tunables are every value spec.md leaves as "configurable" plus the
// supplemented live-tuning fields from original_source/ (§4.3, §5, §9,
// SPEC_FULL.md's SUPPLEMENTED FEATURES).
type Tunables struct {
	Water struct {
		LowWaterMin  int `toml:"low_water_min"`
		LowWaterMax  int `toml:"low_water_max"`
		HighWaterMin int `toml:"high_water_min"`
		HighWaterMax int `toml:"high_water_max"`
	} `toml:"water"`

	Lanes struct {
		ModernMaxInFlight int           `toml:"modern_max_in_flight"`
		LegacyMaxInFlight int           `toml:"legacy_max_in_flight"`
		SmallTimeout      time.Duration `toml:"small_timeout"`
		LargeTimeout      time.Duration `toml:"large_timeout"`
		LegacyLaneEnabled bool          `toml:"legacy_lane_enabled"`
	} `toml:"lanes"`

	Retry struct {
		BaseDelay  time.Duration `toml:"base_delay"`
		MaxRetries int           `toml:"max_retries"`
	} `toml:"retry"`

	Decomposer struct {
		DegenerateAreaFactor float32 `toml:"degenerate_area_factor"`
	} `toml:"decomposer"`

	CacheDir string `toml:"cache_dir"`
}

// Default mirrors spec.md's stated defaults (§4.3, §5, §6).
func Default() Tunables {
	var t Tunables
	t.Water.LowWaterMin = 16
	t.Water.LowWaterMax = 75
	t.Water.HighWaterMin = 32
	t.Water.HighWaterMax = 150
	t.Lanes.ModernMaxInFlight = 32
	t.Lanes.LegacyMaxInFlight = 64
	t.Lanes.SmallTimeout = 120 * time.Second
	t.Lanes.LargeTimeout = 600 * time.Second
	t.Lanes.LegacyLaneEnabled = true
	t.Retry.BaseDelay = 500 * time.Millisecond
	t.Retry.MaxRetries = 8
	t.Decomposer.DegenerateAreaFactor = 0.0001
	t.CacheDir = "meshcache"
	return t
}

// Loader watches a TOML config file and hot-reloads it, firing
// EVENT_CODE_CONFIG_RELOADED on every successful reload — the
// sRequestLowWaterMark/sRequestHighWaterMark "live tuning" feature
// SPEC_FULL.md's SUPPLEMENTED FEATURES section carries forward.
type Loader struct {
	path string

	current atomic.Pointer[Tunables]

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewLoader reads path once synchronously, then returns a Loader ready to
// Watch in the background.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path, done: make(chan struct{})}
	t, err := l.read()
	if err != nil {
		return nil, err
	}
	l.current.Store(t)
	return l, nil
}

func (l *Loader) read() (*Tunables, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	t := Default()
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", l.path, err)
	}
	return &t, nil
}

// Current returns the most recently loaded tunables. Safe for concurrent
// use.
func (l *Loader) Current() Tunables {
	return *l.current.Load()
}

// Watch starts the fsnotify-driven reload loop on its own goroutine,
// mirroring the teacher's am.start() event loop but scoped to one file.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", l.path, err)
	}
	l.watcher = watcher
	go l.loop()
	return nil
}

func (l *Loader) loop() {
	for {
		select {
		case e, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			t, err := l.read()
			if err != nil {
				core.LogError("config reload failed: %v", err)
				continue
			}
			l.current.Store(t)
			core.LogInfo("config reloaded: %s", l.path)
			core.EventFire(core.EVENT_CODE_CONFIG_RELOADED, l, core.EventContext{})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			core.LogError("config watch error: %v", err)
		case <-l.done:
			l.watcher.Close()
			return
		}
	}
}

// Close stops the watch loop.
func (l *Loader) Close() {
	l.once.Do(func() { close(l.done) })
}
