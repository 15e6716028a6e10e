package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"gopkg.in/yaml.v3"
)

// Manager holds the active configuration behind an atomic pointer so readers
// never block a reload. Watchers registered with OnChange run after every
// successful Load.
type Manager struct {
	configPtr unsafe.Pointer
	path      string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
	watchWG   sync.WaitGroup
}

type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
	Lock    LockConfig    `yaml:"lock"`
	Merge   MergeConfig   `yaml:"merge"`
	Log     LogConfig     `yaml:"log"`
}

type StoreConfig struct {
	DBPath       string `yaml:"db_path"`
	WorkspaceID  string `yaml:"workspace_id"`
	CacheMaxCost int64  `yaml:"cache_max_cost"`
}

type SessionConfig struct {
	DefaultTTL      string `yaml:"default_ttl"`
	JanitorInterval string `yaml:"janitor_interval"`
	StashDBPath     string `yaml:"stash_db_path"`
}

type LockConfig struct {
	DefaultTTL          string `yaml:"default_ttl"`
	AcquireTimeout      string `yaml:"acquire_timeout"`
	SweepInterval       string `yaml:"sweep_interval"`
	EscalationThreshold int    `yaml:"escalation_threshold"`
}

type MergeConfig struct {
	MaxApplyRetries int `yaml:"max_apply_retries"`
	BaseCacheSize   int `yaml:"base_cache_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func NewManager(path string) *Manager {
	m := &Manager{
		path:      path,
		stopWatch: make(chan struct{}),
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DBPath:       filepath.Join(".loom", "workspace.db"),
			WorkspaceID:  "default",
			CacheMaxCost: 64 << 20,
		},
		Session: SessionConfig{
			DefaultTTL:      "30m",
			JanitorInterval: "5s",
			StashDBPath:     filepath.Join(".loom", "stash.db"),
		},
		Lock: LockConfig{
			DefaultTTL:          "5m",
			AcquireTimeout:      "30s",
			SweepInterval:       "1s",
			EscalationThreshold: 16,
		},
		Merge: MergeConfig{
			MaxApplyRetries: 3,
			BaseCacheSize:   512,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Load rebuilds the configuration from defaults, the YAML file (when
// present), and environment overrides, then swaps it in atomically.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadYAMLFile(m.path, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", m.path, err)
	}

	m.applyEnvironment(cfg)

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return err
	}

	DeepMerge(cfg, &fileCfg)
	return nil
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("LOOM_STORE_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("LOOM_STORE_WORKSPACE_ID"); v != "" {
		cfg.Store.WorkspaceID = v
	}
	if v := os.Getenv("LOOM_SESSION_DEFAULT_TTL"); v != "" {
		cfg.Session.DefaultTTL = v
	}
	if v := os.Getenv("LOOM_LOCK_ACQUIRE_TIMEOUT"); v != "" {
		cfg.Lock.AcquireTimeout = v
	}
	if v := os.Getenv("LOOM_LOCK_ESCALATION_THRESHOLD"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Lock.EscalationThreshold = n
		}
	}
	if v := os.Getenv("LOOM_MERGE_MAX_APPLY_RETRIES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Merge.MaxApplyRetries = n
		}
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	m.watchWG.Wait()
	return nil
}

// Duration helpers parse the stringly-typed tunables, falling back to the
// given default on empty or malformed values.

func (c SessionConfig) TTL(fallback time.Duration) time.Duration {
	return parseDuration(c.DefaultTTL, fallback)
}

func (c SessionConfig) Janitor(fallback time.Duration) time.Duration {
	return parseDuration(c.JanitorInterval, fallback)
}

func (c LockConfig) TTL(fallback time.Duration) time.Duration {
	return parseDuration(c.DefaultTTL, fallback)
}

func (c LockConfig) Timeout(fallback time.Duration) time.Duration {
	return parseDuration(c.AcquireTimeout, fallback)
}

func (c LockConfig) Sweep(fallback time.Duration) time.Duration {
	return parseDuration(c.SweepInterval, fallback)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
