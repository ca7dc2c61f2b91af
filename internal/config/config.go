package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Cooldowns CooldownsConfig `json:"cooldowns" yaml:"cooldowns"`
	API       APIConfig       `json:"api" yaml:"api"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Events    EventsConfig    `json:"events" yaml:"events"`
}

type CooldownsConfig struct {
	Shards          int                 `json:"shards" yaml:"shards"`
	Tick            Duration            `json:"tick" yaml:"tick"`
	SweepInterval   Duration            `json:"sweep_interval" yaml:"sweep_interval"`
	DefaultDuration Duration            `json:"default_duration" yaml:"default_duration"`
	Actions         map[string]Duration `json:"actions" yaml:"actions"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type EventsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Cooldowns: CooldownsConfig{
			Shards:          32,
			Tick:            Duration(50 * time.Millisecond),
			SweepInterval:   0,
			DefaultDuration: Duration(5 * time.Second),
			Actions:         map[string]Duration{},
		},
		API: APIConfig{Enabled: true, Addr: ":8081"},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Kafka:         KafkaConfig{Enabled: false},
		},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:cooldownd.db?_pragma=busy_timeout(5000)"},
		Events:  EventsConfig{StoreLimit: 1000},
	}
}

// ActionDuration returns the configured duration for action, falling back to
// the default duration.
func (c *Config) ActionDuration(action string) time.Duration {
	if d, ok := c.Cooldowns.Actions[action]; ok {
		return d.Std()
	}
	return c.Cooldowns.DefaultDuration.Std()
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON content over the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Cooldowns.Shards <= 0 {
		cfg.Cooldowns.Shards = 32
	}
	if cfg.Cooldowns.Tick <= 0 {
		cfg.Cooldowns.Tick = Duration(50 * time.Millisecond)
	}
	if cfg.Cooldowns.Actions == nil {
		cfg.Cooldowns.Actions = map[string]Duration{}
	}
	if cfg.Events.StoreLimit <= 0 {
		cfg.Events.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format %q is not supported", cfg.LogFormat)
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}
	if cfg.Cooldowns.SweepInterval < 0 {
		return errors.New("cooldowns.sweep_interval must be >= 0")
	}
	if cfg.Cooldowns.DefaultDuration < 0 {
		return errors.New("cooldowns.default_duration must be >= 0")
	}
	for action, d := range cfg.Cooldowns.Actions {
		if strings.TrimSpace(action) == "" {
			return errors.New("cooldowns.actions contains a blank action id")
		}
		if d < 0 {
			return fmt.Errorf("cooldowns.actions.%s must be >= 0", action)
		}
	}
	return nil
}

// Manager holds the live configuration. Readers never block; writes and
// reloads are serialized.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	m.mu.Lock()
	m.stampLocked()
	m.mu.Unlock()
	return m, nil
}

// NewStaticManager serves cfg without a backing file. Update keeps it in memory only.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.current.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	m.stampLocked()
	return cfg, nil
}

// Update validates cfg, writes it back to the config file when there is one,
// and makes it live.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		m.stampLocked()
	}
	m.current.Store(cfg)
	return nil
}

// NeedsReload reports whether the config file changed since it was last read or written.
func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file every interval and reloads it when it changes.
// Failed reloads keep the previous config. Watch returns when ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := m.NeedsReload()
		if err != nil {
			report(err)
			continue
		}
		if !changed {
			continue
		}
		cfg, err := m.Reload()
		if err != nil {
			report(fmt.Errorf("reload %s: %w", m.path, err))
			continue
		}
		if onReload != nil {
			onReload(cfg)
		}
	}
}

func (m *Manager) stampLocked() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
}

// RestartRequired lists the settings that differ between prev and next but
// are only read at startup. Action durations are read live through
// Manager.Get and are never reported.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	if prev.LogLevel != next.LogLevel || prev.LogFormat != next.LogFormat {
		changed = append(changed, "log")
	}
	if prev.Cooldowns.Shards != next.Cooldowns.Shards {
		changed = append(changed, "cooldowns.shards")
	}
	if prev.Cooldowns.Tick != next.Cooldowns.Tick {
		changed = append(changed, "cooldowns.tick")
	}
	if prev.Cooldowns.SweepInterval != next.Cooldowns.SweepInterval {
		changed = append(changed, "cooldowns.sweep_interval")
	}
	if prev.API != next.API {
		changed = append(changed, "api")
	}
	if prev.Ingest.ChannelBuffer != next.Ingest.ChannelBuffer || !kafkaEqual(prev.Ingest.Kafka, next.Ingest.Kafka) {
		changed = append(changed, "ingest")
	}
	if prev.Storage != next.Storage {
		changed = append(changed, "storage")
	}
	if prev.Events != next.Events {
		changed = append(changed, "events")
	}
	return changed
}

func kafkaEqual(a, b KafkaConfig) bool {
	return a.Enabled == b.Enabled && a.Topic == b.Topic && a.GroupID == b.GroupID && slices.Equal(a.Brokers, b.Brokers)
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
