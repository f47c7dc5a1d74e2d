// Package config holds the engine configuration. Every field has a documented
// default; partial configurations are applied with Merge and checked with
// Validate before any component sees them.
package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/bnema/perfpilot/internal/domain"
	"github.com/spf13/viper"
)

type EvictionStrategy string

const (
	EvictionIntelligent EvictionStrategy = "intelligent"
	EvictionLRU         EvictionStrategy = "lru"
	EvictionLFU         EvictionStrategy = "lfu"
	EvictionTTL         EvictionStrategy = "ttl"
)

type Config struct {
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" toml:"telemetry"`
	Cache        CacheConfig        `mapstructure:"cache" toml:"cache"`
	Strategy     StrategyConfig     `mapstructure:"strategy" toml:"strategy"`
	Preload      PreloadConfig      `mapstructure:"preload" toml:"preload"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" toml:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage" toml:"storage"`
	Sink         SinkConfig         `mapstructure:"sink" toml:"sink"`
	Log          LogConfig          `mapstructure:"log" toml:"log"`
}

type TelemetryConfig struct {
	// SampleRate is the probability in [0, 1] that a session is recorded.
	SampleRate    float64       `mapstructure:"sample_rate" toml:"sample_rate"`
	BatchSize     int           `mapstructure:"batch_size" toml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" toml:"flush_interval"`
	MaxRetries    int           `mapstructure:"max_retries" toml:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" toml:"backoff_base"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff" toml:"max_backoff"`
	// Records older than MaxRecordAge or further than MaxClockSkew in the
	// future are rejected.
	MaxRecordAge    time.Duration `mapstructure:"max_record_age" toml:"max_record_age"`
	MaxClockSkew    time.Duration `mapstructure:"max_clock_skew" toml:"max_clock_skew"`
	MaxQueue        int           `mapstructure:"max_queue" toml:"max_queue"`
	PendingCap      int           `mapstructure:"pending_cap" toml:"pending_cap"`
	OfflineCap      int           `mapstructure:"offline_cap" toml:"offline_cap"`
	SessionIdle     time.Duration `mapstructure:"session_idle" toml:"session_idle"`
	RequireIdentity bool          `mapstructure:"require_identity" toml:"require_identity"`
}

type CacheConfig struct {
	MaxBytes             int64            `mapstructure:"max_bytes" toml:"max_bytes"`
	MaxEntries           int              `mapstructure:"max_entries" toml:"max_entries"`
	DefaultTTL           time.Duration    `mapstructure:"default_ttl" toml:"default_ttl"`
	Strategy             EvictionStrategy `mapstructure:"strategy" toml:"strategy"`
	PrefetchThreshold    float64          `mapstructure:"prefetch_threshold" toml:"prefetch_threshold"`
	MaxPrefetchDelay     time.Duration    `mapstructure:"max_prefetch_delay" toml:"max_prefetch_delay"`
	AccessLogSize        int              `mapstructure:"access_log_size" toml:"access_log_size"`
	CompressionThreshold int              `mapstructure:"compression_threshold" toml:"compression_threshold"`
	PersistPrefix        string           `mapstructure:"persist_prefix" toml:"persist_prefix"`
	DisablePrefetch      bool             `mapstructure:"disable_prefetch" toml:"disable_prefetch"`
}

type StrategyConfig struct {
	DefaultProfile string `mapstructure:"default_profile" toml:"default_profile"`
	ProfilesFile   string `mapstructure:"profiles_file" toml:"profiles_file"`
	// BenchmarkIterations sizes the CPU busy loop used for device tiering.
	BenchmarkIterations int           `mapstructure:"benchmark_iterations" toml:"benchmark_iterations"`
	DetectTimeout       time.Duration `mapstructure:"detect_timeout" toml:"detect_timeout"`
}

type PreloadConfig struct {
	MinConfidence    float64 `mapstructure:"min_confidence" toml:"min_confidence"`
	HistoryLimit     int     `mapstructure:"history_limit" toml:"history_limit"`
	MaxCandidates    int     `mapstructure:"max_candidates" toml:"max_candidates"`
	BudgetBytes      int64   `mapstructure:"budget_bytes" toml:"budget_bytes"`
	BudgetImpact     float64 `mapstructure:"budget_impact" toml:"budget_impact"`
	IgnoreDataSaver  bool    `mapstructure:"ignore_data_saver" toml:"ignore_data_saver"`
	AllowSlowNetwork bool    `mapstructure:"allow_slow_network" toml:"allow_slow_network"`
}

type OrchestratorConfig struct {
	PreloadInterval        time.Duration   `mapstructure:"preload_interval" toml:"preload_interval"`
	CacheSyncInterval      time.Duration   `mapstructure:"cache_sync_interval" toml:"cache_sync_interval"`
	ContextRefreshInterval time.Duration   `mapstructure:"context_refresh_interval" toml:"context_refresh_interval"`
	PriorityThreshold      domain.Priority `mapstructure:"priority_threshold" toml:"priority_threshold"`
	HistoryLimit           int             `mapstructure:"history_limit" toml:"history_limit"`
	DestroyTimeout         time.Duration   `mapstructure:"destroy_timeout" toml:"destroy_timeout"`
}

type StorageConfig struct {
	// Driver is one of memory, file, redis, sqlite. Fallback, when set, is
	// chained behind Driver.
	Driver        string        `mapstructure:"driver" toml:"driver"`
	Fallback      string        `mapstructure:"fallback" toml:"fallback"`
	Path          string        `mapstructure:"path" toml:"path"`
	SQLitePath    string        `mapstructure:"sqlite_path" toml:"sqlite_path"`
	RedisAddr     string        `mapstructure:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" toml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" toml:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix" toml:"redis_prefix"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl" toml:"redis_ttl"`
}

type SinkConfig struct {
	// Driver is one of log, supabase, none.
	Driver        string `mapstructure:"driver" toml:"driver"`
	SupabaseURL   string `mapstructure:"supabase_url" toml:"supabase_url"`
	SupabaseKey   string `mapstructure:"supabase_key" toml:"supabase_key"`
	Table         string `mapstructure:"table" toml:"table"`
	SchemaVersion string `mapstructure:"schema_version" toml:"schema_version"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" toml:"level"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	JSON       bool   `mapstructure:"json" toml:"json"`
}

func Default() Config {
	return Config{
		Telemetry: TelemetryConfig{
			SampleRate:    0.1,
			BatchSize:     10,
			FlushInterval: 30 * time.Second,
			MaxRetries:    3,
			BackoffBase:   time.Second,
			MaxBackoff:    time.Minute,
			MaxRecordAge:  24 * time.Hour,
			MaxClockSkew:  5 * time.Minute,
			MaxQueue:      500,
			PendingCap:    100,
			OfflineCap:    200,
			SessionIdle:   30 * time.Minute,
		},
		Cache: CacheConfig{
			MaxBytes:             50 << 20,
			MaxEntries:           1000,
			DefaultTTL:           time.Hour,
			Strategy:             EvictionIntelligent,
			PrefetchThreshold:    0.7,
			MaxPrefetchDelay:     5 * time.Second,
			AccessLogSize:        500,
			CompressionThreshold: 1024,
			PersistPrefix:        "perfpilot:cache:",
		},
		Strategy: StrategyConfig{
			DefaultProfile:      "progressive-images",
			BenchmarkIterations: 200_000,
			DetectTimeout:       2 * time.Second,
		},
		Preload: PreloadConfig{
			MinConfidence: 0.6,
			HistoryLimit:  1000,
			MaxCandidates: 10,
			BudgetBytes:   2 << 20,
			BudgetImpact:  100,
		},
		Orchestrator: OrchestratorConfig{
			PreloadInterval:        30 * time.Second,
			CacheSyncInterval:      60 * time.Second,
			ContextRefreshInterval: 5 * time.Minute,
			PriorityThreshold:      domain.PriorityMedium,
			HistoryLimit:           50,
			DestroyTimeout:         5 * time.Second,
		},
		Storage: StorageConfig{
			Driver:      "memory",
			RedisPrefix: "perfpilot:",
		},
		Sink: SinkConfig{
			Driver:        "log",
			Table:         "performance_metrics",
			SchemaVersion: "1",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Patch is a partial configuration keyed by dotted path, for example
// "telemetry.sample_rate". Zero values and false are applied like any other
// value. Durations may be given as time.Duration or in their string form.
type Patch map[string]any

// Keys returns the patched keys in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Merge applies patch on top of base. Unknown keys and values that cannot be
// decoded into their field are configuration errors. The result is not
// validated.
func Merge(base Config, patch Patch) (Config, error) {
	v := viper.New()
	known := map[string]struct{}{}
	walk("", reflect.ValueOf(base), func(key string, value reflect.Value) {
		known[key] = struct{}{}
		v.SetDefault(key, value.Interface())
	})

	for _, key := range patch.Keys() {
		path := strings.ToLower(strings.TrimSpace(key))
		if _, ok := known[path]; !ok {
			return Config{}, domain.NewConfigError(fmt.Sprintf("unknown configuration key %q", key))
		}
		v.Set(path, patch[key])
	}

	var merged Config
	if err := v.Unmarshal(&merged); err != nil {
		return Config{}, domain.NewConfigError(fmt.Sprintf("merge config: %v", err))
	}

	return merged, nil
}

func (c Config) Validate() error {
	t := c.Telemetry
	switch {
	case t.SampleRate < 0 || t.SampleRate > 1:
		return domain.NewConfigError(fmt.Sprintf("telemetry.sample_rate must be within [0, 1], got %v", t.SampleRate))
	case t.BatchSize <= 0:
		return domain.NewConfigError("telemetry.batch_size must be positive")
	case t.FlushInterval <= 0:
		return domain.NewConfigError("telemetry.flush_interval must be positive")
	case t.MaxRetries < 0:
		return domain.NewConfigError("telemetry.max_retries must not be negative")
	case t.BackoffBase <= 0 || t.MaxBackoff < t.BackoffBase:
		return domain.NewConfigError("telemetry.backoff_base must be positive and not exceed max_backoff")
	case t.MaxRecordAge <= 0 || t.MaxClockSkew < 0:
		return domain.NewConfigError("telemetry record window must be positive")
	case t.MaxQueue < t.BatchSize || t.PendingCap <= 0 || t.OfflineCap <= 0:
		return domain.NewConfigError("telemetry queue caps must be positive and max_queue at least batch_size")
	}

	cache := c.Cache
	switch cache.Strategy {
	case EvictionIntelligent, EvictionLRU, EvictionLFU, EvictionTTL:
	default:
		return domain.NewConfigError(fmt.Sprintf("cache.strategy %q is not supported", cache.Strategy))
	}
	switch {
	case cache.MaxBytes <= 0 || cache.MaxEntries <= 0:
		return domain.NewConfigError("cache budgets must be positive")
	case cache.DefaultTTL <= 0:
		return domain.NewConfigError("cache.default_ttl must be positive")
	case cache.PrefetchThreshold < 0 || cache.PrefetchThreshold > 1:
		return domain.NewConfigError("cache.prefetch_threshold must be within [0, 1]")
	case cache.MaxPrefetchDelay < 0 || cache.AccessLogSize <= 0 || cache.CompressionThreshold < 0:
		return domain.NewConfigError("cache prefetch and persistence settings must not be negative")
	case cache.PersistPrefix == "":
		return domain.NewConfigError("cache.persist_prefix is required")
	}

	p := c.Preload
	switch {
	case p.MinConfidence < 0 || p.MinConfidence > 1:
		return domain.NewConfigError("preload.min_confidence must be within [0, 1]")
	case p.HistoryLimit <= 0 || p.MaxCandidates <= 0:
		return domain.NewConfigError("preload history and candidate limits must be positive")
	case p.BudgetBytes <= 0 || p.BudgetImpact <= 0:
		return domain.NewConfigError("preload budgets must be positive")
	}

	if c.Strategy.BenchmarkIterations <= 0 || c.Strategy.DetectTimeout <= 0 {
		return domain.NewConfigError("strategy benchmark iterations and detect timeout must be positive")
	}

	o := c.Orchestrator
	if o.PreloadInterval <= 0 || o.CacheSyncInterval <= 0 || o.ContextRefreshInterval <= 0 {
		return domain.NewConfigError("orchestrator intervals must be positive")
	}
	if _, err := domain.ParsePriority(string(o.PriorityThreshold)); err != nil {
		return domain.NewConfigError(fmt.Sprintf("orchestrator.priority_threshold: %v", err))
	}
	if o.HistoryLimit <= 0 || o.DestroyTimeout <= 0 {
		return domain.NewConfigError("orchestrator history limit and destroy timeout must be positive")
	}

	for _, driver := range []string{c.Storage.Driver, c.Storage.Fallback} {
		switch driver {
		case "", "memory", "file", "redis", "sqlite":
		default:
			return domain.NewConfigError(fmt.Sprintf("storage driver %q is not supported", driver))
		}
	}
	if c.Storage.Driver == "" {
		return domain.NewConfigError("storage.driver is required")
	}

	switch c.Sink.Driver {
	case "log", "none":
	case "supabase":
		if c.Sink.SupabaseURL == "" || c.Sink.SupabaseKey == "" || c.Sink.Table == "" {
			return domain.NewConfigError("supabase sink requires url, key and table")
		}
	default:
		return domain.NewConfigError(fmt.Sprintf("sink driver %q is not supported", c.Sink.Driver))
	}

	return nil
}
