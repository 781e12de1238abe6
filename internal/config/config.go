// Package config loads and hot-reloads the gateway's configuration.
//
// A Manager holds an immutable *Snapshot behind an atomic.Pointer; readers
// call Manager.Get and observe either the pre-reload or post-reload
// snapshot in full, never a partially-applied mix of the two.
package config

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MaskRule describes how a masked key's value is transformed.
type MaskRule struct {
	KeepPrefix int  `mapstructure:"keep_prefix"`
	MaskEmail  bool `mapstructure:"mask_email"`
}

// TokenOverride is the per-token masking customization.
type TokenOverride struct {
	ExtraKeys []string `mapstructure:"extra_keys"`
}

// Masking holds C3's configuration.
type Masking struct {
	BaselineKeys     []string                 `mapstructure:"baseline_keys"`
	PartialRules     map[string]MaskRule      `mapstructure:"partial_rules"`
	PerTokenOverride map[string]TokenOverride `mapstructure:"per_token_overrides"`
}

// Security holds C2's configuration.
type Security struct {
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	AdminToken     string   `mapstructure:"admin_token"`
	APIKeys        []string `mapstructure:"api_keys"`
}

// WAL holds C5's configuration.
type WAL struct {
	RootPath               string `mapstructure:"root_path"`
	SegmentMaxBytes        int64  `mapstructure:"segment_max_bytes"`
	TokenWALQuotaBytes     int64  `mapstructure:"token_wal_quota_bytes"`
	TokenWALQuotaAgeHours  int    `mapstructure:"token_wal_quota_age_hours"`
	DiskFreeMinRatio       float64 `mapstructure:"disk_free_min_ratio"`
	RotationTimeActiveMin  int    `mapstructure:"rotation_time_active_minutes"`
	RotationTimeIdleHours  int    `mapstructure:"rotation_time_idle_hours"`
	IdleThresholdMinutes   int    `mapstructure:"idle_threshold_minutes"`
	MinRotationBytes       int64  `mapstructure:"min_rotation_bytes"`
	ForceRotationHours     int    `mapstructure:"force_rotation_hours"`
}

// Loki holds C6's configuration.
type Loki struct {
	BaseURL          string  `mapstructure:"base_url"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffSeconds   []int   `mapstructure:"backoff_seconds"`
	ParkSeconds      int     `mapstructure:"park_seconds"`
	MaxValuesPerPush int     `mapstructure:"max_values_per_push"`
	MaxBytesPerPush  int64   `mapstructure:"max_bytes_per_push"`
	BearerToken      string  `mapstructure:"bearer_token"`
}

// Server holds C1's server-level configuration.
type Server struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsPath string `mapstructure:"metrics_path"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// Snapshot is the full, immutable configuration at a point in time.
type Snapshot struct {
	Server   Server   `mapstructure:"server"`
	Security Security `mapstructure:"security"`
	Masking  Masking  `mapstructure:"masking"`
	WAL      WAL      `mapstructure:"wal"`
	Loki     Loki     `mapstructure:"loki"`
}

// Default returns a Snapshot populated with the gateway's default values.
func Default() *Snapshot {
	return &Snapshot{
		Server: Server{
			Host:        "0.0.0.0",
			Port:        8080,
			LogLevel:    "info",
			MetricsPath: "/metrics",
		},
		Security: Security{
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Masking: Masking{
			BaselineKeys: []string{"password", "secret", "token", "authorization"},
		},
		WAL: WAL{
			RootPath:              "./wal",
			SegmentMaxBytes:       128 * 1024 * 1024,
			TokenWALQuotaBytes:    1 << 30,
			TokenWALQuotaAgeHours: 24 * 7,
			DiskFreeMinRatio:      0.20,
			RotationTimeActiveMin: 5,
			RotationTimeIdleHours: 1,
			IdleThresholdMinutes:  10,
			MinRotationBytes:      64 * 1024,
			ForceRotationHours:    6,
		},
		Loki: Loki{
			TimeoutSeconds:   30,
			MaxRetries:       3,
			BackoffSeconds:   []int{5, 10, 20},
			ParkSeconds:      60,
			MaxValuesPerPush: 5000,
			MaxBytesPerPush:  4 * 1024 * 1024,
		},
	}
}

// FieldError is one structured configuration validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// ValidationError aggregates FieldErrors from one Validate call.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Error())
	}
	return strings.Join(parts, "; ")
}

// Validate checks a Snapshot for internal consistency, returning every
// violation found rather than stopping at the first.
func (s *Snapshot) Validate() error {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[s.Server.LogLevel] {
		errs = append(errs, FieldError{"server.log_level", "must be one of debug, info, warn, error"})
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		errs = append(errs, FieldError{"server.port", "must be between 1 and 65535"})
	}
	if s.Security.RateLimitRPS <= 0 {
		errs = append(errs, FieldError{"security.rate_limit_rps", "must be positive"})
	}
	if s.Security.RateLimitBurst <= 0 {
		errs = append(errs, FieldError{"security.rate_limit_burst", "must be positive"})
	}
	if s.WAL.RootPath == "" {
		errs = append(errs, FieldError{"wal.root_path", "must not be empty"})
	}
	if s.WAL.SegmentMaxBytes <= 0 {
		errs = append(errs, FieldError{"wal.segment_max_bytes", "must be positive"})
	}
	if s.WAL.TokenWALQuotaBytes <= 0 {
		errs = append(errs, FieldError{"wal.token_wal_quota_bytes", "must be positive"})
	}
	if s.WAL.DiskFreeMinRatio < 0 || s.WAL.DiskFreeMinRatio > 1 {
		errs = append(errs, FieldError{"wal.disk_free_min_ratio", "must be between 0 and 1"})
	}
	if len(s.Loki.BackoffSeconds) == 0 {
		errs = append(errs, FieldError{"loki.backoff_seconds", "must not be empty"})
	}
	if s.Loki.MaxValuesPerPush <= 0 {
		errs = append(errs, FieldError{"loki.max_values_per_push", "must be positive"})
	}
	if s.Loki.MaxBytesPerPush <= 0 {
		errs = append(errs, FieldError{"loki.max_bytes_per_push", "must be positive"})
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// TokenWALQuotaAge returns the configured age quota as a time.Duration.
func (w WAL) TokenWALQuotaAge() time.Duration {
	return time.Duration(w.TokenWALQuotaAgeHours) * time.Hour
}

// RotationTimeActive returns the "active, recently written" rotation age threshold.
func (w WAL) RotationTimeActive() time.Duration {
	return time.Duration(w.RotationTimeActiveMin) * time.Minute
}

// RotationTimeIdle returns the "idle" rotation age threshold.
func (w WAL) RotationTimeIdle() time.Duration {
	return time.Duration(w.RotationTimeIdleHours) * time.Hour
}

// IdleThreshold returns how long since last write counts as "idle".
func (w WAL) IdleThreshold() time.Duration {
	return time.Duration(w.IdleThresholdMinutes) * time.Minute
}

// ForceRotationAge returns the unconditional rotation age.
func (w WAL) ForceRotationAge() time.Duration {
	return time.Duration(w.ForceRotationHours) * time.Hour
}

// Manager owns the live configuration snapshot and its hot-reload wiring.
type Manager struct {
	v       *viper.Viper
	current atomic.Pointer[Snapshot]
	onFail  func(error)

	subMu sync.Mutex
	subs  []func(*Snapshot)
}

// NewManager constructs a configuration Manager, layering defaults, an
// optional config file, GATEWAY_-prefixed environment variables, and
// command-line flags.
func NewManager(onFail func(error)) (*Manager, error) {
	v := viper.New()
	applyDefaults(v)

	pflag.Int("server.port", 8080, "listening port")
	pflag.String("server.log-level", "info", "log level (debug, info, warn, error)")
	pflag.String("config-file", "", "path to a YAML/JSON config file")
	if !pflag.Parsed() {
		pflag.Parse()
	}
	_ = v.BindPFlag("server.port", pflag.Lookup("server.port"))
	_ = v.BindPFlag("server.log_level", pflag.Lookup("server.log-level"))
	_ = v.BindPFlag("config-file", pflag.Lookup("config-file"))

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cf := v.GetString("config-file"); cf != "" {
		v.SetConfigFile(cf)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	m := &Manager{v: v, onFail: onFail}
	snap, err := m.load()
	if err != nil {
		return nil, err
	}
	m.current.Store(snap)

	v.OnConfigChange(func(_ fsnotify.Event) {
		snap, err := m.load()
		if err != nil {
			if m.onFail != nil {
				m.onFail(fmt.Errorf("config reload rejected, keeping previous snapshot: %w", err))
			}
			return
		}
		m.current.Store(snap)
		m.notify(snap)
	})
	v.WatchConfig()

	return m, nil
}

// Subscribe registers fn to run on every successful hot reload, and
// immediately once with the current snapshot so callers (the token
// registry, the rate limiter) can initialize from it without a separate
// startup call. fn always receives a fully-formed, already-validated
// Snapshot; in-flight requests keep seeing the pre-swap one.
func (m *Manager) Subscribe(fn func(*Snapshot)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
	fn(m.Get())
}

func (m *Manager) notify(snap *Snapshot) {
	m.subMu.Lock()
	subs := make([]func(*Snapshot), len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (m *Manager) load() (*Snapshot, error) {
	snap := Default()
	if err := m.v.Unmarshal(snap); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Get returns the currently active, immutable Snapshot.
func (m *Manager) Get() *Snapshot {
	return m.current.Load()
}

func applyDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.metrics_path", d.Server.MetricsPath)
	v.SetDefault("security.rate_limit_rps", d.Security.RateLimitRPS)
	v.SetDefault("security.rate_limit_burst", d.Security.RateLimitBurst)
	v.SetDefault("masking.baseline_keys", d.Masking.BaselineKeys)
	v.SetDefault("wal.root_path", d.WAL.RootPath)
	v.SetDefault("wal.segment_max_bytes", d.WAL.SegmentMaxBytes)
	v.SetDefault("wal.token_wal_quota_bytes", d.WAL.TokenWALQuotaBytes)
	v.SetDefault("wal.token_wal_quota_age_hours", d.WAL.TokenWALQuotaAgeHours)
	v.SetDefault("wal.disk_free_min_ratio", d.WAL.DiskFreeMinRatio)
	v.SetDefault("wal.rotation_time_active_minutes", d.WAL.RotationTimeActiveMin)
	v.SetDefault("wal.rotation_time_idle_hours", d.WAL.RotationTimeIdleHours)
	v.SetDefault("wal.idle_threshold_minutes", d.WAL.IdleThresholdMinutes)
	v.SetDefault("wal.min_rotation_bytes", d.WAL.MinRotationBytes)
	v.SetDefault("wal.force_rotation_hours", d.WAL.ForceRotationHours)
	v.SetDefault("loki.timeout_seconds", d.Loki.TimeoutSeconds)
	v.SetDefault("loki.max_retries", d.Loki.MaxRetries)
	v.SetDefault("loki.backoff_seconds", d.Loki.BackoffSeconds)
	v.SetDefault("loki.park_seconds", d.Loki.ParkSeconds)
	v.SetDefault("loki.max_values_per_push", d.Loki.MaxValuesPerPush)
	v.SetDefault("loki.max_bytes_per_push", d.Loki.MaxBytesPerPush)
}
