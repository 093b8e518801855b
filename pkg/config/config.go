// Package config loads client settings from defaults, STLCO_GIS_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/stlco-gis-client/pkg/logging"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. STLCO_GIS_BASE_URL.
	EnvPrefix = "STLCO_GIS"

	// DefaultBaseURL is the county's open data MapServer.
	DefaultBaseURL = "https://gis.stlouiscountymn.gov/server2/rest/services/GeneralUse/Open_Data/MapServer"

	// DefaultUserAgent identifies this client to the service.
	DefaultUserAgent = "stlouis-county-gis/0.1.0"
)

// Flag names. Each maps to the setting key with dashes replaced by underscores.
const (
	FlagBaseURL           = "base-url"
	FlagUserAgent         = "user-agent"
	FlagTimeout           = "timeout"
	FlagMaxRetries        = "max-retries"
	FlagBackoffBase       = "backoff-base"
	FlagBackoffMax        = "backoff-max"
	FlagDefaultPageSize   = "default-page-size"
	FlagMaxPageSizeCap    = "max-page-size-cap"
	FlagRequestsPerSecond = "requests-per-second"
	FlagMetadataCacheSize = "metadata-cache-size"
	FlagMetadataTTL       = "metadata-ttl"
	FlagRedisAddr         = "redis-addr"
	FlagBundleConcurrency = "bundle-concurrency"
	FlagLogLevel          = "log-level"
	FlagLogPretty         = "log-pretty"
	FlagTracing           = "tracing"
	FlagTracingEndpoint   = "tracing-endpoint"
	FlagTracingSampleRate = "tracing-sample-rate"
)

// Settings holds every tunable of the client.
type Settings struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`

	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`

	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSizeCap  int `mapstructure:"max_page_size_cap"`

	// RequestsPerSecond paces outgoing requests. 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	MetadataCacheSize int           `mapstructure:"metadata_cache_size"`
	MetadataTTL       time.Duration `mapstructure:"metadata_ttl"`

	// RedisAddr enables the shared metadata cache and cooldown state.
	RedisAddr string `mapstructure:"redis_addr"`

	BundleConcurrency int `mapstructure:"bundle_concurrency"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	// Tracing instruments HTTP requests and exports spans to TracingEndpoint
	// (OTLP over HTTP, host:port) when one is set.
	Tracing           bool    `mapstructure:"tracing"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		BaseURL:           DefaultBaseURL,
		UserAgent:         DefaultUserAgent,
		Timeout:           30 * time.Second,
		MaxRetries:        6,
		BackoffBase:       600 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		DefaultPageSize:   200,
		MaxPageSizeCap:    2000,
		RequestsPerSecond: 0,
		MetadataCacheSize: 256,
		MetadataTTL:       time.Hour,
		BundleConcurrency: 8,
		LogLevel:          string(logging.LevelInfo),
		TracingSampleRate: 1,
	}
}

// Validate checks the settings and returns every problem found.
func (s Settings) Validate() error {
	var errs error

	if u, err := url.Parse(s.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = errors.Join(errs, fmt.Errorf("base_url must be an absolute URL (got %q)", s.BaseURL))
	}
	if strings.TrimSpace(s.UserAgent) == "" {
		errs = errors.Join(errs, fmt.Errorf("user_agent cannot be empty"))
	}
	if s.Timeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("timeout must be positive"))
	}
	if s.MaxRetries < 0 {
		errs = errors.Join(errs, fmt.Errorf("max_retries must be >= 0 (got %d)", s.MaxRetries))
	}
	if s.BackoffBase < 0 || s.BackoffMax < 0 {
		errs = errors.Join(errs, fmt.Errorf("backoff durations must be >= 0"))
	}
	if s.BackoffMax > 0 && s.BackoffBase > s.BackoffMax {
		errs = errors.Join(errs, fmt.Errorf("backoff_base (%s) exceeds backoff_max (%s)", s.BackoffBase, s.BackoffMax))
	}
	if s.DefaultPageSize < 1 {
		errs = errors.Join(errs, fmt.Errorf("default_page_size must be >= 1 (got %d)", s.DefaultPageSize))
	}
	if s.MaxPageSizeCap < 1 {
		errs = errors.Join(errs, fmt.Errorf("max_page_size_cap must be >= 1 (got %d)", s.MaxPageSizeCap))
	}
	if s.RequestsPerSecond < 0 {
		errs = errors.Join(errs, fmt.Errorf("requests_per_second must be >= 0"))
	}
	if s.MetadataCacheSize < 1 {
		errs = errors.Join(errs, fmt.Errorf("metadata_cache_size must be >= 1 (got %d)", s.MetadataCacheSize))
	}
	if s.MetadataTTL <= 0 {
		errs = errors.Join(errs, fmt.Errorf("metadata_ttl must be positive"))
	}
	if s.BundleConcurrency < 1 {
		errs = errors.Join(errs, fmt.Errorf("bundle_concurrency must be >= 1 (got %d)", s.BundleConcurrency))
	}
	if s.TracingSampleRate < 0 || s.TracingSampleRate > 1 {
		errs = errors.Join(errs, fmt.Errorf("tracing_sample_rate must be within [0, 1] (got %g)", s.TracingSampleRate))
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		errs = errors.Join(errs, err)
	}

	return errs
}

// PageSize resolves a requested page size: 0 means the default, and the
// result is capped by MaxPageSizeCap.
func (s Settings) PageSize(requested int) int {
	ps := requested
	if ps <= 0 {
		ps = s.DefaultPageSize
	}
	return max(1, min(ps, s.MaxPageSizeCap))
}

// Logging returns the logging configuration these settings describe.
func (s Settings) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(s.LogLevel); err == nil {
		cfg.Level = lvl
	}
	cfg.Pretty = s.LogPretty
	return cfg
}

// AddFlags registers persistent flags for every setting on cmd.
func AddFlags(cmd *cobra.Command) {
	def := DefaultSettings()
	fs := cmd.PersistentFlags()

	fs.String(FlagBaseURL, def.BaseURL, "ArcGIS MapServer base URL")
	fs.String(FlagUserAgent, def.UserAgent, "User-Agent header sent with every request")
	fs.Duration(FlagTimeout, def.Timeout, "per-request HTTP timeout")
	fs.Int(FlagMaxRetries, def.MaxRetries, "retries after the first attempt on transient failures (0 disables)")
	fs.Duration(FlagBackoffBase, def.BackoffBase, "initial retry backoff")
	fs.Duration(FlagBackoffMax, def.BackoffMax, "maximum retry backoff")
	fs.Int(FlagDefaultPageSize, def.DefaultPageSize, "page size used when none is requested")
	fs.Int(FlagMaxPageSizeCap, def.MaxPageSizeCap, "upper bound for any requested page size")
	fs.Float64(FlagRequestsPerSecond, def.RequestsPerSecond, "steady request rate limit (0 disables)")
	fs.Int(FlagMetadataCacheSize, def.MetadataCacheSize, "in-memory metadata cache entries")
	fs.Duration(FlagMetadataTTL, def.MetadataTTL, "metadata cache lifetime")
	fs.String(FlagRedisAddr, def.RedisAddr, "Redis address for the shared metadata cache and cooldown state (empty disables)")
	fs.Int(FlagBundleConcurrency, def.BundleConcurrency, "concurrent layer queries per bundle")
	fs.String(FlagLogLevel, def.LogLevel, "log level (debug, info, warn, error, disabled)")
	fs.Bool(FlagLogPretty, def.LogPretty, "human readable console logs")
	fs.Bool(FlagTracing, def.Tracing, "instrument HTTP requests with OpenTelemetry")
	fs.String(FlagTracingEndpoint, def.TracingEndpoint, "OTLP endpoint for traces (host:port, empty keeps spans in process)")
	fs.Float64(FlagTracingSampleRate, def.TracingSampleRate, "trace sampling rate (0.0-1.0)")
}

// Load merges defaults, environment variables and the flags of cmd into
// Settings and validates the result.
func Load(cmd *cobra.Command) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return Settings{}, err
	}

	s, err := FromViper(v)
	if err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// FromViper decodes settings from v on top of the defaults.
func FromViper(v *viper.Viper) (Settings, error) {
	s := DefaultSettings()

	def := DefaultSettings()
	defaults := map[string]any{}
	if err := mapstructure.Decode(def, &defaults); err != nil {
		return s, fmt.Errorf("encode defaults: %w", err)
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	err := v.Unmarshal(&s, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

// bindFlags maps every flag of cmd to its setting key so that viper resolves
// flag > env > default for each one.
func bindFlags(cmd *cobra.Command, v *viper.Viper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind flags: %v", r)
		}
	}()

	bind := func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	cmd.PersistentFlags().VisitAll(bind)

	return nil
}
