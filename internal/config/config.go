package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "FEEDSYNC"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "feedsync.db"
	defaultCachePath        = "feedsync-cache.db"
	defaultLogLevel         = "info"
	defaultTokenTTL         = time.Hour
	defaultReconnectBackoff = time.Second
	defaultHeartbeat        = 25 * time.Second
	defaultPageSize         = 20
	defaultPollInterval     = 5 * time.Second
	defaultPollBatch        = 5
	defaultDebounce         = 150 * time.Millisecond
	defaultBackfillDelay    = 500 * time.Millisecond
	defaultAutoRefresh      = 20 * time.Second
	defaultReportThreshold  = 10
	realtimePath            = "/realtime/v1/websocket"
)

// FeedConfig tunes pagination and the feed timers.
type FeedConfig struct {
	PageSize        int
	PollInterval    time.Duration
	PollBatch       int
	Debounce        time.Duration
	BackfillDelay   time.Duration
	AutoRefresh     time.Duration
	ReportThreshold int
	College         string
}

// MediaConfig locates the object store for post images.
type MediaConfig struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	PublicURL string
}

// Enabled reports whether image uploads are configured.
func (m MediaConfig) Enabled() bool {
	return strings.TrimSpace(m.Endpoint) != ""
}

// AppConfig captures runtime configuration for the client commands and the
// development backend.
type AppConfig struct {
	LogLevel string

	BackendURL       string
	APIKey           string
	AccessToken      string
	AnonID           string
	RealtimeURL      string
	ReconnectBackoff time.Duration
	Heartbeat        time.Duration
	CachePath        string

	Feed  FeedConfig
	Media MediaConfig

	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.reconnect_backoff", defaultReconnectBackoff)
	configViper.SetDefault("realtime.heartbeat", defaultHeartbeat)
	configViper.SetDefault("feed.page_size", defaultPageSize)
	configViper.SetDefault("feed.poll_interval", defaultPollInterval)
	configViper.SetDefault("feed.poll_batch", defaultPollBatch)
	configViper.SetDefault("feed.debounce", defaultDebounce)
	configViper.SetDefault("feed.backfill_delay", defaultBackfillDelay)
	configViper.SetDefault("feed.auto_refresh", defaultAutoRefresh)
	configViper.SetDefault("feed.report_threshold", defaultReportThreshold)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:         configViper.GetString("log.level"),
		BackendURL:       strings.TrimRight(strings.TrimSpace(configViper.GetString("backend.url")), "/"),
		APIKey:           configViper.GetString("backend.api_key"),
		AccessToken:      configViper.GetString("backend.access_token"),
		AnonID:           strings.TrimSpace(configViper.GetString("backend.anon_id")),
		RealtimeURL:      strings.TrimSpace(configViper.GetString("realtime.url")),
		ReconnectBackoff: configViper.GetDuration("realtime.reconnect_backoff"),
		Heartbeat:        configViper.GetDuration("realtime.heartbeat"),
		CachePath:        configViper.GetString("cache.path"),
		Feed: FeedConfig{
			PageSize:        configViper.GetInt("feed.page_size"),
			PollInterval:    configViper.GetDuration("feed.poll_interval"),
			PollBatch:       configViper.GetInt("feed.poll_batch"),
			Debounce:        configViper.GetDuration("feed.debounce"),
			BackfillDelay:   configViper.GetDuration("feed.backfill_delay"),
			AutoRefresh:     configViper.GetDuration("feed.auto_refresh"),
			ReportThreshold: configViper.GetInt("feed.report_threshold"),
			College:         strings.TrimSpace(configViper.GetString("feed.college")),
		},
		Media: MediaConfig{
			Endpoint:  configViper.GetString("media.endpoint"),
			Bucket:    configViper.GetString("media.bucket"),
			Region:    configViper.GetString("media.region"),
			AccessKey: configViper.GetString("media.access_key"),
			SecretKey: configViper.GetString("media.secret_key"),
			PublicURL: configViper.GetString("media.public_url"),
		},
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
	if cfg.RealtimeURL == "" && cfg.BackendURL != "" {
		cfg.RealtimeURL = cfg.BackendURL + realtimePath
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireServer checks the settings the development backend cannot run without.
func (c AppConfig) RequireServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// RequireClient checks the settings a feed client cannot run without.
func (c AppConfig) RequireClient() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if _, err := url.ParseRequestURI(c.BackendURL); err != nil {
		return fmt.Errorf("backend.url is invalid: %w", err)
	}
	if c.Media.Enabled() && (strings.TrimSpace(c.Media.Bucket) == "" || strings.TrimSpace(c.Media.AccessKey) == "") {
		return fmt.Errorf("media.bucket and media.access_key are required when media.endpoint is set")
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("feed.page_size must be positive")
	}
	if c.Feed.PollBatch <= 0 {
		return fmt.Errorf("feed.poll_batch must be positive")
	}
	if c.Feed.ReportThreshold <= 0 {
		return fmt.Errorf("feed.report_threshold must be positive")
	}
	durations := map[string]time.Duration{
		"feed.poll_interval":         c.Feed.PollInterval,
		"feed.debounce":              c.Feed.Debounce,
		"feed.backfill_delay":        c.Feed.BackfillDelay,
		"feed.auto_refresh":          c.Feed.AutoRefresh,
		"realtime.reconnect_backoff": c.ReconnectBackoff,
		"realtime.heartbeat":         c.Heartbeat,
	}
	for key, value := range durations {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	return nil
}
