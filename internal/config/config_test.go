package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("backend.url", "http://localhost:8080/")

	cfg, err := Load(configViper)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.BackendURL)
	require.Equal(t, "http://localhost:8080/realtime/v1/websocket", cfg.RealtimeURL)
	require.Equal(t, 20, cfg.Feed.PageSize)
	require.Equal(t, 5*time.Second, cfg.Feed.PollInterval)
	require.Equal(t, 150*time.Millisecond, cfg.Feed.Debounce)
	require.Equal(t, 20*time.Second, cfg.Feed.AutoRefresh)
	require.Equal(t, 10, cfg.Feed.ReportThreshold)
	require.Equal(t, time.Second, cfg.ReconnectBackoff)
	require.NoError(t, cfg.RequireClient())
	require.False(t, cfg.Media.Enabled())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("FEEDSYNC_FEED_PAGE_SIZE", "50")
	t.Setenv("FEEDSYNC_FEED_POLL_INTERVAL", "2s")
	t.Setenv("FEEDSYNC_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("FEEDSYNC_REALTIME_URL", "ws://realtime.example/socket")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Feed.PageSize)
	require.Equal(t, 2*time.Second, cfg.Feed.PollInterval)
	require.Equal(t, "ws://realtime.example/socket", cfg.RealtimeURL)
	require.NoError(t, cfg.RequireServer())
	require.Error(t, cfg.RequireClient())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "page size", key: "feed.page_size", value: 0},
		{name: "poll batch", key: "feed.poll_batch", value: -1},
		{name: "negative debounce", key: "feed.debounce", value: "-1s"},
		{name: "report threshold", key: "feed.report_threshold", value: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			require.Error(t, err)
		})
	}
}

func TestRequireServerNeedsSigningSecret(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.ErrorContains(t, cfg.RequireServer(), "auth.signing_secret")
}

func TestRequireClientValidatesMedia(t *testing.T) {
	configViper := NewViper()
	configViper.Set("backend.url", "http://localhost:8080")
	configViper.Set("media.endpoint", "http://minio:9000")
	cfg, err := Load(configViper)
	require.NoError(t, err)
	require.ErrorContains(t, cfg.RequireClient(), "media.bucket")
}
