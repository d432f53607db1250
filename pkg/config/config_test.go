package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	relayerrors "github.com/sessamekesh/avatar-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envLookup(map[string]string{"LIVEAVATAR_API_KEY": "key-123"}))
	require.NoError(t, err)

	assert.True(t, cfg.HasAPIKey())
	assert.Equal(t, "https://api.liveavatar.com", cfg.APIBase.String())
	assert.Equal(t, DefaultWebsocketTarget, cfg.WebsocketTarget)
	assert.Equal(t, 8081, cfg.WsPort)
	assert.Equal(t, 8082, cfg.HttpPort)
	assert.Equal(t, "127.0.0.1", cfg.HttpHost)
	assert.Equal(t, 9100, cfg.MetricsPort)
	assert.Equal(t, 20*time.Second, cfg.UpstreamTimeout)
	assert.Zero(t, cfg.BridgeIdleTimeout)
	assert.Zero(t, cfg.BridgeMaxSessions)
	assert.Empty(t, cfg.ForwardRoutes)
	assert.False(t, cfg.Production)
}

func TestLoadMissingAPIKeyIsFatal(t *testing.T) {
	_, err := Load(envLookup(map[string]string{"LIVEAVATAR_AVATAR_ID": "a"}))
	require.Error(t, err)

	var missing *relayerrors.MissingConfigValue
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "LIVEAVATAR_API_KEY", missing.Name)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(envLookup(map[string]string{
		"LIVEAVATAR_API_KEY":    "key",
		"LIVEAVATAR_API_BASE":   "http://127.0.0.1:9999/",
		"LIVEAVATAR_WS_URL":     "ws://127.0.0.1:9998/stream",
		"WS_PROXY_PORT":         "7001",
		"HTTP_PROXY_PORT":       "7002",
		"HTTP_PROXY_HOST":       "0.0.0.0",
		"METRICS_PORT":          "0",
		"LIVEAVATAR_AVATAR_ID":  "avatar-1",
		"LIVEAVATAR_VOICE_ID":   "voice-1",
		"LIVEAVATAR_CONTEXT_ID": "context-1",
		"WEBHOOK_URL_1":         "https://hooks.example.com/create",
		"WEBHOOK_URL_2":         "http://hooks.example.com/submit?x=1",
		"UPSTREAM_TIMEOUT":      "5",
		"BRIDGE_IDLE_TIMEOUT":   "90s",
		"BRIDGE_MAX_SESSIONS":   "12",
		"APP_ENV":               "production",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9999", cfg.APIBase.String())
	assert.Equal(t, "ws://127.0.0.1:9998/stream", cfg.WebsocketTarget)
	assert.Equal(t, 7001, cfg.WsPort)
	assert.Equal(t, 7002, cfg.HttpPort)
	assert.Equal(t, "0.0.0.0", cfg.HttpHost)
	assert.Equal(t, 0, cfg.MetricsPort)
	assert.Equal(t, "avatar-1", cfg.AvatarID)
	assert.Equal(t, "voice-1", cfg.VoiceID)
	assert.Equal(t, "context-1", cfg.ContextID)
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 90*time.Second, cfg.BridgeIdleTimeout)
	assert.Equal(t, 12, cfg.BridgeMaxSessions)
	assert.True(t, cfg.Production)

	require.Len(t, cfg.ForwardRoutes, 2)
	assert.Equal(t, "/create-avatar", cfg.ForwardRoutes[0].Path)
	assert.Equal(t, "https://hooks.example.com/create", cfg.ForwardRoutes[0].Destination.String())
	assert.Equal(t, "/submit-user", cfg.ForwardRoutes[1].Path)
	assert.Equal(t, "x=1", cfg.ForwardRoutes[1].Destination.RawQuery)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"port out of range":   {"WS_PROXY_PORT": "70000"},
		"port not a number":   {"HTTP_PROXY_PORT": "http"},
		"ws target scheme":    {"LIVEAVATAR_WS_URL": "https://example.com/stream"},
		"webhook scheme":      {"WEBHOOK_URL_1": "ftp://example.com"},
		"webhook no host":     {"WEBHOOK_URL_2": "/relative"},
		"negative sessions":   {"BRIDGE_MAX_SESSIONS": "-1"},
		"bad idle timeout":    {"BRIDGE_IDLE_TIMEOUT": "soon"},
		"negative idle secs":  {"BRIDGE_IDLE_TIMEOUT": "-5"},
		"negative idle dur":   {"BRIDGE_IDLE_TIMEOUT": "-5s"},
		"zero upstream limit": {"UPSTREAM_TIMEOUT": "0"},
		"api base scheme":     {"LIVEAVATAR_API_BASE": "ftp://example.com"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			env["LIVEAVATAR_API_KEY"] = "key"
			_, err := Load(envLookup(env))
			require.Error(t, err)

			var invalid *relayerrors.InvalidConfigValue
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("AVATAR_RELAY_TEST_VALUE=\"from-file\"\n# comment\n"), 0o600))

	t.Setenv("AVATAR_RELAY_TEST_VALUE", "")
	os.Unsetenv("AVATAR_RELAY_TEST_VALUE")

	require.NoError(t, LoadDotenv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "from-file", os.Getenv("AVATAR_RELAY_TEST_VALUE"))
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("AVATAR_RELAY_TEST_KEEP=from-file\n"), 0o600))

	t.Setenv("AVATAR_RELAY_TEST_KEEP", "from-env")

	require.NoError(t, LoadDotenv(envFile))
	assert.Equal(t, "from-env", os.Getenv("AVATAR_RELAY_TEST_KEEP"))
}
