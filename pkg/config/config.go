// Package config builds the process-wide relay configuration from the
// environment. A Config is constructed once at startup and passed by value
// into the REST forwarder and the socket bridge; it is never mutated.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"
	relayerrors "github.com/sessamekesh/avatar-relay/pkg/errors"
)

const (
	DefaultAPIBase         = "api.liveavatar.com"
	DefaultWebsocketTarget = "wss://api.liveavatar.com/v1/streaming"
	DefaultWsPort          = 8081
	DefaultHttpPort        = 8082
	DefaultHttpHost        = "127.0.0.1"
	DefaultMetricsPort     = 9100
	DefaultUpstreamTimeout = 20 * time.Second
)

// ForwardRoute maps a local POST path onto an external webhook destination.
type ForwardRoute struct {
	Path        string
	Destination *url.URL
}

type Config struct {
	APIKey string

	// Always carries a scheme, e.g. https://api.liveavatar.com
	APIBase         *url.URL
	WebsocketTarget string

	WsPort      int
	HttpHost    string
	HttpPort    int
	MetricsPort int

	AvatarID  string
	VoiceID   string
	ContextID string

	ForwardRoutes []ForwardRoute

	UpstreamTimeout   time.Duration
	BridgeIdleTimeout time.Duration
	BridgeMaxSessions int

	Production bool
}

// HasAPIKey reports whether the process was started with an upstream API key.
func (c Config) HasAPIKey() bool {
	return c.APIKey != ""
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// webhook forward paths and the variable holding each destination
var forwardRouteEnv = []struct {
	path   string
	envVar string
}{
	{path: "/create-avatar", envVar: "WEBHOOK_URL_1"},
	{path: "/submit-user", envVar: "WEBHOOK_URL_2"},
}

// LoadDotenv reads key=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are not an error.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if os.IsNotExist(pkgerrors.Cause(err)) {
				continue
			}
			return pkgerrors.Wrapf(err, "loading env file %s", p)
		}
	}
	return nil
}

// FromEnvironment loads configuration from the process environment.
func FromEnvironment() (Config, error) {
	return Load(os.LookupEnv)
}

func Load(lookup LookupFunc) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := Config{
		APIKey:          get("LIVEAVATAR_API_KEY"),
		WebsocketTarget: DefaultWebsocketTarget,
		HttpHost:        DefaultHttpHost,
		AvatarID:        get("LIVEAVATAR_AVATAR_ID"),
		VoiceID:         get("LIVEAVATAR_VOICE_ID"),
		ContextID:       get("LIVEAVATAR_CONTEXT_ID"),
		Production:      get("APP_ENV") == "production",
	}

	if cfg.APIKey == "" {
		return cfg, &relayerrors.MissingConfigValue{Name: "LIVEAVATAR_API_KEY"}
	}

	apiBase, err := parseAPIBase(get("LIVEAVATAR_API_BASE"))
	if err != nil {
		return cfg, err
	}
	cfg.APIBase = apiBase

	if target := get("LIVEAVATAR_WS_URL"); target != "" {
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return cfg, &relayerrors.InvalidConfigValue{Name: "LIVEAVATAR_WS_URL", Value: target, Reason: "expected a ws:// or wss:// URL"}
		}
		cfg.WebsocketTarget = target
	}
	if host := get("HTTP_PROXY_HOST"); host != "" {
		cfg.HttpHost = host
	}

	if cfg.WsPort, err = parsePort(get, "WS_PROXY_PORT", DefaultWsPort); err != nil {
		return cfg, err
	}
	if cfg.HttpPort, err = parsePort(get, "HTTP_PROXY_PORT", DefaultHttpPort); err != nil {
		return cfg, err
	}
	if cfg.MetricsPort, err = parsePort(get, "METRICS_PORT", DefaultMetricsPort); err != nil {
		return cfg, err
	}

	if cfg.UpstreamTimeout, err = parseDuration(get, "UPSTREAM_TIMEOUT", DefaultUpstreamTimeout); err != nil {
		return cfg, err
	}
	if cfg.UpstreamTimeout <= 0 {
		return cfg, &relayerrors.InvalidConfigValue{Name: "UPSTREAM_TIMEOUT", Value: get("UPSTREAM_TIMEOUT"), Reason: "must be positive"}
	}
	if cfg.BridgeIdleTimeout, err = parseDuration(get, "BRIDGE_IDLE_TIMEOUT", 0); err != nil {
		return cfg, err
	}

	if raw := get("BRIDGE_MAX_SESSIONS"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			return cfg, &relayerrors.InvalidConfigValue{Name: "BRIDGE_MAX_SESSIONS", Value: raw, Reason: "expected a non-negative integer"}
		}
		cfg.BridgeMaxSessions = n
	}

	for _, fr := range forwardRouteEnv {
		raw := get(fr.envVar)
		if raw == "" {
			continue
		}
		dest, parseErr := url.Parse(raw)
		if parseErr != nil || (dest.Scheme != "http" && dest.Scheme != "https") || dest.Host == "" {
			return cfg, &relayerrors.InvalidConfigValue{Name: fr.envVar, Value: raw, Reason: "expected an http:// or https:// URL"}
		}
		cfg.ForwardRoutes = append(cfg.ForwardRoutes, ForwardRoute{Path: fr.path, Destination: dest})
	}

	return cfg, nil
}

func parseAPIBase(raw string) (*url.URL, error) {
	if raw == "" {
		raw = DefaultAPIBase
	}
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "https://" + raw
	}
	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &relayerrors.InvalidConfigValue{Name: "LIVEAVATAR_API_BASE", Value: raw, Reason: "expected a host name or http(s) URL"}
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

func parsePort(get func(string) string, name string, fallback int) (int, error) {
	raw := get(name)
	if raw == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 0 || port > 65535 {
		return 0, &relayerrors.InvalidConfigValue{Name: name, Value: raw, Reason: "port is not in range [0,65535]"}
	}
	return port, nil
}

// Accepts Go durations ("15s") or a bare number of seconds ("15").
func parseDuration(get func(string) string, name string, fallback time.Duration) (time.Duration, error) {
	raw := get(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if secs, atoiErr := strconv.Atoi(raw); atoiErr == nil {
		d, err = time.Duration(secs)*time.Second, nil
	}
	if err != nil || d < 0 {
		return 0, &relayerrors.InvalidConfigValue{Name: name, Value: raw, Reason: "expected a non-negative duration"}
	}
	return d, nil
}
