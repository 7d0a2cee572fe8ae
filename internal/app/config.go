package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// BackendURL is the Vega backend origin every API call targets.
	BackendURL string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// AuthProviders is the runtime-enabled provider set.
	AuthProviders []string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURL  string
	OAuthUserinfoURL  string
	OAuthScopes       []string
	OAuthCallbackAddr string

	DedupTTL        time.Duration
	DedupMaxEntries int

	ConnIdleThreshold time.Duration
	ConnSweepInterval time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("VEGA_HTTP_ADDR", "127.0.0.1:8765"),
		LogLevel: EnvString("VEGA_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("VEGA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VEGA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VEGA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VEGA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("VEGA_HTTP_MAX_HEADER_BYTES", 1<<20),

		BackendURL: EnvString("VEGA_BACKEND_URL", "http://localhost:8000"),

		DatabaseURL: EnvString("VEGA_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("VEGA_DB_MAX_CONNS", 5),
		DBMinConns:  EnvInt32("VEGA_DB_MIN_CONNS", 0),

		AuthProviders: EnvStringSlice("VEGA_AUTH_PROVIDERS", []string{"password"}),

		OAuthClientID:     EnvString("VEGA_OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: EnvString("VEGA_OAUTH_CLIENT_SECRET", ""),
		OAuthAuthURL:      EnvString("VEGA_OAUTH_AUTH_URL", ""),
		OAuthTokenURL:     EnvString("VEGA_OAUTH_TOKEN_URL", ""),
		OAuthRedirectURL:  EnvString("VEGA_OAUTH_REDIRECT_URL", ""),
		OAuthUserinfoURL:  EnvString("VEGA_OAUTH_USERINFO_URL", ""),
		OAuthScopes:       EnvStringSlice("VEGA_OAUTH_SCOPES", []string{"openid", "email"}),
		OAuthCallbackAddr: EnvString("VEGA_OAUTH_CALLBACK_ADDR", "127.0.0.1:53682"),

		DedupTTL:        EnvDuration("VEGA_DEDUP_TTL", 2*time.Second),
		DedupMaxEntries: EnvInt("VEGA_DEDUP_MAX_ENTRIES", 100),

		ConnIdleThreshold: EnvDuration("VEGA_CONN_IDLE_THRESHOLD", 5*time.Minute),
		ConnSweepInterval: EnvDuration("VEGA_CONN_SWEEP_INTERVAL", 60*time.Second),
	}
}
