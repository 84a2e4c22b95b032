//nolint:lll // struct tags can't be split
package jamespy

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"time"
)

const (
	EnvvarSetEnvPrefix      = "JAMESPY_ENV_PREFIX"
	DefaultEnvPrefix        = "JAMESPY"
	DefaultDatabaseType     = "sqlite"
	DefaultDatabase         = "jamespy.sqlite3"
	DefaultLogLevel         = slog.LevelInfo
	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultCommandPrefix    = "-"
	DefaultRedisDialTimeout = 5 * time.Second

	DefaultReadTimeout          = 5 * time.Second
	DefaultReadHeaderTimeout    = 5 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultIdleTimeout          = 30 * time.Second
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentMessageContent |
		discordgo.IntentGuildMembers

	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000
	DefaultAPIListen             = "127.0.0.1:5000"
	DefaultUITLSMinVersion       = tls.VersionTLS12
	DefaultAPISessionMaxAge      = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL    = 5 * time.Minute
	DefaultMessageCacheSize    = 10_000
	DefaultDMActivityTTL       = time.Hour
	DefaultPrefixCommandBurst  = 3
	DefaultPrefixCommandPerSec = 1
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database is the postgres DSN, or the sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType is 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel is the level for gorm's logging
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// Queries slower than DatabaseSlowThreshold are logged at WARN
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Redis configures the snippet cache
	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// API configures the admin API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures the bot's gateway connection and commands
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// MessageCache configures the in-memory cache of recently seen
	// messages, used to log the content of edited and deleted messages
	MessageCache *MessageCacheConfig `yaml:"message_cache" mapstructure:"message_cache" json:"message_cache"`

	// DMActivityTTL is how long a DM activity record stays in memory
	// before it's read from the database again.
	DMActivityTTL time.Duration `yaml:"dm_activity_ttl" mapstructure:"dm_activity_ttl" json:"dm_activity_ttl"`

	// Metrics enables the prometheus /metrics endpoint on the API server
	Metrics bool `yaml:"metrics" mapstructure:"metrics" json:"metrics"`

	// LogLevel applies to every logger without a level of its own
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds initialization (database, runtime config,
	// discord connection). Startup is aborted when it passes.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout bounds the graceful shutdown, after which
	// connections are closed regardless.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL, when above 0, reloads RuntimeConfig from the
	// database at least this often, for instances sharing a sqlite file
	// (postgres instances are also told via NOTIFY).
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// Development relaxes cookie settings for the API
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// RedisConfig points the snippet cache at a redis server. When Addr is
// empty, snippets are read straight from the database.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB       int    `yaml:"db" mapstructure:"db" json:"db" binding:"min=0"`
}

// MessageCacheConfig sizes the recent message cache
type MessageCacheConfig struct {
	// Maximum number of messages held. 0 disables the cache.
	MaxItems int64 `yaml:"max_items" mapstructure:"max_items" json:"max_items"`
}

func validateMessageCacheConfig(field reflect.Value) any {
	if value, ok := field.Interface().(MessageCacheConfig); ok {
		if value.MaxItems < 0 {
			return "max_items must be >= 0"
		}
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Token is the bot token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ApplicationID is used to register slash commands
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID registers slash commands in a single guild. Empty
	// registers them globally.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// CommandPrefix is the prefix for message commands (purge, purge-in)
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// OwnerIDs are the user IDs allowed to run owner-only commands
	// (dbstats, sql)
	OwnerIDs []string `yaml:"owner_ids" mapstructure:"owner_ids" json:"owner_ids"`

	// LogLevel is for the bot's own discord logging
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DiscordGoLogLevel is for discordgo's internal logging
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// StartupMessage is posted to RuntimeConfig.DiscordNotificationChannelID
	// on every gateway connect, when both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// GatewayIntents must include message content for the purge filters
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the admin API's HTTP server
type APIConfig struct {
	// Listen is a host:port, or a socket path for ListenNetwork unix
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret is stretched into the session cookie signing key
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// SSL serves the API over TLS when cert and key paths are set
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	CORS     CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Timeouts passed through to http.Server
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// SessionMaxAge is the admin session cookie lifetime
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`
}

// SSLConfig holds the certificate paths for the API. If neither file
// exists, a self-signed pair is written to them on startup.
type SSLConfig struct {
	CertFile      string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`
	KeyFile       string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig is the cross-origin policy for the API
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		DMActivityTTL:         DefaultDMActivityTTL,
		Redis:                 &RedisConfig{},
		MessageCache:          &MessageCacheConfig{MaxItems: DefaultMessageCacheSize},
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultCommandPrefix,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			StartupMessage:    DefaultDiscordStartupMessage,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			SSL:               &SSLConfig{TLSMinVersion: DefaultUITLSMinVersion},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
		},
	}
}
