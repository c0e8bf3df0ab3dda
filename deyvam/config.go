//nolint:lll // struct tags can't be split
package deyvam

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix      = "DEYVAM_ENV_PREFIX"
	DefaultEnvPrefix        = "DV"
	DefaultDatabaseType     = "sqlite"
	DefaultDatabase         = "deyvam.sqlite3"
	DefaultLogLevel         = slog.LevelInfo
	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultRuntimeConfigTTL = 5 * time.Minute

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen        = "0.0.0.0:3000"
	DefaultAPITLSMinVersion = tls.VersionTLS12
	DefaultAPISessionMaxAge = 6 * time.Hour
	DefaultAPILogLevel      = slog.LevelInfo
	defaultListenNetwork    = "tcp"

	DefaultDiscordLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel      = slog.LevelWarn
	DefaultDiscordPresenceRefresh = 60 * time.Second
	DefaultDiscordGatewayIntent   = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultTicketLogLevel         = slog.LevelInfo
	DefaultTicketHistoryLimit     = 100
	DefaultTicketControlScanLimit = 5
	DefaultTranscriptTimezone     = "UTC"

	DefaultRedisLockTTL     = 30 * time.Second
	DefaultArchivePrefix    = "transcripts/"
	DefaultAPICORSMaxAge    = 12 * time.Hour
	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

// Config is the static process configuration, loaded once at startup.
// Guild-level settings that change while the bot runs live in RuntimeConfig.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType is either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration after which a query is logged as slow
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`
	API     *APIConfig     `yaml:"api" mapstructure:"api" json:"api"`
	Tickets *TicketConfig  `yaml:"tickets" mapstructure:"tickets" json:"tickets"`

	// Guild seeds the runtime settings row the first time it's created.
	// After that, settings are changed with slash commands or the API.
	Guild GuildSettings `yaml:"guild" mapstructure:"guild" json:"guild"`

	Redis   *RedisConfig   `yaml:"redis" mapstructure:"redis" json:"redis"`
	Archive *ArchiveConfig `yaml:"archive" mapstructure:"archive" json:"archive"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect and load its
	// settings before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for in-flight handlers to finish
	// before connections are force-closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets how often settings are reloaded from the
	// database. 0 disables periodic reloads (changes made through this
	// instance are still applied immediately).
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the gateway connection and command registration.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the guild the bot serves. Slash commands are registered
	// to this guild, and presence reflects its member count.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// PresenceRefresh is how often the "Watching N Members" activity is
	// updated. 0 disables presence updates.
	PresenceRefresh time.Duration `yaml:"presence_refresh" mapstructure:"presence_refresh" json:"presence_refresh" binding:"min=0"`

	// RegisterCommands bulk-overwrites slash commands when the gateway
	// reports ready.
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`
}

// TicketConfig tunes the ticket lifecycle.
type TicketConfig struct {
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// HistoryLimit is the number of recent messages read into a transcript.
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit" binding:"min=1,max=100"`

	// ControlScanLimit is the number of recent messages searched for the
	// claim/close control message.
	ControlScanLimit int `yaml:"control_scan_limit" mapstructure:"control_scan_limit" json:"control_scan_limit" binding:"min=1,max=100"`

	// TranscriptTimezone is the IANA zone used for transcript timestamps.
	TranscriptTimezone string `yaml:"transcript_timezone" mapstructure:"transcript_timezone" json:"transcript_timezone" binding:"required,timezone"`

	// TempDir is where transcript files are staged before upload.
	// Defaults to os.TempDir().
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir" json:"temp_dir"`
}

// RedisConfig enables a shared per-requester lock around ticket creation,
// for deployments running more than one bot instance.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Addr     string        `yaml:"addr" mapstructure:"addr" json:"addr" binding:"required_if=Enabled true"`
	Password string        `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB       int           `yaml:"db" mapstructure:"db" json:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl" json:"lock_ttl" binding:"required_if=Enabled true"`
}

// ArchiveConfig enables uploading closed-ticket transcripts to an
// S3-compatible object store.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"required_if=Enabled true"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key" json:"access_key" log:"[redacted]"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key" json:"secret_key" log:"[redacted]"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket" json:"bucket" binding:"required_if=Enabled true"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl" json:"use_ssl"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix" json:"prefix"`
}

// APIConfig configures the HTTP server. It always answers the keep-alive
// and health endpoints; the admin routes require a login.
type APIConfig struct {
	// The address and port on which the server should listen
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies. A random key is generated if empty,
	// which invalidates sessions on restart.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// SSL is optional. Without a cert and key the server speaks plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Development relaxes the session cookie and enables pprof routes
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
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
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultAPICORSMaxAge,
		AllowCredentials: true,
	}
}

func newLevelVar(l slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(l)
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
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			PresenceRefresh:   DefaultDiscordPresenceRefresh,
			RegisterCommands:  true,
		},
		Tickets: &TicketConfig{
			LogLevel:           newLevelVar(DefaultTicketLogLevel),
			HistoryLimit:       DefaultTicketHistoryLimit,
			ControlScanLimit:   DefaultTicketControlScanLimit,
			TranscriptTimezone: DefaultTranscriptTimezone,
		},
		Redis: &RedisConfig{
			LockTTL: DefaultRedisLockTTL,
		},
		Archive: &ArchiveConfig{
			Prefix: DefaultArchivePrefix,
			UseSSL: true,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
