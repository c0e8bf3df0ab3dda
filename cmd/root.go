package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/mrzappu/deyvam-bot/deyvam"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = deyvam.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "deyvam [flags]",
	Short: "DEYVAM Gaming community bot",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes viper's settings into c
func loadConfig(c *deyvam.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("INFO", "debug") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT/SIGTERM
func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

// logLevelKeys are the config keys holding log levels
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
	"tickets.log_level",
}

// guildSettingKeys are the guild.* keys used to seed the settings row
var guildSettingKeys = []string{
	"guild.welcome_channel_id",
	"guild.goodbye_channel_id",
	"guild.voice_log_channel_id",
	"guild.ticket_category_id",
	"guild.ticket_log_channel_id",
	"guild.staff_role_id",
	"guild.mobile_gamer_role_id",
	"guild.pc_player_role_id",
}

func setDefaults() {
	viper.SetDefault("database", deyvam.DefaultDatabase)
	viper.SetDefault("database_type", deyvam.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", deyvam.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", deyvam.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", deyvam.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", deyvam.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", deyvam.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", deyvam.DefaultRuntimeConfigTTL)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", deyvam.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", deyvam.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", deyvam.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.presence_refresh", deyvam.DefaultDiscordPresenceRefresh)
	viper.SetDefault("discord.register_commands", true)

	// Tickets
	viper.SetDefault("tickets.log_level", deyvam.DefaultTicketLogLevel.String())
	viper.SetDefault("tickets.history_limit", deyvam.DefaultTicketHistoryLimit)
	viper.SetDefault("tickets.control_scan_limit", deyvam.DefaultTicketControlScanLimit)
	viper.SetDefault("tickets.transcript_timezone", deyvam.DefaultTranscriptTimezone)
	viper.SetDefault("tickets.temp_dir", "")

	for _, k := range guildSettingKeys {
		viper.SetDefault(k, "")
	}

	// Redis
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.lock_ttl", deyvam.DefaultRedisLockTTL)

	// Transcript archive
	viper.SetDefault("archive.enabled", false)
	viper.SetDefault("archive.endpoint", "")
	viper.SetDefault("archive.access_key", "")
	viper.SetDefault("archive.secret_key", "")
	viper.SetDefault("archive.bucket", "")
	viper.SetDefault("archive.use_ssl", true)
	viper.SetDefault("archive.prefix", deyvam.DefaultArchivePrefix)

	// API
	viper.SetDefault("api.listen", deyvam.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", deyvam.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", deyvam.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", deyvam.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", deyvam.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", deyvam.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", deyvam.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", deyvam.DefaultAPITLSMinVersion)

	viper.SetDefault("api.cors.allow_headers", deyvam.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", deyvam.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", deyvam.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", deyvam.DefaultAPICORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", true)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("no .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Fatalf("error loading env file %s: %v", configFile, err)
	}

	setDefaults()

	envPrefix := os.Getenv(deyvam.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = deyvam.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, k := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(k, viper.GetStringSlice(k))
	}

	for _, k := range logLevelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(k))
		if err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
		viper.Set(k, lvl)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load settings from",
	)
}
