package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/sazfasqq/jamespy/jamespy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = jamespy.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "jamespy [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// logLevelKeys are converted from level names to *slog.LevelVar
// before unmarshalling
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", jamespy.DefaultDatabase)
	viper.SetDefault("database_type", jamespy.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", jamespy.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", jamespy.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("metrics", false)

	viper.SetDefault("runtime_config_ttl", jamespy.DefaultRuntimeConfigTTL)
	viper.SetDefault("dm_activity_ttl", jamespy.DefaultDMActivityTTL)
	viper.SetDefault("message_cache.max_items", jamespy.DefaultMessageCacheSize)

	viper.SetDefault("log_level", jamespy.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", jamespy.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", jamespy.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", jamespy.DefaultShutdownTimeout)

	// Redis (snippet cache)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", jamespy.DefaultCommandPrefix)
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.log_level", jamespy.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		jamespy.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", jamespy.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", jamespy.DefaultDiscordStartupMessage)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", jamespy.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.session_max_age", jamespy.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", jamespy.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", jamespy.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", jamespy.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", jamespy.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	viper.SetDefault("api.ssl.tls_min_version", jamespy.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", jamespy.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", jamespy.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", jamespy.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", jamespy.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", jamespy.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(jamespy.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = jamespy.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
		"discord.owner_ids",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
