package jamespy

import (
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultCommandPrefix, cfg.Discord.CommandPrefix)
	assert.Equal(t, int64(DefaultMessageCacheSize), cfg.MessageCache.MaxItems)
	assert.Equal(t, DefaultDMActivityTTL, cfg.DMActivityTTL)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.NotZero(t, cfg.Discord.GatewayIntents&discordgo.IntentMessageContent)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())

	// the CORS defaults are copies
	cfg.API.CORS.AllowMethods[0] = "BREW"
	assert.NotEqual(t, "BREW", DefaultCORSAllowMethods[0])
}

func TestValidateConfig(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)
	assert.NoError(t, bot.ValidateConfig())

	bot.config.Discord.Token = ""
	assert.Error(t, bot.ValidateConfig())

	bot.config.Discord.Token = "token"
	bot.config.DatabaseType = "mysql"
	assert.Error(t, bot.ValidateConfig())

	bot.config.DatabaseType = dbTypeSQLite
	bot.config.API.SessionMaxAge = time.Minute
	assert.Error(t, bot.ValidateConfig())
}

func TestValidateMessageCacheConfig(t *testing.T) {
	assert.Nil(t, validateMessageCacheConfig(reflect.ValueOf(MessageCacheConfig{MaxItems: 0})))
	assert.Nil(t, validateMessageCacheConfig(reflect.ValueOf(MessageCacheConfig{MaxItems: 10})))
	assert.Equal(
		t,
		"max_items must be >= 0",
		validateMessageCacheConfig(reflect.ValueOf(MessageCacheConfig{MaxItems: -1})),
	)
}

func TestCORSConfig_GINConfig(t *testing.T) {
	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://example.com"}
	g := c.GINConfig()
	assert.Equal(t, []string{"https://example.com"}, g.AllowOrigins)
	assert.Equal(t, DefaultCORSMaxAge, g.MaxAge)
	assert.True(t, g.AllowCredentials)
	assert.Contains(t, g.ExposeHeaders, xRequestIDHeader)
}
