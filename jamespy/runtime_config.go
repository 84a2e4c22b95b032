package jamespy

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"time"
)

const (
	DefaultStarboardEmoji      = "⭐"
	DefaultStarboardThreshold  = 5
	DefaultDMAnnounceWindow    = time.Hour
	DefaultDiscordErrorMessage = "sorry, something went wrong!"
	DefaultDiscordCustomStatus = "watching messages"

	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig represents the runtime configuration of the bot.
// It stores settings that can be modified during runtime and persisted
// across restarts, such as being paused, the starboard setup, and
// per-subsystem log levels.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	StarboardSettings

	// Paused indicates whether the bot is currently paused. While paused,
	// commands are ignored, but messages are still logged and archived.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// RecoverPanic determines whether the bot should recover from panics
	// while processing commands and events
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// Error message sent to the user if a command fails unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// If specified, the bot will send certain events to the specified
	// channel, such as when it connects, and starboard overflow notices
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DMAnnounceWindow is how long a DM conversation stays 'active' after
	// the last message. A DM received after the window has passed is
	// announced again.
	DMAnnounceWindow Duration `json:"dm_announce_window" gorm:"default:1h0m0s"`

	// AdminUsername for the API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// StarboardSettings configures the starboard. Messages collecting
// StarboardThreshold reactions of StarboardEmoji in StarboardGuildID
// are queued for review in StarboardQueueChannelID, and re-posted to
// StarboardPostChannelID when accepted.
//
//nolint:lll // struct tags can't be split
type StarboardSettings struct {
	StarboardActive         bool   `json:"starboard_active" gorm:"not null;default:false"`
	StarboardGuildID        string `json:"starboard_guild_id" gorm:"type:string" binding:"required_if=StarboardActive true"`
	StarboardQueueChannelID string `json:"starboard_queue_channel_id" gorm:"type:string" binding:"required_if=StarboardActive true"`
	StarboardPostChannelID  string `json:"starboard_post_channel_id" gorm:"type:string" binding:"required_if=StarboardActive true"`
	StarboardEmoji          string `json:"starboard_emoji" gorm:"type:string;default:⭐" binding:"required"`
	StarboardThreshold      int    `json:"starboard_threshold" gorm:"not null;default:5" binding:"min=1"`

	// Members with this role may accept/deny queued entries and manage
	// overrides. Owners are always allowed.
	StarboardAllowedRoleID string `json:"starboard_allowed_role_id" gorm:"type:string"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		StarboardSettings: StarboardSettings{
			StarboardEmoji:     DefaultStarboardEmoji,
			StarboardThreshold: DefaultStarboardThreshold,
		},
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		DiscordErrorMessage: DefaultDiscordErrorMessage,
		DMAnnounceWindow:    Duration{DefaultDMAnnounceWindow},
		LogLevel:            DBLogLevelInfo,
		DiscordLogLevel:     DBLogLevelInfo,
		DiscordGoLogLevel:   DBLogLevelInfo,
		DatabaseLogLevel:    DBLogLevelInfo,
		APILogLevel:         DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is the payload used to update RuntimeConfig via
// the API. Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus          *string   `json:"discord_custom_status,omitempty"`
	DiscordErrorMessage          *string   `json:"discord_error_message,omitempty"`
	DiscordNotificationChannelID *string   `json:"discord_notification_channel_id,omitempty"`
	DMAnnounceWindow             *Duration `json:"dm_announce_window,omitempty"`

	StarboardActive         *bool   `json:"starboard_active,omitempty"`
	StarboardGuildID        *string `json:"starboard_guild_id,omitempty"`
	StarboardQueueChannelID *string `json:"starboard_queue_channel_id,omitempty"`
	StarboardPostChannelID  *string `json:"starboard_post_channel_id,omitempty"`
	StarboardEmoji          *string `json:"starboard_emoji,omitempty" binding:"omitnil,min=1"`
	StarboardThreshold      *int    `json:"starboard_threshold,omitempty" binding:"omitnil,min=1"`
	StarboardAllowedRoleID  *string `json:"starboard_allowed_role_id,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func validateRuntimeUpdateLimits(field reflect.Value) any {
	if value, ok := field.Interface().(RuntimeConfigUpdate); ok {
		if value.DMAnnounceWindow != nil {
			window := value.DMAnnounceWindow.Duration
			if window < time.Minute {
				return fmt.Errorf("dm announce window must be at least 1m")
			}
			if window > 24*time.Hour {
				return fmt.Errorf("dm announce window must be at most 24h")
			}
		}
	}
	return nil
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{
		Status: string(discordgo.StatusOnline),
		Game: discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		},
	}
}

// getDiscordStatusData is the UpdateStatusComplex equivalent of
// getDiscordPresenceStatusUpdate, used when the session is already open
func getDiscordStatusData(config RuntimeConfig) discordgo.UpdateStatusData {
	presence := getDiscordPresenceStatusUpdate(config)
	data := discordgo.UpdateStatusData{
		AFK:    presence.AFK,
		Status: presence.Status,
	}
	if !config.Paused {
		game := presence.Game
		data.Activities = []*discordgo.Activity{&game}
	}
	return data
}

// Duration stores a time.Duration as its string form ("1h0m0s"), both
// in the database and in JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (Duration) GormDataType() string {
	return "string"
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string. null leaves d unchanged.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid duration: %s", b)
	}
	return d.Scan(s)
}
