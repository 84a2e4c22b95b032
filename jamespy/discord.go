package jamespy

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
)

// Discord owns the gateway session, its connection state and the
// handlers registered on it.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	bot     *Jamespy

	connected   atomic.Bool
	connects    atomic.Int64
	disconnects atomic.Int64

	// removeHandlers unregisters every handler added to session
	removeHandlers []func()
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{config: config}
}

// newSession creates the discordgo session. The state cache is kept
// (minus messages, which messageCache handles), since channel
// permissions are resolved from it.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	s, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	s.SyncEvents = false
	s.StateEnabled = true
	s.State.MaxMessageCount = 0
	s.Identify.Intents = d.config.GatewayIntents
	s.LogLevel = discordgoLogLevel(d.config.DiscordGoLogLevel.Level())
	if d.config.httpClient != nil {
		s.Client = d.config.httpClient
	}
	return DiscordSession{
		Session: s,
		logger:  d.logger.With(loggerNameKey, "discord_session_handler"),
	}, nil
}

// discordgoLogLevel is the inverse of discordgoLevel
func discordgoLogLevel(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return discordgo.LogError
	case level >= slog.LevelWarn:
		return discordgo.LogWarning
	case level >= slog.LevelInfo:
		return discordgo.LogInformational
	default:
		return discordgo.LogDebug
	}
}

func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	d.logger.Info(
		"ready",
		"session_id", r.SessionID,
		slog.Group("user", "id", r.User.ID, "username", r.User.Username),
		"guilds", len(r.Guilds),
	)
}

// onConnect marks the session connected, and announces the connection
// in the notification channel when a startup message is configured
func (d *Discord) onConnect(s *discordgo.Session, _ *discordgo.Connect) {
	d.connected.Store(true)
	d.connects.Add(1)
	metricDiscordConnects.Inc()

	attrs := []any{}
	if s != nil && s.State != nil {
		attrs = append(attrs, "session_id", s.State.SessionID)
		if u := s.State.User; u != nil {
			attrs = append(attrs, slog.Group("user", "id", u.ID, "username", u.Username))
		}
	}
	d.logger.Info("connected", attrs...)

	channelID := d.bot.RuntimeConfig().DiscordNotificationChannelID
	if channelID == "" || d.config.StartupMessage == "" {
		return
	}
	err := d.channelMessageSend(
		channelID,
		d.config.StartupMessage,
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		d.logger.Error("unable to send startup message", "channel_id", channelID, tint.Err(err))
	}
}

func (d *Discord) onDisconnect(s *discordgo.Session, _ *discordgo.Disconnect) {
	d.connected.Store(false)
	d.disconnects.Add(1)
	metricDiscordDisconnects.Inc()

	var sessionID string
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
	}
	d.logger.Warn("disconnected", "session_id", sessionID)
}

// registerCommands replaces the registered slash commands with
// appCommands, globally or in the configured guild
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		appCommands(),
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error overwriting discord commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler is the subset of *discordgo.Session the bot
// uses, so it can be swapped for a mock in tests.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()

	// SetIdentify sets the identify payload sent when the session opens
	SetIdentify(i discordgo.Identify)

	// BotUserID returns the ID of the connected bot user
	BotUserID() string
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ChannelMessageSend(
		channelID string,
		content string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessage(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages from the channel.
	// At most one of beforeID, afterID and aroundID should be set.
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
	ChannelMessageDelete(channelID string, messageID string, opts ...discordgo.RequestOption) error

	// ChannelMessagesBulkDelete deletes up to 100 messages in one call
	ChannelMessagesBulkDelete(channelID string, messages []string, opts ...discordgo.RequestOption) error
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	// Channel returns the channel, from the state cache if available
	Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelPermissions(
		userID string,
		channelID string,
		opts ...discordgo.RequestOption,
	) (int64, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		opts ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession implements DiscordSessionHandler. Most methods are
// promoted from the embedded session; the ones below add logging or
// state lookups.
type DiscordSession struct {
	*discordgo.Session
	logger *slog.Logger
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.Identify = i
}

func (d DiscordSession) BotUserID() string {
	if d.State == nil || d.State.User == nil {
		return ""
	}
	return d.State.User.ID
}

// Channel checks the state cache before falling back to the API
func (d DiscordSession) Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if d.StateEnabled && d.State != nil {
		if ch, err := d.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return d.Session.Channel(channelID, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.Session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.Session.ChannelMessageSendReply(channelID, content, reference, opts...)
	if err != nil {
		d.logger.Error("error sending reply", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	opts ...discordgo.RequestOption,
) error {
	err := d.Session.ChannelMessagesBulkDelete(channelID, messages, opts...)
	if err != nil {
		d.logger.Error(
			"error bulk deleting messages",
			"channel_id", channelID,
			"count", len(messages),
			tint.Err(err),
		)
	}
	return err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	opts ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.Session.ApplicationCommandBulkOverwrite(appID, guildID, commands, opts...)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("registered command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}
