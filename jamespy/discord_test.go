package jamespy

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

// mockDiscordSession is a mock implementation of the DiscordSessionHandler interface.
//
// Messages, channels and permissions are served from the fields set by
// the test, and outgoing calls are recorded so they can be checked.
type mockDiscordSession struct {
	logger *slog.Logger

	mu sync.Mutex

	botID string

	// channel ID -> messages, newest first
	messages map[string][]*discordgo.Message
	channels map[string]*discordgo.Channel

	// user ID -> permission bits, for every channel
	permissions map[string]int64

	sent          []*discordgo.MessageSend
	sentChannels  []string
	replies       []string
	reactions     []string
	deleted       []string
	bulkDeleted   [][]string
	statusUpdates []discordgo.UpdateStatusData
	responses     []*discordgo.InteractionResponse
	identify      *discordgo.Identify
	opened        int
	closed        int

	errSend       error
	errBulkDelete error
	errDelete     error
	errMessages   error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		logger:      slog.New(newLogHandler(os.Stdout, slog.LevelDebug)).With(loggerNameKey, "mock_session"),
		botID:       "bot",
		messages:    map[string][]*discordgo.Message{},
		channels:    map[string]*discordgo.Channel{},
		permissions: map[string]int64{},
	}
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened++
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) nextMessageID() string {
	return fmt.Sprintf("sent_%d", len(d.sent)+len(d.replies))
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: message})
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("saw message send", "channel_id", channelID, "content", data.Content)
	if d.errSend != nil {
		return nil, d.errSend
	}
	id := d.nextMessageID()
	d.sent = append(d.sent, data)
	d.sentChannels = append(d.sentChannels, channelID)
	return &discordgo.Message{ID: id, ChannelID: channelID, Content: data.Content}, nil
}

func (d *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	)
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info(
		"channel reply send",
		"channel_id", channelID,
		"message_reference", reference,
		"content", content,
	)
	if d.errSend != nil {
		return nil, d.errSend
	}
	id := d.nextMessageID()
	d.replies = append(d.replies, content)
	return &discordgo.Message{ID: id, Content: content, ChannelID: channelID}, nil
}

func (d *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.messages[channelID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", messageID)
}

func (d *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errMessages != nil {
		return nil, d.errMessages
	}
	messages := d.messages[channelID]
	start := 0
	if beforeID != "" {
		for n, m := range messages {
			if m.ID == beforeID {
				start = n + 1
				break
			}
		}
	}
	messages = messages[start:]
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errDelete != nil {
		return d.errDelete
	}
	d.deleted = append(d.deleted, messageID)
	return nil
}

func (d *mockDiscordSession) ChannelMessagesBulkDelete(
	_ string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errBulkDelete != nil {
		return d.errBulkDelete
	}
	d.bulkDeleted = append(d.bulkDeleted, slices.Clone(messages))
	return nil
}

func (d *mockDiscordSession) MessageReactionAdd(
	_ string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reactions = append(d.reactions, messageID+":"+emojiID)
	return nil
}

func (d *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel %s not found", channelID)
}

func (d *mockDiscordSession) UserChannelPermissions(
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permissions[userID], nil
}

func (d *mockDiscordSession) BotUserID() string {
	return d.botID
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
		"commands", len(commands),
	)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("updating complex status", "data", data)
	d.statusUpdates = append(d.statusUpdates, data)
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("mock responding to interaction", "interaction_id", interaction.ID)
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"mock editing interaction",
		"interaction_id", interaction.ID,
		"webhook_edit", newresp,
	)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identify = &i
}

func (d *mockDiscordSession) addMessages(channelID string, messages ...*discordgo.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[channelID] = append(d.messages[channelID], messages...)
}

func (d *mockDiscordSession) sentMessages() []*discordgo.MessageSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

func (d *mockDiscordSession) bulkDeletes() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.bulkDeleted)
}

func (d *mockDiscordSession) addedReactions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.reactions)
}

func (d *mockDiscordSession) sentReplies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.replies)
}

// stubInteractionHandler is an InteractionHandler which sends its
// responses and edits to channels, so tests can wait on them
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	callRespond chan *discordgo.InteractionResponse
	callEdit    chan *discordgo.WebhookEdit
}

func newStubInteractionHandler(
	t testing.TB,
	i *discordgo.InteractionCreate,
) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		interaction: i,
		logger:      slog.Default().With("test_name", t.Name()),
		callRespond: make(chan *discordgo.InteractionResponse, 100),
		callEdit:    make(chan *discordgo.WebhookEdit, 100),
	}
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return nil
}

func (s stubInteractionHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.Logger().DebugContext(ctx, "edit called")
	s.callEdit <- e
	return &discordgo.Message{}, nil
}

func (s stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

// waitForResponse returns the next response sent to the handler,
// failing the test if none arrives in time
func waitForResponse(t testing.TB, s stubInteractionHandler) *discordgo.InteractionResponse {
	t.Helper()
	select {
	case r := <-s.callRespond:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for interaction response")
	}
	return nil
}

func waitForEdit(t testing.TB, s stubInteractionHandler) *discordgo.WebhookEdit {
	t.Helper()
	select {
	case e := <-s.callEdit:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for interaction edit")
	}
	return nil
}

// assertNoResponse checks nothing was sent to the handler
func assertNoResponse(t testing.TB, s stubInteractionHandler) {
	t.Helper()
	select {
	case r := <-s.callRespond:
		t.Fatalf("unexpected response: %#v", r)
	default:
	}
}

func newSlashCommandInteraction(
	userID string,
	guildID string,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("interaction_%s_%s", name, userID),
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   guildID,
			ChannelID: "c1",
			Context:   discordgo.InteractionContextGuild,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "user_" + userID},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      "cmd_" + name,
				Name:    name,
				Options: options,
			},
		},
	}
}

// subcommand builds a subcommand option, as received for
// `/name subcommand`
func subcommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func stringOpt(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

// DefaultTestConfig returns a Config using a temporary sqlite
// database, with quiet loggers
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, "test.sqlite3")
	cfg.StartupTimeout = 10 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.RuntimeConfigTTL = 0
	cfg.Development = true
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"
	cfg.Discord.OwnerIDs = []string{"owner"}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

// newTestJamespy returns a bot initialized the way Run does it (minus
// the API listener), against a temporary sqlite database and a mock
// discord session
func newTestJamespy(t testing.TB) (*Jamespy, *mockDiscordSession) {
	t.Helper()
	gin.DefaultWriter = io.Discard

	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	require.NoError(t, bot.initRun(ctx))
	t.Cleanup(
		func() {
			bot.messageCache.Close()
			if sqlDB, _ := bot.db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	session := newMockDiscordSession()
	bot.discord.session = session
	require.NoError(t, bot.initDiscordSession(ctx, &sync.WaitGroup{}))
	return bot, session
}

// setRuntimeConfig replaces the bot's runtime config, as if loaded from
// the database
func setRuntimeConfig(t testing.TB, bot *Jamespy, update func(*RuntimeConfig)) {
	t.Helper()
	bot.cfgMu.Lock()
	defer bot.cfgMu.Unlock()
	update(bot.runtimeConfig)
	require.NoError(t, bot.db.Save(bot.runtimeConfig).Error)
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	bot, session := newTestJamespy(t)
	setRuntimeConfig(
		t, bot, func(c *RuntimeConfig) {
			c.DiscordNotificationChannelID = "notifications"
		},
	)
	d := bot.discord

	require.False(t, d.connected.Load())
	handler := d.onConnect

	sess := &discordgo.Session{
		State: &discordgo.State{
			Ready: discordgo.Ready{
				SessionID: t.Name(),
				User: &discordgo.User{
					ID:       t.Name(),
					Username: t.Name(),
				},
			},
		},
	}
	handler(sess, nil)
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.connects.Load())
	assert.Equal(t, int64(0), d.disconnects.Load())

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, d.config.StartupMessage, sent[0].Content)
	assert.Equal(t, "notifications", session.sentChannels[0])

	disconnectHandler := d.onDisconnect
	disconnectHandler(sess, nil)
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.disconnects.Load())
	assert.Equal(t, int64(1), d.connects.Load())

	// a failed send is only logged
	session.errSend = errors.New("send failed")
	handler(sess, nil)
	assert.True(t, d.connected.Load())
	assert.Len(t, session.sentMessages(), 1)
}

func TestDiscord_RegisterCommands(t *testing.T) {
	bot, _ := newTestJamespy(t)

	created, err := bot.RegisterSlashCommands()
	require.NoError(t, err)

	names := make([]string, 0, len(created))
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandStarboard,
			DiscordSlashCommandSnippets,
			DiscordSlashCommandDBStats,
			DiscordSlashCommandSQL,
		},
		names,
	)
}

func TestDiscord_InitSessionIdentify(t *testing.T) {
	bot, session := newTestJamespy(t)

	require.NotNil(t, session.identify)
	assert.Equal(t, bot.config.Discord.GatewayIntents, session.identify.Intents)
	assert.Equal(t, string(discordgo.StatusOnline), session.identify.Presence.Status)
	assert.Equal(t, DefaultDiscordCustomStatus, session.identify.Presence.Game.State)
	assert.NotNil(t, bot.starboard)
	assert.NotNil(t, bot.purger)
	assert.NotEmpty(t, bot.discord.removeHandlers)
}

func TestDiscordPresence(t *testing.T) {
	cfg := DefaultRuntimeConfig()

	data := getDiscordStatusData(cfg)
	assert.Equal(t, string(discordgo.StatusOnline), data.Status)
	require.Len(t, data.Activities, 1)
	assert.Equal(t, discordgo.ActivityTypeCustom, data.Activities[0].Type)
	assert.Equal(t, cfg.DiscordCustomStatus, data.Activities[0].State)

	cfg.Paused = true
	data = getDiscordStatusData(cfg)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), data.Status)
	assert.True(t, data.AFK)
	assert.Empty(t, data.Activities)
}

func TestUpdateDiscordBotStatus(t *testing.T) {
	bot, session := newTestJamespy(t)
	previous := bot.RuntimeConfig()
	current := previous
	current.Paused = true

	// not connected: no update
	require.NoError(t, updateDiscordBotStatus(bot, previous, current))
	assert.Empty(t, session.statusUpdates)

	bot.discord.connected.Store(true)
	require.NoError(t, updateDiscordBotStatus(bot, previous, previous))
	assert.Empty(t, session.statusUpdates)

	require.NoError(t, updateDiscordBotStatus(bot, previous, current))
	require.Len(t, session.statusUpdates, 1)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), session.statusUpdates[0].Status)
}

func TestJamespy_PauseResume(t *testing.T) {
	bot, session := newTestJamespy(t)
	bot.discord.connected.Store(true)
	ctx := context.Background()

	assert.True(t, bot.Pause(ctx))
	assert.False(t, bot.Pause(ctx))
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)

	var stored RuntimeConfig
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.True(t, stored.Paused)

	assert.True(t, bot.Resume(ctx))
	assert.False(t, bot.Resume(ctx))
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.False(t, stored.Paused)
	assert.Len(t, session.statusUpdates, 2)
}

func TestJamespy_RefreshRuntimeConfig(t *testing.T) {
	bot, _ := newTestJamespy(t)

	require.NoError(
		t,
		bot.db.Model(&RuntimeConfig{ModelUintID: ModelUintID{ID: bot.RuntimeConfig().ID}}).Updates(
			map[string]any{
				"paused":    true,
				"log_level": DBLogLevelDebug,
			},
		).Error,
	)
	assert.False(t, bot.paused.Load())

	bot.refreshRuntimeConfig(context.Background(), true)
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
	assert.Equal(t, slog.LevelDebug, bot.config.LogLevel.Level())
}

func TestAddEventHandler_RecoverPanic(t *testing.T) {
	bot, _ := newTestJamespy(t)
	setRuntimeConfig(t, bot, func(c *RuntimeConfig) { c.RecoverPanic = true })

	var handled sync.WaitGroup
	handled.Add(1)
	wg := &sync.WaitGroup{}

	var registered func(*discordgo.Session, *discordgo.GuildCreate)
	bot.discord.session = addHandlerCapture{
		DiscordSessionHandler: bot.discord.session,
		capture: func(h any) {
			registered = h.(func(*discordgo.Session, *discordgo.GuildCreate))
		},
	}
	_ = addEventHandler(
		bot, context.Background(), wg,
		func(_ context.Context, _ *discordgo.GuildCreate) {
			defer handled.Done()
			panic("boom")
		},
	)
	require.NotNil(t, registered)
	registered(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "g"}})
	handled.Wait()
	wg.Wait()
}

// addHandlerCapture passes handlers given to AddHandler to capture
type addHandlerCapture struct {
	DiscordSessionHandler
	capture func(any)
}

func (a addHandlerCapture) AddHandler(h any) func() {
	a.capture(h)
	return func() {}
}

func TestDiscordgoLogLevels(t *testing.T) {
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		assert.Equal(t, level, discordgoLevel(discordgoLogLevel(level)))
	}
	assert.Equal(t, discordgo.LogDebug, discordgoLogLevel(slog.LevelDebug-4))
	assert.Equal(t, slog.LevelInfo, discordgoLevel(42))
}
