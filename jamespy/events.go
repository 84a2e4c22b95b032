package jamespy

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

// ArchivedMessage is a copy of a non-bot message, saved when it's created
//
//nolint:lll // struct tags can't be split
type ArchivedMessage struct {
	ModelUintID
	MessageID   string   `json:"message_id" gorm:"type:string;not null;uniqueIndex"`
	GuildID     string   `json:"guild_id" gorm:"type:string;index"`
	ChannelID   string   `json:"channel_id" gorm:"type:string;not null;index"`
	UserID      string   `json:"user_id" gorm:"type:string;not null;index"`
	Username    string   `json:"username" gorm:"type:string"`
	Content     string   `json:"content" gorm:"type:string"`
	Attachments []string `json:"attachments" gorm:"serializer:json"`
	CreatedAt   int64    `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// MessageEdit records a change in a message's content
type MessageEdit struct {
	ModelUintID
	MessageID  string `json:"message_id" gorm:"type:string;not null;index"`
	GuildID    string `json:"guild_id" gorm:"type:string;index"`
	ChannelID  string `json:"channel_id" gorm:"type:string;not null"`
	UserID     string `json:"user_id" gorm:"type:string;not null;index"`
	OldContent string `json:"old_content" gorm:"type:string"`
	NewContent string `json:"new_content" gorm:"type:string"`
	CreatedAt  int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// MessageDeletion records a deleted message, with its content when the
// message was cached
type MessageDeletion struct {
	ModelUintID
	MessageID string `json:"message_id" gorm:"type:string;not null;index"`
	GuildID   string `json:"guild_id" gorm:"type:string;index"`
	ChannelID string `json:"channel_id" gorm:"type:string;not null"`
	UserID    string `json:"user_id" gorm:"type:string;index"`
	Content   string `json:"content" gorm:"type:string"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newArchivedMessage(m *discordgo.Message) *ArchivedMessage {
	archived := &ArchivedMessage{
		MessageID: m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		archived.UserID = m.Author.ID
		archived.Username = m.Author.Username
	}
	for _, a := range m.Attachments {
		archived.Attachments = append(archived.Attachments, a.URL)
	}
	return archived
}

func (d *Jamespy) eventLogger(ctx context.Context, event string) (context.Context, *slog.Logger) {
	ctx, logger := d.getLogger(ctx)
	logger = logger.With("event", event)
	return WithLogger(ctx, logger), logger
}

// handleMessageCreate logs and archives the message, then routes
// prefix commands and DMs
func (d *Jamespy) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	ctx, logger := d.eventLogger(ctx, "message_create")
	logger = logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	metricMessagesSeen.Inc()
	d.messageCache.Add(m.Message)

	attachments := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a.Filename)
	}
	logger.InfoContext(
		ctx,
		"message created",
		"content", m.Content,
		"attachments", strings.Join(attachments, ", "),
	)

	if m.Author.Bot {
		return
	}

	if _, err := d.writeDB.Create(ctx, newArchivedMessage(m.Message)); err != nil {
		logger.ErrorContext(ctx, "error archiving message", tint.Err(err))
	}

	if m.GuildID == "" {
		d.handleDM(ctx, m)
		return
	}

	if d.paused.Load() {
		return
	}
	command, args, ok := splitPrefixCommand(d.config.Discord.CommandPrefix, m.Content)
	if !ok {
		return
	}
	switch command {
	case prefixCommandPurge, prefixCommandPurgeIn:
		d.handlePurgeCommand(ctx, m, command, args)
	}
}

// handleDM records DM activity, announcing the start of a new
// conversation in the log and the notification channel
func (d *Jamespy) handleDM(ctx context.Context, m *discordgo.MessageCreate) {
	ctx, logger := d.getLogger(ctx)
	activity, announce, err := d.dmActivity.Record(ctx, m.Author.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error recording dm activity", tint.Err(err))
		return
	}
	if !announce {
		logger.DebugContext(ctx, "dm conversation ongoing", "count", activity.Count)
		return
	}

	logger.WarnContext(
		ctx,
		"I was messaged!",
		slog.Group("user", "id", m.Author.ID, "username", m.Author.Username),
		"content", m.Content,
	)
	channelID := d.RuntimeConfig().DiscordNotificationChannelID
	if channelID == "" {
		return
	}
	if _, sendErr := d.discord.session.ChannelMessageSendEmbed(
		channelID,
		&discordgo.MessageEmbed{
			Title:       "I was messaged!",
			Description: truncate(m.Content, embedDescriptionLimit),
			Author: &discordgo.MessageEmbedAuthor{
				Name:    m.Author.Username,
				IconURL: m.Author.AvatarURL(""),
			},
			Footer:    &discordgo.MessageEmbedFooter{Text: "User ID: " + m.Author.ID},
			Timestamp: time.Unix(activity.LastAnnounced, 0).UTC().Format(time.RFC3339),
		},
		discordgo.WithContext(ctx),
	); sendErr != nil {
		logger.ErrorContext(ctx, "error sending dm notification", tint.Err(sendErr))
	}
}

// handleMessageUpdate logs and archives content changes of cached
// messages
func (d *Jamespy) handleMessageUpdate(ctx context.Context, m *discordgo.MessageUpdate) {
	ctx, logger := d.eventLogger(ctx, "message_update")
	logger = logger.With("message_id", m.ID, "channel_id", m.ChannelID)

	cached, ok := d.messageCache.Get(m.ID)
	if !ok {
		logger.DebugContext(
			ctx,
			fmt.Sprintf("A message (ID:%s) was edited but was not in cache", m.ID),
		)
		return
	}
	if cached.Bot || cached.Content == m.Content {
		return
	}

	logger.InfoContext(
		ctx,
		"message edited",
		slog.Group("author", "id", cached.AuthorID, "username", cached.AuthorName),
		"old_content", cached.Content,
		"new_content", m.Content,
	)
	metricMessagesEdited.Inc()
	d.messageCache.Update(m.ID, m.Content)

	if _, err := d.writeDB.Create(
		ctx, &MessageEdit{
			MessageID:  m.ID,
			GuildID:    cached.GuildID,
			ChannelID:  cached.ChannelID,
			UserID:     cached.AuthorID,
			OldContent: cached.Content,
			NewContent: m.Content,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error archiving message edit", tint.Err(err))
	}
}

// handleMessageDelete logs and archives a deleted message. Messages
// that weren't cached are archived without content.
func (d *Jamespy) handleMessageDelete(ctx context.Context, m *discordgo.MessageDelete) {
	ctx, logger := d.eventLogger(ctx, "message_delete")
	d.archiveDeletion(ctx, logger, m.ID, m.GuildID, m.ChannelID)
}

func (d *Jamespy) handleMessageDeleteBulk(ctx context.Context, m *discordgo.MessageDeleteBulk) {
	ctx, logger := d.eventLogger(ctx, "message_delete_bulk")
	logger.InfoContext(ctx, "messages bulk deleted", "channel_id", m.ChannelID, "count", len(m.Messages))
	for _, id := range m.Messages {
		d.archiveDeletion(ctx, logger, id, m.GuildID, m.ChannelID)
	}
}

func (d *Jamespy) archiveDeletion(
	ctx context.Context,
	logger *slog.Logger,
	messageID string,
	guildID string,
	channelID string,
) {
	metricMessagesDeleted.Inc()
	deletion := &MessageDeletion{
		MessageID: messageID,
		GuildID:   guildID,
		ChannelID: channelID,
	}

	cached, ok := d.messageCache.Get(messageID)
	if ok {
		d.messageCache.Remove(messageID)
		if cached.Bot {
			return
		}
		deletion.UserID = cached.AuthorID
		deletion.Content = cached.Content
		logger.InfoContext(
			ctx,
			"message deleted",
			"message_id", messageID,
			"channel_id", channelID,
			slog.Group("author", "id", cached.AuthorID, "username", cached.AuthorName),
			"content", cached.Content,
			"attachments", strings.Join(cached.Attachments, ", "),
		)
	} else {
		logger.InfoContext(
			ctx,
			fmt.Sprintf("A message (ID:%s) was deleted but was not in cache", messageID),
			"channel_id", channelID,
		)
	}

	if _, err := d.writeDB.Create(ctx, deletion); err != nil {
		logger.ErrorContext(ctx, "error archiving message deletion", tint.Err(err))
	}
}

func (d *Jamespy) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	ctx, _ = d.eventLogger(ctx, "message_reaction_add")
	d.starboard.handleReaction(ctx, r.MessageReaction)
}

func (d *Jamespy) handleReactionRemove(ctx context.Context, r *discordgo.MessageReactionRemove) {
	ctx, _ = d.eventLogger(ctx, "message_reaction_remove")
	d.starboard.handleReaction(ctx, r.MessageReaction)
}

func (d *Jamespy) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	ctx, logger := d.eventLogger(ctx, "guild_create")
	logger.InfoContext(
		ctx,
		"joined guild",
		slog.Group("guild", "id", g.ID, "name", g.Name, "members", g.MemberCount),
	)
}

func (d *Jamespy) handleGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	ctx, logger := d.eventLogger(ctx, "guild_delete")
	if g.Unavailable {
		logger.WarnContext(ctx, "guild unavailable", "guild_id", g.ID)
		return
	}
	name := g.ID
	if g.BeforeDelete != nil {
		name = g.BeforeDelete.Name
	}
	logger.InfoContext(ctx, "left guild", slog.Group("guild", "id", g.ID, "name", name))
}

func channelLogAttrs(c *discordgo.Channel) []any {
	return []any{
		"id", c.ID,
		"name", c.Name,
		"guild_id", c.GuildID,
		"parent_id", c.ParentID,
		"type", c.Type,
	}
}

func (d *Jamespy) handleChannelCreate(ctx context.Context, c *discordgo.ChannelCreate) {
	ctx, logger := d.eventLogger(ctx, "channel_create")
	logger.InfoContext(ctx, "channel created", slog.Group("channel", channelLogAttrs(c.Channel)...))
}

func (d *Jamespy) handleChannelUpdate(ctx context.Context, c *discordgo.ChannelUpdate) {
	ctx, logger := d.eventLogger(ctx, "channel_update")
	attrs := []any{slog.Group("channel", channelLogAttrs(c.Channel)...)}
	if c.BeforeUpdate != nil && c.BeforeUpdate.Name != c.Name {
		attrs = append(attrs, "old_name", c.BeforeUpdate.Name)
	}
	logger.InfoContext(ctx, "channel updated", attrs...)
}

func (d *Jamespy) handleChannelDelete(ctx context.Context, c *discordgo.ChannelDelete) {
	ctx, logger := d.eventLogger(ctx, "channel_delete")
	logger.InfoContext(ctx, "channel deleted", slog.Group("channel", channelLogAttrs(c.Channel)...))
}

// voiceStateChange describes the transition between two voice states
func voiceStateChange(v *discordgo.VoiceStateUpdate) string {
	var before string
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	switch {
	case before == "" && v.ChannelID != "":
		return "joined"
	case before != "" && v.ChannelID == "":
		return "left"
	case before != v.ChannelID:
		return "moved"
	default:
		return "updated"
	}
}

func (d *Jamespy) handleVoiceStateUpdate(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	ctx, logger := d.eventLogger(ctx, "voice_state_update")
	attrs := []any{
		"change", voiceStateChange(v),
		"guild_id", v.GuildID,
		"channel_id", v.ChannelID,
		"user_id", v.UserID,
		"self_mute", v.SelfMute,
		"self_deaf", v.SelfDeaf,
	}
	if v.BeforeUpdate != nil {
		attrs = append(attrs, "previous_channel_id", v.BeforeUpdate.ChannelID)
	}
	logger.InfoContext(ctx, "voice state updated", attrs...)
}
