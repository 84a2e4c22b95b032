package jamespy

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Reaction emojis used to answer prefix commands
const (
	EmojiAnger     = "💢"
	EmojiQuestion  = "❓"
	EmojiCheckmark = "✅"
	EmojiX         = "❌"
)

// replier answers a prefix command either with a message reply or a
// reaction on the invoking message, depending on what the bot is allowed
// to do in the channel.
type replier struct {
	session DiscordSessionHandler
}

// botPermissions returns whether the bot can send messages (in threads,
// for thread channels) and add reactions in the channel
func (r replier) botPermissions(channelID string) (canSend bool, canReact bool, err error) {
	botID := r.session.BotUserID()
	if botID == "" {
		return false, false, fmt.Errorf("bot user unknown")
	}
	perms, err := r.session.UserChannelPermissions(botID, channelID)
	if err != nil {
		return false, false, fmt.Errorf("error getting channel permissions: %w", err)
	}

	sendPerm := int64(discordgo.PermissionSendMessages)
	if ch, chErr := r.session.Channel(channelID); chErr == nil && ch.IsThread() {
		sendPerm = discordgo.PermissionSendMessagesInThreads
	}
	canSend = perms&sendPerm == sendPerm
	canReact = perms&discordgo.PermissionAddReactions == discordgo.PermissionAddReactions
	return canSend, canReact, nil
}

// reactionOrMessage reacts with emoji when the bot can react, and
// falls back to replying with content
func (r replier) reactionOrMessage(
	ctx context.Context,
	m *discordgo.Message,
	content string,
	emoji string,
) error {
	return r.reply(ctx, m, content, emoji, true)
}

// messageOrReaction replies with content when the bot can send
// messages, and falls back to reacting with emoji
func (r replier) messageOrReaction(
	ctx context.Context,
	m *discordgo.Message,
	content string,
	emoji string,
) error {
	return r.reply(ctx, m, content, emoji, false)
}

func (r replier) reply(
	ctx context.Context,
	m *discordgo.Message,
	content string,
	emoji string,
	preferReaction bool,
) error {
	canSend, canReact, err := r.botPermissions(m.ChannelID)
	if err != nil {
		if logger, ok := ContextLogger(ctx); ok {
			logger.WarnContext(ctx, "unable to check permissions", tint.Err(err))
		}
	}

	react := func() error {
		return r.session.MessageReactionAdd(m.ChannelID, m.ID, emoji)
	}
	send := func() error {
		_, sendErr := r.session.ChannelMessageSendReply(
			m.ChannelID,
			content,
			m.Reference(),
		)
		return sendErr
	}

	switch {
	case preferReaction && canReact:
		return react()
	case canSend:
		return send()
	case canReact:
		return react()
	default:
		return fmt.Errorf("missing permissions to reply in channel %s", m.ChannelID)
	}
}
