package jamespy

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"slices"
	"unicode/utf8"
)

type contextKey string

// optionMap maps the given interaction options by name
func optionMap(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	byName := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		byName[opt.Name] = opt
	}
	return byName
}

// interactionLogAttrs returns the slog attributes identifying an
// interaction, leaving out empty ids
func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
		"command_context", interactionContextName(i.Context),
	}
	for _, kv := range [][2]string{
		{"channel_id", i.ChannelID},
		{"guild_id", i.GuildID},
		{"app_id", i.AppID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return attrs
}

func interactionContextName(t discordgo.InteractionContextType) string {
	switch t {
	case discordgo.InteractionContextGuild:
		return "guild"
	case discordgo.InteractionContextBotDM:
		return "bot_dm"
	case discordgo.InteractionContextPrivateChannel:
		return "private_channel"
	default:
		return fmt.Sprintf("InteractionContextType(%d)", t)
	}
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{"message_id", m.ID, "channel_id", m.ChannelID}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, "author_id", m.Author.ID, "author", m.Author.Username)
	}
	return attrs
}

// interactionUser returns the member's user for guild interactions,
// and the DM user otherwise
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// truncate returns at most the first n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// isOwner reports whether userID is listed in ownerIDs
func isOwner(ownerIDs []string, userID string) bool {
	return userID != "" && slices.Contains(ownerIDs, userID)
}
