package jamespy

import (
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "⭐⭐", truncate("⭐⭐⭐", 2))
	assert.Equal(t, "", truncate("abc", 0))
}

func TestInteractionUser(t *testing.T) {
	member := &discordgo.User{ID: "member"}
	dm := &discordgo.User{ID: "dm"}

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: member}, User: dm},
	}
	assert.Same(t, member, interactionUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: dm}}
	assert.Same(t, dm, interactionUser(i))
}

func TestIsOwner(t *testing.T) {
	owners := []string{"1", "2"}
	assert.True(t, isOwner(owners, "2"))
	assert.False(t, isOwner(owners, "3"))
	assert.False(t, isOwner(owners, ""))
	assert.False(t, isOwner(nil, "1"))
}

func TestOptionMap(t *testing.T) {
	opts := optionMap(
		[]*discordgo.ApplicationCommandInteractionDataOption{
			stringOpt("name", "rules"),
			intOpt("count", 3),
		},
	)
	require.Len(t, opts, 2)
	assert.Equal(t, "rules", stringOption(opts, "name"))
	assert.Equal(t, int64(3), intOption(opts, "count"))
	assert.Equal(t, "", stringOption(opts, "count"), "wrong option type")
	assert.Equal(t, int64(0), intOption(opts, "missing"))
}

func TestInteractionContextName(t *testing.T) {
	assert.Equal(t, "guild", interactionContextName(discordgo.InteractionContextGuild))
	assert.Equal(t, "bot_dm", interactionContextName(discordgo.InteractionContextBotDM))
	assert.Equal(t, "private_channel", interactionContextName(discordgo.InteractionContextPrivateChannel))
	assert.Equal(t, "InteractionContextType(9)", interactionContextName(discordgo.InteractionContextType(9)))
}
