package jamespy

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maps"
	"strings"
	"sync"
	"testing"
	"time"
)

// mapSnippetCache is an in-memory SnippetCache
type mapSnippetCache struct {
	mu      sync.Mutex
	entries map[string]map[string]string
	gets    int
	hits    int
	err     error
}

func newMapSnippetCache() *mapSnippetCache {
	return &mapSnippetCache{entries: map[string]map[string]string{}}
}

func (c *mapSnippetCache) Get(_ context.Context, guildID string, name string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.err != nil {
		return nil, c.err
	}
	fields, ok := c.entries[snippetKey(guildID, name)]
	if !ok {
		return nil, nil
	}
	c.hits++
	return maps.Clone(fields), nil
}

func (c *mapSnippetCache) Set(_ context.Context, guildID string, name string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[snippetKey(guildID, name)] = maps.Clone(fields)
	return nil
}

func (c *mapSnippetCache) Delete(_ context.Context, guildID string, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	key := snippetKey(guildID, name)
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *mapSnippetCache) Close() error {
	return nil
}

func TestSnippetInput_Validate(t *testing.T) {
	tests := []struct {
		name     string
		input    SnippetInput
		expected string
	}{
		{
			name:  "valid",
			input: SnippetInput{Name: "rules.v2", Title: "Rules"},
		},
		{
			name:  "image only",
			input: SnippetInput{Name: "pic", Image: "https://example.com/a.png"},
		},
		{
			name:  "valid color with hash",
			input: SnippetInput{Name: "c", Description: "d", Color: "#FFaa00"},
		},
		{
			name:     "no content",
			input:    SnippetInput{Name: "empty", Color: "ffffff"},
			expected: "Please provide at least one of title, description, image, or thumbnail.",
		},
		{
			name:     "name too long",
			input:    SnippetInput{Name: strings.Repeat("a", 33), Title: "t"},
			expected: "Snippet name must be 32 characters or less.",
		},
		{
			name:     "bad name",
			input:    SnippetInput{Name: "no spaces", Title: "t"},
			expected: "Invalid name format",
		},
		{
			name:     "missing name",
			input:    SnippetInput{Title: "t"},
			expected: "Invalid name format",
		},
		{
			name:     "bad color",
			input:    SnippetInput{Name: "c", Title: "t", Color: "red"},
			expected: "Invalid hex color format!",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				msg, ok := tc.input.validate()
				if tc.expected == "" {
					assert.True(t, ok, msg)
					return
				}
				assert.False(t, ok)
				assert.Contains(t, msg, tc.expected)
			},
		)
	}
}

func TestParseColor(t *testing.T) {
	v, ok := parseColor("#00ff00")
	assert.True(t, ok)
	assert.Equal(t, 0x00FF00, v)

	v, ok = parseColor("ABCDEF")
	assert.True(t, ok)
	assert.Equal(t, 0xABCDEF, v)

	for _, s := range []string{"", "#fff", "ggg000", "#1234567"} {
		_, ok = parseColor(s)
		assert.Falsef(t, ok, "expected %q to be rejected", s)
	}
}

func TestSnippet_Embed(t *testing.T) {
	s := Snippet{
		Title:       "Title",
		Description: `line one\nline two`,
		Image:       "https://example.com/i.png",
		Color:       "#010203",
	}
	embed := s.Embed()
	assert.Equal(t, "Title", embed.Title)
	assert.Equal(t, "line one\nline two", embed.Description)
	require.NotNil(t, embed.Image)
	assert.Equal(t, "https://example.com/i.png", embed.Image.URL)
	assert.Nil(t, embed.Thumbnail)
	assert.Equal(t, 0x010203, embed.Color)

	assert.Zero(t, Snippet{Title: "x", Color: "nope"}.Embed().Color)
}

func TestSnippet_Fields(t *testing.T) {
	s := Snippet{GuildID: "g", Name: "n", Title: "t", Thumbnail: "th"}
	fields := s.fields()
	assert.Equal(t, map[string]string{snippetFieldTitle: "t", snippetFieldThumbnail: "th"}, fields)
	assert.Equal(t, &s, snippetFromFields("g", "n", fields))
	assert.Equal(t, "snippet:g:n", snippetKey("g", "n"))
}

func newTestSnippets(t testing.TB) (*Jamespy, *mapSnippetCache) {
	t.Helper()
	bot, _ := newTestJamespy(t)
	cache := newMapSnippetCache()
	bot.snippets.cache = cache
	return bot, cache
}

func TestSnippets_SetGet(t *testing.T) {
	bot, cache := newTestSnippets(t)
	ctx := context.Background()

	_, err := bot.snippets.Get(ctx, "g", "rules")
	assert.ErrorIs(t, err, ErrSnippetNotFound)

	_, err = bot.snippets.Set(ctx, "g", SnippetInput{Name: "rules", Title: "Rules", Color: "ff0000"})
	require.NoError(t, err)
	assert.Contains(t, cache.entries, "snippet:g:rules")

	got, err := bot.snippets.Get(ctx, "g", "rules")
	require.NoError(t, err)
	assert.Equal(t, "Rules", got.Title)
	assert.Equal(t, "ff0000", got.Color)
	assert.Equal(t, 1, cache.hits)

	// replacing keeps a single row
	_, err = bot.snippets.Set(ctx, "g", SnippetInput{Name: "rules", Description: "be nice"})
	require.NoError(t, err)
	var rows []Snippet
	require.NoError(t, bot.db.Where("guild_id = ?", "g").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].Title)
	assert.Equal(t, "be nice", rows[0].Description)

	// snippets are per guild
	_, err = bot.snippets.Get(ctx, "other", "rules")
	assert.ErrorIs(t, err, ErrSnippetNotFound)
}

func TestSnippets_CacheMissFillsCache(t *testing.T) {
	bot, cache := newTestSnippets(t)
	ctx := context.Background()

	require.NoError(t, bot.db.Create(&Snippet{GuildID: "g", Name: "faq", Title: "FAQ"}).Error)

	got, err := bot.snippets.Get(ctx, "g", "faq")
	require.NoError(t, err)
	assert.Equal(t, "FAQ", got.Title)
	assert.Zero(t, cache.hits)
	assert.Equal(t, map[string]string{snippetFieldTitle: "FAQ"}, cache.entries["snippet:g:faq"])

	_, err = bot.snippets.Get(ctx, "g", "faq")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
}

func TestSnippets_CacheErrorFallsBack(t *testing.T) {
	bot, cache := newTestSnippets(t)
	ctx := context.Background()
	cache.err = errors.New("redis is down")

	_, err := bot.snippets.Set(ctx, "g", SnippetInput{Name: "faq", Title: "FAQ"})
	require.NoError(t, err)

	got, err := bot.snippets.Get(ctx, "g", "faq")
	require.NoError(t, err)
	assert.Equal(t, "FAQ", got.Title)

	found, err := bot.snippets.Remove(ctx, "g", "faq")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRedisSnippetCache_GetUnreachable(t *testing.T) {
	rdb := redis.NewClient(
		&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		},
	)
	t.Cleanup(func() { _ = rdb.Close() })
	cache := &redisSnippetCache{rdb: rdb}

	fields, err := cache.Get(context.Background(), "g", "faq")
	require.Error(t, err)
	assert.Nil(t, fields)
}

func TestSnippets_ListRemove(t *testing.T) {
	bot, cache := newTestSnippets(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := bot.snippets.Set(ctx, "g", SnippetInput{Name: name, Title: name})
		require.NoError(t, err)
	}
	_, err := bot.snippets.Set(ctx, "other", SnippetInput{Name: "elsewhere", Title: "x"})
	require.NoError(t, err)

	names, err := bot.snippets.List(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	found, err := bot.snippets.Remove(ctx, "g", "mid")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotContains(t, cache.entries, "snippet:g:mid")

	found, err = bot.snippets.Remove(ctx, "g", "mid")
	require.NoError(t, err)
	assert.False(t, found)

	names, err = bot.snippets.List(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestSnippets_NoCache(t *testing.T) {
	bot, _ := newTestJamespy(t)
	require.Nil(t, bot.snippets.cache)
	ctx := context.Background()

	_, err := bot.snippets.Set(ctx, "g", SnippetInput{Name: "a", Title: "A"})
	require.NoError(t, err)
	got, err := bot.snippets.Get(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Title)
}

func snippetCommand(
	userID string,
	guildID string,
	permissions int64,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	i := newSlashCommandInteraction(userID, guildID, DiscordSlashCommandSnippets, sub)
	i.Member.Permissions = permissions
	return i
}

func runSnippetCommand(
	t testing.TB,
	bot *Jamespy,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	t.Helper()
	handler := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), handler)
	return waitForResponse(t, handler)
}

func TestSnippetsCommand(t *testing.T) {
	bot, _ := newTestSnippets(t)
	const manage = discordgo.PermissionManageMessages

	r := runSnippetCommand(
		t, bot, snippetCommand(
			"mod", "g", manage, subcommand(
				snippetSubcommandSet,
				stringOpt("name", "rules"),
				stringOpt(snippetFieldTitle, "Rules"),
				stringOpt(snippetFieldDescription, `one\ntwo`),
				stringOpt(snippetFieldColor, "#00ff00"),
			),
		),
	)
	assert.Equal(t, "Snippet saved successfully!", r.Data.Content)

	r = runSnippetCommand(
		t, bot, snippetCommand(
			"member", "g", 0,
			subcommand(snippetSubcommandShow, stringOpt("name", "rules")),
		),
	)
	require.Len(t, r.Data.Embeds, 1)
	assert.Equal(t, "Rules", r.Data.Embeds[0].Title)
	assert.Equal(t, "one\ntwo", r.Data.Embeds[0].Description)
	assert.Equal(t, 0x00FF00, r.Data.Embeds[0].Color)

	r = runSnippetCommand(t, bot, snippetCommand("member", "g", 0, subcommand(snippetSubcommandList)))
	require.Len(t, r.Data.Embeds, 1)
	assert.Equal(t, "`rules`", r.Data.Embeds[0].Description)

	r = runSnippetCommand(
		t, bot, snippetCommand(
			"member", "g", 0,
			subcommand(snippetSubcommandRemove, stringOpt("name", "rules")),
		),
	)
	assert.Equal(t, "You need the Manage Messages permission to do that.", r.Data.Content)

	r = runSnippetCommand(
		t, bot, snippetCommand(
			"mod", "g", manage,
			subcommand(snippetSubcommandRemove, stringOpt("name", "rules")),
		),
	)
	assert.Equal(t, "Snippet 'rules' has been removed.", r.Data.Content)

	r = runSnippetCommand(
		t, bot, snippetCommand(
			"member", "g", 0,
			subcommand(snippetSubcommandShow, stringOpt("name", "rules")),
		),
	)
	assert.Equal(t, "Snippet not found.", r.Data.Content)

	r = runSnippetCommand(t, bot, snippetCommand("member", "g", 0, subcommand(snippetSubcommandList)))
	assert.Equal(t, "No snippets found.", r.Data.Content)
}

func TestSnippetsCommand_Validation(t *testing.T) {
	bot, _ := newTestSnippets(t)

	r := runSnippetCommand(
		t, bot, snippetCommand(
			"mod", "g", discordgo.PermissionManageMessages, subcommand(
				snippetSubcommandSet,
				stringOpt("name", "bad name"),
				stringOpt(snippetFieldTitle, "t"),
			),
		),
	)
	assert.Contains(t, r.Data.Content, "Invalid name format")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, r.Data.Flags)

	var count int64
	require.NoError(t, bot.db.Model(&Snippet{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSnippetsCommand_GuildOnly(t *testing.T) {
	bot, _ := newTestSnippets(t)
	i := snippetCommand("member", "", 0, subcommand(snippetSubcommandList))
	i.Context = discordgo.InteractionContextBotDM
	r := runSnippetCommand(t, bot, i)
	assert.Equal(t, "Snippets only work in servers.", r.Data.Content)
}
