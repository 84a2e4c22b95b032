package jamespy

import (
	"context"
	"errors"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"regexp"
	"strings"
	"testing"
)

// newMockPostgres returns a gorm postgres connection backed by sqlmock
func newMockPostgres(t testing.TB) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(
		postgres.New(postgres.Config{Conn: sqlDB}),
		&gorm.Config{Logger: logger.Discard},
	)
	require.NoError(t, err)
	return db, mock
}

func TestRunQuery_Postgres(t *testing.T) {
	db, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM snippets")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	count, counted, err := runQuery(ctx, db, "SELECT count(*) FROM snippets")
	require.NoError(t, err)
	assert.True(t, counted)
	assert.Equal(t, int64(42), count)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name FROM snippets")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "rules"))
	_, counted, err = runQuery(ctx, db, "SELECT id, name FROM snippets")
	require.NoError(t, err)
	assert.False(t, counted)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM snippets")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("rules"))
	_, counted, err = runQuery(ctx, db, "SELECT name FROM snippets")
	require.NoError(t, err)
	assert.False(t, counted, "a non-integer column isn't a count")

	queryErr := errors.New(`relation "nope" does not exist`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM nope")).WillReturnError(queryErr)
	_, _, err = runQuery(ctx, db, "SELECT * FROM nope")
	assert.ErrorIs(t, err, queryErr)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseSize_Postgres(t *testing.T) {
	db, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_database_size(current_database())")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_database_size"}).AddRow(3 * 1024 * 1024))

	size, err := databaseSize(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(3*1024*1024), size)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTables_Postgres(t *testing.T) {
	db, mock := newMockPostgres(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "snippets"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "dm_activity"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	counts, err := countTables(context.Background(), db, &Snippet{}, &DMActivity{})
	require.NoError(t, err)
	assert.Equal(
		t,
		[]tableCount{{Table: "snippets", Count: 7}, {Table: "dm_activity", Count: 2}},
		counts,
	)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTables_SQLite(t *testing.T) {
	bot, _ := newTestJamespy(t)
	require.NoError(t, bot.db.Create(&Snippet{GuildID: "g", Name: "a", Title: "A"}).Error)
	require.NoError(t, bot.db.Create(&Snippet{GuildID: "g", Name: "b", Title: "B"}).Error)

	counts, err := countTables(context.Background(), bot.db, dbStatsModels()...)
	require.NoError(t, err)
	require.Len(t, counts, len(dbStatsModels()))
	for _, c := range counts {
		if c.Table == "snippets" {
			assert.Equal(t, int64(2), c.Count)
			continue
		}
		assert.Zerof(t, c.Count, "expected %s to be empty", c.Table)
	}

	size, err := databaseSize(context.Background(), bot.db)
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestDBStatsEmbed(t *testing.T) {
	embed := dbStatsEmbed(
		[]tableCount{{Table: "snippets", Count: 3}, {Table: "purge_logs", Count: 0}},
		5*1024*1024,
	)
	assert.Equal(t, "Database Stats", embed.Title)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "snippets", embed.Fields[0].Name)
	assert.Equal(t, "3", embed.Fields[0].Value)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, "Database size: 5.00 MB", embed.Footer.Text)

	assert.Nil(t, dbStatsEmbed(nil, 0).Footer)
}

func TestHandleDBStats(t *testing.T) {
	bot, _ := newTestJamespy(t)

	handler := newStubInteractionHandler(
		t,
		newSlashCommandInteraction("owner", "g", DiscordSlashCommandDBStats),
	)
	bot.handleInteraction(context.Background(), handler)

	ack := waitForResponse(t, handler)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, ack.Type)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	embeds := *edit.Embeds
	require.Len(t, embeds, 1)
	assert.Len(t, embeds[0].Fields, len(dbStatsModels()))
}

func TestHandleDBStats_NotOwner(t *testing.T) {
	bot, _ := newTestJamespy(t)

	handler := newStubInteractionHandler(
		t,
		newSlashCommandInteraction("someone", "g", DiscordSlashCommandDBStats),
	)
	bot.handleInteraction(context.Background(), handler)
	r := waitForResponse(t, handler)
	assert.Equal(t, "Only the bot owners can do that.", r.Data.Content)
}

func TestHandleSQL(t *testing.T) {
	bot, _ := newTestJamespy(t)
	require.NoError(t, bot.db.Create(&Snippet{GuildID: "g", Name: "a", Title: "A"}).Error)

	run := func(userID string, query string) string {
		handler := newStubInteractionHandler(
			t,
			newSlashCommandInteraction(userID, "g", DiscordSlashCommandSQL, stringOpt("query", query)),
		)
		bot.handleInteraction(context.Background(), handler)
		r := waitForResponse(t, handler)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, r.Data.Flags)
		return r.Data.Content
	}

	content := run("owner", "SELECT count(*) FROM snippets")
	assert.True(t, strings.HasPrefix(content, "Counted 1 rows in "), content)

	content = run("owner", "UPDATE snippets SET title = 'B'")
	assert.True(t, strings.HasPrefix(content, "Query executed successfully in "), content)

	var snippet Snippet
	require.NoError(t, bot.db.Take(&snippet).Error)
	assert.Equal(t, "B", snippet.Title)

	assert.Equal(t, "Error executing query", run("owner", "SELECT * FROM nope"))
	assert.Equal(t, "Only the bot owners can do that.", run("someone", "DELETE FROM snippets"))

	var count int64
	require.NoError(t, bot.db.Model(&Snippet{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
