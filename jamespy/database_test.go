package jamespy

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpenDB_UnsupportedType(t *testing.T) {
	_, err := OpenDB(context.Background(), "mysql", "whatever", nil)
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestCreateDB_Migrates(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "bot.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dsn)
	require.NoError(t, err)

	for _, model := range dbModels() {
		assert.Truef(t, db.Migrator().HasTable(model), "missing table for %T", model)
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, sqlitePoolSize, sqlDB.Stats().MaxOpenConnections)
}

func TestStore_UpdatesWhere(t *testing.T) {
	bot, _ := newTestJamespy(t)
	ctx := context.Background()

	entry := &StarboardEntry{MessageID: "m1", ChannelID: "c", GuildID: "g", Status: StarboardStatusInReview}
	_, err := bot.writeDB.Create(ctx, entry)
	require.NoError(t, err)

	accept := func() int64 {
		rows, e := bot.writeDB.UpdatesWhere(
			ctx,
			&StarboardEntry{},
			map[string]any{"status": StarboardStatusAccepted},
			"id = ? AND status = ?",
			entry.ID,
			StarboardStatusInReview,
		)
		require.NoError(t, e)
		return rows
	}
	assert.Equal(t, int64(1), accept())
	assert.Equal(t, int64(0), accept(), "only the first transition applies")
}

func TestStore_SerializesWrites(t *testing.T) {
	bot, _ := newTestJamespy(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bot.writeDB.Create(ctx, &ArchivedMessage{MessageID: fmt.Sprintf("m%d", i), ChannelID: "c"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, bot.db.Model(&ArchivedMessage{}).Count(&count).Error)
	assert.Equal(t, int64(20), count)
}

func TestStore_TransactionRollback(t *testing.T) {
	bot, _ := newTestJamespy(t)
	ctx := context.Background()

	err := bot.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Create(&Snippet{GuildID: "g", Name: "a", Title: "A"}).Error; e != nil {
				return e
			}
			return gorm.ErrInvalidData
		},
	)
	assert.ErrorIs(t, err, gorm.ErrInvalidData)

	var count int64
	require.NoError(t, bot.db.Model(&Snippet{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestStore_DefaultTimeout(t *testing.T) {
	s := &store{}
	ctx, release := s.acquire(context.Background())
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(dbOperationTimeout), deadline, time.Second)
	release()

	parent, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx, release = s.acquire(parent)
	defer release()
	assert.Equal(t, parent, ctx, "an existing deadline is kept")
}
