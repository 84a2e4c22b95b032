package jamespy

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"sync"
	"time"
)

// dbStatsModels are counted by the dbstats command, in display order
func dbStatsModels() []any {
	return []any{
		&ArchivedMessage{},
		&MessageEdit{},
		&MessageDeletion{},
		&DMActivity{},
		&StarboardEntry{},
		&StarboardOverride{},
		&Snippet{},
		&PurgeLog{},
	}
}

type tableCount struct {
	Table string
	Count int64
}

// tableName returns the table gorm maps model to
func tableName(db *gorm.DB, model any) (string, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return "", err
	}
	return stmt.Schema.Table, nil
}

// countTables counts the rows of each model's table concurrently,
// returning the counts in the same order as models
func countTables(ctx context.Context, db *gorm.DB, models ...any) ([]tableCount, error) {
	counts := make([]tableCount, len(models))
	g, gctx := errgroup.WithContext(ctx)
	for n, model := range models {
		g.Go(
			func() error {
				name, err := tableName(db, model)
				if err != nil {
					return fmt.Errorf("error parsing model %T: %w", model, err)
				}
				var count int64
				if err = db.WithContext(gctx).Model(model).Count(&count).Error; err != nil {
					return fmt.Errorf("error counting %s: %w", name, err)
				}
				counts[n] = tableCount{Table: name, Count: count}
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// databaseSize returns the size of the database in bytes
func databaseSize(ctx context.Context, db *gorm.DB) (int64, error) {
	var query string
	switch db.Dialector.Name() {
	case dbTypePostgres:
		query = "SELECT pg_database_size(current_database())"
	case dbTypeSQLite:
		query = "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()"
	default:
		return 0, fmt.Errorf("database size unsupported for %s", db.Dialector.Name())
	}
	var size int64
	if err := db.WithContext(ctx).Raw(query).Scan(&size).Error; err != nil {
		return 0, fmt.Errorf("error getting database size: %w", err)
	}
	return size, nil
}

func dbStatsEmbed(counts []tableCount, size int64) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{Title: "Database Stats"}
	for _, c := range counts {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: c.Table, Value: fmt.Sprintf("%d", c.Count)},
		)
	}
	if size > 0 {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Database size: %.2f MB", float64(size)/(1024*1024)),
		}
	}
	return embed
}

// handleDBStats answers /dbstats with the row counts of the archival,
// starboard, snippet and purge tables. Owner only.
func (d *Jamespy) handleDBStats(ctx context.Context, handler InteractionHandler) {
	logger := handler.Logger()
	user := interactionUser(handler.GetInteraction())
	if !isOwner(d.config.Discord.OwnerIDs, user.ID) {
		_ = respondEphemeral(ctx, handler, "Only the bot owners can do that.")
		return
	}
	if err := handler.Respond(ctx, ackResponse()); err != nil {
		return
	}

	db := d.db
	var (
		counts   []tableCount
		size     int64
		countErr error
		wg       sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var sizeErr error
		size, sizeErr = databaseSize(ctx, db)
		if sizeErr != nil {
			logger.WarnContext(ctx, "unable to get database size", tint.Err(sizeErr))
		}
	}()
	counts, countErr = countTables(ctx, db, dbStatsModels()...)
	wg.Wait()

	edit := &discordgo.WebhookEdit{}
	if countErr != nil {
		logger.ErrorContext(ctx, "error counting tables", tint.Err(countErr))
		msg := d.RuntimeConfig().DiscordErrorMessage
		edit.Content = &msg
	} else {
		edit.Embeds = &[]*discordgo.MessageEmbed{dbStatsEmbed(counts, size)}
	}
	_, _ = handler.Edit(ctx, edit)
}

// runQuery runs an arbitrary statement. If the first row of the
// result is a single integer, it's returned as counted, otherwise
// the statement is just reported as executed.
func runQuery(ctx context.Context, db *gorm.DB, query string) (count int64, counted bool, err error) {
	rows, err := db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	cols, err := rows.Columns()
	if err != nil {
		return 0, false, err
	}
	if rows.Next() && len(cols) == 1 {
		if scanErr := rows.Scan(&count); scanErr == nil {
			counted = true
		}
	}
	return count, counted, rows.Err()
}

// handleSQL runs the query given to /sql. Owner only. Errors are
// logged rather than shown.
func (d *Jamespy) handleSQL(ctx context.Context, handler InteractionHandler) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	user := interactionUser(i)
	if !isOwner(d.config.Discord.OwnerIDs, user.ID) {
		_ = respondEphemeral(ctx, handler, "Only the bot owners can do that.")
		return
	}

	query := stringOption(optionMap(i.ApplicationCommandData().Options), "query")
	logger.WarnContext(ctx, "sql command was triggered", "query", query)

	start := time.Now()
	count, counted, err := runQuery(ctx, d.db, query)
	elapsed := time.Since(start).Milliseconds()

	var content string
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error executing query", tint.Err(err), "query", query)
		content = "Error executing query"
	case counted:
		content = fmt.Sprintf("Counted %d rows in %dms", count, elapsed)
	default:
		content = fmt.Sprintf("Query executed successfully in %dms", elapsed)
	}
	_ = respondEphemeral(ctx, handler, content)
}
