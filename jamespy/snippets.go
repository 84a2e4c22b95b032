package jamespy

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

const (
	snippetNameMaxLength = 32
	snippetKeyPrefix     = "snippet"

	snippetFieldTitle       = "title"
	snippetFieldDescription = "description"
	snippetFieldImage       = "image"
	snippetFieldThumbnail   = "thumbnail"
	snippetFieldColor       = "color"
)

var (
	snippetNameRegex  = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)
	snippetColorRegex = regexp.MustCompile(`^(#[0-9A-Fa-f]{6}|[0-9A-Fa-f]{6})$`)

	ErrSnippetNotFound = errors.New("snippet not found")
)

// Snippet is a saved embed, shown by name within a guild
//
//nolint:lll // struct tags can't be split
type Snippet struct {
	ModelUintID
	GuildID     string `json:"guild_id" gorm:"type:string;not null;uniqueIndex:idx_snippet_guild_name"`
	Name        string `json:"name" gorm:"type:string;not null;uniqueIndex:idx_snippet_guild_name"`
	Title       string `json:"title" gorm:"type:string"`
	Description string `json:"description" gorm:"type:string"`
	Image       string `json:"image" gorm:"type:string"`
	Thumbnail   string `json:"thumbnail" gorm:"type:string"`
	Color       string `json:"color" gorm:"type:string"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// fields returns the snippet's non-empty properties, as stored in
// the redis hash
func (s Snippet) fields() map[string]string {
	m := map[string]string{}
	for k, v := range map[string]string{
		snippetFieldTitle:       s.Title,
		snippetFieldDescription: s.Description,
		snippetFieldImage:       s.Image,
		snippetFieldThumbnail:   s.Thumbnail,
		snippetFieldColor:       s.Color,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

func snippetFromFields(guildID string, name string, fields map[string]string) *Snippet {
	return &Snippet{
		GuildID:     guildID,
		Name:        name,
		Title:       fields[snippetFieldTitle],
		Description: fields[snippetFieldDescription],
		Image:       fields[snippetFieldImage],
		Thumbnail:   fields[snippetFieldThumbnail],
		Color:       fields[snippetFieldColor],
	}
}

// Embed renders the snippet. A literal `\n` in the description is
// turned into a newline.
func (s Snippet) Embed() *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       s.Title,
		Description: strings.ReplaceAll(s.Description, `\n`, "\n"),
	}
	if s.Image != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: s.Image}
	}
	if s.Thumbnail != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: s.Thumbnail}
	}
	if color, ok := parseColor(s.Color); ok {
		embed.Color = color
	}
	return embed
}

// parseColor parses `#rrggbb` or `rrggbb`
func parseColor(s string) (int, bool) {
	if !snippetColorRegex.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// SnippetInput is the payload of `snippets set`
//
//nolint:lll // struct tags can't be split
type SnippetInput struct {
	Name        string `binding:"required,max=32,snippetname"`
	Title       string `binding:"required_without_all=Description Image Thumbnail"`
	Description string
	Image       string
	Thumbnail   string
	Color       string `binding:"omitempty,snippetcolor"`
}

func validateSnippetName(fl validator.FieldLevel) bool {
	return snippetNameRegex.MatchString(fl.Field().String())
}

func validateSnippetColor(fl validator.FieldLevel) bool {
	return snippetColorRegex.MatchString(fl.Field().String())
}

// validate returns a message to show the user, if the input is invalid
func (in SnippetInput) validate() (string, bool) {
	err := structValidator.Struct(in)
	if err == nil {
		return "", true
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err.Error(), false
	}
	fe := validationErrs[0]
	switch {
	case fe.Field() == "Title":
		return "Please provide at least one of title, description, image, or thumbnail.", false
	case fe.Field() == "Name" && fe.Tag() == "max":
		return "Snippet name must be 32 characters or less.", false
	case fe.Field() == "Name":
		return "Invalid name format. It should only contain letters (a-z), digits, " +
			"hyphens (-), underscores (_), and periods (.)", false
	case fe.Field() == "Color":
		return "Invalid hex color format!", false
	default:
		return fe.Error(), false
	}
}

// SnippetCache is a read-through cache in front of the snippets table
type SnippetCache interface {
	Get(ctx context.Context, guildID string, name string) (map[string]string, error)
	Set(ctx context.Context, guildID string, name string, fields map[string]string) error
	Delete(ctx context.Context, guildID string, name string) (bool, error)
	Close() error
}

func snippetKey(guildID string, name string) string {
	return fmt.Sprintf("%s:%s:%s", snippetKeyPrefix, guildID, name)
}

// redisSnippetCache stores each snippet as a hash at
// `snippet:{guild}:{name}`
type redisSnippetCache struct {
	rdb *redis.Client
}

func newRedisSnippetCache(ctx context.Context, cfg *RedisConfig) (*redisSnippetCache, error) {
	rdb := redis.NewClient(
		&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: DefaultRedisDialTimeout,
		},
	)

	ctx, cancel := context.WithTimeout(ctx, DefaultRedisDialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return &redisSnippetCache{rdb: rdb}, nil
}

// Get returns nil fields on a cache miss
func (c *redisSnippetCache) Get(
	ctx context.Context,
	guildID string,
	name string,
) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, snippetKey(guildID, name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("error reading snippet %q: %w", name, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Set replaces the hash with fields
func (c *redisSnippetCache) Set(
	ctx context.Context,
	guildID string,
	name string,
	fields map[string]string,
) error {
	key := snippetKey(guildID, name)
	_, err := c.rdb.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(fields) > 0 {
				pipe.HSet(ctx, key, fields)
			}
			return nil
		},
	)
	return err
}

func (c *redisSnippetCache) Delete(ctx context.Context, guildID string, name string) (bool, error) {
	n, err := c.rdb.Del(ctx, snippetKey(guildID, name)).Result()
	return n > 0, err
}

func (c *redisSnippetCache) Close() error {
	return c.rdb.Close()
}

// Snippets stores snippets in the database, with an optional cache
// in front of reads
type Snippets struct {
	db     DBI
	cache  SnippetCache
	config func() RuntimeConfig
	logger *slog.Logger
}

func newSnippets(
	db DBI,
	cache SnippetCache,
	config func() RuntimeConfig,
	logger *slog.Logger,
) *Snippets {
	return &Snippets{db: db, cache: cache, config: config, logger: logger}
}

// Set creates or replaces a snippet
func (s *Snippets) Set(ctx context.Context, guildID string, in SnippetInput) (*Snippet, error) {
	snippet := &Snippet{
		GuildID:     guildID,
		Name:        in.Name,
		Title:       in.Title,
		Description: in.Description,
		Image:       in.Image,
		Thumbnail:   in.Thumbnail,
		Color:       in.Color,
	}
	if err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "guild_id"}, {Name: "name"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							snippetFieldTitle,
							snippetFieldDescription,
							snippetFieldImage,
							snippetFieldThumbnail,
							snippetFieldColor,
							"updated_at",
						},
					),
				},
			).Create(snippet).Error
		},
	); err != nil {
		return nil, fmt.Errorf("error saving snippet: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, guildID, in.Name, snippet.fields()); err != nil {
			s.logger.WarnContext(ctx, "error caching snippet", tint.Err(err))
		}
	}
	return snippet, nil
}

// Get returns the named snippet, from the cache when present. A miss
// is filled from the database.
func (s *Snippets) Get(ctx context.Context, guildID string, name string) (*Snippet, error) {
	if s.cache != nil {
		fields, err := s.cache.Get(ctx, guildID, name)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "error reading snippet cache", tint.Err(err))
		case fields != nil:
			return snippetFromFields(guildID, name, fields), nil
		}
	}

	var snippet Snippet
	err := s.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND name = ?",
		guildID,
		name,
	).Take(&snippet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnippetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error loading snippet: %w", err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, guildID, name, snippet.fields()); cacheErr != nil {
			s.logger.WarnContext(ctx, "error caching snippet", tint.Err(cacheErr))
		}
	}
	return &snippet, nil
}

// List returns the guild's snippet names, sorted
func (s *Snippets) List(ctx context.Context, guildID string) ([]string, error) {
	var names []string
	if err := s.db.DB().WithContext(ctx).
		Model(&Snippet{}).
		Where("guild_id = ?", guildID).
		Order("name").
		Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("error listing snippets: %w", err)
	}
	return names, nil
}

// Remove deletes the named snippet, reporting whether it existed
func (s *Snippets) Remove(ctx context.Context, guildID string, name string) (bool, error) {
	var cached bool
	if s.cache != nil {
		var err error
		cached, err = s.cache.Delete(ctx, guildID, name)
		if err != nil {
			s.logger.WarnContext(ctx, "error removing cached snippet", tint.Err(err))
		}
	}
	rows, err := s.db.Delete(ctx, &Snippet{}, "guild_id = ? AND name = ?", guildID, name)
	if err != nil {
		return false, fmt.Errorf("error removing snippet: %w", err)
	}
	return cached || rows > 0, nil
}
