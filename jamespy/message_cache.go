package jamespy

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dgraph-io/ristretto"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"sync"
	"time"
)

// cachedMessage is what's kept of a message after it's been seen, so
// the content can be logged when it's edited or deleted later
type cachedMessage struct {
	ID          string
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Content     string
	Attachments []string
	Bot         bool
}

func newCachedMessage(m *discordgo.Message) cachedMessage {
	c := cachedMessage{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		c.AuthorID = m.Author.ID
		c.AuthorName = m.Author.Username
		c.Bot = m.Author.Bot
	}
	for _, a := range m.Attachments {
		c.Attachments = append(c.Attachments, a.Filename)
	}
	return c
}

// messageCache is a bounded cache of recent messages, keyed by
// message ID. A zero-sized cache stores nothing.
type messageCache struct {
	cache *ristretto.Cache
}

func newMessageCache(maxItems int64) (*messageCache, error) {
	if maxItems <= 0 {
		return &messageCache{}, nil
	}
	c, err := ristretto.NewCache(
		&ristretto.Config{
			NumCounters: maxItems * 10,
			MaxCost:     maxItems,
			BufferItems: 64,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating message cache: %w", err)
	}
	return &messageCache{cache: c}, nil
}

func (c *messageCache) Add(m *discordgo.Message) {
	if c.cache == nil || m == nil {
		return
	}
	c.cache.Set(m.ID, newCachedMessage(m), 1)
}

// Update replaces the cached content of a message that's already cached
func (c *messageCache) Update(id string, content string) {
	if c.cache == nil {
		return
	}
	if cached, ok := c.Get(id); ok {
		cached.Content = content
		c.cache.Set(id, cached, 1)
	}
}

func (c *messageCache) Get(id string) (cachedMessage, bool) {
	if c.cache == nil {
		return cachedMessage{}, false
	}
	v, ok := c.cache.Get(id)
	if !ok {
		return cachedMessage{}, false
	}
	m, ok := v.(cachedMessage)
	return m, ok
}

func (c *messageCache) Remove(id string) {
	if c.cache == nil {
		return
	}
	c.cache.Del(id)
}

// Wait blocks until buffered writes are applied
func (c *messageCache) Wait() {
	if c.cache != nil {
		c.cache.Wait()
	}
}

func (c *messageCache) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// DMActivity tracks an ongoing DM conversation with a user. A DM
// arriving after Until starts a new conversation, which is announced.
type DMActivity struct {
	UserID        string `json:"user_id" gorm:"primaryKey;type:string"`
	LastAnnounced int64  `json:"last_announced" gorm:"not null"`
	Until         int64  `json:"until" gorm:"not null"`
	Count         int    `json:"count" gorm:"not null;default:0"`
	UpdatedAt     int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (DMActivity) TableName() string {
	return "dm_activity"
}

// dmActivityTracker records DM activity in the database, with a TTL
// cache in front of it
type dmActivityTracker struct {
	mu     sync.Mutex
	cache  *cache.Cache
	db     DBI
	window func() time.Duration
	now    func() time.Time
}

func newDMActivityTracker(
	db DBI,
	ttl time.Duration,
	window func() time.Duration,
) *dmActivityTracker {
	return &dmActivityTracker{
		cache:  cache.New(ttl, 2*ttl),
		db:     db,
		window: window,
		now:    time.Now,
	}
}

func (t *dmActivityTracker) load(ctx context.Context, userID string) (*DMActivity, error) {
	if v, ok := t.cache.Get(userID); ok {
		activity := v.(DMActivity)
		return &activity, nil
	}
	var activity DMActivity
	err := t.db.DB().WithContext(ctx).Where("user_id = ?", userID).Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

// Record registers a DM from userID. It returns true if the DM starts
// a new conversation (no prior activity, or the last one expired),
// which resets the count. Otherwise the count is incremented and the
// conversation extended.
func (t *dmActivityTracker) Record(ctx context.Context, userID string) (DMActivity, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.load(ctx, userID)
	if err != nil {
		return DMActivity{}, false, fmt.Errorf("error loading dm activity: %w", err)
	}

	now := t.now()
	until := now.Add(t.window()).Unix()
	var activity DMActivity
	announce := existing == nil || now.Unix() > existing.Until
	if announce {
		activity = DMActivity{
			UserID:        userID,
			LastAnnounced: now.Unix(),
			Until:         until,
		}
	} else {
		activity = *existing
		activity.Count++
		activity.Until = until
	}

	if err = t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&activity).Error
		},
	); err != nil {
		return activity, announce, fmt.Errorf("error saving dm activity: %w", err)
	}
	t.cache.SetDefault(userID, activity)
	return activity, announce, nil
}
