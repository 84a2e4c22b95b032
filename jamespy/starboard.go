package jamespy

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

const (
	starboardAcceptCustomID = "starboard_accept"
	starboardDenyCustomID   = "starboard_deny"

	columnStarboardStatus          = "status"
	columnStarboardStarCount       = "star_count"
	columnStarboardPostedMessageID = "posted_message_id"
	columnStarboardPostedChannelID = "posted_channel_id"
	columnStarboardQueueMessageID  = "queue_message_id"
	columnStarboardQueueChannelID  = "queue_channel_id"
)

type StarboardStatus string

const (
	StarboardStatusInReview StarboardStatus = "InReview"
	StarboardStatusAccepted StarboardStatus = "Accepted"
	StarboardStatusDenied   StarboardStatus = "Denied"
)

// StarboardEntry is a message that collected enough stars to be
// queued for review. Once accepted or denied, it never changes
// status again.
//
//nolint:lll // struct tags can't be split
type StarboardEntry struct {
	ModelUintID
	ModelUnixTime
	MessageID       string          `json:"message_id" gorm:"type:string;uniqueIndex;not null"`
	ChannelID       string          `json:"channel_id" gorm:"type:string;not null"`
	GuildID         string          `json:"guild_id" gorm:"type:string;not null"`
	AuthorID        string          `json:"author_id" gorm:"type:string"`
	AuthorName      string          `json:"author_name" gorm:"type:string"`
	AuthorAvatarURL string          `json:"author_avatar_url" gorm:"type:string"`
	Content         string          `json:"content" gorm:"type:string"`
	AttachmentURLs  []string        `json:"attachment_urls" gorm:"serializer:json"`
	StarCount       int             `json:"star_count" gorm:"not null;default:0"`
	Status          StarboardStatus `json:"status" gorm:"type:string;index;not null;default:InReview"`
	QueueMessageID  string          `json:"queue_message_id" gorm:"type:string;index"`
	QueueChannelID  string          `json:"queue_channel_id" gorm:"type:string"`
	PostedMessageID string          `json:"posted_message_id" gorm:"type:string"`
	PostedChannelID string          `json:"posted_channel_id" gorm:"type:string"`
}

func (e StarboardEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(e.ID)),
		slog.String("message_id", e.MessageID),
		slog.String("channel_id", e.ChannelID),
		slog.Int("star_count", e.StarCount),
		slog.String("status", string(e.Status)),
		slog.String("queue_message_id", e.QueueMessageID),
	)
}

// messageLink returns the jump link to the original message
func (e StarboardEntry) messageLink() string {
	return fmt.Sprintf(
		"https://discord.com/channels/%s/%s/%s",
		e.GuildID, e.ChannelID, e.MessageID,
	)
}

// StarboardOverride replaces the global star threshold for a channel
// or thread. Threads without their own override use their parent
// channel's.
//
//nolint:lll // struct tags can't be split
type StarboardOverride struct {
	ModelUintID
	ChannelID string `json:"channel_id" gorm:"type:string;uniqueIndex;not null"`
	Threshold int    `json:"threshold" gorm:"not null"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// InFlight tracks the IDs currently being processed, so a second
// concurrent attempt on the same ID can back off instead of racing.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{ids: map[string]struct{}{}}
}

// TryBegin marks id as in flight. It returns true if id was already
// in flight, in which case the caller must not proceed.
func (f *InFlight) TryBegin(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return true
	}
	f.ids[id] = struct{}{}
	return false
}

// End clears id's in-flight mark
func (f *InFlight) End(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

// Starboard queues messages that reach the star threshold for review,
// and posts accepted entries to the starboard channel
type Starboard struct {
	session  DiscordSessionHandler
	db       DBI
	inFlight *InFlight
	config   func() RuntimeConfig
	ownerIDs []string
	logger   *slog.Logger
}

func newStarboard(
	session DiscordSessionHandler,
	db DBI,
	inFlight *InFlight,
	config func() RuntimeConfig,
	ownerIDs []string,
	logger *slog.Logger,
) *Starboard {
	return &Starboard{
		session:  session,
		db:       db,
		inFlight: inFlight,
		config:   config,
		ownerIDs: ownerIDs,
		logger:   logger,
	}
}

// normalizeEmoji turns a configured emoji, like `⭐`, `name:123` or
// `<:name:123>`, into the form returned by discordgo.Emoji.APIName
func normalizeEmoji(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimPrefix(s, "a:")
	return strings.TrimPrefix(s, ":")
}

func emojiMatches(e *discordgo.Emoji, configured string) bool {
	if e == nil {
		return false
	}
	return e.APIName() == normalizeEmoji(configured)
}

// starCount returns the number of reactions with emoji on m
func starCount(m *discordgo.Message, emoji string) int {
	for _, r := range m.Reactions {
		if emojiMatches(r.Emoji, emoji) {
			return r.Count
		}
	}
	return 0
}

// allowed reports whether the member can review entries and manage
// overrides: owners always can, everyone else needs the allowed role
func (s *Starboard) allowed(member *discordgo.Member, userID string) bool {
	if isOwner(s.ownerIDs, userID) {
		return true
	}
	roleID := s.config().StarboardAllowedRoleID
	if roleID == "" || member == nil {
		return false
	}
	return slices.Contains(member.Roles, roleID)
}

// threshold returns the star count required in channelID: its own
// override, its parent's override for threads, or the global default
func (s *Starboard) threshold(ctx context.Context, channelID string) int {
	ids := []string{channelID}
	if ch, err := s.session.Channel(channelID); err == nil && ch.IsThread() && ch.ParentID != "" {
		ids = append(ids, ch.ParentID)
	}

	var overrides []StarboardOverride
	if err := s.db.DB().WithContext(ctx).Where("channel_id IN ?", ids).Find(&overrides).Error; err != nil {
		s.logger.ErrorContext(ctx, "error loading starboard overrides", tint.Err(err))
	}
	for _, id := range ids {
		for _, o := range overrides {
			if o.ChannelID == id {
				return o.Threshold
			}
		}
	}
	return s.config().StarboardThreshold
}

// handleReaction recounts the stars on the reacted message, updating
// an existing entry or queueing a new one once the threshold is met
func (s *Starboard) handleReaction(ctx context.Context, r *discordgo.MessageReaction) {
	cfg := s.config()
	if !cfg.StarboardActive || r.GuildID == "" || r.GuildID != cfg.StarboardGuildID {
		return
	}
	if !emojiMatches(&r.Emoji, cfg.StarboardEmoji) {
		return
	}
	if r.ChannelID == cfg.StarboardQueueChannelID || r.ChannelID == cfg.StarboardPostChannelID {
		return
	}

	logger := s.logger.With("message_id", r.MessageID, "channel_id", r.ChannelID)

	msg, err := s.session.ChannelMessage(r.ChannelID, r.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error fetching starred message", tint.Err(err))
		return
	}
	if msg.GuildID == "" {
		msg.GuildID = r.GuildID
	}
	count := starCount(msg, cfg.StarboardEmoji)

	var entry StarboardEntry
	err = s.db.DB().WithContext(ctx).Where("message_id = ?", r.MessageID).Take(&entry).Error
	switch {
	case err == nil:
		if entry.StarCount != count {
			if _, updErr := s.db.Update(ctx, &entry, columnStarboardStarCount, count); updErr != nil {
				logger.ErrorContext(ctx, "error updating star count", tint.Err(updErr))
			}
		}
		return
	case !errors.Is(err, gorm.ErrRecordNotFound):
		logger.ErrorContext(ctx, "error looking up starboard entry", tint.Err(err))
		return
	}

	if count < s.threshold(ctx, r.ChannelID) {
		return
	}

	if s.inFlight.TryBegin(r.MessageID) {
		logger.DebugContext(ctx, "message already being queued")
		return
	}
	defer s.inFlight.End(r.MessageID)

	if queueErr := s.queue(ctx, msg, count); queueErr != nil {
		logger.ErrorContext(ctx, "error queueing starboard entry", tint.Err(queueErr))
	}
}

func newStarboardEntry(m *discordgo.Message, count int) *StarboardEntry {
	entry := &StarboardEntry{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		StarCount: count,
		Status:    StarboardStatusInReview,
	}
	if m.Author != nil {
		entry.AuthorID = m.Author.ID
		entry.AuthorName = m.Author.Username
		entry.AuthorAvatarURL = m.Author.AvatarURL("")
	}
	for _, a := range m.Attachments {
		entry.AttachmentURLs = append(entry.AttachmentURLs, a.URL)
	}
	return entry
}

// queue stores a new entry and sends it to the review queue. The entry
// is removed again if the queue message can't be sent, so a later
// reaction can retry. A message that was queued since the caller
// looked it up is left alone.
func (s *Starboard) queue(ctx context.Context, m *discordgo.Message, count int) error {
	var existing int64
	if err := s.db.DB().WithContext(ctx).Model(&StarboardEntry{}).
		Where("message_id = ?", m.ID).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("error checking for starboard entry: %w", err)
	}
	if existing > 0 {
		s.logger.DebugContext(ctx, "message already queued", "message_id", m.ID)
		return nil
	}

	cfg := s.config()
	entry := newStarboardEntry(m, count)
	if _, err := s.db.Create(ctx, entry); err != nil {
		return fmt.Errorf("error creating starboard entry: %w", err)
	}

	data := starboardMessage(*entry, cfg.StarboardEmoji)
	data.Components = []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Accept",
					Style:    discordgo.SuccessButton,
					CustomID: starboardAcceptCustomID,
				},
				discordgo.Button{
					Label:    "Deny",
					Style:    discordgo.DangerButton,
					CustomID: starboardDenyCustomID,
				},
			},
		},
	}

	queued, err := s.session.ChannelMessageSendComplex(
		cfg.StarboardQueueChannelID,
		data,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		if delErr := s.db.Transaction(
			ctx, func(tx *gorm.DB) error {
				return tx.Unscoped().Delete(entry).Error
			},
		); delErr != nil {
			s.logger.ErrorContext(ctx, "error removing unqueued entry", tint.Err(delErr))
		}
		return fmt.Errorf("error sending queue message: %w", err)
	}

	if _, err = s.db.Updates(
		ctx,
		entry,
		map[string]any{
			columnStarboardQueueMessageID: queued.ID,
			columnStarboardQueueChannelID: queued.ChannelID,
		},
	); err != nil {
		return fmt.Errorf("error saving queue message id: %w", err)
	}
	metricStarboardQueued.Inc()
	s.logger.InfoContext(ctx, "queued starboard entry", "entry", entry)
	return nil
}

// starboardMessage renders an entry as it appears in the queue and on
// the starboard
func starboardMessage(e StarboardEntry, emoji string) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    e.AuthorName,
			IconURL: e.AuthorAvatarURL,
		},
		Description: truncate(e.Content, 4000),
		Color:       0xFFAC33,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "Source",
				Value: fmt.Sprintf("[Jump to message](%s)", e.messageLink()),
			},
		},
	}
	if len(e.AttachmentURLs) > 0 {
		embed.Image = &discordgo.MessageEmbedImage{URL: e.AttachmentURLs[0]}
	}
	return &discordgo.MessageSend{
		Content: fmt.Sprintf("%s **%d** <#%s>", emoji, e.StarCount, e.ChannelID),
		Embeds:  []*discordgo.MessageEmbed{embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}
}

// handleComponent handles the accept/deny buttons on queue messages.
// Only one click per queue message is processed at a time, and a
// concurrent click on the same message is dropped.
func (s *Starboard) handleComponent(ctx context.Context, handler InteractionHandler) {
	cfg := s.config()
	i := handler.GetInteraction()
	if !cfg.StarboardActive || i.Message == nil {
		return
	}
	customID := i.MessageComponentData().CustomID
	if customID != starboardAcceptCustomID && customID != starboardDenyCustomID {
		return
	}
	if i.ChannelID != cfg.StarboardQueueChannelID {
		return
	}

	logger := handler.Logger()
	user := interactionUser(i)
	if user == nil {
		return
	}

	if !s.allowed(i.Member, user.ID) {
		_ = respondEphemeral(ctx, handler, "You are not allowed to do this.")
		return
	}

	queueMessageID := i.Message.ID
	if s.inFlight.TryBegin(queueMessageID) {
		logger.DebugContext(ctx, "starboard entry already being handled", "queue_message_id", queueMessageID)
		return
	}
	defer s.inFlight.End(queueMessageID)

	var err error
	switch customID {
	case starboardAcceptCustomID:
		err = s.accept(ctx, handler, user, cfg)
	case starboardDenyCustomID:
		err = s.deny(ctx, handler, user)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error handling starboard review", tint.Err(err))
	}
}

func (s *Starboard) entryByQueueMessage(ctx context.Context, queueMessageID string) (
	*StarboardEntry,
	error,
) {
	var entry StarboardEntry
	if err := s.db.DB().WithContext(ctx).Where(
		"queue_message_id = ?",
		queueMessageID,
	).Take(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// reviewedResponse replaces the queue message's buttons with who
// reviewed it
func reviewedResponse(i *discordgo.InteractionCreate, content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
			Embeds:     i.Message.Embeds,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	}
}

func (s *Starboard) accept(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	cfg RuntimeConfig,
) error {
	i := handler.GetInteraction()
	entry, err := s.entryByQueueMessage(ctx, i.Message.ID)
	if err != nil {
		return fmt.Errorf("error finding starboard entry: %w", err)
	}
	if entry.Status != StarboardStatusInReview {
		return respondEphemeral(ctx, handler, "This entry was already reviewed.")
	}

	if err = handler.Respond(
		ctx,
		reviewedResponse(i, fmt.Sprintf("Approved by <@%s>", user.ID)),
	); err != nil {
		return err
	}

	posted, err := s.session.ChannelMessageSendComplex(
		cfg.StarboardPostChannelID,
		starboardMessage(*entry, cfg.StarboardEmoji),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error posting starboard entry: %w", err)
	}
	_ = s.session.MessageReactionAdd(posted.ChannelID, posted.ID, normalizeEmoji(cfg.StarboardEmoji))

	rows, err := s.db.UpdatesWhere(
		ctx,
		&StarboardEntry{},
		map[string]any{
			columnStarboardStatus:          StarboardStatusAccepted,
			columnStarboardPostedMessageID: posted.ID,
			columnStarboardPostedChannelID: posted.ChannelID,
		},
		"id = ? AND status = ?",
		entry.ID,
		StarboardStatusInReview,
	)
	if err != nil {
		return fmt.Errorf("error accepting starboard entry: %w", err)
	}
	if rows == 0 {
		s.logger.WarnContext(ctx, "starboard entry was reviewed concurrently", "entry", entry)
	}
	metricStarboardReviewed.WithLabelValues(string(StarboardStatusAccepted)).Inc()
	return nil
}

func (s *Starboard) deny(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) error {
	i := handler.GetInteraction()
	entry, err := s.entryByQueueMessage(ctx, i.Message.ID)
	if err != nil {
		return fmt.Errorf("error finding starboard entry: %w", err)
	}
	if entry.Status != StarboardStatusInReview {
		return respondEphemeral(ctx, handler, "This entry was already reviewed.")
	}

	if err = handler.Respond(
		ctx,
		reviewedResponse(i, fmt.Sprintf("Denied by <@%s>", user.ID)),
	); err != nil {
		return err
	}

	if _, err = s.db.UpdatesWhere(
		ctx,
		&StarboardEntry{},
		map[string]any{columnStarboardStatus: StarboardStatusDenied},
		"id = ? AND status = ?",
		entry.ID,
		StarboardStatusInReview,
	); err != nil {
		return fmt.Errorf("error denying starboard entry: %w", err)
	}
	metricStarboardReviewed.WithLabelValues(string(StarboardStatusDenied)).Inc()
	return nil
}
