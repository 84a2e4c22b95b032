package jamespy

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"time"
)

const (
	// bulkDeleteMaxMessages is the most message IDs discord accepts in
	// one bulk delete call
	bulkDeleteMaxMessages = 100

	// purgeMaxDelay is the longest purge-in may wait before deleting
	purgeMaxDelay = 300 * time.Second
)

// PurgeLog records a purge: who ran it, where, with which filter,
// and how many messages were removed
//
//nolint:lll // struct tags can't be split
type PurgeLog struct {
	ModelUintID
	ModelUnixTime
	JobID        string `json:"job_id" gorm:"type:string;uniqueIndex;not null"`
	GuildID      string `json:"guild_id" gorm:"type:string"`
	ChannelID    string `json:"channel_id" gorm:"type:string;index"`
	UserID       string `json:"user_id" gorm:"type:string;index"`
	Username     string `json:"username" gorm:"type:string"`
	Filter       string `json:"filter" gorm:"type:string"`
	Limit        int    `json:"limit"`
	DelaySeconds int    `json:"delay_seconds"`
	Selected     int    `json:"selected"`
	Error        string `json:"error" gorm:"type:string"`
}

// PurgeRequest describes a single purge invocation
type PurgeRequest struct {
	GuildID   string
	ChannelID string

	// InvokingMessageID is the message containing the command. The
	// window is fetched from the messages before it, and it is always
	// deleted along with the selection.
	InvokingMessageID string
	Limit             int
	Delay             time.Duration
	Filter            ParsedCommand
	Reason            string
}

// purgeReason is the audit log reason attached to purge deletions
func purgeReason(u *discordgo.User) string {
	return fmt.Sprintf("Purged by %s (ID:%s)", u.Username, u.ID)
}

// Purger fetches a window of messages, selects those matching a
// filter, and deletes them
type Purger struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func newPurger(session DiscordSessionHandler, logger *slog.Logger) *Purger {
	return &Purger{session: session, logger: logger}
}

// Window returns the limit messages sent before beforeID in channelID
func (p *Purger) Window(
	ctx context.Context,
	channelID string,
	beforeID string,
	limit int,
) ([]MessageCandidate, error) {
	messages, err := p.session.ChannelMessages(
		channelID,
		limit,
		beforeID,
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error fetching messages: %w", err)
	}
	window := make([]MessageCandidate, 0, len(messages))
	for _, m := range messages {
		window = append(window, newMessageCandidate(m))
	}
	return window, nil
}

// Run validates the request, selects messages from the window before
// the invoking message, waits for the request's delay, then deletes
// the selection. It returns the number of messages selected.
// Cancelling ctx after selection doesn't stop the deletion.
func (p *Purger) Run(ctx context.Context, req PurgeRequest) (int, error) {
	if err := validatePurgeLimit(req.Limit); err != nil {
		return 0, err
	}
	if req.Delay > purgeMaxDelay {
		return 0, ErrPurgeDelay
	}

	window, err := p.Window(ctx, req.ChannelID, req.InvokingMessageID, req.Limit)
	if err != nil {
		return 0, err
	}

	selection, err := SelectMessages(window, req.Filter)
	if err != nil {
		return 0, err
	}

	p.logger.InfoContext(
		ctx,
		"selected messages for purge",
		"channel_id", req.ChannelID,
		"filter", req.Filter.String(),
		"window", len(window),
		"selected", len(selection),
		"delay", req.Delay,
	)

	// once selected, the purge always reaches the delete step, even
	// if the bot is shutting down
	ctx = context.WithoutCancel(ctx)
	if req.Delay > 0 {
		time.Sleep(req.Delay)
	}

	if err = p.Delete(
		ctx,
		req.ChannelID,
		selection,
		req.InvokingMessageID,
		req.Reason,
	); err != nil {
		return len(selection), err
	}
	return len(selection), nil
}

// Delete removes the selected messages and the invoking message.
// When the selection already fills a bulk delete call, the invoking
// message is deleted on its own first, and a failure there is only
// logged. The bulk call is not retried.
func (p *Purger) Delete(
	ctx context.Context,
	channelID string,
	selection DeletionSet,
	invokingMessageID string,
	reason string,
) error {
	ids := make([]string, 0, len(selection)+1)
	for _, id := range selection.IDs() {
		if id != invokingMessageID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	if len(ids) >= bulkDeleteMaxMessages {
		if err := p.session.ChannelMessageDelete(
			channelID,
			invokingMessageID,
			discordgo.WithContext(ctx),
			discordgo.WithAuditLogReason(reason),
		); err != nil {
			p.logger.WarnContext(
				ctx,
				"unable to delete invoking message",
				tint.Err(err),
				"channel_id", channelID,
				"message_id", invokingMessageID,
			)
		}
	} else {
		ids = append(ids, invokingMessageID)
	}

	if err := p.session.ChannelMessagesBulkDelete(
		channelID,
		ids,
		discordgo.WithContext(ctx),
		discordgo.WithAuditLogReason(reason),
	); err != nil {
		return fmt.Errorf("error deleting %d messages: %w", len(ids), err)
	}
	metricPurgedMessages.Add(float64(len(ids)))
	return nil
}

func newPurgeLog(req PurgeRequest, u *discordgo.User) *PurgeLog {
	return &PurgeLog{
		JobID:        uuid.NewString(),
		GuildID:      req.GuildID,
		ChannelID:    req.ChannelID,
		UserID:       u.ID,
		Username:     u.Username,
		Filter:       req.Filter.String(),
		Limit:        req.Limit,
		DelaySeconds: int(req.Delay / time.Second),
	}
}
