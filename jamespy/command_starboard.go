package jamespy

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"sort"
	"strings"
)

const (
	starboardSubcommandListQueued     = "list-queued"
	starboardSubcommandAddOverride    = "add-override"
	starboardSubcommandRemoveOverride = "remove-override"
	starboardSubcommandListOverrides  = "list-overrides"

	// embedDescriptionLimit is kept under discord's 4096 limit
	embedDescriptionLimit = 4000
)

// handleCommand dispatches the /starboard subcommands. Every
// subcommand is limited to owners and members with the allowed role.
func (s *Starboard) handleCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	user := interactionUser(i)
	if user == nil || !s.allowed(i.Member, user.ID) {
		_ = respondEphemeral(ctx, handler, "You are not allowed to do this.")
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	opts := optionMap(sub.Options)
	logger = logger.With("subcommand", sub.Name)
	ctx = WithLogger(ctx, logger)

	var err error
	switch sub.Name {
	case starboardSubcommandListQueued:
		err = s.listQueued(ctx, handler)
	case starboardSubcommandAddOverride:
		err = s.addOverride(ctx, handler, resolvedChannel(data, opts["channel"]), int(intOption(opts, "count")))
	case starboardSubcommandRemoveOverride:
		err = s.removeOverride(ctx, handler, resolvedChannel(data, opts["channel"]))
	case starboardSubcommandListOverrides:
		err = s.listOverrides(ctx, handler)
	default:
		logger.WarnContext(ctx, "unknown subcommand")
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "starboard command failed", tint.Err(err))
		_ = respondEphemeral(ctx, handler, s.config().DiscordErrorMessage)
	}
}

func intOption(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) int64 {
	if o, ok := opts[name]; ok && o.Type == discordgo.ApplicationCommandOptionInteger {
		return o.IntValue()
	}
	return 0
}

func stringOption(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	if o, ok := opts[name]; ok && o.Type == discordgo.ApplicationCommandOptionString {
		return o.StringValue()
	}
	return ""
}

// resolvedChannel returns the channel selected for a channel option,
// preferring the resolved data sent with the interaction, which
// carries the channel type
func resolvedChannel(
	data discordgo.ApplicationCommandInteractionData,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.Channel {
	if opt == nil {
		return nil
	}
	id, _ := opt.Value.(string)
	if data.Resolved != nil {
		if ch, ok := data.Resolved.Channels[id]; ok {
			return ch
		}
	}
	return &discordgo.Channel{ID: id}
}

// queuedEntriesDescription lists entries as `{count} ⭐ {queue message link}`
func queuedEntriesDescription(guildID string, emoji string, entries []StarboardEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(
			&b,
			"%d %s https://discord.com/channels/%s/%s/%s\n",
			e.StarCount,
			emoji,
			guildID,
			e.QueueChannelID,
			e.QueueMessageID,
		)
	}
	return b.String()
}

func (s *Starboard) listQueued(ctx context.Context, handler InteractionHandler) error {
	cfg := s.config()
	var entries []StarboardEntry
	if err := s.db.DB().WithContext(ctx).
		Where("status = ?", StarboardStatusInReview).
		Order("star_count desc").
		Find(&entries).Error; err != nil {
		return fmt.Errorf("error listing queued entries: %w", err)
	}

	description := queuedEntriesDescription(cfg.StarboardGuildID, cfg.StarboardEmoji, entries)
	if len(description) > embedDescriptionLimit {
		handler.Logger().InfoContext(ctx, "starboard entries in review", "entries", description)
		return respondMessage(ctx, handler, "Output is too long, it was logged instead.")
	}
	return respondEmbed(
		ctx, handler, &discordgo.MessageEmbed{
			Title:       "Starboard entries in review",
			Description: description,
			Color:       0x3498DB,
		},
	)
}

func (s *Starboard) addOverride(
	ctx context.Context,
	handler InteractionHandler,
	channel *discordgo.Channel,
	count int,
) error {
	if channel == nil || channel.ID == "" {
		return respondEphemeral(ctx, handler, "Unknown channel.")
	}
	if channel.Type == discordgo.ChannelTypeGuildCategory {
		return respondMessage(ctx, handler, "Cannot use this on a category yet.")
	}
	if count < 1 {
		return respondEphemeral(ctx, handler, "The count must be at least 1.")
	}

	override := &StarboardOverride{ChannelID: channel.ID, Threshold: count}
	if err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "channel_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"threshold", "updated_at"}),
				},
			).Create(override).Error
		},
	); err != nil {
		return fmt.Errorf("error saving override: %w", err)
	}
	handler.Logger().InfoContext(
		ctx,
		"added starboard override",
		slog.Group("override", "channel_id", channel.ID, "threshold", count),
	)
	return respondMessage(ctx, handler, "Done.")
}

func (s *Starboard) removeOverride(
	ctx context.Context,
	handler InteractionHandler,
	channel *discordgo.Channel,
) error {
	if channel == nil || channel.ID == "" {
		return respondEphemeral(ctx, handler, "Unknown channel.")
	}
	if channel.Type == discordgo.ChannelTypeGuildCategory {
		return respondMessage(ctx, handler, "Categories can't have overrides.")
	}

	rows, err := s.db.Delete(ctx, &StarboardOverride{}, "channel_id = ?", channel.ID)
	if err != nil {
		return fmt.Errorf("error removing override: %w", err)
	}
	if rows == 0 {
		return respondMessage(ctx, handler, "Cannot remove something that does not exist.")
	}
	return respondMessage(ctx, handler, "Successfully removed override")
}

// overrideGroup is a channel and the threads under it that have
// overrides. threshold is zero when the parent itself has none.
type overrideGroup struct {
	channelID string
	threshold int
	threads   []StarboardOverride
}

// groupOverrides nests thread overrides under their parent channel.
// parentOf returns a thread's parent channel ID, or "" for channels
// that aren't threads (or can't be looked up).
func groupOverrides(
	overrides []StarboardOverride,
	parentOf func(channelID string) string,
) []overrideGroup {
	groups := map[string]*overrideGroup{}
	get := func(id string) *overrideGroup {
		g, ok := groups[id]
		if !ok {
			g = &overrideGroup{channelID: id}
			groups[id] = g
		}
		return g
	}

	for _, o := range overrides {
		if parent := parentOf(o.ChannelID); parent != "" {
			g := get(parent)
			g.threads = append(g.threads, o)
			continue
		}
		get(o.ChannelID).threshold = o.Threshold
	}

	result := make([]overrideGroup, 0, len(groups))
	for _, g := range groups {
		sort.Slice(
			g.threads, func(a, b int) bool {
				if g.threads[a].Threshold == g.threads[b].Threshold {
					return g.threads[a].ChannelID < g.threads[b].ChannelID
				}
				return g.threads[a].Threshold > g.threads[b].Threshold
			},
		)
		result = append(result, *g)
	}
	sort.Slice(
		result, func(a, b int) bool {
			if result[a].threshold == result[b].threshold {
				return result[a].channelID < result[b].channelID
			}
			return result[a].threshold > result[b].threshold
		},
	)
	return result
}

func overridesDescription(groups []overrideGroup, emoji string) string {
	if len(groups) == 0 {
		return "No overrides!"
	}
	var b strings.Builder
	for _, g := range groups {
		score := "DEFAULT"
		if g.threshold > 0 {
			score = fmt.Sprintf("%d", g.threshold)
		}
		fmt.Fprintf(&b, "<#%s>: **%s** %s\n", g.channelID, score, emoji)
		for n, t := range g.threads {
			branch := "├"
			if n == len(g.threads)-1 {
				branch = "└"
			}
			fmt.Fprintf(&b, "%s <#%s>: **%d** %s\n", branch, t.ChannelID, t.Threshold, emoji)
		}
	}
	return b.String()
}

func (s *Starboard) listOverrides(ctx context.Context, handler InteractionHandler) error {
	cfg := s.config()
	i := handler.GetInteraction()
	if i.GuildID != cfg.StarboardGuildID {
		return respondMessage(ctx, handler, "Not the right guild.")
	}

	var overrides []StarboardOverride
	if err := s.db.DB().WithContext(ctx).Find(&overrides).Error; err != nil {
		return fmt.Errorf("error listing overrides: %w", err)
	}

	groups := groupOverrides(
		overrides, func(channelID string) string {
			ch, err := s.session.Channel(channelID)
			if err != nil || !ch.IsThread() {
				return ""
			}
			return ch.ParentID
		},
	)

	return respondEmbed(
		ctx, handler, &discordgo.MessageEmbed{
			Title: fmt.Sprintf(
				"Starboard default requirement: %d %s",
				cfg.StarboardThreshold,
				cfg.StarboardEmoji,
			),
			Description: truncate(overridesDescription(groups, cfg.StarboardEmoji), embedDescriptionLimit),
			Color:       0xC27C0E,
		},
	)
}
