package jamespy

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

const (
	DiscordSlashCommandStarboard = "starboard"
	DiscordSlashCommandSnippets  = "snippets"
	DiscordSlashCommandDBStats   = "dbstats"
	DiscordSlashCommandSQL       = "sql"
)

// InteractionLog records every interaction received, regardless of
// whether it was handled
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Name          string `json:"name" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Context       string `json:"context" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       interactionContextName(i.Context),
		Payload:       string(p),
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		interactionLog.Name = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		interactionLog.Name = i.MessageComponentData().CustomID
	}
	return interactionLog, nil
}

// InteractionHandler responds to a single Discord interaction
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// respondEphemeral replies to the interaction with a message only the
// invoking user can see
func respondEphemeral(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

func respondMessage(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Parse: []discordgo.AllowedMentionType{},
				},
			},
		},
	)
}

func respondEmbed(
	ctx context.Context,
	handler InteractionHandler,
	embed *discordgo.MessageEmbed,
) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
}

// ackResponse defers the response to a slash command, for commands
// that may take longer than the three seconds discord allows
func ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// appCommands returns the slash commands registered on startup
func appCommands() []*discordgo.ApplicationCommand {
	guildOnly := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	manageMessages := int64(discordgo.PermissionManageMessages)
	administrator := int64(discordgo.PermissionAdministrator)
	minOverride := float64(1)

	starboardChannelOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionChannel,
		Name:        "channel",
		Description: "The channel or thread",
		Required:    true,
	}
	snippetName := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "name",
		Description: "The snippet name",
		Required:    true,
		MaxLength:   snippetNameMaxLength,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:                     DiscordSlashCommandStarboard,
			Description:              "Manage the starboard",
			Contexts:                 &guildOnly,
			DefaultMemberPermissions: &manageMessages,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        starboardSubcommandListQueued,
					Description: "List the starboard entries waiting for review",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        starboardSubcommandAddOverride,
					Description: "Override the star threshold for a channel",
					Options: []*discordgo.ApplicationCommandOption{
						starboardChannelOption,
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "count",
							Description: "Stars required",
							Required:    true,
							MinValue:    &minOverride,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        starboardSubcommandRemoveOverride,
					Description: "Remove a channel's star threshold override",
					Options:     []*discordgo.ApplicationCommandOption{starboardChannelOption},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        starboardSubcommandListOverrides,
					Description: "List the channel threshold overrides",
				},
			},
		},
		{
			Name:        DiscordSlashCommandSnippets,
			Description: "Saved embeds",
			Contexts:    &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        snippetSubcommandSet,
					Description: "Create or replace a snippet",
					Options: []*discordgo.ApplicationCommandOption{
						snippetName,
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "title",
							Description: "Embed title",
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "description",
							Description: `Embed description, \n for a newline`,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "image",
							Description: "Image URL",
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "thumbnail",
							Description: "Thumbnail URL",
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "color",
							Description: "Hex color, ex: #ff8800",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        snippetSubcommandShow,
					Description: "Show a snippet",
					Options:     []*discordgo.ApplicationCommandOption{snippetName},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        snippetSubcommandList,
					Description: "List snippets",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        snippetSubcommandRemove,
					Description: "Remove a snippet",
					Options:     []*discordgo.ApplicationCommandOption{snippetName},
				},
			},
		},
		{
			Name:                     DiscordSlashCommandDBStats,
			Description:              "Database statistics",
			DefaultMemberPermissions: &administrator,
		},
		{
			Name:                     DiscordSlashCommandSQL,
			Description:              "Run a query against the database",
			DefaultMemberPermissions: &administrator,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "query",
					Description: "The query",
					Required:    true,
				},
			},
		},
	}
}

// handleInteraction logs the interaction, then dispatches it to the
// starboard, snippet or owner command handlers.
func (d *Jamespy) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	discordUser := interactionUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		slog.Group("user", "id", discordUser.ID, "username", discordUser.Username),
	)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		metricInteractions.WithLabelValues(customID).Inc()
		switch customID {
		case starboardAcceptCustomID, starboardDenyCustomID:
			d.starboard.handleComponent(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown component", "custom_id", customID)
		}
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		metricInteractions.WithLabelValues(commandName).Inc()

		if d.paused.Load() && !isOwner(d.config.Discord.OwnerIDs, discordUser.ID) {
			logger.InfoContext(ctx, "paused, ignoring command", "command", commandName)
			_ = respondEphemeral(ctx, handler, "I'm paused right now, try again later.")
			return
		}

		switch commandName {
		case DiscordSlashCommandStarboard:
			d.starboard.handleCommand(ctx, handler)
		case DiscordSlashCommandSnippets:
			d.snippets.handleCommand(ctx, handler)
		case DiscordSlashCommandDBStats:
			d.handleDBStats(ctx, handler)
		case DiscordSlashCommandSQL:
			d.handleSQL(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
		}
	}
}
