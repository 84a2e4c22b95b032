package jamespy

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

const (
	snippetSubcommandSet    = "set"
	snippetSubcommandShow   = "show"
	snippetSubcommandList   = "list"
	snippetSubcommandRemove = "remove"
)

// memberCanManageMessages reports whether the interaction's member has
// Manage Messages in the channel the command was used in
func memberCanManageMessages(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionManageMessages != 0
}

// handleCommand dispatches the /snippets subcommands. Setting and
// removing snippets needs Manage Messages.
func (s *Snippets) handleCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if i.GuildID == "" {
		_ = respondEphemeral(ctx, handler, "Snippets only work in servers.")
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

	switch sub.Name {
	case snippetSubcommandSet, snippetSubcommandRemove:
		if !memberCanManageMessages(i) {
			_ = respondEphemeral(ctx, handler, "You need the Manage Messages permission to do that.")
			return
		}
	}

	var err error
	switch sub.Name {
	case snippetSubcommandSet:
		err = s.set(
			ctx, handler, SnippetInput{
				Name:        stringOption(opts, "name"),
				Title:       stringOption(opts, snippetFieldTitle),
				Description: stringOption(opts, snippetFieldDescription),
				Image:       stringOption(opts, snippetFieldImage),
				Thumbnail:   stringOption(opts, snippetFieldThumbnail),
				Color:       stringOption(opts, snippetFieldColor),
			},
		)
	case snippetSubcommandShow:
		err = s.show(ctx, handler, stringOption(opts, "name"))
	case snippetSubcommandList:
		err = s.list(ctx, handler)
	case snippetSubcommandRemove:
		err = s.remove(ctx, handler, stringOption(opts, "name"))
	default:
		logger.WarnContext(ctx, "unknown subcommand")
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "snippets command failed", tint.Err(err))
		_ = respondEphemeral(ctx, handler, s.config().DiscordErrorMessage)
	}
}

func (s *Snippets) set(ctx context.Context, handler InteractionHandler, in SnippetInput) error {
	if msg, ok := in.validate(); !ok {
		return respondEphemeral(ctx, handler, msg)
	}
	i := handler.GetInteraction()
	if _, err := s.Set(ctx, i.GuildID, in); err != nil {
		return err
	}
	return respondMessage(ctx, handler, "Snippet saved successfully!")
}

func (s *Snippets) show(ctx context.Context, handler InteractionHandler, name string) error {
	i := handler.GetInteraction()
	snippet, err := s.Get(ctx, i.GuildID, name)
	if errors.Is(err, ErrSnippetNotFound) {
		return respondEphemeral(ctx, handler, "Snippet not found.")
	}
	if err != nil {
		return err
	}
	return respondEmbed(ctx, handler, snippet.Embed())
}

func (s *Snippets) list(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	names, err := s.List(ctx, i.GuildID)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return respondMessage(ctx, handler, "No snippets found.")
	}
	quoted := make([]string, len(names))
	for n, name := range names {
		quoted[n] = "`" + name + "`"
	}
	return respondEmbed(
		ctx, handler, &discordgo.MessageEmbed{
			Title:       "Snippets",
			Description: truncate(strings.Join(quoted, "\n"), embedDescriptionLimit),
			Color:       0x00FF00,
		},
	)
}

func (s *Snippets) remove(ctx context.Context, handler InteractionHandler, name string) error {
	i := handler.GetInteraction()
	found, err := s.Remove(ctx, i.GuildID, name)
	if err != nil {
		return err
	}
	if !found {
		return respondMessage(ctx, handler, fmt.Sprintf("Snippet '%s' not found.", name))
	}
	return respondMessage(ctx, handler, fmt.Sprintf("Snippet '%s' has been removed.", name))
}
