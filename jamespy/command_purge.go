package jamespy

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	prefixCommandPurge   = "purge"
	prefixCommandPurgeIn = "purge-in"

	purgeBotPermissions = discordgo.PermissionManageMessages |
		discordgo.PermissionViewChannel |
		discordgo.PermissionReadMessageHistory
)

var (
	ErrPurgeUsage = &ValidationError{
		Message: "Usage: purge <limit> [filter]",
	}
	ErrPurgeInUsage = &ValidationError{
		Message: "Usage: purge-in <seconds> <limit> [filter]",
	}
)

// commandLimiter rate limits prefix commands per user. Limiters for
// users who haven't used a command in a while expire from the cache.
type commandLimiter struct {
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

func newCommandLimiter(perSecond float64, burst int) *commandLimiter {
	return &commandLimiter{
		limiters: cache.New(10*time.Minute, 20*time.Minute),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether userID may run a command now
func (c *commandLimiter) Allow(userID string) bool {
	if v, ok := c.limiters.Get(userID); ok {
		c.limiters.SetDefault(userID, v)
		return v.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(c.limit, c.burst)
	if err := c.limiters.Add(userID, limiter, cache.DefaultExpiration); err != nil {
		// another goroutine added one first
		if v, ok := c.limiters.Get(userID); ok {
			return v.(*rate.Limiter).Allow()
		}
	}
	return limiter.Allow()
}

// splitPrefixCommand splits message content like `-purge 10 bots` into
// the lowercased command name and its remaining arguments. ok is false
// if content doesn't start with prefix.
func splitPrefixCommand(prefix string, content string) (name string, args string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	rest := content[len(prefix):]
	name, args = nextToken(rest)
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), args, true
}

// nextToken returns the first whitespace-delimited token of s, and
// the remainder with leading whitespace removed
func nextToken(s string) (token string, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	return s, ""
}

// parsePurgeArgs parses the arguments of purge (`<limit> [filter]`)
// or purge-in (`<seconds> <limit> [filter]`) into a PurgeRequest
func parsePurgeArgs(command string, args string) (PurgeRequest, error) {
	var req PurgeRequest
	usage := ErrPurgeUsage
	if command == prefixCommandPurgeIn {
		usage = ErrPurgeInUsage
		secondsArg, rest := nextToken(args)
		seconds, err := strconv.ParseUint(secondsArg, 10, 16)
		if err != nil {
			return req, usage
		}
		req.Delay = time.Duration(seconds) * time.Second
		if req.Delay > purgeMaxDelay {
			return req, ErrPurgeDelay
		}
		args = rest
	}

	limitArg, rest := nextToken(args)
	limit, err := strconv.ParseUint(limitArg, 10, 8)
	if err != nil {
		if limitArg != "" && strings.TrimLeft(limitArg, "0123456789") == "" {
			// numeric, but larger than fits
			return req, ErrPurgeLimit
		}
		return req, usage
	}
	req.Limit = int(limit)
	if err = validatePurgeLimit(req.Limit); err != nil {
		return req, err
	}

	if rest != "" {
		req.Filter, err = ParseFilter(rest)
		if err != nil {
			return req, err
		}
	}
	return req, nil
}

// purgeErrorReply returns the content and emoji to answer a failed
// purge with
func purgeErrorReply(err error) (string, string) {
	var validationErr *ValidationError
	var parseErr *ParseError
	switch {
	case errors.Is(err, ErrPurgeDelay):
		return ErrPurgeDelay.Message, EmojiX
	case errors.As(err, &validationErr):
		return validationErr.Message, EmojiQuestion
	case errors.As(err, &parseErr):
		return "Couldn't parse the filter: " + parseErr.Error(), EmojiQuestion
	default:
		return "Something went wrong while purging.", EmojiX
	}
}

// handlePurgeCommand runs purge or purge-in for a guild message. The
// invoker needs Manage Messages in the channel.
func (d *Jamespy) handlePurgeCommand(
	ctx context.Context,
	m *discordgo.MessageCreate,
	command string,
	args string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = d.logger
	}
	logger = logger.With(
		slog.Group("command", "name", command, "args", args),
	)
	ctx = WithLogger(ctx, logger)
	r := replier{session: d.discord.session}

	if m.GuildID == "" {
		return
	}

	perms, err := d.discord.session.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking invoker permissions", tint.Err(err))
		return
	}
	if perms&discordgo.PermissionManageMessages == 0 {
		logger.InfoContext(ctx, "invoker missing permissions")
		_ = r.reactionOrMessage(
			ctx,
			m.Message,
			"You need the Manage Messages permission to do that.",
			EmojiAnger,
		)
		return
	}

	if botID := d.discord.session.BotUserID(); botID != "" {
		botPerms, permErr := d.discord.session.UserChannelPermissions(botID, m.ChannelID)
		if permErr == nil && botPerms&purgeBotPermissions != purgeBotPermissions {
			_ = r.messageOrReaction(
				ctx,
				m.Message,
				"I need Manage Messages, View Channel and Read Message History here.",
				EmojiAnger,
			)
			return
		}
	}

	if !d.commandLimiter.Allow(m.Author.ID) {
		logger.InfoContext(ctx, "rate limited")
		_ = r.reactionOrMessage(ctx, m.Message, "Slow down.", EmojiAnger)
		return
	}

	req, err := parsePurgeArgs(command, args)
	if err != nil {
		content, emoji := purgeErrorReply(err)
		logger.InfoContext(ctx, "invalid purge command", tint.Err(err))
		_ = r.reactionOrMessage(ctx, m.Message, content, emoji)
		return
	}
	req.GuildID = m.GuildID
	req.ChannelID = m.ChannelID
	req.InvokingMessageID = m.ID
	req.Reason = purgeReason(m.Author)

	purgeLog := newPurgeLog(req, m.Author)
	logger = logger.With("job_id", purgeLog.JobID)
	ctx = WithLogger(ctx, logger)

	selected, err := d.purger.Run(ctx, req)
	purgeLog.Selected = selected
	if err != nil {
		purgeLog.Error = err.Error()
		content, emoji := purgeErrorReply(err)
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			logger.ErrorContext(ctx, "purge failed", tint.Err(err))
		}
		_ = r.reactionOrMessage(ctx, m.Message, content, emoji)
	}

	if _, dbErr := d.writeDB.Create(context.WithoutCancel(ctx), purgeLog); dbErr != nil {
		logger.ErrorContext(ctx, "error saving purge log", tint.Err(dbErr))
	}
}
