package jamespy

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"regexp"
	"strings"
)

const (
	purgeMinLimit = 2
	purgeMaxLimit = 100
)

var (
	userMentionRegex = regexp.MustCompile(`(<@!?(\d+)>)|(\d{16,20})`)
	inviteRegex      = regexp.MustCompile(
		`(?i)(?:https?://)?(?:www\.)?(?:discord(?:app)?\.com/invite|discord\.gg|discord\.me|dsc\.gg)/[a-z0-9-]+`,
	)
)

// ValidationError is a user-facing rejection of a command's arguments.
// The message is safe to show to the invoking user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrCannotParseUsers = &ValidationError{Message: "Cannot parse users."}
	ErrPurgeLimit       = &ValidationError{
		Message: "Can't purge 1 or more than 100 messages.",
	}
	ErrPurgeDelay = &ValidationError{
		Message: "Cannot wait more than 5 minutes to purge.",
	}
)

// MessageCandidate is the part of a message the purge filters look at
type MessageCandidate struct {
	ID             string
	AuthorID       string
	Content        string
	HasAttachments bool
	Bot            bool
}

func newMessageCandidate(m *discordgo.Message) MessageCandidate {
	c := MessageCandidate{
		ID:             m.ID,
		Content:        m.Content,
		HasAttachments: len(m.Attachments) > 0,
	}
	if m.Author != nil {
		c.AuthorID = m.Author.ID
		c.Bot = m.Author.Bot
	}
	return c
}

// DeletionSet is the set of message IDs selected for deletion
type DeletionSet map[string]struct{}

func (s DeletionSet) Add(id string) {
	s[id] = struct{}{}
}

func (s DeletionSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the set's message IDs, in no particular order
func (s DeletionSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// parseUserIDs extracts user IDs from mentions (<@123>, <@!123>) and
// raw snowflakes in s
func parseUserIDs(s string) []string {
	var ids []string
	for _, m := range userMentionRegex.FindAllStringSubmatch(s, -1) {
		switch {
		case m[2] != "":
			ids = append(ids, m[2])
		case m[3] != "":
			ids = append(ids, m[3])
		}
	}
	return ids
}

func containsLink(content string) bool {
	return strings.Contains(content, "http://") || strings.Contains(content, "https://")
}

func containsInvite(content string) bool {
	return inviteRegex.MatchString(content)
}

// messagePredicate reports whether a message matches a clause
type messagePredicate func(MessageCandidate) bool

// clausePredicate builds the predicate for a clause. An error is only
// returned for a user clause that names no users.
func clausePredicate(c FilterClause) (messagePredicate, error) {
	switch c.Modifier {
	case ModifierUser:
		ids := parseUserIDs(c.Content)
		if len(ids) == 0 {
			return nil, ErrCannotParseUsers
		}
		users := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			users[id] = struct{}{}
		}
		return func(m MessageCandidate) bool {
			_, ok := users[m.AuthorID]
			return ok
		}, nil
	case ModifierBot:
		return func(m MessageCandidate) bool { return m.Bot }, nil
	case ModifierMatch:
		return func(m MessageCandidate) bool {
			return strings.Contains(m.Content, c.Content)
		}, nil
	case ModifierStartsWith:
		return func(m MessageCandidate) bool {
			return strings.HasPrefix(m.Content, c.Content)
		}, nil
	case ModifierEndsWith:
		return func(m MessageCandidate) bool {
			return strings.HasSuffix(m.Content, c.Content)
		}, nil
	case ModifierLinks:
		return func(m MessageCandidate) bool { return containsLink(m.Content) }, nil
	case ModifierInvites:
		return func(m MessageCandidate) bool { return containsInvite(m.Content) }, nil
	case ModifierAttachments:
		return func(m MessageCandidate) bool { return m.HasAttachments }, nil
	default:
		return nil, fmt.Errorf("unknown modifier: %s", c.Modifier)
	}
}

// SelectMessages returns the IDs of messages in window selected by
// clauses. With no clauses, every message is selected. Otherwise, each
// clause is evaluated against the whole window, and a message is
// selected if any clause's predicate (flipped, when negated) is true
// for it.
func SelectMessages(
	window []MessageCandidate,
	clauses ParsedCommand,
) (DeletionSet, error) {
	selected := make(DeletionSet, len(window))
	if len(clauses) == 0 {
		for _, m := range window {
			selected.Add(m.ID)
		}
		return selected, nil
	}

	for _, clause := range clauses {
		matches, err := clausePredicate(clause)
		if err != nil {
			return nil, err
		}
		for _, m := range window {
			if matches(m) != clause.Negated {
				selected.Add(m.ID)
			}
		}
	}
	return selected, nil
}

func validatePurgeLimit(limit int) error {
	if limit < purgeMinLimit || limit > purgeMaxLimit {
		return ErrPurgeLimit
	}
	return nil
}
