package jamespy

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Modifier identifies what a FilterClause tests a message for
type Modifier int

const (
	ModifierUser Modifier = iota + 1
	ModifierBot
	ModifierMatch
	ModifierStartsWith
	ModifierEndsWith
	ModifierLinks
	ModifierInvites
	ModifierAttachments
)

// modifierKeywords is checked in order, and the first keyword that
// prefixes the remaining input wins.
var modifierKeywords = []struct {
	keyword  string
	modifier Modifier
}{
	{"user", ModifierUser},
	{"match", ModifierMatch},
	{"startswith", ModifierStartsWith},
	{"endswith", ModifierEndsWith},
	{"links", ModifierLinks},
	{"invites", ModifierInvites},
	{"attachments", ModifierAttachments},
	{"bots", ModifierBot},
}

func (m Modifier) String() string {
	switch m {
	case ModifierUser:
		return "user"
	case ModifierBot:
		return "bots"
	case ModifierMatch:
		return "match"
	case ModifierStartsWith:
		return "startswith"
	case ModifierEndsWith:
		return "endswith"
	case ModifierLinks:
		return "links"
	case ModifierInvites:
		return "invites"
	case ModifierAttachments:
		return "attachments"
	default:
		return fmt.Sprintf("Modifier(%d)", int(m))
	}
}

// greedy modifiers take the rest of the input, verbatim, as their
// content, and end parsing
func (m Modifier) greedy() bool {
	switch m {
	case ModifierMatch, ModifierStartsWith, ModifierEndsWith:
		return true
	default:
		return false
	}
}

// matchModifier returns the modifier whose keyword prefixes s
// (case-insensitive), and the keyword's length
func matchModifier(s string) (Modifier, int, bool) {
	lower := strings.ToLower(s)
	for _, mk := range modifierKeywords {
		if strings.HasPrefix(lower, mk.keyword) {
			return mk.modifier, len(mk.keyword), true
		}
	}
	return 0, 0, false
}

// FilterClause is a single parsed filter, ex: `!user <@123>`
type FilterClause struct {
	Modifier Modifier
	Content  string
	Negated  bool
}

func (c FilterClause) String() string {
	var b strings.Builder
	if c.Negated {
		b.WriteByte('!')
	}
	b.WriteString(c.Modifier.String())
	if c.Content != "" {
		b.WriteByte(' ')
		b.WriteString(c.Content)
	}
	return b.String()
}

// ParsedCommand is the ordered list of clauses parsed from a
// purge command's filter expression
type ParsedCommand []FilterClause

func (p ParsedCommand) String() string {
	clauses := make([]string, len(p))
	for i, c := range p {
		clauses[i] = c.String()
	}
	return strings.Join(clauses, " ")
}

// ParseError is returned when a filter expression can't be parsed
type ParseError struct {
	// Token is the offending token, if any
	Token string
	msg   string
}

func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s: %q", e.msg, e.Token)
	}
	return e.msg
}

// Is reports whether target is a ParseError with the same message,
// so errors.Is(err, ErrTooFewArguments) works regardless of Token
func (e *ParseError) Is(target error) bool {
	var t *ParseError
	if !errors.As(target, &t) {
		return false
	}
	return t.msg == e.msg
}

var ErrTooFewArguments = &ParseError{msg: "too few arguments"}

func errUnexpectedToken(token string) *ParseError {
	return &ParseError{Token: token, msg: "expected a filter (user, match, startswith, endswith, links, invites, attachments, bots)"}
}

// clauseBuilder accumulates the clause currently being parsed
type clauseBuilder struct {
	clauses  ParsedCommand
	modifier Modifier
	content  []string
	negated  bool
}

// flush emits the current clause if it has a modifier, and resets
// state for the next one
func (b *clauseBuilder) flush() {
	if b.modifier != 0 {
		b.clauses = append(
			b.clauses,
			FilterClause{
				Modifier: b.modifier,
				Content:  strings.Join(b.content, " "),
				Negated:  b.negated,
			},
		)
	}
	b.modifier = 0
	b.content = nil
	b.negated = false
}

// ParseFilter parses a purge filter expression, ex:
//
//	user <@123> !links match hello world
//
// into an ordered list of clauses. Recognized keywords are matched
// case-insensitively at the start of the remaining input. `!`
// immediately before a keyword negates that clause. `match`,
// `startswith` and `endswith` consume the remainder of the input
// as their content. Other keywords collect the following
// whitespace-separated tokens until the next keyword.
//
// Content appearing before the first keyword is rejected.
func ParseFilter(input string) (ParsedCommand, error) {
	rest := strings.TrimLeftFunc(input, unicode.IsSpace)
	if rest == "" {
		return nil, ErrTooFewArguments
	}

	b := &clauseBuilder{}
	for rest != "" {
		negated := false
		candidate := rest
		if strings.HasPrefix(candidate, "!") {
			if _, _, ok := matchModifier(candidate[1:]); ok {
				negated = true
				candidate = candidate[1:]
			}
		}

		if modifier, n, ok := matchModifier(candidate); ok {
			b.flush()
			b.modifier = modifier
			b.negated = negated
			rest = strings.TrimLeftFunc(candidate[n:], unicode.IsSpace)

			if modifier.greedy() {
				b.content = []string{rest}
				b.flush()
				return b.clauses, nil
			}
			continue
		}

		token := rest
		if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
			token = rest[:i]
		}
		if b.modifier == 0 {
			return nil, errUnexpectedToken(token)
		}
		b.content = append(b.content, token)
		rest = strings.TrimLeftFunc(rest[len(token):], unicode.IsSpace)
	}
	b.flush()

	return b.clauses, nil
}
