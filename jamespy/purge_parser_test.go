package jamespy

import (
	"errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ParsedCommand
	}{
		{
			name:  "single user",
			input: "user <@123>",
			expected: ParsedCommand{
				{Modifier: ModifierUser, Content: "<@123>"},
			},
		},
		{
			name:  "multiple users",
			input: "user <@123> <@!456> 1234567890123456789",
			expected: ParsedCommand{
				{Modifier: ModifierUser, Content: "<@123> <@!456> 1234567890123456789"},
			},
		},
		{
			name:  "match takes the rest verbatim",
			input: "match hello  user world",
			expected: ParsedCommand{
				{Modifier: ModifierMatch, Content: "hello  user world"},
			},
		},
		{
			name:  "negated links then startswith",
			input: "!links startswith foo bar",
			expected: ParsedCommand{
				{Modifier: ModifierLinks, Negated: true},
				{Modifier: ModifierStartsWith, Content: "foo bar"},
			},
		},
		{
			name:  "case insensitive keywords",
			input: "BOTS Attachments",
			expected: ParsedCommand{
				{Modifier: ModifierBot},
				{Modifier: ModifierAttachments},
			},
		},
		{
			name:  "keyword without separating space",
			input: "invites!bots",
			expected: ParsedCommand{
				{Modifier: ModifierInvites},
				{Modifier: ModifierBot, Negated: true},
			},
		},
		{
			name:  "greedy with empty content",
			input: "user <@1> endswith",
			expected: ParsedCommand{
				{Modifier: ModifierUser, Content: "<@1>"},
				{Modifier: ModifierEndsWith, Content: ""},
			},
		},
		{
			name:  "leading whitespace",
			input: "   links",
			expected: ParsedCommand{
				{Modifier: ModifierLinks},
			},
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				parsed, err := ParseFilter(tc.input)
				require.NoError(t, err)
				if diff := cmp.Diff(tc.expected, parsed); diff != "" {
					t.Errorf("unexpected clauses (-want +got):\n%s", diff)
				}
			},
		)
	}
}

func TestParseFilter_Errors(t *testing.T) {
	_, err := ParseFilter("")
	assert.True(t, errors.Is(err, ErrTooFewArguments))

	_, err = ParseFilter("   ")
	assert.True(t, errors.Is(err, ErrTooFewArguments))

	_, err = ParseFilter("hello user <@1>")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "hello", parseErr.Token)
	assert.False(t, errors.Is(err, ErrTooFewArguments))

	// a `!` not followed by a keyword is just content
	_, err = ParseFilter("!nope")
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "!nope", parseErr.Token)
}

func TestParsedCommand_String(t *testing.T) {
	parsed, err := ParseFilter("!user <@1>   <@2> links match a b")
	require.NoError(t, err)
	assert.Equal(t, "!user <@1> <@2> links match a b", parsed.String())

	reparsed, err := ParseFilter(parsed.String())
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(parsed, reparsed))
}

func TestModifier_String(t *testing.T) {
	for _, mk := range modifierKeywords {
		assert.Equal(t, mk.keyword, mk.modifier.String())
	}
	assert.Equal(t, "Modifier(99)", Modifier(99).String())
}
