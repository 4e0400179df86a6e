// Package message renders normalized forum posts into bounded chat messages.
package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Message is one outbound chat message.
type Message struct {
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
	SourceID    string   `json:"source_id"`
	URL         string   `json:"url,omitempty"`
	AuthorURL   string   `json:"author_url,omitempty"`
	Thumbnail   string   `json:"thumbnail,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Color       int      `json:"color"`
}

// Destination describes the limits and markup dialect of a chat destination.
type Destination struct {
	MaxBodyLength    int
	MaxAttachments   int
	TruncationMarker string
	EscapeRules      map[rune]string
	LineStartEscapes map[rune]string // applied only to the first rune of a line

	CodeFence   string // default "```"
	Strong      string // bold delimiter, e.g. "**"
	Em          string // italic delimiter; empty renders italics as plain text
	Strike      string // strikethrough delimiter; empty renders it as plain text
	SpoilerMark string // inline spoiler delimiter; empty renders spoilers as plain text

	QuoteSnippetLength int    // cap for a quoted snippet; 0 means no cap
	MinQuoteLength     int    // below this the snippet is replaced by SnipText
	SnipText           string // rendered verbatim
	EmptyBodyText      string // rendered verbatim when a post has no text

	ColorEven int
	ColorOdd  int
}

// DiscordEscapes returns the escape rules for Discord markdown.
func DiscordEscapes() map[rune]string {
	rules := make(map[rune]string)
	for _, r := range "\\*_~`|>[]" {
		rules[r] = `\` + string(r)
	}
	return rules
}

// DiscordLineStartEscapes returns the escapes for runes that only start
// markup at the beginning of a line: headers and subtext.
func DiscordLineStartEscapes() map[rune]string {
	return map[rune]string{
		'#': `\#`,
		'-': `\-`,
	}
}

// SlackEscapes returns the escape rules for Slack mrkdwn.
func SlackEscapes() map[rune]string {
	return map[rune]string{
		'&': "&amp;",
		'<': "&lt;",
		'>': "&gt;",
	}
}

// Discord returns the destination used for Discord webhook embeds.
func Discord() Destination {
	return Destination{
		MaxBodyLength:      250,
		MaxAttachments:     4,
		TruncationMarker:   "...",
		EscapeRules:        DiscordEscapes(),
		LineStartEscapes:   DiscordLineStartEscapes(),
		CodeFence:          "```",
		Strong:             "**",
		Em:                 "*",
		Strike:             "~~",
		SpoilerMark:        "||",
		QuoteSnippetLength: 100,
		MinQuoteLength:     5,
		SnipText:           "*[...]*",
		EmptyBodyText:      "_[post contains only images, quotes and/or spoilers]_",
		ColorEven:          0x010B17,
		ColorOdd:           0x001228,
	}
}

// Slack returns the destination used for Slack incoming webhooks.
func Slack() Destination {
	d := Discord()
	d.EscapeRules = SlackEscapes()
	d.LineStartEscapes = nil
	d.Strong = "*"
	d.Em = "_"
	d.Strike = "~"
	d.SpoilerMark = ""
	d.SnipText = "_[...]_"
	return d
}

// Validate checks d for internal consistency.
func (d Destination) Validate() error {
	if d.MaxBodyLength <= 0 {
		return fmt.Errorf("max body length must be positive, got %d", d.MaxBodyLength)
	}
	if d.MaxAttachments < 0 {
		return fmt.Errorf("max attachments must not be negative, got %d", d.MaxAttachments)
	}
	if n := utf8.RuneCountInString(d.TruncationMarker); n >= d.MaxBodyLength {
		return fmt.Errorf("truncation marker (%d runes) must be shorter than max body length %d", n, d.MaxBodyLength)
	}
	if d.QuoteSnippetLength < 0 || d.MinQuoteLength < 0 {
		return errors.New("quote lengths must not be negative")
	}
	if d.QuoteSnippetLength > 0 && d.QuoteSnippetLength <= utf8.RuneCountInString(d.TruncationMarker) {
		return fmt.Errorf("quote snippet length %d leaves no room for the truncation marker", d.QuoteSnippetLength)
	}
	for name, s := range map[string]string{"snip text": d.SnipText, "empty body text": d.EmptyBodyText} {
		if utf8.RuneCountInString(s) > d.MaxBodyLength {
			return fmt.Errorf("%s is longer than max body length %d", name, d.MaxBodyLength)
		}
	}
	for _, rules := range []map[rune]string{d.EscapeRules, d.LineStartEscapes} {
		if err := validateEscapes(rules); err != nil {
			return err
		}
	}
	return nil
}

func validateEscapes(rules map[rune]string) error {
	for r, repl := range rules {
		if unicode.IsSpace(r) {
			return fmt.Errorf("escape rule for whitespace %q is not allowed", r)
		}
		if repl == "" || repl == string(r) {
			return fmt.Errorf("escape rule for %q leaves it unescaped", r)
		}
		if strings.ContainsFunc(repl, unicode.IsSpace) {
			return fmt.Errorf("escape rule for %q must not contain whitespace", r)
		}
	}
	return nil
}
