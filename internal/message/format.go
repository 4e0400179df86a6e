package message

import (
	"maps"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ppiankov/forumspy/internal/forum"
)

const defaultCodeFence = "```"

// Formatter turns posts into messages for one destination. It is pure: the
// same post always yields the same message.
type Formatter struct {
	dest Destination
}

// NewFormatter validates d and returns a Formatter for it.
func NewFormatter(d Destination) (*Formatter, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.CodeFence == "" {
		d.CodeFence = defaultCodeFence
	}
	d.EscapeRules = maps.Clone(d.EscapeRules)
	d.LineStartEscapes = maps.Clone(d.LineStartEscapes)
	return &Formatter{dest: d}, nil
}

// Format renders post into a Message.
func (f *Formatter) Format(post forum.Post) Message {
	d := &f.dest
	msg := Message{
		Title:       post.Author,
		Attachments: attachments(post.Segments, d.MaxAttachments),
		SourceID:    post.ID,
		URL:         post.Permalink,
		AuthorURL:   post.AuthorURL,
		Thumbnail:   post.AvatarURL,
		Timestamp:   post.Timestamp.String(),
		Color:       f.color(post),
	}

	own := f.render(post)
	if len(own) == 0 && post.Quoted == nil && d.EmptyBodyText != "" {
		own = []unit{{s: d.EmptyBodyText}}
	}

	body := own
	if post.Quoted != nil {
		// Leave room for at least the shortest form of the quoted line.
		minLine := f.quoteHeader(*post.Quoted).len() + utf8.RuneCountInString(d.SnipText) + 1
		if room := d.MaxBodyLength - minLine; room > utf8.RuneCountInString(d.TruncationMarker) {
			own = truncate(own, room, d.TruncationMarker)
		}
		line := f.quotedLine(*post.Quoted, unitsLen(own))
		if len(own) > 0 {
			line = append(line, unit{s: "\n", space: true})
		}
		body = append(line, own...)
	}

	msg.Body = join(truncate(body, d.MaxBodyLength, d.TruncationMarker))
	return msg
}

// quotedLine renders the line for the post being replied to. The snippet gets
// whatever the post's own text leaves of the body limit.
func (f *Formatter) quotedLine(ref forum.QuoteRef, ownLen int) []unit {
	d := &f.dest
	header := f.quoteHeader(ref)
	line := []unit{header}

	snippet := f.escapeUnits(ref.Snippet)
	if len(snippet) == 0 {
		return line
	}

	avail := d.MaxBodyLength - ownLen - header.len() - 1
	if d.QuoteSnippetLength > 0 && avail > d.QuoteSnippetLength {
		avail = d.QuoteSnippetLength
	}
	markerLen := utf8.RuneCountInString(d.TruncationMarker)

	switch {
	case unitsLen(snippet) <= avail:
		return append(line, snippet...)
	case avail-markerLen < d.MinQuoteLength:
		return append(line, unit{s: d.SnipText})
	default:
		return append(line, truncate(snippet, avail, d.TruncationMarker)...)
	}
}

func (f *Formatter) quoteHeader(ref forum.QuoteRef) unit {
	var b strings.Builder
	b.WriteString("> ")
	if ref.Author != "" {
		b.WriteString(f.dest.Strong)
		b.WriteString(f.escape(ref.Author))
		b.WriteString(f.dest.Strong)
		if ref.Snippet != "" {
			b.WriteString(": ")
		}
	}
	return unit{s: b.String()}
}

// color alternates by post number so consecutive posts stand apart.
func (f *Formatter) color(post forum.Post) int {
	if n, ok := post.Number(); ok && n%2 == 1 {
		return f.dest.ColorOdd
	}
	return f.dest.ColorEven
}

// delimiters returns the opening and closing markup for style.
func (f *Formatter) delimiters(style forum.Style) (string, string) {
	var marks []string
	for _, m := range []struct {
		style forum.Style
		mark  string
	}{
		{forum.StyleStrong, f.dest.Strong},
		{forum.StyleEm, f.dest.Em},
		{forum.StyleStrike, f.dest.Strike},
	} {
		if style.Has(m.style) && m.mark != "" {
			marks = append(marks, m.mark)
		}
	}
	var open, closing strings.Builder
	for i := range marks {
		open.WriteString(marks[i])
		closing.WriteString(marks[len(marks)-1-i])
	}
	return open.String(), closing.String()
}

func attachments(segs []forum.Segment, limit int) []string {
	out := []string{}
	for _, seg := range segs {
		if len(out) >= limit {
			break
		}
		if img, ok := seg.(forum.Image); ok {
			out = append(out, img.URL)
		}
	}
	return out
}

// escape applies the escape rules rune by rune in a single pass.
func (f *Formatter) escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if repl, ok := f.dest.EscapeRules[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeUnits splits s into one unit per rune, escaped.
func (f *Formatter) escapeUnits(s string) []unit {
	out := make([]unit, 0, len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			out = append(out, unit{s: string(r), space: true})
			continue
		}
		if repl, ok := f.dest.EscapeRules[r]; ok {
			out = append(out, unit{s: repl})
			continue
		}
		out = append(out, unit{s: string(r)})
	}
	return out
}
