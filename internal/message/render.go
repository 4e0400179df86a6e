package message

import (
	"strings"
	"unicode/utf8"

	"github.com/ppiankov/forumspy/internal/forum"
)

// unit is an indivisible piece of rendered output: one escaped rune, or a
// whole URL, fence or spoiler. Truncation only ever cuts between units.
type unit struct {
	s     string
	space bool // whitespace taken from post text; a valid cut point
}

func (u unit) len() int { return utf8.RuneCountInString(u.s) }

func unitsLen(units []unit) int {
	n := 0
	for _, u := range units {
		n += u.len()
	}
	return n
}

func join(units []unit) string {
	var b strings.Builder
	for _, u := range units {
		b.WriteString(u.s)
	}
	return b.String()
}

type renderer struct {
	f          *Formatter
	units      []unit
	breakAfter bool // the last unit was a block and needs its own line
}

// render turns the post's own segments into units. The segment referenced by
// post.Quoted is left out; it is rendered as the quoted line instead.
func (f *Formatter) render(post forum.Post) []unit {
	r := &renderer{f: f}
	quotedSkipped := post.Quoted == nil

	for _, seg := range post.Segments {
		switch s := seg.(type) {
		case forum.Text:
			if s.Style != 0 {
				r.styled(s)
				continue
			}
			r.text(s.Text)
		case forum.Link:
			r.link(s)
		case forum.Image:
			// attachments only
		case forum.CodeBlock:
			r.code(s.Code)
		case forum.Quote:
			if !quotedSkipped && s.Ref == *post.Quoted {
				quotedSkipped = true
				continue
			}
			r.quote(s.Ref)
		case forum.Spoiler:
			r.spoiler(s)
		}
	}
	return trimSpaceUnits(r.units)
}

func (r *renderer) last() (unit, bool) {
	if len(r.units) == 0 {
		return unit{}, false
	}
	return r.units[len(r.units)-1], true
}

// atLineStart reports whether the next unit begins a line.
func (r *renderer) atLineStart() bool {
	last, ok := r.last()
	return !ok || r.breakAfter || last.s == "\n"
}

func (r *renderer) push(u unit) {
	if r.breakAfter {
		r.breakAfter = false
		r.lineBreak()
	}
	r.units = append(r.units, u)
}

// lineBreak ends the current line unless the output is empty or already at a
// line start.
func (r *renderer) lineBreak() {
	last, ok := r.last()
	if !ok || last.s == "\n" {
		return
	}
	if last.space {
		r.units[len(r.units)-1] = unit{s: "\n", space: true}
		return
	}
	r.units = append(r.units, unit{s: "\n", space: true})
}

func (r *renderer) block(u unit) {
	r.breakAfter = false
	r.lineBreak()
	r.units = append(r.units, u)
	r.breakAfter = true
}

func (r *renderer) text(s string) {
	for _, u := range r.f.escapeUnits(s) {
		if u.space {
			last, ok := r.last()
			if !ok || r.breakAfter {
				continue
			}
			if u.s != "\n" {
				if last.space {
					continue
				}
			} else if r.doubleBreak() {
				continue
			} else if last.space && last.s != "\n" {
				r.units[len(r.units)-1] = u
				continue
			}
		} else if r.atLineStart() {
			u = r.lineStartEscape(u)
		}
		r.push(u)
	}
}

func (r *renderer) lineStartEscape(u unit) unit {
	ch, size := utf8.DecodeRuneInString(u.s)
	if size != len(u.s) {
		return u
	}
	if repl, ok := r.f.dest.LineStartEscapes[ch]; ok {
		return unit{s: repl}
	}
	return u
}

// styled renders a styled run one word at a time, each word wrapped in the
// delimiters, so truncation never leaves a delimiter open.
func (r *renderer) styled(t forum.Text) {
	open, closing := r.f.delimiters(t.Style)
	if open == "" {
		r.text(t.Text)
		return
	}
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			r.push(unit{s: open + word.String() + closing})
			word.Reset()
		}
	}
	for _, u := range r.f.escapeUnits(t.Text) {
		if u.space {
			flush()
			r.text(u.s)
			continue
		}
		word.WriteString(u.s)
	}
	flush()
}

func (r *renderer) doubleBreak() bool {
	n := len(r.units)
	return n >= 2 && r.units[n-1].s == "\n" && r.units[n-2].s == "\n"
}

func (r *renderer) link(l forum.Link) {
	if l.Label == "" || l.Label == l.URL {
		r.push(unit{s: l.URL})
		return
	}
	r.text(l.Label)
	r.push(unit{s: " ", space: true})
	r.push(unit{s: "(" + l.URL + ")"})
}

func (r *renderer) code(code string) {
	fence := r.f.dest.CodeFence
	// A fence inside the code would close the block early.
	first, size := utf8.DecodeRuneInString(fence)
	code = strings.ReplaceAll(code, fence, string(first)+"\u200b"+fence[size:])
	r.block(unit{s: fence + "\n" + code + "\n" + fence})
}

func (r *renderer) spoiler(s forum.Spoiler) {
	d := &r.f.dest
	if s.Block {
		r.block(unit{s: d.Strong + "[" + r.f.escape(s.Label) + "]" + d.Strong})
		return
	}
	if d.SpoilerMark == "" {
		r.text(s.Text)
		return
	}
	r.push(unit{s: d.SpoilerMark + r.f.escape(s.Text) + d.SpoilerMark})
}

// quote renders a quote other than the one being replied to as its own line.
func (r *renderer) quote(ref forum.QuoteRef) {
	line := []unit{r.f.quoteHeader(ref)}
	snippet := r.f.escapeUnits(ref.Snippet)
	if n := r.f.dest.QuoteSnippetLength; n > 0 {
		snippet = truncate(snippet, n, r.f.dest.TruncationMarker)
	}
	line = append(line, snippet...)

	r.breakAfter = false
	r.lineBreak()
	r.units = append(r.units, line...)
	r.breakAfter = true
}

func trimSpaceUnits(units []unit) []unit {
	start, end := 0, len(units)
	for start < end && units[start].space {
		start++
	}
	for end > start && units[end-1].space {
		end--
	}
	return units[start:end]
}

// truncate shortens units to at most maxLen runes including marker. It cuts at
// the last whitespace unit that leaves room for the marker, or, when there is
// none, after the last whole unit that fits.
func truncate(units []unit, maxLen int, marker string) []unit {
	if unitsLen(units) <= maxLen {
		return units
	}
	limit := maxLen - utf8.RuneCountInString(marker)

	cut, pos, content := -1, 0, false
	for i, u := range units {
		if pos > limit {
			break
		}
		if u.space && content {
			cut = i
		}
		if !u.space {
			content = true
		}
		pos += u.len()
	}

	if cut < 0 {
		cut, pos = 0, 0
		for cut < len(units) && pos+units[cut].len() <= limit {
			pos += units[cut].len()
			cut++
		}
	}

	out := trimSpaceUnits(units[:cut:cut])
	out = append(out[:len(out):len(out)], unit{s: marker})
	return out
}
