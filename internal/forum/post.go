package forum

import (
	"strconv"
	"strings"
	"time"
)

// Post is one normalized forum post.
type Post struct {
	ID            string // forum id, e.g. "post4242"
	Author        string
	AuthorURL     string
	AuthorGuessed bool // Author was derived from AuthorURL
	AvatarURL     string
	Timestamp     Timestamp
	Permalink     string
	Quoted        *QuoteRef
	Segments      []Segment
}

// Number returns the numeric part of the post id.
func (p Post) Number() (int, bool) {
	return idNumber(p.ID)
}

func idNumber(id string) (int, bool) {
	digits := strings.TrimLeftFunc(id, func(r rune) bool { return r < '0' || r > '9' })
	if digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Timestamp is the time a post was made. Time is zero when Raw could not be
// parsed.
type Timestamp struct {
	Time time.Time
	Raw  string
}

// String returns the instant in RFC 3339 (UTC) or, failing that, the raw
// forum string.
func (t Timestamp) String() string {
	if !t.Time.IsZero() {
		return t.Time.UTC().Format(time.RFC3339)
	}
	return t.Raw
}

// QuoteRef is a lightweight reference to a quoted post.
type QuoteRef struct {
	PostID  string // empty when the quote does not link to its source
	Author  string
	Snippet string
}

// SegmentKind names the variant of a Segment.
type SegmentKind string

const (
	KindText      SegmentKind = "text"
	KindLink      SegmentKind = "link"
	KindImage     SegmentKind = "image"
	KindCodeBlock SegmentKind = "code"
	KindQuote     SegmentKind = "quote"
	KindSpoiler   SegmentKind = "spoiler"
)

// Segment is one typed piece of a post body. The set of implementations is
// closed: Text, Link, Image, CodeBlock, Quote and Spoiler.
type Segment interface {
	Kind() SegmentKind
	isSegment()
}

// Style is a set of inline text styles.
type Style uint8

const (
	StyleStrong Style = 1 << iota
	StyleEm
	StyleStrike
)

// Has reports whether every style in o is set in s.
func (s Style) Has(o Style) bool { return s&o == o }

type Text struct {
	Text  string
	Style Style
}

type Link struct {
	URL   string
	Label string
}

type Image struct {
	URL string
}

type CodeBlock struct {
	Code string
}

// Quote marks where a quote appeared in the body.
type Quote struct {
	Ref QuoteRef
}

// Spoiler is hidden text. Block spoilers only carry their button label.
type Spoiler struct {
	Label string
	Text  string
	Block bool
}

func (Text) Kind() SegmentKind      { return KindText }
func (Link) Kind() SegmentKind      { return KindLink }
func (Image) Kind() SegmentKind     { return KindImage }
func (CodeBlock) Kind() SegmentKind { return KindCodeBlock }
func (Quote) Kind() SegmentKind     { return KindQuote }
func (Spoiler) Kind() SegmentKind   { return KindSpoiler }

func (Text) isSegment()      {}
func (Link) isSegment()      {}
func (Image) isSegment()     {}
func (CodeBlock) isSegment() {}
func (Quote) isSegment()     {}
func (Spoiler) isSegment()   {}

// Kinds lists the kinds of segs in order.
func Kinds(segs []Segment) []SegmentKind {
	out := make([]SegmentKind, len(segs))
	for i, s := range segs {
		out[i] = s.Kind()
	}
	return out
}
