package forum

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"golang.org/x/text/unicode/norm"

	"github.com/ppiankov/forumspy/internal/markup"
)

// Reasons a fragment is skipped.
const (
	ReasonIncompleteMetadata = "incomplete-metadata"
	ReasonMalformedFragment  = "malformed-fragment"
	ReasonMissingID          = "missing-id"
)

// Skipped explains why a fragment produced no post.
type Skipped struct {
	ID     string
	Reason string
	Detail string
}

func (s *Skipped) Error() string {
	if s.Detail == "" {
		return fmt.Sprintf("skip %s: %s", s.ID, s.Reason)
	}
	return fmt.Sprintf("skip %s: %s (%s)", s.ID, s.Reason, s.Detail)
}

// NormalizerOptions configures a Normalizer.
type NormalizerOptions struct {
	BaseURL  string         // forum root; relative links resolve against it
	Location *time.Location // zone of forum timestamps without an offset
}

// Normalizer converts fragments into posts. It performs no I/O.
type Normalizer struct {
	base *url.URL
	loc  *time.Location
}

// NewNormalizer validates opts and returns a Normalizer.
func NewNormalizer(opts NormalizerOptions) (*Normalizer, error) {
	n := &Normalizer{loc: opts.Location}
	if n.loc == nil {
		n.loc = time.UTC
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("base url %q is not absolute", opts.BaseURL)
		}
		n.base = u
	}
	return n, nil
}

// Normalize builds a Post from f, or explains why it cannot.
func (n *Normalizer) Normalize(f Fragment) (Post, *Skipped) {
	if f.Doc == nil || f.Problem != "" {
		return Post{}, &Skipped{ID: f.ID, Reason: ReasonMalformedFragment, Detail: f.Problem}
	}
	if f.ID == "" {
		return Post{}, &Skipped{Reason: ReasonMissingID}
	}

	post := Post{ID: f.ID}

	member := f.Doc.FindMatcher(memberSel).First()
	href, _ := member.Attr("href")
	post.AuthorURL = n.resolve(href)
	post.Author = collapseSpace(member.Text())
	if post.Author == "" && href != "" {
		// Members with an avatar sprite have no link text.
		post.Author = path.Base(strings.TrimRight(href, "/"))
		post.AuthorGuessed = post.Author != "" && post.Author != "." && post.Author != "/"
		if !post.AuthorGuessed {
			post.Author = ""
		}
	}
	if src, ok := f.Doc.FindMatcher(avatarSel).First().Attr("src"); ok {
		post.AvatarURL = n.resolve(src)
	}

	post.Timestamp = n.timestamp(f.Doc.FindMatcher(timeSel).First())

	if post.Author == "" || post.Timestamp.Raw == "" {
		return Post{}, &Skipped{ID: f.ID, Reason: ReasonIncompleteMetadata}
	}

	if link, ok := f.Doc.FindMatcher(permalinkSel).First().Attr("href"); ok {
		post.Permalink = n.resolve(link)
	}

	if content := f.Doc.FindMatcher(contentSel).First(); content.Length() > 0 {
		if root, ok := markup.FromHTML(content.Nodes[0]).(*markup.Element); ok {
			post.Segments = n.segments(root)
		}
	}
	for _, seg := range post.Segments {
		if q, ok := seg.(Quote); ok {
			ref := q.Ref
			post.Quoted = &ref
			break
		}
	}
	return post, nil
}

func (n *Normalizer) timestamp(span *goquery.Selection) Timestamp {
	raw, _ := span.Attr("title")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = collapseSpace(span.Text())
	}
	if raw == "" {
		return Timestamp{}
	}
	ts := Timestamp{Raw: raw}
	if t, err := dateparse.ParseIn(raw, n.loc); err == nil {
		ts.Time = t
	}
	return ts
}

// resolve makes href absolute. It returns "" for hrefs that do not point at a
// fetchable resource.
func (n *Normalizer) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https":
	default:
		return ""
	}
	if u.IsAbs() {
		return u.String()
	}
	if u.Host != "" {
		// protocol-relative
		u.Scheme = "https"
		if n.base != nil {
			u.Scheme = n.base.Scheme
		}
		return u.String()
	}
	if n.base == nil {
		return href
	}
	return n.base.ResolveReference(u).String()
}

var (
	spaceRunRe   = regexp.MustCompile(`[ \t\r\n\f\v\x{00a0}]+`)
	quoteLinkRes = []*regexp.Regexp{
		regexp.MustCompile(`/message/(\d+)`),
		regexp.MustCompile(`#post(\d+)`),
	}
)

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
}

// blockTags start and end a line of their own.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "ul": true, "ol": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "table": true, "tr": true, "hr": true,
	"center": true, "dl": true, "dt": true, "dd": true,
}

// ignoredTags never contribute content.
var ignoredTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "iframe": true,
}

type trailState int

const (
	atLineStart trailState = iota
	afterSpace
	afterContent
)

// styleTags map inline tags to the style they carry.
var styleTags = map[string]Style{
	"strong": StyleStrong,
	"em":     StyleEm,
	"del":    StyleStrike,
}

// bodyBuilder accumulates segments while walking a message body.
type bodyBuilder struct {
	n       *Normalizer
	segs    []Segment
	pending string
	style   Style // applies to pending
	trail   trailState
}

func (n *Normalizer) segments(root *markup.Element) []Segment {
	b := &bodyBuilder{n: n}
	for _, child := range root.Children {
		b.walk(child)
	}
	b.flush()
	return trimEnds(b.segs)
}

func (b *bodyBuilder) walk(node markup.Node) {
	switch v := node.(type) {
	case markup.Text:
		b.text(v.Data)
	case markup.Comment:
	case *markup.Element:
		b.element(v)
	}
}

func (b *bodyBuilder) children(e *markup.Element) {
	for _, child := range e.Children {
		b.walk(child)
	}
}

func (b *bodyBuilder) element(e *markup.Element) {
	if ignoredTags[e.Tag] {
		return
	}
	switch e.Tag {
	case "br":
		b.newline()
	case "a":
		b.link(e)
	case "img":
		b.image(e)
	case "blockquote":
		b.quote(e)
	case "pre":
		b.code(e)
	case "strong", "em", "del":
		b.styled(e, styleTags[e.Tag])
	case "span":
		if e.HasClass("inline_spoiler") {
			b.inlineSpoiler(e)
			return
		}
		b.children(e)
	default:
		if e.Tag == "div" && e.HasClass("spoiler_container") {
			b.blockSpoiler(e)
			return
		}
		if blockTags[e.Tag] {
			b.newline()
			b.children(e)
			b.newline()
			return
		}
		b.children(e)
	}
}

func (b *bodyBuilder) styled(e *markup.Element, style Style) {
	outer := b.style
	b.setStyle(outer | style)
	b.children(e)
	b.setStyle(outer)
}

// setStyle starts a new text run. Whitespace-only pending text is carried
// into the new run so words stay separated.
func (b *bodyBuilder) setStyle(style Style) {
	if style == b.style {
		return
	}
	if strings.TrimSpace(b.pending) != "" {
		b.flush()
	}
	b.style = style
}

func (b *bodyBuilder) text(s string) {
	s = spaceRunRe.ReplaceAllString(s, " ")
	if b.trail != afterContent {
		s = strings.TrimLeft(s, " ")
	}
	if s == "" {
		return
	}
	b.pending += s
	if strings.HasSuffix(s, " ") {
		b.trail = afterSpace
	} else {
		b.trail = afterContent
	}
}

func (b *bodyBuilder) newline() {
	if strings.TrimSpace(b.pending) == "" && (len(b.segs) == 0 || isBlock(b.segs[len(b.segs)-1])) {
		b.pending = ""
		b.trail = atLineStart
		return
	}
	b.pending = strings.TrimRight(b.pending, " ")
	if !strings.HasSuffix(b.pending, "\n\n") {
		b.pending += "\n"
	}
	b.trail = atLineStart
}

// flush turns pending text into a segment. Whitespace-only text is dropped.
func (b *bodyBuilder) flush() {
	if strings.TrimSpace(b.pending) != "" {
		b.segs = append(b.segs, Text{Text: norm.NFC.String(b.pending), Style: b.style})
	}
	b.pending = ""
}

func (b *bodyBuilder) emit(seg Segment) {
	b.flush()
	b.segs = append(b.segs, seg)
	b.trail = afterContent
}

// block emits a segment that stands on a line of its own.
func (b *bodyBuilder) block(seg Segment) {
	b.pending = strings.TrimRightFunc(b.pending, unicode.IsSpace)
	b.emit(seg)
	b.trail = atLineStart
}

func isBlock(seg Segment) bool {
	switch v := seg.(type) {
	case Quote, CodeBlock:
		return true
	case Spoiler:
		return v.Block
	}
	return false
}

func (b *bodyBuilder) link(e *markup.Element) {
	href, _ := e.Attr("href")
	target := b.n.resolve(href)
	label := norm.NFC.String(collapseSpace(markup.TextContent(e, nil)))

	if label == "" {
		// Linked images keep their image.
		b.children(e)
		if target == "" {
			return
		}
		if e.Find(markup.TagClass("img", "")) != nil {
			return
		}
	}
	if target == "" {
		b.text(label)
		return
	}
	b.emit(Link{URL: target, Label: label})
}

func (b *bodyBuilder) image(e *markup.Element) {
	src, _ := e.Attr("src")
	if target := b.n.resolve(src); target != "" {
		b.emit(Image{URL: target})
		return
	}
	alt, _ := e.Attr("alt")
	b.text(alt)
}

func (b *bodyBuilder) quote(e *markup.Element) {
	isQuote := markup.TagClass("blockquote", "")
	ref := QuoteRef{}

	body := e
	if q := e.Find(markup.TagClass("div", "quotey")); q != nil {
		body = q
	}
	if cite := e.Find(markup.TagClass("div", "citey")); cite != nil {
		ref.Author = norm.NFC.String(collapseSpace(markup.TextContent(cite, nil)))
		ref.PostID = quotedPostID(cite)
	}
	if ref.PostID == "" {
		ref.PostID = quotedPostID(body)
	}

	skip := func(el *markup.Element) bool {
		return (el != body && isQuote(el)) || el.HasClass("citey")
	}
	ref.Snippet = norm.NFC.String(collapseSpace(markup.TextContent(body, skip)))

	b.block(Quote{Ref: ref})
}

func quotedPostID(e *markup.Element) string {
	for _, a := range e.FindAll(markup.TagClass("a", "")) {
		href, _ := a.Attr("href")
		for _, re := range quoteLinkRes {
			if m := re.FindStringSubmatch(href); m != nil {
				return "post" + m[1]
			}
		}
	}
	return ""
}

func (b *bodyBuilder) code(e *markup.Element) {
	code := strings.Trim(markup.TextContent(e, nil), "\n")
	if strings.TrimSpace(code) == "" {
		return
	}
	b.block(CodeBlock{Code: code})
}

func (b *bodyBuilder) inlineSpoiler(e *markup.Element) {
	// The first nested span is the spoiler's red title.
	var title *markup.Element
	for _, child := range e.Children {
		if el, ok := child.(*markup.Element); ok && el.Tag == "span" {
			title = el
			break
		}
	}
	text := collapseSpace(markup.TextContent(e, func(el *markup.Element) bool { return el == title }))
	if text == "" {
		return
	}
	b.emit(Spoiler{Text: norm.NFC.String(text)})
}

func (b *bodyBuilder) blockSpoiler(e *markup.Element) {
	label := "Spoiler"
	if btn := e.Find(markup.TagClass("button", "spoileron")); btn != nil {
		if l := collapseSpace(markup.TextContent(btn, nil)); l != "" {
			label = l
		}
	}
	b.block(Spoiler{Label: norm.NFC.String(label), Block: true})
}

// trimEnds strips leading whitespace from the first text segment and trailing
// whitespace from the last.
func trimEnds(segs []Segment) []Segment {
	if len(segs) == 0 {
		return segs
	}
	if t, ok := segs[0].(Text); ok {
		t.Text = strings.TrimLeftFunc(t.Text, unicode.IsSpace)
		segs[0] = t
	}
	last := len(segs) - 1
	if t, ok := segs[last].(Text); ok {
		t.Text = strings.TrimRightFunc(t.Text, unicode.IsSpace)
		segs[last] = t
	}
	out := segs[:0]
	for _, s := range segs {
		if t, ok := s.(Text); ok && t.Text == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
