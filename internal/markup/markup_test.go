package markup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func parseBody(t *testing.T, src string) *Element {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)

	root, ok := FromHTML(doc).(*Element)
	require.True(t, ok)
	body := root.Find(func(e *Element) bool { return e.Tag == "body" })
	require.NotNil(t, body)
	return body
}

func TestFromHTML_KindsAndOrder(t *testing.T) {
	body := parseBody(t, `<p class="a b">one<!-- note --><b>two</b></p>`)

	require.Len(t, body.Children, 1)
	p, ok := body.Children[0].(*Element)
	require.True(t, ok)
	assert.Equal(t, "p", p.Tag)
	assert.True(t, p.HasClass("b"))
	assert.False(t, p.HasClass("c"))

	require.Len(t, p.Children, 3)
	assert.Equal(t, Text{Data: "one"}, p.Children[0])
	assert.Equal(t, Comment{Data: " note "}, p.Children[1])
	b, ok := p.Children[2].(*Element)
	require.True(t, ok)
	assert.Equal(t, "b", b.Tag)
}

func TestTextContent_SkipAndBreaks(t *testing.T) {
	body := parseBody(t, `<div>keep<br><span class="drop">gone</span> this<!-- x --></div>`)

	got := TextContent(body, TagClass("span", "drop"))
	assert.Equal(t, "keep\n this", got)
}

func TestFindAll_StopsAtMatch(t *testing.T) {
	body := parseBody(t, `<blockquote>a<blockquote>b</blockquote></blockquote><blockquote>c</blockquote>`)

	quotes := body.FindAll(TagClass("blockquote", ""))
	assert.Len(t, quotes, 2)
}

func TestAttr(t *testing.T) {
	body := parseBody(t, `<a HREF="/x">x</a>`)
	a := body.Find(TagClass("a", ""))
	require.NotNil(t, a)

	href, ok := a.Attr("href")
	assert.True(t, ok)
	assert.Equal(t, "/x", href)

	_, ok = a.Attr("title")
	assert.False(t, ok)
}
