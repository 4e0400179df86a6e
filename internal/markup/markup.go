// Package markup provides a read-only, closed view of parsed HTML.
//
// The html.Node graph produced by golang.org/x/net/html is mutable and shared
// with goquery. Post bodies are copied into this small tree before they are
// classified, so the rest of the program only ever reads it.
package markup

import (
	"strings"

	"golang.org/x/net/html"
)

// Node is one node of a markup tree: *Element, Text or Comment.
type Node interface {
	isNode()
}

// Element is an HTML element with its attributes and children.
type Element struct {
	Tag      string
	Attrs    map[string]string
	Children []Node
}

// Text is a run of character data, exactly as it appeared in the source.
type Text struct {
	Data string
}

// Comment is an HTML comment. It never contributes visible text.
type Comment struct {
	Data string
}

func (*Element) isNode() {}
func (Text) isNode()     {}
func (Comment) isNode()  {}

// Attr returns the value of the named attribute.
func (e *Element) Attr(key string) (string, bool) {
	v, ok := e.Attrs[key]
	return v, ok
}

// HasClass reports whether the class attribute contains name.
func (e *Element) HasClass(name string) bool {
	for _, c := range strings.Fields(e.Attrs["class"]) {
		if c == name {
			return true
		}
	}
	return false
}

// Find returns the first descendant element (depth first, document order)
// for which match returns true, or nil.
func (e *Element) Find(match func(*Element) bool) *Element {
	for _, child := range e.Children {
		el, ok := child.(*Element)
		if !ok {
			continue
		}
		if match(el) {
			return el
		}
		if found := el.Find(match); found != nil {
			return found
		}
	}
	return nil
}

// FindAll returns every descendant element for which match returns true.
// Matching elements are not searched further.
func (e *Element) FindAll(match func(*Element) bool) []*Element {
	var out []*Element
	for _, child := range e.Children {
		el, ok := child.(*Element)
		if !ok {
			continue
		}
		if match(el) {
			out = append(out, el)
			continue
		}
		out = append(out, el.FindAll(match)...)
	}
	return out
}

// TagClass returns a matcher for elements with the given tag and class.
// An empty tag matches any element.
func TagClass(tag, class string) func(*Element) bool {
	return func(e *Element) bool {
		if tag != "" && e.Tag != tag {
			return false
		}
		return class == "" || e.HasClass(class)
	}
}

// TextContent concatenates the text of n and its descendants, skipping any
// element for which skip returns true. skip may be nil.
func TextContent(n Node, skip func(*Element) bool) string {
	var b strings.Builder
	writeText(&b, n, skip)
	return b.String()
}

func writeText(b *strings.Builder, n Node, skip func(*Element) bool) {
	switch v := n.(type) {
	case Text:
		b.WriteString(v.Data)
	case Comment:
	case *Element:
		if skip != nil && skip(v) {
			return
		}
		if v.Tag == "br" {
			b.WriteByte('\n')
			return
		}
		for _, child := range v.Children {
			writeText(b, child, skip)
		}
	}
}

// FromHTML copies the subtree rooted at n. Document nodes are returned as an
// element with an empty tag; doctype nodes yield nil.
func FromHTML(n *html.Node) Node {
	if n == nil {
		return nil
	}
	switch n.Type {
	case html.TextNode:
		return Text{Data: n.Data}
	case html.CommentNode:
		return Comment{Data: n.Data}
	case html.ElementNode, html.DocumentNode:
		el := &Element{Attrs: make(map[string]string, len(n.Attr))}
		if n.Type == html.ElementNode {
			el.Tag = strings.ToLower(n.Data)
		}
		for _, a := range n.Attr {
			if a.Namespace != "" {
				continue
			}
			el.Attrs[strings.ToLower(a.Key)] = a.Val
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if child := FromHTML(c); child != nil {
				el.Children = append(el.Children, child)
			}
		}
		return el
	default:
		return nil
	}
}
