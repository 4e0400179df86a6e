// Package forum turns forum spy listings into normalized posts.
package forum

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// ErrMalformedDocument is returned when a listing's overall structure is not
// recognizable. The whole cycle is skipped.
var ErrMalformedDocument = errors.New("malformed document")

var (
	headerSel    = cascadia.MustCompile("div.post-header")
	postBodySel  = cascadia.MustCompile("div.post-body")
	memberSel    = cascadia.MustCompile("div.post-header h3 a")
	avatarSel    = cascadia.MustCompile("div.post-header h3 img")
	timeSel      = cascadia.MustCompile("div.post-footer span.changeabletime")
	permalinkSel = cascadia.MustCompile("div.post-footer ul.utils li.permalink a")
	contentSel   = cascadia.MustCompile("div.post-body div.message-content")
)

// Entry is one element of a spy listing: a post id and the post's markup.
// It encodes as the two-element JSON array the forum serves.
type Entry struct {
	ID   string
	HTML string
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.ID, e.HTML})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("expected [id, html] pair, got %d elements", len(pair))
	}
	e.ID, e.HTML = pair[0], pair[1]
	return nil
}

// EncodeListing serializes entries in the spy listing format.
func EncodeListing(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// Fragment is one post's markup before normalization. Doc is nil and Problem
// set when the listing entry itself could not be read.
type Fragment struct {
	ID      string
	Doc     *goquery.Document
	Problem string
}

func (f Fragment) hasPostMarkup() bool {
	if f.Doc == nil {
		return false
	}
	return f.Doc.FindMatcher(headerSel).Length() > 0 || f.Doc.FindMatcher(postBodySel).Length() > 0
}

// Extract splits a spy listing into fragments in document order. An empty
// listing yields no fragments and no error.
func Extract(doc []byte) ([]Fragment, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	frags := make([]Fragment, 0, len(entries))
	recognized := 0
	for i, raw := range entries {
		f := fragmentFromEntry(i, raw)
		if f.hasPostMarkup() {
			recognized++
		}
		frags = append(frags, f)
	}

	if len(frags) > 0 && recognized == 0 {
		return nil, fmt.Errorf("%w: none of %d entries contains post markup", ErrMalformedDocument, len(frags))
	}
	return frags, nil
}

func fragmentFromEntry(index int, raw json.RawMessage) Fragment {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Fragment{Problem: fmt.Sprintf("entry %d: %v", index, err)}
	}
	f, err := parseFragment(e)
	if err != nil {
		return Fragment{ID: e.ID, Problem: fmt.Sprintf("entry %d: %v", index, err)}
	}
	return f
}

func parseFragment(e Entry) (Fragment, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(e.HTML))
	if err != nil {
		return Fragment{}, fmt.Errorf("parse markup: %w", err)
	}
	return Fragment{ID: strings.TrimSpace(e.ID), Doc: doc}, nil
}

// PageEntry pulls the container of one post (div#<postID>) out of a full
// message page and returns it as a listing entry.
func PageEntry(r io.Reader, postID string) (Entry, error) {
	sel, err := cascadia.Compile("div#" + postID)
	if err != nil {
		return Entry{}, fmt.Errorf("post selector %q: %w", postID, err)
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Entry{}, fmt.Errorf("parse page: %w", err)
	}

	post := doc.FindMatcher(sel).First()
	if post.Length() == 0 {
		return Entry{}, fmt.Errorf("%w: page has no div#%s", ErrMalformedDocument, postID)
	}

	markup, err := goquery.OuterHtml(post)
	if err != nil {
		return Entry{}, fmt.Errorf("render %s: %w", postID, err)
	}
	return Entry{ID: postID, HTML: markup}, nil
}
