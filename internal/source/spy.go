// Package source fetches forum documents over HTTP.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ppiankov/forumspy/internal/forum"
)

const (
	spyTimeout       = 30 * time.Second
	spyUserAgent     = "discord-forum-spy-bot"
	spyPath          = "/forum/spy.ajax"
	spyMessagePath   = "/forum/message/%d"
	spyMaxBodyBytes  = 8 << 20
	spyAcceptHeader  = "*/*"
	spyRefererSuffix = "/forum/spy"
)

// SpyOptions configures a Spy. Only Root is required.
type SpyOptions struct {
	Root      string // forum root, e.g. https://forum.starmen.net
	SpyPath   string
	Referer   string
	UserAgent string
	Timeout   time.Duration
}

// Spy reads the forum's spy listing, single posts and member profiles.
type Spy struct {
	root      string
	spyPath   string
	referer   string
	userAgent string
	maxBody   int
	client    *http.Client
}

// NewSpy creates a Spy for the forum at opts.Root.
func NewSpy(opts SpyOptions) (*Spy, error) {
	root := strings.TrimRight(strings.TrimSpace(opts.Root), "/")
	u, err := url.Parse(root)
	if err != nil || root == "" || !u.IsAbs() {
		return nil, fmt.Errorf("spy: forum root %q must be an absolute url", opts.Root)
	}

	s := &Spy{
		root:      root,
		spyPath:   opts.SpyPath,
		referer:   opts.Referer,
		userAgent: opts.UserAgent,
		maxBody:   spyMaxBodyBytes,
		client:    &http.Client{Timeout: opts.Timeout},
	}
	if s.spyPath == "" {
		s.spyPath = spyPath
	}
	if s.referer == "" {
		s.referer = root + spyRefererSuffix
	}
	if s.userAgent == "" {
		s.userAgent = spyUserAgent
	}
	if s.client.Timeout <= 0 {
		s.client.Timeout = spyTimeout
	}
	return s, nil
}

// Fetch returns the current spy listing document.
func (s *Spy) Fetch(ctx context.Context) ([]byte, error) {
	resp, err := s.get(ctx, s.root+s.spyPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return s.read(resp.Body, "spy listing")
}

// read returns the whole body, or an error when it exceeds the size limit.
func (s *Spy) read(r io.Reader, what string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, int64(s.maxBody)+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	if len(body) > s.maxBody {
		return nil, fmt.Errorf("%s exceeds %d bytes", what, s.maxBody)
	}
	return body, nil
}

// FetchPost returns post number n as a listing entry, cut out of the
// message page that shows it.
func (s *Spy) FetchPost(ctx context.Context, n int) (forum.Entry, error) {
	if n <= 0 {
		return forum.Entry{}, fmt.Errorf("invalid post number %d", n)
	}
	resp, err := s.get(ctx, s.root+fmt.Sprintf(spyMessagePath, n))
	if err != nil {
		return forum.Entry{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	page, err := s.read(resp.Body, "message page")
	if err != nil {
		return forum.Entry{}, err
	}
	return forum.PageEntry(bytes.NewReader(page), fmt.Sprintf("post%d", n))
}

// ResolveName reads a member's display name from their profile page.
func (s *Spy) ResolveName(ctx context.Context, profileURL string) (string, error) {
	if profileURL == "" {
		return "", errors.New("empty profile url")
	}
	resp, err := s.get(ctx, profileURL)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	page, err := s.read(resp.Body, "profile page")
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse profile: %w", err)
	}
	name := strings.TrimSpace(doc.Find("a.member").First().Text())
	if name == "" {
		return "", fmt.Errorf("profile %s has no member name", profileURL)
	}
	return name, nil
}

func (s *Spy) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", spyAcceptHeader)
	req.Header.Set("Referer", s.referer)
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: status %d", target, resp.StatusCode)
	}
	return resp, nil
}
