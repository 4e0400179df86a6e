package harness

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/message"
)

const fixturesDir = "testdata/fixtures"

func testHarness(t *testing.T) *Harness {
	t.Helper()
	// Fixtures are recorded in the forum's default zone.
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	norm, err := forum.NewNormalizer(forum.NormalizerOptions{BaseURL: "https://forum.starmen.net", Location: loc})
	require.NoError(t, err)
	formatter, err := message.NewFormatter(message.Discord())
	require.NoError(t, err)
	return New(Pipeline{Normalizer: norm, Formatter: formatter})
}

func copyFixture(t *testing.T, dir, name string) {
	t.Helper()
	for _, ext := range []string{documentExt, goldenExt} {
		data, err := os.ReadFile(filepath.Join(fixturesDir, name+ext))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+ext), data, 0o644))
	}
}

func TestLoad(t *testing.T) {
	fixtures, err := Load(fixturesDir)
	require.NoError(t, err)
	require.Len(t, fixtures, 1)

	f := fixtures[0]
	assert.Equal(t, "hello", f.Name)
	assert.True(t, f.HasGolden)
	require.Len(t, f.Expected, 1)
	assert.Equal(t, "alice", f.Expected[0].Title)
}

func TestRun_CapturedFixturePasses(t *testing.T) {
	fixtures, err := Load(fixturesDir)
	require.NoError(t, err)

	rep := testHarness(t).Run(fixtures)
	require.Len(t, rep.Results, 1)
	res := rep.Results[0]
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Mismatches)
	assert.Equal(t, 1, res.Messages)
	assert.True(t, rep.Passed())
}

func TestRun_MutatedGoldenReportsOneMismatch(t *testing.T) {
	fixtures, err := Load(fixturesDir)
	require.NoError(t, err)
	fixtures[0].Expected[0].Body = "Hello there"

	rep := testHarness(t).Run(fixtures)
	assert.False(t, rep.Passed())
	assert.Equal(t, 1, rep.Failed())
	require.Len(t, rep.Results[0].Mismatches, 1)
	m := rep.Results[0].Mismatches[0]
	assert.Equal(t, "body", m.Field)
	assert.Equal(t, 0, m.Index)
}

func TestRun_AllFixturesRunAfterFailure(t *testing.T) {
	fixtures, err := Load(fixturesDir)
	require.NoError(t, err)
	broken := Fixture{Name: "broken", Document: []byte("<html>oops</html>"), HasGolden: true}
	missing := Fixture{Name: "missing", Document: fixtures[0].Document}

	rep := testHarness(t).Run([]Fixture{broken, missing, fixtures[0]})
	require.Len(t, rep.Results, 3)
	assert.True(t, errors.Is(rep.Results[0].Err, forum.ErrMalformedDocument))
	assert.Error(t, rep.Results[1].Err)
	assert.True(t, rep.Results[2].Passed())
	assert.Equal(t, 2, rep.Failed())
}

func TestCompare(t *testing.T) {
	a := message.Message{Title: "a", Body: "x", SourceID: "post1", Attachments: nil}
	b := message.Message{Title: "a", Body: "x", SourceID: "post1", Attachments: []string{}}

	assert.Empty(t, Compare([]message.Message{a}, []message.Message{b}))

	got := Compare([]message.Message{a, a}, []message.Message{b})
	require.Len(t, got, 1)
	assert.Equal(t, "count", got[0].Field)
	assert.Equal(t, -1, got[0].Index)

	c := b
	c.Attachments = []string{"https://img.example.org/1.png"}
	c.Color = 7
	got = Compare([]message.Message{a}, []message.Message{c})
	require.Len(t, got, 2)
	assert.Equal(t, "attachments", got[0].Field)
	assert.Equal(t, "color", got[1].Field)
}

func TestUpdate_WritesGolden(t *testing.T) {
	dir := t.TempDir()
	copyFixture(t, dir, "hello")
	require.NoError(t, os.Remove(filepath.Join(dir, "hello"+goldenExt)))

	h := testHarness(t)
	n, err := h.Update(dir, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fixtures, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, h.Run(fixtures).Passed())

	want, err := os.ReadFile(filepath.Join(fixturesDir, "hello"+goldenExt))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "hello"+goldenExt))
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestAdd_ListDelete(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join(fixturesDir, "hello"+documentExt))
	require.NoError(t, err)

	h := testHarness(t)
	n, err := h.Add(dir, "captured", src, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.Add(dir, "captured", src, false)
	assert.Error(t, err)

	_, err = h.Add(dir, "garbage", []byte("not a listing"), false)
	assert.ErrorIs(t, err, forum.ErrMalformedDocument)

	infos, err := List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "captured", infos[0].Name)
	assert.True(t, infos[0].HasGolden)
	assert.Equal(t, 1, infos[0].Messages)
	assert.Equal(t, int64(len(src)), infos[0].DocumentSize)

	require.NoError(t, Delete(dir, "captured"))
	assert.ErrorIs(t, Delete(dir, "captured"), ErrNoFixture)
	names, err := Names(dir)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCaptureDocument(t *testing.T) {
	doc, err := CaptureDocument([]forum.Entry{{ID: "post5", HTML: `<div class="post-header">x</div>`}})
	require.NoError(t, err)
	frags, err := forum.Extract(doc)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "post5", frags[0].ID)
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"hello", "quote-collapse", "post_42"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", ".hidden", "../escape", `a\b`, "x.ajax", "x.golden.json"} {
		assert.Error(t, ValidateName(name), name)
	}
}

func TestLoadOne_Missing(t *testing.T) {
	_, err := LoadOne(t.TempDir(), "nope")
	assert.ErrorIs(t, err, ErrNoFixture)
}

func TestWriteReport(t *testing.T) {
	rep := Report{Results: []Result{
		{Name: "hello", Messages: 1},
		{Name: "quotes", Mismatches: []Mismatch{{Index: 0, Field: "body", Diff: "-a\n+b\n"}}},
	}}

	var plain bytes.Buffer
	WriteReport(&plain, rep, false)
	out := plain.String()
	assert.Contains(t, out, "PASS hello (1 messages)")
	assert.Contains(t, out, "FAIL quotes")
	assert.Contains(t, out, "message 0 body: -a\n      +b")
	assert.Contains(t, out, "2 fixtures, 1 passed, 1 failed")
	assert.NotContains(t, out, "\033[")

	var colored bytes.Buffer
	WriteReport(&colored, rep, true)
	assert.Contains(t, colored.String(), "\033[32mPASS\033[0m")
}

func TestWriteList(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	WriteList(&buf, []Info{
		{Name: "hello", DocumentSize: 2048, HasGolden: true, Messages: 3, Modified: now.Add(-2 * time.Hour)},
		{Name: "draft", DocumentSize: 10},
	}, now)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "2.0 kB")
	assert.Contains(t, lines[0], "3 messages")
	assert.Contains(t, lines[0], "2 hours ago")
	assert.Contains(t, lines[1], "no golden")

	buf.Reset()
	WriteList(&buf, nil, now)
	assert.Equal(t, "No fixtures.\n", buf.String())
}
