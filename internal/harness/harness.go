// Package harness replays captured listing documents through the parsing
// and formatting pipeline and compares the result with recorded output.
package harness

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/message"
)

// Pipeline is the offline part of a relay cycle.
type Pipeline struct {
	Normalizer *forum.Normalizer
	Formatter  *message.Formatter
}

// Messages runs doc through extraction, normalization and formatting.
// Skipped fragments yield no message and are returned separately.
func (p Pipeline) Messages(doc []byte) ([]message.Message, []*forum.Skipped, error) {
	frags, err := forum.Extract(doc)
	if err != nil {
		return nil, nil, err
	}
	var (
		msgs    []message.Message
		skipped []*forum.Skipped
	)
	for _, frag := range frags {
		post, skip := p.Normalizer.Normalize(frag)
		if skip != nil {
			skipped = append(skipped, skip)
			continue
		}
		msgs = append(msgs, p.Formatter.Format(post))
	}
	return msgs, skipped, nil
}

// Mismatch is one difference between expected and actual output. Index is
// -1 for the message count.
type Mismatch struct {
	Index int
	Field string
	Diff  string
}

func (m Mismatch) String() string {
	if m.Index < 0 {
		return fmt.Sprintf("%s: %s", m.Field, m.Diff)
	}
	return fmt.Sprintf("message %d %s: %s", m.Index, m.Field, m.Diff)
}

// Result is the outcome of one fixture.
type Result struct {
	Name       string
	Messages   int
	Skipped    int
	Mismatches []Mismatch
	Err        error
}

// Passed reports whether the fixture ran and matched.
func (r Result) Passed() bool { return r.Err == nil && len(r.Mismatches) == 0 }

// Report collects the results of a run.
type Report struct {
	Results []Result
}

// Failed returns the number of fixtures that did not pass.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Passed() {
			n++
		}
	}
	return n
}

// Passed reports whether every fixture passed.
func (r Report) Passed() bool { return r.Failed() == 0 }

// Harness runs fixtures through a Pipeline.
type Harness struct {
	pipeline Pipeline
}

// New returns a Harness for p.
func New(p Pipeline) *Harness {
	return &Harness{pipeline: p}
}

// Run executes every fixture; a failing fixture does not stop the others.
func (h *Harness) Run(fixtures []Fixture) Report {
	rep := Report{Results: make([]Result, 0, len(fixtures))}
	for _, f := range fixtures {
		rep.Results = append(rep.Results, h.runOne(f))
	}
	return rep
}

func (h *Harness) runOne(f Fixture) Result {
	res := Result{Name: f.Name}
	if !f.HasGolden {
		res.Err = fmt.Errorf("no golden file; run fixture update %s", f.Name)
		return res
	}
	msgs, skipped, err := h.pipeline.Messages(f.Document)
	if err != nil {
		res.Err = err
		return res
	}
	res.Messages = len(msgs)
	res.Skipped = len(skipped)
	res.Mismatches = Compare(f.Expected, msgs)
	return res
}

// Update rewrites the golden file of a fixture from the current output.
func (h *Harness) Update(dir, name string) (int, error) {
	f, err := LoadOne(dir, name)
	if err != nil {
		return 0, err
	}
	msgs, _, err := h.pipeline.Messages(f.Document)
	if err != nil {
		return 0, fmt.Errorf("fixture %s: %w", name, err)
	}
	if err := writeGolden(dir, name, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Add stores doc as a new fixture and records its current output.
func (h *Harness) Add(dir, name string, doc []byte, overwrite bool) (int, error) {
	if _, _, err := h.pipeline.Messages(doc); err != nil {
		return 0, fmt.Errorf("fixture %s: %w", name, err)
	}
	if err := WriteDocument(dir, name, doc, overwrite); err != nil {
		return 0, err
	}
	return h.Update(dir, name)
}

var equateEmpty = cmpopts.EquateEmpty()

// Compare diffs actual against expected field by field.
func Compare(expected, actual []message.Message) []Mismatch {
	var out []Mismatch
	if len(expected) != len(actual) {
		out = append(out, Mismatch{
			Index: -1,
			Field: "count",
			Diff:  fmt.Sprintf("expected %d messages, got %d", len(expected), len(actual)),
		})
	}
	n := min(len(expected), len(actual))
	for i := 0; i < n; i++ {
		out = append(out, compareMessage(i, expected[i], actual[i])...)
	}
	return out
}

func compareMessage(i int, want, got message.Message) []Mismatch {
	fields := []struct {
		name      string
		want, got any
	}{
		{"title", want.Title, got.Title},
		{"body", want.Body, got.Body},
		{"attachments", want.Attachments, got.Attachments},
		{"source_id", want.SourceID, got.SourceID},
		{"url", want.URL, got.URL},
		{"author_url", want.AuthorURL, got.AuthorURL},
		{"thumbnail", want.Thumbnail, got.Thumbnail},
		{"timestamp", want.Timestamp, got.Timestamp},
		{"color", want.Color, got.Color},
	}
	var out []Mismatch
	for _, f := range fields {
		if diff := cmp.Diff(f.want, f.got, equateEmpty); diff != "" {
			out = append(out, Mismatch{Index: i, Field: f.name, Diff: diff})
		}
	}
	return out
}
