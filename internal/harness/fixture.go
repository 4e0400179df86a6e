package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/message"
)

const (
	documentExt = ".ajax"
	goldenExt   = ".golden.json"
)

// ErrNoFixture is returned when a named fixture has no document.
var ErrNoFixture = errors.New("fixture not found")

// Fixture is a captured listing document and the messages it should yield.
type Fixture struct {
	Name      string
	Document  []byte
	Expected  []message.Message
	HasGolden bool
}

// Info describes a fixture on disk.
type Info struct {
	Name         string
	DocumentSize int64
	Modified     time.Time
	HasGolden    bool
	Messages     int
}

// ValidateName rejects fixture names that are not a single plain file stem.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("fixture name is empty")
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("fixture name %q starts with a dot", name)
	case strings.ContainsAny(name, `/\`) || name != filepath.Base(name):
		return fmt.Errorf("fixture name %q contains a path separator", name)
	case strings.HasSuffix(name, documentExt) || strings.HasSuffix(name, goldenExt):
		return fmt.Errorf("fixture name %q includes an extension", name)
	}
	return nil
}

func documentPath(dir, name string) string { return filepath.Join(dir, name+documentExt) }
func goldenPath(dir, name string) string   { return filepath.Join(dir, name+goldenExt) }

// Names returns the fixture names in dir, sorted.
func Names(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+documentExt))
	if err != nil {
		return nil, fmt.Errorf("list fixtures: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), documentExt))
	}
	sort.Strings(names)
	return names, nil
}

// Load reads every fixture in dir. A fixture without a golden file is
// returned with HasGolden unset.
func Load(dir string) ([]Fixture, error) {
	names, err := Names(dir)
	if err != nil {
		return nil, err
	}
	fixtures := make([]Fixture, 0, len(names))
	for _, name := range names {
		f, err := LoadOne(dir, name)
		if err != nil {
			return nil, err
		}
		fixtures = append(fixtures, f)
	}
	return fixtures, nil
}

// LoadOne reads a single fixture.
func LoadOne(dir, name string) (Fixture, error) {
	if err := ValidateName(name); err != nil {
		return Fixture{}, err
	}
	doc, err := os.ReadFile(documentPath(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return Fixture{}, fmt.Errorf("%w: %s", ErrNoFixture, name)
	}
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture %s: %w", name, err)
	}

	f := Fixture{Name: name, Document: doc}
	golden, err := os.ReadFile(goldenPath(dir, name))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return Fixture{}, fmt.Errorf("read golden %s: %w", name, err)
	}
	if err := json.Unmarshal(golden, &f.Expected); err != nil {
		return Fixture{}, fmt.Errorf("parse golden %s: %w", name, err)
	}
	f.HasGolden = true
	return f, nil
}

// WriteDocument stores doc as the fixture's listing. An existing fixture is
// only replaced when overwrite is set.
func WriteDocument(dir, name string, doc []byte, overwrite bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fixture dir: %w", err)
	}
	path := documentPath(dir, name)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("fixture %s already exists", name)
		}
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", name, err)
	}
	return nil
}

func writeGolden(dir, name string, msgs []message.Message) error {
	if msgs == nil {
		msgs = []message.Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode golden %s: %w", name, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(goldenPath(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write golden %s: %w", name, err)
	}
	return nil
}

// Delete removes a fixture's document and golden file.
func Delete(dir, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(documentPath(dir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoFixture, name)
		}
		return fmt.Errorf("delete fixture %s: %w", name, err)
	}
	if err := os.Remove(goldenPath(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete golden %s: %w", name, err)
	}
	return nil
}

// List describes every fixture in dir.
func List(dir string) ([]Info, error) {
	names, err := Names(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		st, err := os.Stat(documentPath(dir, name))
		if err != nil {
			return nil, fmt.Errorf("stat fixture %s: %w", name, err)
		}
		info := Info{Name: name, DocumentSize: st.Size(), Modified: st.ModTime()}
		if f, err := LoadOne(dir, name); err == nil && f.HasGolden {
			info.HasGolden = true
			info.Messages = len(f.Expected)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CaptureDocument builds a listing document from single-post entries.
func CaptureDocument(entries []forum.Entry) ([]byte, error) {
	doc, err := forum.EncodeListing(entries)
	if err != nil {
		return nil, fmt.Errorf("encode listing: %w", err)
	}
	return doc, nil
}
