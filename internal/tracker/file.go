package tracker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fileHeader = "# forumspy delivered v1"

// FileStore keeps delivered ids in a text file: a version header followed by
// one id per line, oldest first.
type FileStore struct {
	path string
}

// OpenFile returns a FileStore at path, creating its directory.
func OpenFile(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Path returns the file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != fileHeader {
		return nil, fmt.Errorf("%w: %s has no %q header", ErrCorruptStore, s.path, fileHeader)
	}

	var ids []string
	line := 1
	for sc.Scan() {
		line++
		id := strings.TrimSpace(sc.Text())
		if id == "" {
			continue
		}
		if err := ValidateID(id); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorruptStore, s.path, line, err)
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.path, err)
	}
	return ids, nil
}

// Append adds id to the end of the file and syncs it to disk.
func (s *FileStore) Append(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", s.path, err)
	}

	var buf bytes.Buffer
	if info.Size() == 0 {
		buf.WriteString(fileHeader + "\n")
	}
	buf.WriteString(id + "\n")

	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return f.Close()
}

// Replace writes ids to a temporary file and renames it over the store.
func (s *FileStore) Replace(_ context.Context, ids []string) error {
	var buf bytes.Buffer
	buf.WriteString(fileHeader + "\n")
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return err
		}
		buf.WriteString(id + "\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("stat %s: %w", s.path, err)
	}
	ids, err := s.Load(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Count: len(ids), Last: info.ModTime(), Size: info.Size()}, nil
}

func (s *FileStore) Close() error { return nil }
