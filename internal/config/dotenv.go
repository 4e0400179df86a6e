package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env.local and .env from the config dir, then .env from
// the working directory. Earlier files win; variables already set in the
// environment are never overridden.
func LoadDotEnv(dir string) error {
	paths := []string{
		filepath.Join(dir, ".env.local"),
		filepath.Join(dir, ".env"),
		".env",
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
