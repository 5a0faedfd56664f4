// Package dotenv loads local .env files for development runs.
package dotenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error. Variables already set are left alone.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("dotenv: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("dotenv: load %s: %w", path, err)
	}
	return nil
}
