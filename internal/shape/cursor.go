package shape

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cursor is the resume position of a stream: the shape handle and the offset of
// the last applied batch. Shape records which shape the position belongs to.
type Cursor struct {
	Shape  string `json:"shape"`
	Handle string `json:"handle"`
	Offset string `json:"offset"`
}

// identity distinguishes shapes whose cursors are not interchangeable
func (s Shape) identity() string {
	return fmt.Sprintf("%s?where=%s&columns=%s", s.Table, s.Where, strings.Join(s.Columns, ","))
}

// loadCursor reads a saved cursor. A missing or empty file yields nil.
func loadCursor(path string) (*Cursor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse cursor file: %w", err)
	}
	return &c, nil
}

// saveCursor replaces the cursor file. The new content is written beside it and
// renamed into place so a crash never leaves a partial file.
func saveCursor(path string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
