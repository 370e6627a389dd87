package persistence

import (
	"auto-trader-go/internal/models"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileHistory appends closed bundles as JSON lines. The file is opened with
// O_APPEND and synced after every batch; existing lines are never touched.
type FileHistory struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func NewFileHistory(path string) (*FileHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	return &FileHistory{path: path, f: f}, nil
}

func (h *FileHistory) Append(ctx context.Context, bundles []*models.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, b := range bundles {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("encode bundle %s: %w", b.ID, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return h.f.Sync()
}

func (h *FileHistory) ReadAll(ctx context.Context) ([]*models.Bundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*models.Bundle
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var b models.Bundle
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		out = append(out, &b)
	}
	return out, scanner.Err()
}

func (h *FileHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}
