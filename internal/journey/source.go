package journey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source loads workflow definitions by id.
type Source interface {
	Load(ctx context.Context, workflowID string) (*Workflow, error)
	List(ctx context.Context) ([]string, error)
}

// FileSource loads workflows from JSON files named <id>.json in a directory.
type FileSource struct {
	dir string
}

// NewFileSource creates a file-backed workflow source.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Load reads and decodes one workflow file.
func (s *FileSource) Load(_ context.Context, workflowID string) (*Workflow, error) {
	path := filepath.Join(s.dir, workflowID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", workflowID, err)
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", workflowID, err)
	}
	if w.ID == "" {
		w.ID = workflowID
	}
	slog.Debug("Journey.FileSource.Load: workflow loaded", "workflowID", w.ID, "path", path)
	return &w, nil
}

// List returns the workflow ids present in the directory.
func (s *FileSource) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow directory %s: %w", s.dir, err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}

// MemorySource holds workflows in memory, for tests and embedded setups.
type MemorySource struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemorySource creates an empty in-memory workflow source.
func NewMemorySource() *MemorySource {
	return &MemorySource{workflows: make(map[string]*Workflow)}
}

// Add registers a workflow.
func (s *MemorySource) Add(w *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
}

// Load returns the workflow with the given id.
func (s *MemorySource) Load(_ context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return w, nil
}

// List returns all registered workflow ids.
func (s *MemorySource) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	return ids, nil
}
