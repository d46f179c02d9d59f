package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const FileName = "question-runner.log"

// FileStore appends transcript blocks to <Dir>/question-runner.log.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) Path() string {
	return filepath.Join(s.Dir, FileName)
}

func (s *FileStore) Append(now time.Time, rec Record) error {
	block := FormatBlock(now, rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create run log directory %q: %w", s.Dir, err)
	}
	f, err := os.OpenFile(s.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log %q: %w", s.Path(), err)
	}
	if _, err := f.WriteString(block); err != nil {
		_ = f.Close()
		return fmt.Errorf("append run log %q: %w", s.Path(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run log %q: %w", s.Path(), err)
	}
	return nil
}
