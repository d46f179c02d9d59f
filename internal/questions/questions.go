// Package questions resolves published challenges by slug. The run endpoint
// only needs the test script; the remaining fields are carried for the CLI.
package questions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("question not found")

const (
	defaultSolvedCount       = "0 完成"
	defaultReferenceSolution = "暂未提供参考答案"
)

type Question struct {
	ID                int64  `json:"id" yaml:"id"`
	Slug              string `json:"slug" yaml:"slug"`
	Title             string `json:"title" yaml:"title"`
	Level             string `json:"level" yaml:"level"`
	Category          string `json:"category" yaml:"category"`
	Duration          string `json:"duration" yaml:"duration"`
	SolvedCount       string `json:"solved_count" yaml:"solved_count"`
	Description       string `json:"description" yaml:"description"`
	StarterCode       string `json:"starter_code" yaml:"starter_code"`
	TestScript        string `json:"test_script" yaml:"test_script"`
	ReferenceSolution string `json:"reference_solution" yaml:"reference_solution"`
}

func (q Question) withDefaults() Question {
	if q.SolvedCount == "" {
		q.SolvedCount = defaultSolvedCount
	}
	if q.ReferenceSolution == "" {
		q.ReferenceSolution = defaultReferenceSolution
	}
	return q
}

type Store interface {
	Get(ctx context.Context, slug string) (Question, error)
	List(ctx context.Context) ([]Question, error)
}

// Memory is a Store backed by a map, used by tests and by serve when no
// database is configured.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Question
}

func NewMemory(qs ...Question) *Memory {
	m := &Memory{items: map[string]Question{}}
	for _, q := range qs {
		m.Put(q)
	}
	return m
}

func (m *Memory) Put(q Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[strings.TrimSpace(q.Slug)] = q.withDefaults()
}

func (m *Memory) Get(_ context.Context, slug string) (Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.items[strings.TrimSpace(slug)]
	if !ok {
		return Question{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return q, nil
}

func (m *Memory) List(context.Context) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Question, 0, len(m.items))
	for _, q := range m.items {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

type questionFile struct {
	Questions []Question `yaml:"questions"`
}

// LoadFile reads a YAML document with a top-level questions list.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions file %q: %w", path, err)
	}
	var doc questionFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse questions file %q: %w", path, err)
	}
	m := NewMemory()
	for i, q := range doc.Questions {
		if strings.TrimSpace(q.Slug) == "" {
			return nil, fmt.Errorf("questions file %q: entry %d has no slug", path, i)
		}
		m.Put(q)
	}
	return m, nil
}
