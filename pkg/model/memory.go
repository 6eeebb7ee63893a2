package model

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

func (x MemoryID) String() string { return string(x) }

// Memory is a single piece of textual memory owned by a (tenant, project) pair.
// Embedding is always derived from Content and is never set by callers.
type Memory struct {
	ID        MemoryID       `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ProjectID string         `json:"project_id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the record. Metadata values are copied shallowly.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	c.Embedding = slices.Clone(m.Embedding)
	c.Tags = slices.Clone(m.Tags)
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasTags reports whether the record carries every tag in tags.
func (m *Memory) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(m.Tags, t) {
			return false
		}
	}
	return true
}

// NormalizeTags trims, deduplicates and sorts tags. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// ScoredMemory is a search hit with its fused relevance score.
type ScoredMemory struct {
	Memory      *Memory `json:"memory"`
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vector_score"`
	TextScore   float64 `json:"text_score"`
}
