package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
)

// QuestionBank serves drafts from a curated local JSON file. It is the
// terminal content fallback: no network, no quota, always available as
// long as the bank has unused entries for the category.
type QuestionBank struct {
	mu      sync.Mutex
	entries []ContentDraft
	rng     *rand.Rand
}

// LoadQuestionBank reads a JSON array of drafts from path.
func LoadQuestionBank(path string, seed int64) (*QuestionBank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	var entries []ContentDraft
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode question bank: %w", err)
	}
	return NewQuestionBank(entries, seed), nil
}

// NewQuestionBank builds a bank over in-memory entries.
func NewQuestionBank(entries []ContentDraft, seed int64) *QuestionBank {
	return &QuestionBank{
		entries: entries,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Name implements the provider contract.
func (b *QuestionBank) Name() string { return "question_bank" }

// Call picks a random bank entry matching the category that is not in
// the avoid list. Template and voice are advisory for bank content.
func (b *QuestionBank) Call(_ context.Context, req ContentRequest) (ContentDraft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	avoid := make(map[string]struct{}, len(req.Avoid))
	for _, q := range req.Avoid {
		avoid[strings.ToLower(strings.TrimSpace(q))] = struct{}{}
	}

	var pool []ContentDraft
	for _, e := range b.entries {
		if req.Category != "" && !strings.EqualFold(categoryOf(e), req.Category) {
			continue
		}
		if _, skip := avoid[strings.ToLower(strings.TrimSpace(e.Question))]; skip {
			continue
		}
		pool = append(pool, e)
	}
	if len(pool) == 0 {
		return ContentDraft{}, fmt.Errorf("question bank has no unused entries for category %q", req.Category)
	}
	return pool[b.rng.Intn(len(pool))], nil
}

// categoryOf derives the bank entry's category from its first tag.
func categoryOf(d ContentDraft) string {
	if len(d.Tags) > 0 {
		return d.Tags[0]
	}
	return ""
}
