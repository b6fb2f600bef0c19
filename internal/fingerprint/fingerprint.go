// Package fingerprint implements duplicate detection for produced content.
//
// Text candidates are normalized (lowercased, punctuation stripped,
// whitespace collapsed), hashed with SHA-256 and shingled into 3-gram
// token sets; a stored fingerprint within the kind's non-repeat window
// whose shingle Jaccard similarity reaches the threshold marks the
// candidate as a duplicate. Exact hash equality is always a duplicate.
// Asset kinds (background, music) match on exact hash only.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/store"
)

// ErrMalformedCandidate signals a candidate whose text normalizes to
// nothing. Callers treat the candidate as a duplicate (fail closed) and
// regenerate.
var ErrMalformedCandidate = errors.New("fingerprint: malformed candidate")

const shingleSize = 3

// Windows holds the per-kind non-repeat windows.
type Windows struct {
	Question   time.Duration
	Background time.Duration
	Music      time.Duration
}

// DefaultWindows mirrors the production no-repeat rules: 15 days for
// question text, 10 for background clips, 7 for music tracks.
func DefaultWindows() Windows {
	return Windows{
		Question:   15 * 24 * time.Hour,
		Background: 10 * 24 * time.Hour,
		Music:      7 * 24 * time.Hour,
	}
}

// For returns the window for a kind.
func (w Windows) For(kind store.FingerprintKind) time.Duration {
	switch kind {
	case store.KindQuestion:
		return w.Question
	case store.KindBackground:
		return w.Background
	default:
		return w.Music
	}
}

// Longest returns the largest configured window.
func (w Windows) Longest() time.Duration {
	longest := w.Question
	if w.Background > longest {
		longest = w.Background
	}
	if w.Music > longest {
		longest = w.Music
	}
	return longest
}

// Normalize produces the locale-invariant identity material for text.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Shingle returns the 3-gram token shingle set of normalized text. Texts
// shorter than the shingle size yield a single shingle of all tokens.
func Shingle(normalized string) []string {
	tokens := strings.Fields(normalized)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) < shingleSize {
		return []string{strings.Join(tokens, " ")}
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens)-shingleSize+1)
	for i := 0; i+shingleSize <= len(tokens); i++ {
		s := strings.Join(tokens[i:i+shingleSize], " ")
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Jaccard computes set similarity between two shingle sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	bseen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := bseen[s]; dup {
			continue
		}
		bseen[s] = struct{}{}
		if _, ok := set[s]; ok {
			inter++
		}
	}
	union := len(set) + len(bseen) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func hashHex(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// FromText builds a question-kind fingerprint for candidate text.
func FromText(text string, now time.Time) (store.Fingerprint, error) {
	norm := Normalize(text)
	if norm == "" {
		return store.Fingerprint{}, ErrMalformedCandidate
	}
	return store.Fingerprint{
		Kind:      store.KindQuestion,
		Hash:      hashHex(norm),
		Shingles:  Shingle(norm),
		CreatedAt: now,
	}, nil
}

// FromAsset builds an asset-kind fingerprint from the asset's stable id.
func FromAsset(kind store.FingerprintKind, assetID string, now time.Time) (store.Fingerprint, error) {
	id := strings.TrimSpace(strings.ToLower(assetID))
	if id == "" {
		return store.Fingerprint{}, ErrMalformedCandidate
	}
	return store.Fingerprint{
		Kind:      kind,
		Hash:      hashHex(id),
		CreatedAt: now,
	}, nil
}

// Store answers duplicate queries and records accepted fingerprints.
type Store struct {
	repo      store.FingerprintRepo
	windows   Windows
	threshold float64
	log       zerolog.Logger
}

// NewStore wires a duplicate checker over a fingerprint repository.
// threshold is the text similarity at or above which two fingerprints
// are considered the same content (default 0.85 when <= 0).
func NewStore(repo store.FingerprintRepo, windows Windows, threshold float64, log zerolog.Logger) *Store {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Store{repo: repo, windows: windows, threshold: threshold, log: log}
}

// IsDuplicate reports whether candidate matches any stored fingerprint of
// the same kind within the kind's window. A malformed candidate fails
// closed: it reports duplicate together with ErrMalformedCandidate.
func (s *Store) IsDuplicate(ctx context.Context, candidate store.Fingerprint, now time.Time) (bool, error) {
	if candidate.Hash == "" {
		return true, ErrMalformedCandidate
	}
	since := now.Add(-s.windows.For(candidate.Kind))
	stored, err := s.repo.ListSince(ctx, candidate.Kind, since)
	if err != nil {
		return true, fmt.Errorf("list fingerprints: %w", err)
	}
	for _, fp := range stored {
		if fp.Hash == candidate.Hash {
			return true, nil
		}
		if candidate.Kind != store.KindQuestion {
			continue
		}
		sim := Jaccard(candidate.Shingles, fp.Shingles)
		if sim >= s.threshold {
			s.log.Debug().
				Float64("similarity", sim).
				Str("hash", fp.Hash[:12]).
				Msg("near-duplicate text rejected")
			return true, nil
		}
	}
	return false, nil
}

// Record persists a fingerprint. Only called after the full content
// package succeeded, so failed drafts never poison the store.
func (s *Store) Record(ctx context.Context, fp store.Fingerprint) error {
	if err := s.repo.Insert(ctx, fp); err != nil {
		return fmt.Errorf("record fingerprint: %w", err)
	}
	return nil
}

// Prune removes fingerprints older than twice the longest window.
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-2 * s.windows.Longest())
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune fingerprints: %w", err)
	}
	if n > 0 {
		s.log.Info().Int("removed", n).Time("cutoff", cutoff).Msg("fingerprints pruned")
	}
	return n, nil
}
