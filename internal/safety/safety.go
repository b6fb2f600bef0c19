// Package safety screens drafts before production and sanitizes the
// metadata that reaches the platform. It is a conservative gate: a
// rejected draft is regenerated, never published with edits.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shortpilot/shortpilot/internal/provider"
)

// Limits the platform enforces on upload metadata.
const (
	MaxTitleLen       = 100
	MaxDescriptionLen = 5000
	MaxTags           = 15
	MaxTagLen         = 30
)

// defaultBannedPatterns are checked case-insensitively against the
// question, title and description. Kept deliberately narrow: the gate
// catches policy-risky content classes, not editorial taste.
var defaultBannedPatterns = []string{
	`\b(suicide|self[- ]harm)\b`,
	`\b(gambl(e|ing)|casino|betting)\b`,
	`\b(crypto(currency)?|bitcoin|forex)\s+(tips?|signals?|invest)`,
	`\bmedical\s+(advice|diagnosis)\b`,
	`\b(shock(ing)?|graphic)\s+(footage|content|video)\b`,
	`\bgiveaway\b.*\b(subscribe|follow)\b`,
	`(?i)free\s+(robux|v-?bucks|gift\s*cards?)`,
}

// Filter screens drafts against banned patterns.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles the default patterns plus any extras from config.
func NewFilter(extra []string) (*Filter, error) {
	all := append(append([]string{}, defaultBannedPatterns...), extra...)
	compiled := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("bad banned pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Filter{patterns: compiled}, nil
}

// Check returns an error naming the first banned pattern a draft hits.
func (f *Filter) Check(draft provider.ContentDraft) error {
	fields := []struct {
		name string
		text string
	}{
		{"question", draft.Question},
		{"title", draft.Title},
		{"description", draft.Description},
		{"explanation", draft.Explanation},
	}
	for _, field := range fields {
		for _, re := range f.patterns {
			if re.MatchString(field.text) {
				return fmt.Errorf("safety: %s matches banned pattern %q", field.name, re.String())
			}
		}
	}
	return nil
}

// SanitizeTitle strips control characters and truncates at a word
// boundary under the platform limit.
func SanitizeTitle(title string) string {
	return truncateWords(stripControl(title), MaxTitleLen)
}

// SanitizeDescription strips control characters (keeping newlines) and
// enforces the description limit.
func SanitizeDescription(desc string) string {
	var b strings.Builder
	for _, r := range desc {
		if r == '\n' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > MaxDescriptionLen {
		out = out[:MaxDescriptionLen]
	}
	return out
}

// SanitizeTags lowercases, strips '#' prefixes, drops empties and
// over-long tags, dedupes and caps the count.
func SanitizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(t, "#")))
		if t == "" || len(t) > MaxTagLen {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

func stripControl(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// truncateWords cuts at the last space that fits, falling back to a
// hard cut for a single over-long word.
func truncateWords(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut <= 0 {
		cut = max
	}
	return strings.TrimSpace(s[:cut])
}
