// Package textutil holds small text-processing helpers shared by the
// normalizer, cluster engine, and synthesis stage.
package textutil

import (
	"html"
	"regexp"
	"sort"
	"strings"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	sentencePattern   = regexp.MustCompile(`(?:[.!?])\s+`)
	entityPattern     = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)\b`)
)

// CleanText strips HTML tags, unescapes entities, and collapses whitespace.
func CleanText(htmlOrText string) string {
	text := tagPattern.ReplaceAllString(htmlOrText, " ")
	text = html.UnescapeString(text)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// WordCount returns the number of whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Truncate limits text to maxWords words, appending an ellipsis when cut.
func Truncate(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + "..."
}

// LeadSentences returns the first n sentences of text. Used as the
// extractive fallback when the token budget is exhausted.
func LeadSentences(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	locs := sentencePattern.FindAllStringIndex(text, -1)
	if len(locs) < n {
		return text
	}
	return text[:locs[n-1][0]+1]
}

// Entity is a proper-noun phrase surfaced from extracted text.
type Entity struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ExtractEntities finds capitalized multi-word phrases and returns up to
// limit entities ordered by occurrence count. The heuristic is deliberately
// simple; items only carry these for downstream display.
func ExtractEntities(text string, limit int) []Entity {
	if text == "" || limit <= 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var entities []Entity
	for _, match := range entityPattern.FindAllString(text, -1) {
		name := strings.TrimSpace(match)
		key := strings.ToLower(name)
		if len(name) <= 3 {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entities = append(entities, Entity{
			Name:  name,
			Type:  "ENTITY",
			Count: strings.Count(text, name),
		})
	}
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Count > entities[j].Count
	})
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities
}

// TruncateBytes trims s to at most n bytes without splitting words where
// possible. Used for bounded error-message columns.
func TruncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if idx := strings.LastIndexByte(cut, ' '); idx > n/2 {
		cut = cut[:idx]
	}
	return cut
}
