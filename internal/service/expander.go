package service

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"reasonengine/internal/model"
)

// Suggestion is the Corpus Expander's output: a candidate not-yet-indexed
// page to offer the user.
type Suggestion struct {
	URL            string
	Title          string
	Snippet        string
	SourceID       string
	FromPageID     string
	FromPageTitle  string
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true,
	"to": true, "for": true, "and": true, "or": true, "is": true, "are": true,
	"was": true, "were": true, "what": true, "who": true, "when": true,
	"where": true, "how": true, "did": true, "does": true, "do": true,
}

// CorpusExpander ranks non-indexed discovered links and suggests one to the
// user in place of further retrieval.
type CorpusExpander struct {
	retrieval *RetrievalService
}

// NewCorpusExpander creates a CorpusExpander.
func NewCorpusExpander(retrieval *RetrievalService) *CorpusExpander {
	return &CorpusExpander{retrieval: retrieval}
}

// RankedCandidates embeds the union of the user message and up to three
// recent subqueries, queries the discovered-link store per query, and
// re-ranks by term-match preference. Also used to offer the
// Extractor/Decider a candidate-pages block in dynamic-source mode.
func (e *CorpusExpander) RankedCandidates(ctx context.Context, sourceIDs []string, userMessage string, recentQueries []string) ([]model.DiscoveredLink, error) {
	queries := []string{userMessage}
	if len(recentQueries) > 3 {
		recentQueries = recentQueries[len(recentQueries)-3:]
	}
	queries = append(queries, recentQueries...)

	links, err := e.retrieval.RetrieveLinks(ctx, queries, sourceIDs, 12)
	if err != nil {
		return nil, fmt.Errorf("service.RankedCandidates: %w", err)
	}
	if len(links) == 0 {
		return nil, nil
	}
	return rankLinksByTermMatch(links, userMessage), nil
}

// ToSuggestion builds the Suggestion returned to the caller for the
// candidate at suggestedIndex.
func ToSuggestion(ranked []model.DiscoveredLink, pageTitleByID map[string]string, suggestedIndex int) *Suggestion {
	if len(ranked) == 0 {
		return nil
	}
	idx := suggestedIndex
	if idx < 1 || idx > len(ranked) {
		idx = 1
	}
	chosen := ranked[idx-1]

	title := chosen.AnchorText
	if strings.TrimSpace(title) == "" {
		title = deriveTitleFromURL(chosen.ToURL)
	}

	return &Suggestion{
		URL:           chosen.ToURL,
		Title:         title,
		Snippet:       chosen.Snippet,
		SourceID:      chosen.SourceID,
		FromPageID:    chosen.FromPageID,
		FromPageTitle: pageTitleByID[chosen.FromPageID],
	}
}

// Expand ranks and picks in one call. The controller uses it both when the
// decider chooses expand_corpus and when a dynamic-mode hard stop attaches a
// suggestion.
func (e *CorpusExpander) Expand(ctx context.Context, sourceIDs []string, userMessage string, recentQueries []string, pageTitleByID map[string]string, suggestedIndex int) (*Suggestion, error) {
	ranked, err := e.RankedCandidates(ctx, sourceIDs, userMessage, recentQueries)
	if err != nil {
		return nil, err
	}
	return ToSuggestion(ranked, pageTitleByID, suggestedIndex), nil
}

// rankLinksByTermMatch partitions links into "matches a question token" and
// "doesn't", preserving ascending-distance order within each partition, and
// puts the matching partition first.
func rankLinksByTermMatch(links []model.DiscoveredLink, userMessage string) []model.DiscoveredLink {
	tokens := tokenize(userMessage)

	sorted := make([]model.DiscoveredLink, len(links))
	copy(sorted, links)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Distance < sorted[j].Distance })

	var matched, unmatched []model.DiscoveredLink
	for _, l := range sorted {
		haystack := strings.ToLower(l.ToURL + " " + l.AnchorText + " " + deriveTitleFromURL(l.ToURL))
		if containsAnyToken(haystack, tokens) {
			matched = append(matched, l)
		} else {
			unmatched = append(unmatched, l)
		}
	}
	return append(matched, unmatched...)
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func containsAnyToken(haystack string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

// deriveTitleFromURL uses the last non-empty path segment, URL-decoded with
// underscores turned to spaces. If every segment is empty, the URL is
// returned verbatim.
func deriveTitleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" {
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			decoded = seg
		}
		decoded = strings.TrimSuffix(decoded, path.Ext(decoded))
		return strings.ReplaceAll(decoded, "_", " ")
	}
	return rawURL
}
