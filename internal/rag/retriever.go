// Package rag scores and selects knowledge documents for a query. The
// corpus rides in the settings snapshot, so retrieval is a pure in-memory
// pass: no index, no network.
package rag

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// Scoring weights. A token hit in the title outranks the same hit in
// keywords, which outranks content occurrences; content hits saturate at
// three per token so long documents cannot drown the rest.
const (
	weightTitle   = 3
	weightKeyword = 2
	weightContent = 1
	weightPhrase  = 2

	maxContentHits = 3
	minTokenLen    = 3

	// charsPerToken converts the token budget to a character budget.
	charsPerToken = 4
)

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// DocRef identifies a selected document in API responses.
type DocRef struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Category string    `json:"category,omitempty"`
}

// Result is the retrieval output for one query.
type Result struct {
	Docs         []DocRef
	ContextBlock string
}

// ScoredDoc pairs a document with its relevance score, for the admin
// search endpoint.
type ScoredDoc struct {
	Doc   store.KnowledgeDoc
	Score int
}

// Tokenize lowercases text and returns alphanumeric runs of at least three
// characters.
func Tokenize(text string) []string {
	raw := tokenRe.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, tok := range raw {
		if len(tok) >= minTokenLen {
			out = append(out, tok)
		}
	}
	return out
}

// Rank scores every document against the query and returns those with a
// positive score, ordered by score descending with updatedAt then ID as
// tiebreaks.
func Rank(query string, docs []store.KnowledgeDoc) []ScoredDoc {
	qTokens := Tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}
	qTrigrams := trigrams(qTokens)

	var out []ScoredDoc
	for _, doc := range docs {
		if s := scoreDoc(qTokens, qTrigrams, doc); s > 0 {
			out = append(out, ScoredDoc{Doc: doc, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Doc.UpdatedAt.Equal(out[j].Doc.UpdatedAt) {
			return out[i].Doc.UpdatedAt.After(out[j].Doc.UpdatedAt)
		}
		return out[i].Doc.ID.String() < out[j].Doc.ID.String()
	})
	return out
}

// Retrieve selects at most k documents for the query and concatenates them
// into a context block within the token budget. Documents that do not fit
// whole are skipped; partial documents are never emitted.
func Retrieve(ctx context.Context, query string, docs []store.KnowledgeDoc, k, tokenBudget int) Result {
	if k <= 0 {
		k = 5
	}
	if tokenBudget <= 0 {
		tokenBudget = 1500
	}
	charBudget := tokenBudget * charsPerToken

	ranked := Rank(query, docs)
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	var res Result
	var b strings.Builder
	for _, sd := range ranked {
		if ctx.Err() != nil {
			break
		}
		segment := "## " + sd.Doc.Title + "\n" + sd.Doc.Content
		need := len(segment)
		if b.Len() > 0 {
			need += len("\n\n")
		}
		if b.Len()+need > charBudget {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(segment)
		res.Docs = append(res.Docs, DocRef{ID: sd.Doc.ID, Title: sd.Doc.Title, Category: sd.Doc.Category})
	}
	res.ContextBlock = b.String()
	return res
}

func scoreDoc(qTokens []string, qTrigrams []string, doc store.KnowledgeDoc) int {
	titleSet := tokenSet(Tokenize(doc.Title))

	keywordSet := make(map[string]struct{})
	for _, kw := range doc.Keywords {
		for _, tok := range Tokenize(kw) {
			keywordSet[tok] = struct{}{}
		}
	}

	contentTokens := Tokenize(doc.Content)
	contentCount := make(map[string]int, len(contentTokens))
	for _, tok := range contentTokens {
		contentCount[tok]++
	}

	score := 0
	for _, tok := range qTokens {
		if _, ok := titleSet[tok]; ok {
			score += weightTitle
		}
		if _, ok := keywordSet[tok]; ok {
			score += weightKeyword
		}
		if n := contentCount[tok]; n > 0 {
			if n > maxContentHits {
				n = maxContentHits
			}
			score += weightContent * n
		}
	}

	if len(qTrigrams) > 0 {
		contentTrigrams := tokenSet(trigrams(contentTokens))
		for _, tri := range qTrigrams {
			if _, ok := contentTrigrams[tri]; ok {
				score += weightPhrase
				break
			}
		}
	}
	return score
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func trigrams(tokens []string) []string {
	if len(tokens) < 3 {
		return nil
	}
	out := make([]string, 0, len(tokens)-2)
	for i := 0; i+2 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1]+" "+tokens[i+2])
	}
	return out
}
