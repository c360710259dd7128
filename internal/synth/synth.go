// Package synth turns retrieved evidence into a grounded answer. With a
// generator configured it prompts the model against numbered evidence
// blocks; without one it degrades to an extractive summary so search stays
// useful with no model at all.
package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

const systemPrompt = `You are a research assistant answering strictly from the provided evidence.
Rules:
- Use only the numbered evidence blocks. Never invent facts.
- Cite evidence inline as [1], [2] matching the block numbers.
- If the evidence does not answer the question, say so plainly.
- Be concise and structured.`

// snippetLimit caps extractive fallback snippets.
const snippetLimit = 400

// Reference identifies one evidence chunk behind an answer.
type Reference struct {
	Number     int    `json:"number"`
	DocumentID int64  `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Title      string `json:"title"`
	SourcePath string `json:"source_path"`
}

// Answer is a synthesized response with its supporting references.
type Answer struct {
	Text       string      `json:"text"`
	References []Reference `json:"references"`
	Provider   string      `json:"provider"`
	Extractive bool        `json:"extractive,omitempty"`
}

// AnswerCache is the slice of the cache synthesis uses.
type AnswerCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) bool
	SetJSON(ctx context.Context, key string, val interface{}, ttl time.Duration)
	SynthesisKey(ctx context.Context, provider, mode string, k int, fingerprint ...string) (string, error)
	SynthesisTTL() time.Duration
}

// Synthesizer generates grounded answers from retrieval hits.
type Synthesizer struct {
	gen   llm.Generator
	cache AnswerCache
	log   *logging.Logger
}

// New creates a synthesizer. cache may be nil.
func New(gen llm.Generator, cache AnswerCache, log *logging.Logger) *Synthesizer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Synthesizer{gen: gen, cache: cache, log: log.Named("synth")}
}

// Synthesize answers query from hits. mode and k only vary the cache key,
// mirroring the retrieval that produced the hits.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, mode string, k int, hits []retrieve.Hit) (*Answer, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperr.E(apperr.Validation, "query cannot be empty")
	}

	evidence := Dedupe(hits)
	if len(evidence) == 0 {
		return &Answer{
			Text:     "No matching content was found in your documents.",
			Provider: s.gen.Name(),
		}, nil
	}

	key := s.cacheKey(ctx, query, mode, k, evidence)
	if key != "" {
		var cached Answer
		if s.cache.GetJSON(ctx, key, &cached) {
			return &cached, nil
		}
	}

	answer, err := s.generate(ctx, query, evidence)
	if err != nil {
		return nil, err
	}
	if key != "" && !answer.Extractive {
		s.cache.SetJSON(ctx, key, answer, s.cache.SynthesisTTL())
	}
	return answer, nil
}

func (s *Synthesizer) generate(ctx context.Context, query string, evidence []retrieve.Hit) (*Answer, error) {
	refs := references(evidence)

	if !s.gen.Available() {
		return &Answer{
			Text:       extractive(evidence),
			References: refs,
			Provider:   s.gen.Name(),
			Extractive: true,
		}, nil
	}

	start := time.Now()
	text, err := s.gen.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: buildPrompt(query, evidence)},
	})
	if err != nil {
		// A flaky model must not break search. Serve the evidence raw.
		if apperr.Is(err, apperr.Transient) || apperr.Is(err, apperr.DeadlineExceeded) {
			s.log.Warn(ctx, "generation failed, serving extractive answer", zap.Error(err))
			return &Answer{
				Text:       extractive(evidence),
				References: refs,
				Provider:   s.gen.Name(),
				Extractive: true,
			}, nil
		}
		return nil, err
	}

	s.log.Debug(ctx, "answer synthesized",
		zap.Int("evidence", len(evidence)),
		zap.Duration("elapsed", time.Since(start)))
	return &Answer{Text: text, References: refs, Provider: s.gen.Name()}, nil
}

// Dedupe drops repeated (document, chunk) pairs, keeping first appearance
// so the best-ranked copy survives.
func Dedupe(hits []retrieve.Hit) []retrieve.Hit {
	type key struct {
		doc int64
		idx int
	}
	seen := make(map[key]struct{}, len(hits))
	out := hits[:0:0]
	for _, h := range hits {
		id := key{doc: h.DocumentID, idx: h.ChunkIndex}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, h)
	}
	return out
}

// buildPrompt renders numbered evidence blocks followed by the question.
func buildPrompt(query string, evidence []retrieve.Hit) string {
	var b strings.Builder
	b.WriteString("Evidence:\n\n")
	for i, h := range evidence {
		title := h.Title
		if title == "" {
			title = h.SourcePath
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, title, strings.TrimSpace(h.Content))
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

func references(evidence []retrieve.Hit) []Reference {
	refs := make([]Reference, len(evidence))
	for i, h := range evidence {
		refs[i] = Reference{
			Number:     i + 1,
			DocumentID: h.DocumentID,
			ChunkIndex: h.ChunkIndex,
			Title:      h.Title,
			SourcePath: h.SourcePath,
		}
	}
	return refs
}

// extractive concatenates the top snippets verbatim with their citation
// numbers.
func extractive(evidence []retrieve.Hit) string {
	var b strings.Builder
	b.WriteString("Most relevant passages from your documents:\n")
	for i, h := range evidence {
		snippet := strings.TrimSpace(h.Content)
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit] + "..."
		}
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, snippet)
	}
	return b.String()
}

// cacheKey fingerprints the query plus the exact evidence identity, so any
// change in retrieval output misses.
func (s *Synthesizer) cacheKey(ctx context.Context, query, mode string, k int, evidence []retrieve.Hit) string {
	if s.cache == nil {
		return ""
	}
	fingerprint := make([]string, 0, len(evidence)+1)
	fingerprint = append(fingerprint, strings.ToLower(strings.TrimSpace(query)))
	for _, h := range evidence {
		fingerprint = append(fingerprint, fmt.Sprintf("%d:%d", h.DocumentID, h.ChunkIndex))
	}
	key, err := s.cache.SynthesisKey(ctx, s.gen.Name(), mode, k, fingerprint...)
	if err != nil {
		return ""
	}
	return key
}
