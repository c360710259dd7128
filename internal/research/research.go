// Package research implements the deep research agent: a stateful,
// budgeted loop that plans sub-questions, retrieves local evidence, judges
// coverage, optionally reaches for the public web, and synthesizes a cited
// answer with a confidence estimate. Every phase checks the remaining
// wall-clock budget and a run always returns the best partial result
// instead of hanging.
package research

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

// Tuning shared by every run.
const (
	topKLocal        = 8
	topKWeb          = 6
	topKURL          = 6
	webFetchPages    = 2
	maxUserURLs      = 3
	missingLoops     = 1
	missingRetrieveK = 3

	// Coverage below this is weak and triggers rewrite/web phases.
	coverageStrong = 0.55
	// Follow-ups are emitted below this confidence.
	followupThreshold = 0.4
	confidenceFloor   = 0.1
	confidenceCeil    = 0.98
)

// Reference points at one piece of evidence behind an answer.
type Reference struct {
	Source     string `json:"source"` // local, url or web
	Title      string `json:"title,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
	URL        string `json:"url,omitempty"`
	DocumentID int64  `json:"document_id,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
}

// AskRequest is one conversation turn.
type AskRequest struct {
	ConversationID string
	Message        string
	ForceWeb       bool
	URLs           []string
}

// AskResult is the agent's response for one turn.
type AskResult struct {
	Answer       string      `json:"answer"`
	Confidence   float64     `json:"confidence"`
	WebAttempted bool        `json:"web_attempted"`
	Elapsed      float64     `json:"elapsed_seconds"`
	References   []Reference `json:"references"`
	Followups    []string    `json:"followup_questions"`
}

// Searcher is the local retrieval surface.
type Searcher interface {
	Search(ctx context.Context, query string, mode retrieve.Mode, k int) ([]retrieve.Hit, error)
}

// URLIngestor stores user-supplied pages as conversation-scoped evidence.
type URLIngestor interface {
	IngestURL(ctx context.Context, conversationID string, page *websearch.Page) (int, error)
}

// ExternalStore searches previously ingested URL evidence.
type ExternalStore interface {
	SearchExternalDocs(ctx context.Context, conversationID string, queryVec []float32, k int) ([]metastore.ExternalDoc, error)
	RecordActivity(ctx context.Context, kind string, detail map[string]interface{})
}

// QueryEmbedder embeds queries for external-doc search.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Agent runs deep research conversations.
type Agent struct {
	retriever Searcher
	gen       llm.Generator
	web       websearch.Provider
	ingestor  URLIngestor
	external  ExternalStore
	embed     QueryEmbedder
	sessions  SessionStore
	sessCache SessionCache
	cfg       config.ResearchConfig
	log       *logging.Logger
	tracer    trace.Tracer
}

// New creates an agent. sessCache may be nil; web and ingestor may be nil
// when the web side is disabled.
func New(
	retriever Searcher,
	gen llm.Generator,
	web websearch.Provider,
	ingestor URLIngestor,
	external ExternalStore,
	embed QueryEmbedder,
	sessions SessionStore,
	sessCache SessionCache,
	cfg config.ResearchConfig,
	log *logging.Logger,
) *Agent {
	if log == nil {
		log = logging.NewNop()
	}
	return &Agent{
		retriever: retriever,
		gen:       gen,
		web:       web,
		ingestor:  ingestor,
		external:  external,
		embed:     embed,
		sessions:  sessions,
		sessCache: sessCache,
		cfg:       cfg,
		log:       log.Named("research"),
		tracer:    otel.Tracer("researchd/research"),
	}
}

// Start opens a new conversation and returns its id.
func (a *Agent) Start(ctx context.Context) (string, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return "", err
	}
	conversationID := uuid.NewString()
	if err := a.saveSession(ctx, &session{ConversationID: conversationID}); err != nil {
		return "", err
	}
	a.external.RecordActivity(ctx, "deep_research.started", map[string]interface{}{
		"conversation_id": conversationID,
	})
	return conversationID, nil
}

// Ask runs one agentic turn under the configured wall-clock budget.
func (a *Agent) Ask(ctx context.Context, req *AskRequest) (*AskResult, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, apperr.E(apperr.Validation, "conversation_id required")
	}
	if req.Message == "" {
		return nil, apperr.E(apperr.Validation, "message cannot be empty")
	}

	sess, err := a.loadSession(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.TotalBudget.Duration())
	defer cancel()

	runCtx, span := a.tracer.Start(runCtx, "research.ask", trace.WithAttributes(
		attribute.String("conversation_id", req.ConversationID),
		attribute.Bool("force_web", req.ForceWeb),
	))
	defer span.End()

	result := a.run(runCtx, req, sess)
	result.Elapsed = time.Since(start).Seconds()
	recordAsk(result.WebAttempted, time.Since(start))

	// Persist on the parent context: the budget may be spent but the turn
	// still has to be recorded.
	sess.Messages = append(sess.Messages,
		Message{Role: "user", Text: req.Message, CreatedAt: start},
		Message{
			Role:         "assistant",
			Text:         result.Answer,
			References:   result.References,
			Confidence:   result.Confidence,
			Elapsed:      result.Elapsed,
			WebAttempted: result.WebAttempted,
			Followups:    result.Followups,
			CreatedAt:    time.Now(),
		})
	if err := a.saveSession(ctx, sess); err != nil {
		a.log.Warn(ctx, "session persist failed",
			zap.String("conversation_id", req.ConversationID), zap.Error(err))
	}
	a.external.RecordActivity(ctx, "deep_research.asked", map[string]interface{}{
		"conversation_id": req.ConversationID,
		"confidence":      result.Confidence,
		"web_attempted":   result.WebAttempted,
	})

	a.log.Info(ctx, "research turn complete",
		zap.String("conversation_id", req.ConversationID),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("web_attempted", result.WebAttempted),
		zap.Float64("elapsed_seconds", result.Elapsed))
	return result, nil
}
