package research

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

type fakeSearcher struct {
	hits    []retrieve.Hit
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ retrieve.Mode, _ int) ([]retrieve.Hit, error) {
	f.queries = append(f.queries, query)
	return f.hits, nil
}

type slowSearcher struct{}

func (slowSearcher) Search(ctx context.Context, _ string, _ retrieve.Mode, _ int) ([]retrieve.Hit, error) {
	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.DeadlineExceeded, ctx.Err(), "search")
	case <-time.After(5 * time.Second):
		return nil, nil
	}
}

// scriptedGen answers by prompt shape so one fake serves every phase.
type scriptedGen struct {
	followups string
	calls     []string
}

func (g *scriptedGen) Generate(_ context.Context, messages []llm.Message) (string, error) {
	prompt := messages[len(messages)-1].Content
	g.calls = append(g.calls, prompt)
	switch {
	case strings.Contains(prompt, "Condense"):
		return "durable queue replication", nil
	case strings.Contains(prompt, "concepts"):
		return "NONE", nil
	case strings.Contains(prompt, "follow-up"):
		return g.followups, nil
	case strings.Contains(prompt, "sub-questions"):
		return "how do queues persist messages\nhow does replication handle failover", nil
	}
	return "synthesized answer", nil
}

func (g *scriptedGen) Name() string    { return "scripted" }
func (g *scriptedGen) Available() bool { return true }

type fakeWeb struct {
	results  []websearch.Result
	pages    map[string]*websearch.Page
	linked   map[string][]string
	searches int
	crawls   int
}

func (f *fakeWeb) Search(context.Context, string) ([]websearch.Result, error) {
	f.searches++
	return f.results, nil
}

func (f *fakeWeb) Fetch(_ context.Context, url string) (*websearch.Page, error) {
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return nil, apperr.E(apperr.NotFound, "no page for %s", url)
}

func (f *fakeWeb) Crawl(_ context.Context, startURL string) ([]websearch.Page, error) {
	f.crawls++
	page, ok := f.pages[startURL]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "no page for %s", startURL)
	}
	pages := []websearch.Page{*page}
	for _, link := range f.linked[startURL] {
		if linked, ok := f.pages[link]; ok {
			pages = append(pages, *linked)
		}
	}
	return pages, nil
}

func (f *fakeWeb) Available() bool { return true }

type fakeIngestor struct {
	ingested []string
}

func (f *fakeIngestor) IngestURL(_ context.Context, _ string, page *websearch.Page) (int, error) {
	f.ingested = append(f.ingested, page.URL)
	return 1, nil
}

type fakeExternal struct {
	docs     []metastore.ExternalDoc
	activity []string
}

func (f *fakeExternal) SearchExternalDocs(context.Context, string, []float32, int) ([]metastore.ExternalDoc, error) {
	return f.docs, nil
}

func (f *fakeExternal) RecordActivity(_ context.Context, kind string, _ map[string]interface{}) {
	f.activity = append(f.activity, kind)
}

type fakeSessions struct {
	stored map[string]json.RawMessage
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{stored: make(map[string]json.RawMessage)}
}

func (f *fakeSessions) GetResearchSession(_ context.Context, id string) (json.RawMessage, bool, error) {
	raw, ok := f.stored[id]
	return raw, ok, nil
}

func (f *fakeSessions) PutResearchSession(_ context.Context, id string, messages json.RawMessage) error {
	f.stored[id] = messages
	return nil
}

func researchConfig() config.ResearchConfig {
	return config.ResearchConfig{
		TotalBudget:          config.Duration(120 * time.Second),
		WebReserve:           config.Duration(5 * time.Second),
		MaxSubqueries:        4,
		MaxMessages:          40,
		FollowupRelevanceMin: 0.08,
	}
}

func scopedCtx() context.Context {
	return tenant.NewContext(context.Background(), &tenant.Info{UserID: 1, SpaceID: 2, Email: "u@example.com"})
}

func strongHits() []retrieve.Hit {
	hits := make([]retrieve.Hit, 8)
	for i := range hits {
		hits[i] = retrieve.Hit{
			DocumentID: int64(i%5 + 1),
			ChunkIndex: i,
			Title:      "Queues",
			SourcePath: "kb/queues.md",
			Content:    "Durable queues replicate messages across brokers.",
			Distance:   0.1,
		}
	}
	return hits
}

func newAgent(searcher Searcher, gen llm.Generator, web websearch.Provider, external *fakeExternal, sessions *fakeSessions) *Agent {
	return New(searcher, gen, web, &fakeIngestor{}, external, embeddings.NewFake(8, 4), sessions, nil, researchConfig(), nil)
}

func TestStartCreatesSession(t *testing.T) {
	external := &fakeExternal{}
	sessions := newFakeSessions()
	a := newAgent(&fakeSearcher{}, &scriptedGen{}, nil, external, sessions)

	id, err := a.Start(scopedCtx())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, sessions.stored, id)
	assert.Contains(t, external.activity, "deep_research.started")
}

func TestAskStrongLocalSkipsWeb(t *testing.T) {
	web := &fakeWeb{results: []websearch.Result{{Title: "W", URL: "https://w.example.com"}}}
	a := newAgent(&fakeSearcher{hits: strongHits()}, &scriptedGen{}, web, &fakeExternal{}, newFakeSessions())

	res, err := a.Ask(scopedCtx(), &AskRequest{ConversationID: "c1", Message: "how do queues work?"})
	require.NoError(t, err)

	assert.False(t, res.WebAttempted)
	assert.Equal(t, 0, web.searches)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.Equal(t, "synthesized answer", res.Answer)
	assert.Empty(t, res.Followups, "high confidence emits no follow-ups")
	require.NotEmpty(t, res.References)
	for _, ref := range res.References {
		assert.Equal(t, "local", ref.Source)
	}
}

func TestAskWeakCoverageConsultsWeb(t *testing.T) {
	weak := []retrieve.Hit{{DocumentID: 1, Content: "barely related", Distance: 0.9}}
	web := &fakeWeb{
		results: []websearch.Result{
			{Title: "Replication", URL: "https://w.example.com/rep", Snippet: "snippet"},
		},
		pages: map[string]*websearch.Page{
			"https://w.example.com/rep": {URL: "https://w.example.com/rep", Title: "Replication", Content: "full page text"},
		},
	}
	a := newAgent(&fakeSearcher{hits: weak}, &scriptedGen{}, web, &fakeExternal{}, newFakeSessions())

	res, err := a.Ask(scopedCtx(), &AskRequest{ConversationID: "c1", Message: "how do queues work?"})
	require.NoError(t, err)

	assert.True(t, res.WebAttempted)
	assert.Equal(t, 1, web.searches)
	var webRefs int
	for _, ref := range res.References {
		if ref.Source == "web" {
			webRefs++
			assert.Equal(t, "https://w.example.com/rep", ref.URL)
		}
	}
	assert.Equal(t, 1, webRefs)
}

func TestAskForceWeb(t *testing.T) {
	web := &fakeWeb{results: []websearch.Result{
		{Title: "W", URL: "https://w.example.com", Snippet: "context"},
	}}
	a := newAgent(&fakeSearcher{hits: strongHits()}, &scriptedGen{}, web, &fakeExternal{}, newFakeSessions())

	res, err := a.Ask(scopedCtx(), &AskRequest{ConversationID: "c1", Message: "q?", ForceWeb: true})
	require.NoError(t, err)
	assert.True(t, res.WebAttempted)
	assert.Equal(t, 1, web.searches)
}

func TestAskUserURLsAreIngested(t *testing.T) {
	web := &fakeWeb{pages: map[string]*websearch.Page{
		"https://u.example.com/doc": {URL: "https://u.example.com/doc", Title: "Doc", Content: "provided text"},
	}}
	ingestor := &fakeIngestor{}
	external := &fakeExternal{docs: []metastore.ExternalDoc{
		{URL: "https://u.example.com/doc", Title: "Doc", Content: "provided text", Distance: 0.2},
	}}
	a := New(&fakeSearcher{hits: strongHits()}, &scriptedGen{}, web, ingestor, external,
		embeddings.NewFake(8, 4), newFakeSessions(), nil, researchConfig(), nil)

	res, err := a.Ask(scopedCtx(), &AskRequest{
		ConversationID: "c1",
		Message:        "q?",
		URLs:           []string{"https://u.example.com/doc"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, web.crawls)
	assert.Equal(t, []string{"https://u.example.com/doc"}, ingestor.ingested)
	var urlRefs int
	for _, ref := range res.References {
		if ref.Source == "url" {
			urlRefs++
		}
	}
	assert.Equal(t, 1, urlRefs)
}

func TestAskUserURLCrawlIngestsLinkedPages(t *testing.T) {
	web := &fakeWeb{
		pages: map[string]*websearch.Page{
			"https://u.example.com/doc":  {URL: "https://u.example.com/doc", Title: "Doc", Content: "provided text"},
			"https://u.example.com/more": {URL: "https://u.example.com/more", Title: "More", Content: "linked text"},
		},
		linked: map[string][]string{
			"https://u.example.com/doc": {"https://u.example.com/more"},
		},
	}
	ingestor := &fakeIngestor{}
	a := New(&fakeSearcher{hits: strongHits()}, &scriptedGen{}, web, ingestor, &fakeExternal{},
		embeddings.NewFake(8, 4), newFakeSessions(), nil, researchConfig(), nil)

	_, err := a.Ask(scopedCtx(), &AskRequest{
		ConversationID: "c1",
		Message:        "q?",
		URLs:           []string{"https://u.example.com/doc"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://u.example.com/doc",
		"https://u.example.com/more",
	}, ingestor.ingested)
}

func TestAskBudgetNeverHangs(t *testing.T) {
	cfg := researchConfig()
	cfg.TotalBudget = config.Duration(200 * time.Millisecond)
	gen, err := llm.NewGenerator(config.LLMConfig{Provider: "none", MaxTokens: 1}, nil)
	require.NoError(t, err)
	a := New(slowSearcher{}, gen, nil, nil, &fakeExternal{}, embeddings.NewFake(8, 4),
		newFakeSessions(), nil, cfg, nil)

	start := time.Now()
	res, err := a.Ask(scopedCtx(), &AskRequest{ConversationID: "c1", Message: "stalling question"})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.LessOrEqual(t, res.Confidence, 0.3)
	assert.NotEmpty(t, res.Answer)
}

func TestAskExtractiveWithoutModel(t *testing.T) {
	gen, err := llm.NewGenerator(config.LLMConfig{Provider: "none", MaxTokens: 1}, nil)
	require.NoError(t, err)
	a := New(&fakeSearcher{hits: strongHits()}, gen, nil, nil, &fakeExternal{},
		embeddings.NewFake(8, 4), newFakeSessions(), nil, researchConfig(), nil)

	res, err := a.Ask(scopedCtx(), &AskRequest{ConversationID: "c1", Message: "q?"})
	require.NoError(t, err)
	assert.Contains(t, res.Answer, "Durable queues replicate")
	assert.NotEmpty(t, res.References)
}

func TestAskFollowupsFilteredByRelevance(t *testing.T) {
	weak := []retrieve.Hit{{DocumentID: 1, Content: "barely related", Distance: 0.9}}
	gen := &scriptedGen{followups: "how do durable queues replicate data\ntangerine souffle baking temperatures"}
	a := newAgent(&fakeSearcher{hits: weak}, gen, nil, &fakeExternal{}, newFakeSessions())

	res, err := a.Ask(scopedCtx(), &AskRequest{ConversationID: "c1", Message: "how do durable queues work?"})
	require.NoError(t, err)

	assert.Less(t, res.Confidence, followupThreshold)
	require.Len(t, res.Followups, 1)
	assert.Contains(t, res.Followups[0], "durable queues")
}

func TestAskPersistsConversation(t *testing.T) {
	sessions := newFakeSessions()
	a := newAgent(&fakeSearcher{hits: strongHits()}, &scriptedGen{}, nil, &fakeExternal{}, sessions)
	ctx := scopedCtx()

	_, err := a.Ask(ctx, &AskRequest{ConversationID: "c1", Message: "first?"})
	require.NoError(t, err)
	_, err = a.Ask(ctx, &AskRequest{ConversationID: "c1", Message: "second?"})
	require.NoError(t, err)

	var msgs []Message
	require.NoError(t, json.Unmarshal(sessions.stored["c1"], &msgs))
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "first?", msgs[0].Text)
	assert.Equal(t, "assistant", msgs[3].Role)
}

func TestAskValidations(t *testing.T) {
	a := newAgent(&fakeSearcher{}, &scriptedGen{}, nil, &fakeExternal{}, newFakeSessions())

	_, err := a.Ask(scopedCtx(), &AskRequest{Message: "q"})
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = a.Ask(scopedCtx(), &AskRequest{ConversationID: "c1"})
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = a.Ask(context.Background(), &AskRequest{ConversationID: "c1", Message: "q"})
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestSessionTrimAndTail(t *testing.T) {
	s := &session{ConversationID: "c"}
	for i := 0; i < 50; i++ {
		s.Messages = append(s.Messages, Message{Role: "user", Text: "message"})
	}
	s.trim(40)
	assert.Len(t, s.Messages, 40)

	tail := s.recentTail()
	assert.LessOrEqual(t, len(tail), recentTailBytes)
}

func TestPlanSplitsLongQuestions(t *testing.T) {
	a := newAgent(&fakeSearcher{}, &scriptedGen{}, nil, &fakeExternal{}, newFakeSessions())

	short := a.plan(context.Background(), "how do queues work?", "")
	assert.Equal(t, []string{"how do queues work?"}, short)

	long := a.plan(context.Background(),
		"compare the durability guarantees of replicated message queues with event-sourced logs under broker failure and network partitions",
		"")
	assert.GreaterOrEqual(t, len(long), 2)
	assert.LessOrEqual(t, len(long), 4)
}

func TestEvalCoverage(t *testing.T) {
	cov := evalCoverage(nil)
	assert.Equal(t, 0.0, cov.score)

	cov = evalCoverage(strongHits())
	assert.Equal(t, 8, cov.totalHits)
	assert.Equal(t, 5, cov.uniqueDocs)
	assert.InDelta(t, 0.1, cov.bestDistance, 1e-9)
	assert.Greater(t, cov.score, coverageStrong)
}
