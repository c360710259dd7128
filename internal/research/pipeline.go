package research

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
)

// shortQuestionLimit is the length under which a question is not split into
// sub-questions.
const shortQuestionLimit = 80

// evidence is one context block collected during a run.
type evidence struct {
	Group      string // local, url, web, missing
	Title      string
	Path       string
	Content    string
	Distance   float64
	DocumentID int64
	ChunkIndex int
}

type coverage struct {
	totalHits    int
	uniqueDocs   int
	bestDistance float64
	score        float64
}

// run executes one PLAN -> RETRIEVE -> COVERAGE -> (REWRITE, WEB, MISSING)
// -> SYNTHESIS pass. It never returns an error: whatever evidence exists
// when the budget runs out becomes the answer.
func (a *Agent) run(ctx context.Context, req *AskRequest, sess *session) *AskResult {
	tail := sess.recentTail()

	a.ingestUserURLs(ctx, req)

	subqueries := a.plan(ctx, req.Message, tail)
	local := a.localRetrieve(ctx, subqueries)
	cov := evalCoverage(local)

	rewritten := req.Message
	if cov.score < coverageStrong && a.remaining(ctx) > 0 {
		rewritten = a.rewrite(ctx, req.Message)
		if rewritten != req.Message {
			local = mergeHits(local, a.localRetrieve(ctx, []string{rewritten}))
			cov = evalCoverage(local)
		}
	}

	ev := localEvidence(local)
	ev = append(ev, a.urlEvidence(ctx, req)...)

	webAttempted := false
	webEvidence := 0
	weak := cov.score < coverageStrong
	if (req.ForceWeb || weak) && a.webAvailable() {
		if req.ForceWeb || a.remaining(ctx) > a.cfg.WebReserve.Duration() {
			webAttempted = true
			webEv := a.webSearch(ctx, rewritten)
			webEvidence = len(webEv)
			ev = append(ev, webEv...)
		}
	}

	if a.gen.Available() && a.remaining(ctx) > a.cfg.WebReserve.Duration() {
		ev = append(ev, a.missingConcepts(ctx, req.Message, ev)...)
	}

	answer, usedLLM := a.synthesize(ctx, req.Message, ev)
	conf := a.confidence(cov, webAttempted && webEvidence > 0, len(ev), usedLLM)

	result := &AskResult{
		Answer:       answer,
		Confidence:   conf,
		WebAttempted: webAttempted,
		References:   referencesFrom(ev),
	}
	if conf < followupThreshold {
		result.Followups = a.followups(ctx, req.Message, tail)
	}
	return result
}

// remaining reports budget left in the run context.
func (a *Agent) remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return a.cfg.TotalBudget.Duration()
	}
	return time.Until(deadline)
}

func (a *Agent) webAvailable() bool {
	return a.web != nil && a.web.Available()
}

// plan produces focused sub-questions. Short questions pass through whole;
// planner failure degrades to the raw message.
func (a *Agent) plan(ctx context.Context, message, tail string) []string {
	if len(message) < shortQuestionLimit {
		return []string{message}
	}
	max := a.cfg.MaxSubqueries
	if max < 2 {
		max = 2
	}

	if a.gen.Available() && ctx.Err() == nil {
		prompt := fmt.Sprintf(
			"Break this research question into 2 to %d focused search sub-questions, one per line, no numbering.\n\nQuestion: %s",
			max, message)
		if tail != "" {
			prompt += "\n\nRecent conversation:\n" + tail
		}
		out, err := a.gen.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
		if err == nil {
			if subs := parseLines(out, max); len(subs) >= 2 {
				return subs
			}
		} else {
			a.log.Warn(ctx, "planner failed, using raw question", zap.Error(err))
		}
	}

	if subs := splitSentences(message, max); len(subs) >= 2 {
		return subs
	}
	return []string{message}
}

// localRetrieve runs hybrid retrieval per sub-question and dedupes across
// them, keeping per-question rank order.
func (a *Agent) localRetrieve(ctx context.Context, subqueries []string) []retrieve.Hit {
	var all []retrieve.Hit
	for _, q := range subqueries {
		if ctx.Err() != nil {
			break
		}
		hits, err := a.retriever.Search(ctx, q, retrieve.ModeHybrid, topKLocal)
		if err != nil {
			a.log.Warn(ctx, "local retrieval failed", zap.String("subquery", q), zap.Error(err))
			continue
		}
		all = mergeHits(all, hits)
	}
	return all
}

func mergeHits(base, extra []retrieve.Hit) []retrieve.Hit {
	type key struct {
		doc int64
		idx int
	}
	seen := make(map[key]struct{}, len(base))
	for _, h := range base {
		seen[key{h.DocumentID, h.ChunkIndex}] = struct{}{}
	}
	for _, h := range extra {
		id := key{h.DocumentID, h.ChunkIndex}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		base = append(base, h)
	}
	return base
}

// evalCoverage scores the evidence pool: hit volume, document diversity and
// best match quality, each saturating.
func evalCoverage(hits []retrieve.Hit) coverage {
	cov := coverage{totalHits: len(hits), bestDistance: 1}
	docs := make(map[int64]struct{})
	for _, h := range hits {
		docs[h.DocumentID] = struct{}{}
		if h.Distance < cov.bestDistance {
			cov.bestDistance = h.Distance
		}
	}
	cov.uniqueDocs = len(docs)

	hitPart := minFloat(float64(cov.totalHits)/8, 1)
	docPart := minFloat(float64(cov.uniqueDocs)/5, 1)
	quality := clamp01(1 - cov.bestDistance)
	if cov.totalHits == 0 {
		quality = 0
	}
	cov.score = 0.35*hitPart + 0.35*docPart + 0.3*quality
	return cov
}

// rewrite condenses the question into a compact search phrase. Used at most
// once per run.
func (a *Agent) rewrite(ctx context.Context, message string) string {
	if !a.gen.Available() || ctx.Err() != nil {
		return message
	}
	out, err := a.gen.Generate(ctx, []llm.Message{{
		Role: llm.RoleUser,
		Content: "Condense this question into one short keyword search phrase. Reply with the phrase only.\n\n" +
			message,
	}})
	if err != nil {
		a.log.Warn(ctx, "rewrite failed", zap.Error(err))
		return message
	}
	phrase := strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	if phrase == "" {
		return message
	}
	return phrase
}

// ingestUserURLs crawls caller-supplied URLs (same-domain, breadth-first,
// bounded by the provider's depth and page caps) and stores every fetched
// page as conversation-scoped evidence. Failures skip the URL, never the
// turn.
func (a *Agent) ingestUserURLs(ctx context.Context, req *AskRequest) {
	if len(req.URLs) == 0 || a.ingestor == nil || !a.webAvailable() {
		return
	}
	urls := req.URLs
	if len(urls) > maxUserURLs {
		urls = urls[:maxUserURLs]
	}
	for _, u := range urls {
		if ctx.Err() != nil {
			return
		}
		pages, err := a.web.Crawl(ctx, u)
		if err != nil {
			a.log.Warn(ctx, "user url crawl failed", zap.String("url", u), zap.Error(err))
			continue
		}
		for i := range pages {
			if _, err := a.ingestor.IngestURL(ctx, req.ConversationID, &pages[i]); err != nil {
				a.log.Warn(ctx, "user url ingest failed", zap.String("url", pages[i].URL), zap.Error(err))
			}
		}
	}
}

// urlEvidence searches the conversation's stored URL chunks.
func (a *Agent) urlEvidence(ctx context.Context, req *AskRequest) []evidence {
	if a.external == nil || a.embed == nil || ctx.Err() != nil {
		return nil
	}
	vec, err := a.embed.EmbedQuery(ctx, req.Message)
	if err != nil {
		a.log.Warn(ctx, "url evidence embedding failed", zap.Error(err))
		return nil
	}
	docs, err := a.external.SearchExternalDocs(ctx, req.ConversationID, vec, topKURL)
	if err != nil {
		a.log.Warn(ctx, "url evidence search failed", zap.Error(err))
		return nil
	}
	out := make([]evidence, len(docs))
	for i, d := range docs {
		out[i] = evidence{
			Group:      "url",
			Title:      d.Title,
			Path:       d.URL,
			Content:    d.Content,
			Distance:   d.Distance,
			ChunkIndex: d.ChunkIndex,
		}
	}
	return out
}

// webSearch queries the web provider and fetches full text for the best
// results; the rest contribute snippets.
func (a *Agent) webSearch(ctx context.Context, query string) []evidence {
	results, err := a.web.Search(ctx, query)
	if err != nil {
		a.log.Warn(ctx, "web search failed", zap.Error(err))
		return nil
	}
	if len(results) > topKWeb {
		results = results[:topKWeb]
	}

	var out []evidence
	fetched := 0
	for _, res := range results {
		content := res.Snippet
		if fetched < webFetchPages && ctx.Err() == nil {
			page, err := a.web.Fetch(ctx, res.URL)
			if err == nil && page.Content != "" {
				content = page.Content
				fetched++
			} else if err != nil {
				a.log.Warn(ctx, "web fetch failed", zap.String("url", res.URL), zap.Error(err))
			}
		}
		if content == "" {
			continue
		}
		out = append(out, evidence{
			Group:   "web",
			Title:   res.Title,
			Path:    res.URL,
			Content: content,
		})
	}
	return out
}

// missingConcepts asks the model which concepts the context lacks and runs
// one targeted retrieval per concept.
func (a *Agent) missingConcepts(ctx context.Context, message string, ev []evidence) []evidence {
	var out []evidence
	for loop := 0; loop < missingLoops; loop++ {
		if ctx.Err() != nil {
			break
		}
		prompt := fmt.Sprintf(
			"Question: %s\n\nContext summary:\n%s\n\nList up to 3 concepts needed to answer that the context does not cover, comma separated. Reply NONE if covered.",
			message, summarizeEvidence(append(ev, out...)))
		reply, err := a.gen.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
		if err != nil {
			a.log.Warn(ctx, "missing concept probe failed", zap.Error(err))
			break
		}
		concepts := parseConcepts(reply)
		if len(concepts) == 0 {
			break
		}
		for _, concept := range concepts {
			hits, err := a.retriever.Search(ctx, concept, retrieve.ModeHybrid, missingRetrieveK)
			if err != nil {
				continue
			}
			for _, h := range hits {
				out = append(out, evidence{
					Group:      "missing",
					Title:      h.Title,
					Path:       h.SourcePath,
					Content:    h.Content,
					Distance:   h.Distance,
					DocumentID: h.DocumentID,
					ChunkIndex: h.ChunkIndex,
				})
			}
		}
	}
	return out
}

var evidenceGroupOrder = []struct {
	group  string
	header string
}{
	{"local", "=== LOCAL KB EVIDENCE ==="},
	{"url", "=== USER URL EVIDENCE ==="},
	{"web", "=== WEB EVIDENCE ==="},
	{"missing", "=== MISSING CONCEPT EVIDENCE ==="},
}

// synthesize produces the final answer. Returns whether the model actually
// generated it; otherwise the evidence is served extractively.
func (a *Agent) synthesize(ctx context.Context, message string, ev []evidence) (string, bool) {
	if len(ev) == 0 {
		return "No answer found in the provided context.", false
	}
	if !a.gen.Available() {
		return extractiveAnswer(ev), false
	}

	out, err := a.gen.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Answer directly from the provided context. If insufficient, say 'No answer found in the provided context.' Do not ask for more input."},
		{Role: llm.RoleUser, Content: buildContext(message, ev)},
	})
	if err != nil {
		a.log.Warn(ctx, "synthesis failed, serving extractive answer", zap.Error(err))
		return extractiveAnswer(ev), false
	}
	return out, true
}

func buildContext(message string, ev []evidence) string {
	var b strings.Builder
	for _, g := range evidenceGroupOrder {
		wrote := false
		for _, e := range ev {
			if e.Group != g.group {
				continue
			}
			if !wrote {
				b.WriteString(g.header + "\n\n")
				wrote = true
			}
			label := e.Title
			if label == "" {
				label = e.Path
			}
			fmt.Fprintf(&b, "[%s] %s\n%s\n\n", e.Group, label, strings.TrimSpace(e.Content))
		}
	}
	b.WriteString("Question: " + message)
	return b.String()
}

func extractiveAnswer(ev []evidence) string {
	var b strings.Builder
	b.WriteString("Most relevant evidence collected:\n")
	limit := 5
	for i, e := range ev {
		if i >= limit {
			break
		}
		snippet := strings.TrimSpace(e.Content)
		if len(snippet) > 400 {
			snippet = snippet[:400] + "..."
		}
		fmt.Fprintf(&b, "\n- (%s) %s\n", e.Group, snippet)
	}
	return b.String()
}

func summarizeEvidence(ev []evidence) string {
	var b strings.Builder
	for i, e := range ev {
		if i >= 10 {
			break
		}
		label := e.Title
		if label == "" {
			label = e.Path
		}
		snippet := e.Content
		if len(snippet) > 120 {
			snippet = snippet[:120]
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, snippet)
	}
	return b.String()
}

// confidence derives the returned score from coverage, diversity and
// whether web evidence and a real model contributed.
func (a *Agent) confidence(cov coverage, webUsed bool, evidenceCount int, usedLLM bool) float64 {
	if evidenceCount == 0 {
		return confidenceFloor
	}
	diversity := minFloat(float64(cov.uniqueDocs)/5, 1)
	c := 0.25 + 0.35*cov.score + 0.25*diversity
	if webUsed {
		c += 0.15
	}
	if !usedLLM {
		c -= 0.15
	}
	if c < confidenceFloor {
		c = confidenceFloor
	}
	if c > confidenceCeil {
		c = confidenceCeil
	}
	return c
}

// followups proposes next questions and keeps only those lexically related
// to the current question and recent conversation.
func (a *Agent) followups(ctx context.Context, message, tail string) []string {
	if !a.gen.Available() || ctx.Err() != nil {
		return nil
	}
	prompt := "Suggest up to 3 short follow-up research questions, one per line, no numbering.\n\nQuestion: " + message
	if tail != "" {
		prompt += "\n\nRecent conversation:\n" + tail
	}
	out, err := a.gen.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return nil
	}

	anchor := tokenSet(message + " " + tail)
	var kept []string
	for _, q := range parseLines(out, 3) {
		if jaccard(tokenSet(q), anchor) >= a.cfg.FollowupRelevanceMin {
			kept = append(kept, q)
		}
	}
	return kept
}

func referencesFrom(ev []evidence) []Reference {
	refs := make([]Reference, 0, len(ev))
	seen := make(map[string]struct{}, len(ev))
	for _, e := range ev {
		source := e.Group
		if source == "missing" {
			source = "local"
		}
		key := fmt.Sprintf("%s|%s|%d|%d", source, e.Path, e.DocumentID, e.ChunkIndex)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ref := Reference{
			Source:     source,
			Title:      e.Title,
			DocumentID: e.DocumentID,
			ChunkIndex: e.ChunkIndex,
		}
		if source == "local" {
			ref.SourcePath = e.Path
		} else {
			ref.URL = e.Path
		}
		refs = append(refs, ref)
	}
	return refs
}

func localEvidence(hits []retrieve.Hit) []evidence {
	out := make([]evidence, len(hits))
	for i, h := range hits {
		out[i] = evidence{
			Group:      "local",
			Title:      h.Title,
			Path:       h.SourcePath,
			Content:    h.Content,
			Distance:   h.Distance,
			DocumentID: h.DocumentID,
			ChunkIndex: h.ChunkIndex,
		}
	}
	return out
}

func parseLines(s string, max int) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == max {
			break
		}
	}
	return out
}

func parseConcepts(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NONE") {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" && !strings.EqualFold(part, "NONE") {
			out = append(out, part)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

// splitSentences is the model-free planner fallback.
func splitSentences(message string, max int) []string {
	parts := sentencePattern.Split(message, -1)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) < 10 {
			continue
		}
		out = append(out, p)
		if len(out) == max {
			break
		}
	}
	return out
}

var sentencePattern = regexp.MustCompile(`[.?!;]\s+`)

var wordPattern = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
