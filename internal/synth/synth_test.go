package synth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/cache"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

type scriptedGenerator struct {
	reply     string
	err       error
	available bool
	calls     int
	lastUser  string
}

func (g *scriptedGenerator) Generate(_ context.Context, messages []llm.Message) (string, error) {
	g.calls++
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			g.lastUser = m.Content
		}
	}
	return g.reply, g.err
}

func (g *scriptedGenerator) Name() string    { return "scripted" }
func (g *scriptedGenerator) Available() bool { return g.available }

func scopedCtx() context.Context {
	return tenant.NewContext(context.Background(), &tenant.Info{UserID: 1, SpaceID: 1, Email: "u@example.com"})
}

func sampleHits() []retrieve.Hit {
	return []retrieve.Hit{
		{DocumentID: 1, ChunkIndex: 0, Title: "Queues", SourcePath: "a/queues.md", Content: "Durable queues survive broker restarts.", Distance: 0.1},
		{DocumentID: 2, ChunkIndex: 3, Title: "Brokers", SourcePath: "a/brokers.md", Content: "Acknowledgements prevent message loss.", Distance: 0.2},
	}
}

func TestSynthesizeGrounded(t *testing.T) {
	gen := &scriptedGenerator{reply: "Durable queues survive restarts [1].", available: true}
	s := New(gen, nil, nil)

	ans, err := s.Synthesize(scopedCtx(), "do queues survive restarts?", "hybrid", 5, sampleHits())
	require.NoError(t, err)

	assert.Equal(t, "Durable queues survive restarts [1].", ans.Text)
	assert.False(t, ans.Extractive)
	require.Len(t, ans.References, 2)
	assert.Equal(t, 1, ans.References[0].Number)
	assert.Equal(t, int64(1), ans.References[0].DocumentID)

	assert.Contains(t, gen.lastUser, "[1] Queues")
	assert.Contains(t, gen.lastUser, "[2] Brokers")
	assert.Contains(t, gen.lastUser, "Question: do queues survive restarts?")
}

func TestSynthesizeDedupesEvidence(t *testing.T) {
	gen := &scriptedGenerator{reply: "ok", available: true}
	s := New(gen, nil, nil)

	hits := append(sampleHits(), sampleHits()...)
	ans, err := s.Synthesize(scopedCtx(), "q", "hybrid", 5, hits)
	require.NoError(t, err)
	assert.Len(t, ans.References, 2)
	assert.Equal(t, 1, strings.Count(gen.lastUser, "[1] Queues"), "each block appears once in the prompt")
}

func TestSynthesizeNoEvidence(t *testing.T) {
	gen := &scriptedGenerator{available: true}
	s := New(gen, nil, nil)

	ans, err := s.Synthesize(scopedCtx(), "anything", "hybrid", 5, nil)
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "No matching content")
	assert.Empty(t, ans.References)
	assert.Equal(t, 0, gen.calls)
}

func TestSynthesizeExtractiveWithoutModel(t *testing.T) {
	gen, err := llm.NewGenerator(config.LLMConfig{Provider: "none", MaxTokens: 1}, nil)
	require.NoError(t, err)
	s := New(gen, nil, nil)

	ans, err := s.Synthesize(scopedCtx(), "q", "hybrid", 5, sampleHits())
	require.NoError(t, err)
	assert.True(t, ans.Extractive)
	assert.Contains(t, ans.Text, "[1] Durable queues survive broker restarts.")
	assert.Len(t, ans.References, 2)
}

func TestSynthesizeExtractiveOnTransientFailure(t *testing.T) {
	gen := &scriptedGenerator{err: apperr.E(apperr.Transient, "model overloaded"), available: true}
	s := New(gen, nil, nil)

	ans, err := s.Synthesize(scopedCtx(), "q", "hybrid", 5, sampleHits())
	require.NoError(t, err)
	assert.True(t, ans.Extractive)
	assert.Contains(t, ans.Text, "Durable queues")
}

func TestSynthesizePermanentFailurePropagates(t *testing.T) {
	gen := &scriptedGenerator{err: apperr.E(apperr.Internal, "bad prompt"), available: true}
	s := New(gen, nil, nil)

	_, err := s.Synthesize(scopedCtx(), "q", "hybrid", 5, sampleHits())
	assert.True(t, apperr.Is(err, apperr.Internal))
}

func TestSynthesizeFailsClosedWithoutTenant(t *testing.T) {
	s := New(&scriptedGenerator{available: true}, nil, nil)
	_, err := s.Synthesize(context.Background(), "q", "hybrid", 5, sampleHits())
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestSynthesizeCaching(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), config.RedisConfig{
		Addr:             mr.Addr(),
		SearchTTL:        config.Duration(300 * time.Second),
		SynthesisTTL:     config.Duration(900 * time.Second),
		BreakerThreshold: 5,
		BreakerCooldown:  config.Duration(30 * time.Second),
	}, nil)

	gen := &scriptedGenerator{reply: "first", available: true}
	s := New(gen, c, nil)
	ctx := scopedCtx()

	first, err := s.Synthesize(ctx, "q", "hybrid", 5, sampleHits())
	require.NoError(t, err)
	assert.Equal(t, "first", first.Text)
	assert.Equal(t, 1, gen.calls)

	gen.reply = "second"
	again, err := s.Synthesize(ctx, "q", "hybrid", 5, sampleHits())
	require.NoError(t, err)
	assert.Equal(t, "first", again.Text)
	assert.Equal(t, 1, gen.calls)

	// Different evidence identity misses.
	moved := sampleHits()
	moved[0].ChunkIndex = 7
	fresh, err := s.Synthesize(ctx, "q", "hybrid", 5, moved)
	require.NoError(t, err)
	assert.Equal(t, "second", fresh.Text)
	assert.Equal(t, 2, gen.calls)
}
