package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmpty(t *testing.T) {
	s := NewSplitter()
	assert.Nil(t, s.Split(""))
	assert.Nil(t, s.Split("   \n\n  "))
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	s := NewSplitter()
	chunks := s.Split("hello world")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "hello world", chunks[0].Content)
}

func TestSplitOrdinalIndexes(t *testing.T) {
	s := NewSplitter(WithSize(50), WithOverlap(10))
	text := strings.Repeat("alpha beta gamma delta epsilon. ", 20)
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Content)
	}
}

func TestSplitDeterministic(t *testing.T) {
	s := NewSplitter(WithSize(80), WithOverlap(20))
	text := strings.Repeat("one two three four five six seven eight nine ten. ", 30)
	a := s.Split(text)
	b := s.Split(text)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i])
	}
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	s := NewSplitter(WithSize(30), WithOverlap(0))
	chunks := s.Split("first paragraph here\n\nsecond paragraph here\n\nthird one")
	require.Len(t, chunks, 3)
	assert.Equal(t, "first paragraph here", chunks[0].Content)
	assert.Equal(t, "second paragraph here", chunks[1].Content)
	assert.Equal(t, "third one", chunks[2].Content)
}

func TestSplitOverlapPrefix(t *testing.T) {
	s := NewSplitter(WithSize(30), WithOverlap(8))
	chunks := s.Split("first paragraph here\n\nsecond paragraph here")
	require.Len(t, chunks, 2)
	// Second chunk starts with the tail of the first piece.
	assert.True(t, strings.HasPrefix(chunks[1].Content, "aph here "), chunks[1].Content)
	assert.Contains(t, chunks[1].Content, "second paragraph here")
}

func TestSplitHonorsSizeUpperBound(t *testing.T) {
	s := NewSplitter(WithSize(30), WithOverlap(8))
	chunks := s.Split(strings.Repeat("x", 90))
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Content)), 30, "chunk %d over size", c.Index)
	}

	s = NewSplitter(WithSize(50), WithOverlap(10))
	chunks = s.Split(strings.Repeat("alpha beta gamma delta epsilon. ", 20))
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Content)), 50, "chunk %d over size", c.Index)
	}
}

func TestSplitHardCutWithoutSeparators(t *testing.T) {
	s := NewSplitter(WithSize(10), WithOverlap(0))
	chunks := s.Split(strings.Repeat("x", 25))
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, len(chunks[0].Content))
	assert.Equal(t, 10, len(chunks[1].Content))
	assert.Equal(t, 5, len(chunks[2].Content))
}

func TestOverlapClampedBelowSize(t *testing.T) {
	s := NewSplitter(WithSize(10), WithOverlap(50))
	assert.Less(t, s.overlap, s.size)
}
