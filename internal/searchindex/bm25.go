package searchindex

import (
	"math"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

// Default lexical field boosts relative to chunk text.
const (
	defaultTitleBoost    = 2.5
	defaultFileNameBoost = 2.0
)

// bm25Index is an in-process inverted index over chunk text, title, and
// file name, with title and file-name terms weighted above body terms.
// Rebuilt from the metadata store at startup, kept in step with qdrant
// writes afterward.
type bm25Index struct {
	mu          sync.RWMutex
	docFreq     map[string]int
	postings    map[string]map[int64]float64
	chunkTerms  map[int64]map[string]float64
	chunkLength map[int64]float64
	chunkMeta   map[int64]chunkMeta
	docChunks   map[int64][]int64
	totalLength float64
	k1          float64
	b           float64
	titleBoost  float64
	fileBoost   float64
}

type chunkMeta struct {
	documentID int64
	chunkIndex int
	userID     int64
	spaceID    int64
	content    string
	title      string
	sourcePath string
	createdAt  time.Time
}

var tokenPattern = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

func newBM25(titleBoost, fileBoost float64) *bm25Index {
	if titleBoost <= 0 {
		titleBoost = defaultTitleBoost
	}
	if fileBoost <= 0 {
		fileBoost = defaultFileNameBoost
	}
	return &bm25Index{
		docFreq:     make(map[string]int),
		postings:    make(map[string]map[int64]float64),
		chunkTerms:  make(map[int64]map[string]float64),
		chunkLength: make(map[int64]float64),
		chunkMeta:   make(map[int64]chunkMeta),
		docChunks:   make(map[int64][]int64),
		k1:          1.6,
		b:           0.75,
		titleBoost:  titleBoost,
		fileBoost:   fileBoost,
	}
}

func tokenize(content string) []string {
	return tokenPattern.FindAllString(strings.ToLower(content), -1)
}

func uniqueTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func (b *bm25Index) add(c *Chunk) {
	freq := make(map[string]float64)
	var length float64
	weigh := func(text string, w float64) {
		for _, term := range tokenize(text) {
			freq[term] += w
			length += w
		}
	}
	weigh(c.Content, 1.0)
	weigh(c.Title, b.titleBoost)
	fileName := c.FileName
	if fileName == "" {
		fileName = path.Base(c.SourcePath)
	}
	weigh(fileName, b.fileBoost)
	if len(freq) == 0 {
		return
	}
	id := CompositeChunkID(c.DocumentID, c.ChunkIndex)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-adding replaces: drop the previous posting state first.
	if _, ok := b.chunkMeta[id]; ok {
		b.removeChunkLocked(id)
	}

	for term, tf := range freq {
		if _, ok := b.postings[term]; !ok {
			b.postings[term] = make(map[int64]float64)
		}
		b.postings[term][id] = tf
		b.docFreq[term]++
	}
	b.chunkTerms[id] = freq
	b.chunkLength[id] = length
	b.totalLength += length
	b.chunkMeta[id] = chunkMeta{
		documentID: c.DocumentID,
		chunkIndex: c.ChunkIndex,
		userID:     c.UserID,
		spaceID:    c.SpaceID,
		content:    c.Content,
		title:      c.Title,
		sourcePath: c.SourcePath,
		createdAt:  c.CreatedAt,
	}
	b.docChunks[c.DocumentID] = append(b.docChunks[c.DocumentID], id)
}

func (b *bm25Index) removeDocument(documentID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.docChunks[documentID] {
		b.removeChunkLocked(id)
	}
	delete(b.docChunks, documentID)
}

func (b *bm25Index) removeChunkLocked(id int64) {
	freq, ok := b.chunkTerms[id]
	if !ok {
		return
	}
	for term := range freq {
		delete(b.postings[term], id)
		if len(b.postings[term]) == 0 {
			delete(b.postings, term)
		}
		b.docFreq[term]--
		if b.docFreq[term] <= 0 {
			delete(b.docFreq, term)
		}
	}
	b.totalLength -= b.chunkLength[id]
	delete(b.chunkTerms, id)
	delete(b.chunkLength, id)
	delete(b.chunkMeta, id)
}

func (b *bm25Index) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docFreq = make(map[string]int)
	b.postings = make(map[string]map[int64]float64)
	b.chunkTerms = make(map[int64]map[string]float64)
	b.chunkLength = make(map[int64]float64)
	b.chunkMeta = make(map[int64]chunkMeta)
	b.docChunks = make(map[int64][]int64)
	b.totalLength = 0
}

func (b *bm25Index) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunkMeta)
}

// search scores every chunk matching at least one query term, restricted
// to the tenant. Raw BM25 scores; normalization happens in the caller.
func (b *bm25Index) search(info *tenant.Info, query string, limit int) []Hit {
	terms := uniqueTokens(tokenize(query))
	if len(terms) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.chunkMeta) == 0 {
		return nil
	}
	avgLen := b.totalLength / float64(len(b.chunkMeta))

	scores := make(map[int64]float64)
	for _, term := range terms {
		postings := b.postings[term]
		if len(postings) == 0 {
			continue
		}
		df := float64(b.docFreq[term])
		idf := math.Log((float64(len(b.chunkMeta))-df+0.5)/(df+0.5) + 1)
		for id, tf := range postings {
			meta := b.chunkMeta[id]
			if meta.userID != info.UserID {
				continue
			}
			if info.SpaceID > 0 && meta.spaceID != info.SpaceID {
				continue
			}
			docLen := b.chunkLength[id]
			numerator := tf * (b.k1 + 1)
			denominator := tf + b.k1*(1-b.b+b.b*(docLen/avgLen))
			scores[id] += idf * (numerator / denominator)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		meta := b.chunkMeta[id]
		hits = append(hits, Hit{
			ChunkID:    id,
			DocumentID: meta.documentID,
			ChunkIndex: meta.chunkIndex,
			Content:    meta.content,
			Title:      meta.title,
			SourcePath: meta.sourcePath,
			Score:      score,
			CreatedAt:  meta.createdAt,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
