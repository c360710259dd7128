package ingest

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/blob"
	"github.com/fyrsmithlabs/researchd/internal/cache"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/searchindex"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

type fakeMeta struct {
	nextDocID int64
	docs      map[int64]*metastore.Document
	chunks    map[int64][]metastore.ChunkInsert
	assets    []metastore.ImageAsset
	external  []metastore.ExternalDoc
	activity  []string
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		nextDocID: 100,
		docs:      make(map[int64]*metastore.Document),
		chunks:    make(map[int64][]metastore.ChunkInsert),
	}
}

func (f *fakeMeta) InsertDocumentWithChunks(_ context.Context, doc *metastore.Document, chunks []metastore.ChunkInsert) (int64, error) {
	f.nextDocID++
	d := *doc
	d.ID = f.nextDocID
	f.docs[d.ID] = &d
	f.chunks[d.ID] = chunks
	return d.ID, nil
}

func (f *fakeMeta) GetDocument(_ context.Context, docID int64) (*metastore.Document, error) {
	doc, ok := f.docs[docID]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "document %d not found", docID)
	}
	return doc, nil
}

func (f *fakeMeta) DeleteDocument(_ context.Context, docID int64) error {
	if _, ok := f.docs[docID]; !ok {
		return apperr.E(apperr.NotFound, "document %d not found", docID)
	}
	delete(f.docs, docID)
	delete(f.chunks, docID)
	return nil
}

func (f *fakeMeta) InsertImageAsset(_ context.Context, asset *metastore.ImageAsset, _ []float32) (int64, error) {
	f.assets = append(f.assets, *asset)
	return int64(len(f.assets)), nil
}

func (f *fakeMeta) UpsertExternalDoc(_ context.Context, _ string, doc *metastore.ExternalDoc, _ []float32) error {
	f.external = append(f.external, *doc)
	return nil
}

func (f *fakeMeta) ListDocuments(_ context.Context, limit, offset int) ([]metastore.Document, error) {
	var all []metastore.Document
	for _, d := range f.docs {
		all = append(all, *d)
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeMeta) ChunksForDocument(_ context.Context, docID int64) ([]metastore.Chunk, error) {
	var out []metastore.Chunk
	for i, c := range f.chunks[docID] {
		out = append(out, metastore.Chunk{
			ID:         docID*1000 + int64(i),
			DocumentID: docID,
			Index:      c.Index,
			Content:    c.Content,
			Embedding:  c.Embedding,
		})
	}
	return out, nil
}

func (f *fakeMeta) RecordActivity(_ context.Context, kind string, _ map[string]interface{}) {
	f.activity = append(f.activity, kind)
}

type fakeIndex struct {
	chunks  []searchindex.Chunk
	images  []searchindex.Image
	deleted []int64
	fail    bool
}

func (f *fakeIndex) IndexChunks(_ context.Context, chunks []searchindex.Chunk, _ [][]float32) error {
	if f.fail {
		return apperr.E(apperr.Transient, "index down")
	}
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeIndex) IndexImage(_ context.Context, img searchindex.Image, _ []float32) error {
	if f.fail {
		return apperr.E(apperr.Transient, "index down")
	}
	f.images = append(f.images, img)
	return nil
}

func (f *fakeIndex) DeleteDocument(_ context.Context, docID int64) error {
	f.deleted = append(f.deleted, docID)
	return nil
}

type fakeRevs struct {
	bumped []string
}

func (f *fakeRevs) BumpRevision(_ context.Context, kinds ...string) {
	f.bumped = append(f.bumped, kinds...)
}

type fixture struct {
	ing  *Ingestor
	meta *fakeMeta
	idx  *fakeIndex
	revs *fakeRevs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := blob.New(config.BlobConfig{Root: t.TempDir()})
	require.NoError(t, err)
	meta := newFakeMeta()
	idx := &fakeIndex{}
	revs := &fakeRevs{}
	ing := New(meta, idx, blobs, embeddings.NewFake(8, 4), revs,
		config.IngestConfig{ChunkSize: 200, ChunkOverlap: 20}, nil)
	return &fixture{ing: ing, meta: meta, idx: idx, revs: revs}
}

func testCtx() context.Context {
	return tenant.NewContext(context.Background(), &tenant.Info{UserID: 1, SpaceID: 2, Email: "u@example.com"})
}

func TestIngestFileText(t *testing.T) {
	fx := newFixture(t)

	body := strings.Repeat("Queues decouple producers from consumers. ", 20)
	doc, err := fx.ing.IngestFile(testCtx(), "notes.md", strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, "md", doc.SourceType)
	assert.Equal(t, "notes.md", doc.Title)
	assert.Contains(t, doc.SourcePath, "u_at_example.com/")
	assert.Greater(t, doc.ChunkCount, 1)

	stored := fx.meta.chunks[doc.ID]
	require.Len(t, stored, doc.ChunkCount)
	assert.Len(t, stored[0].Embedding, 8)

	require.Len(t, fx.idx.chunks, doc.ChunkCount)
	assert.Equal(t, doc.ID, fx.idx.chunks[0].DocumentID)
	assert.Equal(t, int64(1), fx.idx.chunks[0].UserID)
	assert.Equal(t, int64(2), fx.idx.chunks[0].SpaceID)

	assert.ElementsMatch(t, []string{cache.KindSemantic, cache.KindLexical}, fx.revs.bumped)
	assert.Contains(t, fx.meta.activity, "document.ingested")
}

func TestIngestFileFailsClosedWithoutTenant(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.ing.IngestFile(context.Background(), "a.md", strings.NewReader("text"))
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestIngestFileUnsupported(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.ing.IngestFile(testCtx(), "song.mp3", strings.NewReader("xx"))
	assert.True(t, apperr.Is(err, apperr.Unsupported))
}

func TestIngestFileEmptyText(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.ing.IngestFile(testCtx(), "empty.txt", strings.NewReader("   \n  "))
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestIngestFileSurvivesIndexFailure(t *testing.T) {
	fx := newFixture(t)
	fx.idx.fail = true

	doc, err := fx.ing.IngestFile(testCtx(), "a.txt",
		strings.NewReader(strings.Repeat("resilient pipelines keep going. ", 10)))
	require.NoError(t, err, "metadata store write succeeded, index failure must not fail ingest")
	assert.NotZero(t, doc.ID)
	assert.Empty(t, fx.idx.chunks)
}

func TestIngestImage(t *testing.T) {
	fx := newFixture(t)

	img := image.NewRGBA(image.Rect(0, 0, 10, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 20, B: 200, A: 255})
		}
	}
	var buf strings.Builder
	require.NoError(t, png.Encode(&stringWriter{&buf}, img))

	doc, err := fx.ing.IngestFile(testCtx(), "diagram.png", strings.NewReader(buf.String()))
	require.NoError(t, err)

	assert.Equal(t, "image", doc.Metadata["kind"])
	require.Len(t, fx.meta.assets, 1)
	assert.Equal(t, doc.ID, fx.meta.assets[0].DocumentID)
	assert.Contains(t, fx.meta.assets[0].Caption, "Portrait image in blue tones")
	require.Len(t, fx.idx.images, 1)
	assert.Contains(t, fx.revs.bumped, cache.KindImage)
	assert.Contains(t, fx.meta.activity, "image.ingested")
}

type stringWriter struct{ b *strings.Builder }

func (w *stringWriter) Write(p []byte) (int, error) { return w.b.Write(p) }

func TestIngestURL(t *testing.T) {
	fx := newFixture(t)

	page := &websearch.Page{
		URL:     "https://example.com/post",
		Title:   "Post",
		Content: strings.Repeat("External knowledge worth keeping. ", 15),
	}
	n, err := fx.ing.IngestURL(testCtx(), "conv-1", page)
	require.NoError(t, err)
	assert.Greater(t, n, 1)
	require.Len(t, fx.meta.external, n)
	assert.Equal(t, "https://example.com/post", fx.meta.external[0].URL)
	assert.Equal(t, 0, fx.meta.external[0].ChunkIndex)
}

func TestDelete(t *testing.T) {
	fx := newFixture(t)
	doc, err := fx.ing.IngestFile(testCtx(), "doomed.txt",
		strings.NewReader(strings.Repeat("short lived document. ", 10)))
	require.NoError(t, err)
	fx.revs.bumped = nil

	require.NoError(t, fx.ing.Delete(testCtx(), doc.ID))

	_, err = fx.meta.GetDocument(testCtx(), doc.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, []int64{doc.ID}, fx.idx.deleted)
	assert.Contains(t, fx.revs.bumped, cache.KindSemantic)
	assert.Contains(t, fx.meta.activity, "document.deleted")
}

func TestDeleteMissing(t *testing.T) {
	fx := newFixture(t)
	err := fx.ing.Delete(testCtx(), 9999)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestReindex(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.ing.IngestFile(testCtx(), "one.txt",
		strings.NewReader(strings.Repeat("first document text. ", 15)))
	require.NoError(t, err)
	_, err = fx.ing.IngestFile(testCtx(), "two.txt",
		strings.NewReader(strings.Repeat("second document text. ", 15)))
	require.NoError(t, err)

	indexed := len(fx.idx.chunks)
	fx.idx.chunks = nil

	stats, err := fx.ing.Reindex(testCtx())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, indexed, stats.Chunks)
	assert.Len(t, fx.idx.chunks, indexed)
	assert.Contains(t, fx.meta.activity, "index.rebuilt")
}

func TestReindexFailsClosedWithoutTenant(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.ing.Reindex(context.Background())
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}
