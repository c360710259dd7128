package searchindex

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// IsTransientError reports whether a gRPC failure is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// retryOperation runs operation with exponential backoff on transient
// failures, bounded by the configured retry budget and the circuit breaker.
func (x *Index) retryOperation(ctx context.Context, name string, operation func() error) error {
	backoff := x.cfg.RetryBackoff.Duration()
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 0; attempt <= x.cfg.MaxRetries; attempt++ {
		if x.breakerOpen() {
			indexErrors.WithLabelValues(name).Inc()
			return apperr.E(apperr.Transient, "%s: index circuit breaker open", name)
		}
		err := operation()
		if err == nil {
			x.breakerReset()
			return nil
		}
		if !IsTransientError(err) {
			indexErrors.WithLabelValues(name).Inc()
			return err
		}
		x.breakerRecordFailure()
		if attempt == x.cfg.MaxRetries {
			indexErrors.WithLabelValues(name).Inc()
			return apperr.Wrap(apperr.Transient, err, "%s failed after %d retries", name, x.cfg.MaxRetries)
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.DeadlineExceeded, ctx.Err(), "%s canceled", name)
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (x *Index) breakerRecordFailure() {
	x.breaker.mu.Lock()
	defer x.breaker.mu.Unlock()
	x.breaker.failures++
	x.breaker.lastFail = time.Now()
}

func (x *Index) breakerReset() {
	x.breaker.mu.Lock()
	defer x.breaker.mu.Unlock()
	x.breaker.failures = 0
}

func (x *Index) breakerOpen() bool {
	x.breaker.mu.Lock()
	defer x.breaker.mu.Unlock()
	if x.breaker.failures >= breakerThreshold {
		if time.Since(x.breaker.lastFail) > breakerCooldown {
			x.breaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// tenantFilter builds the mandatory payload filter for the request tenant.
// No tenant in context means no query: fail closed.
func tenantFilter(ctx context.Context) (*qdrant.Filter, error) {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	conditions := []*qdrant.Condition{matchInt("user_id", info.UserID)}
	if info.SpaceID > 0 {
		conditions = append(conditions, matchInt("space_id", info.SpaceID))
	}
	return &qdrant.Filter{Must: conditions}, nil
}

func matchInt(key string, value int64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: value}},
			},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

// IndexChunks upserts one document's chunks into the vector collection and
// the BM25 index. Chunks and embeddings are parallel slices.
func (x *Index) IndexChunks(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	ctx, span := x.tracer.Start(ctx, "searchindex.IndexChunks",
		trace.WithAttributes(attribute.Int("chunk_count", len(chunks))))
	defer span.End()

	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return apperr.E(apperr.Validation, "chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		if len(embeddings[i]) != x.cfg.VectorSize {
			return apperr.E(apperr.Validation, "embedding dimension mismatch: expected %d, got %d", x.cfg.VectorSize, len(embeddings[i]))
		}
		payload := map[string]*qdrant.Value{
			"doc_id":      intValue(c.DocumentID),
			"chunk_index": intValue(int64(c.ChunkIndex)),
			"content":     stringValue(c.Content),
			"title":       stringValue(c.Title),
			"source_path": stringValue(c.SourcePath),
			"file_name":   stringValue(c.FileName),
			"file_type":   stringValue(c.FileType),
			"user_id":     intValue(c.UserID),
			"space_id":    intValue(c.SpaceID),
			"created_at":  intValue(c.CreatedAt.Unix()),
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(CompositeChunkID(c.DocumentID, c.ChunkIndex))),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: payload,
		}
	}

	err := x.retryOperation(ctx, "upsert_chunks", func() error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: x.cfg.Collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return wrapIndexErr(err, "upserting %d chunks", len(chunks))
	}

	for i := range chunks {
		x.bm25.add(&chunks[i])
	}
	bm25Documents.Set(float64(x.bm25.count()))
	indexOperations.WithLabelValues("index_chunks", "ok").Inc()
	span.SetStatus(codes.Ok, "indexed")
	return nil
}

// IndexImage upserts one image asset into the image collection.
func (x *Index) IndexImage(ctx context.Context, img Image, embedding []float32) error {
	ctx, span := x.tracer.Start(ctx, "searchindex.IndexImage")
	defer span.End()

	if x.cfg.ImageCollection == "" {
		return apperr.E(apperr.Unsupported, "image collection not configured")
	}
	if len(embedding) != x.cfg.ImageVectorSize {
		return apperr.E(apperr.Validation, "image embedding dimension mismatch: expected %d, got %d", x.cfg.ImageVectorSize, len(embedding))
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(img.AssetID)),
		Vectors: qdrant.NewVectors(embedding...),
		Payload: map[string]*qdrant.Value{
			"asset_id":    intValue(img.AssetID),
			"doc_id":      intValue(img.DocumentID),
			"caption":     stringValue(img.Caption),
			"source_path": stringValue(img.SourcePath),
			"user_id":     intValue(img.UserID),
			"space_id":    intValue(img.SpaceID),
		},
	}
	err := x.retryOperation(ctx, "upsert_image", func() error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: x.cfg.ImageCollection,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return wrapIndexErr(err, "upserting image asset %d", img.AssetID)
	}
	indexOperations.WithLabelValues("index_image", "ok").Inc()
	return nil
}

// DeleteDocument removes a document's points from both collections and its
// chunks from the BM25 index. The tenant filter keeps one tenant from
// deleting another tenant's points even with a guessed document id.
func (x *Index) DeleteDocument(ctx context.Context, documentID int64) error {
	ctx, span := x.tracer.Start(ctx, "searchindex.DeleteDocument",
		trace.WithAttributes(attribute.Int64("document_id", documentID)))
	defer span.End()

	filter, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	filter.Must = append(filter.Must, matchInt("doc_id", documentID))

	collections := []string{x.cfg.Collection}
	if x.cfg.ImageCollection != "" {
		collections = append(collections, x.cfg.ImageCollection)
	}
	for _, name := range collections {
		err := x.retryOperation(ctx, "delete_document", func() error {
			_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
				CollectionName: name,
				Points: &qdrant.PointsSelector{
					PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
				},
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return wrapIndexErr(err, "deleting document %d from %s", documentID, name)
		}
	}

	x.bm25.removeDocument(documentID)
	bm25Documents.Set(float64(x.bm25.count()))
	indexOperations.WithLabelValues("delete_document", "ok").Inc()
	return nil
}

// KNN returns the k nearest chunks for the query vector within the tenant
// scope. Scores are min-max normalized to [0, 1] and optionally decayed by
// recency.
func (x *Index) KNN(ctx context.Context, queryVec []float32, k int) ([]Hit, error) {
	ctx, span := x.tracer.Start(ctx, "searchindex.KNN",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	filter, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	if len(queryVec) != x.cfg.VectorSize {
		return nil, apperr.E(apperr.Validation, "query vector dimension mismatch: expected %d, got %d", x.cfg.VectorSize, len(queryVec))
	}
	if k <= 0 {
		return nil, apperr.E(apperr.Validation, "k must be positive")
	}

	var results []*qdrant.ScoredPoint
	err = x.retryOperation(ctx, "knn", func() error {
		res, err := x.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: x.cfg.Collection,
			Query:          qdrant.NewQuery(queryVec...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		indexOperations.WithLabelValues("knn", "error").Inc()
		return nil, wrapIndexErr(err, "knn search")
	}

	hits := make([]Hit, 0, len(results))
	for _, point := range results {
		h := Hit{Score: float64(point.Score)}
		for key, v := range point.Payload {
			switch key {
			case "doc_id":
				h.DocumentID = v.GetIntegerValue()
			case "chunk_index":
				h.ChunkIndex = int(v.GetIntegerValue())
			case "content":
				h.Content = v.GetStringValue()
			case "title":
				h.Title = v.GetStringValue()
			case "source_path":
				h.SourcePath = v.GetStringValue()
			case "created_at":
				h.CreatedAt = time.Unix(v.GetIntegerValue(), 0)
			}
		}
		h.ChunkID = CompositeChunkID(h.DocumentID, h.ChunkIndex)
		hits = append(hits, h)
	}

	x.finalizeScores(hits)
	indexOperations.WithLabelValues("knn", "ok").Inc()
	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	span.SetStatus(codes.Ok, "searched")
	return hits, nil
}

// Lexical returns the top-k chunks by BM25 score within the tenant scope.
// Runs entirely in process; no network involved.
func (x *Index) Lexical(ctx context.Context, query string, k int) ([]Hit, error) {
	_, span := x.tracer.Start(ctx, "searchindex.Lexical",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	info, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, apperr.E(apperr.Validation, "k must be positive")
	}

	hits := x.bm25.search(info, query, k)
	x.finalizeScores(hits)
	indexOperations.WithLabelValues("lexical", "ok").Inc()
	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	return hits, nil
}

// KNNImages returns the k nearest image assets for the query vector.
func (x *Index) KNNImages(ctx context.Context, queryVec []float32, k int) ([]ImageHit, error) {
	ctx, span := x.tracer.Start(ctx, "searchindex.KNNImages",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	filter, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	if x.cfg.ImageCollection == "" {
		return nil, apperr.E(apperr.Unsupported, "image collection not configured")
	}
	if len(queryVec) != x.cfg.ImageVectorSize {
		return nil, apperr.E(apperr.Validation, "image query vector dimension mismatch: expected %d, got %d", x.cfg.ImageVectorSize, len(queryVec))
	}
	if k <= 0 {
		return nil, apperr.E(apperr.Validation, "k must be positive")
	}

	var results []*qdrant.ScoredPoint
	err = x.retryOperation(ctx, "knn_images", func() error {
		res, err := x.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: x.cfg.ImageCollection,
			Query:          qdrant.NewQuery(queryVec...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		indexOperations.WithLabelValues("knn_images", "error").Inc()
		return nil, wrapIndexErr(err, "image knn search")
	}

	hits := make([]ImageHit, 0, len(results))
	for _, point := range results {
		h := ImageHit{Score: float64(point.Score)}
		for key, v := range point.Payload {
			switch key {
			case "asset_id":
				h.AssetID = v.GetIntegerValue()
			case "doc_id":
				h.DocumentID = v.GetIntegerValue()
			case "caption":
				h.Caption = v.GetStringValue()
			case "source_path":
				h.SourcePath = v.GetStringValue()
			}
		}
		hits = append(hits, h)
	}
	indexOperations.WithLabelValues("knn_images", "ok").Inc()
	return hits, nil
}

// finalizeScores min-max normalizes scores to [0, 1] and applies recency
// decay when a half-life is configured. Order is preserved for equal inputs
// and re-sorted when decay changes relative scores.
func (x *Index) finalizeScores(hits []Hit) {
	if len(hits) == 0 {
		return
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	for i := range hits {
		if hi > lo {
			hits[i].Score = (hits[i].Score - lo) / (hi - lo)
		} else {
			hits[i].Score = 1
		}
	}

	halfLife := x.cfg.RecencyHalfLife.Duration()
	if halfLife <= 0 {
		return
	}
	now := time.Now()
	changed := false
	for i := range hits {
		if hits[i].CreatedAt.IsZero() {
			continue
		}
		age := now.Sub(hits[i].CreatedAt)
		if age <= 0 {
			continue
		}
		decay := math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
		hits[i].Score *= decay
		changed = true
	}
	if changed {
		sortHitsByScore(hits)
	}
}

func sortHitsByScore(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
