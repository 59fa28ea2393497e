// Package engine implements the retrieval pipeline: embed the query,
// over-fetch candidates from the vector index, join them against the
// metadata store, filter, re-rank, and truncate to K.
//
// Each request runs the stages strictly in sequence with its own timeout
// budget per stage; concurrent requests share nothing but the index and
// the store. Referential-integrity gaps (a candidate with no metadata
// row) are dropped and counted, never surfaced as request failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quiverhq/quiverd/internal/config"
	"github.com/quiverhq/quiverd/internal/logging"
	"github.com/quiverhq/quiverd/internal/metastore"
	"github.com/quiverhq/quiverd/internal/rerank"
	"github.com/quiverhq/quiverd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("quiverd.engine")

// Options tune the retrieval pipeline.
type Options struct {
	// OverfetchFactor F and OverfetchMargin M size the first index query
	// at max(K*F, K+M), anticipating post-filter losses.
	OverfetchFactor int
	OverfetchMargin int

	// MaxOverfetchFactor caps the single retry query at MaxOverfetchFactor*K.
	MaxOverfetchFactor int

	// PartialResults degrades to vector-only results when the metadata
	// store is unavailable instead of failing the request.
	PartialResults bool

	// MinScore drops results scoring below the threshold after re-ranking.
	MinScore float64

	// Per-stage timeout budgets.
	EmbedTimeout    time.Duration
	IndexTimeout    time.Duration
	MetadataTimeout time.Duration
}

// OptionsFromConfig converts the retrieval config section.
func OptionsFromConfig(cfg config.RetrievalConfig) Options {
	return Options{
		OverfetchFactor:    cfg.OverfetchFactor,
		OverfetchMargin:    cfg.OverfetchMargin,
		MaxOverfetchFactor: cfg.MaxOverfetchFactor,
		PartialResults:     cfg.PartialResults,
		MinScore:           cfg.MinScore,
		EmbedTimeout:       cfg.Timeouts.Embed.Duration(),
		IndexTimeout:       cfg.Timeouts.Index.Duration(),
		MetadataTimeout:    cfg.Timeouts.Metadata.Duration(),
	}
}

func (o *Options) applyDefaults() {
	if o.OverfetchFactor == 0 {
		o.OverfetchFactor = 3
	}
	if o.OverfetchMargin == 0 {
		o.OverfetchMargin = 10
	}
	if o.MaxOverfetchFactor == 0 {
		o.MaxOverfetchFactor = 10
	}
	if o.EmbedTimeout == 0 {
		o.EmbedTimeout = 5 * time.Second
	}
	if o.IndexTimeout == 0 {
		o.IndexTimeout = 2 * time.Second
	}
	if o.MetadataTimeout == 0 {
		o.MetadataTimeout = 2 * time.Second
	}
}

// Query is one search request.
type Query struct {
	Text   string
	K      int
	Filter metastore.Filter
}

// Result is one ranked hit. Rank starts at 1 and is stable: re-running
// the same query against unchanged stores yields the same order.
type Result struct {
	ID       string
	Score    float64
	Rank     int
	Metadata metastore.Metadata
}

// Response is the final result set. Partial is true when the metadata
// store was unavailable and the engine degraded to vector-only results.
type Response struct {
	Results []Result
	Partial bool
}

// Engine composes the embedder, the vector index, and the metadata store
// into the retrieval pipeline.
type Engine struct {
	embedder vectorstore.Embedder
	index    vectorstore.Index
	meta     metastore.Store
	policy   rerank.Policy
	opts     Options
	logger   *zap.Logger
}

// New creates an Engine. A nil policy defaults to pure similarity.
func New(embedder vectorstore.Embedder, index vectorstore.Index, meta metastore.Store, policy rerank.Policy, opts Options, logger *zap.Logger) (*Engine, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if index == nil {
		return nil, errors.New("vector index is required")
	}
	if meta == nil {
		return nil, errors.New("metadata store is required")
	}
	if policy == nil {
		policy = rerank.PureSimilarity{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Engine{
		embedder: embedder,
		index:    index,
		meta:     meta,
		policy:   policy,
		opts:     opts,
		logger:   logger,
	}, nil
}

// joined is a candidate that survived the metadata join.
type joined struct {
	id         string
	similarity float64
	md         metastore.Metadata
}

// Search runs the full pipeline and returns up to q.K results ordered by
// score descending, ties broken by ID ascending.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", q.K))

	logger := logging.FromContext(ctx, e.logger).With(zap.Int("k", q.K))

	fail := func(err error) (*Response, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observeSearch(start, "error")
		return nil, err
	}

	if q.Text == "" {
		return fail(fmt.Errorf("%w: query text must not be empty", ErrInvalidQuery))
	}
	if q.K < 1 {
		return fail(fmt.Errorf("%w: K must be at least 1, got %d", ErrInvalidQuery, q.K))
	}

	vec, err := e.embedQuery(ctx, q.Text)
	if err != nil {
		return fail(err)
	}

	overfetch := q.K * e.opts.OverfetchFactor
	if margin := q.K + e.opts.OverfetchMargin; margin > overfetch {
		overfetch = margin
	}
	maxOverfetch := q.K * e.opts.MaxOverfetchFactor
	attrFilter := visibilityPushdown(q.Filter)

	candidates, err := e.queryIndex(ctx, vec, overfetch, attrFilter)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	metadata, err := e.fetchMetadata(ctx, candidates)
	if err != nil {
		if e.opts.PartialResults && errors.Is(err, ErrMetadataUnavailable) {
			logger.Warn("metadata store unavailable, degrading to vector-only results", zap.Error(err))
			resp := e.partialResponse(q, candidates)
			span.SetAttributes(attribute.Bool("partial", true))
			span.SetStatus(codes.Ok, "partial")
			observeSearch(start, "partial")
			return resp, nil
		}
		return fail(err)
	}

	seenGaps := make(map[string]struct{})
	survivors := e.joinFilter(logger, candidates, metadata, q.Filter, seenGaps)

	// One bounded retry: only worth it when the index returned its full
	// ask, meaning more candidates may exist beyond the first fetch.
	if len(survivors) < q.K && len(candidates) >= overfetch && maxOverfetch > overfetch {
		overfetchRetries.Inc()
		logger.Debug("retrying with larger overfetch",
			zap.Int("survivors", len(survivors)),
			zap.Int("overfetch", maxOverfetch),
		)

		candidates, err = e.queryIndex(ctx, vec, maxOverfetch, attrFilter)
		if err != nil {
			return fail(err)
		}
		metadata, err = e.fetchMetadata(ctx, candidates)
		if err != nil {
			return fail(err)
		}
		survivors = e.joinFilter(logger, candidates, metadata, q.Filter, seenGaps)
	}

	results := e.rank(q.K, survivors)
	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "success")
	observeSearch(start, "success")
	return &Response{Results: results}, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
	defer cancel()

	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		if isDeadline(ctx, err) {
			return nil, fmt.Errorf("%w: embedding stage: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	return vec, nil
}

func (e *Engine) queryIndex(ctx context.Context, vec []float32, k int, attrFilter map[string]string) ([]vectorstore.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.IndexTimeout)
	defer cancel()

	candidates, err := e.index.Query(ctx, vec, k, attrFilter)
	if err != nil {
		if isDeadline(ctx, err) {
			return nil, fmt.Errorf("%w: index stage: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return candidates, nil
}

func (e *Engine) fetchMetadata(ctx context.Context, candidates []vectorstore.Candidate) (map[string]metastore.Metadata, error) {
	if len(candidates) == 0 {
		return map[string]metastore.Metadata{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.MetadataTimeout)
	defer cancel()

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	metadata, err := e.meta.GetMany(ctx, ids)
	if err != nil {
		if isDeadline(ctx, err) {
			return nil, fmt.Errorf("%w: metadata stage: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}
	return metadata, nil
}

// joinFilter joins candidates with their metadata and applies the
// structured filter. Candidates with no metadata row are dropped; each
// distinct gap is logged and counted exactly once per request, even when
// the retry sees it again.
func (e *Engine) joinFilter(logger *zap.Logger, candidates []vectorstore.Candidate, metadata map[string]metastore.Metadata, f metastore.Filter, seenGaps map[string]struct{}) []joined {
	survivors := make([]joined, 0, len(candidates))
	for _, c := range candidates {
		md, ok := metadata[c.ID]
		if !ok {
			if _, seen := seenGaps[c.ID]; !seen {
				seenGaps[c.ID] = struct{}{}
				integrityGaps.Inc()
				logger.Warn("dropping candidate with missing metadata", zap.String("id", c.ID))
			}
			continue
		}
		if !f.Matches(md) {
			continue
		}
		survivors = append(survivors, joined{id: c.ID, similarity: float64(c.Score), md: md})
	}
	return survivors
}

// rank applies the re-ranking policy, the score floor, the deterministic
// ordering, and the K truncation. Duplicate IDs keep their best score.
func (e *Engine) rank(k int, survivors []joined) []Result {
	now := time.Now()
	best := make(map[string]Result, len(survivors))
	for _, s := range survivors {
		score := e.policy.Score(s.similarity, s.md, now)
		if score < e.opts.MinScore {
			continue
		}
		if prev, ok := best[s.id]; ok && prev.Score >= score {
			continue
		}
		best[s.id] = Result{ID: s.id, Score: score, Metadata: s.md}
	}

	results := make([]Result, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// partialResponse builds vector-only results when the metadata store is
// down: raw similarity scores, empty metadata, structured filters not
// applied (there is nothing to apply them to).
func (e *Engine) partialResponse(q Query, candidates []vectorstore.Candidate) *Response {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		score := float64(c.Score)
		if score < e.opts.MinScore {
			continue
		}
		results = append(results, Result{ID: c.ID, Score: score})
	}
	sortResults(results)
	if len(results) > q.K {
		results = results[:q.K]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return &Response{Results: results, Partial: true}
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// visibilityPushdown turns a single-visibility filter into an index
// attribute filter so the index skips invisible vectors up front. Multi-
// visibility filters stay post-join; attr filters are exact-match only.
func visibilityPushdown(f metastore.Filter) map[string]string {
	if len(f.Visibilities) == 1 {
		return map[string]string{"visibility": f.Visibilities[0]}
	}
	return nil
}

// isDeadline reports whether err was caused by the stage budget expiring.
func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		(ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded))
}
