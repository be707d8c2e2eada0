// Package pipeline orchestrates the daily brief run: fetch, normalize,
// dedup and cluster, rank, then budget-aware synthesis. Each date has
// exactly one run row; claiming it is the single-flight gate, so concurrent
// triggers cannot double-spend the budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalbrief/briefd/internal/budget"
	"github.com/signalbrief/briefd/internal/cluster"
	"github.com/signalbrief/briefd/internal/fetch"
	"github.com/signalbrief/briefd/internal/llm"
	"github.com/signalbrief/briefd/internal/normalize"
	"github.com/signalbrief/briefd/internal/rank"
	"github.com/signalbrief/briefd/internal/store"
)

// ErrRunInProgress is returned when the date's run is already claimed.
var ErrRunInProgress = errors.New("run already in progress")

// ErrRunComplete is returned when the date's run already completed and the
// caller did not force a re-run.
var ErrRunComplete = errors.New("run already complete")

// StoreAPI is the slice of the store the orchestrator needs.
type StoreAPI interface {
	EnsureRun(ctx context.Context, runDate string) (store.RunRecord, error)
	ClaimRun(ctx context.Context, runDate string) (store.RunRecord, bool, error)
	ResetRun(ctx context.Context, runDate string) error
	GetRunByDate(ctx context.Context, runDate string) (store.RunRecord, bool, error)
	SetRunStatus(ctx context.Context, runID int64, status string) error
	RecordStageResult(ctx context.Context, runID int64, stage string, result interface{}) error
	FinishRun(ctx context.Context, runID int64, status string, degradation int, tokensSpent int64, errMsg string) error

	ListSources(ctx context.Context) ([]store.SourceRecord, error)
	ListClusterableItems(ctx context.Context, section, region string, since time.Time) ([]store.ItemRecord, error)
	MarkItemDuplicate(ctx context.Context, id, duplicateOf int64) error
	GetItemEmbeddings(ctx context.Context, itemIDs []int64) (map[int64][]float32, error)
	UpsertItemEmbedding(ctx context.Context, itemID int64, model string, vector []float32) error
	ReplaceClusters(ctx context.Context, runID int64, section string, clusters []store.ClusterRecord) ([]store.ClusterRecord, error)
	UpsertBriefSection(ctx context.Context, rec store.SectionRecord) error
	PreferenceSignals(ctx context.Context, since time.Time) (store.PreferenceSignals, error)
}

// FetchStage runs the fetch coordinator.
type FetchStage interface {
	Run(ctx context.Context) (fetch.Result, error)
}

// NormalizeStage runs the normalizer.
type NormalizeStage interface {
	Run(ctx context.Context, since time.Time) (normalize.Result, error)
}

// Budgeter is the slice of the budget gateway the pipeline needs.
type Budgeter interface {
	Authorize(ctx context.Context, section string, requestedMax int64) (budget.Grant, error)
	Settle(ctx context.Context, e store.LedgerEntry) error
	Level(ctx context.Context) (int, error)
	SectionLevel(ctx context.Context, section string) (int, error)
}

// Indexer receives normalized items for the search index. Optional.
type Indexer interface {
	IndexBatch(items []store.ItemRecord) error
}

// Tuner re-reads runtime tuning before a run. Optional.
type Tuner interface {
	Apply(ctx context.Context) error
}

// SectionSpec names one brief section: Key is the budget and storage key,
// Source is the item section it pulls from, and Region restricts the pull
// to sources in that region when set. Key and Source coincide for
// unpartitioned sections.
type SectionSpec struct {
	Key    string
	Source string
	Region string
}

// Config tunes one orchestrator.
type Config struct {
	// Sections is the roster of brief sections to build each day.
	Sections []SectionSpec
	// Lookback bounds how far back items are pulled into a run.
	Lookback time.Duration
	// StageTimeout bounds each stage.
	StageTimeout time.Duration
	// Tuner, when set, refreshes runtime tuning at the start of each run.
	Tuner Tuner
	// Metrics, when set, records run and stage counters.
	Metrics *Metrics
	// Tracer, when set, wraps each run in a span.
	Tracer trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 10 * time.Minute
	}
	return c
}

// Orchestrator drives one run through its stages.
type Orchestrator struct {
	st         StoreAPI
	fetcher    FetchStage
	normalizer NormalizeStage
	engine     *cluster.Engine
	gateway    Budgeter
	provider   llm.Client
	indexer    Indexer
	cfg        Config
	logger     *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	inFlight bool
}

// New builds an orchestrator.
func New(st StoreAPI, fetcher FetchStage, normalizer NormalizeStage, engine *cluster.Engine,
	gateway Budgeter, provider llm.Client, indexer Indexer, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		st:         st,
		fetcher:    fetcher,
		normalizer: normalizer,
		engine:     engine,
		gateway:    gateway,
		provider:   provider,
		indexer:    indexer,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// tryAcquire is the in-process gate: one run per orchestrator at a time,
// regardless of date. Non-blocking; the DB claim still guards across
// processes.
func (o *Orchestrator) tryAcquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return false
	}
	o.inFlight = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

// Run executes the pipeline for one date (YYYY-MM-DD). A run already in
// flight returns ErrRunInProgress; a completed run returns ErrRunComplete
// unless force is set, which resets it first. Failed runs are always
// claimable again.
func (o *Orchestrator) Run(ctx context.Context, runDate string, force bool) (store.RunRecord, error) {
	if _, err := time.Parse("2006-01-02", runDate); err != nil {
		return store.RunRecord{}, fmt.Errorf("invalid run date %q: %w", runDate, err)
	}

	if !o.tryAcquire() {
		return store.RunRecord{}, ErrRunInProgress
	}
	defer o.release()

	if o.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = o.cfg.Tracer.Start(ctx, "pipeline.run",
			trace.WithAttributes(attribute.String("run.date", runDate)))
		defer span.End()
	}

	if o.cfg.Tuner != nil {
		if err := o.cfg.Tuner.Apply(ctx); err != nil {
			// Stale tuning is better than no run.
			o.logger.Printf("apply pipeline tuning: %v", err)
		}
	}

	current, err := o.st.EnsureRun(ctx, runDate)
	if err != nil {
		return store.RunRecord{}, err
	}
	if current.Status == store.RunStatusComplete {
		if !force {
			return current, ErrRunComplete
		}
		if err := o.st.ResetRun(ctx, runDate); err != nil {
			return store.RunRecord{}, err
		}
	}

	run, claimed, err := o.st.ClaimRun(ctx, runDate)
	if err != nil {
		return store.RunRecord{}, err
	}
	if !claimed {
		latest, ok, err := o.st.GetRunByDate(ctx, runDate)
		if err != nil {
			return store.RunRecord{}, err
		}
		if ok && latest.Status == store.RunStatusComplete {
			return latest, ErrRunComplete
		}
		return latest, ErrRunInProgress
	}

	o.logger.Printf("run %s claimed (run_id=%d)", runDate, run.ID)
	tokens, err := o.execute(ctx, run)
	level := o.currentLevel(ctx)
	o.cfg.Metrics.recordTokens(ctx, tokens)
	if err != nil {
		o.cfg.Metrics.recordRun(ctx, store.RunStatusFailed)
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		if ferr := o.st.FinishRun(ctx, run.ID, store.RunStatusFailed, level, tokens, err.Error()); ferr != nil {
			o.logger.Printf("mark run %d failed: %v", run.ID, ferr)
		}
		return run, err
	}

	if err := o.st.FinishRun(ctx, run.ID, store.RunStatusComplete, level, tokens, ""); err != nil {
		return run, err
	}
	o.cfg.Metrics.recordRun(ctx, store.RunStatusComplete)
	o.logger.Printf("run %s complete (degradation=%d)", runDate, level)
	run.Status = store.RunStatusComplete
	run.DegradationLevel = level
	run.TokensSpent = tokens
	return run, nil
}

// execute runs the stages. Every stage is isolated: a failing stage logs,
// records its error in stage_results, and the run moves on with whatever
// the earlier stages produced. Only synthesis producing nothing (or a
// store write failing) fails the run.
func (o *Orchestrator) execute(ctx context.Context, run store.RunRecord) (int64, error) {
	since := o.now().Add(-o.cfg.Lookback)
	var tokensSpent int64

	fetchRes, err := o.runStage(ctx, func(sctx context.Context) (interface{}, error) {
		return o.fetcher.Run(sctx)
	})
	if err != nil {
		o.logger.Printf("fetch stage failed: %v", err)
		o.cfg.Metrics.recordStageError(ctx, "fetch")
		o.recordStage(ctx, run.ID, "fetch", map[string]string{"error": err.Error()})
	} else {
		o.recordStage(ctx, run.ID, "fetch", fetchRes)
	}

	normRes, err := o.runStage(ctx, func(sctx context.Context) (interface{}, error) {
		return o.normalizer.Run(sctx, since)
	})
	if err != nil {
		o.logger.Printf("normalize stage failed: %v", err)
		o.cfg.Metrics.recordStageError(ctx, "normalize")
		o.recordStage(ctx, run.ID, "normalize", map[string]string{"error": err.Error()})
	} else {
		o.recordStage(ctx, run.ID, "normalize", normRes)
	}

	sectionClusters := map[string][]rank.Scored{}
	clusterStats := map[string]interface{}{}
	for _, spec := range o.cfg.Sections {
		scored, items, tokens, err := o.clusterAndRankSection(ctx, run.ID, spec, since)
		tokensSpent += tokens
		if err != nil {
			o.logger.Printf("section %q clustering failed: %v", spec.Key, err)
			o.cfg.Metrics.recordStageError(ctx, "cluster")
			clusterStats[spec.Key] = map[string]string{"error": err.Error()}
			continue
		}
		if len(scored) == 0 {
			continue
		}
		sectionClusters[spec.Key] = scored
		clusterStats[spec.Key] = map[string]int{"clusters": len(scored), "items": len(items)}
	}
	o.recordStage(ctx, run.ID, "cluster", clusterStats)

	if err := o.st.SetRunStatus(ctx, run.ID, store.RunStatusGenerating); err != nil {
		return tokensSpent, err
	}

	synthStats := map[string]interface{}{}
	generated := 0
	for _, spec := range o.cfg.Sections {
		scored, ok := sectionClusters[spec.Key]
		if !ok {
			continue
		}
		rec, err := o.synthesizeSection(ctx, run.ID, spec.Key, scored)
		if err != nil {
			o.logger.Printf("section %q synthesis failed: %v", spec.Key, err)
			o.cfg.Metrics.recordStageError(ctx, "synthesize")
			synthStats[spec.Key] = map[string]string{"error": err.Error()}
			continue
		}
		if err := o.st.UpsertBriefSection(ctx, rec); err != nil {
			return tokensSpent, fmt.Errorf("persist section %q: %w", spec.Key, err)
		}
		tokensSpent += rec.TokensUsed
		generated++
		synthStats[spec.Key] = map[string]interface{}{
			"tokens_used": rec.TokensUsed,
			"extractive":  rec.Extractive,
		}
	}
	o.recordStage(ctx, run.ID, "synthesize", synthStats)
	if generated == 0 && len(sectionClusters) > 0 {
		return tokensSpent, fmt.Errorf("no section generated")
	}
	return tokensSpent, nil
}

// clusterAndRankSection runs dedup, embedding, clustering, and ranking for
// one section and persists the resulting clusters.
func (o *Orchestrator) clusterAndRankSection(ctx context.Context, runID int64, spec SectionSpec, since time.Time) ([]rank.Scored, []store.ItemRecord, int64, error) {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	source := spec.Source
	if source == "" {
		source = spec.Key
	}
	items, err := o.st.ListClusterableItems(sctx, source, spec.Region, since)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(items) == 0 {
		return nil, nil, 0, nil
	}

	dups := o.engine.Dedup(items)
	for _, dup := range dups {
		if err := o.st.MarkItemDuplicate(sctx, dup.ItemID, dup.DuplicateOf); err != nil {
			return nil, nil, 0, err
		}
	}
	items = dropDuplicates(items, dups)

	embeddings, embedTokens, err := o.ensureEmbeddings(sctx, spec.Key, items)
	if err != nil {
		// Clustering still works without vectors: every item becomes a
		// singleton. Degraded output beats no output.
		o.logger.Printf("section %q embeddings unavailable: %v", spec.Key, err)
		embeddings = map[int64][]float32{}
	}

	groups := o.engine.Cluster(items, embeddings)

	byID := make(map[int64]store.ItemRecord, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	sources, err := o.st.ListSources(sctx)
	if err != nil {
		return nil, nil, embedTokens, err
	}
	trust := make(map[int64]float64, len(sources))
	for _, src := range sources {
		trust[src.ID] = src.TrustScore
	}
	signals, err := o.st.PreferenceSignals(sctx, since.Add(-30*24*time.Hour))
	if err != nil {
		return nil, nil, embedTokens, err
	}

	candidates := make([]rank.Candidate, 0, len(groups))
	recs := make([]store.ClusterRecord, 0, len(groups))
	for _, g := range groups {
		members := make([]store.ItemRecord, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, byID[m.ItemID])
		}
		candidates = append(candidates, rank.Candidate{
			RepresentativeItemID: g.RepresentativeItemID,
			Items:                members,
		})
		recs = append(recs, store.ClusterRecord{
			RepresentativeItemID: g.RepresentativeItemID,
			Size:                 len(g.Members),
			Members:              g.Members,
		})
	}

	scored := rank.Rank(candidates, rank.Inputs{
		Now:           o.now(),
		TrustBySource: trust,
		ItemVotes:     signals.ItemVotes,
		MutedSources:  signals.MutedSources,
		Insights:      signals.Insights,
	})
	for i := range recs {
		for _, s := range scored {
			if s.RepresentativeItemID == recs[i].RepresentativeItemID {
				r := s.Rank
				recs[i].Rank = &r
				recs[i].Score = s.Score
				break
			}
		}
	}
	if _, err := o.st.ReplaceClusters(sctx, runID, spec.Key, recs); err != nil {
		return nil, nil, embedTokens, err
	}
	return scored, items, embedTokens, nil
}

// ensureEmbeddings loads stored vectors and embeds any items missing one,
// settling the embedding call against the ledger.
func (o *Orchestrator) ensureEmbeddings(ctx context.Context, section string, items []store.ItemRecord) (map[int64][]float32, int64, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	embeddings, err := o.st.GetItemEmbeddings(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	var missing []store.ItemRecord
	for _, item := range items {
		if _, ok := embeddings[item.ID]; !ok {
			missing = append(missing, item)
		}
	}
	if len(missing) == 0 || o.provider == nil {
		return embeddings, 0, nil
	}

	texts := make([]string, 0, len(missing))
	for _, item := range missing {
		texts = append(texts, item.Title+"\n"+clip(item.Content, 2000))
	}
	vecs, usage, err := o.provider.Embed(ctx, texts)
	if err != nil {
		return embeddings, 0, err
	}
	if err := o.gateway.Settle(ctx, store.LedgerEntry{
		Section:      section,
		Purpose:      "embed",
		Model:        o.provider.EmbeddingModel(),
		PromptTokens: usage.PromptTokens,
		TotalTokens:  usage.TotalTokens,
		CostUSD:      usage.CostUSD,
		LatencyMS:    usage.LatencyMS,
	}); err != nil {
		return embeddings, usage.TotalTokens, err
	}
	for i, item := range missing {
		if i >= len(vecs) {
			break
		}
		embeddings[item.ID] = vecs[i]
		if err := o.st.UpsertItemEmbedding(ctx, item.ID, o.provider.EmbeddingModel(), vecs[i]); err != nil {
			o.logger.Printf("persist embedding for item %d: %v", item.ID, err)
		}
	}
	if o.indexer != nil {
		if err := o.indexer.IndexBatch(items); err != nil {
			o.logger.Printf("index section %q items: %v", section, err)
		}
	}
	return embeddings, usage.TotalTokens, nil
}

func (o *Orchestrator) runStage(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	return fn(sctx)
}

func (o *Orchestrator) recordStage(ctx context.Context, runID int64, stage string, result interface{}) {
	if err := o.st.RecordStageResult(ctx, runID, stage, result); err != nil {
		o.logger.Printf("record %s stage result: %v", stage, err)
	}
}

func (o *Orchestrator) currentLevel(ctx context.Context) int {
	if o.gateway == nil {
		return 0
	}
	level, err := o.gateway.Level(ctx)
	if err != nil {
		return 0
	}
	return level
}

func dropDuplicates(items []store.ItemRecord, dups []cluster.Duplicate) []store.ItemRecord {
	if len(dups) == 0 {
		return items
	}
	dropped := make(map[int64]bool, len(dups))
	for _, d := range dups {
		dropped[d.ItemID] = true
	}
	out := items[:0]
	for _, item := range items {
		if !dropped[item.ID] {
			out = append(out, item)
		}
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
