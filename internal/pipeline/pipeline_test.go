package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalbrief/briefd/internal/budget"
	"github.com/signalbrief/briefd/internal/cluster"
	"github.com/signalbrief/briefd/internal/fetch"
	"github.com/signalbrief/briefd/internal/llm"
	"github.com/signalbrief/briefd/internal/normalize"
	"github.com/signalbrief/briefd/internal/store"
)

// fakeDB implements StoreAPI in memory with the same claim semantics as the
// SQL store. Items are keyed by section, or section+"/"+region when a
// region filter applies.
type fakeDB struct {
	mu         sync.Mutex
	runs       map[string]*store.RunRecord
	nextID     int64
	items      map[string][]store.ItemRecord
	sources    []store.SourceRecord
	embeddings map[int64][]float32
	duplicates map[int64]int64
	clusters   map[string][]store.ClusterRecord
	sections   map[string]store.SectionRecord
	stages     map[string]interface{}
	listErrs   map[string]error
	sectionErr error
	signals    store.PreferenceSignals
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		runs:       map[string]*store.RunRecord{},
		items:      map[string][]store.ItemRecord{},
		embeddings: map[int64][]float32{},
		duplicates: map[int64]int64{},
		clusters:   map[string][]store.ClusterRecord{},
		sections:   map[string]store.SectionRecord{},
		stages:     map[string]interface{}{},
		signals: store.PreferenceSignals{
			ItemVotes:    map[int64]int{},
			MutedSources: map[int64]bool{},
		},
	}
}

func itemKey(section, region string) string {
	if region == "" {
		return section
	}
	return section + "/" + region
}

func (f *fakeDB) EnsureRun(ctx context.Context, runDate string) (store.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runDate]; ok {
		return *r, nil
	}
	f.nextID++
	r := &store.RunRecord{ID: f.nextID, RunDate: runDate, Status: store.RunStatusPending}
	f.runs[runDate] = r
	return *r, nil
}

func (f *fakeDB) ClaimRun(ctx context.Context, runDate string) (store.RunRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runDate]
	if !ok {
		return store.RunRecord{}, false, nil
	}
	if r.Status != store.RunStatusPending && r.Status != store.RunStatusFailed {
		return store.RunRecord{}, false, nil
	}
	r.Status = store.RunStatusRunning
	return *r, true, nil
}

func (f *fakeDB) ResetRun(ctx context.Context, runDate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runDate]; ok && (r.Status == store.RunStatusComplete || r.Status == store.RunStatusFailed) {
		r.Status = store.RunStatusPending
		r.TokensSpent = 0
	}
	return nil
}

func (f *fakeDB) GetRunByDate(ctx context.Context, runDate string) (store.RunRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runDate]; ok {
		return *r, true, nil
	}
	return store.RunRecord{}, false, nil
}

func (f *fakeDB) SetRunStatus(ctx context.Context, runID int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ID == runID {
			r.Status = status
		}
	}
	return nil
}

func (f *fakeDB) RecordStageResult(ctx context.Context, runID int64, stage string, result interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[stage] = result
	return nil
}

func (f *fakeDB) FinishRun(ctx context.Context, runID int64, status string, degradation int, tokensSpent int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ID == runID {
			r.Status = status
			r.DegradationLevel = degradation
			r.TokensSpent = tokensSpent
			r.Error = errMsg
		}
	}
	return nil
}

func (f *fakeDB) ListSources(ctx context.Context) ([]store.SourceRecord, error) {
	return f.sources, nil
}

func (f *fakeDB) ListClusterableItems(ctx context.Context, section, region string, since time.Time) ([]store.ItemRecord, error) {
	key := itemKey(section, region)
	if err := f.listErrs[key]; err != nil {
		return nil, err
	}
	return f.items[key], nil
}

func (f *fakeDB) MarkItemDuplicate(ctx context.Context, id, duplicateOf int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duplicates[id] = duplicateOf
	return nil
}

func (f *fakeDB) GetItemEmbeddings(ctx context.Context, itemIDs []int64) (map[int64][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int64][]float32{}
	for _, id := range itemIDs {
		if v, ok := f.embeddings[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeDB) UpsertItemEmbedding(ctx context.Context, itemID int64, model string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[itemID] = vector
	return nil
}

func (f *fakeDB) ReplaceClusters(ctx context.Context, runID int64, section string, clusters []store.ClusterRecord) ([]store.ClusterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters[section] = clusters
	return clusters, nil
}

func (f *fakeDB) UpsertBriefSection(ctx context.Context, rec store.SectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sectionErr != nil {
		return f.sectionErr
	}
	f.sections[rec.Section] = rec
	return nil
}

func (f *fakeDB) PreferenceSignals(ctx context.Context, since time.Time) (store.PreferenceSignals, error) {
	return f.signals, nil
}

type fakeFetchStage struct {
	err       error
	started   chan struct{}
	block     chan struct{}
	startOnce sync.Once
}

func (f *fakeFetchStage) Run(ctx context.Context) (fetch.Result, error) {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	return fetch.Result{SourcesTried: 1}, f.err
}

type fakeNormalizeStage struct {
	err error
}

func (f *fakeNormalizeStage) Run(ctx context.Context, since time.Time) (normalize.Result, error) {
	return normalize.Result{Processed: 1}, f.err
}

type fakeGateway struct {
	mu            sync.Mutex
	level         int
	sectionLevels map[string]int
	settled       []store.LedgerEntry
	authErr       error
	maxGrant      int64
}

func (g *fakeGateway) Authorize(ctx context.Context, section string, requestedMax int64) (budget.Grant, error) {
	if g.authErr != nil {
		return budget.Grant{}, g.authErr
	}
	max := requestedMax
	if g.maxGrant > 0 && max > g.maxGrant {
		max = g.maxGrant
	}
	return budget.Grant{Section: section, MaxTokens: max, Degradation: g.level}, nil
}

func (g *fakeGateway) Settle(ctx context.Context, e store.LedgerEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settled = append(g.settled, e)
	return nil
}

func (g *fakeGateway) Level(ctx context.Context) (int, error) { return g.level, nil }

func (g *fakeGateway) SectionLevel(ctx context.Context, section string) (int, error) {
	if lvl, ok := g.sectionLevels[section]; ok {
		return lvl, nil
	}
	return g.level, nil
}

type fakeProvider struct {
	completeErr error
	embedErr    error
}

func (p *fakeProvider) Complete(ctx context.Context, system, user string, maxTokens int64) (llm.Completion, error) {
	if p.completeErr != nil {
		return llm.Completion{}, p.completeErr
	}
	return llm.Completion{
		Text:  "Generated digest.",
		Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, LatencyMS: 42},
	}, nil
}

func (p *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, llm.Usage, error) {
	if p.embedErr != nil {
		return nil, llm.Usage{}, p.embedErr
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(i + 1), 1}
	}
	return vecs, llm.Usage{PromptTokens: int64(10 * len(texts)), TotalTokens: int64(10 * len(texts)), LatencyMS: 7}, nil
}

func (p *fakeProvider) Model() string          { return "gpt-4o-mini" }
func (p *fakeProvider) EmbeddingModel() string { return "text-embedding-3-small" }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func sectionItems(section string, n int) []store.ItemRecord {
	items := make([]store.ItemRecord, n)
	now := time.Now()
	for i := range items {
		items[i] = store.ItemRecord{
			ID:          int64(i + 1),
			SourceID:    int64(i%2 + 1),
			Section:     section,
			Title:       fmt.Sprintf("Story %d", i+1),
			Content:     fmt.Sprintf("Body text for story %d. It has several sentences. More detail follows.", i+1),
			PublishedAt: &now,
			FetchedAt:   now,
		}
	}
	return items
}

func specsFor(sections ...string) []SectionSpec {
	specs := make([]SectionSpec, 0, len(sections))
	for _, s := range sections {
		specs = append(specs, SectionSpec{Key: s, Source: s})
	}
	return specs
}

func newOrchestrator(db *fakeDB, gw *fakeGateway, p llm.Client, sections ...string) *Orchestrator {
	if len(sections) == 0 {
		sections = []string{"market"}
	}
	return New(db, &fakeFetchStage{}, &fakeNormalizeStage{}, cluster.NewEngine(cluster.Config{}),
		gw, p, nil, Config{Sections: specsFor(sections...)}, quietLogger())
}

func TestRunCompletes(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 3)
	gw := &fakeGateway{}
	o := newOrchestrator(db, gw, &fakeProvider{})

	run, err := o.Run(context.Background(), "2026-08-26", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.RunStatusComplete {
		t.Fatalf("status = %q, want complete", run.Status)
	}
	sec, ok := db.sections["market"]
	if !ok {
		t.Fatal("market section not written")
	}
	if sec.Extractive {
		t.Fatal("healthy budget should synthesize, not go extractive")
	}
	if sec.TokensUsed != 150 {
		t.Fatalf("tokens_used = %d, want 150", sec.TokensUsed)
	}
	// Embedding + completion both settled against the ledger, each with
	// its measured latency.
	if len(gw.settled) != 2 {
		t.Fatalf("settled %d ledger entries, want 2", len(gw.settled))
	}
	for _, e := range gw.settled {
		if e.LatencyMS == 0 {
			t.Fatalf("ledger entry %q missing latency", e.Purpose)
		}
	}
}

func TestRunRejectsWhileInFlight(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	o := newOrchestrator(db, &fakeGateway{}, &fakeProvider{})

	if _, err := db.EnsureRun(context.Background(), "2026-08-26"); err != nil {
		t.Fatal(err)
	}
	if _, claimed, _ := db.ClaimRun(context.Background(), "2026-08-26"); !claimed {
		t.Fatal("setup claim failed")
	}

	_, err := o.Run(context.Background(), "2026-08-26", false)
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestInProcessGateRejectsConcurrentRun(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	fetcher := &fakeFetchStage{started: make(chan struct{}), block: make(chan struct{})}
	o := New(db, fetcher, &fakeNormalizeStage{}, cluster.NewEngine(cluster.Config{}),
		&fakeGateway{}, &fakeProvider{}, nil, Config{Sections: specsFor("market")}, quietLogger())

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), "2026-08-26", false)
		done <- err
	}()
	<-fetcher.started

	// A different date is rejected too: the gate is per process, not per
	// date, and it never blocks.
	_, err := o.Run(context.Background(), "2026-08-27", false)
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}

	close(fetcher.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Released after the run finishes.
	if _, err := o.Run(context.Background(), "2026-08-27", false); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestRunCompleteIsIdempotent(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	o := newOrchestrator(db, &fakeGateway{}, &fakeProvider{})

	if _, err := o.Run(context.Background(), "2026-08-26", false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := o.Run(context.Background(), "2026-08-26", false)
	if !errors.Is(err, ErrRunComplete) {
		t.Fatalf("second run err = %v, want ErrRunComplete", err)
	}

	// force re-runs a complete date.
	run, err := o.Run(context.Background(), "2026-08-26", true)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if run.Status != store.RunStatusComplete {
		t.Fatalf("forced run status = %q", run.Status)
	}
}

func TestFailedRunIsClaimableAgain(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	// Clusters exist but every synthesis attempt errors, so the run fails.
	gw := &fakeGateway{authErr: errors.New("ledger unavailable")}
	o := newOrchestrator(db, gw, &fakeProvider{})

	if _, err := o.Run(context.Background(), "2026-08-26", false); err == nil {
		t.Fatal("expected run to fail when no section can be generated")
	}
	if db.runs["2026-08-26"].Status != store.RunStatusFailed {
		t.Fatalf("status = %q, want failed", db.runs["2026-08-26"].Status)
	}

	// A failed run can be retried without force.
	o2 := newOrchestrator(db, &fakeGateway{}, &fakeProvider{})
	if _, err := o2.Run(context.Background(), "2026-08-26", false); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestFetchFailureStillCompletesRun(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	o := New(db, &fakeFetchStage{err: errors.New("network down")}, &fakeNormalizeStage{},
		cluster.NewEngine(cluster.Config{}), &fakeGateway{}, &fakeProvider{}, nil,
		Config{Sections: specsFor("market")}, quietLogger())

	run, err := o.Run(context.Background(), "2026-08-26", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.RunStatusComplete {
		t.Fatalf("status = %q, want complete despite fetch failure", run.Status)
	}
	// The failure is recorded in the stage results, not swallowed.
	stage, ok := db.stages["fetch"].(map[string]string)
	if !ok {
		t.Fatalf("fetch stage result = %#v, want error map", db.stages["fetch"])
	}
	if !strings.Contains(stage["error"], "network down") {
		t.Fatalf("fetch stage error = %q", stage["error"])
	}
	if _, ok := db.sections["market"]; !ok {
		t.Fatal("sections should still be built from already-fetched items")
	}
}

func TestNormalizeFailureStillCompletesRun(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	o := New(db, &fakeFetchStage{}, &fakeNormalizeStage{err: errors.New("extractor crashed")},
		cluster.NewEngine(cluster.Config{}), &fakeGateway{}, &fakeProvider{}, nil,
		Config{Sections: specsFor("market")}, quietLogger())

	run, err := o.Run(context.Background(), "2026-08-26", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.RunStatusComplete {
		t.Fatalf("status = %q, want complete despite normalize failure", run.Status)
	}
	stage, ok := db.stages["normalize"].(map[string]string)
	if !ok {
		t.Fatalf("normalize stage result = %#v, want error map", db.stages["normalize"])
	}
	if !strings.Contains(stage["error"], "extractor crashed") {
		t.Fatalf("normalize stage error = %q", stage["error"])
	}
}

func TestEmptyDayCompletes(t *testing.T) {
	db := newFakeDB()
	o := newOrchestrator(db, &fakeGateway{}, &fakeProvider{})

	run, err := o.Run(context.Background(), "2026-08-26", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.RunStatusComplete {
		t.Fatalf("status = %q, want complete on an empty day", run.Status)
	}
	if len(db.sections) != 0 {
		t.Fatalf("no sections expected, got %d", len(db.sections))
	}
}

func TestSectionIsolation(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	db.items["ai_news"] = sectionItems("ai_news", 2)
	// science fails outright; the other sections must still ship.
	db.listErrs = map[string]error{"science": errors.New("query timeout")}
	o := newOrchestrator(db, &fakeGateway{}, &fakeProvider{}, "market", "science", "ai_news")

	run, err := o.Run(context.Background(), "2026-08-26", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.RunStatusComplete {
		t.Fatalf("status = %q, want complete", run.Status)
	}
	if _, ok := db.sections["market"]; !ok {
		t.Fatal("market section missing")
	}
	if _, ok := db.sections["ai_news"]; !ok {
		t.Fatal("ai_news section missing")
	}
	if _, ok := db.sections["science"]; ok {
		t.Fatal("failed section should not produce output")
	}
}

func TestRegionPartitionsGeneralNews(t *testing.T) {
	db := newFakeDB()
	db.items["general_news/us"] = sectionItems("general_news", 2)
	db.items["general_news/india"] = sectionItems("general_news", 2)
	o := New(db, &fakeFetchStage{}, &fakeNormalizeStage{}, cluster.NewEngine(cluster.Config{}),
		&fakeGateway{}, &fakeProvider{}, nil, Config{Sections: []SectionSpec{
			{Key: "general_news_us", Source: "general_news", Region: "us"},
			{Key: "general_news_india", Source: "general_news", Region: "india"},
		}}, quietLogger())

	run, err := o.Run(context.Background(), "2026-08-26", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.RunStatusComplete {
		t.Fatalf("status = %q, want complete", run.Status)
	}
	// Each regional section is clustered and written under its own key.
	if _, ok := db.sections["general_news_us"]; !ok {
		t.Fatal("general_news_us section missing")
	}
	if _, ok := db.sections["general_news_india"]; !ok {
		t.Fatal("general_news_india section missing")
	}
	if len(db.clusters["general_news_us"]) == 0 || len(db.clusters["general_news_india"]) == 0 {
		t.Fatal("clusters should be stored per regional section")
	}
}

func TestSectionLevelDrivesSynthesis(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	db.items["ai_news"] = sectionItems("ai_news", 2)
	// market's own slice is drained; ai_news is healthy.
	gw := &fakeGateway{sectionLevels: map[string]int{"market": 4}}
	provider := &fakeProvider{}
	o := newOrchestrator(db, gw, provider, "market", "ai_news")

	if _, err := o.Run(context.Background(), "2026-08-26", false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !db.sections["market"].Extractive {
		t.Fatal("drained section must be extractive")
	}
	if db.sections["ai_news"].Extractive {
		t.Fatal("healthy section must still synthesize")
	}
}

type countingTuner struct {
	applied int
	err     error
}

func (c *countingTuner) Apply(ctx context.Context) error {
	c.applied++
	return c.err
}

func TestTunerAppliedEachRun(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	tuner := &countingTuner{}
	o := New(db, &fakeFetchStage{}, &fakeNormalizeStage{}, cluster.NewEngine(cluster.Config{}),
		&fakeGateway{}, &fakeProvider{}, nil,
		Config{Sections: specsFor("market"), Tuner: tuner}, quietLogger())

	if _, err := o.Run(context.Background(), "2026-08-26", false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tuner.applied != 1 {
		t.Fatalf("tuner applied %d times, want 1", tuner.applied)
	}

	// A tuning read failure must not block the run.
	tuner.err = errors.New("settings unavailable")
	if _, err := o.Run(context.Background(), "2026-08-27", false); err != nil {
		t.Fatalf("Run with failing tuner: %v", err)
	}
	if tuner.applied != 2 {
		t.Fatalf("tuner applied %d times, want 2", tuner.applied)
	}
}

func TestExtractiveFallbackOnExhaustedBudget(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	gw := &fakeGateway{level: 2, authErr: budget.ErrExhausted{Spent: 100000, Limit: 100000}}
	o := newOrchestrator(db, gw, &fakeProvider{})

	if _, err := o.Run(context.Background(), "2026-08-26", false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sec := db.sections["market"]
	if !sec.Extractive {
		t.Fatal("exhausted budget must produce extractive section")
	}
	if sec.TokensUsed != 0 {
		t.Fatalf("extractive section spent %d tokens", sec.TokensUsed)
	}
	if !strings.Contains(sec.Body, "Story") {
		t.Fatalf("extractive body should carry titles: %q", sec.Body)
	}
}

func TestLevelFourSkipsProvider(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	gw := &fakeGateway{level: 4}
	provider := &fakeProvider{completeErr: errors.New("must not be called")}
	o := newOrchestrator(db, gw, provider)

	if _, err := o.Run(context.Background(), "2026-08-26", false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sec := db.sections["market"]
	if !sec.Extractive {
		t.Fatal("level 4 must be extractive")
	}
	for _, e := range gw.settled {
		if e.Purpose == "synthesize" {
			t.Fatal("level 4 must not settle synthesis calls")
		}
	}
	if db.runs["2026-08-26"].DegradationLevel != 4 {
		t.Fatalf("run degradation = %d, want 4", db.runs["2026-08-26"].DegradationLevel)
	}
}

func TestCompletionFailureFallsBack(t *testing.T) {
	db := newFakeDB()
	db.items["market"] = sectionItems("market", 2)
	o := newOrchestrator(db, &fakeGateway{}, &fakeProvider{completeErr: errors.New("rate limited")})

	if _, err := o.Run(context.Background(), "2026-08-26", false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !db.sections["market"].Extractive {
		t.Fatal("provider failure should fall back to extractive output")
	}
}

func TestRunRejectsBadDate(t *testing.T) {
	o := newOrchestrator(newFakeDB(), &fakeGateway{}, &fakeProvider{})
	if _, err := o.Run(context.Background(), "08/26/2026", false); err == nil {
		t.Fatal("expected error for malformed date")
	}
}
