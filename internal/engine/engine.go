// Package engine orchestrates the correlation pipeline: it clusters each
// input batch, runs the heuristic detector over the result, maintains
// activity baselines, and publishes the latest cycle's output for the
// read side.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/koala73/worldmonitor-engine/internal/baseline"
	"github.com/koala73/worldmonitor-engine/internal/cluster"
	"github.com/koala73/worldmonitor-engine/internal/config"
	"github.com/koala73/worldmonitor-engine/internal/correlation"
	"github.com/koala73/worldmonitor-engine/internal/logging"
	"github.com/koala73/worldmonitor-engine/internal/model"
)

// CycleInput is everything one cycle consumes. The engine borrows the
// slices for the duration of the call and never retains them.
type CycleInput struct {
	Items       []model.RawItem
	Predictions []model.PredictionMarket
	Quotes      []model.MarketQuote
}

// CycleResult is what one cycle produced.
type CycleResult struct {
	Events  []model.ClusteredEvent
	Signals []model.CorrelationSignal
}

// InputFunc gathers a cycle's input. A failed gather skips the cycle.
type InputFunc func(ctx context.Context) (CycleInput, error)

// Engine ties the pipeline together. Cycles never overlap: state the
// detector carries between cycles (the previous snapshot, the dedup
// window) is only touched by the cycle path, which is serialized.
type Engine struct {
	clusterer *cluster.Clusterer
	detector  *correlation.Detector
	dedupe    *correlation.Deduper
	baselines *baseline.Service
	now       func() time.Time

	inCycle atomic.Bool

	mu        sync.RWMutex
	events    []model.ClusteredEvent
	signals   []model.CorrelationSignal
	lastCycle time.Time
	cycles    uint64
	dropped   uint64
}

// New builds an Engine from configuration. The baseline service is
// optional; without it IngestCounts rejects all input.
func New(cfg *config.Config, baselines *baseline.Service) *Engine {
	energy := make(map[string]struct{}, len(cfg.EnergySymbols))
	for _, sym := range cfg.EnergySymbols {
		energy[sym] = struct{}{}
	}
	vocab := correlation.Vocabulary{
		Topics:             cfg.Topics,
		PipelineKeywords:   cfg.PipelineKeywords,
		DisruptionKeywords: cfg.DisruptionKeywords,
		EnergySymbols:      energy,
		MarketTopics:       cfg.MarketTopics,
		CategoryOf:         cfg.CategoryOf,
	}
	dedupe := correlation.NewDeduper()
	return &Engine{
		clusterer: cluster.New(cfg.TierOf),
		detector:  correlation.NewDetectorWithDeduper(vocab, dedupe),
		dedupe:    dedupe,
		baselines: baselines,
		now:       time.Now,
	}
}

// RunCycle processes one input batch and publishes the result. Callers
// must not run cycles concurrently; use TryRunCycle when the caller
// cannot guarantee that.
func (e *Engine) RunCycle(ctx context.Context, in CycleInput) CycleResult {
	start := e.now()

	events := e.clusterer.Cluster(in.Items)
	signals := e.detector.Detect(events, in.Predictions, in.Quotes)

	e.mu.Lock()
	e.events = events
	e.signals = signals
	e.lastCycle = start
	e.cycles++
	e.mu.Unlock()

	logging.Debug("Cycle complete",
		"items", len(in.Items),
		"events", len(events),
		"signals", len(signals),
		"took", e.now().Sub(start))

	return CycleResult{Events: events, Signals: signals}
}

// TryRunCycle runs a cycle unless one is already in flight, in which
// case the input is dropped. A cycle that outlives its interval must not
// stack a second cycle behind itself.
func (e *Engine) TryRunCycle(ctx context.Context, in CycleInput) (CycleResult, bool) {
	if !e.inCycle.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		logging.Warn("Cycle still in flight, dropping batch", "items", len(in.Items))
		return CycleResult{}, false
	}
	defer e.inCycle.Store(false)
	return e.RunCycle(ctx, in), true
}

// Run gathers input and runs a cycle every interval until the context is
// cancelled. The first cycle runs immediately. An in-flight cycle is
// never cancelled mid-way; cancellation takes effect between cycles.
func (e *Engine) Run(ctx context.Context, interval time.Duration, gather InputFunc) {
	cycle := func() {
		in, err := gather(ctx)
		if err != nil {
			logging.Warn("Input gather failed, skipping cycle", "error", err)
			return
		}
		e.TryRunCycle(ctx, in)
	}

	cycle()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle()
		}
	}
}

// IngestCounts folds a batch of activity counts into the baselines, then
// evaluates each entry against its updated baseline. High and critical
// anomalies become baseline_anomaly signals, suppressed through the same
// window as the heuristic signals. Returns how many updates applied.
func (e *Engine) IngestCounts(ctx context.Context, updates []model.CountUpdate) (int, error) {
	if e.baselines == nil {
		return 0, fmt.Errorf("baseline service not configured")
	}

	applied, err := e.baselines.UpdateBatch(ctx, updates)
	if err != nil {
		return 0, err
	}

	var anomalies []model.CorrelationSignal
	for _, u := range updates {
		if _, err := model.ParseBaselineType(string(u.Type)); err != nil {
			continue
		}
		report := e.baselines.Evaluate(ctx, u.Type, u.Region, u.Count)
		if report.Anomaly == nil {
			continue
		}
		if report.Anomaly.Severity != model.SeverityHigh && report.Anomaly.Severity != model.SeverityCritical {
			continue
		}
		if sig, ok := e.anomalySignal(u, report); ok {
			anomalies = append(anomalies, sig)
		}
	}

	if len(anomalies) > 0 {
		e.mu.Lock()
		e.signals = append(e.signals, anomalies...)
		e.mu.Unlock()
	}
	return applied, nil
}

// anomalySignal converts an anomaly report into a signal, unless the
// suppression window already saw an equivalent one.
func (e *Engine) anomalySignal(u model.CountUpdate, report model.AnomalyReport) (model.CorrelationSignal, bool) {
	identifier := fmt.Sprintf("%s:%s", u.Type, u.Region)
	key := correlation.DedupeKey(model.SignalBaselineAnomaly, identifier, report.Anomaly.ZScore)
	if e.dedupe.IsDuplicate(key) {
		return model.CorrelationSignal{}, false
	}
	e.dedupe.MarkSeen(key)

	confidence := 0.75
	if report.Anomaly.Severity == model.SeverityCritical {
		confidence = 0.9
	}
	sig := model.CorrelationSignal{
		ID:    uuid.NewString(),
		Type:  model.SignalBaselineAnomaly,
		Title: fmt.Sprintf("%s activity anomaly in %s", u.Type, u.Region),
		Description: fmt.Sprintf("%s count %.0f is %.1fx the baseline (z=%.1f, %s)",
			u.Type, u.Count, report.Anomaly.Multiplier, report.Anomaly.ZScore, report.Anomaly.Severity),
		Confidence: confidence,
		Timestamp:  e.now(),
		Evidence: model.Evidence{
			RelatedTopics: []string{u.Region},
		},
	}
	return sig, true
}

// Baselines exposes the baseline service, nil when not configured.
func (e *Engine) Baselines() *baseline.Service {
	return e.baselines
}

// Events returns the last published event snapshot.
func (e *Engine) Events() []model.ClusteredEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.ClusteredEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Signals returns the last published signal snapshot.
func (e *Engine) Signals() []model.CorrelationSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.CorrelationSignal, len(e.signals))
	copy(out, e.signals)
	return out
}

// Stats reports cycle counters for the health surface.
func (e *Engine) Stats() (cycles, dropped uint64, lastCycle time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycles, e.dropped, e.lastCycle
}
