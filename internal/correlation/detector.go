// Package correlation detects cross-source patterns: it runs a bank of
// independent heuristics over clustered events, prediction markets, and
// financial quotes, and emits typed correlation signals.
//
// The detector is stateful across cycles: it keeps exactly one previous
// snapshot (per-topic velocity, per-market percent change, per-prediction
// yes price). The first call after construction is a mandatory warm-up
// that only stores the snapshot and emits nothing.
package correlation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koala73/worldmonitor-engine/internal/model"
)

// Heuristic thresholds. See each rule for how they combine.
const (
	predictionShiftMin   = 5.0 // yes-price points
	predictionQuietMax   = 3.0 // related topic velocity below this is "quiet"
	velocityBase         = 3.0
	velocitySpikeFactor  = 2.0
	silentDivergenceMin  = 2.0 // market percent change
	quietTopicMax        = 2.0
	flowDivergenceMin    = 1.5 // energy percent change
	convergenceWindow    = 60 * time.Minute
	convergenceMinSize   = 3
	convergenceMinCats   = 3
	minEmitConfidence    = 0.6
	triangulationConf    = 0.9
)

// Vocabulary is the immutable keyword/category configuration the
// detector runs against, injected at construction.
type Vocabulary struct {
	// Topics is the fixed geopolitical/financial keyword list.
	Topics []string

	// PipelineKeywords and DisruptionKeywords are the two independent
	// lists a flow_drop event must hit (one from each).
	PipelineKeywords   []string
	DisruptionKeywords []string

	// EnergySymbols restricts flow_price_divergence.
	EnergySymbols map[string]struct{}

	// MarketTopics maps a quote symbol to its related topics.
	MarketTopics map[string][]string

	// CategoryOf maps a source name to its outlet category. Nil means
	// everything is "other".
	CategoryOf func(source string) model.SourceCategory
}

func (v Vocabulary) categoryOf(source string) model.SourceCategory {
	if v.CategoryOf == nil {
		return model.CategoryOther
	}
	return v.CategoryOf(source)
}

// snapshot is the cross-cycle state: what the world looked like last cycle.
type snapshot struct {
	topicVelocity map[string]float64
	marketChange  map[string]float64
	predictionYes map[string]float64
}

// Detector runs the heuristic bank. Not safe for concurrent Detect calls;
// the orchestrator serializes cycles.
type Detector struct {
	vocab  Vocabulary
	dedupe *Deduper
	now    func() time.Time
	prev   *snapshot
}

// NewDetector creates a Detector with its own deduper.
func NewDetector(vocab Vocabulary) *Detector {
	return NewDetectorWithDeduper(vocab, NewDeduper())
}

// NewDetectorWithDeduper creates a Detector sharing a caller-owned
// deduper, so other signal producers suppress against the same window.
func NewDetectorWithDeduper(vocab Vocabulary, dedupe *Deduper) *Detector {
	return &Detector{
		vocab:  vocab,
		dedupe: dedupe,
		now:    time.Now,
	}
}

// emission is a heuristic's raw output before dedup/collapse/filtering.
type emission struct {
	sig        model.CorrelationSignal
	identifier string
	value      float64
}

// Detect runs every heuristic over the cycle's inputs and returns the
// surviving signals. It never fails on malformed input: bad entries
// degrade to zero velocity or empty related topics and are skipped.
// The previous snapshot is overwritten exactly once per call, after all
// heuristics have run, regardless of how many signals fired.
func (d *Detector) Detect(events []model.ClusteredEvent, predictions []model.PredictionMarket, markets []model.MarketQuote) []model.CorrelationSignal {
	cur := d.buildSnapshot(events, predictions, markets)

	// Warm-up: no prior snapshot means no deltas to judge.
	if d.prev == nil {
		d.prev = cur
		return nil
	}

	var emissions []emission
	flowDropFired := false

	// flow_drop runs first: it gates flow_price_divergence this cycle.
	for _, e := range events {
		if em, ok := d.flowDrop(e); ok {
			emissions = append(emissions, em)
			flowDropFired = true
		}
	}
	if !flowDropFired {
		for _, q := range markets {
			if em, ok := d.flowPriceDivergence(q, cur); ok {
				emissions = append(emissions, em)
			}
		}
	}
	for _, p := range predictions {
		if em, ok := d.predictionLeadsNews(p, cur); ok {
			emissions = append(emissions, em)
		}
	}
	for _, topic := range d.sortedTopics(cur) {
		if em, ok := d.velocitySpike(topic, cur); ok {
			emissions = append(emissions, em)
		}
	}
	for _, q := range markets {
		if em, ok := d.silentDivergence(q, cur); ok {
			emissions = append(emissions, em)
		}
	}
	for _, e := range events {
		if em, ok := d.convergence(e); ok {
			emissions = append(emissions, em)
		}
	}
	for _, e := range events {
		if em, ok := d.triangulation(e); ok {
			emissions = append(emissions, em)
		}
	}

	// Collapse to one signal per type (first occurrence wins), drop weak
	// confidence, then suppress repeats. Suppression keys are marked only
	// for signals that actually survive, so a filtered emission cannot
	// shadow a later real one.
	var out []model.CorrelationSignal
	seenType := make(map[model.SignalType]bool)
	for _, em := range emissions {
		if seenType[em.sig.Type] {
			continue
		}
		seenType[em.sig.Type] = true

		if em.sig.Confidence < minEmitConfidence {
			continue
		}
		key := DedupeKey(em.sig.Type, em.identifier, em.value)
		if d.dedupe.IsDuplicate(key) {
			continue
		}
		d.dedupe.MarkSeen(key)
		out = append(out, em.sig)
	}

	d.prev = cur
	return out
}

// buildSnapshot extracts per-topic velocity and per-instrument state from
// the cycle inputs. Malformed entries are skipped, never fatal.
func (d *Detector) buildSnapshot(events []model.ClusteredEvent, predictions []model.PredictionMarket, markets []model.MarketQuote) *snapshot {
	s := &snapshot{
		topicVelocity: make(map[string]float64, len(d.vocab.Topics)),
		marketChange:  make(map[string]float64, len(markets)),
		predictionYes: make(map[string]float64, len(predictions)),
	}

	// Per-topic score: sum of (velocity + source count) over events whose
	// title mentions the topic.
	for _, topic := range d.vocab.Topics {
		var score float64
		for _, e := range events {
			if e.PrimaryTitle == "" {
				continue
			}
			if strings.Contains(strings.ToLower(e.PrimaryTitle), topic) {
				score += e.Velocity() + float64(e.SourceCount)
			}
		}
		s.topicVelocity[topic] = score
	}

	for _, q := range markets {
		if q.Symbol == "" || !isFinite(q.PercentChange) {
			continue
		}
		s.marketChange[q.Symbol] = q.PercentChange
	}
	for _, p := range predictions {
		if p.Title == "" || !isFinite(p.YesPrice) {
			continue
		}
		s.predictionYes[p.Title] = p.YesPrice
	}

	return s
}

// predictionLeadsNews fires when a prediction market moves hard while the
// news topics it trades on stay quiet: the market may know something the
// wires have not printed yet.
func (d *Detector) predictionLeadsNews(p model.PredictionMarket, cur *snapshot) (emission, bool) {
	prevYes, ok := d.prev.predictionYes[p.Title]
	if !ok || !isFinite(p.YesPrice) {
		return emission{}, false
	}
	shift := math.Abs(p.YesPrice - prevYes)
	if shift < predictionShiftMin {
		return emission{}, false
	}

	related := d.topicsIn(p.Title)
	velocity := d.aggregateVelocity(related, cur)
	if velocity >= predictionQuietMax {
		return emission{}, false
	}

	conf := math.Min(0.9, 0.5+shift/20)
	return emission{
		identifier: p.Title,
		value:      shift,
		sig: model.CorrelationSignal{
			ID:    uuid.NewString(),
			Type:  model.SignalPredictionLeadsNews,
			Title: p.Title,
			Description: fmt.Sprintf("Prediction moved %.1f points while related news velocity stayed at %.1f",
				shift, velocity),
			Confidence: conf,
			Timestamp:  d.now(),
			Evidence: model.Evidence{
				PredictionShift: shift,
				Velocity:        velocity,
				RelatedTopics:   related,
			},
		},
	}, true
}

// velocitySpike fires when a topic's velocity clears twice the base
// threshold and twice its previous cycle value.
func (d *Detector) velocitySpike(topic string, cur *snapshot) (emission, bool) {
	v := cur.topicVelocity[topic]
	if v <= velocitySpikeFactor*velocityBase {
		return emission{}, false
	}
	if v <= velocitySpikeFactor*d.prev.topicVelocity[topic] {
		return emission{}, false
	}

	conf := math.Min(0.85, 0.4+v/20)
	return emission{
		identifier: topic,
		value:      v,
		sig: model.CorrelationSignal{
			ID:    uuid.NewString(),
			Type:  model.SignalVelocitySpike,
			Title: fmt.Sprintf("Coverage spike: %s", topic),
			Description: fmt.Sprintf("Topic %q velocity %.1f, up from %.1f last cycle",
				topic, v, d.prev.topicVelocity[topic]),
			Confidence: conf,
			Timestamp:  d.now(),
			Evidence: model.Evidence{
				Velocity:      v,
				RelatedTopics: []string{topic},
			},
		},
	}, true
}

// silentDivergence fires when a market moves hard but the topics it
// trades on are quiet in the news.
func (d *Detector) silentDivergence(q model.MarketQuote, cur *snapshot) (emission, bool) {
	if q.Symbol == "" {
		return emission{}, false
	}
	if !isFinite(q.PercentChange) || math.Abs(q.PercentChange) < silentDivergenceMin {
		return emission{}, false
	}

	related := d.vocab.MarketTopics[q.Symbol]
	velocity := d.aggregateVelocity(related, cur)
	if velocity >= quietTopicMax {
		return emission{}, false
	}

	change := math.Abs(q.PercentChange)
	conf := math.Min(0.8, 0.4+change/10)
	return emission{
		identifier: q.Symbol,
		value:      q.PercentChange,
		sig: model.CorrelationSignal{
			ID:    uuid.NewString(),
			Type:  model.SignalSilentDivergence,
			Title: fmt.Sprintf("%s moved %.1f%% on quiet news", q.Symbol, q.PercentChange),
			Description: fmt.Sprintf("%s changed %.1f%% while related topic velocity is %.1f",
				q.Symbol, q.PercentChange, velocity),
			Confidence: conf,
			Timestamp:  d.now(),
			Evidence: model.Evidence{
				MarketChange:  q.PercentChange,
				Velocity:      velocity,
				RelatedTopics: related,
			},
		},
	}, true
}

// flowPriceDivergence is silentDivergence specialized to the energy
// complex with a lower bar, and is skipped entirely in any cycle where a
// flow_drop fired (the drop already explains the move).
func (d *Detector) flowPriceDivergence(q model.MarketQuote, cur *snapshot) (emission, bool) {
	if _, energy := d.vocab.EnergySymbols[q.Symbol]; !energy {
		return emission{}, false
	}
	if !isFinite(q.PercentChange) || math.Abs(q.PercentChange) < flowDivergenceMin {
		return emission{}, false
	}

	related := d.vocab.MarketTopics[q.Symbol]
	velocity := d.aggregateVelocity(related, cur)
	if velocity >= quietTopicMax {
		return emission{}, false
	}

	change := math.Abs(q.PercentChange)
	conf := math.Min(0.85, 0.5+change/10)
	return emission{
		identifier: q.Symbol,
		value:      q.PercentChange,
		sig: model.CorrelationSignal{
			ID:    uuid.NewString(),
			Type:  model.SignalFlowPriceDivergence,
			Title: fmt.Sprintf("Energy move without flow news: %s %.1f%%", q.Symbol, q.PercentChange),
			Description: fmt.Sprintf("%s changed %.1f%% with no pipeline disruption reported and topic velocity %.1f",
				q.Symbol, q.PercentChange, velocity),
			Confidence: conf,
			Timestamp:  d.now(),
			Evidence: model.Evidence{
				MarketChange:  q.PercentChange,
				Velocity:      velocity,
				RelatedTopics: related,
			},
		},
	}, true
}

// flowDrop fires when an event's member titles mention both a pipeline
// keyword and a flow-disruption keyword.
func (d *Detector) flowDrop(e model.ClusteredEvent) (emission, bool) {
	var text strings.Builder
	for _, m := range e.Members {
		text.WriteString(strings.ToLower(m.Title))
		text.WriteByte(' ')
	}
	joined := text.String()

	if !containsAny(joined, d.vocab.PipelineKeywords) || !containsAny(joined, d.vocab.DisruptionKeywords) {
		return emission{}, false
	}

	conf := math.Min(0.9, 0.4+float64(e.SourceCount)/10)
	return emission{
		identifier: e.ID,
		value:      float64(e.SourceCount),
		sig: model.CorrelationSignal{
			ID:          uuid.NewString(),
			Type:        model.SignalFlowDrop,
			Title:       e.PrimaryTitle,
			Description: fmt.Sprintf("Pipeline flow disruption reported by %d sources", e.SourceCount),
			Confidence:  conf,
			Timestamp:   d.now(),
			Evidence: model.Evidence{
				Velocity:      e.Velocity(),
				RelatedTopics: d.topicsIn(e.PrimaryTitle),
			},
		},
	}, true
}

// convergence fires when at least three members land within a 60-minute
// window across at least three distinct source categories. "other" never
// counts toward the distinct requirement.
func (d *Detector) convergence(e model.ClusteredEvent) (emission, bool) {
	if e.MemberCount < convergenceMinSize {
		return emission{}, false
	}

	members := make([]model.RawItem, len(e.Members))
	copy(members, e.Members)
	sort.Slice(members, func(i, j int) bool {
		return members[i].PublishedAt.Before(members[j].PublishedAt)
	})

	best := 0
	for i := range members {
		windowEnd := members[i].PublishedAt.Add(convergenceWindow)
		cats := make(map[model.SourceCategory]struct{})
		count := 0
		for j := i; j < len(members); j++ {
			if members[j].PublishedAt.After(windowEnd) {
				break
			}
			count++
			if cat := d.vocab.categoryOf(members[j].Source); cat != model.CategoryOther {
				cats[cat] = struct{}{}
			}
		}
		if count >= convergenceMinSize && len(cats) > best {
			best = len(cats)
		}
	}

	if best < convergenceMinCats {
		return emission{}, false
	}

	conf := math.Min(0.95, 0.6+float64(best)*0.1)
	return emission{
		identifier: e.ID,
		value:      float64(best),
		sig: model.CorrelationSignal{
			ID:          uuid.NewString(),
			Type:        model.SignalConvergence,
			Title:       e.PrimaryTitle,
			Description: fmt.Sprintf("%d source categories converged within an hour", best),
			Confidence:  conf,
			Timestamp:   d.now(),
			Evidence: model.Evidence{
				Velocity:      e.Velocity(),
				RelatedTopics: d.topicsIn(e.PrimaryTitle),
			},
		},
	}, true
}

// triangulation fires when an event is corroborated by wire, government,
// and intel sources together.
func (d *Detector) triangulation(e model.ClusteredEvent) (emission, bool) {
	cats := make(map[model.SourceCategory]struct{})
	for _, m := range e.Members {
		cats[d.vocab.categoryOf(m.Source)] = struct{}{}
	}
	for _, need := range []model.SourceCategory{model.CategoryWire, model.CategoryGov, model.CategoryIntel} {
		if _, ok := cats[need]; !ok {
			return emission{}, false
		}
	}

	return emission{
		identifier: e.ID,
		value:      triangulationConf,
		sig: model.CorrelationSignal{
			ID:          uuid.NewString(),
			Type:        model.SignalTriangulation,
			Title:       e.PrimaryTitle,
			Description: "Corroborated by wire, government, and intel sources",
			Confidence:  triangulationConf,
			Timestamp:   d.now(),
			Evidence: model.Evidence{
				Velocity:      e.Velocity(),
				RelatedTopics: d.topicsIn(e.PrimaryTitle),
			},
		},
	}, true
}

// topicsIn returns the vocabulary topics mentioned in a title.
func (d *Detector) topicsIn(title string) []string {
	lower := strings.ToLower(title)
	var topics []string
	for _, topic := range d.vocab.Topics {
		if strings.Contains(lower, topic) {
			topics = append(topics, topic)
		}
	}
	return topics
}

// aggregateVelocity sums the current velocity of the given topics.
func (d *Detector) aggregateVelocity(topics []string, cur *snapshot) float64 {
	var total float64
	for _, t := range topics {
		total += cur.topicVelocity[t]
	}
	return total
}

// sortedTopics returns the snapshot's topics in stable order so emission
// order (and therefore per-type collapse) is deterministic.
func (d *Detector) sortedTopics(cur *snapshot) []string {
	topics := make([]string, 0, len(cur.topicVelocity))
	for t := range cur.topicVelocity {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
