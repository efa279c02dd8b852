// Package model defines the data types shared by the signal engine:
// raw inputs, clustered events, correlation signals, and baseline records.
package model

import (
	"fmt"
	"time"
)

// SignalType identifies the pattern a correlation signal reports.
type SignalType string

const (
	SignalPredictionLeadsNews SignalType = "prediction_leads_news"
	SignalVelocitySpike       SignalType = "velocity_spike"
	SignalSilentDivergence    SignalType = "silent_divergence"
	SignalFlowPriceDivergence SignalType = "flow_price_divergence"
	SignalFlowDrop            SignalType = "flow_drop"
	SignalConvergence         SignalType = "convergence"
	SignalTriangulation       SignalType = "triangulation"
	SignalBaselineAnomaly     SignalType = "baseline_anomaly"
)

// SignalTypes lists every valid signal type, in emission-priority order.
var SignalTypes = []SignalType{
	SignalFlowDrop,
	SignalFlowPriceDivergence,
	SignalPredictionLeadsNews,
	SignalVelocitySpike,
	SignalSilentDivergence,
	SignalConvergence,
	SignalTriangulation,
	SignalBaselineAnomaly,
}

// ParseSignalType validates a signal type at the input boundary.
// Unknown values are rejected, never coerced.
func ParseSignalType(s string) (SignalType, error) {
	for _, st := range SignalTypes {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown signal type %q", s)
}

// Severity grades how far a live count sits from its baseline.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SourceCategory groups news sources by the kind of outlet they are.
type SourceCategory string

const (
	CategoryWire       SourceCategory = "wire"
	CategoryGov        SourceCategory = "gov"
	CategoryIntel      SourceCategory = "intel"
	CategoryMainstream SourceCategory = "mainstream"
	CategoryMarket     SourceCategory = "market"
	CategoryTech       SourceCategory = "tech"
	CategoryOther      SourceCategory = "other"
)

// BaselineType identifies an activity-count stream tracked against a baseline.
type BaselineType string

const (
	BaselineFlights     BaselineType = "flights"
	BaselineVessels     BaselineType = "vessels"
	BaselineFires       BaselineType = "fires"
	BaselineProtests    BaselineType = "protests"
	BaselineEarthquakes BaselineType = "earthquakes"
)

// BaselineTypes lists every valid baseline type.
var BaselineTypes = []BaselineType{
	BaselineFlights,
	BaselineVessels,
	BaselineFires,
	BaselineProtests,
	BaselineEarthquakes,
}

// ParseBaselineType validates a baseline type at the input boundary.
func ParseBaselineType(s string) (BaselineType, error) {
	for _, bt := range BaselineTypes {
		if string(bt) == s {
			return bt, nil
		}
	}
	return "", fmt.Errorf("unknown baseline type %q", s)
}

// RawItem is a single normalized news-like item as delivered by an
// upstream fetcher. Ephemeral: items arrive in batches and are owned by
// the cycle that processes them.
type RawItem struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"publishedAt"`
	IsAlert     bool      `json:"isAlert"`
	Tier        int       `json:"tier"` // source trust tier, 1 = best
}

// ClusteredEvent groups near-duplicate items into one event.
// Every RawItem in a batch belongs to exactly one ClusteredEvent.
type ClusteredEvent struct {
	ID            string    `json:"id"`
	PrimaryTitle  string    `json:"primaryTitle"`
	PrimarySource string    `json:"primarySource"`
	PrimaryLink   string    `json:"primaryLink"`
	MemberCount   int       `json:"memberCount"`
	SourceCount   int       `json:"sourceCount"` // distinct sources among members
	TopSources    []string  `json:"topSources"`  // at most 3
	Members       []RawItem `json:"members"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastUpdated   time.Time `json:"lastUpdated"`
	IsAlert       bool      `json:"isAlert"`
}

// Velocity reports the event's accumulation rate in members per hour.
// Spans under an hour are clamped so a burst of simultaneous items does
// not read as infinite velocity.
func (e ClusteredEvent) Velocity() float64 {
	span := e.LastUpdated.Sub(e.FirstSeen).Hours()
	if span < 1 {
		span = 1
	}
	return float64(e.MemberCount) / span
}

// MarketQuote is a financial quote supplied externally each tick.
type MarketQuote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	PercentChange float64 `json:"percentChange"`
}

// PredictionMarket is a prediction-market contract supplied each tick.
type PredictionMarket struct {
	Title         string  `json:"title"`
	YesPrice      float64 `json:"yesPrice"` // 0-100
	PercentChange float64 `json:"percentChange"`
}

// Evidence carries the numbers that justified a signal emission.
type Evidence struct {
	Velocity        float64  `json:"velocity,omitempty"`
	MarketChange    float64  `json:"marketChange,omitempty"`
	PredictionShift float64  `json:"predictionShift,omitempty"`
	RelatedTopics   []string `json:"relatedTopics,omitempty"`
}

// CorrelationSignal is one high-confidence finding. Immutable once emitted.
type CorrelationSignal struct {
	ID          string     `json:"id"`
	Type        SignalType `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Confidence  float64    `json:"confidence"` // 0-1
	Timestamp   time.Time  `json:"timestamp"`
	Evidence    Evidence   `json:"evidence"`
}

// BaselineRecord is the persisted Welford accumulator for one
// (type, region, weekday, month) key. M2 is the running sum of squared
// deltas; variance is M2/(N-1).
type BaselineRecord struct {
	Mean        float64   `json:"mean"`
	M2          float64   `json:"m2"`
	N           int64     `json:"n"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Variance returns the sample variance, clamped at zero to absorb
// floating-point drift in M2.
func (r BaselineRecord) Variance() float64 {
	if r.N < 2 {
		return 0
	}
	v := r.M2 / float64(r.N-1)
	if v < 0 {
		return 0
	}
	return v
}

// AnomalyResult grades a live count against its baseline. Derived, not
// persisted.
type AnomalyResult struct {
	ZScore     float64  `json:"zScore"`
	Severity   Severity `json:"severity"`
	Multiplier float64  `json:"multiplier"` // current / baseline mean
}

// BaselineStats is the read-side summary of a baseline record.
type BaselineStats struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
	Samples int64   `json:"samples"`
}

// AnomalyReport is the full answer to an anomaly query. Anomaly is nil
// unless the z-score clears the medium threshold; Learning is true while
// the baseline has too few samples to judge.
type AnomalyReport struct {
	Anomaly       *AnomalyResult `json:"anomaly"`
	Baseline      *BaselineStats `json:"baseline,omitempty"`
	Learning      bool           `json:"learning"`
	SamplesNeeded int64          `json:"samplesNeeded,omitempty"`
}

// CountUpdate is one (type, region, count) observation for baseline ingest.
type CountUpdate struct {
	Type   BaselineType `json:"type"`
	Region string       `json:"region"`
	Count  float64      `json:"count"`
}
