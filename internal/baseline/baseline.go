// Package baseline maintains per-(type, region, weekday, month) activity
// baselines using Welford's online algorithm, and grades live counts
// against them.
//
// Keying by weekday and month captures weekly cyclicality and seasonality.
// The cost is warm-up surface: a (type, region) pair needs up to 84
// independent baselines before every calendar slot has enough samples.
// That trade-off is intentional; the evaluator prefers answering
// "learning" over guessing from thin data.
package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/koala73/worldmonitor-engine/internal/logging"
	"github.com/koala73/worldmonitor-engine/internal/model"
	"github.com/koala73/worldmonitor-engine/internal/store"
)

const (
	// minSamples gates anomaly verdicts: below this the key is learning.
	minSamples = 10

	// recordTTL expires baselines after 90 days without updates.
	recordTTL = 90 * 24 * time.Hour

	// MaxBatch caps one batch update call.
	MaxBatch = 20

	// LargeMultiplier is the sentinel reported when the baseline mean is
	// zero but activity is present: the true ratio is unbounded.
	LargeMultiplier = 9999.0
)

// Severity thresholds on the z-score.
const (
	zMedium   = 1.5
	zHigh     = 2.0
	zCritical = 3.0
)

// ErrBatchTooLarge is returned when a batch exceeds MaxBatch entries.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds %d entries", MaxBatch)

// Service owns baseline persistence. All read-modify-write traffic for a
// key is serialized through a per-key lock; a lost update on concurrent
// writers would silently corrupt the accumulator.
type Service struct {
	cache store.Cache
	now   func() time.Time

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewService creates a baseline service over the given cache.
func NewService(cache store.Cache) *Service {
	return &Service{
		cache:    cache,
		now:      time.Now,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Key builds the persistence key for a baseline slot at time t.
func Key(bt model.BaselineType, region string, t time.Time) string {
	return fmt.Sprintf("baseline:%s:%s:%d:%d", bt, region, int(t.Weekday()), int(t.Month()))
}

func (s *Service) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// Update folds one observation into the baseline for the current weekday
// and month slot. The Welford update is the only write path: baselines
// are never recomputed from raw history.
//
// Persistence failures degrade to a no-op: the observation is dropped
// and logged, never fatal.
func (s *Service) Update(ctx context.Context, bt model.BaselineType, region string, count float64) error {
	if !isFinite(count) {
		return fmt.Errorf("count must be finite, got %v", count)
	}

	key := Key(bt, region, s.now())
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec := s.read(ctx, key)
	applyWelford(&rec, count)
	rec.LastUpdated = s.now()

	s.write(ctx, key, rec)
	return nil
}

// applyWelford performs the single-pass mean/variance update:
//
//	n += 1
//	delta = count - mean
//	mean += delta / n
//	delta2 = count - mean
//	m2 += delta * delta2
func applyWelford(rec *model.BaselineRecord, count float64) {
	rec.N++
	delta := count - rec.Mean
	rec.Mean += delta / float64(rec.N)
	delta2 := count - rec.Mean
	rec.M2 += delta * delta2
}

// Evaluate grades a live count against the baseline for the current
// weekday and month slot. Too few samples yields a learning report, not
// an anomaly verdict; a persistence failure reads as an empty baseline
// and therefore also reports learning.
func (s *Service) Evaluate(ctx context.Context, bt model.BaselineType, region string, count float64) model.AnomalyReport {
	key := Key(bt, region, s.now())
	rec := s.read(ctx, key)
	return evaluate(rec, count)
}

func evaluate(rec model.BaselineRecord, count float64) model.AnomalyReport {
	if rec.N < minSamples {
		return model.AnomalyReport{
			Learning:      true,
			SamplesNeeded: minSamples,
		}
	}

	stdDev := math.Sqrt(rec.Variance())
	zScore := 0.0
	if stdDev > 0 {
		zScore = math.Abs(count-rec.Mean) / stdDev
	}

	multiplier := 1.0
	switch {
	case rec.Mean > 0:
		multiplier = math.Round(count/rec.Mean*100) / 100
	case count > 0:
		multiplier = LargeMultiplier
	}

	report := model.AnomalyReport{
		Baseline: &model.BaselineStats{
			Mean:    rec.Mean,
			StdDev:  stdDev,
			Samples: rec.N,
		},
	}
	if zScore >= zMedium {
		report.Anomaly = &model.AnomalyResult{
			ZScore:     zScore,
			Severity:   severityFor(zScore),
			Multiplier: multiplier,
		}
	}
	return report
}

func severityFor(z float64) model.Severity {
	switch {
	case z >= zCritical:
		return model.SeverityCritical
	case z >= zHigh:
		return model.SeverityHigh
	case z >= zMedium:
		return model.SeverityMedium
	default:
		return model.SeverityNormal
	}
}

// UpdateBatch folds up to MaxBatch observations in one call: one
// multi-key read, all updates computed, one write per touched key.
// Invalid entries are skipped individually; a malformed entry never
// aborts the batch. Returns how many entries were applied.
//
// Atomicity is per key only: every involved key lock is held for the
// duration so concurrent single Updates cannot interleave, but the batch
// as a whole is not transactional.
func (s *Service) UpdateBatch(ctx context.Context, updates []model.CountUpdate) (int, error) {
	if len(updates) > MaxBatch {
		return 0, ErrBatchTooLarge
	}

	now := s.now()
	type slot struct {
		key     string
		entries []float64
	}

	// Group valid entries by key, preserving order within a key.
	byKey := make(map[string]*slot)
	var keys []string
	for _, u := range updates {
		if _, err := model.ParseBaselineType(string(u.Type)); err != nil {
			logging.Warn("Baseline batch: skipping entry", "error", err, "region", u.Region)
			continue
		}
		if !isFinite(u.Count) {
			logging.Warn("Baseline batch: skipping non-finite count", "type", u.Type, "region", u.Region)
			continue
		}
		key := Key(u.Type, u.Region, now)
		sl, ok := byKey[key]
		if !ok {
			sl = &slot{key: key}
			byKey[key] = sl
			keys = append(keys, key)
		}
		sl.entries = append(sl.entries, u.Count)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	// Acquire key locks in sorted order so concurrent batches cannot
	// deadlock against each other. The pointers are captured here because
	// re-reading s.keyLocks outside s.mu would race with lockFor's
	// inserts.
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	locks := make([]*sync.Mutex, len(sorted))
	for i, k := range sorted {
		locks[i] = s.lockFor(k)
		locks[i].Lock()
	}
	defer func() {
		for _, l := range locks {
			l.Unlock()
		}
	}()

	values, err := s.cache.MultiGet(ctx, keys)
	if err != nil {
		logging.Warn("Baseline batch: multiget failed, starting from empty records", "error", err)
		values = make([][]byte, len(keys))
	}

	applied := 0
	for i, k := range keys {
		var rec model.BaselineRecord
		if values[i] != nil {
			if err := json.Unmarshal(values[i], &rec); err != nil {
				logging.Warn("Baseline batch: corrupt record, resetting", "key", k, "error", err)
				rec = model.BaselineRecord{}
			}
		}
		for _, count := range byKey[k].entries {
			applyWelford(&rec, count)
			applied++
		}
		rec.LastUpdated = now
		s.write(ctx, k, rec)
	}
	return applied, nil
}

// read loads a record, treating failures and corrupt payloads as misses.
func (s *Service) read(ctx context.Context, key string) model.BaselineRecord {
	var rec model.BaselineRecord
	value, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logging.Warn("Baseline read failed, degrading to empty record", "key", key, "error", err)
		return rec
	}
	if !ok {
		return rec
	}
	if err := json.Unmarshal(value, &rec); err != nil {
		logging.Warn("Baseline record corrupt, resetting", "key", key, "error", err)
		return model.BaselineRecord{}
	}
	return rec
}

// write persists a record with the standard TTL, logging failures.
func (s *Service) write(ctx context.Context, key string, rec model.BaselineRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		logging.Error("Baseline record marshal failed", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, data, recordTTL); err != nil {
		logging.Warn("Baseline write failed, observation dropped", "key", key, "error", err)
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
