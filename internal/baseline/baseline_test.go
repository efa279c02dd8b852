package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/koala73/worldmonitor-engine/internal/model"
	"github.com/koala73/worldmonitor-engine/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory, time.Time) {
	t.Helper()
	at := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC) // a Wednesday
	cache := store.NewMemoryWithClock(func() time.Time { return at })
	svc := NewService(cache)
	svc.now = func() time.Time { return at }
	return svc, cache, at
}

func seedRecord(t *testing.T, cache *store.Memory, key string, rec model.BaselineRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := cache.Set(context.Background(), key, data, 0); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func readRecord(t *testing.T, cache *store.Memory, key string) model.BaselineRecord {
	t.Helper()
	data, ok, err := cache.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("record not found at %q (ok=%v err=%v)", key, ok, err)
	}
	var rec model.BaselineRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	return rec
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestWelfordMatchesClosedForm(t *testing.T) {
	svc, cache, at := newTestService(t)
	ctx := context.Background()

	counts := []float64{10, 12, 8, 11, 9, 13, 10}
	for _, c := range counts {
		if err := svc.Update(ctx, model.BaselineFlights, "us-east", c); err != nil {
			t.Fatalf("Update(%v): %v", c, err)
		}
	}

	rec := readRecord(t, cache, Key(model.BaselineFlights, "us-east", at))
	if rec.N != int64(len(counts)) {
		t.Fatalf("n = %d, want %d", rec.N, len(counts))
	}

	var sum float64
	for _, c := range counts {
		sum += c
	}
	wantMean := sum / float64(len(counts))
	var wantM2 float64
	for _, c := range counts {
		wantM2 += (c - wantMean) * (c - wantMean)
	}
	wantVariance := wantM2 / float64(len(counts)-1)

	if !almostEqual(rec.Mean, wantMean) {
		t.Errorf("mean = %v, want %v", rec.Mean, wantMean)
	}
	if !almostEqual(rec.Variance(), wantVariance) {
		t.Errorf("variance = %v, want %v", rec.Variance(), wantVariance)
	}
}

func TestUpdateRejectsNonFiniteCount(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, c := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := svc.Update(context.Background(), model.BaselineVessels, "gulf", c); err == nil {
			t.Errorf("Update(%v) accepted a non-finite count", c)
		}
	}
}

func TestEvaluateSeverityThresholds(t *testing.T) {
	// mean=10, stdDev=2 (m2 = 4 * 14), 15 samples.
	base := model.BaselineRecord{Mean: 10, M2: 56, N: 15}

	tests := []struct {
		name         string
		count        float64
		wantAnomaly  bool
		wantZ        float64
		wantSeverity model.Severity
	}{
		{name: "at mean", count: 10, wantAnomaly: false},
		{name: "below medium", count: 12.9, wantAnomaly: false},
		{name: "medium", count: 13, wantAnomaly: true, wantZ: 1.5, wantSeverity: model.SeverityMedium},
		{name: "high", count: 14.5, wantAnomaly: true, wantZ: 2.25, wantSeverity: model.SeverityHigh},
		{name: "critical", count: 16, wantAnomaly: true, wantZ: 3.0, wantSeverity: model.SeverityCritical},
		{name: "critical below mean", count: 4, wantAnomaly: true, wantZ: 3.0, wantSeverity: model.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := evaluate(base, tt.count)
			if report.Learning {
				t.Fatal("unexpected learning report")
			}
			if report.Baseline == nil || report.Baseline.Samples != 15 {
				t.Fatalf("baseline stats missing or wrong: %+v", report.Baseline)
			}
			if !tt.wantAnomaly {
				if report.Anomaly != nil {
					t.Fatalf("anomaly = %+v, want nil", report.Anomaly)
				}
				return
			}
			if report.Anomaly == nil {
				t.Fatal("anomaly = nil, want verdict")
			}
			if !almostEqual(report.Anomaly.ZScore, tt.wantZ) {
				t.Errorf("zScore = %v, want %v", report.Anomaly.ZScore, tt.wantZ)
			}
			if report.Anomaly.Severity != tt.wantSeverity {
				t.Errorf("severity = %v, want %v", report.Anomaly.Severity, tt.wantSeverity)
			}
		})
	}
}

func TestEvaluateMultiplier(t *testing.T) {
	rec := model.BaselineRecord{Mean: 10, M2: 56, N: 15}
	report := evaluate(rec, 16)
	if report.Anomaly == nil {
		t.Fatal("expected anomaly")
	}
	if report.Anomaly.Multiplier != 1.6 {
		t.Errorf("multiplier = %v, want 1.6", report.Anomaly.Multiplier)
	}

	// Zero mean with activity present: the ratio is unbounded, report the
	// sentinel instead of dividing by zero.
	zero := model.BaselineRecord{Mean: 0, M2: 0, N: 15}
	report = evaluate(zero, 5)
	if report.Anomaly == nil {
		t.Fatal("expected anomaly for activity on a flat-zero baseline")
	}
	if report.Anomaly.Multiplier != LargeMultiplier {
		t.Errorf("multiplier = %v, want sentinel %v", report.Anomaly.Multiplier, LargeMultiplier)
	}
}

func TestEvaluateLearningGate(t *testing.T) {
	svc, cache, at := newTestService(t)
	ctx := context.Background()

	key := Key(model.BaselineFires, "amazon", at)
	seedRecord(t, cache, key, model.BaselineRecord{Mean: 100, M2: 1, N: 9})

	// Nine samples is one short of the gate: any count, however extreme,
	// reports learning rather than a verdict.
	for _, count := range []float64{0, 100, 1e6} {
		report := svc.Evaluate(ctx, model.BaselineFires, "amazon", count)
		if !report.Learning {
			t.Fatalf("Evaluate(count=%v): learning = false with 9 samples", count)
		}
		if report.SamplesNeeded != minSamples {
			t.Errorf("samplesNeeded = %d, want %d", report.SamplesNeeded, minSamples)
		}
		if report.Anomaly != nil {
			t.Errorf("anomaly = %+v, want nil while learning", report.Anomaly)
		}
	}
}

func TestEvaluateUnknownKeyReportsLearning(t *testing.T) {
	svc, _, _ := newTestService(t)
	report := svc.Evaluate(context.Background(), model.BaselineProtests, "nowhere", 50)
	if !report.Learning {
		t.Fatal("fresh key should report learning")
	}
}

func TestUpdateBatch(t *testing.T) {
	svc, cache, at := newTestService(t)
	ctx := context.Background()

	updates := []model.CountUpdate{
		{Type: model.BaselineFlights, Region: "us-east", Count: 10},
		{Type: model.BaselineFlights, Region: "us-east", Count: 12},
		{Type: model.BaselineVessels, Region: "gulf", Count: 40},
		{Type: "volcanoes", Region: "iceland", Count: 3},      // unknown type, skipped
		{Type: model.BaselineFires, Region: "amazon", Count: math.NaN()}, // skipped
	}
	applied, err := svc.UpdateBatch(ctx, updates)
	if err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	if applied != 3 {
		t.Fatalf("applied = %d, want 3", applied)
	}

	flights := readRecord(t, cache, Key(model.BaselineFlights, "us-east", at))
	if flights.N != 2 || !almostEqual(flights.Mean, 11) {
		t.Errorf("flights record = %+v, want n=2 mean=11", flights)
	}
	vessels := readRecord(t, cache, Key(model.BaselineVessels, "gulf", at))
	if vessels.N != 1 || !almostEqual(vessels.Mean, 40) {
		t.Errorf("vessels record = %+v, want n=1 mean=40", vessels)
	}
	if _, ok, _ := cache.Get(ctx, Key(model.BaselineFires, "amazon", at)); ok {
		t.Error("skipped entry must not create a record")
	}
}

func TestUpdateBatchRejectsOversize(t *testing.T) {
	svc, _, _ := newTestService(t)
	updates := make([]model.CountUpdate, MaxBatch+1)
	for i := range updates {
		updates[i] = model.CountUpdate{Type: model.BaselineFlights, Region: "r", Count: 1}
	}
	if _, err := svc.UpdateBatch(context.Background(), updates); err == nil {
		t.Fatal("oversize batch accepted")
	}
}

func TestUpdateBatchMatchesSequentialUpdates(t *testing.T) {
	batched, batchedCache, at := newTestService(t)
	sequential, seqCache, _ := newTestService(t)
	ctx := context.Background()

	counts := []float64{10, 12, 8, 11}
	updates := make([]model.CountUpdate, 0, len(counts))
	for _, c := range counts {
		updates = append(updates, model.CountUpdate{Type: model.BaselineEarthquakes, Region: "pacific", Count: c})
		if err := sequential.Update(ctx, model.BaselineEarthquakes, "pacific", c); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if _, err := batched.UpdateBatch(ctx, updates); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}

	key := Key(model.BaselineEarthquakes, "pacific", at)
	a := readRecord(t, batchedCache, key)
	b := readRecord(t, seqCache, key)
	if a.N != b.N || !almostEqual(a.Mean, b.Mean) || !almostEqual(a.M2, b.M2) {
		t.Errorf("batched record %+v differs from sequential %+v", a, b)
	}
}

// Concurrent single updates and batches on the same key must serialize:
// a lost Welford update shows up as a short sample count. The fresh
// per-iteration regions keep the lock table growing while batches hold
// and release their locks, which is the access pattern that must stay
// race-free.
func TestConcurrentUpdatesAndBatches(t *testing.T) {
	svc, cache, at := newTestService(t)
	ctx := context.Background()

	const (
		workers   = 4
		perWorker = 50
		batches   = 25
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				fresh := fmt.Sprintf("region-%d-%d", w, i)
				if err := svc.Update(ctx, model.BaselineVessels, fresh, 10); err != nil {
					t.Errorf("Update(fresh key): %v", err)
				}
				if err := svc.Update(ctx, model.BaselineFlights, "shared", 10); err != nil {
					t.Errorf("Update(shared key): %v", err)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			_, err := svc.UpdateBatch(ctx, []model.CountUpdate{
				{Type: model.BaselineFlights, Region: "shared", Count: 10},
				{Type: model.BaselineFires, Region: "shared", Count: 10},
			})
			if err != nil {
				t.Errorf("UpdateBatch: %v", err)
			}
		}
	}()
	wg.Wait()

	rec := readRecord(t, cache, Key(model.BaselineFlights, "shared", at))
	want := int64(workers*perWorker + batches)
	if rec.N != want {
		t.Errorf("n = %d, want %d (lost updates under concurrency)", rec.N, want)
	}
	// A constant input keeps the accumulator exact regardless of
	// interleaving order.
	if rec.Mean != 10 || rec.M2 != 0 {
		t.Errorf("record = %+v, want mean=10 m2=0", rec)
	}
}

// failingCache simulates a dead persistence layer.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("cache down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("cache down")
}
func (failingCache) MultiGet(_ context.Context, keys []string) ([][]byte, error) {
	return nil, fmt.Errorf("cache down")
}

func TestDegradedPersistence(t *testing.T) {
	svc := NewService(failingCache{})
	ctx := context.Background()

	// Updates drop the observation but never error out.
	if err := svc.Update(ctx, model.BaselineFlights, "us-east", 10); err != nil {
		t.Fatalf("Update with dead cache: %v", err)
	}

	// Evaluation reads as an empty baseline.
	report := svc.Evaluate(ctx, model.BaselineFlights, "us-east", 10)
	if !report.Learning {
		t.Fatal("dead cache should evaluate as learning")
	}

	applied, err := svc.UpdateBatch(ctx, []model.CountUpdate{
		{Type: model.BaselineFlights, Region: "us-east", Count: 10},
	})
	if err != nil {
		t.Fatalf("UpdateBatch with dead cache: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
}
