package feeds

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koala73/worldmonitor-engine/internal/logging"
	"github.com/koala73/worldmonitor-engine/internal/model"
)

// fetchTimeout bounds each individual source fetch.
const fetchTimeout = 30 * time.Second

// maxConcurrentFetches limits parallel fetch operations.
const maxConcurrentFetches = 5

// Batch is one gather's combined output.
type Batch struct {
	Items       []model.RawItem
	Predictions []model.PredictionMarket
	Quotes      []model.MarketQuote
}

// Gatherer pulls every configured source in parallel. A failed source is
// logged and skipped; the batch carries whatever arrived. Sources are
// immutable after construction.
type Gatherer struct {
	items       []ItemSource
	predictions []PredictionSource
	quotes      []QuoteSource
}

// NewGatherer copies the source lists so later caller mutation cannot
// leak into running gathers.
func NewGatherer(items []ItemSource, predictions []PredictionSource, quotes []QuoteSource) *Gatherer {
	return &Gatherer{
		items:       append([]ItemSource(nil), items...),
		predictions: append([]PredictionSource(nil), predictions...),
		quotes:      append([]QuoteSource(nil), quotes...),
	}
}

// Gather fetches all sources and merges the results. Each fetch gets its
// own timeout; one slow source cannot stall the batch past that.
func (g *Gatherer) Gather(ctx context.Context) Batch {
	var (
		mu    sync.Mutex
		batch Batch
	)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentFetches)

	for _, src := range g.items {
		eg.Go(func() error {
			items, err := fetchOne(ctx, src.Name(), src.Fetch)
			if err != nil {
				return nil
			}
			mu.Lock()
			batch.Items = append(batch.Items, items...)
			mu.Unlock()
			return nil
		})
	}
	for _, src := range g.predictions {
		eg.Go(func() error {
			markets, err := fetchOne(ctx, src.Name(), src.Fetch)
			if err != nil {
				return nil
			}
			mu.Lock()
			batch.Predictions = append(batch.Predictions, markets...)
			mu.Unlock()
			return nil
		})
	}
	for _, src := range g.quotes {
		eg.Go(func() error {
			quotes, err := fetchOne(ctx, src.Name(), src.Fetch)
			if err != nil {
				return nil
			}
			mu.Lock()
			batch.Quotes = append(batch.Quotes, quotes...)
			mu.Unlock()
			return nil
		})
	}

	_ = eg.Wait() // every goroutine returns nil, errors are per-source
	return batch
}

func fetchOne[T any](ctx context.Context, name string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	out, err := fetch(fetchCtx)
	if err != nil {
		logging.Warn("Source fetch failed", "source", name, "error", err)
		return nil, err
	}
	return out, nil
}
