// Package feeds defines the provider surface the engine pulls its cycle
// input from. Fetching and normalizing the news fleet itself happens
// upstream; these interfaces are the seam where batches arrive.
package feeds

import (
	"context"

	"github.com/koala73/worldmonitor-engine/internal/model"
)

// ItemSource delivers a batch of normalized news-like items.
type ItemSource interface {
	Name() string
	Fetch(ctx context.Context) ([]model.RawItem, error)
}

// PredictionSource delivers the current prediction-market board.
type PredictionSource interface {
	Name() string
	Fetch(ctx context.Context) ([]model.PredictionMarket, error)
}

// QuoteSource delivers the current financial quotes.
type QuoteSource interface {
	Name() string
	Fetch(ctx context.Context) ([]model.MarketQuote, error)
}
