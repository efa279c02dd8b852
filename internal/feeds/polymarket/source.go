// Package polymarket pulls prediction markets from the Polymarket Gamma
// API. Yes-prices are rescaled to the 0-100 percentage band the engine
// works in.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/koala73/worldmonitor-engine/internal/model"
)

const gammaAPI = "https://gamma-api.polymarket.com"

// market is the Gamma API wire shape, limited to the fields we read.
type market struct {
	Question       string  `json:"question"`
	Active         bool    `json:"active"`
	Closed         bool    `json:"closed"`
	Volume24hr     float64 `json:"volume24hr"`
	OutcomePrices  string  `json:"outcomePrices"` // JSON string "[0.65, 0.35]"
	OneDayPriceChg float64 `json:"oneDayPriceChange"`
}

// Source fetches the top active markets by 24h volume. One request per
// call; the limiter keeps repeated cycles inside the API's comfort zone.
type Source struct {
	client  *http.Client
	limiter *rate.Limiter
	base    string
	limit   int
}

// New creates a Polymarket source. Gamma tolerates a handful of requests
// per second; one per two seconds is far below that and still faster
// than any sane cycle interval.
func New() *Source {
	return &Source{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		base:    gammaAPI,
		limit:   50,
	}
}

func (s *Source) Name() string { return "polymarket" }

// Fetch returns the current board, highest 24h volume first.
func (s *Source) Fetch(ctx context.Context) ([]model.PredictionMarket, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/markets?active=true&closed=false&limit=%d&order=volume24hr&ascending=false", s.base, s.limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch polymarket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polymarket API status %d", resp.StatusCode)
	}

	var markets []market
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decode polymarket response: %w", err)
	}

	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].Volume24hr > markets[j].Volume24hr
	})

	out := make([]model.PredictionMarket, 0, len(markets))
	for _, m := range markets {
		if m.Question == "" || !m.Active || m.Closed {
			continue
		}
		out = append(out, model.PredictionMarket{
			Title:         m.Question,
			YesPrice:      firstPrice(m.OutcomePrices) * 100,
			PercentChange: m.OneDayPriceChg * 100,
		})
	}
	return out, nil
}

// firstPrice extracts the YES price from the outcome-prices JSON string,
// defaulting to even odds when the payload is unreadable.
func firstPrice(pricesJSON string) float64 {
	var prices []float64
	if err := json.Unmarshal([]byte(pricesJSON), &prices); err != nil {
		// Some responses quote each number as a string instead.
		var quoted []string
		if err := json.Unmarshal([]byte(pricesJSON), &quoted); err != nil || len(quoted) == 0 {
			return 0.5
		}
		var p float64
		if _, err := fmt.Sscanf(quoted[0], "%f", &p); err != nil {
			return 0.5
		}
		return p
	}
	if len(prices) == 0 {
		return 0.5
	}
	return prices[0]
}
