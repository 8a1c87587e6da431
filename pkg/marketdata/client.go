package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/stratlab/equitysim/pkg/types"
)

// DefaultTimeout is the per-request timeout applied to API calls.
const DefaultTimeout = 30 * time.Second

// DefaultRequestsPerSec is the client-side rate limit against the data
// service.
const DefaultRequestsPerSec = 5

// ClientConfig holds optional configuration for the data-service client.
type ClientConfig struct {
	Timeout         time.Duration // zero means DefaultTimeout
	RequestsPerSec  int           // zero means DefaultRequestsPerSec
	MaxRetryElapsed time.Duration // zero means 30s
	Logger          *slog.Logger  // nil uses slog.Default()
}

// Client fetches daily instrument series from the indicator data service
// over HTTP. Requests are rate limited and retried with exponential
// backoff; a Frame built from the responses is then immutable for the
// duration of any run that reads it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxElapsed time.Duration
	logger     *slog.Logger
}

// NewClient creates a data-service client.
// baseURL should include the scheme and host, e.g. "http://localhost:8000".
func NewClient(baseURL string, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	rps := cfg.RequestsPerSec
	if rps == 0 {
		rps = DefaultRequestsPerSec
	}
	maxElapsed := cfg.MaxRetryElapsed
	if maxElapsed == 0 {
		maxElapsed = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("market data client initialised",
		"base_url", baseURL,
		"timeout", timeout,
		"requests_per_sec", rps,
	)
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), rps),
		maxElapsed: maxElapsed,
		logger:     logger,
	}
}

// seriesResponse mirrors the data service's JSON shape.
type seriesResponse struct {
	Symbol string       `json:"symbol"`
	Count  int          `json:"count"`
	Rows   []rowPayload `json:"rows"`
}

type rowPayload struct {
	Date       string             `json:"date"`
	Open       float64            `json:"open"`
	High       float64            `json:"high"`
	Low        float64            `json:"low"`
	Close      float64            `json:"close"`
	Volume     float64            `json:"volume"`
	Indicators map[string]float64 `json:"indicators"`
}

type apiError struct {
	Detail string `json:"detail"`
}

// GetSeries fetches one instrument's daily bars plus indicators for a date
// range, inclusive. Rows after end are never returned; the service is
// point-in-time and so is this client.
func (c *Client) GetSeries(ctx context.Context, symbol string, start, end time.Time) ([]types.BarData, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("start", start.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))
	endpoint := fmt.Sprintf("%s/api/v1/series?%s", c.baseURL, q.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetching series for %s: %w", symbol, err)
	}

	var resp seriesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding series for %s: %w", symbol, err)
	}

	bars := make([]types.BarData, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		date, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			return nil, fmt.Errorf("series for %s: invalid date %q", symbol, row.Date)
		}
		if date.After(end) {
			// Defensive point-in-time clamp: drop anything the service
			// leaked past the range.
			continue
		}
		indicators := make(types.IndicatorRow, len(row.Indicators))
		for k, v := range row.Indicators {
			indicators[k] = v
		}
		bars = append(bars, types.BarData{
			Bar: types.Bar{
				Date: date, Open: row.Open, High: row.High,
				Low: row.Low, Close: row.Close, Volume: row.Volume,
			},
			Indicators: indicators,
		})
	}
	return bars, nil
}

// GetFrame fetches a set of instruments and assembles them into a Frame.
// A symbol whose fetch fails is dropped with a warning rather than
// aborting the whole batch; failures are isolated per instrument.
func (c *Client) GetFrame(ctx context.Context, symbols []string, start, end time.Time) (*Frame, error) {
	series := make(map[string][]types.BarData, len(symbols))
	for _, sym := range symbols {
		bars, err := c.GetSeries(ctx, sym, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("dropping symbol after fetch failure", "symbol", sym, "error", err)
			continue
		}
		if len(bars) == 0 {
			c.logger.Warn("no rows for symbol", "symbol", sym)
			continue
		}
		series[sym] = bars
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no data for any of %d symbols", len(symbols))
	}
	return NewFrame(series)
}

// get performs a rate-limited GET with exponential-backoff retries.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			var apiErr apiError
			detail := ""
			if json.Unmarshal(data, &apiErr) == nil {
				detail = apiErr.Detail
			}
			err := fmt.Errorf("status %d: %s", resp.StatusCode, detail)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		body = data
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(strategy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// Volatility computes a trailing annualized volatility estimate from the
// last n daily closes of a series, for the position sizer. Returns 0 when
// history is insufficient.
func Volatility(bars []types.BarData, n int) float64 {
	if n < 2 || len(bars) < n+1 {
		return 0
	}
	rets := make([]float64, 0, n)
	for i := len(bars) - n; i < len(bars); i++ {
		prev := bars[i-1].Bar.Close
		if prev == 0 {
			return 0
		}
		rets = append(rets, bars[i].Bar.Close/prev-1)
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var varSum float64
	for _, r := range rets {
		d := r - mean
		varSum += d * d
	}
	daily := math.Sqrt(varSum / float64(len(rets)))
	return daily * math.Sqrt(252)
}
