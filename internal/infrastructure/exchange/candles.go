package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// MinuteCandle is one OHLC bar from the public candle endpoint.
type MinuteCandle struct {
	Time  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// UpbitCandleClient fetches historical minute candles from the public,
// unauthenticated Upbit endpoint.
type UpbitCandleClient struct {
	baseURL string
	client  *http.Client
}

func NewUpbitCandleClient(baseURL string) *UpbitCandleClient {
	if baseURL == "" {
		baseURL = UpbitBaseURL
	}
	return &UpbitCandleClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// MinuteCandles returns up to count bars ending before the `to` timestamp,
// oldest first. Count is capped at 200 by the venue.
func (c *UpbitCandleClient) MinuteCandles(ctx context.Context, marketCode string, unit, count int, to time.Time) ([]MinuteCandle, error) {
	params := url.Values{}
	params.Set("market", marketCode)
	params.Set("count", strconv.Itoa(count))
	if !to.IsZero() {
		params.Set("to", to.UTC().Format("2006-01-02T15:04:05Z"))
	}

	endpoint := fmt.Sprintf("%s/v1/candles/minutes/%d?%s", c.baseURL, unit, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upbit candles %s: status %d: %s", marketCode, resp.StatusCode, string(body))
	}

	var raw []struct {
		CandleDateTimeUTC string  `json:"candle_date_time_utc"`
		OpeningPrice      float64 `json:"opening_price"`
		HighPrice         float64 `json:"high_price"`
		LowPrice          float64 `json:"low_price"`
		TradePrice        float64 `json:"trade_price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	// The venue returns newest first.
	candles := make([]MinuteCandle, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		r := raw[i]
		ts, perr := time.Parse("2006-01-02T15:04:05", r.CandleDateTimeUTC)
		if perr != nil {
			return nil, fmt.Errorf("upbit candles: bad timestamp %q: %w", r.CandleDateTimeUTC, perr)
		}
		candles = append(candles, MinuteCandle{
			Time:  ts,
			Open:  r.OpeningPrice,
			High:  r.HighPrice,
			Low:   r.LowPrice,
			Close: r.TradePrice,
		})
	}
	return candles, nil
}
