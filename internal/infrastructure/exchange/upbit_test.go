package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

func newTestUpbitBroker(baseURL string) *UpbitBroker {
	return NewUpbitBroker("test-key", "test-secret", baseURL, "",
		map[string]string{"BTC": "KRW-BTC"}, zap.NewNop())
}

func TestUpbitAmendOrderVenueRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders/cancel_and_new", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"name":    "order_not_found",
				"message": "order not found",
			},
		})
	}))
	defer srv.Close()

	u := newTestUpbitBroker(srv.URL)
	_, err := u.AmendOrder(context.Background(), "uuid-1", "BTC", 100, 1, domain.SideSell)
	require.Error(t, err)

	var rejected *domain.AmendRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "order_not_found", rejected.Code)
}

func TestUpbitAmendOrderTransportErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	u := newTestUpbitBroker(srv.URL)
	_, err := u.AmendOrder(context.Background(), "uuid-1", "BTC", 100, 1, domain.SideSell)
	require.Error(t, err)
	assert.False(t, domain.IsAmendRejected(err),
		"a lost response must not trigger the replace fallback")
}

func TestUpbitStateMapping(t *testing.T) {
	assert.Equal(t, domain.StatusDone, upbitState("done"))
	assert.Equal(t, domain.StatusCancel, upbitState("cancel"))
	assert.Equal(t, domain.StatusWait, upbitState("wait"))
	assert.Equal(t, domain.StatusWait, upbitState("watch"))
}

func TestMinuteCandlesOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/candles/minutes/1", r.URL.Path)
		assert.Equal(t, "KRW-BTC", r.URL.Query().Get("market"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))

		// Newest first, matching the venue.
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"candle_date_time_utc": "2025-06-02T14:31:00",
				"opening_price":        101.0,
				"high_price":           102.0,
				"low_price":            100.5,
				"trade_price":          101.5,
			},
			{
				"candle_date_time_utc": "2025-06-02T14:30:00",
				"opening_price":        100.0,
				"high_price":           101.0,
				"low_price":            99.5,
				"trade_price":          101.0,
			},
		})
	}))
	defer srv.Close()

	client := NewUpbitCandleClient(srv.URL)
	candles, err := client.MinuteCandles(context.Background(), "KRW-BTC", 1, 2, time.Time{})
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.True(t, candles[0].Time.Before(candles[1].Time))
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 101.5, candles[1].Close)
}

func TestMinuteCandlesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"name":"too_many_requests"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewUpbitCandleClient(srv.URL)
	_, err := client.MinuteCandles(context.Background(), "KRW-BTC", 1, 2, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
