package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

func TestNormalizeOrderNo(t *testing.T) {
	assert.Equal(t, "31161743", normalizeOrderNo("0031161743"))
	assert.Equal(t, "31161743", normalizeOrderNo(" 31161743 "))
	assert.Equal(t, "0", normalizeOrderNo("000"))
	assert.Equal(t, "", normalizeOrderNo(""))
	assert.Equal(t, "", normalizeOrderNo("null"))

	assert.Equal(t, "0031161743", padOrderNo("31161743"))
	assert.Equal(t, "0000001002", padOrderNo("1002"))
}

func kisTestBroker(t *testing.T, handler http.HandlerFunc) *KISBroker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	k, err := NewKISBroker("app-key", "app-secret", "12345678-01", srv.URL,
		filepath.Join(t.TempDir(), "kis_token.json"),
		map[string]string{"TQQQ": "NAS"}, zap.NewNop())
	require.NoError(t, err)
	k.client = srv.Client()
	k.tokens.client = srv.Client()
	return k
}

func kisTokenResponse(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": "tok-1", "expires_in": 3600,
	})
}

func TestKISAccountSplit(t *testing.T) {
	k := kisTestBroker(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.Equal(t, "12345678", k.cano)
	assert.Equal(t, "01", k.productCode)

	_, err := NewKISBroker("k", "s", "123", "", "", nil, zap.NewNop())
	require.Error(t, err)
}

func TestKISSubmitOrderUsesSideSpecificTransaction(t *testing.T) {
	k := kisTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			kisTokenResponse(w)
		case kisOrderPath:
			assert.Equal(t, kisTrOrderBuy, r.Header.Get("tr_id"))

			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "12345678", payload["CANO"])
			assert.Equal(t, "TQQQ", payload["PDNO"])
			assert.Equal(t, "NASD", payload["OVRS_EXCG_CD"])
			assert.Equal(t, "10", payload["ORD_QTY"])
			assert.Equal(t, "100.25", payload["OVRS_ORD_UNPR"])
			assert.Equal(t, "00", payload["ORD_DVSN"])

			json.NewEncoder(w).Encode(map[string]interface{}{
				"rt_cd":  "0",
				"output": map[string]string{"ODNO": "0031161743"},
			})
		default:
			http.NotFound(w, r)
		}
	})

	id, err := k.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:     "TQQQ",
		MarketCode: "NAS",
		Side:       domain.SideBuy,
		Type:       domain.OrderLimit,
		Price:      100.25,
		Quantity:   10.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "31161743", id, "order number comes back normalized")
}

func TestKISGetOrderStatuses(t *testing.T) {
	k := kisTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			kisTokenResponse(w)
		case kisFilledPath:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"rt_cd": "0",
				"output": []map[string]string{
					{"odno": "0031161743", "pdno": "TQQQ"},
				},
			})
		case kisUnfilledPath:
			// The open-order feed spans the account; the SOXL row must be
			// filtered out.
			json.NewEncoder(w).Encode(map[string]interface{}{
				"rt_cd": "0",
				"output": []map[string]string{
					{"odno": "1002", "pdno": "TQQQ"},
					{"odno": "7777", "pdno": "SOXL"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	statuses, err := k.GetOrderStatuses(context.Background(),
		[]string{"31161743", "1002", "7777", "9999"}, "TQQQ")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDone, statuses["31161743"])
	assert.Equal(t, domain.StatusWait, statuses["1002"])
	assert.Equal(t, domain.StatusCancel, statuses["7777"], "other symbol's order is not ours")
	assert.Equal(t, domain.StatusCancel, statuses["9999"])
}

func TestKISAmendOrderVenueRejection(t *testing.T) {
	k := kisTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			kisTokenResponse(w)
		case kisCancelPath:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"rt_cd": "1", "msg_cd": "APBK0919", "msg1": "order already executed",
			})
		default:
			http.NotFound(w, r)
		}
	})

	_, err := k.AmendOrder(context.Background(), "1001", "TQQQ", 101, 10, domain.SideSell)
	require.Error(t, err)

	var rejected *domain.AmendRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "APBK0919", rejected.Code)
}

func TestKISAmendOrderTransportErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	k, err := NewKISBroker("app-key", "app-secret", "12345678-01", srv.URL,
		filepath.Join(t.TempDir(), "kis_token.json"),
		map[string]string{"TQQQ": "NAS"}, zap.NewNop())
	require.NoError(t, err)

	_, err = k.AmendOrder(context.Background(), "1001", "TQQQ", 101, 10, domain.SideSell)
	require.Error(t, err)
	assert.False(t, domain.IsAmendRejected(err),
		"a lost cancel response must not trigger the replace fallback")
}

func TestKISReissuesTokenOnExpiryCode(t *testing.T) {
	issued := 0
	priceCalls := 0
	k := kisTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			issued++
			kisTokenResponse(w)
		case kisPricePath:
			priceCalls++
			if priceCalls == 1 {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"rt_cd": "1", "msg_cd": "EGW00123", "msg1": "token expired",
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"rt_cd":   "0",
				"output1": map[string]string{"last": "100.5"},
			})
		default:
			http.NotFound(w, r)
		}
	})

	price, err := k.GetAskPrice(context.Background(), "TQQQ", "NAS")
	require.NoError(t, err)
	assert.Equal(t, 100.5, price)
	assert.Equal(t, 2, issued, "expired token replaced transparently")
	assert.Equal(t, 2, priceCalls)
}

func TestKISBlankLastPriceMeansClosed(t *testing.T) {
	k := kisTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			kisTokenResponse(w)
		case kisPricePath:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"rt_cd":   "0",
				"output1": map[string]string{"last": ""},
			})
		default:
			http.NotFound(w, r)
		}
	})

	_, err := k.GetAskPrice(context.Background(), "TQQQ", "NAS")
	require.Error(t, err)
	assert.True(t, domain.IsMarketClosed(err))
}
