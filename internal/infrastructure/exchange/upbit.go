package exchange

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

const (
	UpbitBaseURL = "https://api.upbit.com"
	UpbitWSURL   = "wss://api.upbit.com/websocket/v1"

	// Quotes older than this fall back to the REST orderbook.
	upbitQuoteTTL = 3 * time.Second
)

type upbitQuote struct {
	bid float64
	ask float64
	at  time.Time
}

// UpbitBroker talks to the Upbit spot exchange. Quotes stream over a
// websocket orderbook subscription and are served from a cache; order
// management goes over signed REST calls.
type UpbitBroker struct {
	accessKey string
	secretKey string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	// symbol ("BTC") to market code ("KRW-BTC")
	markets map[string]string

	wsConn *websocket.Conn
	quotes map[string]upbitQuote // keyed by market code
	mu     sync.Mutex
}

func NewUpbitBroker(accessKey, secretKey, baseURL, wsURL string, markets map[string]string, logger *zap.Logger) *UpbitBroker {
	if baseURL == "" {
		baseURL = UpbitBaseURL
	}
	if wsURL == "" {
		wsURL = UpbitWSURL
	}
	return &UpbitBroker{
		accessKey: accessKey,
		secretKey: secretKey,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		markets:   markets,
		quotes:    make(map[string]upbitQuote),
	}
}

func (u *UpbitBroker) Name() string { return "upbit" }

// IsMarketOpen always reports true: crypto spot trades around the clock.
func (u *UpbitBroker) IsMarketOpen(ctx context.Context, symbol string) (bool, error) {
	return true, nil
}

// --- auth ---

// authToken builds the Bearer JWT. When the request carries parameters the
// token embeds a SHA-512 hash of the decoded query string, per the Upbit
// signing scheme.
func (u *UpbitBroker) authToken(params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": u.accessKey,
		"nonce":      uuid.NewString(),
	}

	if len(params) > 0 {
		decoded, err := url.QueryUnescape(params.Encode())
		if err != nil {
			return "", err
		}
		sum := sha512.Sum512([]byte(decoded))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(u.secretKey))
	if err != nil {
		return "", err
	}
	return "Bearer " + signed, nil
}

type upbitError struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// upbitAPIError is a rejection the venue itself produced, carrying the error
// name from the response body. Transport failures never take this shape.
type upbitAPIError struct {
	Path    string
	Name    string
	Message string
}

func (e *upbitAPIError) Error() string {
	return fmt.Sprintf("upbit %s: %s (%s)", e.Path, e.Message, e.Name)
}

func (u *UpbitBroker) sendRequest(ctx context.Context, method, path string, params url.Values, jsonBody map[string]string) ([]byte, error) {
	endpoint := u.baseURL + path
	if len(params) > 0 && jsonBody == nil {
		endpoint += "?" + params.Encode()
	}

	var body io.Reader
	signParams := params
	if jsonBody != nil {
		raw, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
		signParams = url.Values{}
		for k, v := range jsonBody {
			signParams.Set(k, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}

	token, err := u.authToken(signParams)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr upbitError
		if jerr := json.Unmarshal(respBody, &apiErr); jerr == nil && apiErr.Error.Name != "" {
			return nil, &upbitAPIError{
				Path:    path,
				Name:    apiErr.Error.Name,
				Message: apiErr.Error.Message,
			}
		}
		return nil, fmt.Errorf("upbit %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// --- account ---

func (u *UpbitBroker) GetHoldings(ctx context.Context) (map[string]domain.Holding, error) {
	resp, err := u.sendRequest(ctx, http.MethodGet, "/v1/accounts", nil, nil)
	if err != nil {
		return nil, err
	}

	var accounts []struct {
		Currency     string `json:"currency"`
		Balance      string `json:"balance"`
		Locked       string `json:"locked"`
		AvgBuyPrice  string `json:"avg_buy_price"`
		UnitCurrency string `json:"unit_currency"`
	}
	if err := json.Unmarshal(resp, &accounts); err != nil {
		return nil, err
	}

	holdings := make(map[string]domain.Holding)
	for _, a := range accounts {
		if a.Currency == "KRW" {
			continue
		}
		balance, _ := strconv.ParseFloat(a.Balance, 64)
		locked, _ := strconv.ParseFloat(a.Locked, 64)
		avg, _ := strconv.ParseFloat(a.AvgBuyPrice, 64)
		holdings[a.Currency] = domain.Holding{
			Balance:     balance,
			Locked:      locked,
			AvgBuyPrice: avg,
			Side:        domain.PositionLong,
		}
	}
	return holdings, nil
}

// --- quotes ---

func (u *UpbitBroker) GetAskPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	_, ask, err := u.topOfBook(ctx, marketCode)
	return ask, err
}

func (u *UpbitBroker) GetBidPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	bid, _, err := u.topOfBook(ctx, marketCode)
	return bid, err
}

func (u *UpbitBroker) topOfBook(ctx context.Context, marketCode string) (bid, ask float64, err error) {
	u.mu.Lock()
	q, ok := u.quotes[marketCode]
	u.mu.Unlock()
	if ok && time.Since(q.at) < upbitQuoteTTL {
		return q.bid, q.ask, nil
	}
	return u.restOrderbook(ctx, marketCode)
}

func (u *UpbitBroker) restOrderbook(ctx context.Context, marketCode string) (bid, ask float64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		u.baseURL+"/v1/orderbook?markets="+url.QueryEscape(marketCode), nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("upbit orderbook %s: status %d: %s", marketCode, resp.StatusCode, string(body))
	}

	var books []struct {
		Units []struct {
			AskPrice float64 `json:"ask_price"`
			BidPrice float64 `json:"bid_price"`
		} `json:"orderbook_units"`
	}
	if err := json.Unmarshal(body, &books); err != nil {
		return 0, 0, err
	}
	if len(books) == 0 || len(books[0].Units) == 0 {
		return 0, 0, fmt.Errorf("upbit orderbook %s: empty book", marketCode)
	}

	top := books[0].Units[0]
	u.storeQuote(marketCode, top.BidPrice, top.AskPrice)
	return top.BidPrice, top.AskPrice, nil
}

func (u *UpbitBroker) storeQuote(marketCode string, bid, ask float64) {
	u.mu.Lock()
	u.quotes[marketCode] = upbitQuote{bid: bid, ask: ask, at: time.Now()}
	u.mu.Unlock()
}

// ConnectWS opens the public websocket and subscribes to the orderbook of
// every configured market. Quote reads fall back to REST while the socket is
// down, so a failed connection degrades rather than breaks trading.
func (u *UpbitBroker) ConnectWS() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.wsConn != nil {
		return nil
	}

	c, _, err := websocket.DefaultDialer.Dial(u.wsURL, nil)
	if err != nil {
		return err
	}
	u.wsConn = c

	codes := make([]string, 0, len(u.markets))
	for _, code := range u.markets {
		codes = append(codes, code)
	}
	sub := []map[string]interface{}{
		{"ticket": uuid.NewString()},
		{"type": "orderbook", "codes": codes},
	}
	if err := c.WriteJSON(sub); err != nil {
		c.Close()
		u.wsConn = nil
		return err
	}

	go u.readLoop(c)
	return nil
}

func (u *UpbitBroker) readLoop(c *websocket.Conn) {
	defer func() {
		c.Close()
		u.mu.Lock()
		u.wsConn = nil
		u.mu.Unlock()
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			u.logger.Warn("upbit websocket read failed", zap.Error(err))
			return
		}

		var event struct {
			Type  string `json:"type"`
			Code  string `json:"code"`
			Units []struct {
				AskPrice float64 `json:"ask_price"`
				BidPrice float64 `json:"bid_price"`
			} `json:"orderbook_units"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Type != "orderbook" || len(event.Units) == 0 {
			continue
		}
		u.storeQuote(event.Code, event.Units[0].BidPrice, event.Units[0].AskPrice)
	}
}

// --- orders ---

func (u *UpbitBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	body := map[string]string{
		"market": req.MarketCode,
	}

	switch req.Side {
	case domain.SideBuy:
		body["side"] = "bid"
	case domain.SideSell:
		body["side"] = "ask"
	default:
		return "", fmt.Errorf("upbit: unsupported side %q", req.Side)
	}

	switch {
	case req.Type == domain.OrderMarket && req.Side == domain.SideBuy:
		// Market buys take the total spend, not a volume.
		body["ord_type"] = "price"
		body["price"] = formatAmount(req.Price * req.Quantity)
	case req.Type == domain.OrderMarket:
		body["ord_type"] = "market"
		body["volume"] = formatAmount(req.Quantity)
	default:
		body["ord_type"] = "limit"
		body["price"] = formatAmount(req.Price)
		body["volume"] = formatAmount(req.Quantity)
	}

	resp, err := u.sendRequest(ctx, http.MethodPost, "/v1/orders", nil, body)
	if err != nil {
		return "", err
	}

	var result struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.UUID == "" {
		return "", fmt.Errorf("upbit order: no uuid in response: %s", string(resp))
	}
	return result.UUID, nil
}

// AmendOrder uses the atomic cancel-and-new endpoint. Only a rejection the
// venue itself produced becomes AmendRejectedError, triggering the caller's
// cancel-plus-fresh-order fallback. A transport failure surfaces as a plain
// error: the amend may have gone through, so replacing the order blind could
// stack a duplicate.
func (u *UpbitBroker) AmendOrder(ctx context.Context, prevOrderID, symbol string, price, quantity float64, side domain.Side) (string, error) {
	body := map[string]string{
		"prev_order_uuid": prevOrderID,
		"new_ord_type":    "limit",
		"new_price":       formatAmount(price),
		"new_volume":      formatAmount(quantity),
	}

	resp, err := u.sendRequest(ctx, http.MethodPost, "/v1/orders/cancel_and_new", nil, body)
	if err != nil {
		var apiErr *upbitAPIError
		if errors.As(err, &apiErr) {
			return "", &domain.AmendRejectedError{
				Broker:  u.Name(),
				Code:    apiErr.Name,
				Message: apiErr.Message,
			}
		}
		return "", err
	}

	var result struct {
		NewOrderUUID string `json:"new_order_uuid"`
		UUID         string `json:"uuid"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.NewOrderUUID != "" {
		return result.NewOrderUUID, nil
	}
	return result.UUID, nil
}

func (u *UpbitBroker) CancelOrders(ctx context.Context, orderIDs []string, symbol string) (domain.CancelResult, error) {
	var res domain.CancelResult
	if len(orderIDs) == 0 {
		return res, nil
	}

	params := url.Values{}
	for _, id := range orderIDs {
		params.Add("uuids[]", id)
	}

	resp, err := u.sendRequest(ctx, http.MethodDelete, "/v1/orders/uuids", params, nil)
	if err != nil {
		return res, err
	}

	var result struct {
		Success struct {
			Orders []struct {
				UUID string `json:"uuid"`
			} `json:"orders"`
		} `json:"success"`
		Failed struct {
			Orders []struct {
				UUID string `json:"uuid"`
			} `json:"orders"`
		} `json:"failed"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return res, err
	}
	for _, o := range result.Success.Orders {
		res.Succeeded = append(res.Succeeded, o.UUID)
	}
	for _, o := range result.Failed.Orders {
		res.Failed = append(res.Failed, o.UUID)
	}
	return res, nil
}

func (u *UpbitBroker) GetOrderStatuses(ctx context.Context, orderIDs []string, symbol string) (map[string]domain.Status, error) {
	if len(orderIDs) == 0 {
		return map[string]domain.Status{}, nil
	}

	params := url.Values{}
	for _, id := range orderIDs {
		params.Add("uuids[]", id)
	}

	resp, err := u.sendRequest(ctx, http.MethodGet, "/v1/orders/uuids", params, nil)
	if err != nil {
		return nil, err
	}

	var orders []struct {
		UUID  string `json:"uuid"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, err
	}

	statuses := make(map[string]domain.Status, len(orders))
	for _, o := range orders {
		statuses[o.UUID] = upbitState(o.State)
	}
	return statuses, nil
}

func upbitState(state string) domain.Status {
	switch state {
	case "done":
		return domain.StatusDone
	case "cancel":
		return domain.StatusCancel
	default: // wait, watch
		return domain.StatusWait
	}
}

func (u *UpbitBroker) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	marketCode, ok := u.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("upbit: no market code for symbol %q", symbol)
	}

	params := url.Values{}
	params.Set("market", marketCode)
	params.Add("states[]", "wait")
	params.Add("states[]", "watch")

	resp, err := u.sendRequest(ctx, http.MethodGet, "/v1/orders/open", params, nil)
	if err != nil {
		return nil, err
	}

	var orders []struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.UUID)
	}
	return ids, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
