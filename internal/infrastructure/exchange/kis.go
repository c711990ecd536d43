package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

const (
	KISBaseURL = "https://openapi.koreainvestment.com:9443"

	kisPricePath       = "/uapi/overseas-price/v1/quotations/inquire-asking-price"
	kisPriceDetailPath = "/uapi/overseas-price/v1/quotations/price-detail"
	kisBalancePath     = "/uapi/overseas-stock/v1/trading/inquire-balance"
	kisOrderPath       = "/uapi/overseas-stock/v1/trading/order"
	kisCancelPath      = "/uapi/overseas-stock/v1/trading/order-rvsecncl"
	kisFilledPath      = "/uapi/overseas-stock/v1/trading/inquire-ccnl"
	kisUnfilledPath    = "/uapi/overseas-stock/v1/trading/inquire-nccs"

	kisTrPrice       = "HHDFS76200100"
	kisTrPriceDetail = "HHDFS76200200"
	kisTrBalance     = "TTTS3012R"
	kisTrOrderBuy    = "TTTT1002U"
	kisTrOrderSell   = "TTTT1006U"
	kisTrCancel      = "TTTT1004U"
	kisTrFilled      = "TTTS3035R"
	kisTrUnfilled    = "TTTS3018R"
)

// Message codes the venue sends when the access token lapsed before its
// advertised expiry. One transparent re-issue covers them.
var kisTokenExpiredCodes = map[string]bool{
	"EGW00114": true,
	"EGW00115": true,
	"EGW00123": true,
}

// Quote exchange code ("NAS") to its trading counterpart ("NASD"). The two
// API families disagree on the identifier for the same venue.
var kisTradeExchange = map[string]string{
	"NAS": "NASD",
	"NYS": "NYSE",
	"AMS": "AMEX",
}

// KISBroker trades US stocks through the Korea Investment overseas-stock API.
// The venue takes limit orders only and has no native amend: an amend is a
// cancel followed by a fresh order, like the other stock-broker adapter.
type KISBroker struct {
	baseURL string
	client  *http.Client
	tokens  *kisTokenProvider
	logger  *zap.Logger

	// account number split per the venue's scheme
	cano        string
	productCode string

	// symbol ("TQQQ") to quote exchange code ("NAS")
	markets map[string]string
}

func NewKISBroker(appKey, appSecret, accountNo, baseURL, tokenFile string, markets map[string]string, logger *zap.Logger) (*KISBroker, error) {
	if baseURL == "" {
		baseURL = KISBaseURL
	}
	digits := strings.ReplaceAll(accountNo, "-", "")
	if len(digits) < 10 {
		return nil, fmt.Errorf("kis: account number %q too short, want CANO plus product code", accountNo)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	return &KISBroker{
		baseURL:     baseURL,
		client:      client,
		tokens:      newKISTokenProvider(appKey, appSecret, baseURL, tokenFile, client),
		logger:      logger,
		cano:        digits[:8],
		productCode: digits[len(digits)-2:],
		markets:     markets,
	}, nil
}

func (k *KISBroker) Name() string { return "kis" }

func (k *KISBroker) quoteExchange(symbol string) (string, error) {
	code, ok := k.markets[symbol]
	if !ok {
		return "", fmt.Errorf("kis: no exchange code for symbol %q", symbol)
	}
	return code, nil
}

func (k *KISBroker) tradeExchange(symbol string) string {
	if code, ok := k.markets[symbol]; ok {
		if trade, ok := kisTradeExchange[code]; ok {
			return trade
		}
	}
	return "NASD"
}

// normalizeOrderNo reduces an order number to its canonical digit form: the
// venue pads with leading zeros in some responses and not in others, and the
// two forms must compare equal.
func normalizeOrderNo(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	digits := strings.TrimLeft(b.String(), "0")
	if digits == "" {
		return "0"
	}
	return digits
}

// padOrderNo renders the ten-digit zero-padded form order mutation calls
// require.
func padOrderNo(v string) string {
	return fmt.Sprintf("%010s", normalizeOrderNo(v))
}

type kisEnvelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// kisAPIError is a rejection the venue itself produced. Transport failures
// never take this shape.
type kisAPIError struct {
	Path    string
	Code    string
	Message string
}

func (e *kisAPIError) Error() string {
	return fmt.Sprintf("kis %s: msg_cd=%s: %s", e.Path, e.Code, e.Message)
}

func classifyKIS(path string, env kisEnvelope) error {
	if env.RtCd == "" || env.RtCd == "0" {
		return nil
	}
	return &kisAPIError{Path: path, Code: env.MsgCd, Message: strings.TrimSpace(env.Msg1)}
}

func (k *KISBroker) sendRequest(ctx context.Context, method, path, trID string, params url.Values, body interface{}) (json.RawMessage, error) {
	return k.send(ctx, method, path, trID, params, body, true)
}

func (k *KISBroker) send(ctx context.Context, method, path, trID string, params url.Values, body interface{}, retry bool) (json.RawMessage, error) {
	endpoint := k.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	token, err := k.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", k.tokens.appKey)
	req.Header.Set("appsecret", k.tokens.appSecret)
	req.Header.Set("tr_id", trID)

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("kis %s: status %d: %s", path, resp.StatusCode, string(raw))
	}

	var env kisEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && kisTokenExpiredCodes[env.MsgCd] {
		if !retry {
			return nil, fmt.Errorf("kis %s: token re-issue did not stick: %s", path, env.Msg1)
		}
		k.tokens.Invalidate()
		return k.send(ctx, method, path, trID, params, body, false)
	}
	return raw, nil
}

// --- quotes ---

// lastPrice fetches the consolidated last price, the one quote field the
// overseas feed reliably populates across the pre, regular and after-hours
// sessions. An empty or zero value means no session is trading.
func (k *KISBroker) lastPrice(ctx context.Context, symbol, exchangeCode string) (float64, error) {
	params := url.Values{}
	params.Set("AUTH", "")
	params.Set("EXCD", exchangeCode)
	params.Set("SYMB", strings.ToUpper(symbol))

	raw, err := k.sendRequest(ctx, http.MethodGet, kisPricePath, kisTrPrice, params, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		kisEnvelope
		Output1 struct {
			Last string `json:"last"`
		} `json:"output1"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, err
	}
	if err := classifyKIS("inquire-asking-price", result.kisEnvelope); err != nil {
		return 0, err
	}

	last, err := strconv.ParseFloat(strings.TrimSpace(result.Output1.Last), 64)
	if err != nil || last <= 0 {
		return 0, &domain.MarketClosedError{
			Broker:  k.Name(),
			Message: fmt.Sprintf("no live price for %s", symbol),
		}
	}
	return last, nil
}

func (k *KISBroker) GetAskPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	return k.lastPrice(ctx, symbol, marketCode)
}

func (k *KISBroker) GetBidPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	return k.lastPrice(ctx, symbol, marketCode)
}

// IsMarketOpen probes the price-detail feed: a parseable last price means
// some US session is accepting orders, a blank one means none is.
func (k *KISBroker) IsMarketOpen(ctx context.Context, symbol string) (bool, error) {
	code, err := k.quoteExchange(symbol)
	if err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("AUTH", "")
	params.Set("EXCD", code)
	params.Set("SYMB", strings.ToUpper(symbol))

	raw, err := k.sendRequest(ctx, http.MethodGet, kisPriceDetailPath, kisTrPriceDetail, params, nil)
	if err != nil {
		return false, err
	}

	var result struct {
		kisEnvelope
		Output struct {
			Last string `json:"last"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, err
	}
	if err := classifyKIS("price-detail", result.kisEnvelope); err != nil {
		return false, err
	}

	last, err := strconv.ParseFloat(strings.TrimSpace(result.Output.Last), 64)
	return err == nil && last > 0, nil
}

// --- account ---

func (k *KISBroker) GetHoldings(ctx context.Context) (map[string]domain.Holding, error) {
	params := url.Values{}
	params.Set("CANO", k.cano)
	params.Set("ACNT_PRDT_CD", k.productCode)
	params.Set("OVRS_EXCG_CD", "NASD")
	params.Set("TR_CRCY_CD", "USD")
	params.Set("CTX_AREA_FK200", "")
	params.Set("CTX_AREA_NK200", "")

	raw, err := k.sendRequest(ctx, http.MethodGet, kisBalancePath, kisTrBalance, params, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		kisEnvelope
		Output1 []struct {
			Symbol   string `json:"ovrs_pdno"`
			Quantity string `json:"ovrs_cblc_qty"`
			AvgPrice string `json:"pchs_avg_pric"`
		} `json:"output1"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if err := classifyKIS("inquire-balance", result.kisEnvelope); err != nil {
		return nil, err
	}

	holdings := make(map[string]domain.Holding)
	for _, row := range result.Output1 {
		symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
		qty, _ := strconv.ParseFloat(row.Quantity, 64)
		if symbol == "" || qty <= 0 {
			continue
		}
		avg, _ := strconv.ParseFloat(row.AvgPrice, 64)
		holdings[symbol] = domain.Holding{
			Balance:     qty,
			AvgBuyPrice: avg,
			Side:        domain.PositionLong,
			Leverage:    1,
		}
	}
	return holdings, nil
}

// --- orders ---

func kisPriceString(p float64) string {
	return strconv.FormatFloat(math.Floor(p*100+0.5)/100, 'f', 2, 64)
}

func kisQtyString(q float64) string {
	return strconv.Itoa(int(math.Floor(q)))
}

// SubmitOrder places a limit order. The venue has no market order type for
// overseas stocks, so market requests go out as a limit at the target price.
func (k *KISBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if req.Price <= 0 {
		return "", fmt.Errorf("kis: order for %s needs a limit price", req.Symbol)
	}

	payload := map[string]string{
		"CANO":            k.cano,
		"ACNT_PRDT_CD":    k.productCode,
		"OVRS_EXCG_CD":    k.tradeExchange(req.Symbol),
		"PDNO":            strings.ToUpper(req.Symbol),
		"ORD_QTY":         kisQtyString(req.Quantity),
		"OVRS_ORD_UNPR":   kisPriceString(req.Price),
		"ORD_SVR_DVSN_CD": "0",
		"ORD_DVSN":        "00",
	}

	var trID string
	switch req.Side {
	case domain.SideBuy:
		trID = kisTrOrderBuy
	case domain.SideSell:
		trID = kisTrOrderSell
		payload["SLL_TYPE"] = "00"
	default:
		return "", fmt.Errorf("kis: unsupported side %q", req.Side)
	}

	raw, err := k.sendRequest(ctx, http.MethodPost, kisOrderPath, trID, nil, payload)
	if err != nil {
		return "", err
	}

	var result struct {
		kisEnvelope
		Output struct {
			ODNO string `json:"ODNO"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	if err := classifyKIS("order", result.kisEnvelope); err != nil {
		return "", err
	}

	orderNo := normalizeOrderNo(result.Output.ODNO)
	if orderNo == "" {
		return "", fmt.Errorf("kis order: no order number in response: %s", string(raw))
	}
	return orderNo, nil
}

func (k *KISBroker) CancelOrders(ctx context.Context, orderIDs []string, symbol string) (domain.CancelResult, error) {
	var res domain.CancelResult
	for _, id := range orderIDs {
		if err := k.cancelOne(ctx, id, symbol); err != nil {
			k.logger.Warn("cancel failed",
				zap.String("symbol", symbol),
				zap.String("order_id", id),
				zap.Error(err))
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res, nil
}

func (k *KISBroker) cancelOne(ctx context.Context, orderID, symbol string) error {
	payload := map[string]string{
		"CANO":              k.cano,
		"ACNT_PRDT_CD":      k.productCode,
		"OVRS_EXCG_CD":      k.tradeExchange(symbol),
		"PDNO":              strings.ToUpper(symbol),
		"ORGN_ODNO":         padOrderNo(orderID),
		"RVSE_CNCL_DVSN_CD": "02",
		"ORD_QTY":           "0",
		"OVRS_ORD_UNPR":     "0",
		"ORD_SVR_DVSN_CD":   "0",
	}

	raw, err := k.sendRequest(ctx, http.MethodPost, kisCancelPath, kisTrCancel, nil, payload)
	if err != nil {
		return err
	}

	var result struct {
		kisEnvelope
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	return classifyKIS("order-rvsecncl", result.kisEnvelope)
}

// AmendOrder cancels and resubmits; the venue has no in-place amend. Only a
// cancel the venue rejected becomes AmendRejectedError; a transport failure
// leaves the old order's fate unknown and surfaces as a plain error so the
// caller resyncs instead of placing a duplicate.
func (k *KISBroker) AmendOrder(ctx context.Context, prevOrderID, symbol string, price, quantity float64, side domain.Side) (string, error) {
	if err := k.cancelOne(ctx, prevOrderID, symbol); err != nil {
		var apiErr *kisAPIError
		if errors.As(err, &apiErr) {
			return "", &domain.AmendRejectedError{
				Broker:  k.Name(),
				Code:    apiErr.Code,
				Message: fmt.Sprintf("cancel of %s: %s", prevOrderID, apiErr.Message),
			}
		}
		return "", err
	}

	code, err := k.quoteExchange(symbol)
	if err != nil {
		return "", err
	}
	return k.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		MarketCode: code,
		Side:       side,
		Type:       domain.OrderLimit,
		Price:      price,
		Quantity:   quantity,
	})
}

// --- order status ---

// filledOrders returns the order numbers the execution feed reports filled
// over the last two calendar days.
func (k *KISBroker) filledOrders(ctx context.Context, symbol string) (map[string]bool, error) {
	now := time.Now()
	params := url.Values{}
	params.Set("CANO", k.cano)
	params.Set("ACNT_PRDT_CD", k.productCode)
	params.Set("PDNO", strings.ToUpper(symbol))
	params.Set("ORD_STRT_DT", now.AddDate(0, 0, -1).Format("20060102"))
	params.Set("ORD_END_DT", now.Format("20060102"))
	params.Set("SLL_BUY_DVSN", "00")
	params.Set("CCLD_NCCS_DVSN", "01")
	params.Set("OVRS_EXCG_CD", k.tradeExchange(symbol))
	params.Set("SORT_SQN", "DS")
	params.Set("ORD_DT", "")
	params.Set("ORD_GNO_BRNO", "")
	params.Set("ODNO", "")
	params.Set("CTX_AREA_FK200", "")
	params.Set("CTX_AREA_NK200", "")

	raw, err := k.sendRequest(ctx, http.MethodGet, kisFilledPath, kisTrFilled, params, nil)
	if err != nil {
		return nil, err
	}
	return k.orderNoSet(raw, "inquire-ccnl", "")
}

// unfilledOrders returns the order numbers still resting on the book for one
// symbol. The feed spans the whole account, so rows are filtered by symbol.
func (k *KISBroker) unfilledOrders(ctx context.Context, symbol string) (map[string]bool, error) {
	params := url.Values{}
	params.Set("CANO", k.cano)
	params.Set("ACNT_PRDT_CD", k.productCode)
	params.Set("OVRS_EXCG_CD", k.tradeExchange(symbol))
	params.Set("SORT_SQN", "DS")
	params.Set("CTX_AREA_FK200", "")
	params.Set("CTX_AREA_NK200", "")

	raw, err := k.sendRequest(ctx, http.MethodGet, kisUnfilledPath, kisTrUnfilled, params, nil)
	if err != nil {
		return nil, err
	}
	return k.orderNoSet(raw, "inquire-nccs", strings.ToUpper(symbol))
}

func (k *KISBroker) orderNoSet(raw json.RawMessage, path, onlySymbol string) (map[string]bool, error) {
	var result struct {
		kisEnvelope
		Output []struct {
			OrderNo string `json:"odno"`
			Symbol  string `json:"pdno"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if err := classifyKIS(path, result.kisEnvelope); err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(result.Output))
	for _, row := range result.Output {
		if onlySymbol != "" && strings.ToUpper(strings.TrimSpace(row.Symbol)) != onlySymbol {
			continue
		}
		if no := normalizeOrderNo(row.OrderNo); no != "" {
			out[no] = true
		}
	}
	return out, nil
}

// GetOrderStatuses classifies each id against the execution and open-order
// feeds: filled reports done, resting reports wait, and an id in neither
// reports cancel. A fill that has not reached the execution feed yet would
// look canceled for one poll; the loop's cancel re-verify pass absorbs that
// lag.
func (k *KISBroker) GetOrderStatuses(ctx context.Context, orderIDs []string, symbol string) (map[string]domain.Status, error) {
	filled, err := k.filledOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	unfilled, err := k.unfilledOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]domain.Status, len(orderIDs))
	for _, id := range orderIDs {
		switch no := normalizeOrderNo(id); {
		case filled[no]:
			statuses[id] = domain.StatusDone
		case unfilled[no]:
			statuses[id] = domain.StatusWait
		default:
			statuses[id] = domain.StatusCancel
		}
	}
	return statuses, nil
}

func (k *KISBroker) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	unfilled, err := k.unfilledOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(unfilled))
	for id := range unfilled {
		ids = append(ids, id)
	}
	return ids, nil
}
