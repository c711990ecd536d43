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
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

const (
	DBSecBaseURL = "https://openapi.dbsec.co.kr:8443"

	// Minimum gap between consecutive API calls; the venue throttles
	// aggressively.
	dbsecPace = 200 * time.Millisecond

	// Delay between the cancel and the replacement leg of an amend. Shorter
	// gaps trip the venue's self-trade surveillance.
	dbsecAmendDelay = 2 * time.Second
)

// Response codes the venue uses for "outside trading hours" rejections.
// 8819 doubles as "order cannot be amended or canceled right now".
var dbsecClosedCodes = map[string]bool{
	"2611": true, // before open or after close
	"3563": true, // regular session ended
	"3589": true, // before open
	"3590": true, // after close
	"8819": true, // not an order-taking time
	"3107": true, // market holiday
}

const dbsecAmendBlockedCode = "8819"

// DBSecBroker trades US stocks through the DB-securities overseas-stock API.
// The venue has real trading hours, so order rejections are classified into
// MarketClosedError by response code, never by message text.
type DBSecBroker struct {
	baseURL string
	client  *http.Client
	tokens  *dbsecTokenProvider
	logger  *zap.Logger

	// symbol ("TQQQ") to exchange division code ("FN", "FY", "FA")
	markets map[string]string

	lastCall time.Time
	// last successfully amended price per symbol; amending to the same price
	// again is refused client-side
	lastAmendPrice map[string]float64
	mu             sync.Mutex
}

func NewDBSecBroker(appKey, appSecret, baseURL, tokenFile string, markets map[string]string, logger *zap.Logger) *DBSecBroker {
	if baseURL == "" {
		baseURL = DBSecBaseURL
	}
	client := &http.Client{Timeout: 15 * time.Second}
	return &DBSecBroker{
		baseURL:        baseURL,
		client:         client,
		tokens:         newDBSecTokenProvider(appKey, appSecret, baseURL, tokenFile, client),
		logger:         logger,
		markets:        markets,
		lastAmendPrice: make(map[string]float64),
	}
}

func (d *DBSecBroker) Name() string { return "dbsec" }

func (d *DBSecBroker) exchangeCode(symbol string) (string, error) {
	code, ok := d.markets[symbol]
	if !ok {
		return "", fmt.Errorf("dbsec: no exchange code for symbol %q", symbol)
	}
	return code, nil
}

// pace enforces the minimum inter-call gap.
func (d *DBSecBroker) pace() {
	d.mu.Lock()
	since := time.Since(d.lastCall)
	if since < dbsecPace {
		time.Sleep(dbsecPace - since)
	}
	d.lastCall = time.Now()
	d.mu.Unlock()
}

type dbsecEnvelope struct {
	RspCd  string `json:"rsp_cd"`
	RspMsg string `json:"rsp_msg"`
}

func (d *DBSecBroker) sendRequest(ctx context.Context, path, contYn, contKey string, in interface{}) (json.RawMessage, http.Header, error) {
	d.pace()

	payload, err := json.Marshal(map[string]interface{}{"In": in})
	if err != nil {
		return nil, nil, err
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("cont_yn", contYn)
	req.Header.Set("cont_key", contKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("dbsec %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, resp.Header, nil
}

// classify turns a venue response code into a typed error, or nil when the
// call succeeded.
func (d *DBSecBroker) classify(path string, env dbsecEnvelope) error {
	if env.RspCd == "" || env.RspCd == "00000" {
		return nil
	}
	if dbsecClosedCodes[env.RspCd] {
		return &domain.MarketClosedError{Broker: d.Name(), Code: env.RspCd, Message: env.RspMsg}
	}
	return fmt.Errorf("dbsec %s: rsp_cd=%s: %s", path, env.RspCd, env.RspMsg)
}

// --- account ---

func (d *DBSecBroker) GetHoldings(ctx context.Context) (map[string]domain.Holding, error) {
	in := map[string]string{
		"WonFcurrTpCode": "2",
		"TrxTpCode":      "2",
		"CmsnTpCode":     "2",
		"DpntBalTpCode":  "1",
	}
	raw, _, err := d.sendRequest(ctx, "/api/v1/trading/overseas-stock/inquiry/balance-margin", "N", "", in)
	if err != nil {
		return nil, err
	}

	var result struct {
		dbsecEnvelope
		Out2 []struct {
			SymCode         string `json:"SymCode"`
			AstkExecBaseQty string `json:"AstkExecBaseQty"`
			AstkAvrPchsPrc  string `json:"AstkAvrPchsPrc"`
		} `json:"Out2"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if err := d.classify("balance-margin", result.dbsecEnvelope); err != nil {
		return nil, err
	}

	holdings := make(map[string]domain.Holding)
	for _, row := range result.Out2 {
		symbol := strings.ToUpper(strings.TrimSpace(row.SymCode))
		qty, _ := strconv.ParseFloat(row.AstkExecBaseQty, 64)
		if symbol == "" || qty <= 0 {
			continue
		}
		avg, _ := strconv.ParseFloat(row.AstkAvrPchsPrc, 64)
		holdings[symbol] = domain.Holding{
			Balance:     qty,
			AvgBuyPrice: avg,
			Side:        domain.PositionLong,
			Leverage:    1,
		}
	}
	return holdings, nil
}

// --- quotes ---

type dbsecBook struct {
	ask float64
	bid float64
}

func (d *DBSecBroker) orderbook(ctx context.Context, symbol, marketCode string) (dbsecBook, error) {
	in := map[string]string{
		"InputIscd1":           strings.ToUpper(symbol),
		"InputCondMrktDivCode": marketCode,
	}
	raw, _, err := d.sendRequest(ctx, "/api/v1/quote/overseas-stock/inquiry/orderbook", "N", "", in)
	if err != nil {
		return dbsecBook{}, err
	}

	var result struct {
		dbsecEnvelope
		Out struct {
			Askp1 string `json:"Askp1"`
			Bidp1 string `json:"Bidp1"`
		} `json:"Out"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return dbsecBook{}, err
	}
	if err := d.classify("orderbook", result.dbsecEnvelope); err != nil {
		return dbsecBook{}, err
	}

	ask, _ := strconv.ParseFloat(result.Out.Askp1, 64)
	bid, _ := strconv.ParseFloat(result.Out.Bidp1, 64)
	return dbsecBook{ask: ask, bid: bid}, nil
}

func (d *DBSecBroker) GetAskPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	book, err := d.orderbook(ctx, symbol, marketCode)
	if err != nil {
		return 0, err
	}
	if book.ask <= 0 {
		return 0, fmt.Errorf("dbsec: no ask quote for %s, market closed or halted", symbol)
	}
	return book.ask, nil
}

func (d *DBSecBroker) GetBidPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	book, err := d.orderbook(ctx, symbol, marketCode)
	if err != nil {
		return 0, err
	}
	if book.bid <= 0 {
		return 0, fmt.Errorf("dbsec: no bid quote for %s, market closed or halted", symbol)
	}
	return book.bid, nil
}

// IsMarketOpen probes the orderbook: pre-market, regular and after-hours
// sessions all publish quotes, so a populated top of book means orders are
// accepted.
func (d *DBSecBroker) IsMarketOpen(ctx context.Context, symbol string) (bool, error) {
	code, err := d.exchangeCode(symbol)
	if err != nil {
		return false, err
	}
	book, err := d.orderbook(ctx, symbol, code)
	if err != nil {
		if domain.IsMarketClosed(err) {
			return false, nil
		}
		return false, err
	}
	return book.ask > 0 || book.bid > 0, nil
}

// --- orders ---

const dbsecOrderPath = "/api/v1/trading/overseas-stock/order"

func (d *DBSecBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	var bnsCode string
	switch req.Side {
	case domain.SideBuy:
		bnsCode = "2"
	case domain.SideSell:
		bnsCode = "1"
	default:
		return "", fmt.Errorf("dbsec: unsupported side %q", req.Side)
	}

	priceCode := "1" // limit
	price := req.Price
	if req.Type == domain.OrderMarket {
		priceCode = "2"
		price = 0
	}

	in := map[string]interface{}{
		"AstkIsuNo":         strings.ToUpper(req.Symbol),
		"AstkBnsTpCode":     bnsCode,
		"AstkOrdprcPtnCode": priceCode,
		"AstkOrdCndiTpCode": "1",
		"AstkOrdQty":        req.Quantity,
		"AstkOrdPrc":        price,
		"OrdTrdTpCode":      "0",
		"OrgOrdNo":          0,
	}

	raw, _, err := d.sendRequest(ctx, dbsecOrderPath, "N", "", in)
	if err != nil {
		return "", err
	}

	var result struct {
		dbsecEnvelope
		Out struct {
			OrdNo json.Number `json:"OrdNo"`
		} `json:"Out"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	if err := d.classify("order", result.dbsecEnvelope); err != nil {
		return "", err
	}

	orderNo := result.Out.OrdNo.String()
	if orderNo == "" || orderNo == "0" {
		return "", fmt.Errorf("dbsec order: no order number in response: %s", string(raw))
	}
	return orderNo, nil
}

func (d *DBSecBroker) CancelOrders(ctx context.Context, orderIDs []string, symbol string) (domain.CancelResult, error) {
	var res domain.CancelResult
	for _, id := range orderIDs {
		if err := d.cancelOne(ctx, id, symbol); err != nil {
			if domain.IsMarketClosed(err) {
				return res, err
			}
			d.logger.Warn("cancel failed",
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

func (d *DBSecBroker) cancelOne(ctx context.Context, orderID, symbol string) error {
	orgNo, err := strconv.Atoi(orderID)
	if err != nil {
		return fmt.Errorf("dbsec: bad order number %q: %w", orderID, err)
	}

	in := map[string]interface{}{
		"AstkIsuNo":         strings.ToUpper(symbol),
		"AstkBnsTpCode":     "1",
		"AstkOrdprcPtnCode": "1",
		"AstkOrdCndiTpCode": "1",
		"AstkOrdQty":        0,
		"AstkOrdPrc":        0,
		"OrdTrdTpCode":      "2",
		"OrgOrdNo":          orgNo,
	}

	raw, _, err := d.sendRequest(ctx, dbsecOrderPath, "N", "", in)
	if err != nil {
		return err
	}

	var result struct {
		dbsecEnvelope
		Out struct {
			OrdNo json.Number `json:"OrdNo"`
		} `json:"Out"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	if err := d.classify("cancel", result.dbsecEnvelope); err != nil {
		return err
	}
	if result.Out.OrdNo.String() == "" || result.Out.OrdNo.String() == "0" {
		return fmt.Errorf("dbsec cancel %s: venue returned no confirmation", orderID)
	}
	return nil
}

// AmendOrder has no native amend call: it cancels, waits out the venue's
// surveillance window and submits a fresh limit order. Amending to the price
// of the previous amend is refused so a stuck price never generates an
// endless cancel/new churn.
func (d *DBSecBroker) AmendOrder(ctx context.Context, prevOrderID, symbol string, price, quantity float64, side domain.Side) (string, error) {
	d.mu.Lock()
	last, seen := d.lastAmendPrice[symbol]
	d.mu.Unlock()
	if seen && math.Abs(last-price) < 1e-7 {
		return "", &domain.AmendRejectedError{
			Broker:  d.Name(),
			Message: fmt.Sprintf("amend of %s to unchanged price %v refused", prevOrderID, price),
		}
	}

	if err := d.cancelOne(ctx, prevOrderID, symbol); err != nil {
		var mc *domain.MarketClosedError
		if errors.As(err, &mc) {
			if mc.Code == dbsecAmendBlockedCode {
				return "", &domain.AmendRejectedError{Broker: d.Name(), Code: mc.Code, Message: mc.Message}
			}
			return "", err
		}
		return "", &domain.AmendRejectedError{Broker: d.Name(), Message: err.Error()}
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(dbsecAmendDelay):
	}

	code, err := d.exchangeCode(symbol)
	if err != nil {
		return "", err
	}
	newID, err := d.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		MarketCode: code,
		Side:       side,
		Type:       domain.OrderLimit,
		Price:      price,
		Quantity:   quantity,
	})
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	d.lastAmendPrice[symbol] = price
	d.mu.Unlock()
	return newID, nil
}

// --- order status ---

const dbsecHistoryPath = "/api/v1/trading/overseas-stock/inquiry/transaction-history"

type dbsecOrderRow struct {
	OrdNo           json.Number `json:"OrdNo"`
	AstkOrdStatCode string      `json:"AstkOrdStatCode"`
	AstkOrdQty      string      `json:"AstkOrdQty"`
	AstkExecQty     string      `json:"AstkExecQty"`
	AstkOrdRmqty    string      `json:"AstkOrdRmqty"`
}

// transactionHistory pages through the day's order history for one symbol
// via the cont_yn/cont_key continuation headers.
func (d *DBSecBroker) transactionHistory(ctx context.Context, symbol string) ([]dbsecOrderRow, error) {
	now := time.Now()
	in := map[string]string{
		"QrySrtDt":       now.AddDate(0, 0, -1).Format("20060102"),
		"QryEndDt":       now.Format("20060102"),
		"AstkIsuNo":      strings.ToUpper(symbol),
		"AstkBnsTpCode":  "0",
		"OrdxctTpCode":   "0",
		"StnlnTpCode":    "1",
		"QryTpCode":      "1",
		"OnlineYn":       "0",
		"CvrgOrdYn":      "0",
		"WonFcurrTpCode": "2",
	}

	var rows []dbsecOrderRow
	contYn, contKey := "N", ""
	for {
		raw, header, err := d.sendRequest(ctx, dbsecHistoryPath, contYn, contKey, in)
		if err != nil {
			return nil, err
		}

		var result struct {
			dbsecEnvelope
			Out []dbsecOrderRow `json:"Out"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		if err := d.classify("transaction-history", result.dbsecEnvelope); err != nil {
			return nil, err
		}
		rows = append(rows, result.Out...)

		if header.Get("cont_yn") != "Y" {
			return rows, nil
		}
		contYn, contKey = "Y", header.Get("cont_key")
	}
}

func (r dbsecOrderRow) status() domain.Status {
	switch strings.TrimSpace(r.AstkOrdStatCode) {
	case "7":
		return domain.StatusDone
	case "6":
		return domain.StatusCancel
	default:
		return domain.StatusWait
	}
}

func (d *DBSecBroker) GetOrderStatuses(ctx context.Context, orderIDs []string, symbol string) (map[string]domain.Status, error) {
	rows, err := d.transactionHistory(ctx, symbol)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]dbsecOrderRow, len(rows))
	for _, row := range rows {
		if id := row.OrdNo.String(); id != "" && id != "0" {
			byID[id] = row
		}
	}

	statuses := make(map[string]domain.Status, len(orderIDs))
	for _, id := range orderIDs {
		row, ok := byID[strings.TrimSpace(id)]
		if !ok {
			// Orders can lag into the history feed; report wait rather than
			// omitting, the venue did accept them.
			statuses[id] = domain.StatusWait
			continue
		}
		statuses[id] = row.status()
	}
	return statuses, nil
}

func (d *DBSecBroker) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	rows, err := d.transactionHistory(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, row := range rows {
		id := row.OrdNo.String()
		if id == "" || id == "0" {
			continue
		}
		if row.status() == domain.StatusWait {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
