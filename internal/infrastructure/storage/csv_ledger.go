package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vitos/flowtrade/internal/domain"
)

const (
	settingFile = "setting.csv"
	buyLogFile  = "buy_log.csv"
	sellLogFile = "sell_log.csv"

	timeLayout = time.RFC3339
)

var (
	settingHeader = []string{"symbol", "unit_size", "small_flow_pct", "small_flow_units", "large_flow_pct", "large_flow_units", "take_profit_pct", "leverage", "market_code"}
	buyHeader     = []string{"time", "symbol", "target_price", "notional", "units", "tier", "order_id", "status"}
	sellHeader    = []string{"symbol", "avg_buy_price", "quantity", "target_sell_price", "order_id", "status"}
)

// CSVLedgerStore keeps the three operating tables as CSV files in a single
// directory. Writes are atomic: a temp file in the same directory is renamed
// over the target, so a crash mid-write never leaves a truncated ledger.
type CSVLedgerStore struct {
	dir string
}

// NewCSVLedgerStore opens the ledger directory, creating any missing table
// with its header. Existing headers must match exactly; a drifted header
// means the operator edited the file by hand and trading on it would be
// unsafe.
func NewCSVLedgerStore(dir string) (*CSVLedgerStore, error) {
	s := &CSVLedgerStore{dir: dir}

	for _, f := range []struct {
		name   string
		header []string
	}{
		{settingFile, settingHeader},
		{buyLogFile, buyHeader},
		{sellLogFile, sellHeader},
	} {
		if _, err := os.Stat(s.path(f.name)); os.IsNotExist(err) {
			if err := s.writeRecords(f.name, f.header, nil); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		if err := s.validateHeader(f.name, f.header); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVLedgerStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *CSVLedgerStore) validateHeader(name string, want []string) error {
	records, err := s.readRecords(name)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return &domain.SchemaError{Table: name, Expected: want, Actual: nil}
	}
	got := records[0]
	if len(got) != len(want) {
		return &domain.SchemaError{Table: name, Expected: want, Actual: got}
	}
	for i := range want {
		if got[i] != want[i] {
			return &domain.SchemaError{Table: name, Expected: want, Actual: got}
		}
	}
	return nil
}

func (s *CSVLedgerStore) readRecords(name string) ([][]string, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return records, nil
}

// writeRecords performs the atomic replace. The rename occasionally fails on
// platforms that hold the target open, so it is retried briefly.
func (s *CSVLedgerStore) writeRecords(name string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	var renameErr error
	for attempt := 0; attempt < 5; attempt++ {
		renameErr = os.Rename(tmpName, s.path(name))
		if renameErr == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	os.Remove(tmpName)
	return fmt.Errorf("replace %s: %w", name, renameErr)
}

func (s *CSVLedgerStore) LoadSettings() ([]domain.Setting, error) {
	records, err := s.readRecords(settingFile)
	if err != nil {
		return nil, err
	}

	var settings []domain.Setting
	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) != len(settingHeader) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", settingFile, line, len(settingHeader), len(rec))
		}
		st := domain.Setting{Symbol: rec[0], MarketCode: rec[8]}
		fields := []struct {
			dst *float64
			val string
			col string
		}{
			{&st.UnitSize, rec[1], "unit_size"},
			{&st.SmallFlowPct, rec[2], "small_flow_pct"},
			{&st.SmallFlowUnits, rec[3], "small_flow_units"},
			{&st.LargeFlowPct, rec[4], "large_flow_pct"},
			{&st.LargeFlowUnits, rec[5], "large_flow_units"},
			{&st.TakeProfitPct, rec[6], "take_profit_pct"},
		}
		for _, f := range fields {
			v, perr := strconv.ParseFloat(f.val, 64)
			if perr != nil {
				return nil, fmt.Errorf("%s line %d column %s: %w", settingFile, line, f.col, perr)
			}
			*f.dst = v
		}
		if st.Leverage, err = strconv.Atoi(rec[7]); err != nil {
			return nil, fmt.Errorf("%s line %d column leverage: %w", settingFile, line, err)
		}
		settings = append(settings, st)
	}
	return settings, nil
}

func (s *CSVLedgerStore) LoadBuyIntents() ([]*domain.BuyIntent, error) {
	records, err := s.readRecords(buyLogFile)
	if err != nil {
		return nil, err
	}

	var intents []*domain.BuyIntent
	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) != len(buyHeader) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", buyLogFile, line, len(buyHeader), len(rec))
		}
		it := &domain.BuyIntent{
			Symbol:  rec[1],
			Tier:    domain.Tier(rec[5]),
			OrderID: rec[6],
			Status:  domain.Status(rec[7]),
		}
		if rec[0] != "" {
			t, perr := time.Parse(timeLayout, rec[0])
			if perr != nil {
				return nil, fmt.Errorf("%s line %d column time: %w", buyLogFile, line, perr)
			}
			it.Time = t
		}
		if it.TargetPrice, err = strconv.ParseFloat(rec[2], 64); err != nil {
			return nil, fmt.Errorf("%s line %d column target_price: %w", buyLogFile, line, err)
		}
		if it.Notional, err = strconv.ParseFloat(rec[3], 64); err != nil {
			return nil, fmt.Errorf("%s line %d column notional: %w", buyLogFile, line, err)
		}
		if it.Units, err = strconv.ParseFloat(rec[4], 64); err != nil {
			return nil, fmt.Errorf("%s line %d column units: %w", buyLogFile, line, err)
		}
		intents = append(intents, it)
	}
	return intents, nil
}

func (s *CSVLedgerStore) SaveBuyIntents(intents []*domain.BuyIntent) error {
	rows := make([][]string, 0, len(intents))
	for _, it := range intents {
		ts := ""
		if !it.Time.IsZero() {
			ts = it.Time.Format(timeLayout)
		}
		rows = append(rows, []string{
			ts,
			it.Symbol,
			formatFloat(it.TargetPrice),
			formatFloat(it.Notional),
			formatFloat(it.Units),
			string(it.Tier),
			it.OrderID,
			string(it.Status),
		})
	}
	return s.writeRecords(buyLogFile, buyHeader, rows)
}

func (s *CSVLedgerStore) LoadSellIntents() ([]*domain.SellIntent, error) {
	records, err := s.readRecords(sellLogFile)
	if err != nil {
		return nil, err
	}

	var sells []*domain.SellIntent
	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) != len(sellHeader) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", sellLogFile, line, len(sellHeader), len(rec))
		}
		row := &domain.SellIntent{
			Symbol:  rec[0],
			OrderID: rec[4],
			Status:  domain.Status(rec[5]),
		}
		if row.AvgBuyPrice, err = strconv.ParseFloat(rec[1], 64); err != nil {
			return nil, fmt.Errorf("%s line %d column avg_buy_price: %w", sellLogFile, line, err)
		}
		if row.Quantity, err = strconv.ParseFloat(rec[2], 64); err != nil {
			return nil, fmt.Errorf("%s line %d column quantity: %w", sellLogFile, line, err)
		}
		if row.TargetPrice, err = strconv.ParseFloat(rec[3], 64); err != nil {
			return nil, fmt.Errorf("%s line %d column target_sell_price: %w", sellLogFile, line, err)
		}
		sells = append(sells, row)
	}
	return sells, nil
}

func (s *CSVLedgerStore) SaveSellIntents(sells []*domain.SellIntent) error {
	rows := make([][]string, 0, len(sells))
	for _, row := range sells {
		rows = append(rows, []string{
			row.Symbol,
			formatFloat(row.AvgBuyPrice),
			formatFloat(row.Quantity),
			formatFloat(row.TargetPrice),
			row.OrderID,
			string(row.Status),
		})
	}
	return s.writeRecords(sellLogFile, sellHeader, rows)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
