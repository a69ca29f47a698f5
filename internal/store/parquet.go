package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ Journal = (*ParquetJournal)(nil)

// ParquetJournal implements Journal using Parquet files on disk.
type ParquetJournal struct {
	DataDir string

	mu sync.Mutex // serializes read-merge-write cycles
}

// NewParquetJournal creates a ParquetJournal rooted at the given directory.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OrderRecord is the Parquet schema for journaled orders.
type OrderRecord struct {
	ID                  string  `parquet:"id"`
	Symbol              string  `parquet:"symbol"`
	TradingAccountID    string  `parquet:"trading_account_id"`
	TradeType           string  `parquet:"trade_type"`
	OrderType           string  `parquet:"order_type"`
	ExecutionKind       string  `parquet:"execution_kind"`
	Status              string  `parquet:"status"`
	Quantity            float64 `parquet:"quantity"`
	Price               float64 `parquet:"price"`
	MatchedQuantity     float64 `parquet:"matched_quantity"`
	AvgMatchedPrice     float64 `parquet:"avg_matched_price"`
	PortfolioProportion float64 `parquet:"portfolio_proportion"`
	CreatedAt           int64   `parquet:"created_at,timestamp(millisecond)"` // Unix ms
	MatchedAt           int64   `parquet:"matched_at,timestamp(millisecond)"` // Unix ms, 0 if unmatched
	RejectReason        string  `parquet:"reject_reason"`
}

// AllocationRecord is the Parquet schema for portfolio snapshots; one row per
// held symbol, with the account totals repeated on every row.
type AllocationRecord struct {
	SnapshotAt        int64   `parquet:"snapshot_at,timestamp(millisecond)"`
	TotalCash         float64 `parquet:"total_cash"`
	TotalLoan         float64 `parquet:"total_loan"`
	AvailableCash     float64 `parquet:"available_cash"`
	TotalAssets       float64 `parquet:"total_assets"`
	Symbol            string  `parquet:"symbol"`
	Quantity          float64 `parquet:"quantity"`
	AvailableQuantity float64 `parquet:"available_quantity"`
	AvgBuyPrice       float64 `parquet:"avg_buy_price"`
	CurrentValue      float64 `parquet:"current_value"`
}

// ---------------------------------------------------------------------------
// Journal implementation
// ---------------------------------------------------------------------------

// RecordOrders writes orders to Parquet files organized by account and
// creation day:
//
//	<DataDir>/orders/<ACCOUNT>/<YYYY-MM-DD>.parquet
func (j *ParquetJournal) RecordOrders(_ context.Context, accountID string, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	groups := make(map[string][]OrderRecord)
	for _, o := range orders {
		day := o.CreatedAt.UTC().Format("2006-01-02")
		groups[day] = append(groups[day], toOrderRecord(o))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for day, records := range groups {
		path := j.orderPath(accountID, day)

		existing, _ := readParquetFile[OrderRecord](path)
		merged := mergeOrderRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing orders for %s/%s: %w", accountID, day, err)
		}
	}
	return nil
}

// RecordPortfolio appends a snapshot to:
//
//	<DataDir>/portfolio/<ACCOUNT>/<YYYY-MM-DD>.parquet
func (j *ParquetJournal) RecordPortfolio(_ context.Context, accountID string, at time.Time, p *domain.Portfolio) error {
	if p == nil {
		return nil
	}

	base := AllocationRecord{
		SnapshotAt:    at.UnixMilli(),
		TotalCash:     p.TotalCash,
		TotalLoan:     p.TotalLoan,
		AvailableCash: p.AvailableCash,
		TotalAssets:   p.TotalAssets(),
	}
	records := make([]AllocationRecord, 0, len(p.StockAllocations)+1)
	if len(p.StockAllocations) == 0 {
		records = append(records, base)
	}
	for _, a := range p.StockAllocations {
		r := base
		r.Symbol = a.Symbol
		r.Quantity = a.Quantity
		r.AvailableQuantity = a.AvailableQuantity
		r.AvgBuyPrice = a.AvgBuyPrice
		r.CurrentValue = a.CurrentValue
		records = append(records, r)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.portfolioPath(accountID, at.UTC().Format("2006-01-02"))
	existing, _ := readParquetFile[AllocationRecord](path)
	if err := writeParquetFile(path, append(existing, records...)); err != nil {
		return fmt.Errorf("writing portfolio for %s: %w", accountID, err)
	}
	return nil
}

// ReadOrders returns the journaled orders of an account for one UTC day.
func (j *ParquetJournal) ReadOrders(accountID string, day time.Time) ([]domain.Order, error) {
	records, err := readParquetFile[OrderRecord](j.orderPath(accountID, day.UTC().Format("2006-01-02")))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	orders := make([]domain.Order, 0, len(records))
	for _, r := range records {
		orders = append(orders, fromOrderRecord(r))
	}
	return orders, nil
}

// ReadPortfolio returns the snapshot rows of an account for one UTC day.
func (j *ParquetJournal) ReadPortfolio(accountID string, day time.Time) ([]AllocationRecord, error) {
	records, err := readParquetFile[AllocationRecord](j.portfolioPath(accountID, day.UTC().Format("2006-01-02")))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (j *ParquetJournal) orderPath(accountID, day string) string {
	return filepath.Join(j.DataDir, "orders", accountID, day+".parquet")
}

func (j *ParquetJournal) portfolioPath(accountID, day string) string {
	return filepath.Join(j.DataDir, "portfolio", accountID, day+".parquet")
}

// ---------------------------------------------------------------------------
// Record conversion
// ---------------------------------------------------------------------------

func toOrderRecord(o domain.Order) OrderRecord {
	r := OrderRecord{
		ID:                  o.ID,
		Symbol:              o.Symbol,
		TradingAccountID:    o.TradingAccountID,
		TradeType:           string(o.TradeType),
		OrderType:           string(o.OrderType),
		ExecutionKind:       string(o.ExecutionKind),
		Status:              string(o.Status),
		Quantity:            o.Quantity,
		Price:               o.Price,
		MatchedQuantity:     o.MatchedQuantity,
		AvgMatchedPrice:     o.AvgMatchedPrice,
		PortfolioProportion: o.PortfolioProportion,
		CreatedAt:           o.CreatedAt.UnixMilli(),
		RejectReason:        o.RejectReason,
	}
	if o.MatchedAt != nil {
		r.MatchedAt = o.MatchedAt.UnixMilli()
	}
	return r
}

func fromOrderRecord(r OrderRecord) domain.Order {
	o := domain.Order{
		ID:                  r.ID,
		Symbol:              r.Symbol,
		TradingAccountID:    r.TradingAccountID,
		TradeType:           domain.TradeType(r.TradeType),
		OrderType:           domain.OrderType(r.OrderType),
		ExecutionKind:       domain.ExecutionKind(r.ExecutionKind),
		Status:              domain.OrderStatus(r.Status),
		Quantity:            r.Quantity,
		Price:               r.Price,
		MatchedQuantity:     r.MatchedQuantity,
		AvgMatchedPrice:     r.AvgMatchedPrice,
		PortfolioProportion: r.PortfolioProportion,
		CreatedAt:           time.UnixMilli(r.CreatedAt),
		RejectReason:        r.RejectReason,
	}
	if r.MatchedAt != 0 {
		t := time.UnixMilli(r.MatchedAt)
		o.MatchedAt = &t
	}
	return o
}

// orderKey identifies an order in the journal. Orders the vendor never
// accepted have no ID and are keyed by their submission.
func orderKey(r OrderRecord) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s|%s|%d", r.Symbol, r.TradeType, r.CreatedAt)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOrderRecords deduplicates order records by orderKey, preferring new
// records over existing ones. Results are sorted by creation time.
func mergeOrderRecords(existing, incoming []OrderRecord) []OrderRecord {
	seen := make(map[string]OrderRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[orderKey(r)] = r
	}
	for _, r := range incoming {
		seen[orderKey(r)] = r
	}

	merged := make([]OrderRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, k int) bool {
		if merged[i].CreatedAt != merged[k].CreatedAt {
			return merged[i].CreatedAt < merged[k].CreatedAt
		}
		return orderKey(merged[i]) < orderKey(merged[k])
	})
	return merged
}
