package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradegate/internal/domain"
)

// ParquetArchive writes terminal attempts to daily Parquet files for offline
// analysis. Layout: <Dir>/trades/<YYYY-MM-DD>.parquet, keyed by the UTC date
// the request was submitted.
type ParquetArchive struct {
	Dir string

	mu sync.Mutex
}

// NewParquetArchive creates a new ParquetArchive rooted at dir.
func NewParquetArchive(dir string) *ParquetArchive {
	return &ParquetArchive{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// AttemptRecord is the Parquet schema for one archived attempt. Decimals are
// stored as their exact string form.
type AttemptRecord struct {
	AttemptID   string `parquet:"attempt_id"`
	UserID      string `parquet:"user_id"`
	Symbol      string `parquet:"symbol"`
	Quantity    string `parquet:"quantity"`
	LimitPrice  string `parquet:"limit_price"`
	SubmittedAt int64  `parquet:"submitted_at,timestamp(millisecond)"` // Unix ms
	FinishedAt  int64  `parquet:"finished_at,timestamp(millisecond)"`  // Unix ms
	State       string `parquet:"state"`
	OutcomeCode string `parquet:"outcome_code"`
	RiskTier    string `parquet:"risk_tier"`
	Degraded    string `parquet:"degraded"` // comma separated
	FilledQty   string `parquet:"filled_qty"`
	FillPrice   string `parquet:"fill_price"`
	Reference   string `parquet:"reference"`
}

// Archive merges a terminal attempt into its day file.
func (a *ParquetArchive) Archive(_ context.Context, at *domain.TradeAttempt) error {
	rec := toRecord(at)
	path := a.path(at.Request.SubmittedAt)

	a.mu.Lock()
	defer a.mu.Unlock()

	// Read existing records to merge.
	existing, _ := readParquetFile[AttemptRecord](path)
	merged := mergeAttemptRecords(existing, []AttemptRecord{rec})
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("archiving attempt %s: %w", at.ID, err)
	}
	return nil
}

// ReadDay returns the archived attempts submitted on day (UTC).
func (a *ParquetArchive) ReadDay(_ context.Context, day time.Time) ([]AttemptRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path := a.path(day)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return readParquetFile[AttemptRecord](path)
}

func toRecord(at *domain.TradeAttempt) AttemptRecord {
	rec := AttemptRecord{
		AttemptID:   at.ID,
		UserID:      at.UserID(),
		Symbol:      strings.ToUpper(at.Request.Symbol),
		Quantity:    at.Request.Quantity.String(),
		SubmittedAt: at.Request.SubmittedAt.UnixMilli(),
		State:       string(at.State),
		Degraded:    strings.Join(at.Degraded, ","),
	}
	if at.Request.LimitPrice != nil {
		rec.LimitPrice = at.Request.LimitPrice.String()
	}
	if n := len(at.Transitions); n > 0 {
		rec.FinishedAt = at.Transitions[n-1].At.UnixMilli()
	}
	if at.Outcome != nil {
		rec.OutcomeCode = at.Outcome.Code
	}
	if at.Assessment != nil {
		rec.RiskTier = string(at.Assessment.Tier)
	}
	if at.Result != nil {
		rec.FilledQty = at.Result.FilledQty.String()
		rec.FillPrice = at.Result.FillPrice.String()
		rec.Reference = at.Result.Reference
	}
	return rec
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// path returns the filesystem path for a day file.
// Layout: <Dir>/trades/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) path(t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(a.Dir, "trades", date+".parquet")
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

// mergeAttemptRecords deduplicates records by attempt id, preferring new
// records over existing ones. Results are sorted by submission time.
func mergeAttemptRecords(existing, incoming []AttemptRecord) []AttemptRecord {
	seen := make(map[string]AttemptRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.AttemptID] = r
	}
	for _, r := range incoming {
		seen[r.AttemptID] = r
	}

	merged := make([]AttemptRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].SubmittedAt == merged[j].SubmittedAt {
			return merged[i].AttemptID < merged[j].AttemptID
		}
		return merged[i].SubmittedAt < merged[j].SubmittedAt
	})
	return merged
}
