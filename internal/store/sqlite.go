package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/models"
	"tradesim/pkg/utils"
)

// SQLiteStore implements FeedStore using SQLite. Dates are stored as unix
// nanoseconds and decimals as TEXT.
type SQLiteStore struct {
	db        *sql.DB
	writeMu   sync.Mutex
	mu        sync.RWMutex
	syncTimes map[string]time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:        db,
		syncTimes: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// OpenSQLiteStore opens the store, retrying while the database is locked by
// another process.
func OpenSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	cfg := utils.DefaultRetryConfig()
	cfg.ShouldRetry = IsBusy
	return utils.RetryWithResult(ctx, cfg, func() (*SQLiteStore, error) {
		return NewSQLiteStore(dbPath)
	})
}

// IsBusy reports whether err is a transient SQLite lock error.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Recorded quotes
	CREATE TABLE IF NOT EXISTS ticks (
		symbol TEXT NOT NULL,
		date INTEGER NOT NULL,
		bid TEXT NOT NULL,
		ask TEXT NOT NULL,
		movement TEXT,
		PRIMARY KEY (symbol, date)
	);

	-- Recorded bars, timeframe in seconds
	CREATE TABLE IF NOT EXISTS periods (
		symbol TEXT NOT NULL,
		timeframe INTEGER NOT NULL,
		start_date INTEGER NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume TEXT NOT NULL,
		quotation TEXT,
		PRIMARY KEY (symbol, timeframe, start_date)
	);

	-- Backtest runs
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		symbols TEXT NOT NULL,
		from_date INTEGER NOT NULL,
		to_date INTEGER NOT NULL,
		start_equity TEXT NOT NULL,
		final_equity TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Trade journal
	CREATE TABLE IF NOT EXISTS trades (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		position_id TEXT,
		account_id TEXT,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		purpose TEXT NOT NULL,
		volume TEXT NOT NULL,
		execution_price TEXT NOT NULL,
		gross_profit TEXT NOT NULL,
		gross_profit_asset TEXT,
		commission TEXT NOT NULL,
		commission_asset TEXT,
		date INTEGER NOT NULL,
		rejection_reason TEXT,
		rejection_message TEXT,
		PRIMARY KEY (run_id, id)
	);

	-- Equity curves
	CREATE TABLE IF NOT EXISTS equity (
		run_id TEXT NOT NULL,
		date INTEGER NOT NULL,
		equity TEXT NOT NULL,
		PRIMARY KEY (run_id, date)
	);

	-- Sync status
	CREATE TABLE IF NOT EXISTS sync_status (
		data_type TEXT PRIMARY KEY,
		last_sync INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, date);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// rangeNanos converts a query window. A zero to means no upper bound.
func rangeNanos(from, to time.Time) (int64, int64) {
	if to.IsZero() {
		return toNanos(from), math.MaxInt64
	}
	return toNanos(from), toNanos(to)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// ============================================================================
// Market Data Methods
// ============================================================================

// SaveTicks saves ticks in a single transaction. A tick replaces any stored
// tick of the same symbol and date.
func (s *SQLiteStore) SaveTicks(ctx context.Context, symbol string, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	return s.inTx(ctx, `
		INSERT OR REPLACE INTO ticks (symbol, date, bid, ask, movement)
		VALUES (?, ?, ?, ?, ?)
	`, func(stmt *sql.Stmt) error {
		for _, t := range ticks {
			if _, err := stmt.ExecContext(ctx, symbol, toNanos(t.Date), t.Bid, t.Ask, string(t.Movement)); err != nil {
				return fmt.Errorf("failed to insert tick: %w", err)
			}
		}
		return nil
	})
}

// GetTicks retrieves the ticks of symbol within [from, to], ordered by date.
func (s *SQLiteStore) GetTicks(ctx context.Context, symbol string, from, to time.Time) ([]models.Tick, error) {
	lo, hi := rangeNanos(from, to)
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, bid, ask, movement
		FROM ticks
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, symbol, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []models.Tick
	for rows.Next() {
		var (
			t        models.Tick
			date     int64
			movement sql.NullString
		)
		if err := rows.Scan(&date, &t.Bid, &t.Ask, &movement); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t.Symbol = symbol
		t.Date = fromNanos(date)
		t.Movement = models.TickMovement(movement.String)
		ticks = append(ticks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticks: %w", err)
	}

	return ticks, nil
}

// SavePeriods saves closed periods in a single transaction. In-progress bars
// are skipped.
func (s *SQLiteStore) SavePeriods(ctx context.Context, symbol string, periods []models.Period) error {
	if len(periods) == 0 {
		return nil
	}

	return s.inTx(ctx, `
		INSERT OR REPLACE INTO periods (symbol, timeframe, start_date, open, high, low, close, volume, quotation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, func(stmt *sql.Stmt) error {
		for _, p := range periods {
			if p.InProgress {
				continue
			}
			if p.Timeframe <= 0 {
				return errors.NewDataError("period", symbol, "missing timeframe", errors.ErrInvalidTimeframe)
			}
			_, err := stmt.ExecContext(ctx, symbol, int64(p.Timeframe), toNanos(p.StartDate),
				p.Open, p.High, p.Low, p.Close, p.Volume, string(p.QuotationPrice))
			if err != nil {
				return fmt.Errorf("failed to insert period: %w", err)
			}
		}
		return nil
	})
}

// GetPeriods retrieves the periods of symbol and timeframe whose start date is
// within [from, to], ordered by start date.
func (s *SQLiteStore) GetPeriods(ctx context.Context, symbol string, timeframe models.Timeframe, from, to time.Time) ([]models.Period, error) {
	lo, hi := rangeNanos(from, to)
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_date, open, high, low, close, volume, quotation
		FROM periods
		WHERE symbol = ? AND timeframe = ? AND start_date >= ? AND start_date <= ?
		ORDER BY start_date ASC
	`, symbol, int64(timeframe), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []models.Period
	for rows.Next() {
		var (
			p         models.Period
			start     int64
			quotation sql.NullString
		)
		if err := rows.Scan(&start, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume, &quotation); err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		p.Symbol = symbol
		p.Timeframe = timeframe
		p.StartDate = fromNanos(start)
		p.QuotationPrice = models.QuotationPrice(quotation.String)
		periods = append(periods, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating periods: %w", err)
	}

	return periods, nil
}

// GetFreshness returns the most recent date covered by the symbol's ticks or
// closed periods. It is zero when nothing is stored.
func (s *SQLiteStore) GetFreshness(ctx context.Context, symbol string) (time.Time, error) {
	var tickMax, periodMax sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT MAX(date) FROM ticks WHERE symbol = ?),
			(SELECT MAX(start_date + timeframe * 1000000000) FROM periods WHERE symbol = ?)
	`, symbol, symbol).Scan(&tickMax, &periodMax)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("failed to get freshness: %w", err)
	}

	var latest int64
	if tickMax.Valid {
		latest = tickMax.Int64
	}
	if periodMax.Valid && periodMax.Int64 > latest {
		latest = periodMax.Int64
	}
	if latest == 0 {
		return time.Time{}, nil
	}
	return fromNanos(latest), nil
}

// ListSymbols summarizes the stored data per symbol, ordered by symbol.
func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]SymbolSummary, error) {
	summaries := make(map[string]*SymbolSummary)
	get := func(symbol string) *SymbolSummary {
		if sum, ok := summaries[symbol]; ok {
			return sum
		}
		sum := &SymbolSummary{Symbol: symbol}
		summaries[symbol] = sum
		return sum
	}
	widen := func(sum *SymbolSummary, first, last int64) {
		f, l := fromNanos(first), fromNanos(last)
		if sum.First.IsZero() || f.Before(sum.First) {
			sum.First = f
		}
		if l.After(sum.Last) {
			sum.Last = l
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, COUNT(*), MIN(date), MAX(date) FROM ticks GROUP BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tick summary: %w", err)
	}
	for rows.Next() {
		var (
			symbol      string
			count       int
			first, last int64
		)
		if err := rows.Scan(&symbol, &count, &first, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tick summary: %w", err)
		}
		sum := get(symbol)
		sum.Ticks = count
		widen(sum, first, last)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tick summary: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, COUNT(*), MIN(start_date), MAX(start_date + timeframe * 1000000000)
		FROM periods
		GROUP BY symbol, timeframe
		ORDER BY symbol, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query period summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			symbol      string
			timeframe   int64
			count       int
			first, last int64
		)
		if err := rows.Scan(&symbol, &timeframe, &count, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan period summary: %w", err)
		}
		sum := get(symbol)
		sum.Periods += count
		sum.Timeframes = append(sum.Timeframes, models.Timeframe(timeframe))
		widen(sum, first, last)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating period summary: %w", err)
	}

	result := make([]SymbolSummary, 0, len(summaries))
	for _, sum := range summaries {
		result = append(result, *sum)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// ============================================================================
// Journal Methods
// ============================================================================

// SaveRun saves or replaces a backtest run header.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return errors.NewValidationError("run.id", run.ID, "run id is required", errors.ErrConfigInvalid)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, strategy, symbols, from_date, to_date, start_equity, final_equity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Strategy, strings.Join(run.Symbols, ","), toNanos(run.From), toNanos(run.To),
		run.StartEquity, run.FinalEquity, toNanos(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRuns returns stored runs, newest first.
func (s *SQLiteStore) GetRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, strategy, symbols, from_date, to_date, start_equity, final_equity, created_at
		FROM runs ORDER BY created_at DESC, id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                   Run
			symbols             string
			from, to, createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Strategy, &symbols, &from, &to, &r.StartEquity, &r.FinalEquity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if symbols != "" {
			r.Symbols = strings.Split(symbols, ",")
		}
		r.From, r.To, r.CreatedAt = fromNanos(from), fromNanos(to), fromNanos(createdAt)
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// LogTrades journals the trades of a run.
func (s *SQLiteStore) LogTrades(ctx context.Context, runID string, trades []*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	return s.inTx(ctx, `
		INSERT OR REPLACE INTO trades (run_id, id, order_id, position_id, account_id, symbol, direction, status, purpose,
			volume, execution_price, gross_profit, gross_profit_asset, commission, commission_asset, date,
			rejection_reason, rejection_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, func(stmt *sql.Stmt) error {
		for _, t := range trades {
			var reason, message sql.NullString
			if t.Rejection != nil {
				reason = sql.NullString{String: string(t.Rejection.Reason), Valid: true}
				message = sql.NullString{String: t.Rejection.Message, Valid: true}
			}
			_, err := stmt.ExecContext(ctx, runID, t.ID, t.OrderID, t.PositionID, t.AccountID, t.Symbol,
				string(t.Direction), string(t.Status), string(t.Purpose), t.Volume, t.ExecutionPrice,
				t.GrossProfit, t.GrossProfitAsset, t.Commission, t.CommissionAsset, toNanos(t.Date()),
				reason, message)
			if err != nil {
				return fmt.Errorf("failed to log trade: %w", err)
			}
		}
		return nil
	})
}

// GetTrades retrieves journal trades, oldest first.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]*models.Trade, error) {
	query := `SELECT id, order_id, position_id, account_id, symbol, direction, status, purpose, volume,
		execution_price, gross_profit, gross_profit_asset, commission, commission_asset, date,
		rejection_reason, rejection_message
		FROM trades WHERE 1=1`
	args := []interface{}{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.StartDate.IsZero() {
		query += " AND date >= ?"
		args = append(args, toNanos(filter.StartDate))
	}
	if !filter.EndDate.IsZero() {
		query += " AND date <= ?"
		args = append(args, toNanos(filter.EndDate))
	}
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(filter.Direction))
	}

	query += " ORDER BY date ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		var (
			t                            models.Trade
			positionID, accountID        sql.NullString
			profitAsset, commissionAsset sql.NullString
			reason, message              sql.NullString
			direction, status, purpose   string
			date                         int64
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &positionID, &accountID, &t.Symbol, &direction, &status, &purpose,
			&t.Volume, &t.ExecutionPrice, &t.GrossProfit, &profitAsset, &t.Commission, &commissionAsset, &date,
			&reason, &message); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.PositionID = positionID.String
		t.AccountID = accountID.String
		t.GrossProfitAsset = profitAsset.String
		t.CommissionAsset = commissionAsset.String
		t.Direction = models.OrderDirection(direction)
		t.Status = models.TradeStatus(status)
		t.Purpose = models.TradePurpose(purpose)
		if t.Status == models.TradeStatusRejected {
			t.RejectionDate = fromNanos(date)
		} else {
			t.ExecutionDate = fromNanos(date)
		}
		if reason.Valid {
			t.Rejection = &models.OrderRejection{Reason: models.RejectionReason(reason.String), Message: message.String}
		}
		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}

// SaveEquityCurve saves the equity samples of a run.
func (s *SQLiteStore) SaveEquityCurve(ctx context.Context, runID string, points []EquityPoint) error {
	if len(points) == 0 {
		return nil
	}

	return s.inTx(ctx, `
		INSERT OR REPLACE INTO equity (run_id, date, equity) VALUES (?, ?, ?)
	`, func(stmt *sql.Stmt) error {
		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, runID, toNanos(p.Timestamp), p.Equity); err != nil {
				return fmt.Errorf("failed to insert equity point: %w", err)
			}
		}
		return nil
	})
}

// GetEquityCurve returns the equity samples of a run in date order.
func (s *SQLiteStore) GetEquityCurve(ctx context.Context, runID string) ([]EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, equity FROM equity WHERE run_id = ? ORDER BY date ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity curve: %w", err)
	}
	defer rows.Close()

	var points []EquityPoint
	for rows.Next() {
		var (
			date   int64
			equity decimal.Decimal
		)
		if err := rows.Scan(&date, &equity); err != nil {
			return nil, fmt.Errorf("failed to scan equity point: %w", err)
		}
		points = append(points, EquityPoint{Timestamp: fromNanos(date), Equity: equity})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating equity curve: %w", err)
	}

	return points, nil
}

// inTx runs fn with a statement prepared inside a write transaction.
func (s *SQLiteStore) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ============================================================================
// Sync Methods
// ============================================================================

// GetLastSync returns the last sync time for a data type.
func (s *SQLiteStore) GetLastSync(dataType string) time.Time {
	s.mu.RLock()
	if t, ok := s.syncTimes[dataType]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastSync int64
	err := s.db.QueryRow(`
		SELECT last_sync FROM sync_status WHERE data_type = ?
	`, dataType).Scan(&lastSync)
	if err != nil {
		return time.Time{}
	}

	t := fromNanos(lastSync)
	s.mu.Lock()
	s.syncTimes[dataType] = t
	s.mu.Unlock()

	return t
}

// SetLastSync sets the last sync time for a data type.
func (s *SQLiteStore) SetLastSync(dataType string, t time.Time) error {
	s.writeMu.Lock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_status (data_type, last_sync, updated_at)
		VALUES (?, ?, ?)
	`, dataType, toNanos(t), time.Now())
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	s.mu.Lock()
	s.syncTimes[dataType] = t.UTC()
	s.mu.Unlock()

	return nil
}
