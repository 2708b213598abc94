package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Trade is one row from the trades table joined with its asset symbol
// and strategy name. Nullable columns surface as zero values.
type Trade struct {
	TradeID        int64     `json:"trade_id"`
	UserID         int64     `json:"user_id"`
	Symbol         string    `json:"symbol"`
	StrategyName   string    `json:"strategy_name,omitempty"`
	Direction      string    `json:"direction"`
	EntryType      string    `json:"entry_type"`
	Session        string    `json:"session"`
	Timeframe      string    `json:"timeframe"`
	RiskPercentage float64   `json:"risk_percentage"`
	RiskReward     float64   `json:"risk_reward"`
	Outcome        string    `json:"outcome"`
	PnL            float64   `json:"pnl"`
	PnLPercentage  float64   `json:"pnl_percentage"`
	Commission     float64   `json:"commission,omitempty"`
	HasNews        bool      `json:"has_news"`
	DayOfWeek      string    `json:"day_of_week"`
	EmotionalState string    `json:"emotional_state,omitempty"`
	ReasonToEnter  string    `json:"reason_to_enter,omitempty"`
	Learning       string    `json:"learning,omitempty"`
	TradeRating    string    `json:"trade_rating,omitempty"`
	TradeDate      time.Time `json:"trade_date"`
	EntryTime      string    `json:"entry_time"`
}

// tradeColumns is the select list shared by all trade queries; scanTrade
// must stay in sync with it.
const tradeColumns = `t.trade_id, t.user_id, a.symbol, s.name AS strategy_name,
	t.direction, t.entry_type, t.session, t.timeframe,
	t.risk_percentage, t.risk_reward, t.outcome, t.pnl, t.pnl_percentage, t.commission,
	t.has_news, t.day_of_week, t.emotional_state, t.reason_to_enter, t.learning, t.trade_rating,
	t.trade_date, t.entry_time`

const tradeJoins = `FROM trades t
	LEFT JOIN assets a ON t.asset_id = a.asset_id
	LEFT JOIN strategies s ON t.strategy_id = s.strategy_id`

func scanTrade(rows *sql.Rows) (Trade, error) {
	var t Trade
	var strategyName, emotionalState, reasonToEnter, learning, tradeRating sql.NullString
	var commission sql.NullFloat64
	var hasNews int
	err := rows.Scan(
		&t.TradeID, &t.UserID, &t.Symbol, &strategyName,
		&t.Direction, &t.EntryType, &t.Session, &t.Timeframe,
		&t.RiskPercentage, &t.RiskReward, &t.Outcome, &t.PnL, &t.PnLPercentage, &commission,
		&hasNews, &t.DayOfWeek, &emotionalState, &reasonToEnter, &learning, &tradeRating,
		&t.TradeDate, &t.EntryTime,
	)
	if err != nil {
		return Trade{}, err
	}
	t.StrategyName = strategyName.String
	t.EmotionalState = emotionalState.String
	t.ReasonToEnter = reasonToEnter.String
	t.Learning = learning.String
	t.TradeRating = tradeRating.String
	t.Commission = commission.Float64
	t.HasNews = hasNews != 0
	return t, nil
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...interface{}) ([]Trade, error) {
	if err := ValidateSQL(query); err != nil {
		s.logf("validation rejected query: %v", err)
		return nil, err
	}

	start := time.Now()
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trade query failed: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logf("query complete | rows=%d | total=%dms", len(trades), time.Since(start).Milliseconds())
	return trades, nil
}

// GetTradesByUser returns the most recent trades for a user.
func (s *Store) GetTradesByUser(ctx context.Context, userID int64, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + tradeColumns + ` ` + tradeJoins + `
	WHERE t.user_id = $1
	ORDER BY t.trade_date DESC
	LIMIT $2`
	return s.queryTrades(ctx, query, userID, limit)
}

// GetTradesByDateRange returns trades with trade_date in [start, end).
func (s *Store) GetTradesByDateRange(ctx context.Context, userID int64, start, end time.Time) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` ` + tradeJoins + `
	WHERE t.user_id = $1
	  AND t.trade_date >= $2
	  AND t.trade_date < $3
	ORDER BY t.trade_date`
	return s.queryTrades(ctx, query, userID, start, end)
}

// GetTradesByIDs returns the given trades, restricted to the user. Order
// follows trade_date so anchored follow-ups read chronologically.
func (s *Store) GetTradesByIDs(ctx context.Context, userID int64, ids []int64) ([]Trade, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + tradeColumns + ` ` + tradeJoins + `
	WHERE t.user_id = $1
	  AND t.trade_id = ANY($2)
	ORDER BY t.trade_date`
	return s.queryTrades(ctx, query, userID, pq.Array(ids))
}

// GetTradesBySymbol returns trades for one asset symbol.
func (s *Store) GetTradesBySymbol(ctx context.Context, userID int64, symbol string) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` ` + tradeJoins + `
	WHERE t.user_id = $1
	  AND UPPER(a.symbol) = UPPER($2)
	ORDER BY t.trade_date DESC`
	return s.queryTrades(ctx, query, userID, symbol)
}

// GetTradesByStrategy returns trades for one strategy by name.
func (s *Store) GetTradesByStrategy(ctx context.Context, userID int64, strategyName string) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` ` + tradeJoins + `
	WHERE t.user_id = $1
	  AND LOWER(s.name) = LOWER($2)
	ORDER BY t.trade_date DESC`
	return s.queryTrades(ctx, query, userID, strategyName)
}

// GetTradesBySession returns trades for one trading session (london,
// new_york, asia).
func (s *Store) GetTradesBySession(ctx context.Context, userID int64, session string) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` ` + tradeJoins + `
	WHERE t.user_id = $1
	  AND LOWER(t.session) = LOWER($2)
	ORDER BY t.trade_date DESC`
	return s.queryTrades(ctx, query, userID, session)
}

// PerformanceSummary aggregates outcomes across all of a user's trades.
type PerformanceSummary struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	Breakeven   int     `json:"breakeven"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
}

// GetPerformanceSummary computes aggregate performance metrics.
func (s *Store) GetPerformanceSummary(ctx context.Context, userID int64) (PerformanceSummary, error) {
	query := `SELECT
		COUNT(*) AS total_trades,
		COUNT(CASE WHEN pnl > 0 THEN 1 END) AS wins,
		COUNT(CASE WHEN pnl < 0 THEN 1 END) AS losses,
		COUNT(CASE WHEN pnl = 0 THEN 1 END) AS breakeven,
		COALESCE(SUM(pnl), 0) AS total_pnl,
		COALESCE(AVG(pnl), 0) AS avg_pnl,
		COALESCE(MAX(pnl), 0) AS best_trade,
		COALESCE(MIN(pnl), 0) AS worst_trade,
		COALESCE(AVG(CASE WHEN pnl > 0 THEN pnl END), 0) AS avg_win,
		COALESCE(AVG(CASE WHEN pnl < 0 THEN pnl END), 0) AS avg_loss
	FROM trades
	WHERE user_id = $1`
	if err := ValidateSQL(query); err != nil {
		return PerformanceSummary{}, err
	}

	var p PerformanceSummary
	err := s.DB.QueryRowContext(ctx, query, userID).Scan(
		&p.TotalTrades, &p.Wins, &p.Losses, &p.Breakeven,
		&p.TotalPnL, &p.AvgPnL, &p.BestTrade, &p.WorstTrade,
		&p.AvgWin, &p.AvgLoss,
	)
	if err != nil {
		return PerformanceSummary{}, fmt.Errorf("performance summary: %w", err)
	}
	return p, nil
}

// StrategyWinRate is one row of the per-strategy win-rate breakdown.
type StrategyWinRate struct {
	StrategyName string  `json:"strategy_name"`
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
}

// GetWinRateByStrategy computes win rate grouped by strategy.
func (s *Store) GetWinRateByStrategy(ctx context.Context, userID int64) ([]StrategyWinRate, error) {
	query := `SELECT
		COALESCE(s.name, 'unknown') AS strategy_name,
		COUNT(*) AS total_trades,
		COUNT(CASE WHEN t.pnl > 0 THEN 1 END) AS wins,
		ROUND(100.0 * COUNT(CASE WHEN t.pnl > 0 THEN 1 END) / COUNT(*), 2) AS win_rate,
		SUM(t.pnl) AS total_pnl
	FROM trades t
	LEFT JOIN strategies s ON t.strategy_id = s.strategy_id
	WHERE t.user_id = $1
	GROUP BY s.name
	ORDER BY win_rate DESC`
	if err := ValidateSQL(query); err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("win rate by strategy: %w", err)
	}
	defer rows.Close()

	var out []StrategyWinRate
	for rows.Next() {
		var r StrategyWinRate
		if err := rows.Scan(&r.StrategyName, &r.TotalTrades, &r.Wins, &r.WinRate, &r.TotalPnL); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EmotionalPattern is one row of the outcome-by-emotional-state analysis.
type EmotionalPattern struct {
	EmotionalState string  `json:"emotional_state"`
	TradeCount     int     `json:"trade_count"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"win_rate"`
	TotalPnL       float64 `json:"total_pnl"`
}

// GetEmotionalPatterns analyzes trading outcomes by emotional state.
func (s *Store) GetEmotionalPatterns(ctx context.Context, userID int64) ([]EmotionalPattern, error) {
	query := `SELECT
		emotional_state,
		COUNT(*) AS trade_count,
		COUNT(CASE WHEN pnl > 0 THEN 1 END) AS wins,
		COUNT(CASE WHEN pnl < 0 THEN 1 END) AS losses,
		ROUND(100.0 * COUNT(CASE WHEN pnl > 0 THEN 1 END) / COUNT(*), 2) AS win_rate,
		SUM(pnl) AS total_pnl
	FROM trades
	WHERE user_id = $1 AND emotional_state IS NOT NULL
	GROUP BY emotional_state
	ORDER BY trade_count DESC`
	if err := ValidateSQL(query); err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("emotional patterns: %w", err)
	}
	defer rows.Close()

	var out []EmotionalPattern
	for rows.Next() {
		var r EmotionalPattern
		if err := rows.Scan(&r.EmotionalState, &r.TradeCount, &r.Wins, &r.Losses, &r.WinRate, &r.TotalPnL); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
