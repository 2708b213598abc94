package retriever

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/journalyst/assistant/internal/router"
	"github.com/journalyst/assistant/internal/session"
	"github.com/journalyst/assistant/internal/store"
	"github.com/journalyst/assistant/internal/timeframe"
	"github.com/journalyst/assistant/internal/vector"
)

// TradeSource is the relational store surface the retriever needs.
type TradeSource interface {
	GetTradesByUser(ctx context.Context, userID int64, limit int) ([]store.Trade, error)
	GetTradesByDateRange(ctx context.Context, userID int64, start, end time.Time) ([]store.Trade, error)
	GetTradesByIDs(ctx context.Context, userID int64, ids []int64) ([]store.Trade, error)
}

// JournalSource is the vector store surface the retriever needs.
type JournalSource interface {
	SearchJournals(ctx context.Context, userID int64, query string, limit int) ([]vector.JournalEntry, error)
	GetJournalsByIDs(ctx context.Context, userID int64, ids []string, includeText bool) ([]vector.JournalEntry, error)
}

// Classifier routes a query to its data sources.
type Classifier interface {
	Classify(ctx context.Context, query string) router.Classification
}

// Result is what one retrieval produced. TradesFetched/JournalsFetched
// distinguish "source not consulted" from "consulted, zero records".
type Result struct {
	Trades          []store.Trade
	TradesFetched   bool
	Journals        []vector.JournalEntry
	JournalsFetched bool

	DateRange      *timeframe.Range
	Classification router.Classification
	Anchored       bool
	Timings        map[string]int64
}

// TradeIDs returns the identifiers of the retrieved trades, in order.
func (r *Result) TradeIDs() []int64 {
	ids := make([]int64, 0, len(r.Trades))
	for _, t := range r.Trades {
		ids = append(ids, t.TradeID)
	}
	return ids
}

// JournalIDs returns the identifiers of the retrieved journals, in order.
func (r *Result) JournalIDs() []string {
	ids := make([]string, 0, len(r.Journals))
	for _, j := range r.Journals {
		ids = append(ids, j.ID)
	}
	return ids
}

// Retriever orchestrates date extraction, routing and data fetches for
// one turn. Fetches are sequential; each path touches each source at
// most once.
type Retriever struct {
	trades     TradeSource
	journals   JournalSource
	classifier Classifier
	logger     *log.Logger

	tradeLimit int
	journalK   int
	now        func() time.Time
}

// Options tune retrieval; zero values take defaults.
type Options struct {
	TradeLimit int
	JournalTopK int
	// ReferenceDate pins "today" for date phrase resolution, used with
	// seeded datasets. Zero means the wall clock.
	ReferenceDate time.Time
}

func New(trades TradeSource, journals JournalSource, classifier Classifier, opts Options, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVER] ", log.LstdFlags)
	}
	r := &Retriever{
		trades:     trades,
		journals:   journals,
		classifier: classifier,
		logger:     logger,
		tradeLimit: opts.TradeLimit,
		journalK:   opts.JournalTopK,
		now:        time.Now,
	}
	if r.tradeLimit <= 0 {
		r.tradeLimit = 100
	}
	if r.journalK <= 0 {
		r.journalK = 5
	}
	if !opts.ReferenceDate.IsZero() {
		ref := opts.ReferenceDate
		r.now = func() time.Time { return ref }
	}
	return r
}

// Retrieve fetches the data needed to answer the query. A non-empty
// anchorScope switches to id-based retrieval; an empty one falls back
// to the standard path.
func (r *Retriever) Retrieve(ctx context.Context, userID int64, query string, anchorScope *session.AnchorScope) (*Result, error) {
	totalStart := time.Now()
	result := &Result{Timings: map[string]int64{}}

	// Date extraction always runs first; the range is side-channel
	// metadata for the caller even when the anchored path ignores it.
	if rng, ok := timeframe.Extract(query, r.now()); ok {
		result.DateRange = &rng
		r.logger.Printf("date context detected: %s", rng.Description)
	}

	var err error
	if !anchorScope.Empty() {
		err = r.retrieveAnchored(ctx, userID, query, anchorScope, result)
	} else {
		if anchorScope != nil {
			r.logger.Printf("empty anchor scope, falling back to standard retrieval")
		}
		err = r.retrieveStandard(ctx, userID, query, result)
	}
	if err != nil {
		return nil, err
	}

	result.Timings["total"] = time.Since(totalStart).Milliseconds()
	r.logger.Printf("completed | anchored=%v | trades=%d | journals=%d | total=%dms",
		result.Anchored, len(result.Trades), len(result.Journals), result.Timings["total"])
	return result, nil
}

func (r *Retriever) retrieveStandard(ctx context.Context, userID int64, query string, result *Result) error {
	routerStart := time.Now()
	result.Classification = r.classifier.Classify(ctx, query)
	result.Timings["router"] = time.Since(routerStart).Milliseconds()
	r.logger.Printf("query classified as %q (in_domain=%v) in %dms",
		result.Classification.QueryType, result.Classification.InDomain, result.Timings["router"])

	if result.Classification.NeedsTrades() {
		tradeStart := time.Now()
		var trades []store.Trade
		var err error
		if result.DateRange != nil {
			// End is inclusive; the range query's upper bound is exclusive.
			trades, err = r.trades.GetTradesByDateRange(ctx, userID, result.DateRange.Start, result.DateRange.End.AddDate(0, 0, 1))
		} else {
			trades, err = r.trades.GetTradesByUser(ctx, userID, r.tradeLimit)
		}
		if err != nil {
			return fmt.Errorf("trade retrieval: %w", err)
		}
		result.Trades = trades
		result.TradesFetched = true
		result.Timings["trades_db"] = time.Since(tradeStart).Milliseconds()
		r.logger.Printf("retrieved %d trades in %dms", len(trades), result.Timings["trades_db"])
	}

	if result.Classification.NeedsJournals() {
		journalStart := time.Now()
		journals, err := r.journals.SearchJournals(ctx, userID, query, r.journalK)
		if err != nil {
			return fmt.Errorf("journal search: %w", err)
		}
		result.Journals = journals
		result.JournalsFetched = true
		result.Timings["journals_vector"] = time.Since(journalStart).Milliseconds()
		r.logger.Printf("retrieved %d journal entries in %dms", len(journals), result.Timings["journals_vector"])
	}
	return nil
}

func (r *Retriever) retrieveAnchored(ctx context.Context, userID int64, query string, scope *session.AnchorScope, result *Result) error {
	result.Anchored = true
	r.logger.Printf("anchored retrieval | trade_ids=%d | journal_ids=%d", len(scope.TradeIDs), len(scope.JournalIDs))

	if len(scope.TradeIDs) > 0 {
		tradeStart := time.Now()
		trades, err := r.trades.GetTradesByIDs(ctx, userID, scope.TradeIDs)
		if err != nil {
			return fmt.Errorf("anchored trade retrieval: %w", err)
		}
		result.Trades = trades
		result.TradesFetched = true
		result.Timings["trades_db"] = time.Since(tradeStart).Milliseconds()
		r.logger.Printf("retrieved %d anchor trades in %dms", len(trades), result.Timings["trades_db"])
	}

	// The router runs here only to decide whether the follow-up needs
	// journal content; it never widens the anchored trade set.
	routerStart := time.Now()
	result.Classification = r.classifier.Classify(ctx, query)
	result.Timings["router"] = time.Since(routerStart).Milliseconds()
	r.logger.Printf("follow-up classified as %q | router=%dms", result.Classification.QueryType, result.Timings["router"])

	switch {
	case len(scope.JournalIDs) > 0:
		journalStart := time.Now()
		journals, err := r.journals.GetJournalsByIDs(ctx, userID, scope.JournalIDs, true)
		if err != nil {
			return fmt.Errorf("anchored journal retrieval: %w", err)
		}
		result.Journals = journals
		result.JournalsFetched = true
		result.Timings["journals_vector"] = time.Since(journalStart).Milliseconds()
		r.logger.Printf("retrieved %d anchor journals in %dms", len(journals), result.Timings["journals_vector"])
	case result.Classification.NeedsJournals():
		journalStart := time.Now()
		journals, err := r.journals.SearchJournals(ctx, userID, query, r.journalK)
		if err != nil {
			return fmt.Errorf("journal augmentation: %w", err)
		}
		result.Journals = journals
		result.JournalsFetched = true
		result.Timings["journals_vector"] = time.Since(journalStart).Milliseconds()
		r.logger.Printf("augmented with %d journals in %dms", len(journals), result.Timings["journals_vector"])
	}
	return nil
}
