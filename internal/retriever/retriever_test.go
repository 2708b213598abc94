package retriever

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/journalyst/assistant/internal/router"
	"github.com/journalyst/assistant/internal/session"
	"github.com/journalyst/assistant/internal/store"
	"github.com/journalyst/assistant/internal/vector"
)

type fakeTrades struct {
	byUser      []store.Trade
	byDateRange []store.Trade
	byIDs       []store.Trade
	err         error

	gotStart, gotEnd time.Time
	gotIDs           []int64
	calls            []string
}

func (f *fakeTrades) GetTradesByUser(ctx context.Context, userID int64, limit int) ([]store.Trade, error) {
	f.calls = append(f.calls, "byUser")
	return f.byUser, f.err
}

func (f *fakeTrades) GetTradesByDateRange(ctx context.Context, userID int64, start, end time.Time) ([]store.Trade, error) {
	f.calls = append(f.calls, "byDateRange")
	f.gotStart, f.gotEnd = start, end
	return f.byDateRange, f.err
}

func (f *fakeTrades) GetTradesByIDs(ctx context.Context, userID int64, ids []int64) ([]store.Trade, error) {
	f.calls = append(f.calls, "byIDs")
	f.gotIDs = ids
	return f.byIDs, f.err
}

type fakeJournals struct {
	search []vector.JournalEntry
	byIDs  []vector.JournalEntry
	err    error

	gotIDs          []string
	gotIncludeText  bool
	searched, byID  bool
}

func (f *fakeJournals) SearchJournals(ctx context.Context, userID int64, query string, limit int) ([]vector.JournalEntry, error) {
	f.searched = true
	return f.search, f.err
}

func (f *fakeJournals) GetJournalsByIDs(ctx context.Context, userID int64, ids []string, includeText bool) ([]vector.JournalEntry, error) {
	f.byID = true
	f.gotIDs = ids
	f.gotIncludeText = includeText
	return f.byIDs, f.err
}

type fixedClassifier struct {
	c router.Classification
}

func (f fixedClassifier) Classify(ctx context.Context, query string) router.Classification {
	return f.c
}

func newTestRetriever(trades TradeSource, journals JournalSource, c router.Classification) *Retriever {
	return New(trades, journals, fixedClassifier{c}, Options{
		ReferenceDate: time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
	}, log.New(io.Discard, "", 0))
}

func trade(id int64) store.Trade {
	return store.Trade{TradeID: id, Symbol: "AAPL", PnL: 10}
}

func TestStandardTradeOnlyNoDateRange(t *testing.T) {
	trades := &fakeTrades{byUser: []store.Trade{trade(1), trade(2)}}
	journals := &fakeJournals{}
	r := newTestRetriever(trades, journals, router.Classification{InDomain: true, QueryType: router.TypeTradeOnly})

	res, err := r.Retrieve(context.Background(), 7, "what's my win rate?", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Anchored {
		t.Error("should be standard path")
	}
	if len(trades.calls) != 1 || trades.calls[0] != "byUser" {
		t.Errorf("unexpected trade calls: %v", trades.calls)
	}
	if journals.searched || journals.byID {
		t.Error("journals should not be consulted for trade_only")
	}
	if !res.TradesFetched || res.JournalsFetched {
		t.Errorf("fetch flags wrong: %+v", res)
	}
	if got := res.TradeIDs(); len(got) != 2 || got[0] != 1 {
		t.Errorf("TradeIDs = %v", got)
	}
	if res.DateRange != nil {
		t.Errorf("no date phrase, got range %+v", res.DateRange)
	}
}

func TestStandardUsesDateRangeWhenExtracted(t *testing.T) {
	trades := &fakeTrades{byDateRange: []store.Trade{trade(3)}}
	r := newTestRetriever(trades, &fakeJournals{}, router.Classification{InDomain: true, QueryType: router.TypeTradeOnly})

	res, err := r.Retrieve(context.Background(), 7, "show me last week's trades", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.DateRange == nil {
		t.Fatal("date range not extracted")
	}
	if len(trades.calls) != 1 || trades.calls[0] != "byDateRange" {
		t.Errorf("unexpected trade calls: %v", trades.calls)
	}
	// Reference 2024-02-15 (Thursday): last working week is Feb 5-9.
	if trades.gotStart != time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC) {
		t.Errorf("start = %v", trades.gotStart)
	}
	// Upper bound is exclusive, one day past the inclusive end.
	if trades.gotEnd != time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC) {
		t.Errorf("end = %v", trades.gotEnd)
	}
}

func TestStandardJournalOnly(t *testing.T) {
	journals := &fakeJournals{search: []vector.JournalEntry{{ID: "j1", Text: "felt anxious"}}}
	trades := &fakeTrades{}
	r := newTestRetriever(trades, journals, router.Classification{InDomain: true, QueryType: router.TypeJournalOnly})

	res, err := r.Retrieve(context.Background(), 7, "what did I write about patience?", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(trades.calls) != 0 {
		t.Errorf("trades should not be consulted: %v", trades.calls)
	}
	if !journals.searched {
		t.Error("journal search should run")
	}
	if !res.JournalsFetched || len(res.Journals) != 1 {
		t.Errorf("unexpected journals: %+v", res.Journals)
	}
}

func TestGeneralChatFetchesNothing(t *testing.T) {
	trades := &fakeTrades{}
	journals := &fakeJournals{}
	r := newTestRetriever(trades, journals, router.Classification{InDomain: true, QueryType: router.TypeGeneralChat})

	res, err := r.Retrieve(context.Background(), 7, "hello", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.TradesFetched || res.JournalsFetched {
		t.Errorf("nothing should be fetched: %+v", res)
	}
}

func TestAnchoredFetchesByID(t *testing.T) {
	trades := &fakeTrades{byIDs: []store.Trade{trade(42), trade(17)}}
	journals := &fakeJournals{}
	r := newTestRetriever(trades, journals, router.Classification{InDomain: true, QueryType: router.TypeTradeOnly})

	scope := &session.AnchorScope{TradeIDs: []int64{42, 17}, TradeCount: 2}
	res, err := r.Retrieve(context.Background(), 7, "why were those losses so big?", scope)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.Anchored {
		t.Error("should take anchored path")
	}
	if len(trades.calls) != 1 || trades.calls[0] != "byIDs" {
		t.Errorf("unexpected trade calls: %v", trades.calls)
	}
	if len(trades.gotIDs) != 2 || trades.gotIDs[0] != 42 {
		t.Errorf("ids not passed through: %v", trades.gotIDs)
	}
	if journals.searched || journals.byID {
		t.Error("no journal need, none should be fetched")
	}
}

func TestAnchoredJournalIDsIncludeText(t *testing.T) {
	journals := &fakeJournals{byIDs: []vector.JournalEntry{{ID: "j1", Text: "full text"}}}
	r := newTestRetriever(&fakeTrades{}, journals, router.Classification{InDomain: true, QueryType: router.TypeGeneralChat})

	scope := &session.AnchorScope{JournalIDs: []string{"j1"}, JournalCount: 1}
	res, err := r.Retrieve(context.Background(), 7, "tell me more about that entry", scope)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !journals.byID || journals.searched {
		t.Error("anchored journals must fetch by id, not search")
	}
	if !journals.gotIncludeText {
		t.Error("anchored journal fetch should include text")
	}
	if len(res.Journals) != 1 {
		t.Errorf("unexpected journals: %+v", res.Journals)
	}
}

func TestAnchoredAugmentsJournalsWhenIntentAsks(t *testing.T) {
	journals := &fakeJournals{search: []vector.JournalEntry{{ID: "j9"}}}
	trades := &fakeTrades{byIDs: []store.Trade{trade(1)}}
	r := newTestRetriever(trades, journals, router.Classification{InDomain: true, QueryType: router.TypeMixed})

	scope := &session.AnchorScope{TradeIDs: []int64{1}, TradeCount: 1}
	_, err := r.Retrieve(context.Background(), 7, "how did I feel about those trades?", scope)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !journals.searched || journals.byID {
		t.Error("augmentation should search, not fetch by id")
	}
}

func TestEmptyAnchorFallsBackToStandard(t *testing.T) {
	trades := &fakeTrades{byUser: []store.Trade{trade(1)}}
	r := newTestRetriever(trades, &fakeJournals{}, router.Classification{InDomain: true, QueryType: router.TypeTradeOnly})

	scope := &session.AnchorScope{}
	res, err := r.Retrieve(context.Background(), 7, "show my trades", scope)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Anchored {
		t.Error("empty anchor must fall back to standard")
	}
	if len(trades.calls) != 1 || trades.calls[0] != "byUser" {
		t.Errorf("unexpected trade calls: %v", trades.calls)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	trades := &fakeTrades{err: fmt.Errorf("connection refused")}
	r := newTestRetriever(trades, &fakeJournals{}, router.Classification{InDomain: true, QueryType: router.TypeTradeOnly})

	if _, err := r.Retrieve(context.Background(), 7, "show my trades", nil); err == nil {
		t.Fatal("store failure must propagate")
	}
}
