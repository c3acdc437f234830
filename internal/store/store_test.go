package store

import (
	"testing"
	"time"

	"github.com/rickgao/lighter-md/internal/bus"
	"github.com/rickgao/lighter-md/internal/msgmodel"
)

func ptr(v float64) *float64 { return &v }

func newTestStore(debounce time.Duration) (*Store, *bus.Subscription[Update]) {
	b := bus.New[Update](32)
	sub := b.Subscribe()
	return New(b, nil, debounce), sub
}

func drain(t *testing.T, sub *bus.Subscription[Update]) Update {
	t.Helper()
	select {
	case u := <-sub.C:
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
		return nil
	}
}

func TestApplyMarketStats_NewMarketPublishesFullShape(t *testing.T) {
	s, sub := newTestStore(0)

	row, changed := s.ApplyMarketStats(msgmodel.MarketStatsRecord{
		MarketID:  7,
		MarkPrice: ptr(100.5),
	})
	if !changed {
		t.Fatalf("ApplyMarketStats() changed = false, want true for a new market")
	}
	if row.MarkPrice == nil || *row.MarkPrice != 100.5 {
		t.Errorf("MarkPrice = %v, want 100.5", row.MarkPrice)
	}

	update := drain(t, sub)
	if _, ok := update[msgmodel.FieldMarketID]; !ok {
		t.Errorf("bootstrap update missing market_id")
	}
	if _, ok := update[msgmodel.FieldSymbol]; !ok {
		t.Errorf("bootstrap update missing symbol (new market should include full shape)")
	}
}

func TestApplyMarketStats_StickyFieldsDoNotClearOnNull(t *testing.T) {
	s, sub := newTestStore(0)

	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: ptr(10)})
	drain(t, sub)

	row, changed := s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: nil, LastPrice: ptr(11)})
	if !changed {
		t.Fatalf("ApplyMarketStats() changed = false, want true")
	}
	if row.MarkPrice == nil || *row.MarkPrice != 10 {
		t.Errorf("MarkPrice = %v, want sticky 10 (null incoming should not clear)", row.MarkPrice)
	}
	if row.LastPrice == nil || *row.LastPrice != 11 {
		t.Errorf("LastPrice = %v, want 11", row.LastPrice)
	}
}

func TestApplyMarketStats_NoopProducesNoChange(t *testing.T) {
	s, sub := newTestStore(0)

	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: ptr(10)})
	drain(t, sub)

	_, changed := s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: ptr(10)})
	if changed {
		t.Errorf("ApplyMarketStats() changed = true, want false for an idempotent republish")
	}

	select {
	case u := <-sub.C:
		t.Errorf("unexpected publish for a no-op update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyMarketStats_BasisDerivation(t *testing.T) {
	s, _ := newTestStore(0)

	row, _ := s.ApplyMarketStats(msgmodel.MarketStatsRecord{
		MarketID:   1,
		MarkPrice:  ptr(101),
		IndexPrice: ptr(100),
	})
	if row.Basis == nil || *row.Basis != 1 {
		t.Errorf("Basis = %v, want 1", row.Basis)
	}
}

func TestApplyOrderBook_BestLevelsAndMidSpread(t *testing.T) {
	s, _ := newTestStore(0)

	row, changed := s.ApplyOrderBook("order_book/7", msgmodel.OrderBook{
		Asks: []msgmodel.OrderLevel{{Price: 101, Size: 5}, {Price: 102, Size: 3}},
		Bids: []msgmodel.OrderLevel{{Price: 99, Size: 4}, {Price: 98, Size: 2}},
	})
	if !changed {
		t.Fatalf("ApplyOrderBook() changed = false, want true")
	}
	if row.BestAskPrice == nil || *row.BestAskPrice != 101 {
		t.Errorf("BestAskPrice = %v, want 101", row.BestAskPrice)
	}
	if row.BestBidPrice == nil || *row.BestBidPrice != 99 {
		t.Errorf("BestBidPrice = %v, want 99", row.BestBidPrice)
	}
	if row.MidPrice == nil || *row.MidPrice != 100 {
		t.Errorf("MidPrice = %v, want 100", row.MidPrice)
	}
	wantSpread := ((101.0 - 99.0) / 100.0) * 10_000
	if row.Spread == nil || *row.Spread != wantSpread {
		t.Errorf("Spread = %v, want %v", row.Spread, wantSpread)
	}
}

func TestApplyOrderBook_EmptySideClearsBestLevels(t *testing.T) {
	s, _ := newTestStore(0)

	s.ApplyOrderBook("order_book/7", msgmodel.OrderBook{
		Asks: []msgmodel.OrderLevel{{Price: 101, Size: 5}},
		Bids: []msgmodel.OrderLevel{{Price: 99, Size: 4}},
	})

	row, changed := s.ApplyOrderBook("order_book/7", msgmodel.OrderBook{
		Asks: nil,
		Bids: []msgmodel.OrderLevel{{Price: 99, Size: 4}},
	})
	if !changed {
		t.Fatalf("ApplyOrderBook() changed = false, want true when a side empties out")
	}
	if row.BestAskPrice != nil {
		t.Errorf("BestAskPrice = %v, want nil after asks side emptied", row.BestAskPrice)
	}
	if row.MidPrice != nil {
		t.Errorf("MidPrice = %v, want nil once one side is empty", row.MidPrice)
	}
}

func TestApplyOrderBook_UnknownChannelReturnsFalse(t *testing.T) {
	s, _ := newTestStore(0)
	_, changed := s.ApplyOrderBook("order_book/", msgmodel.OrderBook{})
	if changed {
		t.Errorf("ApplyOrderBook() changed = true, want false for a channel with no trailing id")
	}
}

func TestExtractMarketID(t *testing.T) {
	cases := []struct {
		channel string
		want    int64
		ok      bool
	}{
		{"order_book/7", 7, true},
		{"market_stats/all", 0, false},
		{"order_book/123", 123, true},
		{"order_book/", 0, false},
	}
	for _, tc := range cases {
		got, ok := ExtractMarketID(tc.channel)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("ExtractMarketID(%q) = (%d, %v), want (%d, %v)", tc.channel, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRows_SortedByOpenInterestDescending(t *testing.T) {
	s, _ := newTestStore(0)

	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, OpenInterest: ptr(50)})
	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 2, OpenInterest: ptr(200)})
	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 3}) // no open interest

	rows := s.Rows()
	if len(rows) != 3 {
		t.Fatalf("Rows() = %d rows, want 3", len(rows))
	}
	if rows[0].MarketID != 2 || rows[1].MarketID != 1 || rows[2].MarketID != 3 {
		t.Errorf("Rows() order = %d,%d,%d, want 2,1,3", rows[0].MarketID, rows[1].MarketID, rows[2].MarketID)
	}
}

func TestSchedulePublish_DebouncesWithinInterval(t *testing.T) {
	s, sub := newTestStore(200 * time.Millisecond)

	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: ptr(10)})
	first := drain(t, sub) // immediate, no prior publish
	if _, ok := first[msgmodel.FieldMarkPrice]; !ok {
		t.Fatalf("first publish missing mark_price")
	}

	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: ptr(11)})

	select {
	case <-sub.C:
		t.Fatalf("second update published immediately, want it debounced")
	case <-time.After(50 * time.Millisecond):
	}

	second := drain(t, sub)
	got, ok := second[msgmodel.FieldMarkPrice].(*float64)
	if !ok || got == nil || *got != 11 {
		t.Errorf("debounced update mark_price = %v, want 11", second[msgmodel.FieldMarkPrice])
	}
}

func TestClose_CancelsPendingFlush(t *testing.T) {
	s, sub := newTestStore(time.Hour)

	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: ptr(10)})
	drain(t, sub) // immediate first publish

	s.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, MarkPrice: ptr(11)})
	s.Close()

	select {
	case u := <-sub.C:
		t.Errorf("unexpected publish after Close: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}
