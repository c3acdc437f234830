package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/rickgao/lighter-md/internal/bus"
	"github.com/rickgao/lighter-md/internal/msgmodel"
	"github.com/rickgao/lighter-md/internal/store"
)

func ptr(v float64) *float64 { return &v }

func rowWithFunding(id int64, funding *float64, oi *float64) msgmodel.MarketRow {
	return msgmodel.MarketRow{MarketID: id, FundingRate: funding, OpenInterest: oi}
}

func TestComputeCrossSectionalZScores_BasicCase(t *testing.T) {
	rows := []msgmodel.MarketRow{
		rowWithFunding(1, ptr(0.01), nil),
		rowWithFunding(2, ptr(0.02), nil),
		rowWithFunding(3, ptr(0.03), nil),
	}

	z := ComputeCrossSectionalZScores(rows, 3)

	var sum, sumSq float64
	for _, row := range rows {
		if z[row.MarketID] == nil {
			t.Fatalf("z-score for market %d is nil, want a value", row.MarketID)
		}
		sum += *z[row.MarketID]
		sumSq += *z[row.MarketID] * *z[row.MarketID]
	}
	if diff := sum; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("sum of z-scores = %v, want ~0", sum)
	}
	if diff := sumSq - float64(len(rows)); diff < -1e-6 || diff > 1e-6 {
		t.Errorf("sum of squared z-scores = %v, want ~%d", sumSq, len(rows))
	}
}

func TestComputeCrossSectionalZScores_InsufficientAssetsYieldsNil(t *testing.T) {
	rows := []msgmodel.MarketRow{
		rowWithFunding(1, ptr(0.01), nil),
		rowWithFunding(2, ptr(0.02), nil),
	}

	z := ComputeCrossSectionalZScores(rows, 3)
	for _, row := range rows {
		if z[row.MarketID] != nil {
			t.Errorf("z-score for market %d = %v, want nil below min_assets floor", row.MarketID, *z[row.MarketID])
		}
	}
}

func TestComputeCrossSectionalZScores_MissingFundingRateIsNil(t *testing.T) {
	rows := []msgmodel.MarketRow{
		rowWithFunding(1, ptr(0.01), nil),
		rowWithFunding(2, ptr(0.02), nil),
		rowWithFunding(3, nil, nil),
	}

	z := ComputeCrossSectionalZScores(rows, 2)
	if z[3] != nil {
		t.Errorf("z-score for market with no funding rate = %v, want nil", *z[3])
	}
	if z[1] == nil || z[2] == nil {
		t.Errorf("markets with a funding rate should have a z-score")
	}
}

func TestComputeCrossSectionalZScores_ZeroStdYieldsAllNil(t *testing.T) {
	rows := []msgmodel.MarketRow{
		rowWithFunding(1, ptr(0.01), nil),
		rowWithFunding(2, ptr(0.01), nil),
		rowWithFunding(3, ptr(0.01), nil),
	}

	z := ComputeCrossSectionalZScores(rows, 3)
	for _, row := range rows {
		if z[row.MarketID] != nil {
			t.Errorf("z-score for market %d = %v, want nil when std is zero", row.MarketID, *z[row.MarketID])
		}
	}
}

func TestAnalytics_PublishesEmptySnapshotWithNoRows(t *testing.T) {
	b := bus.New[msgmodel.FundingSnapshot](8)
	sub := b.Subscribe()
	storeBus := bus.New[store.Update](8)
	st := store.New(storeBus, nil, 0)

	a := New(st, b, time.Hour, 3, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop(context.Background())

	select {
	case snapshot := <-sub.C:
		if len(snapshot.Rows) != 0 {
			t.Errorf("Rows = %v, want empty", snapshot.Rows)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}
}

func TestAnalytics_OrdersByZScoreThenOpenInterest(t *testing.T) {
	b := bus.New[msgmodel.FundingSnapshot](8)
	sub := b.Subscribe()
	storeBus := bus.New[store.Update](8)
	st := store.New(storeBus, nil, 0)

	st.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 1, FundingRate: ptr(0.03), OpenInterest: ptr(10)})
	st.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 2, FundingRate: ptr(0.01), OpenInterest: ptr(100)})
	st.ApplyMarketStats(msgmodel.MarketStatsRecord{MarketID: 3, FundingRate: ptr(0.02), OpenInterest: ptr(50)})

	a := New(st, b, time.Hour, 3, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop(context.Background())

	select {
	case snapshot := <-sub.C:
		if len(snapshot.Rows) != 3 {
			t.Fatalf("Rows = %d, want 3", len(snapshot.Rows))
		}
		// Highest funding rate -> most negative z-score key -> sorts first.
		if snapshot.Rows[0].MarketID != 1 {
			t.Errorf("Rows[0].MarketID = %d, want 1 (highest funding rate)", snapshot.Rows[0].MarketID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	latest := a.Latest()
	if latest == nil {
		t.Fatalf("Latest() = nil, want a cached snapshot")
	}
}

func TestAnalytics_StopCancelsLoop(t *testing.T) {
	b := bus.New[msgmodel.FundingSnapshot](8)
	storeBus := bus.New[store.Update](8)
	st := store.New(storeBus, nil, 0)

	a := New(st, b, 20*time.Millisecond, 3, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
