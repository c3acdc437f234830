// Package analytics computes the periodic cross-sectional funding-rate
// z-score signal and publishes it to subscribers on a schedule.
//
// Grounded on original_source/analytics.py's compute_cross_sectional_zscores
// and FundingAnalytics (population standard deviation with a minimum-assets
// floor, the "compute first, then wait" scheduling loop, a cached `latest`
// snapshot for late subscribers), restructured around the teacher's
// internal/poller.Poller lifecycle shape (Start/Stop/run with a
// context.CancelFunc and sync.WaitGroup rather than an asyncio task).
package analytics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/lighter-md/internal/bus"
	"github.com/rickgao/lighter-md/internal/msgmodel"
	"github.com/rickgao/lighter-md/internal/store"
)

// ComputeCrossSectionalZScores returns a z-score per market, keyed by
// market id, using only markets with a non-nil funding rate as the
// cross-section. If fewer than minAssets markets have a funding rate, or
// the population standard deviation is zero, every market's z-score is
// nil. Population statistics are used (ddof=0): divide by the full count,
// not count-1.
func ComputeCrossSectionalZScores(rows []msgmodel.MarketRow, minAssets int) map[int64]*float64 {
	type sample struct {
		marketID int64
		value    float64
	}
	var values []sample
	for _, row := range rows {
		if row.FundingRate != nil {
			values = append(values, sample{row.MarketID, *row.FundingRate})
		}
	}

	result := make(map[int64]*float64, len(rows))
	if len(values) < minAssets {
		for _, row := range rows {
			result[row.MarketID] = nil
		}
		return result
	}

	var sum float64
	for _, v := range values {
		sum += v.value
	}
	mean := sum / float64(len(values))

	var varianceSum float64
	for _, v := range values {
		d := v.value - mean
		varianceSum += d * d
	}
	std := math.Sqrt(varianceSum / float64(len(values)))
	if std <= 0 {
		for _, row := range rows {
			result[row.MarketID] = nil
		}
		return result
	}

	for _, row := range rows {
		if row.FundingRate == nil {
			result[row.MarketID] = nil
			continue
		}
		z := (*row.FundingRate - mean) / std
		result[row.MarketID] = &z
	}
	return result
}

// Analytics runs the periodic funding z-score computation.
type Analytics struct {
	store     *store.Store
	bus       *bus.Bus[msgmodel.FundingSnapshot]
	interval  time.Duration
	minAssets int
	logger    *slog.Logger

	mu     sync.RWMutex
	latest *msgmodel.FundingSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Analytics worker. It does not start running until Start
// is called.
func New(st *store.Store, b *bus.Bus[msgmodel.FundingSnapshot], interval time.Duration, minAssets int, logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{
		store:     st,
		bus:       b,
		interval:  interval,
		minAssets: minAssets,
		logger:    logger,
	}
}

// Start begins the periodic computation loop, running once immediately and
// then every interval, until Stop is called or ctx is canceled.
func (a *Analytics) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run()

	a.logger.Info("funding analytics started", "interval", a.interval, "min_assets", a.minAssets)
	return nil
}

// Stop cancels the computation loop and waits for it to exit, or for ctx to
// expire first.
func (a *Analytics) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("funding analytics stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recently computed snapshot, or nil if none has
// been computed yet. Intended for a late-subscribing dashboard client that
// needs a bootstrap value before the next scheduled publish.
func (a *Analytics) Latest() *msgmodel.FundingSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

func (a *Analytics) run() {
	defer a.wg.Done()
	for {
		a.computeAndPublish()
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(a.interval):
		}
	}
}

func (a *Analytics) computeAndPublish() {
	rows := a.store.Rows()
	nowMs := time.Now().UnixMilli()

	if len(rows) == 0 {
		snapshot := msgmodel.FundingSnapshot{TimestampMs: nowMs, Rows: []msgmodel.FundingRecord{}}
		a.publish(snapshot)
		return
	}

	zscores := ComputeCrossSectionalZScores(rows, a.minAssets)

	ordered := make([]msgmodel.MarketRow, len(rows))
	copy(ordered, rows)
	sort.Slice(ordered, func(i, j int) bool {
		return fundingSortLess(ordered[i], ordered[j], zscores)
	})

	records := make([]msgmodel.FundingRecord, len(ordered))
	for i, row := range ordered {
		symbol := row.WireSymbol()
		records[i] = msgmodel.FundingRecord{
			MarketID:     row.MarketID,
			Symbol:       symbol,
			FundingRate:  row.FundingRate,
			OpenInterest: row.OpenInterest,
			ZScore:       zscores[row.MarketID],
		}
	}

	a.publish(msgmodel.FundingSnapshot{TimestampMs: nowMs, Rows: records})
}

func (a *Analytics) publish(snapshot msgmodel.FundingSnapshot) {
	a.mu.Lock()
	a.latest = &snapshot
	a.mu.Unlock()
	a.bus.Publish(snapshot)
}

// fundingSortLess orders rows by ascending z-score-key (a nil z-score
// sorts last, via +inf), then by descending open interest (missing open
// interest treated as zero), then by market id.
func fundingSortLess(a, b msgmodel.MarketRow, zscores map[int64]*float64) bool {
	az, bz := zKey(zscores[a.MarketID]), zKey(zscores[b.MarketID])
	if az != bz {
		return az < bz
	}
	aoi, boi := oiOrZero(a.OpenInterest), oiOrZero(b.OpenInterest)
	if aoi != boi {
		return aoi > boi
	}
	return a.MarketID < b.MarketID
}

func zKey(z *float64) float64 {
	if z == nil {
		return math.Inf(1)
	}
	return -*z
}

func oiOrZero(oi *float64) float64 {
	if oi == nil {
		return 0
	}
	return *oi
}
