// Package store holds the live per-market state derived from upstream
// market_stats and order_book updates, and debounces the sparse updates it
// publishes to the dashboard bus. Grounded on original_source/store.py's
// MarketStore (field merge/derive/sticky-null rules, debounce/flush-task
// scheduling, channel-id extraction) reimplemented with the teacher's
// concurrency idiom: sync.Mutex-guarded maps in place of an asyncio.Lock,
// and time.AfterFunc in place of an event-loop-scheduled task.
package store

import (
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/lighter-md/internal/bus"
	"github.com/rickgao/lighter-md/internal/msgmodel"
)

// Update is the sparse payload published to subscribers: the changed
// fields of one market's row, always including market_id.
type Update = map[msgmodel.Field]any

var channelIDRe = regexp.MustCompile(`(\d+)$`)

// ExtractMarketID pulls the trailing integer off a channel name such as
// "order_book/7", matching the upstream convention (spec.md §4.4). It
// reports false if the channel carries no trailing digits.
func ExtractMarketID(channel string) (int64, bool) {
	match := channelIDRe.FindStringSubmatch(channel)
	if match == nil {
		return 0, false
	}
	var id int64
	for _, c := range match[1] {
		id = id*10 + int64(c-'0')
	}
	return id, true
}

type pendingEntry struct {
	row    msgmodel.MarketRow
	fields map[msgmodel.Field]struct{}
}

// Store is the live market state table. Safe for concurrent use.
type Store struct {
	bus      *bus.Bus[Update]
	metadata map[int64]string
	debounce time.Duration

	mu   sync.Mutex
	rows map[int64]msgmodel.MarketRow

	pubMu       sync.Mutex
	pending     map[int64]pendingEntry
	lastPublish map[int64]time.Time
	flushTimers map[int64]*time.Timer
}

// New creates a Store that publishes debounced updates to b, with symbols
// looked up from metadata (market id -> display symbol).
func New(b *bus.Bus[Update], metadata map[int64]string, debounce time.Duration) *Store {
	if metadata == nil {
		metadata = map[int64]string{}
	}
	return &Store{
		bus:         b,
		metadata:    metadata,
		debounce:    debounce,
		rows:        make(map[int64]msgmodel.MarketRow),
		pending:     make(map[int64]pendingEntry),
		lastPublish: make(map[int64]time.Time),
		flushTimers: make(map[int64]*time.Timer),
	}
}

// ApplyMarketStats merges a decoded stats record into the market's row. It
// returns the updated row and whether anything actually changed; a no-op
// update (every field already equal) reports changed=false and schedules no
// publish.
func (s *Store) ApplyMarketStats(rec msgmodel.MarketStatsRecord) (msgmodel.MarketRow, bool) {
	s.mu.Lock()
	row, existed := s.rows[rec.MarketID]
	if !existed {
		row = s.freshRow(rec.MarketID)
	}
	changed := applyStats(&row, rec)
	if !existed {
		changed = msgmodel.AllFields()
	}
	if len(changed) == 0 {
		s.mu.Unlock()
		return msgmodel.MarketRow{}, false
	}
	row.UpdatedMs = nowMs()
	changed[msgmodel.FieldUpdatedMs] = struct{}{}
	s.rows[rec.MarketID] = row
	s.mu.Unlock()

	s.schedulePublish(rec.MarketID, row, changed)
	return row, true
}

// ApplyOrderBook merges a decoded order_book payload into the market
// identified by the channel's trailing integer. It returns false (with a
// zero row) if the channel carries no market id or if nothing changed.
func (s *Store) ApplyOrderBook(channel string, ob msgmodel.OrderBook) (msgmodel.MarketRow, bool) {
	marketID, ok := ExtractMarketID(channel)
	if !ok {
		return msgmodel.MarketRow{}, false
	}

	s.mu.Lock()
	row, existed := s.rows[marketID]
	if !existed {
		row = s.freshRow(marketID)
	}
	changed := applyOrderBook(&row, ob.Asks, ob.Bids)
	if !existed {
		changed = msgmodel.AllFields()
	}
	if len(changed) == 0 {
		s.mu.Unlock()
		return msgmodel.MarketRow{}, false
	}
	row.UpdatedMs = nowMs()
	changed[msgmodel.FieldUpdatedMs] = struct{}{}
	s.rows[marketID] = row
	s.mu.Unlock()

	s.schedulePublish(marketID, row, changed)
	return row, true
}

// Snapshot returns every row's full wire shape, ordered the same as Rows.
func (s *Store) Snapshot() []map[msgmodel.Field]any {
	rows := s.Rows()
	out := make([]map[msgmodel.Field]any, len(rows))
	for i, row := range rows {
		out[i] = row.ToWire()
	}
	return out
}

// MarketIDs returns the set of markets currently tracked, unordered.
func (s *Store) MarketIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	return ids
}

// Rows returns every tracked row, ordered by descending open interest (rows
// with no open interest sort last), ties broken by market id.
func (s *Store) Rows() []msgmodel.MarketRow {
	s.mu.Lock()
	rows := make([]msgmodel.MarketRow, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rowLess(rows[i], rows[j]) })
	return rows
}

// Close cancels any pending debounce flush timers. Already-emitted updates
// are unaffected.
func (s *Store) Close() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	for _, timer := range s.flushTimers {
		timer.Stop()
	}
	s.flushTimers = make(map[int64]*time.Timer)
}

func (s *Store) freshRow(marketID int64) msgmodel.MarketRow {
	row := msgmodel.MarketRow{MarketID: marketID, UpdatedMs: nowMs()}
	if symbol, ok := s.metadata[marketID]; ok && symbol != "" {
		row.Symbol = &symbol
	}
	return row
}

func rowLess(a, b msgmodel.MarketRow) bool {
	aRank, bRank := 1, 1
	if a.OpenInterest != nil {
		aRank = 0
	}
	if b.OpenInterest != nil {
		bRank = 0
	}
	if aRank != bRank {
		return aRank < bRank
	}
	if a.OpenInterest != nil && b.OpenInterest != nil && *a.OpenInterest != *b.OpenInterest {
		return *a.OpenInterest > *b.OpenInterest
	}
	return a.MarketID < b.MarketID
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// applyStats merges stats fields into row, returning the set of fields that
// actually changed. Stats fields are sticky: a nil incoming value leaves
// the existing value untouched rather than clearing it.
func applyStats(row *msgmodel.MarketRow, rec msgmodel.MarketStatsRecord) map[msgmodel.Field]struct{} {
	changed := map[msgmodel.Field]struct{}{}

	updateIfNotNone(&row.LastPrice, msgmodel.FieldLastPrice, rec.LastPrice, changed)
	updateIfNotNone(&row.MarkPrice, msgmodel.FieldMarkPrice, rec.MarkPrice, changed)
	updateIfNotNone(&row.IndexPrice, msgmodel.FieldIndexPrice, rec.IndexPrice, changed)
	updateIfNotNone(&row.OpenInterest, msgmodel.FieldOpenInterest, rec.OpenInterest, changed)
	updateIfNotNone(&row.FundingRate, msgmodel.FieldFundingRate, rec.FundingRate, changed)
	updateIfNotNone(&row.DailyVolume, msgmodel.FieldDailyVolume, rec.DailyVolume, changed)

	assignOptional(&row.Basis, msgmodel.FieldBasis, calcBasis(row), changed)
	assignOptional(&row.Markout, msgmodel.FieldMarkout, calcMarkout(row), changed)
	return changed
}

// applyOrderBook merges a decoded order book into row, returning the set of
// fields that changed. Book-derived fields clear (go to nil) when a side
// empties out, unlike stats fields.
func applyOrderBook(row *msgmodel.MarketRow, asks, bids []msgmodel.OrderLevel) map[msgmodel.Field]struct{} {
	changed := map[msgmodel.Field]struct{}{}

	askPrice, askSize, hasAsk := bestLevel(asks, false)
	bidPrice, bidSize, hasBid := bestLevel(bids, true)

	setLevel(&row.BestAskPrice, &row.BestAskSize, msgmodel.FieldBestAskPrice, msgmodel.FieldBestAskSize, askPrice, askSize, hasAsk, changed)
	setLevel(&row.BestBidPrice, &row.BestBidSize, msgmodel.FieldBestBidPrice, msgmodel.FieldBestBidSize, bidPrice, bidSize, hasBid, changed)

	var midPrice, spread *float64
	if hasAsk && hasBid {
		mid := (askPrice + bidPrice) / 2
		midPrice = &mid
		if mid != 0 {
			bps := ((askPrice - bidPrice) / mid) * 10_000
			spread = &bps
		}
	}
	assignOptional(&row.MidPrice, msgmodel.FieldMidPrice, midPrice, changed)
	assignOptional(&row.Spread, msgmodel.FieldSpread, spread, changed)
	assignOptional(&row.Markout, msgmodel.FieldMarkout, calcMarkout(row), changed)
	return changed
}

// bestLevel returns the best level of one order book side: the lowest
// price for asks, the highest for bids.
func bestLevel(levels []msgmodel.OrderLevel, useMax bool) (price, size float64, ok bool) {
	if len(levels) == 0 {
		return 0, 0, false
	}
	best := levels[0]
	for _, level := range levels[1:] {
		if useMax {
			if level.Price > best.Price {
				best = level
			}
		} else if level.Price < best.Price {
			best = level
		}
	}
	return best.Price, best.Size, true
}

func setLevel(priceField, sizeField **float64, priceKey, sizeKey msgmodel.Field, price, size float64, ok bool, changed map[msgmodel.Field]struct{}) {
	if !ok {
		assignOptional(priceField, priceKey, nil, changed)
		assignOptional(sizeField, sizeKey, nil, changed)
		return
	}
	p, s := price, size
	assignOptional(priceField, priceKey, &p, changed)
	assignOptional(sizeField, sizeKey, &s, changed)
}

func calcBasis(row *msgmodel.MarketRow) *float64 {
	if row.MarkPrice == nil || row.IndexPrice == nil {
		return nil
	}
	v := *row.MarkPrice - *row.IndexPrice
	return &v
}

func calcMarkout(row *msgmodel.MarketRow) *float64 {
	if row.MidPrice == nil || row.LastPrice == nil {
		return nil
	}
	v := *row.MidPrice - *row.LastPrice
	return &v
}

func almostEqual(a, b float64) bool {
	const relTol, absTol = 1e-9, 1e-9
	diff := math.Abs(a - b)
	tol := absTol
	if scaled := relTol * math.Max(math.Abs(a), math.Abs(b)); scaled > tol {
		tol = scaled
	}
	return diff <= tol
}

// assignOptional sets *target to value, recording field as changed unless
// value and the current contents are both nil or numerically equal. A nil
// value always clears a non-nil current value.
func assignOptional(target **float64, field msgmodel.Field, value *float64, changed map[msgmodel.Field]struct{}) {
	cur := *target
	if value == nil {
		if cur != nil {
			*target = nil
			changed[field] = struct{}{}
		}
		return
	}
	if cur == nil || !almostEqual(*cur, *value) {
		*target = value
		changed[field] = struct{}{}
	}
}

// updateIfNotNone applies assignOptional only when value is non-nil,
// leaving the current value untouched (sticky) otherwise.
func updateIfNotNone(target **float64, field msgmodel.Field, value *float64, changed map[msgmodel.Field]struct{}) {
	if value == nil {
		return
	}
	assignOptional(target, field, value, changed)
}

// schedulePublish folds fields into the market's pending change set and
// either emits immediately (if the debounce interval has elapsed since the
// last publish) or arranges a delayed flush.
func (s *Store) schedulePublish(marketID int64, row msgmodel.MarketRow, fields map[msgmodel.Field]struct{}) {
	if len(fields) == 0 {
		return
	}
	merged := make(map[msgmodel.Field]struct{}, len(fields)+1)
	for f := range fields {
		merged[f] = struct{}{}
	}
	merged[msgmodel.FieldMarketID] = struct{}{}

	s.pubMu.Lock()
	if existing, ok := s.pending[marketID]; ok {
		for f := range existing.fields {
			merged[f] = struct{}{}
		}
	}
	s.pending[marketID] = pendingEntry{row: row, fields: merged}

	now := time.Now()
	last, hasLast := s.lastPublish[marketID]
	if !hasLast || now.Sub(last) >= s.debounce {
		s.pubMu.Unlock()
		s.emit(marketID)
		return
	}

	if _, scheduled := s.flushTimers[marketID]; scheduled {
		s.pubMu.Unlock()
		return
	}
	delay := s.debounce - now.Sub(last)
	if delay < 0 {
		delay = 0
	}
	s.flushTimers[marketID] = time.AfterFunc(delay, func() { s.delayedEmit(marketID) })
	s.pubMu.Unlock()
}

func (s *Store) delayedEmit(marketID int64) {
	s.pubMu.Lock()
	delete(s.flushTimers, marketID)
	s.pubMu.Unlock()
	s.emit(marketID)
}

func (s *Store) emit(marketID int64) {
	s.pubMu.Lock()
	entry, ok := s.pending[marketID]
	if !ok {
		s.pubMu.Unlock()
		return
	}
	delete(s.pending, marketID)
	s.lastPublish[marketID] = time.Now()
	s.pubMu.Unlock()

	s.bus.Publish(entry.row.Sparse(entry.fields))
}
