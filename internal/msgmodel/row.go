package msgmodel

import "fmt"

// MarketRow is an immutable snapshot of one market's derived state
// (spec.md §3). The store never mutates a row in place — every merge
// produces a new value — so a row handed to a subscriber is safe to read
// without synchronization.
type MarketRow struct {
	MarketID int64

	Symbol *string

	BestBidPrice *float64
	BestBidSize  *float64
	BestAskPrice *float64
	BestAskSize  *float64

	LastPrice    *float64
	MarkPrice    *float64
	IndexPrice   *float64
	MidPrice     *float64
	DailyVolume  *float64
	FundingRate  *float64
	OpenInterest *float64
	Basis        *float64
	Markout      *float64
	Spread       *float64

	UpdatedMs int64
}

// Field names as they appear on the wire and in changed-field sets. Kept as
// typed constants rather than bare strings so the store's field-diffing
// code can't typo a key that silently never matches.
type Field string

const (
	FieldMarketID     Field = "market_id"
	FieldSymbol       Field = "symbol"
	FieldBestBidPrice Field = "best_bid_price"
	FieldBestBidSize  Field = "best_bid_size"
	FieldBestAskPrice Field = "best_ask_price"
	FieldBestAskSize  Field = "best_ask_size"
	FieldLastPrice    Field = "last_price"
	FieldMarkPrice    Field = "mark_price"
	FieldIndexPrice   Field = "index_price"
	FieldMidPrice     Field = "mid_price"
	FieldDailyVolume  Field = "daily_volume"
	FieldFundingRate  Field = "funding_rate"
	FieldOpenInterest Field = "open_interest"
	FieldBasis        Field = "basis"
	FieldMarkout      Field = "markout"
	FieldSpread       Field = "spread"
	FieldUpdatedMs    Field = "updated_ms"
)

// AllFields returns every known Field. Used when a row is created for the
// first time: every field counts as "changed" even though most are still
// null, so a brand-new market's bootstrap update carries its full shape.
func AllFields() map[Field]struct{} {
	return map[Field]struct{}{
		FieldMarketID:     {},
		FieldSymbol:       {},
		FieldBestBidPrice: {},
		FieldBestBidSize:  {},
		FieldBestAskPrice: {},
		FieldBestAskSize:  {},
		FieldLastPrice:    {},
		FieldMarkPrice:    {},
		FieldIndexPrice:   {},
		FieldMidPrice:     {},
		FieldDailyVolume:  {},
		FieldFundingRate:  {},
		FieldOpenInterest: {},
		FieldBasis:        {},
		FieldMarkout:      {},
		FieldSpread:       {},
		FieldUpdatedMs:    {},
	}
}

// WireSymbol returns the row's symbol, defaulting to "MKT-<id>" when no
// metadata entry was found (spec.md §3).
func (r MarketRow) WireSymbol() string {
	if r.Symbol != nil && *r.Symbol != "" {
		return *r.Symbol
	}
	return fmt.Sprintf("MKT-%d", r.MarketID)
}

// ToWire renders the full row as a wire-shaped map, keyed by Field. Used
// both for the bootstrap snapshot (every key present) and, filtered down to
// an accumulated changed-field set, for sparse per-market updates.
func (r MarketRow) ToWire() map[Field]any {
	symbol := r.WireSymbol()
	return map[Field]any{
		FieldMarketID:     r.MarketID,
		FieldSymbol:       symbol,
		FieldBestBidPrice: r.BestBidPrice,
		FieldBestBidSize:  r.BestBidSize,
		FieldBestAskPrice: r.BestAskPrice,
		FieldBestAskSize:  r.BestAskSize,
		FieldLastPrice:    r.LastPrice,
		FieldMarkPrice:    r.MarkPrice,
		FieldIndexPrice:   r.IndexPrice,
		FieldMidPrice:     r.MidPrice,
		FieldDailyVolume:  r.DailyVolume,
		FieldFundingRate:  r.FundingRate,
		FieldOpenInterest: r.OpenInterest,
		FieldBasis:        r.Basis,
		FieldMarkout:      r.Markout,
		FieldSpread:       r.Spread,
		FieldUpdatedMs:    r.UpdatedMs,
	}
}

// Sparse renders a partial wire map containing only the given fields,
// always including market_id (spec.md §4.4 step 4).
func (r MarketRow) Sparse(fields map[Field]struct{}) map[Field]any {
	full := r.ToWire()
	out := make(map[Field]any, len(fields)+1)
	out[FieldMarketID] = r.MarketID
	for f := range fields {
		if v, ok := full[f]; ok {
			out[f] = v
		}
	}
	return out
}

// FundingRecord is one row of a FundingSnapshot (spec.md §3).
type FundingRecord struct {
	MarketID     int64
	Symbol       string
	FundingRate  *float64
	OpenInterest *float64
	ZScore       *float64
}

// FundingSnapshot is the periodic analytics output (spec.md §3/§4.6).
type FundingSnapshot struct {
	TimestampMs int64
	Rows        []FundingRecord
}
