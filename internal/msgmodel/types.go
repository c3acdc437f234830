// Package msgmodel decodes upstream WebSocket payloads into typed Go values
// and carries the normalized per-market row shape the rest of the pipeline
// operates on. Grounded on the teacher's internal/model/types.go (typed
// domain structs with µs-precision timestamps) and internal/api/convert.go
// (tolerant numeric coercion from the wire).
package msgmodel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MessageType is the discriminant carried by every upstream frame.
type MessageType string

const (
	TypeMarketStats MessageType = "update/market_stats"
	TypeOrderBook   MessageType = "update/order_book"
)

// OrderLevel is a single price/size level of an order book side.
type OrderLevel struct {
	Price float64
	Size  float64
}

// OrderBook holds one side-pair of an order_book payload.
type OrderBook struct {
	Asks []OrderLevel
	Bids []OrderLevel
}

// OrderBookMsg is a decoded `update/order_book` frame.
type OrderBookMsg struct {
	Channel   string
	OrderBook OrderBook
}

// MarketStatsRecord is one per-market stats record, after applying the
// funding-rate and daily-volume field preferences (spec.md §4.1).
type MarketStatsRecord struct {
	MarketID         int64
	IndexPrice       *float64
	MarkPrice        *float64
	OpenInterest     *float64
	LastPrice        *float64
	FundingRate      *float64
	DailyVolume      *float64
}

// MarketStatsMsg is a decoded single-record `update/market_stats` frame.
type MarketStatsMsg struct {
	Channel string
	Stats   MarketStatsRecord
}

// UnsupportedTypeError is returned when a frame's `type` field is not one
// this system recognizes.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported message type: %q", e.Type)
}

// envelope is used only to sniff the discriminant and the batched-vs-single
// shape of market_stats before committing to a concrete parse.
type envelope struct {
	Type         MessageType     `json:"type"`
	Channel      string          `json:"channel"`
	MarketStats  json.RawMessage `json:"market_stats"`
	OrderBookRaw json.RawMessage `json:"order_book"`
}

// ParseEnvelope extracts just the type/channel discriminant, deferring the
// (possibly batched) market_stats body to the caller. The manager needs
// this two-step shape to detect the batched "all" form before committing to
// a strict per-record parse (spec.md §4.5).
func ParseEnvelope(payload []byte) (MessageType, string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", nil, err
	}
	switch env.Type {
	case TypeMarketStats:
		return env.Type, env.Channel, env.MarketStats, nil
	case TypeOrderBook:
		return env.Type, env.Channel, env.OrderBookRaw, nil
	default:
		return env.Type, env.Channel, nil, &UnsupportedTypeError{Type: string(env.Type)}
	}
}

// StatsContainerHasMarketID reports whether a market_stats body is the
// single-record form (has its own "market_id" key) as opposed to the
// batched form used by the "all" channel (a map keyed by market id whose
// values are records, per spec.md §4.1/§4.5).
func StatsContainerHasMarketID(raw json.RawMessage) bool {
	var probe struct {
		MarketID *int64 `json:"market_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.MarketID != nil
}

// StatsBatch splits a batched market_stats body into its individual raw
// records, in the order JSON object iteration yields them (no guaranteed
// order; the manager dispatches each independently).
func StatsBatch(raw json.RawMessage) ([]json.RawMessage, error) {
	var container map[string]json.RawMessage
	if err := json.Unmarshal(raw, &container); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(container))
	for _, v := range container {
		out = append(out, v)
	}
	return out, nil
}

// wireStatsRecord mirrors the raw field names on the wire, ahead of the
// funding/volume preference resolution and lenient numeric coercion.
type wireStatsRecord struct {
	MarketID              *int64          `json:"market_id"`
	IndexPrice            json.RawMessage `json:"index_price"`
	MarkPrice             json.RawMessage `json:"mark_price"`
	OpenInterest          json.RawMessage `json:"open_interest"`
	LastTradePrice        json.RawMessage `json:"last_trade_price"`
	CurrentFundingRate    json.RawMessage `json:"current_funding_rate"`
	FundingRate           json.RawMessage `json:"funding_rate"`
	DailyQuoteTokenVolume json.RawMessage `json:"daily_quote_token_volume"`
	DailyBaseTokenVolume  json.RawMessage `json:"daily_base_token_volume"`
}

// ParseMarketStatsRecord decodes a single stats record, lenient: an
// unparsable numeric string becomes null rather than an error (spec.md
// §4.1). Only a missing/invalid market_id is fatal.
func ParseMarketStatsRecord(raw json.RawMessage) (MarketStatsRecord, error) {
	var w wireStatsRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return MarketStatsRecord{}, err
	}
	if w.MarketID == nil {
		return MarketStatsRecord{}, fmt.Errorf("market_stats record missing market_id")
	}

	rec := MarketStatsRecord{
		MarketID:     *w.MarketID,
		IndexPrice:   coerceLenient(w.IndexPrice),
		MarkPrice:    coerceLenient(w.MarkPrice),
		OpenInterest: coerceLenient(w.OpenInterest),
		LastPrice:    coerceLenient(w.LastTradePrice),
	}

	rec.FundingRate = coerceLenient(w.CurrentFundingRate)
	if rec.FundingRate == nil {
		rec.FundingRate = coerceLenient(w.FundingRate)
	}

	rec.DailyVolume = coerceLenient(w.DailyQuoteTokenVolume)
	if rec.DailyVolume == nil {
		rec.DailyVolume = coerceLenient(w.DailyBaseTokenVolume)
	}

	return rec, nil
}

// wireOrderBook mirrors the order_book payload shape: two lists of
// [price, size] pairs, each accepting number or decimal-string encoding.
type wireOrderBook struct {
	Asks [][2]json.RawMessage `json:"asks"`
	Bids [][2]json.RawMessage `json:"bids"`
}

// ParseOrderBook decodes an order_book payload. Unlike stats fields, level
// values are strict: an unparsable price or size in any level fails the
// whole order_book payload (spec.md §4.1).
func ParseOrderBook(raw json.RawMessage) (OrderBook, error) {
	var w wireOrderBook
	if err := json.Unmarshal(raw, &w); err != nil {
		return OrderBook{}, err
	}

	asks, err := parseLevels(w.Asks)
	if err != nil {
		return OrderBook{}, fmt.Errorf("asks: %w", err)
	}
	bids, err := parseLevels(w.Bids)
	if err != nil {
		return OrderBook{}, fmt.Errorf("bids: %w", err)
	}
	return OrderBook{Asks: asks, Bids: bids}, nil
}

func parseLevels(raw [][2]json.RawMessage) ([]OrderLevel, error) {
	levels := make([]OrderLevel, 0, len(raw))
	for i, pair := range raw {
		price, err := coerceStrict(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := coerceStrict(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		if price == nil || size == nil {
			return nil, fmt.Errorf("level %d: price/size cannot be null", i)
		}
		levels = append(levels, OrderLevel{Price: *price, Size: *size})
	}
	return levels, nil
}

// coerceLenient parses a JSON number or decimal string into *float64.
// Empty string or absent field is null; an unparsable string is also
// treated as null rather than an error.
func coerceLenient(raw json.RawMessage) *float64 {
	v, err := coerceStrict(raw)
	if err != nil {
		return nil
	}
	return v
}

// coerceStrict parses a JSON number or decimal string into *float64,
// returning an error for a malformed (non-empty, non-numeric) string.
func coerceStrict(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric value %q: %w", s, err)
		}
		return &f, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid numeric value %s: %w", trimmed, err)
	}
	return &f, nil
}
