// Package manager owns discovery-driven subscription management: it turns
// upstream frames into store updates, and turns newly-discovered markets
// into new order_book subscriptions. It holds no transport logic of its own
// — it is wired as the OnConnect/OnMessage callbacks of an
// internal/wsclient.Client, which owns the socket.
//
// Grounded on original_source/ws_manager.py's WebSocketManager (known-market
// set, on_connect subscription list, batch-vs-single market_stats dispatch)
// and structurally on the teacher's internal/connection.Manager (a
// composed-in client plus a logger, methods split across connect/dispatch
// concerns).
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/lighter-md/internal/msgmodel"
	"github.com/rickgao/lighter-md/internal/store"
)

// Sender enqueues an outbound frame. internal/wsclient.Client satisfies
// this; tests use a lightweight fake.
type Sender interface {
	Send(frame []byte)
}

type subscribeCommand struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Manager tracks which markets have been discovered and dispatches decoded
// upstream frames into the store.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu           sync.Mutex
	sender       Sender
	knownMarkets map[int64]struct{}
	onIngest     func()
}

// New creates a Manager. AttachSender must be called before OnMessage's
// discovered-market subscriptions can actually be sent anywhere; until
// then, newly discovered markets are still tracked and applied to the
// store, just not subscribed to their own order_book channel.
func New(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        st,
		logger:       logger,
		knownMarkets: make(map[int64]struct{}),
	}
}

// AttachSender wires the transport the manager will use to subscribe newly
// discovered markets. Typically the same internal/wsclient.Client whose
// OnConnect/OnMessage are this manager's methods.
func (m *Manager) AttachSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

// OnIngest registers a callback invoked once per accepted market_stats or
// order_book record, ahead of the dropped/unsupported cases. Intended for
// the boundary package's ingestion counter; nil by default.
func (m *Manager) OnIngest(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIngest = fn
}

func (m *Manager) ingested() {
	m.mu.Lock()
	fn := m.onIngest
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// KnownMarkets returns the market ids discovered so far, in ascending
// order.
func (m *Manager) KnownMarkets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.knownMarkets))
	for id := range m.knownMarkets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OnConnect builds the subscription replay for a fresh session: the
// all-markets stats channel, plus one order_book channel per market
// already known from a prior session (spec.md §4.5).
func (m *Manager) OnConnect(ctx context.Context) ([][]byte, error) {
	ids := m.KnownMarkets()

	frames := make([][]byte, 0, len(ids)+1)
	all, err := json.Marshal(subscribeCommand{Type: "subscribe", Channel: "market_stats/all"})
	if err != nil {
		return nil, err
	}
	frames = append(frames, all)

	for _, id := range ids {
		frame, err := json.Marshal(subscribeCommand{Type: "subscribe", Channel: fmt.Sprintf("order_book/%d", id)})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}

	m.logger.Info("subscribing to markets", "count", len(frames))
	return frames, nil
}

// OnMessage decodes and dispatches a single upstream frame.
func (m *Manager) OnMessage(payload []byte) {
	msgType, channel, raw, err := msgmodel.ParseEnvelope(payload)
	if err != nil {
		m.logger.Debug("dropping unrecognized message", "error", err)
		return
	}

	switch msgType {
	case msgmodel.TypeMarketStats:
		if !msgmodel.StatsContainerHasMarketID(raw) {
			m.handleStatsBatch(channel, raw)
			return
		}
		rec, err := msgmodel.ParseMarketStatsRecord(raw)
		if err != nil {
			m.logger.Debug("dropping invalid market_stats", "error", err)
			return
		}
		m.handleMarketStats(rec)

	case msgmodel.TypeOrderBook:
		ob, err := msgmodel.ParseOrderBook(raw)
		if err != nil {
			m.logger.Debug("dropping invalid order_book", "channel", channel, "error", err)
			return
		}
		m.store.ApplyOrderBook(channel, ob)
		m.ingested()
	}
}

func (m *Manager) handleStatsBatch(channel string, raw json.RawMessage) {
	records, err := msgmodel.StatsBatch(raw)
	if err != nil {
		m.logger.Debug("dropping invalid market_stats batch", "error", err)
		return
	}
	for _, r := range records {
		rec, err := msgmodel.ParseMarketStatsRecord(r)
		if err != nil {
			m.logger.Debug("skipping invalid market_stats batch entry", "error", err)
			continue
		}
		m.handleMarketStats(rec)
	}
}

func (m *Manager) handleMarketStats(rec msgmodel.MarketStatsRecord) {
	m.mu.Lock()
	_, known := m.knownMarkets[rec.MarketID]
	if !known {
		m.knownMarkets[rec.MarketID] = struct{}{}
	}
	sender := m.sender
	m.mu.Unlock()

	m.store.ApplyMarketStats(rec)
	m.ingested()

	if known {
		return
	}
	m.logger.Info("discovered market", "market_id", rec.MarketID)
	if sender == nil {
		return
	}
	frame, err := json.Marshal(subscribeCommand{Type: "subscribe", Channel: fmt.Sprintf("order_book/%d", rec.MarketID)})
	if err != nil {
		m.logger.Warn("failed to encode order_book subscription", "market_id", rec.MarketID, "error", err)
		return
	}
	sender.Send(frame)
}
