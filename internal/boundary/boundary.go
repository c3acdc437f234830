// Package boundary exposes the downstream subscriber transport described by
// spec.md §6/§9: a health endpoint, a Prometheus metrics endpoint, and two
// WebSocket streams (row-level updates and the funding analytics snapshot).
// Grounded on original_source/dashboard.py's route shape (snapshot-then-
// stream over a bus subscription, a `{"type":"closed"}` sentinel to end the
// stream) and the teacher's cmd/gatherer/main.go health-handler/ServeMux
// style plus adred-codev-ws_poc/ws/metrics.go's Prometheus registration
// pattern. No business logic lives here — every handler is a thin adapter
// over the bus/store contracts.
package boundary

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/lighter-md/internal/bus"
	"github.com/rickgao/lighter-md/internal/msgmodel"
	"github.com/rickgao/lighter-md/internal/store"
)

var (
	subscribersActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lighter_md_subscribers_active",
		Help: "Current number of active downstream WebSocket subscribers, by stream",
	}, []string{"stream"})

	subscriberMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lighter_md_subscriber_messages_sent_total",
		Help: "Total messages sent to downstream subscribers, by stream",
	}, []string{"stream"})

	marketUpdatesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lighter_md_market_updates_ingested_total",
		Help: "Total parsed market_stats and order_book records applied to the store",
	})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lighter_md_upstream_reconnects_total",
		Help: "Total upstream WebSocket reconnect attempts",
	})
)

func init() {
	prometheus.MustRegister(subscribersActive)
	prometheus.MustRegister(subscriberMessagesSent)
	prometheus.MustRegister(marketUpdatesIngested)
	prometheus.MustRegister(reconnectsTotal)
}

// RecordMarketUpdate increments the ingestion counter. Called by the
// manager each time it hands a parsed record to the store.
func RecordMarketUpdate() {
	marketUpdatesIngested.Inc()
}

// RecordReconnect increments the upstream reconnect counter. Called by the
// wsclient run loop each time it begins a new connection attempt.
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// StatusFunc reports whether the ingestion pipeline is up and how many
// markets it currently knows about, for the /health response.
type StatusFunc func() (running bool, markets int)

// Server serves the downstream-facing HTTP/WebSocket surface.
type Server struct {
	store       *store.Store
	marketBus   *bus.Bus[store.Update]
	fundingBus  *bus.Bus[msgmodel.FundingSnapshot]
	latestFund  func() *msgmodel.FundingSnapshot
	status      StatusFunc
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	startTimeMs int64
}

// New constructs a Server. latestFunding may be nil if no cached funding
// snapshot is available yet (the /ws/funding handler simply skips the
// bootstrap message in that case).
func New(st *store.Store, marketBus *bus.Bus[store.Update], fundingBus *bus.Bus[msgmodel.FundingSnapshot], latestFunding func() *msgmodel.FundingSnapshot, status StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		marketBus:  marketBus,
		fundingBus: fundingBus,
		latestFund: latestFunding,
		status:     status,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTimeMs: time.Now().UnixMilli(),
	}
}

// Handler returns the full ServeMux: /health, /metrics, /ws, /ws/funding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/funding", s.handleWSFunding)
	return mux
}

type healthResponse struct {
	Status  string `json:"status"`
	Markets int    `json:"markets"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running, markets := true, len(s.store.MarketIDs())
	if s.status != nil {
		running, markets = s.status()
	}

	resp := healthResponse{Markets: markets}
	if running {
		resp.Status = "ok"
	} else {
		resp.Status = "starting"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type wsEnvelope struct {
	Type      string      `json:"type"`
	Rows      any         `json:"rows,omitempty"`
	Row       any         `json:"row,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// handleWS upgrades to a WebSocket, sends a full snapshot of the current
// store, then streams every subsequent row update until the client
// disconnects or the connection is closed server-side.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subscribersActive.WithLabelValues("rows").Inc()
	defer subscribersActive.WithLabelValues("rows").Dec()

	if err := conn.WriteJSON(wsEnvelope{Type: "snapshot", Rows: s.store.Snapshot()}); err != nil {
		return
	}
	subscriberMessagesSent.WithLabelValues("rows").Inc()

	sub := s.marketBus.Subscribe()
	defer sub.Unsubscribe()

	done := watchForClose(conn)

	for {
		select {
		case update := <-sub.C:
			if err := conn.WriteJSON(wsEnvelope{Type: "update", Row: update}); err != nil {
				return
			}
			subscriberMessagesSent.WithLabelValues("rows").Inc()
		case <-sub.Done():
			return
		case <-done:
			return
		}
	}
}

// handleWSFunding upgrades to a WebSocket, sends the latest cached funding
// snapshot if one exists, then streams every subsequent snapshot.
func (s *Server) handleWSFunding(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subscribersActive.WithLabelValues("funding").Inc()
	defer subscribersActive.WithLabelValues("funding").Dec()

	if s.latestFund != nil {
		if latest := s.latestFund(); latest != nil {
			env := wsEnvelope{Type: "snapshot", Timestamp: latest.TimestampMs, Rows: latest.Rows}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
			subscriberMessagesSent.WithLabelValues("funding").Inc()
		}
	}

	sub := s.fundingBus.Subscribe()
	defer sub.Unsubscribe()

	done := watchForClose(conn)

	for {
		select {
		case snapshot := <-sub.C:
			env := wsEnvelope{Type: "snapshot", Timestamp: snapshot.TimestampMs, Rows: snapshot.Rows}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
			subscriberMessagesSent.WithLabelValues("funding").Inc()
		case <-sub.Done():
			return
		case <-done:
			return
		}
	}
}

// watchForClose reads control/close frames off the connection in the
// background (required so gorilla/websocket's pong handler and close
// handshake fire) and signals the returned channel when the client goes
// away or sends the `{"type":"closed"}` sentinel used by the original
// dashboard to end a stream early.
func watchForClose(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sentinel struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(payload, &sentinel) == nil && sentinel.Type == "closed" {
				return
			}
		}
	}()
	return done
}
