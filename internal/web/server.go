// Package web exposes the HTTP control surface: command submission, status
// and order queries, an SSE event stream and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/coordinator"
	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/storage/orderlog"
	"gridpilot/internal/storage/rotations"
)

type engineStatus interface {
	Running() bool
	Paused() bool
}

type slotProvider interface {
	Slots() []coordinator.Slot
}

type orderProvider interface {
	Orders() []domain.Order
}

type orderLedger interface {
	EntriesAfter(index uint64) ([]orderlog.Record, error)
}

type rotationLedger interface {
	RecordsAfter(index uint64) ([]rotations.Record, error)
}

type eventBus interface {
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
	Send(cmd events.Command) bool
}

// Server exposes the HTTP endpoints.
type Server struct {
	Addr string

	engine    engineStatus
	slots     slotProvider
	orders    orderProvider
	orderLog  orderLedger
	rotations rotationLedger
	bus       eventBus
	metrics   *Metrics
	logger    *zap.Logger
}

// NewServer creates a web server instance.
func NewServer(addr string, engine engineStatus, slots slotProvider, orders orderProvider,
	orderLog orderLedger, rotationLog rotationLedger, bus eventBus, metrics *Metrics, logger *zap.Logger) *Server {

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Addr:      addr,
		engine:    engine,
		slots:     slots,
		orders:    orders,
		orderLog:  orderLog,
		rotations: rotationLog,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/pnl", s.handlePnl)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/events/stream", s.handleEventStream)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type commandRequest struct {
	Type string `json:"type"`
	Pair string `json:"pair,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmdType := events.CommandType(req.Type)
	switch cmdType {
	case events.CommandStart, events.CommandStop, events.CommandPause, events.CommandResume:
	case events.CommandSelectAsset:
		if _, err := domain.PairFromString(req.Pair); err != nil {
			http.Error(w, fmt.Sprintf("invalid pair: %v", err), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, fmt.Sprintf("unknown command type %q", req.Type), http.StatusBadRequest)
		return
	}

	if !s.bus.Send(events.Command{Type: cmdType, Pair: req.Pair}) {
		http.Error(w, "command inbox full, try again", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

type slotStatus struct {
	ID       int              `json:"id"`
	State    string           `json:"state"`
	Pair     string           `json:"pair,omitempty"`
	Capital  decimal.Decimal  `json:"capital"`
	GridLow  decimal.Decimal  `json:"grid_low,omitempty"`
	GridHigh decimal.Decimal  `json:"grid_high,omitempty"`
	Score    *decimal.Decimal `json:"score,omitempty"`
}

type statusResponse struct {
	Running bool         `json:"running"`
	Paused  bool         `json:"paused"`
	Slots   []slotStatus `json:"slots"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Running: s.engine.Running(),
		Paused:  s.engine.Paused(),
	}
	for _, slot := range s.slots.Slots() {
		st := slotStatus{
			ID:      slot.ID,
			State:   slot.State.String(),
			Capital: slot.Capital,
		}
		if slot.State == coordinator.SlotActive {
			st.Pair = slot.Pair.String()
			st.GridLow = slot.GridLow
			st.GridHigh = slot.GridHigh
			score := slot.Score.CompositeScore
			st.Score = &score
		}
		resp.Slots = append(resp.Slots, st)
	}
	writeJSON(w, resp)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	type orderStatus struct {
		ID        string          `json:"id"`
		Pair      string          `json:"pair"`
		Side      string          `json:"side"`
		Price     decimal.Decimal `json:"price"`
		Size      decimal.Decimal `json:"size"`
		Filled    decimal.Decimal `json:"filled"`
		Status    string          `json:"status"`
		Attempts  int             `json:"attempts"`
		CreatedAt time.Time       `json:"created_at"`
	}

	var out []orderStatus
	for _, o := range s.orders.Orders() {
		out = append(out, orderStatus{
			ID:        o.ID,
			Pair:      o.Pair.String(),
			Side:      o.Side.String(),
			Price:     o.Price,
			Size:      o.RequestedSize,
			Filled:    o.FilledSize,
			Status:    o.Status.String(),
			Attempts:  o.Attempts,
			CreatedAt: o.CreatedAt,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	type slotPnl struct {
		Slot       int             `json:"slot"`
		Pair       string          `json:"pair"`
		Realized   decimal.Decimal `json:"realized"`
		Unrealized decimal.Decimal `json:"unrealized"`
		Total      decimal.Decimal `json:"total"`
	}
	type pnlResponse struct {
		Slots         []slotPnl       `json:"slots"`
		Realized      decimal.Decimal `json:"realized"`
		Unrealized    decimal.Decimal `json:"unrealized"`
		Total         decimal.Decimal `json:"total"`
		RotatedProfit decimal.Decimal `json:"rotated_profit"`
		Rotations     int             `json:"rotations"`
	}

	resp := pnlResponse{
		Realized:      decimal.Zero,
		Unrealized:    decimal.Zero,
		RotatedProfit: decimal.Zero,
	}
	for _, slot := range s.slots.Slots() {
		if slot.Position == nil {
			continue
		}
		// the last observed mark (deploy ticker or latest fill) prices the
		// open position
		unrealized := decimal.Zero
		if slot.LastPrice.GreaterThan(decimal.Zero) {
			unrealized = slot.Position.UnrealizedPnl(slot.LastPrice)
		}
		resp.Slots = append(resp.Slots, slotPnl{
			Slot:       slot.ID,
			Pair:       slot.Pair.String(),
			Realized:   slot.Position.RealizedPnl,
			Unrealized: unrealized,
			Total:      slot.Position.RealizedPnl.Add(unrealized),
		})
		resp.Realized = resp.Realized.Add(slot.Position.RealizedPnl)
		resp.Unrealized = resp.Unrealized.Add(unrealized)
	}

	if s.rotations != nil {
		records, err := s.rotations.RecordsAfter(0)
		if err != nil {
			s.logger.Error("read rotation ledger failed", zap.Error(err))
			http.Error(w, "rotation ledger unavailable", http.StatusInternalServerError)
			return
		}
		for _, rec := range records {
			resp.RotatedProfit = resp.RotatedProfit.Add(rec.Rotation.ProfitRealized)
			resp.Rotations++
		}
	}
	resp.Realized = resp.Realized.Add(resp.RotatedProfit)
	resp.Total = resp.Realized.Add(resp.Unrealized)
	writeJSON(w, resp)
}

// handleStats replays the order ledger into aggregate trading statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type statsResponse struct {
		OrdersPlaced int             `json:"orders_placed"`
		OrdersFilled int             `json:"orders_filled"`
		OrdersFailed int             `json:"orders_failed"`
		TotalFees    decimal.Decimal `json:"total_fees"`
		TotalVolume  decimal.Decimal `json:"total_volume"`
		WinRate      decimal.Decimal `json:"win_rate"`
	}

	if s.orderLog == nil {
		http.Error(w, "order ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	records, err := s.orderLog.EntriesAfter(0)
	if err != nil {
		s.logger.Error("read order ledger failed", zap.Error(err))
		http.Error(w, "order ledger unavailable", http.StatusInternalServerError)
		return
	}

	stats := statsResponse{TotalFees: decimal.Zero, TotalVolume: decimal.Zero}
	for _, rec := range records {
		switch rec.Entry.Status {
		case domain.OrderStatusOpen.String():
			stats.OrdersPlaced++
		case domain.OrderStatusFilled.String():
			stats.OrdersFilled++
			stats.TotalVolume = stats.TotalVolume.Add(rec.Entry.Price.Mul(rec.Entry.FilledSize))
		case domain.OrderStatusFailed.String(), domain.OrderStatusRejected.String():
			stats.OrdersFailed++
		}
		stats.TotalFees = stats.TotalFees.Add(rec.Entry.Fee)
	}

	// win rate: share of completed rotations that exited in profit
	stats.WinRate = decimal.Zero
	if s.rotations != nil {
		rotated, err := s.rotations.RecordsAfter(0)
		if err != nil {
			s.logger.Error("read rotation ledger failed", zap.Error(err))
			http.Error(w, "rotation ledger unavailable", http.StatusInternalServerError)
			return
		}
		if len(rotated) > 0 {
			wins := 0
			for _, rec := range rotated {
				if rec.Rotation.ProfitRealized.GreaterThan(decimal.Zero) {
					wins++
				}
			}
			stats.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(rotated))))
		}
	}
	writeJSON(w, stats)
}

// handleEventStream streams bus events over SSE.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// comment heartbeat every 30s so proxies keep the connection
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal event failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}
