// Package api serves the daemon over HTTP: a REST surface, a websocket feed
// of trade and order book changes, and the Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/app/core/orderbook"
	"github.com/uhyunpark/democrit/pkg/app/democrit"
	"github.com/uhyunpark/democrit/pkg/metrics"
)

// Service is the daemon surface the API exposes.
type Service interface {
	Status() democrit.Status
	GetOrdersForAsset(asset string) orderbook.ForAsset
	GetOrdersByAsset() map[string]orderbook.ForAsset
	GetOwnOrders() map[string]core.OwnOrder
	AddOrder(ctx context.Context, o core.Order) (string, error)
	CancelOrder(ctx context.Context, id string) bool
	GetTrades() []core.PublicTrade
	TakeOrder(ctx context.Context, account, id string, units core.Amount) (string, error)
}

var _ Service = (*democrit.Daemon)(nil)

// Server handles REST API and WebSocket connections
type Server struct {
	svc     Service
	router  *mux.Router
	hub     *Hub
	origins []string
	log     *zap.SugaredLogger
}

func NewServer(svc Service, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		svc:     svc,
		router:  mux.NewRouter(),
		hub:     NewHub(log.Named("ws")),
		origins: allowedOrigins,
		log:     log,
	}
	s.setupRoutes()
	return s
}

// Hub is the websocket fan-out; it implements democrit.Notifier.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID, s.observe)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Others' orders
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/orderbook/by-asset", s.handleGetOrderbookByAsset).Methods("GET")

	// Own orders
	api.HandleFunc("/own-orders", s.handleGetOwnOrders).Methods("GET")
	api.HandleFunc("/own-orders", s.handleAddOrder).Methods("POST")
	api.HandleFunc("/own-orders/{id}", s.handleCancelOrder).Methods("DELETE")

	// Trades
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/trades", s.handleTakeOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// Middleware
// ==============================

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets the websocket upgrader reach the hijacker.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.ObserveHTTP(r.Method, endpoint, strconv.Itoa(rec.status), time.Since(start))
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.Status())
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		respondError(w, http.StatusBadRequest, "missing asset", "query parameter asset is required")
		return
	}
	respondJSON(w, s.svc.GetOrdersForAsset(asset))
}

func (s *Server) handleGetOrderbookByAsset(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.GetOrdersByAsset())
}

func (s *Server) handleGetOwnOrders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.GetOwnOrders())
}

func (s *Server) handleAddOrder(w http.ResponseWriter, r *http.Request) {
	var o core.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	id, err := s.svc.AddOrder(r.Context(), o)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.log.Infow("api_order_added", "request_id", r.Context().Value(requestIDKey{}), "id", id)
	respondJSON(w, AddOrderResponse{Status: "added", OrderID: id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.svc.CancelOrder(r.Context(), id) {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": id})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.svc.GetTrades())
}

func (s *Server) handleTakeOrder(w http.ResponseWriter, r *http.Request) {
	var req TakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Account == "" || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing account or orderId", "")
		return
	}

	identifier, err := s.svc.TakeOrder(r.Context(), req.Account, req.OrderID, req.Units)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.log.Infow("api_order_taken", "request_id", r.Context().Value(requestIDKey{}),
		"account", req.Account, "id", req.OrderID, "units", req.Units)
	respondJSON(w, TakeOrderResponse{Status: "sent", Identifier: identifier})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrUnknownOrder):
		respondError(w, http.StatusNotFound, "unknown order", err.Error())
	case errors.Is(err, core.ErrInvalidOrder):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
	case errors.Is(err, democrit.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, "not connected", err.Error())
	default:
		s.log.Errorw("api_request_failed", "request_id", r.Context().Value(requestIDKey{}),
			"path", r.URL.Path, "err", err)
		respondError(w, http.StatusBadGateway, "request failed", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
