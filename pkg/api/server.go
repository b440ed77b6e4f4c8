package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchd/pkg/app/core/market"
	"github.com/uhyunpark/matchd/pkg/app/engine"
)

// Doer runs one request on the engine and waits for the reply.
type Doer interface {
	Do(ctx context.Context, req engine.Request) (engine.Reply, error)
}

// MarketLister is safe to call outside the engine goroutine.
type MarketLister interface {
	Markets() []market.Market
}

type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server handles REST API and WebSocket connections
type Server struct {
	runner  Doer
	markets MarketLister
	router  *mux.Router
	hub     *Hub
	opts    Options
	log     *zap.SugaredLogger
}

func NewServer(runner Doer, markets MarketLister, hub *Hub, opts Options, log *zap.SugaredLogger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		runner:  runner,
		markets: markets,
		router:  mux.NewRouter(),
		hub:     hub,
		opts:    opts,
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/depth/{market}", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/open-orders/{market}/{userId}", s.handleGetOpenOrders).Methods("GET")
	api.HandleFunc("/balances/{market}/{userId}", s.handleGetBalance).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/onramp", s.handleOnRamp).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.markets.Markets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	s.do(w, r, engine.GetDepth{Market: mux.Vars(r)["market"]})
}

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.do(w, r, engine.GetOpenOrders{Market: vars["market"], UserID: vars["userId"]})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.do(w, r, engine.GetBalance{Market: vars["market"], UserID: vars["userId"]})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateOrder
	if !decodeBody(w, r, &req) {
		return
	}
	s.do(w, r, req)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.CancelOrder
	if !decodeBody(w, r, &req) {
		return
	}
	s.do(w, r, req)
}

func (s *Server) handleOnRamp(w http.ResponseWriter, r *http.Request) {
	var req engine.OnRamp
	if !decodeBody(w, r, &req) {
		return
	}
	s.do(w, r, req)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// do runs req through the engine runner and writes the reply payload.
func (s *Server) do(w http.ResponseWriter, r *http.Request, req engine.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	reply, err := s.runner.Do(ctx, req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Errorw("api_request_failed", "type", req.RequestType(), "err", err)
		}
		code := string(engine.KindOf(err))
		if errors.Is(err, engine.ErrRunnerStopped) || errors.Is(err, context.DeadlineExceeded) {
			code = "UNAVAILABLE"
		}
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, reply.Payload)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrRunnerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch engine.KindOf(err) {
	case engine.KindInvalidRequest:
		return http.StatusBadRequest
	case engine.KindMarketNotFound, engine.KindOrderNotFound:
		return http.StatusNotFound
	case engine.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, string(engine.KindInvalidRequest), "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: message})
}
