// Package server exposes the oracle service over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evmoracle/core/identity"
	"evmoracle/observability"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/oracle"
	"evmoracle/services/oracled/pipeline"
	"evmoracle/services/oracled/timeseries"
)

const (
	defaultRecent  = 10
	maxRequestBody = 1 << 20
)

// Config wires a Server.
type Config struct {
	Service *oracle.Service
	Auth    *CallerAuth
	Limit   RateLimit
	Logger  *slog.Logger
}

// Server routes API requests to the oracle service.
type Server struct {
	svc     *oracle.Service
	auth    *CallerAuth
	limiter *rateLimiter
	logger  *slog.Logger
	router  http.Handler
}

// New builds the server and its router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = NewCallerAuth(CallerConfig{}, logger)
	}
	logger = logger.With("component", "http")
	s := &Server{svc: cfg.Service, auth: auth, limiter: newRateLimiter(cfg.Limit, logger), logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", s.page)

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)

		api.Get("/owner", s.getOwner)
		api.Put("/owner", s.setOwner)
		api.Get("/evm-peer", s.getEVMPeer)
		api.Put("/evm-peer", s.setEVMPeer)

		api.Get("/pairs", s.listPairs)
		api.Post("/pairs", s.addPair)
		api.Delete("/pairs", s.removePair)

		api.Get("/prices/latest", s.latestPrice)
		api.Get("/prices/recent", s.recentPrices)
		api.Post("/prices/sync", s.syncPrices)

		api.Post("/self/register", s.registerSelf)
		api.Get("/self/address", s.selfAddress)

		api.Post("/aggregator/deploy", s.deployContract)
		api.Post("/aggregator/confirm", s.confirmContract)
		api.Get("/aggregator/address", s.contractAddress)
		api.Post("/aggregator/pairs", s.addContractPair)
		api.Post("/aggregator/answers", s.updateAnswers)
		api.Post("/aggregator/answers/latest", s.pushLatest)

		api.Get("/relay/transactions", s.relayHistory)
	})
	return r
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(started))
	})
}

type identityRequest struct {
	Owner string `json:"owner"`
	Peer  string `json:"peer"`
}

func (s *Server) getOwner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"owner": s.svc.Owner().String()})
}

func (s *Server) setOwner(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.svc.SetOwner(CallerFrom(r.Context()), identity.Identity(req.Owner)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": s.svc.Owner().String()})
}

func (s *Server) getEVMPeer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"peer": s.svc.EVMPeer().String()})
}

func (s *Server) setEVMPeer(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.svc.SetEVMPeer(CallerFrom(r.Context()), identity.Identity(req.Peer)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"peer": s.svc.EVMPeer().String()})
}

func (s *Server) listPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"pairs": s.svc.Pairs()})
}

func (s *Server) addPair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair string `json:"pair"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.svc.AddPair(CallerFrom(r.Context()), req.Pair); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"pair": req.Pair})
}

func (s *Server) removePair(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if err := s.svc.RemovePair(CallerFrom(r.Context()), pair); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pricePoint struct {
	Pair      string `json:"pair"`
	Timestamp uint64 `json:"timestamp"`
	Value     uint64 `json:"value"`
}

func (s *Server) latestPrice(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	point, err := s.svc.LatestPrice(pair)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pricePoint{Pair: pair, Timestamp: point.Timestamp, Value: point.Value})
}

func (s *Server) recentPrices(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	n := defaultRecent
	if raw := strings.TrimSpace(r.URL.Query().Get("n")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, r, oerrors.InvalidArgument("n must be an integer"))
			return
		}
		n = parsed
	}
	points, err := s.svc.RecentPrices(pair, n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if points == nil {
		points = []timeseries.PricePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pair": pair, "points": points})
}

func (s *Server) syncPrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pairs  []string `json:"pairs"`
		Source string   `json:"source"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	source, err := pipeline.ParseSource(req.Source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	written, err := s.svc.SyncPrices(r.Context(), CallerFrom(r.Context()), req.Pairs, source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"written": written})
}

func (s *Server) registerSelf(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transaction string `json:"transaction"`
		SigningKey  string `json:"signingKey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rawTx, err := decodeHex(req.Transaction)
	if err != nil {
		s.fail(w, r, oerrors.InvalidArgument("transaction: %v", err))
		return
	}
	key, err := decodeHex(req.SigningKey)
	if err != nil {
		s.fail(w, r, oerrors.InvalidArgument("signingKey: %v", err))
		return
	}
	address, err := s.svc.RegisterSelf(r.Context(), CallerFrom(r.Context()), rawTx, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": address.Hex()})
}

func (s *Server) selfAddress(w http.ResponseWriter, r *http.Request) {
	address, err := s.svc.SelfAddress()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address.Hex()})
}

func (s *Server) deployContract(w http.ResponseWriter, r *http.Request) {
	hash, err := s.svc.DeployContract(r.Context(), CallerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"txHash": hash.Hex()})
}

func (s *Server) confirmContract(w http.ResponseWriter, r *http.Request) {
	address, err := s.svc.ConfirmContract(r.Context(), CallerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address.Hex()})
}

func (s *Server) contractAddress(w http.ResponseWriter, r *http.Request) {
	address, err := s.svc.ContractAddress()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address.Hex(), "state": s.svc.ContractState().Name()})
}

func (s *Server) addContractPair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair        string `json:"pair"`
		Decimal     uint64 `json:"decimal"`
		Description string `json:"description"`
		Version     uint64 `json:"version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hash, err := s.svc.AddContractPair(r.Context(), CallerFrom(r.Context()), req.Pair, req.Decimal, req.Description, req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"txHash": hash.Hex()})
}

func (s *Server) updateAnswers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pairs      []string `json:"pairs"`
		Timestamps []uint64 `json:"timestamps"`
		Prices     []uint64 `json:"prices"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hash, err := s.svc.UpdateAnswers(r.Context(), CallerFrom(r.Context()), req.Pairs, req.Timestamps, req.Prices)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"txHash": hash.Hex()})
}

func (s *Server) pushLatest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pairs []string `json:"pairs"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	hash, err := s.svc.PushLatest(r.Context(), CallerFrom(r.Context()), req.Pairs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"txHash": hash.Hex()})
}

func (s *Server) relayHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.fail(w, r, oerrors.InvalidArgument("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	records, err := s.svc.RelayHistory(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": records})
}

func decodeHex(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid payload: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Identity string `json:"identity,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// fail maps err onto an HTTP status and error code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}
	var already *oerrors.AlreadyRegisteredError
	if errors.As(err, &already) {
		body.Identity = already.Identity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "caller", CallerFrom(r.Context()).String(), "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, oerrors.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, oerrors.ErrRemoteCallFailed):
		return http.StatusBadGateway, "remote_call_failed"
	case errors.Is(err, oerrors.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, oerrors.ErrPairNotFound):
		return http.StatusNotFound, "pair_not_found"
	case errors.Is(err, oerrors.ErrPairNotExist):
		return http.StatusNotFound, "pair_not_exist"
	case errors.Is(err, oerrors.ErrNoPrice):
		return http.StatusNotFound, "no_price"
	case errors.Is(err, oerrors.ErrNotRegistered):
		return http.StatusNotFound, "not_registered"
	case errors.Is(err, oerrors.ErrContractNotDeployed):
		return http.StatusNotFound, "contract_not_deployed"
	case errors.Is(err, oerrors.ErrPairExists):
		return http.StatusConflict, "pair_exists"
	case errors.Is(err, oerrors.ErrAlreadyRegistered):
		return http.StatusConflict, "already_registered"
	case errors.Is(err, oerrors.ErrAlreadyInitialized):
		return http.StatusConflict, "already_initialized"
	case errors.Is(err, oerrors.ErrNotInitialized):
		return http.StatusConflict, "not_initialized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
