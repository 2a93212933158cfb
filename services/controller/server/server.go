// Package server exposes the controller over HTTP: the TGP endpoints used by
// agents, the escrow operations used by operators and the receipt ledger.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tbc/native/escrow"
	"tbc/protocol/tgp"
	"tbc/services/controller"
	"tbc/services/controller/middleware"
	"tbc/storage/vault"
)

// maxBody bounds request bodies on every route.
const maxBody = 1 << 20

// Config captures the dependencies required to construct the server.
type Config struct {
	Controller    *controller.Controller
	Version       string
	Logger        *slog.Logger
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	// RPC, when set, is mounted on /rpc so remote controllers can drive the
	// local bridge.
	RPC http.Handler
}

// Server routes HTTP requests to the controller.
type Server struct {
	ctrl    *controller.Controller
	version string
	logger  *slog.Logger
	started time.Time
	router  http.Handler
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("server: controller required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observability
	if obs == nil {
		obs = middleware.NewObservability(logger, false)
	}
	s := &Server{
		ctrl:    cfg.Controller,
		version: strings.TrimSpace(cfg.Version),
		logger:  logger,
		started: time.Now(),
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.router = s.buildRouter(cfg, obs)
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config, obs *middleware.Observability) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	r.With(obs.Middleware("healthz")).Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(obs.Middleware("health")).Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	guard := func(route string, scopes ...string) chi.Middlewares {
		return chi.Middlewares{
			obs.Middleware(route),
			cfg.RateLimiter.Middleware(route),
			cfg.Authenticator.Middleware(route, scopes...),
		}
	}

	r.Route("/tgp", func(tr chi.Router) {
		tr.Use(guard("tgp", middleware.ScopeAgent)...)
		tr.Post("/query", s.handleQuery)
		tr.Post("/settle", s.handleSettle)
	})

	r.Route("/sessions", func(sr chi.Router) {
		sr.Use(guard("sessions", middleware.ScopeAgent)...)
		sr.Get("/", s.handleListSessions)
		sr.Get("/{id}", s.handleGetSession)
	})

	r.Route("/escrow", func(er chi.Router) {
		er.Use(guard("escrow", middleware.ScopeEscrow)...)
		er.Post("/", s.handleCreateEscrow)
		er.Get("/{id}", s.handleGetEscrow)
		er.Post("/{id}/{action}", s.handleEscrowAction)
		er.With(cfg.Authenticator.Middleware("escrow", middleware.ScopeAdmin)).Post("/{id}/resolve", s.handleResolve)
	})

	r.Route("/receipts", func(rr chi.Router) {
		rr.Use(guard("receipts", middleware.ScopeAgent)...)
		rr.Get("/{id}", s.handleGetReceipt)
		rr.Post("/{id}/verify", s.handleVerifyReceipt)
	})

	if cfg.RPC != nil {
		r.With(guard("rpc", middleware.ScopeAdmin)...).Handle("/rpc", cfg.RPC)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": len(s.ctrl.Sessions()),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decodeTGP(w, r)
	if !ok {
		return
	}
	offer, err := s.ctrl.HandleQuery(r.Context(), msg)
	if err != nil {
		s.writeTGPError(w, err, tgp.Correlation(msg))
		return
	}
	body, err := tgp.Encode(offer)
	if err != nil {
		s.writeTGPError(w, err, offer.QueryID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type settleResponse struct {
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	SessionID string `json:"session_id"`
	EscrowID  string `json:"escrow_id"`
	ReceiptID string `json:"receipt_id,omitempty"`
	State     string `json:"state"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decodeTGP(w, r)
	if !ok {
		return
	}
	out, err := s.ctrl.HandleSettle(r.Context(), msg)
	if err != nil {
		s.writeTGPError(w, err, tgp.Correlation(msg))
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{
		Status:    "ok",
		Phase:     string(tgp.PhaseSettle),
		SessionID: out.SessionID,
		EscrowID:  out.EscrowID.String(),
		ReceiptID: out.ReceiptID,
		State:     out.State.String(),
	})
}

func (s *Server) decodeTGP(w http.ResponseWriter, r *http.Request) (tgp.Message, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeTGPError(w, &tgp.DecodeError{Kind: tgp.ErrMalformed, Detail: "read body: " + err.Error()}, "")
		return nil, false
	}
	msg, err := tgp.Decode(raw)
	if err != nil {
		s.writeTGPError(w, err, "")
		return nil, false
	}
	return msg, true
}

func (s *Server) writeTGPError(w http.ResponseWriter, err error, correlationID string) {
	status := http.StatusBadRequest
	if !controller.IsClientError(err) {
		status = http.StatusBadGateway
		s.logger.Error("controller collaborator failed", "correlation_id", correlationID, "error", err)
	}
	body, encErr := tgp.Encode(controller.ErrorMessage(err, correlationID))
	if encErr != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type createEscrowRequest struct {
	controller.WireTerms
	Session string `json:"session,omitempty"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	terms, err := req.Terms()
	if err != nil {
		writeError(w, http.StatusBadRequest, controller.CodeDecode, err.Error())
		return
	}
	var id escrow.OrderID
	if req.Session != "" {
		id, err = s.ctrl.OpenEscrow(r.Context(), req.Session, terms)
	} else {
		id, err = s.ctrl.Bridge().CreateEscrow(r.Context(), terms)
	}
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	view, err := s.ctrl.Bridge().GetEscrow(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	bridge := s.ctrl.Bridge()
	ctx := r.Context()
	var err error
	receiptID := ""
	switch action := chi.URLParam(r, "action"); action {
	case "accept":
		err = bridge.SellerAccept(ctx, id)
	case "fund":
		err = bridge.BuyerFund(ctx, id)
	case "deliver":
		err = bridge.MarkDelivered(ctx, id)
	case "counter-deliver":
		err = bridge.MarkCounterDelivered(ctx, id)
	case "dispute":
		err = bridge.Dispute(ctx, id)
	case "cancel":
		err = bridge.Cancel(ctx, id)
	case "settle":
		receiptID, err = bridge.Settle(ctx, id)
	default:
		writeError(w, http.StatusNotFound, controller.CodeNotFound, "unknown escrow action "+action)
		return
	}
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.respondState(w, r, id, receiptID)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receiptID, err := s.ctrl.Bridge().Resolve(r.Context(), id, req.Outcome)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.respondState(w, r, id, receiptID)
}

func (s *Server) respondState(w http.ResponseWriter, r *http.Request, id escrow.OrderID, receiptID string) {
	st, err := s.ctrl.Bridge().GetEscrowState(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	resp := map[string]string{"id": id.String(), "state": st.String()}
	if receiptID != "" {
		resp["receipt_id"] = receiptID
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionView struct {
	ID        string `json:"id"`
	QueryID   string `json:"query_id"`
	OfferID   string `json:"offer_id"`
	EscrowID  string `json:"escrow_id,omitempty"`
	State     string `json:"state,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Layer8Tx  string `json:"layer8_tx,omitempty"`
	Closed    bool   `json:"closed"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func viewOfSession(sess controller.Session) sessionView {
	v := sessionView{
		ID:        sess.ID,
		QueryID:   sess.QueryID,
		OfferID:   sess.OfferID,
		ReceiptID: sess.ReceiptID,
		Layer8Tx:  sess.Layer8Tx,
		Closed:    sess.Closed,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt: sess.UpdatedAt.Format(time.RFC3339),
	}
	if sess.Bound {
		v.EscrowID = sess.EscrowID.String()
		v.State = sess.State.String()
	}
	return v
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.ctrl.Sessions()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, viewOfSession(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOfSession(sess))
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.ctrl.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type verifyRequest struct {
	Proof string `json:"proof"`
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	proof := common.FromHex(strings.TrimSpace(req.Proof))
	if len(proof) == 0 {
		writeError(w, http.StatusBadRequest, controller.CodeDecode, "proof must be hex encoded")
		return
	}
	receiptID := chi.URLParam(r, "id")
	valid, err := s.ctrl.VerifyOwnership(r.Context(), receiptID, proof)
	switch {
	case errors.Is(err, controller.ErrNoProver):
		writeError(w, http.StatusNotImplemented, controller.CodeBridge, err.Error())
		return
	case errors.Is(err, vault.ErrInvalidReceipt):
		writeError(w, http.StatusConflict, controller.CodeConflict, err.Error())
		return
	case err != nil:
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt_id": receiptID, "valid": valid})
}

// writeEscrowError maps controller error codes onto REST statuses.
func (s *Server) writeEscrowError(w http.ResponseWriter, err error) {
	code := controller.Code(err)
	status := http.StatusBadRequest
	switch code {
	case controller.CodeNotFound, controller.CodeNoSuchSession:
		status = http.StatusNotFound
	case controller.CodeConflict, controller.CodeInvalidTransition:
		status = http.StatusConflict
	case controller.CodeUnauthorized:
		status = http.StatusForbidden
	case controller.CodeInsufficientFunds:
		status = http.StatusPaymentRequired
	case controller.CodeBridge:
		status = http.StatusBadGateway
		s.logger.Error("escrow operation failed", "error", err)
	}
	writeError(w, status, code, err.Error())
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (escrow.OrderID, bool) {
	id, err := escrow.ParseOrderID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, controller.CodeDecode, err.Error())
		return escrow.OrderID{}, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, controller.CodeDecode, "invalid payload: "+err.Error())
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
