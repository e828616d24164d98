package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowd/gateway/auth"
	"escrowd/gateway/middleware"
	"escrowd/native/escrow"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// HeaderRequestID carries the identifier assigned to each request for log
// correlation.
const HeaderRequestID = "X-Request-Id"

// Server exposes the settlement engine over an authenticated JSON API.
type Server struct {
	engine  *escrow.Engine
	auth    *auth.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	logger  *slog.Logger
}

func NewServer(engine *escrow.Engine, authenticator *auth.Authenticator, limiter *middleware.RateLimiter, obs *middleware.Observability, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		auth:    authenticator,
		limiter: limiter,
		obs:     obs,
		logger:  logger,
	}
}

// Handler builds the route tree. Health and metrics stay unauthenticated; the
// /v1 surface requires a signed request.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if s.limiter != nil {
			v1.Use(s.limiter.Middleware)
		}
		if s.auth != nil {
			v1.Use(s.authenticate)
		}
		if s.obs != nil {
			v1.Use(s.obs.Middleware)
		}

		v1.Route("/escrow", func(er chi.Router) {
			er.Post("/init", s.initEscrow)
			er.Post("/init-milestones", s.initMilestones)
			er.Post("/init-rental", s.initRental)
			er.Post("/release", s.release)
			er.Post("/release-milestone", s.releaseMilestone)
			er.Post("/release-expired", s.releaseExpired)
			er.Post("/dispute", s.dispute)
			er.Post("/resolve", s.resolve)
			er.Post("/deposit/return", s.depositReturn)
			er.Post("/deposit/dispute", s.depositDispute)
			er.Post("/deposit/settle", s.depositSettle)
			er.Post("/deposit/forfeit", s.depositForfeit)
			er.Post("/close", s.closeEscrow)
			er.Get("/{id}", s.getEscrow)
		})
		v1.Route("/config", func(cr chi.Router) {
			cr.Get("/", s.getConfig)
			cr.Post("/init", s.initConfig)
			cr.Post("/update", s.updateConfig)
		})
	})

	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// authenticate verifies the HMAC signature over the buffered body, then hands
// the body back to the handler.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(requestBodyLimit)+1))
		if err != nil {
			writeBadRequest(w, fmt.Errorf("read request body: %w", err))
			return
		}
		if len(body) > requestBodyLimit {
			respond(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		if _, err := s.auth.Authenticate(r, body); err != nil {
			s.logger.Warn("authentication failed", "error", err, "path", r.URL.Path)
			respond(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

type initEscrowRequest struct {
	TxID           string `json:"txId"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Agent          string `json:"agent"`
	Asset          string `json:"asset,omitempty"`
	Amount         string `json:"amount"`
	ReleaseSeconds int64  `json:"releaseSeconds"`
}

func (s *Server) initEscrow(w http.ResponseWriter, r *http.Request) {
	var req initEscrowRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, buyer, seller, agent, currency, err := parseParties(req.TxID, req.Buyer, req.Seller, req.Agent, req.Asset)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	esc, err := s.engine.Initialize(txID, buyer, seller, agent, amount, req.ReleaseSeconds, currency)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusCreated, newEscrowView(esc))
}

type milestoneInput struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

type initMilestonesRequest struct {
	TxID       string           `json:"txId"`
	Buyer      string           `json:"buyer"`
	Seller     string           `json:"seller"`
	Agent      string           `json:"agent"`
	Asset      string           `json:"asset,omitempty"`
	Milestones []milestoneInput `json:"milestones"`
}

func (s *Server) initMilestones(w http.ResponseWriter, r *http.Request) {
	var req initMilestonesRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, buyer, seller, agent, currency, err := parseParties(req.TxID, req.Buyer, req.Seller, req.Agent, req.Asset)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	milestones := make([]*escrow.Milestone, 0, len(req.Milestones))
	for i, m := range req.Milestones {
		amount, err := parseAmount(fmt.Sprintf("milestones[%d].amount", i), m.Amount)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		milestones = append(milestones, &escrow.Milestone{Amount: amount, Description: m.Description})
	}
	esc, err := s.engine.InitializeMilestones(txID, buyer, seller, agent, milestones, currency)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusCreated, newEscrowView(esc))
}

type initRentalRequest struct {
	TxID          string `json:"txId"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Agent         string `json:"agent"`
	Asset         string `json:"asset,omitempty"`
	RentAmount    string `json:"rentAmount"`
	DepositAmount string `json:"depositAmount"`
}

func (s *Server) initRental(w http.ResponseWriter, r *http.Request) {
	var req initRentalRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, buyer, seller, agent, currency, err := parseParties(req.TxID, req.Buyer, req.Seller, req.Agent, req.Asset)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	rent, err := parseAmount("rentAmount", req.RentAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	deposit, err := parseAmount("depositAmount", req.DepositAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	esc, err := s.engine.InitializeRental(txID, buyer, seller, agent, rent, deposit, currency)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusCreated, newEscrowView(esc))
}

func parseParties(rawTx, rawBuyer, rawSeller, rawAgent, asset string) ([32]byte, [20]byte, [20]byte, [20]byte, escrow.Currency, error) {
	var zeroAddr [20]byte
	txID, err := parseTxID(rawTx)
	if err != nil {
		return txID, zeroAddr, zeroAddr, zeroAddr, escrow.Currency{}, err
	}
	buyer, err := parseAddr("buyer", rawBuyer)
	if err != nil {
		return txID, zeroAddr, zeroAddr, zeroAddr, escrow.Currency{}, err
	}
	seller, err := parseAddr("seller", rawSeller)
	if err != nil {
		return txID, buyer, zeroAddr, zeroAddr, escrow.Currency{}, err
	}
	agent, err := parseAddr("agent", rawAgent)
	if err != nil {
		return txID, buyer, seller, zeroAddr, escrow.Currency{}, err
	}
	currency, err := parseCurrency(asset)
	if err != nil {
		return txID, buyer, seller, agent, escrow.Currency{}, err
	}
	return txID, buyer, seller, agent, currency, nil
}

type txCallerRequest struct {
	TxID   string `json:"txId"`
	Caller string `json:"caller"`
}

func (s *Server) txCaller(r *http.Request) ([32]byte, [20]byte, error) {
	var req txCallerRequest
	if err := decodeBody(r, &req); err != nil {
		return [32]byte{}, [20]byte{}, err
	}
	txID, err := parseTxID(req.TxID)
	if err != nil {
		return [32]byte{}, [20]byte{}, err
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		return txID, [20]byte{}, err
	}
	return txID, caller, nil
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	txID, caller, err := s.txCaller(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.ReleaseFull(txID, caller); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

type releaseMilestoneRequest struct {
	TxID   string `json:"txId"`
	Caller string `json:"caller"`
	Index  int    `json:"index"`
}

func (s *Server) releaseMilestone(w http.ResponseWriter, r *http.Request) {
	var req releaseMilestoneRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, err := parseTxID(req.TxID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.ReleaseMilestone(txID, caller, req.Index); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

type txOnlyRequest struct {
	TxID string `json:"txId"`
}

func (s *Server) txOnly(r *http.Request) ([32]byte, error) {
	var req txOnlyRequest
	if err := decodeBody(r, &req); err != nil {
		return [32]byte{}, err
	}
	return parseTxID(req.TxID)
}

func (s *Server) releaseExpired(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txOnly(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.ReleaseOnExpiry(txID); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

type disputeRequest struct {
	TxID   string `json:"txId"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
}

func (s *Server) dispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, err := parseTxID(req.TxID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.StartDispute(txID, caller, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

type resolveRequest struct {
	TxID   string `json:"txId"`
	Caller string `json:"caller"`
	Winner string `json:"winner"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, err := parseTxID(req.TxID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	winner, err := parseAddr("winner", req.Winner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.ResolveDispute(txID, caller, winner); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

type depositReturnRequest struct {
	TxID   string `json:"txId"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) depositReturn(w http.ResponseWriter, r *http.Request) {
	var req depositReturnRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, err := parseTxID(req.TxID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.ReturnDeposit(txID, caller, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

func (s *Server) depositDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, err := parseTxID(req.TxID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.DisputeDeposit(txID, caller, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

type depositSettleRequest struct {
	TxID         string `json:"txId"`
	Caller       string `json:"caller"`
	BuyerAmount  string `json:"buyerAmount"`
	SellerAmount string `json:"sellerAmount"`
}

func (s *Server) depositSettle(w http.ResponseWriter, r *http.Request) {
	var req depositSettleRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	txID, err := parseTxID(req.TxID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	buyerAmt, err := parseAmount("buyerAmount", req.BuyerAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	sellerAmt, err := parseAmount("sellerAmount", req.SellerAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.SettleDispute(txID, caller, buyerAmt, sellerAmt); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

func (s *Server) depositForfeit(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txOnly(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.AutoRelease(txID); err != nil {
		writeEngineError(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

func (s *Server) closeEscrow(w http.ResponseWriter, r *http.Request) {
	txID, caller, err := s.txCaller(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.Close(txID, caller); err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"txId": hexTxID(txID), "status": "closed"})
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	txID, err := parseTxID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.respondEscrow(w, txID)
}

func (s *Server) respondEscrow(w http.ResponseWriter, txID [32]byte) {
	esc, err := s.engine.Get(txID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, newEscrowView(esc))
}

type configRequest struct {
	Caller             string `json:"caller"`
	FeeRecipient       string `json:"feeRecipient"`
	StandardFeeBps     uint32 `json:"standardFeeBps"`
	MilestoneFeeBps    uint32 `json:"milestoneFeeBps"`
	RequiredAgentStake string `json:"requiredAgentStake,omitempty"`
	StakeAsset         string `json:"stakeAsset,omitempty"`
}

func (s *Server) decodeConfig(r *http.Request) ([20]byte, *escrow.Config, error) {
	var req configRequest
	if err := decodeBody(r, &req); err != nil {
		return [20]byte{}, nil, err
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		return [20]byte{}, nil, err
	}
	feeRecipient, err := parseAddr("feeRecipient", req.FeeRecipient)
	if err != nil {
		return caller, nil, err
	}
	stake := "0"
	if req.RequiredAgentStake != "" {
		stake = req.RequiredAgentStake
	}
	stakeAmount, err := parseAmount("requiredAgentStake", stake)
	if err != nil {
		return caller, nil, err
	}
	stakeCurrency, err := parseCurrency(req.StakeAsset)
	if err != nil {
		return caller, nil, err
	}
	return caller, &escrow.Config{
		FeeRecipient:       feeRecipient,
		StandardFeeBps:     req.StandardFeeBps,
		MilestoneFeeBps:    req.MilestoneFeeBps,
		RequiredAgentStake: stakeAmount,
		StakeCurrency:      stakeCurrency,
	}, nil
}

func (s *Server) initConfig(w http.ResponseWriter, r *http.Request) {
	caller, cfg, err := s.decodeConfig(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	stored, err := s.engine.InitializeConfig(caller, cfg)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusCreated, newConfigView(stored))
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	caller, cfg, err := s.decodeConfig(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	stored, err := s.engine.UpdateConfig(caller, cfg)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, newConfigView(stored))
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.engine.Config()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respond(w, http.StatusOK, newConfigView(cfg))
}
