package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"atomintents/native/intents"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/storage"
)

func (s *Server) submitIntent(w http.ResponseWriter, r *http.Request) {
	var intent intents.Intent
	if err := decodeJSON(w, r, &intent); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if intent.Liquidation != nil {
		http.Error(w, "liquidation intents are system generated", http.StatusBadRequest)
		return
	}
	queued, err := s.auctions.SubmitIntent(r.Context(), &intent)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusAccepted, queued)
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.auctions.Intent(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) cancelIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.auctions.CancelIntent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) submitQuote(w http.ResponseWriter, r *http.Request) {
	solverID, ok := SolverFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var quote intents.Quote
	if err := decodeJSON(w, r, &quote); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if quote.SolverID != "" && quote.SolverID != solverID {
		http.Error(w, "solver id does not match token", http.StatusForbidden)
		return
	}
	quote.SolverID = solverID
	accepted, err := s.auctions.SubmitQuote(r.Context(), quote)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) currentAuction(w http.ResponseWriter, _ *http.Request) {
	current, ok := s.auctions.Current()
	if !ok {
		http.Error(w, "no auction open", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, current)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.auctions.Auction(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) auctionStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.auctions.Stats())
}

func (s *Server) getSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.settlements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlement": rec,
		"recovery":   settlement.RecommendRecovery(rec),
	})
}

func (s *Server) settlementHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.settlements.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) stuckSettlements(w http.ResponseWriter, r *http.Request) {
	stuck, err := s.settlements.FindStuckSettlements(r.Context())
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stuck)
}

func (s *Server) listSettlements(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "settlement listing unavailable", http.StatusNotFound)
		return
	}
	query := r.URL.Query()
	limit := queryLimit(r)
	var (
		records []storage.Record
		err     error
	)
	switch {
	case query.Get("solver") != "":
		records, err = s.store.ListBySolver(r.Context(), query.Get("solver"), limit)
	case query.Get("status") != "":
		status := storage.Status(query.Get("status"))
		if !status.Valid() {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		records, err = s.store.ListByStatus(r.Context(), status, limit)
	case query.Get("intent") != "":
		records, err = s.store.GetByIntent(r.Context(), query.Get("intent"))
	default:
		http.Error(w, "solver, status or intent filter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) bondSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.bonds == nil {
		http.Error(w, "bond pool unavailable", http.StatusNotFound)
		return
	}
	snap, err := s.bonds.Snapshot(chi.URLParam(r, "solver"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listSolvers(w http.ResponseWriter, r *http.Request) {
	if s.reputation == nil {
		http.Error(w, "reputation unavailable", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.reputation.Top(queryLimit(r)))
}

func (s *Server) getSolver(w http.ResponseWriter, r *http.Request) {
	if s.reputation == nil {
		http.Error(w, "reputation unavailable", http.StatusNotFound)
		return
	}
	stats, ok := s.reputation.Get(chi.URLParam(r, "solver"))
	if !ok {
		http.Error(w, "solver not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        stats,
		"success_rate": stats.SuccessRate(),
		"score":        stats.Score(),
	})
}

func (s *Server) listLiquidations(w http.ResponseWriter, _ *http.Request) {
	if s.liquidations == nil {
		http.Error(w, "liquidations unavailable", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.liquidations.Jobs())
}

type advanceRequest struct {
	Event    string `json:"event"`
	EscrowID string `json:"escrow_id"`
	BondID   string `json:"bond_id"`
	Sequence uint64 `json:"sequence"`
	TxHash   string `json:"tx_hash"`
	Reason   string `json:"reason"`
}

func (req advanceRequest) toEvent() (settlement.Event, bool) {
	switch strings.ToLower(strings.TrimSpace(req.Event)) {
	case "user_locked":
		return settlement.UserLocked{EscrowID: req.EscrowID, TxHash: req.TxHash}, true
	case "solver_locked":
		return settlement.SolverLocked{BondID: req.BondID, TxHash: req.TxHash}, true
	case "executing":
		return settlement.Executing{Sequence: req.Sequence, TxHash: req.TxHash}, true
	case "timed_out":
		return settlement.TimedOut{Reason: req.Reason}, true
	default:
		return nil, false
	}
}

func (s *Server) advanceSettlement(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	ev, ok := req.toEvent()
	if !ok {
		http.Error(w, "unknown event", http.StatusBadRequest)
		return
	}
	rec, err := s.settlements.AdvanceSettlement(r.Context(), chi.URLParam(r, "id"), ev)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type completeRequest struct {
	Outcome         string `json:"outcome"`
	OutputDelivered string `json:"output_delivered"`
	TxHash          string `json:"tx_hash"`
	Reason          string `json:"reason"`
	Recoverable     bool   `json:"recoverable"`
}

func (s *Server) completeSettlement(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var result settlement.Result
	switch strings.ToLower(strings.TrimSpace(req.Outcome)) {
	case "success":
		result = settlement.Success{OutputDelivered: req.OutputDelivered, TxHash: req.TxHash}
	case "failure":
		result = settlement.Failure{Reason: req.Reason, Recoverable: req.Recoverable}
	case "timeout":
		result = settlement.Timeout{}
	default:
		http.Error(w, "outcome must be success, failure or timeout", http.StatusBadRequest)
		return
	}
	rec, err := s.settlements.CompleteSettlement(r.Context(), chi.URLParam(r, "id"), result)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) failSettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	rec, err := s.settlements.FailSettlement(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) depositBond(w http.ResponseWriter, r *http.Request) {
	if s.bonds == nil {
		http.Error(w, "bond pool unavailable", http.StatusNotFound)
		return
	}
	var req struct {
		Kind      bond.AssetKind  `json:"kind"`
		Denom     string          `json:"denom"`
		Validator string          `json:"validator"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	asset := bond.Native(req.Denom)
	if req.Kind == bond.KindLSMShare {
		asset = bond.LSMShare(req.Validator, req.Denom)
	}
	dep, err := s.bonds.Deposit(chi.URLParam(r, "solver"), asset, req.Amount)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) withdrawBond(w http.ResponseWriter, r *http.Request) {
	if s.bonds == nil {
		http.Error(w, "bond pool unavailable", http.StatusNotFound)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	dep, err := s.bonds.Withdraw(chi.URLParam(r, "solver"), chi.URLParam(r, "deposit"), req.Amount)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, dep)
}
