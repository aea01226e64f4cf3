package rpc

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"opencritique/ledger"
	"opencritique/native/bounty"
)

const (
	codeBountyInvalidParams = -32031
	codeBountyNotFound      = -32032
	codeBountyForbidden     = -32033
	codeBountyConflict      = -32034
	codeBountyUnfunded      = -32035
	codeBountyNotReady      = -32036
	codeBountyLedger        = -32037
	codeBountyUnavailable   = -32038
	codeBountyInternal      = -32039
)

type bountyPrepareParams struct {
	WorkID uint64 `json:"workId"`
	Caller string `json:"caller"`
	Amount uint64 `json:"amount"`
	Ledger string `json:"ledger,omitempty"`
}

type bountyReleaseParams struct {
	WorkID     uint64 `json:"workId"`
	Caller     string `json:"caller"`
	CritiqueID uint64 `json:"critiqueId"`
}

type bountyActorParams struct {
	WorkID uint64 `json:"workId"`
	Caller string `json:"caller"`
}

type bountyWorkParams struct {
	WorkID uint64 `json:"workId"`
}

type bountyOwnerParams struct {
	Owner string `json:"owner"`
}

type bountyJSON struct {
	WorkID         uint64 `json:"workId"`
	Ledger         string `json:"ledger"`
	Subaccount     string `json:"subaccount"`
	IntendedAmount uint64 `json:"intendedAmount"`
	Released       bool   `json:"released"`
	ActualAmount   uint64 `json:"actualAmount,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	ExpiresAt      int64  `json:"expiresAt,omitempty"`
}

type escrowAccountJSON struct {
	Account    string `json:"account"`
	Subaccount string `json:"subaccount"`
}

type balanceJSON struct {
	Balance     uint64 `json:"balance"`
	QueryFailed bool   `json:"queryFailed"`
}

type releaseJSON struct {
	Recipient  string `json:"recipient"`
	Amount     uint64 `json:"amount"`
	BlockIndex uint64 `json:"blockIndex"`
}

type withdrawJSON struct {
	Amount     uint64 `json:"amount"`
	BlockIndex uint64 `json:"blockIndex,omitempty"`
	Cleared    bool   `json:"cleared"`
}

func bountyToJSON(workID uint64, b *bounty.WorkBounty) bountyJSON {
	out := bountyJSON{
		WorkID:         workID,
		Ledger:         b.LedgerRef,
		Subaccount:     hex.EncodeToString(b.Subaccount[:]),
		IntendedAmount: b.IntendedAmount,
		Released:       b.Released,
		ActualAmount:   b.ActualAmount,
		CreatedAt:      b.CreatedAt,
		ExpiresAt:      b.ExpiresAt,
	}
	if !b.Recipient.IsZero() {
		out.Recipient = b.Recipient.String()
	}
	return out
}

// writeBountyError maps the engine's typed failures onto stable wire codes.
// Transport failures get their own code so clients know the operation is
// safely retryable.
func writeBountyError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, bounty.ErrWorkNotFound), errors.Is(err, bounty.ErrNoBounty), errors.Is(err, bounty.ErrCritiqueNotFound):
		writeError(w, http.StatusNotFound, id, codeBountyNotFound, "not_found", err.Error())
	case errors.Is(err, bounty.ErrNotOwner):
		writeError(w, http.StatusForbidden, id, codeBountyForbidden, "forbidden", err.Error())
	case errors.Is(err, bounty.ErrAlreadyReleased), errors.Is(err, bounty.ErrTransferPending):
		writeError(w, http.StatusConflict, id, codeBountyConflict, "conflict", err.Error())
	case errors.Is(err, bounty.ErrInvalidAmount), errors.Is(err, bounty.ErrInvalidLedgerRef):
		writeError(w, http.StatusBadRequest, id, codeBountyInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, bounty.ErrExpired), errors.Is(err, bounty.ErrNotReady):
		writeError(w, http.StatusConflict, id, codeBountyNotReady, "not_ready", err.Error())
	case errors.Is(err, bounty.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, id, codeBountyUnfunded, "insufficient_funds", err.Error())
	case ledger.IsTransport(err):
		writeError(w, http.StatusBadGateway, id, codeBountyUnavailable, "ledger_unavailable", err.Error())
	default:
		if rej, ok := ledger.AsRejection(err); ok {
			writeError(w, http.StatusConflict, id, codeBountyLedger, "ledger_rejected", rej.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, id, codeBountyInternal, "internal_error", err.Error())
	}
}

func (s *Server) handleBountyPrepare(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bountyPrepareParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	ledgerRef := strings.TrimSpace(params.Ledger)
	if ledgerRef == "" {
		ledgerRef = s.ledgerRef
	}
	record, err := s.engine.Prepare(params.WorkID, caller, params.Amount, ledgerRef)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	s.logger.Info("bounty prepared", "workId", params.WorkID, "amount", params.Amount, "ledger", record.LedgerRef)
	writeResult(w, req.ID, bountyToJSON(params.WorkID, record))
}

func (s *Server) handleBountyRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyReleaseParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	result, err := s.engine.Release(r.Context(), params.WorkID, caller, params.CritiqueID)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	s.logger.Info("bounty released",
		"workId", params.WorkID,
		"critiqueId", params.CritiqueID,
		"recipient", result.Recipient.String(),
		"amount", result.Amount,
		"blockIndex", result.BlockIndex,
	)
	writeResult(w, req.ID, releaseJSON{
		Recipient:  result.Recipient.String(),
		Amount:     result.Amount,
		BlockIndex: result.BlockIndex,
	})
}

func (s *Server) handleBountyWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyActorParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	result, err := s.engine.Withdraw(r.Context(), params.WorkID, caller)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	s.logger.Info("bounty withdrawn", "workId", params.WorkID, "amount", result.Amount)
	writeResult(w, req.ID, withdrawJSON{
		Amount:     result.Amount,
		BlockIndex: result.BlockIndex,
		Cleared:    result.Cleared,
	})
}

func (s *Server) handleBountyEscrowAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bountyWorkParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	account, sub, ok := s.engine.EscrowAccount(params.WorkID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeBountyNotFound, "not_found", "work does not exist")
		return
	}
	writeResult(w, req.ID, escrowAccountJSON{
		Account:    account.Hex(),
		Subaccount: hex.EncodeToString(sub[:]),
	})
}

// handleBountyBalance is best effort: a failed ledger query yields a zero
// balance with queryFailed set, never a bare zero a caller could mistake for a
// confirmed-empty escrow.
func (s *Server) handleBountyBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyWorkParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.engine.BalanceOf(r.Context(), params.WorkID)
	if err != nil {
		s.logger.Warn("escrow balance query failed", "workId", params.WorkID, "err", err)
		writeResult(w, req.ID, balanceJSON{QueryFailed: true})
		return
	}
	writeResult(w, req.ID, balanceJSON{Balance: balance})
}

func (s *Server) handleBountyGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bountyWorkParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	record, ok := s.engine.BountyOf(params.WorkID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeBountyNotFound, "not_found", "no bounty prepared for work")
		return
	}
	writeResult(w, req.ID, bountyToJSON(params.WorkID, record))
}

func (s *Server) handleBountyList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bountyOwnerParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	entries := s.engine.BountiesOf(owner)
	out := make([]bountyJSON, 0, len(entries))
	for _, entry := range entries {
		out = append(out, bountyToJSON(entry.WorkID, entry.Bounty))
	}
	writeResult(w, req.ID, out)
}
