package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"deedchain/native/escrow"
	"deedchain/observability"
)

type saleListParams struct {
	Caller        string `json:"caller"`
	AssetID       uint64 `json:"assetId"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EarnestAmount string `json:"earnestAmount"`
}

type saleAmountParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	Amount  string `json:"amount"`
}

type saleInspectParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	Passed  bool   `json:"passed"`
}

type saleActorParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
}

type saleIDParams struct {
	AssetID uint64 `json:"assetId"`
}

type saleApprovalParams struct {
	AssetID uint64 `json:"assetId"`
	Address string `json:"address"`
}

type listingJSON struct {
	AssetID          uint64 `json:"assetId"`
	Buyer            string `json:"buyer"`
	PurchasePrice    string `json:"purchasePrice"`
	EarnestAmount    string `json:"earnestAmount"`
	InspectionPassed bool   `json:"inspectionPassed"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
}

func listingToJSON(listing *escrow.Listing) listingJSON {
	return listingJSON{
		AssetID:          listing.AssetID,
		Buyer:            encodeAddress(listing.Buyer),
		PurchasePrice:    listing.PurchasePrice.String(),
		EarnestAmount:    listing.EarnestAmount.String(),
		InspectionPassed: listing.InspectionPassed,
		Status:           listing.Status.String(),
		CreatedAt:        listing.CreatedAt,
	}
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func writeSaleError(w http.ResponseWriter, id interface{}, err error) {
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotListed):
		status = http.StatusNotFound
		code = codeSaleNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeSaleForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrInsufficientApprovals):
		status = http.StatusConflict
		code = codeSaleConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, err.Error())
}

func (s *Server) handleSaleList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params saleListParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveBigInt(params.PurchasePrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	earnest, err := parsePositiveBigInt(params.EarnestAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.node.ListSale(caller, params.AssetID, buyer, price, earnest)
	if err != nil {
		writeSaleError(w, req.ID, err)
		return
	}
	observability.Sale().ListingOpened()
	writeResult(w, req.ID, listingToJSON(listing))
}

func (s *Server) handleSaleAmountOp(w http.ResponseWriter, req *RPCRequest, op func(caller [20]byte, assetID uint64, amount *big.Int) error) {
	var params saleAmountParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := op(caller, params.AssetID, amount); err != nil {
		writeSaleError(w, req.ID, err)
		return
	}
	observability.Sale().DepositAccepted()
	writeResult(w, req.ID, true)
}

func (s *Server) handleSaleDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSaleAmountOp(w, req, s.node.DepositEarnest)
}

func (s *Server) handleSaleLend(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSaleAmountOp(w, req, s.node.LendSale)
}

func (s *Server) handleSaleInspect(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params saleInspectParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.UpdateInspection(caller, params.AssetID, params.Passed); err != nil {
		writeSaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSaleActorOp(w http.ResponseWriter, req *RPCRequest, op func(caller [20]byte, assetID uint64) error, onSuccess func()) {
	var params saleActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := op(caller, params.AssetID); err != nil {
		writeSaleError(w, req.ID, err)
		return
	}
	if onSuccess != nil {
		onSuccess()
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSaleApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSaleActorOp(w, req, s.node.ApproveSale, observability.Sale().ApprovalRecorded)
}

func (s *Server) handleSaleFinalize(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSaleActorOp(w, req, s.node.FinalizeSale, func() {
		observability.Sale().ListingClosed("finalized")
	})
}

func (s *Server) handleSaleCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleSaleActorOp(w, req, s.node.CancelSale, func() {
		observability.Sale().ListingClosed("cancelled")
	})
}

func (s *Server) handleSaleGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params saleIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, ok := s.node.GetListing(params.AssetID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeSaleNotFound, "not_found", nil)
		return
	}
	writeResult(w, req.ID, listingToJSON(listing))
}

func (s *Server) handleSaleGetApproval(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params saleApprovalParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	approved, err := s.node.GetApproval(params.AssetID, addr)
	if err != nil {
		writeSaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, approved)
}

func (s *Server) handleSaleFunds(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params saleIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	funds, err := s.node.SaleFunds(params.AssetID)
	if err != nil {
		writeSaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, funds.String())
}

func (s *Server) handleSalePool(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	pool, err := s.node.PoolBalance()
	if err != nil {
		writeSaleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, pool.String())
}
