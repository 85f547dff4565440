package rpc

import (
	"net/http"
)

type balanceParams struct {
	Address string `json:"address"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type RolesResponse struct {
	Seller    string `json:"seller"`
	Inspector string `json:"inspector"`
	Lender    string `json:"lender"`
	Vault     string `json:"vault"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params balanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, BalanceResponse{
		Address: encodeAddress(addr),
		Balance: account.Balance.String(),
		Nonce:   account.Nonce,
	})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	buffered := s.node.Events()
	out := make([]eventJSON, 0, len(buffered))
	for _, evt := range buffered {
		out = append(out, eventJSON{Type: evt.Type, Attributes: evt.Attributes})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetRoles(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	roles := s.node.Roles()
	writeResult(w, req.ID, RolesResponse{
		Seller:    encodeAddress(roles.Seller),
		Inspector: encodeAddress(roles.Inspector),
		Lender:    encodeAddress(roles.Lender),
		Vault:     s.node.Vault().String(),
	})
}
