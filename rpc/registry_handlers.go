package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"deedchain/native/registry"
)

type registryMintParams struct {
	Caller string `json:"caller"`
	URI    string `json:"uri"`
}

type registryApproveParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	Grantee string `json:"grantee"`
}

type registryTransferParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type registryGetParams struct {
	AssetID uint64 `json:"assetId"`
}

type assetJSON struct {
	ID       uint64 `json:"id"`
	Holder   string `json:"holder"`
	URI      string `json:"uri"`
	Approved string `json:"approved,omitempty"`
	MintedAt int64  `json:"mintedAt"`
}

func assetToJSON(asset *registry.Asset) assetJSON {
	out := assetJSON{
		ID:       asset.ID,
		Holder:   encodeAddress(asset.Holder),
		URI:      asset.URI,
		MintedAt: asset.MintedAt,
	}
	if asset.HasApproval() {
		out.Approved = encodeAddress(asset.Approved)
	}
	return out
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func writeRegistryError(w http.ResponseWriter, id interface{}, err error) {
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	switch {
	case errors.Is(err, registry.ErrAssetNotFound):
		status = http.StatusNotFound
		code = codeSaleNotFound
		message = "not_found"
	case errors.Is(err, registry.ErrNotOwner), errors.Is(err, registry.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeSaleForbidden
		message = "forbidden"
	}
	writeError(w, status, id, code, message, err.Error())
}

func (s *Server) handleRegistryMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registryMintParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := s.node.Mint(caller, params.URI)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, assetToJSON(asset))
}

func (s *Server) handleRegistryApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registryApproveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	grantee, err := parseBech32Address(params.Grantee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ApproveForTransfer(caller, params.AssetID, grantee); err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRegistryTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registryTransferParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	from, err := parseBech32Address(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseBech32Address(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.TransferAsset(caller, params.AssetID, from, to); err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRegistryGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registryGetParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, ok := s.node.GetAsset(params.AssetID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeSaleNotFound, "not_found", nil)
		return
	}
	writeResult(w, req.ID, assetToJSON(asset))
}
