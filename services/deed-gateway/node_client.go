package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// AssetView mirrors the node's registry_get result.
type AssetView struct {
	ID       uint64 `json:"id"`
	Holder   string `json:"holder"`
	URI      string `json:"uri"`
	Approved string `json:"approved,omitempty"`
	MintedAt int64  `json:"mintedAt"`
}

// ListingView mirrors the node's sale_get result.
type ListingView struct {
	AssetID          uint64 `json:"assetId"`
	Buyer            string `json:"buyer"`
	PurchasePrice    string `json:"purchasePrice"`
	EarnestAmount    string `json:"earnestAmount"`
	InspectionPassed bool   `json:"inspectionPassed"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
}

// BalanceView mirrors the node's deed_getBalance result.
type BalanceView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// NodeClient is a thin JSON-RPC client used by the gateway.
type NodeClient interface {
	Mint(ctx context.Context, caller, uri string) (*AssetView, error)
	GetAsset(ctx context.Context, assetID uint64) (*AssetView, error)
	SaleList(ctx context.Context, caller string, assetID uint64, buyer, price, earnest string) (*ListingView, error)
	SaleDeposit(ctx context.Context, caller string, assetID uint64, amount string) error
	SaleLend(ctx context.Context, caller string, assetID uint64, amount string) error
	SaleInspect(ctx context.Context, caller string, assetID uint64, passed bool) error
	SaleApprove(ctx context.Context, caller string, assetID uint64) error
	SaleFinalize(ctx context.Context, caller string, assetID uint64) error
	SaleCancel(ctx context.Context, caller string, assetID uint64) error
	SaleGet(ctx context.Context, assetID uint64) (*ListingView, error)
	GetBalance(ctx context.Context, address string) (*BalanceView, error)
}

// RPCNodeClient implements NodeClient against the deed JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) Mint(ctx context.Context, caller, uri string) (*AssetView, error) {
	var result AssetView
	params := map[string]interface{}{"caller": caller, "uri": uri}
	if err := c.call(ctx, "registry_mint", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetAsset(ctx context.Context, assetID uint64) (*AssetView, error) {
	var result AssetView
	params := map[string]interface{}{"assetId": assetID}
	if err := c.call(ctx, "registry_get", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) SaleList(ctx context.Context, caller string, assetID uint64, buyer, price, earnest string) (*ListingView, error) {
	var result ListingView
	params := map[string]interface{}{
		"caller":        caller,
		"assetId":       assetID,
		"buyer":         buyer,
		"purchasePrice": price,
		"earnestAmount": earnest,
	}
	if err := c.call(ctx, "sale_list", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) SaleDeposit(ctx context.Context, caller string, assetID uint64, amount string) error {
	params := map[string]interface{}{"caller": caller, "assetId": assetID, "amount": amount}
	return c.call(ctx, "sale_depositEarnest", []interface{}{params}, nil)
}

func (c *RPCNodeClient) SaleLend(ctx context.Context, caller string, assetID uint64, amount string) error {
	params := map[string]interface{}{"caller": caller, "assetId": assetID, "amount": amount}
	return c.call(ctx, "sale_lend", []interface{}{params}, nil)
}

func (c *RPCNodeClient) SaleInspect(ctx context.Context, caller string, assetID uint64, passed bool) error {
	params := map[string]interface{}{"caller": caller, "assetId": assetID, "passed": passed}
	return c.call(ctx, "sale_updateInspection", []interface{}{params}, nil)
}

func (c *RPCNodeClient) SaleApprove(ctx context.Context, caller string, assetID uint64) error {
	params := map[string]interface{}{"caller": caller, "assetId": assetID}
	return c.call(ctx, "sale_approve", []interface{}{params}, nil)
}

func (c *RPCNodeClient) SaleFinalize(ctx context.Context, caller string, assetID uint64) error {
	params := map[string]interface{}{"caller": caller, "assetId": assetID}
	return c.call(ctx, "sale_finalize", []interface{}{params}, nil)
}

func (c *RPCNodeClient) SaleCancel(ctx context.Context, caller string, assetID uint64) error {
	params := map[string]interface{}{"caller": caller, "assetId": assetID}
	return c.call(ctx, "sale_cancel", []interface{}{params}, nil)
}

func (c *RPCNodeClient) SaleGet(ctx context.Context, assetID uint64) (*ListingView, error) {
	var result ListingView
	params := map[string]interface{}{"assetId": assetID}
	if err := c.call(ctx, "sale_get", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetBalance(ctx context.Context, address string) (*BalanceView, error) {
	var result BalanceView
	params := map[string]interface{}{"address": address}
	if err := c.call(ctx, "deed_getBalance", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	if decoded.Error != nil {
		return &NodeError{Code: decoded.Error.Code, Message: decoded.Error.Message, Data: string(decoded.Error.Data)}
	}
	if out == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return errors.New("node returned empty result")
	}
	return json.Unmarshal(decoded.Result, out)
}

// NodeError carries a JSON-RPC error through to gateway handlers.
type NodeError struct {
	Code    int
	Message string
	Data    string
}

func (e *NodeError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}
