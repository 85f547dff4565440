package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"deedchain/core"
	"deedchain/native/escrow"
	"deedchain/storage"
)

const testToken = "test-rpc-token"

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

type testEnv struct {
	server *Server
	node   *core.Node
	roles  escrow.Roles
	buyer  [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	roles := escrow.Roles{
		Seller:    testAddr(0x01),
		Inspector: testAddr(0x02),
		Lender:    testAddr(0x03),
	}
	node, err := core.NewNode(db, roles)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	buyer := testAddr(0x04)
	alloc := map[string]*big.Int{
		encodeAddress(buyer):        big.NewInt(100),
		encodeAddress(roles.Lender): big.NewInt(100),
	}
	if err := node.ApplyGenesis(alloc); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	server := NewServer(node)
	server.SetAuthToken(testToken)
	return &testEnv{server: server, node: node, roles: roles, buyer: buyer}
}

func (env *testEnv) call(t *testing.T, method string, params interface{}, token string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)

	var resp RPCResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, recorder.Body.String())
	}
	return recorder, resp
}

func (env *testEnv) mustCall(t *testing.T, method string, params interface{}) RPCResponse {
	t.Helper()
	recorder, resp := env.call(t, method, params, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("%s failed: status=%d err=%+v", method, recorder.Code, resp.Error)
	}
	return resp
}

func decodeResult(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestHandleRejectsMalformedRequests(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("empty body should be rejected, got %d", recorder.Code)
	}

	recorder, resp := env.call(t, "", nil, "")
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("missing method should be rejected, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = env.call(t, "no_such_method", nil, "")
	if recorder.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("unknown method should 404, got %d %+v", recorder.Code, resp.Error)
	}
}

func TestMutatingMethodsRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)
	params := registryMintParams{Caller: encodeAddress(env.roles.Seller), URI: "ipfs://property/1.json"}

	recorder, resp := env.call(t, "registry_mint", params, "")
	if recorder.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = env.call(t, "registry_mint", params, "wrong-token")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for bad token, got %d", recorder.Code)
	}

	if _, resp = env.call(t, "registry_mint", params, testToken); resp.Error != nil {
		t.Fatalf("valid token should pass: %+v", resp.Error)
	}
}

func TestQueriesDoNotRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	recorder, resp := env.call(t, "deed_getBalance", balanceParams{Address: encodeAddress(env.buyer)}, "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("balance query should not need auth: %d %+v", recorder.Code, resp.Error)
	}
	var balance BalanceResponse
	decodeResult(t, resp, &balance)
	if balance.Balance != "100" {
		t.Fatalf("unexpected balance %s", balance.Balance)
	}
}

func TestSaleLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t)
	seller := encodeAddress(env.roles.Seller)
	buyer := encodeAddress(env.buyer)

	resp := env.mustCall(t, "registry_mint", registryMintParams{Caller: seller, URI: "ipfs://property/1.json"})
	var asset assetJSON
	decodeResult(t, resp, &asset)
	if asset.ID != 1 || asset.Holder != seller {
		t.Fatalf("unexpected asset %+v", asset)
	}

	resp = env.mustCall(t, "sale_list", saleListParams{
		Caller:        seller,
		AssetID:       asset.ID,
		Buyer:         buyer,
		PurchasePrice: "10",
		EarnestAmount: "5",
	})
	var listing listingJSON
	decodeResult(t, resp, &listing)
	if listing.Status != "open" || listing.Buyer != buyer {
		t.Fatalf("unexpected listing %+v", listing)
	}

	env.mustCall(t, "sale_depositEarnest", saleAmountParams{Caller: buyer, AssetID: asset.ID, Amount: "10"})
	env.mustCall(t, "sale_lend", saleAmountParams{Caller: encodeAddress(env.roles.Lender), AssetID: asset.ID, Amount: "5"})

	resp = env.mustCall(t, "sale_getFunds", saleIDParams{AssetID: asset.ID})
	var funds string
	decodeResult(t, resp, &funds)
	if funds != "15" {
		t.Fatalf("expected 15 held, got %s", funds)
	}

	env.mustCall(t, "sale_updateInspection", saleInspectParams{Caller: encodeAddress(env.roles.Inspector), AssetID: asset.ID, Passed: true})
	for _, approver := range []string{buyer, seller, encodeAddress(env.roles.Lender)} {
		env.mustCall(t, "sale_approve", saleActorParams{Caller: approver, AssetID: asset.ID})
	}
	env.mustCall(t, "sale_finalize", saleActorParams{Caller: seller, AssetID: asset.ID})

	resp = env.mustCall(t, "sale_get", saleIDParams{AssetID: asset.ID})
	decodeResult(t, resp, &listing)
	if listing.Status != "finalized" {
		t.Fatalf("expected finalized listing, got %+v", listing)
	}

	resp = env.mustCall(t, "registry_get", registryGetParams{AssetID: asset.ID})
	decodeResult(t, resp, &asset)
	if asset.Holder != buyer {
		t.Fatalf("custody should rest with the buyer, got %s", asset.Holder)
	}

	resp = env.mustCall(t, "sale_poolBalance", nil)
	var pool string
	decodeResult(t, resp, &pool)
	if pool != "0" {
		t.Fatalf("pool should drain to 0, got %s", pool)
	}
}

func TestSaleErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	seller := encodeAddress(env.roles.Seller)
	stranger := encodeAddress(testAddr(0x09))

	recorder, resp := env.call(t, "sale_get", saleIDParams{AssetID: 77}, "")
	if recorder.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeSaleNotFound {
		t.Fatalf("missing listing should 404, got %d %+v", recorder.Code, resp.Error)
	}

	env.mustCall(t, "registry_mint", registryMintParams{Caller: seller, URI: "ipfs://property/1.json"})
	env.mustCall(t, "sale_list", saleListParams{
		Caller:        seller,
		AssetID:       1,
		Buyer:         encodeAddress(env.buyer),
		PurchasePrice: "10",
		EarnestAmount: "5",
	})

	recorder, resp = env.call(t, "sale_depositEarnest", saleAmountParams{Caller: stranger, AssetID: 1, Amount: "10"}, testToken)
	if recorder.Code != http.StatusForbidden || resp.Error == nil || resp.Error.Code != codeSaleForbidden {
		t.Fatalf("stranger deposit should be forbidden, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = env.call(t, "sale_finalize", saleActorParams{Caller: seller, AssetID: 1}, testToken)
	if recorder.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeSaleConflict {
		t.Fatalf("premature finalize should conflict, got %d %+v", recorder.Code, resp.Error)
	}
}

func TestRateLimitAppliesToMutatingMethods(t *testing.T) {
	env := newTestEnv(t)
	seller := encodeAddress(env.roles.Seller)

	var limited bool
	for i := 0; i <= maxTxPerWindow; i++ {
		params := registryMintParams{Caller: seller, URI: fmt.Sprintf("ipfs://property/%d.json", i)}
		recorder, resp := env.call(t, "registry_mint", params, testToken)
		if recorder.Code == http.StatusTooManyRequests {
			if resp.Error == nil || resp.Error.Code != codeRateLimited {
				t.Fatalf("expected rate limit error, got %+v", resp.Error)
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the rate limit to trip within one window")
	}
}
