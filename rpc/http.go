package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deedchain/core"
	"deedchain/crypto"
	"deedchain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxTxPerWindow  = 60
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	codeSaleNotFound  = -32022
	codeSaleForbidden = -32023
	codeSaleConflict  = -32024
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

type Server struct {
	node    *core.Node
	metrics *observability.RPCMetrics

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
}

func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv("DEED_RPC_TOKEN"))
	return &Server{
		node:         node,
		metrics:      observability.RPC(),
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    token,
	}
}

// SetAuthToken overrides the bearer token required for mutating methods.
func (s *Server) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = strings.TrimSpace(token)
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint, the event
// stream and the Prometheus scrape endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the status ultimately written so handler latency
// can be segmented by outcome.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.dispatch(recorder, r, req)
	s.metrics.Observe(req.Method, recorder.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if mutatingMethods[req.Method] {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSource(clientIP(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return
		}
	}

	switch req.Method {
	case "registry_mint":
		s.handleRegistryMint(w, r, req)
	case "registry_approve":
		s.handleRegistryApprove(w, r, req)
	case "registry_transfer":
		s.handleRegistryTransfer(w, r, req)
	case "registry_get":
		s.handleRegistryGet(w, r, req)
	case "sale_list":
		s.handleSaleList(w, r, req)
	case "sale_depositEarnest":
		s.handleSaleDeposit(w, r, req)
	case "sale_lend":
		s.handleSaleLend(w, r, req)
	case "sale_updateInspection":
		s.handleSaleInspect(w, r, req)
	case "sale_approve":
		s.handleSaleApprove(w, r, req)
	case "sale_finalize":
		s.handleSaleFinalize(w, r, req)
	case "sale_cancel":
		s.handleSaleCancel(w, r, req)
	case "sale_get":
		s.handleSaleGet(w, r, req)
	case "sale_getApproval":
		s.handleSaleGetApproval(w, r, req)
	case "sale_getFunds":
		s.handleSaleFunds(w, r, req)
	case "sale_poolBalance":
		s.handleSalePool(w, r, req)
	case "deed_getBalance":
		s.handleGetBalance(w, r, req)
	case "deed_getEvents":
		s.handleGetEvents(w, r, req)
	case "deed_getRoles":
		s.handleGetRoles(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
}

var mutatingMethods = map[string]bool{
	"registry_mint":         true,
	"registry_approve":      true,
	"registry_transfer":     true,
	"sale_list":             true,
	"sale_depositEarnest":   true,
	"sale_lend":             true,
	"sale_updateInspection": true,
	"sale_approve":          true,
	"sale_finalize":         true,
	"sale_cancel":           true,
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	s.mu.Lock()
	token := s.authToken
	s.mu.Unlock()
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if presented == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxTxPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func parseBech32Address(raw string) ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func encodeAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.DeedPrefix, addr[:]).String()
}
