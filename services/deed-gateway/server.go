package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deedchain/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxRequestBody       = 1 << 20 // 1 MiB
	nodeCallTimeout      = 15 * time.Second
)

// Server is the HTTP front-end for registry and sale interactions.
type Server struct {
	authenticator *Authenticator
	node          NodeClient
	store         *SQLiteStore
	logger        *slog.Logger
	router        chi.Router
	nowFn         func() time.Time
}

func NewServer(auth *Authenticator, node NodeClient, store *SQLiteStore, logger *slog.Logger) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: auth,
		node:          node,
		store:         store,
		logger:        logger,
		nowFn:         time.Now,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(instrumentRequests)

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(api chi.Router) {
		api.Post("/assets", s.handleMintAsset)
		api.Get("/assets/{id}", s.handleGetAsset)
		api.Post("/sales", s.handleListSale)
		api.Get("/sales/{id}", s.handleGetSale)
		api.Post("/sales/{id}/deposit", s.handleDeposit)
		api.Post("/sales/{id}/lend", s.handleLend)
		api.Post("/sales/{id}/inspection", s.handleInspection)
		api.Post("/sales/{id}/approve", s.handleApprove)
		api.Post("/sales/{id}/finalize", s.handleFinalize)
		api.Post("/sales/{id}/cancel", s.handleCancel)
		api.Get("/accounts/{address}/balance", s.handleBalance)
		api.Get("/audit", s.handleAudit)
	})
	return r
}

type mintAssetRequest struct {
	Caller string `json:"caller"`
	URI    string `json:"uri"`
}

type listSaleRequest struct {
	Caller        string `json:"caller"`
	AssetID       uint64 `json:"assetId"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EarnestAmount string `json:"earnestAmount"`
}

type amountRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type inspectionRequest struct {
	Caller string `json:"caller"`
	Passed bool   `json:"passed"`
}

type actorRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleMintAsset(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req mintAssetRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return http.StatusBadRequest, nil, errors.New("caller is required")
		}
		if strings.TrimSpace(req.URI) == "" {
			return http.StatusBadRequest, nil, errors.New("uri is required")
		}
		asset, err := s.node.Mint(ctx, req.Caller, req.URI)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, asset, nil
	})
}

func (s *Server) handleListSale(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req listSaleRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		for name, value := range map[string]string{
			"caller":        req.Caller,
			"buyer":         req.Buyer,
			"purchasePrice": req.PurchasePrice,
			"earnestAmount": req.EarnestAmount,
		} {
			if strings.TrimSpace(value) == "" {
				return http.StatusBadRequest, nil, fmt.Errorf("%s is required", name)
			}
		}
		if req.AssetID == 0 {
			return http.StatusBadRequest, nil, errors.New("assetId is required")
		}
		listing, err := s.node.SaleList(ctx, req.Caller, req.AssetID, req.Buyer, req.PurchasePrice, req.EarnestAmount)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, listing, nil
	})
}

func (s *Server) handleAmountOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller string, assetID uint64, amount string) error) {
	assetID, err := pathAssetID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req amountRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Amount) == "" {
			return http.StatusBadRequest, nil, errors.New("caller and amount are required")
		}
		if err := op(ctx, req.Caller, assetID, req.Amount); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]bool{"ok": true}, nil
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, s.node.SaleDeposit)
}

func (s *Server) handleLend(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, s.node.SaleLend)
}

func (s *Server) handleInspection(w http.ResponseWriter, r *http.Request) {
	assetID, err := pathAssetID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req inspectionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return http.StatusBadRequest, nil, errors.New("caller is required")
		}
		if err := s.node.SaleInspect(ctx, req.Caller, assetID, req.Passed); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]bool{"ok": true}, nil
	})
}

func (s *Server) handleActorOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller string, assetID uint64) error) {
	assetID, err := pathAssetID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req actorRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return http.StatusBadRequest, nil, errors.New("caller is required")
		}
		if err := op(ctx, req.Caller, assetID); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]bool{"ok": true}, nil
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleActorOp(w, r, s.node.SaleApprove)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.handleActorOp(w, r, s.node.SaleFinalize)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleActorOp(w, r, s.node.SaleCancel)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context) (interface{}, error) {
		assetID, err := pathAssetID(r)
		if err != nil {
			return nil, err
		}
		return s.node.GetAsset(ctx, assetID)
	})
}

func (s *Server) handleGetSale(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context) (interface{}, error) {
		assetID, err := pathAssetID(r)
		if err != nil {
			return nil, err
		}
		return s.node.SaleGet(ctx, assetID)
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context) (interface{}, error) {
		address := strings.TrimSpace(chi.URLParam(r, "address"))
		if address == "" {
			return nil, errors.New("address is required")
		}
		return s.node.GetBalance(ctx, address)
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context) (interface{}, error) {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				return nil, errors.New("limit must be a positive integer")
			}
			limit = parsed
		}
		entries, err := s.store.RecentAuditEntries(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(entries))
		for _, entry := range entries {
			out = append(out, map[string]interface{}{
				"requestId": entry.RequestID,
				"apiKey":    entry.APIKey,
				"method":    entry.Method,
				"path":      entry.Path,
				"status":    entry.ResponseStatus,
				"time":      entry.Timestamp,
			})
		}
		return out, nil
	})
}

// mutate wraps a state-changing handler with authentication, idempotency
// caching and audit logging.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, body []byte) (int, interface{}, error)) {
	requestID := uuid.NewString()
	w.Header().Set(headerRequestID, requestID)

	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), requestID, nil, r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		s.audit(r.Context(), requestID, principal, r, body, http.StatusBadRequest, errorBody(errors.New("missing idempotency key")))
		return
	}
	requestHash := hashRequest(r.Method, canonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), requestID, principal, r, body, status, errorBody(cacheErr))
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), requestID, principal, r, body, cached.Status, cached.Body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	status, result, opErr := op(ctx, body)
	if opErr != nil {
		if status == 0 {
			status = nodeErrorStatus(opErr)
		}
		s.writeError(w, status, opErr)
		s.audit(r.Context(), requestID, principal, r, body, status, errorBody(opErr))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), requestID, principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, payload); err != nil {
		s.logger.Error("save idempotency record", "error", err, "requestId", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r.Context(), requestID, principal, r, body, status, payload)
}

// query wraps a read-only handler with authentication and audit logging.
func (s *Server) query(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) (interface{}, error)) {
	requestID := uuid.NewString()
	w.Header().Set(headerRequestID, requestID)

	principal, err := s.authenticator.Authenticate(r, nil)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	result, err := op(ctx)
	if err != nil {
		status := nodeErrorStatus(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), requestID, principal, r, nil, status, errorBody(err))
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	s.audit(r.Context(), requestID, principal, r, nil, http.StatusOK, payload)
}

// instrumentRequests records per-route request counts and latency. The route
// pattern is resolved after the handler runs so path parameters collapse into
// one label value.
func instrumentRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		observability.Gateway().ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) audit(ctx context.Context, requestID string, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		RequestID:      requestID,
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Error("insert audit log", "error", err, "requestId", requestID)
	}
}

// nodeErrorStatus maps node JSON-RPC error codes onto gateway HTTP statuses.
func nodeErrorStatus(err error) int {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway
	}
	switch nodeErr.Code {
	case -32022:
		return http.StatusNotFound
	case -32023:
		return http.StatusForbidden
	case -32024:
		return http.StatusConflict
	case -32602:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func pathAssetID(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid asset id %q", raw)
	}
	return id, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
