package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics records JSON-RPC handler activity segmented by method.
type RPCMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// SaleMetrics records ledger transitions: listings opened, settled funds and
// the terminal outcome of each listing.
type SaleMetrics struct {
	listings  prometheus.Counter
	deposits  prometheus.Counter
	outcomes  *prometheus.CounterVec
	approvals prometheus.Counter
}

// GatewayMetrics records REST gateway activity segmented by route.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	rpcOnce sync.Once
	rpcReg  *RPCMetrics

	saleOnce sync.Once
	saleReg  *SaleMetrics

	gatewayOnce sync.Once
	gatewayReg  *GatewayMetrics
)

// RPC returns the lazily-initialised JSON-RPC metrics registry.
func RPC() *RPCMetrics {
	rpcOnce.Do(func() {
		rpcReg = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "deed",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcReg.requests, rpcReg.errors, rpcReg.latency)
	})
	return rpcReg
}

// Observe records the outcome of one JSON-RPC request. The status code is the
// HTTP status ultimately written to the response.
func (m *RPCMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// Sale returns the lazily-initialised sale ledger metrics registry.
func Sale() *SaleMetrics {
	saleOnce.Do(func() {
		saleReg = &SaleMetrics{
			listings: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "sale",
				Name:      "listings_total",
				Help:      "Total listings opened.",
			}),
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "sale",
				Name:      "deposits_total",
				Help:      "Total earnest deposits and lender fundings accepted.",
			}),
			approvals: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "sale",
				Name:      "approvals_total",
				Help:      "Total sale approvals recorded.",
			}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "sale",
				Name:      "outcomes_total",
				Help:      "Terminal listing outcomes segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(saleReg.listings, saleReg.deposits, saleReg.approvals, saleReg.outcomes)
	})
	return saleReg
}

// ListingOpened increments the listings counter.
func (m *SaleMetrics) ListingOpened() {
	if m != nil {
		m.listings.Inc()
	}
}

// DepositAccepted increments the deposit counter.
func (m *SaleMetrics) DepositAccepted() {
	if m != nil {
		m.deposits.Inc()
	}
}

// ApprovalRecorded increments the approvals counter.
func (m *SaleMetrics) ApprovalRecorded() {
	if m != nil {
		m.approvals.Inc()
	}
}

// ListingClosed records a terminal outcome, either "finalized" or "cancelled".
func (m *SaleMetrics) ListingClosed(result string) {
	if m != nil {
		m.outcomes.WithLabelValues(result).Inc()
	}
}

// Gateway returns the lazily-initialised REST gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayReg = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deed",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by method, route and status.",
			}, []string{"method", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "deed",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway routes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
		prometheus.MustRegister(gatewayReg.requests, gatewayReg.latency)
	})
	return gatewayReg
}

// ObserveRequest records one completed gateway request.
func (m *GatewayMetrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(duration.Seconds())
}
