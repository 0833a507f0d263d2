package http

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the facilitator's operation counters and latency histograms
type Metrics struct {
	VerifyTotal     *prometheus.CounterVec
	SettleTotal     *prometheus.CounterVec
	VoucherOpsTotal *prometheus.CounterVec
	FlushTotal      *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the facilitator metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_verify_total",
			Help: "Verification attempts by scheme, network and outcome",
		}, []string{"scheme", "network", "outcome"}),
		SettleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_settle_total",
			Help: "Settlement attempts by scheme, network and outcome",
		}, []string{"scheme", "network", "outcome"}),
		VoucherOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_voucher_operations_total",
			Help: "Voucher store operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_escrow_flush_total",
			Help: "Escrow flush attempts by outcome",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "x402_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.VerifyTotal,
		m.SettleTotal,
		m.VoucherOpsTotal,
		m.FlushTotal,
		m.RequestDuration,
	)
	return m
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
