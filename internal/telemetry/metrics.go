package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "evcore",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// OTPRequestsTotal counts OTP request/resend attempts by outcome.
var OTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "evcore",
		Subsystem: "otp",
		Name:      "requests_total",
		Help:      "Total number of OTP request/resend calls by outcome.",
	},
	[]string{"outcome"},
)

// OTPVerifyTotal counts OTP verify attempts by outcome.
var OTPVerifyTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "evcore",
		Subsystem: "otp",
		Name:      "verify_total",
		Help:      "Total number of OTP verify calls by outcome.",
	},
	[]string{"outcome"},
)

// SMSDispatchTotal counts SMS dispatch job outcomes.
var SMSDispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "evcore",
		Subsystem: "sms",
		Name:      "dispatch_total",
		Help:      "Total number of SMS dispatch job outcomes.",
	},
	[]string{"outcome"},
)

// BloomFalsePositivesTotal counts confirmed false positives of the phone
// existence filter (C4), observed when C2 misses after C4 said "maybe".
var BloomFalsePositivesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "evcore",
		Subsystem: "bloom",
		Name:      "false_positives_total",
		Help:      "Total number of confirmed Bloom filter false positives.",
	},
)

// StationDiscoveryDuration tracks the latency of the station discovery pipeline (C12).
var StationDiscoveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "evcore",
		Subsystem: "stations",
		Name:      "discovery_duration_seconds",
		Help:      "Station discovery pipeline duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"cache"},
)

// PairingTotal counts pairing attempts by outcome.
var PairingTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "evcore",
		Subsystem: "pairing",
		Name:      "total",
		Help:      "Total number of vehicle pairing attempts by outcome.",
	},
	[]string{"outcome"},
)

// All returns all evcore-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		OTPRequestsTotal,
		OTPVerifyTotal,
		SMSDispatchTotal,
		BloomFalsePositivesTotal,
		StationDiscoveryDuration,
		PairingTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
