package httpapi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "honor_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "honor_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	debitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "honor_debits_total",
		Help: "Debit attempts by outcome",
	}, []string{"outcome"})

	creditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "honor_credits_total",
		Help: "Charge confirmations by outcome",
	}, []string{"outcome"})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "honor_webhooks_total",
		Help: "Webhook deliveries by result",
	}, []string{"result"})
)

func observeRequest(method string, endpoint string, status int) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}
