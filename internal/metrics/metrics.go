package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_reconciliations_total",
			Help: "Campaign status reconciliations by result (changed, unchanged, frozen, empty, error)",
		},
		[]string{"result"},
	)

	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_status_transitions_total",
			Help: "Campaign status writes by from/to status",
		},
		[]string{"from", "to"},
	)

	OAuthExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_token_requests_total",
			Help: "Token endpoint round-trips by grant and result",
		},
		[]string{"grant", "result"},
	)

	OAuthRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_rate_limited_total",
			Help: "OAuth requests rejected by the per-user rate limit",
		},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(EmailsSent)
		prometheus.MustRegister(EmailFailures)
		prometheus.MustRegister(Reconciliations)
		prometheus.MustRegister(StatusTransitions)
		prometheus.MustRegister(OAuthExchanges)
		prometheus.MustRegister(OAuthRateLimited)
		prometheus.MustRegister(httpDuration)
	})
}
