package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UpstreamAttempts counts upstream fetch attempts, labeled by the header
// variant used, so fingerprint-blocking providers show up as variant churn.
var UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mktv_upstream_attempts_total",
	Help: "Upstream fetch attempts by header variant",
}, []string{"variant"})

// UpstreamRetries counts attempts that were rejected and retried with the
// next header variant.
var UpstreamRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mktv_upstream_retries_total",
	Help: "Upstream attempts retried with an alternate header variant",
})

// ProxiedPayloads counts proxied responses by payload kind: media (binary
// passthrough), manifest-master or manifest-media (rewritten text).
var ProxiedPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mktv_proxied_payloads_total",
	Help: "Proxied upstream responses by payload kind",
}, []string{"kind"})

// TokenCacheLookups counts identity cache hits and misses.
var TokenCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mktv_token_cache_lookups_total",
	Help: "Token verification cache lookups",
}, []string{"result"})

// ActiveStreamLocks tracks the number of live stream locks across all accounts.
var ActiveStreamLocks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mktv_active_stream_locks",
	Help: "Live playback session locks",
})

// AdmissionsRejected counts admissions refused because the per-account
// concurrency ceiling was reached.
var AdmissionsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mktv_admissions_rejected_total",
	Help: "Playback admissions rejected at the concurrency ceiling",
})
