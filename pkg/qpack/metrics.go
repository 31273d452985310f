package qpack

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpack_decode_requests_total",
			Help: "Total number of header blocks decoded, by outcome",
		},
		[]string{"outcome"},
	)

	decodeHeadersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qpack_decode_headers_total",
			Help: "Total number of header fields emitted",
		},
	)

	blockedLookupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qpack_blocked_lookups_total",
			Help: "Header fields that waited for a dynamic table entry",
		},
	)

	lookupWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qpack_lookup_wait_seconds",
			Help:    "Time a header field waited for a dynamic table entry",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	deletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpack_deletions_total",
			Help: "Dynamic table deletions, by outcome",
		},
		[]string{"outcome"},
	)

	queuedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qpack_queued_bytes",
			Help: "Decoded bytes held by header blocks that have not completed",
		},
	)
)

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch codecError(err) {
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrInvalidIndex:
		return "invalid_index"
	default:
		return "malformed"
	}
}

func observeRequest(req *decodeRequest) {
	decodeRequestsTotal.WithLabelValues(outcomeLabel(req.err)).Inc()
}

func observeLookupWait(start time.Time) {
	lookupWaitSeconds.Observe(time.Since(start).Seconds())
}
