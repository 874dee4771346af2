package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce               sync.Once
	httpDurationHistogram      *prometheus.HistogramVec
	depositVerifyCounter       *prometheus.CounterVec
	replayRejectionCounter     *prometheus.CounterVec
	withdrawalOutcomeCounter   *prometheus.CounterVec
	withdrawalRefundCounter    *prometheus.CounterVec
	chainRequestHistogram      *prometheus.HistogramVec
	idempotencyCounter         *prometheus.CounterVec
	workerRunCounter           *prometheus.CounterVec
	ledgerInconsistencyCounter prometheus.Counter
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		depositVerifyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_verifications_total",
			Help: "Deposit verification outcomes",
		}, []string{"network", "outcome"})

		replayRejectionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_rejections_total",
			Help: "Deposit verifications rejected by the replay guard",
		}, []string{"network"})

		withdrawalOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_outcomes_total",
			Help: "Withdrawal processing outcomes",
		}, []string{"network", "outcome"})

		withdrawalRefundCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_refunds_total",
			Help: "Compensating credits issued for failed withdrawals",
		}, []string{"network"})

		chainRequestHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chain_request_duration_seconds",
			Help:    "Blockchain RPC round-trip latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"network", "op"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		ledgerInconsistencyCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_inconsistencies_total",
			Help: "Verified deposits that could not be credited",
		})

		prometheus.MustRegister(
			httpDurationHistogram,
			depositVerifyCounter,
			replayRejectionCounter,
			withdrawalOutcomeCounter,
			withdrawalRefundCounter,
			chainRequestHistogram,
			idempotencyCounter,
			workerRunCounter,
			ledgerInconsistencyCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementDepositVerification(network, outcome string) {
	if depositVerifyCounter == nil {
		return
	}
	depositVerifyCounter.WithLabelValues(network, outcome).Inc()
}

func IncrementReplayRejection(network string) {
	if replayRejectionCounter == nil {
		return
	}
	replayRejectionCounter.WithLabelValues(network).Inc()
}

func IncrementWithdrawalOutcome(network, outcome string) {
	if withdrawalOutcomeCounter == nil {
		return
	}
	withdrawalOutcomeCounter.WithLabelValues(network, outcome).Inc()
}

func IncrementWithdrawalRefund(network string) {
	if withdrawalRefundCounter == nil {
		return
	}
	withdrawalRefundCounter.WithLabelValues(network).Inc()
}

func ObserveChainRequest(network, op string, duration time.Duration) {
	if chainRequestHistogram == nil {
		return
	}
	chainRequestHistogram.WithLabelValues(network, op).Observe(duration.Seconds())
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementLedgerInconsistency() {
	if ledgerInconsistencyCounter == nil {
		return
	}
	ledgerInconsistencyCounter.Inc()
}
