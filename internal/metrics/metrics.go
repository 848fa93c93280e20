package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	DecodeStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_steps_total",
		Help: "The total number of decode steps executed",
	})

	DecodeTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_tokens_total",
		Help: "The total number of tokens appended across all hypotheses",
	})

	DecodeStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "decode_step_duration_seconds",
		Help: "Duration of one full decode step (subgraph run + selection)",
	})

	DecodeRunDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "decode_run_duration_seconds",
		Help: "Duration of complete decode runs",
	})

	DecodeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_runs_total",
		Help: "Total decode runs by outcome",
	}, []string{"strategy", "outcome"})

	SubgraphDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "subgraph_step_duration_seconds",
		Help: "Duration of one subgraph forward pass",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of parameter validation errors",
	}, []string{"field"})

	// ===== Logit Audit Metrics =====

	LogitMaxValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_max_value",
		Help:    "Maximum logit value observed per step",
		Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 500, 1000},
	})

	LogitMinValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_min_value",
		Help:    "Minimum logit value observed per step",
		Buckets: []float64{-1000, -500, -100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100},
	})

	LogitNaNCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logit_nan_count_total",
		Help: "Total count of NaN values in logits",
	})

	MaskedCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "masked_candidates_per_row",
		Help:    "Number of vocabulary entries masked per hypothesis per step",
		Buckets: []float64{0, 10, 100, 500, 1000, 5000, 20000, 50000, 150000},
	})

	ScoresExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scores_exhausted_total",
		Help: "Count of hypotheses whose entire score row was masked",
	})

	// ===== Beam Search Metrics =====

	BeamsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beams_finished_total",
		Help: "Total number of beams moved to the finished pool",
	})

	BeamItemsDone = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_items_done_total",
		Help: "Total number of batch items that completed beam search",
	})

	BeamScoreSpread = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beam_score_spread",
		Help:    "Spread between best and worst beam score per batch item per step",
		Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 20, 50},
	})

	// ===== Sampling Metrics =====

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_temperature",
		Help:    "Temperature used in sampling runs",
		Buckets: []float64{0.1, 0.3, 0.5, 0.7, 1.0, 1.3, 1.7, 2.0},
	})

	SamplingCandidateCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_candidate_count",
		Help:    "Number of unmasked candidates at draw time",
		Buckets: []float64{1, 2, 5, 10, 50, 100, 1000, 10000},
	})

	// ===== Remote Executor (Flight) Metrics =====

	FlightTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_transfer_bytes_total",
		Help: "Bytes exchanged with the remote step executor",
	}, []string{"direction"})

	FlightTransferDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "flight_transfer_duration_seconds",
		Help: "Duration of Flight record exchanges",
	})
)

// RecordStep records one completed decode step
func RecordStep(tokens int, duration time.Duration) {
	DecodeStepsTotal.Inc()
	DecodeTokensTotal.Add(float64(tokens))
	DecodeStepDuration.Observe(duration.Seconds())
	totalTokens.Add(int64(tokens))
}

// RecordRun records a finished decode run
func RecordRun(strategy, outcome string, duration time.Duration) {
	DecodeRunsTotal.WithLabelValues(strategy, outcome).Inc()
	DecodeRunDuration.Observe(duration.Seconds())
}

// RecordLogitAudit records per-step logit range statistics
func RecordLogitAudit(maxVal, minVal float32, nanCount int) {
	LogitMaxValue.Observe(float64(maxVal))
	LogitMinValue.Observe(float64(minVal))
	if nanCount > 0 {
		LogitNaNCount.Add(float64(nanCount))
	}
}

// RecordMasked records how many candidates a processor row ended up masking
func RecordMasked(count int, exhausted bool) {
	MaskedCandidates.Observe(float64(count))
	if exhausted {
		ScoresExhausted.Inc()
	}
}

// RecordBeamStep records beam bookkeeping for one batch item
func RecordBeamStep(finished int, scoreSpread float64) {
	if finished > 0 {
		BeamsFinished.Add(float64(finished))
	}
	BeamScoreSpread.Observe(scoreSpread)
}

// RecordFlightTransfer records one exchange with the remote executor
func RecordFlightTransfer(direction string, bytes int, duration time.Duration) {
	FlightTransferBytes.WithLabelValues(direction).Add(float64(bytes))
	FlightTransferDuration.Observe(duration.Seconds())
}

// TokensGenerated returns the process-lifetime token count
func TokensGenerated() int64 {
	return totalTokens.Load()
}
