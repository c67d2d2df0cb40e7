package authkit

import (
	"net/http"
	"sync"

	"github.com/ascent-team/ascent-core/internal/apierror"
)

// Operation names an auth flow that reports outcomes.
type Operation string

const (
	OperationLogin   Operation = "auth.login"
	OperationReissue Operation = "auth.reissue"
	OperationLogout  Operation = "auth.logout"
	OperationGate    Operation = "auth.gate"
)

// Outcome classifies how an operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeRejected covers caller mistakes: bad credentials, stale tokens, unknown accounts.
	OutcomeRejected Outcome = "rejected"
	// OutcomeError covers store and signing failures.
	OutcomeError Outcome = "error"
)

// outcomeOf maps an operation result onto its outcome.
func outcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if apierror.KindOf(err).Status < http.StatusInternalServerError {
		return OutcomeRejected
	}
	return OutcomeError
}

// MetricsRecorder counts auth outcomes.
type MetricsRecorder interface {
	Record(operation Operation, outcome Outcome)
}

type noopMetrics struct{}

func (noopMetrics) Record(Operation, Outcome) {}

type outcomeKey struct {
	operation Operation
	outcome   Outcome
}

// CounterMetrics keeps per-outcome counts in memory; the server logs them on shutdown.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[outcomeKey]int64
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[outcomeKey]int64)}
}

func (recorder *CounterMetrics) Record(operation Operation, outcome Outcome) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[outcomeKey{operation: operation, outcome: outcome}]++
}

// Count reports how often operation ended with outcome.
func (recorder *CounterMetrics) Count(operation Operation, outcome Outcome) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[outcomeKey{operation: operation, outcome: outcome}]
}

// Snapshot flattens the counters into "auth.login.success" style keys.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	flattened := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		flattened[string(key.operation)+"."+string(key.outcome)] = value
	}
	return flattened
}
