package metrics_test

import (
	"testing"
	"time"

	"github.com/rsprolipsi/sigma-engine/observability/metrics"
	"github.com/stretchr/testify/assert"
)

func TestEngine_IsSingleton(t *testing.T) {
	assert.Same(t, metrics.Engine(), metrics.Engine())
}

func TestEngineMetrics_NilSafe(t *testing.T) {
	var m *metrics.EngineMetrics
	assert.NotPanics(t, func() {
		m.ObserveEvaluation("complete")
		m.ObserveComponentFailure("depth")
		m.ObserveLedgerEntry("depth", 5.04)
		m.ObserveClosing("member", "completed", time.Second)
	})
}

func TestEngineMetrics_EmptyLabels(t *testing.T) {
	m := metrics.Engine()
	assert.NotPanics(t, func() {
		m.ObserveEvaluation("")
		m.ObserveLedgerEntry("", 0)
		m.ObserveClosing("", "", 0)
	})
}
