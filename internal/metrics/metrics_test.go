package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() { MustRegister(reg) })
	assert.Panics(t, func() { MustRegister(reg) })
}

func TestIncDelivery(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("linkedin", OutcomeDelivered))
	IncDelivery("LinkedIn", OutcomeDelivered)
	IncDelivery(" linkedin ", OutcomeDelivered)
	after := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("linkedin", OutcomeDelivered))
	assert.Equal(t, before+2, after)

	IncDelivery("", OutcomeFailed)
	assert.GreaterOrEqual(t, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("unknown", OutcomeFailed)), 1.0)
}

func TestObserveRun(t *testing.T) {
	beforeRuns := testutil.ToFloat64(RunsTotal.WithLabelValues("ok"))
	beforeItems := testutil.ToFloat64(ItemsProcessed)

	ObserveRun("ok", 3, 150*time.Millisecond)
	ObserveRun("ok", 0, time.Millisecond)

	assert.Equal(t, beforeRuns+2, testutil.ToFloat64(RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, beforeItems+3, testutil.ToFloat64(ItemsProcessed))
}

func TestIncNotification(t *testing.T) {
	before := testutil.ToFloat64(NotificationsTotal.WithLabelValues("amqp", "error"))
	IncNotification("amqp", errors.New("closed"))
	assert.Equal(t, before+1, testutil.ToFloat64(NotificationsTotal.WithLabelValues("amqp", "error")))
}

func TestSetAttemptCounts(t *testing.T) {
	SetAttemptCounts(map[string]int64{"delivered": 4, "failed": 1})
	assert.Equal(t, 4.0, testutil.ToFloat64(AttemptsByState.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AttemptsByState.WithLabelValues("failed")))

	SetAttemptCounts(map[string]int64{"pending": 2})
	assert.Equal(t, 1, testutil.CollectAndCount(AttemptsByState))
}
