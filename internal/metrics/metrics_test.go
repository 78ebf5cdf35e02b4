package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	Init("test-node-1", "executor")

	assert.Equal(t, float64(1), testutil.ToFloat64(NodeInfo.WithLabelValues("test-node-1", "executor")))
}

func TestRecordInvocation(t *testing.T) {
	InvocationsTotal.Reset()

	RecordInvocation("client", 0, 20*time.Microsecond)
	RecordInvocation("client", 0, 0)
	RecordInvocation("worker", 2, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(InvocationsTotal.WithLabelValues("client", "0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(InvocationsTotal.WithLabelValues("worker", "2")))
}

func TestRecordModeTransition(t *testing.T) {
	ModeTransitions.Reset()

	RecordModeTransition("hot", "warm")
	RecordModeTransition("hot", "warm")
	RecordModeTransition("warm", "hot")

	assert.Equal(t, float64(2), testutil.ToFloat64(ModeTransitions.WithLabelValues("hot", "warm")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ModeTransitions.WithLabelValues("warm", "hot")))
}

func TestRecordAccountingFlush(t *testing.T) {
	AccountingFlushes.Reset()

	before := testutil.ToFloat64(ExecutionSeconds)
	RecordAccountingFlush("execution", 1500*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(AccountingFlushes.WithLabelValues("execution")))
	assert.InDelta(t, before+1.5, testutil.ToFloat64(ExecutionSeconds), 1e-9)
}

func TestConnectionGauge(t *testing.T) {
	ConnectionsActive.Reset()

	ConnectionOpened("worker")
	ConnectionOpened("worker")
	ConnectionClosed("worker")

	assert.Equal(t, float64(1), testutil.ToFloat64(ConnectionsActive.WithLabelValues("worker")))
}

func TestRecordProtocolViolation(t *testing.T) {
	ProtocolViolations.Reset()

	RecordProtocolViolation("unknown_invocation")
	RecordCompletionError("recv", "remote access error")

	assert.Equal(t, float64(1), testutil.ToFloat64(ProtocolViolations.WithLabelValues("unknown_invocation")))
	assert.Equal(t, float64(1), testutil.ToFloat64(CompletionErrors.WithLabelValues("recv", "remote access error")))
}

func TestRecordAdminRequest(t *testing.T) {
	AdminRequests.Reset()

	RecordAdminRequest("POST", "/v1/leases", 201, time.Millisecond)
	RecordAdminRequest("POST", "/v1/leases", 409, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(AdminRequests.WithLabelValues("POST", "/v1/leases", "201")))
	assert.Equal(t, float64(1), testutil.ToFloat64(AdminRequests.WithLabelValues("POST", "/v1/leases", "409")))
}
