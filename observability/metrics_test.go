package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEscrowMetricsRecord(t *testing.T) {
	m := Escrow()
	before := testutil.ToFloat64(m.Transactions().WithLabelValues("makeOffer", "confirmed"))
	m.RecordTx("makeOffer", "confirmed", 3*time.Second)
	after := testutil.ToFloat64(m.Transactions().WithLabelValues("makeOffer", "confirmed"))
	if after-before != 1 {
		t.Fatalf("expected one confirmed makeOffer, got delta %v", after-before)
	}

	before = testutil.ToFloat64(m.Rollbacks().WithLabelValues("unknown"))
	m.RecordRollback("  ")
	if got := testutil.ToFloat64(m.Rollbacks().WithLabelValues("unknown")) - before; got != 1 {
		t.Fatalf("blank outcome should be labelled unknown, delta %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *EscrowMetrics
	m.RecordTx("a", "b", time.Second)
	m.RecordSignature("signed")
	var api *APIMetrics
	api.Observe("/healthz", 200, time.Millisecond)
	api.RecordThrottle("/healthz")
}
