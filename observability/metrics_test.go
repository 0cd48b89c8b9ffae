package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOracleMetricsRecordOutcomes(t *testing.T) {
	m := Oracle()
	if Oracle() != m {
		t.Fatalf("registry must be a singleton")
	}
	m.ObserveFetch("CoinGecko", 3, time.Millisecond, nil)
	m.ObserveFetch("coingecko", 0, time.Millisecond, errors.New("boom"))
	if got := testutil.ToFloat64(m.points.WithLabelValues("coingecko")); got != 3 {
		t.Fatalf("points = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.fetches.WithLabelValues("coingecko", "error")); got != 1 {
		t.Fatalf("error fetches = %v, want 1", got)
	}
	m.RecordRelay("deploy", nil)
	if got := testutil.ToFloat64(m.relays.WithLabelValues("deploy", "success")); got != 1 {
		t.Fatalf("relays = %v, want 1", got)
	}
	var nilMetrics *OracleMetrics
	nilMetrics.RecordRegistration("registered")
}
