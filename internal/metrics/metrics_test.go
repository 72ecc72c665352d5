package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsAccepted == nil {
		t.Error("ConnectionsAccepted metric is nil")
	}
	if m.FederationRequestsTotal == nil {
		t.Error("FederationRequestsTotal metric is nil")
	}
}

func TestConnectionAcceptedAndClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionClosed("responded", 10*time.Millisecond)
	m.ConnectionClosed("timeout", 5*time.Millisecond)

	if got := testutil.ToFloat64(m.ConnectionsAccepted); got != 2 {
		t.Errorf("ConnectionsAccepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("responded")); got != 1 {
		t.Errorf("ConnectionsClosed{responded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("timeout")); got != 1 {
		t.Errorf("ConnectionsClosed{timeout} = %v, want 1", got)
	}
}

func TestSessionKeysMinted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SessionKeysMinted(2)
	m.SessionKeysMinted(3)

	if got := testutil.ToFloat64(m.SessionKeysMintedTotal); got != 5 {
		t.Errorf("SessionKeysMintedTotal = %v, want 5", got)
	}
}

func TestFederationFetchRecordsResultLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.FederationFetch(7, nil)
	m.FederationFetch(7, errors.New("boom"))

	if got := testutil.ToFloat64(m.FederationRequestsTotal.WithLabelValues("7", "ok")); got != 1 {
		t.Errorf("FederationRequestsTotal{7,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FederationRequestsTotal.WithLabelValues("7", "error")); got != 1 {
		t.Errorf("FederationRequestsTotal{7,error} = %v, want 1", got)
	}
}
