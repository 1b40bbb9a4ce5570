package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.PollerRounds == nil {
		t.Error("PollerRounds metric is nil")
	}
	if m.CXOpen == nil {
		t.Error("CXOpen metric is nil")
	}
	if m.TLSHandshakes == nil {
		t.Error("TLSHandshakes metric is nil")
	}
}

func TestRecordPollerRound(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPollerRound(0.001)
	m.RecordPollerRound(0.002)

	if got := testutil.ToFloat64(m.PollerRounds); got != 2 {
		t.Errorf("PollerRounds = %v, want 2", got)
	}
}

func TestRecordCXOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCXOpen("L")
	m.RecordCXOpen("L")
	m.RecordCXOpen("R")

	if got := testutil.ToFloat64(m.CXOpen.WithLabelValues("L")); got != 2 {
		t.Errorf("CXOpen[L] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CXOpen.WithLabelValues("R")); got != 1 {
		t.Errorf("CXOpen[R] = %v, want 1", got)
	}

	m.RecordCXClose("L", "eof")

	if got := testutil.ToFloat64(m.CXOpen.WithLabelValues("L")); got != 1 {
		t.Errorf("CXOpen[L] after close = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CXClosed.WithLabelValues("L", "eof")); got != 1 {
		t.Errorf("CXClosed[L,eof] = %v, want 1", got)
	}
}

func TestRecordCXReadWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCXRead("L", 128)
	m.RecordCXRead("L", 256)
	m.RecordCXWrite("R", 64)

	if got := testutil.ToFloat64(m.CXReadBytes.WithLabelValues("L")); got != 384 {
		t.Errorf("CXReadBytes[L] = %v, want 384", got)
	}
	if got := testutil.ToFloat64(m.CXReadOps.WithLabelValues("L")); got != 2 {
		t.Errorf("CXReadOps[L] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CXWriteBytes.WithLabelValues("R")); got != 64 {
		t.Errorf("CXWriteBytes[R] = %v, want 64", got)
	}
}

func TestSetBottleneck(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetBottleneck("L", true)
	if got := testutil.ToFloat64(m.ProxyBottleneck.WithLabelValues("L")); got != 1 {
		t.Errorf("ProxyBottleneck[L] = %v, want 1", got)
	}

	m.SetBottleneck("L", false)
	if got := testutil.ToFloat64(m.ProxyBottleneck.WithLabelValues("L")); got != 0 {
		t.Errorf("ProxyBottleneck[L] = %v, want 0", got)
	}
}

func TestRecordAcceptAndDelayedQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAccept()
	m.RecordAccept()
	m.SetDelayedAcceptQueue(3)

	if got := testutil.ToFloat64(m.ProxyAccepts); got != 2 {
		t.Errorf("ProxyAccepts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProxyDelayedAccept); got != 3 {
		t.Errorf("ProxyDelayedAccept = %v, want 3", got)
	}
}

func TestRecordCertAndOCSPCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCertMint()
	m.RecordCertCache(true)
	m.RecordCertCache(false)
	m.RecordOCSPCache(true)

	if got := testutil.ToFloat64(m.CertMints); got != 1 {
		t.Errorf("CertMints = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CertCacheHits); got != 1 {
		t.Errorf("CertCacheHits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CertCacheMiss); got != 1 {
		t.Errorf("CertCacheMiss = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OCSPCacheHits); got != 1 {
		t.Errorf("OCSPCacheHits = %v, want 1", got)
	}
}

func TestRecordTLSHandshake(t *testing.T) {
	cases := []struct {
		name    string
		outcome string
	}{
		{"ok", "ok"},
		{"want_read", "want_read"},
		{"fatal", "fatal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := NewMetricsWithRegistry(reg)

			m.RecordTLSHandshake(tc.outcome, 0.05)

			if got := testutil.ToFloat64(m.TLSHandshakes.WithLabelValues(tc.outcome)); got != 1 {
				t.Errorf("TLSHandshakes[%s] = %v, want 1", tc.outcome, got)
			}
		})
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance on repeated calls")
	}
}
