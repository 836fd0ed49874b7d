package evpnmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/evpnd/internal/evpn"
	evpnmetrics "github.com/dantte-lp/evpnd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := evpnmetrics.NewCollector(reg)

	if c.VNIs == nil || c.VTEPs == nil || c.Bindings == nil {
		t.Fatal("gauge vectors not initialized")
	}
	if c.StaleCompletions == nil || c.NotificationsDeferred == nil {
		t.Fatal("counters not initialized")
	}

	c.IncStaleCompletions()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "evpnd_evpn_dataplane_stale_completions_total" {
			found = true
		}
	}
	if !found {
		t.Error("stale completion counter not exported under evpnd_evpn_ prefix")
	}
}

func TestRegisterUnregisterVNI(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := evpnmetrics.NewCollector(reg)

	c.RegisterVNI(100, evpn.RoleL2)
	c.RegisterVNI(200, evpn.RoleL2)
	c.RegisterVNI(5000, evpn.RoleL3)
	c.SetVTEPs(100, 3)
	c.RecordBindingTransition(100, evpn.KindMAC, evpn.StateNone, evpn.StateLocal)

	if val := gaugeValue(t, c.VNIs, "L2"); val != 2 {
		t.Errorf("L2 vnis = %v, want 2", val)
	}
	if val := gaugeValue(t, c.VNIs, "L3"); val != 1 {
		t.Errorf("L3 vnis = %v, want 1", val)
	}

	c.UnregisterVNI(100, evpn.RoleL2)

	if val := gaugeValue(t, c.VNIs, "L2"); val != 1 {
		t.Errorf("after UnregisterVNI: L2 vnis = %v, want 1", val)
	}
	if n := testSeries(t, reg, "evpnd_evpn_bindings"); n != 0 {
		t.Errorf("binding series after UnregisterVNI = %d, want 0", n)
	}
	if n := testSeries(t, reg, "evpnd_evpn_vteps"); n != 0 {
		t.Errorf("vtep series after UnregisterVNI = %d, want 0", n)
	}
}

func TestBindingTransitions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := evpnmetrics.NewCollector(reg)

	c.RecordBindingTransition(100, evpn.KindMAC, evpn.StateNone, evpn.StateLocal)
	c.RecordBindingTransition(100, evpn.KindMAC, evpn.StateNone, evpn.StateLocal)
	c.RecordBindingTransition(100, evpn.KindMAC, evpn.StateLocal, evpn.StateDuplicate)

	if val := gaugeValue(t, c.Bindings, "100", "mac", "Local"); val != 1 {
		t.Errorf("Local bindings = %v, want 1", val)
	}
	if val := gaugeValue(t, c.Bindings, "100", "mac", "Duplicate"); val != 1 {
		t.Errorf("Duplicate bindings = %v, want 1", val)
	}

	c.RecordBindingTransition(100, evpn.KindMAC, evpn.StateDuplicate, evpn.StateNone)
	if val := gaugeValue(t, c.Bindings, "100", "mac", "Duplicate"); val != 0 {
		t.Errorf("after delete: Duplicate bindings = %v, want 0", val)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := evpnmetrics.NewCollector(reg)

	c.IncClaimsRejected(100, evpn.KindMAC)
	c.IncClaimsRejected(100, evpn.KindMAC)
	c.IncDADDetections(100, evpn.KindNeigh)
	c.IncDADRecoveries(100, evpn.KindNeigh)
	c.IncDataplaneRequests(evpn.OpInstall)
	c.IncDataplaneRequests(evpn.OpInstall)
	c.IncDataplaneRequests(evpn.OpUninstall)
	c.IncDataplaneFailures(evpn.OpInstall)
	c.IncNotificationsDeferred()

	tests := []struct {
		name   string
		vec    *prometheus.CounterVec
		labels []string
		want   float64
	}{
		{"claims rejected", c.ClaimsRejected, []string{"mac"}, 2},
		{"dad detections", c.DADDetections, []string{"neigh"}, 1},
		{"dad recoveries", c.DADRecoveries, []string{"neigh"}, 1},
		{"install requests", c.DataplaneRequests, []string{"install"}, 2},
		{"uninstall requests", c.DataplaneRequests, []string{"uninstall"}, 1},
		{"install failures", c.DataplaneFailures, []string{"install"}, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, tt.vec, tt.labels...); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	m := &dto.Metric{}
	if err := c.NotificationsDeferred.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("notifications deferred = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// testSeries counts the exported series of a metric family.
func testSeries(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return len(f.GetMetric())
		}
	}
	return 0
}
