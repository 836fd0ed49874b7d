package evpnmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "evpnd"
	subsystem = "evpn"
)

// Label names for EVPN metrics.
const (
	labelVNI   = "vni"
	labelRole  = "role"
	labelKind  = "kind"
	labelState = "state"
	labelOp    = "op"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all EVPN Prometheus metrics and implements
// evpn.MetricsReporter.
//
//   - VNI and VTEP gauges describe the configured overlay.
//   - Binding gauges count entries per VNI, kind and state.
//   - DAD and tie-break counters flag unstable addresses.
//   - Dataplane counters track programming volume and terminal failures.
type Collector struct {
	// VNIs tracks registered VNIs per role.
	VNIs *prometheus.GaugeVec

	// VTEPs tracks the remote VTEP count of each L2 VNI.
	VTEPs *prometheus.GaugeVec

	// Bindings tracks MAC and neighbor entries per VNI, kind and state.
	Bindings *prometheus.GaugeVec

	// ClaimsRejected counts claims that lost the sequence tie-break.
	ClaimsRejected *prometheus.CounterVec

	// DADDetections counts entries frozen as DUPLICATE.
	DADDetections *prometheus.CounterVec

	// DADRecoveries counts DUPLICATE entries released.
	DADRecoveries *prometheus.CounterVec

	// DataplaneRequests counts requests sent to the dataplane.
	DataplaneRequests *prometheus.CounterVec

	// DataplaneFailures counts requests that failed after every retry.
	DataplaneFailures *prometheus.CounterVec

	// StaleCompletions counts completions of superseded requests.
	StaleCompletions prometheus.Counter

	// NotificationsDeferred counts notifications held in the engine backlog
	// because the consumer fell behind.
	NotificationsDeferred prometheus.Counter
}

// Compile-time check.
var _ evpn.MetricsReporter = (*Collector)(nil)

// NewCollector creates a Collector with all EVPN metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.VNIs,
		c.VTEPs,
		c.Bindings,
		c.ClaimsRejected,
		c.DADDetections,
		c.DADRecoveries,
		c.DataplaneRequests,
		c.DataplaneFailures,
		c.StaleCompletions,
		c.NotificationsDeferred,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		VNIs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "vnis",
			Help:      "Number of registered VNIs.",
		}, []string{labelRole}),

		VTEPs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "vteps",
			Help:      "Number of remote VTEPs per L2 VNI.",
		}, []string{labelVNI}),

		Bindings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bindings",
			Help:      "Number of MAC and neighbor entries by state.",
		}, []string{labelVNI, labelKind, labelState}),

		ClaimsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "claims_rejected_total",
			Help:      "Total claims rejected by the sequence number tie-break.",
		}, []string{labelKind}),

		DADDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dad_detections_total",
			Help:      "Total addresses marked duplicate.",
		}, []string{labelKind}),

		DADRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dad_recoveries_total",
			Help:      "Total duplicate addresses released.",
		}, []string{labelKind}),

		DataplaneRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dataplane_requests_total",
			Help:      "Total dataplane requests including retries.",
		}, []string{labelOp}),

		DataplaneFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dataplane_failures_total",
			Help:      "Total dataplane requests that failed after all retries.",
		}, []string{labelOp}),

		StaleCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dataplane_stale_completions_total",
			Help:      "Total dataplane completions dropped because the request was superseded.",
		}),

		NotificationsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_deferred_total",
			Help:      "Total route notifications queued behind a full channel.",
		}),
	}
}

// -------------------------------------------------------------------------
// VNI Lifecycle
// -------------------------------------------------------------------------

// RegisterVNI increments the VNI gauge for the role.
func (c *Collector) RegisterVNI(_ evpn.VNI, role evpn.Role) {
	c.VNIs.WithLabelValues(role.String()).Inc()
}

// UnregisterVNI decrements the VNI gauge and drops every per-VNI series.
func (c *Collector) UnregisterVNI(vni evpn.VNI, role evpn.Role) {
	c.VNIs.WithLabelValues(role.String()).Dec()
	c.VTEPs.DeleteLabelValues(vni.String())
	c.Bindings.DeletePartialMatch(prometheus.Labels{labelVNI: vni.String()})
}

// SetVTEPs records the VTEP count of a VNI.
func (c *Collector) SetVTEPs(vni evpn.VNI, count int) {
	c.VTEPs.WithLabelValues(vni.String()).Set(float64(count))
}

// -------------------------------------------------------------------------
// Bindings
// -------------------------------------------------------------------------

// RecordBindingTransition moves one entry from the from-state gauge to the
// to-state gauge. StateNone on either side means created or deleted.
func (c *Collector) RecordBindingTransition(vni evpn.VNI, kind evpn.Kind, from, to evpn.State) {
	if from != evpn.StateNone {
		c.Bindings.WithLabelValues(vni.String(), kind.String(), from.String()).Dec()
	}
	if to != evpn.StateNone {
		c.Bindings.WithLabelValues(vni.String(), kind.String(), to.String()).Inc()
	}
}

// IncClaimsRejected counts a claim lost to the tie-break.
func (c *Collector) IncClaimsRejected(_ evpn.VNI, kind evpn.Kind) {
	c.ClaimsRejected.WithLabelValues(kind.String()).Inc()
}

// IncDADDetections counts an entry frozen as DUPLICATE.
func (c *Collector) IncDADDetections(_ evpn.VNI, kind evpn.Kind) {
	c.DADDetections.WithLabelValues(kind.String()).Inc()
}

// IncDADRecoveries counts a released DUPLICATE entry.
func (c *Collector) IncDADRecoveries(_ evpn.VNI, kind evpn.Kind) {
	c.DADRecoveries.WithLabelValues(kind.String()).Inc()
}

// -------------------------------------------------------------------------
// Dataplane
// -------------------------------------------------------------------------

// IncDataplaneRequests counts a dataplane request.
func (c *Collector) IncDataplaneRequests(op evpn.Op) {
	c.DataplaneRequests.WithLabelValues(op.String()).Inc()
}

// IncDataplaneFailures counts a terminal dataplane failure.
func (c *Collector) IncDataplaneFailures(op evpn.Op) {
	c.DataplaneFailures.WithLabelValues(op.String()).Inc()
}

// IncStaleCompletions counts a superseded completion.
func (c *Collector) IncStaleCompletions() {
	c.StaleCompletions.Inc()
}

// IncNotificationsDeferred counts a notification queued in the backlog.
func (c *Collector) IncNotificationsDeferred() {
	c.NotificationsDeferred.Inc()
}
