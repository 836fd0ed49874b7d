package evpn

// MetricsReporter receives engine counters and gauges. The Prometheus
// collector in internal/metrics implements it; tests and embedders that do
// not care use the no-op default.
//
// All methods are called from the engine goroutine and must not block.
type MetricsReporter interface {
	// RegisterVNI and UnregisterVNI track registered VNIs per role.
	RegisterVNI(vni VNI, role Role)
	UnregisterVNI(vni VNI, role Role)

	// SetVTEPs records the current membership size of a VNI.
	SetVTEPs(vni VNI, count int)

	// RecordBindingTransition moves one entry between state gauges.
	// from is StateNone for a created entry, to is StateNone for a
	// deleted one.
	RecordBindingTransition(vni VNI, kind Kind, from, to State)

	// IncClaimsRejected counts claims lost to the sequence tie-break.
	IncClaimsRejected(vni VNI, kind Kind)

	// IncDADDetections counts entries frozen as DUPLICATE.
	IncDADDetections(vni VNI, kind Kind)

	// IncDADRecoveries counts DUPLICATE entries released by timer or
	// administrative clear.
	IncDADRecoveries(vni VNI, kind Kind)

	// IncDataplaneRequests counts gateway requests by operation.
	IncDataplaneRequests(op Op)

	// IncDataplaneFailures counts terminal dataplane failures by operation.
	IncDataplaneFailures(op Op)

	// IncStaleCompletions counts completions dropped as superseded.
	IncStaleCompletions()

	// IncNotificationsDeferred counts notifications queued behind a full
	// channel.
	IncNotificationsDeferred()
}

// noopMetrics discards everything.
type noopMetrics struct{}

func (noopMetrics) RegisterVNI(VNI, Role) {}
func (noopMetrics) UnregisterVNI(VNI, Role) {}
func (noopMetrics) SetVTEPs(VNI, int) {}
func (noopMetrics) RecordBindingTransition(VNI, Kind, State, State) {}
func (noopMetrics) IncClaimsRejected(VNI, Kind) {}
func (noopMetrics) IncDADDetections(VNI, Kind) {}
func (noopMetrics) IncDADRecoveries(VNI, Kind) {}
func (noopMetrics) IncDataplaneRequests(Op) {}
func (noopMetrics) IncDataplaneFailures(Op) {}
func (noopMetrics) IncStaleCompletions() {}
func (noopMetrics) IncNotificationsDeferred() {}
