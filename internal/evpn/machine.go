package evpn

import (
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// claim runs a claim for an address of vs through the tie-break and DAD.
func (e *Engine) claim(vs *vniState, kind Kind, mac net.HardwareAddr, ip netip.Addr, c Claim) {
	tbl := vs.table(kind)
	en := tbl.get(mac, ip)
	if en == nil {
		en = &entry{Binding: Binding{Kind: kind, VNI: vs.rec.VNI, IP: ip}}
		if kind == KindMAC {
			en.MAC = cloneMAC(mac)
		}
		tbl.put(en)
	}
	old := en.Binding

	d := Decide(&en.Binding, c)
	if d.Verdict == VerdictDefer {
		frozen := c
		frozen.MAC = cloneMAC(c.MAC)
		en.frozen = &frozen
		e.logger.Debug("claim recorded on duplicate entry",
			slog.String("vni", vs.rec.VNI.String()),
			slog.String(kind.String(), en.Addr()),
			slog.String("origin", c.Origin.String()),
			slog.String("location", c.Location.String()),
		)
		return
	}

	tripped := false
	if d.Move && e.cfg.DAD.Enabled {
		en.moves, tripped = RecordMove(en.moves, time.Now(), e.cfg.DAD)
	}

	switch d.Verdict {
	case VerdictAccept, VerdictRefresh:
		if tripped {
			cand := en.Binding
			applyClaim(&cand, c, d)
			cand.State = d.State
			e.freeze(vs, en, &cand)
			return
		}
		applyClaim(&en.Binding, c, d)
		if d.Verdict == VerdictAccept && (!old.Location.Equal(en.Location) || old.Seq != en.Seq) {
			en.LastChange = time.Now()
		}
		e.setState(vs, en, d.State)
		e.commit(vs, en, old)

	case VerdictReject:
		e.metrics.IncClaimsRejected(vs.rec.VNI, kind)
		e.logger.Debug("claim rejected",
			slog.String("vni", vs.rec.VNI.String()),
			slog.String(kind.String(), en.Addr()),
			slog.String("origin", c.Origin.String()),
			slog.String("location", c.Location.String()),
			slog.Uint64("seq", uint64(c.Seq)),
			slog.String("holder", en.Location.String()),
			slog.Uint64("holder_seq", uint64(en.Seq)),
		)
		if tripped {
			cand := en.Binding
			e.freeze(vs, en, &cand)
		}
	}
}

// applyClaim copies the claim attributes into b. State is left alone.
func applyClaim(b *Binding, c Claim, d Decision) {
	b.Location = c.Location
	b.Seq = d.Seq
	b.Router = c.Router
	b.Sticky = c.Sticky
	b.Gateway = c.Gateway
	if b.Kind == KindNeigh && c.MAC != nil {
		b.MAC = cloneMAC(c.MAC)
	}
}

// withdraw removes a claim. It reports whether an entry was affected.
// Withdrawals that do not match the current holder are ignored.
func (e *Engine) withdraw(vs *vniState, kind Kind, mac net.HardwareAddr, ip netip.Addr, origin Origin, loc Location) bool {
	en := vs.table(kind).get(mac, ip)
	if en == nil {
		return false
	}

	switch en.State {
	case StateDuplicate:
		touched := false
		if en.candidate != nil && holds(en.candidate.State, en.candidate.Location, origin, loc) {
			en.candidate = nil
			touched = true
		}
		if en.frozen != nil && holds(originState(en.frozen.Origin), en.frozen.Location, origin, loc) {
			en.frozen = nil
			touched = true
		}
		return touched

	case StateLocal, StateRemote:
		if !holds(en.State, en.Location, origin, loc) {
			return false
		}

	default:
		return false
	}

	e.deactivate(vs, en)
	return true
}

// holds reports whether a withdraw from origin at loc matches a holder in
// state at at. A local withdraw without a port matches any local holder.
func holds(state State, at Location, origin Origin, loc Location) bool {
	switch state {
	case StateLocal:
		return origin == OriginLocal && (loc.IfName == "" || at.Equal(loc))
	case StateRemote:
		return origin == OriginRemote && at.VTEP == loc.VTEP
	default:
		return false
	}
}

// deactivate moves an active entry to INACTIVE and removes it from the
// dataplane.
func (e *Engine) deactivate(vs *vniState, en *entry) {
	old := en.Binding
	e.setState(vs, en, StateInactive)
	e.commit(vs, en, old)
}

// setState moves an entry to a new state, keeping metrics and the
// INACTIVE garbage collection timer in step.
func (e *Engine) setState(vs *vniState, en *entry, to State) {
	from := en.State
	if from == to {
		return
	}
	en.State = to
	en.LastChange = time.Now()
	e.metrics.RecordBindingTransition(vs.rec.VNI, en.Kind, from, to)

	if from == StateInactive {
		e.cancel(en.gcTimer)
		en.gcTimer = 0
	}
	if to == StateInactive {
		e.armGC(vs, en)
	}
	if to == StateLocal || to == StateRemote {
		en.LastError = ""
	}
	if to != StateInactive {
		en.sviParked = false
	}
}

// armGC schedules removal of an INACTIVE entry after the hold time.
func (e *Engine) armGC(vs *vniState, en *entry) {
	e.cancel(en.gcTimer)
	en.gcTimer = e.schedule(e.cfg.InactiveHold, func() {
		en.gcTimer = 0
		if en.State != StateInactive || vs.table(en.Kind).get(en.MAC, en.IP) != en {
			return
		}
		e.logger.Debug("inactive entry collected",
			slog.String("vni", vs.rec.VNI.String()),
			slog.String(en.Kind.String(), en.Addr()),
		)
		e.discard(vs, en, false)
	})
}

// discard removes an entry from its table. With withdraw set, a deletion
// notification is emitted whatever the advertisement state.
func (e *Engine) discard(vs *vniState, en *entry, withdraw bool) {
	e.cancel(en.gcTimer)
	e.cancel(en.dadTimer)
	en.gcTimer, en.dadTimer = 0, 0
	if en.active() {
		e.gwIssue(OpUninstall, bindingTarget(vs, &en.Binding))
	}
	if withdraw || en.advertised {
		e.emit(e.bindingNotification(NotifyBindingDelete, vs, en))
		en.advertised = false
	}
	vs.table(en.Kind).delete(en)
	e.metrics.RecordBindingTransition(vs.rec.VNI, en.Kind, en.State, StateNone)
}

// commit programs the dataplane for a change from old and queues the
// outbound notification. The notification leaves once the dataplane
// confirms, or right away when nothing had to be programmed.
func (e *Engine) commit(vs *vniState, en *entry, old Binding) {
	if wantsNotify(old, en) {
		en.notifyPending = true
	}
	if e.program(vs, en, old) {
		return
	}
	if !e.gw.Live(targetKey(bindingTarget(vs, &en.Binding))) {
		e.flushNotify(vs, en)
	}
}

// program issues the dataplane requests that take the entry from old to
// its current state. It reports whether anything was issued.
func (e *Engine) program(vs *vniState, en *entry, old Binding) bool {
	oldOn, newOn := old.active(), en.active()
	switch {
	case oldOn && newOn:
		if old.State != en.State || !old.Location.Equal(en.Location) {
			e.gwIssue(OpUninstall, bindingTarget(vs, &old))
			e.gwIssue(OpInstall, bindingTarget(vs, &en.Binding))
			return true
		}
		if !sameMAC(old.MAC, en.MAC) || old.Router != en.Router || old.Sticky != en.Sticky {
			e.gwIssue(OpInstall, bindingTarget(vs, &en.Binding))
			return true
		}
		return false
	case newOn:
		e.gwIssue(OpInstall, bindingTarget(vs, &en.Binding))
		return true
	case oldOn:
		e.gwIssue(OpUninstall, bindingTarget(vs, &old))
		return true
	}
	return false
}

// bindingTarget builds the dataplane target of a binding.
func bindingTarget(vs *vniState, b *Binding) Target {
	t := Target{
		Kind:     TargetMAC,
		VNI:      vs.rec.VNI,
		MAC:      b.MAC,
		IP:       b.IP,
		Location: b.Location,
		Router:   b.Router,
		Sticky:   b.Sticky,
		Device:   vs.rec.device(),
	}
	if b.Kind == KindNeigh {
		t.Kind = TargetNeigh
	}
	return t
}

// -------------------------------------------------------------------------
// DUPLICATE handling
// -------------------------------------------------------------------------

// freeze marks an entry DUPLICATE. The entry is pulled from the dataplane
// and no notification is sent. cand is the state restored on recovery.
func (e *Engine) freeze(vs *vniState, en *entry, cand *Binding) {
	old := en.Binding
	cand.MAC = cloneMAC(cand.MAC)
	en.candidate = cand
	en.frozen = nil
	en.moves = nil
	en.notifyPending = false
	en.DuplicateSince = time.Now()
	e.setState(vs, en, StateDuplicate)
	e.metrics.IncDADDetections(vs.rec.VNI, en.Kind)

	e.logger.Warn("duplicate address detected",
		slog.String("vni", vs.rec.VNI.String()),
		slog.String(en.Kind.String(), en.Addr()),
		slog.String("location", old.Location.String()),
		slog.Int("max_moves", e.cfg.DAD.MaxMoves),
		slog.Duration("window", e.cfg.DAD.Window),
		slog.Bool("permanent", e.cfg.DAD.FreezePermanent),
	)

	if old.active() {
		e.gwIssue(OpUninstall, bindingTarget(vs, &old))
	}
	if e.cfg.DAD.FreezePermanent {
		return
	}
	en.dadTimer = e.schedule(e.cfg.DAD.Freeze, func() {
		en.dadTimer = 0
		if en.State != StateDuplicate || vs.table(en.Kind).get(en.MAC, en.IP) != en {
			return
		}
		e.recover(vs, en)
	})
}

// recover releases a DUPLICATE entry. It returns to its last accepted state;
// a claim recorded while frozen is then evaluated normally.
func (e *Engine) recover(vs *vniState, en *entry) {
	e.cancel(en.dadTimer)
	en.dadTimer = 0

	old := en.Binding
	cand, frozen := en.candidate, en.frozen
	en.candidate, en.frozen, en.moves = nil, nil, nil
	en.DuplicateSince = time.Time{}
	e.metrics.IncDADRecoveries(vs.rec.VNI, en.Kind)

	to := StateInactive
	if cand != nil {
		en.Location = cand.Location
		en.Seq = cand.Seq
		en.Router, en.Sticky, en.Gateway = cand.Router, cand.Sticky, cand.Gateway
		if en.Kind == KindNeigh {
			en.MAC = cand.MAC
		}
		to = cand.State
	}
	if frozen != nil {
		trial := en.Binding
		trial.State = to
		d := Decide(&trial, *frozen)
		if d.Verdict == VerdictAccept || d.Verdict == VerdictRefresh {
			applyClaim(&en.Binding, *frozen, d)
			to = d.State
		}
	}

	e.setState(vs, en, to)
	e.logger.Info("duplicate address released",
		slog.String("vni", vs.rec.VNI.String()),
		slog.String(en.Kind.String(), en.Addr()),
		slog.String("state", to.String()),
		slog.String("location", en.Location.String()),
	)
	e.commit(vs, en, old)
}
