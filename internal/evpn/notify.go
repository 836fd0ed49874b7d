package evpn

import (
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// NotificationKind is the type of an outbound notification.
type NotificationKind uint8

const (
	// NotifyBindingUpdate announces a local MAC or MAC/IP binding.
	NotifyBindingUpdate NotificationKind = iota + 1

	// NotifyBindingDelete withdraws a previously announced binding.
	NotifyBindingDelete

	// NotifyVTEPDelete reports a VTEP removed from a VNI by teardown.
	NotifyVTEPDelete

	// NotifyVNIAdd announces a VNI and its local tunnel endpoint.
	NotifyVNIAdd

	// NotifyVNIDelete withdraws a VNI and everything announced under it.
	NotifyVNIDelete

	// NotifyVNIUpdate reports changed VNI attributes such as the local IP
	// or router MAC.
	NotifyVNIUpdate

	// NotifyVNIResync asks the routing process to replay remote routes of
	// a VNI.
	NotifyVNIResync
)

// String returns the human-readable name of the notification kind.
func (k NotificationKind) String() string {
	switch k {
	case NotifyBindingUpdate:
		return "binding-update"
	case NotifyBindingDelete:
		return "binding-delete"
	case NotifyVTEPDelete:
		return "vtep-delete"
	case NotifyVNIAdd:
		return "vni-add"
	case NotifyVNIDelete:
		return "vni-delete"
	case NotifyVNIUpdate:
		return "vni-update"
	case NotifyVNIResync:
		return "vni-resync"
	default:
		return "unknown"
	}
}

// Notification is a change the routing process must re-advertise or
// withdraw.
type Notification struct {
	Kind NotificationKind
	VNI  VNI
	Role Role

	// Binding fields, set for binding kinds.
	BindingKind Kind
	MAC         net.HardwareAddr
	IP          netip.Addr
	State       State
	Seq         uint32
	Router      bool
	Sticky      bool
	Gateway     bool

	// VTEP is the removed VTEP for NotifyVTEPDelete and the local tunnel
	// source for VNI kinds.
	VTEP netip.Addr

	// L3VNI and RouterMAC are set on bindings of an L2 VNI that routes
	// through an L3 VNI, and on VNI kinds of an L3 VNI.
	L3VNI     VNI
	RouterMAC net.HardwareAddr

	// FloodMode is the replication mode of an L2 VNI on VNI kinds.
	FloodMode FloodMode

	// AdvertiseSubnet, AdvertiseGatewayMACIP and AdvertiseSVIMACIP mirror
	// the VNI flags on VNI kinds.
	AdvertiseSubnet       bool
	AdvertiseGatewayMACIP bool
	AdvertiseSVIMACIP     bool

	Timestamp time.Time
}

// Notifications returns the receive side of the outbound notification
// channel. When the consumer falls behind, notifications wait in an
// unbounded backlog owned by the engine and are delivered in order once
// it catches up; none is lost.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifyCh
}

// emit sends n without blocking. It goes to the backlog when the channel
// is full or older notifications are still waiting there.
func (e *Engine) emit(n Notification) {
	n.Timestamp = time.Now()
	if e.backlog.Length() == 0 {
		select {
		case e.notifyCh <- n:
			return
		default:
			e.logger.Warn("notification channel full, queueing in backlog",
				slog.String("kind", n.Kind.String()),
				slog.String("vni", n.VNI.String()),
			)
		}
	}
	e.backlog.Add(n)
	e.metrics.IncNotificationsDeferred()
}

// emitVNI sends a VNI-level notification. VNI notifications are not gated
// by AdvertiseAllVNI except for adds and resyncs.
func (e *Engine) emitVNI(kind NotificationKind, vs *vniState) {
	if (kind == NotifyVNIAdd || kind == NotifyVNIResync || kind == NotifyVNIUpdate) && !e.cfg.AdvertiseAllVNI {
		return
	}
	n := Notification{
		Kind:                  kind,
		VNI:                   vs.rec.VNI,
		Role:                  vs.rec.Role,
		VTEP:                  vs.rec.Backing.LocalIP,
		AdvertiseSubnet:       vs.rec.AdvertiseSubnet,
		AdvertiseGatewayMACIP: vs.rec.AdvertiseGatewayMACIP,
		AdvertiseSVIMACIP:     vs.rec.AdvertiseSVIMACIP,
	}
	if vs.vteps != nil {
		n.FloodMode = vs.vteps.mode
	}
	if vs.rec.Role == RoleL3 {
		n.L3VNI = vs.rec.VNI
		n.RouterMAC = cloneMAC(vs.rec.Backing.RouterMAC)
	}
	e.emit(n)
}

// bindingNotification builds the notification for an entry. An SVI
// binding carries the gateway flag only while gateway advertisement is on.
func (e *Engine) bindingNotification(kind NotificationKind, vs *vniState, en *entry) Notification {
	n := Notification{
		Kind:        kind,
		VNI:         vs.rec.VNI,
		Role:        vs.rec.Role,
		BindingKind: en.Kind,
		MAC:         cloneMAC(en.MAC),
		IP:          en.IP,
		State:       en.State,
		Seq:         en.Seq,
		Router:      en.Router,
		Sticky:      en.Sticky,
		Gateway:     en.Gateway && vs.rec.AdvertiseGatewayMACIP,
	}
	if l3, ok := e.reg.l3For(vs); ok && en.Kind == KindNeigh {
		n.L3VNI = l3.rec.VNI
		n.RouterMAC = cloneMAC(l3.rec.Backing.RouterMAC)
	}
	return n
}

// wantsNotify applies the hook rule to an entry that changed from old.
// It fires when the new state is not DUPLICATE, the entry is or was
// advertised as local, and something the routing process sees changed.
func wantsNotify(old Binding, en *entry) bool {
	if en.State == StateDuplicate {
		return false
	}
	if en.State != StateLocal && !en.advertised {
		return false
	}
	return old.State != en.State ||
		!old.Location.Equal(en.Location) ||
		old.Seq != en.Seq ||
		!sameMAC(old.MAC, en.MAC) ||
		old.Router != en.Router ||
		old.Sticky != en.Sticky ||
		old.Gateway != en.Gateway
}

// flushNotify sends the pending notification of an entry. A local entry
// produces an update, any other state withdraws the earlier update.
func (e *Engine) flushNotify(vs *vniState, en *entry) {
	if !en.notifyPending {
		return
	}
	en.notifyPending = false
	if en.State == StateDuplicate {
		return
	}
	if !e.cfg.AdvertiseAllVNI {
		en.advertised = false
		return
	}
	if en.State == StateLocal {
		if en.Gateway && !vs.rec.advertisesSVI() {
			return
		}
		e.emit(e.bindingNotification(NotifyBindingUpdate, vs, en))
		en.advertised = true
		return
	}
	if en.advertised {
		e.emit(e.bindingNotification(NotifyBindingDelete, vs, en))
		en.advertised = false
	}
}
