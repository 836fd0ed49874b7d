package netio

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// RequestSource hands out dataplane requests and takes their results.
// *evpn.Engine implements it.
type RequestSource interface {
	// NextRequest blocks until a request is available. It returns false
	// once the source is stopped and drained.
	NextRequest() (evpn.Request, bool)

	// Complete reports the result of a request.
	Complete(octx evpn.OpContext, res evpn.Result)
}

// -------------------------------------------------------------------------
// FDBProgrammer
// -------------------------------------------------------------------------

// FDBProgrammer programs forwarding entries requested by the engine.
//
// Requests are sharded by key over a fixed set of workers so that requests
// for the same object are applied in issue order while unrelated objects
// proceed in parallel.
type FDBProgrammer struct {
	src     RequestSource
	nl      Netlink
	workers int
	logger  *slog.Logger
}

// NewFDBProgrammer creates a programmer with the given number of workers.
func NewFDBProgrammer(src RequestSource, nl Netlink, workers int, logger *slog.Logger) *FDBProgrammer {
	if workers < 1 {
		workers = 1
	}
	return &FDBProgrammer{
		src:     src,
		nl:      nl,
		workers: workers,
		logger:  logger.With(slog.String("component", "netio.fdb")),
	}
}

// Run dispatches requests until the source is drained. The source stops
// handing out requests when the engine stops, so Run does not watch a
// context of its own; ctx only bounds the shard hand-off.
func (p *FDBProgrammer) Run(ctx context.Context) error {
	p.logger.Info("fdb programmer started", slog.Int("workers", p.workers))

	shards := make([]chan evpn.Request, p.workers)
	for i := range shards {
		shards[i] = make(chan evpn.Request, 64)
	}

	var g errgroup.Group
	for _, ch := range shards {
		g.Go(func() error {
			for req := range ch {
				p.src.Complete(req.Context, evpn.Result{Err: p.Apply(req)})
			}
			return nil
		})
	}

	for {
		req, ok := p.src.NextRequest()
		if !ok {
			break
		}
		shard := shards[shardOf(req.Context.Key, p.workers)]
		select {
		case shard <- req:
		case <-ctx.Done():
			// Still report it so the engine can retry or fail it.
			p.src.Complete(req.Context, evpn.Result{Err: ctx.Err()})
		}
	}

	for _, ch := range shards {
		close(ch)
	}
	err := g.Wait()

	p.logger.Info("fdb programmer stopped")
	return err
}

func shardOf(key evpn.OpKey, n int) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d/%d/%s", key.VNI, key.Kind, key.Addr)
	return int(h.Sum32() % uint32(n))
}

// Apply programs a single request. Removing an entry that is already gone
// succeeds.
func (p *FDBProgrammer) Apply(req evpn.Request) error {
	neighs, appendEntry, err := p.entries(req.Target)
	if err != nil {
		return p.fail(req, err)
	}

	for _, n := range neighs {
		switch {
		case req.Op == evpn.OpUninstall:
			err = p.nl.NeighDel(n)
			if errors.Is(err, unix.ENOENT) {
				err = nil
			}
		case appendEntry:
			err = p.nl.NeighAppend(n)
			if errors.Is(err, unix.EEXIST) {
				err = nil
			}
		default:
			err = p.nl.NeighSet(n)
		}
		if err != nil {
			return p.fail(req, err)
		}
	}

	p.logger.Debug("dataplane request applied",
		slog.String("op", req.Op.String()),
		slog.String("target", req.Target.Kind.String()),
		slog.String("vni", req.Target.VNI.String()),
		slog.String("key", req.Context.Key.Addr),
		slog.Int("entries", len(neighs)),
	)
	return nil
}

func (p *FDBProgrammer) fail(req evpn.Request, err error) error {
	p.logger.Warn("dataplane request failed",
		slog.String("op", req.Op.String()),
		slog.String("target", req.Target.Kind.String()),
		slog.String("vni", req.Target.VNI.String()),
		slog.Int("attempt", req.Context.Attempt),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s %s vni %s: %w", req.Op, req.Target.Kind, req.Target.VNI, err)
}

// entries translates a target into the kernel entries that represent it.
// Entries the kernel learns on its own (local dynamic MACs and local
// neighbors) have no programmed representation.
func (p *FDBProgrammer) entries(t evpn.Target) ([]*netlink.Neigh, bool, error) {
	switch t.Kind {
	case evpn.TargetMAC:
		if t.Location.IsRemote() {
			idx, err := p.vxlanIndex(t.Device)
			if err != nil {
				return nil, false, err
			}
			return []*netlink.Neigh{remoteFDB(idx, t)}, false, nil
		}
		if !t.Sticky {
			return nil, false, nil
		}
		idx, err := p.index(t.Location.IfName, t.Location.IfIndex)
		if err != nil {
			return nil, false, err
		}
		return []*netlink.Neigh{{
			Family:       unix.AF_BRIDGE,
			LinkIndex:    idx,
			HardwareAddr: t.MAC,
			Vlan:         int(t.Device.VLAN),
			Flags:        netlink.NTF_MASTER,
			State:        netlink.NUD_NOARP,
		}}, false, nil

	case evpn.TargetNeigh:
		if !t.Location.IsRemote() {
			return nil, false, nil
		}
		idx, err := p.index(t.Device.SVI, 0)
		if err != nil {
			return nil, false, err
		}
		return []*netlink.Neigh{remoteNeigh(idx, t)}, false, nil

	case evpn.TargetFlood:
		if t.Flood == evpn.FloodMulticast {
			// BUM traffic follows the group configured on the device.
			return nil, false, nil
		}
		idx, err := p.vxlanIndex(t.Device)
		if err != nil {
			return nil, false, err
		}
		return []*netlink.Neigh{{
			Family:       unix.AF_BRIDGE,
			LinkIndex:    idx,
			HardwareAddr: zeroMAC,
			IP:           t.Location.VTEP.AsSlice(),
			Flags:        netlink.NTF_SELF,
			State:        netlink.NUD_NOARP | netlink.NUD_PERMANENT,
		}}, true, nil

	case evpn.TargetRouterMAC:
		idx, err := p.vxlanIndex(t.Device)
		if err != nil {
			return nil, false, err
		}
		return []*netlink.Neigh{{
			Family:       unix.AF_BRIDGE,
			LinkIndex:    idx,
			HardwareAddr: t.MAC,
			IP:           t.Location.VTEP.AsSlice(),
			Flags:        netlink.NTF_SELF | netlink.NTF_MASTER | netlink.NTF_EXT_LEARNED,
			State:        netlink.NUD_NOARP,
		}}, false, nil
	}
	return nil, false, fmt.Errorf("target kind %d: %w", t.Kind, errors.ErrUnsupported)
}

var zeroMAC = make([]byte, 6)

// remoteFDB points a MAC at a remote VTEP. The entry is added to the
// bridge and to the VXLAN device in one message. Sticky MACs are static.
func remoteFDB(vxlanIndex int, t evpn.Target) *netlink.Neigh {
	n := &netlink.Neigh{
		Family:       unix.AF_BRIDGE,
		LinkIndex:    vxlanIndex,
		HardwareAddr: t.MAC,
		IP:           t.Location.VTEP.AsSlice(),
		Vlan:         int(t.Device.VLAN),
		Flags:        netlink.NTF_SELF | netlink.NTF_MASTER,
		State:        netlink.NUD_REACHABLE,
	}
	if t.Sticky {
		n.State |= netlink.NUD_NOARP
	} else {
		n.Flags |= netlink.NTF_EXT_LEARNED
	}
	return n
}

// remoteNeigh installs a remote host on the SVI.
func remoteNeigh(sviIndex int, t evpn.Target) *netlink.Neigh {
	family := unix.AF_INET
	if t.IP.Is6() {
		family = unix.AF_INET6
	}
	n := &netlink.Neigh{
		Family:       family,
		LinkIndex:    sviIndex,
		IP:           t.IP.AsSlice(),
		HardwareAddr: t.MAC,
		Flags:        netlink.NTF_EXT_LEARNED,
		State:        netlink.NUD_NOARP,
	}
	if t.Router && t.IP.Is6() {
		n.Flags |= netlink.NTF_ROUTER
	}
	return n
}

func (p *FDBProgrammer) vxlanIndex(d evpn.Device) (int, error) {
	return p.index(d.VxlanIf, d.VxlanIndex)
}

func (p *FDBProgrammer) index(name string, index int) (int, error) {
	if index > 0 {
		return index, nil
	}
	if name == "" {
		return 0, fmt.Errorf("unnamed device: %w", ErrLinkNotFound)
	}
	link, err := p.nl.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}
