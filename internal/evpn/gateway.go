package evpn

import (
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/channels"
)

// -------------------------------------------------------------------------
// Requests
// -------------------------------------------------------------------------

// Op is a dataplane operation.
type Op uint8

const (
	// OpInstall adds or replaces a forwarding entry.
	OpInstall Op = iota + 1

	// OpUninstall removes a forwarding entry. Removing an absent entry
	// succeeds.
	OpUninstall
)

// String returns the human-readable name of the operation.
func (o Op) String() string {
	switch o {
	case OpInstall:
		return "install"
	case OpUninstall:
		return "uninstall"
	default:
		return "unknown"
	}
}

// TargetKind selects the forwarding table a request acts on.
type TargetKind uint8

const (
	// TargetMAC is a bridge FDB entry.
	TargetMAC TargetKind = iota + 1

	// TargetNeigh is a neighbor entry on the SVI.
	TargetNeigh

	// TargetFlood is the per-VTEP BUM flood entry.
	TargetFlood

	// TargetRouterMAC is an L3 VNI router MAC entry.
	TargetRouterMAC
)

// String returns the human-readable name of the target kind.
func (k TargetKind) String() string {
	switch k {
	case TargetMAC:
		return "mac"
	case TargetNeigh:
		return "neigh"
	case TargetFlood:
		return "flood"
	case TargetRouterMAC:
		return "router-mac"
	default:
		return "unknown"
	}
}

// OpKey identifies the dataplane object a request acts on. At most one
// request per key is live.
type OpKey struct {
	VNI  VNI
	Kind TargetKind
	Addr string
}

// OpContext is the opaque token attached to each request and echoed back
// on completion. ID increases monotonically across the engine lifetime.
type OpContext struct {
	ID      uint64
	Key     OpKey
	Attempt int
}

// Device is the kernel plumbing a request is programmed through.
type Device struct {
	// VxlanIf and VxlanIndex name the VXLAN device.
	VxlanIf    string
	VxlanIndex int

	// Bridge and VLAN locate the L2 domain.
	Bridge string
	VLAN   uint16

	// SVI is the routed interface of the VNI.
	SVI string

	// LocalIP is the local tunnel source.
	LocalIP netip.Addr

	// McastGroup is the underlay group used in multicast flood mode.
	McastGroup netip.Addr
}

// Target is the forwarding entry a request installs or removes.
type Target struct {
	Kind TargetKind
	VNI  VNI

	// MAC is the FDB key of a MAC target, the resolved address of a
	// neighbor target or the router MAC of a router MAC target.
	MAC net.HardwareAddr

	// IP is the neighbor address.
	IP netip.Addr

	// Location is where the entry points: a local port for local bindings,
	// a remote VTEP otherwise.
	Location Location

	// Flood is the replication mode of a flood target.
	Flood FloodMode

	Router bool
	Sticky bool

	Device Device
}

// Request is one unit of dataplane work.
type Request struct {
	Context OpContext
	Op      Op
	Target  Target
}

// Result is what the dataplane reports for a request.
type Result struct {
	// Err is nil on success.
	Err error
}

// -------------------------------------------------------------------------
// Gateway
// -------------------------------------------------------------------------

// Outcome classifies a resolved completion.
type Outcome uint8

const (
	// OutcomeSuccess means the live request completed without error.
	OutcomeSuccess Outcome = iota + 1

	// OutcomeRetry means the live request failed and may be retried.
	OutcomeRetry

	// OutcomeFailure means the live request failed and has no attempts
	// left.
	OutcomeFailure

	// OutcomeSuperseded means the completion belongs to a request that is
	// no longer live. It must be ignored.
	OutcomeSuperseded
)

// String returns the human-readable name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailure:
		return "failure"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// pendingOp is the live request for a key.
type pendingOp struct {
	req   Request
	retry uint64
}

// Gateway issues dataplane requests and matches completions to them.
//
// The request queue is unbounded so that the engine never blocks on a slow
// dataplane consumer. A newer request for a key supersedes the older one:
// the older completion is reported as OutcomeSuperseded whatever it says.
//
// Gateway is owned by the engine goroutine and is not safe for concurrent
// use, except for Next.
type Gateway struct {
	queue  *channels.InfiniteChannel
	retry  RetryConfig
	nextID uint64
	live   map[OpKey]*pendingOp
}

// NewGateway creates a gateway with the given retry policy.
func NewGateway(retry RetryConfig) *Gateway {
	return &Gateway{
		queue: channels.NewInfiniteChannel(),
		retry: retry,
		live:  make(map[OpKey]*pendingOp),
	}
}

// Issue enqueues a request for target and makes it the live request for
// its key. Any earlier request for the same key is superseded.
func (g *Gateway) Issue(op Op, t Target) OpContext {
	return g.issue(op, t, 1)
}

func (g *Gateway) issue(op Op, t Target, attempt int) OpContext {
	g.nextID++
	octx := OpContext{ID: g.nextID, Key: targetKey(t), Attempt: attempt}
	req := Request{Context: octx, Op: op, Target: cloneTarget(t)}
	g.live[octx.Key] = &pendingOp{req: req}
	g.queue.In() <- req
	return octx
}

// Resolve matches a completion to the live request. The returned Request
// is the live request for OutcomeSuccess, OutcomeRetry and OutcomeFailure.
// Success and failure clear the key; retry keeps it live until Reissue.
func (g *Gateway) Resolve(octx OpContext, res Result) (Request, Outcome) {
	p, ok := g.live[octx.Key]
	if !ok || p.req.Context.ID != octx.ID {
		return Request{}, OutcomeSuperseded
	}
	if res.Err == nil {
		delete(g.live, octx.Key)
		return p.req, OutcomeSuccess
	}
	if octx.Attempt < g.retry.MaxAttempts {
		return p.req, OutcomeRetry
	}
	delete(g.live, octx.Key)
	return p.req, OutcomeFailure
}

// SetRetryTimer remembers the engine timer scheduled for the live request
// of octx so that a superseding request can cancel it.
func (g *Gateway) SetRetryTimer(octx OpContext, timer uint64) {
	if p, ok := g.live[octx.Key]; ok && p.req.Context.ID == octx.ID {
		p.retry = timer
	}
}

// RetryTimer returns the retry timer attached to the live request of key.
func (g *Gateway) RetryTimer(key OpKey) uint64 {
	if p, ok := g.live[key]; ok {
		return p.retry
	}
	return 0
}

// Reissue sends the next attempt of a failed request. It returns false when
// octx is no longer live.
func (g *Gateway) Reissue(octx OpContext) (OpContext, bool) {
	p, ok := g.live[octx.Key]
	if !ok || p.req.Context.ID != octx.ID {
		return OpContext{}, false
	}
	return g.issue(p.req.Op, p.req.Target, octx.Attempt+1), true
}

// Live reports whether a request for key is in flight.
func (g *Gateway) Live(key OpKey) bool {
	_, ok := g.live[key]
	return ok
}

// Pending returns the number of live requests.
func (g *Gateway) Pending() int {
	return len(g.live)
}

// RetryDelay returns the backoff before attempt+1, given that attempt
// just failed. Delays grow exponentially from InitialBackoff and are
// capped at MaxBackoff. There is no jitter so that retries are
// reproducible.
func (g *Gateway) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(g.retry.InitialBackoff),
		backoff.WithMaxInterval(g.retry.MaxBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxElapsedTime(0),
	)
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Next blocks until a request is available. It returns false once the
// gateway is closed and every queued request was consumed. Consumers must
// keep calling Next until it returns false.
func (g *Gateway) Next() (Request, bool) {
	v, ok := <-g.queue.Out()
	if !ok {
		return Request{}, false
	}
	req, ok := v.(Request)
	return req, ok
}

// Queued returns the number of requests not yet picked up by Next.
func (g *Gateway) Queued() int {
	return g.queue.Len()
}

// Close stops accepting requests. Queued requests remain readable.
func (g *Gateway) Close() {
	g.queue.Close()
}

// targetKey derives the supersede key of a target.
func targetKey(t Target) OpKey {
	k := OpKey{VNI: t.VNI, Kind: t.Kind}
	switch t.Kind {
	case TargetNeigh:
		k.Addr = t.IP.String()
	case TargetFlood, TargetRouterMAC:
		k.Addr = t.Location.VTEP.String()
	default:
		k.Addr = t.MAC.String()
	}
	return k
}

func cloneTarget(t Target) Target {
	t.MAC = cloneMAC(t.MAC)
	return t
}
