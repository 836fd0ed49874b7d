package gobgp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	apipb "github.com/osrg/gobgp/v3/api"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// errWatchEnded reports a watch stream that closed while the feed was
// still running.
var errWatchEnded = errors.New("gobgp watch stream ended")

// RouteSink receives remote routes. *evpn.Engine implements it.
type RouteSink interface {
	RemoteMACIPAdd(ctx context.Context, r evpn.RemoteMACIP) error
	RemoteMACIPDel(ctx context.Context, r evpn.RemoteMACIP) error
	AddVTEP(ctx context.Context, vni evpn.VNI, vtep netip.Addr, mode evpn.FloodMode) error
	RemoveVTEP(ctx context.Context, vni evpn.VNI, vtep netip.Addr) error
}

// -------------------------------------------------------------------------
// Feed
// -------------------------------------------------------------------------

// Feed turns GoBGP best-path events into engine calls.
//
// The feed runs as a single goroutine in the daemon's errgroup. A broken
// watch stream is re-established with exponential backoff; the initial
// table dump of the new stream re-applies every remote route.
type Feed struct {
	client Client
	sink   RouteSink
	self   mapset.Set[netip.Addr]
	logger *slog.Logger

	maxBackoff time.Duration
}

// FeedConfig holds the configuration for a Feed.
type FeedConfig struct {
	// Client is the GoBGP gRPC client.
	Client Client

	// Sink receives decoded remote routes.
	Sink RouteSink

	// LocalVTEPs are the local tunnel addresses. Paths with one of these
	// as next hop are our own and are skipped.
	LocalVTEPs []netip.Addr

	// MaxBackoff caps the delay between watch attempts. Zero means 30s.
	MaxBackoff time.Duration

	// Logger is the parent logger. The feed adds its own component tag.
	Logger *slog.Logger
}

// NewFeed creates a Feed.
func NewFeed(cfg FeedConfig) *Feed {
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Feed{
		client:     cfg.Client,
		sink:       cfg.Sink,
		self:       mapset.NewSet(cfg.LocalVTEPs...),
		maxBackoff: maxBackoff,
		logger:     cfg.Logger.With(slog.String("component", "gobgp.feed")),
	}
}

// AddLocalVTEP marks addr as a local tunnel address.
func (f *Feed) AddLocalVTEP(addr netip.Addr) {
	f.self.Add(addr)
}

// Run watches the EVPN table until ctx is cancelled.
//
//	g.Go(func() error {
//	    return feed.Run(gCtx)
//	})
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("feed started, watching evpn best paths")

	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxInterval(f.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	), ctx)

	op := func() error {
		err := f.client.WatchEVPN(ctx, func(p *apipb.Path) { f.handle(ctx, p) })
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrClientClosed):
			return backoff.Permanent(err)
		case err == nil:
			return errWatchEnded
		default:
			return err
		}
	}
	notify := func(err error, d time.Duration) {
		f.logger.Warn("evpn watch failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", d),
		)
	}

	err := backoff.RetryNotify(op, b, notify)
	if ctx.Err() != nil {
		f.logger.Info("feed stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("gobgp feed: %w", err)
	}
	return nil
}

// Resync re-applies every remote route of vni found in the global table.
func (f *Feed) Resync(ctx context.Context, vni evpn.VNI) error {
	var applied int
	err := f.client.ListEVPN(ctx, func(p *apipb.Path) {
		r, ok := f.decode(p)
		if !ok || r.VNI != vni || r.Withdraw {
			return
		}
		f.apply(ctx, r)
		applied++
	})
	if err != nil {
		return fmt.Errorf("resync vni %s: %w", vni, err)
	}

	f.logger.Debug("vni resynced",
		slog.String("vni", vni.String()),
		slog.Int("routes", applied),
	)
	return nil
}

func (f *Feed) handle(ctx context.Context, p *apipb.Path) {
	if r, ok := f.decode(p); ok {
		f.apply(ctx, r)
	}
}

// decode parses p and drops our own and unsupported paths.
func (f *Feed) decode(p *apipb.Path) (Route, bool) {
	r, err := DecodePath(p)
	if err != nil {
		if errors.Is(err, ErrUnsupportedRoute) {
			f.logger.Debug("ignoring evpn path", slog.String("error", err.Error()))
		} else {
			f.logger.Warn("dropping malformed evpn path", slog.String("error", err.Error()))
		}
		return Route{}, false
	}
	if f.self.Contains(r.VTEP) {
		return Route{}, false
	}
	return r, true
}

func (f *Feed) apply(ctx context.Context, r Route) {
	var err error
	switch {
	case r.Type == RouteMACIP && !r.Withdraw:
		err = f.sink.RemoteMACIPAdd(ctx, r.RemoteMACIP())
	case r.Type == RouteMACIP:
		err = f.sink.RemoteMACIPDel(ctx, r.RemoteMACIP())
	case r.Type == RouteIMET && !r.Withdraw:
		err = f.sink.AddVTEP(ctx, r.VNI, r.VTEP, r.FloodMode)
	case r.Type == RouteIMET:
		err = f.sink.RemoveVTEP(ctx, r.VNI, r.VTEP)
	}
	if err == nil {
		return
	}

	attrs := []any{
		slog.Uint64("route_type", uint64(r.Type)),
		slog.String("vni", r.VNI.String()),
		slog.String("vtep", r.VTEP.String()),
		slog.Bool("withdraw", r.Withdraw),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, evpn.ErrVNINotFound) || errors.Is(err, evpn.ErrRoleMismatch) {
		// Routes of VNIs not configured here.
		f.logger.Debug("remote route not applied", attrs...)
		return
	}
	f.logger.Warn("remote route not applied", attrs...)
}
