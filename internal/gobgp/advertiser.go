package gobgp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	apipb "github.com/osrg/gobgp/v3/api"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// -------------------------------------------------------------------------
// Advertiser
// -------------------------------------------------------------------------

// Advertiser consumes engine notifications and originates or withdraws the
// matching EVPN routes in GoBGP.
//
//   - binding-update / binding-delete: type-2 MAC/IP route.
//   - vni-add / vni-update / vni-delete: type-3 inclusive multicast route.
//   - vni-resync: replay of remote routes through the Feed.
//
// The advertiser runs as a single goroutine in the daemon's errgroup and is
// the only writer of its per-VNI state.
type Advertiser struct {
	client Client
	params RouteParams
	feed   *Feed
	logger *slog.Logger

	attempts uint64

	// vnis tracks the announced type-3 route of each VNI.
	vnis map[evpn.VNI]advertisedVNI
}

type advertisedVNI struct {
	vtep netip.Addr
	mode evpn.FloodMode
	imet bool
}

// AdvertiserConfig holds the configuration for an Advertiser.
type AdvertiserConfig struct {
	// Client is the GoBGP gRPC client.
	Client Client

	// Params are stamped on every originated route.
	Params RouteParams

	// Feed, when set, serves vni-resync requests and learns the local
	// VTEP addresses so our own routes are not fed back.
	Feed *Feed

	// Attempts bounds the tries of a single AddPath or DeletePath call.
	// Zero means 3.
	Attempts int

	// Logger is the parent logger. The advertiser adds its own component tag.
	Logger *slog.Logger
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Advertiser{
		client:   cfg.Client,
		params:   cfg.Params,
		feed:     cfg.Feed,
		attempts: uint64(attempts),
		vnis:     make(map[evpn.VNI]advertisedVNI),
		logger: cfg.Logger.With(
			slog.String("component", "gobgp.advertiser"),
			slog.String("router_id", cfg.Params.RouterID.String()),
		),
	}
}

// Run consumes notifications until ctx is cancelled or the channel is
// closed.
//
//	g.Go(func() error {
//	    return adv.Run(gCtx, notifications)
//	})
func (a *Advertiser) Run(ctx context.Context, notifications <-chan evpn.Notification) error {
	a.logger.Info("advertiser started, consuming evpn notifications")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("advertiser stopped")
			return nil

		case n, ok := <-notifications:
			if !ok {
				a.logger.Info("notification channel closed, advertiser stopping")
				return nil
			}
			if err := a.Handle(ctx, n); err != nil {
				a.logger.Error("failed to advertise notification",
					slog.String("kind", n.Kind.String()),
					slog.String("vni", n.VNI.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Handle applies a single notification.
func (a *Advertiser) Handle(ctx context.Context, n evpn.Notification) error {
	a.logger.Debug("received evpn notification",
		slog.String("kind", n.Kind.String()),
		slog.String("vni", n.VNI.String()),
	)

	switch n.Kind {
	case evpn.NotifyBindingUpdate:
		return a.binding(ctx, n, false)

	case evpn.NotifyBindingDelete:
		return a.binding(ctx, n, true)

	case evpn.NotifyVNIAdd, evpn.NotifyVNIUpdate:
		return a.vniUpdate(ctx, n)

	case evpn.NotifyVNIDelete:
		return a.vniDelete(ctx, n.VNI)

	case evpn.NotifyVNIResync:
		if a.feed == nil {
			return nil
		}
		return a.feed.Resync(ctx, n.VNI)

	case evpn.NotifyVTEPDelete:
		// Remote VTEP state is owned by the remote originator's routes.
		return nil

	default:
		return nil
	}
}

func (a *Advertiser) binding(ctx context.Context, n evpn.Notification, withdraw bool) error {
	nh := a.params.RouterID
	if av, ok := a.vnis[n.VNI]; ok && av.vtep.IsValid() {
		nh = av.vtep
	}

	path, err := MACIPPath(a.params, nh, n)
	if err != nil {
		return fmt.Errorf("build mac/ip route: %w", err)
	}

	if withdraw {
		return a.call(ctx, "delete mac/ip route", a.client.DeletePath, path)
	}
	return a.call(ctx, "add mac/ip route", a.client.AddPath, path)
}

func (a *Advertiser) vniUpdate(ctx context.Context, n evpn.Notification) error {
	if n.Role != evpn.RoleL2 {
		// An L3 VNI has no flood list; its router MAC rides on type-2
		// routes of the L2 VNIs.
		return nil
	}

	prev := a.vnis[n.VNI]
	next := advertisedVNI{vtep: n.VTEP, mode: n.FloodMode}
	if next.mode == 0 {
		next.mode = evpn.FloodHeadEnd
	}

	if prev.imet && prev.vtep == next.vtep && prev.mode == next.mode {
		return nil
	}
	if prev.imet {
		if err := a.withdrawIMET(ctx, n.VNI, prev); err != nil {
			return err
		}
	}

	if !next.vtep.IsValid() {
		a.vnis[n.VNI] = next
		return nil
	}
	if a.feed != nil {
		a.feed.AddLocalVTEP(next.vtep)
	}

	path, err := IMETPath(a.params, n.VNI, next.vtep, next.mode)
	if err != nil {
		return fmt.Errorf("build imet route: %w", err)
	}
	if err := a.call(ctx, "add imet route", a.client.AddPath, path); err != nil {
		a.vnis[n.VNI] = next
		return err
	}
	next.imet = true
	a.vnis[n.VNI] = next

	a.logger.Info("vni announced",
		slog.String("vni", n.VNI.String()),
		slog.String("vtep", next.vtep.String()),
		slog.String("flood_mode", next.mode.String()),
	)
	return nil
}

func (a *Advertiser) vniDelete(ctx context.Context, vni evpn.VNI) error {
	av, ok := a.vnis[vni]
	delete(a.vnis, vni)
	if !ok || !av.imet {
		return nil
	}
	if err := a.withdrawIMET(ctx, vni, av); err != nil {
		return err
	}
	a.logger.Info("vni withdrawn", slog.String("vni", vni.String()))
	return nil
}

func (a *Advertiser) withdrawIMET(ctx context.Context, vni evpn.VNI, av advertisedVNI) error {
	path, err := IMETPath(a.params, vni, av.vtep, av.mode)
	if err != nil {
		return fmt.Errorf("build imet route: %w", err)
	}
	return a.call(ctx, "delete imet route", a.client.DeletePath, path)
}

// call runs fn with a short bounded exponential retry.
func (a *Advertiser) call(ctx context.Context, op string, fn func(context.Context, *apipb.Path) error, path *apipb.Path) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), a.attempts-1), ctx)

	try := func() error {
		err := fn(ctx, path)
		if errors.Is(err, ErrClientClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(try, b); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
