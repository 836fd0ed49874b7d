package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
)

// -------------------------------------------------------------------------
// Netlink shim
// -------------------------------------------------------------------------

// Netlink is the subset of rtnetlink used by this package.
type Netlink interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)

	NeighSet(n *netlink.Neigh) error
	NeighAppend(n *netlink.Neigh) error
	NeighDel(n *netlink.Neigh) error

	// BridgeVlanList returns the VLANs of every bridge port keyed by
	// interface index.
	BridgeVlanList() (map[int32][]*nl.BridgeVlanInfo, error)

	// LinkSubscribe delivers link updates to ch until done is closed.
	// errFn is called once if the subscription breaks.
	LinkSubscribe(ch chan<- netlink.LinkUpdate, done <-chan struct{}, errFn func(error)) error

	// NeighSubscribe delivers neighbor updates to ch until done is closed.
	// errFn is called once if the subscription breaks.
	NeighSubscribe(ch chan<- netlink.NeighUpdate, done <-chan struct{}, errFn func(error)) error
}

// Sentinel errors.
var (
	// ErrLinkNotFound indicates a device named by a request does not exist.
	ErrLinkNotFound = errors.New("link not found")

	// ErrSubscriptionClosed indicates the kernel closed a netlink
	// subscription.
	ErrSubscriptionClosed = errors.New("netlink subscription closed")
)

// Kernel implements Netlink with the host network namespace.
type Kernel struct{}

// LinkByName resolves a device by name.
func (Kernel) LinkByName(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("link %s: %w", name, ErrLinkNotFound)
		}
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	return link, nil
}

// LinkByIndex resolves a device by index.
func (Kernel) LinkByIndex(index int) (netlink.Link, error) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("link index %d: %w", index, ErrLinkNotFound)
		}
		return nil, fmt.Errorf("link index %d: %w", index, err)
	}
	return link, nil
}

// NeighSet adds or replaces a neighbor or FDB entry.
func (Kernel) NeighSet(n *netlink.Neigh) error {
	return netlink.NeighSet(n)
}

// NeighAppend adds an FDB entry next to existing ones with the same MAC.
func (Kernel) NeighAppend(n *netlink.Neigh) error {
	return netlink.NeighAppend(n)
}

// NeighDel removes a neighbor or FDB entry.
func (Kernel) NeighDel(n *netlink.Neigh) error {
	return netlink.NeighDel(n)
}

// BridgeVlanList dumps bridge port VLAN membership.
func (Kernel) BridgeVlanList() (map[int32][]*nl.BridgeVlanInfo, error) {
	return netlink.BridgeVlanList()
}

// LinkSubscribe subscribes to link updates, listing existing links first.
func (Kernel) LinkSubscribe(ch chan<- netlink.LinkUpdate, done <-chan struct{}, errFn func(error)) error {
	return netlink.LinkSubscribeWithOptions(ch, done, netlink.LinkSubscribeOptions{
		ListExisting:  true,
		ErrorCallback: errFn,
	})
}

// NeighSubscribe subscribes to neighbor updates, listing existing entries
// first.
func (Kernel) NeighSubscribe(ch chan<- netlink.NeighUpdate, done <-chan struct{}, errFn func(error)) error {
	return netlink.NeighSubscribeWithOptions(ch, done, netlink.NeighSubscribeOptions{
		ListExisting:  true,
		ErrorCallback: errFn,
	})
}

// -------------------------------------------------------------------------
// Subscription loop
// -------------------------------------------------------------------------

type subscribeFunc[T any] func(done <-chan struct{}, errFn func(error)) (<-chan T, error)

// subscribeLoop feeds updates from subscribe to handle until ctx is
// cancelled. A failed or closed subscription is re-established after an
// exponential backoff that resets once a subscription is up.
func subscribeLoop[T any](ctx context.Context, logger *slog.Logger, subscribe subscribeFunc[T], handle func(context.Context, T)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		done := make(chan struct{})
		errCh := make(chan error, 1)
		ch, err := subscribe(done, func(err error) {
			select {
			case errCh <- err:
			default:
			}
		})
		if err == nil {
			bo.Reset()
			err = consume(ctx, ch, errCh, handle)
		}
		close(done)
		if ch != nil {
			// Unblock the subscriber until it closes ch.
			go func() {
				for range ch {
				}
			}()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		logger.Warn("netlink subscription lost",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func consume[T any](ctx context.Context, ch <-chan T, errCh <-chan error, handle func(context.Context, T)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("netlink subscription: %w", err)
		case u, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			handle(ctx, u)
		}
	}
}
