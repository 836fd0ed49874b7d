package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// -------------------------------------------------------------------------
// Hub
// -------------------------------------------------------------------------

// Hub fans engine notifications out to WatchEvents streams. A slow
// subscriber loses events instead of stalling the others.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan evpn.Notification]struct{}
	size   int
	logger *slog.Logger
}

// NewHub creates a hub whose subscribers buffer up to size events.
func NewHub(size int, logger *slog.Logger) *Hub {
	if size <= 0 {
		size = 256
	}
	return &Hub{
		subs:   make(map[chan evpn.Notification]struct{}),
		size:   size,
		logger: logger.With(slog.String("component", "server.hub")),
	}
}

// Subscribe registers a subscriber. The returned function unregisters it.
func (h *Hub) Subscribe() (<-chan evpn.Notification, func()) {
	ch := make(chan evpn.Notification, h.size)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Publish delivers n to every subscriber without blocking.
func (h *Hub) Publish(n evpn.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Debug("watcher lagging, event dropped",
				slog.String("kind", n.Kind.String()),
				slog.String("vni", n.VNI.String()),
			)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run copies notifications from in to out and publishes each one. out may
// be nil. Sends to out block, so the consumer of out sees every event in
// order. out is closed when Run returns.
//
// Run is designed to be called as an errgroup goroutine:
//
//	g.Go(func() error { return hub.Run(ctx, engine.Notifications(), advCh) })
func (h *Hub) Run(ctx context.Context, in <-chan evpn.Notification, out chan<- evpn.Notification) error {
	if out != nil {
		defer close(out)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-in:
			if !ok {
				return nil
			}
			h.Publish(n)
			if out == nil {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// -------------------------------------------------------------------------
// WatchEvents
// -------------------------------------------------------------------------

func (s *AdminServer) watchEvents(ctx context.Context, req *connect.Request[structpb.Struct], stream *connect.ServerStream[structpb.Struct]) error {
	var in WatchRequest
	if err := Decode(req.Msg, &in); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}

	// Subscribe before the snapshot so nothing falls in between.
	var events <-chan evpn.Notification
	if s.hub != nil {
		ch, cancel := s.hub.Subscribe()
		defer cancel()
		events = ch
	}

	if in.IncludeCurrent {
		if err := s.sendCurrent(ctx, stream); err != nil {
			return err
		}
	}
	if events == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-events:
			if err := send(stream, eventView(n)); err != nil {
				return err
			}
		}
	}
}

// sendCurrent replays existing VNIs and bindings as add and update events.
func (s *AdminServer) sendCurrent(ctx context.Context, stream *connect.ServerStream[structpb.Struct]) error {
	vnis, err := s.engine.VNIs(ctx)
	if err != nil {
		return connectError(err)
	}
	now := time.Now()
	for _, v := range vnis {
		n := evpn.Notification{
			Kind:      evpn.NotifyVNIAdd,
			VNI:       v.VNI,
			Role:      v.Role,
			VTEP:      v.Backing.LocalIP,
			FloodMode: v.FloodMode,
			Timestamp: now,
		}
		if err := send(stream, eventView(n)); err != nil {
			return err
		}
	}

	bindings, err := s.engine.Bindings(ctx, 0, 0)
	if err != nil {
		return connectError(err)
	}
	for _, b := range bindings {
		n := evpn.Notification{
			Kind:        evpn.NotifyBindingUpdate,
			VNI:         b.VNI,
			Role:        evpn.RoleL2,
			BindingKind: b.Kind,
			MAC:         b.MAC,
			IP:          b.IP,
			State:       b.State,
			Seq:         b.Seq,
			VTEP:        b.Location.VTEP,
			Router:      b.Router,
			Sticky:      b.Sticky,
			Gateway:     b.Gateway,
			Timestamp:   now,
		}
		if err := send(stream, eventView(n)); err != nil {
			return err
		}
	}
	return nil
}

func send(stream *connect.ServerStream[structpb.Struct], v EventView) error {
	msg, err := Encode(v)
	if err != nil {
		return connect.NewError(connect.CodeInternal, err)
	}
	return stream.Send(msg)
}
