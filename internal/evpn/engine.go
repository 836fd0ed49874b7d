package evpn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eapache/queue"
)

// Engine is the EVPN control-plane core. It owns the VNI registry, the VTEP
// membership, the binding tables, duplicate address detection and the
// dataplane gateway.
//
// All state is owned by the goroutine running Run. Public methods enqueue
// a closure on an ordered event queue and wait for its result, so events
// are applied strictly in arrival order and no locks are needed. Timers
// and dataplane completions are delivered through the same queue.
type Engine struct {
	logger  *slog.Logger
	metrics MetricsReporter

	events   chan func()
	notifyCh chan Notification
	done     chan struct{}

	// gw is created once and never replaced; only Next is called from
	// other goroutines.
	gw *Gateway

	// Owned by the Run goroutine.
	cfg     Config
	reg     *registry
	timers  map[uint64]*time.Timer
	timerID uint64

	// backlog holds notifications that did not fit into notifyCh. While it
	// is not empty every new notification is appended to it, so the
	// consumer sees them in order.
	backlog *queue.Queue
}

// Option configures optional Engine parameters.
type Option func(*Engine)

// WithMetrics sets the metrics reporter. A nil reporter is ignored.
func WithMetrics(mr MetricsReporter) Option {
	return func(e *Engine) {
		if mr != nil {
			e.metrics = mr
		}
	}
}

// NewEngine creates an engine. Zero fields of cfg take their defaults,
// except the booleans which are used as given. Call Run to start
// processing events.
func NewEngine(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		logger:   logger.With(slog.String("component", "evpn.engine")),
		metrics:  noopMetrics{},
		events:   make(chan func(), cfg.QueueSize),
		notifyCh: make(chan Notification, cfg.NotifySize),
		done:     make(chan struct{}),
		gw:       NewGateway(cfg.Dataplane),
		cfg:      cfg,
		reg:      newRegistry(),
		timers:   make(map[uint64]*time.Timer),
		backlog:  queue.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes events until ctx is cancelled. On return every timer is
// stopped and the dataplane request queue is closed; consumers of
// NextRequest see the end of the queue once they drained it.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("evpn engine started",
		slog.Bool("advertise_all_vni", e.cfg.AdvertiseAllVNI),
		slog.Bool("dad", e.cfg.DAD.Enabled),
		slog.Int("queue_size", cap(e.events)),
	)
	defer e.shutdown()

	for {
		var out chan<- Notification
		var next Notification
		if e.backlog.Length() > 0 {
			out = e.notifyCh
			next = e.backlog.Peek().(Notification)
		}

		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.events:
			fn()
		case out <- next:
			e.backlog.Remove()
			if e.backlog.Length() == 0 {
				e.logger.Info("notification backlog drained")
			}
		}
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.gw.Close()
	e.logger.Info("evpn engine stopped")
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// -------------------------------------------------------------------------
// Event queue
// -------------------------------------------------------------------------

// do runs fn on the engine goroutine and returns its error. It must never
// be called from the engine goroutine itself.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.events <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

// post enqueues fn without waiting for it. It reports false when the
// engine has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// -------------------------------------------------------------------------
// Timers
// -------------------------------------------------------------------------

// schedule runs fn on the engine goroutine after d and returns a timer id.
// A cancelled timer never runs fn, even if it already fired and its event
// is still queued.
func (e *Engine) schedule(d time.Duration, fn func()) uint64 {
	e.timerID++
	id := e.timerID
	e.timers[id] = time.AfterFunc(d, func() {
		e.post(func() {
			if _, ok := e.timers[id]; !ok {
				return
			}
			delete(e.timers, id)
			fn()
		})
	})
	return id
}

// cancel disarms a timer. Zero and unknown ids are ignored.
func (e *Engine) cancel(id uint64) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

// -------------------------------------------------------------------------
// Dataplane gateway glue
// -------------------------------------------------------------------------

// NextRequest blocks until the next dataplane request is available. It
// returns false after the engine stopped and the queue was drained.
func (e *Engine) NextRequest() (Request, bool) {
	return e.gw.Next()
}

// Complete reports the result of a request. Completions for superseded
// requests are dropped.
func (e *Engine) Complete(octx OpContext, res Result) {
	e.post(func() { e.complete(octx, res) })
}

// gwIssue sends a request through the gateway, cancelling a pending retry
// for the same key.
func (e *Engine) gwIssue(op Op, t Target) OpContext {
	if id := e.gw.RetryTimer(targetKey(t)); id != 0 {
		e.cancel(id)
	}
	e.metrics.IncDataplaneRequests(op)
	octx := e.gw.Issue(op, t)
	e.logger.Debug("dataplane request",
		slog.String("op", op.String()),
		slog.String("target", t.Kind.String()),
		slog.String("vni", t.VNI.String()),
		slog.String("key", octx.Key.Addr),
		slog.Uint64("ctx", octx.ID),
	)
	return octx
}

func (e *Engine) complete(octx OpContext, res Result) {
	req, outcome := e.gw.Resolve(octx, res)
	switch outcome {
	case OutcomeSuperseded:
		e.metrics.IncStaleCompletions()
		e.logger.Debug("stale dataplane completion dropped",
			slog.Uint64("ctx", octx.ID),
			slog.String("target", octx.Key.Kind.String()),
			slog.String("key", octx.Key.Addr),
		)

	case OutcomeRetry:
		delay := e.gw.RetryDelay(octx.Attempt)
		e.logger.Warn("dataplane request failed, retrying",
			slog.String("op", req.Op.String()),
			slog.String("target", octx.Key.Kind.String()),
			slog.String("vni", octx.Key.VNI.String()),
			slog.String("key", octx.Key.Addr),
			slog.Int("attempt", octx.Attempt),
			slog.Duration("backoff", delay),
			slog.String("error", res.Err.Error()),
		)
		id := e.schedule(delay, func() {
			if _, ok := e.gw.Reissue(octx); ok {
				e.metrics.IncDataplaneRequests(req.Op)
			}
		})
		e.gw.SetRetryTimer(octx, id)

	case OutcomeFailure:
		e.metrics.IncDataplaneFailures(req.Op)
		e.logger.Error("dataplane request failed permanently",
			slog.String("op", req.Op.String()),
			slog.String("target", octx.Key.Kind.String()),
			slog.String("vni", octx.Key.VNI.String()),
			slog.String("key", octx.Key.Addr),
			slog.Int("attempts", octx.Attempt),
			slog.String("error", res.Err.Error()),
		)
		e.onFailure(req, fmt.Errorf("%s %s after %d attempts: %w: %w",
			req.Op, octx.Key.Kind, octx.Attempt, ErrDataplaneFailure, res.Err))

	case OutcomeSuccess:
		e.onSuccess(req)
	}
}

// entryFor finds the binding a MAC or neighbor request belongs to.
func (e *Engine) entryFor(t Target) (*vniState, *entry) {
	if t.Kind != TargetMAC && t.Kind != TargetNeigh {
		return nil, nil
	}
	vs, ok := e.reg.lookup(t.VNI)
	if !ok || vs.rec.Role != RoleL2 {
		return nil, nil
	}
	kind := KindMAC
	if t.Kind == TargetNeigh {
		kind = KindNeigh
	}
	en := vs.table(kind).get(t.MAC, t.IP)
	if en == nil {
		return nil, nil
	}
	return vs, en
}

func (e *Engine) onSuccess(req Request) {
	vs, en := e.entryFor(req.Target)
	if en == nil {
		return
	}
	en.Installed = req.Op == OpInstall
	en.LastError = ""
	e.flushNotify(vs, en)
}

// onFailure applies a terminal dataplane failure. An entry that could not
// be programmed goes INACTIVE.
func (e *Engine) onFailure(req Request, err error) {
	vs, en := e.entryFor(req.Target)
	if en == nil {
		return
	}
	en.LastError = err.Error()
	en.Installed = false
	if en.active() {
		old := en.Binding
		e.setState(vs, en, StateInactive)
		if wantsNotify(old, en) {
			en.notifyPending = true
		}
	}
	e.flushNotify(vs, en)
}
