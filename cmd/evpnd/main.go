// evpnd daemon -- EVPN/VXLAN control plane for Linux bridges.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/evpnd/internal/config"
	"github.com/dantte-lp/evpnd/internal/evpn"
	"github.com/dantte-lp/evpnd/internal/gobgp"
	evpnmetrics "github.com/dantte-lp/evpnd/internal/metrics"
	"github.com/dantte-lp/evpnd/internal/netio"
	"github.com/dantte-lp/evpnd/internal/server"
	appversion "github.com/dantte-lp/evpnd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// errNoRouterID indicates GoBGP is enabled without a router ID and no VNI
// carries a local VTEP address to fall back on.
var errNoRouterID = errors.New("gobgp.router_id is unset and no vni has a local_ip")

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("evpnd starting",
		slog.String("version", appversion.Short("evpnd")),
		slog.String("grpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("vnis", len(cfg.VNIs)),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := evpnmetrics.NewCollector(reg)

	// 6. Create the engine with metrics wired in.
	engCfg, err := cfg.EVPN.Engine()
	if err != nil {
		logger.Error("invalid evpn configuration", slog.String("error", err.Error()))
		return 1
	}
	eng := evpn.NewEngine(engCfg, logger, evpn.WithMetrics(collector))

	// 7. Run everything.
	d := &daemonState{
		cfg:        cfg,
		configPath: *configPath,
		logLevel:   logLevel,
		eng:        eng,
		reg:        reg,
		logger:     logger,
		fr:         fr,
		declared:   mapset.NewThreadUnsafeSet[evpn.VNI](),
		backings:   make(map[evpn.VNI]declaredVNI),
	}
	if err := d.run(); err != nil {
		logger.Error("evpnd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("evpnd stopped")
	return 0
}

// daemonState is shared by the daemon goroutines. declared holds the VNIs
// registered from the configuration file; only those are removed when a
// reload drops them. backings remembers what each of them was declared
// with. Both are touched by the startup path and the SIGHUP goroutine,
// never concurrently.
type daemonState struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar
	eng        *evpn.Engine
	reg        *prometheus.Registry
	logger     *slog.Logger
	fr         *trace.FlightRecorder
	declared   mapset.Set[evpn.VNI]
	backings   map[evpn.VNI]declaredVNI
}

// declaredVNI is the role and backing a VNI was last declared with.
type declaredVNI struct {
	role    evpn.Role
	backing evpn.Backing
}

// run sets up and runs the engine, its feeds and the HTTP servers using an
// errgroup with signal-aware context for graceful shutdown.
func (d *daemonState) run() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.eng.Run(gCtx)
	})

	hub := server.NewHub(0, d.logger)
	metricsSrv := newMetricsServer(d.cfg.Metrics, d.reg)
	adminSrv := newAdminServer(d.cfg.GRPC, d.eng, hub, d.logger)

	startHTTPServers(gCtx, g, d.cfg, adminSrv, metricsSrv, d.logger)
	d.startDataplane(gCtx, g)

	// Notifications fan out to WatchEvents streams and, when enabled, the
	// BGP advertiser.
	var advCh chan evpn.Notification
	bgpCloser, err := d.startGoBGP(gCtx, g, &advCh)
	if err != nil {
		return fmt.Errorf("start gobgp: %w", err)
	}
	defer closeGoBGPClient(bgpCloser, d.logger)

	g.Go(func() error {
		return hub.Run(gCtx, d.eng.Notifications(), advCh)
	})

	// Register declarative VNIs from config at startup.
	d.reconcileVNIs(gCtx, d.cfg)

	d.startDaemonGoroutines(gCtx, g)
	notifyReady(d.logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, d.logger, d.fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.GRPC.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.GRPC.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func (d *daemonState) startDaemonGoroutines(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return runWatchdog(ctx, d.logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(ctx, sigHUP)
		return nil
	})
}

// -------------------------------------------------------------------------
// Dataplane -- netlink programmer and kernel monitors
// -------------------------------------------------------------------------

// startDataplane runs the netlink programmer and the link and neighbor
// monitors. With the kernel integration disabled, dataplane requests are
// acknowledged without touching the host so the engine state still
// converges.
func (d *daemonState) startDataplane(ctx context.Context, g *errgroup.Group) {
	if !d.cfg.Kernel.Enabled {
		d.logger.Info("kernel integration disabled, dataplane requests are acknowledged only")
		g.Go(func() error {
			for {
				req, ok := d.eng.NextRequest()
				if !ok {
					return nil
				}
				d.logger.Debug("dataplane request acknowledged",
					slog.String("op", req.Op.String()),
					slog.String("target", req.Target.Kind.String()),
					slog.String("vni", req.Target.VNI.String()),
				)
				d.eng.Complete(req.Context, evpn.Result{})
			}
		})
		return
	}

	nl := netio.Kernel{}
	prog := netio.NewFDBProgrammer(d.eng, nl, d.cfg.EVPN.Dataplane.Workers, d.logger)
	linkMon := netio.NewLinkMonitor(nl, d.eng, d.logger)
	neighMon := netio.NewNeighMonitor(nl, d.eng, d.logger, netio.WithBridges(d.cfg.Kernel.Bridges...))

	g.Go(func() error { return prog.Run(ctx) })
	g.Go(func() error { return linkMon.Run(ctx) })
	g.Go(func() error { return neighMon.Run(ctx) })

	d.logger.Info("kernel integration enabled",
		slog.Int("workers", d.cfg.EVPN.Dataplane.Workers),
		slog.Any("bridges", d.cfg.Kernel.Bridges),
	)
}

// -------------------------------------------------------------------------
// GoBGP Integration -- remote routes in, local routes out
// -------------------------------------------------------------------------

// startGoBGP starts the route feed and the advertiser if enabled. The
// advertiser input channel is returned through advCh. Returns the GoBGP
// client for deferred Close, or nil when the integration is disabled.
func (d *daemonState) startGoBGP(ctx context.Context, g *errgroup.Group, advCh *chan evpn.Notification) (gobgp.Client, error) {
	cfg := d.cfg.GoBGP
	if !cfg.Enabled {
		d.logger.Info("gobgp integration disabled")
		return nil, nil
	}

	vteps := localVTEPs(d.cfg)
	params, err := routeParams(cfg, vteps)
	if err != nil {
		return nil, err
	}

	client, err := gobgp.NewGRPCClient(gobgp.GRPCClientConfig{
		Addr: cfg.Addr,
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("create gobgp client: %w", err)
	}

	feed := gobgp.NewFeed(gobgp.FeedConfig{
		Client:     client,
		Sink:       d.eng,
		LocalVTEPs: vteps,
		Logger:     d.logger,
	})
	adv := gobgp.NewAdvertiser(gobgp.AdvertiserConfig{
		Client: client,
		Params: params,
		Feed:   feed,
		Logger: d.logger,
	})

	ch := make(chan evpn.Notification, d.cfg.EVPN.NotifySize)
	*advCh = ch

	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return adv.Run(ctx, ch) })

	d.logger.Info("gobgp integration enabled",
		slog.String("addr", cfg.Addr),
		slog.String("router_id", params.RouterID.String()),
		slog.Uint64("asn", uint64(params.ASN)),
	)

	return client, nil
}

// routeParams derives the values stamped on originated routes. Without an
// explicit router ID the first local VTEP address is used.
func routeParams(cfg config.GoBGPConfig, vteps []netip.Addr) (gobgp.RouteParams, error) {
	rp := gobgp.RouteParams{ASN: cfg.ASN}
	if cfg.RouterID != "" {
		id, err := netip.ParseAddr(cfg.RouterID)
		if err != nil {
			return gobgp.RouteParams{}, fmt.Errorf("router_id %q: %w", cfg.RouterID, err)
		}
		rp.RouterID = id
		return rp, nil
	}
	for _, v := range vteps {
		if v.Is4() {
			rp.RouterID = v
			return rp, nil
		}
	}
	return gobgp.RouteParams{}, errNoRouterID
}

// localVTEPs collects the distinct local tunnel addresses of the
// configured VNIs.
func localVTEPs(cfg *config.Config) []netip.Addr {
	seen := mapset.NewThreadUnsafeSet[netip.Addr]()
	var out []netip.Addr
	for _, vc := range cfg.VNIs {
		_, b, err := vc.Backing()
		if err != nil || !b.LocalIP.IsValid() {
			continue
		}
		if seen.Add(b.LocalIP) {
			out = append(out, b.LocalIP)
		}
	}
	return out
}

// closeGoBGPClient closes the GoBGP client if non-nil, logging any error.
func closeGoBGPClient(client gobgp.Client, logger *slog.Logger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn("failed to close gobgp client",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Declarative VNIs
// -------------------------------------------------------------------------

// reconcileVNIs registers the configured VNIs, applies their per-VNI
// settings and unregisters VNIs a previous configuration declared but the
// current one does not.
func (d *daemonState) reconcileVNIs(ctx context.Context, cfg *config.Config) {
	want := mapset.NewThreadUnsafeSet[evpn.VNI]()
	var registered, failed int

	for _, vc := range cfg.VNIs {
		vni := vc.ID()
		want.Add(vni)
		if err := d.applyVNI(ctx, vc); err != nil {
			failed++
			d.logger.Error("failed to register vni, skipping",
				slog.String("vni", vni.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.declared.Add(vni)
		registered++
	}

	var removed int
	for vni := range d.declared.Difference(want).Iter() {
		err := d.eng.Unregister(ctx, vni)
		if err != nil && !errors.Is(err, evpn.ErrVNINotFound) {
			d.logger.Error("failed to unregister vni",
				slog.String("vni", vni.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.declared.Remove(vni)
		delete(d.backings, vni)
		removed++
	}

	d.logger.Info("vni reconciliation complete",
		slog.Int("registered", registered),
		slog.Int("removed", removed),
		slog.Int("failed", failed),
	)
}

func (d *daemonState) applyVNI(ctx context.Context, vc config.VNIConfig) error {
	role, b, err := vc.Backing()
	if err != nil {
		return err
	}
	vni := vc.ID()
	if err := d.declareVNI(ctx, vni, role, b); err != nil {
		return err
	}
	if role != evpn.RoleL2 {
		return nil
	}
	if vc.FloodMode != "" {
		mode, err := evpn.ParseFloodMode(vc.FloodMode)
		if err != nil {
			return err
		}
		if err := d.eng.SetFloodMode(ctx, vni, mode); err != nil {
			return fmt.Errorf("flood mode: %w", err)
		}
	}
	if err := d.eng.SetAdvertiseSubnet(ctx, vni, vc.AdvertiseSubnet); err != nil {
		return fmt.Errorf("advertise subnet: %w", err)
	}
	if err := d.eng.SetAdvertiseGatewayMACIP(ctx, vni, vc.AdvertiseGatewayMACIP); err != nil {
		return fmt.Errorf("advertise gateway mac-ip: %w", err)
	}
	if err := d.eng.SetAdvertiseSVIMACIP(ctx, vni, vc.AdvertiseSVIMACIP); err != nil {
		return fmt.Errorf("advertise svi mac-ip: %w", err)
	}
	return nil
}

// declareVNI registers a VNI seen for the first time. A VNI declared
// before with a new backing is updated through ApplyInterfaceChange; one
// declared with another role is recreated.
func (d *daemonState) declareVNI(ctx context.Context, vni evpn.VNI, role evpn.Role, b evpn.Backing) error {
	prev, known := d.backings[vni]
	switch {
	case known && prev.role == role:
		if prev.backing.Equal(b) {
			return nil
		}
		if err := d.eng.ApplyInterfaceChange(ctx, evpn.InterfaceChange{VNI: vni, Backing: b}); err != nil {
			return fmt.Errorf("update backing: %w", err)
		}
	case known:
		if err := d.eng.Unregister(ctx, vni); err != nil && !errors.Is(err, evpn.ErrVNINotFound) {
			return fmt.Errorf("unregister %s vni: %w", prev.role, err)
		}
		delete(d.backings, vni)
		if err := d.eng.Register(ctx, vni, role, b); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	default:
		if err := d.eng.Register(ctx, vni, role, b); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}
	d.backings[vni] = declaredVNI{role: role, backing: b}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration -- sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload -- log level, engine settings, VNI reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Blocks until the context is cancelled (graceful shutdown).
func (d *daemonState) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			d.reloadConfig(ctx)
		}
	}
}

// reloadConfig loads a fresh configuration, updates the dynamic log level,
// pushes the runtime-tunable engine settings and reconciles declarative
// VNIs. Errors during reload are logged but do not stop the daemon; the
// previous configuration remains in effect.
func (d *daemonState) reloadConfig(ctx context.Context) {
	newCfg, err := loadConfig(d.configPath)
	if err != nil {
		d.logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := d.logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	d.logLevel.Set(newLevel)

	if err := d.eng.SetDADConfig(ctx, newCfg.EVPN.DAD.Engine()); err != nil {
		d.logger.Error("failed to apply dad config", slog.String("error", err.Error()))
	}
	if err := d.eng.SetAdvertiseAllVNI(ctx, newCfg.EVPN.AdvertiseAllVNI); err != nil {
		d.logger.Error("failed to apply advertise-all-vni", slog.String("error", err.Error()))
	}

	d.logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	d.reconcileVNIs(ctx, newCfg)
	d.cfg = newCfg
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, stops the flight recorder, then shuts
// down the HTTP servers. The engine, feeds and monitors stop on their own
// when the errgroup context is cancelled.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder -- runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder keeps a rolling window of execution trace data for
// post-mortem debugging of stuck dataplane programming or feed stalls.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAdminServer creates an HTTP server for the ConnectRPC admin endpoint.
// The handler is wrapped with h2c so gRPC clients can connect over
// plaintext HTTP/2. Includes standard gRPC health checking.
func newAdminServer(cfg config.GRPCConfig, eng *evpn.Engine, hub *server.Hub, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(eng, hub, logger,
		connect.WithInterceptors(
			server.LoggingInterceptor(logger),
			server.RecoveryInterceptor(logger),
		),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		server.ServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
