// Package server implements the ConnectRPC admin service of the EVPN daemon.
//
// Procedures exchange google.protobuf.Struct messages carrying the JSON
// views defined in api.go, so the service needs no generated code. Each
// procedure is a thin adapter over one administrative Engine call.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/evpnd/internal/evpn"
	appversion "github.com/dantte-lp/evpnd/internal/version"
)

// Engine is the administrative surface the server drives. *evpn.Engine
// implements it.
type Engine interface {
	VNIs(ctx context.Context) ([]evpn.VNISnapshot, error)
	Bindings(ctx context.Context, vni evpn.VNI, kind evpn.Kind) ([]evpn.Binding, error)
	LookupMAC(ctx context.Context, vni evpn.VNI, mac net.HardwareAddr) (evpn.Binding, error)
	LookupNeigh(ctx context.Context, vni evpn.VNI, ip netip.Addr) (evpn.Binding, error)
	DeleteBinding(ctx context.Context, vni evpn.VNI, kind evpn.Kind, mac net.HardwareAddr, ip netip.Addr) error
	VTEPs(ctx context.Context, vni evpn.VNI) ([]netip.Addr, evpn.FloodMode, error)
	RouterMACs(ctx context.Context, l3vni evpn.VNI) ([]evpn.RouterMAC, error)
	ClearDuplicate(ctx context.Context, scope evpn.ClearScope) (int, error)
	SetFloodMode(ctx context.Context, vni evpn.VNI, mode evpn.FloodMode) error
	SetAdvertiseAllVNI(ctx context.Context, on bool) error
	SetAdvertiseSubnet(ctx context.Context, vni evpn.VNI, on bool) error
	SetAdvertiseGatewayMACIP(ctx context.Context, vni evpn.VNI, on bool) error
	SetAdvertiseSVIMACIP(ctx context.Context, vni evpn.VNI, on bool) error
	SetDADConfig(ctx context.Context, cfg evpn.DADConfig) error
	Replay(ctx context.Context, vni evpn.VNI) error
	ReplayAll(ctx context.Context) error
	Config(ctx context.Context) (evpn.Config, error)
}

// errInvalidArgument marks malformed request fields.
var errInvalidArgument = errors.New("invalid argument")

// AdminServer implements the admin procedures.
type AdminServer struct {
	engine Engine
	hub    *Hub
	logger *slog.Logger
}

// New creates the admin service and returns its path prefix and handler.
// hub may be nil, in which case WatchEvents only replays current state.
func New(engine Engine, hub *Hub, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	s := &AdminServer{
		engine: engine,
		hub:    hub,
		logger: logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	unary := func(proc string, fn func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)) {
		mux.Handle(proc, connect.NewUnaryHandler(proc, fn, opts...))
	}

	unary(ProcListVNIs, handle(s.listVNIs))
	unary(ProcGetVNI, handle(s.getVNI))
	unary(ProcListBindings, handle(s.listBindings))
	unary(ProcGetBinding, handle(s.getBinding))
	unary(ProcDeleteBinding, handle(s.deleteBinding))
	unary(ProcListVTEPs, handle(s.listVTEPs))
	unary(ProcListRouterMACs, handle(s.listRouterMACs))
	unary(ProcClearDuplicate, handle(s.clearDuplicate))
	unary(ProcSetFloodMode, handle(s.setFloodMode))
	unary(ProcSetAdvertiseAllVNI, handle(s.setAdvertiseAllVNI))
	unary(ProcSetAdvertiseSubnet, handle(s.setAdvertiseSubnet))
	unary(ProcSetAdvertiseGatewayMACIP, handle(s.setAdvertiseGatewayMACIP))
	unary(ProcSetAdvertiseSVIMACIP, handle(s.setAdvertiseSVIMACIP))
	unary(ProcSetDADConfig, handle(s.setDADConfig))
	unary(ProcReplay, handle(s.replay))
	unary(ProcGetConfig, handle(s.getConfig))
	unary(ProcGetVersion, handle(s.getVersion))
	mux.Handle(ProcWatchEvents, connect.NewServerStreamHandler(ProcWatchEvents, s.watchEvents, opts...))

	return "/" + ServiceName + "/", mux
}

// handle adapts a typed procedure to a Struct-in, Struct-out handler.
func handle[Req, Res any](fn func(context.Context, Req) (Res, error)) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		var in Req
		if err := Decode(req.Msg, &in); err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, connectError(err)
		}
		msg, err := Encode(out)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return connect.NewResponse(msg), nil
	}
}

// connectError maps engine sentinels to Connect codes.
func connectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, evpn.ErrVNINotFound), errors.Is(err, evpn.ErrBindingNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, evpn.ErrConflict):
		code = connect.CodeAlreadyExists
	case errors.Is(err, evpn.ErrRoleMismatch), errors.Is(err, evpn.ErrFloodModeMismatch):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, errInvalidArgument),
		errors.Is(err, evpn.ErrInvalidVNI),
		errors.Is(err, evpn.ErrInvalidMAC),
		errors.Is(err, evpn.ErrInvalidFloodMode),
		errors.Is(err, evpn.ErrInvalidRole),
		errors.Is(err, evpn.ErrInvalidVTEP),
		errors.Is(err, evpn.ErrInvalidDADConfig):
		code = connect.CodeInvalidArgument
	case errors.Is(err, evpn.ErrEngineStopped):
		code = connect.CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	}
	return connect.NewError(code, err)
}

// -------------------------------------------------------------------------
// VNIs
// -------------------------------------------------------------------------

func (s *AdminServer) listVNIs(ctx context.Context, _ Empty) (VNIList, error) {
	snaps, err := s.engine.VNIs(ctx)
	if err != nil {
		return VNIList{}, err
	}
	out := VNIList{VNIs: make([]VNIView, 0, len(snaps))}
	for _, v := range snaps {
		out.VNIs = append(out.VNIs, vniView(v))
	}
	return out, nil
}

func (s *AdminServer) getVNI(ctx context.Context, req VNIRequest) (VNIView, error) {
	vni, err := parseVNI(req.VNI, false)
	if err != nil {
		return VNIView{}, err
	}
	snaps, err := s.engine.VNIs(ctx)
	if err != nil {
		return VNIView{}, err
	}
	for _, v := range snaps {
		if v.VNI == vni {
			return vniView(v), nil
		}
	}
	return VNIView{}, fmt.Errorf("vni %s: %w", vni, evpn.ErrVNINotFound)
}

func (s *AdminServer) listVTEPs(ctx context.Context, req VNIRequest) (VTEPList, error) {
	vni, err := parseVNI(req.VNI, false)
	if err != nil {
		return VTEPList{}, err
	}
	vteps, mode, err := s.engine.VTEPs(ctx, vni)
	if err != nil {
		return VTEPList{}, err
	}
	out := VTEPList{VNI: uint32(vni), FloodMode: mode.String(), VTEPs: make([]string, 0, len(vteps))}
	for _, v := range vteps {
		out.VTEPs = append(out.VTEPs, v.String())
	}
	return out, nil
}

func (s *AdminServer) listRouterMACs(ctx context.Context, req VNIRequest) (RouterMACList, error) {
	vni, err := parseVNI(req.VNI, false)
	if err != nil {
		return RouterMACList{}, err
	}
	rmacs, err := s.engine.RouterMACs(ctx, vni)
	if err != nil {
		return RouterMACList{}, err
	}
	out := RouterMACList{VNI: uint32(vni), RouterMACs: make([]RouterMACView, 0, len(rmacs))}
	for _, r := range rmacs {
		v := RouterMACView{VTEP: r.VTEP.String(), MAC: r.MAC.String()}
		for _, h := range r.Hosts {
			v.Hosts = append(v.Hosts, h.String())
		}
		out.RouterMACs = append(out.RouterMACs, v)
	}
	return out, nil
}

func (s *AdminServer) replay(ctx context.Context, req VNIRequest) (Empty, error) {
	vni, err := parseVNI(req.VNI, true)
	if err != nil {
		return Empty{}, err
	}
	if vni == 0 {
		return Empty{}, s.engine.ReplayAll(ctx)
	}
	return Empty{}, s.engine.Replay(ctx, vni)
}

// -------------------------------------------------------------------------
// Bindings
// -------------------------------------------------------------------------

func (s *AdminServer) listBindings(ctx context.Context, req BindingRequest) (BindingList, error) {
	vni, err := parseVNI(req.VNI, true)
	if err != nil {
		return BindingList{}, err
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		return BindingList{}, err
	}
	bs, err := s.engine.Bindings(ctx, vni, kind)
	if err != nil {
		return BindingList{}, err
	}
	out := BindingList{Bindings: make([]BindingView, 0, len(bs))}
	for _, b := range bs {
		out.Bindings = append(out.Bindings, bindingView(b))
	}
	return out, nil
}

func (s *AdminServer) getBinding(ctx context.Context, req BindingRequest) (BindingView, error) {
	vni, kind, mac, ip, err := parseBindingKey(req)
	if err != nil {
		return BindingView{}, err
	}
	var b evpn.Binding
	if kind == evpn.KindMAC {
		b, err = s.engine.LookupMAC(ctx, vni, mac)
	} else {
		b, err = s.engine.LookupNeigh(ctx, vni, ip)
	}
	if err != nil {
		return BindingView{}, err
	}
	return bindingView(b), nil
}

func (s *AdminServer) deleteBinding(ctx context.Context, req BindingRequest) (Empty, error) {
	vni, kind, mac, ip, err := parseBindingKey(req)
	if err != nil {
		return Empty{}, err
	}
	return Empty{}, s.engine.DeleteBinding(ctx, vni, kind, mac, ip)
}

// -------------------------------------------------------------------------
// Settings
// -------------------------------------------------------------------------

func (s *AdminServer) clearDuplicate(ctx context.Context, req BindingRequest) (ClearResult, error) {
	vni, err := parseVNI(req.VNI, true)
	if err != nil {
		return ClearResult{}, err
	}
	scope := evpn.ClearScope{VNI: vni}
	if req.MAC != "" {
		if scope.MAC, err = evpn.ParseMAC(req.MAC); err != nil {
			return ClearResult{}, err
		}
	}
	if req.IP != "" {
		if scope.IP, err = parseIP(req.IP); err != nil {
			return ClearResult{}, err
		}
	}
	n, err := s.engine.ClearDuplicate(ctx, scope)
	return ClearResult{Cleared: n}, err
}

func (s *AdminServer) setFloodMode(ctx context.Context, req FloodModeRequest) (Empty, error) {
	vni, err := parseVNI(req.VNI, true)
	if err != nil {
		return Empty{}, err
	}
	mode, err := evpn.ParseFloodMode(req.Mode)
	if err != nil {
		return Empty{}, err
	}
	return Empty{}, s.engine.SetFloodMode(ctx, vni, mode)
}

func (s *AdminServer) setAdvertiseAllVNI(ctx context.Context, req FlagRequest) (Empty, error) {
	return Empty{}, s.engine.SetAdvertiseAllVNI(ctx, req.Enabled)
}

func (s *AdminServer) setAdvertiseSubnet(ctx context.Context, req FlagRequest) (Empty, error) {
	vni, err := parseVNI(req.VNI, false)
	if err != nil {
		return Empty{}, err
	}
	return Empty{}, s.engine.SetAdvertiseSubnet(ctx, vni, req.Enabled)
}

func (s *AdminServer) setAdvertiseGatewayMACIP(ctx context.Context, req FlagRequest) (Empty, error) {
	vni, err := parseVNI(req.VNI, true)
	if err != nil {
		return Empty{}, err
	}
	return Empty{}, s.engine.SetAdvertiseGatewayMACIP(ctx, vni, req.Enabled)
}

func (s *AdminServer) setAdvertiseSVIMACIP(ctx context.Context, req FlagRequest) (Empty, error) {
	vni, err := parseVNI(req.VNI, true)
	if err != nil {
		return Empty{}, err
	}
	return Empty{}, s.engine.SetAdvertiseSVIMACIP(ctx, vni, req.Enabled)
}

func (s *AdminServer) setDADConfig(ctx context.Context, req DADRequest) (Empty, error) {
	cfg, err := s.engine.Config(ctx)
	if err != nil {
		return Empty{}, err
	}
	dad := cfg.DAD
	if req.Enabled != nil {
		dad.Enabled = *req.Enabled
	}
	if req.MaxMoves != nil {
		dad.MaxMoves = *req.MaxMoves
	}
	if req.FreezePermanent != nil {
		dad.FreezePermanent = *req.FreezePermanent
	}
	if req.Window != "" {
		if dad.Window, err = time.ParseDuration(req.Window); err != nil {
			return Empty{}, fmt.Errorf("window: %w: %w", errInvalidArgument, err)
		}
	}
	if req.Freeze != "" {
		if dad.Freeze, err = time.ParseDuration(req.Freeze); err != nil {
			return Empty{}, fmt.Errorf("freeze: %w: %w", errInvalidArgument, err)
		}
	}
	return Empty{}, s.engine.SetDADConfig(ctx, dad)
}

func (s *AdminServer) getConfig(ctx context.Context, _ Empty) (ConfigView, error) {
	cfg, err := s.engine.Config(ctx)
	if err != nil {
		return ConfigView{}, err
	}
	return ConfigView{
		AdvertiseAllVNI:  cfg.AdvertiseAllVNI,
		DefaultFloodMode: cfg.DefaultFloodMode.String(),
		InactiveHold:     cfg.InactiveHold.String(),
		DAD: DADView{
			Enabled:         cfg.DAD.Enabled,
			Window:          cfg.DAD.Window.String(),
			MaxMoves:        cfg.DAD.MaxMoves,
			Freeze:          cfg.DAD.Freeze.String(),
			FreezePermanent: cfg.DAD.FreezePermanent,
		},
		MaxAttempts:    cfg.Dataplane.MaxAttempts,
		InitialBackoff: cfg.Dataplane.InitialBackoff.String(),
		MaxBackoff:     cfg.Dataplane.MaxBackoff.String(),
	}, nil
}

func (s *AdminServer) getVersion(context.Context, Empty) (VersionView, error) {
	return VersionView{
		Version:   appversion.Version,
		GitCommit: appversion.GitCommit,
		BuildDate: appversion.BuildDate,
	}, nil
}

// -------------------------------------------------------------------------
// Request parsing
// -------------------------------------------------------------------------

func parseVNI(v uint32, allowAll bool) (evpn.VNI, error) {
	vni := evpn.VNI(v)
	if vni == 0 && allowAll {
		return 0, nil
	}
	if !vni.Valid() {
		return 0, fmt.Errorf("vni %d: %w", v, evpn.ErrInvalidVNI)
	}
	return vni, nil
}

func parseKind(s string) (evpn.Kind, error) {
	switch s {
	case "":
		return 0, nil
	case "mac":
		return evpn.KindMAC, nil
	case "neigh", "ip":
		return evpn.KindNeigh, nil
	default:
		return 0, fmt.Errorf("kind %q: %w", s, errInvalidArgument)
	}
}

func parseIP(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("ip %q: %w", s, errInvalidArgument)
	}
	return ip.Unmap(), nil
}

// parseBindingKey resolves the single entry a request names. The kind is
// inferred from which address is set when not given.
func parseBindingKey(req BindingRequest) (evpn.VNI, evpn.Kind, net.HardwareAddr, netip.Addr, error) {
	vni, err := parseVNI(req.VNI, false)
	if err != nil {
		return 0, 0, nil, netip.Addr{}, err
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		return 0, 0, nil, netip.Addr{}, err
	}
	if kind == 0 {
		kind = evpn.KindMAC
		if req.IP != "" {
			kind = evpn.KindNeigh
		}
	}

	if kind == evpn.KindMAC {
		mac, err := evpn.ParseMAC(req.MAC)
		if err != nil {
			return 0, 0, nil, netip.Addr{}, err
		}
		return vni, kind, mac, netip.Addr{}, nil
	}
	ip, err := parseIP(req.IP)
	if err != nil {
		return 0, 0, nil, netip.Addr{}, err
	}
	return vni, kind, nil, ip, nil
}

// -------------------------------------------------------------------------
// Views
// -------------------------------------------------------------------------

func vniView(v evpn.VNISnapshot) VNIView {
	b := v.Backing
	out := VNIView{
		VNI:                   uint32(v.VNI),
		Role:                  v.Role.String(),
		Up:                    v.Up,
		Bridge:                b.Bridge,
		VLAN:                  b.VLAN,
		VRF:                   b.VRF,
		SVI:                   b.SVI,
		VxlanIf:               b.VxlanIf,
		VTEPs:                 v.VTEPs,
		MACs:                  v.MACs,
		Neighs:                v.Neighs,
		RouterMACs:            v.RouterMACs,
		Duplicates:            v.Duplicates,
		AdvertiseSubnet:       v.AdvertiseSubnet,
		AdvertiseGatewayMACIP: v.AdvertiseGatewayMACIP,
		AdvertiseSVIMACIP:     v.AdvertiseSVIMACIP,
		SVIDown:               v.SVIDown,
	}
	if b.LocalIP.IsValid() {
		out.LocalIP = b.LocalIP.String()
	}
	if b.McastGroup.IsValid() {
		out.McastGroup = b.McastGroup.String()
	}
	if len(b.RouterMAC) > 0 {
		out.RouterMAC = b.RouterMAC.String()
	}
	if v.Role == evpn.RoleL2 {
		out.FloodMode = v.FloodMode.String()
	}
	return out
}

func bindingView(b evpn.Binding) BindingView {
	out := BindingView{
		VNI:       uint32(b.VNI),
		Kind:      b.Kind.String(),
		State:     b.State.String(),
		Location:  b.Location.String(),
		Seq:       b.Seq,
		Router:    b.Router,
		Sticky:    b.Sticky,
		Gateway:   b.Gateway,
		Installed: b.Installed,
		MoveCount: b.MoveCount,
		LastError: b.LastError,
	}
	if len(b.MAC) > 0 {
		out.MAC = b.MAC.String()
	}
	if b.IP.IsValid() {
		out.IP = b.IP.String()
	}
	if !b.DuplicateSince.IsZero() {
		out.DuplicateSince = b.DuplicateSince.Format(time.RFC3339)
	}
	if !b.LastChange.IsZero() {
		out.LastChange = b.LastChange.Format(time.RFC3339)
	}
	return out
}

func eventView(n evpn.Notification) EventView {
	out := EventView{
		Timestamp: n.Timestamp.Format(time.RFC3339Nano),
		Kind:      n.Kind.String(),
		VNI:       uint32(n.VNI),
		Seq:       n.Seq,
		Router:    n.Router,
		Sticky:    n.Sticky,
		Gateway:   n.Gateway,
	}
	if n.Role != 0 {
		out.Role = n.Role.String()
	}
	if n.BindingKind != 0 {
		out.BindingKind = n.BindingKind.String()
		out.State = n.State.String()
	}
	if len(n.MAC) > 0 {
		out.MAC = n.MAC.String()
	}
	if n.IP.IsValid() {
		out.IP = n.IP.String()
	}
	if n.VTEP.IsValid() {
		out.VTEP = n.VTEP.String()
	}
	if n.FloodMode != 0 {
		out.FloodMode = n.FloodMode.String()
	}
	return out
}
