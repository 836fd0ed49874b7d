// Package config manages evpnd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete evpnd configuration.
type Config struct {
	GRPC    GRPCConfig    `koanf:"grpc"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	EVPN    EVPNConfig    `koanf:"evpn"`
	GoBGP   GoBGPConfig   `koanf:"gobgp"`
	Kernel  KernelConfig  `koanf:"kernel"`
	VNIs    []VNIConfig   `koanf:"vnis"`
}

// GRPCConfig holds the ConnectRPC admin server configuration.
type GRPCConfig struct {
	// Addr is the admin listen address (e.g., ":50052").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9101").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// EVPNConfig holds the control-plane parameters handed to the engine.
type EVPNConfig struct {
	// AdvertiseAllVNI gates every outbound route notification.
	AdvertiseAllVNI bool `koanf:"advertise_all_vni"`

	// FloodMode is the default BUM replication mode: "head-end" or
	// "multicast".
	FloodMode string `koanf:"flood_mode"`

	// InactiveHold is how long a withdrawn entry is kept before removal.
	InactiveHold time.Duration `koanf:"inactive_hold"`

	// QueueSize is the capacity of the engine event queue.
	QueueSize int `koanf:"queue_size"`

	// NotifySize is the capacity of the outbound notification channel.
	NotifySize int `koanf:"notify_size"`

	DAD       DADConfig       `koanf:"dad"`
	Dataplane DataplaneConfig `koanf:"dataplane"`
}

// DADConfig holds duplicate address detection parameters.
type DADConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Window          time.Duration `koanf:"window"`
	MaxMoves        int           `koanf:"max_moves"`
	Freeze          time.Duration `koanf:"freeze"`
	FreezePermanent bool          `koanf:"freeze_permanent"`
}

// DataplaneConfig holds the dataplane retry policy and worker count.
type DataplaneConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`

	// Workers is the number of netlink programming workers.
	Workers int `koanf:"workers"`
}

// GoBGPConfig holds the GoBGP integration configuration.
type GoBGPConfig struct {
	// Enabled turns the remote-route feed and the advertiser on.
	Enabled bool `koanf:"enabled"`

	// Addr is the GoBGP gRPC API address (e.g., "127.0.0.1:50051").
	Addr string `koanf:"addr"`

	// RouterID is the local router ID used as the administrator field of
	// route distinguishers and route targets.
	RouterID string `koanf:"router_id"`

	// ASN is the local AS used in auto-derived route targets.
	ASN uint32 `koanf:"asn"`
}

// KernelConfig holds the netlink feed configuration.
type KernelConfig struct {
	// Enabled turns the link and neighbor monitors and the netlink
	// programmer on.
	Enabled bool `koanf:"enabled"`

	// Bridges limits local MAC learning to these bridges. Empty means all
	// bridges that back a registered VNI.
	Bridges []string `koanf:"bridges"`
}

// VNIConfig describes a declarative VNI from the configuration file.
// Each entry is registered on daemon startup and reconciled on SIGHUP.
type VNIConfig struct {
	VNI  uint32 `koanf:"vni"`
	Role string `koanf:"role"`

	Bridge  string `koanf:"bridge"`
	VLAN    uint16 `koanf:"vlan"`
	VRF     string `koanf:"vrf"`
	SVI     string `koanf:"svi"`
	VxlanIf string `koanf:"vxlan_if"`

	LocalIP    string `koanf:"local_ip"`
	McastGroup string `koanf:"mcast_group"`
	RouterMAC  string `koanf:"router_mac"`

	// FloodMode overrides the default flood mode for this VNI.
	FloodMode string `koanf:"flood_mode"`

	AdvertiseSubnet       bool `koanf:"advertise_subnet"`
	AdvertiseGatewayMACIP bool `koanf:"advertise_gw_macip"`
	AdvertiseSVIMACIP     bool `koanf:"advertise_svi_macip"`
}

// ID returns the VNI number as an evpn.VNI.
func (vc VNIConfig) ID() evpn.VNI {
	return evpn.VNI(vc.VNI)
}

// Backing parses the role and kernel objects of the entry.
func (vc VNIConfig) Backing() (evpn.Role, evpn.Backing, error) {
	role, err := evpn.ParseRole(vc.Role)
	if err != nil {
		return 0, evpn.Backing{}, fmt.Errorf("vni %d: %w: %w", vc.VNI, ErrInvalidVNIRole, err)
	}

	b := evpn.Backing{
		Bridge:  vc.Bridge,
		VLAN:    vc.VLAN,
		VRF:     vc.VRF,
		SVI:     vc.SVI,
		VxlanIf: vc.VxlanIf,
	}
	if vc.LocalIP != "" {
		if b.LocalIP, err = netip.ParseAddr(vc.LocalIP); err != nil {
			return 0, evpn.Backing{}, fmt.Errorf("vni %d local_ip %q: %w", vc.VNI, vc.LocalIP, err)
		}
	}
	if vc.McastGroup != "" {
		if b.McastGroup, err = netip.ParseAddr(vc.McastGroup); err != nil {
			return 0, evpn.Backing{}, fmt.Errorf("vni %d mcast_group %q: %w", vc.VNI, vc.McastGroup, err)
		}
		if !b.McastGroup.IsMulticast() {
			return 0, evpn.Backing{}, fmt.Errorf("vni %d mcast_group %s: %w", vc.VNI, b.McastGroup, ErrInvalidMcastGroup)
		}
	}
	if vc.RouterMAC != "" {
		if b.RouterMAC, err = net.ParseMAC(vc.RouterMAC); err != nil {
			return 0, evpn.Backing{}, fmt.Errorf("vni %d router_mac %q: %w", vc.VNI, vc.RouterMAC, err)
		}
	}
	return role, b, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// DAD defaults follow the usual EVPN implementations: five moves within
// 180 seconds freeze an address for 180 seconds.
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			Addr: ":50052",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		EVPN: EVPNConfig{
			AdvertiseAllVNI: true,
			FloodMode:       "head-end",
			InactiveHold:    10 * time.Second,
			QueueSize:       1024,
			NotifySize:      1024,
			DAD: DADConfig{
				Enabled:  true,
				Window:   180 * time.Second,
				MaxMoves: 5,
				Freeze:   180 * time.Second,
			},
			Dataplane: DataplaneConfig{
				MaxAttempts:    5,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				Workers:        1,
			},
		},
		GoBGP: GoBGPConfig{
			Addr: "127.0.0.1:50051",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for evpnd configuration.
// Variables are named EVPND_<section>_<key>, e.g., EVPND_GRPC_ADDR.
const envPrefix = "EVPND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (EVPND_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	EVPND_GRPC_ADDR               -> grpc.addr
//	EVPND_LOG_LEVEL               -> log.level
//	EVPND_EVPN_ADVERTISE_ALL_VNI  -> evpn.advertise_all_vni
//	EVPND_EVPN_DAD_MAX_MOVES      -> evpn.dad.max_moves
//	EVPND_GOBGP_ADDR              -> gobgp.addr
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms EVPND_EVPN_DAD_MAX_MOVES -> evpn.dad.max_moves.
// Known keys are matched exactly so that underscores inside key names
// survive; anything else falls back to replacing every _ with a dot.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if key, ok := envKeys[s]; ok {
		return key
	}
	return strings.ReplaceAll(s, "_", ".")
}

// envKeys maps flattened environment names to koanf keys.
var envKeys = func() map[string]string {
	m := make(map[string]string)
	for key := range defaultMap(DefaultConfig()) {
		m[strings.ReplaceAll(key, ".", "_")] = key
	}
	return m
}()

// defaultMap flattens the scalar defaults into koanf keys.
func defaultMap(d *Config) map[string]any {
	return map[string]any{
		"grpc.addr":                      d.GRPC.Addr,
		"metrics.addr":                   d.Metrics.Addr,
		"metrics.path":                   d.Metrics.Path,
		"log.level":                      d.Log.Level,
		"log.format":                     d.Log.Format,
		"evpn.advertise_all_vni":         d.EVPN.AdvertiseAllVNI,
		"evpn.flood_mode":                d.EVPN.FloodMode,
		"evpn.inactive_hold":             d.EVPN.InactiveHold.String(),
		"evpn.queue_size":                d.EVPN.QueueSize,
		"evpn.notify_size":               d.EVPN.NotifySize,
		"evpn.dad.enabled":               d.EVPN.DAD.Enabled,
		"evpn.dad.window":                d.EVPN.DAD.Window.String(),
		"evpn.dad.max_moves":             d.EVPN.DAD.MaxMoves,
		"evpn.dad.freeze":                d.EVPN.DAD.Freeze.String(),
		"evpn.dad.freeze_permanent":      d.EVPN.DAD.FreezePermanent,
		"evpn.dataplane.max_attempts":    d.EVPN.Dataplane.MaxAttempts,
		"evpn.dataplane.initial_backoff": d.EVPN.Dataplane.InitialBackoff.String(),
		"evpn.dataplane.max_backoff":     d.EVPN.Dataplane.MaxBackoff.String(),
		"evpn.dataplane.workers":         d.EVPN.Dataplane.Workers,
		"gobgp.enabled":                  d.GoBGP.Enabled,
		"gobgp.addr":                     d.GoBGP.Addr,
		"gobgp.router_id":                d.GoBGP.RouterID,
		"gobgp.asn":                      d.GoBGP.ASN,
		"kernel.enabled":                 d.Kernel.Enabled,
	}
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	for key, val := range defaultMap(defaults) {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Engine Config
// -------------------------------------------------------------------------

// Engine converts the evpn section into the engine configuration.
func (c EVPNConfig) Engine() (evpn.Config, error) {
	mode, err := evpn.ParseFloodMode(c.FloodMode)
	if err != nil {
		return evpn.Config{}, fmt.Errorf("evpn.flood_mode: %w", err)
	}
	return evpn.Config{
		AdvertiseAllVNI:  c.AdvertiseAllVNI,
		DefaultFloodMode: mode,
		InactiveHold:     c.InactiveHold,
		DAD:              c.DAD.Engine(),
		Dataplane: evpn.RetryConfig{
			MaxAttempts:    c.Dataplane.MaxAttempts,
			InitialBackoff: c.Dataplane.InitialBackoff,
			MaxBackoff:     c.Dataplane.MaxBackoff,
		},
		QueueSize:  c.QueueSize,
		NotifySize: c.NotifySize,
	}, nil
}

// Engine converts the DAD section into the engine configuration.
func (d DADConfig) Engine() evpn.DADConfig {
	return evpn.DADConfig{
		Enabled:         d.Enabled,
		Window:          d.Window,
		MaxMoves:        d.MaxMoves,
		Freeze:          d.Freeze,
		FreezePermanent: d.FreezePermanent,
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyGRPCAddr indicates the admin listen address is empty.
	ErrEmptyGRPCAddr = errors.New("grpc.addr must not be empty")

	// ErrInvalidFloodMode indicates an unknown flood mode.
	ErrInvalidFloodMode = errors.New("flood_mode must be head-end or multicast")

	// ErrInvalidDADWindow indicates a non-positive DAD window.
	ErrInvalidDADWindow = errors.New("evpn.dad.window must be > 0")

	// ErrInvalidDADMaxMoves indicates a DAD move threshold below one.
	ErrInvalidDADMaxMoves = errors.New("evpn.dad.max_moves must be >= 1")

	// ErrInvalidDADFreeze indicates a non-positive freeze time without a
	// permanent freeze.
	ErrInvalidDADFreeze = errors.New("evpn.dad.freeze must be > 0")

	// ErrInvalidMaxAttempts indicates a dataplane retry limit below one.
	ErrInvalidMaxAttempts = errors.New("evpn.dataplane.max_attempts must be >= 1")

	// ErrInvalidBackoff indicates inconsistent dataplane backoff bounds.
	ErrInvalidBackoff = errors.New("evpn.dataplane backoff must satisfy 0 < initial_backoff <= max_backoff")

	// ErrInvalidWorkers indicates a dataplane worker count below one.
	ErrInvalidWorkers = errors.New("evpn.dataplane.workers must be >= 1")

	// ErrEmptyGoBGPAddr indicates GoBGP is enabled without an address.
	ErrEmptyGoBGPAddr = errors.New("gobgp.addr must not be empty when gobgp is enabled")

	// ErrInvalidRouterID indicates a router ID that is not an IPv4 address.
	ErrInvalidRouterID = errors.New("gobgp.router_id must be an IPv4 address")

	// ErrInvalidVNI indicates a VNI outside 1..16777215.
	ErrInvalidVNI = errors.New("vni must be in 1..16777215")

	// ErrInvalidVNIRole indicates a VNI role other than l2 or l3.
	ErrInvalidVNIRole = errors.New("vni role must be l2 or l3")

	// ErrInvalidVNIBacking indicates a VNI without the kernel objects its
	// role requires.
	ErrInvalidVNIBacking = errors.New("l2 vni needs a bridge and a vlan up to 4094, l3 vni needs a vrf")

	// ErrInvalidMcastGroup indicates a multicast group that is not a
	// multicast address.
	ErrInvalidMcastGroup = errors.New("mcast_group must be a multicast address")

	// ErrDuplicateVNI indicates two entries share the same VNI.
	ErrDuplicateVNI = errors.New("duplicate vni")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}

	if err := validateEVPN(cfg.EVPN); err != nil {
		return err
	}

	if cfg.GoBGP.Enabled && cfg.GoBGP.Addr == "" {
		return ErrEmptyGoBGPAddr
	}

	if cfg.GoBGP.RouterID != "" {
		id, err := netip.ParseAddr(cfg.GoBGP.RouterID)
		if err != nil || !id.Is4() {
			return fmt.Errorf("router_id %q: %w", cfg.GoBGP.RouterID, ErrInvalidRouterID)
		}
	}

	return validateVNIs(cfg.VNIs)
}

func validateEVPN(c EVPNConfig) error {
	if _, err := evpn.ParseFloodMode(c.FloodMode); err != nil {
		return fmt.Errorf("evpn.flood_mode %q: %w", c.FloodMode, ErrInvalidFloodMode)
	}

	if c.DAD.Enabled {
		if c.DAD.Window <= 0 {
			return ErrInvalidDADWindow
		}
		if c.DAD.MaxMoves < 1 {
			return ErrInvalidDADMaxMoves
		}
		if !c.DAD.FreezePermanent && c.DAD.Freeze <= 0 {
			return ErrInvalidDADFreeze
		}
	}

	if c.Dataplane.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	if c.Dataplane.InitialBackoff <= 0 || c.Dataplane.MaxBackoff < c.Dataplane.InitialBackoff {
		return ErrInvalidBackoff
	}

	if c.Dataplane.Workers < 1 {
		return ErrInvalidWorkers
	}

	return nil
}

// validateVNIs checks each declarative VNI entry for correctness.
func validateVNIs(vnis []VNIConfig) error {
	seen := make(map[uint32]struct{}, len(vnis))

	for i, vc := range vnis {
		if !vc.ID().Valid() {
			return fmt.Errorf("vnis[%d] vni %d: %w", i, vc.VNI, ErrInvalidVNI)
		}

		role, b, err := vc.Backing()
		if err != nil {
			return fmt.Errorf("vnis[%d]: %w", i, err)
		}

		switch role {
		case evpn.RoleL2:
			if b.Bridge == "" || b.VLAN > 4094 {
				return fmt.Errorf("vnis[%d] vni %d: %w", i, vc.VNI, ErrInvalidVNIBacking)
			}
		case evpn.RoleL3:
			if b.VRF == "" {
				return fmt.Errorf("vnis[%d] vni %d: %w", i, vc.VNI, ErrInvalidVNIBacking)
			}
		}

		if vc.FloodMode != "" {
			if _, err := evpn.ParseFloodMode(vc.FloodMode); err != nil {
				return fmt.Errorf("vnis[%d] flood_mode %q: %w", i, vc.FloodMode, ErrInvalidFloodMode)
			}
		}

		if _, dup := seen[vc.VNI]; dup {
			return fmt.Errorf("vnis[%d] vni %d: %w", i, vc.VNI, ErrDuplicateVNI)
		}
		seen[vc.VNI] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
