package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/evpnd/internal/config"
	"github.com/dantte-lp/evpnd/internal/evpn"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.GRPC.Addr != ":50052" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":50052")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if !cfg.EVPN.AdvertiseAllVNI {
		t.Error("EVPN.AdvertiseAllVNI = false, want true")
	}

	if cfg.EVPN.DAD.MaxMoves != 5 || cfg.EVPN.DAD.Window != 180*time.Second {
		t.Errorf("EVPN.DAD = %+v, want 5 moves in 180s", cfg.EVPN.DAD)
	}

	if cfg.EVPN.Dataplane.MaxAttempts != 5 {
		t.Errorf("EVPN.Dataplane.MaxAttempts = %d, want 5", cfg.EVPN.Dataplane.MaxAttempts)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}

	ec, err := cfg.EVPN.Engine()
	if err != nil {
		t.Fatalf("Engine() error: %v", err)
	}
	if ec.DefaultFloodMode != evpn.FloodHeadEnd {
		t.Errorf("engine flood mode = %s, want head-end", ec.DefaultFloodMode)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
grpc:
  addr: ":60000"
log:
  level: "debug"
  format: "text"
evpn:
  advertise_all_vni: false
  flood_mode: "multicast"
  inactive_hold: "30s"
  dad:
    enabled: true
    window: "60s"
    max_moves: 3
    freeze: "30s"
  dataplane:
    max_attempts: 7
    initial_backoff: "50ms"
    max_backoff: "2s"
    workers: 4
gobgp:
  enabled: true
  addr: "10.0.0.1:50051"
  router_id: "192.0.2.1"
  asn: 65001
vnis:
  - vni: 100
    role: l2
    bridge: br0
    vlan: 10
    svi: vlan10
    vxlan_if: vxlan100
    local_ip: "192.0.2.1"
    advertise_gw_macip: true
    advertise_svi_macip: true
  - vni: 5000
    role: l3
    vrf: tenant1
    router_mac: "02:00:5e:00:53:01"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.GRPC.Addr != ":60000" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":60000")
	}

	if cfg.EVPN.AdvertiseAllVNI {
		t.Error("EVPN.AdvertiseAllVNI = true, want false")
	}

	if cfg.EVPN.InactiveHold != 30*time.Second {
		t.Errorf("EVPN.InactiveHold = %v, want 30s", cfg.EVPN.InactiveHold)
	}

	if cfg.EVPN.DAD.MaxMoves != 3 || cfg.EVPN.DAD.Freeze != 30*time.Second {
		t.Errorf("EVPN.DAD = %+v, want 3 moves, 30s freeze", cfg.EVPN.DAD)
	}

	if cfg.EVPN.Dataplane.Workers != 4 || cfg.EVPN.Dataplane.InitialBackoff != 50*time.Millisecond {
		t.Errorf("EVPN.Dataplane = %+v", cfg.EVPN.Dataplane)
	}

	if !cfg.GoBGP.Enabled || cfg.GoBGP.ASN != 65001 {
		t.Errorf("GoBGP = %+v", cfg.GoBGP)
	}

	if len(cfg.VNIs) != 2 {
		t.Fatalf("len(VNIs) = %d, want 2", len(cfg.VNIs))
	}

	role, b, err := cfg.VNIs[0].Backing()
	if err != nil {
		t.Fatalf("VNIs[0].Backing() error: %v", err)
	}
	if role != evpn.RoleL2 || b.Bridge != "br0" || b.VLAN != 10 || b.VxlanIf != "vxlan100" {
		t.Errorf("VNIs[0] = %s %+v", role, b)
	}
	if !cfg.VNIs[0].AdvertiseGatewayMACIP {
		t.Error("VNIs[0].AdvertiseGatewayMACIP = false, want true")
	}
	if !cfg.VNIs[0].AdvertiseSVIMACIP {
		t.Error("VNIs[0].AdvertiseSVIMACIP = false, want true")
	}

	role, b, err = cfg.VNIs[1].Backing()
	if err != nil {
		t.Fatalf("VNIs[1].Backing() error: %v", err)
	}
	if role != evpn.RoleL3 || b.VRF != "tenant1" || b.RouterMAC.String() != "02:00:5e:00:53:01" {
		t.Errorf("VNIs[1] = %s %+v", role, b)
	}

	ec, err := cfg.EVPN.Engine()
	if err != nil {
		t.Fatalf("Engine() error: %v", err)
	}
	if ec.DefaultFloodMode != evpn.FloodMulticast || ec.Dataplane.MaxAttempts != 7 {
		t.Errorf("engine config = %+v", ec)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override grpc.addr and one DAD key.
	yamlContent := `
grpc:
  addr: ":55555"
evpn:
  dad:
    max_moves: 9
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.GRPC.Addr != ":55555" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":55555")
	}

	if cfg.EVPN.DAD.MaxMoves != 9 {
		t.Errorf("EVPN.DAD.MaxMoves = %d, want 9", cfg.EVPN.DAD.MaxMoves)
	}

	// Inherited defaults.
	if cfg.EVPN.DAD.Window != 180*time.Second {
		t.Errorf("EVPN.DAD.Window = %v, want default 180s", cfg.EVPN.DAD.Window)
	}

	if !cfg.EVPN.DAD.Enabled {
		t.Error("EVPN.DAD.Enabled = false, want default true")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EVPND_EVPN_DAD_MAX_MOVES", "11")
	t.Setenv("EVPND_EVPN_ADVERTISE_ALL_VNI", "false")
	t.Setenv("EVPND_GRPC_ADDR", ":7000")

	path := writeTemp(t, "log:\n  level: warn\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.EVPN.DAD.MaxMoves != 11 {
		t.Errorf("EVPN.DAD.MaxMoves = %d, want 11", cfg.EVPN.DAD.MaxMoves)
	}
	if cfg.EVPN.AdvertiseAllVNI {
		t.Error("EVPN.AdvertiseAllVNI = true, want false from env")
	}
	if cfg.GRPC.Addr != ":7000" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":7000")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty grpc addr",
			modify: func(cfg *config.Config) {
				cfg.GRPC.Addr = ""
			},
			wantErr: config.ErrEmptyGRPCAddr,
		},
		{
			name: "unknown flood mode",
			modify: func(cfg *config.Config) {
				cfg.EVPN.FloodMode = "broadcast"
			},
			wantErr: config.ErrInvalidFloodMode,
		},
		{
			name: "zero dad window",
			modify: func(cfg *config.Config) {
				cfg.EVPN.DAD.Window = 0
			},
			wantErr: config.ErrInvalidDADWindow,
		},
		{
			name: "zero dad max moves",
			modify: func(cfg *config.Config) {
				cfg.EVPN.DAD.MaxMoves = 0
			},
			wantErr: config.ErrInvalidDADMaxMoves,
		},
		{
			name: "zero freeze",
			modify: func(cfg *config.Config) {
				cfg.EVPN.DAD.Freeze = 0
			},
			wantErr: config.ErrInvalidDADFreeze,
		},
		{
			name: "zero max attempts",
			modify: func(cfg *config.Config) {
				cfg.EVPN.Dataplane.MaxAttempts = 0
			},
			wantErr: config.ErrInvalidMaxAttempts,
		},
		{
			name: "max backoff below initial",
			modify: func(cfg *config.Config) {
				cfg.EVPN.Dataplane.MaxBackoff = time.Millisecond
			},
			wantErr: config.ErrInvalidBackoff,
		},
		{
			name: "zero workers",
			modify: func(cfg *config.Config) {
				cfg.EVPN.Dataplane.Workers = 0
			},
			wantErr: config.ErrInvalidWorkers,
		},
		{
			name: "gobgp without addr",
			modify: func(cfg *config.Config) {
				cfg.GoBGP.Enabled = true
				cfg.GoBGP.Addr = ""
			},
			wantErr: config.ErrEmptyGoBGPAddr,
		},
		{
			name: "ipv6 router id",
			modify: func(cfg *config.Config) {
				cfg.GoBGP.RouterID = "2001:db8::1"
			},
			wantErr: config.ErrInvalidRouterID,
		},
		{
			name: "vni out of range",
			modify: func(cfg *config.Config) {
				cfg.VNIs = []config.VNIConfig{{VNI: 1 << 24, Role: "l2", Bridge: "br0", VLAN: 10}}
			},
			wantErr: config.ErrInvalidVNI,
		},
		{
			name: "unknown role",
			modify: func(cfg *config.Config) {
				cfg.VNIs = []config.VNIConfig{{VNI: 100, Role: "l4"}}
			},
			wantErr: config.ErrInvalidVNIRole,
		},
		{
			name: "l2 without bridge",
			modify: func(cfg *config.Config) {
				cfg.VNIs = []config.VNIConfig{{VNI: 100, Role: "l2", VLAN: 10}}
			},
			wantErr: config.ErrInvalidVNIBacking,
		},
		{
			name: "l3 without vrf",
			modify: func(cfg *config.Config) {
				cfg.VNIs = []config.VNIConfig{{VNI: 5000, Role: "l3"}}
			},
			wantErr: config.ErrInvalidVNIBacking,
		},
		{
			name: "unicast mcast group",
			modify: func(cfg *config.Config) {
				cfg.VNIs = []config.VNIConfig{{VNI: 100, Role: "l2", Bridge: "br0", VLAN: 10, McastGroup: "192.0.2.1"}}
			},
			wantErr: config.ErrInvalidMcastGroup,
		},
		{
			name: "duplicate vni",
			modify: func(cfg *config.Config) {
				cfg.VNIs = []config.VNIConfig{
					{VNI: 100, Role: "l2", Bridge: "br0", VLAN: 10},
					{VNI: 100, Role: "l2", Bridge: "br0", VLAN: 20},
				}
			},
			wantErr: config.ErrDuplicateVNI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePermanentFreeze(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.EVPN.DAD.Freeze = 0
	cfg.EVPN.DAD.FreezePermanent = true

	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() with permanent freeze: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "Error", want: slog.LevelError},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "evpnd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
