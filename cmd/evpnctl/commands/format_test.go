package commands

import (
	"errors"
	"strings"
	"testing"

	"github.com/dantte-lp/evpnd/internal/server"
)

func TestRender(t *testing.T) {
	t.Parallel()

	bindings := server.BindingList{Bindings: []server.BindingView{
		{VNI: 100, Kind: "mac", MAC: "00:00:00:00:00:02", State: "Remote", Location: "vtep:192.0.2.20", Seq: 3, Installed: true},
		{VNI: 100, Kind: "neigh", MAC: "00:00:00:00:00:01", IP: "10.0.0.1", State: "Local", Location: "if:swp1", Router: true},
	}}

	tests := []struct {
		name   string
		v      any
		format string
		want   []string
	}{
		{
			name:   "binding table",
			v:      bindings,
			format: formatTable,
			want:   []string{"VNI", "LOCATION", "vtep:192.0.2.20", "router,pending", "10.0.0.1"},
		},
		{
			name:   "binding json",
			v:      bindings,
			format: formatJSON,
			want:   []string{`"bindings": [`, `"seq": 3`, `"router": true`},
		},
		{
			name:   "binding yaml",
			v:      bindings,
			format: formatYAML,
			want:   []string{"bindings:", "seq: 3", "kind: neigh"},
		},
		{
			name:   "l3 vni detail",
			v:      server.VNIView{VNI: 5000, Role: "L3", Up: true, VRF: "tenant1", RouterMAC: "02:bb:00:00:00:01"},
			format: formatTable,
			want:   []string{"vrf tenant1", "Router MAC:", "02:bb:00:00:00:01"},
		},
		{
			name: "dad permanent",
			v: server.ConfigView{DAD: server.DADView{
				Enabled: true, Window: "3m0s", MaxMoves: 5, FreezePermanent: true,
			}},
			format: formatTable,
			want:   []string{"5 moves in 3m0s, freeze permanent"},
		},
		{
			name:   "event line",
			v:      server.EventView{Timestamp: "t0", Kind: "binding-update", VNI: 100, MAC: "00:00:00:00:00:01", Seq: 2},
			format: formatTable,
			want:   []string{"[t0] binding-update vni=100 mac=00:00:00:00:00:01 seq=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := render(tt.v, tt.format)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("output lacks %q:\n%s", w, got)
				}
			}
		})
	}
}

func TestRenderUnsupported(t *testing.T) {
	t.Parallel()

	if _, err := render(server.VNIList{}, "xml"); !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("format xml: got %v, want errUnsupportedFormat", err)
	}
	if _, err := render(struct{}{}, formatTable); !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("unknown type: got %v, want errUnsupportedFormat", err)
	}
}

func TestParseToggle(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{"on": true, "off": false, "true": true, "0": false, "enabled": true} {
		got, err := parseToggle(in)
		if err != nil || got != want {
			t.Errorf("parseToggle(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseToggle("maybe"); !errors.Is(err, errInvalidToggle) {
		t.Errorf("parseToggle(maybe) error = %v", err)
	}
}
