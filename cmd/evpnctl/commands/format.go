// Package commands implements the evpnctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/evpnd/internal/server"
)

const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// render prints a response view in the requested format.
func render(v any, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		return renderYAML(v)
	case formatTable:
		return renderTable(v)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// renderYAML goes through the JSON form so YAML keys match the JSON
// field names.
func renderYAML(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", fmt.Errorf("unmarshal JSON: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal to YAML: %w", err)
	}
	return string(out), nil
}

// --- Table formatters ---

func renderTable(v any) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	switch v := v.(type) {
	case server.VNIList:
		vniTable(w, v.VNIs)
	case server.VNIView:
		vniDetail(w, v)
	case server.BindingList:
		bindingTable(w, v.Bindings)
	case server.BindingView:
		bindingDetail(w, v)
	case server.VTEPList:
		fmt.Fprintf(w, "VNI:\t%d\n", v.VNI)
		fmt.Fprintf(w, "Flood Mode:\t%s\n", v.FloodMode)
		fmt.Fprintf(w, "VTEPs:\t%s\n", orNone(strings.Join(v.VTEPs, ", ")))
	case server.RouterMACList:
		fmt.Fprintln(w, "VTEP\tROUTER-MAC\tHOSTS")
		for _, r := range v.RouterMACs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.VTEP, r.MAC, orNone(strings.Join(r.Hosts, ",")))
		}
	case server.ClearResult:
		fmt.Fprintf(w, "Cleared:\t%d\n", v.Cleared)
	case server.ConfigView:
		configDetail(w, v)
	case server.VersionView:
		fmt.Fprintf(w, "Version:\t%s\n", v.Version)
		fmt.Fprintf(w, "Commit:\t%s\n", v.GitCommit)
		fmt.Fprintf(w, "Built:\t%s\n", v.BuildDate)
	case server.EventView:
		return formatEventLine(v) + "\n", nil
	default:
		return "", fmt.Errorf("%w: no table layout for %T", errUnsupportedFormat, v)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func vniTable(w *tabwriter.Writer, vnis []server.VNIView) {
	fmt.Fprintln(w, "VNI\tROLE\tSTATE\tBACKING\tVXLAN-IF\tFLOOD\tVTEPS\tMACS\tNEIGHS\tDUP")
	for _, v := range vnis {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			v.VNI, v.Role, upDown(v.Up), backing(v), orNone(v.VxlanIf),
			orNone(v.FloodMode), v.VTEPs, v.MACs, v.Neighs, v.Duplicates)
	}
}

func vniDetail(w *tabwriter.Writer, v server.VNIView) {
	fmt.Fprintf(w, "VNI:\t%d\n", v.VNI)
	fmt.Fprintf(w, "Role:\t%s\n", v.Role)
	fmt.Fprintf(w, "State:\t%s\n", upDown(v.Up))
	fmt.Fprintf(w, "Backing:\t%s\n", backing(v))
	fmt.Fprintf(w, "SVI:\t%s\n", orNone(v.SVI))
	fmt.Fprintf(w, "VXLAN Interface:\t%s\n", orNone(v.VxlanIf))
	fmt.Fprintf(w, "Local VTEP:\t%s\n", orNone(v.LocalIP))
	if v.McastGroup != "" {
		fmt.Fprintf(w, "Multicast Group:\t%s\n", v.McastGroup)
	}
	if v.Role == "L3" {
		fmt.Fprintf(w, "Router MAC:\t%s\n", orNone(v.RouterMAC))
		fmt.Fprintf(w, "Remote Router MACs:\t%d\n", v.RouterMACs)
		return
	}
	fmt.Fprintf(w, "Flood Mode:\t%s\n", orNone(v.FloodMode))
	fmt.Fprintf(w, "Remote VTEPs:\t%d\n", v.VTEPs)
	fmt.Fprintf(w, "MACs:\t%d\n", v.MACs)
	fmt.Fprintf(w, "Neighbors:\t%d\n", v.Neighs)
	fmt.Fprintf(w, "Duplicates:\t%d\n", v.Duplicates)
	fmt.Fprintf(w, "Advertise Subnet:\t%t\n", v.AdvertiseSubnet)
	fmt.Fprintf(w, "Advertise Gateway MAC-IP:\t%t\n", v.AdvertiseGatewayMACIP)
	fmt.Fprintf(w, "Advertise SVI MAC-IP:\t%t\n", v.AdvertiseSVIMACIP)
	if v.SVIDown {
		fmt.Fprintf(w, "SVI:\tdown\n")
	}
}

func bindingTable(w *tabwriter.Writer, bs []server.BindingView) {
	fmt.Fprintln(w, "VNI\tKIND\tMAC\tIP\tSTATE\tLOCATION\tSEQ\tFLAGS")
	for _, b := range bs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			b.VNI, b.Kind, orNone(b.MAC), orNone(b.IP), b.State, b.Location, b.Seq, bindingFlags(b))
	}
}

func bindingDetail(w *tabwriter.Writer, b server.BindingView) {
	fmt.Fprintf(w, "VNI:\t%d\n", b.VNI)
	fmt.Fprintf(w, "Kind:\t%s\n", b.Kind)
	fmt.Fprintf(w, "MAC:\t%s\n", orNone(b.MAC))
	if b.Kind == "neigh" {
		fmt.Fprintf(w, "IP:\t%s\n", orNone(b.IP))
	}
	fmt.Fprintf(w, "State:\t%s\n", b.State)
	fmt.Fprintf(w, "Location:\t%s\n", b.Location)
	fmt.Fprintf(w, "Sequence:\t%d\n", b.Seq)
	fmt.Fprintf(w, "Flags:\t%s\n", bindingFlags(b))
	fmt.Fprintf(w, "Installed:\t%t\n", b.Installed)
	fmt.Fprintf(w, "Moves:\t%d\n", b.MoveCount)
	if b.DuplicateSince != "" {
		fmt.Fprintf(w, "Duplicate Since:\t%s\n", b.DuplicateSince)
	}
	fmt.Fprintf(w, "Last Change:\t%s\n", orNone(b.LastChange))
	if b.LastError != "" {
		fmt.Fprintf(w, "Last Error:\t%s\n", b.LastError)
	}
}

func configDetail(w *tabwriter.Writer, c server.ConfigView) {
	fmt.Fprintf(w, "Advertise All VNI:\t%t\n", c.AdvertiseAllVNI)
	fmt.Fprintf(w, "Default Flood Mode:\t%s\n", c.DefaultFloodMode)
	fmt.Fprintf(w, "Inactive Hold:\t%s\n", c.InactiveHold)
	fmt.Fprintf(w, "DAD:\t%s\n", dadSummary(c.DAD))
	fmt.Fprintf(w, "Dataplane Retries:\t%d attempts, %s..%s\n", c.MaxAttempts, c.InitialBackoff, c.MaxBackoff)
}

func dadSummary(d server.DADView) string {
	if !d.Enabled {
		return "disabled"
	}
	freeze := d.Freeze
	if d.FreezePermanent {
		freeze = "permanent"
	}
	return fmt.Sprintf("%d moves in %s, freeze %s", d.MaxMoves, d.Window, freeze)
}

func formatEventLine(e server.EventView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s vni=%d", e.Timestamp, e.Kind, e.VNI)
	for _, kv := range [][2]string{
		{"kind", e.BindingKind},
		{"mac", e.MAC},
		{"ip", e.IP},
		{"state", e.State},
		{"vtep", e.VTEP},
		{"flood", e.FloodMode},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	if e.Seq != 0 {
		fmt.Fprintf(&b, " seq=%d", e.Seq)
	}
	return b.String()
}

// --- Helpers ---

func backing(v server.VNIView) string {
	if v.Role == "L3" {
		return "vrf " + orNone(v.VRF)
	}
	return fmt.Sprintf("%s vlan %d", orNone(v.Bridge), v.VLAN)
}

func bindingFlags(b server.BindingView) string {
	var flags []string
	if b.Sticky {
		flags = append(flags, "sticky")
	}
	if b.Router {
		flags = append(flags, "router")
	}
	if b.Gateway {
		flags = append(flags, "gateway")
	}
	if !b.Installed {
		flags = append(flags, "pending")
	}
	return orNone(strings.Join(flags, ","))
}

func upDown(up bool) string {
	if up {
		return "Up"
	}
	return "Down"
}

func orNone(s string) string {
	if s == "" {
		return valueNone
	}
	return s
}
