package server

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the admin service.
const ServiceName = "evpnd.v1.AdminService"

// Procedure paths. Every procedure takes and returns a
// google.protobuf.Struct holding one of the JSON views below.
const (
	ProcListVNIs                 = "/" + ServiceName + "/ListVNIs"
	ProcGetVNI                   = "/" + ServiceName + "/GetVNI"
	ProcListBindings             = "/" + ServiceName + "/ListBindings"
	ProcGetBinding               = "/" + ServiceName + "/GetBinding"
	ProcDeleteBinding            = "/" + ServiceName + "/DeleteBinding"
	ProcListVTEPs                = "/" + ServiceName + "/ListVTEPs"
	ProcListRouterMACs           = "/" + ServiceName + "/ListRouterMACs"
	ProcClearDuplicate           = "/" + ServiceName + "/ClearDuplicate"
	ProcSetFloodMode             = "/" + ServiceName + "/SetFloodMode"
	ProcSetAdvertiseAllVNI       = "/" + ServiceName + "/SetAdvertiseAllVNI"
	ProcSetAdvertiseSubnet       = "/" + ServiceName + "/SetAdvertiseSubnet"
	ProcSetAdvertiseGatewayMACIP = "/" + ServiceName + "/SetAdvertiseGatewayMACIP"
	ProcSetAdvertiseSVIMACIP     = "/" + ServiceName + "/SetAdvertiseSVIMACIP"
	ProcSetDADConfig             = "/" + ServiceName + "/SetDADConfig"
	ProcReplay                   = "/" + ServiceName + "/Replay"
	ProcGetConfig                = "/" + ServiceName + "/GetConfig"
	ProcGetVersion               = "/" + ServiceName + "/GetVersion"
	ProcWatchEvents              = "/" + ServiceName + "/WatchEvents"
)

// -------------------------------------------------------------------------
// Requests
// -------------------------------------------------------------------------

// VNIRequest selects a VNI. Zero selects every VNI where allowed.
type VNIRequest struct {
	VNI uint32 `json:"vni"`
}

// BindingRequest selects bindings. Kind is "mac", "neigh" or empty; MAC
// and IP narrow the selection to one entry.
type BindingRequest struct {
	VNI  uint32 `json:"vni"`
	Kind string `json:"kind,omitempty"`
	MAC  string `json:"mac,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// FloodModeRequest sets the flood mode of a VNI, or of every L2 VNI when
// VNI is zero.
type FloodModeRequest struct {
	VNI  uint32 `json:"vni"`
	Mode string `json:"mode"`
}

// FlagRequest toggles a boolean setting, per VNI where applicable.
type FlagRequest struct {
	VNI     uint32 `json:"vni,omitempty"`
	Enabled bool   `json:"enabled"`
}

// DADRequest updates DAD parameters. Absent fields keep their value.
// Durations use time.ParseDuration syntax.
type DADRequest struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Window          string `json:"window,omitempty"`
	MaxMoves        *int   `json:"max_moves,omitempty"`
	Freeze          string `json:"freeze,omitempty"`
	FreezePermanent *bool  `json:"freeze_permanent,omitempty"`
}

// WatchRequest opens an event stream.
type WatchRequest struct {
	// IncludeCurrent replays existing VNIs and bindings before live events.
	IncludeCurrent bool `json:"include_current,omitempty"`
}

// -------------------------------------------------------------------------
// Views
// -------------------------------------------------------------------------

// VNIView is one VNI.
type VNIView struct {
	VNI        uint32 `json:"vni"`
	Role       string `json:"role"`
	Up         bool   `json:"up"`
	Bridge     string `json:"bridge,omitempty"`
	VLAN       uint16 `json:"vlan,omitempty"`
	VRF        string `json:"vrf,omitempty"`
	SVI        string `json:"svi,omitempty"`
	VxlanIf    string `json:"vxlan_if,omitempty"`
	LocalIP    string `json:"local_ip,omitempty"`
	McastGroup string `json:"mcast_group,omitempty"`
	RouterMAC  string `json:"router_mac,omitempty"`
	FloodMode  string `json:"flood_mode,omitempty"`

	VTEPs      int `json:"vteps"`
	MACs       int `json:"macs"`
	Neighs     int `json:"neighs"`
	RouterMACs int `json:"router_macs"`
	Duplicates int `json:"duplicates"`

	SVIDown bool `json:"svi_down,omitempty"`

	AdvertiseSubnet       bool `json:"advertise_subnet"`
	AdvertiseGatewayMACIP bool `json:"advertise_gw_macip"`
	AdvertiseSVIMACIP     bool `json:"advertise_svi_macip"`
}

// VNIList is the ListVNIs response.
type VNIList struct {
	VNIs []VNIView `json:"vnis"`
}

// BindingView is one MAC or neighbor entry.
type BindingView struct {
	VNI            uint32 `json:"vni"`
	Kind           string `json:"kind"`
	MAC            string `json:"mac,omitempty"`
	IP             string `json:"ip,omitempty"`
	State          string `json:"state"`
	Location       string `json:"location"`
	Seq            uint32 `json:"seq"`
	Router         bool   `json:"router,omitempty"`
	Sticky         bool   `json:"sticky,omitempty"`
	Gateway        bool   `json:"gateway,omitempty"`
	Installed      bool   `json:"installed"`
	MoveCount      int    `json:"move_count,omitempty"`
	DuplicateSince string `json:"duplicate_since,omitempty"`
	LastChange     string `json:"last_change,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// BindingList is the ListBindings response.
type BindingList struct {
	Bindings []BindingView `json:"bindings"`
}

// VTEPList is the ListVTEPs response.
type VTEPList struct {
	VNI       uint32   `json:"vni"`
	FloodMode string   `json:"flood_mode"`
	VTEPs     []string `json:"vteps"`
}

// RouterMACView is the router MAC of one remote VTEP in an L3 VNI.
type RouterMACView struct {
	VTEP  string   `json:"vtep"`
	MAC   string   `json:"mac"`
	Hosts []string `json:"hosts,omitempty"`
}

// RouterMACList is the ListRouterMACs response.
type RouterMACList struct {
	VNI        uint32          `json:"vni"`
	RouterMACs []RouterMACView `json:"router_macs"`
}

// ClearResult is the ClearDuplicate response.
type ClearResult struct {
	Cleared int `json:"cleared"`
}

// DADView is the DAD part of ConfigView.
type DADView struct {
	Enabled         bool   `json:"enabled"`
	Window          string `json:"window"`
	MaxMoves        int    `json:"max_moves"`
	Freeze          string `json:"freeze"`
	FreezePermanent bool   `json:"freeze_permanent"`
}

// ConfigView is the GetConfig response.
type ConfigView struct {
	AdvertiseAllVNI  bool    `json:"advertise_all_vni"`
	DefaultFloodMode string  `json:"default_flood_mode"`
	InactiveHold     string  `json:"inactive_hold"`
	DAD              DADView `json:"dad"`
	MaxAttempts      int     `json:"dataplane_max_attempts"`
	InitialBackoff   string  `json:"dataplane_initial_backoff"`
	MaxBackoff       string  `json:"dataplane_max_backoff"`
}

// VersionView is the GetVersion response.
type VersionView struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// EventView is one WatchEvents message.
type EventView struct {
	Timestamp   string `json:"timestamp"`
	Kind        string `json:"kind"`
	VNI         uint32 `json:"vni"`
	Role        string `json:"role,omitempty"`
	BindingKind string `json:"binding_kind,omitempty"`
	MAC         string `json:"mac,omitempty"`
	IP          string `json:"ip,omitempty"`
	State       string `json:"state,omitempty"`
	Seq         uint32 `json:"seq,omitempty"`
	VTEP        string `json:"vtep,omitempty"`
	Router      bool   `json:"router,omitempty"`
	Sticky      bool   `json:"sticky,omitempty"`
	Gateway     bool   `json:"gateway,omitempty"`
	FloodMode   string `json:"flood_mode,omitempty"`
}

// Empty is the response of procedures that return nothing.
type Empty struct{}

// -------------------------------------------------------------------------
// Codec
// -------------------------------------------------------------------------

// Encode converts a view into a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// Decode fills v from a Struct. A nil Struct leaves v unchanged.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
