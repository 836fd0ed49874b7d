package commands

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/evpnd/internal/server"
)

// errInvalidToggle is returned for an on/off argument that is neither.
var errInvalidToggle = errors.New("expected on or off")

// --- dup ---

func dupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dup",
		Short: "Manage duplicate address detection state",
	}

	var (
		vni uint32
		mac string
		ip  string
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Release frozen duplicate addresses",
		Long:  "Releases DUPLICATE entries and resets move history. Without flags every VNI is cleared.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var res server.ClearResult
			req := server.BindingRequest{VNI: vni, MAC: mac, IP: ip}
			if err := call(server.ProcClearDuplicate, req, &res); err != nil {
				return fmt.Errorf("clear duplicates: %w", err)
			}
			out, err := render(res, outputFormat)
			if err != nil {
				return fmt.Errorf("format result: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
	clearCmd.Flags().Uint32Var(&vni, "vni", 0, "limit to one VNI")
	clearCmd.Flags().StringVar(&mac, "mac", "", "limit to one MAC")
	clearCmd.Flags().StringVar(&ip, "ip", "", "limit to one IP")
	cmd.AddCommand(clearCmd)

	return cmd
}

// --- flood ---

func floodCmd() *cobra.Command {
	var vni uint32
	cmd := &cobra.Command{
		Use:   "flood <head-end|multicast>",
		Short: "Set the BUM replication mode",
		Long:  "Sets the flood mode of one L2 VNI, or of every L2 VNI and the default when --vni is omitted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := server.FloodModeRequest{VNI: vni, Mode: args[0]}
			if err := call(server.ProcSetFloodMode, req, nil); err != nil {
				return fmt.Errorf("set flood mode: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&vni, "vni", 0, "limit to one VNI")
	return cmd
}

// --- advertise ---

func advertiseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advertise",
		Short: "Toggle route advertisement",
	}

	cmd.AddCommand(toggleCmd("all-vni", "Advertise every VNI and its bindings", server.ProcSetAdvertiseAllVNI, false))
	cmd.AddCommand(toggleCmd("subnet", "Advertise the subnet of an L2 VNI", server.ProcSetAdvertiseSubnet, true))
	cmd.AddCommand(toggleCmd("gateway-macip", "Advertise gateway MAC/IP bindings", server.ProcSetAdvertiseGatewayMACIP, true))
	cmd.AddCommand(toggleCmd("svi-macip", "Advertise the SVI MAC/IP as a host binding", server.ProcSetAdvertiseSVIMACIP, true))

	return cmd
}

func toggleCmd(use, short, procedure string, perVNI bool) *cobra.Command {
	var vni uint32
	cmd := &cobra.Command{
		Use:   use + " <on|off>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			on, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			if err := call(procedure, server.FlagRequest{VNI: vni, Enabled: on}, nil); err != nil {
				return fmt.Errorf("advertise %s: %w", use, err)
			}
			return nil
		},
	}
	if perVNI {
		cmd.Flags().Uint32Var(&vni, "vni", 0, "limit to one VNI")
	}
	return cmd
}

func parseToggle(s string) (bool, error) {
	switch s {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	return false, fmt.Errorf("%q: %w", s, errInvalidToggle)
}

// --- dad ---

func dadCmd() *cobra.Command {
	var (
		enabled   string
		window    time.Duration
		maxMoves  int
		freeze    time.Duration
		permanent string
	)
	cmd := &cobra.Command{
		Use:   "dad",
		Short: "Update duplicate address detection parameters",
		Long:  "Updates the given DAD parameters. Omitted flags keep their current value.",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			var req server.DADRequest
			if c.Flags().Changed("enabled") {
				on, err := parseToggle(enabled)
				if err != nil {
					return err
				}
				req.Enabled = &on
			}
			if c.Flags().Changed("permanent") {
				on, err := parseToggle(permanent)
				if err != nil {
					return err
				}
				req.FreezePermanent = &on
			}
			if c.Flags().Changed("max-moves") {
				req.MaxMoves = &maxMoves
			}
			if c.Flags().Changed("window") {
				req.Window = window.String()
			}
			if c.Flags().Changed("freeze") {
				req.Freeze = freeze.String()
			}
			if err := call(server.ProcSetDADConfig, req, nil); err != nil {
				return fmt.Errorf("set dad config: %w", err)
			}
			return show[server.ConfigView](server.ProcGetConfig, nil, "get config")
		},
	}
	cmd.Flags().StringVar(&enabled, "enabled", "", "turn detection on or off")
	cmd.Flags().DurationVar(&window, "window", 0, "move counting window")
	cmd.Flags().IntVar(&maxMoves, "max-moves", 0, "moves within the window that mark a duplicate")
	cmd.Flags().DurationVar(&freeze, "freeze", 0, "how long a duplicate stays frozen")
	cmd.Flags().StringVar(&permanent, "permanent", "", "freeze duplicates until cleared (on or off)")
	return cmd
}

// --- replay / config ---

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [vni]",
		Short: "Re-issue dataplane state",
		Long:  "Re-issues flood entries, bindings and router MACs of one VNI, or of every VNI when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var vni uint32
			if len(args) == 1 {
				var err error
				if vni, err = parseVNI(args[0]); err != nil {
					return err
				}
			}
			if err := call(server.ProcReplay, server.VNIRequest{VNI: vni}, nil); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the running engine configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return show[server.ConfigView](server.ProcGetConfig, nil, "get config")
		},
	}
}
