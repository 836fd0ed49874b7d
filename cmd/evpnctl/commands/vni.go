package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/evpnd/internal/server"
)

// errInvalidVNI is returned for a VNI argument that is not a number.
var errInvalidVNI = errors.New("vni must be a number in 1..16777215")

func vniCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vni",
		Short: "Inspect VNIs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all VNIs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return show[server.VNIList](server.ProcListVNIs, nil, "list vnis")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <vni>",
		Short: "Show details of a VNI",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vni, err := parseVNI(args[0])
			if err != nil {
				return err
			}
			return show[server.VNIView](server.ProcGetVNI, server.VNIRequest{VNI: vni}, "get vni")
		},
	})

	return cmd
}

func vtepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vtep <vni>",
		Short: "List the remote VTEPs of an L2 VNI",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vni, err := parseVNI(args[0])
			if err != nil {
				return err
			}
			return show[server.VTEPList](server.ProcListVTEPs, server.VNIRequest{VNI: vni}, "list vteps")
		},
	}
}

func rmacCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmac <l3vni>",
		Short: "List the remote router MACs of an L3 VNI",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vni, err := parseVNI(args[0])
			if err != nil {
				return err
			}
			return show[server.RouterMACList](server.ProcListRouterMACs, server.VNIRequest{VNI: vni}, "list router macs")
		},
	}
}

// parseVNI parses a decimal VNI argument. The daemon checks the range.
func parseVNI(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, errInvalidVNI)
	}
	return uint32(v), nil
}
