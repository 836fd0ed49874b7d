package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/evpnd/internal/server"
)

func macCmd() *cobra.Command {
	return bindingCmd("mac", "MAC", "<mac>", func(req *server.BindingRequest, addr string) {
		req.MAC = addr
	})
}

func neighCmd() *cobra.Command {
	return bindingCmd("neigh", "neighbor", "<ip>", func(req *server.BindingRequest, addr string) {
		req.IP = addr
	})
}

// bindingCmd builds the list, show and delete subcommands shared by the
// MAC and neighbor tables.
func bindingCmd(kind, noun, addrArg string, setAddr func(*server.BindingRequest, string)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind,
		Short: fmt.Sprintf("Manage %s bindings", noun),
	}

	var vni uint32
	list := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %s bindings", noun),
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			req := server.BindingRequest{VNI: vni, Kind: kind}
			return show[server.BindingList](server.ProcListBindings, req, "list bindings")
		},
	}
	list.Flags().Uint32Var(&vni, "vni", 0, "limit to one VNI (0 lists every VNI)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <vni> " + addrArg,
		Short: fmt.Sprintf("Show one %s binding", noun),
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req, err := bindingKey(kind, args, setAddr)
			if err != nil {
				return err
			}
			return show[server.BindingView](server.ProcGetBinding, req, "get binding")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <vni> " + addrArg,
		Short: fmt.Sprintf("Delete one %s binding regardless of its state", noun),
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req, err := bindingKey(kind, args, setAddr)
			if err != nil {
				return err
			}
			if err := call(server.ProcDeleteBinding, req, nil); err != nil {
				return fmt.Errorf("delete binding: %w", err)
			}
			fmt.Printf("%s %s deleted from vni %d\n", noun, args[1], req.VNI)
			return nil
		},
	})

	return cmd
}

func bindingKey(kind string, args []string, setAddr func(*server.BindingRequest, string)) (server.BindingRequest, error) {
	vni, err := parseVNI(args[0])
	if err != nil {
		return server.BindingRequest{}, err
	}
	req := server.BindingRequest{VNI: vni, Kind: kind}
	setAddr(&req, args[1])
	return req, nil
}
