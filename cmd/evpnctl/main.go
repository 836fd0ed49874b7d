// evpnctl -- command-line client for the evpnd admin service.
package main

import "github.com/dantte-lp/evpnd/cmd/evpnctl/commands"

func main() {
	commands.Execute()
}
