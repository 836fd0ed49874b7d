// Package netio connects the EVPN engine to the Linux kernel over rtnetlink.
//
// NeighMonitor and LinkMonitor subscribe to neighbor and link updates and
// translate them into local learns and interface changes. FDBProgrammer
// consumes dataplane requests from the engine and programs bridge FDB,
// flood list, and neighbor entries, reporting each completion back.
//
// All kernel access goes through the Netlink interface so that tests run
// without privileges.
package netio
