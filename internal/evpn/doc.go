// Package evpn implements the EVPN/VXLAN control-plane core.
//
// This includes the VNI registry, per-VNI VTEP membership, the MAC and
// neighbor binding tables with their LOCAL/REMOTE/DUPLICATE/INACTIVE state
// machine, duplicate address detection, the asynchronous dataplane gateway
// and the interface change classifier. All table mutations run on a single
// Engine goroutine fed by an ordered event queue.
package evpn
