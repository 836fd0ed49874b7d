package evpn

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrConflict indicates a VNI, VRF or bridge/VLAN is already claimed.
	// Conflicts are never resolved automatically.
	ErrConflict = errors.New("resource already claimed")

	// ErrFloodModeMismatch indicates a VTEP add carried a flood mode that
	// differs from the VNI-wide mode.
	ErrFloodModeMismatch = errors.New("flood mode mismatch")

	// ErrDataplaneFailure indicates a dataplane operation failed after all
	// retry attempts.
	ErrDataplaneFailure = errors.New("dataplane operation failed")

	// ErrVNINotFound indicates the VNI is not registered.
	ErrVNINotFound = errors.New("vni not found")

	// ErrBindingNotFound indicates no binding exists for the address.
	ErrBindingNotFound = errors.New("binding not found")

	// ErrInvalidVNI indicates a VNI outside 1..2^24-1.
	ErrInvalidVNI = errors.New("vni must be in range 1-16777215")

	// ErrInvalidRole indicates an unknown VNI role.
	ErrInvalidRole = errors.New("invalid vni role")

	// ErrInvalidFloodMode indicates an unknown flood mode.
	ErrInvalidFloodMode = errors.New("invalid flood mode")

	// ErrInvalidMAC indicates a hardware address that is not 48 bits.
	ErrInvalidMAC = errors.New("mac address must be 48 bits")

	// ErrInvalidBacking indicates a registration without the identity
	// required by its role (bridge for L2, VRF for L3).
	ErrInvalidBacking = errors.New("vni backing is incomplete for its role")

	// ErrRoleMismatch indicates an operation applied to a VNI of the
	// wrong role (e.g. router-MAC on an L2 VNI).
	ErrRoleMismatch = errors.New("operation not valid for vni role")

	// ErrInvalidVTEP indicates an invalid remote tunnel endpoint address.
	ErrInvalidVTEP = errors.New("vtep address must be valid")

	// ErrInvalidDADConfig indicates DAD parameters that cannot work.
	ErrInvalidDADConfig = errors.New("invalid dad config")

	// ErrEngineStopped indicates the engine is not running anymore.
	ErrEngineStopped = errors.New("evpn engine stopped")
)

// ConflictError describes which resource a rejected registration collided
// with. It unwraps to ErrConflict.
type ConflictError struct {
	// VNI is the identifier the caller tried to register.
	VNI VNI

	// Owner is the VNI that currently holds the resource. Equal to VNI
	// when the VNI itself exists with a different role or backing.
	Owner VNI

	// Resource names the contested resource, e.g. "vrf red" or
	// "bridge br0 vlan 100".
	Resource string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Owner == e.VNI {
		return fmt.Sprintf("vni %d already registered with %s", e.VNI, e.Resource)
	}
	return fmt.Sprintf("vni %d: %s already claimed by vni %d", e.VNI, e.Resource, e.Owner)
}

// Unwrap returns ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
