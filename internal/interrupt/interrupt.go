// Package interrupt defines the interrupt routing contract consumed by the
// virtio transport. A Manager owns the routes for one device: either a
// single legacy line interrupt or a block of message-signaled vectors.
package interrupt

import "errors"

var (
	// ErrBusy is returned by SetWorkingMode when routes are mid-operation
	// and cannot be swapped safely.
	ErrBusy = errors.New("interrupt routes busy")

	// ErrVectorOutOfRange is returned for per-vector calls addressing a
	// vector the manager does not own.
	ErrVectorOutOfRange = errors.New("interrupt vector out of range")
)

// WorkingMode selects how the device signals the guest.
type WorkingMode int

const (
	// ModeLegacy uses a level-triggered line interrupt.
	ModeLegacy WorkingMode = iota
	// ModeMsi uses message-signaled interrupts, one route per vector.
	ModeMsi
)

func (m WorkingMode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeMsi:
		return "msi"
	default:
		return "unknown"
	}
}

// MsiEntry is the guest-programmed description of one MSI vector.
type MsiEntry struct {
	AddressLow  uint32
	AddressHigh uint32
	Data        uint32
}

// Group is a live handle onto the manager's routes, used for direct
// mask/unmask without re-resolving the manager.
type Group interface {
	Mask(vector uint32) error
	Unmask(vector uint32) error
}

// Manager routes interrupts for a single device. Implementations talk to
// the hypervisor; failures are reported, never retried internally.
//
// Enable and Reset are idempotent. SetWorkingMode fails with ErrBusy while
// the device is mid-operation; the caller decides whether that fails the
// whole device.
type Manager interface {
	Enable() error
	Reset() error
	Enabled() bool

	WorkingMode() WorkingMode
	SetWorkingMode(mode WorkingMode) error

	// VectorCount reports how many MSI vectors the manager owns. Zero in
	// legacy mode or when no MSI resource was assigned.
	VectorCount() uint32

	// SetMsiEntry stages address/data for a vector without applying it.
	SetMsiEntry(vector uint32, entry MsiEntry) error

	// Apply commits a vector's staged configuration to the hypervisor so
	// reconfiguration takes effect without a device re-activation.
	Apply(vector uint32) error

	Masked(vector uint32) (bool, error)
	SetMask(vector uint32, masked bool) error

	// Group returns a live routing-group handle for direct mask/unmask.
	Group() Group
}
