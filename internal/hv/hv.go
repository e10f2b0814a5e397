package hv

import (
	"errors"
	"io"
)

var (
	// ErrSlotInUse is returned when a memory slot update collides with an
	// existing mapping the hypervisor still considers live.
	ErrSlotInUse = errors.New("memory slot in use")

	// ErrNotifierClosed is returned when signalling a closed notifier.
	ErrNotifierClosed = errors.New("notifier closed")
)

// GuestMemory provides access to guest physical memory. Offsets are guest
// physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// IoeventMatch describes how a guest write is matched against a registered
// ioevent binding. With Wildcard set, any value written to Addr signals the
// notifier; otherwise only writes of exactly Data do.
//
// Unregistration must present the same match the binding was registered
// with, so callers that mix wildcard and exact bindings have to remember
// which was which.
type IoeventMatch struct {
	Addr     uint64
	Data     uint32
	Wildcard bool
}

// MemorySlot describes a guest memory slot mapping. Setting Size to zero
// removes the backing mapping while keeping the slot number reserved.
type MemorySlot struct {
	Slot      uint32
	GuestAddr uint64
	HostAddr  uint64
	Size      uint64
}

// VmHandle is the narrow command surface this package needs from the
// hypervisor owning the VM. Implementations are shared services that
// outlive any device using them; all methods are synchronous calls into
// the host kernel and are expected to complete quickly.
type VmHandle interface {
	// RegisterIoevent binds n so that guest writes matching m signal it
	// without a full exit to device-emulation code.
	RegisterIoevent(n *Notifier, m IoeventMatch) error

	// UnregisterIoevent removes a binding previously made with the exact
	// same match.
	UnregisterIoevent(n *Notifier, m IoeventMatch) error

	// SupportsWildcardIoevent reports whether the hypervisor accepts
	// wildcard (match-any-value) ioevent bindings.
	SupportsWildcardIoevent() bool

	// UpdateMemorySlot atomically replaces the mapping backing a slot.
	UpdateMemorySlot(s MemorySlot) error
}
