package virtio

// MmioRange is a guest physical address range assigned to a device.
type MmioRange struct {
	Base uint64
	Size uint64
}

// Contains reports whether addr falls inside the range.
func (r MmioRange) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// MsiIrqRange is a block of message-signaled interrupt vectors.
type MsiIrqRange struct {
	Base  uint32
	Count uint32
}

// Resources are the host resources assigned to a device when it is
// attached: trapped MMIO windows, interrupt lines or vectors, and guest
// memory slot numbers. The set is immutable after construction.
type Resources struct {
	MmioRanges []MmioRange
	LegacyIrqs []uint32
	MsiIrqs    []MsiIrqRange
	MemSlots   []uint32
}

// MsiVectorCount returns the total number of MSI vectors assigned.
func (r Resources) MsiVectorCount() uint32 {
	var total uint32
	for _, irq := range r.MsiIrqs {
		total += irq.Count
	}
	return total
}

// SharedMemoryRegion is one sub-region of a device's shared memory window,
// expressed as an offset into the window.
type SharedMemoryRegion struct {
	Offset uint64
	Len    uint64
}

// SharedMemoryList describes the statically shared memory window a backend
// device negotiated: a host mapping exposed to the guest through a
// dedicated memory slot. The owning transport must shrink the slot to zero
// before the device disappears, otherwise the hypervisor keeps a dangling
// mapping.
type SharedMemoryList struct {
	HostAddr  uint64
	GuestAddr uint64
	Len       uint64
	Slot      uint32
	Regions   []SharedMemoryRegion
}
