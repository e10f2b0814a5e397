//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func checkExtension(fd int, cap int) (bool, error) {
	ret, err := ioctlWithRetry(uintptr(fd), uint64(kvmCheckExtension), uintptr(cap))
	if err != nil {
		return false, err
	}
	return ret != 0, nil
}

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

// kvmIoeventfdArgs mirrors struct kvm_ioeventfd.
type kvmIoeventfdArgs struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [36]byte
}

func assignIoeventfd(vmFd int, args *kvmIoeventfdArgs) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIoeventfd), uintptr(unsafe.Pointer(args)))
	return err
}

// kvmIrqfdArgs mirrors struct kvm_irqfd.
type kvmIrqfdArgs struct {
	Fd         uint32
	GSI        uint32
	Flags      uint32
	ResampleFd uint32
	_          [16]byte
}

func assignIrqfd(vmFd int, args *kvmIrqfdArgs) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqfd), uintptr(unsafe.Pointer(args)))
	return err
}

// kvmMsiArgs mirrors struct kvm_msi.
type kvmMsiArgs struct {
	AddressLow  uint32
	AddressHigh uint32
	Data        uint32
	Flags       uint32
	DevID       uint32
	_           [12]byte
}

func signalMsi(vmFd int, args *kvmMsiArgs) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSignalMsi), uintptr(unsafe.Pointer(args)))
	return err
}

// kvmIrqLevelArgs mirrors struct kvm_irq_level.
type kvmIrqLevelArgs struct {
	IRQ   uint32
	Level uint32
}

func irqLevel(vmFd int, irq uint32, level bool) error {
	args := kvmIrqLevelArgs{IRQ: irq}
	if level {
		args.Level = 1
	}
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqLine), uintptr(unsafe.Pointer(&args)))
	return err
}

// KVM irq routing structures adapted from linux/kvm.h. The union member of
// kvm_irq_routing_entry is 32 bytes; MSI routes use the first 16.
type kvmIrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32
	u     kvmIrqRoutingMsi
	_     [16]byte
}

type kvmIrqRoutingMsi struct {
	AddressLow  uint32
	AddressHigh uint32
	Data        uint32
	DevID       uint32
}

type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

// setIrqRouting replaces the VM's whole GSI routing table. The ioctl
// expects the entries inline after the header, so the table is marshaled
// into one contiguous buffer.
func setIrqRouting(vmFd int, entries []kvmIrqRoutingEntry) error {
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingEntry{}))
	buf := make([]byte, headerSize+len(entries)*entrySize)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i, ent := range entries {
		*(*kvmIrqRoutingEntry)(unsafe.Pointer(&buf[headerSize+i*entrySize])) = ent
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetGsiRouting), uintptr(unsafe.Pointer(&buf[0])))
	return err
}
