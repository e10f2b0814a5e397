//go:build linux

package kvm

import (
	"fmt"

	"github.com/ternvm/tern/internal/hv"
)

// Vm wraps an existing KVM virtual machine file descriptor with the
// narrow command surface devices need. It is safe to share across
// devices; every method is one synchronous ioctl.
type Vm struct {
	vmFd     int
	systemFd int

	wildcardIoevent bool
}

var _ hv.VmHandle = (*Vm)(nil)

// NewVm wraps the given /dev/kvm system fd and VM fd. The wildcard
// ioevent capability is probed once here.
func NewVm(systemFd, vmFd int) (*Vm, error) {
	ok, err := checkExtension(systemFd, kvmCapIoeventfd)
	if err != nil {
		return nil, fmt.Errorf("check KVM_CAP_IOEVENTFD: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("kvm: ioeventfd not supported")
	}
	wildcard, err := checkExtension(systemFd, kvmCapIoeventfdNoLength)
	if err != nil {
		return nil, fmt.Errorf("check KVM_CAP_IOEVENTFD_NO_LENGTH: %w", err)
	}
	return &Vm{vmFd: vmFd, systemFd: systemFd, wildcardIoevent: wildcard}, nil
}

// Fd returns the VM file descriptor.
func (v *Vm) Fd() int { return v.vmFd }

func (v *Vm) SupportsWildcardIoevent() bool { return v.wildcardIoevent }

func (v *Vm) ioeventfdArgs(n *hv.Notifier, m hv.IoeventMatch) kvmIoeventfdArgs {
	args := kvmIoeventfdArgs{
		Addr: m.Addr,
		Fd:   int32(n.FD()),
	}
	if m.Wildcard {
		// Length zero matches a write of any width and any value; this
		// needs KVM_CAP_IOEVENTFD_NO_LENGTH.
		return args
	}
	args.Datamatch = uint64(m.Data)
	args.Len = 4
	args.Flags = kvmIoeventfdFlagDatamatch
	return args
}

func (v *Vm) RegisterIoevent(n *hv.Notifier, m hv.IoeventMatch) error {
	if m.Wildcard && !v.wildcardIoevent {
		return fmt.Errorf("kvm: wildcard ioevent not supported")
	}
	args := v.ioeventfdArgs(n, m)
	if err := assignIoeventfd(v.vmFd, &args); err != nil {
		return fmt.Errorf("assign ioeventfd at %#x: %w", m.Addr, err)
	}
	return nil
}

func (v *Vm) UnregisterIoevent(n *hv.Notifier, m hv.IoeventMatch) error {
	args := v.ioeventfdArgs(n, m)
	args.Flags |= kvmIoeventfdFlagDeassign
	if err := assignIoeventfd(v.vmFd, &args); err != nil {
		return fmt.Errorf("deassign ioeventfd at %#x: %w", m.Addr, err)
	}
	return nil
}

func (v *Vm) UpdateMemorySlot(s hv.MemorySlot) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          s.Slot,
		GuestPhysAddr: s.GuestAddr,
		MemorySize:    s.Size,
		UserspaceAddr: s.HostAddr,
	}
	if err := setUserMemoryRegion(v.vmFd, &region); err != nil {
		return fmt.Errorf("set user memory region for slot %d: %w", s.Slot, err)
	}
	return nil
}
