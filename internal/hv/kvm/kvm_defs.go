//go:build linux

package kvm

// ioctl numbers from linux/kvm.h, precomputed for amd64/arm64.
const (
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmIrqLine             = 0x4008ae61
	kvmSetGsiRouting       = 0x4008ae6a
	kvmIrqfd               = 0x4020ae76
	kvmIoeventfd           = 0x4040ae79
	kvmSignalMsi           = 0x4020aea5
)

const (
	kvmCapIrqRouting        = 25
	kvmCapIrqfd             = 32
	kvmCapIoeventfd         = 36
	kvmCapIoeventfdNoLength = 100
)

// kvm_ioeventfd flag bits.
const (
	kvmIoeventfdFlagDatamatch = 1 << 0
	kvmIoeventfdFlagPio       = 1 << 1
	kvmIoeventfdFlagDeassign  = 1 << 2
)

// kvm_irqfd flag bits.
const (
	kvmIrqfdFlagDeassign = 1 << 0
)

// kvm_irq_routing_entry types.
const (
	kvmIrqRoutingTypeIrqchip = 1
	kvmIrqRoutingTypeMsi     = 2
)
