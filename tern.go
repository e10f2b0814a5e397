// Package tern provides the virtio MMIO transport layer for a lightweight
// virtual machine monitor: per-device state machines that mediate between
// a guest driver's register accesses and backend device implementations,
// covering queue setup, interrupt-mode negotiation, fast notification
// paths, and the activate/reset/teardown lifecycle.
package tern

import (
	"github.com/ternvm/tern/internal/devices/virtio"
	"github.com/ternvm/tern/internal/hv"
	"github.com/ternvm/tern/internal/interrupt"
	"github.com/ternvm/tern/internal/vmconfig"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Transport is the MMIO transport state machine for one virtio device.
type Transport = virtio.Transport

// TransportOptions tune transport construction.
type TransportOptions = virtio.Options

// Device is the backend capability contract a transport mediates for.
type Device = virtio.Device

// DeviceConfig is the composed runtime configuration handed to a backend
// device at activation.
type DeviceConfig = virtio.DeviceConfig

// QueueConfig bundles one virtqueue with its host notification descriptor.
type QueueConfig = virtio.QueueConfig

// QueueState holds the guest-visible configuration of a single virtqueue.
type QueueState = virtio.QueueState

// Resources are the host resources assigned to a device at attachment.
type Resources = virtio.Resources

// MmioRange is a guest physical address range assigned to a device.
type MmioRange = virtio.MmioRange

// MsiIrqRange is a block of message-signaled interrupt vectors.
type MsiIrqRange = virtio.MsiIrqRange

// SharedMemoryList describes a device's negotiated shared memory window.
type SharedMemoryList = virtio.SharedMemoryList

// SharedMemoryRegion is one sub-region of a shared memory window.
type SharedMemoryRegion = virtio.SharedMemoryRegion

// GuestMemory provides access to guest physical memory.
type GuestMemory = hv.GuestMemory

// VmHandle is the hypervisor command surface consumed by transports.
type VmHandle = hv.VmHandle

// Notifier is an edge-triggered event channel between guest, host and
// hypervisor (an eventfd on Linux).
type Notifier = hv.Notifier

// IoeventMatch describes how guest writes match an ioevent binding.
type IoeventMatch = hv.IoeventMatch

// MemorySlot describes a guest memory slot mapping.
type MemorySlot = hv.MemorySlot

// InterruptManager routes interrupts for a single device.
type InterruptManager = interrupt.Manager

// MsiEntry is the guest-programmed description of one MSI vector.
type MsiEntry = interrupt.MsiEntry

// Manifest is a VM device manifest.
type Manifest = vmconfig.Manifest

// Transport window size each attached device needs.
const MMIOWindowSize = virtio.MMIOWindowSize

// Interrupt working modes.
const (
	ModeLegacy = interrupt.ModeLegacy
	ModeMsi    = interrupt.ModeMsi
)

// Transport feature bits.
const (
	FeaturePerQueueNotify = virtio.FeaturePerQueueNotify
	FeatureMsiInterrupt   = virtio.FeatureMsiInterrupt
	FeatureIntrUsed       = virtio.FeatureIntrUsed
)

// Common sentinel errors.
var (
	ErrInvalidResources   = virtio.ErrInvalidResources
	ErrInvalidQueueConfig = virtio.ErrInvalidQueueConfig
	ErrNoSuchQueue        = virtio.ErrNoSuchQueue
)

// NewTransport builds the transport for a backend device. See
// virtio.New for the resource requirements.
func NewTransport(vm VmHandle, mem GuestMemory, device Device, intr InterruptManager, resources Resources, opts TransportOptions) (*Transport, error) {
	return virtio.New(vm, mem, device, intr, resources, opts)
}

// LoadManifest reads and validates a VM device manifest.
func LoadManifest(path string) (Manifest, error) {
	return vmconfig.Load(path)
}
