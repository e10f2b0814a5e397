package virtio

import "github.com/ternvm/tern/internal/hv"

// Device is the backend capability the MMIO transport mediates for. It is
// exclusively owned by the transport; implementations provide the actual
// I/O behavior (net, block, fs, ...) which is outside the transport's
// concern.
type Device interface {
	// DeviceType returns the virtio device type identifier.
	DeviceType() uint32

	// QueueMaxSizes declares the maximum size of each data queue, in
	// queue-index order.
	QueueMaxSizes() []uint16

	// CtrlQueueMaxSize declares the maximum size of the trailing control
	// queue, or zero if the device has none.
	CtrlQueueMaxSize() uint16

	// AvailFeatures returns the device feature bits for a 32-bit window.
	AvailFeatures(page uint32) uint32

	// AckFeatures records the driver's feature acknowledgement for a
	// 32-bit window.
	AckFeatures(page uint32, value uint32)

	// ReadConfig reads from the device-specific configuration space.
	ReadConfig(offset uint64, data []byte) error

	// WriteConfig writes to the device-specific configuration space.
	WriteConfig(offset uint64, data []byte) error

	// SetResources hands the device its assigned host resources. A device
	// that negotiates a static shared memory window returns its
	// descriptor; others return nil.
	SetResources(vm hv.VmHandle, res Resources) (*SharedMemoryList, error)

	// Activate passes the composed runtime configuration and starts
	// active operation. A device-specific error leaves the transport
	// un-activated.
	Activate(cfg *DeviceConfig) error

	// Reset stops active operation so the transport can be reset.
	Reset() error

	// Remove releases device-held resources on detach.
	Remove()
}

// DeviceConfig is the composed runtime configuration handed to a backend
// device at activation: the queue handles (each with its dedicated
// notifier), the device-wide configuration-change notifier, and the shared
// memory window if one was negotiated. The control queue, if the device
// declared one, is separated out from the data queues.
type DeviceConfig struct {
	Vm  hv.VmHandle
	Mem hv.GuestMemory

	Queues    []*QueueConfig
	CtrlQueue *QueueConfig

	ConfigNotifier *hv.Notifier
	ShmRegions     *SharedMemoryList
}
