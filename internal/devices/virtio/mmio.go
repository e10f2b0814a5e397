package virtio

// Register offsets for the virtio MMIO transport (v2), plus the vendor
// extension registers for message-signaled interrupts. Offsets are
// relative to the device's MMIO base.
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_SHM_SEL             = 0x0ac
	VIRTIO_MMIO_SHM_LEN_LOW         = 0x0b0
	VIRTIO_MMIO_SHM_LEN_HIGH        = 0x0b4
	VIRTIO_MMIO_SHM_BASE_LOW        = 0x0b8
	VIRTIO_MMIO_SHM_BASE_HIGH       = 0x0bc
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	// 16-bit vendor extension registers for MSI.
	VIRTIO_MMIO_MSI_CSR          = 0x0c0
	VIRTIO_MMIO_MSI_COMMAND      = 0x0c2
	VIRTIO_MMIO_MSI_ADDRESS_LOW  = 0x0c8
	VIRTIO_MMIO_MSI_ADDRESS_HIGH = 0x0cc
	VIRTIO_MMIO_MSI_DATA         = 0x0d0
)

const (
	mmioMagicValue uint32 = 0x74726976 // "virt"
	mmioVersion2   uint32 = 2

	// VendorID identifies this transport implementation in the vendor-ID
	// register; the high byte carries the transport feature bits below.
	VendorID uint32 = 0x0074726e // "trn"
)

// Transport feature bits advertised through the vendor-ID register. They
// describe transport capabilities, not device features.
const (
	// FeaturePerQueueNotify enables the fast doorbell notification path:
	// one distinct notify address per queue.
	FeaturePerQueueNotify uint32 = 1 << 24
	// FeatureMsiInterrupt is set when MSI vectors were assigned to the
	// device, letting the guest switch away from the legacy line.
	FeatureMsiInterrupt uint32 = 1 << 25
	// FeatureIntrUsed makes interrupt-status reads always report a ready
	// used-ring, so backends can inject directly through an irqfd without
	// updating the status register first. Spurious ring interrupts are
	// legal for virtio drivers.
	FeatureIntrUsed uint32 = 1 << 26

	featureMask uint32 = FeaturePerQueueNotify | FeatureMsiInterrupt | FeatureIntrUsed
)

// Guest-visible device status bits (virtio 1.0 §2.1).
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusDriverOK    uint32 = 4
	StatusFeaturesOK  uint32 = 8
	StatusNeedsReset  uint32 = 0x40
	StatusFailed      uint32 = 0x80
)

// Interrupt status register bits.
const (
	InterruptVring  uint32 = 0x1
	InterruptConfig uint32 = 0x2
)

// MSI control/status register and command word encoding. The command word
// carries the sub-command in its top nibble and the vector index argument
// in the low bits.
const (
	msiCsrEnabled   uint16 = 0x8000
	msiCsrSupported uint16 = 0x8000

	msiCmdCodeMask  uint16 = 0xf000
	msiCmdArgMask   uint16 = 0x0fff
	msiCmdUpdate    uint16 = 0x1000
	msiCmdIntMask   uint16 = 0x2000
	msiCmdIntUnmask uint16 = 0x3000
)

// Layout of the trapped transport window: one page of registers and
// config space, followed by one page of doorbell addresses.
const (
	mmioCfgSize    uint64 = 0x1000
	doorbellOffset uint64 = 0x1000
	doorbellSize   uint64 = 0x1000
	doorbellScale  uint32 = 4

	// MMIOWindowSize is the total trapped window a transport needs;
	// device attachment must assign exactly one MMIO range of this size.
	MMIOWindowSize uint64 = mmioCfgSize + doorbellSize
)

// Doorbell maps a queue index to its distinct fast-path notify address.
// Present on a transport only while the doorbell scheme is active.
type Doorbell struct {
	base  uint64
	scale uint32
}

func newDoorbell() *Doorbell {
	return &Doorbell{base: doorbellOffset, scale: doorbellScale}
}

// QueueOffset returns the doorbell offset for a queue, relative to the
// device's MMIO base.
func (d *Doorbell) QueueOffset(index uint16) uint64 {
	return d.base + uint64(d.scale)*uint64(index)
}

// RegisterData encodes the doorbell location for the guest: reads of the
// queue-notify register return it so drivers aware of the scheme can find
// their per-queue addresses.
func (d *Doorbell) RegisterData() uint32 {
	return uint32(d.base) | d.scale<<16
}
