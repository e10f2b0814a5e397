package virtio

import (
	"fmt"

	"github.com/ternvm/tern/internal/hv"
)

const (
	descriptorSize  = 16
	maxQueueEntries = 32768
)

// QueueState holds the guest-visible configuration of a single virtqueue:
// ring addresses, negotiated size, and readiness. It does not walk the ring
// itself; descriptor processing belongs to the backend device once the
// queue handles are passed over at activation.
type QueueState struct {
	maxSize   uint16
	size      uint16
	ready     bool
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
}

// NewQueueState creates a queue at its maximum size. The size must be a
// non-zero power of two no larger than 32768, per the virtio ring layout.
func NewQueueState(maxSize uint16) (*QueueState, error) {
	if maxSize == 0 || maxSize > maxQueueEntries || maxSize&(maxSize-1) != 0 {
		return nil, fmt.Errorf("invalid queue max size %d", maxSize)
	}
	return &QueueState{maxSize: maxSize, size: maxSize}, nil
}

// MaxSize returns the largest size the device supports for this queue.
func (q *QueueState) MaxSize() uint16 { return q.maxSize }

// Size returns the size the guest negotiated, clamped to the maximum.
func (q *QueueState) Size() uint16 {
	if q.size > q.maxSize {
		return q.maxSize
	}
	return q.size
}

// SetSize records the guest's negotiated queue size.
func (q *QueueState) SetSize(size uint16) { q.size = size }

// Ready reports whether the guest marked the queue ready.
func (q *QueueState) Ready() bool { return q.ready }

// SetReady marks the queue ready (or not) for operation.
func (q *QueueState) SetReady(ready bool) { q.ready = ready }

// DescAddr returns the guest physical address of the descriptor table.
func (q *QueueState) DescAddr() uint64 { return q.descAddr }

// AvailAddr returns the guest physical address of the available ring.
func (q *QueueState) AvailAddr() uint64 { return q.availAddr }

// UsedAddr returns the guest physical address of the used ring.
func (q *QueueState) UsedAddr() uint64 { return q.usedAddr }

// SetDescAddrLow replaces the low 32 bits of the descriptor table address.
func (q *QueueState) SetDescAddrLow(v uint32) {
	q.descAddr = (q.descAddr &^ 0xffffffff) | uint64(v)
}

// SetDescAddrHigh replaces the high 32 bits of the descriptor table address.
func (q *QueueState) SetDescAddrHigh(v uint32) {
	q.descAddr = (q.descAddr &^ (uint64(0xffffffff) << 32)) | (uint64(v) << 32)
}

// SetAvailAddrLow replaces the low 32 bits of the available ring address.
func (q *QueueState) SetAvailAddrLow(v uint32) {
	q.availAddr = (q.availAddr &^ 0xffffffff) | uint64(v)
}

// SetAvailAddrHigh replaces the high 32 bits of the available ring address.
func (q *QueueState) SetAvailAddrHigh(v uint32) {
	q.availAddr = (q.availAddr &^ (uint64(0xffffffff) << 32)) | (uint64(v) << 32)
}

// SetUsedAddrLow replaces the low 32 bits of the used ring address.
func (q *QueueState) SetUsedAddrLow(v uint32) {
	q.usedAddr = (q.usedAddr &^ 0xffffffff) | uint64(v)
}

// SetUsedAddrHigh replaces the high 32 bits of the used ring address.
func (q *QueueState) SetUsedAddrHigh(v uint32) {
	q.usedAddr = (q.usedAddr &^ (uint64(0xffffffff) << 32)) | (uint64(v) << 32)
}

// IsValid reports whether the queue is fully configured against the
// current guest memory: ready, a sane size, aligned non-zero ring
// addresses, and every ring falling inside addressable guest memory.
func (q *QueueState) IsValid(mem hv.GuestMemory) bool {
	size := uint64(q.Size())
	if !q.ready || size == 0 || size&(size-1) != 0 {
		return false
	}
	if q.descAddr == 0 || q.availAddr == 0 || q.usedAddr == 0 {
		return false
	}
	if q.descAddr&0xf != 0 || q.availAddr&0x1 != 0 || q.usedAddr&0x3 != 0 {
		return false
	}
	// Ring sizes per the split virtqueue layout.
	descLen := size * descriptorSize
	availLen := 6 + size*2
	usedLen := 6 + size*8
	return probeRange(mem, q.descAddr, descLen) &&
		probeRange(mem, q.availAddr, availLen) &&
		probeRange(mem, q.usedAddr, usedLen)
}

// probeRange checks that [addr, addr+length) is readable guest memory by
// touching the last byte of the range.
func probeRange(mem hv.GuestMemory, addr uint64, length uint64) bool {
	if mem == nil || length == 0 {
		return false
	}
	end := addr + length - 1
	if end < addr || end > 1<<62 {
		return false
	}
	var b [1]byte
	_, err := mem.ReadAt(b[:], int64(end))
	return err == nil
}

// QueueConfig bundles one virtqueue with its host notification descriptor
// and its index within the device. The notifier is created once and then
// survives every reset of the ring state, so a notification signalled just
// before a reset is observed as a harmless no-op afterwards instead of a
// lost wakeup.
type QueueConfig struct {
	ring     *QueueState
	notifier *hv.Notifier
	index    uint16
	maxSize  uint16
}

// NewQueueConfig creates a queue handle with a fresh notifier.
func NewQueueConfig(maxSize uint16, index uint16) (*QueueConfig, error) {
	ring, err := NewQueueState(maxSize)
	if err != nil {
		return nil, err
	}
	notifier, err := hv.NewNotifier()
	if err != nil {
		return nil, fmt.Errorf("create queue %d notifier: %w", index, err)
	}
	return &QueueConfig{ring: ring, notifier: notifier, index: index, maxSize: maxSize}, nil
}

// Index returns the queue's position within the device.
func (c *QueueConfig) Index() uint16 { return c.index }

// Ring returns the queue's ring state.
func (c *QueueConfig) Ring() *QueueState { return c.ring }

// Notifier returns the queue's host notification descriptor.
func (c *QueueConfig) Notifier() *hv.Notifier { return c.notifier }

// MaxSize returns the queue's construction-time maximum size.
func (c *QueueConfig) MaxSize() uint16 { return c.maxSize }

// ConsumeEvent drains pending guest notifications.
func (c *QueueConfig) ConsumeEvent() (uint64, error) { return c.notifier.Consume() }

// Notify signals the queue's notifier from the host side.
func (c *QueueConfig) Notify() error { return c.notifier.Notify() }

// resetRing rebuilds the ring state at its original maximum size,
// discarding whatever the guest negotiated. The notifier is deliberately
// left untouched.
func (c *QueueConfig) resetRing() error {
	ring, err := NewQueueState(c.maxSize)
	if err != nil {
		return fmt.Errorf("rebuild queue %d ring: %w", c.index, err)
	}
	c.ring = ring
	return nil
}

// Close releases the queue's notifier.
func (c *QueueConfig) Close() error {
	return c.notifier.Close()
}
