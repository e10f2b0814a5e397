package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Cumulative driver status values along the virtio 1.0 initialization
// sequence (§3.1.1). The driver must set bits in this order and never
// clear one, so each legal transition is an exact exchange.
const (
	statusStateInit       = uint32(0)
	statusStateAck        = StatusAcknowledge
	statusStateDriver     = statusStateAck | StatusDriver
	statusStateFeaturesOK = statusStateDriver | StatusFeaturesOK
	statusStateDriverOK   = statusStateFeaturesOK | StatusDriverOK
)

// ReadRegister serves a guest read of the transport's register window.
// offset is relative to the device's MMIO base. Unknown registers and
// widths read as zero-filled data, with a log line.
func (t *Transport) ReadRegister(offset uint64, data []byte) {
	if offset >= VIRTIO_MMIO_CONFIG && offset < doorbellOffset {
		t.readDeviceConfig(offset-VIRTIO_MMIO_CONFIG, data)
		return
	}

	switch len(data) {
	case 4:
		var v uint32
		switch offset {
		case VIRTIO_MMIO_MAGIC_VALUE:
			v = mmioMagicValue
		case VIRTIO_MMIO_VERSION:
			v = mmioVersion2
		case VIRTIO_MMIO_DEVICE_ID:
			v = t.device.DeviceType()
		case VIRTIO_MMIO_VENDOR_ID:
			v = t.vendorID
		case VIRTIO_MMIO_DEVICE_FEATURES:
			v = t.deviceFeatures()
		case VIRTIO_MMIO_QUEUE_NUM_MAX:
			v = t.withQueue(0, func(q *QueueState) uint32 { return uint32(q.MaxSize()) })
		case VIRTIO_MMIO_QUEUE_NUM:
			v = t.withQueue(0, func(q *QueueState) uint32 { return uint32(q.Size()) })
		case VIRTIO_MMIO_QUEUE_READY:
			v = t.withQueue(0, func(q *QueueState) uint32 {
				if q.Ready() {
					return 1
				}
				return 0
			})
		case VIRTIO_MMIO_QUEUE_NOTIFY:
			if t.doorbell == nil {
				slog.Debug("virtio-mmio: queue notify read without doorbell", "offset", fmt.Sprintf("%#x", offset))
				return
			}
			v = t.doorbell.RegisterData()
		case VIRTIO_MMIO_INTERRUPT_STATUS:
			v = t.tweakInterruptFlags(t.interruptStatus.Load())
		case VIRTIO_MMIO_STATUS:
			v = t.driverStatus
		case VIRTIO_MMIO_SHM_LEN_LOW:
			v = t.shmField(0xffffffff, func(r SharedMemoryRegion) uint32 { return uint32(r.Len) })
		case VIRTIO_MMIO_SHM_LEN_HIGH:
			v = t.shmField(0xffffffff, func(r SharedMemoryRegion) uint32 { return uint32(r.Len >> 32) })
		case VIRTIO_MMIO_SHM_BASE_LOW:
			v = t.shmField(0xffffffff, func(r SharedMemoryRegion) uint32 {
				return uint32(t.shmRegions.GuestAddr + r.Offset)
			})
		case VIRTIO_MMIO_SHM_BASE_HIGH:
			v = t.shmField(0xffffffff, func(r SharedMemoryRegion) uint32 {
				return uint32((t.shmRegions.GuestAddr + r.Offset) >> 32)
			})
		case VIRTIO_MMIO_CONFIG_GENERATION:
			v = t.configGeneration.Load()
		default:
			slog.Debug("virtio-mmio: unknown register read", "offset", fmt.Sprintf("%#x", offset))
			return
		}
		binary.LittleEndian.PutUint32(data, v)
	case 2:
		var v uint16
		switch offset {
		case VIRTIO_MMIO_MSI_CSR:
			if t.vendorID&FeatureMsiInterrupt != 0 {
				v = msiCsrSupported
			}
		default:
			slog.Debug("virtio-mmio: unknown register word read", "offset", fmt.Sprintf("%#x", offset))
			return
		}
		binary.LittleEndian.PutUint16(data, v)
	default:
		slog.Debug("virtio-mmio: unsupported register read width", "offset", fmt.Sprintf("%#x", offset), "len", len(data))
	}
}

// WriteRegister serves a guest write to the transport's register window.
// offset is relative to the device's MMIO base.
func (t *Transport) WriteRegister(offset uint64, data []byte) {
	if offset >= VIRTIO_MMIO_CONFIG && offset < doorbellOffset {
		t.writeDeviceConfig(offset-VIRTIO_MMIO_CONFIG, data)
		return
	}

	switch len(data) {
	case 4:
		v := binary.LittleEndian.Uint32(data)
		switch offset {
		case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
			t.featuresSelect = v
		case VIRTIO_MMIO_DRIVER_FEATURES:
			t.setAckedFeatures(v)
		case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
			t.ackedFeaturesSelect = v
		case VIRTIO_MMIO_QUEUE_SEL:
			t.queueSelect = v
		case VIRTIO_MMIO_SHM_SEL:
			t.shmSelect = v
		case VIRTIO_MMIO_QUEUE_NUM:
			t.updateQueueField(func(q *QueueState) { q.SetSize(uint16(v)) })
		case VIRTIO_MMIO_QUEUE_READY:
			t.updateQueueField(func(q *QueueState) { q.SetReady(v == 1) })
		case VIRTIO_MMIO_QUEUE_DESC_LOW:
			t.updateQueueField(func(q *QueueState) { q.SetDescAddrLow(v) })
		case VIRTIO_MMIO_QUEUE_DESC_HIGH:
			t.updateQueueField(func(q *QueueState) { q.SetDescAddrHigh(v) })
		case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
			t.updateQueueField(func(q *QueueState) { q.SetAvailAddrLow(v) })
		case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
			t.updateQueueField(func(q *QueueState) { q.SetAvailAddrHigh(v) })
		case VIRTIO_MMIO_QUEUE_USED_LOW:
			t.updateQueueField(func(q *QueueState) { q.SetUsedAddrLow(v) })
		case VIRTIO_MMIO_QUEUE_USED_HIGH:
			t.updateQueueField(func(q *QueueState) { q.SetUsedAddrHigh(v) })
		case VIRTIO_MMIO_INTERRUPT_ACK:
			t.interruptStatus.And(^v)
		case VIRTIO_MMIO_STATUS:
			t.updateDriverStatus(v)
		case VIRTIO_MMIO_MSI_ADDRESS_LOW:
			t.setMsiAddressLow(v)
		case VIRTIO_MMIO_MSI_ADDRESS_HIGH:
			t.setMsiAddressHigh(v)
		case VIRTIO_MMIO_MSI_DATA:
			t.setMsiData(v)
		default:
			slog.Debug("virtio-mmio: unknown register write", "offset", fmt.Sprintf("%#x", offset), "value", fmt.Sprintf("%#x", v))
		}
	case 2:
		v := binary.LittleEndian.Uint16(data)
		switch offset {
		case VIRTIO_MMIO_MSI_CSR:
			t.updateMsiEnable(v)
		case VIRTIO_MMIO_MSI_COMMAND:
			t.handleMsiCmd(v)
		default:
			slog.Debug("virtio-mmio: unknown register word write", "offset", fmt.Sprintf("%#x", offset), "value", fmt.Sprintf("%#x", v))
		}
	default:
		slog.Debug("virtio-mmio: unsupported register write width", "offset", fmt.Sprintf("%#x", offset), "len", len(data))
	}
}

// updateDriverStatus walks the driver status state machine. Each legal
// value is reachable from exactly one predecessor; anything else latches
// the FAILED bit. Reaching DRIVER_OK triggers activation, and a write of
// zero from an activated device runs the full deactivate/reset sequence.
func (t *Transport) updateDriverStatus(v uint32) {
	ok := false
	switch {
	case v == statusStateAck:
		ok = t.exchangeStatus(statusStateInit, v)
	case v == statusStateDriver:
		ok = t.exchangeStatus(statusStateAck, v)
	case v == statusStateFeaturesOK:
		ok = t.exchangeStatus(statusStateDriver, v)
	case v == statusStateDriverOK:
		ok = t.exchangeStatus(statusStateFeaturesOK, v)
		if ok {
			if err := t.Activate(); err != nil {
				slog.Warn("virtio-mmio: device activation failed", "err", err)
				if rerr := t.Reset(); rerr != nil {
					slog.Warn("virtio-mmio: reset after failed activation failed", "err", rerr)
				}
				ok = false
			}
		}
	case v == 0:
		if t.driverStatus == statusStateInit {
			ok = true
		} else if t.activated {
			if err := t.device.Reset(); err != nil {
				slog.Warn("virtio-mmio: backend device reset failed", "err", err)
			} else {
				t.Deactivate()
				if err := t.Reset(); err != nil {
					slog.Warn("virtio-mmio: transport reset failed", "err", err)
				} else {
					ok = t.exchangeStatus(statusStateDriverOK, statusStateInit)
				}
			}
		}
	case v == t.driverStatus:
		// No state change.
		ok = true
	case v&StatusFailed != 0:
		// The guest driver gave up on the device.
		t.setDeviceFailed()
		ok = true
	}

	if !ok {
		slog.Warn("virtio-mmio: invalid driver status transition",
			"from", fmt.Sprintf("%#x", t.driverStatus), "to", fmt.Sprintf("%#x", v))
		t.setDeviceFailed()
	}
}

func (t *Transport) exchangeStatus(old, new uint32) bool {
	if t.driverStatus != old {
		return false
	}
	t.driverStatus = new
	return true
}

// checkDriverStatus reports whether every bit in set is set and every bit
// in clr is clear in the current driver status.
func (t *Transport) checkDriverStatus(set, clr uint32) bool {
	return t.driverStatus&(set|clr) == set
}

// updateQueueField mutates the selected queue, but only in the window of
// the initialization sequence where queue configuration is legal.
func (t *Transport) updateQueueField(f func(*QueueState)) {
	if !t.checkDriverStatus(StatusFeaturesOK, StatusDriverOK|StatusFailed) {
		slog.Debug("virtio-mmio: queue update in invalid state", "status", fmt.Sprintf("%#x", t.driverStatus))
		return
	}
	if err := t.mutateQueue(f); err != nil {
		slog.Debug("virtio-mmio: queue update for out-of-range selector", "queue_sel", t.queueSelect)
	}
}

func (t *Transport) deviceFeatures() uint32 {
	features := t.device.AvailFeatures(t.featuresSelect)
	if t.featuresSelect == 1 {
		features |= 0x1 // VIRTIO_F_VERSION_1
	}
	return features
}

func (t *Transport) setAckedFeatures(v uint32) {
	if !t.checkDriverStatus(StatusDriver, StatusFeaturesOK|StatusFailed) {
		slog.Debug("virtio-mmio: feature ack in invalid state", "status", fmt.Sprintf("%#x", t.driverStatus))
		return
	}
	t.device.AckFeatures(t.ackedFeaturesSelect, v)
}

func (t *Transport) readDeviceConfig(offset uint64, data []byte) {
	if !t.checkDriverStatus(StatusDriver, StatusFailed) {
		slog.Debug("virtio-mmio: config read before driver ready")
		return
	}
	if err := t.device.ReadConfig(offset, data); err != nil {
		slog.Warn("virtio-mmio: device config read failed", "offset", fmt.Sprintf("%#x", offset), "err", err)
	}
}

func (t *Transport) writeDeviceConfig(offset uint64, data []byte) {
	if !t.checkDriverStatus(StatusDriver, StatusFailed) {
		slog.Debug("virtio-mmio: config write before driver ready")
		return
	}
	if err := t.device.WriteConfig(offset, data); err != nil {
		slog.Warn("virtio-mmio: device config write failed", "offset", fmt.Sprintf("%#x", offset), "err", err)
	}
}

// tweakInterruptFlags optionally reports a permanently ready used-ring so
// backends can signal the guest straight through an irqfd.
func (t *Transport) tweakInterruptFlags(flags uint32) uint32 {
	if t.vendorID&FeatureIntrUsed != 0 {
		return flags | InterruptVring
	}
	return flags
}

// RaiseInterrupt sets interrupt status bits prior to injection by the
// routing layer. Safe to call from device worker threads.
func (t *Transport) RaiseInterrupt(bits uint32) {
	t.interruptStatus.Or(bits)
}

// InterruptStatus returns the raw interrupt status bits.
func (t *Transport) InterruptStatus() uint32 {
	return t.interruptStatus.Load()
}

// shmField evaluates f against the shared memory region addressed by the
// guest's region selector, or returns def when there is no shared memory
// or the selector is out of range.
func (t *Transport) shmField(def uint32, f func(SharedMemoryRegion) uint32) uint32 {
	if t.shmRegions == nil {
		return def
	}
	idx := int(t.shmSelect)
	if idx < 0 || idx >= len(t.shmRegions.Regions) {
		return def
	}
	return f(t.shmRegions.Regions[idx])
}
