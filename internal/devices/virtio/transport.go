package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ternvm/tern/internal/hv"
	"github.com/ternvm/tern/internal/interrupt"
)

var (
	// ErrInvalidResources is returned when device attachment did not
	// assign a trapped MMIO window of the expected size.
	ErrInvalidResources = errors.New("no transport MMIO window in assigned resources")

	// ErrInvalidQueueConfig is returned by Activate when at least one
	// queue fails its validity check against guest memory.
	ErrInvalidQueueConfig = errors.New("invalid queue configuration")

	// ErrNoSuchQueue is reported when the guest's queue selector points
	// outside the device's queues and a mutation was attempted.
	ErrNoSuchQueue = errors.New("no such queue")
)

// Transport is the MMIO transport state machine for one virtio device. It
// mediates between the guest driver's register writes (decoded upstream
// into the Read/Write register methods) and the backend Device, owning
// queue configuration, interrupt-mode negotiation, host notification-path
// registration, the activate/reset lifecycle, and shared-memory teardown.
//
// A Transport is not safe for concurrent use. It is designed to be driven
// by the single exit-handling thread that serves the device's trapped MMIO
// window; callers needing broader access must serialize at the dispatch
// layer. Interrupt injection and config-change notification happen
// asynchronously on device worker threads, which is why interruptStatus
// and configGeneration are the two atomic fields.
type Transport struct {
	device Device
	vm     hv.VmHandle
	mem    hv.GuestMemory
	intr   interrupt.Manager

	deviceResources Resources
	mmioWindow      MmioRange
	vendorID        uint32

	queues       []*QueueConfig
	hasCtrlQueue bool

	configNotifier *hv.Notifier

	activated          bool
	ioeventsRegistered bool
	doorbellEnabled    bool

	featuresSelect      uint32
	ackedFeaturesSelect uint32
	queueSelect         uint32
	shmSelect           uint32

	msi      *msiState
	doorbell *Doorbell

	shmRegions *SharedMemoryList

	driverStatus     uint32
	interruptStatus  atomic.Uint32
	configGeneration atomic.Uint32

	// lenient downgrades structural invariant violations from panics to
	// error logs. Off by default: a silently skipped teardown leaks
	// hypervisor resources.
	lenient bool
}

// Options tune transport construction.
type Options struct {
	// Features requests transport feature bits (FeaturePerQueueNotify,
	// FeatureIntrUsed). Bits the host cannot honor are cleared.
	Features uint32

	// LenientInvariants logs structural invariant violations instead of
	// panicking.
	LenientInvariants bool
}

// New builds the transport for a backend device. The assigned resources
// must contain exactly one MMIO range of MMIOWindowSize, which becomes the
// trapped register window; all remaining resources are handed to the
// backend through SetResources. The vm handle and guest memory accessor
// are shared services that must outlive the transport.
func New(vm hv.VmHandle, mem hv.GuestMemory, device Device, intr interrupt.Manager, resources Resources, opts Options) (*Transport, error) {
	var window *MmioRange
	deviceRes := Resources{
		LegacyIrqs: resources.LegacyIrqs,
		MsiIrqs:    resources.MsiIrqs,
		MemSlots:   resources.MemSlots,
	}
	for _, r := range resources.MmioRanges {
		if window == nil && r.Size == MMIOWindowSize {
			w := r
			window = &w
			continue
		}
		deviceRes.MmioRanges = append(deviceRes.MmioRanges, r)
	}
	if window == nil {
		return nil, ErrInvalidResources
	}

	features := opts.Features & featureMask
	doorbellEnabled := false
	if features&FeaturePerQueueNotify != 0 {
		if vm.SupportsWildcardIoevent() {
			doorbellEnabled = true
		} else {
			features &^= FeaturePerQueueNotify
		}
	}
	slog.Debug("virtio-mmio: transport features", "doorbell", doorbellEnabled, "features", fmt.Sprintf("%#x", features))

	vendorID := VendorID | features
	if resources.MsiVectorCount() > 0 {
		vendorID |= FeatureMsiInterrupt
	}

	sizes := device.QueueMaxSizes()
	if len(sizes) == 0 {
		return nil, fmt.Errorf("device declares no queues")
	}
	queues := make([]*QueueConfig, 0, len(sizes)+1)
	for i, size := range sizes {
		q, err := NewQueueConfig(size, uint16(i))
		if err != nil {
			return nil, fmt.Errorf("queue %d: %w", i, err)
		}
		queues = append(queues, q)
	}
	hasCtrlQueue := false
	if ctrlSize := device.CtrlQueueMaxSize(); ctrlSize > 0 {
		q, err := NewQueueConfig(ctrlSize, uint16(len(queues)))
		if err != nil {
			return nil, fmt.Errorf("control queue: %w", err)
		}
		queues = append(queues, q)
		hasCtrlQueue = true
	}

	configNotifier, err := hv.NewNotifier()
	if err != nil {
		return nil, fmt.Errorf("create config notifier: %w", err)
	}

	shmRegions, err := device.SetResources(vm, deviceRes)
	if err != nil {
		return nil, fmt.Errorf("assign device resources: %w", err)
	}

	t := &Transport{
		device:          device,
		vm:              vm,
		mem:             mem,
		intr:            intr,
		deviceResources: deviceRes,
		mmioWindow:      *window,
		vendorID:        vendorID,
		queues:          queues,
		hasCtrlQueue:    hasCtrlQueue,
		configNotifier:  configNotifier,
		doorbellEnabled: doorbellEnabled,
		shmRegions:      shmRegions,
		lenient:         opts.LenientInvariants,
	}
	if doorbellEnabled {
		t.doorbell = newDoorbell()
	}
	return t, nil
}

// MMIOWindow returns the trapped register window assigned to this device.
func (t *Transport) MMIOWindow() MmioRange { return t.mmioWindow }

// Activated reports whether the backend device is running.
func (t *Transport) Activated() bool { return t.activated }

// DriverStatus returns the guest-visible status register value.
func (t *Transport) DriverStatus() uint32 { return t.driverStatus }

// Queues returns the transport's queue handles, control queue included.
func (t *Transport) Queues() []*QueueConfig { return t.queues }

// ConfigNotifier returns the device-wide configuration-change notifier.
func (t *Transport) ConfigNotifier() *hv.Notifier { return t.configNotifier }

// NotifyConfigChange bumps the generation counter drivers use to detect
// torn config reads and raises the config-change interrupt bit. Injection
// itself is the routing manager's business. Safe to call from device
// worker threads.
func (t *Transport) NotifyConfigChange() {
	t.configGeneration.Add(1)
	t.interruptStatus.Or(InterruptConfig)
}

// QueuesValid reports whether every queue passes its validity check
// against the current guest memory.
func (t *Transport) QueuesValid() bool {
	for _, q := range t.queues {
		if !q.Ring().IsValid(t.mem) {
			return false
		}
	}
	return true
}

// Activate transitions the device into active operation: it validates
// every queue, registers the host notification paths, enables interrupt
// routing, and hands the composed configuration to the backend device.
// Activate is idempotent; calling it on an activated transport is a no-op.
//
// A notification-path failure is fully rolled back. A failure in the
// later interrupt-enable or backend-activate steps leaves the paths
// registered: the guest is expected to retry or reset, and reset unwinds
// them.
func (t *Transport) Activate() error {
	if t.activated {
		return nil
	}
	if !t.QueuesValid() {
		return ErrInvalidQueueConfig
	}
	if err := t.registerIoevents(); err != nil {
		return err
	}
	if err := t.intr.Enable(); err != nil {
		return fmt.Errorf("enable interrupt routing: %w", err)
	}

	queues := t.queues
	var ctrlQueue *QueueConfig
	if t.hasCtrlQueue {
		ctrlQueue = queues[len(queues)-1]
		queues = queues[:len(queues)-1]
	}
	cfg := &DeviceConfig{
		Vm:             t.vm,
		Mem:            t.mem,
		Queues:         queues,
		CtrlQueue:      ctrlQueue,
		ConfigNotifier: t.configNotifier,
		ShmRegions:     t.shmRegions,
	}
	if err := t.device.Activate(cfg); err != nil {
		return fmt.Errorf("activate backend device: %w", err)
	}
	t.activated = true
	return nil
}

// Deactivate marks the device as no longer running. It must be called
// after the backend device has been stopped and before Reset.
func (t *Transport) Deactivate() {
	t.activated = false
}

// ioeventBinding remembers one successful registration so a partial
// failure can be unwound with the exact match mode each binding was
// created with; the hypervisor refuses unregistration under a different
// match descriptor.
type ioeventBinding struct {
	queue *QueueConfig
	match hv.IoeventMatch
}

// registerIoevents binds every queue's notifier in the hypervisor. Each
// queue gets the always-present compatibility binding at the shared
// notify register (matching the queue index), and additionally a wildcard
// binding at its doorbell address when the fast path is enabled. On any
// failure every binding made so far is removed, in reverse order.
func (t *Transport) registerIoevents() error {
	if t.ioeventsRegistered {
		return nil
	}
	if t.doorbellEnabled && t.doorbell == nil {
		t.doorbell = newDoorbell()
	}

	var done []ioeventBinding
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			b := done[i]
			if err := t.vm.UnregisterIoevent(b.queue.Notifier(), b.match); err != nil {
				slog.Error("virtio-mmio: rollback unregister failed", "queue", b.queue.Index(), "addr", fmt.Sprintf("%#x", b.match.Addr), "err", err)
			}
		}
	}

	for _, q := range t.queues {
		if t.doorbellEnabled {
			m := hv.IoeventMatch{
				Addr:     t.mmioWindow.Base + t.doorbell.QueueOffset(q.Index()),
				Wildcard: true,
			}
			if err := t.vm.RegisterIoevent(q.Notifier(), m); err != nil {
				rollback()
				return fmt.Errorf("register doorbell ioevent for queue %d: %w", q.Index(), err)
			}
			done = append(done, ioeventBinding{queue: q, match: m})
		}
		m := hv.IoeventMatch{
			Addr: t.mmioWindow.Base + VIRTIO_MMIO_QUEUE_NOTIFY,
			Data: uint32(q.Index()),
		}
		if err := t.vm.RegisterIoevent(q.Notifier(), m); err != nil {
			rollback()
			return fmt.Errorf("register notify ioevent for queue %d: %w", q.Index(), err)
		}
		done = append(done, ioeventBinding{queue: q, match: m})
	}

	t.ioeventsRegistered = true
	return nil
}

// unregisterIoevents mirrors registerIoevents: the compatibility binding
// for every queue, plus the doorbell binding for every queue when the
// fast path is enabled. Failures are logged; there is nothing better to
// do with a half-dead binding during teardown.
func (t *Transport) unregisterIoevents() {
	for _, q := range t.queues {
		m := hv.IoeventMatch{
			Addr: t.mmioWindow.Base + VIRTIO_MMIO_QUEUE_NOTIFY,
			Data: uint32(q.Index()),
		}
		if err := t.vm.UnregisterIoevent(q.Notifier(), m); err != nil {
			slog.Error("virtio-mmio: unregister notify ioevent failed", "queue", q.Index(), "err", err)
		}
		if t.doorbellEnabled && t.doorbell != nil {
			m := hv.IoeventMatch{
				Addr:     t.mmioWindow.Base + t.doorbell.QueueOffset(q.Index()),
				Wildcard: true,
			}
			if err := t.vm.UnregisterIoevent(q.Notifier(), m); err != nil {
				slog.Error("virtio-mmio: unregister doorbell ioevent failed", "queue", q.Index(), "err", err)
			}
		}
	}
	t.ioeventsRegistered = false
}

// Reset returns the transport to its constructed state. The device must
// be deactivated first; a reset arriving while the device is still
// activated is logged and ignored, since stray resets are expected during
// shutdown sequencing.
//
// Every queue's ring is rebuilt at its original maximum size while its
// notifier is preserved, interrupt routing returns to the legacy
// baseline, all notification-path bindings are removed, and the select
// counters, MSI state and doorbell state are cleared.
func (t *Transport) Reset() error {
	if t.activated {
		slog.Warn("virtio-mmio: reset ignored while device is activated")
		return nil
	}

	for _, q := range t.queues {
		if err := q.resetRing(); err != nil {
			t.invariantViolation(fmt.Sprintf("queue ring reconstruction failed: %v", err))
			return err
		}
	}

	if err := t.intr.Reset(); err != nil {
		return fmt.Errorf("reset interrupt routing: %w", err)
	}

	if t.ioeventsRegistered {
		t.unregisterIoevents()
	}

	t.featuresSelect = 0
	t.ackedFeaturesSelect = 0
	t.queueSelect = 0
	t.shmSelect = 0
	t.msi = nil
	t.doorbell = nil
	return nil
}

// Remove tears the device down on detach. If the backend negotiated a
// shared memory window, the backing hypervisor memory slot is shrunk to
// zero first, so no mapping outlives the device.
func (t *Transport) Remove() {
	if t.shmRegions != nil {
		// Shared memory is currently resourced as exactly one address
		// range plus one memory slot; anything else means attachment and
		// teardown disagree about who owns what.
		if len(t.deviceResources.MmioRanges) != 1 || len(t.deviceResources.MemSlots) != 1 {
			t.invariantViolation(fmt.Sprintf(
				"shared memory teardown expects 1 MMIO range and 1 memory slot, have %d and %d",
				len(t.deviceResources.MmioRanges), len(t.deviceResources.MemSlots)))
		}
		slot := hv.MemorySlot{
			Slot:      t.shmRegions.Slot,
			GuestAddr: t.shmRegions.GuestAddr,
			HostAddr:  t.shmRegions.HostAddr,
			Size:      0,
		}
		if err := t.vm.UpdateMemorySlot(slot); err != nil {
			slog.Error("virtio-mmio: release shared memory slot failed", "slot", slot.Slot, "err", err)
		}
		t.shmRegions = nil
	}
	t.device.Remove()
}

// invariantViolation escalates a believed-impossible structural condition.
// Silent continuation would leak hypervisor resources, so the default is
// a hard stop; lenient transports log instead.
func (t *Transport) invariantViolation(msg string) {
	if t.lenient {
		slog.Error("virtio-mmio: invariant violation", "msg", msg)
		return
	}
	panic("virtio-mmio: invariant violation: " + msg)
}

// setDeviceFailed latches the guest-visible FAILED status bit,
// communicating an unusable device without terminating the host process.
func (t *Transport) setDeviceFailed() {
	t.driverStatus |= StatusFailed
}

// selectedQueue returns the queue addressed by the guest's queue
// selector, or nil when the selector is out of range. The selector is
// guest-controlled and may hold any value; out-of-range selections make
// every queue-indexed operation a safe no-op.
func (t *Transport) selectedQueue() *QueueConfig {
	idx := int(t.queueSelect)
	if idx < 0 || idx >= len(t.queues) {
		return nil
	}
	return t.queues[idx]
}

// withQueue reads a field of the selected queue, or returns def when the
// selector is out of range.
func (t *Transport) withQueue(def uint32, f func(*QueueState) uint32) uint32 {
	q := t.selectedQueue()
	if q == nil {
		return def
	}
	return f(q.Ring())
}

// mutateQueue applies f to the selected queue's ring, reporting
// ErrNoSuchQueue when the selector is out of range.
func (t *Transport) mutateQueue(f func(*QueueState)) error {
	q := t.selectedQueue()
	if q == nil {
		return ErrNoSuchQueue
	}
	f(q.Ring())
	return nil
}
