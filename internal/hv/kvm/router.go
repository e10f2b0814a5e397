//go:build linux

package kvm

import (
	"fmt"

	"github.com/ternvm/tern/internal/hv"
	"github.com/ternvm/tern/internal/interrupt"
)

// MsiRouter routes interrupts for one device through KVM. In legacy mode
// it drives a single line interrupt; in MSI mode it owns a contiguous
// block of GSIs, one per vector, each fed by its own irqfd.
//
// Like the transport it serves, a router is owned by one goroutine.
type MsiRouter struct {
	vmFd int

	legacyIrq uint32
	msiBase   uint32

	mode    interrupt.WorkingMode
	enabled bool

	entries []interrupt.MsiEntry
	masked  []bool

	// One injection eventfd per vector, plus one for the legacy line.
	notifiers      []*hv.Notifier
	legacyNotifier *hv.Notifier
}

var _ interrupt.Manager = (*MsiRouter)(nil)

// NewMsiRouter creates a router over an assigned legacy line and an
// optional MSI vector block. msiCount may be zero, which pins the router
// to legacy mode.
func NewMsiRouter(vmFd int, legacyIrq uint32, msiBase, msiCount uint32) (*MsiRouter, error) {
	r := &MsiRouter{
		vmFd:      vmFd,
		legacyIrq: legacyIrq,
		msiBase:   msiBase,
		mode:      interrupt.ModeLegacy,
		entries:   make([]interrupt.MsiEntry, msiCount),
		masked:    make([]bool, msiCount),
	}
	legacyNotifier, err := hv.NewNotifier()
	if err != nil {
		return nil, fmt.Errorf("create legacy irq notifier: %w", err)
	}
	r.legacyNotifier = legacyNotifier
	for i := uint32(0); i < msiCount; i++ {
		n, err := hv.NewNotifier()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("create vector %d notifier: %w", i, err)
		}
		r.notifiers = append(r.notifiers, n)
	}
	return r, nil
}

func (r *MsiRouter) WorkingMode() interrupt.WorkingMode { return r.mode }

func (r *MsiRouter) Enabled() bool { return r.enabled }

func (r *MsiRouter) VectorCount() uint32 {
	if r.mode != interrupt.ModeMsi {
		return 0
	}
	return uint32(len(r.entries))
}

// SetWorkingMode switches between the legacy line and MSI vectors. The
// switch is refused while routes are enabled: live irqfds would have to
// be torn down mid-operation.
func (r *MsiRouter) SetWorkingMode(mode interrupt.WorkingMode) error {
	if mode == r.mode {
		return nil
	}
	if r.enabled {
		return interrupt.ErrBusy
	}
	if mode == interrupt.ModeMsi && len(r.entries) == 0 {
		return fmt.Errorf("no MSI vectors assigned")
	}
	r.mode = mode
	return nil
}

func (r *MsiRouter) SetMsiEntry(vector uint32, entry interrupt.MsiEntry) error {
	if int(vector) >= len(r.entries) {
		return interrupt.ErrVectorOutOfRange
	}
	r.entries[vector] = entry
	return nil
}

// Enable commits the staged configuration to KVM and attaches the
// injection eventfds. Idempotent.
func (r *MsiRouter) Enable() error {
	if r.enabled {
		return nil
	}
	switch r.mode {
	case interrupt.ModeMsi:
		if err := r.commitRoutes(); err != nil {
			return err
		}
		for i := range r.notifiers {
			if r.masked[i] {
				continue
			}
			if err := r.setIrqfd(uint32(i), true); err != nil {
				return err
			}
		}
	case interrupt.ModeLegacy:
		args := kvmIrqfdArgs{
			Fd:  uint32(r.legacyNotifier.FD()),
			GSI: r.legacyIrq,
		}
		if err := assignIrqfd(r.vmFd, &args); err != nil {
			return fmt.Errorf("assign legacy irqfd for gsi %d: %w", r.legacyIrq, err)
		}
	}
	r.enabled = true
	return nil
}

// Reset detaches all injection paths and returns to the legacy baseline
// with cleared vector state. Idempotent.
func (r *MsiRouter) Reset() error {
	if r.enabled {
		switch r.mode {
		case interrupt.ModeMsi:
			for i := range r.notifiers {
				if r.masked[i] {
					continue
				}
				if err := r.setIrqfd(uint32(i), false); err != nil {
					return err
				}
			}
		case interrupt.ModeLegacy:
			args := kvmIrqfdArgs{
				Fd:    uint32(r.legacyNotifier.FD()),
				GSI:   r.legacyIrq,
				Flags: kvmIrqfdFlagDeassign,
			}
			if err := assignIrqfd(r.vmFd, &args); err != nil {
				return fmt.Errorf("deassign legacy irqfd for gsi %d: %w", r.legacyIrq, err)
			}
		}
		r.enabled = false
	}
	r.mode = interrupt.ModeLegacy
	for i := range r.entries {
		r.entries[i] = interrupt.MsiEntry{}
		r.masked[i] = false
	}
	return nil
}

// Apply re-commits the routing table so a reprogrammed vector takes
// effect immediately. KVM replaces the table wholesale, so one changed
// vector means rewriting all of them.
func (r *MsiRouter) Apply(vector uint32) error {
	if int(vector) >= len(r.entries) {
		return interrupt.ErrVectorOutOfRange
	}
	return r.commitRoutes()
}

func (r *MsiRouter) Masked(vector uint32) (bool, error) {
	if int(vector) >= len(r.masked) {
		return false, interrupt.ErrVectorOutOfRange
	}
	return r.masked[vector], nil
}

// SetMask masks a vector by detaching its irqfd; interrupts signalled
// while masked are dropped, matching edge-triggered MSI semantics.
func (r *MsiRouter) SetMask(vector uint32, masked bool) error {
	if int(vector) >= len(r.masked) {
		return interrupt.ErrVectorOutOfRange
	}
	if r.masked[vector] == masked {
		return nil
	}
	if r.enabled && r.mode == interrupt.ModeMsi {
		if err := r.setIrqfd(vector, !masked); err != nil {
			return err
		}
	}
	r.masked[vector] = masked
	return nil
}

// Group returns a handle for direct mask/unmask by backend workers.
func (r *MsiRouter) Group() interrupt.Group { return routerGroup{r} }

// Trigger injects an interrupt. With routes enabled this signals the
// relevant eventfd and the kernel does the rest; before Enable it falls
// back to the direct injection ioctls.
func (r *MsiRouter) Trigger(vector uint32) error {
	if r.mode == interrupt.ModeMsi {
		if int(vector) >= len(r.notifiers) {
			return interrupt.ErrVectorOutOfRange
		}
		if r.enabled {
			return r.notifiers[vector].Notify()
		}
		e := r.entries[vector]
		args := kvmMsiArgs{
			AddressLow:  e.AddressLow,
			AddressHigh: e.AddressHigh,
			Data:        e.Data,
		}
		if err := signalMsi(r.vmFd, &args); err != nil {
			return fmt.Errorf("signal MSI for vector %d: %w", vector, err)
		}
		return nil
	}
	if r.enabled {
		return r.legacyNotifier.Notify()
	}
	if err := irqLevel(r.vmFd, r.legacyIrq, true); err != nil {
		return fmt.Errorf("raise irq line %d: %w", r.legacyIrq, err)
	}
	if err := irqLevel(r.vmFd, r.legacyIrq, false); err != nil {
		return fmt.Errorf("lower irq line %d: %w", r.legacyIrq, err)
	}
	return nil
}

// Close releases all injection eventfds. The router must be Reset first.
func (r *MsiRouter) Close() error {
	var firstErr error
	for _, n := range r.notifiers {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.legacyNotifier != nil {
		if err := r.legacyNotifier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *MsiRouter) commitRoutes() error {
	if err := setIrqRouting(r.vmFd, msiRoutingEntries(r.msiBase, r.entries)); err != nil {
		return fmt.Errorf("set GSI routing: %w", err)
	}
	return nil
}

func (r *MsiRouter) setIrqfd(vector uint32, assign bool) error {
	args := kvmIrqfdArgs{
		Fd:  uint32(r.notifiers[vector].FD()),
		GSI: r.msiBase + vector,
	}
	if !assign {
		args.Flags = kvmIrqfdFlagDeassign
	}
	if err := assignIrqfd(r.vmFd, &args); err != nil {
		return fmt.Errorf("irqfd for vector %d (assign=%v): %w", vector, assign, err)
	}
	return nil
}

// msiRoutingEntries builds the KVM routing table for a block of vectors
// rooted at base.
func msiRoutingEntries(base uint32, entries []interrupt.MsiEntry) []kvmIrqRoutingEntry {
	routes := make([]kvmIrqRoutingEntry, 0, len(entries))
	for i, e := range entries {
		routes = append(routes, kvmIrqRoutingEntry{
			GSI:  base + uint32(i),
			Type: kvmIrqRoutingTypeMsi,
			u: kvmIrqRoutingMsi{
				AddressLow:  e.AddressLow,
				AddressHigh: e.AddressHigh,
				Data:        e.Data,
			},
		})
	}
	return routes
}

type routerGroup struct {
	r *MsiRouter
}

func (g routerGroup) Mask(vector uint32) error   { return g.r.SetMask(vector, true) }
func (g routerGroup) Unmask(vector uint32) error { return g.r.SetMask(vector, false) }
