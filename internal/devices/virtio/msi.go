package virtio

import (
	"log/slog"

	"github.com/ternvm/tern/internal/interrupt"
)

// msiState is the guest-programmable MSI configuration. It exists exactly
// while the interrupt routing manager is in message-signaled mode; legacy
// mode carries no per-vector state.
type msiState struct {
	addressLow  uint32
	addressHigh uint32
	data        uint32
	index       uint32
}

func (t *Transport) setMsiAddressLow(v uint32) {
	if t.msi != nil {
		t.msi.addressLow = v
	}
}

func (t *Transport) setMsiAddressHigh(v uint32) {
	if t.msi != nil {
		t.msi.addressHigh = v
	}
}

func (t *Transport) setMsiData(v uint32) {
	if t.msi != nil {
		t.msi.data = v
	}
}

// updateMsiEnable handles a guest write to the MSI control register,
// switching the routing manager between legacy and message-signaled
// working modes.
//
// Once the driver has reached DRIVER_OK the interrupt mode is frozen; a
// late toggle marks the device failed and changes nothing else. A failed
// mode switch likewise marks the device failed: the switch towards MSI
// leaves MSI state absent, the switch back to legacy leaves it as-is
// (best effort, not rolled back).
func (t *Transport) updateMsiEnable(csr uint16) {
	enable := csr&msiCsrEnabled != 0

	if t.driverStatus&StatusDriverOK != 0 {
		if t.driverStatus&StatusFailed == 0 {
			slog.Warn("virtio-mmio: MSI mode toggle after driver ready", "enable", enable)
			t.setDeviceFailed()
		}
		return
	}

	switch {
	case enable && t.msi == nil:
		if err := t.intr.SetWorkingMode(interrupt.ModeMsi); err != nil {
			slog.Warn("virtio-mmio: switch to MSI mode failed", "err", err)
			t.setDeviceFailed()
			return
		}
		t.msi = &msiState{}
	case !enable && t.msi != nil:
		if err := t.intr.SetWorkingMode(interrupt.ModeLegacy); err != nil {
			slog.Warn("virtio-mmio: switch to legacy mode failed", "err", err)
			t.setDeviceFailed()
			return
		}
		t.msi = nil
	}
}

// updateMsiCfg pushes the guest-programmed address and data for one vector
// into the routing manager. When routing is already enabled the vector is
// applied immediately, so reconfiguration takes effect without a full
// re-activation.
func (t *Transport) updateMsiCfg(vector uint32) {
	if t.msi == nil {
		return
	}
	entry := interrupt.MsiEntry{
		AddressLow:  t.msi.addressLow,
		AddressHigh: t.msi.addressHigh,
		Data:        t.msi.data,
	}
	if err := t.intr.SetMsiEntry(vector, entry); err != nil {
		slog.Warn("virtio-mmio: set MSI entry failed", "vector", vector, "err", err)
		t.setDeviceFailed()
		return
	}
	if t.intr.Enabled() {
		if err := t.intr.Apply(vector); err != nil {
			slog.Warn("virtio-mmio: apply MSI vector failed", "vector", vector, "err", err)
			t.setDeviceFailed()
		}
	}
}

// handleMsiCmd decodes a guest-written MSI command word into a sub-command
// and a vector index argument.
func (t *Transport) handleMsiCmd(word uint16) {
	cmd := word & msiCmdCodeMask
	vector := uint32(word & msiCmdArgMask)

	switch cmd {
	case msiCmdUpdate:
		if vector >= t.intr.VectorCount() {
			// An invalid update is ignored rather than failing the
			// device; MASK/UNMASK below do fail it.
			slog.Warn("virtio-mmio: MSI update for out-of-range vector", "vector", vector)
			return
		}
		if t.msi != nil {
			t.msi.index = vector
		}
		t.updateMsiCfg(vector)
	case msiCmdIntMask, msiCmdIntUnmask:
		want := cmd == msiCmdIntMask
		masked, err := t.intr.Masked(vector)
		if err != nil {
			slog.Warn("virtio-mmio: query MSI mask failed", "vector", vector, "err", err)
			t.setDeviceFailed()
			return
		}
		if masked == want {
			return
		}
		if err := t.intr.SetMask(vector, want); err != nil {
			slog.Warn("virtio-mmio: set MSI mask failed", "vector", vector, "masked", want, "err", err)
			t.setDeviceFailed()
		}
	default:
		slog.Warn("virtio-mmio: unknown MSI command", "cmd", cmd)
		t.setDeviceFailed()
	}
}
