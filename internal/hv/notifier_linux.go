//go:build linux

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Notifier is an edge-style event source backed by an eventfd. The guest
// (through an ioevent binding) or the host signals it; a device worker
// consumes it. A Notifier survives queue resets so that a signal raised
// just before a reset is observed as a harmless no-op afterwards.
type Notifier struct {
	fd     int
	closed bool
}

// NewNotifier creates an eventfd-backed notifier.
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	return &Notifier{fd: fd}, nil
}

// FD returns the underlying file descriptor for hypervisor registration.
func (n *Notifier) FD() int { return n.fd }

// Notify signals the event source.
func (n *Notifier) Notify() error {
	if n.closed {
		return ErrNotifierClosed
	}
	var buf [8]byte
	buf[0] = 1
	for {
		_, err := unix.Write(n.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("signal eventfd: %w", err)
		}
		return nil
	}
}

// Consume drains the pending event count. Returns zero with no error when
// nothing is pending.
func (n *Notifier) Consume() (uint64, error) {
	if n.closed {
		return 0, ErrNotifierClosed
	}
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("drain eventfd: %w", err)
		}
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		return v, nil
	}
}

// Close releases the descriptor. Pending signals are discarded.
func (n *Notifier) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	return unix.Close(n.fd)
}
