//go:build !linux

package hv

// Notifier is a channel-backed event source on platforms without eventfd.
// It keeps the same edge semantics: signals coalesce into a pending count
// that Consume drains.
type Notifier struct {
	ch     chan struct{}
	closed bool
}

// NewNotifier creates a channel-backed notifier.
func NewNotifier() (*Notifier, error) {
	return &Notifier{ch: make(chan struct{}, 64)}, nil
}

// FD returns -1; there is no descriptor to hand to a hypervisor here.
func (n *Notifier) FD() int { return -1 }

// Notify signals the event source.
func (n *Notifier) Notify() error {
	if n.closed {
		return ErrNotifierClosed
	}
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

// Consume drains the pending event count.
func (n *Notifier) Consume() (uint64, error) {
	if n.closed {
		return 0, ErrNotifierClosed
	}
	var count uint64
	for {
		select {
		case <-n.ch:
			count++
		default:
			return count, nil
		}
	}
}

// Close releases the notifier.
func (n *Notifier) Close() error {
	n.closed = true
	return nil
}
