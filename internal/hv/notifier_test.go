package hv

import "testing"

func TestNotifierSignalAndConsume(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	if err := n.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	// Signals coalesce into one pending count.
	v, err := n.Consume()
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if v != 2 {
		t.Errorf("pending count = %d, want 2", v)
	}
}

func TestNotifierConsumeEmpty(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	v, err := n.Consume()
	if err != nil {
		t.Fatalf("Consume on empty notifier: %v", err)
	}
	if v != 0 {
		t.Errorf("pending count = %d, want 0", v)
	}
}

func TestNotifierClose(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent; use after close reports ErrNotifierClosed.
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := n.Notify(); err != ErrNotifierClosed {
		t.Errorf("Notify after close = %v, want ErrNotifierClosed", err)
	}
	if _, err := n.Consume(); err != ErrNotifierClosed {
		t.Errorf("Consume after close = %v, want ErrNotifierClosed", err)
	}
}
