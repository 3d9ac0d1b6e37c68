package signaling

import (
	"errors"
	"testing"
	"time"
)

func TestOutboundQueue_ByteBudget(t *testing.T) {
	q := newOutboundQueue(8)
	if err := q.Enqueue([]byte("12345")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue([]byte("6789")); !errors.Is(err, errQueueFull) {
		t.Fatalf("err=%v, want %v", err, errQueueFull)
	}
	if err := q.Enqueue([]byte("678")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, ok := q.Dequeue()
	if !ok || string(msg) != "12345" {
		t.Fatalf("Dequeue=%q ok=%v, want %q", msg, ok, "12345")
	}
	// Space freed by the dequeue is reusable.
	if err := q.Enqueue([]byte("abcde")); err != nil {
		t.Fatalf("Enqueue after dequeue: %v", err)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}
}

func TestOutboundQueue_CloseUnblocksDequeue(t *testing.T) {
	q := newOutboundQueue(1024)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Dequeue to report closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not return after Close")
	}
	if err := q.Enqueue([]byte("x")); !errors.Is(err, errQueueClosed) {
		t.Fatalf("err=%v, want %v", err, errQueueClosed)
	}
}
