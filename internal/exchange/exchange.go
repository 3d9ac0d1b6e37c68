// Package exchange correlates an offer waiting on one transport with the single
// answer that later arrives on another.
//
// Every pending exchange is keyed by a random token. The table is the only
// place that decides whether an exchange was answered or expired: Resolve and
// the expiry path of Await both take the same lock and both remove the entry,
// so whichever gets there first wins and the other observes nothing.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimeout        = errors.New("exchange: timed out waiting for answer")
	ErrClosed         = errors.New("exchange: table closed")
	ErrTooManyPending = errors.New("exchange: too many pending exchanges")
)

// maxTokenAttempts bounds token regeneration when a fresh token collides with
// a pending one.
const maxTokenAttempts = 4

type Config struct {
	// MaxPending caps the number of concurrently pending exchanges. Zero means
	// unlimited.
	MaxPending int
}

// Exchange is the waiter half of a pending exchange.
type Exchange[T any] struct {
	token   string
	created time.Time

	// result has capacity one and receives at most one value, sent by Resolve
	// while it holds the table lock.
	result chan T
	closed chan struct{}
}

func (e *Exchange[T]) Token() string { return e.token }

// Age reports how long the exchange has existed.
func (e *Exchange[T]) Age() time.Duration { return time.Since(e.created) }

type Table[T any] struct {
	maxPending int

	mu      sync.Mutex
	pending map[string]*Exchange[T]
	closed  bool
}

func New[T any](cfg Config) *Table[T] {
	maxPending := cfg.MaxPending
	if maxPending < 0 {
		maxPending = 0
	}
	return &Table[T]{
		maxPending: maxPending,
		pending:    make(map[string]*Exchange[T]),
	}
}

// Create registers a new pending exchange under a fresh token.
func (t *Table[T]) Create() (*Exchange[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.maxPending > 0 && len(t.pending) >= t.maxPending {
		return nil, ErrTooManyPending
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("generate exchange token: %w", err)
		}
		token := id.String()
		if _, exists := t.pending[token]; exists {
			continue
		}
		ex := &Exchange[T]{
			token:   token,
			created: time.Now(),
			result:  make(chan T, 1),
			closed:  make(chan struct{}),
		}
		t.pending[token] = ex
		return ex, nil
	}
	return nil, errors.New("generate exchange token: repeated collisions")
}

// Resolve delivers payload to the exchange registered under token and removes
// it. It returns false when no such exchange is pending, which is the normal
// outcome for late, duplicate or unknown answers.
func (t *Table[T]) Resolve(token string, payload T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.pending[token]
	if !ok {
		return false
	}
	delete(t.pending, token)
	ex.result <- payload
	return true
}

// Await blocks until ex is resolved, timeout elapses, ctx is done or the table
// is closed. A timeout <= 0 waits on ctx alone.
//
// On expiry the entry is removed under the table lock. If Resolve took the
// lock first the resolved payload is returned instead of the expiry error.
func (t *Table[T]) Await(ctx context.Context, ex *Exchange[T], timeout time.Duration) (T, error) {
	var zero T
	if ex == nil {
		return zero, errors.New("exchange: nil exchange")
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var cause error
	select {
	case v := <-ex.result:
		return v, nil
	case <-ex.closed:
		return t.settled(ex)
	case <-expired:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if t.remove(ex) {
		return zero, cause
	}
	return t.settled(ex)
}

// Cancel discards a pending exchange without resolving it. It reports whether
// the exchange was still pending.
func (t *Table[T]) Cancel(ex *Exchange[T]) bool {
	if ex == nil {
		return false
	}
	return t.remove(ex)
}

// Len returns the number of pending exchanges.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending exchange with ErrClosed and rejects new ones.
func (t *Table[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*Exchange[T])
	t.mu.Unlock()

	for _, ex := range pending {
		close(ex.closed)
	}
}

func (t *Table[T]) remove(ex *Exchange[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[ex.token]; ok && cur == ex {
		delete(t.pending, ex.token)
		return true
	}
	return false
}

// settled returns the outcome of an exchange that is no longer in the table.
func (t *Table[T]) settled(ex *Exchange[T]) (T, error) {
	select {
	case v := <-ex.result:
		return v, nil
	default:
		var zero T
		return zero, ErrClosed
	}
}
