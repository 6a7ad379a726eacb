// Package sequence hands out document numbers per issuer and series without
// gaps or duplicates.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/resilience"
)

// ErrConflict is returned when the stored counter moved while a reservation
// was held, which means another process shares the store without the lock.
var ErrConflict = errors.New("sequence counter changed concurrently")

// ErrReleased is returned when a finished reservation is used again.
var ErrReleased = errors.New("reservation already committed or released")

// Key identifies one numbering sequence.
type Key struct {
	Issuer      string
	Model       model.DocumentModel
	Series      int
	Environment model.Environment
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", model.OnlyDigits(k.Issuer), k.Model, k.Series, k.Environment)
}

// normalized strips the CNPJ mask so stores see one key per issuer.
func (k Key) normalized() Key {
	k.Issuer = model.OnlyDigits(k.Issuer)
	return k
}

// Store persists the last used number of each sequence.
type Store interface {
	// LastNumber returns the stored value, or found=false when the sequence
	// has never been used.
	LastNumber(ctx context.Context, key Key) (last int64, found bool, err error)
	// CompareAndSwap sets the value to next only when it currently equals
	// prev (a missing row counts as 0) and reports whether it did.
	CompareAndSwap(ctx context.Context, key Key, prev, next int64) (bool, error)
}

// Numerator reserves numbers. Reservations for the same key are serialized;
// a number is consumed only when its reservation is committed.
type Numerator struct {
	store  Store
	locks  *resilience.KeyedMutex
	logger *zap.Logger
}

// NewNumerator creates a numerator over store.
func NewNumerator(store Store, logger *zap.Logger) *Numerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Numerator{
		store:  store,
		locks:  resilience.NewKeyedMutex(),
		logger: logger,
	}
}

// Reservation is a number held under the sequence lock.
type Reservation struct {
	Key    Key
	Number int64

	prev    int64
	store   Store
	unlock  func()
	mu      sync.Mutex
	settled bool
}

// Reserve locks the sequence and returns the next number. hint is the last
// number known to the caller: it seeds an unused sequence and advances a
// lagging one, but never moves the counter backwards. The caller must
// Commit or Release the reservation.
func (n *Numerator) Reserve(ctx context.Context, key Key, hint int64) (*Reservation, error) {
	key = key.normalized()
	unlock, err := n.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}

	last, found, err := n.store.LastNumber(ctx, key)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to read sequence %s: %w", key, err)
	}

	base := last
	switch {
	case hint > last:
		if found {
			n.logger.Warn("advancing sequence to caller hint",
				zap.String("sequence", key.String()),
				zap.Int64("stored", last),
				zap.Int64("hint", hint))
		}
		base = hint
	case hint < last && hint > 0:
		n.logger.Warn("ignoring stale caller hint",
			zap.String("sequence", key.String()),
			zap.Int64("stored", last),
			zap.Int64("hint", hint))
	}

	if base >= 999999999 {
		unlock()
		return nil, model.NewValidationError("metadata.number", base+1, "range", "sequence exhausted for series")
	}

	return &Reservation{
		Key:    key,
		Number: base + 1,
		prev:   last,
		store:  n.store,
		unlock: unlock,
	}, nil
}

// Commit persists the reserved number and releases the sequence.
func (r *Reservation) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return ErrReleased
	}
	r.settled = true
	defer r.unlock()

	ok, err := r.store.CompareAndSwap(ctx, r.Key, r.prev, r.Number)
	if err != nil {
		return fmt.Errorf("failed to commit sequence %s: %w", r.Key, err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Release gives the number back without consuming it. Releasing a settled
// reservation is a no-op, so it is safe to defer.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.unlock()
}

// Peek returns the number the next reservation would get, without locking.
func (n *Numerator) Peek(ctx context.Context, key Key) (int64, error) {
	key = key.normalized()
	last, _, err := n.store.LastNumber(ctx, key)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[Key]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]int64)}
}

// LastNumber implements Store.
func (m *MemoryStore) LastNumber(_ context.Context, key Key) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// CompareAndSwap implements Store.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key Key, prev, next int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[key] != prev {
		return false, nil
	}
	m.values[key] = next
	return true, nil
}
