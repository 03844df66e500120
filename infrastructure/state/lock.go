package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockFailed is returned by Lock.Acquire when the lock could not be
// obtained within wait_timeout.
var ErrLockFailed = errors.New("state: lock acquisition failed")

// Lock is a named, TTL-bound distributed lock built on the same Store
// used elsewhere. Acquisition polls CheckAndSet until wait_timeout.
type Lock struct {
	store     Store
	namespace string
	// SkewBound is the assumed clock-skew bound across holders, used only
	// for documentation/metrics purposes (Open Question #2): callers
	// should not treat held-lock exclusivity as exact across this bound.
	SkewBound time.Duration
	sleep     func(time.Duration)
	now       func() time.Time
}

// NewLock constructs a Lock whose keys live under namespace "acteon",
// tenant "global", kind KindLock in the given store.
func NewLock(store Store) *Lock {
	return &Lock{
		store:     store,
		namespace: "acteon",
		SkewBound: 2 * time.Second,
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// Guard represents an acquired lock. Release is idempotent and only
// removes the lock if it is still owned by this guard's token.
type Guard struct {
	lock  *Lock
	key   string
	token string
}

// Acquire attempts to obtain the named logical lock, retrying
// check_and_set until waitTimeout elapses. Re-entrant acquisition of the
// same name by the same caller is not supported and will
// simply block/time out like any other contender.
func (l *Lock) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (*Guard, error) {
	key := CanonicalKey(l.namespace, "global", KindLock, name)
	token := uuid.NewString()
	deadline := l.now().Add(waitTimeout)

	for {
		created, err := l.store.CheckAndSet(ctx, key, []byte(token), ttl)
		if err != nil {
			return nil, fmt.Errorf("lock acquire %q: %w", name, err)
		}
		if created {
			return &Guard{lock: l, key: key, token: token}, nil
		}

		if !l.now().Before(deadline) {
			return nil, fmt.Errorf("%w: %q after %s", ErrLockFailed, name, waitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		l.sleep(20 * time.Millisecond)
	}
}

// Release removes the lock only if it is still held by this guard's
// token, so a lock that already expired and was re-acquired by another
// holder is never stolen back.
func (g *Guard) Release(ctx context.Context) error {
	v, ok, err := g.lock.store.Get(ctx, g.key)
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	if !ok || string(v) != g.token {
		return nil // already expired or taken over; nothing to do
	}
	_, err = g.lock.store.Delete(ctx, g.key)
	return err
}
