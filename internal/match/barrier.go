package match

import (
	"context"
	"errors"
	"sync"
)

// ErrBarrierFull is returned when more parties arrive than the barrier
// was built for.
var ErrBarrierFull = errors.New("barrier already complete")

// Barrier is a one-shot rendezvous for a fixed number of parties. The
// last party to arrive runs the barrier action, then every waiter is
// released with the action's result.
type Barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	done    chan struct{}
	err     error
}

// NewBarrier creates a barrier for n parties.
func NewBarrier(n int) *Barrier {
	return &Barrier{
		parties: n,
		done:    make(chan struct{}),
	}
}

// Arrive blocks until all parties have arrived or ctx ends.
func (b *Barrier) Arrive(ctx context.Context) error {
	return b.ArriveAndRun(ctx, nil)
}

// ArriveAndRun is Arrive with an action. Only the completing party runs
// its action, exactly once, before anyone is released. Every party then
// returns the action's error.
func (b *Barrier) ArriveAndRun(ctx context.Context, action func() error) error {
	b.mu.Lock()
	if b.arrived >= b.parties {
		b.mu.Unlock()
		return ErrBarrierFull
	}
	b.arrived++
	last := b.arrived == b.parties
	b.mu.Unlock()

	if last {
		var err error
		if action != nil {
			err = action()
		}
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
		return err
	}

	select {
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arrived returns how many parties have reached the barrier.
func (b *Barrier) Arrived() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Parties returns the number of parties the barrier waits for.
func (b *Barrier) Parties() int {
	return b.parties
}

// Done is closed once the barrier has released its parties.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}
