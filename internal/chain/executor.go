package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/kya/internal/logging"
)

// Executor serializes everything that runs on one chain.
type Executor struct {
	id  string
	sem chan struct{}
}

// NewExecutor returns an executor for chain id.
func NewExecutor(id string) *Executor {
	return &Executor{id: id, sem: make(chan struct{}, 1)}
}

// ID returns the chain this executor serves.
func (e *Executor) ID() string { return e.id }

// Do runs fn with exclusive access to the chain's state. It waits for the
// current operation to finish or for ctx to be cancelled. A panic in fn is
// recovered and returned as an error so one bad message cannot wedge the chain.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	ctx = logging.WithChain(ctx, e.id)
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic in chain executor", "panic", r)
			err = fmt.Errorf("chain %s: panic: %v", e.id, r)
		}
	}()
	return fn(ctx)
}

// Logger returns a logger tagged with the chain ID.
func (e *Executor) Logger(ctx context.Context) *slog.Logger {
	return logging.L(logging.WithChain(ctx, e.id))
}
