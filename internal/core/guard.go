package core

import (
	"context"
	"fmt"
	"time"
)

type inFlightKey struct{}

// withOperation marks ctx as belonging to a running pool operation. The
// market and mover receive this context, so anything they call back into the
// pool with it is recognised as nested.
func withOperation(ctx context.Context, op Op) context.Context {
	return context.WithValue(ctx, inFlightKey{}, op)
}

// operationFrom reports the operation already running on ctx, if any.
func operationFrom(ctx context.Context) (Op, bool) {
	op, ok := ctx.Value(inFlightKey{}).(Op)
	return op, ok
}

func (p *Pool) lock() { p.gate <- struct{}{} }

func (p *Pool) release() { <-p.gate }

// acquire takes the pool for op. A caller that is blocked behind a running
// operation waits until ctx ends. A nested call that lost its in-flight
// marker is the usual cause, so that case is logged: it can only ever
// finish through its own deadline.
func (p *Pool) acquire(ctx context.Context, op Op) error {
	select {
	case p.gate <- struct{}{}:
		return nil
	default:
	}

	start := time.Now()
	if p.entered.Load() {
		p.logger.Warn().Str("op", string(op)).Msg("waiting on the operation in flight")
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.OpLockWait.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		}
	}()

	select {
	case p.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Str("op", string(op)).Dur("waited", time.Since(start)).Msg("gave up waiting for the pool")
		return fmt.Errorf("%w: %s: %w", ErrPoolBusy, op, ctx.Err())
	}
}
