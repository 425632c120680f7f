package ingestion

import (
	"context"
	"errors"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Executor runs one request against the pool.
type Executor interface {
	Execute(ctx context.Context, req core.Request) (*core.Outcome, error)
}

// Dispatcher drains parsed commands into the pool one at a time and
// settles each message: ack on success or duplicate, term on a command
// that can never succeed, nak on anything that might on redelivery.
type Dispatcher struct {
	exec    Executor
	cmdChan <-chan RawCommand
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(exec Executor, cmdChan <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, cmdChan: cmdChan, metrics: metrics, logger: logger}
}

// Run processes commands until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.cmdChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle executes a single command and settles its message.
func (d *Dispatcher) Handle(ctx context.Context, raw RawCommand) {
	req, err := ParseCommand(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		d.count(raw.Op, "malformed")
		settle(raw.TermFunc)
		return
	}

	outcome, err := d.exec.Execute(ctx, req)
	switch {
	case err == nil:
		d.logger.Debug().
			Str("op", string(req.Op)).
			Str("request_id", req.RequestID).
			Int64("sequence", outcome.Sequence).
			Msg("command applied")
		d.count(req.Op, "applied")
		settle(raw.AckFunc)

	case errors.Is(err, core.ErrDuplicateRequest):
		d.count(req.Op, "duplicate")
		settle(raw.AckFunc)

	case IsPermanent(err):
		d.logger.Info().Err(err).Str("op", string(req.Op)).Str("request_id", req.RequestID).Msg("command rejected")
		d.count(req.Op, "rejected")
		settle(raw.TermFunc)

	default:
		d.logger.Warn().Err(err).Str("op", string(req.Op)).Str("request_id", req.RequestID).Msg("command failed, will retry")
		d.count(req.Op, "retry")
		settle(raw.NakFunc)
	}
}

// IsPermanent reports whether err is a rejection that redelivery cannot fix.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrMalformedCommand,
		core.ErrZeroAmount,
		core.ErrInvalidAsset,
		core.ErrInsufficientShares,
		core.ErrZeroAddress,
		core.ErrNoDebt,
		core.ErrZeroShares,
		core.ErrUnknownOp,
		core.ErrOverflow,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) count(op core.Op, result string) {
	if d.metrics != nil {
		d.metrics.CommandsReceived.WithLabelValues(string(op), result).Inc()
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
