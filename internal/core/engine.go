package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/market"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Op names a pool operation.
type Op string

const (
	OpSupply   Op = "supply"
	OpWithdraw Op = "withdraw"
	OpBorrow   Op = "borrow"
	OpRepay    Op = "repay"
)

// ParseOp validates an operation name from the wire.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpSupply, OpWithdraw, OpBorrow, OpRepay:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
	}
}

// Request is one caller-initiated operation.
type Request struct {
	// RequestID deduplicates retries. Empty means "generate one".
	RequestID string
	Op        Op
	Principal uuid.UUID
	Asset     string
	Amount    *uint256.Int
}

func (r *Request) validate() error {
	if _, err := ParseOp(string(r.Op)); err != nil {
		return err
	}
	if r.Amount == nil || r.Amount.IsZero() {
		return ErrZeroAmount
	}
	if r.Principal == uuid.Nil {
		return fmt.Errorf("%w: principal", ErrZeroAddress)
	}
	if r.Asset == "" {
		return fmt.Errorf("%w: empty asset", ErrInvalidAsset)
	}
	return nil
}

// Outcome is what a committed operation returns to its caller.
type Outcome struct {
	Sequence  int64
	StateHash [32]byte
	Event     event.PrincipalEvent
}

// CoreOutput is one committed log entry handed to the background workers.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Event      event.Event
	StateDelta []byte
}

// Config wires the pool to its collaborators.
type Config struct {
	// Market is the money market as seen by Account.
	Market market.MoneyMarket
	Mover  market.AssetMover

	// Account holds the pool's aggregate market position and its transient
	// custody balance.
	Account uuid.UUID
	// Spender is the identity the market pulls approved funds with.
	Spender uuid.UUID

	StartSequence       int64
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput

	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// Pool is the transaction orchestrator. It serialises every mutating call,
// holds the per-asset and per-principal share state, and turns each
// committed operation into a sequenced, hash-chained outcome.
type Pool struct {
	gate     chan struct{} // one slot, held by whoever mutates the pool
	closed   bool          // guarded by gate
	entered  atomic.Bool
	sequence atomic.Int64 // next sequence to assign

	hasher      *StateHasher
	registry    *state.AssetRegistry
	positions   *state.PositionManager
	ledger      *ledger.ShareLedger
	validator   *ledger.InvariantValidator
	oracle      *oracle.BalanceOracle
	idempotency *IdempotencyChecker

	market  market.MoneyMarket
	mover   market.AssetMover
	account uuid.UUID
	spender uuid.UUID

	metrics *observability.Metrics
	logger  zerolog.Logger
	clock   func() time.Time

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Market == nil {
		return nil, fmt.Errorf("%w: market", ErrZeroAddress)
	}
	if cfg.Mover == nil {
		return nil, fmt.Errorf("%w: asset mover", ErrZeroAddress)
	}
	if cfg.Account == uuid.Nil {
		return nil, fmt.Errorf("%w: pool account", ErrZeroAddress)
	}
	if cfg.Spender == uuid.Nil {
		return nil, fmt.Errorf("%w: market spender", ErrZeroAddress)
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	idem, err := NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.DBChecker, cfg.Metrics, cfg.Logger)
	if err != nil {
		return nil, err
	}

	registry := state.NewAssetRegistry(cfg.Market)
	positions := state.NewPositionManager()

	p := &Pool{
		gate:           make(chan struct{}, 1),
		hasher:         NewStateHasher(),
		registry:       registry,
		positions:      positions,
		ledger:         ledger.NewShareLedger(registry, positions, cfg.Clock),
		validator:      ledger.NewInvariantValidator(registry, positions),
		oracle:         oracle.NewBalanceOracle(registry, cfg.Account),
		idempotency:    idem,
		market:         cfg.Market,
		mover:          cfg.Mover,
		account:        cfg.Account,
		spender:        cfg.Spender,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
	p.sequence.Store(cfg.StartSequence)
	return p, nil
}

func (p *Pool) Supply(ctx context.Context, principal uuid.UUID, asset string, amount *uint256.Int) (*Outcome, error) {
	return p.Execute(ctx, Request{Op: OpSupply, Principal: principal, Asset: asset, Amount: amount})
}

func (p *Pool) Withdraw(ctx context.Context, principal uuid.UUID, asset string, amount *uint256.Int) (*Outcome, error) {
	return p.Execute(ctx, Request{Op: OpWithdraw, Principal: principal, Asset: asset, Amount: amount})
}

func (p *Pool) Borrow(ctx context.Context, principal uuid.UUID, asset string, amount *uint256.Int) (*Outcome, error) {
	return p.Execute(ctx, Request{Op: OpBorrow, Principal: principal, Asset: asset, Amount: amount})
}

func (p *Pool) Repay(ctx context.Context, principal uuid.UUID, asset string, amount *uint256.Int) (*Outcome, error) {
	return p.Execute(ctx, Request{Op: OpRepay, Principal: principal, Asset: asset, Amount: amount})
}

// Execute is the main processing pipeline. It either commits the whole
// operation or leaves shares, custody and onboarding exactly as they were.
func (p *Pool) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if running, nested := operationFrom(ctx); nested {
		if p.metrics != nil {
			p.metrics.ReentrancyRejected.WithLabelValues(string(req.Op)).Inc()
		}
		p.logger.Warn().Str("op", string(req.Op)).Str("running", string(running)).Msg("reentrant call rejected")
		return nil, fmt.Errorf("%w: %s during %s", ErrReentrantCall, req.Op, running)
	}
	if err := req.validate(); err != nil {
		p.reject(req.Op, "invalid")
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if err := p.acquire(ctx, req.Op); err != nil {
		p.reject(req.Op, "lock_timeout")
		return nil, err
	}
	defer p.release()
	if p.closed {
		p.reject(req.Op, "closed")
		return nil, ErrPoolClosed
	}
	p.enter()
	defer p.exit()

	start := time.Now()

	// Step 1: Idempotency check (two-tier)
	if p.idempotency.IsDuplicate(string(req.Op), req.RequestID) {
		p.reject(req.Op, "duplicate")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}

	ctx = withOperation(ctx, req.Op)
	tx := p.ledger.Begin(req.RequestID)

	// Step 2: Lazy onboarding (undone with the operation)
	onboarded, err := p.onboard(ctx, tx, req.Asset)
	if err != nil {
		tx.Rollback()
		p.reject(req.Op, "invalid_asset")
		return nil, err
	}

	// Step 3: Dispatch
	var evt event.PrincipalEvent
	switch req.Op {
	case OpSupply:
		evt, err = p.supply(ctx, tx, req)
	case OpWithdraw:
		evt, err = p.withdraw(ctx, tx, req)
	case OpBorrow:
		evt, err = p.borrow(ctx, tx, req)
	case OpRepay:
		evt, err = p.repay(ctx, tx, req)
	}
	if err != nil {
		tx.Rollback()
		p.reject(req.Op, rejectReason(err))
		p.logger.Info().Err(err).
			Str("op", string(req.Op)).
			Str("request_id", req.RequestID).
			Str("principal", req.Principal.String()).
			Str("asset", req.Asset).
			Msg("operation rolled back")
		return nil, err
	}

	// Step 4: Commit, hash and emit
	if onboarded != nil {
		p.commit(onboarded, p.ledger.Begin(onboarded.IdempotencyKey()))
		if p.metrics != nil {
			p.metrics.AssetsOnboarded.WithLabelValues(req.Asset).Inc()
		}
	}
	out := p.commit(evt, tx)

	// Step 5: Mark as processed
	p.idempotency.MarkProcessed(string(req.Op), req.RequestID)

	if p.metrics != nil {
		p.metrics.OpsApplied.WithLabelValues(string(req.Op)).Inc()
		p.metrics.OpDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(out.Sequence))
	}

	p.logger.Debug().
		Str("op", string(req.Op)).
		Str("request_id", req.RequestID).
		Int64("sequence", out.Sequence).
		Str("amount", evt.AmountMoved().Dec()).
		Str("shares", evt.SharesMoved().Dec()).
		Msg("operation committed")

	return out, nil
}

// Close waits for the running operation, if any, and refuses every later
// one with ErrPoolClosed. Outputs already emitted are unaffected.
func (p *Pool) Close() {
	p.lock()
	defer p.release()
	p.closed = true
}

func (p *Pool) enter() {
	p.entered.Store(true)
	if p.metrics != nil {
		p.metrics.OpInFlight.Set(1)
	}
}

func (p *Pool) exit() {
	p.entered.Store(false)
	if p.metrics != nil {
		p.metrics.OpInFlight.Set(0)
	}
}

func (p *Pool) reject(op Op, reason string) {
	if p.metrics != nil {
		p.metrics.OpsRejected.WithLabelValues(string(op), reason).Inc()
	}
}

// onboard ensures asset is onboarded. A fresh onboarding is forgotten
// again if tx rolls back.
func (p *Pool) onboard(ctx context.Context, tx *ledger.Tx, asset string) (*event.AssetOnboarded, error) {
	st, created, err := p.registry.EnsureOnboarded(ctx, asset)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	tx.OnRollback(func() { p.registry.Forget(asset) })
	return &event.AssetOnboarded{
		Asset:           asset,
		SupplyReceiptID: st.SupplyReceiptID(),
		DebtReceiptID:   st.DebtReceiptID(),
		Timestamp:       p.clock(),
	}, nil
}

// commit seals tx under the next sequence, verifies the share invariants,
// chains the state hash and hands the entry to the workers.
func (p *Pool) commit(evt event.Event, tx *ledger.Tx) *Outcome {
	seq := p.sequence.Load()
	batch := tx.Commit(seq)

	if err := p.validator.ValidateBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed share batch: %v", err))
	}
	if err := p.validator.ValidateShareSums(evt.AssetKey()); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	hashStart := time.Now()
	digest := p.computeStateDigest(evt, batch)
	prevHash := p.hasher.GetPrevHash()
	stateHash := p.hasher.ComputeHash(seq, digest)
	if p.metrics != nil {
		p.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		for _, j := range batch.Journals {
			p.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	payload, err := event.EncodePayload(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", evt.EventType(), err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Asset:          evt.AssetKey(),
		Timestamp:      time.UnixMicro(batch.Timestamp),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	p.sequence.Add(1)

	p.emit(CoreOutput{Envelope: envelope, Batch: batch, Event: evt, StateDelta: digest})

	out := &Outcome{Sequence: seq, StateHash: stateHash}
	if pe, ok := evt.(event.PrincipalEvent); ok {
		out.Event = pe
	}
	return out
}

// emit uses a BLOCKING send for persistence (no outcome is ever lost) and a
// NON-BLOCKING send for projections, which can be rebuilt from the log.
func (p *Pool) emit(output CoreOutput) {
	if p.persistChan != nil {
		p.persistChan <- output
	}
	if p.projectionChan != nil {
		select {
		case p.projectionChan <- output:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: the asset
// record followed by every position the batch touched, in principal order.
// An onboarding always digests the fresh record, since it is committed
// after the operation that triggered it has already moved shares.
func (p *Pool) computeStateDigest(evt event.Event, batch *ledger.Batch) []byte {
	asset := evt.AssetKey()
	st, ok := p.registry.Get(asset)
	if !ok {
		panic(fmt.Sprintf("FATAL: digest for unknown asset %s", asset))
	}
	if evt.EventType() == event.EventTypeAssetOnboarded {
		st.TotalSupplyShares = new(uint256.Int)
		st.TotalDebtShares = new(uint256.Int)
	}

	seen := make(map[uuid.UUID]bool)
	principals := make([]uuid.UUID, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		if !seen[j.Account.Principal] {
			seen[j.Account.Principal] = true
			principals = append(principals, j.Account.Principal)
		}
	}
	sort.Slice(principals, func(i, j int) bool {
		return bytes.Compare(principals[i][:], principals[j][:]) < 0
	})

	digest := st.CanonicalBytes()
	for _, principal := range principals {
		pos := p.positions.GetPosition(principal, asset)
		digest = append(digest, pos.CanonicalBytes()...)
	}
	return digest
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrNoDebt):
		return "no_debt"
	case errors.Is(err, ErrZeroShares):
		return "zero_shares"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrInvalidAsset):
		return "invalid_asset"
	default:
		return "market"
	}
}
