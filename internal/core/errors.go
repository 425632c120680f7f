package core

import (
	"errors"

	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"
)

var (
	ErrZeroAmount         = errors.New("amount must be positive")
	ErrInvalidAsset       = state.ErrInvalidAsset
	ErrInsufficientShares = ledger.ErrInsufficientShares
	ErrZeroAddress        = errors.New("zero address")
	ErrReentrantCall      = errors.New("reentrant call into pool")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrOverflow           = fpmath.ErrOverflow
	ErrNoDebt             = errors.New("principal has no debt in asset")
	ErrZeroShares         = errors.New("operation would move zero shares")
	ErrUnknownOp          = errors.New("unknown operation")
	ErrStateHashMismatch  = errors.New("replayed state hash does not match log")
	ErrPoolBusy           = errors.New("pool busy")
	ErrPoolClosed         = errors.New("pool closed")
)
