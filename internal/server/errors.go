package server

import (
	"context"
	"errors"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeTable = []struct {
	err  error
	code codes.Code
}{
	{core.ErrZeroAmount, codes.InvalidArgument},
	{core.ErrInvalidAsset, codes.InvalidArgument},
	{core.ErrZeroAddress, codes.InvalidArgument},
	{core.ErrUnknownOp, codes.InvalidArgument},
	{core.ErrOverflow, codes.InvalidArgument},
	{ingestion.ErrMalformedCommand, codes.InvalidArgument},
	{core.ErrInsufficientShares, codes.FailedPrecondition},
	{core.ErrNoDebt, codes.FailedPrecondition},
	{core.ErrZeroShares, codes.FailedPrecondition},
	{core.ErrDuplicateRequest, codes.AlreadyExists},
	{core.ErrReentrantCall, codes.Aborted},
	{core.ErrPoolBusy, codes.Unavailable},
	{core.ErrPoolClosed, codes.Unavailable},
	{query.ErrNotFound, codes.NotFound},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// toStatus maps a pool or query error to a gRPC status. Anything
// unrecognised (market failures included) is Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}
