package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OperationRequest is the body of Supply, Withdraw, Borrow and Repay.
type OperationRequest struct {
	RequestID string `json:"request_id"`
	Principal string `json:"principal"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

// OperationResponse reports the committed outcome.
type OperationResponse struct {
	Sequence  int64           `json:"sequence"`
	StateHash string          `json:"state_hash"`
	EventType string          `json:"event_type"`
	Outcome   json.RawMessage `json:"outcome"`
}

type AssetRequest struct {
	Asset string `json:"asset"`
}

type PositionRequest struct {
	Principal string `json:"principal"`
	Asset     string `json:"asset"`
}

// PoolServiceServer is the gRPC surface of the pool.
type PoolServiceServer interface {
	Supply(context.Context, *OperationRequest) (*OperationResponse, error)
	Withdraw(context.Context, *OperationRequest) (*OperationResponse, error)
	Borrow(context.Context, *OperationRequest) (*OperationResponse, error)
	Repay(context.Context, *OperationRequest) (*OperationResponse, error)
	GetAsset(context.Context, *AssetRequest) (*query.AssetResponse, error)
	GetPosition(context.Context, *PositionRequest) (*query.BalanceResponse, error)
}

// PoolService implements PoolServiceServer over the pool and its read
// models. Projected may be nil when no database is configured.
type PoolService struct {
	exec      ingestion.Executor
	live      *query.LiveService
	projected *query.QueryService
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPoolService(exec ingestion.Executor, live *query.LiveService, projected *query.QueryService, metrics *observability.Metrics, logger zerolog.Logger) *PoolService {
	return &PoolService{exec: exec, live: live, projected: projected, metrics: metrics, logger: logger}
}

func (s *PoolService) Supply(ctx context.Context, req *OperationRequest) (*OperationResponse, error) {
	return s.execute(ctx, core.OpSupply, req)
}

func (s *PoolService) Withdraw(ctx context.Context, req *OperationRequest) (*OperationResponse, error) {
	return s.execute(ctx, core.OpWithdraw, req)
}

func (s *PoolService) Borrow(ctx context.Context, req *OperationRequest) (*OperationResponse, error) {
	return s.execute(ctx, core.OpBorrow, req)
}

func (s *PoolService) Repay(ctx context.Context, req *OperationRequest) (*OperationResponse, error) {
	return s.execute(ctx, core.OpRepay, req)
}

func (s *PoolService) execute(ctx context.Context, op core.Op, req *OperationRequest) (*OperationResponse, error) {
	principal, err := uuid.Parse(req.Principal)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid principal: %v", err)
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid amount %q: %v", req.Amount, err)
	}

	outcome, err := s.exec.Execute(ctx, core.Request{
		RequestID: req.RequestID,
		Op:        op,
		Principal: principal,
		Asset:     req.Asset,
		Amount:    amount,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("op", string(op)).Str("request_id", req.RequestID).Msg("operation failed")
		return nil, toStatus(err)
	}

	payload, err := event.EncodePayload(outcome.Event)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode outcome: %v", err)
	}
	return &OperationResponse{
		Sequence:  outcome.Sequence,
		StateHash: hex.EncodeToString(outcome.StateHash[:]),
		EventType: outcome.Event.EventType().String(),
		Outcome:   payload,
	}, nil
}

func (s *PoolService) GetAsset(ctx context.Context, req *AssetRequest) (*query.AssetResponse, error) {
	if req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	defer s.observe("get_asset", time.Now())
	a, err := s.live.GetAsset(ctx, req.Asset)
	return a, s.queryErr("get_asset", err)
}

func (s *PoolService) GetPosition(ctx context.Context, req *PositionRequest) (*query.BalanceResponse, error) {
	if req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	principal, err := uuid.Parse(req.Principal)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid principal: %v", err)
	}
	defer s.observe("get_position", time.Now())
	b, err := s.live.GetBalance(ctx, principal, req.Asset)
	return b, s.queryErr("get_position", err)
}

// ListProjectedPositions reads the principal's positions from the
// projection tables.
func (s *PoolService) ListProjectedPositions(ctx context.Context, principal string) ([]query.PositionResponse, error) {
	if s.projected == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	id, err := uuid.Parse(principal)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid principal: %v", err)
	}
	defer s.observe("list_projected_positions", time.Now())
	positions, err := s.projected.GetPositions(ctx, id)
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	return positions, s.queryErr("list_projected_positions", err)
}

// ListActivity pages back through a principal's projected history.
func (s *PoolService) ListActivity(ctx context.Context, principal string, limit int, before *int64) ([]query.ActivityResponse, error) {
	if s.projected == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	id, err := uuid.Parse(principal)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid principal: %v", err)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	defer s.observe("list_activity", time.Now())
	history, err := s.projected.GetActivity(ctx, id, nil, limit, before)
	if history == nil {
		history = []query.ActivityResponse{}
	}
	return history, s.queryErr("list_activity", err)
}

// VerifyIntegrity runs the admin integrity check.
func (s *PoolService) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	if s.projected == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	defer s.observe("verify_integrity", time.Now())
	r, err := s.projected.VerifyIntegrity(ctx)
	return r, s.queryErr("verify_integrity", err)
}

func (s *PoolService) observe(endpoint string, start time.Time) {
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *PoolService) queryErr(endpoint string, err error) error {
	result := "ok"
	if err != nil {
		err = toStatus(err)
		result = "error"
		if s.metrics != nil {
			s.metrics.QueryErrors.WithLabelValues(endpoint, status.Code(err).String()).Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, result).Inc()
	}
	return err
}

var _ PoolServiceServer = (*PoolService)(nil)

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return fmt.Sprintf("/%s/%s", serviceName, name)
}
