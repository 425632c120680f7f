package query

import (
	"context"
	"fmt"

	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceResponse is a principal's live position in one asset: shares plus
// the amounts they convert to right now.
type BalanceResponse struct {
	Principal uuid.UUID `json:"principal"`
	Asset     string    `json:"asset"`

	SupplyShares string `json:"supply_shares"`
	DebtShares   string `json:"debt_shares"`

	// Derived from the market's current aggregate (interest included)
	SupplyBalance string `json:"supply_balance"` // rounded down
	DebtBalance   string `json:"debt_balance"`   // rounded up

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PoolReader is the read surface of the pool.
type PoolReader interface {
	TotalSupplied(ctx context.Context, asset string) (*uint256.Int, error)
	TotalBorrowed(ctx context.Context, asset string) (*uint256.Int, error)
	SupplyBalanceOf(ctx context.Context, principal uuid.UUID, asset string) (*uint256.Int, error)
	DebtBalanceOf(ctx context.Context, principal uuid.UUID, asset string) (*uint256.Int, error)
	SharesOf(principal uuid.UUID, asset string) state.PrincipalPosition
	PositionsOf(principal uuid.UUID) []state.PrincipalPosition
	AssetState(asset string) (state.AssetState, bool)
	Assets() []state.AssetState
	Sequence() int64
}

// LiveService answers queries straight from the pool's in-memory state.
type LiveService struct {
	pool PoolReader
}

func NewLiveService(pool PoolReader) *LiveService {
	return &LiveService{pool: pool}
}

// GetBalance returns the principal's shares and derived amounts in asset.
// An unknown asset or principal reads as zero.
func (s *LiveService) GetBalance(ctx context.Context, principal uuid.UUID, asset string) (*BalanceResponse, error) {
	seq := s.pool.Sequence()
	pos := s.pool.SharesOf(principal, asset)

	supply, err := s.pool.SupplyBalanceOf(ctx, principal, asset)
	if err != nil {
		return nil, fmt.Errorf("supply balance: %w", err)
	}
	debt, err := s.pool.DebtBalanceOf(ctx, principal, asset)
	if err != nil {
		return nil, fmt.Errorf("debt balance: %w", err)
	}

	return &BalanceResponse{
		Principal:     principal,
		Asset:         asset,
		SupplyShares:  pos.SupplyShares.Dec(),
		DebtShares:    pos.DebtShares.Dec(),
		SupplyBalance: supply.Dec(),
		DebtBalance:   debt.Dec(),
		AsOfSequence:  seq,
	}, nil
}

// GetBalances returns a live balance for every asset the principal holds.
func (s *LiveService) GetBalances(ctx context.Context, principal uuid.UUID) ([]BalanceResponse, error) {
	positions := s.pool.PositionsOf(principal)
	out := make([]BalanceResponse, 0, len(positions))
	for _, p := range positions {
		b, err := s.GetBalance(ctx, principal, p.Asset)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// GetAsset returns the asset record with the market's current aggregates.
func (s *LiveService) GetAsset(ctx context.Context, asset string) (*AssetResponse, error) {
	st, ok := s.pool.AssetState(asset)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, asset)
	}
	return s.assetResponse(ctx, st)
}

// ListAssets returns every onboarded asset.
func (s *LiveService) ListAssets(ctx context.Context) ([]AssetResponse, error) {
	assets := s.pool.Assets()
	out := make([]AssetResponse, 0, len(assets))
	for _, st := range assets {
		r, err := s.assetResponse(ctx, st)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *LiveService) assetResponse(ctx context.Context, st state.AssetState) (*AssetResponse, error) {
	supplied, err := s.pool.TotalSupplied(ctx, st.Asset)
	if err != nil {
		return nil, err
	}
	borrowed, err := s.pool.TotalBorrowed(ctx, st.Asset)
	if err != nil {
		return nil, err
	}
	return &AssetResponse{
		Asset:             st.Asset,
		SupplyReceiptID:   st.SupplyReceiptID(),
		DebtReceiptID:     st.DebtReceiptID(),
		TotalSupplyShares: st.TotalSupplyShares.Dec(),
		TotalDebtShares:   st.TotalDebtShares.Dec(),
		TotalSupplied:     supplied.Dec(),
		TotalBorrowed:     borrowed.Dec(),
		AsOfSequence:      s.pool.Sequence(),
	}, nil
}
