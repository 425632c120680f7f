package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"PoolLedger/internal/market"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// sandbox is the in-process money market the ledger runs against when no
// external market adapter is configured. Its balances live in memory only.
type sandbox struct {
	market *market.MemoryMarket
	vault  *market.MemoryVault
	tick   time.Duration
	logger zerolog.Logger
}

var sandboxRateModel = market.RateModel{
	BaseBps:          1,
	SlopeBps:         4,
	KinkBps:          8_000,
	JumpSlopeBps:     60,
	ReserveFactorBps: 1_000,
}

func newSandbox(cfg Config, logger zerolog.Logger) (*sandbox, error) {
	liquidity, err := uint256.FromDecimal(cfg.SandboxLiquidity)
	if err != nil {
		return nil, fmt.Errorf("POOL_SANDBOX_LIQUIDITY: %w", err)
	}

	vault := market.NewMemoryVault(true)
	mm := market.NewMemoryMarket(uuid.New(), vault)
	for _, asset := range cfg.SandboxAssets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			continue
		}
		if err := mm.ListReserve(asset, sandboxRateModel); err != nil {
			return nil, fmt.Errorf("list %s: %w", asset, err)
		}
		vault.Mint(asset, mm.Account(), liquidity)
		logger.Info().Str("asset", asset).Str("liquidity", liquidity.Dec()).Msg("reserve listed")
	}

	return &sandbox{market: mm, vault: vault, tick: cfg.SandboxTick, logger: logger}, nil
}

// runTicker accrues one period of interest on every reserve per tick.
func (s *sandbox) runTicker(ctx context.Context) {
	if s.tick <= 0 {
		return
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.market.Tick(); err != nil {
				s.logger.Warn().Err(err).Msg("market tick failed")
			}
		}
	}
}

type faucetRequest struct {
	Principal uuid.UUID `json:"principal"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
}

func (s *sandbox) routes() map[string]http.Handler {
	return map[string]http.Handler{
		"/sandbox/faucet": http.HandlerFunc(s.handleFaucet),
	}
}

// handleFaucet credits a principal's wallet so it can supply or repay.
func (s *sandbox) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req faucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil || amount.IsZero() {
		http.Error(w, "amount must be a positive decimal integer", http.StatusBadRequest)
		return
	}
	if req.Principal == uuid.Nil || req.Asset == "" {
		http.Error(w, "principal and asset are required", http.StatusBadRequest)
		return
	}

	s.vault.Mint(req.Asset, req.Principal, amount)
	balance, err := s.vault.BalanceOf(r.Context(), req.Asset, req.Principal)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info().
		Str("principal", req.Principal.String()).
		Str("asset", req.Asset).
		Str("amount", amount.Dec()).
		Msg("faucet mint")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"balance": balance.Dec()})
}
