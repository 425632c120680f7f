package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ShareKind distinguishes the two share balances a principal can hold.
type ShareKind uint8

const (
	ShareKindSupply ShareKind = iota
	ShareKindDebt
)

func (k ShareKind) String() string {
	switch k {
	case ShareKindSupply:
		return "supply"
	case ShareKindDebt:
		return "debt"
	default:
		return "unknown"
	}
}

func parseShareKind(s string) (ShareKind, error) {
	switch s {
	case "supply":
		return ShareKindSupply, nil
	case "debt":
		return ShareKindDebt, nil
	default:
		return 0, fmt.Errorf("unknown share kind %q", s)
	}
}

// AccountKey identifies one share balance: (principal, asset, kind).
type AccountKey struct {
	Principal uuid.UUID
	Asset     string
	Kind      ShareKind
}

func NewSupplyAccountKey(principal uuid.UUID, asset string) AccountKey {
	return AccountKey{Principal: principal, Asset: asset, Kind: ShareKindSupply}
}

func NewDebtAccountKey(principal uuid.UUID, asset string) AccountKey {
	return AccountKey{Principal: principal, Asset: asset, Kind: ShareKindDebt}
}

// AccountPath returns the canonical string form, e.g.
// "supply:550e8400-e29b-41d4-a716-446655440000:USDC".
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.Principal, k.Asset)
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 3)
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	kind, err := parseShareKind(parts[0])
	if err != nil {
		return AccountKey{}, err
	}
	principal, err := uuid.Parse(parts[1])
	if err != nil {
		return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
	}
	if parts[2] == "" {
		return AccountKey{}, fmt.Errorf("account path %q has no asset", path)
	}
	return AccountKey{Principal: principal, Asset: parts[2], Kind: kind}, nil
}
