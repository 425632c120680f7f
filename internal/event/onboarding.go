package event

import "time"

// AssetOnboarded records the first reference to an asset and the receipt
// instruments pinned for it.
type AssetOnboarded struct {
	Asset           string
	SupplyReceiptID string
	DebtReceiptID   string
	Timestamp       time.Time
}

func (a *AssetOnboarded) IdempotencyKey() string {
	return "onboard:" + a.Asset
}

func (a *AssetOnboarded) EventType() EventType {
	return EventTypeAssetOnboarded
}

func (a *AssetOnboarded) AssetKey() string {
	return a.Asset
}
