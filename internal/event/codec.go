package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// payloadWire is the JSON shape of every outcome payload. Amounts travel as
// decimal strings so no consumer loses precision above 2^53.
type payloadWire struct {
	RequestID       string    `json:"request_id,omitempty"`
	Principal       string    `json:"principal,omitempty"`
	Asset           string    `json:"asset"`
	Requested       string    `json:"requested,omitempty"`
	Amount          string    `json:"amount,omitempty"`
	Shares          string    `json:"shares,omitempty"`
	Recredited      string    `json:"recredited,omitempty"`
	Refunded        string    `json:"refunded,omitempty"`
	SupplyReceiptID string    `json:"supply_receipt_id,omitempty"`
	DebtReceiptID   string    `json:"debt_receipt_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// EncodePayload serialises an outcome for the envelope and the outbound bus.
func EncodePayload(evt Event) ([]byte, error) {
	var w payloadWire
	switch e := evt.(type) {
	case *AssetOnboarded:
		w = payloadWire{Asset: e.Asset, SupplyReceiptID: e.SupplyReceiptID, DebtReceiptID: e.DebtReceiptID, Timestamp: e.Timestamp}
	case *Deposit:
		w = payloadWire{RequestID: e.RequestID, Principal: e.Principal.String(), Asset: e.Asset,
			Amount: dec(e.Amount), Shares: dec(e.Shares), Timestamp: e.Timestamp}
	case *Withdraw:
		w = payloadWire{RequestID: e.RequestID, Principal: e.Principal.String(), Asset: e.Asset,
			Requested: dec(e.Requested), Amount: dec(e.Amount), Shares: dec(e.Shares),
			Recredited: dec(e.Recredited), Timestamp: e.Timestamp}
	case *Borrow:
		w = payloadWire{RequestID: e.RequestID, Principal: e.Principal.String(), Asset: e.Asset,
			Amount: dec(e.Amount), Shares: dec(e.Shares), Timestamp: e.Timestamp}
	case *Repay:
		w = payloadWire{RequestID: e.RequestID, Principal: e.Principal.String(), Asset: e.Asset,
			Requested: dec(e.Requested), Amount: dec(e.Amount), Shares: dec(e.Shares),
			Refunded: dec(e.Refunded), Timestamp: e.Timestamp}
	default:
		return nil, fmt.Errorf("cannot encode event type %T", evt)
	}
	return json.Marshal(w)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(et EventType, data []byte) (Event, error) {
	var w payloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", et, err)
	}

	if et == EventTypeAssetOnboarded {
		return &AssetOnboarded{Asset: w.Asset, SupplyReceiptID: w.SupplyReceiptID, DebtReceiptID: w.DebtReceiptID, Timestamp: w.Timestamp}, nil
	}

	principal, err := uuid.Parse(w.Principal)
	if err != nil {
		return nil, fmt.Errorf("invalid principal: %w", err)
	}
	var p parser
	amount := p.num("amount", w.Amount)
	shares := p.num("shares", w.Shares)

	var evt Event
	switch et {
	case EventTypeDeposit:
		evt = &Deposit{RequestID: w.RequestID, Principal: principal, Asset: w.Asset, Amount: amount, Shares: shares, Timestamp: w.Timestamp}
	case EventTypeWithdraw:
		evt = &Withdraw{RequestID: w.RequestID, Principal: principal, Asset: w.Asset,
			Requested: p.num("requested", w.Requested), Amount: amount, Shares: shares,
			Recredited: p.num("recredited", w.Recredited), Timestamp: w.Timestamp}
	case EventTypeBorrow:
		evt = &Borrow{RequestID: w.RequestID, Principal: principal, Asset: w.Asset, Amount: amount, Shares: shares, Timestamp: w.Timestamp}
	case EventTypeRepay:
		evt = &Repay{RequestID: w.RequestID, Principal: principal, Asset: w.Asset,
			Requested: p.num("requested", w.Requested), Amount: amount, Shares: shares,
			Refunded: p.num("refunded", w.Refunded), Timestamp: w.Timestamp}
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// parser collects the first decode error so call sites stay linear.
type parser struct {
	err error
}

func (p *parser) num(field, s string) *uint256.Int {
	if s == "" {
		return new(uint256.Int)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
