package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"PoolLedger/internal/core"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrMalformedCommand marks a command that can never be executed as sent.
var ErrMalformedCommand = errors.New("malformed command")

// commandJSON is the wire form of every command. Amount is a decimal
// string so values above 2^53 survive JSON.
type commandJSON struct {
	RequestID string `json:"request_id"`
	Principal string `json:"principal"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

// ParseCommand converts a raw command into a pool request. The asset may
// come from the payload, the subject's last token, or both if they agree.
// Without a request_id the message id keys deduplication.
func ParseCommand(raw RawCommand) (core.Request, error) {
	var j commandJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return core.Request{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	op, err := core.ParseOp(string(raw.Op))
	if err != nil {
		return core.Request{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	principal, err := uuid.Parse(j.Principal)
	if err != nil {
		return core.Request{}, fmt.Errorf("%w: parse principal: %v", ErrMalformedCommand, err)
	}

	amount, err := uint256.FromDecimal(j.Amount)
	if err != nil {
		return core.Request{}, fmt.Errorf("%w: parse amount %q: %v", ErrMalformedCommand, j.Amount, err)
	}

	asset, err := resolveAsset(raw.Subject, op, j.Asset)
	if err != nil {
		return core.Request{}, err
	}

	// A redelivered command must map to the same key, so never let the
	// pool assign a fresh one.
	requestID := j.RequestID
	if requestID == "" {
		requestID = raw.MsgID
	}
	if requestID == "" {
		return core.Request{}, fmt.Errorf("%w: no request_id and no message id", ErrMalformedCommand)
	}

	return core.Request{
		RequestID: requestID,
		Op:        op,
		Principal: principal,
		Asset:     asset,
		Amount:    amount,
	}, nil
}

func resolveAsset(subject string, op core.Op, payloadAsset string) (string, error) {
	prefix := fmt.Sprintf("pool.commands.%s.", op)
	subjectAsset, ok := strings.CutPrefix(subject, prefix)
	if !ok {
		subjectAsset = ""
	}

	switch {
	case payloadAsset == "" && subjectAsset == "":
		return "", fmt.Errorf("%w: no asset", ErrMalformedCommand)
	case payloadAsset == "":
		return subjectAsset, nil
	case subjectAsset != "" && subjectAsset != payloadAsset:
		return "", fmt.Errorf("%w: asset %q does not match subject %q", ErrMalformedCommand, payloadAsset, subject)
	default:
		return payloadAsset, nil
	}
}
