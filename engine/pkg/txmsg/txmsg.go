// Package txmsg is the closed set of chain messages the engine builds. Each
// kind maps to its typed JSON ("Any") form with a pure function and Decode
// maps it back.
package txmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

const (
	TypeURLStakeSupplier   = "/pocket.supplier.MsgStakeSupplier"
	TypeURLUnstakeSupplier = "/pocket.supplier.MsgUnstakeSupplier"
	TypeURLSend            = "/cosmos.bank.v1beta1.MsgSend"
)

var ErrUnknownType = errors.New("unknown message type")

// Message is implemented only by the kinds in this package.
type Message interface {
	TypeURL() string
	// ToAny returns the message as a typed JSON object.
	ToAny() map[string]any
	// Signer is the address that must sign the message.
	Signer() string
	isMessage()
}

type StakeSupplier struct {
	SignerAddress   string
	OwnerAddress    string
	OperatorAddress string
	Stake           uint64
	Services        []supplier.ServiceConfig
}

type UnstakeSupplier struct {
	SignerAddress   string
	OperatorAddress string
}

type Send struct {
	FromAddress string
	ToAddress   string
	Amount      uint64
}

func (StakeSupplier) isMessage()   {}
func (UnstakeSupplier) isMessage() {}
func (Send) isMessage()            {}

func (StakeSupplier) TypeURL() string   { return TypeURLStakeSupplier }
func (UnstakeSupplier) TypeURL() string { return TypeURLUnstakeSupplier }
func (Send) TypeURL() string            { return TypeURLSend }

func (m StakeSupplier) Signer() string   { return m.SignerAddress }
func (m UnstakeSupplier) Signer() string { return m.SignerAddress }
func (m Send) Signer() string            { return m.FromAddress }

func coinAny(upokt uint64) map[string]any {
	return map[string]any{"denom": supplier.Denom, "amount": strconv.FormatUint(upokt, 10)}
}

func (m StakeSupplier) ToAny() map[string]any {
	services := make([]supplier.ServiceConfig, len(m.Services))
	copy(services, m.Services)
	return map[string]any{
		"@type":            TypeURLStakeSupplier,
		"signer":           m.SignerAddress,
		"owner_address":    m.OwnerAddress,
		"operator_address": m.OperatorAddress,
		"stake":            coinAny(m.Stake),
		"services":         services,
	}
}

func (m UnstakeSupplier) ToAny() map[string]any {
	return map[string]any{
		"@type":            TypeURLUnstakeSupplier,
		"signer":           m.SignerAddress,
		"operator_address": m.OperatorAddress,
	}
}

func (m Send) ToAny() map[string]any {
	return map[string]any{
		"@type":        TypeURLSend,
		"from_address": m.FromAddress,
		"to_address":   m.ToAddress,
		"amount":       []map[string]any{coinAny(m.Amount)},
	}
}

// Marshal renders m as its typed JSON form.
func Marshal(m Message) (json.RawMessage, error) {
	b, err := json.Marshal(m.ToAny())
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.TypeURL(), err)
	}
	return b, nil
}

type wireCoin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

func (c wireCoin) upokt() (uint64, error) {
	if c.Denom != "" && c.Denom != supplier.Denom {
		return 0, fmt.Errorf("unexpected denom %q", c.Denom)
	}
	return supplier.ParseAmount(c.Amount)
}

// Decode maps a typed JSON message back to its kind.
func Decode(raw []byte) (Message, error) {
	var head struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	switch head.Type {
	case TypeURLStakeSupplier:
		var w struct {
			Signer          string                   `json:"signer"`
			OwnerAddress    string                   `json:"owner_address"`
			OperatorAddress string                   `json:"operator_address"`
			Stake           wireCoin                 `json:"stake"`
			Services        []supplier.ServiceConfig `json:"services"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", head.Type, err)
		}
		stake, err := w.Stake.upokt()
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s stake: %w", head.Type, err)
		}
		return StakeSupplier{
			SignerAddress: w.Signer, OwnerAddress: w.OwnerAddress, OperatorAddress: w.OperatorAddress,
			Stake: stake, Services: w.Services,
		}, nil

	case TypeURLUnstakeSupplier:
		var w struct {
			Signer          string `json:"signer"`
			OperatorAddress string `json:"operator_address"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", head.Type, err)
		}
		return UnstakeSupplier{SignerAddress: w.Signer, OperatorAddress: w.OperatorAddress}, nil

	case TypeURLSend:
		var w struct {
			FromAddress string     `json:"from_address"`
			ToAddress   string     `json:"to_address"`
			Amount      []wireCoin `json:"amount"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", head.Type, err)
		}
		if len(w.Amount) != 1 {
			return nil, fmt.Errorf("failed to decode %s: expected one coin, got %d", head.Type, len(w.Amount))
		}
		amount, err := w.Amount[0].upokt()
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s amount: %w", head.Type, err)
		}
		return Send{FromAddress: w.FromAddress, ToAddress: w.ToAddress, Amount: amount}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
}
