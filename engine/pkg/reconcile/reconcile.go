// Package reconcile compares each custodial key with its supplier record on
// chain, moves it through the lifecycle and records drift in the remediation
// ledger.
package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/supplierpool/engine/pkg/chain"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/revshare"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

// DefaultDeliveryWindow is how long a delivered or staking key may go without
// an on-chain supplier before it is marked missing_stake or stake_failed.
const DefaultDeliveryWindow = 24 * time.Hour

type Params struct {
	Height         int64
	Now            time.Time
	Balance        uint64
	DeliveryWindow time.Duration
	// MinStake and MinBalance are upokt thresholds; zero disables the check.
	MinStake   uint64
	MinBalance uint64
}

type Result struct {
	From     keys.State
	To       keys.State
	Changed  bool
	Height   int64
	Entries  []keys.RemediationHistoryEntry
	Observed *store.Observation
	// Expected is the desired service configuration, set for staked keys
	// with an address group.
	Expected []supplier.ServiceConfig
}

// OnlyServiceMismatch reports whether every finding is a service mismatch.
func (r Result) OnlyServiceMismatch() bool {
	if len(r.Entries) == 0 {
		return false
	}
	for _, e := range r.Entries {
		if e.Reason != keys.ReasonServiceMismatch {
			return false
		}
	}
	return true
}

// ReconcileKey decides the next state of key given its on-chain supplier
// (nil when none is staked). catalog and group feed the expected service
// configuration; group may be nil for keys outside any address group.
func ReconcileKey(key keys.Key, onChain *chain.Supplier, catalog supplier.Catalog, group *keys.AddressGroup, p Params) (Result, error) {
	if p.DeliveryWindow <= 0 {
		p.DeliveryWindow = DefaultDeliveryWindow
	}
	res := Result{From: key.State, To: key.State, Height: p.Height}
	if onChain != nil {
		res.Observed = &store.Observation{
			StakeOwner:  onChain.OwnerAddress,
			StakeAmount: onChain.Stake,
			Balance:     p.Balance,
		}
		// The intended owner is only learned from chain for keys that never
		// had one, such as imported keys.
		if key.OwnerAddress == "" {
			res.Observed.OwnerAddress = onChain.OwnerAddress
		}
	}

	switch key.State {
	case keys.StateImported:
		switch {
		case onChain == nil:
			res.To = keys.StateAvailable
		case onChain.IsUnstaking():
			res.To = keys.StateUnstaked
		default:
			res.To = keys.StateStaked
		}

	case keys.StateDelivered, keys.StateStaking:
		switch {
		case onChain != nil:
			res.To = keys.StateStaked
		case windowElapsed(key, p):
			if key.State == keys.StateDelivered {
				res.To = keys.StateMissingStake
			} else {
				res.To = keys.StateStakeFailed
			}
		}

	case keys.StateStaked:
		switch {
		case onChain == nil:
			res.To = keys.StateUnstaked
			res.Observed = &store.Observation{Balance: p.Balance}
		case onChain.IsUnstaking():
			res.To = keys.StateUnstaking
		default:
			if err := checkStaked(&res, key, onChain, catalog, group, p); err != nil {
				return Result{}, err
			}
			if len(res.Entries) > 0 {
				res.To = keys.StateAttentionNeeded
			}
		}

	case keys.StateUnstaking:
		if onChain == nil {
			res.To = keys.StateUnstaked
			res.Observed = &store.Observation{Balance: p.Balance}
		}
	}

	res.Changed = res.To != res.From
	if err := keys.ValidateTransition(res.From, res.To); err != nil {
		return Result{}, err
	}
	return res, nil
}

func windowElapsed(key keys.Key, p Params) bool {
	return key.DeliveredAt != nil && p.Now.Sub(*key.DeliveredAt) >= p.DeliveryWindow
}

func checkStaked(res *Result, key keys.Key, onChain *chain.Supplier, catalog supplier.Catalog, group *keys.AddressGroup, p Params) error {
	add := func(reason keys.Reason, message string, details any) error {
		e := keys.RemediationHistoryEntry{
			KeyID:     key.ID,
			Height:    p.Height,
			Timestamp: p.Now.UTC(),
			Reason:    reason,
			Message:   message,
		}
		if details != nil {
			b, err := json.Marshal(details)
			if err != nil {
				return fmt.Errorf("failed to encode %s details: %w", reason, err)
			}
			e.Details = b
		}
		res.Entries = append(res.Entries, e)
		return nil
	}

	if key.OwnerAddress != "" && key.DeliveredTo != nil && onChain.OwnerAddress != key.OwnerAddress {
		if err := add(keys.ReasonOwnerInitialStake,
			fmt.Sprintf("supplier is owned by %s, expected %s", onChain.OwnerAddress, key.OwnerAddress),
			map[string]string{"expected": key.OwnerAddress, "actual": onChain.OwnerAddress}); err != nil {
			return err
		}
	}

	if key.DelegatorRewardsAddress != "" && key.DelegatorRevSharePercentage > 0 && !paysAddress(onChain.Services, key.DelegatorRewardsAddress) {
		if err := add(keys.ReasonDelegatorAddressMissing,
			fmt.Sprintf("delegator rewards address %s is missing from the supplier revenue share", key.DelegatorRewardsAddress),
			map[string]any{"address": key.DelegatorRewardsAddress, "rev_share_percentage": key.DelegatorRevSharePercentage}); err != nil {
			return err
		}
	}

	if p.MinStake > 0 && onChain.Stake < p.MinStake {
		if err := add(keys.ReasonSupplierStakeTooLow,
			fmt.Sprintf("supplier stake %s is below the minimum %s", supplier.FormatCoin(onChain.Stake), supplier.FormatCoin(p.MinStake)),
			map[string]uint64{"stake": onChain.Stake, "minimum": p.MinStake}); err != nil {
			return err
		}
	}

	if p.MinBalance > 0 && p.Balance < p.MinBalance {
		if err := add(keys.ReasonSupplierFundsTooLow,
			fmt.Sprintf("supplier balance %s is below the minimum %s", supplier.FormatCoin(p.Balance), supplier.FormatCoin(p.MinBalance)),
			map[string]uint64{"balance": p.Balance, "minimum": p.MinBalance}); err != nil {
			return err
		}
	}

	if group == nil {
		return nil
	}
	owner := onChain.OwnerAddress
	if key.OwnerAddress != "" {
		owner = key.OwnerAddress
	}
	var requestShares []supplier.RevShare
	if key.DelegatorRewardsAddress != "" {
		requestShares = []supplier.RevShare{{Address: key.DelegatorRewardsAddress, RevSharePercentage: key.DelegatorRevSharePercentage}}
	}
	expected, err := revshare.Build(key.Address, owner, requestShares, catalog, *group)
	if err != nil {
		return fmt.Errorf("failed to build expected services for %s: %w", key.Address, err)
	}
	res.Expected = expected

	comparison, err := supplier.Compare(expected, onChain.Services)
	if err != nil {
		return err
	}
	if !comparison.IsEqual {
		return add(keys.ReasonServiceMismatch,
			"on-chain services differ from the address group configuration: "+comparison.String(),
			comparison.Diff)
	}
	return nil
}

func paysAddress(services []supplier.ServiceConfig, address string) bool {
	for _, svc := range services {
		for _, rs := range svc.RevShare {
			if rs.Address == address && rs.RevSharePercentage > 0 {
				return true
			}
		}
	}
	return false
}
