package keys

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a custodial key.
type State string

const (
	StateImported          State = "imported"
	StateAvailable         State = "available"
	StateDelivered         State = "delivered"
	// StateStaking is written by the delegator's staking workflow once it has
	// submitted the stake transaction. The engine only reads it.
	StateStaking           State = "staking"
	StateStaked            State = "staked"
	StateStakeFailed       State = "stake_failed"
	StateMissingStake      State = "missing_stake"
	StateUnstaking         State = "unstaking"
	StateUnstaked          State = "unstaked"
	StateAttentionNeeded   State = "attention_needed"
	StateRemediationFailed State = "remediation_failed"
)

var (
	ErrNotFound          = errors.New("key not found")
	ErrInvalidTransition = errors.New("invalid key state transition")
)

// transitions is the closed table of allowed moves. Backward moves exist only
// for release (delivered -> available) and the operator remediation reset.
var transitions = map[State][]State{
	StateImported:          {StateAvailable, StateStaked, StateUnstaked},
	StateAvailable:         {StateDelivered},
	StateDelivered:         {StateStaking, StateStaked, StateMissingStake, StateAvailable},
	StateStaking:           {StateStaked, StateStakeFailed},
	StateStaked:            {StateAttentionNeeded, StateRemediationFailed, StateUnstaking, StateUnstaked},
	StateAttentionNeeded:   {StateStaked},
	StateRemediationFailed: {StateStaked},
	StateUnstaking:         {StateUnstaked},
}

// ReconcilableStates are evaluated by the reconciliation activity on every pass.
var ReconcilableStates = []State{
	StateImported,
	StateDelivered,
	StateStaking,
	StateStaked,
	StateUnstaking,
}

// RemediationStates can be reset to staked by an operator.
var RemediationStates = []State{
	StateAttentionNeeded,
	StateRemediationFailed,
}

func (s State) Valid() bool {
	switch s {
	case StateImported, StateAvailable, StateDelivered, StateStaking, StateStaked,
		StateStakeFailed, StateMissingStake, StateUnstaking, StateUnstaked,
		StateAttentionNeeded, StateRemediationFailed:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// CanTransition reports whether from -> to is allowed. Staying in the same
// state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not
// allowed.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
