// Package keys defines the custodial key pool model: keys, address groups,
// delegators, the key state machine and remediation ledger entries.
package keys

import (
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

// Key is a custodial stake identity.
type Key struct {
	ID             uuid.UUID
	Address        string
	PublicKey      []byte
	PrivateKey     []byte // sealed, see keygen.Cipher
	OwnerAddress   string
	AddressGroupID *uuid.UUID
	State          State

	StakeOwner        string
	StakeAmount       uint64
	Balance           uint64
	LastUpdatedHeight int64

	DeliveredAt                 *time.Time
	DeliveredTo                 *string
	DelegatorRewardsAddress     string
	DelegatorRevSharePercentage uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogValue keeps key material out of logs.
func (k Key) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", k.ID.String()),
		slog.String("address", k.Address),
		slog.String("state", string(k.State)),
	}
	if k.AddressGroupID != nil {
		attrs = append(attrs, slog.String("address_group_id", k.AddressGroupID.String()))
	}
	return slog.GroupValue(attrs...)
}

// IsDeliveredTo reports whether the key is delivered to delegator.
func (k Key) IsDeliveredTo(delegator string) bool {
	return k.State == StateDelivered && k.DeliveredTo != nil && *k.DeliveredTo == delegator
}

// Material is freshly generated key material.
type Material struct {
	Address    string
	PublicKey  []byte
	PrivateKey []byte // sealed
}

// EndpointTemplate is an endpoint whose URL contains placeholders resolved
// per address group.
type EndpointTemplate struct {
	URL     string                  `json:"url"`
	RPCType supplier.RPCType        `json:"rpc_type"`
	Configs []supplier.ConfigOption `json:"configs,omitempty"`
}

// AddressGroupService is the per-service policy of an address group.
type AddressGroupService struct {
	ServiceID string `json:"service_id"`
	// AddSupplierShare pays SupplierShare percent to the operator address.
	AddSupplierShare bool                `json:"add_supplier_share"`
	SupplierShare    uint64              `json:"supplier_share"`
	RevShare         []supplier.RevShare `json:"rev_share,omitempty"`
	Endpoints        []EndpointTemplate  `json:"endpoints"`
}

// AddressGroup is a named pool of keys backed by one relay miner.
type AddressGroup struct {
	ID              uuid.UUID
	Name            string
	Region          string
	RelayMinerID    string
	Domain          string
	Private         bool
	LinkedAddresses []string
	Services        []AddressGroupService

	// KeysCount is the number of keys in the group that are not available.
	KeysCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsLinked reports whether owner has private access to the group.
func (g AddressGroup) IsLinked(owner string) bool {
	return owner != "" && slices.Contains(g.LinkedAddresses, owner)
}

// Delegator is a trusted party requesting key deliveries.
type Delegator struct {
	Identity       string
	Name           string
	RewardsAddress string
	CreatedAt      time.Time
}

// Reason classifies a remediation ledger entry.
type Reason string

const (
	ReasonServiceMismatch         Reason = "service_mismatch"
	ReasonDelegatorAddressMissing Reason = "delegator_address_missing"
	ReasonOwnerInitialStake       Reason = "owner_initial_stake"
	ReasonSupplierStakeTooLow     Reason = "supplier_stake_too_low"
	ReasonSupplierFundsTooLow     Reason = "supplier_funds_too_low"
)

// RemediationHistoryEntry is an immutable fact about a detected problem.
// Entries are unique per (key, height, reason).
type RemediationHistoryEntry struct {
	KeyID           uuid.UUID       `json:"key_id"`
	Height          int64           `json:"height"`
	Timestamp       time.Time       `json:"timestamp"`
	Reason          Reason          `json:"reason"`
	Message         string          `json:"message"`
	Details         json.RawMessage `json:"details,omitempty"`
	TxResult        *string         `json:"tx_result,omitempty"`
	TxResultDetails *string         `json:"tx_result_details,omitempty"`
}
