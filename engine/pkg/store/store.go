// Package store persists keys, address groups, delegators and the
// remediation ledger. Allocation and reconciliation are written against the
// Store and KeyStore interfaces so they run unchanged against Postgres or the
// in-memory implementation.
package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic write finds the row in an
	// unexpected state, or a uniqueness constraint is violated.
	ErrConflict = errors.New("conflict")
)

// Store is the non-transactional surface plus the transaction entry point.
type Store interface {
	// ListEligibleGroups returns the address groups an owner may be allocated
	// from in region, ordered by (name, id).
	ListEligibleGroups(ctx context.Context, region, owner string) ([]keys.AddressGroup, error)
	GetGroup(ctx context.Context, id uuid.UUID) (keys.AddressGroup, error)
	SaveGroup(ctx context.Context, group keys.AddressGroup) error

	GetDelegator(ctx context.Context, identity string) (keys.Delegator, error)
	SaveDelegator(ctx context.Context, delegator keys.Delegator) error

	GetKey(ctx context.Context, id uuid.UUID) (keys.Key, error)
	GetKeyByAddress(ctx context.Context, address string) (keys.Key, error)
	ListKeysByStates(ctx context.Context, states []keys.State, limit int) ([]keys.Key, error)

	History(ctx context.Context, keyID uuid.UUID) ([]keys.RemediationHistoryEntry, error)

	// WithTx runs fn in one read-committed transaction. Any error returned by
	// fn rolls the whole transaction back.
	WithTx(ctx context.Context, fn func(KeyStore) error) error
}

// KeyStore is the transaction-scoped key surface.
type KeyStore interface {
	// LockAvailable locks up to limit available keys of a group, skipping rows
	// locked by concurrent transactions.
	LockAvailable(ctx context.Context, groupID uuid.UUID, limit int) ([]keys.Key, error)
	// LockKey locks a single key regardless of state.
	LockKey(ctx context.Context, id uuid.UUID) (keys.Key, error)
	// MarkDelivered moves available keys to delivered. It fails with
	// ErrConflict if any key is no longer available.
	MarkDelivered(ctx context.Context, deliveries []Delivery) error
	// MarkAvailable returns keys delivered to delegator to the pool and
	// reports how many were released. Other addresses are left untouched.
	MarkAvailable(ctx context.Context, addresses []string, delegator string) (int, error)
	Insert(ctx context.Context, key keys.Key) error
	// UpdateWithHeightFloor applies u only if the key is still in u.From and
	// its stored height is at most u.Height.
	UpdateWithHeightFloor(ctx context.Context, u HeightUpdate) (bool, error)
	// AppendRemediation records a ledger entry. Re-appending the same
	// (key, height, reason) is a no-op and reports false.
	AppendRemediation(ctx context.Context, entry keys.RemediationHistoryEntry) (bool, error)
}

// Delivery describes one key handed to a delegator.
type Delivery struct {
	KeyID          uuid.UUID
	Delegator      string
	Owner          string
	StakeAmount    uint64
	RewardsAddress string
	RevSharePct    uint64
	At             time.Time
}

// Observation is the on-chain view that accompanies a height-guarded update.
type Observation struct {
	// OwnerAddress fills the key's intended owner only when it is empty. An
	// owner already recorded is never replaced from chain.
	OwnerAddress string
	StakeOwner   string
	StakeAmount  uint64
	Balance      uint64
}

type HeightUpdate struct {
	KeyID    uuid.UUID
	From     keys.State
	To       keys.State
	Height   int64
	Observed *Observation
}

// EligibleGroups applies the owner visibility rule to the groups of one
// region: linked groups win, otherwise every public group. The result is
// ordered by (name, id).
func EligibleGroups(groups []keys.AddressGroup, owner string) []keys.AddressGroup {
	var linked, public []keys.AddressGroup
	for _, g := range groups {
		if g.IsLinked(owner) {
			linked = append(linked, g)
		}
		if !g.Private {
			public = append(public, g)
		}
	}
	out := public
	if len(linked) > 0 {
		out = linked
	}
	slices.SortFunc(out, func(a, b keys.AddressGroup) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	if out == nil {
		out = []keys.AddressGroup{}
	}
	return out
}
