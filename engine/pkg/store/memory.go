package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
)

// Memory is an in-process Store. Transactions are serialized and run against
// a copy of the state that replaces the original only on success. Store
// methods must not be called from inside a WithTx callback.
type Memory struct {
	clock clockwork.Clock

	mu    sync.Mutex
	state *memState
}

type memState struct {
	groups     map[uuid.UUID]keys.AddressGroup
	delegators map[string]keys.Delegator
	keys       map[uuid.UUID]keys.Key
	history    map[uuid.UUID][]keys.RemediationHistoryEntry
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock: clock,
		state: &memState{
			groups:     map[uuid.UUID]keys.AddressGroup{},
			delegators: map[string]keys.Delegator{},
			keys:       map[uuid.UUID]keys.Key{},
			history:    map[uuid.UUID][]keys.RemediationHistoryEntry{},
		},
	}
}

func (s *memState) clone() *memState {
	history := make(map[uuid.UUID][]keys.RemediationHistoryEntry, len(s.history))
	for id, entries := range s.history {
		history[id] = slices.Clip(entries)
	}
	return &memState{
		groups:     maps.Clone(s.groups),
		delegators: maps.Clone(s.delegators),
		keys:       maps.Clone(s.keys),
		history:    history,
	}
}

func (s *memState) keysCount(groupID uuid.UUID) int {
	var n int
	for _, k := range s.keys {
		if k.AddressGroupID != nil && *k.AddressGroupID == groupID && k.State != keys.StateAvailable {
			n++
		}
	}
	return n
}

func (m *Memory) ListEligibleGroups(ctx context.Context, region, owner string) ([]keys.AddressGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []keys.AddressGroup
	for _, g := range m.state.groups {
		if g.Region != region {
			continue
		}
		g.KeysCount = m.state.keysCount(g.ID)
		groups = append(groups, g)
	}
	return EligibleGroups(groups, owner), nil
}

func (m *Memory) GetGroup(ctx context.Context, id uuid.UUID) (keys.AddressGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.state.groups[id]
	if !ok {
		return keys.AddressGroup{}, fmt.Errorf("%w: address group %s", ErrNotFound, id)
	}
	g.KeysCount = m.state.keysCount(id)
	return g, nil
}

func (m *Memory) SaveGroup(ctx context.Context, g keys.AddressGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.state.groups {
		if id != g.ID && other.Name == g.Name {
			return fmt.Errorf("failed to save address group: %w: name %q taken", ErrConflict, g.Name)
		}
	}
	now := m.clock.Now().UTC()
	if prev, ok := m.state.groups[g.ID]; ok {
		g.CreatedAt = prev.CreatedAt
	} else {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	g.KeysCount = 0
	m.state.groups[g.ID] = g
	return nil
}

func (m *Memory) GetDelegator(ctx context.Context, identity string) (keys.Delegator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.state.delegators[identity]
	if !ok {
		return keys.Delegator{}, fmt.Errorf("%w: delegator %s", ErrNotFound, identity)
	}
	return d, nil
}

func (m *Memory) SaveDelegator(ctx context.Context, d keys.Delegator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.state.delegators[d.Identity]; ok {
		d.CreatedAt = prev.CreatedAt
	} else {
		d.CreatedAt = m.clock.Now().UTC()
	}
	m.state.delegators[d.Identity] = d
	return nil
}

func (m *Memory) GetKey(ctx context.Context, id uuid.UUID) (keys.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.state.keys[id]
	if !ok {
		return keys.Key{}, fmt.Errorf("%w: %w: %s", ErrNotFound, keys.ErrNotFound, id)
	}
	return k, nil
}

func (m *Memory) GetKeyByAddress(ctx context.Context, address string) (keys.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.state.keys {
		if k.Address == address {
			return k, nil
		}
	}
	return keys.Key{}, fmt.Errorf("%w: %w: %s", ErrNotFound, keys.ErrNotFound, address)
}

func (m *Memory) ListKeysByStates(ctx context.Context, states []keys.State, limit int) ([]keys.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []keys.Key{}
	for _, k := range m.state.keys {
		if slices.Contains(states, k.State) {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b keys.Key) int { return cmp.Compare(a.ID.String(), b.ID.String()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) History(ctx context.Context, keyID uuid.UUID) ([]keys.RemediationHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := slices.Clone(m.state.history[keyID])
	if out == nil {
		out = []keys.RemediationHistoryEntry{}
	}
	slices.SortStableFunc(out, func(a, b keys.RemediationHistoryEntry) int {
		return cmp.Or(cmp.Compare(a.Height, b.Height), a.Timestamp.Compare(b.Timestamp))
	})
	return out, nil
}

func (m *Memory) WithTx(ctx context.Context, fn func(KeyStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &memKeyStore{state: m.state.clone(), clock: m.clock}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	m.state = tx.state
	return nil
}

type memKeyStore struct {
	state *memState
	clock clockwork.Clock
}

func (ks *memKeyStore) LockAvailable(ctx context.Context, groupID uuid.UUID, limit int) ([]keys.Key, error) {
	out := []keys.Key{}
	if limit <= 0 {
		return out, nil
	}
	for _, k := range ks.state.keys {
		if k.State == keys.StateAvailable && k.AddressGroupID != nil && *k.AddressGroupID == groupID {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b keys.Key) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ks *memKeyStore) LockKey(ctx context.Context, id uuid.UUID) (keys.Key, error) {
	k, ok := ks.state.keys[id]
	if !ok {
		return keys.Key{}, fmt.Errorf("%w: %w: %s", ErrNotFound, keys.ErrNotFound, id)
	}
	return k, nil
}

func (ks *memKeyStore) MarkDelivered(ctx context.Context, deliveries []Delivery) error {
	now := ks.clock.Now().UTC()
	for _, d := range deliveries {
		k, ok := ks.state.keys[d.KeyID]
		if !ok || k.State != keys.StateAvailable {
			return fmt.Errorf("%w: key %s is no longer available", ErrConflict, d.KeyID)
		}
		at := d.At
		if at.IsZero() {
			at = now
		}
		delegator := d.Delegator
		k.State = keys.StateDelivered
		k.DeliveredTo = &delegator
		k.DeliveredAt = &at
		k.OwnerAddress = d.Owner
		k.StakeAmount = d.StakeAmount
		k.DelegatorRewardsAddress = d.RewardsAddress
		k.DelegatorRevSharePercentage = d.RevSharePct
		k.UpdatedAt = now
		ks.state.keys[k.ID] = k
	}
	return nil
}

func (ks *memKeyStore) MarkAvailable(ctx context.Context, addresses []string, delegator string) (int, error) {
	var released int
	now := ks.clock.Now().UTC()
	for id, k := range ks.state.keys {
		if !slices.Contains(addresses, k.Address) || !k.IsDeliveredTo(delegator) {
			continue
		}
		k.State = keys.StateAvailable
		k.DeliveredTo = nil
		k.DeliveredAt = nil
		k.StakeAmount = 0
		k.DelegatorRewardsAddress = ""
		k.DelegatorRevSharePercentage = 0
		k.UpdatedAt = now
		ks.state.keys[id] = k
		released++
	}
	return released, nil
}

func (ks *memKeyStore) Insert(ctx context.Context, k keys.Key) error {
	if !k.State.Valid() {
		return fmt.Errorf("invalid key state %q", k.State)
	}
	if k.AddressGroupID != nil {
		if _, ok := ks.state.groups[*k.AddressGroupID]; !ok {
			return fmt.Errorf("failed to insert key %s: %w: address group %s", k.Address, ErrNotFound, *k.AddressGroupID)
		}
	}
	for _, other := range ks.state.keys {
		if other.ID == k.ID || other.Address == k.Address || string(other.PublicKey) == string(k.PublicKey) {
			return fmt.Errorf("failed to insert key %s: %w: duplicate key", k.Address, ErrConflict)
		}
	}
	now := ks.clock.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	ks.state.keys[k.ID] = k
	return nil
}

func (ks *memKeyStore) UpdateWithHeightFloor(ctx context.Context, u HeightUpdate) (bool, error) {
	if err := keys.ValidateTransition(u.From, u.To); err != nil {
		return false, err
	}
	k, ok := ks.state.keys[u.KeyID]
	if !ok || k.State != u.From || k.LastUpdatedHeight > u.Height {
		return false, nil
	}
	k.State = u.To
	k.LastUpdatedHeight = u.Height
	if o := u.Observed; o != nil {
		if k.OwnerAddress == "" {
			k.OwnerAddress = o.OwnerAddress
		}
		k.StakeOwner = o.StakeOwner
		k.StakeAmount = o.StakeAmount
		k.Balance = o.Balance
	}
	k.UpdatedAt = ks.clock.Now().UTC()
	ks.state.keys[k.ID] = k
	return true, nil
}

func (ks *memKeyStore) AppendRemediation(ctx context.Context, e keys.RemediationHistoryEntry) (bool, error) {
	if _, ok := ks.state.keys[e.KeyID]; !ok {
		return false, fmt.Errorf("failed to append remediation entry: %w: %w: %s", ErrNotFound, keys.ErrNotFound, e.KeyID)
	}
	for _, prev := range ks.state.history[e.KeyID] {
		if prev.Height == e.Height && prev.Reason == e.Reason {
			return false, nil
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	ks.state.history[e.KeyID] = append(ks.state.history[e.KeyID], e)
	return true, nil
}
