package store_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, clock clockwork.Clock) store.Store

func newGroup(name, region string) keys.AddressGroup {
	return keys.AddressGroup{
		ID:           uuid.New(),
		Name:         name,
		Region:       region,
		RelayMinerID: "rm-" + name,
		Domain:       name + ".example.org",
		Services: []keys.AddressGroupService{{
			ServiceID: "eth",
			RevShare:  []supplier.RevShare{{Address: "pokt1group", RevSharePercentage: 5}},
			Endpoints: []keys.EndpointTemplate{{URL: "https://{sid}.{domain}", RPCType: supplier.RPCTypeJSONRPC}},
		}},
	}
}

func newKey(group *keys.AddressGroup, state keys.State, address string) keys.Key {
	k := keys.Key{
		ID:         uuid.New(),
		Address:    address,
		PublicKey:  []byte("pub-" + address),
		PrivateKey: []byte("sealed-" + address),
		State:      state,
	}
	if group != nil {
		id := group.ID
		k.AddressGroupID = &id
	}
	return k
}

func insert(t *testing.T, s store.Store, ks ...keys.Key) {
	t.Helper()
	require.NoError(t, s.WithTx(t.Context(), func(tx store.KeyStore) error {
		for _, k := range ks {
			if err := tx.Insert(t.Context(), k); err != nil {
				return err
			}
		}
		return nil
	}))
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("eligible groups", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		b := newGroup("b-public", "us")
		a := newGroup("a-public", "us")
		priv := newGroup("private-x", "us")
		priv.Private = true
		priv.LinkedAddresses = []string{"pokt1linked"}
		eu := newGroup("eu-public", "eu")
		for _, g := range []keys.AddressGroup{b, a, priv, eu} {
			require.NoError(t, s.SaveGroup(ctx, g))
		}

		groups, err := s.ListEligibleGroups(ctx, "us", "pokt1other")
		require.NoError(t, err)
		require.Equal(t, []string{"a-public", "b-public"}, groupNames(groups))
		require.Equal(t, "https://{sid}.{domain}", groups[0].Services[0].Endpoints[0].URL)

		groups, err = s.ListEligibleGroups(ctx, "us", "pokt1linked")
		require.NoError(t, err)
		require.Equal(t, []string{"private-x"}, groupNames(groups))

		groups, err = s.ListEligibleGroups(ctx, "ap", "pokt1other")
		require.NoError(t, err)
		require.Empty(t, groups)
	})

	t.Run("keys count excludes available keys", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		g := newGroup("g", "us")
		require.NoError(t, s.SaveGroup(ctx, g))
		insert(t, s,
			newKey(&g, keys.StateAvailable, "pokt1avail"),
			newKey(&g, keys.StateStaked, "pokt1staked"),
			newKey(&g, keys.StateDelivered, "pokt1delivered"),
		)

		got, err := s.GetGroup(ctx, g.ID)
		require.NoError(t, err)
		require.Equal(t, 2, got.KeysCount)
	})

	t.Run("lock and deliver", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(testNow)
		s := newStore(t, clock)
		ctx := t.Context()

		g := newGroup("g", "us")
		other := newGroup("other", "us")
		require.NoError(t, s.SaveGroup(ctx, g))
		require.NoError(t, s.SaveGroup(ctx, other))
		insert(t, s,
			newKey(&g, keys.StateAvailable, "pokt1k1"),
			newKey(&g, keys.StateAvailable, "pokt1k2"),
			newKey(&g, keys.StateStaked, "pokt1k3"),
			newKey(&other, keys.StateAvailable, "pokt1k4"),
		)

		var locked []keys.Key
		require.NoError(t, s.WithTx(ctx, func(tx store.KeyStore) error {
			var err error
			locked, err = tx.LockAvailable(ctx, g.ID, 5)
			if err != nil {
				return err
			}
			deliveries := make([]store.Delivery, 0, len(locked))
			for _, k := range locked {
				deliveries = append(deliveries, store.Delivery{
					KeyID: k.ID, Delegator: "pokt1del", Owner: "pokt1owner",
					StakeAmount: 15_000_000_000, RewardsAddress: "pokt1rewards", RevSharePct: 10,
				})
			}
			return tx.MarkDelivered(ctx, deliveries)
		}))
		require.Len(t, locked, 2)

		k, err := s.GetKeyByAddress(ctx, locked[0].Address)
		require.NoError(t, err)
		require.Equal(t, keys.StateDelivered, k.State)
		require.True(t, k.IsDeliveredTo("pokt1del"))
		require.Equal(t, "pokt1owner", k.OwnerAddress)
		require.Equal(t, uint64(15_000_000_000), k.StakeAmount)
		require.Equal(t, "pokt1rewards", k.DelegatorRewardsAddress)
		require.Equal(t, uint64(10), k.DelegatorRevSharePercentage)
		require.NotNil(t, k.DeliveredAt)
		require.True(t, k.DeliveredAt.Equal(testNow))

		err = s.WithTx(ctx, func(tx store.KeyStore) error {
			return tx.MarkDelivered(ctx, []store.Delivery{{KeyID: k.ID, Delegator: "pokt1late"}})
		})
		require.ErrorIs(t, err, store.ErrConflict)

		require.NoError(t, s.WithTx(ctx, func(tx store.KeyStore) error {
			more, err := tx.LockAvailable(ctx, g.ID, 5)
			require.Empty(t, more)
			return err
		}))
	})

	t.Run("release only keys delivered to the delegator", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		g := newGroup("g", "us")
		require.NoError(t, s.SaveGroup(ctx, g))
		mine := newKey(&g, keys.StateAvailable, "pokt1mine")
		theirs := newKey(&g, keys.StateAvailable, "pokt1theirs")
		staked := newKey(&g, keys.StateStaked, "pokt1staked")
		insert(t, s, mine, theirs, staked)
		require.NoError(t, s.WithTx(ctx, func(tx store.KeyStore) error {
			return tx.MarkDelivered(ctx, []store.Delivery{
				{KeyID: mine.ID, Delegator: "pokt1me"},
				{KeyID: theirs.ID, Delegator: "pokt1them"},
			})
		}))

		var released int
		require.NoError(t, s.WithTx(ctx, func(tx store.KeyStore) error {
			var err error
			released, err = tx.MarkAvailable(ctx, []string{"pokt1mine", "pokt1theirs", "pokt1staked", "pokt1unknown"}, "pokt1me")
			return err
		}))
		require.Equal(t, 1, released)

		k, err := s.GetKey(ctx, mine.ID)
		require.NoError(t, err)
		require.Equal(t, keys.StateAvailable, k.State)
		require.Nil(t, k.DeliveredTo)

		k, err = s.GetKey(ctx, theirs.ID)
		require.NoError(t, err)
		require.True(t, k.IsDeliveredTo("pokt1them"))

		k, err = s.GetKey(ctx, staked.ID)
		require.NoError(t, err)
		require.Equal(t, keys.StateStaked, k.State)
	})

	t.Run("height floor", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		k := newKey(nil, keys.StateStaked, "pokt1floor")
		k.LastUpdatedHeight = 100
		insert(t, s, k)

		update := func(u store.HeightUpdate) bool {
			var applied bool
			require.NoError(t, s.WithTx(ctx, func(tx store.KeyStore) error {
				var err error
				applied, err = tx.UpdateWithHeightFloor(ctx, u)
				return err
			}))
			return applied
		}

		require.False(t, update(store.HeightUpdate{KeyID: k.ID, From: keys.StateStaked, To: keys.StateAttentionNeeded, Height: 99}),
			"stale observation must not clobber a newer one")
		require.False(t, update(store.HeightUpdate{KeyID: k.ID, From: keys.StateDelivered, To: keys.StateStaked, Height: 200}),
			"state guard must hold")
		require.True(t, update(store.HeightUpdate{
			KeyID: k.ID, From: keys.StateStaked, To: keys.StateAttentionNeeded, Height: 100,
			Observed: &store.Observation{OwnerAddress: "pokt1owner", StakeOwner: "pokt1owner", StakeAmount: 7, Balance: 3},
		}))

		got, err := s.GetKey(ctx, k.ID)
		require.NoError(t, err)
		require.Equal(t, keys.StateAttentionNeeded, got.State)
		require.Equal(t, int64(100), got.LastUpdatedHeight)
		require.Equal(t, "pokt1owner", got.OwnerAddress)
		require.Equal(t, uint64(7), got.StakeAmount)
		require.Equal(t, uint64(3), got.Balance)

		err = s.WithTx(ctx, func(tx store.KeyStore) error {
			_, err := tx.UpdateWithHeightFloor(ctx, store.HeightUpdate{KeyID: k.ID, From: keys.StateAttentionNeeded, To: keys.StateUnstaked, Height: 300})
			return err
		})
		require.ErrorIs(t, err, keys.ErrInvalidTransition)
	})

	t.Run("recorded owner is kept", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		k := newKey(nil, keys.StateDelivered, "pokt1owned")
		k.OwnerAddress = "pokt1owner"
		insert(t, s, k)

		var applied bool
		require.NoError(t, s.WithTx(ctx, func(tx store.KeyStore) error {
			var err error
			applied, err = tx.UpdateWithHeightFloor(ctx, store.HeightUpdate{
				KeyID: k.ID, From: keys.StateDelivered, To: keys.StateStaked, Height: 10,
				Observed: &store.Observation{OwnerAddress: "pokt1thief", StakeOwner: "pokt1thief", StakeAmount: 7},
			})
			return err
		}))
		require.True(t, applied)

		got, err := s.GetKey(ctx, k.ID)
		require.NoError(t, err)
		require.Equal(t, "pokt1owner", got.OwnerAddress)
		require.Equal(t, "pokt1thief", got.StakeOwner)
	})

	t.Run("remediation ledger is append only and idempotent", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		k := newKey(nil, keys.StateStaked, "pokt1ledger")
		insert(t, s, k)

		details, err := json.Marshal(map[string]any{"expected": 1})
		require.NoError(t, err)
		entries := []keys.RemediationHistoryEntry{
			{KeyID: k.ID, Height: 20, Timestamp: testNow.Add(time.Minute), Reason: keys.ReasonSupplierFundsTooLow, Message: "funds"},
			{KeyID: k.ID, Height: 10, Timestamp: testNow, Reason: keys.ReasonServiceMismatch, Message: "mismatch", Details: details},
			{KeyID: k.ID, Height: 10, Timestamp: testNow, Reason: keys.ReasonServiceMismatch, Message: "again"},
		}
		var added []bool
		require.NoError(t, s.WithTx(ctx, func(tx store.KeyStore) error {
			for _, e := range entries {
				ok, err := tx.AppendRemediation(ctx, e)
				if err != nil {
					return err
				}
				added = append(added, ok)
			}
			return nil
		}))
		require.Equal(t, []bool{true, true, false}, added)

		history, err := s.History(ctx, k.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, keys.ReasonServiceMismatch, history[0].Reason)
		require.Equal(t, "mismatch", history[0].Message)
		require.JSONEq(t, string(details), string(history[0].Details))
		require.Equal(t, keys.ReasonSupplierFundsTooLow, history[1].Reason)

		empty, err := s.History(ctx, uuid.New())
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		g := newGroup("g", "us")
		require.NoError(t, s.SaveGroup(ctx, g))
		avail := newKey(&g, keys.StateAvailable, "pokt1avail")
		insert(t, s, avail)

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx store.KeyStore) error {
			if err := tx.MarkDelivered(ctx, []store.Delivery{{KeyID: avail.ID, Delegator: "pokt1del"}}); err != nil {
				return err
			}
			if err := tx.Insert(ctx, newKey(&g, keys.StateAvailable, "pokt1new")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		k, err := s.GetKey(ctx, avail.ID)
		require.NoError(t, err)
		require.Equal(t, keys.StateAvailable, k.State)
		_, err = s.GetKeyByAddress(ctx, "pokt1new")
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, err, keys.ErrNotFound)
	})

	t.Run("duplicate insert conflicts", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		insert(t, s, newKey(nil, keys.StateImported, "pokt1dup"))
		err := s.WithTx(ctx, func(tx store.KeyStore) error {
			return tx.Insert(ctx, newKey(nil, keys.StateImported, "pokt1dup"))
		})
		require.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("list by states", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		insert(t, s,
			newKey(nil, keys.StateImported, "pokt1a"),
			newKey(nil, keys.StateStaked, "pokt1b"),
			newKey(nil, keys.StateUnstaked, "pokt1c"),
		)
		got, err := s.ListKeysByStates(ctx, keys.ReconcilableStates, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, k := range got {
			require.NotEqual(t, keys.StateUnstaked, k.State)
		}

		got, err = s.ListKeysByStates(ctx, keys.ReconcilableStates, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("delegators", func(t *testing.T) {
		s := newStore(t, clockwork.NewFakeClockAt(testNow))
		ctx := t.Context()

		_, err := s.GetDelegator(ctx, "pokt1nobody")
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.SaveDelegator(ctx, keys.Delegator{Identity: "pokt1del", Name: "Del", RewardsAddress: "pokt1rewards"}))
		d, err := s.GetDelegator(ctx, "pokt1del")
		require.NoError(t, err)
		require.Equal(t, "pokt1rewards", d.RewardsAddress)
	})
}

func groupNames(groups []keys.AddressGroup) []string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	return names
}

