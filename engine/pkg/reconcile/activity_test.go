package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/supplierpool/engine/pkg/chain"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/reconcile"
	"github.com/malbeclabs/supplierpool/engine/pkg/revshare"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
	"github.com/malbeclabs/supplierpool/engine/pkg/txmsg"
	pooltesting "github.com/malbeclabs/supplierpool/utils/pkg/testing"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeOracle struct {
	mu        sync.Mutex
	height    int64
	suppliers map[string]*chain.Supplier
	balances  map[string]uint64
	failFor   map[string]error
	panicFor  map[string]string
	services  []supplier.Service
}

func newFakeOracle(height int64) *fakeOracle {
	return &fakeOracle{
		height:    height,
		suppliers: map[string]*chain.Supplier{},
		balances:  map[string]uint64{},
		failFor:   map[string]error{},
		panicFor:  map[string]string{},
	}
}

func (o *fakeOracle) GetSupplier(ctx context.Context, operator string) (*chain.Supplier, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.failFor[operator]; err != nil {
		return nil, err
	}
	if msg, ok := o.panicFor[operator]; ok {
		panic(msg)
	}
	s, ok := o.suppliers[operator]
	if !ok {
		return nil, chain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (o *fakeOracle) GetBalance(ctx context.Context, address string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.balances[address], nil
}

func (o *fakeOracle) LatestHeight(ctx context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.height, nil
}

func (o *fakeOracle) ListServices(ctx context.Context) ([]supplier.Service, error) {
	return o.services, nil
}

func (o *fakeOracle) setHeight(h int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.height = h
}

type fakeSigner struct {
	mu   sync.Mutex
	msgs []txmsg.Message
	err  error
}

func (s *fakeSigner) Sign(ctx context.Context, key keys.Key, msgs []txmsg.Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.msgs = append(s.msgs, msgs...)
	return []byte("signed:" + key.Address), nil
}

type fakeBroadcaster struct {
	result chain.TxResult
	err    error
}

func (b *fakeBroadcaster) BroadcastTx(ctx context.Context, txBytes []byte) (chain.TxResult, error) {
	return b.result, b.err
}

type fixture struct {
	store  *store.Memory
	oracle *fakeOracle
	clock  *clockwork.FakeClock
	group  keys.AddressGroup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	f := &fixture{
		store:  store.NewMemory(clock),
		oracle: newFakeOracle(100),
		clock:  clock,
		group: keys.AddressGroup{
			ID:           uuid.New(),
			Name:         "us-east-1",
			Region:       "us",
			RelayMinerID: "rm1",
			Domain:       "relays.example.com",
			Services: []keys.AddressGroupService{{
				ServiceID: "eth",
				RevShare:  []supplier.RevShare{{Address: "pokt1group", RevSharePercentage: 5}},
				Endpoints: []keys.EndpointTemplate{{URL: "https://{rm}-{sid}.{domain}", RPCType: supplier.RPCTypeJSONRPC}},
			}},
		},
	}
	require.NoError(t, f.store.SaveGroup(context.Background(), f.group))
	return f
}

func (f *fixture) activity(t *testing.T, mutate ...func(*reconcile.ActivityConfig)) *reconcile.Activity {
	t.Helper()
	cfg := reconcile.ActivityConfig{
		Logger:          pooltesting.NewLogger(),
		Clock:           f.clock,
		Store:           f.store,
		Oracle:          f.oracle,
		RefreshInterval: time.Minute,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := reconcile.NewActivity(cfg)
	require.NoError(t, err)
	return a
}

func (f *fixture) insert(t *testing.T, address string, state keys.State, height int64) keys.Key {
	t.Helper()
	deliveredAt := testNow.Add(-time.Hour)
	to := "pokt1delegator"
	k := keys.Key{
		ID:                          uuid.New(),
		Address:                     address,
		PublicKey:                   []byte("pub-" + address),
		PrivateKey:                  []byte("sealed"),
		OwnerAddress:                "pokt1owner",
		AddressGroupID:              &f.group.ID,
		State:                       state,
		LastUpdatedHeight:           height,
		DeliveredAt:                 &deliveredAt,
		DeliveredTo:                 &to,
		DelegatorRewardsAddress:     "pokt1rewards",
		DelegatorRevSharePercentage: 10,
	}
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.KeyStore) error {
		return tx.Insert(context.Background(), k)
	}))
	return k
}

func (f *fixture) healthy(t *testing.T, k keys.Key) *chain.Supplier {
	t.Helper()
	services, err := revshare.Build(k.Address, k.OwnerAddress,
		[]supplier.RevShare{{Address: k.DelegatorRewardsAddress, RevSharePercentage: k.DelegatorRevSharePercentage}},
		nil, f.group)
	require.NoError(t, err)
	return &chain.Supplier{OwnerAddress: k.OwnerAddress, OperatorAddress: k.Address, Stake: 100_000_000, Services: services}
}

func (f *fixture) key(t *testing.T, id uuid.UUID) keys.Key {
	t.Helper()
	k, err := f.store.GetKey(context.Background(), id)
	require.NoError(t, err)
	return k
}

func TestPool_Activity_Config_Validate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := func() reconcile.ActivityConfig {
		return reconcile.ActivityConfig{
			Logger:          pooltesting.NewLogger(),
			Store:           f.store,
			Oracle:          f.oracle,
			RefreshInterval: time.Minute,
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	require.Equal(t, reconcile.DefaultDeliveryWindow, cfg.DeliveryWindow)
	require.Equal(t, 8, cfg.MaxConcurrency)
	require.NotNil(t, cfg.Clock)

	cfg = base()
	cfg.Logger = nil
	require.EqualError(t, cfg.Validate(), "logger is required")

	cfg = base()
	cfg.Oracle = nil
	require.EqualError(t, cfg.Validate(), "oracle is required")

	cfg = base()
	cfg.RefreshInterval = 0
	require.EqualError(t, cfg.Validate(), "refresh interval must be greater than 0")

	cfg = base()
	cfg.Signer = &fakeSigner{}
	require.EqualError(t, cfg.Validate(), "signer and broadcaster must be configured together")
}

func TestPool_Activity_RunOnce_Transitions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	staking := f.insert(t, "pokt1staking", keys.StateDelivered, 90)
	f.oracle.suppliers[staking.Address] = f.healthy(t, staking)
	f.oracle.balances[staking.Address] = 3_000_000

	waiting := f.insert(t, "pokt1waiting", keys.StateDelivered, 90)
	gone := f.insert(t, "pokt1gone", keys.StateStaked, 90)
	available := f.insert(t, "pokt1available", keys.StateAvailable, 0)

	a := f.activity(t)
	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), summary.Height)
	require.Equal(t, 3, summary.Evaluated)
	require.Equal(t, 2, summary.Transitioned)
	require.Zero(t, summary.Failed)
	require.True(t, a.Ready())

	got := f.key(t, staking.ID)
	require.Equal(t, keys.StateStaked, got.State)
	require.Equal(t, int64(100), got.LastUpdatedHeight)
	require.Equal(t, uint64(100_000_000), got.StakeAmount)
	require.Equal(t, uint64(3_000_000), got.Balance)

	require.Equal(t, keys.StateDelivered, f.key(t, waiting.ID).State)
	require.Equal(t, keys.StateUnstaked, f.key(t, gone.ID).State)
	require.Equal(t, keys.StateAvailable, f.key(t, available.ID).State)
}

func TestPool_Activity_RunOnce_ExternallyStakingKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	landed := f.insert(t, "pokt1landed", keys.StateStaking, 90)
	f.oracle.suppliers[landed.Address] = f.healthy(t, landed)
	pending := f.insert(t, "pokt1pending", keys.StateStaking, 90)

	summary, err := f.activity(t).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Evaluated)
	require.Equal(t, 1, summary.Transitioned)
	require.Equal(t, keys.StateStaked, f.key(t, landed.ID).State)
	require.Equal(t, keys.StateStaking, f.key(t, pending.ID).State)
}

func TestPool_Activity_RunOnce_IsolatesKeyFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	broken := f.insert(t, "pokt1broken", keys.StateStaked, 90)
	ok := f.insert(t, "pokt1ok", keys.StateStaked, 90)
	f.oracle.failFor[broken.Address] = errors.New("rpc unavailable")

	summary, err := f.activity(t).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Transitioned)
	require.Equal(t, keys.StateStaked, f.key(t, broken.ID).State)
	require.Equal(t, keys.StateUnstaked, f.key(t, ok.ID).State)
}

func TestPool_Activity_RunOnce_RecoversKeyPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	bad := f.insert(t, "pokt1panics", keys.StateStaked, 90)
	ok := f.insert(t, "pokt1ok", keys.StateStaked, 90)
	f.oracle.panicFor[bad.Address] = "malformed supplier"

	a := f.activity(t)
	summary, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Evaluated)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Transitioned)
	require.True(t, a.Ready())
	require.Equal(t, keys.StateStaked, f.key(t, bad.ID).State)
	require.Equal(t, keys.StateUnstaked, f.key(t, ok.ID).State)
}

func TestPool_Activity_RunOnce_SkipsStaleHeight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	k := f.insert(t, "pokt1ahead", keys.StateStaked, 150)

	summary, err := f.activity(t).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Stale)
	require.Equal(t, keys.StateStaked, f.key(t, k.ID).State)
}

func TestPool_Activity_RunOnce_RecordsFindingsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	k := f.insert(t, "pokt1drift", keys.StateStaked, 90)
	onChain := f.healthy(t, k)
	onChain.Services[0].Endpoints[0].URL = "https://stale.example.com"
	f.oracle.suppliers[k.Address] = onChain

	a := f.activity(t)
	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Findings)
	require.Equal(t, keys.StateAttentionNeeded, f.key(t, k.ID).State)

	f.oracle.setHeight(101)
	summary, err = a.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Evaluated)

	history, err := a.History(ctx, k.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, keys.ReasonServiceMismatch, history[0].Reason)
	require.Equal(t, int64(100), history[0].Height)
	require.Nil(t, history[0].TxResult)
}

func TestPool_Activity_RunOnce_KeepsIntendedOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	k := f.insert(t, "pokt1hijacked", keys.StateDelivered, 90)
	onChain := f.healthy(t, k)
	onChain.OwnerAddress = "pokt1thief"
	f.oracle.suppliers[k.Address] = onChain

	a := f.activity(t)
	_, err := a.RunOnce(ctx)
	require.NoError(t, err)
	got := f.key(t, k.ID)
	require.Equal(t, keys.StateStaked, got.State)
	require.Equal(t, "pokt1owner", got.OwnerAddress)
	require.Equal(t, "pokt1thief", got.StakeOwner)

	f.oracle.setHeight(101)
	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Findings)
	got = f.key(t, k.ID)
	require.Equal(t, keys.StateAttentionNeeded, got.State)
	require.Equal(t, "pokt1owner", got.OwnerAddress)

	history, err := a.History(ctx, k.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, keys.ReasonOwnerInitialStake, history[0].Reason)
	require.Equal(t, int64(101), history[0].Height)
}

func TestPool_Activity_AutoRemediation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	k := f.insert(t, "pokt1drift", keys.StateStaked, 90)
	onChain := f.healthy(t, k)
	onChain.Services[0].Endpoints[0].URL = "https://stale.example.com"
	f.oracle.suppliers[k.Address] = onChain

	signer := &fakeSigner{}
	a := f.activity(t, func(cfg *reconcile.ActivityConfig) {
		cfg.Signer = signer
		cfg.Broadcaster = &fakeBroadcaster{result: chain.TxResult{Hash: "ABC123", Height: 100}}
	})

	_, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, keys.StateStaked, f.key(t, k.ID).State)

	require.Len(t, signer.msgs, 1)
	msg, ok := signer.msgs[0].(txmsg.StakeSupplier)
	require.True(t, ok)
	require.Equal(t, k.Address, msg.OperatorAddress)
	require.Equal(t, k.OwnerAddress, msg.OwnerAddress)
	require.Equal(t, uint64(100_000_000), msg.Stake)
	require.Equal(t, "https://rm1-eth.relays.example.com", msg.Services[0].Endpoints[0].URL)

	history, err := a.History(ctx, k.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].TxResult)
	require.Equal(t, "ABC123", *history[0].TxResult)
}

func TestPool_Activity_AutoRemediationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	k := f.insert(t, "pokt1drift", keys.StateStaked, 90)
	onChain := f.healthy(t, k)
	onChain.Services[0].Endpoints[0].URL = "https://stale.example.com"
	f.oracle.suppliers[k.Address] = onChain

	a := f.activity(t, func(cfg *reconcile.ActivityConfig) {
		cfg.Signer = &fakeSigner{}
		cfg.Broadcaster = &fakeBroadcaster{result: chain.TxResult{Hash: "DEF456", Code: 5, RawLog: "insufficient fee"}}
	})

	_, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, keys.StateRemediationFailed, f.key(t, k.ID).State)

	history, err := a.History(ctx, k.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "DEF456", *history[0].TxResult)
	require.Contains(t, *history[0].TxResultDetails, "insufficient fee")
}

func TestPool_Activity_MarkForRemediation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	flagged := f.insert(t, "pokt1flagged", keys.StateAttentionNeeded, 90)
	staked := f.insert(t, "pokt1fine", keys.StateStaked, 90)

	a := f.activity(t)
	require.NoError(t, a.MarkForRemediation(ctx, flagged.ID))
	require.Equal(t, keys.StateStaked, f.key(t, flagged.ID).State)

	err := a.MarkForRemediation(ctx, staked.ID)
	require.ErrorIs(t, err, keys.ErrInvalidTransition)

	err = a.MarkForRemediation(ctx, uuid.New())
	require.ErrorIs(t, err, keys.ErrNotFound)

	_, err = a.History(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPool_Activity_StartRunsOnTicker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	k := f.insert(t, "pokt1later", keys.StateStaked, 90)
	f.oracle.suppliers[k.Address] = f.healthy(t, k)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := f.activity(t)
	a.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitReady(waitCtx))
	require.Equal(t, keys.StateStaked, f.key(t, k.ID).State)

	f.oracle.mu.Lock()
	delete(f.oracle.suppliers, k.Address)
	f.oracle.height = 101
	f.oracle.mu.Unlock()

	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
	f.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return f.key(t, k.ID).State == keys.StateUnstaked
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_Activity_WaitReady_ContextCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.activity(t)
	require.False(t, a.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.WaitReady(ctx), context.Canceled)
}
