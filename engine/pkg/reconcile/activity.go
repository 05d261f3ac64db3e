package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/supplierpool/engine/pkg/chain"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/metrics"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
	"github.com/malbeclabs/supplierpool/engine/pkg/txmsg"
)

// Oracle is the chain view reconciliation needs.
type Oracle interface {
	GetSupplier(ctx context.Context, operator string) (*chain.Supplier, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
	LatestHeight(ctx context.Context) (int64, error)
	ListServices(ctx context.Context) ([]supplier.Service, error)
}

// Broadcaster submits signed transactions.
type Broadcaster interface {
	BroadcastTx(ctx context.Context, txBytes []byte) (chain.TxResult, error)
}

// Signer signs messages with a custodial key. Signing lives outside the
// engine; the activity only builds the messages.
type Signer interface {
	Sign(ctx context.Context, key keys.Key, msgs []txmsg.Message) ([]byte, error)
}

type ActivityConfig struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Store           store.Store
	Oracle          Oracle
	RefreshInterval time.Duration
	MaxConcurrency  int
	BatchSize       int
	DeliveryWindow  time.Duration
	MinStake        uint64
	MinBalance      uint64

	// Signer and Broadcaster enable automatic service remediation. Both are
	// optional; without them findings are only recorded.
	Signer      Signer
	Broadcaster Broadcaster
}

func (cfg *ActivityConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Oracle == nil {
		return errors.New("oracle is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if (cfg.Signer == nil) != (cfg.Broadcaster == nil) {
		return errors.New("signer and broadcaster must be configured together")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.DeliveryWindow <= 0 {
		cfg.DeliveryWindow = DefaultDeliveryWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Summary counts the outcomes of one pass.
type Summary struct {
	Height       int64
	Evaluated    int
	Transitioned int
	Stale        int
	Failed       int
	Findings     int
}

// Activity is the idempotent reconciliation entry point. RunOnce is what an
// external workflow engine calls; Start runs it on a ticker.
type Activity struct {
	log       *slog.Logger
	cfg       ActivityConfig
	refreshMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewActivity(cfg ActivityConfig) (*Activity, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Activity{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

func (a *Activity) Ready() bool {
	select {
	case <-a.readyCh:
		return true
	default:
		return false
	}
}

func (a *Activity) WaitReady(ctx context.Context) error {
	select {
	case <-a.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for reconcile activity: %w", ctx.Err())
	}
}

func (a *Activity) Start(ctx context.Context) {
	go func() {
		a.log.Info("reconcile: starting refresh loop", "interval", a.cfg.RefreshInterval)

		a.safeRun(ctx)

		ticker := a.cfg.Clock.NewTicker(a.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				a.safeRun(ctx)
			}
		}
	}()
}

func (a *Activity) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("reconcile: pass panicked", "panic", r)
			metrics.LoopRefreshTotal.WithLabelValues("reconcile", "panic").Inc()
		}
	}()

	if _, err := a.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		a.log.Error("reconcile: pass failed", "error", err)
	}
}

// RunOnce evaluates every key in a reconcilable state. A failure on one key is
// logged and counted without aborting the others; only failing to read the
// chain height, the catalog or the key list fails the pass.
func (a *Activity) RunOnce(ctx context.Context) (Summary, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	span := sentry.StartSpan(ctx, "reconcile.run")
	defer span.Finish()
	ctx = span.Context()

	start := a.cfg.Clock.Now()
	defer func() {
		metrics.LoopRefreshDuration.WithLabelValues("reconcile").Observe(a.cfg.Clock.Since(start).Seconds())
	}()

	summary, err := a.run(ctx)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		metrics.LoopRefreshTotal.WithLabelValues("reconcile", "error").Inc()
		return summary, err
	}
	span.Status = sentry.SpanStatusOK
	metrics.LoopRefreshTotal.WithLabelValues("reconcile", "success").Inc()
	a.readyOnce.Do(func() { close(a.readyCh) })

	a.log.Info("reconcile: pass completed",
		"height", summary.Height, "evaluated", summary.Evaluated, "transitioned", summary.Transitioned,
		"stale", summary.Stale, "failed", summary.Failed, "findings", summary.Findings,
		"duration", a.cfg.Clock.Since(start).String())
	return summary, nil
}

func (a *Activity) run(ctx context.Context) (Summary, error) {
	height, err := a.cfg.Oracle.LatestHeight(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to get latest height: %w", err)
	}
	services, err := a.cfg.Oracle.ListServices(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list services: %w", err)
	}
	catalog := supplier.NewCatalog(services)

	pending, err := a.cfg.Store.ListKeysByStates(ctx, keys.ReconcilableStates, a.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list keys: %w", err)
	}

	groups, err := a.loadGroups(ctx, pending)
	if err != nil {
		return Summary{}, err
	}

	var mu sync.Mutex
	summary := Summary{Height: height}
	now := a.cfg.Clock.Now()

	var g errgroup.Group
	g.SetLimit(a.cfg.MaxConcurrency)
	for _, key := range pending {
		g.Go(func() error {
			var group *keys.AddressGroup
			if key.AddressGroupID != nil {
				if grp, ok := groups[*key.AddressGroupID]; ok {
					group = &grp
				}
			}
			outcome, findings, err := a.reconcileRecovered(ctx, key, catalog, group, height, now)

			mu.Lock()
			defer mu.Unlock()
			summary.Evaluated++
			summary.Findings += findings
			if err != nil {
				summary.Failed++
				metrics.ReconcileKeysTotal.WithLabelValues("error").Inc()
				a.log.Warn("reconcile: key failed", "key", key, "error", err)
				return nil
			}
			switch outcome {
			case outcomeTransitioned:
				summary.Transitioned++
			case outcomeStale:
				summary.Stale++
			}
			metrics.ReconcileKeysTotal.WithLabelValues(string(outcome)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (a *Activity) loadGroups(ctx context.Context, pending []keys.Key) (map[uuid.UUID]keys.AddressGroup, error) {
	groups := map[uuid.UUID]keys.AddressGroup{}
	for _, k := range pending {
		if k.AddressGroupID == nil {
			continue
		}
		if _, ok := groups[*k.AddressGroupID]; ok {
			continue
		}
		g, err := a.cfg.Store.GetGroup(ctx, *k.AddressGroupID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load address group %s: %w", *k.AddressGroupID, err)
		}
		groups[g.ID] = g
	}
	return groups, nil
}

type outcome string

const (
	outcomeUnchanged    outcome = "unchanged"
	outcomeTransitioned outcome = "transitioned"
	outcomeStale        outcome = "stale"
)

// reconcileRecovered turns a panic while reconciling key into a per-key
// failure so the rest of the pass still runs.
func (a *Activity) reconcileRecovered(ctx context.Context, key keys.Key, catalog supplier.Catalog, group *keys.AddressGroup, height int64, now time.Time) (out outcome, findings int, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopRefreshTotal.WithLabelValues("reconcile", "panic").Inc()
			out, findings, err = "", 0, fmt.Errorf("panic reconciling %s: %v", key.Address, r)
		}
	}()
	return a.reconcileOne(ctx, key, catalog, group, height, now)
}

func (a *Activity) reconcileOne(ctx context.Context, key keys.Key, catalog supplier.Catalog, group *keys.AddressGroup, height int64, now time.Time) (outcome, int, error) {
	onChain, err := a.cfg.Oracle.GetSupplier(ctx, key.Address)
	if errors.Is(err, chain.ErrNotFound) {
		onChain, err = nil, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to get supplier: %w", err)
	}
	balance, err := a.cfg.Oracle.GetBalance(ctx, key.Address)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get balance: %w", err)
	}

	res, err := ReconcileKey(key, onChain, catalog, group, Params{
		Height:         height,
		Now:            now,
		Balance:        balance,
		DeliveryWindow: a.cfg.DeliveryWindow,
		MinStake:       a.cfg.MinStake,
		MinBalance:     a.cfg.MinBalance,
	})
	if err != nil {
		return "", 0, err
	}

	if a.cfg.Signer != nil && res.To == keys.StateAttentionNeeded && res.OnlyServiceMismatch() {
		res = a.remediate(ctx, key, onChain, res)
	}

	var applied bool
	err = a.cfg.Store.WithTx(ctx, func(tx store.KeyStore) error {
		var err error
		applied, err = tx.UpdateWithHeightFloor(ctx, store.HeightUpdate{
			KeyID:    key.ID,
			From:     res.From,
			To:       res.To,
			Height:   res.Height,
			Observed: res.Observed,
		})
		if err != nil || !applied {
			return err
		}
		for _, e := range res.Entries {
			if _, err := tx.AppendRemediation(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	if !applied {
		a.log.Debug("reconcile: skipped stale update", "key", key, "height", height)
		return outcomeStale, 0, nil
	}

	for _, e := range res.Entries {
		metrics.RemediationFindingsTotal.WithLabelValues(string(e.Reason)).Inc()
	}
	if res.Changed {
		a.log.Info("reconcile: key transitioned", "key", key, "from", res.From, "to", res.To, "findings", len(res.Entries))
		return outcomeTransitioned, len(res.Entries), nil
	}
	return outcomeUnchanged, len(res.Entries), nil
}

// remediate restakes the supplier with the expected services. On success the
// key stays staked and the ledger records the transaction; on failure the key
// moves to remediation_failed.
func (a *Activity) remediate(ctx context.Context, key keys.Key, onChain *chain.Supplier, res Result) Result {
	owner := key.OwnerAddress
	if owner == "" {
		owner = onChain.OwnerAddress
	}
	msg := txmsg.StakeSupplier{
		SignerAddress:   key.Address,
		OwnerAddress:    owner,
		OperatorAddress: key.Address,
		Stake:           onChain.Stake,
		Services:        res.Expected,
	}

	record := func(to keys.State, txResult, details string) Result {
		res.To = to
		res.Changed = res.To != res.From
		res.Entries = slices.Clone(res.Entries)
		for i := range res.Entries {
			res.Entries[i].TxResult = &txResult
			res.Entries[i].TxResultDetails = &details
		}
		return res
	}

	txBytes, err := a.cfg.Signer.Sign(ctx, key, []txmsg.Message{msg})
	if err != nil {
		metrics.RemediationBroadcastsTotal.WithLabelValues("sign_error").Inc()
		a.log.Warn("reconcile: failed to sign remediation", "key", key, "error", err)
		return record(keys.StateRemediationFailed, "", err.Error())
	}

	tx, err := a.cfg.Broadcaster.BroadcastTx(ctx, txBytes)
	if err != nil {
		metrics.RemediationBroadcastsTotal.WithLabelValues("error").Inc()
		a.log.Warn("reconcile: failed to broadcast remediation", "key", key, "error", err)
		return record(keys.StateRemediationFailed, "", err.Error())
	}
	if !tx.Succeeded() {
		metrics.RemediationBroadcastsTotal.WithLabelValues("rejected").Inc()
		a.log.Warn("reconcile: remediation rejected", "key", key, "tx", tx.Hash, "code", tx.Code)
		return record(keys.StateRemediationFailed, tx.Hash, fmt.Sprintf("code %d: %s", tx.Code, tx.RawLog))
	}

	metrics.RemediationBroadcastsTotal.WithLabelValues("success").Inc()
	a.log.Info("reconcile: remediation broadcast", "key", key, "tx", tx.Hash)
	return record(keys.StateStaked, tx.Hash, "broadcast")
}

// MarkForRemediation resets a key in attention_needed or remediation_failed
// to staked so the next pass evaluates it again. The ledger is not touched.
func (a *Activity) MarkForRemediation(ctx context.Context, keyID uuid.UUID) error {
	if err := MarkForRemediation(ctx, a.cfg.Store, keyID); err != nil {
		return err
	}
	a.log.Info("reconcile: key marked for remediation", "key_id", keyID)
	return nil
}

// MarkForRemediation is the store-level operator reset shared by the service
// and the admin tool.
func MarkForRemediation(ctx context.Context, st store.Store, keyID uuid.UUID) error {
	err := st.WithTx(ctx, func(tx store.KeyStore) error {
		k, err := tx.LockKey(ctx, keyID)
		if err != nil {
			return err
		}
		if !slices.Contains(keys.RemediationStates, k.State) {
			return fmt.Errorf("%w: key %s is %s", keys.ErrInvalidTransition, keyID, k.State)
		}
		applied, err := tx.UpdateWithHeightFloor(ctx, store.HeightUpdate{
			KeyID:  k.ID,
			From:   k.State,
			To:     keys.StateStaked,
			Height: k.LastUpdatedHeight,
		})
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("%w: key %s changed concurrently", store.ErrConflict, keyID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark key for remediation: %w", err)
	}
	return nil
}

// History returns the remediation ledger of a key, oldest first.
func (a *Activity) History(ctx context.Context, keyID uuid.UUID) ([]keys.RemediationHistoryEntry, error) {
	if _, err := a.cfg.Store.GetKey(ctx, keyID); err != nil {
		return nil, err
	}
	return a.cfg.Store.History(ctx, keyID)
}
