// Package engine wires the key pool: allocation against the store and the
// reconciliation activity against the chain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/supplierpool/engine/pkg/allocation"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/reconcile"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

const DefaultCatalogTTL = 5 * time.Minute

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     store.Store
	Generator allocation.KeyGenerator
	Oracle    reconcile.Oracle

	HRP             string
	StrictAddresses bool

	// CatalogTTL bounds how long the chain service catalog is reused by
	// allocation.
	CatalogTTL time.Duration

	ReconcileEnabled bool
	RefreshInterval  time.Duration
	MaxConcurrency   int
	BatchSize        int
	DeliveryWindow   time.Duration
	MinStake         uint64
	MinBalance       uint64
	Signer           reconcile.Signer
	Broadcaster      reconcile.Broadcaster
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Oracle == nil {
		return errors.New("oracle is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CatalogTTL <= 0 {
		cfg.CatalogTTL = DefaultCatalogTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config

	allocator *allocation.Allocator
	activity  *reconcile.Activity

	catalogMu        sync.Mutex
	catalog          []supplier.Service
	catalogFetchedAt time.Time
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	allocator, err := allocation.New(allocation.Config{
		Logger:          cfg.Logger,
		Store:           cfg.Store,
		Generator:       cfg.Generator,
		Clock:           cfg.Clock,
		HRP:             cfg.HRP,
		StrictAddresses: cfg.StrictAddresses,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}

	activity, err := reconcile.NewActivity(reconcile.ActivityConfig{
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Store:           cfg.Store,
		Oracle:          cfg.Oracle,
		RefreshInterval: cfg.RefreshInterval,
		MaxConcurrency:  cfg.MaxConcurrency,
		BatchSize:       cfg.BatchSize,
		DeliveryWindow:  cfg.DeliveryWindow,
		MinStake:        cfg.MinStake,
		MinBalance:      cfg.MinBalance,
		Signer:          cfg.Signer,
		Broadcaster:     cfg.Broadcaster,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile activity: %w", err)
	}

	return &Engine{
		log:       cfg.Logger,
		cfg:       cfg,
		allocator: allocator,
		activity:  activity,
	}, nil
}

// Ready reports whether the engine can serve. With reconciliation enabled it
// waits for the first pass.
func (e *Engine) Ready() bool {
	if !e.cfg.ReconcileEnabled {
		return true
	}
	return e.activity.Ready()
}

func (e *Engine) Start(ctx context.Context) {
	if e.cfg.ReconcileEnabled {
		e.activity.Start(ctx)
	}
}

func (e *Engine) Activity() *reconcile.Activity {
	return e.activity
}

// AllocateSuppliers allocates keys for req against the current service
// catalog.
func (e *Engine) AllocateSuppliers(ctx context.Context, req supplier.StakeRequest) ([]supplier.Supplier, error) {
	services, err := e.services(ctx)
	if err != nil {
		return nil, &allocation.AllocationError{Err: err}
	}
	return e.allocator.AllocateSuppliers(ctx, req, services)
}

func (e *Engine) ReleaseSuppliers(ctx context.Context, addresses []string, delegator string) (int, error) {
	return e.allocator.ReleaseSuppliers(ctx, addresses, delegator)
}

func (e *Engine) MarkForRemediation(ctx context.Context, keyID uuid.UUID) error {
	return e.activity.MarkForRemediation(ctx, keyID)
}

func (e *Engine) History(ctx context.Context, keyID uuid.UUID) ([]keys.RemediationHistoryEntry, error) {
	return e.activity.History(ctx, keyID)
}

// services returns the cached catalog, refreshing it once the TTL has passed.
// A failed refresh falls back to the previous catalog when there is one.
func (e *Engine) services(ctx context.Context) ([]supplier.Service, error) {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()

	now := e.cfg.Clock.Now()
	if e.catalog != nil && now.Sub(e.catalogFetchedAt) < e.cfg.CatalogTTL {
		return e.catalog, nil
	}

	services, err := e.cfg.Oracle.ListServices(ctx)
	if err != nil {
		if e.catalog != nil {
			e.log.Warn("engine: failed to refresh service catalog, using cached", "error", err, "age", now.Sub(e.catalogFetchedAt).String())
			return e.catalog, nil
		}
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	if services == nil {
		services = []supplier.Service{}
	}
	e.catalog = services
	e.catalogFetchedAt = now
	return services, nil
}
