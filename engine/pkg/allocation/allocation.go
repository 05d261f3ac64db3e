// Package allocation hands custodial keys to stake requests. Keys are spread
// across the eligible address groups by current load, reused when available
// and created when not, all inside one transaction.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/supplierpool/engine/pkg/dberror"
	"github.com/malbeclabs/supplierpool/engine/pkg/distribution"
	"github.com/malbeclabs/supplierpool/engine/pkg/keygen"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/metrics"
	"github.com/malbeclabs/supplierpool/engine/pkg/revshare"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

var (
	// ErrInvalidRequest wraps every validation failure. Nothing is written.
	ErrInvalidRequest = errors.New("invalid stake request")
	// ErrNoEligibleGroups is returned when no address group may serve the
	// request's owner in its region.
	ErrNoEligibleGroups = errors.New("no eligible address groups")
)

// AllocationError is a failed allocation transaction. Nothing was committed,
// so the request can be retried from scratch.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	return "Failed to allocate keys: " + e.Err.Error()
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Retryable reports whether the cause was lock contention or connectivity.
func (e *AllocationError) Retryable() bool {
	return dberror.IsTransient(e.Err)
}

// KeyGenerator creates fresh key material for shortfalls.
type KeyGenerator interface {
	Generate(ctx context.Context) (keys.Material, error)
}

type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Generator KeyGenerator
	Clock     clockwork.Clock
	// HRP is the bech32 prefix request addresses must carry.
	HRP string
	// StrictAddresses additionally requires request addresses to be valid
	// bech32 with a checksum.
	StrictAddresses bool
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HRP == "" {
		cfg.HRP = keygen.DefaultHRP
	}
	return nil
}

type Allocator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Allocator{log: cfg.Logger, cfg: cfg}, nil
}

// assignment is one key bound to a group and a stake amount.
type assignment struct {
	key    keys.Key
	group  keys.AddressGroup
	amount uint64
}

// AllocateSuppliers delivers one key per requested supplier and returns the
// supplier entries the delegator should stake. services is the chain's
// service catalog; an empty catalog disables service filtering.
func (a *Allocator) AllocateSuppliers(ctx context.Context, req supplier.StakeRequest, services []supplier.Service) ([]supplier.Supplier, error) {
	span := sentry.StartSpan(ctx, "allocation.allocate")
	defer span.Finish()
	ctx = span.Context()

	start := a.cfg.Clock.Now()
	suppliers, reused, created, err := a.allocate(ctx, req, services)
	duration := a.cfg.Clock.Since(start)

	status := "success"
	var overflow *revshare.OverflowError
	var allocErr *AllocationError
	switch {
	case err == nil:
	case errors.As(err, &overflow):
		status = "overflow"
	case errors.As(err, &allocErr):
		status = "error"
	default:
		status = "invalid"
	}
	metrics.RecordAllocation(status, duration, reused, created)

	if err != nil {
		span.Status = sentry.SpanStatusAborted
		a.log.Warn("allocation: request failed",
			"owner", req.OwnerAddress, "delegator", req.DelegatorAddress, "region", req.Region,
			"status", status, "error", err)
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	a.log.Info("allocation: delivered keys",
		"owner", req.OwnerAddress, "delegator", req.DelegatorAddress, "region", req.Region,
		"reused", reused, "created", created, "duration", duration.String())
	return suppliers, nil
}

func (a *Allocator) allocate(ctx context.Context, req supplier.StakeRequest, services []supplier.Service) ([]supplier.Supplier, int, int, error) {
	amounts, err := a.validate(req)
	if err != nil {
		return nil, 0, 0, err
	}

	groups, err := a.cfg.Store.ListEligibleGroups(ctx, req.Region, req.OwnerAddress)
	if err != nil {
		return nil, 0, 0, &AllocationError{Err: err}
	}
	if len(groups) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: region %q owner %q", ErrNoEligibleGroups, req.Region, req.OwnerAddress)
	}

	requestShares, err := a.requestShares(ctx, req)
	if err != nil {
		return nil, 0, 0, &AllocationError{Err: err}
	}

	loads := make([]distribution.Group, len(groups))
	for i, g := range groups {
		loads[i] = distribution.Group{KeysCount: g.KeysCount}
	}
	slots := distribution.Calculate(amounts, loads)

	// Only groups that receive suppliers are checked, so one misconfigured
	// group does not block a whole region.
	catalog := supplier.NewCatalog(services)
	for i, g := range groups {
		if len(slots[i]) == 0 {
			continue
		}
		if err := revshare.Validate(requestShares, catalog, g); err != nil {
			// Overflow is a configuration defect and goes back to the caller as is.
			return nil, 0, 0, err
		}
	}

	var assigned []assignment
	var reused, created int
	err = a.cfg.Store.WithTx(ctx, func(tx store.KeyStore) error {
		// Reset on every attempt so a retried callback starts clean.
		assigned, reused, created = assigned[:0], 0, 0
		now := a.cfg.Clock.Now().UTC()

		for i, g := range groups {
			if len(slots[i]) == 0 {
				continue
			}
			picked, err := tx.LockAvailable(ctx, g.ID, len(slots[i]))
			if err != nil {
				return err
			}
			reused += len(picked)

			for len(picked) < len(slots[i]) {
				k, err := a.newKey(ctx, g, req.OwnerAddress, now)
				if err != nil {
					return err
				}
				if err := tx.Insert(ctx, k); err != nil {
					return err
				}
				picked = append(picked, k)
				created++
			}

			deliveries := make([]store.Delivery, len(picked))
			for j, k := range picked {
				deliveries[j] = store.Delivery{
					KeyID:          k.ID,
					Delegator:      req.DelegatorAddress,
					Owner:          req.OwnerAddress,
					StakeAmount:    slots[i][j],
					RewardsAddress: requestShares[0].Address,
					RevSharePct:    req.RevSharePercentage,
					At:             now,
				}
				assigned = append(assigned, assignment{key: k, group: g, amount: slots[i][j]})
			}
			if err := tx.MarkDelivered(ctx, deliveries); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, 0, &AllocationError{Err: err}
	}

	out := make([]supplier.Supplier, 0, len(assigned))
	for _, as := range assigned {
		configs, err := revshare.Build(as.key.Address, req.OwnerAddress, requestShares, catalog, as.group)
		if err != nil {
			return nil, 0, 0, err
		}
		out = append(out, supplier.Supplier{
			OperatorAddress: as.key.Address,
			OwnerAddress:    req.OwnerAddress,
			StakeAmount:     as.amount,
			Services:        configs,
		})
	}
	return out, reused, created, nil
}

func (a *Allocator) newKey(ctx context.Context, g keys.AddressGroup, owner string, now time.Time) (keys.Key, error) {
	m, err := a.cfg.Generator.Generate(ctx)
	if err != nil {
		return keys.Key{}, fmt.Errorf("failed to generate key: %w", err)
	}
	groupID := g.ID
	return keys.Key{
		ID:             uuid.New(),
		Address:        m.Address,
		PublicKey:      m.PublicKey,
		PrivateKey:     m.PrivateKey,
		OwnerAddress:   owner,
		AddressGroupID: &groupID,
		State:          keys.StateAvailable,
		CreatedAt:      now,
	}, nil
}

// requestShares resolves where the delegator's cut is paid.
func (a *Allocator) requestShares(ctx context.Context, req supplier.StakeRequest) ([]supplier.RevShare, error) {
	target := req.DelegatorAddress
	d, err := a.cfg.Store.GetDelegator(ctx, req.DelegatorAddress)
	switch {
	case err == nil:
		if d.RewardsAddress != "" {
			target = d.RewardsAddress
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return []supplier.RevShare{{Address: target, RevSharePercentage: req.RevSharePercentage}}, nil
}

func (a *Allocator) validateAddress(field, addr string) error {
	if !strings.HasPrefix(addr, a.cfg.HRP+"1") || len(addr) == len(a.cfg.HRP)+1 {
		return fmt.Errorf("%w: %s must be a %s address", ErrInvalidRequest, field, a.cfg.HRP)
	}
	if a.cfg.StrictAddresses {
		if err := keygen.ValidateAddress(a.cfg.HRP, addr); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidRequest, field, err)
		}
	}
	return nil
}

func (a *Allocator) validate(req supplier.StakeRequest) ([]uint64, error) {
	if err := a.validateAddress("owner_address", req.OwnerAddress); err != nil {
		return nil, err
	}
	if err := a.validateAddress("delegator_address", req.DelegatorAddress); err != nil {
		return nil, err
	}
	if req.RevSharePercentage > revshare.FullShare {
		return nil, fmt.Errorf("%w: rev_share_percentage must be at most %d", ErrInvalidRequest, revshare.FullShare)
	}
	if req.Region == "" {
		return nil, fmt.Errorf("%w: region is required", ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: items are required", ErrInvalidRequest)
	}
	amounts, err := req.Amounts()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return amounts, nil
}

// ReleaseSuppliers returns keys delivered to delegator to the pool. Addresses
// that are not delivered to delegator are left untouched.
func (a *Allocator) ReleaseSuppliers(ctx context.Context, addresses []string, delegator string) (int, error) {
	if delegator == "" {
		return 0, fmt.Errorf("%w: delegator is required", ErrInvalidRequest)
	}
	if len(addresses) == 0 {
		return 0, nil
	}

	var released int
	err := a.cfg.Store.WithTx(ctx, func(tx store.KeyStore) error {
		var err error
		released, err = tx.MarkAvailable(ctx, addresses, delegator)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release keys: %w", err)
	}

	metrics.KeysReleasedTotal.Add(float64(released))
	a.log.Info("allocation: released keys", "delegator", delegator, "requested", len(addresses), "released", released)
	return released, nil
}
