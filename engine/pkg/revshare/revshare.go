// Package revshare builds the per-service configuration a supplier should
// advertise: concrete endpoints for its address group and a revenue share
// split that always resolves to exactly 100%.
package revshare

import (
	"fmt"
	"math"

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

// FullShare is the total every resolved service split must reach.
const FullShare uint64 = 100

// OverflowError reports that group and request shares exceed 100% before the
// owner remainder is computed. It points at a configuration defect and is
// never retryable.
type OverflowError struct {
	GroupName string
	ServiceID string
	Total     uint64
}

// RevenueShareOverflowError is the caller-facing name of OverflowError.
type RevenueShareOverflowError = OverflowError

func (e *OverflowError) Error() string {
	return fmt.Sprintf("revenue share overflow: address group %q service %q shares sum to %d%% before the owner remainder",
		e.GroupName, e.ServiceID, e.Total)
}

func (e *OverflowError) Retryable() bool { return false }

// Build returns the service configs for operator in group. requestShares is
// the request-level split (the delegator's cut); the owner receives the
// remainder. Group services missing from a non-empty catalog are skipped.
func Build(operator, owner string, requestShares []supplier.RevShare, catalog supplier.Catalog, group keys.AddressGroup) ([]supplier.ServiceConfig, error) {
	configs := make([]supplier.ServiceConfig, 0, len(group.Services))
	for _, svc := range group.Services {
		if !catalog.Allows(svc.ServiceID) {
			continue
		}

		shares, err := split(operator, owner, requestShares, group, svc)
		if err != nil {
			return nil, err
		}

		endpoints, err := Endpoints(svc, group)
		if err != nil {
			return nil, err
		}

		configs = append(configs, supplier.ServiceConfig{
			ServiceID: svc.ServiceID,
			RevShare:  shares,
			Endpoints: endpoints,
		})
	}
	return configs, nil
}

// Validate checks that no service of group overflows with requestShares and
// that every endpoint template resolves. The result does not depend on the
// operator address, so allocation runs it before any key is touched.
func Validate(requestShares []supplier.RevShare, catalog supplier.Catalog, group keys.AddressGroup) error {
	for _, svc := range group.Services {
		if !catalog.Allows(svc.ServiceID) {
			continue
		}
		if _, err := split("", "", requestShares, group, svc); err != nil {
			return err
		}
		if _, err := Endpoints(svc, group); err != nil {
			return err
		}
	}
	return nil
}

// GroupShares returns the group's own entries for operator under svc.
func GroupShares(operator string, svc keys.AddressGroupService) []supplier.RevShare {
	shares := make([]supplier.RevShare, 0, len(svc.RevShare)+1)
	shares = append(shares, svc.RevShare...)
	if svc.AddSupplierShare {
		shares = append(shares, supplier.RevShare{Address: operator, RevSharePercentage: svc.SupplierShare})
	}
	return shares
}

func split(operator, owner string, requestShares []supplier.RevShare, group keys.AddressGroup, svc keys.AddressGroupService) ([]supplier.RevShare, error) {
	shares := GroupShares(operator, svc)
	shares = append(shares, requestShares...)

	var total uint64
	for _, s := range shares {
		if s.RevSharePercentage > FullShare-total {
			return nil, &OverflowError{GroupName: group.Name, ServiceID: svc.ServiceID, Total: sum(shares)}
		}
		total += s.RevSharePercentage
	}
	shares = append(shares, supplier.RevShare{Address: owner, RevSharePercentage: FullShare - total})

	return compact(shares), nil
}

// compact merges entries for the same address, keeping first-seen order, and
// drops zero entries.
func compact(shares []supplier.RevShare) []supplier.RevShare {
	index := make(map[string]int, len(shares))
	out := make([]supplier.RevShare, 0, len(shares))
	for _, s := range shares {
		if i, ok := index[s.Address]; ok {
			out[i].RevSharePercentage += s.RevSharePercentage
			continue
		}
		index[s.Address] = len(out)
		out = append(out, s)
	}

	kept := out[:0]
	for _, s := range out {
		if s.RevSharePercentage != 0 {
			kept = append(kept, s)
		}
	}
	return kept
}

// sum saturates instead of wrapping.
func sum(shares []supplier.RevShare) uint64 {
	var total uint64
	for _, s := range shares {
		if s.RevSharePercentage > math.MaxUint64-total {
			return math.MaxUint64
		}
		total += s.RevSharePercentage
	}
	return total
}
