// Package supplier holds the service configuration shapes shared by the
// allocation and reconciliation paths, and the comparator that detects drift
// between a desired and an on-chain configuration.
package supplier

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RPCType is the endpoint transport advertised on chain.
type RPCType string

const (
	RPCTypeJSONRPC   RPCType = "JSON_RPC"
	RPCTypeREST      RPCType = "REST"
	RPCTypeGRPC      RPCType = "GRPC"
	RPCTypeWebsocket RPCType = "WEBSOCKET"
	RPCTypeCometBFT  RPCType = "COMET_BFT"
)

// ConfigOption is a key/value endpoint option (e.g. TIMEOUT).
type ConfigOption struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Endpoint is a concrete relay endpoint for a service.
type Endpoint struct {
	URL     string         `json:"url"`
	RPCType RPCType        `json:"rpc_type"`
	Configs []ConfigOption `json:"configs"`
}

// RevShare assigns a percentage of a supplier's rewards to an address.
type RevShare struct {
	Address            string `json:"address"`
	RevSharePercentage uint64 `json:"rev_share_percentage"`
}

// ServiceConfig is the per-service configuration of a supplier, either the
// desired one or the one observed on chain.
type ServiceConfig struct {
	ServiceID string     `json:"service_id"`
	RevShare  []RevShare `json:"rev_share"`
	Endpoints []Endpoint `json:"endpoints"`
}

// TotalRevShare sums the percentages of all entries.
func (c ServiceConfig) TotalRevShare() uint64 {
	var total uint64
	for _, rs := range c.RevShare {
		total += rs.RevSharePercentage
	}
	return total
}

// Service is a chain-registered service from the catalog.
type Service struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OwnerAddress string `json:"owner_address,omitempty"`
}

// Catalog indexes services by id.
type Catalog map[string]Service

// NewCatalog builds a catalog from a service list.
func NewCatalog(services []Service) Catalog {
	c := make(Catalog, len(services))
	for _, s := range services {
		c[s.ID] = s
	}
	return c
}

// Allows reports whether serviceID may be configured. An empty catalog
// allows everything.
func (c Catalog) Allows(serviceID string) bool {
	if len(c) == 0 {
		return true
	}
	_, ok := c[serviceID]
	return ok
}

// Supplier is one entry returned to a delegator: the operator key it should
// stake, the amount, and the services to advertise.
type Supplier struct {
	OperatorAddress string          `json:"operator_address"`
	OwnerAddress    string          `json:"owner_address"`
	StakeAmount     uint64          `json:"stake_amount"`
	Services        []ServiceConfig `json:"services"`
}

// StakeItem requests Qty suppliers staked with Amount POKT each.
type StakeItem struct {
	Amount decimal.Decimal `json:"amount"`
	Qty    int             `json:"qty"`
}

// StakeRequest is the input to allocation.
type StakeRequest struct {
	OwnerAddress       string      `json:"owner_address"`
	DelegatorAddress   string      `json:"delegator_address"`
	RevSharePercentage uint64      `json:"rev_share_percentage"`
	Region             string      `json:"region"`
	Items              []StakeItem `json:"items"`
}

const (
	// MaxItemQty bounds a single tier.
	MaxItemQty = 1000
	// MaxSuppliersPerRequest bounds the total across all tiers, since every
	// supplier is delivered inside one transaction.
	MaxSuppliersPerRequest = 1000
)

// Amounts flattens the request tiers into one upokt amount per supplier,
// preserving tier order.
func (r StakeRequest) Amounts() ([]uint64, error) {
	var total int
	for i, item := range r.Items {
		if item.Qty <= 0 {
			return nil, fmt.Errorf("items[%d]: qty must be positive", i)
		}
		if item.Qty > MaxItemQty {
			return nil, fmt.Errorf("items[%d]: qty must be at most %d", i, MaxItemQty)
		}
		total += item.Qty
		if total > MaxSuppliersPerRequest {
			return nil, fmt.Errorf("items: at most %d suppliers per request", MaxSuppliersPerRequest)
		}
	}

	amounts := make([]uint64, 0, total)
	for i, item := range r.Items {
		upokt, err := ToUpokt(item.Amount)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		if upokt == 0 {
			return nil, fmt.Errorf("items[%d]: amount must be positive", i)
		}
		for range item.Qty {
			amounts = append(amounts, upokt)
		}
	}
	return amounts, nil
}
