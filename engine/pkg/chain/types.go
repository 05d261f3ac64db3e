package chain

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

// uint64String decodes proto3 JSON 64-bit integers, which the gateway renders
// as strings, while also accepting bare numbers.
type uint64String uint64

func (u *uint64String) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		s = string(b)
	}
	if s == "" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", b, err)
	}
	*u = uint64String(v)
	return nil
}

type coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

func (c *coin) amount(denom string) (uint64, error) {
	if c == nil || c.Amount == "" {
		return 0, nil
	}
	if c.Denom != "" && c.Denom != denom {
		return 0, fmt.Errorf("unexpected denom %q, want %q", c.Denom, denom)
	}
	return supplier.ParseAmount(c.Amount)
}

type wireConfigOption struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireEndpoint struct {
	URL     string             `json:"url"`
	RPCType string             `json:"rpc_type"`
	Configs []wireConfigOption `json:"configs"`
}

type wireRevShare struct {
	Address            string       `json:"address"`
	RevSharePercentage uint64String `json:"rev_share_percentage"`
}

type wireService struct {
	ServiceID string         `json:"service_id"`
	Endpoints []wireEndpoint `json:"endpoints"`
	RevShare  []wireRevShare `json:"rev_share"`
}

type wireSupplier struct {
	OwnerAddress            string        `json:"owner_address"`
	OperatorAddress         string        `json:"operator_address"`
	Stake                   *coin         `json:"stake"`
	Services                []wireService `json:"services"`
	UnstakeSessionEndHeight uint64String  `json:"unstake_session_end_height"`
}

func (w wireSupplier) toSupplier(denom string) (*Supplier, error) {
	stake, err := w.Stake.amount(denom)
	if err != nil {
		return nil, fmt.Errorf("supplier %s stake: %w", w.OperatorAddress, err)
	}
	s := &Supplier{
		OwnerAddress:            w.OwnerAddress,
		OperatorAddress:         w.OperatorAddress,
		Stake:                   stake,
		Services:                make([]supplier.ServiceConfig, 0, len(w.Services)),
		UnstakeSessionEndHeight: int64(w.UnstakeSessionEndHeight),
	}
	for _, ws := range w.Services {
		svc := supplier.ServiceConfig{
			ServiceID: ws.ServiceID,
			RevShare:  make([]supplier.RevShare, 0, len(ws.RevShare)),
			Endpoints: make([]supplier.Endpoint, 0, len(ws.Endpoints)),
		}
		for _, rs := range ws.RevShare {
			svc.RevShare = append(svc.RevShare, supplier.RevShare{Address: rs.Address, RevSharePercentage: uint64(rs.RevSharePercentage)})
		}
		for _, ep := range ws.Endpoints {
			e := supplier.Endpoint{URL: ep.URL, RPCType: supplier.RPCType(ep.RPCType), Configs: make([]supplier.ConfigOption, 0, len(ep.Configs))}
			for _, o := range ep.Configs {
				e.Configs = append(e.Configs, supplier.ConfigOption{Key: o.Key, Value: o.Value})
			}
			svc.Endpoints = append(svc.Endpoints, e)
		}
		s.Services = append(s.Services, svc)
	}
	return s, nil
}

type supplierResponse struct {
	Supplier wireSupplier `json:"supplier"`
}

type balanceResponse struct {
	Balance *coin `json:"balance"`
}

type latestBlockResponse struct {
	Block struct {
		Header struct {
			Height uint64String `json:"height"`
		} `json:"header"`
	} `json:"block"`
}

type servicesResponse struct {
	Service []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		OwnerAddress string `json:"owner_address"`
	} `json:"service"`
	Pagination struct {
		NextKey string `json:"next_key"`
	} `json:"pagination"`
}

type wireTxResponse struct {
	TxHash string       `json:"txhash"`
	Height uint64String `json:"height"`
	Code   uint32       `json:"code"`
	RawLog string       `json:"raw_log"`
}

func (w wireTxResponse) toResult() TxResult {
	return TxResult{Hash: w.TxHash, Height: int64(w.Height), Code: w.Code, RawLog: w.RawLog}
}

type txResponse struct {
	TxResponse wireTxResponse `json:"tx_response"`
}

type broadcastRequest struct {
	TxBytes string `json:"tx_bytes"`
	Mode    string `json:"mode"`
}
