package revshare

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

func testGroup(services ...keys.AddressGroupService) keys.AddressGroup {
	return keys.AddressGroup{
		Name:         "us-east-1",
		Region:       "us",
		RelayMinerID: "rm1",
		Domain:       "relays.example.com",
		Services:     services,
	}
}

func ethService() keys.AddressGroupService {
	return keys.AddressGroupService{
		ServiceID: "eth",
		RevShare:  []supplier.RevShare{{Address: "pokt1group", RevSharePercentage: 5}},
		Endpoints: []keys.EndpointTemplate{
			{URL: "https://{rm}-{sid}.{region}.{domain}", RPCType: supplier.RPCTypeJSONRPC},
			{URL: "wss://{rm}.{domain}/{protocol}/{sid}", RPCType: supplier.RPCTypeWebsocket, Configs: []supplier.ConfigOption{{Key: "TIMEOUT", Value: "30"}}},
		},
	}
}

func delegatorShare(pct uint64) []supplier.RevShare {
	return []supplier.RevShare{{Address: "pokt1b", RevSharePercentage: pct}}
}

func TestPool_RevShare_Build(t *testing.T) {
	t.Parallel()

	svc := ethService()
	svc.AddSupplierShare = true
	svc.SupplierShare = 3

	got, err := Build("pokt1operator", "pokt1a", delegatorShare(10), nil, testGroup(svc))
	require.NoError(t, err)
	require.Len(t, got, 1)

	cfg := got[0]
	require.Equal(t, "eth", cfg.ServiceID)
	require.Equal(t, []supplier.RevShare{
		{Address: "pokt1group", RevSharePercentage: 5},
		{Address: "pokt1operator", RevSharePercentage: 3},
		{Address: "pokt1b", RevSharePercentage: 10},
		{Address: "pokt1a", RevSharePercentage: 82},
	}, cfg.RevShare)
	require.Equal(t, FullShare, cfg.TotalRevShare())

	require.Equal(t, []supplier.Endpoint{
		{URL: "https://rm1-eth.us.relays.example.com", RPCType: supplier.RPCTypeJSONRPC, Configs: []supplier.ConfigOption{}},
		{URL: "wss://rm1.relays.example.com/websocket/eth", RPCType: supplier.RPCTypeWebsocket, Configs: []supplier.ConfigOption{{Key: "TIMEOUT", Value: "30"}}},
	}, cfg.Endpoints)
}

func TestPool_RevShare_Build_DropsZeroEntries(t *testing.T) {
	t.Parallel()

	svc := ethService()
	svc.AddSupplierShare = true
	svc.SupplierShare = 0
	svc.RevShare = []supplier.RevShare{{Address: "pokt1group", RevSharePercentage: 90}}

	got, err := Build("pokt1operator", "pokt1a", delegatorShare(10), nil, testGroup(svc))
	require.NoError(t, err)
	for _, rs := range got[0].RevShare {
		require.NotZero(t, rs.RevSharePercentage, "entry %s", rs.Address)
	}
	require.Equal(t, []supplier.RevShare{
		{Address: "pokt1group", RevSharePercentage: 90},
		{Address: "pokt1b", RevSharePercentage: 10},
	}, got[0].RevShare)
	require.Equal(t, FullShare, got[0].TotalRevShare())
}

func TestPool_RevShare_Build_MergesDuplicateAddresses(t *testing.T) {
	t.Parallel()

	got, err := Build("pokt1operator", "pokt1b", delegatorShare(10), nil, testGroup(ethService()))
	require.NoError(t, err)
	require.Equal(t, []supplier.RevShare{
		{Address: "pokt1group", RevSharePercentage: 5},
		{Address: "pokt1b", RevSharePercentage: 95},
	}, got[0].RevShare)
}

func TestPool_RevShare_Build_Overflow(t *testing.T) {
	t.Parallel()

	svc := ethService()
	svc.RevShare = []supplier.RevShare{{Address: "pokt1group", RevSharePercentage: 60}}

	_, err := Build("pokt1operator", "pokt1a", delegatorShare(50), nil, testGroup(svc))
	var overflow *RevenueShareOverflowError
	require.ErrorAs(t, err, &overflow)
	require.Equal(t, "eth", overflow.ServiceID)
	require.Equal(t, uint64(110), overflow.Total)
	require.False(t, overflow.Retryable())

	require.ErrorAs(t, Validate(delegatorShare(50), nil, testGroup(svc)), &overflow)
	require.NoError(t, Validate(delegatorShare(40), nil, testGroup(svc)))
}

func TestPool_RevShare_Build_OverflowDoesNotWrap(t *testing.T) {
	t.Parallel()

	svc := ethService()
	svc.RevShare = []supplier.RevShare{{Address: "pokt1group", RevSharePercentage: math.MaxUint64}}

	_, err := Build("pokt1operator", "pokt1a", delegatorShare(10), nil, testGroup(svc))
	var overflow *OverflowError
	require.True(t, errors.As(err, &overflow))
	require.Equal(t, uint64(math.MaxUint64), overflow.Total)
}

func TestPool_RevShare_Build_ExactlyFullShare(t *testing.T) {
	t.Parallel()

	svc := ethService()
	svc.RevShare = []supplier.RevShare{{Address: "pokt1group", RevSharePercentage: 50}}

	got, err := Build("pokt1operator", "pokt1a", delegatorShare(50), nil, testGroup(svc))
	require.NoError(t, err)
	require.Equal(t, []supplier.RevShare{
		{Address: "pokt1group", RevSharePercentage: 50},
		{Address: "pokt1b", RevSharePercentage: 50},
	}, got[0].RevShare)
}

func TestPool_RevShare_Build_SkipsServicesOutsideCatalog(t *testing.T) {
	t.Parallel()

	anvil := keys.AddressGroupService{ServiceID: "anvil", Endpoints: []keys.EndpointTemplate{{URL: "https://{sid}.{domain}", RPCType: supplier.RPCTypeREST}}}
	catalog := supplier.NewCatalog([]supplier.Service{{ID: "anvil"}})

	got, err := Build("pokt1operator", "pokt1a", nil, catalog, testGroup(ethService(), anvil))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "anvil", got[0].ServiceID)
	require.Equal(t, []supplier.RevShare{{Address: "pokt1a", RevSharePercentage: 100}}, got[0].RevShare)
}

func TestPool_RevShare_Interpolate(t *testing.T) {
	t.Parallel()

	g := testGroup()
	url, err := Interpolate("{protocol}://{rm}.{region}.{domain}/{sid}", "eth", supplier.RPCTypeCometBFT, g)
	require.NoError(t, err)
	require.Equal(t, "comet-bft://rm1.us.relays.example.com/eth", url)

	_, err = Interpolate("https://{rm}.{zone}.{domain}", "eth", supplier.RPCTypeREST, g)
	require.ErrorContains(t, err, "{zone}")
}

func TestPool_RevShare_Validate_RejectsUnknownPlaceholder(t *testing.T) {
	t.Parallel()

	svc := ethService()
	svc.Endpoints = []keys.EndpointTemplate{{URL: "https://{sid}.{cluster}", RPCType: supplier.RPCTypeREST}}
	err := Validate(delegatorShare(10), nil, testGroup(svc))
	require.ErrorContains(t, err, "unknown endpoint placeholder {cluster}")

	var overflow *OverflowError
	require.False(t, errors.As(err, &overflow))
}
