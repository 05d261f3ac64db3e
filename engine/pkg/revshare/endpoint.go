package revshare

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

// Endpoints resolves the endpoint templates of svc for group.
func Endpoints(svc keys.AddressGroupService, group keys.AddressGroup) ([]supplier.Endpoint, error) {
	out := make([]supplier.Endpoint, 0, len(svc.Endpoints))
	for _, tmpl := range svc.Endpoints {
		url, err := Interpolate(tmpl.URL, svc.ServiceID, tmpl.RPCType, group)
		if err != nil {
			return nil, err
		}
		configs := make([]supplier.ConfigOption, len(tmpl.Configs))
		copy(configs, tmpl.Configs)
		out = append(out, supplier.Endpoint{URL: url, RPCType: tmpl.RPCType, Configs: configs})
	}
	return out, nil
}

// Interpolate replaces {sid}, {rm}, {region}, {domain} and {protocol} in
// template. Unknown placeholders are an error.
func Interpolate(template, serviceID string, rpcType supplier.RPCType, group keys.AddressGroup) (string, error) {
	r := strings.NewReplacer(
		"{sid}", serviceID,
		"{rm}", group.RelayMinerID,
		"{region}", group.Region,
		"{domain}", group.Domain,
		"{protocol}", Protocol(rpcType),
	)
	url := r.Replace(template)
	if left := placeholderRe.FindString(url); left != "" {
		return "", fmt.Errorf("address group %q service %q: unknown endpoint placeholder %s in %q",
			group.Name, serviceID, left, template)
	}
	return url, nil
}

// Protocol is the {protocol} value for an rpc type, e.g. JSON_RPC -> json-rpc.
func Protocol(rpcType supplier.RPCType) string {
	return strings.ReplaceAll(strings.ToLower(string(rpcType)), "_", "-")
}
