package supplier

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/wI2L/jsondiff"
)

// Change is one structural difference between two canonical config sets,
// expressed as a JSON pointer into the canonical form of the first set.
type Change struct {
	Op       string `json:"op"`
	Path     string `json:"path"`
	Value    any    `json:"value,omitempty"`
	OldValue any    `json:"old_value,omitempty"`
}

// Comparison is the result of Compare.
type Comparison struct {
	IsEqual bool     `json:"is_equal"`
	Diff    []Change `json:"diff"`
}

// String renders the diff for remediation messages.
func (c Comparison) String() string {
	if c.IsEqual {
		return "no differences"
	}
	parts := make([]string, 0, len(c.Diff))
	for _, ch := range c.Diff {
		switch ch.Op {
		case jsondiff.OperationRemove:
			parts = append(parts, fmt.Sprintf("%s %s", ch.Op, ch.Path))
		default:
			parts = append(parts, fmt.Sprintf("%s %s=%v", ch.Op, ch.Path, ch.Value))
		}
	}
	return strings.Join(parts, "; ")
}

// Compare canonicalizes both sets and diffs them. Neither input is mutated.
// The diff is a patch from a to b: "add" paths exist only in b, "remove"
// paths only in a, and "replace" paths hold b's value.
func Compare(a, b []ServiceConfig) (Comparison, error) {
	ca := Canonicalize(a)
	cb := Canonicalize(b)

	patch, err := jsondiff.Compare(ca, cb)
	if err != nil {
		return Comparison{}, fmt.Errorf("failed to diff service configs: %w", err)
	}

	diff := make([]Change, 0, len(patch))
	for _, op := range patch {
		diff = append(diff, Change{
			Op:       op.Type,
			Path:     op.Path,
			Value:    op.Value,
			OldValue: op.OldValue,
		})
	}

	return Comparison{
		IsEqual: len(ca) == len(cb) && len(diff) == 0,
		Diff:    diff,
	}, nil
}

// Canonicalize returns a sorted deep copy of configs. Nil slices become empty
// so that a missing list and an empty list compare equal.
func Canonicalize(configs []ServiceConfig) []ServiceConfig {
	out := make([]ServiceConfig, len(configs))
	for i, c := range configs {
		out[i] = canonicalConfig(c)
	}
	slices.SortStableFunc(out, func(x, y ServiceConfig) int {
		if c := cmp.Compare(x.ServiceID, y.ServiceID); c != 0 {
			return c
		}
		return compareConfigs(x, y)
	})
	return out
}

func canonicalConfig(c ServiceConfig) ServiceConfig {
	rs := make([]RevShare, len(c.RevShare))
	copy(rs, c.RevShare)
	slices.SortStableFunc(rs, compareRevShare)

	eps := make([]Endpoint, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		opts := make([]ConfigOption, len(ep.Configs))
		copy(opts, ep.Configs)
		slices.SortStableFunc(opts, compareOption)
		eps[i] = Endpoint{URL: ep.URL, RPCType: ep.RPCType, Configs: opts}
	}
	slices.SortStableFunc(eps, compareEndpoint)

	return ServiceConfig{ServiceID: c.ServiceID, RevShare: rs, Endpoints: eps}
}

func compareRevShare(x, y RevShare) int {
	if c := cmp.Compare(x.Address, y.Address); c != 0 {
		return c
	}
	return cmp.Compare(x.RevSharePercentage, y.RevSharePercentage)
}

func compareOption(x, y ConfigOption) int {
	if c := cmp.Compare(x.Key, y.Key); c != 0 {
		return c
	}
	return cmp.Compare(x.Value, y.Value)
}

// compareEndpoint orders by (url, rpc type) and falls back to the options so
// the order is total.
func compareEndpoint(x, y Endpoint) int {
	if c := cmp.Compare(x.URL, y.URL); c != 0 {
		return c
	}
	if c := cmp.Compare(x.RPCType, y.RPCType); c != 0 {
		return c
	}
	return slices.CompareFunc(x.Configs, y.Configs, compareOption)
}

func compareConfigs(x, y ServiceConfig) int {
	if c := slices.CompareFunc(x.RevShare, y.RevShare, compareRevShare); c != 0 {
		return c
	}
	return slices.CompareFunc(x.Endpoints, y.Endpoints, compareEndpoint)
}
