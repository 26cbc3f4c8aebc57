package packgen

import (
	"fmt"
	"slices"

	"github.com/nidhogg/msgproviders/internal/provider"
)

// Flow is a small directed graph of ops.
type Flow struct {
	ID    string `json:"id"`
	Entry string `json:"entry"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one step. Op is empty for host-side steps.
type Node struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Op   string `json:"op,omitempty"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func opNode(op string) Node { return Node{ID: op, Kind: "invoke", Op: op} }

func chain(id string, nodes ...Node) Flow {
	f := Flow{ID: id, Entry: nodes[0].ID, Nodes: nodes}
	for i := 1; i < len(nodes); i++ {
		f.Edges = append(f.Edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return f
}

// BuildFlows returns the flows selected by fs. Every invoke node must name
// an op the provider supports.
func BuildFlows(spec provider.Spec, fs FlowsSpec) ([]Flow, error) {
	var flows []Flow
	if fs.Ingress {
		flows = append(flows, chain("ingress",
			Node{ID: "webhook", Kind: "http"},
			opNode(provider.OpIngestHTTP),
			Node{ID: "route", Kind: "host"},
		))
	}
	if fs.Egress {
		flows = append(flows, chain("egress",
			opNode(provider.OpRenderPlan),
			opNode(provider.OpEncode),
			opNode(provider.OpSendPayload),
		))
	}
	if fs.Subscriptions {
		if !spec.Subscriptions {
			return nil, invalid("", "provider %s does not support subscriptions", spec.Name)
		}
		f := chain("subscriptions",
			opNode(provider.OpSubscriptionEnsure),
			opNode(provider.OpSubscriptionRenew),
		)
		f.Nodes = append(f.Nodes, opNode(provider.OpSubscriptionDelete))
		f.Edges = append(f.Edges, Edge{From: provider.OpSubscriptionEnsure, To: provider.OpSubscriptionDelete})
		flows = append(flows, f)
	}

	ops := spec.Ops()
	for _, f := range flows {
		for _, n := range f.Nodes {
			if n.Op != "" && !slices.Contains(ops, n.Op) {
				return nil, invalid("", "flow %s: provider %s has no op %q", f.ID, spec.Name, n.Op)
			}
		}
	}
	if len(flows) == 0 {
		return nil, fmt.Errorf("no flows selected")
	}
	return flows, nil
}
