// Package enrich mutates a flow.Flow in place, attaching source and
// destination endpoint detail (numeric identity, namespace, pod name,
// labels, workloads, display names) resolved from the agent's local
// ipcache.Cache. Grounded on
// original_source/experimental/crates/core/src/enricher.rs, adapted for the
// simplification recorded in DESIGN.md: a node's numeric identity is
// computed the same way (a label hash) whether it's the local host or a
// remote node -- only the reserved label attached afterward differs.
package enrich

import (
	"github.com/netobs/netobs/agent/flow"
	"github.com/netobs/netobs/agent/ipcache"
	"github.com/netobs/netobs/pkg/identity"
)

// Enrich mutates f in place. If cache isn't yet synced, it's a no-op so a
// flow is never populated from a partial initial dump.
func Enrich(f *flow.Flow, cache *ipcache.Cache) {
	if !cache.Synced() {
		return
	}

	srcID, dstID, srcOK, dstOK := cache.GetPair(f.SourceIP, f.DestinationIP)
	localNode := cache.LocalNodeName()

	if srcOK {
		f.Source = buildEndpoint(srcID, localNode)
		f.SourceNames = srcID.Names()
	} else {
		f.Source = worldEndpoint()
		f.SourceNames = nil
	}

	if dstOK {
		f.Destination = buildEndpoint(dstID, localNode)
		f.DestinationNames = dstID.Names()
	} else {
		f.Destination = worldEndpoint()
		f.DestinationNames = nil
	}
}

// buildEndpoint resolves one side's numeric identity and assembles its
// label set: the identity's own labels, a synthetic service-name label for
// service identities, the reserved label for a reserved numeric identity
// (KUBE_APISERVER for the apiserver service, nothing for ordinary
// pods/services), and -- for node identities specifically, since their
// numeric id is never one of the four reserved constants -- reserved:host
// or reserved:remote-node depending on whether node_name matches this
// agent's own node.
func buildEndpoint(id identity.Identity, localNode string) flow.Endpoint {
	numeric := identity.NumericIdentity(id)

	labels := append([]string(nil), id.Labels...)
	if id.ServiceName != "" {
		labels = append(labels, identity.ServiceNameLabel(id.ServiceName))
	}
	if reserved := identity.ReservedLabel(numeric); reserved != "" {
		labels = append(labels, reserved)
	}
	if id.NodeName != "" {
		if id.NodeName == localNode {
			labels = append(labels, "reserved:host")
		} else {
			labels = append(labels, "reserved:remote-node")
		}
	}

	out := id
	out.Labels = labels
	if out.PodName == "" && id.NodeName != "" {
		out.PodName = id.NodeName
	}

	return flow.Endpoint{NumericIdentity: numeric, Identity: out}
}

func worldEndpoint() flow.Endpoint {
	return flow.Endpoint{
		NumericIdentity: identity.ReservedWorld,
		Identity:        identity.Identity{Labels: []string{"reserved:world"}},
	}
}
