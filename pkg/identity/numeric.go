package identity

import "hash/fnv"

// NumericIdentity derives the cluster-local numeric identity for an
// Identity, applying the KUBE_APISERVER and WORLD overrides. A node's
// numeric identity is computed the same way whether it resolves to HOST or
// REMOTE_NODE -- that distinction lives only in the labels attached
// afterward, never in the hash itself.
func NumericIdentity(id Identity) uint32 {
	switch {
	case id.PodName != "":
		return hashLabels(id.Namespace, FilteredSortedLabels(id.Labels))
	case id.ServiceName != "":
		if IsKubeAPIServer(id.Namespace, id.ServiceName) {
			return ReservedAPIServer
		}
		labels := append(FilteredSortedLabels(id.Labels), ServiceNameLabel(id.ServiceName))
		return hashLabels(id.Namespace, labels)
	case id.NodeName != "":
		return hashLabels("", []string{NodeNameLabel(id.NodeName)})
	default:
		return ReservedWorld
	}
}

// hashLabels implements the deterministic "standard 64-bit hash mod 65280 +
// 256" rule. FNV-1a is used because it is a stdlib,
// allocation-free 64-bit hash with good avalanche behavior for short
// strings; no third-party hashing library appears anywhere in the example
// corpus for this kind of label-set hashing, so the standard library is the
// grounded choice here (see DESIGN.md).
func hashLabels(namespace string, sortedLabels []string) uint32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	for _, l := range sortedLabels {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(l))
	}
	sum := h.Sum64()
	return uint32(sum%uint64(ClusterLocalMax-ClusterLocalMin+1)) + ClusterLocalMin
}
