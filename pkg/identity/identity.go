// Package identity defines the shared Kubernetes-identity data model used by
// both the operator (cluster-wide cache) and the agent (per-node cache).
//
// Identity strings (namespace, pod name, service name, node name, labels,
// workload names) are plain Go strings. Go strings are immutable and a copy
// of a string header never copies the backing byte array, so sharing an
// Identity by value already gives the refcounted-clone-is-cheap property the
// design calls for without any extra indirection.
package identity

import (
	"sort"
	"strings"
)

// Reserved numeric identities, fixed by convention across the fleet.
const (
	ReservedHost       uint32 = 1
	ReservedWorld      uint32 = 2
	ReservedRemoteNode uint32 = 6
	ReservedAPIServer  uint32 = 7

	// ClusterLocalMin and ClusterLocalMax bound the numeric identity space
	// derived by hashing labels.
	ClusterLocalMin uint32 = 256
	ClusterLocalMax uint32 = 65535
)

// Kind tags an Identity with which Kubernetes resource produced it. Only
// used operator-side to arbitrate cross-resource IP collisions.
type Kind int

const (
	KindPod Kind = iota
	KindService
	KindNode
)

func (k Kind) String() string {
	switch k {
	case KindPod:
		return "Pod"
	case KindService:
		return "Service"
	case KindNode:
		return "Node"
	default:
		return "Unknown"
	}
}

// Workload is an owner reference reduced to the fields that matter for
// display and labeling.
type Workload struct {
	Name string
	Kind string
}

// Identity is the tuple shared between the operator's canonical state and
// every agent's per-node view. Exactly one of PodName, ServiceName, NodeName
// is non-empty.
type Identity struct {
	Namespace   string
	PodName     string
	ServiceName string
	NodeName    string
	Labels      []string // "key=value", not sorted on write; sorted on demand
	Workloads   []Workload
}

// Names renders the display form used for Flow.source_names /
// Flow.destination_names.
func (id Identity) Names() []string {
	switch {
	case id.PodName != "":
		return []string{id.Namespace + "/" + id.PodName}
	case id.ServiceName != "":
		return []string{id.Namespace + "/" + id.ServiceName}
	case id.NodeName != "":
		return []string{id.NodeName}
	default:
		return []string{}
	}
}

// Equal reports whether two identities carry the same observable fields.
// Used by the operator cache to suppress broadcasts for no-op upserts.
func (id Identity) Equal(other Identity) bool {
	if id.Namespace != other.Namespace ||
		id.PodName != other.PodName ||
		id.ServiceName != other.ServiceName ||
		id.NodeName != other.NodeName {
		return false
	}
	if len(id.Labels) != len(other.Labels) || len(id.Workloads) != len(other.Workloads) {
		return false
	}
	a := append([]string(nil), id.Labels...)
	b := append([]string(nil), other.Labels...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	for i := range id.Workloads {
		if id.Workloads[i] != other.Workloads[i] {
			return false
		}
	}
	return true
}

// irrelevantLabelPrefixes are stripped before hashing so that pod churn
// (replica restarts, statefulset ordinal renames) doesn't change the
// derived numeric identity.
var irrelevantLabelPrefixes = []string{
	"pod-template-hash=",
	"controller-revision-hash=",
	"pod-template-generation=",
	"statefulset.kubernetes.io/pod-name=",
	"batch.kubernetes.io/job-completion-index=",
}

func isRelevantLabel(label string) bool {
	for _, p := range irrelevantLabelPrefixes {
		if strings.HasPrefix(label, p) {
			return false
		}
	}
	return true
}

// FilteredSortedLabels drops irrelevant labels and sorts the remainder
// lexicographically on the raw "key=value" string, as required for a
// deterministic numeric-identity hash.
func FilteredSortedLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if isRelevantLabel(l) {
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

// ServiceNameLabel synthesizes the pseudo-label used to fold a service's
// name into the same hash space as pod labels.
func ServiceNameLabel(serviceName string) string {
	return "k8s:io.kubernetes.svc.name=" + serviceName
}

// NodeNameLabel synthesizes the pseudo-label used for node identities.
func NodeNameLabel(nodeName string) string {
	return "k8s:io.kubernetes.node.name=" + nodeName
}

// ReservedLabel returns the "reserved:*" label to append for a resolved
// reserved numeric identity, or "" if the identity isn't reserved.
func ReservedLabel(numericIdentity uint32) string {
	switch numericIdentity {
	case ReservedHost:
		return "reserved:host"
	case ReservedWorld:
		return "reserved:world"
	case ReservedRemoteNode:
		return "reserved:remote-node"
	case ReservedAPIServer:
		return "reserved:kube-apiserver"
	default:
		return ""
	}
}

// IsKubeAPIServer is the special-case override: the default/kubernetes
// service always resolves to KUBE_APISERVER regardless of its hash.
func IsKubeAPIServer(namespace, serviceName string) bool {
	return namespace == "default" && serviceName == "kubernetes"
}
