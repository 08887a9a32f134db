// Package watchers drives the operator's three resource watchers
// (pods/services/nodes) that keep operator/state.Cache in sync with the
// cluster API. The informer/event-handler wiring follows
// controller/api/destination/watcher/workload_watcher.go's shape,
// generalized from an endpoint-publisher model to identity upsert/delete
// against a single shared cache.
package watchers

import (
	"net"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/netobs/netobs/pkg/identity"
)

var ownerKinds = map[string]bool{
	"ReplicaSet":  true,
	"Deployment":  true,
	"StatefulSet": true,
	"DaemonSet":   true,
	"Job":         true,
}

// workloadsFromOwnerRefs filters a pod's owner references down to the
// workload-controller kinds, in the order Kubernetes lists them.
func workloadsFromOwnerRefs(refs []metav1.OwnerReference) []identity.Workload {
	out := make([]identity.Workload, 0, len(refs))
	for _, ref := range refs {
		if ownerKinds[ref.Kind] {
			out = append(out, identity.Workload{Name: ref.Name, Kind: ref.Kind})
		}
	}
	return out
}

// labelsToStrings renders a label map as sorted "key=value" strings.
func labelsToStrings(labels map[string]string) []string {
	out := make([]string, 0, len(labels))
	for k, v := range labels {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// podIdentities returns one (ip, Identity) pair per pod IP for a
// non-host-networked pod with at least one assigned IP. Host-networked
// pods are skipped: their IP belongs to the node, not the pod, and must be
// left for the node watcher to own.
func podIdentities(pod *corev1.Pod) []ipIdentity {
	if pod.Spec.HostNetwork {
		return nil
	}
	ips := podIPs(pod)
	if len(ips) == 0 {
		return nil
	}
	id := identity.Identity{
		Namespace: pod.Namespace,
		PodName:   pod.Name,
		Labels:    labelsToStrings(pod.Labels),
		Workloads: workloadsFromOwnerRefs(pod.OwnerReferences),
	}
	out := make([]ipIdentity, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ipIdentity{IP: ip, Identity: id})
	}
	return out
}

func podIPs(pod *corev1.Pod) []string {
	if len(pod.Status.PodIPs) > 0 {
		out := make([]string, 0, len(pod.Status.PodIPs))
		for _, p := range pod.Status.PodIPs {
			if p.IP != "" {
				out = append(out, p.IP)
			}
		}
		return out
	}
	if pod.Status.PodIP != "" {
		return []string{pod.Status.PodIP}
	}
	return nil
}

// serviceIdentities returns one (ip, Identity) pair for the cluster IP
// (skipping the literal "None" used by headless services) plus one per
// load-balancer ingress IP.
func serviceIdentities(svc *corev1.Service) []ipIdentity {
	id := identity.Identity{
		Namespace:   svc.Namespace,
		ServiceName: svc.Name,
		Labels:      labelsToStrings(svc.Labels),
	}

	var ips []string
	if svc.Spec.ClusterIP != "" && svc.Spec.ClusterIP != corev1.ClusterIPNone {
		ips = append(ips, svc.Spec.ClusterIP)
	}
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			ips = append(ips, ing.IP)
		}
	}

	out := make([]ipIdentity, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ipIdentity{IP: ip, Identity: id})
	}
	return out
}

// nodeIdentities returns one (ip, Identity) pair per node InternalIP, plus
// one per pod CIDR's first usable host address (network address + 1, both
// IPv4 and IPv6).
func nodeIdentities(node *corev1.Node) []ipIdentity {
	id := identity.Identity{
		NodeName: node.Name,
		Labels:   labelsToStrings(node.Labels),
	}

	var ips []string
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP && addr.Address != "" {
			ips = append(ips, addr.Address)
		}
	}
	for _, cidr := range node.Spec.PodCIDRs {
		if ip := firstUsableHostIP(cidr); ip != "" {
			ips = append(ips, ip)
		}
	}
	if len(node.Spec.PodCIDRs) == 0 {
		if ip := firstUsableHostIP(node.Spec.PodCIDR); ip != "" {
			ips = append(ips, ip)
		}
	}

	out := make([]ipIdentity, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ipIdentity{IP: ip, Identity: id})
	}
	return out
}

// firstUsableHostIP returns the network address of cidr incremented by 1
// (IPv4 and IPv6 both handled by big-endian byte addition), or "" if cidr
// doesn't parse.
func firstUsableHostIP(cidr string) string {
	if cidr == "" {
		return ""
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return ""
	}
	ip := append(net.IP(nil), ipNet.IP...)
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
	return ip.String()
}

type ipIdentity struct {
	IP       string
	Identity identity.Identity
}
