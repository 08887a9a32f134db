package watchers

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestPodIdentitiesSkipsHostNetwork(t *testing.T) {
	pod := &corev1.Pod{
		Spec:   corev1.PodSpec{HostNetwork: true},
		Status: corev1.PodStatus{PodIP: "10.0.0.5"},
	}
	if got := podIdentities(pod); len(got) != 0 {
		t.Fatalf("expected no identities for host-network pod, got %v", got)
	}
}

func TestPodIdentitiesFiltersOwnerKinds(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "ns",
			Name:      "web-abc123",
			Labels:    map[string]string{"app": "web"},
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "ReplicaSet", Name: "web-abc123"},
				{Kind: "ConfigMap", Name: "irrelevant"},
			},
		},
		Status: corev1.PodStatus{PodIP: "10.0.0.5"},
	}
	got := podIdentities(pod)
	if len(got) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(got))
	}
	if got[0].IP != "10.0.0.5" {
		t.Fatalf("IP = %q", got[0].IP)
	}
	if len(got[0].Identity.Workloads) != 1 || got[0].Identity.Workloads[0].Kind != "ReplicaSet" {
		t.Fatalf("workloads = %v", got[0].Identity.Workloads)
	}
}

func TestPodIdentitiesMultipleIPs(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "dual"},
		Status: corev1.PodStatus{
			PodIPs: []corev1.PodIP{{IP: "10.0.0.1"}, {IP: "fd00::1"}},
		},
	}
	got := podIdentities(pod)
	if len(got) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(got))
	}
}

func TestServiceIdentitiesSkipsHeadless(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "headless"},
		Spec:       corev1.ServiceSpec{ClusterIP: corev1.ClusterIPNone},
	}
	if got := serviceIdentities(svc); len(got) != 0 {
		t.Fatalf("expected no identities for headless service, got %v", got)
	}
}

func TestServiceIdentitiesClusterIPAndLoadBalancer(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "api"},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.96.0.1"},
		Status: corev1.ServiceStatus{
			LoadBalancer: corev1.LoadBalancerStatus{
				Ingress: []corev1.LoadBalancerIngress{{IP: "203.0.113.5"}},
			},
		},
	}
	got := serviceIdentities(svc)
	if len(got) != 2 {
		t.Fatalf("expected 2 identities, got %d: %v", len(got), got)
	}
}

func TestNodeIdentitiesInternalIPAndPodCIDR(t *testing.T) {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
		Spec:       corev1.NodeSpec{PodCIDR: "10.244.0.0/24"},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: "192.168.1.10"},
				{Type: corev1.NodeExternalIP, Address: "203.0.113.10"},
			},
		},
	}
	got := nodeIdentities(node)
	if len(got) != 2 {
		t.Fatalf("expected 2 identities (internal IP + pod CIDR host), got %d: %v", len(got), got)
	}
	foundCIDRHost := false
	for _, ni := range got {
		if ni.IP == "10.244.0.1" {
			foundCIDRHost = true
		}
	}
	if !foundCIDRHost {
		t.Fatalf("expected first usable host IP 10.244.0.1 among %v", got)
	}
}

func TestFirstUsableHostIPv4(t *testing.T) {
	if got := firstUsableHostIP("10.244.1.0/24"); got != "10.244.1.1" {
		t.Fatalf("got %q", got)
	}
}

func TestFirstUsableHostIPv6(t *testing.T) {
	if got := firstUsableHostIP("fd00:10:244::/56"); got != "fd00:10:244::1" {
		t.Fatalf("got %q", got)
	}
}

func TestFirstUsableHostIPInvalid(t *testing.T) {
	if got := firstUsableHostIP("not-a-cidr"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
