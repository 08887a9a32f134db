package filter

import (
	"testing"

	"github.com/netobs/netobs/agent/conntrack"
	"github.com/netobs/netobs/agent/flow"
	"github.com/netobs/netobs/pkg/identity"
)

func sampleFlow() *flow.Flow {
	return &flow.Flow{
		SourceIP:         "10.0.0.1",
		DestinationIP:    "10.0.0.2",
		TrafficDirection: conntrack.DirEgress,
		IsReply:          false,
		NodeName:         "node-1",
		Verdict:          flow.VerdictForwarded,
		L4: flow.L4{
			TCP: &flow.TCPInfo{
				SourcePort: 12345, DestinationPort: 80,
				Flags: flow.TCPFlags{SYN: true, ACK: true},
			},
		},
		Source: flow.Endpoint{
			NumericIdentity: 100,
			Identity: identity.Identity{
				Namespace: "default", PodName: "web-abc123",
				Labels: []string{"app=web", "env=prod"},
			},
		},
		Destination: flow.Endpoint{
			NumericIdentity: 200,
			Identity: identity.Identity{
				Namespace: "kube-system", PodName: "coredns-xyz",
				Labels: []string{"k8s-app=kube-dns"},
			},
		},
	}
}

func TestEmptyFilterPassesAll(t *testing.T) {
	s := Compile(nil, nil)
	if !s.IsEmpty() {
		t.Fatal("expected empty set")
	}
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected empty filter set to pass everything")
	}
}

func TestWhitelistSourceIPExact(t *testing.T) {
	s := Compile([]FlowFilter{{SourceIP: []string{"10.0.0.1"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected exact IP match")
	}
	miss := Compile([]FlowFilter{{SourceIP: []string{"10.0.0.99"}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected no match")
	}
}

func TestWhitelistSourceIPCIDR(t *testing.T) {
	s := Compile([]FlowFilter{{SourceIP: []string{"10.0.0.0/24"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected CIDR match")
	}
	miss := Compile([]FlowFilter{{SourceIP: []string{"192.168.0.0/16"}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected no CIDR match")
	}
}

func TestBlacklistExcludes(t *testing.T) {
	s := Compile(nil, []FlowFilter{{SourceIP: []string{"10.0.0.1"}}})
	if s.Matches(sampleFlow()) {
		t.Fatal("expected blacklist to exclude")
	}
}

func TestWhitelistMinusBlacklist(t *testing.T) {
	s := Compile(
		[]FlowFilter{{SourceIP: []string{"10.0.0.0/24"}}},
		[]FlowFilter{{SourceIP: []string{"10.0.0.1"}}},
	)
	if s.Matches(sampleFlow()) {
		t.Fatal("expected blacklist to win")
	}
}

func TestFilterSourcePod(t *testing.T) {
	s := Compile([]FlowFilter{{SourcePod: []string{"default/web"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected pod prefix match")
	}
}

func TestFilterDestinationPodNamespaceOnly(t *testing.T) {
	s := Compile([]FlowFilter{{DestinationPod: []string{"kube-system/"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected namespace-only match")
	}
}

func TestFilterVerdict(t *testing.T) {
	s := Compile([]FlowFilter{{Verdict: []flow.Verdict{flow.VerdictForwarded}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected verdict match")
	}
	miss := Compile([]FlowFilter{{Verdict: []flow.Verdict{flow.VerdictDropped}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected verdict mismatch")
	}
}

func TestFilterProtocol(t *testing.T) {
	s := Compile([]FlowFilter{{Protocol: []string{"TCP"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected case-insensitive protocol match")
	}
	miss := Compile([]FlowFilter{{Protocol: []string{"udp"}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected protocol mismatch")
	}
}

func TestFilterDestinationPort(t *testing.T) {
	s := Compile([]FlowFilter{{DestinationPort: []string{"80"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected port match")
	}
}

func TestFilterTCPFlagsSubset(t *testing.T) {
	s := Compile([]FlowFilter{{TCPFlags: []flow.TCPFlags{{SYN: true}}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected SYN subset match against SYN+ACK flow")
	}
	miss := Compile([]FlowFilter{{TCPFlags: []flow.TCPFlags{{FIN: true}}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected FIN not to match SYN+ACK flow")
	}
}

func TestFilterLabelMatch(t *testing.T) {
	s := Compile([]FlowFilter{{SourceLabel: []string{"app=web"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected label match")
	}
}

func TestFilterLabelAllMustBePresent(t *testing.T) {
	s := Compile([]FlowFilter{{SourceLabel: []string{"app=web", "env=prod"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected both labels to match (AND within field)")
	}
	miss := Compile([]FlowFilter{{SourceLabel: []string{"app=web", "env=staging"}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected missing label to fail the AND")
	}
}

func TestFilterNodeNameGlob(t *testing.T) {
	s := Compile([]FlowFilter{{NodeName: []string{"node-*"}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected glob match")
	}
}

func TestFilterIdentity(t *testing.T) {
	s := Compile([]FlowFilter{{SourceIdentity: []uint32{100}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected identity match")
	}
	miss := Compile([]FlowFilter{{SourceIdentity: []uint32{999}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected identity mismatch")
	}
}

func TestAndWithinFilter(t *testing.T) {
	s := Compile([]FlowFilter{{
		SourceIP:        []string{"10.0.0.1"},
		DestinationPort: []string{"443"}, // flow has port 80
	}}, nil)
	if s.Matches(sampleFlow()) {
		t.Fatal("expected AND across fields to fail when one field mismatches")
	}
}

func TestOrAcrossWhitelistFilters(t *testing.T) {
	s := Compile([]FlowFilter{
		{SourceIP: []string{"192.168.0.1"}},
		{SourceIP: []string{"10.0.0.1"}},
	}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected OR across whitelist filters")
	}
}

func TestGlobMatchExact(t *testing.T) {
	if !globMatch("node-1", "node-1") {
		t.Fatal("expected exact match")
	}
	if globMatch("node-1", "node-2") {
		t.Fatal("expected exact mismatch")
	}
}

func TestGlobMatchTrailingStar(t *testing.T) {
	if !globMatch("node-*", "node-1") || !globMatch("node-*", "node-abc") {
		t.Fatal("expected trailing star to match any suffix")
	}
	if globMatch("node-*", "other-1") {
		t.Fatal("expected no match across prefix mismatch")
	}
}

func TestGlobMatchLeadingStar(t *testing.T) {
	if !globMatch("*.example.com", "foo.example.com") {
		t.Fatal("expected leading star match")
	}
	if globMatch("*.example.com", "foo.other.com") {
		t.Fatal("expected leading star mismatch")
	}
}

func TestGlobMatchMiddleStar(t *testing.T) {
	if !globMatch("cluster-*/node-*", "cluster-a/node-1") {
		t.Fatal("expected middle star match")
	}
	if globMatch("cluster-*/node-*", "cluster-a/pod-1") {
		t.Fatal("expected middle star mismatch")
	}
}

func TestFilterReply(t *testing.T) {
	s := Compile([]FlowFilter{{Reply: []bool{false}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected reply=false match")
	}
	miss := Compile([]FlowFilter{{Reply: []bool{true}}}, nil)
	if miss.Matches(sampleFlow()) {
		t.Fatal("expected reply=true mismatch")
	}
}

func TestFilterTrafficDirection(t *testing.T) {
	s := Compile([]FlowFilter{{TrafficDirection: []conntrack.TrafficDirection{conntrack.DirEgress}}}, nil)
	if !s.Matches(sampleFlow()) {
		t.Fatal("expected traffic direction match")
	}
}
