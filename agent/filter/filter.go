// Package filter compiles whitelist/blacklist flow-filter configuration
// into a predicate a subscriber's outgoing flow stream runs through.
// Grounded on original_source/experimental/crates/core/src/filter.rs's
// CompiledFilter/FlowFilterSet: within one filter every non-empty field
// must match (AND) and each repeated field matches any of its elements
// (OR), whitelists and blacklists are each OR'd across their filters, and
// the final verdict is (whitelist empty OR matches any whitelist) AND NOT
// (matches any blacklist).
package filter

import (
	"net"
	"strconv"
	"strings"

	"github.com/netobs/netobs/agent/conntrack"
	"github.com/netobs/netobs/agent/flow"
)

// FlowFilter is one filter's uncompiled configuration, matching the
// repeated-field shape of the wire FlowFilter message.
type FlowFilter struct {
	SourceIP            []string
	DestinationIP       []string
	SourcePod           []string
	DestinationPod      []string
	SourceLabel         []string
	DestinationLabel    []string
	Verdict             []flow.Verdict
	TrafficDirection    []conntrack.TrafficDirection
	Protocol            []string
	SourcePort          []string
	DestinationPort     []string
	TCPFlags            []flow.TCPFlags
	Reply               []bool
	NodeName            []string
	SourceIdentity      []uint32
	DestinationIdentity []uint32
}

// Set is a compiled whitelist/blacklist pair ready to match flows.
type Set struct {
	whitelist []compiled
	blacklist []compiled
}

// Compile parses every FlowFilter in whitelist and blacklist into its
// matcher form. Elements that fail to parse (e.g. a malformed CIDR) are
// dropped from that field, matching the original's filter_map discard
// behavior -- a parse failure removes that element rather than failing
// compile entirely. A field whose every element fails to parse ends up
// empty and so places no constraint on the flow.
func Compile(whitelist, blacklist []FlowFilter) *Set {
	return &Set{
		whitelist: compileAll(whitelist),
		blacklist: compileAll(blacklist),
	}
}

func compileAll(filters []FlowFilter) []compiled {
	out := make([]compiled, 0, len(filters))
	for _, f := range filters {
		out = append(out, compileOne(f))
	}
	return out
}

// IsEmpty reports whether no filters are configured at all, i.e. every
// flow passes through untouched.
func (s *Set) IsEmpty() bool {
	return len(s.whitelist) == 0 && len(s.blacklist) == 0
}

// Matches reports whether f passes this filter set.
func (s *Set) Matches(f *flow.Flow) bool {
	wlOK := len(s.whitelist) == 0
	for _, c := range s.whitelist {
		if wlOK {
			break
		}
		if c.matches(f) {
			wlOK = true
		}
	}
	for _, c := range s.blacklist {
		if c.matches(f) {
			return false
		}
	}
	return wlOK
}

type compiled struct {
	sourceIP            []ipMatcher
	destinationIP       []ipMatcher
	sourcePod           []podMatcher
	destinationPod      []podMatcher
	sourceLabel         []string
	destinationLabel    []string
	verdict             []flow.Verdict
	trafficDirection    []conntrack.TrafficDirection
	protocol            []string
	sourcePort          []uint32
	destinationPort     []uint32
	tcpFlags            []flow.TCPFlags
	reply               []bool
	nodeName            []nodeNameMatcher
	sourceIdentity      []uint32
	destinationIdentity []uint32
}

func compileOne(f FlowFilter) compiled {
	c := compiled{
		sourceLabel:         f.SourceLabel,
		destinationLabel:    f.DestinationLabel,
		verdict:             f.Verdict,
		trafficDirection:    f.TrafficDirection,
		tcpFlags:            f.TCPFlags,
		reply:               f.Reply,
		sourceIdentity:      f.SourceIdentity,
		destinationIdentity: f.DestinationIdentity,
	}
	for _, s := range f.SourceIP {
		if m, ok := parseIPMatcher(s); ok {
			c.sourceIP = append(c.sourceIP, m)
		}
	}
	for _, s := range f.DestinationIP {
		if m, ok := parseIPMatcher(s); ok {
			c.destinationIP = append(c.destinationIP, m)
		}
	}
	for _, s := range f.SourcePod {
		c.sourcePod = append(c.sourcePod, parsePodMatcher(s))
	}
	for _, s := range f.DestinationPod {
		c.destinationPod = append(c.destinationPod, parsePodMatcher(s))
	}
	for _, s := range f.Protocol {
		c.protocol = append(c.protocol, strings.ToLower(s))
	}
	for _, s := range f.SourcePort {
		if p, err := strconv.ParseUint(s, 10, 32); err == nil {
			c.sourcePort = append(c.sourcePort, uint32(p))
		}
	}
	for _, s := range f.DestinationPort {
		if p, err := strconv.ParseUint(s, 10, 32); err == nil {
			c.destinationPort = append(c.destinationPort, uint32(p))
		}
	}
	for _, s := range f.NodeName {
		c.nodeName = append(c.nodeName, nodeNameMatcher{pattern: s})
	}
	return c
}

func (c compiled) matches(f *flow.Flow) bool {
	return c.matchSourceIP(f) &&
		c.matchDestinationIP(f) &&
		c.matchSourcePod(f) &&
		c.matchDestinationPod(f) &&
		c.matchLabel(c.sourceLabel, f.Source.Identity.Labels) &&
		c.matchLabel(c.destinationLabel, f.Destination.Identity.Labels) &&
		c.matchVerdict(f) &&
		c.matchTrafficDirection(f) &&
		c.matchProtocol(f) &&
		c.matchSourcePort(f) &&
		c.matchDestinationPort(f) &&
		c.matchTCPFlags(f) &&
		c.matchReply(f) &&
		c.matchNodeName(f) &&
		c.matchIdentity(c.sourceIdentity, f.Source.NumericIdentity) &&
		c.matchIdentity(c.destinationIdentity, f.Destination.NumericIdentity)
}

func (c compiled) matchSourceIP(f *flow.Flow) bool {
	if len(c.sourceIP) == 0 {
		return true
	}
	for _, m := range c.sourceIP {
		if m.matches(f.SourceIP) {
			return true
		}
	}
	return false
}

func (c compiled) matchDestinationIP(f *flow.Flow) bool {
	if len(c.destinationIP) == 0 {
		return true
	}
	for _, m := range c.destinationIP {
		if m.matches(f.DestinationIP) {
			return true
		}
	}
	return false
}

func (c compiled) matchSourcePod(f *flow.Flow) bool {
	if len(c.sourcePod) == 0 {
		return true
	}
	for _, m := range c.sourcePod {
		if m.matches(f.Source.Identity.Namespace, f.Source.Identity.PodName) {
			return true
		}
	}
	return false
}

func (c compiled) matchDestinationPod(f *flow.Flow) bool {
	if len(c.destinationPod) == 0 {
		return true
	}
	for _, m := range c.destinationPod {
		if m.matches(f.Destination.Identity.Namespace, f.Destination.Identity.PodName) {
			return true
		}
	}
	return false
}

// matchLabel requires every listed label to be present on the endpoint --
// the deliberate AND-within-field exception to the usual OR rule.
func (c compiled) matchLabel(want []string, have []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, label := range want {
		found := false
		for _, l := range have {
			if l == label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c compiled) matchVerdict(f *flow.Flow) bool {
	if len(c.verdict) == 0 {
		return true
	}
	for _, v := range c.verdict {
		if v == f.Verdict {
			return true
		}
	}
	return false
}

func (c compiled) matchTrafficDirection(f *flow.Flow) bool {
	if len(c.trafficDirection) == 0 {
		return true
	}
	for _, d := range c.trafficDirection {
		if d == f.TrafficDirection {
			return true
		}
	}
	return false
}

func (c compiled) matchProtocol(f *flow.Flow) bool {
	if len(c.protocol) == 0 {
		return true
	}
	proto := flowProtocol(f)
	if proto == "" {
		return false
	}
	for _, p := range c.protocol {
		if p == proto {
			return true
		}
	}
	return false
}

func flowProtocol(f *flow.Flow) string {
	switch {
	case f.L4.TCP != nil:
		return "tcp"
	case f.L4.UDP != nil:
		return "udp"
	default:
		return ""
	}
}

func (c compiled) matchSourcePort(f *flow.Flow) bool {
	if len(c.sourcePort) == 0 {
		return true
	}
	port, ok := sourcePort(f)
	if !ok {
		return false
	}
	for _, p := range c.sourcePort {
		if p == port {
			return true
		}
	}
	return false
}

func (c compiled) matchDestinationPort(f *flow.Flow) bool {
	if len(c.destinationPort) == 0 {
		return true
	}
	port, ok := destinationPort(f)
	if !ok {
		return false
	}
	for _, p := range c.destinationPort {
		if p == port {
			return true
		}
	}
	return false
}

func sourcePort(f *flow.Flow) (uint32, bool) {
	switch {
	case f.L4.TCP != nil:
		return uint32(f.L4.TCP.SourcePort), true
	case f.L4.UDP != nil:
		return uint32(f.L4.UDP.SourcePort), true
	default:
		return 0, false
	}
}

func destinationPort(f *flow.Flow) (uint32, bool) {
	switch {
	case f.L4.TCP != nil:
		return uint32(f.L4.TCP.DestinationPort), true
	case f.L4.UDP != nil:
		return uint32(f.L4.UDP.DestinationPort), true
	default:
		return 0, false
	}
}

func (c compiled) matchTCPFlags(f *flow.Flow) bool {
	if len(c.tcpFlags) == 0 {
		return true
	}
	if f.L4.TCP == nil {
		return false
	}
	for _, want := range c.tcpFlags {
		if tcpFlagsSubset(want, f.L4.TCP.Flags) {
			return true
		}
	}
	return false
}

// tcpFlagsSubset reports whether every flag set in want is also set in
// have: want.flag -> have.flag, for each control bit.
func tcpFlagsSubset(want, have flow.TCPFlags) bool {
	return (!want.FIN || have.FIN) &&
		(!want.SYN || have.SYN) &&
		(!want.RST || have.RST) &&
		(!want.PSH || have.PSH) &&
		(!want.ACK || have.ACK) &&
		(!want.URG || have.URG) &&
		(!want.ECE || have.ECE) &&
		(!want.CWR || have.CWR) &&
		(!want.NS || have.NS)
}

func (c compiled) matchReply(f *flow.Flow) bool {
	if len(c.reply) == 0 {
		return true
	}
	for _, r := range c.reply {
		if r == f.IsReply {
			return true
		}
	}
	return false
}

func (c compiled) matchNodeName(f *flow.Flow) bool {
	if len(c.nodeName) == 0 {
		return true
	}
	for _, m := range c.nodeName {
		if m.matches(f.NodeName) {
			return true
		}
	}
	return false
}

func (c compiled) matchIdentity(want []uint32, have uint32) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == have {
			return true
		}
	}
	return false
}

// ipMatcher matches either an exact address or a CIDR block. net.IPNet's
// Contains already implements "mask both sides to /prefix; prefix >=
// bitwidth is an exact compare", so no hand-rolled mask arithmetic is
// needed here.
type ipMatcher struct {
	exact net.IP
	cidr  *net.IPNet
}

func parseIPMatcher(s string) (ipMatcher, bool) {
	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return ipMatcher{}, false
		}
		return ipMatcher{cidr: ipnet}, true
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ipMatcher{}, false
	}
	return ipMatcher{exact: ip}, true
}

func (m ipMatcher) matches(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if m.cidr != nil {
		return m.cidr.Contains(ip)
	}
	return m.exact.Equal(ip)
}

// podMatcher parses "ns/prefix", "/prefix", "ns/", or "prefix".
type podMatcher struct {
	namespace string
	prefix    string
}

func parsePodMatcher(s string) podMatcher {
	if idx := strings.Index(s, "/"); idx >= 0 {
		return podMatcher{namespace: s[:idx], prefix: s[idx+1:]}
	}
	return podMatcher{prefix: s}
}

func (m podMatcher) matches(namespace, podName string) bool {
	if m.namespace != "" && namespace != m.namespace {
		return false
	}
	if m.prefix != "" && !strings.HasPrefix(podName, m.prefix) {
		return false
	}
	return true
}

// nodeNameMatcher glob-matches a node name with `*` as "any sequence,
// including empty".
type nodeNameMatcher struct {
	pattern string
}

func (m nodeNameMatcher) matches(name string) bool {
	return globMatch(m.pattern, name)
}

// globMatch splits pattern on '*': the first segment must prefix text, the
// last must suffix what remains, and interior segments are found in order
// via substring search, advancing the cursor each time.
func globMatch(pattern, text string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == text
	}

	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		switch {
		case i == 0:
			if !strings.HasPrefix(text, part) {
				return false
			}
			pos = len(part)
		case i == len(parts)-1:
			if !strings.HasSuffix(text[pos:], part) {
				return false
			}
			pos = len(text)
		default:
			idx := strings.Index(text[pos:], part)
			if idx < 0 {
				return false
			}
			pos += idx + len(part)
		}
	}
	return true
}
