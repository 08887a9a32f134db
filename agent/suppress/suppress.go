// Package suppress loads the drop-reason suppression list that the agent
// consults before reporting a drop event: drops with a reason named in the
// file never become flows or drop_flow_count series, though the kernel-side
// drop_count gauge still counts them.
package suppress

import (
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/netobs/netobs/agent/events"
)

var logger = log.WithField("component", "suppress")

// file is the on-disk shape of the suppress-filter document.
type file struct {
	SuppressedDropReasons []string `yaml:"suppressedDropReasons"`
}

// Set reports whether a given drop reason should be suppressed.
type Set struct {
	reasons map[events.DropReason]struct{}
}

// Empty returns a Set that suppresses nothing.
func Empty() *Set {
	return &Set{reasons: make(map[events.DropReason]struct{})}
}

// Suppressed reports whether r is in the set.
func (s *Set) Suppressed(r events.DropReason) bool {
	if s == nil {
		return false
	}
	_, ok := s.reasons[r]
	return ok
}

// Len reports how many distinct reasons are suppressed.
func (s *Set) Len() int { return len(s.reasons) }

// Load reads the suppress-filter file at path. A missing file is not an
// error: it yields an empty Set, since suppression is opt-in. A file that
// exists but fails to parse yields an empty Set as well, after a warning,
// rather than failing agent startup over a malformed auxiliary file.
func Load(path string) *Set {
	if path == "" {
		return Empty()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", path).Debug("suppress filter file not found, suppressing nothing")
		} else {
			logger.WithError(err).WithField("path", path).Warn("failed to read suppress filter file, suppressing nothing")
		}
		return Empty()
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		logger.WithError(err).WithField("path", path).Warn("failed to parse suppress filter file, suppressing nothing")
		return Empty()
	}

	set := Empty()
	for _, name := range f.SuppressedDropReasons {
		r, ok := dropReasonByName(name)
		if !ok {
			logger.WithField("reason", name).Warn("unknown drop reason in suppress filter file, ignoring")
			continue
		}
		set.reasons[r] = struct{}{}
	}
	return set
}

func dropReasonByName(name string) (events.DropReason, bool) {
	for _, r := range []events.DropReason{
		events.DropIptableRule,
		events.DropIptableNAT,
		events.DropTCPConnect,
		events.DropTCPAccept,
		events.DropConntrack,
		events.DropKernel,
		events.DropTCPRetransmit,
		events.DropTCPSendReset,
		events.DropTCPReceiveReset,
		events.DropUnknown,
	} {
		if r.String() == name {
			return r, true
		}
	}
	return 0, false
}
