// Package metrics is the agent's labelled Prometheus metric registry:
// forward/drop/drop-flow counter and gauge families with TTL-bounded label
// cardinality, conntrack gauges fed by agent/conntrack's GC pass, drop
// gauges fed by a periodic per-CPU map scan, control-plane counters, and
// atomic agent-state flags. Grounded on
// controller/api/destination/watcher/prometheus.go's promauto vec pattern,
// generalized from per-resource subscriber/update gauges to this agent's
// forward/drop label sets, with a sweeper added since these labels are
// keyed by live connection endpoints rather than a bounded resource set.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/netobs/netobs/agent/conntrack"
	"github.com/netobs/netobs/agent/flow"
	"github.com/netobs/netobs/pkg/identity"
)

const (
	forwardTTLSweepInterval = 60 * time.Second
	forwardTTL              = 300 * time.Second
)

var forwardLabelNames = []string{
	"direction",
	"source_ip", "source_namespace", "source_pod", "source_workload_kind", "source_workload_name",
	"destination_ip", "destination_namespace", "destination_pod", "destination_workload_kind", "destination_workload_name",
}

var dropLabelNames = []string{"reason", "direction"}

var dropFlowLabelNames = append([]string{"reason"}, forwardLabelNames...)

// seenLabels pairs a label set with the last time it was observed, so a
// sweep can delete the exact series without having to reconstruct labels
// from a string key.
type seenLabels struct {
	labels prometheus.Labels
	seen   time.Time
}

// Registry holds every metric vec this agent exposes, plus the bookkeeping
// needed to sweep stale label sets.
type Registry struct {
	forwardCount *prometheus.CounterVec
	forwardBytes *prometheus.CounterVec
	dropGauge    *prometheus.GaugeVec
	dropFlow     *prometheus.CounterVec

	conntrackTotal   prometheus.Gauge
	conntrackPackets *prometheus.GaugeVec
	conntrackBytes   *prometheus.GaugeVec

	parsedPackets prometheus.Counter
	lostEvents    *prometheus.CounterVec

	pluginStarted prometheus.Gauge
	grpcBound     prometheus.Gauge
	perfReaders   prometheus.Gauge
	perfReaderN   int32

	forwardThroughput *ratecounter.RateCounter

	mu           sync.Mutex
	forwardSeen  map[string]seenLabels
	dropFlowSeen map[string]seenLabels
}

// New registers every metric with the given registerer (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests) and returns the Registry wrapping them.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		forwardCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_count",
			Help: "Number of packets forwarded, labelled by endpoint identity.",
		}, forwardLabelNames),
		forwardBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_bytes",
			Help: "Bytes forwarded, labelled by endpoint identity.",
		}, forwardLabelNames),
		dropGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drop_count",
			Help: "Packets dropped in-kernel, by reason and direction, refreshed from a periodic map scan.",
		}, dropLabelNames),
		dropFlow: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_flow_count",
			Help: "Drop events observed on the flow pipeline, labelled by reason and endpoint identity.",
		}, dropFlowLabelNames),
		conntrackTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conntrack_total_connections",
			Help: "Current number of tracked connections.",
		}),
		conntrackPackets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conntrack_packets",
			Help: "Packets observed since the last GC pass, by direction.",
		}, []string{"direction"}),
		conntrackBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conntrack_bytes",
			Help: "Bytes observed since the last GC pass, by direction.",
		}, []string{"direction"}),
		parsedPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "parsed_packets_counter",
			Help: "Total packet records successfully decoded off the kernel event transport.",
		}),
		lostEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lost_events_counter",
			Help: "Kernel event records lost before userspace could read them, by source type and reason.",
		}, []string{"type", "reason"}),
		pluginStarted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugin_started",
			Help: "1 once the packet-capture plugin has completed startup, 0 otherwise.",
		}),
		grpcBound: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grpc_bound",
			Help: "1 once the gRPC server has bound its listener, 0 otherwise.",
		}),
		perfReaders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perf_readers_alive",
			Help: "Number of kernel event reader goroutines currently running.",
		}),
		forwardThroughput: ratecounter.NewRateCounter(time.Second),
		forwardSeen:        make(map[string]seenLabels),
		dropFlowSeen:       make(map[string]seenLabels),
	}
}

func forwardLabels(f *flow.Flow) prometheus.Labels {
	srcKind, srcName := firstWorkload(f.Source.Identity.Workloads)
	dstKind, dstName := firstWorkload(f.Destination.Identity.Workloads)
	return prometheus.Labels{
		"direction":                 f.TrafficDirection.String(),
		"source_ip":                 f.SourceIP,
		"source_namespace":          f.Source.Identity.Namespace,
		"source_pod":                f.Source.Identity.PodName,
		"source_workload_kind":      srcKind,
		"source_workload_name":      srcName,
		"destination_ip":            f.DestinationIP,
		"destination_namespace":     f.Destination.Identity.Namespace,
		"destination_pod":           f.Destination.Identity.PodName,
		"destination_workload_kind": dstKind,
		"destination_workload_name": dstName,
	}
}

func firstWorkload(workloads []identity.Workload) (kind, name string) {
	if len(workloads) == 0 {
		return "", ""
	}
	return workloads[0].Kind, workloads[0].Name
}

// labelKey builds a stable map key from a label set by walking a fixed,
// known field order, so no sorting is needed.
func labelKey(names []string, labels prometheus.Labels) string {
	key := ""
	for _, name := range names {
		key += name + "=" + labels[name] + "\x00"
	}
	return key
}

// ObserveForward records one forwarded flow against the forward_count /
// forward_bytes families and touches its TTL last-seen timestamp.
func (r *Registry) ObserveForward(f *flow.Flow) {
	labels := forwardLabels(f)
	r.forwardCount.With(labels).Inc()
	if raw, ok := f.Extensions["bytes"]; ok {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil && n > 0 {
			r.forwardBytes.With(labels).Add(float64(n))
			r.forwardThroughput.Incr(int64(n))
		}
	}

	key := labelKey(forwardLabelNames, labels)
	r.mu.Lock()
	r.forwardSeen[key] = seenLabels{labels: labels, seen: time.Now()}
	r.mu.Unlock()
}

// ObserveDropFlow records one drop event against the drop_flow_count
// family and touches its TTL last-seen timestamp.
func (r *Registry) ObserveDropFlow(f *flow.Flow, reason string) {
	labels := forwardLabels(f)
	labels["reason"] = reason
	r.dropFlow.With(labels).Inc()

	key := labelKey(dropFlowLabelNames, labels)
	r.mu.Lock()
	r.dropFlowSeen[key] = seenLabels{labels: labels, seen: time.Now()}
	r.mu.Unlock()
}

// ForwardThroughput returns the current forwarded-bytes/sec rate over the
// trailing 1s window.
func (r *Registry) ForwardThroughput() int64 {
	return r.forwardThroughput.Rate()
}

// IncParsedPackets increments the control-plane packet counter.
func (r *Registry) IncParsedPackets() {
	r.parsedPackets.Inc()
}

// IncLostEvents increments the control-plane lost-record counter for the
// given source type ("ringbuf", "perf") and reason ("buffer_overflow").
func (r *Registry) IncLostEvents(sourceType, reason string) {
	r.lostEvents.WithLabelValues(sourceType, reason).Inc()
}

// SetPluginStarted flips the plugin_started gauge.
func (r *Registry) SetPluginStarted(started bool) {
	r.pluginStarted.Set(boolToFloat(started))
}

// SetGRPCBound flips the grpc_bound gauge.
func (r *Registry) SetGRPCBound(bound bool) {
	r.grpcBound.Set(boolToFloat(bound))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// AcquirePerfReader increments perf_readers_alive and returns a guard whose
// Release always decrements it, even if the reader goroutine dies from a
// panic recovered higher up -- so a health probe reading this gauge never
// reports a reader as alive after it has actually exited.
func (r *Registry) AcquirePerfReader() *PerfReaderGuard {
	r.perfReaders.Inc()
	atomic.AddInt32(&r.perfReaderN, 1)
	return &PerfReaderGuard{gauge: r.perfReaders, count: &r.perfReaderN}
}

// PerfReadersAlive reports the current count of live kernel event readers,
// for readiness/liveness checks that can't read a prometheus.Gauge's value
// directly.
func (r *Registry) PerfReadersAlive() int {
	return int(atomic.LoadInt32(&r.perfReaderN))
}

// PerfReaderGuard releases its perf_readers_alive slot exactly once.
type PerfReaderGuard struct {
	gauge    prometheus.Gauge
	count    *int32
	mu       sync.Mutex
	released bool
}

// Release decrements the guarded gauge. Safe to call more than once or
// concurrently; only the first call has effect.
func (g *PerfReaderGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	g.gauge.Dec()
	atomic.AddInt32(g.count, -1)
}

// UpdateConntrackGauges refreshes the conntrack_* gauges from one GC pass's
// Stats.
func (r *Registry) UpdateConntrackGauges(stats conntrack.Stats) {
	r.conntrackTotal.Set(float64(stats.TotalConnections))
	r.conntrackPackets.WithLabelValues("tx").Set(float64(stats.PacketsTX))
	r.conntrackPackets.WithLabelValues("rx").Set(float64(stats.PacketsRX))
	r.conntrackBytes.WithLabelValues("tx").Set(float64(stats.BytesTX))
	r.conntrackBytes.WithLabelValues("rx").Set(float64(stats.BytesRX))
}

// SweepForward removes forward_count/forward_bytes label sets whose
// last-seen timestamp is older than ttl. Safe to call concurrently with
// ObserveForward.
func (r *Registry) SweepForward(ttl time.Duration) {
	r.sweep(ttl, r.forwardSeen, func(labels prometheus.Labels) {
		if !r.forwardCount.Delete(labels) {
			log.WithField("labels", labels).Warn("metrics: unable to delete stale forward_count series")
		}
		if !r.forwardBytes.Delete(labels) {
			log.WithField("labels", labels).Warn("metrics: unable to delete stale forward_bytes series")
		}
	})
}

// SweepDropFlow removes drop_flow_count label sets whose last-seen
// timestamp is older than ttl.
func (r *Registry) SweepDropFlow(ttl time.Duration) {
	r.sweep(ttl, r.dropFlowSeen, func(labels prometheus.Labels) {
		if !r.dropFlow.Delete(labels) {
			log.WithField("labels", labels).Warn("metrics: unable to delete stale drop_flow_count series")
		}
	})
}

func (r *Registry) sweep(ttl time.Duration, table map[string]seenLabels, del func(prometheus.Labels)) {
	now := time.Now()
	r.mu.Lock()
	var stale []prometheus.Labels
	for key, entry := range table {
		if now.Sub(entry.seen) > ttl {
			stale = append(stale, entry.labels)
			delete(table, key)
		}
	}
	r.mu.Unlock()

	for _, labels := range stale {
		del(labels)
	}
}

// DefaultForwardSweepInterval and DefaultForwardTTL are the standard
// schedule: a sweep every 60s evicting entries unseen for 300s.
const (
	DefaultForwardSweepInterval = forwardTTLSweepInterval
	DefaultForwardTTL           = forwardTTL
)
