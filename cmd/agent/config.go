package main

// Config is the agent's full configuration surface, matching the documented
// agent config fields one-for-one: every field has an environment-variable
// binding via caarlos0/env and a matching command-line flag, the flag
// taking precedence when both are set.
type Config struct {
	// NodeName identifies this agent's node in the IP cache and in every
	// Flow it emits. Normally sourced from the downward API.
	NodeName string `env:"NODE_NAME"`

	// BPFObjectPath is the compiled kernel-program object file this agent
	// loads at startup. A load failure is non-fatal: veth attachment,
	// kernel event readers and drop aggregation are simply skipped.
	BPFObjectPath string `env:"BPF_OBJECT_PATH" envDefault:"/var/run/netobs/bpf/agent.o"`

	// ExtraInterfaces names host interfaces (e.g. a physical NIC) to attach
	// the endpoint programs to unconditionally, in addition to discovered
	// pod veths.
	ExtraInterfaces []string `env:"EXTRA_INTERFACES" envSeparator:","`

	// PodLevel enables the veth watcher, attaching ingress/egress programs
	// to every discovered pod veth.
	PodLevel bool `env:"POD_LEVEL" envDefault:"true"`

	// HubblePort is the agent's own observer-facing flow gRPC service.
	HubblePort int `env:"HUBBLE_PORT" envDefault:"9700"`

	// OperatorAddr is the operator's identity-sync gRPC address. Empty
	// disables identity-sync entirely; the agent then runs with an unsynced
	// ipcache and enrich.Enrich never resolves source/destination identity.
	OperatorAddr string `env:"OPERATOR_ADDR"`

	// SamplingRate is the packet sampling denominator: 1 means no sampling,
	// N means roughly 1-in-N packets sampled. The agent only logs the value
	// at startup; it is not passed to the loaded kernel programs.
	SamplingRate uint32 `env:"SAMPLING_RATE" envDefault:"1"`

	// RingBufferSize overrides the flows ring buffer's max_entries before
	// load. Must be a power of two and at least 65536; values outside that
	// are logged and the compiled object's own default is kept.
	RingBufferSize uint32 `env:"RING_BUFFER_SIZE" envDefault:"65536"`

	// EnableDropReason turns on the drop-event reader and drop_stats
	// aggregation.
	EnableDropReason bool `env:"ENABLE_DROPREASON" envDefault:"false"`

	// DropReasonRingBufferSize overrides the drops ring buffer's
	// max_entries before load, same constraints as RingBufferSize.
	DropReasonRingBufferSize uint32 `env:"DROPREASON_RING_BUFFER_SIZE" envDefault:"65536"`

	// DropReasonFilterPath points at the suppress-filter YAML document.
	// Empty suppresses nothing.
	DropReasonFilterPath string `env:"DROPREASON_FILTER_PATH"`

	// MetricsPort serves /metrics, /healthz, /readyz and /debug/*.
	MetricsPort int `env:"METRICS_PORT" envDefault:"9290"`

	// EnablePprof exposes /debug/pprof/* on the metrics server.
	EnablePprof bool `env:"ENABLE_PPROF" envDefault:"false"`
}
