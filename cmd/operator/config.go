package main

// Config is the operator's full configuration surface: every field has an
// environment-variable binding via caarlos0/env and a matching command-line
// flag, with the flag taking precedence when both are set.
type Config struct {
	// KubeconfigPath points at an out-of-cluster kubeconfig. Empty (the
	// default) means run in-cluster.
	KubeconfigPath string `env:"KUBECONFIG_PATH"`

	// SyncAddr is the agent-facing identity-sync gRPC listen address.
	SyncAddr string `env:"SYNC_ADDR" envDefault:":8085"`

	// AdminAddr serves /metrics, /healthz, /readyz and /debug/*.
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9891"`

	// EnablePprof exposes /debug/pprof/* on the admin server.
	EnablePprof bool `env:"ENABLE_PPROF" envDefault:"false"`
}
