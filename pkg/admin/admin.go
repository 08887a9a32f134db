// Package admin serves the agent/operator debug HTTP surface: Prometheus
// metrics, liveness/readiness probes, pprof, and /debug/* introspection
// endpoints, generalized from a metrics-and-pprof-only admin server to also
// expose live config and ipcache snapshots.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConfigProvider returns a JSON-serializable snapshot of the running
// process's effective configuration for /debug/config.
type ConfigProvider func() any

// IPCacheProvider returns a JSON-serializable snapshot of the identity
// cache for /debug/ipcache (operator's cluster-wide cache, or the agent's
// local mirror of it).
type IPCacheProvider func() any

// ReadyFunc reports whether the process is ready to serve traffic. A false
// return fails /readyz with 503 so a Kubernetes readiness probe holds the
// pod out of rotation.
type ReadyFunc func() bool

type handler struct {
	promHandler http.Handler
	enablePprof bool
	config      ConfigProvider
	ipcache     IPCacheProvider
	ready       ReadyFunc
	live        ReadyFunc
}

// Options configures NewServer. Config, IPCache, Ready and Live may be nil,
// in which case the matching endpoint reports "not available" (Config,
// IPCache) or unconditionally reports ok (Ready, Live).
type Options struct {
	EnablePprof bool
	Config      ConfigProvider
	IPCache     IPCacheProvider

	// Ready gates /readyz: whether the process should currently receive
	// traffic (e.g. a Kubernetes Service's endpoint list).
	Ready ReadyFunc

	// Live gates /healthz: whether the process is alive enough that
	// restarting it would help (e.g. a Kubernetes liveness probe). Distinct
	// from Ready since a process can be alive but legitimately not ready
	// (still warming up an identity sync) without needing a restart.
	Live ReadyFunc
}

// NewServer returns an initialized http.Server configured to listen on addr,
// serving the debug/health surface.
func NewServer(addr string, opts Options) *http.Server {
	h := &handler{
		promHandler: promhttp.Handler(),
		enablePprof: opts.EnablePprof,
		config:      opts.Config,
		ipcache:     opts.IPCache,
		ready:       opts.Ready,
		live:        opts.Live,
	}

	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	const debugPathPrefix = "/debug/pprof/"
	if h.enablePprof && strings.HasPrefix(req.URL.Path, debugPathPrefix) {
		switch req.URL.Path {
		case fmt.Sprintf("%scmdline", debugPathPrefix):
			pprof.Cmdline(w, req)
		case fmt.Sprintf("%sprofile", debugPathPrefix):
			pprof.Profile(w, req)
		case fmt.Sprintf("%strace", debugPathPrefix):
			pprof.Trace(w, req)
		case fmt.Sprintf("%ssymbol", debugPathPrefix):
			pprof.Symbol(w, req)
		default:
			pprof.Index(w, req)
		}
		return
	}

	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/healthz":
		h.serveHealthz(w)
	case "/readyz":
		h.serveReadyz(w)
	case "/debug/config":
		h.serveJSON(w, h.config)
	case "/debug/ipcache":
		h.serveJSON(w, h.ipcache)
	case "/debug/mem":
		h.serveJSON(w, func() any { return memStats() })
	default:
		http.NotFound(w, req)
	}
}

func (h *handler) serveHealthz(w http.ResponseWriter) {
	if h.live != nil && !h.live() {
		http.Error(w, "not alive\n", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func (h *handler) serveReadyz(w http.ResponseWriter) {
	if h.ready != nil && !h.ready() {
		http.Error(w, "not ready\n", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func (h *handler) serveJSON(w http.ResponseWriter, provider func() any) {
	if provider == nil {
		http.Error(w, "not available\n", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(provider()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
