// Command operator runs the cluster-wide identity cache: it watches pods,
// services and nodes, and streams the resulting IP-to-identity cache to
// every connected agent over the identity-sync gRPC service. Structured the
// way controller/cmd/identity/main.go lays out a single-purpose daemon: one
// flat FlagSet, one ConfigureAndParse call, then a linear bind-then-serve
// startup ending in a signal-driven graceful shutdown.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/netobs/netobs/operator/rpc"
	"github.com/netobs/netobs/operator/state"
	"github.com/netobs/netobs/operator/watchers"
	"github.com/netobs/netobs/pkg/admin"
	"github.com/netobs/netobs/pkg/flags"
	"github.com/netobs/netobs/pkg/grpcutil"
	"github.com/netobs/netobs/pkg/k8s"
)

// shutdownDrainTimeout bounds how long GracefulStop waits for in-flight
// streams before the server is forced closed, matching the ≤2s drain
// window the shutdown sequence is specified to stay within.
const shutdownDrainTimeout = 2 * time.Second

func main() {
	fs := pflag.NewFlagSet("operator", pflag.ExitOnError)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment config: %s", err)
	}
	fs.StringVar(&cfg.KubeconfigPath, "kubeconfig", cfg.KubeconfigPath, "path to kubeconfig; empty runs in-cluster")
	fs.StringVar(&cfg.SyncAddr, "sync-addr", cfg.SyncAddr, "address the agent-facing identity-sync gRPC service listens on")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "address of the metrics/health/debug HTTP server")
	fs.BoolVar(&cfg.EnablePprof, "enable-pprof", cfg.EnablePprof, "expose /debug/pprof/* on the admin server")

	if err := flags.ConfigureAndParse(fs, os.Args[1:]); err != nil {
		log.Fatalf("%s", err)
	}

	client, err := k8s.NewClient(cfg.KubeconfigPath)
	if err != nil {
		log.Fatalf("failed to build Kubernetes client: %s", err)
	}

	cache := state.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchers.Run(ctx, client, cache)

	grpcServer := grpcutil.NewServer()
	syncServer := rpc.NewServer(cache)
	rpc.RegisterServer(grpcServer, syncServer)

	lis, err := net.Listen("tcp", cfg.SyncAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %s", cfg.SyncAddr, err)
	}

	adminServer := admin.NewServer(cfg.AdminAddr, admin.Options{
		EnablePprof: cfg.EnablePprof,
		Config:      func() any { return cfg },
		IPCache:     func() any { return cache.Snapshot() },
		Ready:       func() bool { return true },
		Live:        func() bool { return true },
	})
	go func() {
		log.Infof("starting admin server on %s", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("admin server error: %s", err)
		}
	}()

	go func() {
		log.Infof("starting identity-sync gRPC server on %s", cfg.SyncAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorf("gRPC server error: %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	syncServer.GracefulShutdown(gracefulStopWithTimeout(grpcServer, shutdownDrainTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("admin server shutdown error: %s", err)
	}
}

// gracefulStopWithTimeout wraps grpc.Server.GracefulStop with a hard
// deadline: if streams haven't drained by timeout, Stop forces the
// remaining connections closed rather than blocking shutdown indefinitely.
func gracefulStopWithTimeout(s interface {
	GracefulStop()
	Stop()
}, timeout time.Duration) func() {
	return func() {
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.Stop()
		}
	}
}
