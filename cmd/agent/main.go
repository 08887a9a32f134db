// Command agent runs on every node: it loads the kernel packet/drop
// programs, attaches them to pod veths (and any configured extra
// interfaces), decodes the resulting kernel events into enriched flows,
// and serves them over a gRPC flow-observer service. Structured the same
// way cmd/operator is: one flat FlagSet, one ConfigureAndParse call, then a
// linear bind-then-serve startup ending in a signal-driven graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/netobs/netobs/agent/bpfprog"
	"github.com/netobs/netobs/agent/conntrack"
	"github.com/netobs/netobs/agent/enrich"
	"github.com/netobs/netobs/agent/events"
	"github.com/netobs/netobs/agent/flow"
	"github.com/netobs/netobs/agent/ipcache"
	"github.com/netobs/netobs/agent/metrics"
	"github.com/netobs/netobs/agent/rpc"
	"github.com/netobs/netobs/agent/suppress"
	"github.com/netobs/netobs/agent/veth"
	operatorrpc "github.com/netobs/netobs/operator/rpc"
	"github.com/netobs/netobs/pkg/admin"
	"github.com/netobs/netobs/pkg/flags"
	"github.com/netobs/netobs/pkg/grpcutil"
	"github.com/netobs/netobs/pkg/retry"
)

// shutdownDrainTimeout bounds how long GracefulStop waits for in-flight
// streams before the server is forced closed.
const shutdownDrainTimeout = 2 * time.Second

// flowStoreCapacity is the flow store's historical ring window depth; the
// agent/debug event stores use their own capacity constants from
// agent/events.
const flowStoreCapacity = 4096

func main() {
	fs := pflag.NewFlagSet("agent", pflag.ExitOnError)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment config: %s", err)
	}
	fs.StringVar(&cfg.NodeName, "node-name", cfg.NodeName, "this agent's node name")
	fs.StringVar(&cfg.BPFObjectPath, "bpf-object-path", cfg.BPFObjectPath, "path to the compiled kernel program object file")
	fs.StringSliceVar(&cfg.ExtraInterfaces, "extra-interfaces", cfg.ExtraInterfaces, "host interfaces to attach endpoint programs to unconditionally")
	fs.BoolVar(&cfg.PodLevel, "pod-level", cfg.PodLevel, "attach endpoint programs to discovered pod veths")
	fs.IntVar(&cfg.HubblePort, "hubble-port", cfg.HubblePort, "port the flow-observer gRPC service listens on")
	fs.StringVar(&cfg.OperatorAddr, "operator-addr", cfg.OperatorAddr, "operator identity-sync gRPC address; empty disables identity sync")
	fs.Uint32Var(&cfg.SamplingRate, "sampling-rate", cfg.SamplingRate, "packet sampling denominator, 1 = no sampling")
	fs.Uint32Var(&cfg.RingBufferSize, "ring-buffer-size", cfg.RingBufferSize, "flows ring buffer max_entries override")
	fs.BoolVar(&cfg.EnableDropReason, "enable-dropreason", cfg.EnableDropReason, "enable the drop-event reader and drop_stats aggregation")
	fs.Uint32Var(&cfg.DropReasonRingBufferSize, "dropreason-ring-buffer-size", cfg.DropReasonRingBufferSize, "drops ring buffer max_entries override")
	fs.StringVar(&cfg.DropReasonFilterPath, "dropreason-filter-path", cfg.DropReasonFilterPath, "path to the drop-reason suppress filter document")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "port the metrics/health/debug HTTP server listens on")
	fs.BoolVar(&cfg.EnablePprof, "enable-pprof", cfg.EnablePprof, "expose /debug/pprof/* on the metrics server")

	if err := flags.ConfigureAndParse(fs, os.Args[1:]); err != nil {
		log.Fatalf("%s", err)
	}
	log.WithField("sampling_rate", cfg.SamplingRate).Debug("configured packet sampling rate")

	reg := metrics.New(prometheus.DefaultRegisterer)

	ipc := ipcache.New(cfg.NodeName)
	flowStore := flow.NewStore(flowStoreCapacity)
	agentEvents := events.NewAgentEventStore(events.AgentEventStoreCapacity)
	debugEvents := events.NewDebugEventStore(events.DebugEventStoreCapacity)
	suppressSet := suppress.Load(cfg.DropReasonFilterPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	debugEvents.Push(events.NewDebugEvent(cfg.NodeName, "agent starting"))
	agentEvents.Push(events.NewAgentEvent(events.AgentStarted, nil))
	go forwardIPCacheEvents(ctx, ipc, agentEvents)

	objs, err := bpfprog.Load(cfg.BPFObjectPath, bpfprog.LoadOptions{
		FlowRingBufferSize: cfg.RingBufferSize,
		DropRingBufferSize: cfg.DropReasonRingBufferSize,
	})
	if err != nil {
		log.WithError(err).Warn("failed to load kernel programs, veth attachment and kernel event readers are disabled")
	} else {
		defer objs.Close()
	}

	var pluginStarted atomic.Bool

	ct := conntrack.NewTable()
	bootOffsetNS := flow.BootOffsetNS()

	onPacket := func(pe events.PacketEvent) {
		f := flow.FromPacketEvent(pe, bootOffsetNS, cfg.NodeName)
		enrich.Enrich(&f, ipc)
		reg.ObserveForward(&f)
		flowStore.Push(f)
		reg.IncParsedPackets()
	}
	onDrop := func(de events.DropEvent) {
		if suppressSet.Suppressed(de.DropReason) {
			return
		}
		f := flow.FromDropEvent(de, bootOffsetNS, cfg.NodeName)
		enrich.Enrich(&f, ipc)
		reg.ObserveDropFlow(&f, de.DropReason.String())
		flowStore.Push(f)
	}
	onLost := reg.IncLostEvents

	if objs != nil {
		if cfg.PodLevel {
			w := veth.New(ipc, objs.TCIngress, objs.TCEgress, cfg.ExtraInterfaces...)
			go func() {
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					log.WithError(err).Error("veth watcher exited")
				}
			}()
			debugEvents.Push(events.NewDebugEvent(cfg.NodeName, "veth watcher started"))
		}

		if src, err := events.NewRingbufSource(objs.Flows); err != nil {
			log.WithError(err).Error("failed to open flows ring buffer")
		} else {
			go runPacketReader(ctx, reg, src, ct, onPacket, onLost)
		}

		if cfg.EnableDropReason {
			if src, err := events.NewRingbufSource(objs.Drops); err != nil {
				log.WithError(err).Error("failed to open drops ring buffer")
			} else {
				go runDropReader(ctx, reg, src, onDrop, onLost)
			}
			if objs.DropStats != nil {
				go func() {
					err := reg.RunDropAggregation(ctx, bpfprog.DropStatsReader(objs.DropStats), metrics.DefaultForwardTTL)
					if err != nil && ctx.Err() == nil {
						log.WithError(err).Error("drop aggregation exited")
					}
				}()
			}
		}

		reg.SetPluginStarted(true)
		pluginStarted.Store(true)
	}

	go ct.RunGC(ctx, reg.UpdateConntrackGauges, func() {
		reg.SweepForward(metrics.DefaultForwardTTL)
		reg.SweepDropFlow(metrics.DefaultForwardTTL)
	})

	var operatorSynced atomic.Bool
	if cfg.OperatorAddr != "" {
		cc, err := grpc.Dial(cfg.OperatorAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpcutil.CallOptions()...),
		)
		if err != nil {
			log.WithError(err).Fatal("failed to dial operator identity-sync service")
		}
		defer cc.Close()

		syncClient := ipcache.NewSyncClient(operatorrpc.NewClient(cc))
		go retry.Run(ctx, "ipcache-sync", func(ctx context.Context) error {
			err := ipcache.RunSync(ctx, syncClient, ipc)
			operatorSynced.Store(ipc.Synced())
			return err
		})
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					operatorSynced.Store(ipc.Synced())
				}
			}
		}()
	} else {
		operatorSynced.Store(true)
	}

	grpcServer := grpcutil.NewServer()
	rpcServer := rpc.NewServer(flowStore, agentEvents, debugEvents, ipc)
	rpc.RegisterFlowObserverServer(grpcServer, rpcServer)
	rpc.RegisterPeerServer(grpcServer, rpc.NewPeerService(ipc))

	hubbleAddr := fmt.Sprintf(":%d", cfg.HubblePort)
	lis, err := net.Listen("tcp", hubbleAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %s", hubbleAddr, err)
	}
	var grpcBound atomic.Bool
	grpcBound.Store(true)
	reg.SetGRPCBound(true)

	adminServer := admin.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort), admin.Options{
		EnablePprof: cfg.EnablePprof,
		Config:      func() any { return cfg },
		IPCache:     func() any { return ipc.Snapshot() },
		Live: func() bool {
			return reg.PerfReadersAlive() > 0
		},
		Ready: func() bool {
			return pluginStarted.Load() && grpcBound.Load() && reg.PerfReadersAlive() > 0 && operatorSynced.Load()
		},
	})

	go func() {
		log.Infof("starting metrics/health/debug server on :%d", cfg.MetricsPort)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("admin server error: %s", err)
		}
	}()

	go func() {
		log.Infof("starting flow-observer gRPC server on %s", hubbleAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorf("gRPC server error: %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	agentEvents.Push(events.NewAgentEvent(events.AgentStopped, nil))
	cancel()

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		grpcServer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("admin server shutdown error: %s", err)
	}
}

// runPacketReader wraps RunPacketReader with a perf-reader guard so
// readiness/liveness probes can observe its lifetime.
func runPacketReader(ctx context.Context, reg *metrics.Registry, src *events.RingbufSource, ct *conntrack.Table, onPacket func(events.PacketEvent), onLost events.LostHandler) {
	guard := reg.AcquirePerfReader()
	defer guard.Release()
	if err := events.RunPacketReader(ctx, src, "ringbuf", ct, onPacket, onLost); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("packet reader exited")
	}
}

func runDropReader(ctx context.Context, reg *metrics.Registry, src *events.RingbufSource, onDrop func(events.DropEvent), onLost events.LostHandler) {
	guard := reg.AcquirePerfReader()
	defer guard.Release()
	if err := events.RunDropReader(ctx, src, "ringbuf", onDrop, onLost); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("drop reader exited")
	}
}

// forwardIPCacheEvents mirrors ip cache upsert/delete activity into the
// agent-event stream the external observer reads, until ctx is cancelled.
func forwardIPCacheEvents(ctx context.Context, ipc *ipcache.Cache, agentEvents *events.AgentEventStore) {
	sub := ipc.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e.Kind {
			case ipcache.EventUpsert:
				agentEvents.Push(events.NewAgentEvent(events.IpcacheUpserted, map[string]string{
					"ip":        e.IP,
					"namespace": e.Identity.Namespace,
					"pod_name":  e.Identity.PodName,
				}))
			case ipcache.EventDelete:
				agentEvents.Push(events.NewAgentEvent(events.IpcacheDeleted, map[string]string{"ip": e.IP}))
			}
		}
	}
}
