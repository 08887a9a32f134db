package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/netobs/netobs/operator/state"
)

// shutdownDrainPause is a short pause between broadcasting the shutdown
// sentinel and draining streams, giving it time to propagate to every
// subscriber before the server starts tearing down connections.
const shutdownDrainPause = 100 * time.Millisecond

var connectedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "netobs_operator_connected_agents",
	Help: "Number of agents currently connected to the identity-sync stream.",
})

func init() {
	prometheus.MustRegister(connectedAgents)
}

// Server implements IdentitySyncServer against a single operator/state.Cache.
type Server struct {
	cache *state.Cache
}

// NewServer returns a Server backed by cache.
func NewServer(cache *state.Cache) *Server {
	return &Server{cache: cache}
}

// Sync implements the per-agent identity-sync streaming contract.
func (s *Server) Sync(req *SyncRequest, stream IdentitySync_SyncServer) error {
	entry := log.WithField("node", req.NodeName)

	connectedAgents.Inc()
	defer connectedAgents.Dec()

	// Subscribe before snapshotting: any upsert/delete racing the snapshot
	// arrives on sub's channel and is applied idempotently by the agent,
	// never lost.
	sub := s.cache.Subscribe()
	defer sub.Unsubscribe()

	snapshot := s.cache.Snapshot()
	batch := make([]SyncUpdate, len(snapshot))
	for i, u := range snapshot {
		batch[i] = SyncUpdate{Kind: "upsert", IP: u.IP, Resource: u.Resource.String(), Identity: u.Identity}
	}
	if err := stream.Send(&SyncMessage{Batch: batch}); err != nil {
		return err
	}
	if err := stream.Send(&SyncMessage{SyncComplete: true}); err != nil {
		return err
	}
	entry.WithField("entries", len(batch)).Info("agent synced")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			entry.Info("agent disconnected")
			return nil
		case u, ok := <-sub.Updates():
			if !ok {
				if err := closedSubscriptionErr(sub, entry); err != nil {
					return err
				}
				return nil
			}
			msg := toSyncMessage(u)
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// closedSubscriptionErr maps a closed Subscription to the DataLoss status
// the identity-sync protocol requires when the broadcast producer outran this agent's
// reader (overflow), or to nil when the subscription is not marked lagged.
func closedSubscriptionErr(sub *state.Subscription, entry *log.Entry) error {
	if !sub.Lagged() {
		return nil
	}
	entry.Warn("agent fell behind broadcast, forcing resync")
	return status.Error(codes.DataLoss, "fell behind identity cache updates, reconnect and resync")
}

func toSyncMessage(u *state.Update) *SyncMessage {
	switch u.Kind {
	case state.UpdateUpsert:
		return &SyncMessage{Update: &SyncUpdate{Kind: "upsert", IP: u.IP, Resource: u.Resource.String(), Identity: u.Identity}}
	case state.UpdateDelete:
		return &SyncMessage{Update: &SyncUpdate{Kind: "delete", IP: u.IP}}
	case state.UpdateShutdown:
		return &SyncMessage{Update: &SyncUpdate{Kind: "shutdown"}}
	default:
		return &SyncMessage{}
	}
}

// GracefulShutdown runs the shutdown sequence: broadcast
// the shutdown sentinel, pause briefly for it to propagate to every
// in-flight stream, then let the caller's grpc.Server.GracefulStop drain
// connections so agents see a clean end-of-stream instead of a transport
// error.
func (s *Server) GracefulShutdown(stop func()) {
	s.cache.BroadcastShutdown()
	time.Sleep(shutdownDrainPause)
	stop()
}
