package rpc

import (
	"context"
	"time"

	"github.com/netobs/netobs/agent/ipcache"
)

// peerSyncDeadline bounds how long Notify waits for the IP cache to sync
// before emitting its initial snapshot.
const peerSyncDeadline = 15 * time.Second

// PeerService implements PeerServer against the agent's IP cache, tracking
// the subset of entries that carry a node name (the peer-stream node set)
// and translating cache events into Added/Updated/Deleted notifications.
type PeerService struct {
	ipc *ipcache.Cache
}

// NewPeerService returns a PeerService backed by ipc.
func NewPeerService(ipc *ipcache.Cache) *PeerService {
	return &PeerService{ipc: ipc}
}

// Notify waits up to 15s for the IP cache to sync, emits an Added
// notification for every currently-known node, then streams incremental
// Added/Updated/Deleted notifications as the cache changes. A lagged
// subscription triggers a full reconciliation against the current node set
// rather than surfacing an error, since the peer stream's contract is
// eventual convergence, not at-most-once delivery.
func (p *PeerService) Notify(_ *NotifyRequest, stream Peer_NotifyServer) error {
	ctx := stream.Context()

	waitCtx, cancel := context.WithTimeout(ctx, peerSyncDeadline)
	_ = p.ipc.WaitSynced(waitCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	known := make(map[string]string) // node_name -> ip
	sub := p.ipc.Subscribe()

	for ip, id := range p.ipc.Snapshot() {
		if id.NodeName == "" {
			continue
		}
		known[id.NodeName] = ip
		if err := stream.Send(&ChangeNotification{Name: id.NodeName, Address: ip, Type: ChangeAdded}); err != nil {
			sub.Unsubscribe()
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				sub.Unsubscribe()
				if err := p.reconcile(stream, known); err != nil {
					return err
				}
				sub = p.ipc.Subscribe()
				continue
			}
			if err := p.handleEvent(e, known, stream); err != nil {
				sub.Unsubscribe()
				return err
			}
		}
	}
}

func (p *PeerService) handleEvent(e ipcache.Event, known map[string]string, stream Peer_NotifyServer) error {
	switch e.Kind {
	case ipcache.EventUpsert:
		if e.Identity.NodeName == "" {
			return nil
		}
		prevIP, existed := known[e.Identity.NodeName]
		switch {
		case existed && prevIP == e.IP:
			return nil
		case existed:
			known[e.Identity.NodeName] = e.IP
			return stream.Send(&ChangeNotification{Name: e.Identity.NodeName, Address: e.IP, Type: ChangeUpdated})
		default:
			known[e.Identity.NodeName] = e.IP
			return stream.Send(&ChangeNotification{Name: e.Identity.NodeName, Address: e.IP, Type: ChangeAdded})
		}
	case ipcache.EventDelete:
		for name, ip := range known {
			if ip == e.IP {
				delete(known, name)
				return stream.Send(&ChangeNotification{Name: name, Address: ip, Type: ChangeDeleted})
			}
		}
		return nil
	case ipcache.EventClear:
		for name, ip := range known {
			if err := stream.Send(&ChangeNotification{Name: name, Address: ip, Type: ChangeDeleted}); err != nil {
				return err
			}
			delete(known, name)
		}
		return nil
	default:
		return nil
	}
}

// reconcile diffs the current node set against known, emitting deletes for
// nodes missing from the current set and adds/updates for new or
// changed-address nodes, then replaces known with the current set.
func (p *PeerService) reconcile(stream Peer_NotifyServer, known map[string]string) error {
	current := make(map[string]string)
	for ip, id := range p.ipc.Snapshot() {
		if id.NodeName != "" {
			current[id.NodeName] = ip
		}
	}

	for name, ip := range known {
		if _, ok := current[name]; !ok {
			if err := stream.Send(&ChangeNotification{Name: name, Address: ip, Type: ChangeDeleted}); err != nil {
				return err
			}
		}
	}
	for name, ip := range current {
		prevIP, ok := known[name]
		switch {
		case !ok:
			if err := stream.Send(&ChangeNotification{Name: name, Address: ip, Type: ChangeAdded}); err != nil {
				return err
			}
		case prevIP != ip:
			if err := stream.Send(&ChangeNotification{Name: name, Address: ip, Type: ChangeUpdated}); err != nil {
				return err
			}
		}
	}

	for k := range known {
		delete(known, k)
	}
	for k, v := range current {
		known[k] = v
	}
	return nil
}
