package ipcache

import (
	"context"
	"errors"
	"fmt"
	"io"

	operatorrpc "github.com/netobs/netobs/operator/rpc"
)

// SyncClient is the operator-facing subset of operatorrpc.IdentitySyncClient
// this package depends on, kept narrow so tests can fake it without a real
// gRPC connection.
type SyncClient interface {
	Sync(ctx context.Context, in *operatorrpc.SyncRequest) (operatorrpc.IdentitySync_SyncClient, error)
}

type syncClientAdapter struct {
	client operatorrpc.IdentitySyncClient
}

// NewSyncClient adapts a generated operatorrpc.IdentitySyncClient (built
// with operatorrpc.NewClient against a grpc.ClientConn) to SyncClient.
func NewSyncClient(client operatorrpc.IdentitySyncClient) SyncClient {
	return &syncClientAdapter{client: client}
}

func (a *syncClientAdapter) Sync(ctx context.Context, in *operatorrpc.SyncRequest) (operatorrpc.IdentitySync_SyncClient, error) {
	return a.client.Sync(ctx, in)
}

// RunSync drives one connection attempt against the operator's
// identity-sync stream: open the stream, apply the initial batch, flip the
// synced gate once sync_complete arrives, then apply incremental updates
// until the stream ends. It returns nil on a clean end-of-stream, and a
// non-nil error on any other disconnect so the caller's retry driver can
// classify and back off.
//
// Cache preservation across a disconnect depends on how the stream ended:
// if the operator's inline shutdown sentinel was observed before the
// stream closed, the cache and synced gate are left intact so enrichment
// keeps serving the last-known view across the reconnect window. Any other
// disconnect (transport failure, DataLoss overflow, process crash) clears
// the cache and unsyncs it, since the agent can no longer trust it reflects
// reality until a fresh snapshot arrives.
func RunSync(ctx context.Context, client SyncClient, cache *Cache) error {
	stream, err := client.Sync(ctx, &operatorrpc.SyncRequest{NodeName: cache.LocalNodeName()})
	if err != nil {
		return fmt.Errorf("ipcache: opening sync stream: %w", err)
	}

	seenBatch := false
	shutdownSeen := false
	for {
		msg, err := stream.Recv()
		if err != nil {
			if !shutdownSeen {
				cache.Clear()
				cache.SetSynced(false)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if len(msg.Batch) > 0 || msg.SyncComplete {
			if !seenBatch {
				cache.Clear()
				for _, u := range msg.Batch {
					cache.Upsert(u.IP, u.Identity)
				}
				seenBatch = true
			}
		}
		if msg.SyncComplete {
			cache.SetSynced(true)
			continue
		}
		if msg.Update != nil {
			if msg.Update.Kind == "shutdown" {
				shutdownSeen = true
				continue
			}
			applyUpdate(cache, msg.Update)
		}
	}
}

func applyUpdate(cache *Cache, u *operatorrpc.SyncUpdate) {
	switch u.Kind {
	case "upsert":
		cache.Upsert(u.IP, u.Identity)
	case "delete":
		cache.Delete(u.IP)
	}
}
