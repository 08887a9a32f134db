package watchers

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	log "github.com/sirupsen/logrus"

	"github.com/netobs/netobs/pkg/identity"
	"github.com/netobs/netobs/pkg/retry"
	"github.com/netobs/netobs/operator/state"
)

const resyncPeriod = 10 * time.Minute

// Run starts all three resource watchers (pods, services, nodes) against
// client, applying every observed object to cache, and blocks until ctx is
// cancelled. Each watcher is independently wrapped in retry.Run so a crashed
// informer restarts without tearing down the other two.
func Run(ctx context.Context, client kubernetes.Interface, cache *state.Cache) {
	go retry.Run(ctx, "watcher.pods", func(ctx context.Context) error { return watchPods(ctx, client, cache) })
	go retry.Run(ctx, "watcher.services", func(ctx context.Context) error { return watchServices(ctx, client, cache) })
	go retry.Run(ctx, "watcher.nodes", func(ctx context.Context) error { return watchNodes(ctx, client, cache) })
	<-ctx.Done()
}

func watchPods(ctx context.Context, client kubernetes.Interface, c *state.Cache) error {
	factory := informers.NewSharedInformerFactory(client, resyncPeriod)
	informer := factory.Core().V1().Pods().Informer()

	apply := func(obj any) {
		pod, ok := obj.(*corev1.Pod)
		if !ok {
			return
		}
		for _, pi := range podIdentities(pod) {
			c.Upsert(pi.IP, state.CachedIdentity{Resource: identity.KindPod, Identity: pi.Identity})
		}
	}
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: apply,
		UpdateFunc: func(_, newObj any) {
			apply(newObj)
		},
		DeleteFunc: func(obj any) {
			pod, ok := dehollow[*corev1.Pod](obj)
			if !ok {
				return
			}
			for _, pi := range podIdentities(pod) {
				c.Delete(pi.IP, identity.KindPod)
			}
		},
	})
	if err != nil {
		return err
	}
	return runInformer(ctx, factory, informer, "pods")
}

func watchServices(ctx context.Context, client kubernetes.Interface, c *state.Cache) error {
	factory := informers.NewSharedInformerFactory(client, resyncPeriod)
	informer := factory.Core().V1().Services().Informer()

	apply := func(obj any) {
		svc, ok := obj.(*corev1.Service)
		if !ok {
			return
		}
		for _, si := range serviceIdentities(svc) {
			c.Upsert(si.IP, state.CachedIdentity{Resource: identity.KindService, Identity: si.Identity})
		}
	}
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: apply,
		UpdateFunc: func(_, newObj any) {
			apply(newObj)
		},
		DeleteFunc: func(obj any) {
			svc, ok := dehollow[*corev1.Service](obj)
			if !ok {
				return
			}
			for _, si := range serviceIdentities(svc) {
				c.Delete(si.IP, identity.KindService)
			}
		},
	})
	if err != nil {
		return err
	}
	return runInformer(ctx, factory, informer, "services")
}

func watchNodes(ctx context.Context, client kubernetes.Interface, c *state.Cache) error {
	factory := informers.NewSharedInformerFactory(client, resyncPeriod)
	informer := factory.Core().V1().Nodes().Informer()

	apply := func(obj any) {
		n, ok := obj.(*corev1.Node)
		if !ok {
			return
		}
		for _, ni := range nodeIdentities(n) {
			c.Upsert(ni.IP, state.CachedIdentity{Resource: identity.KindNode, Identity: ni.Identity})
		}
	}
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: apply,
		UpdateFunc: func(_, newObj any) {
			apply(newObj)
		},
		DeleteFunc: func(obj any) {
			n, ok := dehollow[*corev1.Node](obj)
			if !ok {
				return
			}
			for _, ni := range nodeIdentities(n) {
				c.Delete(ni.IP, identity.KindNode)
			}
		},
	})
	if err != nil {
		return err
	}
	return runInformer(ctx, factory, informer, "nodes")
}

// runInformer starts informer and blocks until its cache has synced or ctx
// ends, then waits for ctx cancellation (a waitForCacheSync timeout
// discipline generalized to run indefinitely under retry.Run rather than
// exiting after the initial sync).
func runInformer(ctx context.Context, factory informers.SharedInformerFactory, informer cache.SharedIndexInformer, name string) error {
	factory.Start(ctx.Done())

	syncCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if !cache.WaitForCacheSync(syncCtx.Done(), informer.HasSynced) {
		log.WithField("watcher", name).Warn("timed out waiting for cache sync")
	} else {
		log.WithField("watcher", name).Info("cache synced")
	}

	<-ctx.Done()
	return nil
}

// dehollow unwraps the cache.DeletedFinalStateUnknown tombstone that
// informers deliver when a delete event is missed and later reconciled,
// per the standard client-go idiom.
func dehollow[T any](obj any) (T, bool) {
	if typed, ok := obj.(T); ok {
		return typed, true
	}
	if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		typed, ok := tomb.Obj.(T)
		return typed, ok
	}
	var zero T
	return zero, false
}
