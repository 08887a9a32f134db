// Package veth watches kernel netlink link events and attaches the
// ingress/egress endpoint programs to every pod veth it discovers,
// detaching them again when the veth disappears.
package veth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/netobs/netobs/agent/ipcache"
)

const (
	qdiscType    = "clsact"
	waitSyncedDeadline = 30 * time.Second
)

var logger = log.WithField("component", "veth.Watcher")

// Watcher discovers pod veths (CNI-agnostic: any link carrying a
// peer-netns reference) and attaches the configured ingress/egress
// programs to each one, preferring TCX and falling back to legacy TC.
type Watcher struct {
	ipc                     *ipcache.Cache
	ingressProg, egressProg *ebpf.Program
	extraInterfaces         map[string]struct{}

	linkLister   func() ([]netlink.Link, error)
	subscribe    func(chan<- netlink.LinkUpdate, <-chan struct{}) error
	neighborList func(ifindex int) ([]netlink.Neigh, error)

	mu          sync.Mutex
	attachments map[int]*attachment
}

// New returns a Watcher that attaches ingressProg/egressProg to discovered
// pod veths, plus any interface named in extraInterfaces regardless of
// whether it carries the pod-veth signal -- a physical device given this
// way is attached unconditionally on first sight. Either program may be nil
// to disable that direction, mirroring the accounter's
// enableIngress/enableEgress toggles.
func New(ipc *ipcache.Cache, ingressProg, egressProg *ebpf.Program, extraInterfaces ...string) *Watcher {
	extra := make(map[string]struct{}, len(extraInterfaces))
	for _, name := range extraInterfaces {
		extra[name] = struct{}{}
	}
	return &Watcher{
		ipc:             ipc,
		ingressProg:     ingressProg,
		egressProg:      egressProg,
		extraInterfaces: extra,
		linkLister:      netlink.LinkList,
		subscribe:       netlink.LinkSubscribe,
		neighborList:    neighborList,
		attachments:     make(map[int]*attachment),
	}
}

func (w *Watcher) isExtra(name string) bool {
	_, ok := w.extraInterfaces[name]
	return ok
}

func neighborList(ifindex int) ([]netlink.Neigh, error) {
	return netlink.NeighList(ifindex, unix.AF_UNSPEC)
}

// Run blocks until ctx is cancelled, processing link dump + live updates.
// Before attaching the first veth it waits (up to 30s) for the IP cache to
// report synced, so the earliest attached flows can still be enriched.
func (w *Watcher) Run(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, waitSyncedDeadline)
	err := w.ipc.WaitSynced(waitCtx)
	cancel()
	if err != nil && ctx.Err() == nil {
		logger.Warn("ip cache not synced within deadline, attaching veths without enrichment guarantee")
	}

	links, err := w.linkLister()
	if err != nil {
		return fmt.Errorf("listing existing links: %w", err)
	}
	for _, l := range links {
		w.handleLink(l)
	}

	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	defer close(done)
	if err := w.subscribe(updates, done); err != nil {
		return fmt.Errorf("subscribing to link updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.detachAll()
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				w.detachAll()
				return nil
			}
			w.handleUpdate(u)
		}
	}
}

func (w *Watcher) handleUpdate(u netlink.LinkUpdate) {
	switch u.Header.Type {
	case unix.RTM_NEWLINK:
		w.handleLink(u.Link)
	case unix.RTM_DELLINK:
		w.detach(int(u.Index))
	}
}

// isPodVeth reports whether l carries the CNI-agnostic pod-veth signal: a
// peer-netns reference in its link attributes (NetNsID >= 0), rather than
// the link's name or type, so any CNI's veth naming scheme is matched.
func isPodVeth(l netlink.Link) bool {
	return l.Attrs().NetNsID >= 0
}

func (w *Watcher) handleLink(l netlink.Link) {
	attrs := l.Attrs()
	if !isPodVeth(l) && !w.isExtra(attrs.Name) {
		return
	}

	w.mu.Lock()
	_, already := w.attachments[attrs.Index]
	w.mu.Unlock()
	if already {
		return
	}

	a, err := w.attach(l)
	if err != nil {
		logger.WithError(err).WithField("iface", attrs.Name).Warn("failed to attach endpoint programs to veth")
		return
	}

	w.mu.Lock()
	w.attachments[attrs.Index] = a
	w.mu.Unlock()

	w.logNeighbor(attrs.Index, attrs.Name)
}

// attach attaches ingress+egress programs to l, preferring TCX with
// head-of-chain ordering and falling back to legacy TC (clsact qdisc +
// direct-action BPF filter at priority 1) when the kernel lacks TCX
// support.
func (w *Watcher) attach(l netlink.Link) (*attachment, error) {
	attrs := l.Attrs()
	a := &attachment{ifindex: attrs.Index, name: attrs.Name}

	if tcx, err := w.attachTCX(attrs.Index); err == nil {
		a.method = methodTCX
		a.tcxIngress, a.tcxEgress = tcx.ingress, tcx.egress
		return a, nil
	} else if !errors.Is(err, ebpf.ErrNotSupported) {
		logger.WithError(err).WithField("iface", attrs.Name).Debug("TCX attach failed, falling back to legacy TC")
	}

	if err := w.attachTC(l, a); err != nil {
		return nil, err
	}
	a.method = methodTC
	return a, nil
}

type tcxPair struct {
	ingress, egress link.Link
}

func (w *Watcher) attachTCX(ifindex int) (tcxPair, error) {
	var pair tcxPair
	if w.ingressProg != nil {
		l, err := link.AttachTCX(link.TCXOptions{
			Program:   w.ingressProg,
			Attach:    ebpf.AttachTCXIngress,
			Interface: ifindex,
			Anchor:    link.Head(),
		})
		if err != nil {
			return tcxPair{}, fmt.Errorf("attaching TCX ingress: %w", err)
		}
		pair.ingress = l
	}
	if w.egressProg != nil {
		l, err := link.AttachTCX(link.TCXOptions{
			Program:   w.egressProg,
			Attach:    ebpf.AttachTCXEgress,
			Interface: ifindex,
			Anchor:    link.Head(),
		})
		if err != nil {
			if pair.ingress != nil {
				pair.ingress.Close()
			}
			return tcxPair{}, fmt.Errorf("attaching TCX egress: %w", err)
		}
		pair.egress = l
	}
	return pair, nil
}

// attachTC falls back to a clsact qdisc with direct-action BPF filters at
// priority 1, the legacy path the kernel takes when TCX is unavailable.
// Filters return TC_ACT_UNSPEC so subsequent programs on the same hook
// still run.
func (w *Watcher) attachTC(l netlink.Link, a *attachment) error {
	attrs := l.Attrs()
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: attrs.Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: qdiscType,
	}
	if err := netlink.QdiscAdd(qdisc); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("creating clsact qdisc on %s: %w", attrs.Name, err)
	}
	a.qdisc = qdisc

	if w.egressProg != nil {
		f := &netlink.BpfFilter{
			FilterAttrs: netlink.FilterAttrs{
				LinkIndex: attrs.Index,
				Parent:    netlink.HANDLE_MIN_EGRESS,
				Handle:    netlink.MakeHandle(0, 1),
				Protocol:  unix.ETH_P_ALL,
				Priority:  1,
			},
			Fd:           w.egressProg.FD(),
			Name:         "tcx_fallback/egress",
			DirectAction: true,
		}
		if err := netlink.FilterAdd(f); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("creating egress filter on %s: %w", attrs.Name, err)
		}
		a.egressFilter = f
	}
	if w.ingressProg != nil {
		f := &netlink.BpfFilter{
			FilterAttrs: netlink.FilterAttrs{
				LinkIndex: attrs.Index,
				Parent:    netlink.HANDLE_MIN_INGRESS,
				Handle:    netlink.MakeHandle(0, 1),
				Protocol:  unix.ETH_P_ALL,
				Priority:  1,
			},
			Fd:           w.ingressProg.FD(),
			Name:         "tcx_fallback/ingress",
			DirectAction: true,
		}
		if err := netlink.FilterAdd(f); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("creating ingress filter on %s: %w", attrs.Name, err)
		}
		a.ingressFilter = f
	}
	return nil
}

func (w *Watcher) detach(ifindex int) {
	w.mu.Lock()
	a, ok := w.attachments[ifindex]
	if ok {
		delete(w.attachments, ifindex)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := a.Close(); err != nil {
		logger.WithError(err).WithField("iface", a.name).Warn("error detaching veth endpoint programs")
	}
}

func (w *Watcher) detachAll() {
	w.mu.Lock()
	all := w.attachments
	w.attachments = make(map[int]*attachment)
	w.mu.Unlock()
	for _, a := range all {
		if err := a.Close(); err != nil {
			logger.WithError(err).WithField("iface", a.name).Warn("error detaching veth endpoint programs")
		}
	}
}

// logNeighbor best-effort resolves the veth's neighbor IP against the IP
// cache and logs the pod it belongs to, purely for operator visibility --
// failure to resolve is not an attachment error.
func (w *Watcher) logNeighbor(ifindex int, name string) {
	neighs, err := w.neighborList(ifindex)
	if err != nil || len(neighs) == 0 {
		return
	}
	for _, n := range neighs {
		if n.IP == nil {
			continue
		}
		id, ok := w.ipc.Get(n.IP.String())
		if !ok {
			continue
		}
		logger.WithFields(log.Fields{
			"iface":     name,
			"namespace": id.Namespace,
			"pod_name":  id.PodName,
		}).Info("attached veth to pod")
		return
	}
}

type attachMethod int

const (
	methodTCX attachMethod = iota
	methodTC
)

// attachment holds whichever handles were created for one veth so Close
// can detach regardless of which method attach picked.
type attachment struct {
	ifindex int
	name    string
	method  attachMethod

	tcxIngress, tcxEgress link.Link

	qdisc         *netlink.GenericQdisc
	ingressFilter *netlink.BpfFilter
	egressFilter  *netlink.BpfFilter
}

func (a *attachment) Close() error {
	var errs []error
	switch a.method {
	case methodTCX:
		if a.tcxIngress != nil {
			if err := a.tcxIngress.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.tcxEgress != nil {
			if err := a.tcxEgress.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	case methodTC:
		if a.ingressFilter != nil {
			if err := netlink.FilterDel(a.ingressFilter); err != nil {
				errs = append(errs, err)
			}
		}
		if a.egressFilter != nil {
			if err := netlink.FilterDel(a.egressFilter); err != nil {
				errs = append(errs, err)
			}
		}
		if a.qdisc != nil {
			if err := netlink.QdiscDel(a.qdisc); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	msg := "detach errors on " + a.name + ":"
	for _, err := range errs {
		msg += " " + err.Error() + ";"
	}
	return errors.New(msg)
}
