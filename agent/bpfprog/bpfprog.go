// Package bpfprog loads the agent's compiled kernel programs and maps from
// an object file built outside this module (clang/llvm are not part of the
// Go build), grounded on the netobserv-agent tracer's LoadAndAssign pattern.
package bpfprog

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// Objects mirrors the handles a bpf2go-generated bpfObjects struct exposes:
// the TC/TCX ingress and egress programs attached per pod veth, and the two
// kernel event maps agent/events reads packet and drop records from.
type Objects struct {
	TCIngress *ebpf.Program `ebpf:"tc_ingress"`
	TCEgress  *ebpf.Program `ebpf:"tc_egress"`

	Flows     *ebpf.Map `ebpf:"flows"`
	Drops     *ebpf.Map `ebpf:"drops"`
	DropStats *ebpf.Map `ebpf:"drop_stats"`
}

// Close releases every loaded program and map. Safe to call on a
// zero-value Objects (e.g. after a failed Load): each field is checked for
// nil before closing, since a typed nil pointer stored in an interface
// would otherwise compare non-nil and panic inside Close.
func (o *Objects) Close() error {
	var err error
	record := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	if o.TCIngress != nil {
		record(o.TCIngress.Close())
	}
	if o.TCEgress != nil {
		record(o.TCEgress.Close())
	}
	if o.Flows != nil {
		record(o.Flows.Close())
	}
	if o.Drops != nil {
		record(o.Drops.Close())
	}
	if o.DropStats != nil {
		record(o.DropStats.Close())
	}
	return err
}

// LoadOptions overrides the ring-buffer-backed event maps' capacity before
// load. A zero value leaves the compiled object's own max_entries in place.
// Sizes are rounded up to a power of two by the kernel; this package does
// not repeat that validation, it just forwards the configured value.
type LoadOptions struct {
	FlowRingBufferSize uint32
	DropRingBufferSize uint32
}

// Load reads the compiled object file at path and assigns its programs and
// maps into an Objects. Kernel verifier rejections and missing BTF surface
// here as a plain error; the caller decides whether a failed load is fatal
// (agent startup) or degrades gracefully (veth attach skipped, kernel event
// readers disabled).
func Load(path string, opts LoadOptions) (*Objects, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("bpfprog: loading collection spec from %s: %w", path, err)
	}

	if opts.FlowRingBufferSize > 0 {
		if m, ok := spec.Maps["flows"]; ok {
			m.MaxEntries = opts.FlowRingBufferSize
		}
	}
	if opts.DropRingBufferSize > 0 {
		if m, ok := spec.Maps["drops"]; ok {
			m.MaxEntries = opts.DropRingBufferSize
		}
	}

	var objs Objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return nil, fmt.Errorf("bpfprog: loading and assigning objects from %s: %w", path, err)
	}
	return &objs, nil
}
