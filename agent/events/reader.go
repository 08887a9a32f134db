package events

import (
	"context"
	"errors"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/netobs/netobs/agent/conntrack"
)

// LostHandler is called whenever a source reports lost records, labelled by
// its transport ("ring" or "perf") and a short reason.
type LostHandler func(sourceType, reason string)

// RunPacketReader dedicates the calling goroutine's OS thread to src for its
// entire lifetime (kernel record readers are deliberately kept off the
// async scheduler so a slow handler never stalls other goroutines sharing
// that thread). It blocks until ctx is cancelled or src is closed,
// validating, decoding and conntrack-processing every record, invoking
// onPacket only for samples conntrack.Table.Process marks reportable.
func RunPacketReader(ctx context.Context, src Source, sourceType string, ct *conntrack.Table, onPacket func(PacketEvent), onLost LostHandler) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			src.Close()
		case <-stop:
		}
	}()

	for {
		raw, lost, err := src.Read()
		if err != nil {
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if lost > 0 {
			if onLost != nil {
				onLost(sourceType, "buffer_overflow")
			}
			continue
		}

		sample, err := DecodePacketSample(raw)
		if err != nil {
			log.WithField("source", sourceType).WithError(err).Debug("dropping short packet record")
			continue
		}

		rep := ct.Process(conntrack.Packet{
			Key:     sample.key(),
			Flags:   sample.Flags,
			Bytes:   sample.Bytes,
			Obs:     sample.ObservationPoint,
			Sampled: sample.Sampled,
		})
		if !rep.ShouldReport || onPacket == nil {
			continue
		}
		onPacket(buildPacketEvent(sample, rep))
	}
}

// RunDropReader is RunPacketReader's drop-event counterpart: no conntrack
// involvement, every decodable record is handed to onDrop.
func RunDropReader(ctx context.Context, src Source, sourceType string, onDrop func(DropEvent), onLost LostHandler) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			src.Close()
		case <-stop:
		}
	}()

	for {
		raw, lost, err := src.Read()
		if err != nil {
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if lost > 0 {
			if onLost != nil {
				onLost(sourceType, "buffer_overflow")
			}
			continue
		}

		drop, err := DecodeDropEvent(raw)
		if err != nil {
			log.WithField("source", sourceType).WithError(err).Debug("dropping short drop record")
			continue
		}
		if onDrop != nil {
			onDrop(drop)
		}
	}
}
