package events

import (
	"errors"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
)

// ErrSourceClosed is returned by Source.Read once the underlying reader has
// been closed, distinguishing a deliberate shutdown from a transient read
// error.
var ErrSourceClosed = errors.New("events: source closed")

// Source abstracts the two kernel record transports: a shared ring buffer
// (kernel >= 5.8) and a per-CPU perf event array fallback. Both expose the
// same blocking Read/Close contract so RunPacketReader and RunDropReader
// don't need to know which one they were handed.
type Source interface {
	// Read blocks until a record is available, the source is closed, or an
	// error occurs. lost is nonzero on a perf source when the kernel
	// dropped records because userspace couldn't keep up with one CPU's
	// buffer; a ring buffer source never reports lost records since all
	// programs share one ring with natural backpressure.
	Read() (raw []byte, lost uint64, err error)
	Close() error
}

// RingbufSource wraps a single shared BPF_MAP_TYPE_RINGBUF map. One OS
// thread blocks in Read across all kernel programs feeding this map.
type RingbufSource struct {
	r *ringbuf.Reader
}

// NewRingbufSource opens m as a ring buffer reader.
func NewRingbufSource(m *ebpf.Map) (*RingbufSource, error) {
	r, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, err
	}
	return &RingbufSource{r: r}, nil
}

func (s *RingbufSource) Read() ([]byte, uint64, error) {
	rec, err := s.r.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return nil, 0, ErrSourceClosed
		}
		return nil, 0, err
	}
	return rec.RawSample, 0, nil
}

func (s *RingbufSource) Close() error { return s.r.Close() }

// PerfSource wraps a perf.Reader over a BPF_MAP_TYPE_PERF_EVENT_ARRAY map;
// that one reader covers every CPU's buffer, so a single reader thread
// blocking in Read serves the whole array.
type PerfSource struct {
	r *perf.Reader
}

// NewPerfSource opens m as a per-CPU perf event reader with the given
// per-CPU buffer size in bytes.
func NewPerfSource(m *ebpf.Map, perCPUBufferSize int) (*PerfSource, error) {
	r, err := perf.NewReader(m, perCPUBufferSize)
	if err != nil {
		return nil, err
	}
	return &PerfSource{r: r}, nil
}

func (s *PerfSource) Read() ([]byte, uint64, error) {
	rec, err := s.r.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return nil, 0, ErrSourceClosed
		}
		return nil, 0, err
	}
	if rec.LostSamples > 0 {
		return nil, rec.LostSamples, nil
	}
	return rec.RawSample, 0, nil
}

func (s *PerfSource) Close() error { return s.r.Close() }
