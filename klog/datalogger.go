package klog

import (
	"sync/atomic"

	"github.com/joeycumines/tinykernel/irq"
	"github.com/joeycumines/tinykernel/kqueue"
	"github.com/joeycumines/tinykernel/nbuf"
	"github.com/joeycumines/tinykernel/sched"
)

// Result is the outcome of a nonblocking Log call (spec.md §4.11).
type Result int

const (
	Queued Result = iota
	Dropped
	Ignored
	TooLarge
)

func (r Result) String() string {
	switch r {
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	case Ignored:
		return "ignored"
	case TooLarge:
		return "too-large"
	default:
		return "unknown"
	}
}

// Stats is the Logger backpressure / deadline-miss counter snapshot
// (SPEC_FULL.md's "Added components" §2), modeled directly on
// original_source/miosix/_examples/datalogger/Logger.cpp's Stats struct
// (statQueuedSamples, statDroppedSamples, statTooLargeSamples,
// statBufferFilled, statBufferWritten, statWriteFailed).
type Stats struct {
	Queued         uint64
	Dropped        uint64
	TooLarge       uint64
	BuffersFilled  uint64
	BuffersWritten uint64
	WriteFailed    uint64
}

// StorageWriter is the out-of-core collaborator the write thread flushes
// full buffers to (spec.md §6: "a byte-oriented write with a completion
// predicate"), standing in for Logger.cpp's fwrite to an SD card file.
type StorageWriter interface {
	WriteBuffer(data []byte) error
}

// record is a pre-allocated, fixed-capacity slot a single log() caller
// owns for the duration of one call — Logger.cpp's Record.
type record struct {
	data []byte
	size int
}

// dataLoggerConfig is built up by DataLoggerOption values.
type dataLoggerConfig struct {
	maxRecordSize int
	numRecords    int
	bufferSize    int
	numBuffers    int
	priority      sched.Priority
}

// DataLoggerOption configures a DataLogger constructed by NewDataLogger.
type DataLoggerOption func(*dataLoggerConfig)

// WithMaxRecordSize overrides the per-record capacity cap (default 64
// bytes); log() calls serializing past this return TooLarge.
func WithMaxRecordSize(n int) DataLoggerOption {
	return func(c *dataLoggerConfig) { c.maxRecordSize = n }
}

// WithNumRecords overrides the depth of the empty/full Record FIFOs
// (default 16).
func WithNumRecords(n int) DataLoggerOption {
	return func(c *dataLoggerConfig) { c.numRecords = n }
}

// WithBufferSize overrides each N-Buffer slot's capacity in bytes
// (default 4096).
func WithBufferSize(n int) DataLoggerOption {
	return func(c *dataLoggerConfig) { c.bufferSize = n }
}

// WithNumBuffers overrides the N-Buffer Queue's buffer count (default 4,
// must be >= 2 per spec.md §4.8).
func WithNumBuffers(n int) DataLoggerOption {
	return func(c *dataLoggerConfig) { c.numBuffers = n }
}

// WithThreadPriority overrides the pack/write thread priority (default
// 1, matching Logger.cpp's Thread::create(..., 1, ...)).
func WithThreadPriority(p sched.Priority) DataLoggerOption {
	return func(c *dataLoggerConfig) { c.priority = p }
}

// DataLogger is the Logger representative client of spec.md §4.11: a
// nonblocking per-call Log bridging into two worker threads that bridge
// Record-level traffic into bulk Buffer writes, exercising kqueue (FQ)
// and nbuf (NB) simultaneously — a deliberate choice to route Buffers
// through nbuf rather than Logger.cpp's own std::queue shortcut, per
// SPEC_FULL.md's explicit statement that this component exercises every
// core contract at once.
type DataLogger struct {
	sched *sched.Scheduler
	disc  *irq.Discipline
	writer StorageWriter

	maxRecordSize int

	recordsEmpty *kqueue.Queue[*record]
	recordsFull  *kqueue.Queue[*record]
	buffers      *nbuf.Queue[byte]

	stopSentinel *record
	priority     sched.Priority

	started atomic.Bool
	pack    *sched.Thread
	write   *sched.Thread

	statQueued         atomic.Uint64
	statDropped        atomic.Uint64
	statTooLarge       atomic.Uint64
	statBuffersFilled  atomic.Uint64
	statBuffersWritten atomic.Uint64
	statWriteFailed    atomic.Uint64
}

// NewDataLogger constructs a DataLogger. Call Start to spawn its pack and
// write threads before calling Log.
func NewDataLogger(s *sched.Scheduler, disc *irq.Discipline, writer StorageWriter, opts ...DataLoggerOption) *DataLogger {
	cfg := &dataLoggerConfig{
		maxRecordSize: 64,
		numRecords:    16,
		bufferSize:    4096,
		numBuffers:    4,
		priority:      1,
	}
	for _, o := range opts {
		o(cfg)
	}

	l := &DataLogger{
		sched:         s,
		disc:          disc,
		writer:        writer,
		maxRecordSize: cfg.maxRecordSize,
		priority:      cfg.priority,
		stopSentinel:  &record{},
	}

	l.recordsEmpty = kqueue.New[*record](s, disc, cfg.numRecords)
	l.recordsFull = kqueue.New[*record](s, disc, cfg.numRecords)
	for i := 0; i < cfg.numRecords; i++ {
		if !l.recordsEmpty.IRQTryPut(&record{data: make([]byte, cfg.maxRecordSize)}) {
			panic("klog: unreachable: fresh empty-records queue rejected a put")
		}
	}

	l.buffers = nbuf.New[byte](s, disc, cfg.bufferSize, cfg.numBuffers)

	return l
}

// Log is the nonblocking public operation of spec.md §4.11. It never
// blocks, so it never holds a mutex long enough to contend with
// real-time producers (the invariant Logger.cpp's own design note about
// adding Records specifically exists to preserve).
func (l *DataLogger) Log(data []byte) Result {
	if !l.started.Load() {
		return Ignored
	}

	rec, ok := l.recordsEmpty.IRQTryGet()
	if !ok {
		l.statDropped.Add(1)
		return Dropped
	}

	if len(data) > len(rec.data) {
		if !l.recordsEmpty.IRQTryPut(rec) {
			panic("klog: unreachable: returning a just-taken record overflowed the empty queue")
		}
		l.statTooLarge.Add(1)
		return TooLarge
	}

	rec.size = copy(rec.data, data)
	if !l.recordsFull.IRQTryPut(rec) {
		panic("klog: unreachable: full-records queue has the same capacity as empty-records")
	}
	l.statQueued.Add(1)
	return Queued
}

// Start spawns the pack and write threads (spec.md §4.11) and begins
// accepting Log calls.
func (l *DataLogger) Start() error {
	pack, err := l.sched.Spawn(sched.ThreadConfig{
		Name:     "klog-pack",
		Priority: l.priority,
		Joinable: true,
		Entry:    l.packThreadBody,
	})
	if err != nil {
		return err
	}
	write, err := l.sched.Spawn(sched.ThreadConfig{
		Name:     "klog-write",
		Priority: l.priority,
		Joinable: true,
		Entry:    l.writeThreadBody,
	})
	if err != nil {
		return err
	}
	l.pack = pack
	l.write = write
	l.started.Store(true)
	return nil
}

// Stop requests the pack thread to drain and exit, then the write
// thread, blocking the calling thread (spec.md §4.12's join semantics)
// until every queued Record and partially filled Buffer has been
// flushed — the invariant Logger.cpp's stop() documents.
func (l *DataLogger) Stop(t *sched.Thread) {
	if !l.started.CompareAndSwap(true, false) {
		return
	}
	l.recordsFull.Put(t, l.stopSentinel)
	_, _ = l.sched.Join(l.pack)
	_, _ = l.sched.Join(l.write)
}

// Stats returns a snapshot of the backpressure/deadline-miss counters.
func (l *DataLogger) Stats() Stats {
	return Stats{
		Queued:         l.statQueued.Load(),
		Dropped:        l.statDropped.Load(),
		TooLarge:       l.statTooLarge.Load(),
		BuffersFilled:  l.statBuffersFilled.Load(),
		BuffersWritten: l.statBuffersWritten.Load(),
		WriteFailed:    l.statWriteFailed.Load(),
	}
}

// packThreadBody dequeues Records, memcopies them into the
// currently-acquired Buffer; when a Buffer cannot hold another
// max-sized Record, it publishes the Buffer and acquires the next empty
// one (spec.md §4.11). On the stop sentinel, it publishes the current
// Buffer, then publishes one more Buffer carrying a negative actualSize
// as the stop marker for the write thread — nbuf has no null-buffer
// concept of its own, so a reserved out-of-band size stands in for
// Logger.cpp's literal nullptr buffer.
func (l *DataLogger) packThreadBody(t *sched.Thread) any {
	for {
		buf := l.buffers.GetWritable(t)
		n := 0
		for {
			rec := l.recordsFull.Get(t)

			if rec == l.stopSentinel {
				l.buffers.IRQMarkFilled(n)
				l.statBuffersFilled.Add(1)

				_ = l.buffers.GetWritable(t)
				l.buffers.IRQMarkFilled(-1)
				return nil
			}

			copy(buf[n:], rec.data[:rec.size])
			n += rec.size
			l.recordsEmpty.Put(t, rec)

			if len(buf)-n < l.maxRecordSize {
				break
			}
		}
		l.buffers.IRQMarkFilled(n)
		l.statBuffersFilled.Add(1)
	}
}

// writeThreadBody dequeues full Buffers, writes them to storage, and
// returns emptied Buffers to the empty list. On the stop marker it exits
// without writing (spec.md §4.11).
func (l *DataLogger) writeThreadBody(t *sched.Thread) any {
	for {
		buf, n := l.buffers.GetReadable(t)
		if n < 0 {
			l.buffers.IRQMarkEmptied()
			return nil
		}

		if err := l.writer.WriteBuffer(buf[:n]); err != nil {
			l.statWriteFailed.Add(1)
		} else {
			l.statBuffersWritten.Add(1)
		}

		l.buffers.IRQMarkEmptied()
	}
}
