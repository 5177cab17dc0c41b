// Command datalogger is the Go rendition of
// original_source/miosix/_examples/datalogger/main.cpp: a periodic
// producer thread logs a small fixed-size sample through klog.DataLogger
// while buffers are flushed to a file in the background, then reports
// the same dropped/deadline-miss counters the original prints on exit.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joeycumines/tinykernel/kernel"
	"github.com/joeycumines/tinykernel/klog"
	"github.com/joeycumines/tinykernel/sched"
)

// sample mirrors ExampleData: two ints plus a tick timestamp, serialized
// as three little-endian int64s, 24 bytes in all (the original's 30 bytes
// comes from tscpp's variable-length encoding, which this stand-in does
// not replicate).
type sample struct {
	a, b      int64
	timestamp int64
}

func (s sample) marshal() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.a))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.b))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(s.timestamp))
	return buf
}

// fileWriter appends flushed buffers to an *os.File, satisfying
// klog.StorageWriter the way Logger.cpp's fwrite(buf, 1, n, file) does.
type fileWriter struct{ f *os.File }

func (w *fileWriter) WriteBuffer(data []byte) error {
	_, err := w.f.Write(data)
	return err
}

func main() {
	out := flag.String("out", "datalog.bin", "path to the log file written by the background flush thread")
	duration := flag.Duration("duration", 2*time.Second, "how long the periodic producer thread runs before stopping")
	period := flag.Duration("period", 2*time.Millisecond, "producer sample period, per spec.md §8 scenario 2 (2ms/500Hz)")
	flag.Parse()

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("datalogger: creating %s: %v", *out, err)
	}
	defer f.Close()

	k := kernel.New(kernel.WithLogOptions(klog.WithLevel(klog.LevelInfo)))

	dl := klog.NewDataLogger(k.Sched, k.Disc, &fileWriter{f: f},
		klog.WithMaxRecordSize(128),
		klog.WithNumRecords(128),
		klog.WithBufferSize(4096),
		klog.WithNumBuffers(4),
	)
	if err := dl.Start(); err != nil {
		log.Fatalf("datalogger: starting logger: %v", err)
	}

	if _, err := k.SpawnIdle(); err != nil {
		log.Fatalf("datalogger: spawning idle thread: %v", err)
	}

	done := make(chan struct{})
	var missedDeadlines int64
	periodTicks := k.Time.TicksFor(*period)
	_, err = k.Sched.Spawn(sched.ThreadConfig{
		Name:     "producer",
		Priority: 2,
		Entry: func(t *sched.Thread) any {
			var a, b int64
			deadline := k.Time.Now()
			end := time.Now().Add(*duration)
			for time.Now().Before(end) {
				deadline += periodTicks
				k.Sched.SleepUntil(t, deadline)
				now := k.Time.Now()
				if now > deadline {
					b++ // deadline miss
				}
				s := sample{a: a, b: b, timestamp: int64(now)}
				a++
				dl.Log(s.marshal())
			}
			missedDeadlines = b
			dl.Stop(t)
			close(done)
			return nil
		},
	})
	if err != nil {
		log.Fatalf("datalogger: spawning producer thread: %v", err)
	}

	if err := k.Sched.Start(); err != nil {
		log.Fatalf("datalogger: starting scheduler: %v", err)
	}

	<-done
	stats := dl.Stats()
	fmt.Printf("Lost %d samples, missed %d deadlines\n", stats.Dropped, missedDeadlines)
	fmt.Printf("queued=%d too_large=%d buffers_written=%d write_failed=%d\n",
		stats.Queued, stats.TooLarge, stats.BuffersWritten, stats.WriteFailed)
}
