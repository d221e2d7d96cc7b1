package transport

import (
	"sync"
	"time"

	"github.com/topgundb/topgun/pkg/log"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
)

// WriterConfig sets the coalescing triggers. Any one trigger firing forces
// an immediate flush: queue length, queued bytes, or delay since the first
// unflushed enqueue.
type WriterConfig struct {
	MaxBatchSize  int
	MaxDelay      time.Duration
	MaxBatchBytes int
}

// Presets tuned for different session profiles.
func ConservativeWriter() WriterConfig {
	return WriterConfig{MaxBatchSize: 100, MaxDelay: 2 * time.Millisecond, MaxBatchBytes: 64 << 10}
}

func BalancedWriter() WriterConfig {
	return WriterConfig{MaxBatchSize: 300, MaxDelay: 2 * time.Millisecond, MaxBatchBytes: 128 << 10}
}

func HighThroughputWriter() WriterConfig {
	return WriterConfig{MaxBatchSize: 500, MaxDelay: 2 * time.Millisecond, MaxBatchBytes: 256 << 10}
}

func AggressiveWriter() WriterConfig {
	return WriterConfig{MaxBatchSize: 1000, MaxDelay: 5 * time.Millisecond, MaxBatchBytes: 512 << 10}
}

// WriterStats is a point-in-time snapshot of one writer's counters.
type WriterStats struct {
	MessagesSent     uint64
	BatchesSent      uint64
	BytesSent        uint64
	ImmediateFlushes uint64
	TimedFlushes     uint64
	Pending          int
	// BatchUtilization is average messages per batch over MaxBatchSize.
	BatchUtilization float64
}

// Writer coalesces outbound messages for one session. Urgent writes bypass
// the queue entirely and go out before any scheduled flush. Writes to a
// socket that is no longer writable are dropped silently; the session close
// path owns cleanup, and delivery accounting lives in the write-concern
// tracker, not here.
type Writer struct {
	conn Conn
	cfg  WriterConfig

	mu          sync.Mutex
	queue       [][]byte
	queuedBytes int
	timer       *time.Timer
	closed      bool

	stats WriterStats
}

// NewWriter wraps an outbound transport with the given coalescing config.
func NewWriter(conn Conn, cfg WriterConfig) *Writer {
	if cfg.MaxBatchSize <= 0 {
		cfg = BalancedWriter()
	}
	return &Writer{conn: conn, cfg: cfg}
}

// Write serializes a frame and enqueues it, or sends it immediately when
// urgent.
func (w *Writer) Write(frame *protocol.Frame, urgent bool) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return w.WriteRaw(data, urgent)
}

// WriteRaw enqueues a preserialized message.
func (w *Writer) WriteRaw(data []byte, urgent bool) error {
	if urgent {
		w.mu.Lock()
		if w.closed || !w.conn.Alive() {
			w.mu.Unlock()
			return nil
		}
		w.stats.MessagesSent++
		w.stats.BytesSent += uint64(len(data))
		w.mu.Unlock()
		metrics.WriterMessagesSent.Inc()
		metrics.WriterBytesSent.Add(float64(len(data)))
		if err := w.conn.WriteMessage(data); err != nil {
			logger := log.WithComponent("writer")
			logger.Debug().Err(err).Msg("urgent write dropped")
		}
		return nil
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.queue = append(w.queue, data)
	w.queuedBytes += len(data)
	w.stats.MessagesSent++
	metrics.WriterMessagesSent.Inc()

	if len(w.queue) >= w.cfg.MaxBatchSize || w.queuedBytes >= w.cfg.MaxBatchBytes {
		w.stats.ImmediateFlushes++
		metrics.WriterImmediateFlushes.Inc()
		w.flushLocked()
		w.mu.Unlock()
		return nil
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.MaxDelay, w.timedFlush)
	}
	w.mu.Unlock()
	return nil
}

func (w *Writer) timedFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(w.queue) == 0 {
		w.timer = nil
		return
	}
	w.stats.TimedFlushes++
	metrics.WriterTimedFlushes.Inc()
	w.flushLocked()
}

// Flush drains the queue synchronously.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

// flushLocked sends the queued messages: a single message as-is, multiple
// wrapped in the BATCH envelope. Callers hold w.mu.
func (w *Writer) flushLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.queue) == 0 {
		return
	}
	queue := w.queue
	w.queue = nil
	w.queuedBytes = 0

	if !w.conn.Alive() {
		// Socket is going away; the close path cleans up.
		return
	}

	var payload []byte
	if len(queue) == 1 {
		payload = queue[0]
	} else {
		var err error
		payload, err = protocol.EncodeBatchFrame(queue)
		if err != nil {
			logger := log.WithComponent("writer")
			logger.Error().Err(err).Msg("failed to encode batch envelope")
			return
		}
	}

	w.stats.BatchesSent++
	w.stats.BytesSent += uint64(len(payload))
	metrics.WriterBatchesSent.Inc()
	metrics.WriterBytesSent.Add(float64(len(payload)))

	if err := w.conn.WriteMessage(payload); err != nil {
		logger := log.WithComponent("writer")
		logger.Debug().Err(err).Int("messages", len(queue)).Msg("flush dropped")
	}
}

// Close flushes pending messages and releases the writer. Idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.flushLocked()
	w.closed = true
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Pending = len(w.queue)
	if s.BatchesSent > 0 {
		avg := float64(s.MessagesSent) / float64(s.BatchesSent)
		s.BatchUtilization = avg / float64(w.cfg.MaxBatchSize)
	}
	return s
}
