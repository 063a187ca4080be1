// Package record persists received access units: a bounded FIFO feeds a
// writer goroutine that appends length-prefixed records, reporting a
// terminal status per access unit.
package record

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/airstream/internal/media"
)

// DefaultFIFOSize bounds the access-unit queue.
const DefaultFIFOSize = 64

// Status is the terminal disposition of a pushed access unit.
type Status int

// Terminal statuses.
const (
	StatusRecorded Status = iota
	StatusFailed
	StatusCancelled
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusRecorded:
		return "recorded"
	case StatusFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

// StatusFunc receives each access unit's terminal status. err is non-nil
// only for StatusFailed. Called from the recorder's worker goroutine.
type StatusFunc func(au *media.AccessUnit, status Status, err error)

// Config configures a Recorder. W is required.
type Config struct {
	// W receives the record stream. Each record is an 8-byte big-endian
	// timestamp, a 4-byte big-endian length, then the access unit bytes
	// in their configured framing.
	W io.Writer

	FIFOSize int
	OnStatus StatusFunc
	Logger   *slog.Logger
}

// Stats are lifetime counters, readable concurrently.
type Stats struct {
	Recorded     uint64
	Failed       uint64
	Cancelled    uint64
	BytesWritten uint64
}

// Recorder consumes access units onto stable storage. Push may be called
// from any goroutine; Run must be driven by exactly one.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
	queue   chan *media.AccessUnit

	recorded  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	bytes     atomic.Uint64
}

// New returns a Recorder writing to cfg.W.
func New(cfg Config) (*Recorder, error) {
	if cfg.W == nil {
		return nil, fmt.Errorf("%w: writer required", media.ErrBadParameters)
	}
	if cfg.FIFOSize <= 0 {
		cfg.FIFOSize = DefaultFIFOSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "recorder"),
		queue:  make(chan *media.AccessUnit, cfg.FIFOSize),
	}, nil
}

// Stats returns lifetime counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded:     r.recorded.Load(),
		Failed:       r.failed.Load(),
		Cancelled:    r.cancelled.Load(),
		BytesWritten: r.bytes.Load(),
	}
}

// Push enqueues one access unit. Fails fast: ErrQueueFull at capacity,
// ErrBusy after the recorder has stopped.
func (r *Recorder) Push(au *media.AccessUnit) error {
	if au == nil || len(au.Data) == 0 {
		return fmt.Errorf("%w: empty access unit", media.ErrBadParameters)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return media.ErrBusy
	}
	select {
	case r.queue <- au:
		return nil
	default:
		return media.ErrQueueFull
	}
}

// Run writes queued access units until ctx is cancelled, then cancels
// whatever remains queued.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info("recorder started", "fifo_size", cap(r.queue))
	defer r.logger.Info("recorder stopped")

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case au := <-r.queue:
			r.write(au)
		}
	}
}

func (r *Recorder) shutdown() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	for {
		select {
		case au := <-r.queue:
			r.finish(au, StatusCancelled, nil)
		default:
			return
		}
	}
}

func (r *Recorder) finish(au *media.AccessUnit, status Status, err error) {
	switch status {
	case StatusRecorded:
		r.recorded.Add(1)
	case StatusFailed:
		r.failed.Add(1)
	default:
		r.cancelled.Add(1)
	}
	if r.cfg.OnStatus != nil {
		r.cfg.OnStatus(au, status, err)
	}
}

func (r *Recorder) write(au *media.AccessUnit) {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], au.Timestamp)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(au.Data)))

	if _, err := r.cfg.W.Write(hdr[:]); err != nil {
		r.logger.Warn("record write failed", "error", err)
		r.finish(au, StatusFailed, err)
		return
	}
	if _, err := r.cfg.W.Write(au.Data); err != nil {
		r.logger.Warn("record write failed", "error", err)
		r.finish(au, StatusFailed, err)
		return
	}
	r.bytes.Add(uint64(12 + len(au.Data)))
	r.finish(au, StatusRecorded, nil)
}
