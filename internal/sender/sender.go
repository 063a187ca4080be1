// Package sender drives the wire side of the stream: NAL units are queued
// on a bounded FIFO, packetized, paced, and written to a datagram
// transport. Every accepted NAL unit receives exactly one terminal status
// callback: sent or cancelled.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/airstream/internal/media"
	"github.com/zsiec/airstream/internal/rtp"
	"github.com/zsiec/airstream/internal/transport"
)

// DefaultFIFOSize is the default capacity of the NALU queue.
const DefaultFIFOSize = 1024

// Status is the terminal disposition of an accepted NAL unit.
type Status int

// Terminal statuses.
const (
	StatusSent Status = iota
	StatusCancelled
)

// String returns the status name for logging.
func (s Status) String() string {
	if s == StatusSent {
		return "sent"
	}
	return "cancelled"
}

// NALUDesc describes one NAL unit to send.
type NALUDesc struct {
	// Data is the complete NAL unit, header byte included, no start code.
	Data []byte

	// Timestamp is the access-unit timestamp in microseconds, sender
	// clock. All NAL units of one AU share it. Must be non-zero. The wire
	// carries the 90 kHz media clock, so values off that grid are rounded
	// to the nearest tick (about 11.1 µs) in transit.
	Timestamp uint64

	// LastInAU marks the access unit's final NAL unit; it carries the
	// RTP marker bit.
	LastInAU bool

	// Metadata rides the header extension on the AU's first packet.
	Metadata []byte

	// SyncHint advertises the AU's synchronization role.
	SyncHint media.SyncType

	// SeqGap forces a sequence number discontinuity of this many packets
	// before sending, registering as loss at receivers.
	SeqGap uint16

	// UserData is opaque to the sender and handed back in the status
	// callback.
	UserData any
}

// StatusFunc receives the terminal status of an accepted NAL unit. Called
// from the sender's worker goroutine.
type StatusFunc func(desc NALUDesc, status Status)

// Config configures a Sender. Conn is required.
type Config struct {
	Conn transport.Conn

	SSRC             uint32
	PayloadType      uint8
	TargetPacketSize int

	// FIFOSize bounds the NALU queue; SendNALU fails fast with
	// ErrQueueFull at capacity.
	FIFOSize int

	// MaxNetworkLatency, when non-zero, spreads a fragmented NAL unit's
	// packets over at most this duration instead of bursting them.
	MaxNetworkLatency time.Duration

	OnStatus StatusFunc
	Logger   *slog.Logger
}

// Stats are lifetime counters, readable concurrently.
type Stats struct {
	NALUsAccepted  uint64
	NALUsSent      uint64
	NALUsCancelled uint64
	PacketsSent    uint64
	BytesSent      uint64
}

// Sender owns the NALU FIFO and the packetization loop. SendNALU may be
// called from any goroutine; Run must be driven by exactly one.
type Sender struct {
	cfg    Config
	logger *slog.Logger
	pkt    *rtp.Packetizer

	mu      sync.RWMutex
	stopped bool
	queue   chan NALUDesc
	flushCh chan chan struct{}

	lastTS uint64 // timestamp of the AU currently being packetized

	accepted  atomic.Uint64
	sent      atomic.Uint64
	cancelled atomic.Uint64
	packets   atomic.Uint64
	bytes     atomic.Uint64
}

// New returns a Sender for the given configuration.
func New(cfg Config) (*Sender, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("%w: transport connection required", media.ErrBadParameters)
	}
	if cfg.FIFOSize <= 0 {
		cfg.FIFOSize = DefaultFIFOSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pkt, err := rtp.NewPacketizer(rtp.PacketizerConfig{
		SSRC:             cfg.SSRC,
		PayloadType:      cfg.PayloadType,
		TargetPacketSize: cfg.TargetPacketSize,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "sender"),
		pkt:     pkt,
		queue:   make(chan NALUDesc, cfg.FIFOSize),
		flushCh: make(chan chan struct{}),
	}, nil
}

// Stats returns lifetime counters.
func (s *Sender) Stats() Stats {
	return Stats{
		NALUsAccepted:  s.accepted.Load(),
		NALUsSent:      s.sent.Load(),
		NALUsCancelled: s.cancelled.Load(),
		PacketsSent:    s.packets.Load(),
		BytesSent:      s.bytes.Load(),
	}
}

// SendNALU validates and enqueues one NAL unit. Fails fast: ErrBadParameters
// for an invalid descriptor, ErrQueueFull at capacity, ErrBusy after the
// sender has stopped. Never blocks.
func (s *Sender) SendNALU(desc NALUDesc) error {
	if len(desc.Data) == 0 {
		return fmt.Errorf("%w: empty NAL unit", media.ErrBadParameters)
	}
	if desc.Timestamp == 0 {
		return fmt.Errorf("%w: zero timestamp", media.ErrBadParameters)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return media.ErrBusy
	}
	select {
	case s.queue <- desc:
		s.accepted.Add(1)
		return nil
	default:
		return media.ErrQueueFull
	}
}

// Flush cancels every queued NAL unit, invoking their cancelled callbacks,
// and returns once the queue is empty. The NAL unit being transmitted when
// Flush arrives still completes as sent.
func (s *Sender) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushCh <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run transmits queued NAL units until ctx is cancelled, then cancels
// whatever remains queued. Returns ctx.Err.
func (s *Sender) Run(ctx context.Context) error {
	s.logger.Info("sender started", "fifo_size", cap(s.queue))
	defer s.logger.Info("sender stopped")

	for {
		// A pending flush outranks queued NAL units.
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ack := <-s.flushCh:
			s.drainCancel()
			close(ack)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ack := <-s.flushCh:
			s.drainCancel()
			close(ack)
		case desc := <-s.queue:
			s.transmit(ctx, desc)
		}
	}
}

// shutdown marks the sender stopped and cancels the queue. After it
// returns no further NAL units can be accepted.
func (s *Sender) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.drainCancel()
}

func (s *Sender) drainCancel() {
	for {
		select {
		case desc := <-s.queue:
			s.finish(desc, StatusCancelled)
		default:
			return
		}
	}
}

func (s *Sender) finish(desc NALUDesc, status Status) {
	if status == StatusSent {
		s.sent.Add(1)
	} else {
		s.cancelled.Add(1)
	}
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(desc, status)
	}
}

func (s *Sender) transmit(ctx context.Context, desc NALUDesc) {
	if desc.SeqGap > 0 {
		s.pkt.SkipSequence(desc.SeqGap)
	}

	firstInAU := desc.Timestamp != s.lastTS
	if firstInAU {
		s.lastTS = desc.Timestamp
	}

	pkts, err := s.pkt.PacketizeNALU(desc.Data, desc.Timestamp,
		firstInAU, desc.LastInAU, desc.SyncHint, desc.Metadata)
	if err != nil {
		s.logger.Warn("packetize failed", "error", err)
		s.finish(desc, StatusCancelled)
		return
	}

	var pace time.Duration
	if s.cfg.MaxNetworkLatency > 0 && len(pkts) > 1 {
		pace = s.cfg.MaxNetworkLatency / time.Duration(len(pkts))
	}

	for i, pkt := range pkts {
		raw, err := pkt.Marshal()
		if err != nil {
			s.logger.Warn("packet marshal failed", "error", err)
			s.finish(desc, StatusCancelled)
			return
		}
		if err := s.cfg.Conn.WriteDatagram(ctx, raw); err != nil {
			s.logger.Warn("datagram write failed", "error", err)
			s.finish(desc, StatusCancelled)
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(raw)))

		if pace > 0 && i < len(pkts)-1 {
			timer := time.NewTimer(pace)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				// Already on the wire in part; report as sent.
			}
		}
	}
	s.finish(desc, StatusSent)
}
