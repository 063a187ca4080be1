package receiver

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/airstream/internal/media"
	"github.com/zsiec/airstream/internal/sender"
	"github.com/zsiec/airstream/internal/transport"
)

// ResenderConfig configures a Resender. Conn is required.
type ResenderConfig struct {
	Conn transport.Conn

	SSRC              uint32
	PayloadType       uint8
	TargetPacketSize  int
	MaxNetworkLatency time.Duration

	// FIFOSize bounds both the NAL unit subscription and the outbound
	// sender queue.
	FIFOSize int

	Logger *slog.Logger
}

// ResenderStats combines forwarding and transmit counters.
type ResenderStats struct {
	Sender sender.Stats

	// Dropped counts NAL units not forwarded because the outbound queue
	// was full.
	Dropped uint64
}

// Resender forwards the receiver's depacketized NAL unit stream to
// another destination, before assembly, preserving loss signaling through
// sequence gaps. A receiver with active resenders refuses to Close.
type Resender struct {
	recv   *Receiver
	snd    *sender.Sender
	sub    <-chan media.NALUnit
	unsub  func()
	logger *slog.Logger

	dropped atomic.Uint64
}

// NewResender attaches a resender to the receiver's NAL unit output.
// Returns ErrBusy once the receiver has stopped.
func (r *Receiver) NewResender(cfg ResenderConfig) (*Resender, error) {
	if cfg.Logger == nil {
		cfg.Logger = r.cfg.Logger
	}
	snd, err := sender.New(sender.Config{
		Conn:              cfg.Conn,
		SSRC:              cfg.SSRC,
		PayloadType:       cfg.PayloadType,
		TargetPacketSize:  cfg.TargetPacketSize,
		FIFOSize:          cfg.FIFOSize,
		MaxNetworkLatency: cfg.MaxNetworkLatency,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	rs := &Resender{
		recv:   r,
		snd:    snd,
		logger: cfg.Logger.With("component", "resender"),
	}
	if err := r.addResender(rs); err != nil {
		return nil, err
	}
	rs.sub, rs.unsub = r.hub.subscribeNALU(cfg.FIFOSize)
	return rs, nil
}

// Stats returns forwarding and transmit counters.
func (rs *Resender) Stats() ResenderStats {
	return ResenderStats{Sender: rs.snd.Stats(), Dropped: rs.dropped.Load()}
}

// Run forwards NAL units until ctx is cancelled or the subscription
// closes, then deregisters from the receiver.
func (rs *Resender) Run(ctx context.Context) error {
	defer rs.recv.removeResender(rs)
	defer rs.unsub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rs.snd.Run(gctx) })
	g.Go(func() error { return rs.forward(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (rs *Resender) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-rs.sub:
			if !ok {
				return nil
			}
			desc := sender.NALUDesc{
				Data:      n.Data,
				Timestamp: n.Timestamp,
				LastInAU:  n.LastInAU,
				Metadata:  n.Metadata,
				SyncHint:  n.SyncHint,
				SeqGap:    uint16(n.MissingBefore),
			}
			switch err := rs.snd.SendNALU(desc); {
			case err == nil:
			case errors.Is(err, media.ErrQueueFull):
				rs.dropped.Add(1)
				rs.logger.Debug("resend queue full, dropping", "timestamp", n.Timestamp)
			case errors.Is(err, media.ErrBusy):
				return nil
			default:
				rs.logger.Warn("resend failed", "error", err)
			}
		}
	}
}
