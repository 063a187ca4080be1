// Package receiver orchestrates the receive pipeline: datagrams from the
// stream transport through RTP depacketization and access-unit assembly,
// the RTCP control loop alongside, and fan-out of the results to any
// number of subscribers and resenders.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/airstream/internal/assemble"
	"github.com/zsiec/airstream/internal/control"
	"github.com/zsiec/airstream/internal/media"
	"github.com/zsiec/airstream/internal/rtp"
	"github.com/zsiec/airstream/internal/transport"
)

// Config configures a Receiver. StreamConn is required; ControlConn is
// optional and enables the RTCP loop when set.
type Config struct {
	StreamConn  transport.Conn
	ControlConn transport.Conn

	// SSRC identifies this receiver in outgoing receiver reports.
	SSRC uint32

	// RemoteSSRC identifies the sender's stream in reception reports.
	RemoteSSRC uint32

	// ReorderDepth bounds the depacketizer's reorder window.
	ReorderDepth int

	// ReportInterval is the RTCP receiver report period.
	ReportInterval time.Duration

	// Assembly carries the access-unit assembly options. OnAccessUnit and
	// OnSPSPPS may be set and are invoked in addition to the receiver's
	// subscription fan-out; Provider defaults to plain allocation.
	Assembly assemble.Config

	Logger *slog.Logger
}

// Stats aggregates counters from every stage of the pipeline.
type Stats struct {
	Depacketizer rtp.DepacketizerStats
	Assembler    assemble.Stats
	Control      control.Stats

	// QueueDrops counts NAL units dropped between the depacketizer and
	// the assembler worker because the queue was full.
	QueueDrops uint64

	// NALUDrops and AUDrops count deliveries lost to slow subscribers.
	NALUDrops uint64
	AUDrops   uint64
}

// Receiver runs one inbound stream. Lifecycle is New, Start, Stop, Close;
// Stop is idempotent and Close refuses while the receiver runs or any
// resender is still active.
type Receiver struct {
	cfg    Config
	logger *slog.Logger

	depkt   *rtp.Depacketizer
	asm     *assemble.Assembler
	monitor *rtp.Monitor
	ctrl    *control.Loop
	hub     *outputHub

	naluCh chan media.NALUnit

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	resenders map[*Resender]struct{}

	queueDrops atomic.Uint64

	// Receiver report baseline, touched only from the control goroutine.
	prevExpected uint64
	prevMissed   uint64
}

// New returns a Receiver wired but not yet running.
func New(cfg Config) (*Receiver, error) {
	if cfg.StreamConn == nil {
		return nil, fmt.Errorf("%w: stream connection required", media.ErrBadParameters)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Receiver{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "receiver"),
		monitor:   rtp.NewMonitor(0),
		hub:       newOutputHub(cfg.Logger),
		naluCh:    make(chan media.NALUnit, media.NALUBufferSize),
		resenders: make(map[*Resender]struct{}),
	}

	var clock rtp.Clock
	if cfg.ControlConn != nil {
		r.ctrl = control.NewLoop(control.Config{
			Conn:     cfg.ControlConn,
			SSRC:     cfg.SSRC,
			Interval: cfg.ReportInterval,
			Report:   r.reportBlock,
			Logger:   cfg.Logger,
		})
		clock = r.ctrl.Clock()
	}

	asmCfg := cfg.Assembly
	if asmCfg.Provider == nil {
		asmCfg.Provider = assemble.AllocProvider{}
	}
	if asmCfg.Logger == nil {
		asmCfg.Logger = cfg.Logger
	}
	userAU := asmCfg.OnAccessUnit
	asmCfg.OnAccessUnit = func(au *media.AccessUnit) {
		r.hub.publishAU(au)
		if userAU != nil {
			userAU(au)
		}
	}
	asm, err := assemble.New(asmCfg)
	if err != nil {
		return nil, err
	}
	r.asm = asm

	depkt, err := rtp.NewDepacketizer(rtp.DepacketizerConfig{
		ReorderDepth: cfg.ReorderDepth,
		Clock:        clock,
		Monitor:      r.monitor,
		Logger:       cfg.Logger,
	}, r.onNALU)
	if err != nil {
		return nil, err
	}
	r.depkt = depkt
	return r, nil
}

// onNALU hands depacketized NAL units to the assembler worker. Fails
// fast: a full queue drops the unit and counts it rather than stalling
// the datagram loop.
func (r *Receiver) onNALU(n media.NALUnit) {
	select {
	case r.naluCh <- n:
	default:
		r.queueDrops.Add(1)
		r.logger.Warn("nalu queue full, dropping", "type", n.Type, "timestamp", n.Timestamp)
	}
}

// Start launches the pipeline goroutines. Returns ErrBusy if the receiver
// is already running or was stopped.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return media.ErrBusy
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	r.group = g

	g.Go(func() error { return r.streamLoop(gctx) })
	g.Go(func() error { return r.assembleLoop(gctx) })
	if r.ctrl != nil {
		g.Go(func() error { return r.ctrl.Run(gctx) })
	}

	r.logger.Info("receiver started",
		"stream_addr", r.cfg.StreamConn.LocalAddr(),
		"control", r.ctrl != nil)
	return nil
}

func (r *Receiver) streamLoop(ctx context.Context) error {
	for {
		b, err := r.cfg.StreamConn.ReadDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read: %w", err)
		}
		r.depkt.ProcessDatagram(b, time.Now())
	}
}

func (r *Receiver) assembleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.asm.Flush()
			return ctx.Err()
		case n := <-r.naluCh:
			r.hub.publishNALU(n)
			if err := r.asm.ProcessNALU(n); err != nil {
				r.logger.Debug("assembly", "error", err)
			}
		}
	}
}

// reportBlock builds the reception report for outgoing receiver reports.
// Called from the control goroutine only.
func (r *Receiver) reportBlock() rtcp.ReceptionReport {
	packets, _, missed, _ := r.monitor.Totals()
	expected := packets + missed

	var fraction uint8
	if expDelta := expected - r.prevExpected; expDelta > 0 {
		if lostDelta := missed - r.prevMissed; lostDelta > 0 {
			fraction = uint8(lostDelta * 256 / expDelta)
		}
	}
	r.prevExpected, r.prevMissed = expected, missed

	jitterUS := uint64(r.monitor.Snapshot(time.Second).Jitter.Microseconds())
	return rtcp.ReceptionReport{
		SSRC:               r.cfg.RemoteSSRC,
		FractionLost:       fraction,
		TotalLost:          uint32(missed) & 0x00FFFFFF,
		LastSequenceNumber: r.depkt.HighestSequence(),
		Jitter:             uint32(rtp.MicrosToTimestamp(jitterUS)),
	}
}

// Stop cancels the pipeline, unblocks the transports, and waits for the
// goroutines to exit. Idempotent; safe before Start.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	cancel := r.cancel
	group := r.group
	r.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	r.cfg.StreamConn.Close()
	if r.cfg.ControlConn != nil {
		r.cfg.ControlConn.Close()
	}

	err := group.Wait()
	r.logger.Info("receiver stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the receiver. Returns ErrBusy while the receiver is
// running or any resender has not finished.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started && !r.stopped {
		return media.ErrBusy
	}
	if len(r.resenders) > 0 {
		return media.ErrBusy
	}
	r.hub.closeAll()
	return nil
}

// SubscribeAU registers an access-unit subscriber with the given channel
// buffer. The access units are shared read-only across subscribers.
func (r *Receiver) SubscribeAU(buffer int) (<-chan *media.AccessUnit, func()) {
	return r.hub.subscribeAU(buffer)
}

// SubscribeNALU registers a NAL unit tap ahead of assembly.
func (r *Receiver) SubscribeNALU(buffer int) (<-chan media.NALUnit, func()) {
	return r.hub.subscribeNALU(buffer)
}

// SPSPPS returns the stream's cached parameter sets, or ErrWaitingForSync
// before both have arrived.
func (r *Receiver) SPSPPS() (sps, pps []byte, err error) {
	return r.asm.SPSPPS()
}

// Synced reports whether access units are currently flowing.
func (r *Receiver) Synced() bool { return r.asm.Synced() }

// Monitoring summarizes reception quality over the trailing interval.
func (r *Receiver) Monitoring(interval time.Duration) rtp.MonitoringSnapshot {
	return r.monitor.Snapshot(interval)
}

// Stats returns counters from every pipeline stage.
func (r *Receiver) Stats() Stats {
	s := Stats{
		Depacketizer: r.depkt.Stats(),
		Assembler:    r.asm.Stats(),
		QueueDrops:   r.queueDrops.Load(),
		NALUDrops:    r.hub.naluDrops.Load(),
		AUDrops:      r.hub.auDrops.Load(),
	}
	if r.ctrl != nil {
		s.Control = r.ctrl.Stats()
	}
	return s
}

func (r *Receiver) addResender(rs *Resender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return media.ErrBusy
	}
	r.resenders[rs] = struct{}{}
	return nil
}

func (r *Receiver) removeResender(rs *Resender) {
	r.mu.Lock()
	delete(r.resenders, rs)
	r.mu.Unlock()
}
