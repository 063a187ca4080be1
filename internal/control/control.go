// Package control runs the stream's control channel: RTCP receiver
// reports out, sender reports in. Sender reports anchor the sender's
// media clock to the local clock, producing the shifted timestamps
// carried on NAL units and access units.
package control

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"

	"github.com/zsiec/airstream/internal/rtp"
	"github.com/zsiec/airstream/internal/transport"
)

// DefaultReportInterval is how often receiver reports go out. Kept well
// under the RFC 3550 default; this is a low-latency point-to-point link,
// not a conference.
const DefaultReportInterval = time.Second

// ntpEpochOffset is the difference between the NTP epoch (1900) and the
// Unix epoch (1970) in seconds.
const ntpEpochOffset = 2208988800

// Clock maps sender media timestamps to the local clock using the
// NTP/RTP correspondence from RTCP sender reports. Safe for concurrent
// use; implements the stream layer's clock interface.
type Clock struct {
	shift  atomic.Int64 // local_us - sender_media_us
	synced atomic.Bool
}

// ShiftToLocal converts a sender media timestamp in microseconds to the
// local clock. Returns 0 until the first sender report arrives.
func (c *Clock) ShiftToLocal(us uint64) uint64 {
	if !c.synced.Load() {
		return 0
	}
	return uint64(int64(us) + c.shift.Load())
}

// Synced reports whether an offset estimate exists.
func (c *Clock) Synced() bool { return c.synced.Load() }

// observeSenderReport updates the offset estimate from one sender report.
// Transit time is folded into the offset; for the latency bounds this
// stream operates under, that error is acceptable and stable.
func (c *Clock) observeSenderReport(sr *rtcp.SenderReport, arrival time.Time) {
	mediaUS := int64(rtp.TimestampToMicros(uint64(sr.RTPTime)))
	c.shift.Store(arrival.UnixMicro() - mediaUS)
	c.synced.Store(true)
}

// ntpTime converts a time to the 64-bit NTP fixed-point format.
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// NewSenderReport builds the sender report a transmitting peer emits:
// the wall clock and the media clock sampled at the same instant.
func NewSenderReport(ssrc uint32, mediaUS uint64, now time.Time, packets, octets uint32) *rtcp.SenderReport {
	return &rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     uint32(rtp.MicrosToTimestamp(mediaUS)),
		PacketCount: packets,
		OctetCount:  octets,
	}
}

// ReportFunc supplies the reception statistics block for outgoing
// receiver reports.
type ReportFunc func() rtcp.ReceptionReport

// Config configures a control Loop. Conn is required.
type Config struct {
	Conn transport.Conn

	// SSRC identifies this receiver in outgoing reports.
	SSRC uint32

	// Interval between receiver reports.
	Interval time.Duration

	// Report supplies the reception statistics to send; nil sends empty
	// reports.
	Report ReportFunc

	Logger *slog.Logger
}

// Stats are lifetime counters, readable concurrently.
type Stats struct {
	SenderReports   uint64
	ReceiverReports uint64
	Malformed       uint64
}

// Loop drives the control channel. Failures to send or parse are logged
// and counted, never fatal: media keeps flowing without control traffic.
type Loop struct {
	cfg    Config
	logger *slog.Logger
	clock  *Clock

	srRecv    atomic.Uint64
	rrSent    atomic.Uint64
	malformed atomic.Uint64
}

// NewLoop returns a control loop publishing clock offsets through its
// Clock.
func NewLoop(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReportInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "control"),
		clock:  &Clock{},
	}
}

// Clock returns the clock fed by incoming sender reports.
func (l *Loop) Clock() *Clock { return l.clock }

// Stats returns lifetime counters.
func (l *Loop) Stats() Stats {
	return Stats{
		SenderReports:   l.srRecv.Load(),
		ReceiverReports: l.rrSent.Load(),
		Malformed:       l.malformed.Load(),
	}
}

// Run reads control datagrams and emits periodic receiver reports until
// ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop started", "interval", l.cfg.Interval)
	defer l.logger.Info("control loop stopped")

	incoming := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			b, err := l.cfg.Conn.ReadDatagram(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("control read failed", "error", err)
			return err
		case b := <-incoming:
			l.handle(b)
		case <-ticker.C:
			l.sendReport(ctx)
		}
	}
}

func (l *Loop) handle(b []byte) {
	pkts, err := rtcp.Unmarshal(b)
	if err != nil {
		l.malformed.Add(1)
		l.logger.Debug("malformed control packet", "size", len(b), "error", err)
		return
	}
	for _, pkt := range pkts {
		if sr, ok := pkt.(*rtcp.SenderReport); ok {
			l.clock.observeSenderReport(sr, time.Now())
			l.srRecv.Add(1)
		}
	}
}

func (l *Loop) sendReport(ctx context.Context) {
	rr := &rtcp.ReceiverReport{SSRC: l.cfg.SSRC}
	if l.cfg.Report != nil {
		rr.Reports = []rtcp.ReceptionReport{l.cfg.Report()}
	}
	raw, err := rr.Marshal()
	if err != nil {
		l.logger.Warn("receiver report marshal failed", "error", err)
		return
	}
	if err := l.cfg.Conn.WriteDatagram(ctx, raw); err != nil {
		l.logger.Debug("receiver report send failed", "error", err)
		return
	}
	l.rrSent.Add(1)
}
