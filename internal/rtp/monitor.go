package rtp

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// defaultMonitorWindow is the number of per-packet samples retained for
// interval queries. At typical video packet rates this covers several
// seconds of history.
const defaultMonitorWindow = 2048

// MonitoringSnapshot summarizes reception quality over a queried interval.
type MonitoringSnapshot struct {
	// RealInterval is the time actually covered by retained samples,
	// at most the requested interval.
	RealInterval time.Duration

	// Jitter is the RFC 3550 interarrival jitter estimate.
	Jitter time.Duration

	BytesReceived    uint64
	PacketsReceived  uint64
	PacketsMissed    uint64
	MeanPacketSize   float64
	PacketSizeStdDev float64
}

type packetSample struct {
	arrivalUS    int64
	size         int
	missedBefore int
}

// Monitor tracks reception statistics. RecordPacket runs on the datagram
// hot path and takes a short critical section; Snapshot walks the sample
// ring under the same lock and is intended for periodic reporting.
type Monitor struct {
	packetsTotal   atomic.Uint64
	bytesTotal     atomic.Uint64
	missedTotal    atomic.Uint64
	malformedTotal atomic.Uint64

	mu      sync.Mutex
	samples []packetSample
	next    int
	count   int

	jitterUS    float64
	lastTransit int64
	haveTransit bool
}

// NewMonitor returns a Monitor retaining up to windowSize per-packet
// samples; windowSize <= 0 selects the default.
func NewMonitor(windowSize int) *Monitor {
	if windowSize <= 0 {
		windowSize = defaultMonitorWindow
	}
	return &Monitor{samples: make([]packetSample, windowSize)}
}

// RecordPacket registers one received packet. senderTS is the packet's
// media timestamp converted to microseconds; missedBefore counts packets
// declared lost immediately before this one.
func (m *Monitor) RecordPacket(arrival time.Time, size int, senderTS uint64, missedBefore int) {
	m.packetsTotal.Add(1)
	m.bytesTotal.Add(uint64(size))
	if missedBefore > 0 {
		m.missedTotal.Add(uint64(missedBefore))
	}

	arrivalUS := arrival.UnixMicro()

	m.mu.Lock()
	m.samples[m.next] = packetSample{
		arrivalUS:    arrivalUS,
		size:         size,
		missedBefore: missedBefore,
	}
	m.next = (m.next + 1) % len(m.samples)
	if m.count < len(m.samples) {
		m.count++
	}

	transit := arrivalUS - int64(senderTS)
	if m.haveTransit {
		d := float64(transit - m.lastTransit)
		if d < 0 {
			d = -d
		}
		m.jitterUS += (d - m.jitterUS) / 16
	}
	m.lastTransit = transit
	m.haveTransit = true
	m.mu.Unlock()
}

// RecordMalformed counts a datagram that failed RTP or payload parsing.
func (m *Monitor) RecordMalformed() {
	m.malformedTotal.Add(1)
}

// Totals returns lifetime counters.
func (m *Monitor) Totals() (packets, bytes, missed, malformed uint64) {
	return m.packetsTotal.Load(), m.bytesTotal.Load(),
		m.missedTotal.Load(), m.malformedTotal.Load()
}

// Snapshot computes statistics over the trailing interval, bounded by the
// retained sample window.
func (m *Monitor) Snapshot(interval time.Duration) MonitoringSnapshot {
	now := time.Now().UnixMicro()
	cutoff := now - interval.Microseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		packets, missed uint64
		bytes           uint64
		sum, sumSq      float64
		oldest, newest  int64
	)

	for i := 0; i < m.count; i++ {
		idx := (m.next - 1 - i + len(m.samples)) % len(m.samples)
		s := m.samples[idx]
		if s.arrivalUS < cutoff {
			break
		}
		if packets == 0 {
			newest = s.arrivalUS
		}
		oldest = s.arrivalUS
		packets++
		missed += uint64(s.missedBefore)
		bytes += uint64(s.size)
		sum += float64(s.size)
		sumSq += float64(s.size) * float64(s.size)
	}

	snap := MonitoringSnapshot{
		Jitter:          time.Duration(m.jitterUS) * time.Microsecond,
		BytesReceived:   bytes,
		PacketsReceived: packets,
		PacketsMissed:   missed,
	}
	if packets > 0 {
		snap.RealInterval = time.Duration(newest-oldest) * time.Microsecond
		mean := sum / float64(packets)
		snap.MeanPacketSize = mean
		variance := sumSq/float64(packets) - mean*mean
		if variance > 0 {
			snap.PacketSizeStdDev = math.Sqrt(variance)
		}
	}
	return snap
}
