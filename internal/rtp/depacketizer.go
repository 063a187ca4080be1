package rtp

import (
	"log/slog"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/zsiec/airstream/internal/media"
)

const (
	// defaultReorderDepth bounds how many out-of-order packets are held
	// before the oldest gap is declared lost.
	defaultReorderDepth = 32

	// defaultNALUBufferSize is the initial reassembly buffer for
	// fragmented NAL units.
	defaultNALUBufferSize = 64 * 1024

	naluTypeSTAPA = 24
)

// BufferProvider supplies NAL unit reassembly buffers. Implementations may
// pool buffers; the default allocates. A provider returning nil, or a
// buffer smaller than requested, causes the NAL unit in progress to be
// abandoned and counted as lost.
type BufferProvider interface {
	// AcquireNALUBuffer returns a buffer with capacity of at least size
	// bytes, or nil if none is available.
	AcquireNALUBuffer(size int) []byte

	// ReleaseNALUBuffer returns a buffer the depacketizer no longer
	// references, after a grow copy completes or a NAL unit is abandoned.
	// Buffers handed to the NALU handler are not released here; their
	// ownership transfers downstream.
	ReleaseNALUBuffer(buf []byte)
}

type allocProvider struct{}

func (allocProvider) AcquireNALUBuffer(size int) []byte { return make([]byte, size) }
func (allocProvider) ReleaseNALUBuffer([]byte)          {}

// NALUHandler receives reassembled NAL units in decode order. The handler
// owns nalu.Data. Called from the goroutine driving ProcessDatagram.
type NALUHandler func(nalu media.NALUnit)

// DepacketizerConfig configures a Depacketizer.
type DepacketizerConfig struct {
	// ReorderDepth is the maximum number of out-of-order packets
	// buffered while waiting for a gap to fill.
	ReorderDepth int

	// NALUBufferSize is the initial size of FU-A reassembly buffers.
	NALUBufferSize int

	// Provider supplies reassembly buffers; nil selects plain allocation.
	Provider BufferProvider

	// Clock maps sender timestamps to the local clock; nil leaves
	// shifted timestamps at zero.
	Clock Clock

	// Monitor records reception statistics; nil disables monitoring.
	Monitor *Monitor

	Logger *slog.Logger
}

// DepacketizerStats are lifetime counters, readable concurrently.
type DepacketizerStats struct {
	NALUs          uint64 // NAL units delivered to the handler
	AbandonedNALUs uint64 // reassemblies dropped due to loss or buffer shortage
	LatePackets    uint64 // packets arriving after their gap was flushed
	Malformed      uint64 // datagrams failing RTP or payload parsing
}

// Depacketizer reassembles H.264 NAL units from an RTP packet stream. It
// tolerates reordering within a bounded window, unwraps 16-bit sequence
// numbers and 32-bit timestamps to monotonic counters, and reports losses
// through the MissingBefore field of emitted NAL units. Single-threaded:
// ProcessDatagram must be called from one goroutine.
type Depacketizer struct {
	handler  NALUHandler
	provider BufferProvider
	clock    Clock
	monitor  *Monitor
	logger   *slog.Logger

	reorderDepth int
	initBufSize  int

	started  bool
	highest  int64 // highest extended sequence number seen
	expected int64 // next extended sequence number to process
	pending  map[int64]pendingPacket

	tsStarted bool
	lastTS32  uint32
	tsExt     uint64 // extended 90 kHz timestamp of the current packet

	auTS       uint64 // extended timestamp of the AU in progress
	auStarted  bool
	auFirst    bool // next emitted NALU opens a new AU
	auHint     media.SyncType
	auMetadata []byte

	fuActive bool
	fuBuf    []byte
	fuLen    int

	missingAccum  int // lost packets since the last emitted NALU
	missedPending int // lost packets not yet reported to the monitor

	nalus      atomic.Uint64
	abandoned  atomic.Uint64
	late       atomic.Uint64
	malformed  atomic.Uint64
	highestPub atomic.Int64
}

type pendingPacket struct {
	pkt     *pionrtp.Packet
	arrival time.Time
	size    int
}

// NewDepacketizer returns a Depacketizer delivering NAL units to handler.
func NewDepacketizer(cfg DepacketizerConfig, handler NALUHandler) (*Depacketizer, error) {
	if handler == nil {
		return nil, media.ErrBadParameters
	}
	if cfg.ReorderDepth <= 0 {
		cfg.ReorderDepth = defaultReorderDepth
	}
	if cfg.NALUBufferSize <= 0 {
		cfg.NALUBufferSize = defaultNALUBufferSize
	}
	if cfg.Provider == nil {
		cfg.Provider = allocProvider{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Depacketizer{
		handler:      handler,
		provider:     cfg.Provider,
		clock:        cfg.Clock,
		monitor:      cfg.Monitor,
		logger:       cfg.Logger.With("component", "depacketizer"),
		reorderDepth: cfg.ReorderDepth,
		initBufSize:  cfg.NALUBufferSize,
		pending:      make(map[int64]pendingPacket),
	}, nil
}

// Stats returns lifetime counters.
func (d *Depacketizer) Stats() DepacketizerStats {
	return DepacketizerStats{
		NALUs:          d.nalus.Load(),
		AbandonedNALUs: d.abandoned.Load(),
		LatePackets:    d.late.Load(),
		Malformed:      d.malformed.Load(),
	}
}

// ProcessDatagram parses one received datagram as an RTP packet and feeds
// it through the reorder window. Malformed datagrams are counted and
// dropped; they never fail the stream.
func (d *Depacketizer) ProcessDatagram(data []byte, arrival time.Time) {
	pkt := &pionrtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		d.malformed.Add(1)
		if d.monitor != nil {
			d.monitor.RecordMalformed()
		}
		d.logger.Debug("malformed datagram", "size", len(data), "error", err)
		return
	}

	ext, ok := d.extendSeq(pkt.SequenceNumber)
	if !ok {
		d.late.Add(1)
		return
	}
	d.pending[ext] = pendingPacket{pkt: pkt, arrival: arrival, size: len(data)}

	d.drain()
	for d.windowExceeded() {
		d.flushOldestGap()
		d.drain()
	}
}

// extendSeq unwraps a 16-bit sequence number against the highest extended
// value seen. Returns false for packets older than the processing cursor.
func (d *Depacketizer) extendSeq(seq uint16) (int64, bool) {
	if !d.started {
		d.started = true
		d.highest = int64(seq)
		d.expected = d.highest
		d.highestPub.Store(d.highest)
		return d.highest, true
	}
	delta := int64(int16(seq - uint16(d.highest)))
	ext := d.highest + delta
	if ext > d.highest {
		d.highest = ext
		d.highestPub.Store(ext)
	}
	if ext < d.expected {
		return 0, false
	}
	return ext, true
}

func (d *Depacketizer) drain() {
	for {
		pp, ok := d.pending[d.expected]
		if !ok {
			return
		}
		delete(d.pending, d.expected)
		d.expected++
		d.processPacket(pp)
	}
}

func (d *Depacketizer) windowExceeded() bool {
	return len(d.pending) > 0 &&
		(len(d.pending) > d.reorderDepth || d.highest-d.expected >= int64(d.reorderDepth))
}

// flushOldestGap declares the packets between the cursor and the oldest
// buffered packet lost and advances past them. A fragmented NAL unit in
// progress cannot survive a gap and is abandoned.
func (d *Depacketizer) flushOldestGap() {
	oldest := int64(-1)
	for ext := range d.pending {
		if oldest < 0 || ext < oldest {
			oldest = ext
		}
	}
	if oldest < 0 {
		return
	}
	gap := int(oldest - d.expected)
	if gap > 0 {
		d.missingAccum += gap
		d.missedPending += gap
		d.logger.Debug("sequence gap", "missing", gap, "resume_at", oldest)
	}
	if d.fuActive {
		d.abandonFU()
	}
	d.expected = oldest
}

func (d *Depacketizer) abandonFU() {
	d.provider.ReleaseNALUBuffer(d.fuBuf)
	d.fuBuf = nil
	d.fuLen = 0
	d.fuActive = false
	d.abandoned.Add(1)
}

func (d *Depacketizer) processPacket(pp pendingPacket) {
	pkt := pp.pkt

	// Extend the 32-bit media timestamp.
	if !d.tsStarted {
		d.tsStarted = true
		d.tsExt = uint64(pkt.Timestamp)
		d.lastTS32 = pkt.Timestamp
	} else if pkt.Timestamp != d.lastTS32 {
		d.tsExt = uint64(int64(d.tsExt) + int64(int32(pkt.Timestamp-d.lastTS32)))
		d.lastTS32 = pkt.Timestamp
	}

	if d.monitor != nil {
		d.monitor.RecordPacket(pp.arrival, pp.size, TimestampToMicros(d.tsExt), d.missedPending)
		d.missedPending = 0
	}

	// A timestamp change opens a new access unit.
	if !d.auStarted || d.tsExt != d.auTS {
		if d.fuActive {
			// The fragment carrying the FU end bit never arrived.
			d.missingAccum++
			d.abandonFU()
		}
		d.auStarted = true
		d.auTS = d.tsExt
		d.auFirst = true
		d.auHint = media.SyncNone
		d.auMetadata = nil
		if pkt.Header.Extension && pkt.Header.ExtensionProfile == ExtensionProfile {
			if hint, meta, err := ParseExtension(pkt.Header.GetExtension(0)); err == nil {
				d.auHint = hint
				d.auMetadata = meta
			}
		}
	}

	payload := pkt.Payload
	if len(payload) == 0 {
		d.malformed.Add(1)
		return
	}

	switch naluType := payload[0] & 0x1F; {
	case naluType >= 1 && naluType <= 23:
		d.emitCopy(payload, pkt.Marker)
	case naluType == naluTypeFUA:
		d.processFUA(payload, pkt.Marker)
	case naluType == naluTypeSTAPA:
		d.processSTAPA(payload, pkt.Marker)
	default:
		d.malformed.Add(1)
		d.logger.Debug("unsupported payload structure", "nalu_type", naluType)
	}
}

func (d *Depacketizer) processFUA(payload []byte, marker bool) {
	if len(payload) < fuOverhead+1 {
		d.malformed.Add(1)
		return
	}
	indicator, fuHeader := payload[0], payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	fragment := payload[fuOverhead:]

	if start {
		if d.fuActive {
			// Previous fragmented NALU never saw its end bit.
			d.missingAccum++
			d.abandonFU()
		}
		size := d.initBufSize
		if len(fragment)+1 > size {
			size = len(fragment) + 1
		}
		buf := d.provider.AcquireNALUBuffer(size)
		if buf == nil || len(buf) < len(fragment)+1 {
			d.missingAccum++
			d.abandoned.Add(1)
			if buf != nil {
				d.provider.ReleaseNALUBuffer(buf)
			}
			return
		}
		buf[0] = indicator&0xE0 | fuHeader&0x1F
		copy(buf[1:], fragment)
		d.fuBuf = buf
		d.fuLen = 1 + len(fragment)
		d.fuActive = true
	} else {
		if !d.fuActive {
			// Start fragment was lost; the loss is already accounted.
			return
		}
		need := d.fuLen + len(fragment)
		if need > len(d.fuBuf) {
			grown := d.provider.AcquireNALUBuffer(need * 2)
			if grown == nil || len(grown) < need {
				d.missingAccum++
				d.abandonFU()
				if grown != nil {
					d.provider.ReleaseNALUBuffer(grown)
				}
				return
			}
			copy(grown, d.fuBuf[:d.fuLen])
			d.provider.ReleaseNALUBuffer(d.fuBuf)
			d.fuBuf = grown
		}
		copy(d.fuBuf[d.fuLen:], fragment)
		d.fuLen += len(fragment)
	}

	if end {
		nalu := d.fuBuf[:d.fuLen]
		d.fuBuf = nil
		d.fuLen = 0
		d.fuActive = false
		d.emit(nalu, marker)
	}
}

// processSTAPA unpacks an aggregation packet: 16-bit length prefixed NAL
// units back to back. Only the last unit of a marker packet closes the AU.
func (d *Depacketizer) processSTAPA(payload []byte, marker bool) {
	rest := payload[1:]
	for len(rest) >= 2 {
		size := int(rest[0])<<8 | int(rest[1])
		rest = rest[2:]
		if size == 0 || size > len(rest) {
			d.malformed.Add(1)
			return
		}
		last := marker && size == len(rest)
		d.emitCopy(rest[:size], last)
		rest = rest[size:]
	}
}

// emitCopy copies data into an owned buffer before emission; the source
// aliases the datagram read buffer.
func (d *Depacketizer) emitCopy(data []byte, lastInAU bool) {
	buf := d.provider.AcquireNALUBuffer(len(data))
	if buf == nil || len(buf) < len(data) {
		d.missingAccum++
		d.abandoned.Add(1)
		if buf != nil {
			d.provider.ReleaseNALUBuffer(buf)
		}
		return
	}
	copy(buf, data)
	d.emit(buf[:len(data)], lastInAU)
}

func (d *Depacketizer) emit(nalu []byte, lastInAU bool) {
	us := TimestampToMicros(d.auTS)
	var shifted uint64
	if d.clock != nil {
		shifted = d.clock.ShiftToLocal(us)
	}

	unit := media.NALUnit{
		Data:             nalu,
		Type:             media.TypeOf(nalu),
		Timestamp:        us,
		TimestampShifted: shifted,
		FirstInAU:        d.auFirst,
		LastInAU:         lastInAU,
		MissingBefore:    d.missingAccum,
	}
	if d.auFirst {
		unit.Metadata = d.auMetadata
		unit.SyncHint = d.auHint
	}
	d.auFirst = false
	d.missingAccum = 0

	d.nalus.Add(1)
	d.handler(unit)
}

// HighestSequence returns the highest extended sequence number seen, in
// the RFC 3550 report-block layout (cycle count in the upper 16 bits).
// Safe to call from any goroutine.
func (d *Depacketizer) HighestSequence() uint32 {
	return uint32(d.highestPub.Load())
}
