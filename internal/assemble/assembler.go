// Package assemble reconstructs H.264 access units from depacketized NAL
// units: parameter-set tracking and sync establishment, macroblock-level
// loss accounting, concealment slice splicing, and output filtering.
package assemble

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/airstream/internal/h264"
	"github.com/zsiec/airstream/internal/media"
)

// defaultAUBufferSize is the initial access-unit buffer acquired from the
// provider. Grown on demand for larger frames.
const defaultAUBufferSize = 256 * 1024

// BufferProvider supplies access-unit output buffers. Providers may pool;
// ownership of a buffer passes to the access-unit consumer on emission. A
// nil or undersized buffer from the provider drops the AU in progress.
type BufferProvider interface {
	AcquireAUBuffer(size int) []byte
	ReleaseAUBuffer(buf []byte)
}

// AllocProvider is a BufferProvider backed by plain allocation.
type AllocProvider struct{}

// AcquireAUBuffer returns a fresh buffer of the requested size.
func (AllocProvider) AcquireAUBuffer(size int) []byte { return make([]byte, size) }

// ReleaseAUBuffer discards the buffer.
func (AllocProvider) ReleaseAUBuffer([]byte) {}

// Config configures an Assembler. OnAccessUnit and Provider are required.
type Config struct {
	// WaitForSync discards everything before the first synchronization
	// point (IDR, I frame, or intra-refresh start).
	WaitForSync bool

	// OutputIncompleteAU emits damaged access units flagged incomplete
	// instead of discarding them.
	OutputIncompleteAU bool

	// FilterOutSPSPPS removes parameter sets from the output stream.
	// They are still cached and reported through OnSPSPPS.
	FilterOutSPSPPS bool

	// FilterOutSEI removes SEI NAL units from the output stream. User
	// data and recovery points are extracted before removal.
	FilterOutSEI bool

	// ReplaceStartCodes frames output NAL units with 4-byte big-endian
	// length prefixes instead of Annex B start codes.
	ReplaceStartCodes bool

	// GenerateSkippedPSlices splices synthesized skip slices over
	// macroblock ranges lost from inter-coded frames.
	GenerateSkippedPSlices bool

	// GenerateGrayIDR emits a synthetic gray IDR frame as soon as the
	// stream geometry is known, letting decoding start before the first
	// real synchronization point.
	GenerateGrayIDR bool

	// AUBufferSize is the initial buffer acquired per access unit.
	AUBufferSize int

	Provider BufferProvider

	// OnSPSPPS is invoked exactly once per distinct parameter set pair.
	OnSPSPPS func(sps, pps []byte)

	// OnAccessUnit receives finalized access units. The callee owns
	// au.Data.
	OnAccessUnit func(au *media.AccessUnit)

	Logger *slog.Logger
}

// Stats are lifetime counters, readable concurrently.
type Stats struct {
	AUsOutput       uint64
	AUsDiscarded    uint64
	NALUsDiscarded  uint64
	Resyncs         uint64
	ConcealedSlices uint64
	GrayFrames      uint64
}

type sliceRec struct {
	hdr  h264.SliceHeader
	span int // index into au.spans
}

type pendingAU struct {
	buf     []byte
	n       int
	spans   []media.NALUSpan
	slices  []sliceRec
	grid    *media.MacroblockGrid
	gapMiss bool // at least one lost range left unconcealed

	ts        uint64
	tsShifted uint64
	metadata  []byte
	userData  []byte

	sawLast  bool
	missing  int  // network packets lost inside this AU
	refLoss  bool // loss precedes this frame entirely; a reference frame is gone
	pirStart bool
	dropped  bool // buffer unavailable; swallow the rest of this AU
	hasIDR   bool
	hasP     bool
}

// Assembler turns an ordered NAL unit stream into access units. It is
// driven from a single goroutine; Stats may be read from any goroutine.
//
// State: waiting-for-sync until an SPS/PPS pair and a synchronization
// point are seen, then assembling. Parameter set changes mid-stream reset
// to waiting-for-sync and surface ErrResyncRequired.
type Assembler struct {
	cfg    Config
	logger *slog.Logger

	sps, pps     []byte
	spsInfo      h264.SPSInfo
	ppsInfo      h264.PPSInfo
	haveSPS      bool
	havePPS      bool
	pairNotified bool
	synced       bool

	au *pendingAU

	// structure holds each slice's first_mb_in_slice from the most
	// recent fully received frame, used to bound loss ranges when a
	// slice's extent is unknowable.
	structure []int

	// damage marks macroblocks whose content derives from lost data,
	// carried across frames until intra-coded.
	damage []bool

	ausOutput      atomic.Uint64
	ausDiscarded   atomic.Uint64
	nalusDiscarded atomic.Uint64
	resyncs        atomic.Uint64
	concealed      atomic.Uint64
	grayFrames     atomic.Uint64
}

// New returns an Assembler for the given configuration.
func New(cfg Config) (*Assembler, error) {
	if cfg.OnAccessUnit == nil || cfg.Provider == nil {
		return nil, fmt.Errorf("%w: OnAccessUnit and Provider are required", media.ErrBadParameters)
	}
	if cfg.AUBufferSize <= 0 {
		cfg.AUBufferSize = defaultAUBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "assembler"),
	}, nil
}

// Stats returns lifetime counters.
func (a *Assembler) Stats() Stats {
	return Stats{
		AUsOutput:       a.ausOutput.Load(),
		AUsDiscarded:    a.ausDiscarded.Load(),
		NALUsDiscarded:  a.nalusDiscarded.Load(),
		Resyncs:         a.resyncs.Load(),
		ConcealedSlices: a.concealed.Load(),
		GrayFrames:      a.grayFrames.Load(),
	}
}

// SPSPPS returns copies of the cached parameter sets, or ErrWaitingForSync
// before both have been received.
func (a *Assembler) SPSPPS() (sps, pps []byte, err error) {
	if !a.haveSPS || !a.havePPS {
		return nil, nil, media.ErrWaitingForSync
	}
	return bytes.Clone(a.sps), bytes.Clone(a.pps), nil
}

// Synced reports whether output is currently flowing.
func (a *Assembler) Synced() bool { return a.synced }

// ProcessNALU feeds one NAL unit in decode order. Returned errors are
// advisory: ErrResourceUnavailable when an AU was dropped for lack of a
// buffer, ErrResyncRequired when assembly state was reset. The stream
// continues in both cases.
func (a *Assembler) ProcessNALU(n media.NALUnit) error {
	var firstErr error

	// A new AU boundary force-finalizes whatever is still open.
	if a.au != nil && !a.au.dropped && (n.FirstInAU || n.Timestamp != a.au.ts) {
		if err := a.finalize(); err != nil {
			firstErr = err
		}
	}
	if a.au != nil && a.au.dropped && n.Timestamp != a.au.ts {
		a.au = nil
	}

	switch n.Type {
	case media.NALTypeSPS:
		if err := a.cacheSPS(n); err != nil && firstErr == nil {
			firstErr = err
		}
		if !a.cfg.FilterOutSPSPPS && (a.synced || !a.cfg.WaitForSync) {
			a.append(n)
		}
	case media.NALTypePPS:
		if err := a.cachePPS(n); err != nil && firstErr == nil {
			firstErr = err
		}
		if !a.cfg.FilterOutSPSPPS && (a.synced || !a.cfg.WaitForSync) {
			a.append(n)
		}
	case media.NALTypeSEI:
		a.handleSEI(n)
	case media.NALTypeSlice, media.NALTypeIDR:
		if err := a.handleSlice(n); err != nil && firstErr == nil {
			firstErr = err
		}
	case media.NALTypeFillerData:
		// Filler exists only to pad the wire.
	default:
		if a.synced || !a.cfg.WaitForSync {
			a.append(n)
		} else {
			a.nalusDiscarded.Add(1)
		}
	}
	return firstErr
}

// Flush force-finalizes the access unit in progress, emitting it as
// incomplete if configured to, discarding it otherwise.
func (a *Assembler) Flush() error {
	return a.finalize()
}

func (a *Assembler) cacheSPS(n media.NALUnit) error {
	if a.haveSPS && bytes.Equal(a.sps, n.Data) {
		return nil
	}
	info, err := h264.ParseSPS(n.Data)
	if err != nil {
		a.nalusDiscarded.Add(1)
		a.logger.Warn("unparseable SPS", "error", err)
		return nil
	}
	changed := a.haveSPS
	a.sps = bytes.Clone(n.Data)
	a.spsInfo = info
	a.haveSPS = true
	a.pairNotified = false
	if changed {
		return a.resync("SPS changed", n)
	}
	a.trySync(n)
	return nil
}

func (a *Assembler) cachePPS(n media.NALUnit) error {
	if a.havePPS && bytes.Equal(a.pps, n.Data) {
		return nil
	}
	info, err := h264.ParsePPS(n.Data)
	if err != nil {
		a.nalusDiscarded.Add(1)
		a.logger.Warn("unparseable PPS", "error", err)
		return nil
	}
	changed := a.havePPS
	a.pps = bytes.Clone(n.Data)
	a.ppsInfo = info
	a.havePPS = true
	a.pairNotified = false
	if changed {
		return a.resync("PPS changed", n)
	}
	a.trySync(n)
	return nil
}

// resync throws away assembly state after a mid-stream parameter change.
// Cached parameter sets survive; output resumes at the next sync point.
// The triggering NALU supplies the timestamps of a gray bootstrap frame.
func (a *Assembler) resync(reason string, n media.NALUnit) error {
	a.logger.Warn("resync", "reason", reason)
	if a.au != nil {
		if a.au.buf != nil {
			a.cfg.Provider.ReleaseAUBuffer(a.au.buf)
		}
		a.ausDiscarded.Add(1)
		a.au = nil
	}
	a.synced = false
	a.structure = nil
	a.damage = nil
	a.resyncs.Add(1)
	a.trySync(n)
	return media.ErrResyncRequired
}

// trySync runs once both parameter sets are cached: notifies the pair
// exactly once and, if configured, emits the gray bootstrap frame which
// itself establishes sync.
func (a *Assembler) trySync(n media.NALUnit) {
	if !a.haveSPS || !a.havePPS {
		return
	}
	if !a.pairNotified {
		a.pairNotified = true
		if a.cfg.OnSPSPPS != nil {
			a.cfg.OnSPSPPS(bytes.Clone(a.sps), bytes.Clone(a.pps))
		}
		a.logger.Info("parameter sets cached",
			"width", a.spsInfo.Width, "height", a.spsInfo.Height,
			"codec", a.spsInfo.CodecString())
	}
	if !a.synced && a.cfg.GenerateGrayIDR && h264.CanSynthesize(a.spsInfo, a.ppsInfo) {
		if a.emitGrayIDR(n.Timestamp, n.TimestampShifted) {
			a.synced = true
		}
	}
}

// emitGrayIDR outputs a synthetic all-gray IDR access unit.
func (a *Assembler) emitGrayIDR(ts, tsShifted uint64) bool {
	nalu, err := h264.SynthesizeGrayIDR(a.spsInfo, a.ppsInfo)
	if err != nil {
		a.logger.Warn("gray frame synthesis failed", "error", err)
		return false
	}

	buf := a.cfg.Provider.AcquireAUBuffer(len(nalu) + 4)
	if buf == nil || len(buf) < len(nalu)+4 {
		if buf != nil {
			a.cfg.Provider.ReleaseAUBuffer(buf)
		}
		return false
	}
	a.writeFraming(buf, len(nalu))
	copy(buf[4:], nalu)

	grid := media.NewMacroblockGrid(a.spsInfo.WidthMB, a.spsInfo.HeightMB)
	grid.SetRange(0, grid.Width*grid.Height, media.MBStatusMissingConcealed)

	a.grayFrames.Add(1)
	a.ausOutput.Add(1)
	a.ensureDamage()
	a.cfg.OnAccessUnit(&media.AccessUnit{
		Data:             buf[:len(nalu)+4],
		NALUs:            []media.NALUSpan{{Offset: 0, Length: len(nalu) + 4, Type: media.NALTypeIDR}},
		SyncType:         media.SyncIDR,
		Complete:         true,
		Timestamp:        ts,
		TimestampShifted: tsShifted,
		Macroblocks:      grid,
	})
	return true
}

func (a *Assembler) handleSEI(n media.NALUnit) {
	// Once the parameter pair is cached, sync can establish within this
	// very AU, so its SEI must not be thrown away.
	if a.cfg.WaitForSync && !a.synced && !(a.haveSPS && a.havePPS) {
		a.nalusDiscarded.Add(1)
		return
	}
	for _, msg := range h264.ParseSEI(n.Data) {
		switch msg.PayloadType {
		case h264.SEIUserDataUnregister:
			a.open(n)
			if a.au != nil && !a.au.dropped {
				a.au.userData = bytes.Clone(msg.Payload)
			}
		case h264.SEIRecoveryPoint:
			a.open(n)
			if a.au != nil && !a.au.dropped {
				a.au.pirStart = true
			}
		}
	}
	if !a.cfg.FilterOutSEI {
		a.append(n)
	}
}

func (a *Assembler) handleSlice(n media.NALUnit) error {
	if !a.haveSPS || !a.havePPS {
		if a.cfg.WaitForSync {
			a.nalusDiscarded.Add(1)
			return nil
		}
		// Without sync tracking, pass slices through opaquely.
		a.append(n)
		return a.maybeFinish(n)
	}

	hdr, err := h264.ParseSliceHeader(n.Data, a.spsInfo)
	if err != nil {
		a.nalusDiscarded.Add(1)
		a.logger.Warn("unparseable slice header", "error", err)
		return nil
	}

	justSynced := false
	if !a.synced {
		if hdr.IDR || hdr.Type.Intra() || a.pirStartPending() {
			a.synced = true
			justSynced = true
			a.logger.Info("sync established", "idr", hdr.IDR)
		} else if a.cfg.WaitForSync {
			a.nalusDiscarded.Add(1)
			return nil
		}
	}

	a.open(n)
	if a.au == nil || a.au.dropped {
		return media.ErrResourceUnavailable
	}

	// The parameter sets of the sync-establishing AU were cached before
	// sync was declared; splice them into the output now.
	if justSynced && a.cfg.WaitForSync && !a.cfg.FilterOutSPSPPS {
		a.appendBytes(a.sps, media.NALTypeSPS)
		if a.au.dropped {
			return media.ErrResourceUnavailable
		}
		a.appendBytes(a.pps, media.NALTypePPS)
		if a.au.dropped {
			return media.ErrResourceUnavailable
		}
	}

	if n.MissingBefore > 0 {
		a.concealGapBefore(hdr)
	}

	start := len(a.au.spans)
	if !a.append(n) {
		return media.ErrResourceUnavailable
	}
	a.au.slices = append(a.au.slices, sliceRec{hdr: hdr, span: start})
	if hdr.IDR {
		a.au.hasIDR = true
	}
	if !hdr.Type.Intra() {
		a.au.hasP = true
	}

	if n.LastInAU {
		a.au.sawLast = true
		return a.finalize()
	}
	return nil
}

// maybeFinish closes an opaque (no parameter sets) AU on its last NALU.
func (a *Assembler) maybeFinish(n media.NALUnit) error {
	if a.au != nil && !a.au.dropped && n.LastInAU {
		a.au.sawLast = true
		return a.finalize()
	}
	return nil
}

func (a *Assembler) pirStartPending() bool {
	return a.au != nil && a.au.pirStart
}

// open lazily starts the AU the given NALU belongs to, acquiring its
// output buffer. On provider failure the whole AU is swallowed.
func (a *Assembler) open(n media.NALUnit) {
	if a.au != nil {
		return
	}
	au := &pendingAU{
		ts:        n.Timestamp,
		tsShifted: n.TimestampShifted,
		metadata:  bytes.Clone(n.Metadata),
		pirStart:  n.SyncHint == media.SyncPIRStart,
	}
	au.buf = a.cfg.Provider.AcquireAUBuffer(a.cfg.AUBufferSize)
	if au.buf == nil {
		au.dropped = true
		a.ausDiscarded.Add(1)
		a.logger.Warn("no AU buffer available, dropping access unit", "timestamp", n.Timestamp)
	} else if a.haveSPS {
		au.grid = media.NewMacroblockGrid(a.spsInfo.WidthMB, a.spsInfo.HeightMB)
	}
	a.au = au
}

// append writes one NAL unit into the AU buffer with its framing prefix.
// Returns false if the AU had to be dropped for lack of buffer space.
func (a *Assembler) append(n media.NALUnit) bool {
	a.open(n)
	if a.au == nil || a.au.dropped {
		return false
	}
	a.au.missing += n.MissingBefore
	if n.MissingBefore > 0 && len(a.au.slices) == 0 &&
		n.Type != media.NALTypeSlice && n.Type != media.NALTypeIDR {
		// A gap before the AU's leading non-slice NALU cannot belong to
		// this frame's slice data; an earlier access unit was skipped.
		a.au.refLoss = true
	}
	return a.appendBytes(n.Data, n.Type)
}

func (a *Assembler) appendBytes(data []byte, typ media.NALType) bool {
	au := a.au
	need := au.n + 4 + len(data)
	if need > len(au.buf) {
		grown := a.cfg.Provider.AcquireAUBuffer(need * 2)
		if grown == nil || len(grown) < need {
			if grown != nil {
				a.cfg.Provider.ReleaseAUBuffer(grown)
			}
			a.cfg.Provider.ReleaseAUBuffer(au.buf)
			au.buf = nil
			au.dropped = true
			a.ausDiscarded.Add(1)
			a.logger.Warn("AU buffer grow failed, dropping access unit", "needed", need)
			return false
		}
		copy(grown, au.buf[:au.n])
		a.cfg.Provider.ReleaseAUBuffer(au.buf)
		au.buf = grown
	}

	a.writeFraming(au.buf[au.n:], len(data))
	copy(au.buf[au.n+4:], data)
	au.spans = append(au.spans, media.NALUSpan{Offset: au.n, Length: 4 + len(data), Type: typ})
	au.n = need
	return true
}

// writeFraming writes the 4-byte NAL unit prefix: a length for
// length-prefixed output, an Annex B start code otherwise.
func (a *Assembler) writeFraming(dst []byte, naluLen int) {
	if a.cfg.ReplaceStartCodes {
		dst[0] = byte(naluLen >> 24)
		dst[1] = byte(naluLen >> 16)
		dst[2] = byte(naluLen >> 8)
		dst[3] = byte(naluLen)
	} else {
		dst[0], dst[1], dst[2], dst[3] = 0, 0, 0, 1
	}
}

// concealGapBefore handles a loss detected between the previous slice and
// the one now arriving: the affected macroblock range is either covered by
// a synthesized skip slice or marked missing.
func (a *Assembler) concealGapBefore(hdr h264.SliceHeader) {
	au := a.au
	lossStart := 0
	if len(au.slices) > 0 {
		prev := au.slices[len(au.slices)-1].hdr
		lossStart = a.structureEnd(prev.FirstMB, hdr.FirstMB)
	} else if hdr.FirstMB == 0 {
		// Loss ahead of this frame's first macroblock: a whole earlier
		// access unit was skipped, and this frame's reference with it.
		au.refLoss = true
		return
	}
	if lossStart >= hdr.FirstMB {
		// Extent of the previous slice is unknown; nothing provable lost
		// in macroblock terms, but the AU is still incomplete.
		return
	}
	a.coverLoss(hdr, lossStart, hdr.FirstMB)
}

// coverLoss conceals or marks the macroblock range [from, to).
func (a *Assembler) coverLoss(hdr h264.SliceHeader, from, to int) {
	au := a.au
	count := to - from
	if a.cfg.GenerateSkippedPSlices && !hdr.IDR && !hdr.Type.Intra() &&
		h264.CanSynthesize(a.spsInfo, a.ppsInfo) {
		skip, err := h264.SynthesizeSkipSlice(a.spsInfo, a.ppsInfo,
			hdr.FrameNum, hdr.POCLsb, from, count)
		if err == nil && a.appendBytes(skip, media.NALTypeSlice) {
			if au.grid != nil {
				au.grid.SetRange(from, count, media.MBStatusMissingConcealed)
			}
			a.concealed.Add(1)
			return
		}
		if err != nil {
			a.logger.Warn("skip slice synthesis failed", "error", err)
		}
	}
	if au.grid != nil {
		au.grid.SetRange(from, count, media.MBStatusMissing)
	}
	au.gapMiss = true
}

// structureEnd estimates where the slice starting at firstMB ends, using
// the slice layout learned from the last fully received frame. Falls back
// to limit when the layout is unknown, which under-reports loss rather
// than corrupting valid regions.
func (a *Assembler) structureEnd(firstMB, limit int) int {
	for _, b := range a.structure {
		if b > firstMB {
			if b > limit {
				return limit
			}
			return b
		}
	}
	return limit
}

func (a *Assembler) ensureDamage() {
	mbCount := a.spsInfo.MacroblockCount()
	if len(a.damage) != mbCount {
		a.damage = make([]bool, mbCount)
	}
}

// finalize closes the AU in progress: settles macroblock statuses,
// propagates damage, decides emit vs discard, and learns slice structure.
func (a *Assembler) finalize() error {
	au := a.au
	if au == nil {
		return nil
	}
	a.au = nil
	if au.dropped {
		return media.ErrResourceUnavailable
	}
	if len(au.spans) == 0 {
		a.cfg.Provider.ReleaseAUBuffer(au.buf)
		return nil
	}

	mbCount := a.spsInfo.MacroblockCount()

	// A truncated AU is missing its tail.
	if !au.sawLast && len(au.slices) > 0 && au.grid != nil {
		last := au.slices[len(au.slices)-1].hdr
		tail := a.structureEnd(last.FirstMB, mbCount)
		if tail < mbCount {
			a.coverLoss(last, tail, mbCount)
		}
	}

	if au.refLoss {
		// The skipped frame was this frame's reference: every inter-coded
		// macroblock from here on carries its damage until intra-refreshed.
		a.ensureDamage()
		for mb := range a.damage {
			a.damage[mb] = true
		}
	}

	a.settleGrid(au, mbCount)

	complete := au.sawLast && au.missing == 0
	// Intra-only content does not reference the skipped frame.
	repaired := au.sawLast && !au.gapMiss && (!au.refLoss || !au.hasP)

	if complete && au.grid != nil {
		a.learnStructure(au)
	}

	if !complete && !repaired && !a.cfg.OutputIncompleteAU {
		a.cfg.Provider.ReleaseAUBuffer(au.buf)
		a.ausDiscarded.Add(1)
		if au.gapMiss {
			// Unconcealed damage with incomplete output disabled: the
			// decoder state is unrecoverable until the next sync point.
			a.synced = false
			a.resyncs.Add(1)
			a.logger.Warn("damaged access unit discarded, waiting for sync point",
				"timestamp", au.ts, "missing_packets", au.missing)
			return media.ErrResyncRequired
		}
		return nil
	}

	out := &media.AccessUnit{
		Data:             au.buf[:au.n],
		NALUs:            au.spans,
		SyncType:         a.syncTypeOf(au),
		Complete:         complete || repaired,
		Timestamp:        au.ts,
		TimestampShifted: au.tsShifted,
		Metadata:         au.metadata,
		UserData:         au.userData,
		Macroblocks:      au.grid,
	}
	a.ausOutput.Add(1)
	a.cfg.OnAccessUnit(out)
	return nil
}

// settleGrid fills valid-slice ranges, applies cross-frame damage
// propagation, and updates the carried damage map.
func (a *Assembler) settleGrid(au *pendingAU, mbCount int) {
	if au.grid == nil || mbCount == 0 {
		return
	}
	a.ensureDamage()

	// Each received slice covers from its first macroblock to the start
	// of the next slice in the buffer (synthesized splices included via
	// the grid marks already made), or the end of the frame.
	for i, rec := range au.slices {
		end := mbCount
		if i+1 < len(au.slices) {
			end = au.slices[i+1].hdr.FirstMB
		}
		status := media.MBStatusValidPSlice
		if rec.hdr.Type.Intra() {
			status = media.MBStatusValidISlice
		}
		for mb := rec.hdr.FirstMB; mb < end && mb < mbCount; mb++ {
			if au.grid.Status[mb] == media.MBStatusUnknown {
				au.grid.Status[mb] = status
			}
		}
	}

	for mb := 0; mb < mbCount; mb++ {
		switch au.grid.Status[mb] {
		case media.MBStatusValidISlice:
			a.damage[mb] = false
		case media.MBStatusValidPSlice:
			if a.damage[mb] {
				au.grid.Status[mb] = media.MBStatusErrorPropagation
			}
		case media.MBStatusMissing, media.MBStatusMissingConcealed:
			a.damage[mb] = true
		}
	}
}

// learnStructure records the slice layout of a fully received frame for
// future loss-extent estimation.
func (a *Assembler) learnStructure(au *pendingAU) {
	s := make([]int, 0, len(au.slices)+1)
	for _, rec := range au.slices {
		s = append(s, rec.hdr.FirstMB)
	}
	s = append(s, a.spsInfo.MacroblockCount())
	a.structure = s
}

func (a *Assembler) syncTypeOf(au *pendingAU) media.SyncType {
	switch {
	case au.hasIDR:
		return media.SyncIDR
	case len(au.slices) > 0 && !au.hasP:
		return media.SyncIFrame
	case au.pirStart:
		return media.SyncPIRStart
	default:
		return media.SyncNone
	}
}
