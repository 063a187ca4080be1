// Package media defines the core types that flow through the airstream
// receive pipeline, from RTP depacketization through access-unit assembly
// to distribution.
package media

// Channel buffer sizes used between the depacketizer (producer) and the
// assembler (consumer), and between the assembler and downstream access-unit
// consumers. Sized to absorb jitter without excessive memory: a NAL unit
// arrives every few milliseconds, an access unit every frame interval.
const (
	NALUBufferSize = 128
	AUBufferSize   = 30
)

// NALType is the 5-bit H.264 NAL unit type from the NAL header byte.
type NALType byte

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      NALType = 1
	NALTypeIDR        NALType = 5
	NALTypeSEI        NALType = 6
	NALTypeSPS        NALType = 7
	NALTypePPS        NALType = 8
	NALTypeAUD        NALType = 9
	NALTypeFillerData NALType = 12
)

// TypeOf extracts the NAL type from the first byte of raw NAL data
// (without start code).
func TypeOf(data []byte) NALType {
	if len(data) == 0 {
		return 0
	}
	return NALType(data[0] & 0x1F)
}

// NALUnit is a single H.264 Network Abstraction Layer unit reassembled
// from one or more RTP packets. Data is an owned buffer: the receiver of a
// NALUnit may retain it until the owning access unit is finalized or
// discarded.
type NALUnit struct {
	Data             []byte
	Type             NALType
	Metadata         []byte   // access-unit metadata from the RTP header extension, first NALU of an AU only
	SyncHint         SyncType // the AU's advertised sync role from the header extension, first NALU only
	Timestamp        uint64   // access-unit timestamp in microseconds, sender clock
	TimestampShifted uint64   // timestamp mapped to the local clock, 0 until clock sync is available
	FirstInAU        bool
	LastInAU         bool
	MissingBefore    int // count of network packets lost immediately before this NALU
}

// SyncType classifies an access unit's role as a decoder synchronization
// point.
type SyncType int

// Access-unit synchronization types.
const (
	SyncNone     SyncType = iota // not a synchronization point
	SyncIDR                      // IDR picture
	SyncIFrame                   // intra-coded non-IDR picture
	SyncPIRStart                 // periodic intra refresh start
)

// String returns the sync type name for logging.
func (s SyncType) String() string {
	switch s {
	case SyncIDR:
		return "IDR"
	case SyncIFrame:
		return "I-frame"
	case SyncPIRStart:
		return "PIR-start"
	default:
		return "none"
	}
}

// MacroblockStatus describes the recovery state of a single macroblock
// within an assembled access unit.
type MacroblockStatus byte

// Macroblock status values.
const (
	MBStatusUnknown          MacroblockStatus = iota
	MBStatusValidISlice                       // valid, contained in an I slice
	MBStatusValidPSlice                       // valid, contained in a P slice
	MBStatusMissingConcealed                  // missing, replaced by synthesized skip-slice data
	MBStatusMissing                           // missing, not concealed
	MBStatusErrorPropagation                  // decodable but references a damaged region
)

// MacroblockGrid tracks per-macroblock validity for one frame. Dimensions
// are fixed by the SPS once sync is established and do not change without
// a full resync.
type MacroblockGrid struct {
	Width  int // frame width in macroblocks
	Height int // frame height in macroblocks
	Status []MacroblockStatus
}

// NewMacroblockGrid allocates a grid of width x height macroblocks, all
// in the unknown state.
func NewMacroblockGrid(width, height int) *MacroblockGrid {
	return &MacroblockGrid{
		Width:  width,
		Height: height,
		Status: make([]MacroblockStatus, width*height),
	}
}

// SetRange sets the status of macroblocks [first, first+count) in raster
// order, clamped to the grid.
func (g *MacroblockGrid) SetRange(first, count int, status MacroblockStatus) {
	if first < 0 {
		first = 0
	}
	end := first + count
	if end > len(g.Status) {
		end = len(g.Status)
	}
	for i := first; i < end; i++ {
		g.Status[i] = status
	}
}

// Count returns the number of macroblocks currently in the given status.
func (g *MacroblockGrid) Count(status MacroblockStatus) int {
	n := 0
	for _, s := range g.Status {
		if s == status {
			n++
		}
	}
	return n
}

// Clone returns an independent copy of the grid.
func (g *MacroblockGrid) Clone() *MacroblockGrid {
	c := &MacroblockGrid{Width: g.Width, Height: g.Height}
	c.Status = make([]MacroblockStatus, len(g.Status))
	copy(c.Status, g.Status)
	return c
}

// NALUSpan locates one NAL unit inside an access unit's contiguous buffer.
type NALUSpan struct {
	Offset int
	Length int
	Type   NALType
}

// AccessUnit is the set of NAL units representing one decodable frame,
// sharing one timestamp, laid out back to back in a single owned buffer.
// Ownership of Data transfers to the consumer when the AU is emitted.
type AccessUnit struct {
	Data             []byte
	NALUs            []NALUSpan
	SyncType         SyncType
	Complete         bool
	Timestamp        uint64 // microseconds, sender clock
	TimestampShifted uint64 // microseconds, local clock, 0 without clock sync
	Metadata         []byte
	UserData         []byte // user data SEI payload, if present
	Macroblocks      *MacroblockGrid
}

// Size returns the total payload size of the access unit in bytes.
func (au *AccessUnit) Size() int {
	return len(au.Data)
}
