package rtp

import (
	"fmt"

	pionrtp "github.com/pion/rtp"

	"github.com/zsiec/airstream/internal/media"
)

const (
	// fixedHeaderSize is the RTP header without CSRCs or extensions.
	fixedHeaderSize = 12

	// fuIndicatorSize + fuHeaderSize prefix every FU-A fragment payload.
	fuOverhead = 2

	naluTypeFUA = 28
)

// DefaultTargetPacketSize keeps datagrams under the common 1500-byte
// Ethernet MTU with headroom for IP/UDP headers.
const DefaultTargetPacketSize = 1400

// PacketizerConfig configures a Packetizer.
type PacketizerConfig struct {
	SSRC        uint32
	PayloadType uint8

	// TargetPacketSize bounds the full RTP packet (header, extension and
	// payload). NAL units larger than the per-packet payload budget are
	// fragmented as FU-A. Defaults to DefaultTargetPacketSize.
	TargetPacketSize int

	// InitialSequence seeds the sequence counter.
	InitialSequence uint16
}

// Packetizer converts NAL units into RTP packets: single NAL unit packets
// when they fit the target size, FU-A fragmentation otherwise. Sequence
// numbers are contiguous across every packet produced; the marker bit is
// set on the packet carrying an access unit's final byte. Not safe for
// concurrent use.
type Packetizer struct {
	ssrc       uint32
	pt         uint8
	targetSize int
	seq        uint16
}

// NewPacketizer returns a Packetizer with the given configuration.
func NewPacketizer(cfg PacketizerConfig) (*Packetizer, error) {
	if cfg.TargetPacketSize == 0 {
		cfg.TargetPacketSize = DefaultTargetPacketSize
	}
	if cfg.TargetPacketSize < fixedHeaderSize+fuOverhead+16 {
		return nil, fmt.Errorf("%w: target packet size %d too small",
			media.ErrBadParameters, cfg.TargetPacketSize)
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = PayloadType
	}
	return &Packetizer{
		ssrc:       cfg.SSRC,
		pt:         cfg.PayloadType,
		targetSize: cfg.TargetPacketSize,
		seq:        cfg.InitialSequence,
	}, nil
}

// SkipSequence advances the sequence counter by n without emitting
// packets, forcing receivers to register a discontinuity.
func (p *Packetizer) SkipSequence(n uint16) {
	p.seq += n
}

// PacketizeNALU converts one NAL unit into ready-to-send RTP packets.
// timestampUS is the access unit's sender-clock timestamp in microseconds.
// The vendor extension carrying hint and metadata rides on the first
// packet when firstInAU is set; the marker bit is set on the final packet
// when lastInAU is set. The returned packets reference nalu's bytes.
func (p *Packetizer) PacketizeNALU(nalu []byte, timestampUS uint64, firstInAU, lastInAU bool, hint media.SyncType, metadata []byte) ([]*pionrtp.Packet, error) {
	if len(nalu) == 0 {
		return nil, fmt.Errorf("%w: empty NAL unit", media.ErrBadParameters)
	}
	if timestampUS == 0 {
		return nil, fmt.Errorf("%w: zero timestamp", media.ErrBadParameters)
	}

	rtpTS := uint32(MicrosToTimestamp(timestampUS))

	var extPayload []byte
	if firstInAU {
		var err error
		extPayload, err = MarshalExtension(hint, metadata)
		if err != nil {
			return nil, err
		}
	}

	budget := p.targetSize - fixedHeaderSize
	firstBudget := budget
	if extPayload != nil {
		firstBudget -= 4 + len(extPayload)
	}
	if firstBudget <= fuOverhead {
		return nil, fmt.Errorf("%w: extension leaves no payload room", media.ErrBadParameters)
	}

	if len(nalu) <= firstBudget {
		pkt, err := p.newPacket(rtpTS, lastInAU, extPayload, nalu)
		if err != nil {
			return nil, err
		}
		return []*pionrtp.Packet{pkt}, nil
	}

	// FU-A fragmentation. The NAL header byte is spread across the FU
	// indicator (forbidden bit and nal_ref_idc) and FU header (type).
	indicator := nalu[0]&0xE0 | naluTypeFUA
	naluType := nalu[0] & 0x1F
	rest := nalu[1:]

	var packets []*pionrtp.Packet
	for len(rest) > 0 {
		room := budget - fuOverhead
		ext := []byte(nil)
		if len(packets) == 0 {
			room = firstBudget - fuOverhead
			ext = extPayload
		}
		n := len(rest)
		if n > room {
			n = room
		}

		fuHeader := naluType
		if len(packets) == 0 {
			fuHeader |= 0x80 // start bit
		}
		last := n == len(rest)
		if last {
			fuHeader |= 0x40 // end bit
		}

		payload := make([]byte, 0, fuOverhead+n)
		payload = append(payload, indicator, fuHeader)
		payload = append(payload, rest[:n]...)
		rest = rest[n:]

		pkt, err := p.newPacket(rtpTS, last && lastInAU, ext, payload)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

func (p *Packetizer) newPacket(rtpTS uint32, marker bool, extPayload, payload []byte) (*pionrtp.Packet, error) {
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        rtpVersion,
			Marker:         marker,
			PayloadType:    p.pt,
			SequenceNumber: p.seq,
			Timestamp:      rtpTS,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	if extPayload != nil {
		pkt.Header.Extension = true
		pkt.Header.ExtensionProfile = ExtensionProfile
		if err := pkt.Header.SetExtension(0, extPayload); err != nil {
			return nil, fmt.Errorf("set header extension: %w", err)
		}
	}
	p.seq++
	return pkt, nil
}
