// Package rtp implements the datagram wire layer: H.264 NAL unit
// packetization and depacketization over RTP, the vendor header extension
// carrying access-unit metadata, and reception monitoring.
//
// The payload format follows RFC 6184 conventions: single NAL unit packets
// for units that fit the target packet size and FU-A fragmentation for
// larger ones. The marker bit is set on the packet carrying an access
// unit's last byte.
package rtp

// Default port assignments. The sender listens on the stream/control pair
// 5004/5005; receivers bind 55004/55005.
const (
	DefaultSenderStreamPort    = 5004
	DefaultSenderControlPort   = 5005
	DefaultReceiverStreamPort  = 55004
	DefaultReceiverControlPort = 55005
)

const (
	// PayloadType is the dynamic RTP payload type used for H.264.
	PayloadType = 96

	// ClockRate is the RTP media clock in Hz. H.264 always uses 90 kHz.
	ClockRate = 90000

	// rtpVersion is the RTP protocol version.
	rtpVersion = 2
)

// TimestampToMicros converts a 90 kHz RTP timestamp value to microseconds,
// rounded to the nearest microsecond.
func TimestampToMicros(ts uint64) uint64 {
	return (ts*100 + 4) / 9
}

// MicrosToTimestamp converts microseconds to 90 kHz RTP clock units,
// rounded to the nearest tick. One tick is 100/9 µs, so values off the
// 90 kHz grid lose sub-tick precision on the wire.
func MicrosToTimestamp(us uint64) uint64 {
	return (us*9 + 50) / 100
}

// Clock maps sender-clock timestamps to the local clock. The control
// loop's clock synchronization implements this; a nil Clock leaves
// shifted timestamps at zero.
type Clock interface {
	// ShiftToLocal converts a sender-clock timestamp in microseconds to
	// the local clock. Returns 0 while synchronization is unavailable.
	ShiftToLocal(us uint64) uint64
}
