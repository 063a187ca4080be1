package h264

// SEI payload types used by the assembler.
const (
	SEIRecoveryPoint      = 6
	SEIUserDataUnregister = 5
)

// SEIMessage is one payload from an SEI NAL unit.
type SEIMessage struct {
	PayloadType int
	Payload     []byte
}

// ParseSEI extracts the messages of an SEI NAL unit (type 6). The input is
// the raw NAL data including the NAL header byte. Truncated trailing
// messages are dropped silently; SEI is advisory.
func ParseSEI(nalu []byte) []SEIMessage {
	if len(nalu) < 2 || nalu[0]&0x1F != 6 {
		return nil
	}
	rbsp := removeEmulationPrevention(nalu[1:])

	var msgs []SEIMessage
	i := 0
	for i < len(rbsp) {
		// rbsp_trailing_bits
		if rbsp[i] == 0x80 {
			break
		}

		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		size := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			size += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		size += int(rbsp[i])
		i++

		if i+size > len(rbsp) {
			break
		}
		msgs = append(msgs, SEIMessage{
			PayloadType: payloadType,
			Payload:     rbsp[i : i+size],
		})
		i += size
	}
	return msgs
}
