package h264

// SliceType is the decoded slice_type % 5 value.
type SliceType int

// Slice type values (H.264 Table 7-6, modulo 5).
const (
	SliceP SliceType = iota
	SliceB
	SliceI
	SliceSP
	SliceSI
)

// Intra reports whether the slice carries only intra-coded macroblocks.
func (t SliceType) Intra() bool {
	return t == SliceI || t == SliceSI
}

// SliceHeader holds the leading slice-header fields needed to place a
// slice's macroblocks within the frame, classify its coding type, and
// synthesize companion slices. Parsing stops after pic_order_cnt_lsb; the
// remaining header fields do not affect macroblock placement.
type SliceHeader struct {
	FirstMB  int
	Type     SliceType
	PPSID    uint
	FrameNum uint
	IDRPicID uint // valid when IDR is set
	POCLsb   uint // valid when the SPS uses pic_order_cnt_type 0
	IDR      bool
	RefIDC   byte
}

// ParseSliceHeader parses the beginning of a coded slice NAL unit (types
// 1 and 5). The input is the raw NAL data including the NAL header byte
// but without the start code. sps supplies the frame_num field length.
func ParseSliceHeader(nalu []byte, sps SPSInfo) (SliceHeader, error) {
	if len(nalu) < 2 {
		return SliceHeader{}, errBitstreamShort
	}
	nalType := nalu[0] & 0x1F
	if nalType != 1 && nalType != 5 {
		return SliceHeader{}, errNotSlice
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	firstMB, err := br.readUE()
	if err != nil {
		return SliceHeader{}, err
	}
	sliceType, err := br.readUE()
	if err != nil {
		return SliceHeader{}, err
	}
	ppsID, err := br.readUE()
	if err != nil {
		return SliceHeader{}, err
	}
	frameNum, err := br.readBits(sps.Log2MaxFrameNum)
	if err != nil {
		return SliceHeader{}, err
	}

	hdr := SliceHeader{
		FirstMB:  int(firstMB),
		Type:     SliceType(sliceType % 5),
		PPSID:    ppsID,
		FrameNum: frameNum,
		IDR:      nalType == 5,
		RefIDC:   nalu[0] >> 5 & 0x3,
	}

	// Field pictures interleave extra flags here; macroblock placement in
	// that layout is out of scope, so stop at the fields already read.
	if !sps.FrameMbsOnly {
		return hdr, nil
	}

	if hdr.IDR {
		if hdr.IDRPicID, err = br.readUE(); err != nil {
			return SliceHeader{}, err
		}
	}
	if sps.PicOrderCntType == 0 {
		if hdr.POCLsb, err = br.readBits(sps.Log2MaxPicOrderCntLsb); err != nil {
			return SliceHeader{}, err
		}
	}
	return hdr, nil
}

// NALUnit represents a parsed H.264 NAL unit extracted from a byte stream.
type NALUnit struct {
	Type byte   // 5-bit NAL type
	Data []byte // raw NAL data including the NAL header byte, without start code
}

// ParseAnnexB scans an Annex B byte stream for start codes and extracts
// NAL units. Both 3-byte (0x000001) and 4-byte (0x00000001) start codes
// are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}

		nalData := data[pos.dataStart:end]
		units = append(units, NALUnit{
			Type: nalData[0] & 0x1F,
			Data: nalData,
		})
	}

	return units
}
