// Package h264 provides the bit-level H.264 parsing and synthesis used by
// the access-unit assembler: SPS/PPS parameter extraction, slice-header
// parsing for macroblock placement, and generation of concealment slices.
package h264

import (
	"errors"
	"fmt"
)

var (
	errSPSTooShort = errors.New("h264: SPS data too short")
	errPPSTooShort = errors.New("h264: PPS data too short")
	errNotSlice    = errors.New("h264: NAL unit is not a coded slice")
)

// SPSInfo holds the parameters extracted from a Sequence Parameter Set
// that the assembler needs: frame geometry in macroblocks and the field
// lengths required to parse and synthesize slice headers.
type SPSInfo struct {
	Width    int // luma samples after cropping
	Height   int
	WidthMB  int // picture width in macroblocks
	HeightMB int // picture height in macroblocks

	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	ChromaFormatIDC       uint
	SeparateColourPlane   bool
	Log2MaxFrameNum       int // log2_max_frame_num_minus4 + 4
	PicOrderCntType       uint
	Log2MaxPicOrderCntLsb int // valid when PicOrderCntType == 0
	FrameMbsOnly          bool
}

// CodecString returns the RFC 6381 codec parameter string
// (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// MacroblockCount returns the number of macroblocks per frame.
func (s SPSInfo) MacroblockCount() int {
	return s.WidthMB * s.HeightMB
}

// ParseSPS parses an H.264 SPS NAL unit. The input is the raw NAL data
// including the NAL header byte but without the start code.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	profileIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormatIdc := uint(1)
	separateColourPlane := false

	if profileIdc == 100 || profileIdc == 110 || profileIdc == 122 ||
		profileIdc == 244 || profileIdc == 44 || profileIdc == 83 ||
		profileIdc == 86 || profileIdc == 118 || profileIdc == 128 ||
		profileIdc == 138 || profileIdc == 139 || profileIdc == 134 {

		chromaFormatIdc, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		if chromaFormatIdc == 3 {
			val, err := br.readBits(1)
			if err != nil {
				return SPSInfo{}, err
			}
			separateColourPlane = val == 1
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass
			return SPSInfo{}, err
		}

		seqScalingMatrixPresent, err := br.readBits(1)
		if err != nil {
			return SPSInfo{}, err
		}
		if seqScalingMatrixPresent == 1 {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return SPSInfo{}, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return SPSInfo{}, err
					}
				}
			}
		}
	}

	log2MaxFrameNumMinus4, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}

	picOrderCntType, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}

	log2MaxPocLsbMinus4 := uint(0)
	switch picOrderCntType {
	case 0:
		log2MaxPocLsbMinus4, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil { // delta_pic_order_always_zero_flag
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil { // offset_for_non_ref_pic
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil { // offset_for_top_to_bottom_field
			return SPSInfo{}, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return SPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed
		return SPSInfo{}, err
	}

	picWidthMbsMinus1, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	picHeightMapUnitsMinus1, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field_flag
			return SPSInfo{}, err
		}
	}

	if _, err := br.readBits(1); err != nil { // direct_8x8_inference_flag
		return SPSInfo{}, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	frameCroppingFlag, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameCroppingFlag == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 2, 2
	}

	heightMul := uint(2) - frameMbsOnly
	cropUnitX := subWidthC
	cropUnitY := subHeightC * heightMul

	widthMB := int(picWidthMbsMinus1 + 1)
	heightMB := int((picHeightMapUnitsMinus1 + 1) * heightMul)

	return SPSInfo{
		Width:                 widthMB*16 - int(cropUnitX*(cropLeft+cropRight)),
		Height:                heightMB*16 - int(cropUnitY*(cropTop+cropBottom)),
		WidthMB:               widthMB,
		HeightMB:              heightMB,
		ProfileIDC:            byte(profileIdc),
		ConstraintFlags:       byte(constraintFlags),
		LevelIDC:              byte(levelIdc),
		ChromaFormatIDC:       chromaFormatIdc,
		SeparateColourPlane:   separateColourPlane,
		Log2MaxFrameNum:       int(log2MaxFrameNumMinus4) + 4,
		PicOrderCntType:       picOrderCntType,
		Log2MaxPicOrderCntLsb: int(log2MaxPocLsbMinus4) + 4,
		FrameMbsOnly:          frameMbsOnly == 1,
	}, nil
}

// PPSInfo holds the Picture Parameter Set fields needed to parse slice
// headers and to synthesize concealment slices.
type PPSInfo struct {
	ID                       uint
	SPSID                    uint
	EntropyCodingCABAC       bool
	BottomFieldPicOrder      bool
	NumSliceGroups           uint
	WeightedPred             bool
	DeblockingControlPresent bool
}

// ParsePPS parses an H.264 PPS NAL unit. The input is the raw NAL data
// including the NAL header byte but without the start code.
func ParsePPS(nalu []byte) (PPSInfo, error) {
	if len(nalu) < 2 {
		return PPSInfo{}, errPPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	id, err := br.readUE()
	if err != nil {
		return PPSInfo{}, err
	}
	spsID, err := br.readUE()
	if err != nil {
		return PPSInfo{}, err
	}
	cabac, err := br.readBits(1)
	if err != nil {
		return PPSInfo{}, err
	}
	bottomField, err := br.readBits(1)
	if err != nil {
		return PPSInfo{}, err
	}
	numSliceGroupsMinus1, err := br.readUE()
	if err != nil {
		return PPSInfo{}, err
	}

	info := PPSInfo{
		ID:                  id,
		SPSID:               spsID,
		EntropyCodingCABAC:  cabac == 1,
		BottomFieldPicOrder: bottomField == 1,
		NumSliceGroups:      numSliceGroupsMinus1 + 1,
	}

	// Slice group maps are not used by any known sender; stop field-accurate
	// parsing there and report deblocking as present so synthesized slices
	// stay conservative.
	if info.NumSliceGroups > 1 {
		info.DeblockingControlPresent = true
		return info, nil
	}

	if _, err := br.readUE(); err != nil { // num_ref_idx_l0_default_active_minus1
		return PPSInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // num_ref_idx_l1_default_active_minus1
		return PPSInfo{}, err
	}
	weightedPred, err := br.readBits(1)
	if err != nil {
		return PPSInfo{}, err
	}
	info.WeightedPred = weightedPred == 1
	if _, err := br.readBits(2); err != nil { // weighted_bipred_idc
		return PPSInfo{}, err
	}
	if _, err := br.readSE(); err != nil { // pic_init_qp_minus26
		return PPSInfo{}, err
	}
	if _, err := br.readSE(); err != nil { // pic_init_qs_minus26
		return PPSInfo{}, err
	}
	if _, err := br.readSE(); err != nil { // chroma_qp_index_offset
		return PPSInfo{}, err
	}
	deblocking, err := br.readBits(1)
	if err != nil {
		return PPSInfo{}, err
	}
	info.DeblockingControlPresent = deblocking == 1

	return info, nil
}
