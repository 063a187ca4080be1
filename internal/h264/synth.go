package h264

import "errors"

// Concealment slices are written as CAVLC baseline bitstreams. Streams
// using features we cannot re-encode (CABAC, weighted prediction, slice
// groups, unbounded POC variants) fall back to unconcealed loss marking.
var errCannotSynthesize = errors.New("h264: stream parameters do not allow slice synthesis")

// CanSynthesize reports whether concealment slices can be generated for a
// stream with the given parameter sets.
func CanSynthesize(sps SPSInfo, pps PPSInfo) bool {
	if pps.EntropyCodingCABAC || pps.WeightedPred || pps.NumSliceGroups > 1 {
		return false
	}
	if sps.PicOrderCntType == 1 {
		return false
	}
	if !sps.FrameMbsOnly || sps.SeparateColourPlane {
		return false
	}
	return true
}

// SynthesizeSkipSlice generates a P slice whose macroblocks
// [firstMB, firstMB+mbCount) are all skipped, so a decoder copies the
// co-located region of the previous reference frame. frameNum and pocLsb
// must match the damaged frame's values. The returned buffer is a complete
// NAL unit (header byte included, no start code).
func SynthesizeSkipSlice(sps SPSInfo, pps PPSInfo, frameNum, pocLsb uint, firstMB, mbCount int) ([]byte, error) {
	if !CanSynthesize(sps, pps) {
		return nil, errCannotSynthesize
	}
	if mbCount <= 0 {
		return nil, errCannotSynthesize
	}

	bw := &bitWriter{}
	bw.writeUE(uint(firstMB))
	bw.writeUE(0) // slice_type: P
	bw.writeUE(pps.ID)
	bw.writeBits(frameNum, sps.Log2MaxFrameNum)
	if sps.PicOrderCntType == 0 {
		bw.writeBits(pocLsb, sps.Log2MaxPicOrderCntLsb)
		if pps.BottomFieldPicOrder {
			bw.writeSE(0) // delta_pic_order_cnt_bottom
		}
	}
	bw.writeBits(0, 1) // num_ref_idx_active_override_flag
	bw.writeBits(0, 1) // ref_pic_list_modification_flag_l0
	bw.writeBits(0, 1) // adaptive_ref_pic_marking_mode_flag
	bw.writeSE(0)      // slice_qp_delta
	if pps.DeblockingControlPresent {
		bw.writeUE(1) // disable_deblocking_filter_idc: disabled
	}

	bw.writeUE(uint(mbCount)) // mb_skip_run
	bw.writeTrailingBits()

	nalu := make([]byte, 0, len(bw.bytes())+1)
	nalu = append(nalu, 0x41) // nal_ref_idc 2, type 1 (non-IDR slice)
	nalu = append(nalu, insertEmulationPrevention(bw.bytes())...)
	return nalu, nil
}

// SynthesizeGrayIDR generates an IDR slice covering the whole frame with
// every macroblock coded as mid-gray I_PCM. It bootstraps a decoder before
// the first real IDR arrives. The returned buffer is a complete NAL unit
// (header byte included, no start code).
func SynthesizeGrayIDR(sps SPSInfo, pps PPSInfo) ([]byte, error) {
	if !CanSynthesize(sps, pps) {
		return nil, errCannotSynthesize
	}
	mbCount := sps.MacroblockCount()
	if mbCount == 0 {
		return nil, errCannotSynthesize
	}

	var chromaBytes int
	switch sps.ChromaFormatIDC {
	case 0:
		chromaBytes = 0
	case 2:
		chromaBytes = 2 * 128
	case 3:
		chromaBytes = 2 * 256
	default: // 4:2:0
		chromaBytes = 2 * 64
	}

	bw := &bitWriter{}
	bw.writeUE(0) // first_mb_in_slice
	bw.writeUE(7) // slice_type: I, all slices in picture are I
	bw.writeUE(pps.ID)
	bw.writeBits(0, sps.Log2MaxFrameNum) // frame_num
	bw.writeUE(0)                        // idr_pic_id
	if sps.PicOrderCntType == 0 {
		bw.writeBits(0, sps.Log2MaxPicOrderCntLsb)
		if pps.BottomFieldPicOrder {
			bw.writeSE(0)
		}
	}
	bw.writeBits(0, 1) // no_output_of_prior_pics_flag
	bw.writeBits(0, 1) // long_term_reference_flag
	bw.writeSE(0)      // slice_qp_delta
	if pps.DeblockingControlPresent {
		bw.writeUE(1)
	}

	for i := 0; i < mbCount; i++ {
		bw.writeUE(25) // mb_type: I_PCM
		bw.byteAlign()
		for j := 0; j < 256+chromaBytes; j++ {
			bw.writeBits(0x80, 8)
		}
	}
	bw.writeTrailingBits()

	nalu := make([]byte, 0, len(bw.bytes())+1)
	nalu = append(nalu, 0x65) // nal_ref_idc 3, type 5 (IDR slice)
	nalu = append(nalu, insertEmulationPrevention(bw.bytes())...)
	return nalu, nil
}
