package receiver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/zsiec/airstream/internal/assemble"
	"github.com/zsiec/airstream/internal/media"
	"github.com/zsiec/airstream/internal/rtp"
)

// pipeConn is an in-memory datagram transport for pipeline tests.
type pipeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 256), closed: make(chan struct{})}
}

func (p *pipeConn) push(b []byte) { p.in <- b }

func (p *pipeConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteDatagram(_ context.Context, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr { return &net.UDPAddr{} }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// testBitWriter builds the handcrafted NAL units the tests send.
type testBitWriter struct {
	data []byte
	bit  int
}

func (w *testBitWriter) writeBits(val uint, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.bit == 0 {
			w.data = append(w.data, 0)
		}
		if (val>>i)&1 != 0 {
			w.data[len(w.data)-1] |= 1 << (7 - w.bit)
		}
		w.bit = (w.bit + 1) % 8
	}
}

func (w *testBitWriter) writeUE(val uint) {
	v := val + 1
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.writeBits(0, n)
	w.writeBits(v, n+1)
}

func (w *testBitWriter) writeSE(val int) {
	if val <= 0 {
		w.writeUE(uint(-val) * 2)
	} else {
		w.writeUE(uint(val)*2 - 1)
	}
}

func (w *testBitWriter) finish() []byte {
	w.writeBits(1, 1)
	for w.bit != 0 {
		w.writeBits(0, 1)
	}
	return w.data
}

func buildSPS(widthMB, heightMB int) []byte {
	w := &testBitWriter{}
	w.writeBits(66, 8)   // profile_idc
	w.writeBits(0xC0, 8) // constraint flags
	w.writeBits(30, 8)   // level_idc
	w.writeUE(0)         // seq_parameter_set_id
	w.writeUE(0)         // log2_max_frame_num_minus4
	w.writeUE(0)         // pic_order_cnt_type
	w.writeUE(0)         // log2_max_pic_order_cnt_lsb_minus4
	w.writeUE(1)         // max_num_ref_frames
	w.writeBits(0, 1)    // gaps_in_frame_num_value_allowed_flag
	w.writeUE(uint(widthMB - 1))
	w.writeUE(uint(heightMB - 1))
	w.writeBits(1, 1) // frame_mbs_only_flag
	w.writeBits(0, 1) // direct_8x8_inference_flag
	w.writeBits(0, 1) // frame_cropping_flag
	w.writeBits(0, 1) // vui_parameters_present_flag
	return append([]byte{0x67}, w.finish()...)
}

func buildPPS() []byte {
	w := &testBitWriter{}
	w.writeUE(0)      // pic_parameter_set_id
	w.writeUE(0)      // seq_parameter_set_id
	w.writeBits(0, 1) // entropy_coding_mode_flag
	w.writeBits(0, 1) // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)      // num_slice_groups_minus1
	w.writeUE(0)      // num_ref_idx_l0_default_active_minus1
	w.writeUE(0)      // num_ref_idx_l1_default_active_minus1
	w.writeBits(0, 1) // weighted_pred_flag
	w.writeBits(0, 2) // weighted_bipred_idc
	w.writeSE(0)      // pic_init_qp_minus26
	w.writeSE(0)      // pic_init_qs_minus26
	w.writeSE(0)      // chroma_qp_index_offset
	w.writeBits(1, 1) // deblocking_filter_control_present_flag
	w.writeBits(0, 1) // constrained_intra_pred_flag
	w.writeBits(0, 1) // redundant_pic_cnt_present_flag
	return append([]byte{0x68}, w.finish()...)
}

func buildSlice(idr bool, sliceType uint, firstMB int, frameNum uint) []byte {
	w := &testBitWriter{}
	w.writeUE(uint(firstMB))
	w.writeUE(sliceType)
	w.writeUE(0) // pic_parameter_set_id
	w.writeBits(frameNum, 4)
	if idr {
		w.writeUE(0) // idr_pic_id
	}
	w.writeBits(frameNum*2, 4) // pic_order_cnt_lsb

	header := byte(0x41)
	if idr {
		header = 0x65
	}
	nalu := append([]byte{header}, w.finish()...)
	return append(nalu, 0x12, 0x34, 0x56, 0x78)
}

// sendAU packetizes one access unit onto the stream connection.
func sendAU(t *testing.T, pk *rtp.Packetizer, conn *pipeConn, ts uint64, hint media.SyncType, nalus ...[]byte) {
	t.Helper()
	for i, nalu := range nalus {
		pkts, err := pk.PacketizeNALU(nalu, ts, i == 0, i == len(nalus)-1, hint, nil)
		if err != nil {
			t.Fatalf("packetize: %v", err)
		}
		for _, p := range pkts {
			raw, err := p.Marshal()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			conn.push(raw)
		}
	}
}

func waitAU(t *testing.T, ch <-chan *media.AccessUnit) *media.AccessUnit {
	t.Helper()
	select {
	case au := <-ch:
		return au
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for access unit")
		return nil
	}
}

func newTestPacketizer(t *testing.T) *rtp.Packetizer {
	t.Helper()
	pk, err := rtp.NewPacketizer(rtp.PacketizerConfig{SSRC: 0x11223344, PayloadType: rtp.PayloadType})
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}
	return pk
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func TestReceiverPipeline(t *testing.T) {
	t.Parallel()
	stream := newPipeConn()
	recv, err := New(Config{
		StreamConn: stream,
		Assembly:   assemble.Config{WaitForSync: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	auCh, unsub := recv.SubscribeAU(8)
	defer unsub()

	if err := recv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := recv.Start(context.Background()); !errors.Is(err, media.ErrBusy) {
		t.Errorf("second Start: got %v, want ErrBusy", err)
	}

	pk := newTestPacketizer(t)
	sps, pps := buildSPS(8, 6), buildPPS()
	idr := buildSlice(true, 7, 0, 0)
	pfr := buildSlice(false, 5, 0, 1)

	sendAU(t, pk, stream, 33300, media.SyncIDR, sps, pps, idr)
	sendAU(t, pk, stream, 66600, media.SyncNone, pfr)

	au := waitAU(t, auCh)
	if au.SyncType != media.SyncIDR {
		t.Errorf("sync type: got %v, want IDR", au.SyncType)
	}
	if !au.Complete {
		t.Error("first AU should be complete")
	}
	if au.Timestamp != 33300 {
		t.Errorf("timestamp: got %d, want 33300", au.Timestamp)
	}
	if want := annexB(sps, pps, idr); !bytes.Equal(au.Data, want) {
		t.Errorf("AU bytes: got %x, want %x", au.Data, want)
	}

	au = waitAU(t, auCh)
	if au.Timestamp != 66600 || !au.Complete {
		t.Errorf("second AU: ts=%d complete=%v", au.Timestamp, au.Complete)
	}
	if want := annexB(pfr); !bytes.Equal(au.Data, want) {
		t.Errorf("second AU bytes: got %x, want %x", au.Data, want)
	}

	if _, _, err := recv.SPSPPS(); err != nil {
		t.Errorf("SPSPPS: %v", err)
	}
	if !recv.Synced() {
		t.Error("receiver should be synced")
	}

	stats := recv.Stats()
	if stats.Depacketizer.NALUs != 4 {
		t.Errorf("depacketized NALUs: got %d, want 4", stats.Depacketizer.NALUs)
	}
	if stats.Assembler.AUsOutput != 2 {
		t.Errorf("AUs output: got %d, want 2", stats.Assembler.AUsOutput)
	}
	if stats.QueueDrops != 0 {
		t.Errorf("queue drops: got %d", stats.QueueDrops)
	}

	if err := recv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := recv.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := recv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestReceiverCloseWhileRunning(t *testing.T) {
	t.Parallel()
	recv, err := New(Config{StreamConn: newPipeConn()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := recv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := recv.Close(); !errors.Is(err, media.ErrBusy) {
		t.Errorf("Close while running: got %v, want ErrBusy", err)
	}
	if err := recv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := recv.Close(); err != nil {
		t.Errorf("Close after Stop: %v", err)
	}
}

func TestReceiverRequiresStreamConn(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); !errors.Is(err, media.ErrBadParameters) {
		t.Errorf("expected ErrBadParameters, got %v", err)
	}
}

func TestResenderForwards(t *testing.T) {
	t.Parallel()
	stream := newPipeConn()
	recv, err := New(Config{
		StreamConn: stream,
		Assembly:   assemble.Config{WaitForSync: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := newPipeConn()
	rs, err := recv.NewResender(ResenderConfig{Conn: out, SSRC: 9, PayloadType: rtp.PayloadType})
	if err != nil {
		t.Fatalf("NewResender: %v", err)
	}

	if err := recv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rsCtx, rsCancel := context.WithCancel(context.Background())
	rsDone := make(chan error, 1)
	go func() { rsDone <- rs.Run(rsCtx) }()

	pk := newTestPacketizer(t)
	sps, pps := buildSPS(8, 6), buildPPS()
	idr := buildSlice(true, 7, 0, 0)
	sendAU(t, pk, stream, 33300, media.SyncIDR, sps, pps, idr)

	deadline := time.Now().Add(5 * time.Second)
	for len(out.written()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("resender forwarded %d datagrams, want 3", len(out.written()))
		}
		time.Sleep(time.Millisecond)
	}

	var first pionrtp.Packet
	if err := first.Unmarshal(out.written()[0]); err != nil {
		t.Fatalf("forwarded datagram unmarshal: %v", err)
	}
	if first.PayloadType != rtp.PayloadType {
		t.Errorf("payload type: got %d", first.PayloadType)
	}
	if !bytes.Equal(first.Payload, sps) {
		t.Errorf("forwarded payload: got %x, want %x", first.Payload, sps)
	}
	hint, _, err := rtp.ParseExtension(first.Header.GetExtension(0))
	if err != nil {
		t.Fatalf("forwarded extension: %v", err)
	}
	if hint != media.SyncIDR {
		t.Errorf("forwarded sync hint: got %v, want IDR", hint)
	}

	// Close must refuse while the resender runs.
	if err := recv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := recv.Close(); !errors.Is(err, media.ErrBusy) {
		t.Errorf("Close with running resender: got %v, want ErrBusy", err)
	}

	rsCancel()
	if err := <-rsDone; err != nil {
		t.Errorf("resender Run: %v", err)
	}
	if got := rs.Stats().Sender.NALUsSent; got != 3 {
		t.Errorf("resent NALUs: got %d, want 3", got)
	}
	if err := recv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
