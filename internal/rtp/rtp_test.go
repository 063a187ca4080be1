package rtp

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/zsiec/airstream/internal/media"
)

func testNALU(naluType byte, size int) []byte {
	nalu := make([]byte, size)
	nalu[0] = 0x60 | naluType
	for i := 1; i < size; i++ {
		nalu[i] = byte(i * 7)
	}
	return nalu
}

func newTestPacketizer(t *testing.T) *Packetizer {
	t.Helper()
	p, err := NewPacketizer(PacketizerConfig{SSRC: 0x1234, TargetPacketSize: 1400})
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}
	return p
}

func TestPacketizeSingleNALU(t *testing.T) {
	t.Parallel()
	p := newTestPacketizer(t)

	nalu := testNALU(5, 100)
	pkts, err := p.PacketizeNALU(nalu, 33300, true, true, media.SyncIDR, []byte("meta"))
	if err != nil {
		t.Fatalf("PacketizeNALU: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(pkts))
	}

	pkt := pkts[0]
	if !pkt.Marker {
		t.Error("marker must be set on the AU's last packet")
	}
	if !bytes.Equal(pkt.Payload, nalu) {
		t.Error("payload does not match NAL unit")
	}
	if pkt.Timestamp != uint32(33300*9/100) {
		t.Errorf("timestamp: got %d", pkt.Timestamp)
	}
	if !pkt.Header.Extension || pkt.Header.ExtensionProfile != ExtensionProfile {
		t.Fatal("expected vendor extension on first packet of AU")
	}
	hint, meta, err := ParseExtension(pkt.Header.GetExtension(0))
	if err != nil {
		t.Fatalf("ParseExtension: %v", err)
	}
	if hint != media.SyncIDR {
		t.Errorf("sync hint: got %v, want IDR", hint)
	}
	if string(meta) != "meta" {
		t.Errorf("metadata: got %q", meta)
	}
}

func TestPacketizeFUA(t *testing.T) {
	t.Parallel()
	p := newTestPacketizer(t)

	nalu := testNALU(1, 5000)
	pkts, err := p.PacketizeNALU(nalu, 66600, false, true, media.SyncNone, nil)
	if err != nil {
		t.Fatalf("PacketizeNALU: %v", err)
	}
	if len(pkts) < 4 {
		t.Fatalf("expected fragmentation, got %d packets", len(pkts))
	}

	var reassembled []byte
	for i, pkt := range pkts {
		if len(pkt.Payload) > 1400-fixedHeaderSize {
			t.Errorf("packet %d payload %d exceeds budget", i, len(pkt.Payload))
		}
		if pkt.SequenceNumber != pkts[0].SequenceNumber+uint16(i) {
			t.Errorf("packet %d: sequence not contiguous", i)
		}
		indicator, fuHeader := pkt.Payload[0], pkt.Payload[1]
		if indicator&0x1F != naluTypeFUA {
			t.Fatalf("packet %d: not FU-A", i)
		}
		start, end := fuHeader&0x80 != 0, fuHeader&0x40 != 0
		if start != (i == 0) {
			t.Errorf("packet %d: start bit %v", i, start)
		}
		if end != (i == len(pkts)-1) {
			t.Errorf("packet %d: end bit %v", i, end)
		}
		if pkt.Marker != (i == len(pkts)-1) {
			t.Errorf("packet %d: marker %v", i, pkt.Marker)
		}
		if start {
			reassembled = append(reassembled, indicator&0xE0|fuHeader&0x1F)
		}
		reassembled = append(reassembled, pkt.Payload[2:]...)
	}
	if !bytes.Equal(reassembled, nalu) {
		t.Error("reassembled FU-A payload does not match NAL unit")
	}
}

// packetizeAU produces marshalled datagrams for one access unit made of
// the given NAL units.
func packetizeAU(t *testing.T, p *Packetizer, nalus [][]byte, ts uint64, hint media.SyncType, metadata []byte) [][]byte {
	t.Helper()
	var datagrams [][]byte
	for i, nalu := range nalus {
		pkts, err := p.PacketizeNALU(nalu, ts, i == 0, i == len(nalus)-1, hint, metadata)
		if err != nil {
			t.Fatalf("PacketizeNALU: %v", err)
		}
		for _, pkt := range pkts {
			raw, err := pkt.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			datagrams = append(datagrams, raw)
		}
	}
	return datagrams
}

func TestDepacketizerRoundTrip(t *testing.T) {
	t.Parallel()
	p := newTestPacketizer(t)

	var got []media.NALUnit
	d, err := NewDepacketizer(DepacketizerConfig{}, func(n media.NALUnit) {
		got = append(got, n)
	})
	if err != nil {
		t.Fatalf("NewDepacketizer: %v", err)
	}

	aus := [][][]byte{
		{testNALU(7, 30), testNALU(8, 10), testNALU(5, 4000)},
		{testNALU(1, 2500)},
		{testNALU(1, 800)},
	}
	now := time.Now()
	for i, nalus := range aus {
		ts := uint64(33300 * (i + 1))
		hint := media.SyncNone
		if i == 0 {
			hint = media.SyncIDR
		}
		for _, dg := range packetizeAU(t, p, nalus, ts, hint, []byte{0xAA}) {
			d.ProcessDatagram(dg, now)
		}
	}

	want := 0
	for _, nalus := range aus {
		want += len(nalus)
	}
	if len(got) != want {
		t.Fatalf("expected %d NAL units, got %d", want, len(got))
	}

	idx := 0
	for i, nalus := range aus {
		for j, nalu := range nalus {
			unit := got[idx]
			idx++
			if !bytes.Equal(unit.Data, nalu) {
				t.Errorf("AU %d NALU %d: data mismatch", i, j)
			}
			if unit.FirstInAU != (j == 0) {
				t.Errorf("AU %d NALU %d: FirstInAU %v", i, j, unit.FirstInAU)
			}
			if unit.LastInAU != (j == len(nalus)-1) {
				t.Errorf("AU %d NALU %d: LastInAU %v", i, j, unit.LastInAU)
			}
			if unit.MissingBefore != 0 {
				t.Errorf("AU %d NALU %d: unexpected loss %d", i, j, unit.MissingBefore)
			}
			if unit.Timestamp != uint64(33300*(i+1)) {
				t.Errorf("AU %d NALU %d: timestamp %d", i, j, unit.Timestamp)
			}
			if j == 0 && !bytes.Equal(unit.Metadata, []byte{0xAA}) {
				t.Errorf("AU %d: metadata missing on first NALU", i)
			}
			wantHint := media.SyncNone
			if i == 0 {
				wantHint = media.SyncIDR
			}
			if j == 0 && unit.SyncHint != wantHint {
				t.Errorf("AU %d: sync hint %v, want %v", i, unit.SyncHint, wantHint)
			}
			if j != 0 && unit.SyncHint != media.SyncNone {
				t.Errorf("AU %d NALU %d: sync hint on non-first NALU", i, j)
			}
		}
	}
}

func TestTimestampConversionRounding(t *testing.T) {
	t.Parallel()
	// Off-grid microsecond values round to the nearest 90 kHz tick and
	// survive a wire round trip.
	if got := MicrosToTimestamp(33333); got != 3000 {
		t.Errorf("MicrosToTimestamp(33333): got %d, want 3000", got)
	}
	if got := TimestampToMicros(3000); got != 33333 {
		t.Errorf("TimestampToMicros(3000): got %d, want 33333", got)
	}
	// Grid-aligned values convert exactly.
	if got := TimestampToMicros(MicrosToTimestamp(33300)); got != 33300 {
		t.Errorf("round trip of 33300: got %d", got)
	}
}

func TestDepacketizerReorder(t *testing.T) {
	t.Parallel()
	p := newTestPacketizer(t)

	var got []media.NALUnit
	d, err := NewDepacketizer(DepacketizerConfig{}, func(n media.NALUnit) {
		got = append(got, n)
	})
	if err != nil {
		t.Fatal(err)
	}

	nalu := testNALU(5, 6000)
	datagrams := packetizeAU(t, p, [][]byte{nalu}, 33300, media.SyncIDR, nil)
	if len(datagrams) < 3 {
		t.Fatalf("need at least 3 fragments, got %d", len(datagrams))
	}

	// Swap two middle fragments.
	datagrams[1], datagrams[2] = datagrams[2], datagrams[1]

	now := time.Now()
	for _, dg := range datagrams {
		d.ProcessDatagram(dg, now)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 NAL unit, got %d", len(got))
	}
	if !bytes.Equal(got[0].Data, nalu) {
		t.Error("reordered fragments not reassembled correctly")
	}
	if got[0].MissingBefore != 0 {
		t.Errorf("reorder must not count as loss, got %d", got[0].MissingBefore)
	}
}

func TestDepacketizerLoss(t *testing.T) {
	t.Parallel()
	p := newTestPacketizer(t)

	var got []media.NALUnit
	d, err := NewDepacketizer(DepacketizerConfig{ReorderDepth: 4}, func(n media.NALUnit) {
		got = append(got, n)
	})
	if err != nil {
		t.Fatal(err)
	}

	first := packetizeAU(t, p, [][]byte{testNALU(5, 6000)}, 33300, media.SyncIDR, nil)
	second := packetizeAU(t, p, [][]byte{testNALU(1, 6000)}, 66600, media.SyncNone, nil)

	now := time.Now()
	// Drop a middle fragment of the first AU.
	for i, dg := range first {
		if i == 2 {
			continue
		}
		d.ProcessDatagram(dg, now)
	}
	for _, dg := range second {
		d.ProcessDatagram(dg, now)
	}

	if len(got) != 1 {
		t.Fatalf("expected only the intact NAL unit, got %d", len(got))
	}
	if got[0].Timestamp != 66600 {
		t.Errorf("surviving NALU timestamp: got %d, want 66600", got[0].Timestamp)
	}
	if got[0].MissingBefore < 1 {
		t.Error("loss must be reported on the next delivered NALU")
	}

	stats := d.Stats()
	if stats.AbandonedNALUs != 1 {
		t.Errorf("abandoned: got %d, want 1", stats.AbandonedNALUs)
	}
}

func TestDepacketizerSequenceWrap(t *testing.T) {
	t.Parallel()
	p, err := NewPacketizer(PacketizerConfig{SSRC: 1, InitialSequence: 0xFFFD})
	if err != nil {
		t.Fatal(err)
	}

	var got []media.NALUnit
	d, err := NewDepacketizer(DepacketizerConfig{}, func(n media.NALUnit) {
		got = append(got, n)
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for i := 0; i < 8; i++ {
		ts := uint64(33300 * (i + 1))
		for _, dg := range packetizeAU(t, p, [][]byte{testNALU(1, 500)}, ts, media.SyncNone, nil) {
			d.ProcessDatagram(dg, now)
		}
	}

	if len(got) != 8 {
		t.Fatalf("expected 8 NAL units across the wrap, got %d", len(got))
	}
	for i, unit := range got {
		if unit.MissingBefore != 0 {
			t.Errorf("NALU %d: wrap misread as loss (%d missing)", i, unit.MissingBefore)
		}
	}
}

func TestDepacketizerMalformed(t *testing.T) {
	t.Parallel()
	d, err := NewDepacketizer(DepacketizerConfig{}, func(media.NALUnit) {})
	if err != nil {
		t.Fatal(err)
	}

	d.ProcessDatagram([]byte{0x01, 0x02}, time.Now())
	d.ProcessDatagram(nil, time.Now())

	if stats := d.Stats(); stats.Malformed != 2 {
		t.Errorf("malformed: got %d, want 2", stats.Malformed)
	}
}

func TestExtensionRoundTrip(t *testing.T) {
	t.Parallel()
	payload, err := MarshalExtension(media.SyncPIRStart, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("MarshalExtension: %v", err)
	}
	if len(payload)%4 != 0 {
		t.Errorf("extension payload not 32-bit aligned: %d bytes", len(payload))
	}

	hint, meta, err := ParseExtension(payload)
	if err != nil {
		t.Fatalf("ParseExtension: %v", err)
	}
	if hint != media.SyncPIRStart {
		t.Errorf("hint: got %v", hint)
	}
	if !bytes.Equal(meta, []byte{1, 2, 3}) {
		t.Errorf("metadata: got % x", meta)
	}
}

func TestMonitorSnapshot(t *testing.T) {
	t.Parallel()
	m := NewMonitor(64)

	now := time.Now()
	for i := 0; i < 10; i++ {
		arrival := now.Add(time.Duration(i) * 10 * time.Millisecond)
		m.RecordPacket(arrival, 1000+i, uint64(i*10_000), 0)
	}
	m.RecordPacket(now.Add(110*time.Millisecond), 1200, 110_000, 3)

	snap := m.Snapshot(time.Minute)
	if snap.PacketsReceived != 11 {
		t.Errorf("packets: got %d, want 11", snap.PacketsReceived)
	}
	if snap.PacketsMissed != 3 {
		t.Errorf("missed: got %d, want 3", snap.PacketsMissed)
	}
	if snap.MeanPacketSize < 1000 || snap.MeanPacketSize > 1200 {
		t.Errorf("mean packet size out of range: %f", snap.MeanPacketSize)
	}

	packets, bytesTotal, missed, _ := m.Totals()
	if packets != 11 || missed != 3 {
		t.Errorf("totals: packets=%d missed=%d", packets, missed)
	}
	if bytesTotal == 0 {
		t.Error("bytes total should be non-zero")
	}
}

func FuzzProcessDatagram(f *testing.F) {
	p, err := NewPacketizer(PacketizerConfig{SSRC: 7})
	if err != nil {
		f.Fatal(err)
	}
	pkts, err := p.PacketizeNALU(testNALU(5, 3000), 33300, true, true, media.SyncIDR, []byte{9})
	if err != nil {
		f.Fatal(err)
	}
	for _, pkt := range pkts {
		raw, err := pkt.Marshal()
		if err != nil {
			f.Fatal(err)
		}
		f.Add(raw)
	}
	f.Add([]byte{0x80, 0x60})

	f.Fuzz(func(t *testing.T, data []byte) {
		d, err := NewDepacketizer(DepacketizerConfig{Monitor: NewMonitor(16)}, func(media.NALUnit) {})
		if err != nil {
			t.Fatal(err)
		}
		// Must not panic regardless of input.
		d.ProcessDatagram(data, time.Now())

		r := rand.New(rand.NewSource(int64(len(data))))
		if len(data) > 2 {
			mutated := append([]byte(nil), data...)
			mutated[r.Intn(len(mutated))] ^= byte(1 << r.Intn(8))
			d.ProcessDatagram(mutated, time.Now())
		}
	})
}
