package control

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
)

type fakeConn struct {
	readCh chan []byte

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16)}
}

func (f *fakeConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.readCh:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) WriteDatagram(_ context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), b...))
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr { return &net.UDPAddr{} }
func (f *fakeConn) Close() error        { return nil }

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestClockShift(t *testing.T) {
	t.Parallel()
	c := &Clock{}

	if got := c.ShiftToLocal(1_000_000); got != 0 {
		t.Errorf("unsynced shift: got %d, want 0", got)
	}
	if c.Synced() {
		t.Error("clock must start unsynced")
	}

	now := time.Now()
	sr := NewSenderReport(7, 1_000_000, now, 10, 1000)
	c.observeSenderReport(sr, now)

	if !c.Synced() {
		t.Fatal("clock should be synced after a sender report")
	}

	// A media timestamp 40 ms after the report instant maps 40 ms after
	// the local arrival time.
	got := c.ShiftToLocal(1_040_000)
	want := uint64(now.UnixMicro()) + 40_000
	diff := int64(got) - int64(want)
	if diff < -1000 || diff > 1000 {
		t.Errorf("shifted timestamp off by %d us", diff)
	}
}

func TestLoopSenderReportAndReceiverReport(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	loop := NewLoop(Config{
		Conn:     conn,
		SSRC:     0xABCD,
		Interval: 20 * time.Millisecond,
		Report: func() rtcp.ReceptionReport {
			return rtcp.ReceptionReport{SSRC: 7, FractionLost: 3, TotalLost: 12}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	raw, err := NewSenderReport(7, 500_000, time.Now(), 1, 100).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	conn.readCh <- raw

	deadline := time.Now().Add(5 * time.Second)
	for !loop.Clock().Synced() {
		if time.Now().After(deadline) {
			t.Fatal("clock never synced")
		}
		time.Sleep(time.Millisecond)
	}

	for len(conn.written()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no receiver report sent")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done

	pkts, err := rtcp.Unmarshal(conn.written()[0])
	if err != nil {
		t.Fatalf("receiver report unmarshal: %v", err)
	}
	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	if !ok {
		t.Fatalf("expected receiver report, got %T", pkts[0])
	}
	if rr.SSRC != 0xABCD {
		t.Errorf("SSRC: got %#x", rr.SSRC)
	}
	if len(rr.Reports) != 1 || rr.Reports[0].TotalLost != 12 {
		t.Errorf("reception report not carried: %+v", rr.Reports)
	}

	stats := loop.Stats()
	if stats.SenderReports != 1 {
		t.Errorf("sender reports: got %d, want 1", stats.SenderReports)
	}
	if stats.ReceiverReports == 0 {
		t.Error("no receiver reports counted")
	}
}

func TestLoopCountsMalformed(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	loop := NewLoop(Config{Conn: conn, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	conn.readCh <- []byte{0x01}

	deadline := time.Now().Add(5 * time.Second)
	for loop.Stats().Malformed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("malformed packet not counted")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}
