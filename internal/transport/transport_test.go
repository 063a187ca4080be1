package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestUDPRoundTrip(t *testing.T) {
	t.Parallel()
	rx, err := NewUDP(UDPConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewUDP rx: %v", err)
	}
	defer rx.Close()

	tx, err := NewUDP(UDPConfig{
		LocalAddr:  "127.0.0.1:0",
		RemoteAddr: rx.LocalAddr().String(),
	})
	if err != nil {
		t.Fatalf("NewUDP tx: %v", err)
	}
	defer tx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte{0x80, 0x60, 0x00, 0x01, 0xDE, 0xAD}
	if err := tx.WriteDatagram(ctx, payload); err != nil {
		t.Fatalf("WriteDatagram: %v", err)
	}

	got, err := rx.ReadDatagram(ctx)
	if err != nil {
		t.Fatalf("ReadDatagram: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got % x, want % x", got, payload)
	}
}

func TestUDPReadHonorsContext(t *testing.T) {
	t.Parallel()
	rx, err := NewUDP(UDPConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := rx.ReadDatagram(ctx); err == nil {
		t.Fatal("expected read to fail on context timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("read did not unblock promptly: %v", elapsed)
	}
}

func TestUDPWriteWithoutRemote(t *testing.T) {
	t.Parallel()
	conn, err := NewUDP(UDPConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteDatagram(context.Background(), []byte{1}); err == nil {
		t.Error("expected error writing without a remote address")
	}
}

func TestQUICDatagramRoundTrip(t *testing.T) {
	t.Parallel()
	ln, err := ListenQUIC("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type acceptResult struct {
		conn *QUICConn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		accepted <- acceptResult{conn, err}
	}()

	client, err := DialQUIC(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("DialQUIC: %v", err)
	}
	defer client.Close()

	res := <-accepted
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	server := res.conn
	defer server.Close()

	payload := []byte("rtp-over-quic")
	if err := client.WriteDatagram(ctx, payload); err != nil {
		t.Fatalf("WriteDatagram: %v", err)
	}
	got, err := server.ReadDatagram(ctx)
	if err != nil {
		t.Fatalf("ReadDatagram: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}
