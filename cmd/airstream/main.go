package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/airstream/internal/assemble"
	"github.com/zsiec/airstream/internal/media"
	"github.com/zsiec/airstream/internal/receiver"
	"github.com/zsiec/airstream/internal/record"
	"github.com/zsiec/airstream/internal/rtp"
	"github.com/zsiec/airstream/internal/transport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	transportKind := envOr("TRANSPORT", "udp")
	streamAddr := envOr("STREAM_ADDR", fmt.Sprintf(":%d", rtp.DefaultReceiverStreamPort))
	controlAddr := envOr("CONTROL_ADDR", fmt.Sprintf(":%d", rtp.DefaultReceiverControlPort))
	controlRemote := os.Getenv("CONTROL_REMOTE")
	mcastIface := os.Getenv("MCAST_IFACE")
	resendAddr := os.Getenv("RESEND_ADDR")
	recordFile := os.Getenv("RECORD_FILE")
	statsInterval := envDuration("STATS_INTERVAL", 10*time.Second)

	slog.Info("airstream starting",
		"version", version,
		"transport", transportKind,
		"stream", streamAddr,
	)

	streamConn, err := openStream(ctx, transportKind, streamAddr, mcastIface)
	if err != nil {
		slog.Error("failed to open stream transport", "error", err)
		os.Exit(1)
	}

	var controlConn transport.Conn
	if transportKind == "udp" && controlRemote != "" {
		controlConn, err = transport.NewUDP(transport.UDPConfig{
			LocalAddr:  controlAddr,
			RemoteAddr: controlRemote,
		})
		if err != nil {
			slog.Error("failed to open control transport", "error", err)
			os.Exit(1)
		}
		slog.Info("control channel enabled", "local", controlAddr, "remote", controlRemote)
	}

	recv, err := receiver.New(receiver.Config{
		StreamConn:  streamConn,
		ControlConn: controlConn,
		SSRC:        uint32(time.Now().UnixNano()),
		Assembly: assemble.Config{
			WaitForSync:            true,
			GenerateSkippedPSlices: true,
			GenerateGrayIDR:        envOr("GRAY_IDR", "") != "",
		},
	})
	if err != nil {
		slog.Error("failed to create receiver", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := recv.Start(ctx); err != nil {
		slog.Error("failed to start receiver", "error", err)
		os.Exit(1)
	}
	g.Go(func() error {
		<-ctx.Done()
		return recv.Stop()
	})

	if resendAddr != "" {
		outConn, err := transport.NewUDP(transport.UDPConfig{
			LocalAddr:  ":0",
			RemoteAddr: resendAddr,
		})
		if err != nil {
			slog.Error("failed to open resend transport", "error", err)
			os.Exit(1)
		}
		rs, err := recv.NewResender(receiver.ResenderConfig{
			Conn:        outConn,
			SSRC:        uint32(time.Now().UnixNano()) + 1,
			PayloadType: rtp.PayloadType,
		})
		if err != nil {
			slog.Error("failed to create resender", "error", err)
			os.Exit(1)
		}
		slog.Info("resending stream", "to", resendAddr)
		g.Go(func() error { return rs.Run(ctx) })
	}

	if recordFile != "" {
		f, err := os.Create(recordFile)
		if err != nil {
			slog.Error("failed to open record file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		rec, err := record.New(record.Config{W: f})
		if err != nil {
			slog.Error("failed to create recorder", "error", err)
			os.Exit(1)
		}
		slog.Info("recording stream", "file", recordFile)
		g.Go(func() error {
			err := rec.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		auCh, unsub := recv.SubscribeAU(0)
		g.Go(func() error {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return nil
				case au := <-auCh:
					switch err := rec.Push(au); {
					case err == nil:
					case errors.Is(err, media.ErrQueueFull):
						slog.Warn("record queue full, dropping access unit", "timestamp", au.Timestamp)
					case errors.Is(err, media.ErrBusy):
						return nil
					}
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				snap := recv.Monitoring(statsInterval)
				stats := recv.Stats()
				slog.Info("reception",
					"packets", snap.PacketsReceived,
					"missed", snap.PacketsMissed,
					"bytes", snap.BytesReceived,
					"jitter", snap.Jitter,
					"aus", stats.Assembler.AUsOutput,
					"concealed", stats.Assembler.ConcealedSlices,
					"resyncs", stats.Assembler.Resyncs,
				)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("receiver error", "error", err)
		os.Exit(1)
	}
	if err := recv.Close(); err != nil {
		slog.Warn("close", "error", err)
	}
}

// openStream opens the inbound media transport. QUIC listens and serves
// the first connecting sender.
func openStream(ctx context.Context, kind, addr, mcastIface string) (transport.Conn, error) {
	switch kind {
	case "udp":
		return transport.NewUDP(transport.UDPConfig{
			LocalAddr:          addr,
			MulticastInterface: mcastIface,
		})
	case "quic":
		ln, err := transport.ListenQUIC(addr, slog.Default())
		if err != nil {
			return nil, err
		}
		slog.Info("waiting for QUIC sender", "addr", ln.Addr())
		conn, err := ln.Accept(ctx)
		if err != nil {
			ln.Close()
			return nil, err
		}
		slog.Info("QUIC sender connected")
		return conn, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", media.ErrBadParameters, kind)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
