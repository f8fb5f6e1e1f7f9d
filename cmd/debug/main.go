package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meshnetlab/meshbridge/internal/buildinfo"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/logging"
	"github.com/meshnetlab/meshbridge/internal/radio"
	"github.com/meshnetlab/meshbridge/internal/transport"
)

// Connects to a radio (or a running meshbridge virtual node), requests the
// init config dump, and logs every decoded frame. Useful for checking what a
// device actually sends without running the full daemon.

const (
	initialConfigWaitTimeout = 45 * time.Second
	maxHexPreviewLen         = 64
)

func main() {
	if err := run(); err != nil {
		slog.Error("run debug tool", "error", err)
		os.Exit(1)
	}
}

func run() error {
	host := flag.String("host", "", "radio ip/hostname")
	port := flag.Int("port", config.DefaultIPPort, "radio tcp port")
	level := flag.String("level", "info", "log level")
	raw := flag.Bool("raw", false, "log raw frame hex too")
	listenFor := flag.Duration("listen-for", 0, "keep listening after the config dump, e.g. 30s (0 = until interrupt)")
	flag.Parse()

	if strings.TrimSpace(*host) == "" {
		return fmt.Errorf("missing radio host: set --host")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logMgr := logging.NewManager()
	if err := logMgr.Configure(*level, ""); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logger := logMgr.Logger("debug")
	logger.Info("starting meshbridge debug", "version", buildinfo.BuildVersion(), "host", *host, "port", *port)

	codec, err := radio.NewCodec()
	if err != nil {
		return fmt.Errorf("initialize codec: %w", err)
	}

	tr := transport.NewIPTransport(*host, *port)
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		_ = tr.Close()
	}()

	payload, wantConfigID, err := codec.EncodeWantConfig()
	if err != nil {
		return fmt.Errorf("encode want-config: %w", err)
	}
	if err := tr.WriteFrame(ctx, payload); err != nil {
		return fmt.Errorf("request config dump: %w", err)
	}
	logger.Info("waiting for config dump", "want_config_id", wantConfigID, "timeout", initialConfigWaitTimeout)

	deadline := time.Now().Add(initialConfigWaitTimeout)
	configured := false
	var stopAt time.Time
	for {
		if !configured && time.Now().After(deadline) {
			return fmt.Errorf("config dump did not complete within %s", initialConfigWaitTimeout)
		}
		if configured && !stopAt.IsZero() && time.Now().After(stopAt) {
			logger.Info("listen window elapsed")

			return nil
		}

		readCtx, cancel := context.WithTimeout(ctx, time.Second)
		rawFrame, err := tr.ReadFrame(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			return fmt.Errorf("read frame: %w", err)
		}
		if *raw {
			logger.Info("raw in", "len", len(rawFrame), "hex", previewHex(rawFrame))
		}

		frame, err := codec.DecodeFromRadio(rawFrame)
		if err != nil {
			logger.Warn("undecodable frame", "len", len(rawFrame), "error", err)

			continue
		}
		logFrame(logger, frame)

		if frame.Kind == radio.FrameConfigComplete && frame.ConfigCompleteID == wantConfigID && !configured {
			configured = true
			logger.Info("config dump complete", "local_node", domain.FormatNodeNum(codec.LocalNodeNum()))
			if *listenFor > 0 {
				stopAt = time.Now().Add(*listenFor)
				logger.Info("listening", "duration", *listenFor)
			} else {
				logger.Info("listening until interrupt")
			}
		}
	}
}

func logFrame(logger *slog.Logger, frame radio.Frame) {
	switch frame.Kind {
	case radio.FrameMyInfo:
		logger.Info("my-info", "node", domain.FormatNodeNum(frame.MyInfo.GetMyNodeNum()))
	case radio.FrameMetadata:
		logger.Info("metadata", "firmware", frame.Metadata.GetFirmwareVersion())
	case radio.FrameNodeInfo:
		user := frame.NodeInfo.GetUser()
		logger.Info("node-info",
			"node", domain.FormatNodeNum(frame.NodeInfo.GetNum()),
			"long_name", user.GetLongName(), "short_name", user.GetShortName())
	case radio.FrameChannel:
		logger.Info("channel",
			"index", frame.Channel.GetIndex(),
			"name", frame.Channel.GetSettings().GetName(),
			"role", frame.Channel.GetRole().String())
	case radio.FrameMeshPacket:
		info := frame.Packet
		logger.Info("packet",
			"from", domain.FormatNodeNum(info.From), "to", domain.FormatNodeNum(info.To),
			"portnum", info.Portnum.String(), "channel", info.Channel,
			"snr", info.RxSNR, "rssi", info.RxRSSI, "encrypted", len(info.Encrypted) > 0)
	case radio.FrameConfigComplete:
		logger.Info("config-complete", "id", frame.ConfigCompleteID)
	default:
		logger.Info("frame", "kind", frame.Kind.String(), "len", len(frame.Raw))
	}
}

func previewHex(raw []byte) string {
	encoded := hex.EncodeToString(raw)
	if len(encoded) <= maxHexPreviewLen {
		return encoded
	}

	return encoded[:maxHexPreviewLen] + "..."
}
