package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshnetlab/meshbridge/internal/buildinfo"
	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/logging"
	"github.com/meshnetlab/meshbridge/internal/mqttuplink"
	"github.com/meshnetlab/meshbridge/internal/notify"
	"github.com/meshnetlab/meshbridge/internal/persistence"
	"github.com/meshnetlab/meshbridge/internal/platform"
	"github.com/meshnetlab/meshbridge/internal/radio"
	"github.com/meshnetlab/meshbridge/internal/scheduler"
	"github.com/meshnetlab/meshbridge/internal/scripts"
	"github.com/meshnetlab/meshbridge/internal/transport"
	"github.com/meshnetlab/meshbridge/internal/virtual"
)

const (
	historyRetention = 30 * 24 * time.Hour
	pruneInterval    = 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("run meshbridged", "error", err)
		os.Exit(1)
	}
}

// lateSender breaks the construction cycle between the send queue and the
// radio service: the queue needs a sender before the service exists.
type lateSender struct {
	service *gateway.Service
}

func (l *lateSender) SendFrame(ctx context.Context, payload []byte) error {
	if l.service == nil {
		return fmt.Errorf("radio service is not ready")
	}

	return l.service.SendFrame(ctx, payload)
}

func run() error {
	configPath := flag.String("config", "meshbridge.json", "path to the daemon config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.BuildVersionWithDate())

		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("daemon")
	logger.Info("Starting meshbridge",
		"version", buildinfo.BuildVersion(), "build_date", buildinfo.BuildDateYMD())

	lock, err := platform.AcquireLock("meshbridge")
	switch {
	case errors.Is(err, platform.ErrAlreadyRunning):
		return fmt.Errorf("another meshbridge daemon is already running")
	case errors.Is(err, platform.ErrLockUnsupported):
		logger.Warn("Single-instance lock unsupported on this platform")
	case err != nil:
		return fmt.Errorf("acquire instance lock: %w", err)
	default:
		defer func() {
			if releaseErr := lock.Release(); releaseErr != nil {
				logger.Warn("release instance lock", "error", releaseErr)
			}
		}()
	}

	db, err := persistence.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("close sqlite", "error", closeErr)
		}
	}()
	store := persistence.NewStore(db)

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	codec, err := radio.NewCodec()
	if err != nil {
		return fmt.Errorf("initialize codec: %w", err)
	}

	tr, err := newTransport(cfg.Connection)
	if err != nil {
		return err
	}

	sender := &lateSender{}
	queue := gateway.NewSendQueue(logMgr.Logger("sendqueue"), codec, sender, store.Messages, b,
		time.Duration(cfg.SendQueue.MinIntervalSeconds)*time.Second)
	session := gateway.NewSessionController(logMgr.Logger("session"), codec, sender)

	scriptEnv := scriptBaseEnv(cfg)
	runner := scripts.NewRunner(logMgr.Logger("scripts"), scriptEnv, 0)

	responder, err := gateway.NewAutoResponder(logMgr.Logger("responder"), cfg.Responders, queue, runner,
		func() map[string]string { return scriptEnv })
	if err != nil {
		return fmt.Errorf("configure responders: %w", err)
	}

	linkQuality := gateway.NewLinkQualityTracker(logMgr.Logger("linkquality"), store.Telemetry)
	estimator := gateway.NewPositionEstimator(logMgr.Logger("position"), store.Telemetry)
	packetLog := gateway.NewPacketLogger(logMgr.Logger("packetlog"), store.PacketLog)
	welcomer := gateway.NewAutoWelcomer(logMgr.Logger("welcome"), cfg.Welcome, store.Nodes, queue)
	acker := gateway.NewAutoAcker(logMgr.Logger("acknowledge"), cfg.Acknowledge, queue)
	decryptor := gateway.NewChannelDecryptor(logMgr.Logger("decryptor"), store.Channels)

	engine := gateway.NewEngine(logMgr.Logger("engine"), gateway.EngineDeps{
		Codec:       codec,
		Store:       store,
		Bus:         b,
		Queue:       queue,
		Session:     session,
		Decryptor:   decryptor,
		PacketLog:   packetLog,
		LinkQuality: linkQuality,
		Estimator:   estimator,
		Welcomer:    welcomer,
		Responder:   responder,
		Acker:       acker,
	})

	service := gateway.NewService(logMgr.Logger("radio"), tr, codec, engine, b, queue, packetLog)
	sender.service = service

	sched := scheduler.NewSet(scheduler.Deps{
		Logger:      logMgr.Logger("scheduler"),
		Cfg:         cfg,
		Store:       store,
		Bus:         b,
		Codec:       codec,
		Sender:      sender,
		Queue:       queue,
		Session:     session,
		LinkQuality: linkQuality,
		Scripts:     runner,
		Connected:   service.Connected,
	})

	hub := virtual.NewHub(logMgr.Logger("virtual"), cfg.VirtualNode, b, codec, sender, queue)
	notifier := notify.NewService(logMgr.Logger("notify"), cfg.Notify, b, store.Nodes,
		notify.NewDesktopSender(logMgr.Logger("notify")))
	uplink := mqttuplink.NewUplink(logMgr.Logger("mqtt"), cfg.MQTT, b)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		service.Run(groupCtx)

		return nil
	})
	group.Go(func() error {
		engine.Run(groupCtx)

		return nil
	})
	group.Go(func() error {
		queue.Run(groupCtx)

		return nil
	})
	group.Go(func() error { return sched.Run(groupCtx) })
	group.Go(func() error { return hub.Run(groupCtx) })
	group.Go(func() error { return notifier.Run(groupCtx) })
	group.Go(func() error { return uplink.Run(groupCtx) })
	group.Go(func() error {
		pruneLoop(groupCtx, logger, db)

		return nil
	})

	err = group.Wait()
	logger.Info("Meshbridge stopped")

	return err
}

func newTransport(cfg config.ConnectionConfig) (transport.Transport, error) {
	switch cfg.Connector {
	case config.ConnectorIP:
		return transport.NewIPTransport(cfg.Host, cfg.Port), nil
	case config.ConnectorSerial:
		return transport.NewSerialTransport(cfg.SerialPort, cfg.SerialBaud), nil
	default:
		return nil, fmt.Errorf("unknown connector: %s", cfg.Connector)
	}
}

// scriptBaseEnv points user scripts at the radio surface they should use:
// the virtual-node listener when enabled, the physical radio otherwise.
func scriptBaseEnv(cfg config.AppConfig) map[string]string {
	host := cfg.Connection.Host
	port := strconv.Itoa(cfg.Connection.Port)
	if cfg.VirtualNode.Enabled {
		if h, p, err := net.SplitHostPort(cfg.VirtualNode.ListenAddr); err == nil {
			if h == "" || h == "0.0.0.0" || h == "::" {
				h = "127.0.0.1"
			}
			host, port = h, p
		}
	}

	return map[string]string{
		"MESHTASTIC_IP":   host,
		"MESHTASTIC_PORT": port,
	}
}

// pruneLoop trims the append-only history tables once a day.
func pruneLoop(ctx context.Context, logger *slog.Logger, db *sql.DB) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := persistence.PruneHistory(ctx, db, historyRetention); err != nil {
				logger.Warn("Prune history failed", "error", err)
			}
		}
	}
}
