// Command chardevd wires the flow-control core to a byte-stream device
// connection, a NATS client-channel transport, and an optional Kafka
// self-token feed.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chardev/internal/core"
	"github.com/adred-codev/chardev/internal/devicenet"
	"github.com/adred-codev/chardev/internal/feed/kafkafeed"
	"github.com/adred-codev/chardev/internal/obslog"
	"github.com/adred-codev/chardev/internal/obsmetrics"
	"github.com/adred-codev/chardev/internal/sysmon"
	"github.com/adred-codev/chardev/internal/transport/natschannel"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config")
	}

	logger := obslog.NewLogger(obslog.Config{
		Level:     obslog.LogLevel(cfg.LogLevel),
		Format:    obslog.LogFormat(cfg.LogFormat),
		Component: "chardevd",
	})
	audit := obslog.NewAuditLogger(logger, obslog.NewConsoleAlerter())

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting chardevd")
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := sysmon.New(logger)
	go mon.Run(ctx, cfg.MetricsInterval, func(s sysmon.Sample) {
		logger.Debug().
			Float64("cpu_percent", s.CPUPercent).
			Int("goroutines", s.Goroutines).
			Bool("container_mode", s.ContainerMode).
			Msg("resource sample")
	})

	collector := obsmetrics.NewCollector()
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	nc, err := nats.Connect(cfg.NatsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to nats")
	}
	defer nc.Close()

	ln, err := listen(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("listen for device connections")
	}
	defer ln.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runDeviceLoop(ctx, cfg, logger, audit, nc, collector, ln, sigCh)

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)
	collector.Stop()
}

// listen opens the device-connection TCP listener. Both device kinds
// listen the same way; "ws" connections are upgraded per-accept in
// acceptDevice rather than via a separate HTTP server.
func listen(cfg *Config) (net.Listener, error) {
	return net.Listen("tcp", cfg.DeviceListen)
}

// acceptDevice blocks for the next connection and wraps it in the
// configured DeviceIO implementation.
func acceptDevice(ln net.Listener, cfg *Config, logger zerolog.Logger) (core.DeviceIO, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	if cfg.DeviceKind == "ws" {
		// ws.Upgrade reads the handshake request and writes the response
		// directly on conn; there is no separate upgraded connection to
		// capture, unlike the http.Handler-based ws.UpgradeHTTP.
		if _, err := ws.Upgrade(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return devicenet.NewWSDevice(conn, logger), nil
	}
	return devicenet.NewNetDevice(conn, cfg.DeviceBuffer, logger), nil
}

// runDeviceLoop accepts a single device connection, wires it to the core
// and its transports, and blocks until the process is signalled to stop.
func runDeviceLoop(ctx context.Context, cfg *Config, logger zerolog.Logger, audit *obslog.AuditLogger, nc *nats.Conn, collector *obsmetrics.Collector, ln net.Listener, sigCh <-chan os.Signal) {
	io, err := acceptDevice(ln, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("accept device connection")
		return
	}

	channel := natschannel.New(natschannel.Config{
		Conn:              nc,
		Logger:            logger,
		PublishRate:       cfg.NatsPublishRate,
		PublishBurst:      cfg.NatsPublishBurst,
		OutboundQueueSize: cfg.NatsOutboxSize,
	})
	go channel.Run()
	defer channel.Close()

	cbs := channel.Callbacks()
	cbs.ReadOneMsgFromDevice = func(dev *core.DeviceRecord) (any, error) {
		// An empty read must reach the pump as a nil interface, not a
		// nil []byte boxed into a non-nil any; the pump's end-of-poll
		// check is msg == nil.
		b, err := io.Read()
		if len(b) == 0 {
			return nil, err
		}
		return b, nil
	}

	var feed *kafkafeed.Feed
	if cfg.kafkaEnabled() {
		f, err := kafkafeed.New(kafkafeed.Config{
			Brokers:       cfg.kafkaBrokers(),
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        cfg.kafkaTopics(),
			Logger:        logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("start kafka feed")
		} else {
			feed = f
			cbs.OnFreeSelfToken = feed.OnFreeSelfToken
		}
	}

	dev := core.Create(core.Config{
		IO:                   io,
		ClientTokensInterval: cfg.ClientTokensInterval,
		SelfTokens:           cfg.SelfTokens,
		Callbacks:            cbs,
		Logger:               logger,
		Observer:             newAuditingObserver(collector, audit),
	})
	channel.SetDevice(dev)
	if err := channel.ServeAttach(); err != nil {
		logger.Error().Err(err).Msg("serve attach requests")
	}
	dev.Start()
	io.State(true)

	if feed != nil {
		feed.SetDevice(dev)
		feed.Start()
	}

	collector.PollSnapshots(dev, cfg.MetricsInterval)

	defer func() {
		if feed != nil {
			feed.Stop()
		}
		io.State(false)
		dev.Destroy()
	}()

	<-sigCh
}
