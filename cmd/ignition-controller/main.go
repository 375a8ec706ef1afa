// Command ignition-controller drives the solenoids of a two-cylinder
// pulse-firing engine from its position sensors and publishes telemetry to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sweeney/ignition-controller/internal/config"
	"github.com/sweeney/ignition-controller/internal/engine"
	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/gpio"
	"github.com/sweeney/ignition-controller/internal/logic"
	"github.com/sweeney/ignition-controller/internal/mqtt"
	"github.com/sweeney/ignition-controller/internal/status"
	"github.com/sweeney/ignition-controller/internal/web"
)

// updateQueue bounds configuration updates waiting for the run loop.
const updateQueue = 16

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

type options struct {
	configPath  string
	broker      string
	topicPrefix string
	httpAddr    string
	hal         string
	chip        string
	tick        time.Duration
	debounce    time.Duration
	logLevel    string
	logCapacity int
	printConfig bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "ignition-controller",
		Short: "Pulse-firing engine ignition controller",
		Long: `Reads the cylinder position sensors, fires the solenoids after the
configured delay and duration, estimates RPM and optionally adjusts the
firing duration to hold a target RPM.

Flags given on the command line override the config file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if opts.printConfig {
				data, err := cfg.Marshal()
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			logger := newLogger(cfg.Log.Level, os.Stderr)
			return run(cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to YAML config file")
	f.StringVar(&opts.broker, "broker", def.MQTT.Broker, "MQTT broker address")
	f.StringVar(&opts.topicPrefix, "topic-prefix", def.MQTT.TopicPrefix, "MQTT topic prefix")
	f.StringVar(&opts.httpAddr, "http", def.HTTP.Addr, "HTTP status address (empty to disable)")
	f.StringVar(&opts.hal, "hal", def.HAL.Backend, "GPIO backend (gpiocdev|periph)")
	f.StringVar(&opts.chip, "chip", def.HAL.Chip, "GPIO chip for the gpiocdev backend")
	f.DurationVar(&opts.tick, "tick", def.Control.Tick, "control loop period")
	f.DurationVar(&opts.debounce, "debounce", def.Control.Debounce, "sensor debounce window")
	f.StringVar(&opts.logLevel, "log-level", def.Log.Level, "log level (trace|debug|info|warn|error)")
	f.IntVar(&opts.logCapacity, "log-capacity", def.Log.Capacity, "event log entries retained")
	f.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")

	return cmd
}

// loadConfig reads the config file, if any, and applies explicitly set flags on top.
func loadConfig(cmd *cobra.Command, opts *options) (config.File, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return config.File{}, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("broker") {
		cfg.MQTT.Broker = opts.broker
	}
	if changed("topic-prefix") {
		cfg.MQTT.TopicPrefix = opts.topicPrefix
	}
	if changed("http") {
		cfg.HTTP.Addr = opts.httpAddr
	}
	if changed("hal") {
		cfg.HAL.Backend = opts.hal
	}
	if changed("chip") {
		cfg.HAL.Chip = opts.chip
	}
	if changed("tick") {
		cfg.Control.Tick = opts.tick
	}
	if changed("debounce") {
		cfg.Control.Debounce = opts.debounce
	}
	if changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if changed("log-capacity") {
		cfg.Log.Capacity = opts.logCapacity
	}

	if err := cfg.Validate(); err != nil {
		return config.File{}, err
	}
	return cfg, nil
}

// newLogger writes human-readable output to a terminal and JSON otherwise.
// It also becomes the global logger.
func newLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := w
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func openHAL(cfg config.HAL) (gpio.HAL, error) {
	if cfg.Backend == gpio.BackendPeriph {
		p, err := gpio.NewPeriph()
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	c, err := gpio.NewChip(cfg.Chip)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func run(cfg config.File, logger zerolog.Logger) error {
	events := eventlog.New(cfg.Log.Capacity, logger)

	hal, err := openHAL(cfg.HAL)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	// Outputs are driven low and lines released on every exit path.
	defer func() {
		if err := hal.Close(); err != nil {
			logger.Error().Err(err).Msg("release gpio")
		}
	}()

	ctrl, err := engine.New(hal, engine.Options{
		Defaults:      cfg.Defaults(),
		Pins:          cfg.Pins(),
		Debounce:      cfg.Control.Debounce,
		RPMWindow:     cfg.Control.RPMWindow,
		Tick:          cfg.Control.Tick,
		IntegralLimit: cfg.Control.IntegralLimit,
		Log:           events,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init controller: %w", err)
	}

	updates := make(chan []byte, updateQueue)
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		Topics:     mqtt.NewTopics(cfg.MQTT.TopicPrefix),
		BufferSize: cfg.MQTT.BufferSize,
		OnConfigSet: func(payload []byte) {
			select {
			case updates <- payload:
			default:
				logger.Warn().Msg("configuration update queue full, dropping update")
			}
		},
		Log:    events,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		TickMs:      cfg.Control.Tick.Milliseconds(),
		DebounceMs:  cfg.Control.Debounce.Milliseconds(),
		HAL:         cfg.HAL.Backend,
		Broker:      cfg.MQTT.Broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		HTTPAddr:    cfg.HTTP.Addr,
	}, ctrl.Configuration())
	if netInfo := readNetworkInfo(); netInfo != nil {
		tracker.SetNetwork(netInfo)
	}

	wire(ctrl, events, publisher, tracker, logger)

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	events.Addf("ignition controller started (gpio %s, %s, %s)",
		cfg.HAL.Backend, ctrl.Configuration().StrokeMode, ctrl.Configuration().ControlMode)

	tracker.SetMQTTConnected(publisher.IsConnected())
	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.EventStartup,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, mqtt.EventStartup, ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		logger.Warn().Err(err).Msg("failed to publish startup event")
	}
	if err := publisher.PublishConfig(ctrl.Configuration()); err != nil {
		logger.Warn().Err(err).Msg("failed to publish configuration")
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, ctrl, events, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	logger.Info().
		Str("hal", cfg.HAL.Backend).
		Str("broker", cfg.MQTT.Broker).
		Dur("tick", cfg.Control.Tick).
		Dur("debounce", cfg.Control.Debounce).
		Msg("started")

	ticker := time.NewTicker(cfg.Control.Tick)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctrl, publisher, publisher, tracker, logger, ticker.C, sigCh, updates)
}

// wire connects controller and event log changes to MQTT and the status tracker.
func wire(ctrl *engine.Controller, events *eventlog.Log, publisher mqtt.Publisher, tracker *status.Tracker, logger zerolog.Logger) {
	ctrl.Subscribe(func(c logic.Configuration) {
		tracker.SetEngine(c)
		if err := publisher.PublishConfig(c); err != nil {
			logger.Warn().Err(err).Msg("publish configuration")
		}
	})
	events.Subscribe(func(e eventlog.Entry) {
		if err := publisher.PublishLog(e); err != nil {
			logger.Debug().Err(err).Msg("publish log entry")
		}
	})
}

func runLoop(ctrl *engine.Controller, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, logger zerolog.Logger, tick <-chan time.Time, sig <-chan os.Signal, updates <-chan []byte) error {
	shutdown := func(reason string) {
		event := mqtt.SystemEvent{
			Timestamp: time.Now(),
			Event:     mqtt.EventShutdown,
			Reason:    reason,
			Retained:  true,
		}
		if tracker != nil {
			if mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}
			snap := tracker.Snapshot()
			event.Timestamp = snap.Now
			event.RawPayload = status.FormatStatusEvent(snap, mqtt.EventShutdown, reason)
		}
		if err := publisher.PublishSystem(event); err != nil {
			logger.Warn().Err(err).Msg("failed to publish shutdown event")
		} else {
			logger.Info().Str("reason", reason).Msg("published shutdown event")
		}
	}

	for {
		select {
		case s := <-sig:
			logger.Info().Str("signal", s.String()).Msg("shutting down")
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			shutdown(signalName)
			return nil

		case err := <-ctrl.Faults():
			logger.Error().Err(err).Msg("controller fault")
			shutdown("SENSOR_FAULT")
			return err

		case data := <-updates:
			if _, err := ctrl.ApplyJSON(data); err != nil {
				logger.Warn().Err(err).Msg("configuration update rejected")
			}

		case <-tick:
			res := ctrl.Tick()
			if err := publisher.PublishTelemetry(res.Telemetry); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
				logger.Warn().Err(err).Msg("publish telemetry")
			}
			if res.Config != nil {
				if err := publisher.PublishConfig(*res.Config); err != nil {
					logger.Warn().Err(err).Msg("publish configuration")
				}
			}

			if tracker != nil {
				if res.Config != nil {
					tracker.SetEngine(*res.Config)
				}
				tracker.Update(res.Telemetry, ctrl.Overlaps())
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
			}
		}
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
