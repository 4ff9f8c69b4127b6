package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/fieldnode/internal/buildinfo"
	"github.com/nugget/fieldnode/internal/config"
	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/identity"
	"github.com/nugget/fieldnode/internal/journal"
	"github.com/nugget/fieldnode/internal/mqtt"
	"github.com/nugget/fieldnode/internal/readout"
	"github.com/nugget/fieldnode/internal/sensor"
	"github.com/nugget/fieldnode/internal/state"
	"github.com/nugget/fieldnode/internal/telemetry"
	"github.com/nugget/fieldnode/internal/timesync"
	"github.com/nugget/fieldnode/internal/trigger"
	"github.com/nugget/fieldnode/internal/wifi"
)

// family is one configured sensor family: a driver, its sampling
// interval and an optional topic override.
type family struct {
	driver   sensor.Driver
	interval time.Duration
	topic    string
}

// buildFamilies returns the enabled families in a fixed order. A
// family's position is its read-request index.
func buildFamilies(cfg *config.Config) []family {
	var out []family
	if c := cfg.Sensors.DS18B20; c.Enabled {
		out = append(out, family{
			driver:   sensor.NewOneWireDriver(c.BusPath),
			interval: config.Seconds(c.IntervalSec),
			topic:    c.Topic,
		})
	}
	if c := cfg.Sensors.DHT11; c.Enabled {
		out = append(out, family{
			driver:   sensor.NewDHTDriver(c.IIOPath, sensor.Quantity(c.Quantity)),
			interval: config.Seconds(c.IntervalSec),
			topic:    c.Topic,
		})
	}
	for _, m := range cfg.Sensors.Modbus {
		out = append(out, family{
			driver: sensor.NewModbusDriver(sensor.ModbusSpec{
				Name:         m.Name,
				SensorType:   m.SensorType,
				Unit:         m.Unit,
				Endpoint:     m.Endpoint,
				SerialDevice: m.Serial.Device,
				BaudRate:     m.Serial.BaudRate,
				Parity:       m.Serial.Parity,
				SlaveID:      m.SlaveID,
				Register:     m.Register,
				Input:        m.Input,
				Signed:       m.Signed,
				Scale:        m.Scale,
				Timeout:      config.Millis(m.TimeoutMs),
			}),
			interval: config.Seconds(m.IntervalSec),
			topic:    m.Topic,
		})
	}
	return out
}

// runNode boots the node and blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives.
//
// Boot order: identity, shared flags and channel, then every task.
// Tasks coordinate only through the flag register, so the order they
// are started in does not matter for correctness.
func runNode(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting fieldnode", buildinfo.LogGroup())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		// Already validated by loadConfig.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	// --- Identity ---
	deviceID, err := identity.FromInterface(cfg.Device.IDPrefix, cfg.Device.Interface)
	if err != nil {
		var fatal *identity.FatalError
		if errors.As(err, &fatal) {
			logger.Error("cannot identify device, refusing to start", "op", fatal.Op, "error", fatal.Err)
		}
		return fmt.Errorf("device identity: %w", err)
	}
	bootID := identity.NewBootID()
	logger = logger.With("device_id", deviceID)
	logger.Info("config loaded", "path", cfgPath, "boot_id", bootID, "broker", cfg.MQTT.Broker)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flags := state.New(logger)
	bus := events.New()
	readouts := readout.NewChannel(cfg.Channel.Capacity)

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("task stopped", "task", name, "error", err)
			}
		}()
	}

	// --- Journal ---
	if cfg.Journal.Path != "" {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
		}
		defer store.Close()
		boots, err := store.RecordBoot(bootID)
		if err != nil {
			logger.Warn("journal boot record failed", "error", err)
		}
		logger.Info("journal opened", "path", cfg.Journal.Path, "boot_count", boots)
		spawn("journal", func(ctx context.Context) error {
			journal.Follow(ctx, bus, store, logger)
			return nil
		})
	}

	// --- Connectivity ---
	var wifiSup *wifi.Supervisor
	radio := wifi.NewNetifRadio(wifi.NetifConfig{
		Interface:      cfg.Wifi.Interface,
		PollInterval:   config.Millis(cfg.Wifi.PollIntervalMs),
		ConnectTimeout: config.Seconds(cfg.Wifi.ConnectTimeoutSec),
		ConnectCommand: cfg.Wifi.ConnectCommand,
		Logger:         logger,
	}, func(ev wifi.Event) bool { return wifiSup.Post(ev) })
	wifiSup = wifi.NewSupervisor(radio, flags, wifi.Config{
		MaxRetry: cfg.Wifi.MaxRetry,
		Logger:   logger,
		Bus:      bus,
	})
	spawn("wifi", func(ctx context.Context) error {
		wifiSup.Run(ctx)
		return nil
	})
	radio.Start(ctx)

	// --- Time sync ---
	clock := timesync.NewClock()
	timeSup := timesync.NewSupervisor(timesync.NewNTPSyncer(cfg.NTP.Server), clock, flags, timesync.Config{
		SyncTimeout:    config.Seconds(cfg.NTP.SyncTimeoutSec),
		ResyncInterval: config.Seconds(cfg.NTP.ResyncIntervalSec),
		RetryCooldown:  config.Seconds(cfg.NTP.RetryCooldownSec),
		Logger:         logger,
		Bus:            bus,
	})
	spawn("timesync", timeSup.Run)

	// --- Sensor families ---
	families := buildFamilies(cfg)
	names := make([]string, 0, len(families))
	triggers := make([]*trigger.Trigger, 0, len(families))
	for i, f := range families {
		req := state.NewRequest(flags, i)
		trig, err := trigger.New(f.driver.Name(), f.interval, req, logger)
		if err != nil {
			return fmt.Errorf("family %s: %w", f.driver.Name(), err)
		}
		sampler := sensor.NewSampler(f.driver, req, readouts, clock, sensor.SamplerConfig{
			Topic:       f.topic,
			SendTimeout: config.Millis(cfg.Channel.SendTimeoutMs),
			Logger:      logger,
			Bus:         bus,
		})
		spawn("trigger/"+f.driver.Name(), func(ctx context.Context) error {
			trig.Run(ctx)
			return nil
		})
		spawn("sampler/"+f.driver.Name(), sampler.Run)
		names = append(names, f.driver.Name())
		triggers = append(triggers, trig)
	}

	// --- Broker session and publisher ---
	encoder, err := readout.NewEncoder(readout.Format(cfg.MQTT.Encoding))
	if err != nil {
		return err
	}
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = deviceID
	}
	session, err := mqtt.New(mqtt.Config{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       clientID,
		Topic:          cfg.MQTT.Topic,
		ContentType:    encoder.ContentType(),
		KeepAlive:      config.Seconds(cfg.MQTT.KeepAliveSec),
		PublishTimeout: config.Seconds(cfg.MQTT.PublishTimeoutSec),
		Info:           mqtt.NewDeviceInfo(deviceID, bootID, string(encoder.Format()), names),
		Logger:         logger,
		Bus:            bus,
	}, flags)
	if err != nil {
		return err
	}
	publisher, err := telemetry.New(session, flags, readouts, telemetry.Config{
		Topic:      cfg.MQTT.Topic,
		Encoder:    encoder,
		PublishGap: config.Millis(cfg.MQTT.PublishGapMs),
		IdleDelay:  config.Millis(cfg.MQTT.IdleDelayMs),
		Logger:     logger,
		Bus:        bus,
	})
	if err != nil {
		return err
	}
	spawn("publisher", publisher.Run)

	logger.Info("fieldnode running", "families", names, "channel_capacity", readouts.Cap())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := session.Stop(stopCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}

	wg.Wait()
	radio.Wait()

	for i, trig := range triggers {
		fired, coalesced := trig.Stats()
		logger.Info("family stopped", "family", names[i], "requests", fired, "coalesced", coalesced)
	}
	stats := publisher.Stats()
	logger.Info("fieldnode stopped",
		"published", stats.Published,
		"discarded", stats.Discarded,
		"queued", readouts.Len(),
		"wifi_state", wifiSup.State(),
		"wifi_retries", wifiSup.Retries(),
		"clock_synced", clock.Synced(),
		"clock_offset", clock.Offset(),
		"uptime", buildinfo.Uptime(),
	)
	return nil
}
