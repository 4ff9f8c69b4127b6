// Package config handles fieldnode configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./fieldnode.yaml, ~/.config/fieldnode/config.yaml, /etc/fieldnode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"fieldnode.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fieldnode", "config.yaml"))
	}

	paths = append(paths, "/etc/fieldnode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all fieldnode configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
	Device    DeviceConfig  `yaml:"device"`
	Wifi      WifiConfig    `yaml:"wifi"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	NTP       NTPConfig     `yaml:"ntp"`
	Channel   ChannelConfig `yaml:"channel"`
	Sensors   SensorsConfig `yaml:"sensors"`
	Journal   JournalConfig `yaml:"journal"`
}

// DeviceConfig controls how the device identity is derived.
type DeviceConfig struct {
	// IDPrefix is prepended to the MAC-derived identity.
	IDPrefix string `yaml:"id_prefix"`
	// Interface whose hardware address is used. Empty picks the first
	// non-loopback interface with a 6-byte MAC.
	Interface string `yaml:"interface"`
}

// WifiConfig defines the connectivity supervisor and host radio.
type WifiConfig struct {
	Interface string `yaml:"interface"`
	SSID      string `yaml:"ssid"`
	Password  string `yaml:"password"`
	// MaxRetry is the number of reconnects after consecutive
	// disconnects before the supervisor gives up.
	MaxRetry          int `yaml:"max_retry"`
	PollIntervalMs    int `yaml:"poll_interval_ms"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// ConnectCommand is run (argv form) for every connect attempt,
	// e.g. ["nmcli", "device", "wifi", "connect", "${WIFI_SSID}"].
	// Empty means the link is managed externally and attempts only
	// wait for it.
	ConnectCommand []string `yaml:"connect_command"`
}

// MQTTConfig defines the broker session and publisher cadence.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://, mqtts://, ssl://, tcp://
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Topic all families publish to unless they set their own.
	Topic string `yaml:"topic"`
	// ClientID defaults to the device identity.
	ClientID          string `yaml:"client_id"`
	Encoding          string `yaml:"encoding"` // json (default) or cbor
	KeepAliveSec      int    `yaml:"keepalive_sec"`
	PublishTimeoutSec int    `yaml:"publish_timeout_sec"`
	PublishGapMs      int    `yaml:"publish_gap_ms"`
	IdleDelayMs       int    `yaml:"idle_delay_ms"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// NTPConfig defines the time-sync supervisor.
type NTPConfig struct {
	Server            string `yaml:"server"`
	ResyncIntervalSec int    `yaml:"resync_interval_sec"`
	SyncTimeoutSec    int    `yaml:"sync_timeout_sec"`
	RetryCooldownSec  int    `yaml:"retry_cooldown_sec"`
}

// ChannelConfig sizes the readout channel.
type ChannelConfig struct {
	Capacity      int `yaml:"capacity"`
	SendTimeoutMs int `yaml:"send_timeout_ms"`
}

// SensorsConfig lists the sensor families.
type SensorsConfig struct {
	DS18B20 DS18B20Config  `yaml:"ds18b20"`
	DHT11   DHT11Config    `yaml:"dht11"`
	Modbus  []ModbusConfig `yaml:"modbus"`
}

// DS18B20Config is the one-wire temperature family.
type DS18B20Config struct {
	Enabled     bool   `yaml:"enabled"`
	IntervalSec int    `yaml:"interval_sec"`
	BusPath     string `yaml:"bus_path"`
	Topic       string `yaml:"topic"`
}

// DHT11Config is the IIO humidity/temperature family.
type DHT11Config struct {
	Enabled     bool   `yaml:"enabled"`
	IntervalSec int    `yaml:"interval_sec"`
	IIOPath     string `yaml:"iio_path"`
	Quantity    string `yaml:"quantity"` // humidity (default) or temperature
	Topic       string `yaml:"topic"`
}

// ModbusConfig is one Modbus register sensor, published as its own family.
type ModbusConfig struct {
	Name       string `yaml:"name"`
	SensorType string `yaml:"sensor_type"`
	Unit       string `yaml:"unit"`
	// Endpoint is host:port for Modbus TCP. Leave empty and set Serial
	// for RTU.
	Endpoint    string       `yaml:"endpoint"`
	Serial      SerialConfig `yaml:"serial"`
	SlaveID     uint8        `yaml:"slave_id"`
	Register    uint16       `yaml:"register"`
	Input       bool         `yaml:"input"` // input register (FC4) instead of holding (FC3)
	Signed      bool         `yaml:"signed"`
	Scale       float64      `yaml:"scale"`
	TimeoutMs   int          `yaml:"timeout_ms"`
	IntervalSec int          `yaml:"interval_sec"`
	Topic       string       `yaml:"topic"`
}

// SerialConfig defines a Modbus RTU line.
type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	Parity   string `yaml:"parity"` // N, E, O
}

// JournalConfig enables the SQLite event journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file on top of [Default].
// Environment variables are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Device: DeviceConfig{
			IDPrefix:  "FIELDNODE",
			Interface: "wlan0",
		},
		Wifi: WifiConfig{
			Interface:         "wlan0",
			MaxRetry:          5,
			PollIntervalMs:    2000,
			ConnectTimeoutSec: 20,
		},
		MQTT: MQTTConfig{
			Topic:             "fieldnode/readouts",
			Encoding:          "json",
			KeepAliveSec:      30,
			PublishTimeoutSec: 5,
			PublishGapMs:      100,
			IdleDelayMs:       500,
		},
		NTP: NTPConfig{
			Server:            "pool.ntp.org",
			ResyncIntervalSec: 86400,
			SyncTimeoutSec:    10,
			RetryCooldownSec:  30,
		},
		Channel: ChannelConfig{
			Capacity:      10,
			SendTimeoutMs: 100,
		},
		Sensors: SensorsConfig{
			DS18B20: DS18B20Config{
				IntervalSec: 5,
				BusPath:     "/sys/bus/w1/devices",
			},
			DHT11: DHT11Config{
				IntervalSec: 10,
				IIOPath:     "/sys/bus/iio/devices",
				Quantity:    "humidity",
			},
		},
	}
}

// applyDefaults fills per-entry defaults for list items, which yaml
// cannot inherit from Default.
func (c *Config) applyDefaults() {
	for i := range c.Sensors.Modbus {
		m := &c.Sensors.Modbus[i]
		if m.Scale == 0 {
			m.Scale = 1
		}
		if m.TimeoutMs == 0 {
			m.TimeoutMs = 1000
		}
		if m.IntervalSec == 0 {
			m.IntervalSec = 10
		}
		if m.SlaveID == 0 {
			m.SlaveID = 1
		}
		if m.SensorType == "" {
			m.SensorType = m.Name
		}
		if m.Serial.Device != "" && m.Serial.BaudRate == 0 {
			m.Serial.BaudRate = 9600
		}
		if m.Serial.Parity == "" {
			m.Serial.Parity = "N"
		}
	}
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Device.IDPrefix == "" {
		errs = append(errs, errors.New("device.id_prefix must not be empty"))
	}
	if c.Wifi.MaxRetry < 0 {
		errs = append(errs, errors.New("wifi.max_retry must be >= 0"))
	}
	if c.Wifi.PollIntervalMs <= 0 {
		errs = append(errs, errors.New("wifi.poll_interval_ms must be > 0"))
	}
	if !c.MQTT.Configured() {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required"))
	}
	if c.MQTT.Encoding != "" && c.MQTT.Encoding != "json" && c.MQTT.Encoding != "cbor" {
		errs = append(errs, fmt.Errorf("mqtt.encoding %q (valid: json, cbor)", c.MQTT.Encoding))
	}
	if c.NTP.Server == "" {
		errs = append(errs, errors.New("ntp.server is required"))
	}
	if c.NTP.SyncTimeoutSec <= 0 || c.NTP.ResyncIntervalSec <= 0 || c.NTP.RetryCooldownSec <= 0 {
		errs = append(errs, errors.New("ntp intervals must be > 0"))
	}
	if c.Channel.Capacity <= 0 {
		errs = append(errs, errors.New("channel.capacity must be > 0"))
	}

	families := 0
	if c.Sensors.DS18B20.Enabled {
		families++
		if c.Sensors.DS18B20.IntervalSec <= 0 {
			errs = append(errs, errors.New("sensors.ds18b20.interval_sec must be > 0"))
		}
	}
	if c.Sensors.DHT11.Enabled {
		families++
		if c.Sensors.DHT11.IntervalSec <= 0 {
			errs = append(errs, errors.New("sensors.dht11.interval_sec must be > 0"))
		}
		if q := c.Sensors.DHT11.Quantity; q != "humidity" && q != "temperature" {
			errs = append(errs, fmt.Errorf("sensors.dht11.quantity %q (valid: humidity, temperature)", q))
		}
	}
	seen := make(map[string]bool)
	for i, m := range c.Sensors.Modbus {
		families++
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("sensors.modbus[%d].name is required", i))
		} else if seen[m.Name] {
			errs = append(errs, fmt.Errorf("sensors.modbus[%d].name %q is duplicated", i, m.Name))
		}
		seen[m.Name] = true
		if (m.Endpoint == "") == (m.Serial.Device == "") {
			errs = append(errs, fmt.Errorf("sensors.modbus[%d]: exactly one of endpoint or serial.device is required", i))
		}
	}
	if families == 0 {
		errs = append(errs, errors.New("no sensor family enabled"))
	}
	// 28 request bits are available in the flag register.
	if families > 28 {
		errs = append(errs, fmt.Errorf("%d sensor families configured, at most 28 supported", families))
	}

	return errors.Join(errs...)
}

// Seconds converts a config integer to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a config integer to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
