package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
mqtt:
  broker: mqtt://broker.local:1883
sensors:
  ds18b20:
    enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldnode.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/fieldnode.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "fieldnode.yaml"), []byte(minimalYAML), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "fieldnode.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "fieldnode.yaml")
	}
}

func TestLoad_DefaultsSurvive(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	if cfg.Channel.Capacity != 10 {
		t.Errorf("channel.capacity = %d, want 10", cfg.Channel.Capacity)
	}
	if cfg.NTP.SyncTimeoutSec != 10 || cfg.NTP.ResyncIntervalSec != 86400 {
		t.Errorf("ntp = %+v", cfg.NTP)
	}
	if cfg.Wifi.MaxRetry != 5 {
		t.Errorf("wifi.max_retry = %d, want 5", cfg.Wifi.MaxRetry)
	}
	if cfg.Sensors.DS18B20.BusPath != "/sys/bus/w1/devices" {
		t.Errorf("bus_path = %q", cfg.Sensors.DS18B20.BusPath)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("FIELDNODE_TEST_PASSWORD", "hunter2")
	cfg, err := Load(writeConfig(t, minimalYAML+"wifi:\n  password: ${FIELDNODE_TEST_PASSWORD}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Wifi.Password != "hunter2" {
		t.Errorf("password = %q, want %q", cfg.Wifi.Password, "hunter2")
	}
}

func TestLoad_ModbusDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
  modbus:
    - name: boiler
      unit: C
      endpoint: 10.0.0.5:502
      register: 100
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Sensors.Modbus) != 1 {
		t.Fatalf("modbus entries = %d", len(cfg.Sensors.Modbus))
	}
	m := cfg.Sensors.Modbus[0]
	if m.Scale != 1 || m.SlaveID != 1 || m.IntervalSec != 10 || m.SensorType != "boiler" {
		t.Errorf("modbus defaults not applied: %+v", m)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"bad encoding", func(c *Config) { c.MQTT.Encoding = "xml" }, "mqtt.encoding"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"no families", func(c *Config) { c.Sensors.DS18B20.Enabled = false }, "no sensor family"},
		{"zero capacity", func(c *Config) { c.Channel.Capacity = 0 }, "channel.capacity"},
		{"negative retry", func(c *Config) { c.Wifi.MaxRetry = -1 }, "wifi.max_retry"},
		{"dht quantity", func(c *Config) {
			c.Sensors.DHT11.Enabled = true
			c.Sensors.DHT11.Quantity = "pressure"
		}, "sensors.dht11.quantity"},
		{"modbus transport", func(c *Config) {
			c.Sensors.Modbus = []ModbusConfig{{Name: "x"}}
		}, "exactly one of endpoint"},
		{"modbus duplicate", func(c *Config) {
			c.Sensors.Modbus = []ModbusConfig{
				{Name: "x", Endpoint: "a:502"},
				{Name: "x", Endpoint: "b:502"},
			}
		}, "duplicated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MQTT.Broker = "mqtt://localhost:1883"
			cfg.Sensors.DS18B20.Enabled = true
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any() != slog.LevelInfo {
		t.Errorf("info level rewritten to %v", a.Value)
	}
}
