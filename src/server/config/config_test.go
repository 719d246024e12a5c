package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func useTempConfigDir(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv(configDirEnv, tmpDir)
	return tmpDir
}

func TestConfig(t *testing.T) {
	tmpDir := useTempConfigDir(t)

	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	deviceID := GetDeviceID()
	if _, err := uuid.Parse(deviceID); err != nil {
		t.Errorf("Expected generated DeviceID to be a uuid, got %q", deviceID)
	}

	// Verify file exists
	path := filepath.Join(tmpDir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	c := Get()
	if c.HTTPAddr != DefaultHTTPAddr || c.TCPPort != DefaultTCPPort || c.LogLevel != DefaultLogLevel {
		t.Errorf("Defaults not applied: %+v", c)
	}
	if c.Link.Transport != "serial" {
		t.Errorf("Expected serial transport by default, got %q", c.Link.Transport)
	}

	// Reload keeps the persisted id
	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig reload failed: %v", err)
	}
	if GetDeviceID() != deviceID {
		t.Errorf("Expected persisted ID %s, got %s", deviceID, GetDeviceID())
	}
}

func TestConfigFillsMissingFields(t *testing.T) {
	tmpDir := useTempConfigDir(t)
	path := filepath.Join(tmpDir, "config.yaml")
	data := []byte(`device_id: meter-gateway-1
link:
  transport: tcp
  host: 10.0.0.7
  port: 10001
  timeout_seconds: 0.5
  auto_open: true
mqtt:
  broker: tcp://localhost:1883
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	c := Get()
	if c.DeviceID != "meter-gateway-1" {
		t.Errorf("Expected device id from file, got %s", c.DeviceID)
	}
	if c.Link.Transport != "tcp" || c.Link.Host != "10.0.0.7" || c.Link.Port != 10001 || !c.Link.AutoOpen {
		t.Errorf("Link not loaded: %+v", c.Link)
	}
	if c.Link.TimeoutSeconds != 0.5 {
		t.Errorf("Expected fractional timeout 0.5, got %v", c.Link.TimeoutSeconds)
	}
	if c.MQTT.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("Expected topic prefix %s, got %s", DefaultTopicPrefix, c.MQTT.TopicPrefix)
	}
	if c.MQTT.ClientID != "mbus-utils-meter-ga" {
		t.Errorf("Unexpected client id %s", c.MQTT.ClientID)
	}

	// Defaults were written back
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(raw), "http_addr:") || !strings.Contains(string(raw), "tcp_port:") {
		t.Errorf("Expected defaults persisted, got:\n%s", raw)
	}
}

func TestSetLink(t *testing.T) {
	useTempConfigDir(t)
	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	link := LinkConfig{Transport: "serial", SerialPort: "/dev/ttyUSB0", BaudRate: 9600, AutoOpen: true}
	if err := SetLink(link); err != nil {
		t.Fatalf("SetLink failed: %v", err)
	}

	// Clear memory and reload from disk
	cfgMu.Lock()
	cfg = Config{}
	cfgMu.Unlock()
	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig reload failed: %v", err)
	}

	if Get().Link != link {
		t.Errorf("Expected link %+v, got %+v", link, Get().Link)
	}
}

func TestConfigInvalidYAML(t *testing.T) {
	tmpDir := useTempConfigDir(t)
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("link: [oops"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := loadConfig(); err == nil {
		t.Error("Expected an error for invalid yaml")
	}
	if GetDeviceID() == "" {
		t.Error("Expected defaults after a failed load")
	}
}
