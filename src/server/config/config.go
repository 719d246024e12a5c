package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"mbus-master-utils/src/server/util"
)

const (
	prodConfigDir  = "/var/lib/mbus-utils"
	configFileName = "config.yaml"
	configDirEnv   = "MBUS_UTILS_CONFIG_DIR"

	DefaultHTTPAddr    = ":9080"
	DefaultTCPPort     = "9081"
	DefaultLogLevel    = "info"
	DefaultTopicPrefix = "mbus"
)

// LinkConfig is the persisted M-Bus connection.
type LinkConfig struct {
	Transport      string  `yaml:"transport" json:"transport"`
	SerialPort     string  `yaml:"serial_port,omitempty" json:"serial_port,omitempty"`
	BaudRate       int     `yaml:"baud_rate,omitempty" json:"baud_rate,omitempty"`
	Host           string  `yaml:"host,omitempty" json:"host,omitempty"`
	Port           int     `yaml:"port,omitempty" json:"port,omitempty"`
	TimeoutSeconds float64 `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	AutoOpen       bool    `yaml:"auto_open" json:"auto_open"`
}

// MQTTConfig enables publishing when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	QoS         byte   `yaml:"qos,omitempty"`
}

type Config struct {
	DeviceID        string     `yaml:"device_id"`
	LogLevel        string     `yaml:"log_level,omitempty"`
	HTTPAddr        string     `yaml:"http_addr,omitempty"`
	TCPPort         string     `yaml:"tcp_port,omitempty"`
	ServeExternally bool       `yaml:"serve_externally,omitempty"`
	Link            LinkConfig `yaml:"link"`
	MQTT            MQTTConfig `yaml:"mqtt,omitempty"`
}

var (
	cfg     Config
	cfgPath string
	cfgOnce sync.Once
	cfgMu   sync.RWMutex
)

func init() {
	cfgOnce.Do(func() {
		if err := loadConfig(); err != nil {
			log.Warn().Err(err).Msg("config: failed to load, using defaults")
		}
	})
}

// Get returns a copy of the current configuration.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

func GetDeviceID() string {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.DeviceID
}

// SetLink replaces the link section and persists it.
func SetLink(link LinkConfig) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	cfg.Link = link
	return saveConfigLocked(cfgPath)
}

func getConfigPath() string {
	if dir := util.Getenv(configDirEnv, ""); dir != "" {
		return filepath.Join(dir, configFileName)
	}
	if info, err := os.Stat(prodConfigDir); err == nil && info.IsDir() {
		testFile := filepath.Join(prodConfigDir, ".write_test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return filepath.Join(prodConfigDir, configFileName)
		}
	}
	return filepath.Join("tmp", configFileName)
}

// applyDefaults fills unset fields and reports whether anything changed.
func applyDefaults(c *Config) bool {
	changed := false
	set := func(field *string, value string) {
		if *field == "" {
			*field = value
			changed = true
		}
	}
	set(&c.DeviceID, uuid.NewString())
	set(&c.LogLevel, DefaultLogLevel)
	set(&c.HTTPAddr, DefaultHTTPAddr)
	set(&c.TCPPort, DefaultTCPPort)
	set(&c.Link.Transport, "serial")
	if c.MQTT.Broker != "" {
		set(&c.MQTT.TopicPrefix, DefaultTopicPrefix)
		id := c.DeviceID
		if len(id) > 8 {
			id = id[:8]
		}
		set(&c.MQTT.ClientID, "mbus-utils-"+id)
	}
	return changed
}

func loadConfig() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	cfgPath = getConfigPath()
	log.Info().Str("path", cfgPath).Msg("config")
	cfg = Config{}
	data, err := os.ReadFile(cfgPath)
	if err != nil && !os.IsNotExist(err) {
		applyDefaults(&cfg)
		return err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			applyDefaults(&cfg)
			return err
		}
	}

	if applyDefaults(&cfg) {
		return saveConfigLocked(cfgPath)
	}
	return nil
}

func saveConfigLocked(path string) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
