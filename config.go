package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	log "github.com/sirupsen/logrus"

	"github.com/pwurbs/pylon2mqtt/pylon"
)

// DefaultOptionsFile is the Home Assistant add-on options location.
const DefaultOptionsFile = "/data/options.json"

// Config holds the application configuration
type Config struct {
	SerialPort string `json:"serial_port"`
	BaudRate   int    `json:"baud_rate"`
	MQTTBroker string `json:"mqtt_broker"`
	MQTTUser   string `json:"mqtt_user"`
	MQTTPass   string `json:"mqtt_pass"`
	LogLevel   string `json:"log_level"`

	// Topic layout and Home Assistant identity
	MQTTRootTopic string `json:"mqtt_root_topic"`
	BankName      string `json:"bank_name"`
	UniqueID      string `json:"unique_id"`

	// Polling
	PublishRate     string `json:"publish_rate"`
	StayAwake       bool   `json:"stay_awake"`
	ReceiveTimeout  string `json:"receive_timeout"`
	ProtocolVersion string `json:"protocol_version"`

	MetricsAddr string `json:"metrics_addr"`
}

var config Config

func defaultConfig() Config {
	return Config{
		SerialPort:      "/dev/ttyUSB0",
		BaudRate:        9600,
		MQTTBroker:      "tcp://homeassistant:1883",
		LogLevel:        "info",
		MQTTRootTopic:   "PylonToMQTT",
		BankName:        "Bank1",
		PublishRate:     "10s",
		StayAwake:       true,
		ReceiveTimeout:  "2s",
		ProtocolVersion: "25",
	}
}

func loadConfig() {
	config = defaultConfig()

	path := DefaultOptionsFile
	if v := os.Getenv("OPTIONS_FILE"); v != "" {
		path = v
	}
	if data, err := os.ReadFile(path); err == nil {
		log.Infof("Loading config from %s", path)
		if err := json.Unmarshal(data, &config); err != nil {
			log.Warnf("Ignoring malformed %s: %v", path, err)
		}
	}

	// Env vars win over the options file
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		config.SerialPort = v
	}
	if v := os.Getenv("BAUD_RATE"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil {
			config.BaudRate = rate
		}
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		config.MQTTBroker = v
	}
	if v := os.Getenv("MQTT_USER"); v != "" {
		config.MQTTUser = v
	}
	if v := os.Getenv("MQTT_PASS"); v != "" {
		config.MQTTPass = v
	}
	if v := os.Getenv("MQTT_ROOT_TOPIC"); v != "" {
		config.MQTTRootTopic = v
	}
	if v := os.Getenv("BANK_NAME"); v != "" {
		config.BankName = v
	}
	if v := os.Getenv("UNIQUE_ID"); v != "" {
		config.UniqueID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("PUBLISH_RATE"); v != "" {
		config.PublishRate = v
	}
	if v := os.Getenv("STAY_AWAKE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.StayAwake = b
		}
	}
	if v := os.Getenv("RECEIVE_TIMEOUT"); v != "" {
		config.ReceiveTimeout = v
	}
	if v := os.Getenv("PROTOCOL_VERSION"); v != "" {
		config.ProtocolVersion = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		config.MetricsAddr = v
	}
}

// parseDuration falls back to def when value is not a valid duration.
func parseDuration(name, value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warnf("Invalid %s '%s', defaulting to %s", name, value, def)
		return def
	}
	return d
}

func (c *Config) wakePublishRate() time.Duration {
	d := parseDuration("publish_rate", c.PublishRate, DefaultWakePublishRate)
	if d < MinPublishRate || d > MaxPublishRate {
		log.Warnf("publish_rate %s out of range [%s, %s], defaulting to %s", d, MinPublishRate, MaxPublishRate, DefaultWakePublishRate)
		return DefaultWakePublishRate
	}
	return d
}

func (c *Config) receiveTimeout() time.Duration {
	return parseDuration("receive_timeout", c.ReceiveTimeout, pylon.DefaultReceiveTimeout)
}

// protocolVersion parses the VER byte, given in hex ("25" or "0x25").
func (c *Config) protocolVersion() byte {
	v := strings.TrimPrefix(strings.ToLower(c.ProtocolVersion), "0x")
	ver, err := strconv.ParseUint(v, 16, 8)
	if err != nil {
		log.Warnf("Invalid protocol_version '%s', defaulting to %02X", c.ProtocolVersion, pylon.DefaultVersion)
		return pylon.DefaultVersion
	}
	return byte(ver)
}

// rootTopicPrefix is <mqtt_root_topic>/<bank_name>.
func (c *Config) rootTopicPrefix() string {
	return strings.TrimSuffix(c.MQTTRootTopic, "/") + "/" + c.BankName
}

// uniqueID returns the configured id or one derived from the host's machine id.
func (c *Config) uniqueID() string {
	if c.UniqueID != "" {
		return c.UniqueID
	}
	id, err := machineid.ProtectedID("pylon2mqtt")
	if err != nil {
		log.Warnf("Could not read machine id, using bank name as unique id: %v", err)
		return c.BankName
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
