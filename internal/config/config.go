package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Config struct {
	ConfigFile string
	DBFile     string
	LogFile    string
	LogLevel   zerolog.Level

	// device endpoints
	DeviceWSURL    string `json:"device_ws_url"`
	DeviceFetchURL string `json:"device_fetch_url"`

	// connection manager
	HeartbeatSeconds      int `json:"heartbeat_seconds"`
	ReconnectBaseDelayMS  int `json:"reconnect_base_delay_ms"`
	ReconnectDelayCap     int `json:"reconnect_delay_cap"`
	ReconnectMaxAttempts  int `json:"reconnect_max_attempts"`
	ReconnectResetSeconds int `json:"reconnect_reset_seconds"`
	SendTimeoutSeconds    int `json:"send_timeout_seconds"`

	// device status
	FreshnessSeconds int `json:"freshness_seconds"`

	// periodic jobs
	AutomationSweepSeconds int `json:"automation_sweep_seconds"`
	PersistIntervalSeconds int `json:"persist_interval_seconds"`
	FallbackPollSeconds    int `json:"fallback_poll_seconds"`

	// gas-exchange accumulator
	AirflowRateM3H         float64 `json:"airflow_rate_m3h"`
	NoiseFloorPPM          float64 `json:"noise_floor_ppm"`
	MaxElapsedMinutes      int     `json:"max_elapsed_minutes"`
	DefaultIntervalSeconds int     `json:"default_interval_seconds"`
	CaptureEfficiency      float64 `json:"capture_efficiency"`
	HistorySize            int     `json:"history_size"`

	// relay reconciler
	RelayMaxRetries       int `json:"relay_max_retries"`
	RelayRetryDelayMS     int `json:"relay_retry_delay_ms"`
	RelayStalenessSeconds int `json:"relay_staleness_seconds"`

	// boundary integrations
	NtfyTopic       string   `json:"ntfy_topic"`
	MQTTBroker      string   `json:"mqtt_broker"`
	MQTTClientID    string   `json:"mqtt_client_id"`
	MQTTTopicPrefix string   `json:"mqtt_topic_prefix"`
	EnableDatadog   bool     `json:"enable_datadog"`
	DDAgentAddr     string   `json:"dd_agent_addr"`
	DDNamespace     string   `json:"dd_namespace"`
	DDTags          []string `json:"dd_tags"`

	APIPort int `json:"api_port"`
}

func Load() *Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.DBFile, "db-file", "data/scrubber.db", "Path to sqlite state database")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Optional log file path (stderr if empty)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return &cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	setInt := func(p *int, def int) {
		if *p == 0 {
			*p = def
		}
	}
	setInt(&cfg.HeartbeatSeconds, 30)
	setInt(&cfg.ReconnectBaseDelayMS, 5000)
	setInt(&cfg.ReconnectDelayCap, 5)
	setInt(&cfg.ReconnectMaxAttempts, 10)
	setInt(&cfg.ReconnectResetSeconds, 300)
	setInt(&cfg.SendTimeoutSeconds, 5)
	setInt(&cfg.FreshnessSeconds, 90)
	setInt(&cfg.AutomationSweepSeconds, 10)
	setInt(&cfg.PersistIntervalSeconds, 60)
	setInt(&cfg.FallbackPollSeconds, 60)
	setInt(&cfg.MaxElapsedMinutes, 5)
	setInt(&cfg.DefaultIntervalSeconds, 30)
	setInt(&cfg.HistorySize, 288)
	setInt(&cfg.RelayMaxRetries, 3)
	setInt(&cfg.RelayRetryDelayMS, 2000)
	setInt(&cfg.RelayStalenessSeconds, 30)
	setInt(&cfg.APIPort, 8080)

	if cfg.NoiseFloorPPM == 0 {
		cfg.NoiseFloorPPM = 5.0
	}
	if cfg.CaptureEfficiency == 0 {
		cfg.CaptureEfficiency = 0.9
	}
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "scrubber-controller"
	}
	if cfg.MQTTTopicPrefix == "" {
		cfg.MQTTTopicPrefix = "scrubber"
	}
}

func (cfg *Config) validate() {
	var missing []string

	if cfg.DeviceWSURL == "" {
		missing = append(missing, "device_ws_url")
	}
	if cfg.AirflowRateM3H <= 0 {
		missing = append(missing, "airflow_rate_m3h")
	}

	if len(missing) > 0 {
		panic("Missing required config fields: " + strings.Join(missing, ", "))
	}

	if cfg.CaptureEfficiency <= 0 || cfg.CaptureEfficiency > 1 {
		panic(fmt.Sprintf("capture_efficiency must be in (0,1], got %v", cfg.CaptureEfficiency))
	}
}
