// Package config loads geocatch.cfg.json through viper and exposes typed
// views of each section.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geocatch/client/internal/influx"
	"github.com/geocatch/client/internal/journal"
	"github.com/geocatch/client/internal/push/mqttbus"
	"github.com/geocatch/client/internal/push/natsbus"
	"github.com/geocatch/client/internal/session"
	"github.com/geocatch/client/pkg/core"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "geocatch.cfg.json"

// Push transport types.
const (
	PushWebsocket = "websocket"
	PushNATS      = "nats"
	PushMQTT      = "mqtt"
	PushNone      = "none"
)

// APIConfig holds backend connection settings.
type APIConfig struct {
	ServerURL string
	APIKey    string
	Timeout   time.Duration
}

// PushConfig holds realtime transport settings. Only the section matching
// Type is used.
type PushConfig struct {
	Type      string
	Websocket WebsocketConfig
	NATS      natsbus.Config
	MQTT      mqttbus.Config
}

// WebsocketConfig holds the websocket transport settings.
type WebsocketConfig struct {
	URL     string
	Backoff time.Duration
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled        bool
	ServiceName    string
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Endpoint       string
	Insecure       bool
}

// GraylogConfig holds the GELF sink settings.
type GraylogConfig struct {
	Enabled  bool
	Address  string
	Facility string
}

// JournalConfig holds the capture journal settings.
type JournalConfig struct {
	Enabled bool
	journal.Config
}

// InfluxConfig holds the telemetry mirror settings.
type InfluxConfig struct {
	Enabled bool
	influx.Config
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("api.serverUrl", "http://localhost:5000")
	viper.SetDefault("api.apiKey", "")
	viper.SetDefault("api.timeout", "30s")

	d := session.DefaultConfig()
	viper.SetDefault("capture.radiusMeters", d.CaptureRadius)
	viper.SetDefault("capture.method", d.CaptureMethod)
	viper.SetDefault("nearby.radiusMeters", d.QueryRadius)
	viper.SetDefault("nearby.refreshInterval", d.RefreshInterval.String())
	viper.SetDefault("nearby.debounceWindow", d.DebounceWindow.String())
	viper.SetDefault("throttle.telemetry.interval", d.TelemetryInterval.String())
	viper.SetDefault("throttle.telemetry.distanceMeters", d.TelemetryDistance)
	viper.SetDefault("throttle.movement.interval", d.MovementInterval.String())
	viper.SetDefault("throttle.movement.distanceMeters", d.MovementDistance)
	viper.SetDefault("throttle.players.interval", d.PlayersInterval.String())
	viper.SetDefault("throttle.players.distanceMeters", d.PlayersDistance)
	viper.SetDefault("requestTimeout", d.RequestTimeout.String())

	viper.SetDefault("push.type", PushWebsocket)
	viper.SetDefault("push.websocket.url", "")
	viper.SetDefault("push.websocket.backoff", "2s")
	nc := natsbus.DefaultConfig()
	viper.SetDefault("push.nats.url", nc.URL)
	viper.SetDefault("push.nats.prefix", nc.Prefix)
	viper.SetDefault("push.nats.maxReconnects", nc.MaxReconnects)
	viper.SetDefault("push.nats.reconnectWait", nc.ReconnectWait.String())
	mc := mqttbus.DefaultConfig()
	viper.SetDefault("push.mqtt.broker", mc.Broker)
	viper.SetDefault("push.mqtt.prefix", mc.Prefix)
	viper.SetDefault("push.mqtt.qos", mc.QoS)
	viper.SetDefault("push.mqtt.timeout", mc.Timeout.String())

	viper.SetDefault("signals.catalogPath", "")

	viper.SetDefault("journal.enabled", true)
	viper.SetDefault("journal.name", "geocatch")
	viper.SetDefault("journal.dumpPath", "")
	viper.SetDefault("journal.dumpInterval", "3m")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.url", "http://localhost:8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "geocatch")
	viper.SetDefault("influx.backupPath", "")
	viper.SetDefault("influx.retentionDays", 30)

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "geocatch-client")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "1m")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")
	viper.SetDefault("graylog.facility", "geocatch")

	viper.SetDefault("device.installId", "")
	viper.SetDefault("device.platform", "cli")
	viper.SetDefault("device.model", "")
	viper.SetDefault("device.os", "")
	viper.SetDefault("device.appVersion", "dev")
}

// Load sets defaults, binds GEOCATCH_* environment variables and reads the
// config file from configDir. A missing file is not an error; a malformed
// one is.
func Load(configDir string) error {
	setDefaults()

	viper.SetEnvPrefix("GEOCATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetCoordinatorConfig returns the session coordinator thresholds.
func GetCoordinatorConfig() session.Config {
	return session.Config{
		CaptureRadius:     viper.GetFloat64("capture.radiusMeters"),
		CaptureMethod:     viper.GetString("capture.method"),
		QueryRadius:       viper.GetFloat64("nearby.radiusMeters"),
		RefreshInterval:   viper.GetDuration("nearby.refreshInterval"),
		DebounceWindow:    viper.GetDuration("nearby.debounceWindow"),
		TelemetryInterval: viper.GetDuration("throttle.telemetry.interval"),
		TelemetryDistance: viper.GetFloat64("throttle.telemetry.distanceMeters"),
		MovementInterval:  viper.GetDuration("throttle.movement.interval"),
		MovementDistance:  viper.GetFloat64("throttle.movement.distanceMeters"),
		PlayersInterval:   viper.GetDuration("throttle.players.interval"),
		PlayersDistance:   viper.GetFloat64("throttle.players.distanceMeters"),
		RequestTimeout:    viper.GetDuration("requestTimeout"),
	}
}

// GetAPIConfig returns the backend settings.
func GetAPIConfig() APIConfig {
	return APIConfig{
		ServerURL: viper.GetString("api.serverUrl"),
		APIKey:    viper.GetString("api.apiKey"),
		Timeout:   viper.GetDuration("api.timeout"),
	}
}

// GetPushConfig returns the realtime transport settings.
func GetPushConfig() (PushConfig, error) {
	cfg := PushConfig{
		Type: strings.ToLower(viper.GetString("push.type")),
		Websocket: WebsocketConfig{
			URL:     viper.GetString("push.websocket.url"),
			Backoff: viper.GetDuration("push.websocket.backoff"),
		},
		NATS: natsbus.Config{
			URL:           viper.GetString("push.nats.url"),
			Prefix:        viper.GetString("push.nats.prefix"),
			Token:         viper.GetString("api.apiKey"),
			Name:          "geocatch-client",
			MaxReconnects: viper.GetInt("push.nats.maxReconnects"),
			ReconnectWait: viper.GetDuration("push.nats.reconnectWait"),
		},
		MQTT: mqttbus.Config{
			Broker:   viper.GetString("push.mqtt.broker"),
			ClientID: viper.GetString("push.mqtt.clientId"),
			Username: viper.GetString("push.mqtt.username"),
			Password: viper.GetString("push.mqtt.password"),
			Prefix:   viper.GetString("push.mqtt.prefix"),
			QoS:      byte(viper.GetInt("push.mqtt.qos")),
			Timeout:  viper.GetDuration("push.mqtt.timeout"),
		},
	}

	switch cfg.Type {
	case PushWebsocket, PushNATS, PushMQTT, PushNone:
		return cfg, nil
	default:
		return cfg, fmt.Errorf("unknown push type %q", cfg.Type)
	}
}

// GetJournalConfig returns the capture journal settings.
func GetJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled: viper.GetBool("journal.enabled"),
		Config: journal.Config{
			Name:         viper.GetString("journal.name"),
			DumpPath:     viper.GetString("journal.dumpPath"),
			DumpInterval: viper.GetDuration("journal.dumpInterval"),
		},
	}
}

// GetInfluxConfig returns the telemetry mirror settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled: viper.GetBool("influx.enabled"),
		Config: influx.Config{
			URL:           viper.GetString("influx.url"),
			Token:         viper.GetString("influx.token"),
			Org:           viper.GetString("influx.org"),
			BackupPath:    viper.GetString("influx.backupPath"),
			RetentionDays: viper.GetInt("influx.retentionDays"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		BatchTimeout:   viper.GetDuration("otel.batchTimeout"),
		MetricInterval: viper.GetDuration("otel.metricInterval"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
	}
}

// GetGraylogConfig returns the GELF sink settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled:  viper.GetBool("graylog.enabled"),
		Address:  viper.GetString("graylog.address"),
		Facility: viper.GetString("graylog.facility"),
	}
}

// GetDeviceConfig returns the device description sent with sessions and
// captures.
func GetDeviceConfig() core.DeviceInfo {
	return core.DeviceInfo{
		InstallID:  viper.GetString("device.installId"),
		Platform:   viper.GetString("device.platform"),
		Model:      viper.GetString("device.model"),
		OS:         viper.GetString("device.os"),
		AppVersion: viper.GetString("device.appVersion"),
	}
}
