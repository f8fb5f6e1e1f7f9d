package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConnectorType identifies which transport backend reaches the radio.
type ConnectorType string

const (
	ConnectorIP     ConnectorType = "ip"
	ConnectorSerial ConnectorType = "serial"

	DefaultIPPort     = 4403
	DefaultSerialBaud = 115200
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level   string `json:"level"`
	LogFile string `json:"log_file"`
}

// ConnectionConfig contains connector-specific connection parameters.
type ConnectionConfig struct {
	Connector  ConnectorType `json:"connector"`
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	SerialPort string        `json:"serial_port"`
	SerialBaud int           `json:"serial_baud"`
}

// SendQueueConfig controls outbound rate limiting and retries.
type SendQueueConfig struct {
	MinIntervalSeconds int `json:"min_interval_seconds"`
	MaxAttempts        int `json:"max_attempts"`
}

// ScheduleWindow restricts a periodic task to a daily HH:MM interval.
// Empty strings mean no restriction.
type ScheduleWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TaskConfig is the shared shape of every periodic task: interval in minutes
// (0 disables the task) plus an optional daily window.
type TaskConfig struct {
	IntervalMinutes int            `json:"interval_minutes"`
	Window          ScheduleWindow `json:"window"`
}

// KeyRepairConfig extends the shared task shape with the attempt ceiling.
type KeyRepairConfig struct {
	TaskConfig
	MaxAttempts       int  `json:"max_attempts"`
	RemoveAfterFailed bool `json:"remove_after_failed"`
}

// AnnounceConfig drives the periodic self-announcement.
type AnnounceConfig struct {
	IntervalHours       int            `json:"interval_hours"`
	Cron                string         `json:"cron"`
	Window              ScheduleWindow `json:"window"`
	Message             string         `json:"message"`
	Channels            []int          `json:"channels"`
	BroadcastNodeInfo   bool           `json:"broadcast_node_info"`
	ChannelDelaySeconds int            `json:"channel_delay_seconds"`
	AnnounceOnStart     bool           `json:"announce_on_start"`
}

// TimerConfig is one user cron entry: either a token-expanded message to a
// channel, or a script whose stdout is forwarded.
type TimerConfig struct {
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Channel int    `json:"channel"`
	Message string `json:"message"`
	Script  string `json:"script"`
}

// GeofenceConfig is one circular fence with its triggers.
type GeofenceConfig struct {
	Name               string  `json:"name"`
	Enabled            bool    `json:"enabled"`
	Latitude           float64 `json:"latitude"`
	Longitude          float64 `json:"longitude"`
	RadiusMeters       float64 `json:"radius_meters"`
	EnterMessage       string  `json:"enter_message"`
	ExitMessage        string  `json:"exit_message"`
	EnterScript        string  `json:"enter_script"`
	ExitScript         string  `json:"exit_script"`
	Channel            int     `json:"channel"`
	WhileInsideMinutes int     `json:"while_inside_minutes"`
	WhileInsideMessage string  `json:"while_inside_message"`
}

// ResponderConfig reacts to incoming text matching a trigger pattern.
// Patterns may capture {param} placeholders handed to the script env.
type ResponderConfig struct {
	Trigger  string `json:"trigger"`
	Response string `json:"response"`
	Script   string `json:"script"`
	// Channel -1 answers where the trigger arrived, "none" semantics are
	// expressed by Suppress.
	Channel  int  `json:"channel"`
	Suppress bool `json:"suppress"`
}

// WelcomeConfig controls the one-shot greeting for newly seen nodes.
type WelcomeConfig struct {
	Enabled     bool   `json:"enabled"`
	Message     string `json:"message"`
	WaitForName bool   `json:"wait_for_name"`
}

// AcknowledgeConfig sends an emoji tapback for every inbound direct message
// so senders get immediate feedback that the gateway saw it.
type AcknowledgeConfig struct {
	Enabled bool   `json:"enabled"`
	Emoji   string `json:"emoji"`
}

// VirtualNodeConfig exposes the shared-radio TCP surface.
type VirtualNodeConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// MQTTConfig mirrors decoded packets to a broker when enabled.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	TopicPrefix string `json:"topic_prefix"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// NotifyConfig selects which events raise desktop notifications.
type NotifyConfig struct {
	Enabled        bool `json:"enabled"`
	DirectMessage  bool `json:"direct_message"`
	NodeDiscovered bool `json:"node_discovered"`
	Connection     bool `json:"connection"`
}

// SchedulerConfig groups every periodic task.
type SchedulerConfig struct {
	Traceroute TaskConfig      `json:"traceroute"`
	TimeSync   TaskConfig      `json:"time_sync"`
	AdminScan  TaskConfig      `json:"admin_scan"`
	KeyRepair  KeyRepairConfig `json:"key_repair"`
	LocalStats TaskConfig      `json:"local_stats"`
	Announce   AnnounceConfig  `json:"announce"`
}

// AppConfig is the root persisted daemon configuration.
type AppConfig struct {
	Connection  ConnectionConfig  `json:"connection"`
	Logging     LoggingConfig     `json:"logging"`
	DBPath      string            `json:"db_path"`
	SendQueue   SendQueueConfig   `json:"send_queue"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Timers      []TimerConfig     `json:"timers"`
	Geofences   []GeofenceConfig  `json:"geofences"`
	Responders  []ResponderConfig `json:"responders"`
	Welcome     WelcomeConfig     `json:"welcome"`
	Acknowledge AcknowledgeConfig `json:"acknowledge"`
	VirtualNode VirtualNodeConfig `json:"virtual_node"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Notify      NotifyConfig      `json:"notify"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Connector:  ConnectorIP,
			Port:       DefaultIPPort,
			SerialBaud: DefaultSerialBaud,
		},
		Logging: LoggingConfig{Level: "info"},
		DBPath:  "meshbridge.db",
		SendQueue: SendQueueConfig{
			MinIntervalSeconds: 5,
			MaxAttempts:        3,
		},
		Scheduler: SchedulerConfig{
			Traceroute: TaskConfig{IntervalMinutes: 30},
			TimeSync:   TaskConfig{IntervalMinutes: 0},
			AdminScan:  TaskConfig{IntervalMinutes: 0},
			KeyRepair:  KeyRepairConfig{TaskConfig: TaskConfig{IntervalMinutes: 0}, MaxAttempts: 3},
			LocalStats: TaskConfig{IntervalMinutes: 15},
			Announce:   AnnounceConfig{ChannelDelaySeconds: 10},
		},
		Welcome: WelcomeConfig{
			Message:     "Welcome to the mesh, {LONG_NAME}!",
			WaitForName: true,
		},
		Acknowledge: AcknowledgeConfig{Emoji: "👍"},
		VirtualNode: VirtualNodeConfig{ListenAddr: "0.0.0.0:4403"},
		MQTT:        MQTTConfig{TopicPrefix: "meshbridge"},
		Notify: NotifyConfig{
			DirectMessage:  true,
			NodeDiscovered: true,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is chosen by the operator on the command line.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.Connector == "" {
		c.Connection.Connector = ConnectorIP
	}
	if c.Connection.Port <= 0 {
		c.Connection.Port = DefaultIPPort
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.DBPath == "" {
		c.DBPath = "meshbridge.db"
	}
	if c.SendQueue.MinIntervalSeconds <= 0 {
		c.SendQueue.MinIntervalSeconds = 5
	}
	if c.SendQueue.MaxAttempts <= 0 {
		c.SendQueue.MaxAttempts = 3
	}
	if c.Scheduler.KeyRepair.MaxAttempts <= 0 {
		c.Scheduler.KeyRepair.MaxAttempts = 3
	}
	if c.Scheduler.Announce.ChannelDelaySeconds <= 0 {
		c.Scheduler.Announce.ChannelDelaySeconds = 10
	}
	if c.VirtualNode.ListenAddr == "" {
		c.VirtualNode.ListenAddr = "0.0.0.0:4403"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "meshbridge"
	}
	if c.Acknowledge.Emoji == "" {
		c.Acknowledge.Emoji = "👍"
	}
}

func (c AppConfig) Validate() error {
	switch c.Connection.Connector {
	case ConnectorIP:
		if strings.TrimSpace(c.Connection.Host) == "" {
			return errors.New("ip host is required")
		}
	case ConnectorSerial:
		if strings.TrimSpace(c.Connection.SerialPort) == "" {
			return errors.New("serial port is required")
		}
	default:
		return fmt.Errorf("unknown connector: %s", c.Connection.Connector)
	}
	for _, w := range []ScheduleWindow{
		c.Scheduler.Traceroute.Window,
		c.Scheduler.TimeSync.Window,
		c.Scheduler.AdminScan.Window,
		c.Scheduler.KeyRepair.Window,
		c.Scheduler.LocalStats.Window,
		c.Scheduler.Announce.Window,
	} {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	if c.VirtualNode.Enabled && strings.TrimSpace(c.VirtualNode.ListenAddr) == "" {
		return errors.New("virtual node listen address is required")
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		return errors.New("mqtt broker url is required")
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

// Validate checks the HH:MM endpoints. Both-empty means always active.
func (w ScheduleWindow) Validate() error {
	if w.Start == "" && w.End == "" {
		return nil
	}
	for _, v := range []string{w.Start, w.End} {
		if _, _, err := ParseClock(v); err != nil {
			return err
		}
	}

	return nil
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(v string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock value: %q", v)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}

	return hour, minute, nil
}
