package config

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/a8m/envsubst"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration values.
type Config struct {
	// DeviceID identifies this recorder in session metadata. Generated when empty.
	DeviceID string `toml:"device_id"`

	Recording RecordingConfig `toml:"recording"`
	Sensor    SensorConfig    `toml:"sensor"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	Serial    SerialConfig    `toml:"serial"`
	MPU9250   MPU9250Config   `toml:"mpu9250"`
	GPS       GPSConfig       `toml:"gps"`

	Firestore FirestoreConfig `toml:"firestore"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	SQLStore  SQLStoreConfig  `toml:"sqlstore"`
	MQTTSink  MQTTSinkConfig  `toml:"mqtt_sink"`

	Workers WorkersConfig `toml:"workers"`
	Monitor MonitorConfig `toml:"monitor"`
	Log     LogConfig     `toml:"log"`
}

type RecordingConfig struct {
	OutputDir  string `toml:"output_dir"`
	FileNaming string `toml:"file_naming"` // "detailed" or "simple"
	BatchSize  int    `toml:"batch_size"`
	RawDelta   bool   `toml:"raw_delta"` // add the RawDelta column/field
}

type SensorConfig struct {
	Kind               string   `toml:"kind"` // gyro_z, gyro_magnitude, accelerometer
	// Threshold overrides the per-kind default when set.
	Threshold          *float64 `toml:"threshold"`
	Orientation        bool     `toml:"orientation"`
	CalibrationSamples int      `toml:"calibration_samples"`
	YawBaseline        string   `toml:"yaw_baseline"` // signed or absolute
	Source             string   `toml:"source"`       // mqtt, serial, mpu9250, mock
	AutoCalibrate      bool     `toml:"auto_calibrate"`
	SampleIntervalMs   int      `toml:"sample_interval_ms"`
}

type MQTTConfig struct {
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	SampleTopic string `toml:"sample_topic"`
	QoS         byte   `toml:"qos"`
}

type SerialConfig struct {
	Port     string `toml:"port"`
	BaudRate uint   `toml:"baud_rate"`
}

type MPU9250Config struct {
	SPIDevice  string `toml:"spi_device"`
	CSPin      string `toml:"cs_pin"`
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	AccelRange byte   `toml:"accel_range"`
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	GyroRange  byte   `toml:"gyro_range"`
}

type GPSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Port     string `toml:"port"`
	BaudRate uint   `toml:"baud_rate"`
}

type FirestoreConfig struct {
	Enabled         bool   `toml:"enabled"`
	ProjectID       string `toml:"project_id"`
	CredentialsFile string `toml:"credentials_file"`
}

type SupabaseConfig struct {
	Enabled   bool   `toml:"enabled"`
	URL       string `toml:"url"`
	APIKey    string `toml:"api_key"`
	TimeoutMs int    `toml:"timeout_ms"`
}

type SQLStoreConfig struct {
	Enabled bool   `toml:"enabled"`
	Driver  string `toml:"driver"` // sqlite or postgres
	DSN     string `toml:"dsn"`
}

type MQTTSinkConfig struct {
	Enabled     bool   `toml:"enabled"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         byte   `toml:"qos"`
}

type WorkersConfig struct {
	Count         int `toml:"count"`
	TaskTimeoutMs int `toml:"task_timeout_ms"`
}

type MonitorConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// TaskTimeout bounds one remote sink call; zero means no deadline.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Workers.TaskTimeoutMs) * time.Millisecond
}

// SampleInterval is the polling period of hardware and mock sources.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Sensor.SampleIntervalMs) * time.Millisecond
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Recording: RecordingConfig{
			OutputDir:  "recordings",
			FileNaming: "detailed",
			BatchSize:  20,
		},
		Sensor: SensorConfig{
			Kind:               "gyro_z",
			CalibrationSamples: 50,
			YawBaseline:        "signed",
			Source:             "mock",
			AutoCalibrate:      true,
			SampleIntervalMs:   20,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "movement-recorder",
			SampleTopic: "movement/samples",
		},
		Serial: SerialConfig{Port: "/dev/ttyUSB0", BaudRate: 115200},
		MPU9250: MPU9250Config{
			SPIDevice: "/dev/spidev0.0",
			CSPin:     "8",
		},
		GPS:      GPSConfig{Port: "/dev/serial0", BaudRate: 9600},
		Supabase: SupabaseConfig{TimeoutMs: 10000},
		SQLStore: SQLStoreConfig{Driver: "sqlite", DSN: "recordings/movement.db"},
		MQTTSink: MQTTSinkConfig{
			ClientID:    "movement-recorder-sink",
			TopicPrefix: "experiments",
			QoS:         1,
		},
		Workers: WorkersConfig{Count: 3},
		Monitor: MonitorConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3},
	}
}

// Package-level unexported variables for the singleton pattern. External
// code must use InitGlobal() to set and Get() to read.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file, expanding ${VAR} references from the
// environment, and returns a validated Config.
func Load(configPath string) (*Config, error) {
	data, err := envsubst.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("unknown config key:\n%s", strict.String())
		}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("config line %d column %d: %w", row, col, err)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks that all required fields are set and enumerations are known.
func (c *Config) validate() error {
	switch c.Recording.FileNaming {
	case "detailed", "simple":
	default:
		return fmt.Errorf("recording.file_naming must be \"detailed\" or \"simple\", got %q", c.Recording.FileNaming)
	}
	if c.Recording.BatchSize <= 0 {
		return fmt.Errorf("recording.batch_size must be positive, got %d", c.Recording.BatchSize)
	}
	if c.Recording.OutputDir == "" {
		return errors.New("recording.output_dir is required")
	}

	switch c.Sensor.Kind {
	case "gyro_z", "gyro_magnitude", "accelerometer":
	default:
		return fmt.Errorf("sensor.kind %q is not one of gyro_z, gyro_magnitude, accelerometer", c.Sensor.Kind)
	}
	if c.Sensor.Threshold != nil && *c.Sensor.Threshold < 0 {
		return fmt.Errorf("sensor.threshold must be >= 0, got %v", *c.Sensor.Threshold)
	}
	if c.Sensor.CalibrationSamples <= 0 {
		return fmt.Errorf("sensor.calibration_samples must be positive, got %d", c.Sensor.CalibrationSamples)
	}
	switch c.Sensor.YawBaseline {
	case "signed", "absolute":
	default:
		return fmt.Errorf("sensor.yaw_baseline must be \"signed\" or \"absolute\", got %q", c.Sensor.YawBaseline)
	}

	switch c.Sensor.Source {
	case "mqtt":
		if c.MQTT.Broker == "" || c.MQTT.SampleTopic == "" {
			return errors.New("mqtt.broker and mqtt.sample_topic are required for the mqtt source")
		}
	case "serial":
		if c.Serial.Port == "" || c.Serial.BaudRate == 0 {
			return errors.New("serial.port and serial.baud_rate are required for the serial source")
		}
	case "mpu9250":
		if c.MPU9250.SPIDevice == "" {
			return errors.New("mpu9250.spi_device is required for the mpu9250 source")
		}
		if c.Sensor.SampleIntervalMs <= 0 {
			return errors.New("sensor.sample_interval_ms is required for the mpu9250 source")
		}
		if c.MPU9250.AccelRange > 3 {
			return fmt.Errorf("mpu9250.accel_range must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", c.MPU9250.AccelRange)
		}
		if c.MPU9250.GyroRange > 3 {
			return fmt.Errorf("mpu9250.gyro_range must be 0-3 (0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s), got %d", c.MPU9250.GyroRange)
		}
	case "mock":
		if c.Sensor.SampleIntervalMs <= 0 {
			return errors.New("sensor.sample_interval_ms is required for the mock source")
		}
	default:
		return fmt.Errorf("sensor.source %q is not one of mqtt, serial, mpu9250, mock", c.Sensor.Source)
	}

	if c.GPS.Enabled && (c.GPS.Port == "" || c.GPS.BaudRate == 0) {
		return errors.New("gps.port and gps.baud_rate are required when gps is enabled")
	}

	if c.Firestore.Enabled && c.Firestore.ProjectID == "" {
		return errors.New("firestore.project_id is required when firestore is enabled")
	}
	if c.Supabase.Enabled && (c.Supabase.URL == "" || c.Supabase.APIKey == "") {
		return errors.New("supabase.url and supabase.api_key are required when supabase is enabled")
	}
	if c.SQLStore.Enabled {
		switch c.SQLStore.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("sqlstore.driver must be \"sqlite\" or \"postgres\", got %q", c.SQLStore.Driver)
		}
		if c.SQLStore.DSN == "" {
			return errors.New("sqlstore.dsn is required when sqlstore is enabled")
		}
	}
	if c.MQTTSink.Enabled && (c.MQTT.Broker == "" || c.MQTTSink.TopicPrefix == "") {
		return errors.New("mqtt.broker and mqtt_sink.topic_prefix are required when mqtt_sink is enabled")
	}
	if c.MQTT.QoS > 2 || c.MQTTSink.QoS > 2 {
		return errors.New("mqtt qos must be 0, 1 or 2")
	}

	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Workers.TaskTimeoutMs < 0 {
		return fmt.Errorf("workers.task_timeout_ms must be >= 0, got %d", c.Workers.TaskTimeoutMs)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
