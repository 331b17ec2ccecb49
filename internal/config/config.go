package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/safety"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Machine    MachineConfig    `mapstructure:"machine"`
	Events     EventsConfig     `mapstructure:"events"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Zones      []ZoneConfig     `mapstructure:"zones"`
	Components ComponentsConfig `mapstructure:"components"`
	Recipes    RecipesConfig    `mapstructure:"recipes"`
	Inventory  InventoryConfig  `mapstructure:"inventory"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	InfluxDB   InfluxDBConfig   `mapstructure:"influxdb"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MachineConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	PreheatTimeout   time.Duration `mapstructure:"preheat_timeout"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	HardwareTimeout  time.Duration `mapstructure:"hardware_timeout"`
	RetainFinished   int           `mapstructure:"retain_finished"`
}

type EventsConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	HistorySize     int           `mapstructure:"history_size"`
	EnqueueTimeout  time.Duration `mapstructure:"enqueue_timeout"`
	CriticalTimeout time.Duration `mapstructure:"critical_timeout"`
	// RecorderQueue bounds the persistence recorder's backlog.
	RecorderQueue int `mapstructure:"recorder_queue"`
}

type SafetyConfig struct {
	MonitoringInterval time.Duration     `mapstructure:"monitoring_interval"`
	HardwareTimeout    time.Duration     `mapstructure:"hardware_timeout"`
	CascadeTimeout     time.Duration     `mapstructure:"cascade_timeout"`
	WarningBand        float64           `mapstructure:"warning_band"`
	EscalationSamples  int               `mapstructure:"escalation_samples"`
	ResetMargin        float64           `mapstructure:"reset_margin"`
	MaxRetryAttempts   int               `mapstructure:"max_retry_attempts"`
	HistorySize        int               `mapstructure:"history_size"`
	CriticalComponents []string          `mapstructure:"critical_components"`
	ReduceHeatingDelta float64           `mapstructure:"reduce_heating_delta"`
	Thresholds         safety.Thresholds `mapstructure:"thresholds"`
}

// ZoneConfig describes one heating zone. Zero PID and limit values fall back
// to the fryer defaults.
type ZoneConfig struct {
	Name           string           `mapstructure:"name"`
	Driver         string           `mapstructure:"driver"`
	Target         float64          `mapstructure:"target"`
	Tolerance      float64          `mapstructure:"tolerance"`
	Kp             float64          `mapstructure:"kp"`
	Ki             float64          `mapstructure:"ki"`
	Kd             float64          `mapstructure:"kd"`
	MinSafe        float64          `mapstructure:"min_safe"`
	MaxSafe        float64          `mapstructure:"max_safe"`
	OverheatMargin float64          `mapstructure:"overheat_margin"`
	IntegralLimit  float64          `mapstructure:"integral_limit"`
	Smoothing      float64          `mapstructure:"smoothing"`
	TickInterval   time.Duration    `mapstructure:"tick_interval"`
	Sim            SimZoneConfig    `mapstructure:"sim"`
	Modbus         ModbusZoneConfig `mapstructure:"modbus"`
}

type SimZoneConfig struct {
	Ambient   float64 `mapstructure:"ambient"`
	Initial   float64 `mapstructure:"initial"`
	HeatRate  float64 `mapstructure:"heat_rate"`
	LossRate  float64 `mapstructure:"loss_rate"`
	TimeScale float64 `mapstructure:"time_scale"`
}

type ModbusZoneConfig struct {
	Address             string        `mapstructure:"address"`
	UnitID              uint8         `mapstructure:"unit_id"`
	Timeout             time.Duration `mapstructure:"timeout"`
	TemperatureRegister uint16        `mapstructure:"temperature_register"`
	PowerRegister       uint16        `mapstructure:"power_register"`
	EnableRegister      uint16        `mapstructure:"enable_register"`
}

// ComponentsConfig lists the simulated stations, safety input banks, sensors
// and alarms to register next to the zones.
type ComponentsConfig struct {
	Dispensers  []DispenserConfig `mapstructure:"dispensers"`
	Manipulator ManipulatorConfig `mapstructure:"manipulator"`
	Inputs      []string          `mapstructure:"inputs"`
	Sensors     []SensorConfig    `mapstructure:"sensors"`
	Alarms      []string          `mapstructure:"alarms"`
}

type DispenserConfig struct {
	ID         string        `mapstructure:"id"`
	Ingredient string        `mapstructure:"ingredient"`
	Delay      time.Duration `mapstructure:"delay"`
}

type ManipulatorConfig struct {
	ID    string        `mapstructure:"id"`
	Delay time.Duration `mapstructure:"delay"`
}

type SensorConfig struct {
	ID       string             `mapstructure:"id"`
	Readings map[string]float64 `mapstructure:"readings"`
}

type RecipesConfig struct {
	Path string `mapstructure:"path"`
}

type InventoryConfig struct {
	Stock         map[string]float64 `mapstructure:"stock"`
	LowThresholds map[string]float64 `mapstructure:"low_thresholds"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JWTSecretEnv string        `mapstructure:"jwt_secret_env"`
	Issuer       string        `mapstructure:"issuer"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Retained       bool          `mapstructure:"retained"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type InfluxDBConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	TokenEnv      string        `mapstructure:"token_env"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("machine.batch_size", 1)
	v.SetDefault("machine.tick_interval", "100ms")
	v.SetDefault("machine.step_timeout", "10m")
	v.SetDefault("machine.preheat_timeout", "5m")
	v.SetDefault("machine.max_retry_attempts", 3)
	v.SetDefault("machine.retry_backoff", "5s")
	v.SetDefault("machine.hardware_timeout", "5s")
	v.SetDefault("machine.retain_finished", 1000)

	v.SetDefault("events.workers", 10)
	v.SetDefault("events.queue_size", 256)
	v.SetDefault("events.history_size", 1000)
	v.SetDefault("events.enqueue_timeout", "50ms")
	v.SetDefault("events.critical_timeout", "500ms")
	v.SetDefault("events.recorder_queue", 1024)

	th := safety.DefaultThresholds()
	v.SetDefault("safety.monitoring_interval", "100ms")
	v.SetDefault("safety.hardware_timeout", "50ms")
	v.SetDefault("safety.cascade_timeout", "150ms")
	v.SetDefault("safety.warning_band", 0.05)
	v.SetDefault("safety.escalation_samples", 3)
	v.SetDefault("safety.reset_margin", 10.0)
	v.SetDefault("safety.max_retry_attempts", 3)
	v.SetDefault("safety.history_size", 1000)
	v.SetDefault("safety.critical_components", []string{"fryer", "grill", "robot_arm"})
	v.SetDefault("safety.reduce_heating_delta", 10.0)
	v.SetDefault("safety.thresholds.temperature.min", th.Temperature.Min)
	v.SetDefault("safety.thresholds.temperature.max", th.Temperature.Max)
	v.SetDefault("safety.thresholds.current.max", th.Current.Max)
	v.SetDefault("safety.thresholds.voltage.min", th.Voltage.Min)
	v.SetDefault("safety.thresholds.voltage.max", th.Voltage.Max)
	v.SetDefault("safety.thresholds.pressure.max", th.Pressure.Max)
	v.SetDefault("safety.thresholds.vibration.max", th.Vibration.Max)

	v.SetDefault("zones", []map[string]any{
		{"name": "fryer", "driver": "sim", "target": 175.0},
		{"name": "grill", "driver": "sim", "target": 200.0, "min_safe": 180.0, "max_safe": 230.0},
	})

	v.SetDefault("components.dispensers", []map[string]any{
		{"id": "bun_dispenser", "ingredient": "bun"},
		{"id": "patty_dispenser", "ingredient": "patty"},
		{"id": "cheese_dispenser", "ingredient": "cheese"},
		{"id": "lettuce_dispenser", "ingredient": "lettuce"},
		{"id": "tomato_dispenser", "ingredient": "tomato"},
		{"id": "sauce_dispenser", "ingredient": "sauce"},
		{"id": "onion_dispenser", "ingredient": "onion"},
		{"id": "bacon_dispenser", "ingredient": "bacon"},
		{"id": "fries_dispenser", "ingredient": "potatoes"},
	})
	v.SetDefault("components.manipulator.id", "robot_arm")
	v.SetDefault("components.inputs", []string{"safety_panel"})
	v.SetDefault("components.alarms", []string{"siren"})

	v.SetDefault("recipes.path", "configs/recipes.yaml")

	v.SetDefault("inventory.stock", map[string]any{
		"bun": 100.0, "patty": 100.0, "cheese": 100.0, "lettuce": 100.0, "tomato": 100.0,
		"onion": 100.0, "sauce": 100.0, "bacon": 60.0, "potatoes": 10000.0,
	})
	v.SetDefault("inventory.low_thresholds", map[string]any{
		"bun": 20.0, "patty": 20.0, "cheese": 20.0, "bacon": 15.0, "potatoes": 1500.0,
	})

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openkitchen")
	v.SetDefault("database.user", "openkitchen")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.issuer", "openkitchen")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "openkitchen-core")
	v.SetDefault("mqtt.topic_prefix", "openkitchen")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retained", false)
	v.SetDefault("mqtt.connect_timeout", "10s")

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token_env", "INFLUXDB_TOKEN")
	v.SetDefault("influxdb.org", "openkitchen")
	v.SetDefault("influxdb.bucket", "temperatures")
	v.SetDefault("influxdb.batch_size", 500)
	v.SetDefault("influxdb.flush_interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads the YAML file at path on top of the defaults. An empty path
// yields the defaults. Every key can be overridden from the environment with
// the OKC_ prefix, e.g. OKC_MACHINE_BATCH_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OKC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func Default() *Config {
	c, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return c
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.HTTPPort > 0 && c.Server.HTTPPort < 65536, "server.http_port out of range")
	check(c.Machine.BatchSize >= 1, "machine.batch_size must be at least 1")
	check(c.Machine.TickInterval > 0, "machine.tick_interval must be positive")
	check(c.Machine.StepTimeout > 0, "machine.step_timeout must be positive")
	check(c.Machine.MaxRetryAttempts >= 0, "machine.max_retry_attempts must not be negative")
	check(c.Events.Workers >= 1, "events.workers must be at least 1")
	check(c.Events.HistorySize >= 1, "events.history_size must be at least 1")
	check(c.Safety.MonitoringInterval > 0, "safety.monitoring_interval must be positive")
	check(c.Safety.CascadeTimeout > 0, "safety.cascade_timeout must be positive")
	check(c.Safety.WarningBand >= 0 && c.Safety.WarningBand < 1, "safety.warning_band must be in [0,1)")
	if err := c.Safety.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("safety.thresholds: %w", err))
	}

	seen := make(map[string]bool)
	for i, z := range c.Zones {
		check(z.Name != "", "zones[%d]: name required", i)
		check(!seen[z.Name], "zones[%d]: duplicate zone %q", i, z.Name)
		seen[z.Name] = true
		switch z.Driver {
		case "", "sim":
		case "modbus":
			check(z.Modbus.Address != "", "zones[%d]: modbus.address required", i)
		default:
			errs = append(errs, fmt.Errorf("zones[%d]: unknown driver %q", i, z.Driver))
		}
		if z.MinSafe != 0 || z.MaxSafe != 0 {
			check(z.MaxSafe > z.MinSafe, "zones[%d]: max_safe must exceed min_safe", i)
		}
	}

	for i, d := range c.Components.Dispensers {
		check(d.ID != "" && d.Ingredient != "", "components.dispensers[%d]: id and ingredient required", i)
	}
	check(c.Components.Manipulator.ID != "", "components.manipulator.id required")

	if c.MQTT.Enabled {
		check(c.MQTT.Broker != "", "mqtt.broker required when mqtt is enabled")
		check(c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	}
	if c.InfluxDB.Enabled {
		check(c.InfluxDB.URL != "" && c.InfluxDB.Bucket != "", "influxdb.url and influxdb.bucket required when influxdb is enabled")
	}
	return errors.Join(errs...)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}
	if secret := os.Getenv(envVar); secret != "" {
		return secret
	}
	return devSecret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}

func (i *InfluxDBConfig) Token() string {
	return os.Getenv(i.TokenEnv)
}
