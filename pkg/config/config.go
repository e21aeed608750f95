package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/itohio/heatctl/pkg/thermistor"
)

// EnvPrefix is the prefix of environment variables overriding configuration keys,
// e.g. HEATCTL_PID_KP=0.5 or HEATCTL_DEVICE_PORT=/dev/ttyACM0.
const EnvPrefix = "HEATCTL"

// Device kinds.
const (
	DeviceSerial = "serial"
	DeviceMock   = "mock"
)

// Config represents the application configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device" mapstructure:"device"`
	Thermistor ThermistorConfig `yaml:"thermistor" mapstructure:"thermistor"`
	Zones      []ZoneConfig     `yaml:"zones" mapstructure:"zones"`
	Control    ControlConfig    `yaml:"control" mapstructure:"control"`
	PID        PIDConfig        `yaml:"pid" mapstructure:"pid"`
	PWM        PWMConfig        `yaml:"pwm" mapstructure:"pwm"`
	MQTT       MQTTConfig       `yaml:"mqtt" mapstructure:"mqtt"`
	HTTP       HTTPConfig       `yaml:"http" mapstructure:"http"`
	Mock       MockConfig       `yaml:"mock" mapstructure:"mock"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// DeviceConfig contains DAQ connection parameters.
type DeviceConfig struct {
	Kind        string        `yaml:"kind" mapstructure:"kind"` // serial or mock
	Port        string        `yaml:"port" mapstructure:"port"`
	BaudRate    int           `yaml:"baud_rate" mapstructure:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	// GPIOChip routes digital writes to a Linux GPIO chip instead of the DAQ
	// (e.g. "gpiochip0"). Digital channel numbers are then line offsets.
	GPIOChip string `yaml:"gpio_chip" mapstructure:"gpio_chip"`
}

// ThermistorConfig contains the divider network shared by all thermistors.
type ThermistorConfig struct {
	DividerR float64 `yaml:"divider_r" mapstructure:"divider_r"` // ohms
	// AppliedChannel is the analog channel reading the voltage applied to the
	// dividers. Negative means AppliedVoltage is used instead.
	AppliedChannel int     `yaml:"applied_channel" mapstructure:"applied_channel"`
	AppliedVoltage float64 `yaml:"applied_voltage" mapstructure:"applied_voltage"`
	Unit           string  `yaml:"unit" mapstructure:"unit"` // F or C
}

// ZoneConfig is a named group of sensors.
type ZoneConfig struct {
	Name    string         `yaml:"name" mapstructure:"name"`
	Sensors []SensorConfig `yaml:"sensors" mapstructure:"sensors"`
}

// SensorConfig describes one thermistor channel.
type SensorConfig struct {
	Label      string `yaml:"label" mapstructure:"label"`
	Channel    int    `yaml:"channel" mapstructure:"channel"`
	Type       string `yaml:"type" mapstructure:"type"`
	LongSettle bool   `yaml:"long_settle" mapstructure:"long_settle"`
	// Coefficients override the named type when set.
	Coefficients *thermistor.Coefficients `yaml:"coefficients,omitempty" mapstructure:"coefficients"`
}

// ControlConfig contains control loop and sampling parameters.
type ControlConfig struct {
	InnerZone      string        `yaml:"inner_zone" mapstructure:"inner_zone"`
	OuterZone      string        `yaml:"outer_zone" mapstructure:"outer_zone"`
	Period         time.Duration `yaml:"period" mapstructure:"period"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	BufferSize     int           `yaml:"buffer_size" mapstructure:"buffer_size"`
	AccessTimeout  time.Duration `yaml:"access_timeout" mapstructure:"access_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	MaxPWMFailures int           `yaml:"max_pwm_failures" mapstructure:"max_pwm_failures"`
	// OuterRollingPeriods averages the outer zone over this many control periods
	// before computing delta_t. Zero uses the instantaneous outer average.
	OuterRollingPeriods int `yaml:"outer_rolling_periods" mapstructure:"outer_rolling_periods"`
}

// PIDConfig contains PID gains and output limits.
type PIDConfig struct {
	Kp       float64       `yaml:"kp" mapstructure:"kp"`
	Ki       float64       `yaml:"ki" mapstructure:"ki"`
	Kd       float64       `yaml:"kd" mapstructure:"kd"`
	MaxPWM   float64       `yaml:"max_pwm" mapstructure:"max_pwm"`     // upper duty limit, 0..1
	ResetGap time.Duration `yaml:"reset_gap" mapstructure:"reset_gap"` // 0 disables
}

// PWMConfig contains the heater output configuration.
type PWMConfig struct {
	Channel int           `yaml:"channel" mapstructure:"channel"`
	Period  time.Duration `yaml:"period" mapstructure:"period"`
}

// MQTTConfig contains snapshot publishing parameters. Empty broker disables MQTT.
type MQTTConfig struct {
	Broker     string `yaml:"broker" mapstructure:"broker"`
	ClientID   string `yaml:"client_id" mapstructure:"client_id"`
	Username   string `yaml:"username" mapstructure:"username"`
	Password   string `yaml:"password" mapstructure:"password"`
	Topic      string `yaml:"topic" mapstructure:"topic"`
	FaultTopic string `yaml:"fault_topic" mapstructure:"fault_topic"`
}

// HTTPConfig contains the status server address. Empty disables the server.
type HTTPConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// MockConfig contains simulated chamber parameters.
type MockConfig struct {
	Ambient      float64       `yaml:"ambient" mapstructure:"ambient"`             // outer chamber temperature
	InitialInner float64       `yaml:"initial_inner" mapstructure:"initial_inner"` // inner chamber temperature at connect
	HeaterRate   float64       `yaml:"heater_rate" mapstructure:"heater_rate"`     // degrees per second at full power
	LossRate     float64       `yaml:"loss_rate" mapstructure:"loss_rate"`         // fraction of the difference lost per second
	NoiseLevel   float64       `yaml:"noise_level" mapstructure:"noise_level"`     // V
	Latency      time.Duration `yaml:"latency" mapstructure:"latency"`             // per transaction
}

// LogConfig contains logging parameters.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

func tdk(label string, ch int) SensorConfig {
	return SensorConfig{Label: label, Channel: ch, Type: "TDK 5K", LongSettle: true}
}

// Default returns a default configuration matching the test chamber wiring.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Kind:        DeviceSerial,
			Port:        "/dev/ttyACM0",
			BaudRate:    115200,
			ReadTimeout: 50 * time.Millisecond,
		},
		Thermistor: ThermistorConfig{
			DividerR:       20000,
			AppliedChannel: 15,
			AppliedVoltage: 2.44,
			Unit:           string(thermistor.Fahrenheit),
		},
		Zones: []ZoneConfig{
			{Name: "inner", Sensors: []SensorConfig{
				tdk("Upper Inlet", 8),
				tdk("Lower Left Inlet", 9),
				tdk("Lower Right Inlet", 10),
			}},
			{Name: "outer", Sensors: []SensorConfig{
				tdk("Top", 0),
				tdk("West Side", 1),
				tdk("East Side", 2),
			}},
			{Name: "info", Sensors: []SensorConfig{
				tdk("Top Inner", 11),
				tdk("West Side Inner", 12),
				tdk("East Side Inner", 13),
				tdk("South Side Inner", 14),
			}},
		},
		Control: ControlConfig{
			InnerZone:      "inner",
			OuterZone:      "outer",
			Period:         time.Second,
			PollInterval:   50 * time.Millisecond,
			BufferSize:     20,
			AccessTimeout:  100 * time.Millisecond,
			StopTimeout:    2 * time.Second,
			MaxPWMFailures: 3,
		},
		PID: PIDConfig{
			Kp:       0.3,
			Ki:       0.03,
			Kd:       0.0,
			MaxPWM:   1.0,
			ResetGap: 30 * time.Second,
		},
		PWM: PWMConfig{
			Channel: 6,
			Period:  time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:   "heatctl",
			Topic:      "heatctl/status",
			FaultTopic: "heatctl/fault",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Mock: MockConfig{
			Ambient:      87.2,
			InitialInner: 78.4,
			HeaterRate:   0.5,
			LossRate:     0.01,
			NoiseLevel:   0.001,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, default values are used. Environment variables prefixed
// with EnvPrefix override both.
func Load(filename string) (*Config, error) {
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Zone returns the named zone configuration.
func (c *Config) Zone(name string) (ZoneConfig, bool) {
	for _, z := range c.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return ZoneConfig{}, false
}

// Sensors returns every configured sensor across all zones, in zone order.
func (c *Config) Sensors() []SensorConfig {
	var out []SensorConfig
	for _, z := range c.Zones {
		out = append(out, z.Sensors...)
	}
	return out
}

// ThermistorFor builds the converter for a sensor.
func (c *Config) ThermistorFor(s SensorConfig) (thermistor.Thermistor, error) {
	unit := thermistor.Unit(c.Thermistor.Unit)
	if s.Coefficients != nil {
		if unit == "" {
			unit = thermistor.Fahrenheit
		}
		return thermistor.Thermistor{Coeff: *s.Coefficients, DividerR: c.Thermistor.DividerR, Unit: unit}, nil
	}
	return thermistor.New(s.Type, c.Thermistor.DividerR, unit)
}
