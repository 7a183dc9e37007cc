package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Fault policies for a pipeline whose batch application failed
const (
	OnFaultStop        = "stop"
	OnFaultResubscribe = "resubscribe"
)

type Config struct {
	Stream    StreamConfig    `yaml:"stream"`
	Store     StoreConfig     `yaml:"store"`
	Shapes    []ShapeConfig   `yaml:"shapes" validate:"required,min=1,dive"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	NATS      NATSConfig      `yaml:"nats"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StreamConfig struct {
	Endpoint       string        `yaml:"endpoint" validate:"required,url"`
	Subscribe      *bool         `yaml:"subscribe"` // live mode, defaults to true
	CursorDir      string        `yaml:"cursor_dir"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
}

type StoreConfig struct {
	URL string `yaml:"url" validate:"required"`
}

// ShapeConfig binds one upstream shape to one store collection
type ShapeConfig struct {
	Table      string   `yaml:"table" validate:"required"`
	Where      string   `yaml:"where"`
	Columns    []string `yaml:"columns"`
	Collection string   `yaml:"collection" validate:"required"`
}

type PipelineConfig struct {
	OnFault         string        `yaml:"on_fault" validate:"oneof=stop resubscribe"`
	ResubscribeWait time.Duration `yaml:"resubscribe_wait"`
}

type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" validate:"required_if=Enabled true"`
	Subject       string        `yaml:"subject" validate:"required_if=Enabled true"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// ProcessorConfig configures value transformation before events are written
type ProcessorConfig struct {
	Enabled bool         `yaml:"enabled"`
	Script  string       `yaml:"script"` // path to a JavaScript transform
	Rules   []RuleConfig `yaml:"rules"`
}

// RuleConfig rewrites the value columns of events for matching tables
type RuleConfig struct {
	Table     string            `yaml:"table"` // empty = all tables
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetDefaults fills zero values with their defaults
func (c *Config) SetDefaults() {
	if c.Stream.Subscribe == nil {
		subscribe := true
		c.Stream.Subscribe = &subscribe
	}
	if c.Stream.InitialBackoff == 0 {
		c.Stream.InitialBackoff = 100 * time.Millisecond
	}
	if c.Stream.MaxBackoff == 0 {
		c.Stream.MaxBackoff = 10 * time.Second
	}
	if c.Pipeline.OnFault == "" {
		c.Pipeline.OnFault = OnFaultStop
	}
	if c.Pipeline.ResubscribeWait == 0 {
		c.Pipeline.ResubscribeWait = 5 * time.Second
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]string, len(c.Shapes))
	for _, s := range c.Shapes {
		if table, ok := seen[s.Collection]; ok {
			return fmt.Errorf("invalid config: collection %q is targeted by both %q and %q", s.Collection, table, s.Table)
		}
		seen[s.Collection] = s.Table
	}

	if c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		return fmt.Errorf("invalid config: max_backoff %s is lower than initial_backoff %s", c.Stream.MaxBackoff, c.Stream.InitialBackoff)
	}

	if c.Processor.Enabled {
		if c.Processor.Script != "" {
			if _, err := os.Stat(c.Processor.Script); os.IsNotExist(err) {
				return fmt.Errorf("JavaScript script file not found: %s", c.Processor.Script)
			}
		}
		if c.Processor.Script != "" && len(c.Processor.Rules) > 0 {
			return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
		}
		for i, rule := range c.Processor.Rules {
			if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
				return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
			}
		}
	}

	return nil
}
