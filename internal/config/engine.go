package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix of engine settings, e.g.
// ENGINE_MODEL_API_KEY for model.api_key.
const EnvPrefix = "ENGINE"

// EngineConfig holds the validation engine configuration. It is populated
// by viper from flags, ENGINE_* environment variables and an optional file.
type EngineConfig struct {
	Port           string        `mapstructure:"port"`
	GRPCPort       string        `mapstructure:"grpc_port"`
	DBPath         string        `mapstructure:"db_path"`
	RolesFile      string        `mapstructure:"roles_file"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	MaxRunDuration time.Duration `mapstructure:"max_run_duration"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`

	Model ModelConfig `mapstructure:"model"`
}

// ModelConfig selects the LLM backend.
type ModelConfig struct {
	Name          string        `mapstructure:"name"`
	APIKey        string        `mapstructure:"api_key"`
	MaxTokens     int64         `mapstructure:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UseBedrock    bool          `mapstructure:"use_bedrock"`
	BedrockRegion string        `mapstructure:"bedrock_region"`
	AWSProfile    string        `mapstructure:"aws_profile"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Port:           "8000",
		GRPCPort:       "9000",
		DBPath:         "./data/engine.db",
		MaxRunDuration: 45 * time.Minute,
		SweepInterval:  time.Minute,
		ShutdownGrace:  30 * time.Second,
		Model: ModelConfig{
			Name:          "claude-sonnet-4-5",
			MaxTokens:     4096,
			Timeout:       5 * time.Minute,
			BedrockRegion: "us-east-1",
		},
	}
}

// Validate checks that the engine can start with this configuration.
func (c *EngineConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.MaxRunDuration <= 0 {
		return fmt.Errorf("max_run_duration must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be > 0")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name cannot be empty")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("model.max_tokens must be > 0")
	}
	if !c.Model.UseBedrock && c.Model.APIKey == "" {
		return fmt.Errorf("model.api_key is required unless model.use_bedrock is set")
	}
	return nil
}

// LoadEngine reads the engine configuration into v from defaults, an
// optional config file and ENGINE_* environment variables, in increasing
// precedence. Flags bound to v before the call take precedence over all
// of them.
func LoadEngine(v *viper.Viper, file string) (*EngineConfig, error) {
	def := DefaultEngineConfig()
	defaults := map[string]any{
		"port":                 def.Port,
		"grpc_port":            def.GRPCPort,
		"db_path":              def.DBPath,
		"roles_file":           def.RolesFile,
		"webhook_secret":       def.WebhookSecret,
		"max_run_duration":     def.MaxRunDuration,
		"sweep_interval":       def.SweepInterval,
		"shutdown_grace":       def.ShutdownGrace,
		"model.name":           def.Model.Name,
		"model.api_key":        def.Model.APIKey,
		"model.max_tokens":     def.Model.MaxTokens,
		"model.timeout":        def.Model.Timeout,
		"model.use_bedrock":    def.Model.UseBedrock,
		"model.bedrock_region": def.Model.BedrockRegion,
		"model.aws_profile":    def.Model.AWSProfile,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("engine")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode engine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
