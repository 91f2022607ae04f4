package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Queues struct {
		// Prefix is prepended to every agent queue name, e.g.
		// "pipeline.agent.content-writer".
		Prefix string `mapstructure:"prefix"`
		// OrchestratorQueue receives AgentMessage replies from all agents.
		OrchestratorQueue string `mapstructure:"orchestrator_queue"`
		// EventChannel is the pub/sub channel for engine notifications.
		EventChannel string `mapstructure:"event_channel"`
		// PollTimeout bounds each blocking dequeue.
		PollTimeout time.Duration `mapstructure:"poll_timeout"`
	} `mapstructure:"queues"`
	Retry struct {
		MaxStepRetries int           `mapstructure:"max_step_retries"`
		BaseDelay      time.Duration `mapstructure:"base_delay"`
		Multiplier     float64       `mapstructure:"multiplier"`
		MaxDelay       time.Duration `mapstructure:"max_delay"`
	} `mapstructure:"retry"`
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("contentflow")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional when everything comes from the environment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Retry.Multiplier < 1 {
		return nil, fmt.Errorf("retry.multiplier must be >= 1, got %v", config.Retry.Multiplier)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "contentflow")
	viper.SetDefault("db.name", "contentflow")
	viper.SetDefault("db.sslmode", "disable")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("queues.prefix", "pipeline")
	viper.SetDefault("queues.orchestrator_queue", "orchestrator")
	viper.SetDefault("queues.event_channel", "pipeline.events")
	viper.SetDefault("queues.poll_timeout", 5*time.Second)

	viper.SetDefault("retry.max_step_retries", 3)
	viper.SetDefault("retry.base_delay", 2*time.Second)
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.max_delay", 5*time.Minute)

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)
}

// DSN builds the postgres connection string from the DB section.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}
