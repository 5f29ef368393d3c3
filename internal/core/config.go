package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/imagetrends/internal/backend/imageprep"
	"github.com/jo-hoe/imagetrends/internal/backend/queue"
)

const defaultApplication = "imagetrends"

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

type Storage struct {
	// Type is "database" (blobs kept next to the image row) or "s3".
	Type           string `yaml:"type"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"forcePathStyle"`
}

type Moderation struct {
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint"`
	MaxImageBytes     int    `yaml:"maxImageBytes"`
	MaxDimension      int    `yaml:"maxDimension"`
	SVGFallbackWidth  int    `yaml:"svgFallbackWidth"`
	SVGFallbackHeight int    `yaml:"svgFallbackHeight"`
}

type Queue struct {
	Type        string        `yaml:"type"`
	URL         string        `yaml:"url"`
	Name        string        `yaml:"name"`
	Workers     int           `yaml:"workers"`
	PollTimeout time.Duration `yaml:"pollTimeout"`
}

type Logging struct {
	Level          string `yaml:"level"`
	ApplicationLog string `yaml:"applicationLog"`
	TracingLog     string `yaml:"tracingLog"`
}

type Tracing struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	SegmentName string `yaml:"segmentName"`
}

type ServiceConfig struct {
	Port        int        `yaml:"port"`
	Application string     `yaml:"application"`
	Database    Database   `yaml:"database"`
	Storage     Storage    `yaml:"storage"`
	Moderation  Moderation `yaml:"moderation"`
	Queue       Queue      `yaml:"queue"`
	Logging     Logging    `yaml:"logging"`
	Tracing     Tracing    `yaml:"tracing"`
}

// ConfigPath returns CONFIG_PATH if set, otherwise config.yaml in the working directory.
func ConfigPath() string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(cwd, "config.yaml")
}

// LoadConfig loads configuration from the specified YAML file
func LoadConfig(configPath string) (*ServiceConfig, error) {
	// Read the config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Parse YAML
	var config ServiceConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", configPath, err)
	}

	return &config, nil
}

func (c *ServiceConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Application == "" {
		c.Application = defaultApplication
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.ConnectionString == "" {
		c.Database.ConnectionString = "imagetrends.db"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "database"
	}
	if c.Moderation.MaxImageBytes == 0 {
		c.Moderation.MaxImageBytes = imageprep.DefaultMaxBytes
	}
	if c.Moderation.MaxDimension == 0 {
		c.Moderation.MaxDimension = imageprep.DefaultMaxDimension
	}
	if c.Queue.Type == "" {
		c.Queue.Type = "redis"
	}
	if c.Queue.URL == "" && c.Queue.Type == "redis" {
		c.Queue.URL = "redis://localhost:6379/0"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = queue.DefaultName
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = queue.DefaultWorkers
	}
	if c.Queue.PollTimeout == 0 {
		c.Queue.PollTimeout = queue.DefaultPollTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.ApplicationLog == "" {
		c.Logging.ApplicationLog = filepath.Join("log", "application.log")
	}
	if c.Logging.TracingLog == "" {
		c.Logging.TracingLog = filepath.Join("log", "tracing.log")
	}
	if c.Tracing.SegmentName == "" {
		c.Tracing.SegmentName = c.Application
	}
}

func (c *ServiceConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	switch c.Database.Type {
	case "sqlite":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	switch c.Storage.Type {
	case "database":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage type s3 requires a bucket")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	switch c.Queue.Type {
	case "redis", "rabbitmq":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue type %s requires a url", c.Queue.Type)
		}
	default:
		return fmt.Errorf("unsupported queue type: %s", c.Queue.Type)
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.PollTimeout < 0 {
		return fmt.Errorf("queue pollTimeout must be positive, got %s", c.Queue.PollTimeout)
	}

	if c.Moderation.MaxImageBytes < 0 {
		return fmt.Errorf("moderation maxImageBytes must be positive, got %d", c.Moderation.MaxImageBytes)
	}
	if c.Moderation.MaxDimension < 0 {
		return fmt.Errorf("moderation maxDimension must be positive, got %d", c.Moderation.MaxDimension)
	}
	return nil
}

func (c *ServiceConfig) QueueOptions() queue.Options {
	return queue.Options{
		Name:        c.Queue.Name,
		Workers:     c.Queue.Workers,
		PollTimeout: c.Queue.PollTimeout,
	}
}

func (c *ServiceConfig) PrepareOptions() imageprep.Options {
	return imageprep.Options{
		MaxBytes:          c.Moderation.MaxImageBytes,
		MaxDimension:      c.Moderation.MaxDimension,
		SVGFallbackWidth:  c.Moderation.SVGFallbackWidth,
		SVGFallbackHeight: c.Moderation.SVGFallbackHeight,
	}
}
