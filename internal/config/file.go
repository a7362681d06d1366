package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors a subset of Config's nested shape (key prefix, DSN,
// Redis URL, worker pool size) for YAML decoding, so
// operators can express overrides in a file instead of environment
// variables. Only fields present in the file are applied; absent fields
// leave the existing value (defaults/env-applied) untouched.
type fileConfig struct {
	KeyPrefix *string `yaml:"keyPrefix"`
	Durable   *struct {
		DSN string `yaml:"dsn"`
	} `yaml:"durable"`
	Index *struct {
		RedisURL string `yaml:"redisUrl"`
	} `yaml:"index"`
	Worker *struct {
		PoolSize *int `yaml:"poolSize"`
	} `yaml:"worker"`
}

// LoadFromFile overlays a YAML file's contents onto c. NewConfig does not
// call it; it applies only when a caller invokes it on a Config it holds.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if fc.KeyPrefix != nil {
		c.KeyPrefix = *fc.KeyPrefix
	}
	if fc.Durable != nil && fc.Durable.DSN != "" {
		c.Durable.DSN = fc.Durable.DSN
	}
	if fc.Index != nil && fc.Index.RedisURL != "" {
		c.Index.RedisURL = fc.Index.RedisURL
	}
	if fc.Worker != nil && fc.Worker.PoolSize != nil {
		c.Worker.PoolSize = *fc.Worker.PoolSize
	}
	return nil
}
