package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/neodock/neodock/internal/domain"
)

// profile is the on-disk form of an instance configuration:
//
//	environment: test
//	password: ${NEO4J_PASSWORD}
//	plugins: [apoc]
//	memory: 1G
type profile struct {
	Environment     string   `yaml:"environment"`
	Password        string   `yaml:"password"`
	Username        string   `yaml:"username"`
	ContainerPrefix string   `yaml:"container_prefix"`
	DataPath        string   `yaml:"data_path"`
	Plugins         []string `yaml:"plugins"`
	Memory          string   `yaml:"memory"`
	Debug           bool     `yaml:"debug"`
	Image           string   `yaml:"image"`
}

// loadProfile reads a YAML profile. Environment variables in string values
// are expanded so passwords can stay out of the file.
func loadProfile(path string) (domain.InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.InstanceConfig{}, fmt.Errorf("failed to read profile: %w", err)
	}

	var p profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return domain.InstanceConfig{}, fmt.Errorf("%w: profile %s: %v", domain.ErrInvalidConfig, path, err)
	}

	cfg := domain.InstanceConfig{
		Password:        os.ExpandEnv(p.Password),
		Username:        os.ExpandEnv(p.Username),
		ContainerPrefix: p.ContainerPrefix,
		DataPath:        os.ExpandEnv(p.DataPath),
		Plugins:         p.Plugins,
		Memory:          p.Memory,
		Debug:           p.Debug,
		Image:           p.Image,
	}
	if p.Environment != "" {
		env, err := domain.ParseEnvironment(p.Environment)
		if err != nil {
			return domain.InstanceConfig{}, err
		}
		cfg.Environment = env
	}
	return cfg, nil
}
