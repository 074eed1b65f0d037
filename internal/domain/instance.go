package domain

import (
	"fmt"
	"regexp"
	"time"
)

const (
	DefaultUsername = "neo4j"
	DefaultPrefix   = "neodock"
	DefaultImage    = "neo4j:5"
)

// Labels set on every container and volume this module creates.
const (
	LabelManaged     = "neodock.managed"
	LabelEnvironment = "neodock.environment"
	LabelInstance    = "neodock.instance"
	LabelVolume      = "neodock.volume"
	LabelPlugins     = "neodock.plugins"
	LabelCreated     = "neodock.created"
)

var (
	prefixPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	memoryPattern = regexp.MustCompile(`^[0-9]+[kKmMgG]?$`)
)

// InstanceConfig describes the database a caller wants running.
type InstanceConfig struct {
	Environment     Environment `json:"environment" yaml:"environment"`
	Password        string      `json:"-" yaml:"password"`
	Username        string      `json:"username,omitempty" yaml:"username"`
	ContainerPrefix string      `json:"container_prefix,omitempty" yaml:"container_prefix"`
	// DataPath bind-mounts a host directory at /data instead of a named volume.
	DataPath string   `json:"data_path,omitempty" yaml:"data_path"`
	Plugins  []string `json:"plugins,omitempty" yaml:"plugins"`
	// Memory sizes both heap and page cache, e.g. "1G".
	Memory string `json:"memory,omitempty" yaml:"memory"`
	Debug  bool   `json:"debug,omitempty" yaml:"debug"`
	Image  string `json:"image,omitempty" yaml:"image"`
	// ConfirmDestroy allows a production instance to be recreated when
	// the password no longer matches. Its data is lost.
	ConfirmDestroy bool `json:"confirm_destroy,omitempty" yaml:"confirm_destroy"`
}

// WithDefaults returns a copy with empty optional fields filled in.
func (c InstanceConfig) WithDefaults() InstanceConfig {
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.ContainerPrefix == "" {
		c.ContainerPrefix = DefaultPrefix
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}
	if env, err := ParseEnvironment(string(c.Environment)); err == nil {
		c.Environment = env
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c InstanceConfig) Validate() error {
	env, err := ParseEnvironment(string(c.Environment))
	if err != nil {
		return err
	}
	// Aliases are resolved by WithDefaults; guards compare canonical names.
	if env != c.Environment {
		return fmt.Errorf("%w: environment %q is not canonical, use %q", ErrInvalidConfig, c.Environment, env)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidConfig)
	}
	// Neo4j refuses passwords shorter than 8 characters.
	if len(c.Password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidConfig)
	}
	if !prefixPattern.MatchString(c.ContainerPrefix) {
		return fmt.Errorf("%w: invalid container prefix %q", ErrInvalidConfig, c.ContainerPrefix)
	}
	if c.Memory != "" && !memoryPattern.MatchString(c.Memory) {
		return fmt.Errorf("%w: invalid memory size %q", ErrInvalidConfig, c.Memory)
	}
	for _, p := range c.Plugins {
		if p == "" {
			return fmt.Errorf("%w: empty plugin name", ErrInvalidConfig)
		}
	}
	return nil
}

// InstanceName returns the container name for an instance. Development and
// production have one stable instance per prefix; test names carry id.
func InstanceName(env Environment, prefix, id string) string {
	if env.Persistent() || id == "" {
		return prefix + "-" + string(env)
	}
	return prefix + "-" + string(env) + "-" + id
}

// ContainerState is the observed engine state of a named container.
type ContainerState string

const (
	StateAbsent    ContainerState = "absent"
	StateStopped   ContainerState = "stopped"
	StateStarting  ContainerState = "starting"
	StateRunning   ContainerState = "running"
	StateUnhealthy ContainerState = "unhealthy"
)

// ContainerRecord is what the orchestrator knows about one container.
type ContainerRecord struct {
	Name        string         `json:"name"`
	ContainerID string         `json:"container_id"`
	State       ContainerState `json:"state"`
	BoltPort    int            `json:"bolt_port"`
	HTTPPort    int            `json:"http_port"`
	VolumeName  string         `json:"volume_name,omitempty"`
	DataPath    string         `json:"data_path,omitempty"`
	Environment Environment    `json:"environment"`
	Plugins     []string       `json:"plugins,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// BoltURI returns the loopback bolt address.
func (r *ContainerRecord) BoltURI() string {
	return fmt.Sprintf("bolt://127.0.0.1:%d", r.BoltPort)
}

// HTTPURI returns the loopback browser address.
func (r *ContainerRecord) HTTPURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d", r.HTTPPort)
}

// Age returns how long ago the container was created.
func (r *ContainerRecord) Age(now time.Time) time.Duration {
	if r.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(r.CreatedAt)
}

// PortAllocation reserves an (HTTP, Bolt) pair for one instance.
type PortAllocation struct {
	Environment  Environment `json:"environment"`
	InstanceName string      `json:"instance_name"`
	HTTPPort     int         `json:"http_port"`
	BoltPort     int         `json:"bolt_port"`
	AllocatedAt  time.Time   `json:"allocated_at"`
}

// Conflicts reports whether the two allocations share any port.
func (a PortAllocation) Conflicts(other PortAllocation) bool {
	return a.HTTPPort == other.HTTPPort || a.HTTPPort == other.BoltPort ||
		a.BoltPort == other.HTTPPort || a.BoltPort == other.BoltPort
}

// VolumeRecord is a named volume holding one instance's /data.
type VolumeRecord struct {
	Name        string      `json:"name"`
	Environment Environment `json:"environment"`
	Instance    string      `json:"instance,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
