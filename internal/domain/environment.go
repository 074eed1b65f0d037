package domain

import "fmt"

// Environment isolates containers, volumes and ports of one kind of use.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// Environments lists every valid environment.
var Environments = []Environment{EnvDevelopment, EnvTest, EnvProduction}

// ParseEnvironment accepts the full names and the short forms dev/prod.
func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "development", "dev":
		return EnvDevelopment, nil
	case "test":
		return EnvTest, nil
	case "production", "prod":
		return EnvProduction, nil
	}
	return "", fmt.Errorf("%w: unknown environment %q", ErrInvalidConfig, s)
}

// Persistent reports whether data and ports survive a stop.
// Test environments are ephemeral.
func (e Environment) Persistent() bool {
	return e == EnvDevelopment || e == EnvProduction
}

func (e Environment) String() string { return string(e) }
