package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable is returned when the Docker engine cannot be reached.
	ErrEngineUnavailable = errors.New("container engine unavailable")

	// ErrPortExhaustion is returned when no free (HTTP, Bolt) pair exists in the probe window.
	ErrPortExhaustion = errors.New("no free port pair available")

	// ErrStartupTimeout is returned when the database never answered a probe query.
	ErrStartupTimeout = errors.New("database did not become ready in time")

	// ErrAuthMismatch is returned when a running database rejects the supplied credentials.
	ErrAuthMismatch = errors.New("credentials rejected by running database")

	// ErrIncompatibleSnapshot is returned when a snapshot was taken by an incompatible server version.
	ErrIncompatibleSnapshot = errors.New("snapshot incompatible with running database")

	// ErrDataConflict is returned when an import would overwrite existing data without force.
	ErrDataConflict = errors.New("target database already contains data")

	// ErrProductionGuard is returned instead of destroying production data without confirmation.
	ErrProductionGuard = errors.New("refusing to destroy production data without confirmation")

	// ErrInvalidConfig is returned when an InstanceConfig fails validation.
	ErrInvalidConfig = errors.New("invalid instance config")

	// ErrContainerNotFound is returned when the container doesn't exist.
	ErrContainerNotFound = errors.New("container not found")

	// ErrVolumeNotFound is returned when the named volume doesn't exist.
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrInstanceNotFound is returned when no managed instance matches the id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrHandleClosed is returned by an instance handle after Stop.
	ErrHandleClosed = errors.New("instance handle is closed")
)

// OpError records a failed lifecycle operation on a named instance.
type OpError struct {
	Op       string // "start", "stop", "export", ...
	Instance string
	Err      error
	// Hint overrides the default user-facing explanation.
	Hint string
}

func (e *OpError) Error() string {
	if e.Instance == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Instance + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapOp wraps err in an OpError. A nil err stays nil.
func WrapOp(op, instance string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Instance: instance, Err: err}
}

// Hint returns a short explanation of err meant for people, not logs.
func Hint(err error) string {
	if err == nil {
		return ""
	}

	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Hint != "" {
		return opErr.Hint
	}

	switch {
	case errors.Is(err, ErrEngineUnavailable):
		return "Docker does not appear to be running. Start Docker and try again."
	case errors.Is(err, ErrPortExhaustion):
		return "Every candidate port pair is taken. Stop unused instances or run `neodock ports reconcile`."
	case errors.Is(err, ErrStartupTimeout):
		if opErr != nil && opErr.Instance != "" {
			return fmt.Sprintf("Neo4j did not answer in time. Inspect `docker logs %s`.", opErr.Instance)
		}
		return "Neo4j did not answer in time. Inspect the container logs."
	case errors.Is(err, ErrAuthMismatch):
		return "The running database rejected the password. Use the original password or recreate the instance."
	case errors.Is(err, ErrProductionGuard):
		return "The production instance uses a different password. Set confirm_destroy to recreate it and lose its data."
	case errors.Is(err, ErrIncompatibleSnapshot):
		return "The snapshot was taken by an incompatible Neo4j version."
	case errors.Is(err, ErrDataConflict):
		return "The database already has data. Import with force to overwrite it."
	case errors.Is(err, ErrInvalidConfig):
		return "The instance configuration is invalid."
	case errors.Is(err, ErrContainerNotFound), errors.Is(err, ErrInstanceNotFound):
		return "No managed instance matches that id."
	case errors.Is(err, ErrHandleClosed):
		return "The instance was stopped. Start it again to get a new handle."
	default:
		return "Unexpected failure. Re-run with debug logging for details."
	}
}
