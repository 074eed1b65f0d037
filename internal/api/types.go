package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/orchestrator"
)

// ErrorResponse is the body of every failed request. Error is meant for
// people; Detail carries the wrapped cause.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// StartRequest is the body of POST /api/v1/instances.
type StartRequest struct {
	Environment     string   `json:"environment"`
	Password        string   `json:"password" binding:"required"`
	Username        string   `json:"username"`
	ContainerPrefix string   `json:"container_prefix"`
	DataPath        string   `json:"data_path"`
	Plugins         []string `json:"plugins"`
	Memory          string   `json:"memory"`
	Debug           bool     `json:"debug"`
	Image           string   `json:"image"`
	ConfirmDestroy  bool     `json:"confirm_destroy"`
}

func (r StartRequest) config() (domain.InstanceConfig, error) {
	env := domain.EnvDevelopment
	if r.Environment != "" {
		parsed, err := domain.ParseEnvironment(r.Environment)
		if err != nil {
			return domain.InstanceConfig{}, err
		}
		env = parsed
	}
	return domain.InstanceConfig{
		Environment:     env,
		Password:        r.Password,
		Username:        r.Username,
		ContainerPrefix: r.ContainerPrefix,
		DataPath:        r.DataPath,
		Plugins:         r.Plugins,
		Memory:          r.Memory,
		Debug:           r.Debug,
		Image:           r.Image,
		ConfirmDestroy:  r.ConfirmDestroy,
	}, nil
}

// ExportRequest is the body of POST /api/v1/instances/:id/export.
type ExportRequest struct {
	// Path is a file or directory below the snapshot directory. Relative
	// paths are joined onto it.
	Path string `json:"path"`
	// Password is needed for instances this server did not start.
	Password string `json:"password"`
}

// ImportRequest is the body of POST /api/v1/instances/:id/import.
type ImportRequest struct {
	Path     string `json:"path" binding:"required"`
	Password string `json:"password"`
	Validate *bool  `json:"validate"`
	Backup   *bool  `json:"backup"`
	Force    bool   `json:"force"`
}

func (r ImportRequest) options() domain.ImportOptions {
	opts := domain.ImportOptions{Validate: true, Backup: true, Force: r.Force}
	if r.Validate != nil {
		opts.Validate = *r.Validate
	}
	if r.Backup != nil {
		opts.Backup = *r.Backup
	}
	return opts
}

// CleanupRequest is the body of POST /api/v1/cleanup.
type CleanupRequest struct {
	KeepDays *int `json:"keep_days"`
}

// InstanceResponse describes one instance. Credentials are never included.
type InstanceResponse struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Environment domain.Environment    `json:"environment"`
	State       domain.ContainerState `json:"state"`
	URI         string                `json:"uri"`
	HTTPURI     string                `json:"http_uri"`
	Volume      string                `json:"volume,omitempty"`
	DataPath    string                `json:"data_path,omitempty"`
	Plugins     []string              `json:"plugins,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

func toResponse(inst *orchestrator.Instance) InstanceResponse {
	rec := inst.Record()
	return InstanceResponse{
		ID:          rec.ContainerID,
		Name:        rec.Name,
		Environment: rec.Environment,
		State:       rec.State,
		URI:         inst.URI(),
		HTTPURI:     inst.HTTPURI(),
		Volume:      rec.VolumeName,
		DataPath:    rec.DataPath,
		Plugins:     rec.Plugins,
		CreatedAt:   rec.CreatedAt,
	}
}

// errorStatus maps an error to its HTTP status and machine-readable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest, "INVALID_CONFIG"
	case errors.Is(err, domain.ErrInstanceNotFound), errors.Is(err, domain.ErrContainerNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrHandleClosed):
		return http.StatusGone, "HANDLE_CLOSED"
	case errors.Is(err, domain.ErrProductionGuard):
		return http.StatusConflict, "PRODUCTION_GUARD"
	case errors.Is(err, domain.ErrAuthMismatch):
		return http.StatusConflict, "AUTH_MISMATCH"
	case errors.Is(err, domain.ErrDataConflict):
		return http.StatusConflict, "DATA_CONFLICT"
	case errors.Is(err, domain.ErrIncompatibleSnapshot):
		return http.StatusUnprocessableEntity, "INCOMPATIBLE_SNAPSHOT"
	case errors.Is(err, domain.ErrStartupTimeout):
		return http.StatusGatewayTimeout, "STARTUP_TIMEOUT"
	case errors.Is(err, domain.ErrPortExhaustion):
		return http.StatusServiceUnavailable, "PORT_EXHAUSTION"
	case errors.Is(err, domain.ErrEngineUnavailable):
		return http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
