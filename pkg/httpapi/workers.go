package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/registry"
)

type modelDescriptorDTO struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	SizeBytes  int64     `json:"size_bytes"`
	Family     string    `json:"family"`
}

type registerRequest struct {
	WorkerID          string                `json:"worker_id" binding:"required"`
	Address           string                `json:"address" binding:"required"`
	Models            []modelDescriptorDTO  `json:"models"`
	MaxConcurrency    int                   `json:"max_concurrency"`
	SupportsStreaming bool                  `json:"supports_streaming"`
}

type registerResponse struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, wrapValidation(err), false)
		return
	}

	models := make(map[string]gwtypes.ModelDescriptor, len(req.Models))
	for _, m := range req.Models {
		models[m.Name] = gwtypes.ModelDescriptor{
			Name:       m.Name,
			ModifiedAt: m.ModifiedAt,
			SizeBytes:  m.SizeBytes,
			Family:     m.Family,
		}
	}
	caps := gwtypes.Capabilities{
		Models:            models,
		MaxConcurrency:    req.MaxConcurrency,
		SupportsStreaming: req.SupportsStreaming,
	}
	if caps.MaxConcurrency <= 0 {
		caps.MaxConcurrency = 1
	}

	token, err := s.registry.Register(req.WorkerID, caps, req.Address)
	if err != nil {
		writeError(c, err, false)
		return
	}
	c.JSON(http.StatusOK, registerResponse{SessionToken: token})
}

type heartbeatRequest struct {
	SessionToken    string `json:"session_token" binding:"required"`
	InFlight        int    `json:"in_flight"`
	QueueSize       int    `json:"queue_size"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	workerID := c.Param("id")
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, wrapValidation(err), false)
		return
	}

	load := registry.LoadSnapshot{InFlight: req.InFlight, QueueSize: req.QueueSize}
	if err := s.registry.Heartbeat(workerID, req.SessionToken, load); err != nil {
		writeError(c, err, false)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeregister(c *gin.Context) {
	workerID := c.Param("id")
	if err := s.registry.Deregister(workerID); err != nil {
		writeError(c, err, false)
		return
	}
	c.Status(http.StatusNoContent)
}

type workerDTO struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Liveness      string    `json:"liveness"`
	InFlight      int       `json:"in_flight"`
	MaxConcurrency int      `json:"max_concurrency"`
	Models        []string  `json:"models"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

func toWorkerDTO(snap registry.WorkerSnapshot) workerDTO {
	return workerDTO{
		ID:             snap.ID,
		Address:        snap.Address,
		Liveness:       string(snap.Liveness),
		InFlight:       snap.InFlight,
		MaxConcurrency: snap.Capabilities.MaxConcurrency,
		Models:         snap.Capabilities.ModelNames(),
		LastHeartbeat:  snap.LastHeartbeat,
		RegisteredAt:   snap.RegisteredAt,
	}
}

func (s *Server) handleListWorkers(c *gin.Context) {
	snaps := s.registry.ListWorkers()
	dtos := make([]workerDTO, len(snaps))
	for i, snap := range snaps {
		dtos[i] = toWorkerDTO(snap)
	}
	c.JSON(http.StatusOK, gin.H{"workers": dtos})
}

func wrapValidation(err error) error {
	return &validationError{cause: err}
}

type validationError struct{ cause error }

func (e *validationError) Error() string { return e.cause.Error() }
func (e *validationError) Unwrap() error { return gwerrors.ErrValidation }
